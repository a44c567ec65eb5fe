package rpc

import (
	"github.com/zion-network/zion-chain/pkg/block"
	"github.com/zion-network/zion-chain/pkg/tx"
)

// JSON-RPC 2.0 error codes. The transport-level codes follow the spec;
// the domain codes (-1, -2, -3) are this project's own taxonomy rather
// than the generic JSON-RPC reserved range.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeValidation     = -1
	CodeNotFound       = -2
	CodeUnauthorized   = -3
)

// CodeInvalidParams is an alias of CodeValidation used for malformed
// request parameters, which are a form of validation failure.
const CodeInvalidParams = CodeValidation

// Request is a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
	ID      interface{} `json:"id"`
}

// Response is a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string      `json:"jsonrpc"`
	Result  interface{} `json:"result,omitempty"`
	Error   *Error      `json:"error,omitempty"`
	ID      interface{} `json:"id"`
}

// Error is a JSON-RPC 2.0 error object.
type Error struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// ── Param types ─────────────────────────────────────────────────────────

// BlockParam is used by get_block — exactly one of Hash or Height is set.
type BlockParam struct {
	Hash   string  `json:"hash,omitempty"`
	Height *uint64 `json:"height,omitempty"`
}

// HashParam is used by get_header and get_transaction.
type HashParam struct {
	Hash string `json:"hash"`
}

// TxSubmitParam is used by send_raw_transaction.
type TxSubmitParam struct {
	Transaction *tx.Transaction `json:"transaction"`
}

// BlockTemplateParam is used by get_block_template.
type BlockTemplateParam struct {
	CoinbaseAddress string `json:"coinbase_address"`
}

// SubmitBlockParam is used by submit_block.
type SubmitBlockParam struct {
	Block *block.Block `json:"block"`
}

// ── Block/Tx result types ───────────────────────────────────────────────

// BlockResult wraps a block with its precomputed hash for RPC responses.
type BlockResult struct {
	Hash         string        `json:"hash"`
	Header       *block.Header `json:"header"`
	Transactions []*TxResult   `json:"transactions"`
}

// TxResult wraps a transaction with its precomputed hash for RPC responses.
type TxResult struct {
	Hash     string      `json:"hash"`
	Version  uint32      `json:"version"`
	Inputs   []tx.Input  `json:"inputs"`
	Outputs  []tx.Output `json:"outputs"`
	LockTime uint64      `json:"locktime"`
}

// NewBlockResult creates a BlockResult from a block, precomputing all hashes.
func NewBlockResult(b *block.Block) *BlockResult {
	txResults := make([]*TxResult, len(b.Transactions))
	for i, t := range b.Transactions {
		txResults[i] = NewTxResult(t)
	}
	return &BlockResult{
		Hash:         b.Hash().String(),
		Header:       b.Header,
		Transactions: txResults,
	}
}

// NewTxResult creates a TxResult from a transaction, precomputing its hash.
func NewTxResult(t *tx.Transaction) *TxResult {
	return &TxResult{
		Hash:     t.Hash().String(),
		Version:  t.Version,
		Inputs:   t.Inputs,
		Outputs:  t.Outputs,
		LockTime: t.LockTime,
	}
}

// ── Result types ────────────────────────────────────────────────────────

// InfoResult is returned by get_info.
type InfoResult struct {
	ChainID    string `json:"chain_id"`
	Network    string `json:"network"`
	Version    string `json:"version"`
	Height     uint64 `json:"height"`
	BestHash   string `json:"best_hash"`
	Supply     uint64 `json:"supply"`
	Difficulty uint64 `json:"difficulty"`
}

// SupplyResult is returned by get_supply.
type SupplyResult struct {
	CirculatingSupply uint64 `json:"circulating_supply"`
	MaxSupply         uint64 `json:"max_supply"` // 0 = unbounded
	BlockReward       uint64 `json:"block_reward"`
	Height            uint64 `json:"height"`
}

// BuybackStatsResult is returned by get_buyback_stats. This node has no
// treasury buyback mechanism; the method reports a zeroed, always-disabled
// stat block so callers built against the upstream method table still get
// a well-formed response instead of method-not-found.
type BuybackStatsResult struct {
	Enabled        bool   `json:"enabled"`
	TotalBought    uint64 `json:"total_bought"`
	TotalSpent     uint64 `json:"total_spent"`
	LastBuybackAt  uint64 `json:"last_buyback_height"`
}

// NetworkInfoResult is returned by get_network_info.
type NetworkInfoResult struct {
	NodeID     string   `json:"node_id"`
	Addrs      []string `json:"addrs"`
	PeerCount  int      `json:"peer_count"`
	ListenPort int      `json:"listen_port"`
}

// PeerInfo describes a single connected peer.
type PeerInfo struct {
	ID          string `json:"id"`
	ConnectedAt string `json:"connected_at"`
}

// PeerInfoResult is returned by get_peer_info.
type PeerInfoResult struct {
	Count int        `json:"count"`
	Peers []PeerInfo `json:"peers"`
}

// HealthCheckResult is returned by get_health_check.
type HealthCheckResult struct {
	OK          bool   `json:"ok"`
	Height      uint64 `json:"height"`
	PeerCount   int    `json:"peer_count"`
	MempoolSize int    `json:"mempool_size"`
	UptimeSecs  int64  `json:"uptime_seconds"`
}

// MetricsResult is returned by get_metrics — a JSON snapshot mirroring the
// node's Prometheus gauges/counters for callers that don't scrape /metrics.
type MetricsResult struct {
	Height               uint64 `json:"height"`
	CumulativeDifficulty string `json:"cumulative_difficulty"`
	MempoolSize          int    `json:"mempool_size"`
	PeerCount            int    `json:"peer_count"`
	BlocksProcessed      uint64 `json:"blocks_processed"`
	ReorgsTotal          uint64 `json:"reorgs_total"`
	LastReorgDepth       uint64 `json:"last_reorg_depth"`
}

// TxSubmitResult is returned by send_raw_transaction.
type TxSubmitResult struct {
	TxHash string `json:"tx_hash"`
}

// MempoolResult is returned by get_mempool.
type MempoolResult struct {
	Count      int      `json:"count"`
	MinFeeRate uint64   `json:"min_fee_rate"`
	Hashes     []string `json:"hashes"`
}

// BlockTemplateResult is returned by get_block_template.
type BlockTemplateResult struct {
	Block      *block.Block `json:"block"`      // Full candidate block (nonce=0, ready to mine).
	Target     string       `json:"target"`     // Hex-encoded 256-bit target (hash must be <= this).
	Difficulty uint64       `json:"difficulty"` // Numeric difficulty.
	Height     uint64       `json:"height"`
	PrevHash   string       `json:"prev_hash"`
}

// SubmitBlockResult is returned by submit_block.
type SubmitBlockResult struct {
	BlockHash string `json:"block_hash"`
	Height    uint64 `json:"height"`
}

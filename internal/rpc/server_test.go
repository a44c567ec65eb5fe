package rpc

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/zion-network/zion-chain/config"
	"github.com/zion-network/zion-chain/internal/chain"
	"github.com/zion-network/zion-chain/internal/consensus"
	klog "github.com/zion-network/zion-chain/internal/log"
	"github.com/zion-network/zion-chain/internal/mempool"
	"github.com/zion-network/zion-chain/internal/metrics"
	"github.com/zion-network/zion-chain/internal/miner"
	"github.com/zion-network/zion-chain/internal/p2p"
	"github.com/zion-network/zion-chain/internal/storage"
	"github.com/zion-network/zion-chain/internal/utxo"
	"github.com/zion-network/zion-chain/pkg/crypto"
	"github.com/zion-network/zion-chain/pkg/tx"
	"github.com/zion-network/zion-chain/pkg/types"
)

// testEnv holds all components for an RPC test.
type testEnv struct {
	server    *Server
	chain     *chain.Chain
	utxoStore *utxo.Store
	pool      *mempool.Pool
	genesis   *config.Genesis
	engine    consensus.Engine
	minerKey  *crypto.PrivateKey
	minerAddr types.Address
	addrHex   string
	url       string
	p2pNode   *p2p.Node
}

func setupTestEnv(t *testing.T) *testEnv {
	t.Helper()
	klog.Init("error", false, "")

	minerKey, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	minerAddr := crypto.AddressFromPubKey(minerKey.PublicKey())
	addrHex := minerAddr.String()

	gen := &config.Genesis{
		ChainID:   "zion-test-rpc",
		ChainName: "RPC Test",
		Timestamp: uint64(time.Now().Unix()),
		Alloc:     map[string]uint64{addrHex: 100_000 * config.Coin},
		Protocol: config.ProtocolConfig{
			Consensus: config.ConsensusRules{
				Type:              config.ConsensusPoW,
				BlockTime:         1,
				InitialDifficulty: 1,
				DifficultyAdjust:  0,
				BlockReward:       config.MilliCoin,
				MaxSupply:         2_000_000 * config.Coin,
				MinFeeRate:        10,
			},
		},
	}

	db := storage.NewMemory()
	utxoStore := utxo.NewStore(db)

	engine, err := consensus.NewPoW(gen.Protocol.Consensus.InitialDifficulty, gen.Protocol.Consensus.DifficultyAdjust, gen.Protocol.Consensus.BlockTime)
	if err != nil {
		t.Fatalf("create pow engine: %v", err)
	}

	ch, err := chain.New(types.ChainID{}, db, utxoStore, engine)
	if err != nil {
		t.Fatalf("create chain: %v", err)
	}
	if err := ch.InitFromGenesis(gen); err != nil {
		t.Fatalf("init genesis: %v", err)
	}
	ch.SetConsensusRules(gen.Protocol.Consensus)

	adapter := miner.NewUTXOAdapter(utxoStore)
	pool := mempool.New(adapter, 1000)
	pool.SetMinFeeRate(gen.Protocol.Consensus.MinFeeRate)

	p2pNode := p2p.New(p2p.Config{ListenAddr: "127.0.0.1", Port: 0, NoDiscover: true})
	if err := p2pNode.Start(); err != nil {
		t.Fatalf("start p2p: %v", err)
	}
	t.Cleanup(func() { p2pNode.Stop() })

	srv := New("127.0.0.1:0", ch, utxoStore, pool, p2pNode, gen, engine)
	srv.SetMetrics(metrics.New())
	if err := srv.Start(); err != nil {
		t.Fatalf("start rpc: %v", err)
	}
	t.Cleanup(func() { srv.Stop() })

	return &testEnv{
		server:    srv,
		chain:     ch,
		utxoStore: utxoStore,
		pool:      pool,
		genesis:   gen,
		engine:    engine,
		minerKey:  minerKey,
		minerAddr: minerAddr,
		addrHex:   addrHex,
		url:       fmt.Sprintf("http://%s/", srv.Addr()),
		p2pNode:   p2pNode,
	}
}

func rpcCall(t *testing.T, url, method string, params interface{}) Response {
	t.Helper()
	req := Request{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      1,
	}
	body, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}

	resp, err := http.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("post %s: %v", method, err)
	}
	defer resp.Body.Close()

	var rpcResp Response
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return rpcResp
}

func decodeResult(t *testing.T, resp Response, target interface{}) {
	t.Helper()
	if resp.Error != nil {
		t.Fatalf("unexpected rpc error: %+v", resp.Error)
	}
	data, err := json.Marshal(resp.Result)
	if err != nil {
		t.Fatalf("marshal result: %v", err)
	}
	if err := json.Unmarshal(data, target); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
}

// ── Tests ───────────────────────────────────────────────────────────────

func TestRPC_GetInfo(t *testing.T) {
	env := setupTestEnv(t)
	resp := rpcCall(t, env.url, "get_info", nil)

	var info InfoResult
	decodeResult(t, resp, &info)

	if info.ChainID != env.genesis.ChainID {
		t.Errorf("chain_id = %q, want %q", info.ChainID, env.genesis.ChainID)
	}
	if info.Height != 0 {
		t.Errorf("height = %d, want 0", info.Height)
	}
	if info.Supply != 100_000*config.Coin {
		t.Errorf("supply = %d, want %d", info.Supply, 100_000*config.Coin)
	}
}

func TestRPC_GetBlock_ByHeight(t *testing.T) {
	env := setupTestEnv(t)
	height := uint64(0)
	resp := rpcCall(t, env.url, "get_block", BlockParam{Height: &height})

	var blk BlockResult
	decodeResult(t, resp, &blk)
	if blk.Header.Height != 0 {
		t.Errorf("height = %d, want 0", blk.Header.Height)
	}
}

func TestRPC_GetBlock_ByHash(t *testing.T) {
	env := setupTestEnv(t)
	genBlk, err := env.chain.GetBlockByHeight(0)
	if err != nil {
		t.Fatalf("get genesis: %v", err)
	}

	resp := rpcCall(t, env.url, "get_block", BlockParam{Hash: genBlk.Hash().String()})
	var blk BlockResult
	decodeResult(t, resp, &blk)
	if blk.Hash != genBlk.Hash().String() {
		t.Errorf("hash mismatch")
	}
}

func TestRPC_GetBlock_NotFound(t *testing.T) {
	env := setupTestEnv(t)
	resp := rpcCall(t, env.url, "get_block", BlockParam{Hash: hex.EncodeToString(make([]byte, types.HashSize))})
	if resp.Error == nil {
		t.Fatal("expected error for unknown block")
	}
	if resp.Error.Code != CodeNotFound {
		t.Errorf("code = %d, want %d", resp.Error.Code, CodeNotFound)
	}
}

func TestRPC_GetBlock_MissingParams(t *testing.T) {
	env := setupTestEnv(t)
	resp := rpcCall(t, env.url, "get_block", BlockParam{})
	if resp.Error == nil || resp.Error.Code != CodeInvalidParams {
		t.Fatalf("expected invalid params error, got %+v", resp.Error)
	}
}

func TestRPC_GetHeader(t *testing.T) {
	env := setupTestEnv(t)
	genBlk, _ := env.chain.GetBlockByHeight(0)

	resp := rpcCall(t, env.url, "get_header", HashParam{Hash: genBlk.Hash().String()})
	if resp.Error != nil {
		t.Fatalf("unexpected error: %+v", resp.Error)
	}
}

func TestRPC_GetSupply(t *testing.T) {
	env := setupTestEnv(t)
	resp := rpcCall(t, env.url, "get_supply", nil)

	var supply SupplyResult
	decodeResult(t, resp, &supply)
	if supply.CirculatingSupply != 100_000*config.Coin {
		t.Errorf("circulating_supply = %d", supply.CirculatingSupply)
	}
	if supply.MaxSupply != env.genesis.Protocol.Consensus.MaxSupply {
		t.Errorf("max_supply mismatch")
	}
}

func TestRPC_GetBuybackStats_AlwaysDisabled(t *testing.T) {
	env := setupTestEnv(t)
	resp := rpcCall(t, env.url, "get_buyback_stats", nil)

	var stats BuybackStatsResult
	decodeResult(t, resp, &stats)
	if stats.Enabled {
		t.Error("expected buyback to always report disabled")
	}
}

func TestRPC_GetNetworkInfo(t *testing.T) {
	env := setupTestEnv(t)
	resp := rpcCall(t, env.url, "get_network_info", nil)

	var info NetworkInfoResult
	decodeResult(t, resp, &info)
	if info.NodeID == "" {
		t.Error("expected non-empty node_id")
	}
	if info.PeerCount != 0 {
		t.Errorf("peer_count = %d, want 0 for isolated node", info.PeerCount)
	}
}

func TestRPC_GetPeerInfo_Empty(t *testing.T) {
	env := setupTestEnv(t)
	resp := rpcCall(t, env.url, "get_peer_info", nil)

	var info PeerInfoResult
	decodeResult(t, resp, &info)
	if info.Count != 0 || len(info.Peers) != 0 {
		t.Errorf("expected no peers, got %+v", info)
	}
}

func TestRPC_GetHealthCheck(t *testing.T) {
	env := setupTestEnv(t)
	resp := rpcCall(t, env.url, "get_health_check", nil)

	var health HealthCheckResult
	decodeResult(t, resp, &health)
	if !health.OK {
		t.Error("expected ok=true")
	}
	if health.Height != 0 {
		t.Errorf("height = %d, want 0", health.Height)
	}
}

func TestRPC_GetMetrics(t *testing.T) {
	env := setupTestEnv(t)
	resp := rpcCall(t, env.url, "get_metrics", nil)

	var m MetricsResult
	decodeResult(t, resp, &m)
	if m.Height != 0 {
		t.Errorf("height = %d, want 0", m.Height)
	}
}

func TestRPC_GetBlockTemplate(t *testing.T) {
	env := setupTestEnv(t)
	resp := rpcCall(t, env.url, "get_block_template", BlockTemplateParam{CoinbaseAddress: env.addrHex})

	var tmpl BlockTemplateResult
	decodeResult(t, resp, &tmpl)
	if tmpl.Height != 1 {
		t.Errorf("height = %d, want 1", tmpl.Height)
	}
	if tmpl.Block == nil {
		t.Fatal("expected a candidate block")
	}
	if len(tmpl.Block.Transactions) != 1 {
		t.Errorf("expected just the coinbase tx, got %d", len(tmpl.Block.Transactions))
	}
	if tmpl.Block.Header.Nonce != 0 {
		t.Error("template block must be unsealed (nonce=0)")
	}
}

func TestRPC_GetBlockTemplate_InvalidAddress(t *testing.T) {
	env := setupTestEnv(t)
	resp := rpcCall(t, env.url, "get_block_template", BlockTemplateParam{CoinbaseAddress: "not-an-address"})
	if resp.Error == nil || resp.Error.Code != CodeInvalidParams {
		t.Fatalf("expected invalid params error, got %+v", resp.Error)
	}
}

func TestRPC_SubmitBlock(t *testing.T) {
	env := setupTestEnv(t)
	m := miner.New(env.chain, env.engine, env.pool, env.minerAddr,
		env.genesis.Protocol.Consensus.BlockReward, env.genesis.Protocol.Consensus.MaxSupply, env.chain.Supply)

	blk, err := m.ProduceBlock()
	if err != nil {
		t.Fatalf("produce block: %v", err)
	}

	resp := rpcCall(t, env.url, "submit_block", SubmitBlockParam{Block: blk})
	var result SubmitBlockResult
	decodeResult(t, resp, &result)
	if result.Height != 1 {
		t.Errorf("height = %d, want 1", result.Height)
	}
	if env.chain.Height() != 1 {
		t.Errorf("chain height = %d, want 1", env.chain.Height())
	}
}

func TestRPC_SubmitBlock_Invalid(t *testing.T) {
	env := setupTestEnv(t)
	resp := rpcCall(t, env.url, "submit_block", SubmitBlockParam{Block: nil})
	if resp.Error == nil || resp.Error.Code != CodeInvalidParams {
		t.Fatalf("expected invalid params error, got %+v", resp.Error)
	}
}

func TestRPC_SendRawTransaction(t *testing.T) {
	env := setupTestEnv(t)

	genBlk, _ := env.chain.GetBlockByHeight(0)
	coinbaseOut := types.Outpoint{TxID: genBlk.Transactions[0].Hash(), Index: 0}

	builder := tx.NewBuilder()
	builder.AddInput(coinbaseOut)
	builder.AddOutput(1_000*config.Coin, types.Script{Type: types.ScriptTypeP2PKH, Data: env.minerAddr[:]})
	if err := builder.Sign(env.minerKey); err != nil {
		t.Fatalf("sign: %v", err)
	}
	transaction := builder.Build()

	resp := rpcCall(t, env.url, "send_raw_transaction", TxSubmitParam{Transaction: transaction})
	if resp.Error != nil {
		t.Fatalf("unexpected error: %+v", resp.Error)
	}

	var result TxSubmitResult
	decodeResult(t, resp, &result)
	if result.TxHash != transaction.Hash().String() {
		t.Errorf("tx_hash mismatch")
	}
	if env.pool.Count() != 1 {
		t.Errorf("mempool count = %d, want 1", env.pool.Count())
	}
}

func TestRPC_GetMempool(t *testing.T) {
	env := setupTestEnv(t)
	resp := rpcCall(t, env.url, "get_mempool", nil)

	var m MempoolResult
	decodeResult(t, resp, &m)
	if m.Count != 0 {
		t.Errorf("count = %d, want 0", m.Count)
	}
	if m.MinFeeRate != env.genesis.Protocol.Consensus.MinFeeRate {
		t.Errorf("min_fee_rate = %d, want %d", m.MinFeeRate, env.genesis.Protocol.Consensus.MinFeeRate)
	}
}

func TestRPC_GetTransaction_NotFound(t *testing.T) {
	env := setupTestEnv(t)
	resp := rpcCall(t, env.url, "get_transaction", HashParam{Hash: hex.EncodeToString(make([]byte, types.HashSize))})
	if resp.Error == nil || resp.Error.Code != CodeNotFound {
		t.Fatalf("expected not found error, got %+v", resp.Error)
	}
}

func TestRPC_MethodNotFound(t *testing.T) {
	env := setupTestEnv(t)
	resp := rpcCall(t, env.url, "not_a_real_method", nil)
	if resp.Error == nil || resp.Error.Code != CodeMethodNotFound {
		t.Fatalf("expected method not found error, got %+v", resp.Error)
	}
}

func TestRPC_InvalidJSON(t *testing.T) {
	env := setupTestEnv(t)
	resp, err := http.Post(env.url, "application/json", bytes.NewReader([]byte("{not json")))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()

	var rpcResp Response
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rpcResp.Error == nil || rpcResp.Error.Code != CodeParseError {
		t.Fatalf("expected parse error, got %+v", rpcResp.Error)
	}
}

func TestRPC_GetMethodNotAllowed(t *testing.T) {
	env := setupTestEnv(t)
	resp, err := http.Get(env.url)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()

	var rpcResp Response
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rpcResp.Error == nil || rpcResp.Error.Code != CodeInvalidRequest {
		t.Fatalf("expected invalid request error, got %+v", rpcResp.Error)
	}
}

func setupTestEnvWithConfig(t *testing.T, rpcCfg config.RPCConfig) *testEnv {
	t.Helper()
	env := setupTestEnv(t)
	env.server.Stop()

	srv := New("127.0.0.1:0", env.chain, env.utxoStore, env.pool, env.p2pNode, env.genesis, nil, rpcCfg)
	if err := srv.Start(); err != nil {
		t.Fatalf("start rpc: %v", err)
	}
	t.Cleanup(func() { srv.Stop() })

	env.server = srv
	env.url = fmt.Sprintf("http://%s/", srv.Addr())
	return env
}

func TestRPC_IPFilter_Blocked(t *testing.T) {
	env := setupTestEnvWithConfig(t, config.RPCConfig{AllowedIPs: []string{"10.0.0.0/8"}})
	resp, err := http.Post(env.url, "application/json", bytes.NewReader([]byte(`{"jsonrpc":"2.0","method":"get_info","id":1}`)))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("status = %d, want 403", resp.StatusCode)
	}
}

func TestRPC_IPFilter_Empty_AllowsAll(t *testing.T) {
	env := setupTestEnvWithConfig(t, config.RPCConfig{})
	resp := rpcCall(t, env.url, "get_info", nil)
	if resp.Error != nil {
		t.Fatalf("unexpected error: %+v", resp.Error)
	}
}

func TestRPC_CORS_WildcardOrigin(t *testing.T) {
	env := setupTestEnvWithConfig(t, config.RPCConfig{CORSOrigins: []string{"*"}})

	req, _ := http.NewRequest(http.MethodPost, env.url, bytes.NewReader([]byte(`{"jsonrpc":"2.0","method":"get_info","id":1}`)))
	req.Header.Set("Origin", "https://example.com")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()

	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("Access-Control-Allow-Origin = %q, want *", got)
	}
}

func TestRPC_CORS_Preflight(t *testing.T) {
	env := setupTestEnvWithConfig(t, config.RPCConfig{CORSOrigins: []string{"*"}})

	req, _ := http.NewRequest(http.MethodOptions, env.url, nil)
	req.Header.Set("Origin", "https://example.com")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("options: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("status = %d, want 204", resp.StatusCode)
	}
}

package payout

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/zion-network/zion-chain/config"
	"github.com/zion-network/zion-chain/internal/log"
	"github.com/zion-network/zion-chain/internal/metrics"
	"github.com/zion-network/zion-chain/internal/rpc"
	"github.com/zion-network/zion-chain/internal/rpcclient"
	"github.com/zion-network/zion-chain/internal/storage"
	"github.com/zion-network/zion-chain/pkg/crypto"
	"github.com/zion-network/zion-chain/pkg/tx"
	"github.com/zion-network/zion-chain/pkg/types"
)

// Fee split basis points (out of 10,000): 89% PPLNS miners, 10% DAO
// treasury, 1% pool operator. Encoded only in the payout transaction's
// outputs, never in block coinbase, which stays consensus-fixed reward.
const (
	MinerShareBP    = 8900
	TreasuryShareBP = 1000
	OperatorShareBP = 100
	totalShareBP    = 10000
)

const (
	defaultInterval       = 30 * time.Minute
	defaultThreshold      = 1_000_000
	defaultMaxInputsPerTx = 64
	txConfirmTimeout      = 10 * time.Minute
	txConfirmPollRate     = 10 * time.Second
)

// ShareSnapshot reports the current PPLNS window: each miner's fractional
// share of the window and the window's total weight. Satisfied by
// internal/pool.Coordinator's PPLNSSnapshot.
type ShareSnapshot interface {
	PPLNSSnapshot() (shares map[types.Address]float64, total float64)
}

// Config configures a payout Engine.
type Config struct {
	RPCEndpoint     string
	PoolAddress     types.Address
	PoolPrivateKey  *crypto.PrivateKey
	TreasuryAddress types.Address
	OperatorAddress types.Address

	// Threshold is the minimum matured, spendable value (reward units)
	// required before a payout batch is attempted.
	Threshold uint64
	// Interval is how often the payout loop checks whether a batch is due.
	Interval time.Duration
	// MaxInputsPerTx bounds how many matured coinbase outputs a single
	// payout transaction spends, to keep transaction size bounded.
	MaxInputsPerTx int
	// CoinbaseMaturity overrides config.CoinbaseMaturity; zero uses the
	// chain default.
	CoinbaseMaturity uint64

	DB      storage.DB
	Shares  ShareSnapshot
	Metrics *metrics.Collector
}

func (c *Config) setDefaults() {
	if c.Interval <= 0 {
		c.Interval = defaultInterval
	}
	if c.Threshold == 0 {
		c.Threshold = defaultThreshold
	}
	if c.MaxInputsPerTx <= 0 {
		c.MaxInputsPerTx = defaultMaxInputsPerTx
	}
	if c.CoinbaseMaturity == 0 {
		c.CoinbaseMaturity = config.CoinbaseMaturity
	}
}

// Engine periodically batches matured coinbase rewards into payout
// transactions split across PPLNS miners, the DAO treasury, and the pool
// operator, submitting each batch through a node's RPC endpoint.
type Engine struct {
	cfg    Config
	client *rpcclient.Client
	ledger *Ledger

	mu     sync.Mutex // serializes payout attempts
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a payout Engine. cfg.DB backs the coinbase ledger.
func New(cfg Config) (*Engine, error) {
	cfg.setDefaults()
	if cfg.DB == nil {
		return nil, fmt.Errorf("payout: Config.DB is required")
	}
	if cfg.PoolPrivateKey == nil {
		return nil, fmt.Errorf("payout: Config.PoolPrivateKey is required")
	}
	return &Engine{
		cfg:    cfg,
		client: rpcclient.New(cfg.RPCEndpoint),
		ledger: NewLedger(cfg.DB),
	}, nil
}

// AttachShares sets the PPLNS share source, for callers that must construct
// the Engine before the pool.Coordinator it will draw snapshots from
// exists yet (cmd/zion-pool wires Engine.OnBlockFound into pool.Config
// first, so the Coordinator can't be passed into payout.New up front).
func (e *Engine) AttachShares(s ShareSnapshot) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cfg.Shares = s
}

// OnBlockFound is wired into internal/pool.Config.OnBlockFound: it records a
// newly won block's coinbase output in the ledger.
func (e *Engine) OnBlockFound(height uint64, coinbase *tx.Transaction) {
	if len(coinbase.Outputs) == 0 {
		log.Payout.Error().Uint64("height", height).Msg("coinbase with no outputs, cannot track reward")
		return
	}
	txid := coinbase.Hash()
	value := coinbase.Outputs[0].Value
	if err := e.ledger.Record(txid, value, height); err != nil {
		log.Payout.Error().Err(err).Uint64("height", height).Msg("failed to record coinbase reward")
		return
	}
	log.Payout.Info().Uint64("height", height).Uint64("value", value).Msg("recorded coinbase reward for payout")
}

// Start launches the periodic payout loop.
func (e *Engine) Start() {
	e.ctx, e.cancel = context.WithCancel(context.Background())
	e.wg.Add(1)
	go e.loop()
}

// Stop halts the payout loop and waits for any in-flight batch to settle.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
}

func (e *Engine) loop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			if err := e.attemptPayout(); err != nil {
				log.Payout.Error().Err(err).Msg("payout attempt failed")
			}
		}
	}
}

// attemptPayout runs one payout cycle: if matured value clears the
// threshold, it snapshots PPLNS shares, builds and submits one payout
// transaction, and waits for it to confirm before releasing the lock on
// its spent outputs.
func (e *Engine) attemptPayout() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	var info rpc.InfoResult
	if err := e.client.Call("get_info", nil, &info); err != nil {
		return fmt.Errorf("get_info: %w", err)
	}

	outpoints, total, err := e.ledger.Matured(info.Height, e.cfg.CoinbaseMaturity)
	if err != nil {
		return fmt.Errorf("scan matured outputs: %w", err)
	}
	if total < e.cfg.Threshold || len(outpoints) == 0 {
		return nil
	}
	if len(outpoints) > e.cfg.MaxInputsPerTx {
		outpoints = outpoints[:e.cfg.MaxInputsPerTx]
	}

	if e.cfg.Shares == nil {
		return fmt.Errorf("payout: no share snapshot source configured")
	}
	shares, shareTotal := e.cfg.Shares.PPLNSSnapshot()
	if shareTotal <= 0 {
		log.Payout.Warn().Msg("matured reward available but PPLNS window is empty, skipping payout")
		return nil
	}

	if err := e.ledger.MarkPending(outpoints); err != nil {
		return fmt.Errorf("mark pending: %w", err)
	}

	payoutTx, err := e.buildPayoutTx(outpoints, total, shares)
	if err != nil {
		e.rollback(outpoints, "build payout tx")
		return err
	}

	var result rpc.TxSubmitResult
	if err := e.client.Call("send_raw_transaction", rpc.TxSubmitParam{Transaction: payoutTx}, &result); err != nil {
		e.rollback(outpoints, "send_raw_transaction")
		return fmt.Errorf("send_raw_transaction: %w", err)
	}
	log.Payout.Info().Str("tx", result.TxHash).Int("miners", len(shares)).Uint64("total", total).Msg("payout batch submitted")

	confirmed, err := e.waitForConfirmation(result.TxHash)
	if err != nil || !confirmed {
		log.Payout.Error().Err(err).Str("tx", result.TxHash).Msg("payout batch did not confirm, rolling back")
		e.rollback(outpoints, "confirmation")
		return fmt.Errorf("payout batch %s did not confirm: %w", result.TxHash, err)
	}

	if err := e.ledger.Confirm(outpoints); err != nil {
		log.Payout.Error().Err(err).Str("tx", result.TxHash).Msg("failed to clear confirmed outputs from ledger")
	}
	if e.cfg.Metrics != nil {
		e.cfg.Metrics.RecordPayoutBatch()
	}
	log.Payout.Info().Str("tx", result.TxHash).Msg("payout batch confirmed")
	return nil
}

func (e *Engine) rollback(outpoints []types.Outpoint, reason string) {
	if err := e.ledger.Release(outpoints); err != nil {
		log.Payout.Error().Err(err).Str("reason", reason).Msg("CRITICAL: failed to release pending outputs back to spendable")
	}
}

// buildPayoutTx spends the given matured outpoints into one output per
// miner with a nonzero PPLNS share (89% of the batch, split by share),
// one DAO treasury output (10%), and one pool operator output (1%, plus
// any remainder from integer-division rounding). Outputs are sorted by
// address so transaction encoding is deterministic.
func (e *Engine) buildPayoutTx(outpoints []types.Outpoint, total uint64, shares map[types.Address]float64) (*tx.Transaction, error) {
	minerPool := total * MinerShareBP / totalShareBP
	treasuryAmt := total * TreasuryShareBP / totalShareBP
	operatorAmt := total - minerPool - treasuryAmt // OperatorShareBP plus every rounding remainder

	type payee struct {
		addr   types.Address
		amount uint64
	}
	var payees []payee
	var distributed uint64
	for addr, frac := range shares {
		amt := uint64(float64(minerPool) * frac)
		if amt == 0 {
			continue
		}
		payees = append(payees, payee{addr, amt})
		distributed += amt
	}
	sort.Slice(payees, func(i, j int) bool {
		return string(payees[i].addr[:]) < string(payees[j].addr[:])
	})
	// Floor-division leftovers from the per-miner split go to the operator
	// alongside the fixed operator cut, never silently burned.
	operatorAmt += minerPool - distributed

	b := tx.NewBuilder()
	for _, op := range outpoints {
		b.AddInput(op)
	}
	for _, p := range payees {
		b.AddOutput(p.amount, types.P2PKHScript(p.addr))
	}
	if treasuryAmt > 0 {
		b.AddOutput(treasuryAmt, types.P2PKHScript(e.cfg.TreasuryAddress))
	}
	if operatorAmt > 0 {
		b.AddOutput(operatorAmt, types.P2PKHScript(e.cfg.OperatorAddress))
	}

	if err := b.Sign(e.cfg.PoolPrivateKey); err != nil {
		return nil, fmt.Errorf("sign payout tx: %w", err)
	}
	return b.Build(), nil
}

// waitForConfirmation polls until the submitted transaction can be found
// via get_transaction with no corresponding entry in get_mempool: the node
// falls back to the mempool for unconfirmed transactions, so a hit that
// survives the mempool's absence can only mean it was mined into a block.
func (e *Engine) waitForConfirmation(txHash string) (bool, error) {
	deadline := time.Now().Add(txConfirmTimeout)
	ticker := time.NewTicker(txConfirmPollRate)
	defer ticker.Stop()

	for {
		confirmed, err := e.checkConfirmation(txHash)
		if err != nil {
			return false, err
		}
		if confirmed {
			return true, nil
		}
		if time.Now().After(deadline) {
			return false, fmt.Errorf("timeout waiting for confirmation")
		}

		select {
		case <-e.ctx.Done():
			return false, e.ctx.Err()
		case <-ticker.C:
		}
	}
}

// checkConfirmation makes one get_mempool + get_transaction round trip.
// Still mempool-resident, or a transient RPC failure, reports
// confirmed=false with no error so the caller retries on the next tick. A
// hard error only comes back once the transaction is no longer in the
// mempool but get_transaction also can't find it: it was dropped before
// being mined.
func (e *Engine) checkConfirmation(txHash string) (confirmed bool, err error) {
	var mp rpc.MempoolResult
	if err := e.client.Call("get_mempool", nil, &mp); err != nil {
		return false, nil
	}
	for _, h := range mp.Hashes {
		if h == txHash {
			return false, nil
		}
	}

	var txResult rpc.TxResult
	if err := e.client.Call("get_transaction", rpc.HashParam{Hash: txHash}, &txResult); err != nil {
		return false, fmt.Errorf("transaction dropped before confirming: %w", err)
	}
	return true, nil
}

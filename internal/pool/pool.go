// Package pool implements a Stratum-style mining pool coordinator: job
// dispatch over a line-delimited JSON TCP protocol, VarDiff per-worker
// difficulty, and PPLNS share accounting. It holds no consensus authority
// of its own — every job comes from a node's get_block_template RPC, and
// every found block is verified by the node on submit_block.
package pool

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zion-network/zion-chain/internal/log"
	"github.com/zion-network/zion-chain/internal/metrics"
	"github.com/zion-network/zion-chain/internal/rpc"
	"github.com/zion-network/zion-chain/internal/rpcclient"
	"github.com/zion-network/zion-chain/internal/storage"
	"github.com/zion-network/zion-chain/pkg/block"
	"github.com/zion-network/zion-chain/pkg/crypto"
	"github.com/zion-network/zion-chain/pkg/tx"
	"github.com/zion-network/zion-chain/pkg/types"
)

// maxUint256Float backs fractional-difficulty share target computation;
// VarDiff difficulties are not integral, unlike consensus.Target's.
var maxUint256Float = new(big.Float).SetPrec(256).SetInt(
	new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1)),
)

// targetForDifficulty returns MaxUint256/difficulty as a 256-bit integer
// target, the same formula consensus.Target uses, generalized to a
// fractional difficulty for VarDiff-adjusted worker share targets.
func targetForDifficulty(difficulty float64) *big.Int {
	if difficulty <= 0 {
		difficulty = 1
	}
	f := new(big.Float).SetPrec(256).Quo(maxUint256Float, big.NewFloat(difficulty))
	t, _ := f.Int(nil)
	return t
}

// Config configures a pool Coordinator.
type Config struct {
	ListenAddr        string
	RPCEndpoint       string
	CoinbaseAddress   types.Address
	InitialDifficulty float64
	MaxJobs           int           // backlog size; must comfortably exceed 2min/PollInterval
	PollInterval      time.Duration // how often to check tip/mempool for a refresh
	MinRefreshPeriod  time.Duration // throttle for mempool-only refreshes (spec: max every 30s)
	DB                storage.DB    // PPLNS window persistence
	Metrics           *metrics.Collector

	// OnBlockFound, if set, is invoked synchronously after the node accepts a
	// block this pool mined, so a payout ledger can record the new coinbase
	// output without scanning the chain for blocks it owns.
	OnBlockFound func(height uint64, coinbase *tx.Transaction)
}

func (c *Config) setDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.MinRefreshPeriod <= 0 {
		c.MinRefreshPeriod = 30 * time.Second
	}
	if c.MaxJobs <= 0 {
		c.MaxJobs = 32
	}
	if c.InitialDifficulty <= 0 {
		c.InitialDifficulty = 1024
	}
}

// Coordinator runs the pool's TCP listener, job refresh loop, and share
// validation, tracking PPLNS accounting across every connected worker.
type Coordinator struct {
	cfg    Config
	client *rpcclient.Client
	jobs   *JobManager
	window *PPLNSWindow

	connsMu        sync.RWMutex
	conns          map[string]*Conn
	nextConnID     atomic.Uint64
	nextExtranonce atomic.Uint32

	ln     net.Listener
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	lastHeight        uint64
	lastMempoolDigest types.Hash
	lastRefresh       time.Time

	ws *statsHub // live dashboard push, nil if not attached
}

// New creates a Coordinator. Call Start to begin listening and dispatching.
func New(cfg Config) (*Coordinator, error) {
	cfg.setDefaults()
	if cfg.DB == nil {
		return nil, fmt.Errorf("pool: DB is required for PPLNS accounting")
	}
	window, err := NewPPLNSWindow(cfg.DB, PPLNSWindowSize)
	if err != nil {
		return nil, fmt.Errorf("pool: open pplns window: %w", err)
	}
	return &Coordinator{
		cfg:    cfg,
		client: rpcclient.New(cfg.RPCEndpoint),
		jobs:   NewJobManager(cfg.MaxJobs),
		window: window,
		conns:  make(map[string]*Conn),
	}, nil
}

// AttachDashboard wires a websocket stats hub; optional.
func (co *Coordinator) AttachDashboard(ws *statsHub) { co.ws = ws }

// Start opens the listener and launches the refresh/accept loops.
func (co *Coordinator) Start() error {
	ln, err := net.Listen("tcp", co.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("pool: listen %s: %w", co.cfg.ListenAddr, err)
	}
	co.ln = ln
	co.ctx, co.cancel = context.WithCancel(context.Background())

	if _, err := co.refreshJob(true); err != nil {
		log.Pool.Warn().Err(err).Msg("initial job template fetch failed, retrying in background")
	}

	co.wg.Add(2)
	go co.acceptLoop()
	go co.refreshLoop()
	log.Pool.Info().Str("addr", co.cfg.ListenAddr).Msg("pool listening")
	return nil
}

// Stop closes the listener and all connections, waiting for loops to exit.
func (co *Coordinator) Stop() {
	if co.cancel != nil {
		co.cancel()
	}
	if co.ln != nil {
		co.ln.Close()
	}
	co.connsMu.Lock()
	for _, c := range co.conns {
		c.netConn.Close()
	}
	co.connsMu.Unlock()
	co.wg.Wait()
}

func (co *Coordinator) acceptLoop() {
	defer co.wg.Done()
	for {
		nc, err := co.ln.Accept()
		if err != nil {
			select {
			case <-co.ctx.Done():
				return
			default:
				log.Pool.Warn().Err(err).Msg("accept failed")
				continue
			}
		}
		go co.handleConn(nc)
	}
}

func (co *Coordinator) handleConn(nc net.Conn) {
	id := fmt.Sprintf("%d", co.nextConnID.Add(1))
	extranonce := co.nextExtranonce.Add(1)
	c := newConn(id, nc, extranonce, co.cfg.InitialDifficulty)

	co.connsMu.Lock()
	co.conns[id] = c
	co.connsMu.Unlock()

	defer func() {
		co.connsMu.Lock()
		delete(co.conns, id)
		co.connsMu.Unlock()
		nc.Close()
	}()

	log.Pool.Debug().Str("conn", id).Str("remote", nc.RemoteAddr().String()).Msg("worker connected")

	scanner := bufio.NewScanner(nc)
	scanner.Buffer(make([]byte, 4096), 1<<20)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			continue
		}
		co.dispatch(c, req)
	}
}

func (co *Coordinator) dispatch(c *Conn, req Request) {
	switch req.Method {
	case "mining.subscribe":
		co.handleSubscribe(c, req)
	case "mining.authorize":
		co.handleAuthorize(c, req)
	case "mining.submit":
		co.handleSubmit(c, req)
	default:
		c.send(Response{ID: req.ID, Result: false, Error: []interface{}{20, "unknown method"}})
	}
}

func (co *Coordinator) handleSubscribe(c *Conn, req Request) {
	c.mu.Lock()
	c.subscribed = true
	c.mu.Unlock()

	extranonceHex := make([]byte, 4)
	binary.BigEndian.PutUint32(extranonceHex, c.extranonce)
	c.send(Response{ID: req.ID, Result: true})
	c.send(Notify{Method: "mining.set_extranonce", Params: SetExtranonceParams{
		Extranonce: hex.EncodeToString(extranonceHex),
		Nonce2Size: Nonce2Size,
	}})
	c.send(Notify{Method: "mining.set_difficulty", Params: SetDifficultyParams{Difficulty: c.diff.Difficulty()}})

	if job := co.jobs.Current(); job != nil {
		co.sendJob(c, job, true)
	}
}

func (co *Coordinator) handleAuthorize(c *Conn, req Request) {
	var worker, addrHex string
	if len(req.Params) >= 1 {
		json.Unmarshal(req.Params[0], &worker)
	}
	if len(req.Params) >= 2 {
		json.Unmarshal(req.Params[1], &addrHex)
	}
	addr, err := types.ParseAddress(addrHex)
	if err != nil {
		c.send(Response{ID: req.ID, Result: false, Error: []interface{}{int(ErrUnauthorized), "invalid payout address"}})
		return
	}
	c.markAuthorized(worker, addr)
	c.send(Response{ID: req.ID, Result: true})
}

func (co *Coordinator) handleSubmit(c *Conn, req Request) {
	if !c.isAuthorized() {
		co.rejectShare(c, req.ID, shareErr(ErrUnauthorized, "worker not authorized"))
		return
	}
	var worker, jobID, nonce2 string
	if len(req.Params) >= 3 {
		json.Unmarshal(req.Params[0], &worker)
		json.Unmarshal(req.Params[1], &jobID)
		json.Unmarshal(req.Params[2], &nonce2)
	}

	found, err := co.processShare(c, jobID, nonce2)
	if err != nil {
		if se, ok := err.(*ShareError); ok {
			co.rejectShare(c, req.ID, se)
		} else {
			co.rejectShare(c, req.ID, shareErr(ErrLowDifficulty, err.Error()))
		}
		return
	}
	c.send(Response{ID: req.ID, Result: true})
	if found {
		log.Pool.Info().Str("worker", worker).Str("job", jobID).Msg("block found by pool worker")
	}
}

func (co *Coordinator) rejectShare(c *Conn, id json.RawMessage, se *ShareError) {
	if co.cfg.Metrics != nil {
		co.cfg.Metrics.RecordShare(false)
	}
	c.send(Response{ID: id, Result: false, Error: []interface{}{int(se.Code), se.Message}})
}

// processShare validates a submitted share end to end: job lookup, worker
// difficulty check, duplicate detection, and (if it also clears the network
// target) block submission. This is the ONLY path that credits PPLNS share
// balance — there is no admin or debug shortcut that bypasses it.
func (co *Coordinator) processShare(c *Conn, jobID, nonce2Hex string) (blockFound bool, err error) {
	job, stale, expired, ok := co.jobs.Get(jobID)
	if !ok {
		return false, shareErr(ErrJobNotFound, "job not found")
	}
	if expired {
		return false, shareErr(ErrStaleShare, "job past stale-share retention window")
	}

	nonce2Bytes, err := hex.DecodeString(nonce2Hex)
	if err != nil || len(nonce2Bytes) != Nonce2Size {
		return false, shareErr(ErrLowDifficulty, "malformed nonce2")
	}
	nonce2 := binary.BigEndian.Uint32(nonce2Bytes)

	if c.duplicate(jobID, nonce2) {
		return false, shareErr(ErrDuplicateShare, "duplicate share")
	}

	fullNonce := c.fullNonce(nonce2)
	buf := make([]byte, len(job.Prefix)+8)
	copy(buf, job.Prefix)
	binary.LittleEndian.PutUint64(buf[len(job.Prefix):], fullNonce)
	hash := crypto.Hash(buf)
	hashInt := new(big.Int).SetBytes(hash[:])

	workerDiff := c.diff.Difficulty()
	shareTarget := targetForDifficulty(workerDiff)
	if hashInt.Cmp(shareTarget) > 0 {
		return false, shareErr(ErrLowDifficulty, "hash above worker share target")
	}

	now := time.Now()
	c.recordShareTime(now)
	if err := co.window.Record(c.address(), workerDiff); err != nil {
		return false, fmt.Errorf("record pplns share: %w", err)
	}
	if co.cfg.Metrics != nil {
		co.cfg.Metrics.RecordShare(true)
	}
	if co.ws != nil {
		co.ws.broadcastShare(c.workerName, workerDiff)
	}

	if c.diff.RecordShare() {
		newDiff := c.diff.Retarget(now)
		c.send(Notify{Method: "mining.set_difficulty", Params: SetDifficultyParams{Difficulty: newDiff}})
	}

	if stale {
		return false, nil // credited, but this job can't produce a block anymore
	}
	if hashInt.Cmp(job.Target) > 0 {
		return false, nil // doesn't clear the network target, just a pool share
	}

	hdr := *job.Block.Header
	hdr.Nonce = fullNonce
	blk := block.NewBlock(&hdr, job.Block.Transactions)

	var result rpc.SubmitBlockResult
	if err := co.client.Call("submit_block", rpc.SubmitBlockParam{Block: blk}, &result); err != nil {
		log.Pool.Error().Err(err).Str("job", jobID).Msg("submit_block failed for a share clearing network target")
		return false, nil // share itself is still valid; the block attempt failing doesn't un-credit it
	}
	log.Pool.Info().Str("hash", result.BlockHash).Uint64("height", result.Height).Msg("pool block accepted by node")
	if co.cfg.OnBlockFound != nil {
		co.cfg.OnBlockFound(result.Height, blk.Transactions[0])
	}
	return true, nil
}

func (co *Coordinator) sendJob(c *Conn, job *Job, clean bool) {
	c.send(Notify{Method: "mining.notify", Params: JobParams{
		JobID:      job.ID,
		Height:     job.Height,
		PrevHash:   job.Block.Header.PrevHash.String(),
		MerkleRoot: job.Block.Header.MerkleRoot.String(),
		Timestamp:  job.Block.Header.Timestamp,
		Version:    job.Block.Header.Version,
		Difficulty: job.Difficulty,
		Target:     job.Target.Text(16),
		CleanJobs:  clean,
	}})
}

func (co *Coordinator) broadcastJob(job *Job, clean bool) {
	co.connsMu.RLock()
	defer co.connsMu.RUnlock()
	for _, c := range co.conns {
		co.sendJob(c, job, clean)
	}
}

func (co *Coordinator) refreshLoop() {
	defer co.wg.Done()
	ticker := time.NewTicker(co.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-co.ctx.Done():
			return
		case <-ticker.C:
			if _, err := co.refreshJob(false); err != nil {
				log.Pool.Warn().Err(err).Msg("job refresh failed")
			}
		}
	}
}

// refreshJob polls the node for a new template. A tip change always
// triggers an immediate rebuild; a mempool-only change is throttled to at
// most once per MinRefreshPeriod, per the spec's dispatch cadence.
func (co *Coordinator) refreshJob(force bool) (changed bool, err error) {
	var info rpc.InfoResult
	if err := co.client.Call("get_info", nil, &info); err != nil {
		return false, fmt.Errorf("get_info: %w", err)
	}

	tipChanged := info.Height != co.lastHeight

	var mp rpc.MempoolResult
	mempoolChanged := false
	if err := co.client.Call("get_mempool", nil, &mp); err == nil {
		digest := mempoolDigest(mp)
		mempoolChanged = digest != co.lastMempoolDigest
		co.lastMempoolDigest = digest
	}

	throttled := !force && !tipChanged && time.Since(co.lastRefresh) < co.cfg.MinRefreshPeriod
	if !force && !tipChanged && !mempoolChanged {
		return false, nil
	}
	if throttled {
		return false, nil
	}

	var tmpl rpc.BlockTemplateResult
	err = co.client.Call("get_block_template", rpc.BlockTemplateParam{
		CoinbaseAddress: co.cfg.CoinbaseAddress.String(),
	}, &tmpl)
	if err != nil {
		return false, fmt.Errorf("get_block_template: %w", err)
	}

	job, err := co.jobs.CreateJob(&tmpl)
	if err != nil {
		return false, err
	}

	co.lastHeight = info.Height
	co.lastRefresh = time.Now()
	co.broadcastJob(job, true)
	log.Pool.Info().Str("job", job.ID).Uint64("height", job.Height).Msg("dispatched new job")
	return true, nil
}

func mempoolDigest(mp rpc.MempoolResult) types.Hash {
	buf := make([]byte, 0, 8+len(mp.Hashes)*64)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(mp.Count))
	for _, h := range mp.Hashes {
		buf = append(buf, h...)
	}
	return crypto.Hash(buf)
}

// PPLNSSnapshot exposes the current payout fractions for the payout engine.
func (co *Coordinator) PPLNSSnapshot() (map[types.Address]float64, float64) {
	return co.window.Snapshot()
}

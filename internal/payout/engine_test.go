package payout

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/zion-network/zion-chain/internal/storage"
	"github.com/zion-network/zion-chain/pkg/crypto"
	"github.com/zion-network/zion-chain/pkg/tx"
	"github.com/zion-network/zion-chain/pkg/types"
)

type fakeShares struct {
	shares map[types.Address]float64
	total  float64
}

func (f *fakeShares) PPLNSSnapshot() (map[types.Address]float64, float64) {
	return f.shares, f.total
}

// fakeNode answers get_info/get_mempool/get_transaction/send_raw_transaction
// the way a real node's JSON-RPC server would.
type fakeNode struct {
	mu          sync.Mutex
	height      uint64
	submitted   []*tx.Transaction
	confirmedID string
}

type rpcReq struct {
	Method string          `json:"method"`
	ID     int             `json:"id"`
	Params json.RawMessage `json:"params"`
}

func (f *fakeNode) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req rpcReq
	json.NewDecoder(r.Body).Decode(&req)

	f.mu.Lock()
	defer f.mu.Unlock()

	var result interface{}
	switch req.Method {
	case "get_info":
		result = map[string]interface{}{"height": f.height}
	case "get_mempool":
		result = map[string]interface{}{"count": 0, "min_fee_rate": 0, "hashes": []string{}}
	case "get_transaction":
		result = map[string]interface{}{"hash": f.confirmedID}
	case "send_raw_transaction":
		var p struct {
			Transaction *tx.Transaction `json:"transaction"`
		}
		json.Unmarshal(req.Params, &p)
		f.submitted = append(f.submitted, p.Transaction)
		h := p.Transaction.Hash().String()
		f.confirmedID = h
		result = map[string]interface{}{"tx_hash": h}
	default:
		http.Error(w, "unknown method", 500)
		return
	}

	resp := map[string]interface{}{"jsonrpc": "2.0", "id": req.ID, "result": result}
	json.NewEncoder(w).Encode(resp)
}

func newTestEngine(t *testing.T, node *fakeNode, shares *fakeShares) (*Engine, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(node)
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	e, err := New(Config{
		RPCEndpoint:     srv.URL,
		PoolAddress:     types.Address{0x01},
		PoolPrivateKey:  key,
		TreasuryAddress: types.Address{0xAA},
		OperatorAddress: types.Address{0xBB},
		Threshold:       100,
		DB:              storage.NewMemory(),
		Shares:          shares,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	e.ctx = context.Background() // attemptPayout reaches waitForConfirmation's ctx.Done() select
	return e, srv
}

func TestEngine_OnBlockFoundRecordsLedger(t *testing.T) {
	node := &fakeNode{height: 0}
	e, srv := newTestEngine(t, node, &fakeShares{})
	defer srv.Close()

	coinbase := &tx.Transaction{
		Outputs: []tx.Output{{Value: 5000, Script: types.P2PKHScript(e.cfg.PoolAddress)}},
	}
	e.OnBlockFound(1, coinbase)

	outs, total, err := e.ledger.Matured(200, 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(outs) != 1 || total != 5000 {
		t.Fatalf("expected matured ledger entry, got %d outs, total %d", len(outs), total)
	}
}

func TestEngine_AttemptPayoutBuildsSplitAndConfirms(t *testing.T) {
	node := &fakeNode{height: 200}
	alice := types.Address{0x01}
	bob := types.Address{0x02}
	shares := &fakeShares{shares: map[types.Address]float64{alice: 0.75, bob: 0.25}, total: 40}
	e, srv := newTestEngine(t, node, shares)
	defer srv.Close()

	coinbase := &tx.Transaction{
		Outputs: []tx.Output{{Value: 10000, Script: types.P2PKHScript(e.cfg.PoolAddress)}},
	}
	e.OnBlockFound(99, coinbase) // matures well before height 200 given default maturity

	if err := e.attemptPayout(); err != nil {
		t.Fatalf("attemptPayout: %v", err)
	}

	node.mu.Lock()
	defer node.mu.Unlock()
	if len(node.submitted) != 1 {
		t.Fatalf("expected one payout tx submitted, got %d", len(node.submitted))
	}
	payoutTx := node.submitted[0]
	// miners(2) + treasury(1) + operator(1) = 4 outputs.
	if len(payoutTx.Outputs) != 4 {
		t.Fatalf("expected 4 outputs, got %d", len(payoutTx.Outputs))
	}
	var total uint64
	for _, o := range payoutTx.Outputs {
		total += o.Value
	}
	if total != 10000 {
		t.Errorf("payout outputs should sum to the full batch value, got %d", total)
	}

	// Ledger should no longer report the spent output as matured.
	_, matchedTotal, _ := e.ledger.Matured(200, 100)
	if matchedTotal != 0 {
		t.Errorf("spent output should not remain matured, total = %d", matchedTotal)
	}
}

func TestEngine_SkipsPayoutBelowThreshold(t *testing.T) {
	node := &fakeNode{height: 200}
	shares := &fakeShares{shares: map[types.Address]float64{{0x01}: 1}, total: 1}
	e, srv := newTestEngine(t, node, shares)
	defer srv.Close()
	e.cfg.Threshold = 1_000_000

	coinbase := &tx.Transaction{
		Outputs: []tx.Output{{Value: 10, Script: types.P2PKHScript(e.cfg.PoolAddress)}},
	}
	e.OnBlockFound(1, coinbase)

	if err := e.attemptPayout(); err != nil {
		t.Fatalf("attemptPayout: %v", err)
	}
	node.mu.Lock()
	defer node.mu.Unlock()
	if len(node.submitted) != 0 {
		t.Error("payout below threshold should not submit a transaction")
	}
}

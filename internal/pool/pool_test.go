package pool

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"io"
	"math/big"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/zion-network/zion-chain/internal/storage"
	"github.com/zion-network/zion-chain/pkg/block"
	"github.com/zion-network/zion-chain/pkg/crypto"
	"github.com/zion-network/zion-chain/pkg/tx"
	"github.com/zion-network/zion-chain/pkg/types"
)

// fakeNode answers get_info/get_mempool/get_block_template the way a real
// node's JSON-RPC server would, so the Coordinator's refresh loop can be
// exercised without a live chain.
type fakeNode struct {
	height uint64
}

type rpcReq struct {
	Method string          `json:"method"`
	ID     int             `json:"id"`
	Params json.RawMessage `json:"params"`
}

func (f *fakeNode) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req rpcReq
	json.NewDecoder(r.Body).Decode(&req)

	var result interface{}
	switch req.Method {
	case "get_info":
		result = map[string]interface{}{"height": f.height}
	case "get_mempool":
		result = map[string]interface{}{"count": 0, "min_fee_rate": 0, "hashes": []string{}}
	case "get_block_template":
		hdr := &block.Header{Version: 1, Height: f.height + 1, Timestamp: 1234, Difficulty: 1}
		coinbase := &tx.Transaction{
			Inputs:  []tx.Input{{PrevOut: types.Outpoint{}}},
			Outputs: []tx.Output{{Value: 5000000, Script: types.P2PKHScript(types.Address{0x09})}},
		}
		blk := block.NewBlock(hdr, []*tx.Transaction{coinbase})
		result = map[string]interface{}{
			"block":      blk,
			"target":     "ffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffff",
			"difficulty": 1,
			"height":     f.height + 1,
			"prev_hash":  hdr.PrevHash.String(),
		}
	case "submit_block":
		result = map[string]interface{}{"block_hash": "deadbeef", "height": f.height + 1}
	default:
		http.Error(w, "unknown method", 500)
		return
	}

	resp := map[string]interface{}{"jsonrpc": "2.0", "id": req.ID, "result": result}
	json.NewEncoder(w).Encode(resp)
}

func newTestCoordinator(t *testing.T) (*Coordinator, *fakeNode, *httptest.Server) {
	t.Helper()
	node := &fakeNode{height: 10}
	srv := httptest.NewServer(node)

	co, err := New(Config{
		ListenAddr:        "127.0.0.1:0",
		RPCEndpoint:       srv.URL,
		CoinbaseAddress:   types.Address{0x09},
		InitialDifficulty: 1,
		DB:                storage.NewMemory(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return co, node, srv
}

func TestCoordinator_RefreshJobBuildsFromTemplate(t *testing.T) {
	co, _, srv := newTestCoordinator(t)
	defer srv.Close()

	changed, err := co.refreshJob(true)
	if err != nil {
		t.Fatalf("refreshJob: %v", err)
	}
	if !changed {
		t.Fatal("expected the first refresh to produce a job")
	}
	job := co.jobs.Current()
	if job == nil {
		t.Fatal("expected a current job after refresh")
	}
	if job.Height != 11 {
		t.Errorf("height = %d, want 11", job.Height)
	}
}

func TestCoordinator_ProcessShare_RejectsUnknownJob(t *testing.T) {
	co, _, srv := newTestCoordinator(t)
	defer srv.Close()

	c := newConn("1", &nopConn{}, 1, 1)
	c.markAuthorized("alice.worker1", types.Address{0x01})

	_, err := co.processShare(c, "nonexistent", "00000000")
	se, ok := err.(*ShareError)
	if !ok || se.Code != ErrJobNotFound {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
}

func TestCoordinator_ProcessShare_AcceptsLowDifficultyShare(t *testing.T) {
	co, _, srv := newTestCoordinator(t)
	defer srv.Close()

	if _, err := co.refreshJob(true); err != nil {
		t.Fatal(err)
	}
	job := co.jobs.Current()

	c := newConn("1", &nopConn{}, 7, 1) // difficulty 1 => share target is maxUint256, anything passes
	c.markAuthorized("alice.worker1", types.Address{0x01})

	nonce2 := findValidNonce2(t, job, 7)
	found, err := co.processShare(c, job.ID, nonce2)
	if err != nil {
		t.Fatalf("processShare: %v", err)
	}
	_ = found

	shares, total := co.PPLNSSnapshot()
	if total <= 0 {
		t.Fatal("expected a credited share in the PPLNS window")
	}
	if shares[types.Address{0x01}] != 1 {
		t.Errorf("alice should own the whole window, got %v", shares)
	}
}

func TestCoordinator_ProcessShare_RejectsDuplicate(t *testing.T) {
	co, _, srv := newTestCoordinator(t)
	defer srv.Close()
	co.refreshJob(true)
	job := co.jobs.Current()

	c := newConn("1", &nopConn{}, 7, 1)
	c.markAuthorized("alice.worker1", types.Address{0x01})
	nonce2 := findValidNonce2(t, job, 7)

	if _, err := co.processShare(c, job.ID, nonce2); err != nil {
		t.Fatalf("first submission should succeed: %v", err)
	}
	_, err := co.processShare(c, job.ID, nonce2)
	se, ok := err.(*ShareError)
	if !ok || se.Code != ErrDuplicateShare {
		t.Fatalf("expected ErrDuplicateShare, got %v", err)
	}
}

// findValidNonce2 searches for a nonce2 whose resulting share hash clears a
// difficulty-1 worker target (trivial — almost anything clears it — but
// deterministic tests still need a concrete passing value).
func findValidNonce2(t *testing.T, job *Job, extranonce uint32) string {
	t.Helper()
	target := targetForDifficulty(1)
	for n := uint32(0); n < 1000; n++ {
		full := uint64(extranonce)<<32 | uint64(n)
		buf := make([]byte, len(job.Prefix)+8)
		copy(buf, job.Prefix)
		binary.LittleEndian.PutUint64(buf[len(job.Prefix):], full)
		hash := crypto.Hash(buf)
		if new(big.Int).SetBytes(hash[:]).Cmp(target) <= 0 {
			b := make([]byte, 4)
			binary.BigEndian.PutUint32(b, n)
			return hex.EncodeToString(b)
		}
	}
	t.Fatal("no valid nonce2 found in search range")
	return ""
}

// nopConn satisfies net.Conn for tests that never actually read/write the
// socket (Conn.send is exercised, but nothing asserts on its output).
type nopConn struct{}

func (nopConn) Read([]byte) (int, error)       { return 0, io.EOF }
func (nopConn) Write(b []byte) (int, error)    { return len(b), nil }
func (nopConn) Close() error                   { return nil }
func (nopConn) LocalAddr() net.Addr            { return nopAddr{} }
func (nopConn) RemoteAddr() net.Addr           { return nopAddr{} }
func (nopConn) SetDeadline(time.Time) error    { return nil }
func (nopConn) SetReadDeadline(time.Time) error { return nil }
func (nopConn) SetWriteDeadline(time.Time) error { return nil }

type nopAddr struct{}

func (nopAddr) Network() string { return "tcp" }
func (nopAddr) String() string  { return "nop" }

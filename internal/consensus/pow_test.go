package consensus

import (
	"errors"
	"math/big"
	"testing"

	"github.com/zion-network/zion-chain/pkg/block"
	"github.com/zion-network/zion-chain/pkg/crypto"
	"github.com/zion-network/zion-chain/pkg/types"
)

var errNotFound = errors.New("header not found")

func TestNewPoW_ZeroDifficulty(t *testing.T) {
	_, err := NewPoW(0, 0, 3)
	if err != ErrZeroDifficulty {
		t.Fatalf("NewPoW(0) err = %v, want ErrZeroDifficulty", err)
	}
}

func TestPoW_Target(t *testing.T) {
	// Difficulty 1: target = MaxUint256 / 1 = MaxUint256.
	t1 := target(1)
	if t1.Cmp(maxUint256) != 0 {
		t.Fatalf("target(1) = %s, want maxUint256", t1)
	}

	// Difficulty 2: target = MaxUint256 / 2.
	t2 := target(2)
	halfMax := new(big.Int).Div(maxUint256, big.NewInt(2))
	if t2.Cmp(halfMax) != 0 {
		t.Fatalf("target(2) = %s, want %s", t2, halfMax)
	}
}

func TestPoW_SealAndVerify(t *testing.T) {
	// Very low difficulty so seal completes instantly.
	pow, err := NewPoW(1, 0, 3)
	if err != nil {
		t.Fatal(err)
	}

	header := &block.Header{
		Version:    1,
		PrevHash:   types.Hash{},
		MerkleRoot: types.Hash{1, 2, 3},
		Timestamp:  1000,
		Height:     1,
		Difficulty: 1,
	}

	blk := block.NewBlock(header, nil)
	if err := pow.Seal(blk); err != nil {
		t.Fatalf("Seal: %v", err)
	}

	// Verify should pass.
	if err := pow.VerifyHeader(blk.Header); err != nil {
		t.Fatalf("VerifyHeader after Seal: %v", err)
	}
}

func TestPoW_VerifyHeader_Rejects(t *testing.T) {
	pow, err := NewPoW(1, 0, 3)
	if err != nil {
		t.Fatal(err)
	}

	// Very high difficulty in header — nearly impossible for a random nonce.
	header := &block.Header{
		Version:    1,
		PrevHash:   types.Hash{},
		MerkleRoot: types.Hash{1, 2, 3},
		Timestamp:  1000,
		Height:     1,
		Difficulty: ^uint64(0),
		Nonce:      42,
	}

	err = pow.VerifyHeader(header)
	if err != ErrInsufficientWork {
		t.Fatalf("VerifyHeader with max difficulty = %v, want ErrInsufficientWork", err)
	}
}

func TestPoW_VerifyHeader_ZeroDifficulty(t *testing.T) {
	pow, err := NewPoW(1, 0, 3)
	if err != nil {
		t.Fatal(err)
	}

	header := &block.Header{
		Version:    1,
		Height:     1,
		Difficulty: 0, // Missing difficulty in header.
	}

	err = pow.VerifyHeader(header)
	if err != ErrZeroDifficulty {
		t.Fatalf("VerifyHeader(difficulty=0) = %v, want ErrZeroDifficulty", err)
	}
}

func TestPoW_SealModerateDifficulty(t *testing.T) {
	// Moderate difficulty: target has ~248 leading 1-bits (difficulty = 256).
	// Should find a nonce within a few hundred iterations.
	pow, err := NewPoW(256, 0, 3)
	if err != nil {
		t.Fatal(err)
	}

	header := &block.Header{
		Version:    1,
		PrevHash:   types.Hash{},
		MerkleRoot: types.Hash{0xDE, 0xAD},
		Timestamp:  12345,
		Height:     5,
		Difficulty: 256,
	}
	blk := block.NewBlock(header, nil)

	if err := pow.Seal(blk); err != nil {
		t.Fatalf("Seal: %v", err)
	}

	// Verify passes.
	if err := pow.VerifyHeader(blk.Header); err != nil {
		t.Fatalf("VerifyHeader: %v", err)
	}

	// Verify the hash is actually below target.
	hash := crypto.Hash(blk.Header.SigningBytes())
	hashInt := new(big.Int).SetBytes(hash[:])
	tgt := target(256)
	if hashInt.Cmp(tgt) > 0 {
		t.Fatalf("hash %s > target %s", hashInt, tgt)
	}
}

func TestPoW_Prepare_SetsDifficulty(t *testing.T) {
	pow, _ := NewPoW(42, 0, 3)
	header := &block.Header{Height: 1, Version: 1, Timestamp: 1}
	if err := pow.Prepare(header); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	// Without DifficultyFn, Prepare uses InitialDifficulty.
	if header.Difficulty != 42 {
		t.Fatalf("Prepare set difficulty = %d, want 42", header.Difficulty)
	}
}

func TestPoW_Prepare_UsesDifficultyFn(t *testing.T) {
	pow, _ := NewPoW(10, 0, 3)
	pow.DifficultyFn = func(height uint64) uint64 {
		return height * 100
	}

	header := &block.Header{Height: 5, Version: 1, Timestamp: 1}
	if err := pow.Prepare(header); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if header.Difficulty != 500 {
		t.Fatalf("Prepare with DifficultyFn set difficulty = %d, want 500", header.Difficulty)
	}
}

// ── LWMA difficulty adjustment tests ─────────────────────────────────

// buildHeaders fabricates a chain of headers at constant difficulty with
// block times spaced exactly targetBlockTime apart, starting at ts=0.
func buildHeaders(n int, difficulty uint64, blockTime int64) map[uint64]HeaderInfo {
	headers := make(map[uint64]HeaderInfo, n)
	for i := 0; i < n; i++ {
		headers[uint64(i)] = HeaderInfo{Timestamp: uint64(int64(i) * blockTime), Difficulty: difficulty}
	}
	return headers
}

func TestPoW_ExpectedDifficulty_BootstrapWindow(t *testing.T) {
	pow, _ := NewPoW(100, 60, 10) // window=60, target 10s/block

	// Heights at or below the window always use the bootstrap difficulty.
	for _, h := range []uint64{0, 1, 30, 60} {
		if got := pow.ExpectedDifficulty(h, nil); got != 100 {
			t.Fatalf("ExpectedDifficulty(%d) = %d, want 100 (bootstrap)", h, got)
		}
	}
}

func TestPoW_ExpectedDifficulty_SteadyState(t *testing.T) {
	pow, _ := NewPoW(100, 60, 10) // window=60, target 10s/block
	headers := buildHeaders(200, 200, 10)
	getHeader := func(h uint64) (HeaderInfo, error) {
		hi, ok := headers[h]
		if !ok {
			return HeaderInfo{}, errNotFound
		}
		return hi, nil
	}

	// Blocks arriving exactly on schedule at constant difficulty should
	// reproduce that same difficulty (within the integer-rounding band).
	got := pow.ExpectedDifficulty(120, getHeader)
	if got < 190 || got > 210 {
		t.Fatalf("ExpectedDifficulty(steady-state) = %d, want ~200", got)
	}
}

func TestPoW_ExpectedDifficulty_FasterThanTarget(t *testing.T) {
	pow, _ := NewPoW(100, 60, 10)
	// Blocks arriving twice as fast as target → difficulty should rise,
	// clamped to at most 1.25x the prior window's average difficulty.
	headers := buildHeaders(200, 200, 5)
	getHeader := func(h uint64) (HeaderInfo, error) {
		hi, ok := headers[h]
		if !ok {
			return HeaderInfo{}, errNotFound
		}
		return hi, nil
	}

	got := pow.ExpectedDifficulty(120, getHeader)
	if got <= 200 {
		t.Fatalf("ExpectedDifficulty(faster) = %d, want > 200", got)
	}
	if got > 250 { // 200 * 1.25
		t.Fatalf("ExpectedDifficulty(faster) = %d, exceeds 1.25x clamp", got)
	}
}

func TestPoW_ExpectedDifficulty_SlowerThanTarget(t *testing.T) {
	pow, _ := NewPoW(100, 60, 10)
	headers := buildHeaders(200, 200, 20)
	getHeader := func(h uint64) (HeaderInfo, error) {
		hi, ok := headers[h]
		if !ok {
			return HeaderInfo{}, errNotFound
		}
		return hi, nil
	}

	got := pow.ExpectedDifficulty(120, getHeader)
	if got >= 200 {
		t.Fatalf("ExpectedDifficulty(slower) = %d, want < 200", got)
	}
	if got < 150 { // 200 * 0.75
		t.Fatalf("ExpectedDifficulty(slower) = %d, exceeds 0.75x clamp", got)
	}
}

func TestPoW_VerifyDifficulty(t *testing.T) {
	pow, _ := NewPoW(100, 60, 10)

	// Below the window: must match the bootstrap difficulty exactly.
	header := &block.Header{Height: 1, Difficulty: 100}
	if err := pow.VerifyDifficulty(header, nil); err != nil {
		t.Fatalf("VerifyDifficulty(height=1, diff=100) = %v, want nil", err)
	}

	header2 := &block.Header{Height: 1, Difficulty: 50}
	if err := pow.VerifyDifficulty(header2, nil); err == nil {
		t.Fatal("VerifyDifficulty(height=1, diff=50) = nil, want error")
	}
}

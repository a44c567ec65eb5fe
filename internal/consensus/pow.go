package consensus

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/zion-network/zion-chain/pkg/block"
	"github.com/zion-network/zion-chain/pkg/crypto"
)

// PoW errors.
var (
	ErrInsufficientWork = errors.New("hash does not meet difficulty target")
	ErrZeroDifficulty   = errors.New("difficulty must be > 0")
	ErrBadDifficulty    = errors.New("block difficulty does not match expected")
)

// maxUint256 is 2^256 - 1.
var maxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

// PoW implements proof-of-work consensus.
// Difficulty is stored in the block header (consensus-enforced).
// The engine itself holds no mutable state â€” all difficulty is derived
// from the chain and encoded in each block.
type PoW struct {
	InitialDifficulty uint64 // Starting difficulty (from genesis/registration)
	AdjustInterval    int    // Blocks between difficulty adjustments (0 = no adjustment)
	TargetBlockTime   int    // Target seconds between blocks

	// DifficultyFn is called by Prepare to compute the expected difficulty
	// for a new block. Set by the node operator (ziond). If nil, Prepare
	// uses InitialDifficulty.
	DifficultyFn func(height uint64) uint64

	// Threads controls the number of parallel mining goroutines.
	// 0 or 1 = single-threaded (default). Each goroutine searches a
	// strided partition of the nonce space.
	Threads int
}

// NewPoW creates a new PoW engine.
func NewPoW(difficulty uint64, adjustInterval, targetBlockTime int) (*PoW, error) {
	if difficulty == 0 {
		return nil, ErrZeroDifficulty
	}
	return &PoW{
		InitialDifficulty: difficulty,
		AdjustInterval:    adjustInterval,
		TargetBlockTime:   targetBlockTime,
	}, nil
}

// target returns MaxUint256 / difficulty as a 256-bit big.Int.
func target(difficulty uint64) *big.Int {
	d := new(big.Int).SetUint64(difficulty)
	return new(big.Int).Div(maxUint256, d)
}

// Target exposes the PoW target for a given difficulty to callers outside
// this package (the block template builder and the mining pool both need
// it to decide whether a submitted hash clears the network or a share
// threshold).
func Target(difficulty uint64) *big.Int {
	return target(difficulty)
}

// BlockWork returns the expected number of hashes needed to produce a block
// at the given difficulty: 2^256 / (target + 1). Used to accumulate
// cumulative chain work for fork-choice comparisons.
func BlockWork(difficulty uint64) *big.Int {
	if difficulty == 0 {
		return new(big.Int)
	}
	t := target(difficulty)
	denom := new(big.Int).Add(t, big.NewInt(1))
	work := new(big.Int).Lsh(big.NewInt(1), 256)
	return work.Div(work, denom)
}

// VerifyHeader checks that the block header hash meets the stated difficulty.
// The difficulty value comes from the header itself (consensus-enforced).
func (p *PoW) VerifyHeader(header *block.Header) error {
	if header.Difficulty == 0 {
		return ErrZeroDifficulty
	}
	t := target(header.Difficulty)
	hash := crypto.Hash(header.SigningBytes())
	hashInt := new(big.Int).SetBytes(hash[:])
	if hashInt.Cmp(t) > 0 {
		return ErrInsufficientWork
	}
	return nil
}

// Prepare sets the block header's difficulty for mining.
// If DifficultyFn is set, it computes the expected difficulty from chain state.
// Otherwise, uses InitialDifficulty.
func (p *PoW) Prepare(header *block.Header) error {
	if p.DifficultyFn != nil {
		header.Difficulty = p.DifficultyFn(header.Height)
	} else {
		header.Difficulty = p.InitialDifficulty
	}
	return nil
}

// Seal mines the block by iterating the nonce until the header hash meets the target.
// Uses the difficulty already set in the block header.
// If Threads > 1, mining runs in parallel goroutines.
func (p *PoW) Seal(blk *block.Block) error {
	return p.SealWithCancel(context.Background(), blk)
}

// SealWithCancel mines the block with cancellation support.
// When the context is cancelled, mining stops and ctx.Err() is returned.
// If Threads > 1, mining runs in parallel goroutines with strided nonce partitioning.
func (p *PoW) SealWithCancel(ctx context.Context, blk *block.Block) error {
	if blk == nil || blk.Header == nil {
		return fmt.Errorf("nil block or header")
	}
	if blk.Header.Difficulty == 0 {
		return ErrZeroDifficulty
	}

	threads := p.Threads
	if threads <= 1 {
		return p.sealSingle(ctx, blk)
	}
	return p.sealParallel(ctx, blk, threads)
}

// signingPrefix returns the header's signing bytes WITHOUT the trailing nonce.
// This lets each mining goroutine pre-compute the 92-byte prefix once and only
// append+hash the 8-byte nonce per iteration.
func signingPrefix(h *block.Header) []byte {
	buf := make([]byte, 0, 92)
	buf = binary.LittleEndian.AppendUint32(buf, h.Version)
	buf = append(buf, h.PrevHash[:]...)
	buf = append(buf, h.MerkleRoot[:]...)
	buf = binary.LittleEndian.AppendUint64(buf, h.Timestamp)
	buf = binary.LittleEndian.AppendUint64(buf, h.Height)
	buf = binary.LittleEndian.AppendUint64(buf, h.Difficulty)
	return buf
}

// sealSingle mines with a single goroutine.
func (p *PoW) sealSingle(ctx context.Context, blk *block.Block) error {
	t := target(blk.Header.Difficulty)
	prefix := signingPrefix(blk.Header)
	buf := make([]byte, len(prefix)+8)
	copy(buf, prefix)
	hashInt := new(big.Int)

	for nonce := uint64(0); ; nonce++ {
		// Check cancellation every 65536 iterations.
		if nonce&0xFFFF == 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
		}

		binary.LittleEndian.PutUint64(buf[len(prefix):], nonce)
		hash := crypto.Hash(buf)
		hashInt.SetBytes(hash[:])
		if hashInt.Cmp(t) <= 0 {
			blk.Header.Nonce = nonce
			return nil
		}
		if nonce == ^uint64(0) {
			return fmt.Errorf("nonce space exhausted")
		}
	}
}

// sealParallel mines with multiple goroutines, each searching a strided
// partition of the nonce space (goroutine i starts at nonce=i, step=threads).
func (p *PoW) sealParallel(ctx context.Context, blk *block.Block, threads int) error {
	t := target(blk.Header.Difficulty)
	prefix := signingPrefix(blk.Header)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type result struct {
		nonce uint64
		err   error
	}
	found := make(chan result, 1)

	var wg sync.WaitGroup
	for i := 0; i < threads; i++ {
		wg.Add(1)
		startNonce := uint64(i)
		stride := uint64(threads)
		go func() {
			defer wg.Done()
			buf := make([]byte, len(prefix)+8)
			copy(buf, prefix)
			hashInt := new(big.Int)

			for nonce := startNonce; ; nonce += stride {
				// Check cancellation every ~65536 iterations per goroutine.
				if (nonce/stride)&0xFFFF == 0 && nonce > 0 {
					select {
					case <-ctx.Done():
						return
					default:
					}
				}

				binary.LittleEndian.PutUint64(buf[len(prefix):], nonce)
				hash := crypto.Hash(buf)
				hashInt.SetBytes(hash[:])
				if hashInt.Cmp(t) <= 0 {
					select {
					case found <- result{nonce: nonce}:
					default:
					}
					cancel()
					return
				}

				// Overflow: would wrap around past max uint64.
				if nonce > ^uint64(0)-stride {
					select {
					case found <- result{err: fmt.Errorf("nonce space exhausted")}:
					default:
					}
					return
				}
			}
		}()
	}

	// Wait in background so goroutines are cleaned up.
	go func() {
		wg.Wait()
		close(found)
	}()

	select {
	case r, ok := <-found:
		if !ok {
			return fmt.Errorf("nonce space exhausted")
		}
		if r.err != nil {
			return r.err
		}
		blk.Header.Nonce = r.nonce
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// lwmaWindow is the number of trailing blocks the LWMA retarget averages
// over. AdjustInterval doubles as this window size — a non-zero value
// enables LWMA retargeting with that window (the spec fixes it at 60).
func (p *PoW) lwmaWindow() uint64 {
	return uint64(p.AdjustInterval)
}

// HeaderInfo is the (timestamp, difficulty) pair the LWMA retarget needs
// from each header in its trailing window.
type HeaderInfo struct {
	Timestamp  uint64
	Difficulty uint64
}

// ExpectedDifficulty computes the correct difficulty for the block at the
// given height using a linearly weighted moving average (LWMA) over the
// trailing lwmaWindow() headers. Heights at or below the window size carry
// the fixed bootstrap (InitialDifficulty) target, matching genesis.
//
// getHeader fetches the (timestamp, difficulty) of the header at a given
// height; it is called once per window slot. Timestamps are sanitized
// per-pair so a non-increasing pair (ts_i <= ts_{i-1}) is treated as
// ts_{i-1}+1, preventing a malicious or clock-skewed timestamp from
// collapsing a solvetime to zero or negative.
func (p *PoW) ExpectedDifficulty(height uint64, getHeader func(uint64) (HeaderInfo, error)) uint64 {
	window := p.lwmaWindow()
	if window == 0 || height <= window {
		return p.InitialDifficulty
	}

	// Window covers headers at heights [height-window, height-1]; solvetimes
	// are measured between consecutive headers, so we also need height-window-1
	// (or genesis) as the anchor for the first solvetime.
	prevTS, err := p.headerTimestamp(height-window-1, getHeader)
	if err != nil {
		return p.InitialDifficulty
	}

	var weightedSolvetime int64
	var sumDifficulty uint64
	T := int64(p.TargetBlockTime)
	if T <= 0 {
		T = 1
	}

	for i := uint64(1); i <= window; i++ {
		h, err := getHeader(height - window - 1 + i)
		if err != nil {
			return p.InitialDifficulty
		}
		ts := int64(h.Timestamp)
		if ts <= int64(prevTS) {
			ts = int64(prevTS) + 1
		}
		solvetime := ts - int64(prevTS)
		// Clamp individual solvetimes to [-6T, 6T] so a single outlier
		// timestamp cannot swing the average disproportionately.
		if solvetime < -6*T {
			solvetime = -6 * T
		}
		if solvetime > 6*T {
			solvetime = 6 * T
		}
		weightedSolvetime += solvetime * int64(i)
		sumDifficulty += h.Difficulty
		prevTS = uint64(ts)
	}

	if weightedSolvetime <= 0 {
		weightedSolvetime = 1
	}

	// next = avgDifficulty * T * (N*(N+1)/2) / weightedSolvetime, expressed
	// without the intermediate average to keep everything in integer math.
	n := new(big.Int).SetUint64(window)
	nPlus1 := new(big.Int).SetUint64(window + 1)
	numerator := new(big.Int).SetUint64(sumDifficulty)
	numerator.Mul(numerator, big.NewInt(T))
	numerator.Mul(numerator, n)
	numerator.Mul(numerator, nPlus1)
	numerator.Div(numerator, big.NewInt(2))

	denominator := big.NewInt(weightedSolvetime)
	denominator.Mul(denominator, n)
	next := numerator.Div(numerator, denominator)

	prevDifficulty := sumDifficulty / window
	return clampDifficulty(next.Uint64(), prevDifficulty)
}

// headerTimestamp returns the timestamp of the header at height, or the
// error from getHeader.
func (p *PoW) headerTimestamp(height uint64, getHeader func(uint64) (HeaderInfo, error)) (uint64, error) {
	h, err := getHeader(height)
	if err != nil {
		return 0, err
	}
	return h.Timestamp, nil
}

// clampDifficulty bounds next within [prev*0.75, prev*1.25], matching the
// spec's per-block LWMA clamp, and never lets difficulty fall below 1.
func clampDifficulty(next, prev uint64) uint64 {
	if prev == 0 {
		if next == 0 {
			return 1
		}
		return next
	}
	lo := prev - prev/4   // prev * 0.75
	hi := prev + prev/4   // prev * 1.25
	if next < lo {
		next = lo
	}
	if next > hi {
		next = hi
	}
	if next == 0 {
		next = 1
	}
	return next
}

// VerifyDifficulty checks that a block header's stated difficulty matches
// the expected difficulty computed from chain history.
func (p *PoW) VerifyDifficulty(header *block.Header, getHeader func(uint64) (HeaderInfo, error)) error {
	expected := p.ExpectedDifficulty(header.Height, getHeader)
	if header.Difficulty != expected {
		return fmt.Errorf("%w: height %d has difficulty %d, want %d",
			ErrBadDifficulty, header.Height, header.Difficulty, expected)
	}
	return nil
}


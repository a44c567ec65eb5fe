package pool

import (
	"sync"
	"time"
)

// VarDiffWindow is the number of shares between retarget decisions.
const VarDiffWindow = 20

// VarDiffTargetPerMin and its tolerance bound the accepted share rate;
// outside [7,13] shares/min the difficulty is retargeted.
const (
	VarDiffTargetPerMin = 10.0
	VarDiffTolerance    = 3.0
	VarDiffMinMult      = 0.5
	VarDiffMaxMult      = 2.0
)

// WorkerDiff tracks one connection's current share difficulty and the
// rolling window used to retarget it. Retargeting reads the window under a
// read lock, computes the new difficulty with no lock held, then swaps it
// in under a write lock — the computation itself never blocks a concurrent
// share submission.
type WorkerDiff struct {
	mu          sync.RWMutex
	difficulty  float64
	shareCount  int
	windowStart time.Time
}

// NewWorkerDiff starts a worker at the given initial difficulty.
func NewWorkerDiff(initial float64) *WorkerDiff {
	return &WorkerDiff{
		difficulty:  initial,
		windowStart: time.Now(),
	}
}

// Difficulty returns the worker's current share target difficulty.
func (w *WorkerDiff) Difficulty() float64 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.difficulty
}

// RecordShare accounts one accepted share and reports whether a window has
// completed (caller should then call Retarget).
func (w *WorkerDiff) RecordShare() bool {
	w.mu.Lock()
	w.shareCount++
	full := w.shareCount >= VarDiffWindow
	w.mu.Unlock()
	return full
}

// Retarget recomputes the difficulty from the completed window's observed
// share rate and resets the window. Returns the new difficulty.
func (w *WorkerDiff) Retarget(now time.Time) float64 {
	w.mu.RLock()
	count := w.shareCount
	elapsed := now.Sub(w.windowStart)
	current := w.difficulty
	w.mu.RUnlock()

	newDiff := current
	if count > 0 && elapsed > 0 {
		ratePerMin := float64(count) / elapsed.Minutes()
		if ratePerMin < VarDiffTargetPerMin-VarDiffTolerance || ratePerMin > VarDiffTargetPerMin+VarDiffTolerance {
			mult := ratePerMin / VarDiffTargetPerMin
			if mult < VarDiffMinMult {
				mult = VarDiffMinMult
			}
			if mult > VarDiffMaxMult {
				mult = VarDiffMaxMult
			}
			newDiff = current * mult
			if newDiff < 1 {
				newDiff = 1
			}
		}
	}

	w.mu.Lock()
	w.difficulty = newDiff
	w.shareCount = 0
	w.windowStart = now
	w.mu.Unlock()

	return newDiff
}

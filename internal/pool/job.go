package pool

import (
	"fmt"
	"math/big"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zion-network/zion-chain/internal/rpc"
	"github.com/zion-network/zion-chain/pkg/block"
)

// staleRetention is how long a superseded job is still accepted for share
// credit, per the 2-minute stale-share window. Shares against a stale job
// count toward the miner's payout but can never produce a block (a newer
// job has already moved the chain tip/coinbase forward).
const staleRetention = 2 * time.Minute

// Job is one mining.notify assignment: a candidate block (nonce=0, coinbase
// already paying the pool address) plus the precomputed signing prefix so
// share/block validation only has to append the 8-byte nonce and hash.
type Job struct {
	ID         string
	Block      *block.Block
	Prefix     []byte
	Target     *big.Int
	Difficulty uint64
	Height     uint64
	CreatedAt  time.Time
}

// expired reports whether this job is past its 2-minute share-credit
// retention window entirely; shares against it are rejected (code 25)
// rather than credited.
func (j *Job) expired() bool {
	return time.Since(j.CreatedAt) > staleRetention
}

// JobManager tracks the current job plus a short backlog of superseded ones,
// so shares racing against the previous job still validate. Mirrors the
// shape of a bounded job table keyed by ID with an overflow trim, generalized
// from a fixed job-slot limit to the spec's time-based stale window (backed
// by the same trim-when-full discipline for a hard ceiling on memory use).
type JobManager struct {
	mu        sync.RWMutex
	jobs      map[string]*Job
	order     []string // insertion order, oldest first
	currentID string
	nextID    atomic.Uint64
	maxJobs   int
}

// NewJobManager creates a job manager retaining at most maxJobs jobs
// regardless of age (a backstop independent of the 2-minute stale window).
func NewJobManager(maxJobs int) *JobManager {
	if maxJobs <= 0 {
		maxJobs = 8
	}
	return &JobManager{
		jobs:    make(map[string]*Job),
		maxJobs: maxJobs,
	}
}

// CreateJob builds a Job from a block template and makes it current.
func (m *JobManager) CreateJob(tmpl *rpc.BlockTemplateResult) (*Job, error) {
	if tmpl == nil || tmpl.Block == nil || tmpl.Block.Header == nil {
		return nil, fmt.Errorf("nil block template")
	}
	target, ok := new(big.Int).SetString(trim0x(tmpl.Target), 16)
	if !ok {
		return nil, fmt.Errorf("invalid template target %q", tmpl.Target)
	}

	full := tmpl.Block.Header.SigningBytes()
	prefix := make([]byte, len(full)-8)
	copy(prefix, full[:len(full)-8])

	id := strconv.FormatUint(m.nextID.Add(1), 10)
	job := &Job{
		ID:         id,
		Block:      tmpl.Block,
		Prefix:     prefix,
		Target:     target,
		Difficulty: tmpl.Difficulty,
		Height:     tmpl.Height,
		CreatedAt:  time.Now(),
	}

	m.mu.Lock()
	m.jobs[id] = job
	m.order = append(m.order, id)
	m.currentID = id
	m.trimLocked()
	m.mu.Unlock()

	return job, nil
}

// trimLocked evicts the oldest-by-insertion job while over maxJobs. Age
// alone never evicts a job: an expired-but-still-tracked job must stay
// reachable by Get so the 2-minute boundary can be reported as a distinct
// "stale" rejection (code 25) rather than "unknown job" (code 21). Caller
// must hold m.mu for writing.
func (m *JobManager) trimLocked() {
	for len(m.order) > m.maxJobs {
		oldest := m.order[0]
		if oldest == m.currentID {
			break // never evict the current job
		}
		delete(m.jobs, oldest)
		m.order = m.order[1:]
	}
}

// Get returns a job by ID, and whether it is stale: superseded by a newer
// job but still within the 2-minute credit window (stale=true,
// expired=false), or past that window entirely (expired=true — reject, do
// not credit). ok=false means the ID was never issued or has long since
// been trimmed from the backlog.
func (m *JobManager) Get(id string) (job *Job, stale, expired, ok bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	j, found := m.jobs[id]
	if !found {
		return nil, false, false, false
	}
	notCurrent := id != m.currentID
	return j, notCurrent, j.expired(), true
}

// Current returns the active job, or nil if none has been created yet.
func (m *JobManager) Current() *Job {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.jobs[m.currentID]
}

func trim0x(s string) string {
	if len(s) > 1 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:]
	}
	return s
}

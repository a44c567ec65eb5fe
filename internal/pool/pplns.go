package pool

import (
	"container/list"
	"encoding/binary"
	"encoding/json"
	"sort"
	"sync"

	"github.com/zion-network/zion-chain/internal/storage"
	"github.com/zion-network/zion-chain/pkg/types"
)

// PPLNSWindowSize is the number of trailing share-difficulties kept per
// payout round (Pay Per Last N Shares), shared across all miners.
const PPLNSWindowSize = 1_000_000

type shareRecord struct {
	Seq        uint64        `json:"-"`
	Address    types.Address `json:"address"`
	Difficulty float64       `json:"difficulty"`
}

// PPLNSWindow is the pool-local (never consensus) sliding window of the last
// PPLNSWindowSize valid shares, used only to compute each miner's fraction
// of a payout batch. Persisted to storage.DB keyed by an 8-byte big-endian
// sequence number so recovery after a restart replays in insertion order,
// same key-ordering trick the chain store relies on for block height scans.
type PPLNSWindow struct {
	mu      sync.Mutex
	db      storage.DB
	entries *list.List // of *shareRecord, oldest at Front
	totals  map[types.Address]float64
	total   float64
	nextSeq uint64
	cap     int
}

// NewPPLNSWindow opens (or creates) a window backed by db, replaying any
// persisted entries to rebuild in-memory totals.
func NewPPLNSWindow(db storage.DB, capacity int) (*PPLNSWindow, error) {
	if capacity <= 0 {
		capacity = PPLNSWindowSize
	}
	w := &PPLNSWindow{
		db:      db,
		entries: list.New(),
		totals:  make(map[types.Address]float64),
		cap:     capacity,
	}

	var recs []*shareRecord
	err := db.ForEach(nil, func(key, value []byte) error {
		if len(key) != 8 {
			return nil
		}
		var rec shareRecord
		if err := json.Unmarshal(value, &rec); err != nil {
			return err
		}
		rec.Seq = binary.BigEndian.Uint64(key)
		recs = append(recs, &rec)
		return nil
	})
	if err != nil {
		return nil, err
	}

	// DB iteration order is not guaranteed across backends; sort by
	// sequence so the in-memory FIFO replays in original share order.
	sort.Slice(recs, func(i, j int) bool { return recs[i].Seq < recs[j].Seq })
	for _, rec := range recs {
		w.entries.PushBack(rec)
		w.totals[rec.Address] += rec.Difficulty
		w.total += rec.Difficulty
		if rec.Seq >= w.nextSeq {
			w.nextSeq = rec.Seq + 1
		}
	}
	return w, nil
}

// Record credits one valid share of the given difficulty to addr, evicting
// the oldest entry once the window exceeds its capacity.
func (w *PPLNSWindow) Record(addr types.Address, difficulty float64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	rec := &shareRecord{Seq: w.nextSeq, Address: addr, Difficulty: difficulty}
	w.nextSeq++

	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, rec.Seq)
	val, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if err := w.db.Put(key, val); err != nil {
		return err
	}

	w.entries.PushBack(rec)
	w.totals[addr] += difficulty
	w.total += difficulty

	for w.entries.Len() > w.cap {
		front := w.entries.Front()
		old := front.Value.(*shareRecord)
		w.entries.Remove(front)
		w.totals[old.Address] -= old.Difficulty
		if w.totals[old.Address] <= 0 {
			delete(w.totals, old.Address)
		}
		w.total -= old.Difficulty

		oldKey := make([]byte, 8)
		binary.BigEndian.PutUint64(oldKey, old.Seq)
		if err := w.db.Delete(oldKey); err != nil {
			return err
		}
	}
	return nil
}

// Snapshot returns each address's share of the current window as a fraction
// of 1.0, and the window's total difficulty-weight. Miners absent from the
// window (no shares in the last PPLNSWindowSize) get no payout fraction.
func (w *PPLNSWindow) Snapshot() (shares map[types.Address]float64, total float64) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.total <= 0 {
		return nil, 0
	}
	shares = make(map[types.Address]float64, len(w.totals))
	for addr, diff := range w.totals {
		shares[addr] = diff / w.total
	}
	return shares, w.total
}

// Len reports the number of shares currently retained in the window.
func (w *PPLNSWindow) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.entries.Len()
}

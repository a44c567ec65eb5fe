// Package payout batches winning-block coinbase rewards into periodic
// on-chain payout transactions, splitting each batch by the pool's PPLNS
// fee schedule. It holds no consensus authority: every payout transaction
// is validated by the node like any other submission.
package payout

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/zion-network/zion-chain/internal/storage"
	"github.com/zion-network/zion-chain/pkg/types"
)

// Key prefixes for the ledger store, mirroring internal/utxo.Store's
// txid+index outpoint keying.
var (
	prefixSpendable = []byte("s/") // s/<txid><index> -> coinbaseOutput JSON
	prefixPending   = []byte("p/") // p/<txid><index> -> coinbaseOutput JSON (submitted, unconfirmed)
)

// coinbaseOutput is a coinbase output this pool owns: the sole output of a
// block's coinbase transaction, paying the pool's own address.
type coinbaseOutput struct {
	TxID   types.Hash `json:"txid"`
	Value  uint64     `json:"value"`
	Height uint64     `json:"height"`
}

func outputKey(prefix []byte, txid types.Hash) []byte {
	key := make([]byte, len(prefix)+types.HashSize+4)
	copy(key, prefix)
	copy(key[len(prefix):], txid[:])
	binary.BigEndian.PutUint32(key[len(prefix)+types.HashSize:], 0)
	return key
}

// Ledger tracks coinbase outputs this pool has mined, maturing them per
// config.CoinbaseMaturity and staging them through a spendable -> pending ->
// spent lifecycle around each payout attempt. There is no wallet/UTXO-query
// RPC on the node, so this state is entirely local and rebuilt only from
// blocks the pool itself observes winning.
type Ledger struct {
	db storage.DB
}

// NewLedger opens a ledger backed by the given database, for persistence
// across restarts.
func NewLedger(db storage.DB) *Ledger {
	return &Ledger{db: db}
}

// Record stores a newly won block's coinbase output as spendable once it
// matures. txid is the coinbase transaction's hash, value its single
// output's amount, height the block's height.
func (l *Ledger) Record(txid types.Hash, value, height uint64) error {
	out := coinbaseOutput{TxID: txid, Value: value, Height: height}
	data, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("marshal coinbase output: %w", err)
	}
	return l.db.Put(outputKey(prefixSpendable, txid), data)
}

// Matured returns every spendable coinbase output whose maturity depth has
// passed as of currentHeight.
func (l *Ledger) Matured(currentHeight, maturity uint64) ([]types.Outpoint, uint64, error) {
	var outpoints []types.Outpoint
	var total uint64
	err := l.db.ForEach(prefixSpendable, func(_, value []byte) error {
		var out coinbaseOutput
		if err := json.Unmarshal(value, &out); err != nil {
			return fmt.Errorf("unmarshal coinbase output: %w", err)
		}
		if currentHeight < out.Height+maturity {
			return nil
		}
		outpoints = append(outpoints, types.Outpoint{TxID: out.TxID, Index: 0})
		total += out.Value
		return nil
	})
	if err != nil {
		return nil, 0, fmt.Errorf("scan spendable outputs: %w", err)
	}
	return outpoints, total, nil
}

// MarkPending moves the given outpoints from spendable to pending, ahead of
// submitting a payout transaction that spends them. Pending outputs are
// excluded from Matured so a concurrent batch can't double-spend them.
func (l *Ledger) MarkPending(outpoints []types.Outpoint) error {
	for _, op := range outpoints {
		data, err := l.db.Get(outputKey(prefixSpendable, op.TxID))
		if err != nil {
			return fmt.Errorf("mark pending: %w", err)
		}
		if err := l.db.Put(outputKey(prefixPending, op.TxID), data); err != nil {
			return fmt.Errorf("mark pending: %w", err)
		}
		if err := l.db.Delete(outputKey(prefixSpendable, op.TxID)); err != nil {
			return fmt.Errorf("mark pending: %w", err)
		}
	}
	return nil
}

// Release moves outpoints back from pending to spendable: the payout
// transaction that would have spent them failed to submit or confirm.
func (l *Ledger) Release(outpoints []types.Outpoint) error {
	for _, op := range outpoints {
		data, err := l.db.Get(outputKey(prefixPending, op.TxID))
		if err != nil {
			return fmt.Errorf("release: %w", err)
		}
		if err := l.db.Put(outputKey(prefixSpendable, op.TxID), data); err != nil {
			return fmt.Errorf("release: %w", err)
		}
		if err := l.db.Delete(outputKey(prefixPending, op.TxID)); err != nil {
			return fmt.Errorf("release: %w", err)
		}
	}
	return nil
}

// Confirm permanently removes pending outpoints once their spending
// transaction has confirmed on-chain.
func (l *Ledger) Confirm(outpoints []types.Outpoint) error {
	for _, op := range outpoints {
		if err := l.db.Delete(outputKey(prefixPending, op.TxID)); err != nil {
			return fmt.Errorf("confirm: %w", err)
		}
	}
	return nil
}

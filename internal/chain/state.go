package chain

import (
	"math/big"

	"github.com/zion-network/zion-chain/pkg/types"
)

// State holds the current chain tip state.
type State struct {
	Height               uint64
	TipHash              types.Hash
	Supply               uint64   // Total coins in circulation (genesis alloc + cumulative rewards).
	CumulativeDifficulty *big.Int // Sum of 2^256/(target+1) over every block on the active chain.
	TipTimestamp         uint64   // Timestamp of the current tip block.
}

// IsGenesis returns true if no blocks have been processed yet.
func (s *State) IsGenesis() bool {
	return s.Height == 0 && s.TipHash.IsZero()
}

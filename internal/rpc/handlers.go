package rpc

import (
	"fmt"
	"time"

	"github.com/zion-network/zion-chain/config"
	"github.com/zion-network/zion-chain/internal/consensus"
	"github.com/zion-network/zion-chain/pkg/block"
	"github.com/zion-network/zion-chain/pkg/tx"
	"github.com/zion-network/zion-chain/pkg/types"
)

// handleGetInfo returns a summary of the node's chain state.
func (s *Server) handleGetInfo(req *Request) (interface{}, *Error) {
	st := s.chain.State()

	var difficulty uint64
	if st.Height > 0 {
		if blk, err := s.chain.GetBlockByHeight(st.Height); err == nil {
			difficulty = blk.Header.Difficulty
		}
	}

	return &InfoResult{
		ChainID:    s.genesis.ChainID,
		Network:    s.genesis.ChainName,
		Version:    config.ConsensusPoW,
		Height:     st.Height,
		BestHash:   st.TipHash.String(),
		Supply:     st.Supply,
		Difficulty: difficulty,
	}, nil
}

// handleGetBlock returns a block by hash or height. Exactly one of the two
// must be set in params.
func (s *Server) handleGetBlock(req *Request) (interface{}, *Error) {
	var p BlockParam
	if err := parseParams(req, &p); err != nil {
		return nil, err
	}

	var blk *block.Block
	var err error
	switch {
	case p.Hash != "":
		h, herr := types.HexToHash(p.Hash)
		if herr != nil {
			return nil, &Error{Code: CodeInvalidParams, Message: "invalid hash"}
		}
		blk, err = s.chain.GetBlock(h)
	case p.Height != nil:
		blk, err = s.chain.GetBlockByHeight(*p.Height)
	default:
		return nil, &Error{Code: CodeInvalidParams, Message: "hash or height required"}
	}
	if err != nil {
		return nil, &Error{Code: CodeNotFound, Message: "block not found"}
	}

	return NewBlockResult(blk), nil
}

// handleGetHeader returns only a block's header.
func (s *Server) handleGetHeader(req *Request) (interface{}, *Error) {
	var p HashParam
	if err := parseParams(req, &p); err != nil {
		return nil, err
	}

	h, herr := types.HexToHash(p.Hash)
	if herr != nil {
		return nil, &Error{Code: CodeInvalidParams, Message: "invalid hash"}
	}

	blk, err := s.chain.GetBlock(h)
	if err != nil {
		return nil, &Error{Code: CodeNotFound, Message: "block not found"}
	}

	return blk.Header, nil
}

// handleGetTransaction returns a confirmed transaction by hash, falling back
// to the mempool for unconfirmed ones.
func (s *Server) handleGetTransaction(req *Request) (interface{}, *Error) {
	var p HashParam
	if err := parseParams(req, &p); err != nil {
		return nil, err
	}

	h, herr := types.HexToHash(p.Hash)
	if herr != nil {
		return nil, &Error{Code: CodeInvalidParams, Message: "invalid hash"}
	}

	if t, err := s.chain.GetTransaction(h); err == nil {
		return NewTxResult(t), nil
	}

	if t := s.pool.Get(h); t != nil {
		return NewTxResult(t), nil
	}

	return nil, &Error{Code: CodeNotFound, Message: "transaction not found"}
}

// handleGetSupply reports circulating and max supply figures.
func (s *Server) handleGetSupply(req *Request) (interface{}, *Error) {
	st := s.chain.State()
	return &SupplyResult{
		CirculatingSupply: st.Supply,
		MaxSupply:         s.genesis.Protocol.Consensus.MaxSupply,
		BlockReward:       s.genesis.Protocol.Consensus.BlockReward,
		Height:            st.Height,
	}, nil
}

// handleGetBuybackStats reports the (always disabled) treasury buyback stats.
// This chain has no buyback mechanism; the zeroed, well-formed response keeps
// callers built against the method table from getting method-not-found.
func (s *Server) handleGetBuybackStats(req *Request) (interface{}, *Error) {
	return &BuybackStatsResult{Enabled: false}, nil
}

// handleGetNetworkInfo reports this node's P2P identity and peer count.
func (s *Server) handleGetNetworkInfo(req *Request) (interface{}, *Error) {
	return &NetworkInfoResult{
		NodeID:    s.p2pNode.ID().String(),
		Addrs:     s.p2pNode.Addrs(),
		PeerCount: s.p2pNode.PeerCount(),
	}, nil
}

// handleGetPeerInfo lists currently connected peers.
func (s *Server) handleGetPeerInfo(req *Request) (interface{}, *Error) {
	peers := s.p2pNode.PeerList()
	out := make([]PeerInfo, len(peers))
	for i, p := range peers {
		out[i] = PeerInfo{
			ID:          p.ID.String(),
			ConnectedAt: p.ConnectedAt.UTC().Format(time.RFC3339),
		}
	}
	return &PeerInfoResult{Count: len(out), Peers: out}, nil
}

// handleGetHealthCheck reports a coarse node liveness summary.
func (s *Server) handleGetHealthCheck(req *Request) (interface{}, *Error) {
	st := s.chain.State()
	uptime := int64(time.Since(s.startedAt).Seconds())

	return &HealthCheckResult{
		OK:          true,
		Height:      st.Height,
		PeerCount:   s.p2pNode.PeerCount(),
		MempoolSize: s.pool.Count(),
		UptimeSecs:  uptime,
	}, nil
}

// handleGetMetrics reports the full runtime counter snapshot.
func (s *Server) handleGetMetrics(req *Request) (interface{}, *Error) {
	st := s.chain.State()
	cumDiff := "0"
	if st.CumulativeDifficulty != nil {
		cumDiff = st.CumulativeDifficulty.String()
	}

	if s.metrics == nil {
		return &MetricsResult{
			Height:               st.Height,
			CumulativeDifficulty: cumDiff,
			MempoolSize:          s.pool.Count(),
			PeerCount:            s.p2pNode.PeerCount(),
		}, nil
	}

	snap := s.metrics.Snapshot()
	return &MetricsResult{
		Height:               snap.Height,
		CumulativeDifficulty: cumDiff,
		MempoolSize:          snap.MempoolSize,
		PeerCount:            snap.PeerCount,
		BlocksProcessed:      snap.BlocksProcessed,
		ReorgsTotal:          snap.ReorgsTotal,
		LastReorgDepth:       snap.LastReorgDepth,
	}, nil
}

// handleGetBlockTemplate assembles an unsealed candidate block for external
// miners/pools to hash. The returned block has nonce=0 and its difficulty
// already set by the consensus engine's LWMA retarget.
func (s *Server) handleGetBlockTemplate(req *Request) (interface{}, *Error) {
	var p BlockTemplateParam
	if err := parseParams(req, &p); err != nil {
		return nil, err
	}

	addr, aerr := types.ParseAddress(p.CoinbaseAddress)
	if aerr != nil {
		return nil, &Error{Code: CodeInvalidParams, Message: "invalid coinbase_address"}
	}

	st := s.chain.State()
	height := st.Height + 1

	selected := s.pool.SelectForBlock(config.MaxBlockTxs - 1)

	reward := s.genesis.Protocol.Consensus.BlockReward
	maxSupply := s.genesis.Protocol.Consensus.MaxSupply
	if maxSupply > 0 {
		if st.Supply >= maxSupply {
			reward = 0
		} else if st.Supply+reward > maxSupply {
			reward = maxSupply - st.Supply
		}
	}

	// Reference policy burns transaction fees: the coinbase carries only the
	// fixed block reward, never the fees collected from the selected txs.
	coinbase := buildCoinbaseTx(addr, reward, height)
	txs := make([]*tx.Transaction, 0, 1+len(selected))
	txs = append(txs, coinbase)
	txs = append(txs, selected...)

	hashes := make([]types.Hash, len(txs))
	for i, t := range txs {
		hashes[i] = t.Hash()
	}
	merkle := block.ComputeMerkleRoot(hashes)

	timestamp := st.TipTimestamp + 1
	if now := uint64(time.Now().Unix()); now > timestamp {
		timestamp = now
	}

	header := &block.Header{
		Version:    block.CurrentVersion,
		PrevHash:   st.TipHash,
		MerkleRoot: merkle,
		Timestamp:  timestamp,
		Height:     height,
	}

	if err := s.engine.Prepare(header); err != nil {
		return nil, &Error{Code: CodeValidation, Message: fmt.Sprintf("prepare header: %v", err)}
	}

	blk := block.NewBlock(header, txs)

	target := "0"
	if _, ok := s.engine.(*consensus.PoW); ok {
		target = fmt.Sprintf("%064x", consensus.Target(header.Difficulty))
	}

	return &BlockTemplateResult{
		Block:      blk,
		Target:     target,
		Difficulty: header.Difficulty,
		Height:     height,
		PrevHash:   st.TipHash.String(),
	}, nil
}

// handleSubmitBlock validates and applies a fully sealed block to the chain.
func (s *Server) handleSubmitBlock(req *Request) (interface{}, *Error) {
	var p SubmitBlockParam
	if err := parseParams(req, &p); err != nil {
		return nil, err
	}
	if p.Block == nil {
		return nil, &Error{Code: CodeInvalidParams, Message: "block required"}
	}

	if err := p.Block.Validate(); err != nil {
		return nil, &Error{Code: CodeValidation, Message: fmt.Sprintf("invalid block: %v", err)}
	}

	if err := s.chain.ProcessBlock(p.Block); err != nil {
		return nil, &Error{Code: CodeValidation, Message: fmt.Sprintf("reject block: %v", err)}
	}

	s.pool.RemoveConfirmed(p.Block.Transactions)

	if s.metrics != nil {
		s.metrics.RecordBlockProcessed()
		s.metrics.SetHeight(s.chain.Height())
		s.metrics.SetMempoolSize(s.pool.Count())
	}

	return &SubmitBlockResult{
		BlockHash: p.Block.Hash().String(),
		Height:    p.Block.Header.Height,
	}, nil
}

// handleSendRawTransaction validates and admits a transaction to the mempool.
func (s *Server) handleSendRawTransaction(req *Request) (interface{}, *Error) {
	var p TxSubmitParam
	if err := parseParams(req, &p); err != nil {
		return nil, err
	}
	if p.Transaction == nil {
		return nil, &Error{Code: CodeInvalidParams, Message: "transaction required"}
	}

	if err := p.Transaction.Validate(); err != nil {
		return nil, &Error{Code: CodeValidation, Message: fmt.Sprintf("invalid transaction: %v", err)}
	}

	if _, err := s.pool.Add(p.Transaction); err != nil {
		return nil, &Error{Code: CodeValidation, Message: fmt.Sprintf("reject transaction: %v", err)}
	}

	if s.metrics != nil {
		s.metrics.SetMempoolSize(s.pool.Count())
	}

	return &TxSubmitResult{TxHash: p.Transaction.Hash().String()}, nil
}

// handleGetMempool lists the transaction hashes currently pooled.
func (s *Server) handleGetMempool(req *Request) (interface{}, *Error) {
	hashes := s.pool.Hashes()
	out := make([]string, len(hashes))
	for i, h := range hashes {
		out[i] = h.String()
	}
	return &MempoolResult{
		Count:      len(out),
		MinFeeRate: s.pool.MinFeeRate(),
		Hashes:     out,
	}, nil
}

// buildCoinbaseTx mirrors internal/miner's coinbase construction (height
// encoded BIP34-style in the input signature field for hash uniqueness).
func buildCoinbaseTx(addr types.Address, reward, height uint64) *tx.Transaction {
	heightBytes := make([]byte, 8)
	for i := 0; i < 8; i++ {
		heightBytes[i] = byte(height >> (8 * i))
	}

	return &tx.Transaction{
		Version: 1,
		Inputs: []tx.Input{{
			PrevOut:   types.Outpoint{},
			Signature: heightBytes,
		}},
		Outputs: []tx.Output{{
			Value: reward,
			Script: types.Script{
				Type: types.ScriptTypeP2PKH,
				Data: addr[:],
			},
		}},
	}
}

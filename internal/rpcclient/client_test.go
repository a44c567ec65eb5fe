package rpcclient

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/zion-network/zion-chain/config"
	"github.com/zion-network/zion-chain/internal/chain"
	"github.com/zion-network/zion-chain/internal/consensus"
	klog "github.com/zion-network/zion-chain/internal/log"
	"github.com/zion-network/zion-chain/internal/mempool"
	"github.com/zion-network/zion-chain/internal/miner"
	"github.com/zion-network/zion-chain/internal/rpc"
	"github.com/zion-network/zion-chain/internal/storage"
	"github.com/zion-network/zion-chain/internal/utxo"
	"github.com/zion-network/zion-chain/pkg/crypto"
	"github.com/zion-network/zion-chain/pkg/types"
)

type testEnv struct {
	client    *Client
	chain     *chain.Chain
	utxoStore *utxo.Store
	pool      *mempool.Pool
	genesis   *config.Genesis
	engine    consensus.Engine
	minerKey  *crypto.PrivateKey
	minerAddr types.Address
	addrHex   string
}

func setupTestEnv(t *testing.T) *testEnv {
	t.Helper()
	klog.Init("error", false, "")

	minerKey, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	minerAddr := crypto.AddressFromPubKey(minerKey.PublicKey())
	addrHex := minerAddr.String()

	gen := &config.Genesis{
		ChainID:   "zion-test-client",
		ChainName: "Client Test",
		Timestamp: uint64(time.Now().Unix()),
		Alloc:     map[string]uint64{addrHex: 100_000 * config.Coin},
		Protocol: config.ProtocolConfig{
			Consensus: config.ConsensusRules{
				Type:              config.ConsensusPoW,
				BlockTime:         1,
				InitialDifficulty: 1,
				DifficultyAdjust:  0,
				BlockReward:       config.MilliCoin,
				MaxSupply:         2_000_000 * config.Coin,
				MinFeeRate:        10,
			},
		},
	}

	db := storage.NewMemory()
	utxoStore := utxo.NewStore(db)

	engine, err := consensus.NewPoW(gen.Protocol.Consensus.InitialDifficulty, gen.Protocol.Consensus.DifficultyAdjust, gen.Protocol.Consensus.BlockTime)
	if err != nil {
		t.Fatalf("create pow engine: %v", err)
	}

	ch, err := chain.New(types.ChainID{}, db, utxoStore, engine)
	if err != nil {
		t.Fatalf("create chain: %v", err)
	}
	if err := ch.InitFromGenesis(gen); err != nil {
		t.Fatalf("init genesis: %v", err)
	}

	adapter := miner.NewUTXOAdapter(utxoStore)
	pool := mempool.New(adapter, 1000)
	pool.SetMinFeeRate(gen.Protocol.Consensus.MinFeeRate)

	srv := rpc.New("127.0.0.1:0", ch, utxoStore, pool, nil, gen, engine)
	if err := srv.Start(); err != nil {
		t.Fatalf("start rpc: %v", err)
	}
	t.Cleanup(func() { srv.Stop() })

	client := New(fmt.Sprintf("http://%s/", srv.Addr()))

	return &testEnv{
		client:    client,
		chain:     ch,
		utxoStore: utxoStore,
		pool:      pool,
		genesis:   gen,
		engine:    engine,
		minerKey:  minerKey,
		minerAddr: minerAddr,
		addrHex:   addrHex,
	}
}

func TestClient_GetInfo(t *testing.T) {
	env := setupTestEnv(t)

	var info rpc.InfoResult
	if err := env.client.Call("get_info", nil, &info); err != nil {
		t.Fatalf("Call error: %v", err)
	}

	if info.ChainID != env.genesis.ChainID {
		t.Errorf("chain_id = %q, want %q", info.ChainID, env.genesis.ChainID)
	}
	if info.Height != 0 {
		t.Errorf("height = %d, want 0", info.Height)
	}
	if info.Supply != 100_000*config.Coin {
		t.Errorf("supply = %d, want %d", info.Supply, 100_000*config.Coin)
	}
}

func TestClient_GetBlock_ByHeight(t *testing.T) {
	env := setupTestEnv(t)

	height := uint64(0)
	var blk rpc.BlockResult
	if err := env.client.Call("get_block", rpc.BlockParam{Height: &height}, &blk); err != nil {
		t.Fatalf("Call error: %v", err)
	}
	if blk.Header.Height != 0 {
		t.Errorf("height = %d, want 0", blk.Header.Height)
	}
	if len(blk.Transactions) == 0 {
		t.Error("genesis block has no transactions")
	}
}

func TestClient_GetSupply(t *testing.T) {
	env := setupTestEnv(t)

	var supply rpc.SupplyResult
	if err := env.client.Call("get_supply", nil, &supply); err != nil {
		t.Fatalf("Call error: %v", err)
	}
	if supply.CirculatingSupply != 100_000*config.Coin {
		t.Errorf("circulating_supply = %d", supply.CirculatingSupply)
	}
}

func TestClient_GetBlock_NotFound(t *testing.T) {
	env := setupTestEnv(t)

	var blk rpc.BlockResult
	err := env.client.Call("get_block", rpc.BlockParam{Hash: hex.EncodeToString(make([]byte, types.HashSize))}, &blk)
	if err == nil {
		t.Fatal("expected error for non-existent block")
	}

	rpcErr, ok := err.(*RPCError)
	if !ok {
		t.Fatalf("expected RPCError, got %T: %v", err, err)
	}
	if rpcErr.Code != rpc.CodeNotFound {
		t.Errorf("error code = %d, want %d", rpcErr.Code, rpc.CodeNotFound)
	}
}

func TestClient_GetBlockTemplate(t *testing.T) {
	env := setupTestEnv(t)

	var tmpl rpc.BlockTemplateResult
	if err := env.client.Call("get_block_template", rpc.BlockTemplateParam{CoinbaseAddress: env.addrHex}, &tmpl); err != nil {
		t.Fatalf("Call error: %v", err)
	}
	if tmpl.Height != 1 {
		t.Errorf("height = %d, want 1", tmpl.Height)
	}
	if tmpl.Block == nil || tmpl.Block.Header.Nonce != 0 {
		t.Error("expected an unsealed candidate block")
	}
}

func TestClient_SubmitBlock(t *testing.T) {
	env := setupTestEnv(t)

	m := miner.New(env.chain, env.engine, env.pool, env.minerAddr,
		env.genesis.Protocol.Consensus.BlockReward, env.genesis.Protocol.Consensus.MaxSupply, env.chain.Supply)
	blk, err := m.ProduceBlock()
	if err != nil {
		t.Fatalf("produce block: %v", err)
	}

	var result rpc.SubmitBlockResult
	if err := env.client.Call("submit_block", rpc.SubmitBlockParam{Block: blk}, &result); err != nil {
		t.Fatalf("Call error: %v", err)
	}
	if result.Height != 1 {
		t.Errorf("height = %d, want 1", result.Height)
	}
	if env.chain.Height() != 1 {
		t.Errorf("chain height = %d, want 1", env.chain.Height())
	}
}

func TestClient_Call_InvalidEndpoint(t *testing.T) {
	client := New("http://127.0.0.1:1/") // Port 1 — should refuse.

	var info rpc.InfoResult
	err := client.Call("get_info", nil, &info)
	if err == nil {
		t.Fatal("expected connection error")
	}
}

func TestClient_Call_MethodNotFound(t *testing.T) {
	env := setupTestEnv(t)

	var raw json.RawMessage
	err := env.client.Call("nonexistent_method", nil, &raw)
	if err == nil {
		t.Fatal("expected error for unknown method")
	}

	rpcErr, ok := err.(*RPCError)
	if !ok {
		t.Fatalf("expected RPCError, got %T: %v", err, err)
	}
	if rpcErr.Code != rpc.CodeMethodNotFound {
		t.Errorf("error code = %d, want %d", rpcErr.Code, rpc.CodeMethodNotFound)
	}
}


package pool

import (
	"testing"

	"github.com/zion-network/zion-chain/internal/rpc"
	"github.com/zion-network/zion-chain/pkg/block"
	"github.com/zion-network/zion-chain/pkg/tx"
	"github.com/zion-network/zion-chain/pkg/types"
)

func testTemplate(height uint64) *rpc.BlockTemplateResult {
	coinbase := &tx.Transaction{
		Version: 1,
		Inputs:  []tx.Input{{PrevOut: types.Outpoint{}}},
		Outputs: []tx.Output{{Value: 5000000, Script: types.P2PKHScript(types.Address{0x01})}},
	}
	hdr := &block.Header{
		Version:    1,
		Timestamp:  1000,
		Height:     height,
		Difficulty: 1,
	}
	blk := block.NewBlock(hdr, []*tx.Transaction{coinbase})
	return &rpc.BlockTemplateResult{
		Block:      blk,
		Target:     "ffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffff",
		Difficulty: 1,
		Height:     height,
		PrevHash:   hdr.PrevHash.String(),
	}
}

func TestJobManager_CreateAndGet(t *testing.T) {
	jm := NewJobManager(4)
	job, err := jm.CreateJob(testTemplate(1))
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	got, stale, expired, ok := jm.Get(job.ID)
	if !ok {
		t.Fatal("expected job to be found")
	}
	if stale || expired {
		t.Fatal("freshly created current job should be neither stale nor expired")
	}
	if got.Height != 1 {
		t.Errorf("height = %d, want 1", got.Height)
	}
}

func TestJobManager_SupersededJobIsStaleNotExpired(t *testing.T) {
	jm := NewJobManager(4)
	first, _ := jm.CreateJob(testTemplate(1))
	jm.CreateJob(testTemplate(2))

	got, stale, expired, ok := jm.Get(first.ID)
	if !ok {
		t.Fatal("superseded job should still be reachable")
	}
	if !stale {
		t.Error("superseded job should be stale")
	}
	if expired {
		t.Error("freshly superseded job should not yet be expired")
	}
	if got == nil {
		t.Fatal("nil job")
	}
}

func TestJobManager_UnknownJobNotFound(t *testing.T) {
	jm := NewJobManager(4)
	jm.CreateJob(testTemplate(1))

	_, _, _, ok := jm.Get("does-not-exist")
	if ok {
		t.Error("unknown job id should report ok=false")
	}
}

func TestJobManager_TrimEvictsOldestNonCurrent(t *testing.T) {
	jm := NewJobManager(2)
	first, _ := jm.CreateJob(testTemplate(1))
	jm.CreateJob(testTemplate(2))
	third, _ := jm.CreateJob(testTemplate(3))

	if _, _, _, ok := jm.Get(first.ID); ok {
		t.Error("oldest job should have been trimmed once maxJobs was exceeded")
	}
	if _, _, _, ok := jm.Get(third.ID); !ok {
		t.Error("current job must never be trimmed")
	}
}

package processor_test

import (
	"context"
	"encoding/hex"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/quietledger/gabriel/internal/aggregates"
	"github.com/quietledger/gabriel/internal/bitcoin"
	"github.com/quietledger/gabriel/internal/model"
	"github.com/quietledger/gabriel/internal/processor"
	"github.com/quietledger/gabriel/internal/subscriber"
	"github.com/quietledger/gabriel/internal/utxoindex"
)

// fakeSource is a stand-in BlockSource that serves ancestors from a fixed
// in-memory map, for driving the Reorg Controller in tests without a real
// RPC connection.
type fakeSource struct {
	byHash   map[string]model.RawBlock
	byHeight map[uint32]model.RawBlock
}

func (f *fakeSource) Next(ctx context.Context) (bitcoin.BlockEvent, error) {
	<-ctx.Done()
	return bitcoin.BlockEvent{}, ctx.Err()
}

func (f *fakeSource) BlockByHash(_ context.Context, hash string) (model.RawBlock, error) {
	b, ok := f.byHash[hash]
	if !ok {
		return model.RawBlock{}, assertableNotFound(hash)
	}
	return b, nil
}

func (f *fakeSource) BlockByHeight(_ context.Context, height uint32) (model.RawBlock, error) {
	b, ok := f.byHeight[height]
	if !ok {
		return model.RawBlock{}, assertableNotFound("height")
	}
	return b, nil
}

type notFoundErr struct{ what string }

func (e notFoundErr) Error() string { return "not found: " + e.what }

func assertableNotFound(what string) error { return notFoundErr{what} }

const testSchema = `
CREATE TABLE IF NOT EXISTS p2pk_utxo_block_aggregates (
	block_height INTEGER NOT NULL,
	block_hash TEXT NOT NULL,
	date TEXT NOT NULL,
	address_type TEXT NOT NULL,
	total_utxos INTEGER NOT NULL,
	total_sats INTEGER NOT NULL,
	PRIMARY KEY (block_height, address_type)
);`

func p2pkScriptHex(seed byte) string {
	pubkey := make([]byte, 33)
	pubkey[0] = 0x02
	for i := 1; i < 33; i++ {
		pubkey[i] = seed
	}
	script := append([]byte{byte(len(pubkey))}, pubkey...)
	script = append(script, 0xac)
	return hex.EncodeToString(script)
}

func p2pkhScriptHex() string {
	hash := make([]byte, 20)
	script := []byte{0x76, 0xa9, byte(len(hash))}
	script = append(script, hash...)
	script = append(script, 0x88, 0xac)
	return hex.EncodeToString(script)
}

func txid(label string) string {
	full := label
	for len(full) < 64 {
		full += "0"
	}
	return full
}

type fixture struct {
	proc  *processor.Processor
	index *utxoindex.Store
	store *aggregates.Store
	bus   *subscriber.Bus
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWithSource(t, nil, 100)
}

func newFixtureWithSource(t *testing.T, source processor.BlockSource, safetyBound uint32) *fixture {
	t.Helper()

	index, err := utxoindex.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = index.Close() })

	store, err := aggregates.Open("file::memory:?cache=shared")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.Exec(context.Background(), testSchema))

	bus := subscriber.New(16)
	logger := zap.NewNop()

	proc := processor.New(index, store, source, bus, logger, nil, processor.Config{SafetyBound: safetyBound, ClassifyConcurrency: 2})

	return &fixture{proc: proc, index: index, store: store, bus: bus}
}

// Scenario A: Genesis.
func TestScenarioA_Genesis(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	block := model.RawBlock{
		Height:    0,
		Hash:      "000000000019d6689c085ae165831e934ff763ae46a2a6c172b3f1b60a8ce26f",
		PrevHash:  "",
		Timestamp: time.Unix(1231006505, 0).UTC(),
		Txs: []model.RawTx{
			{
				TxID:       txid("coinbase"),
				IsCoinbase: true,
				Outputs: []model.RawOutput{
					{Index: 0, ValueSats: 5_000_000_000, ScriptHex: p2pkScriptHex(0x01)},
				},
			},
		},
	}

	require.NoError(t, f.proc.ApplyBlock(ctx, block))

	rows, err := f.store.ByHeight(ctx, 0)
	require.NoError(t, err)
	var p2pkRow *model.AggregateRow
	for i := range rows {
		if rows[i].ScriptKind == model.P2PK {
			p2pkRow = &rows[i]
		}
	}
	require.NotNil(t, p2pkRow)
	assert.Equal(t, uint64(1), p2pkRow.TotalUTXOs)
	assert.Equal(t, uint64(5_000_000_000), p2pkRow.TotalSats)
}

// Scenario B: pure P2PKH block leaves counters unchanged but still emits a
// row.
func TestScenarioB_PureP2PKHBlockIsDense(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	genesis := model.RawBlock{
		Height: 0, Hash: "h0", Timestamp: time.Unix(0, 0).UTC(),
		Txs: []model.RawTx{{TxID: txid("g"), IsCoinbase: true, Outputs: []model.RawOutput{
			{Index: 0, ValueSats: 100, ScriptHex: p2pkScriptHex(0x02)},
		}}},
	}
	require.NoError(t, f.proc.ApplyBlock(ctx, genesis))

	next := model.RawBlock{
		Height: 1, Hash: "h1", PrevHash: "h0", Timestamp: time.Unix(1, 0).UTC(),
		Txs: []model.RawTx{{TxID: txid("n"), IsCoinbase: true, Outputs: []model.RawOutput{
			{Index: 0, ValueSats: 50, ScriptHex: p2pkhScriptHex()},
		}}},
	}
	require.NoError(t, f.proc.ApplyBlock(ctx, next))

	rows, err := f.store.ByHeight(ctx, 1)
	require.NoError(t, err)
	require.NotEmpty(t, rows)
	for _, row := range rows {
		if row.ScriptKind == model.P2PK {
			assert.Equal(t, uint64(1), row.TotalUTXOs)
			assert.Equal(t, uint64(100), row.TotalSats)
		}
	}
}

// Scenario C: spend of an early P2PK decreases counters.
func TestScenarioC_SpendDecreasesCounters(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	genesis := model.RawBlock{
		Height: 0, Hash: "h0", Timestamp: time.Unix(0, 0).UTC(),
		Txs: []model.RawTx{{TxID: txid("T"), IsCoinbase: true, Outputs: []model.RawOutput{
			{Index: 0, ValueSats: 5_000_000_000, ScriptHex: p2pkScriptHex(0x03)},
		}}},
	}
	require.NoError(t, f.proc.ApplyBlock(ctx, genesis))

	spend := model.RawBlock{
		Height: 1, Hash: "h1", PrevHash: "h0", Timestamp: time.Unix(1, 0).UTC(),
		Txs: []model.RawTx{
			{TxID: txid("coinbase1"), IsCoinbase: true},
			{
				TxID:    txid("spend"),
				Inputs:  []model.RawInput{{PrevOutpoint: model.Outpoint{TxID: txid("T"), Vout: 0}}},
				Outputs: []model.RawOutput{{Index: 0, ValueSats: 5_000_000_000, ScriptHex: p2pkhScriptHex()}},
			},
		},
	}
	require.NoError(t, f.proc.ApplyBlock(ctx, spend))

	rows, err := f.store.ByHeight(ctx, 1)
	require.NoError(t, err)
	for _, row := range rows {
		if row.ScriptKind == model.P2PK {
			assert.Equal(t, uint64(0), row.TotalUTXOs)
			assert.Equal(t, uint64(0), row.TotalSats)
		}
	}
}

// Scenario D: create-and-spend within one block nets to zero.
func TestScenarioD_CreateAndSpendWithinBlock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	genesis := model.RawBlock{Height: 0, Hash: "h0", Timestamp: time.Unix(0, 0).UTC(),
		Txs: []model.RawTx{{TxID: txid("g"), IsCoinbase: true}}}
	require.NoError(t, f.proc.ApplyBlock(ctx, genesis))

	block := model.RawBlock{
		Height: 1, Hash: "h1", PrevHash: "h0", Timestamp: time.Unix(1, 0).UTC(),
		Txs: []model.RawTx{
			{TxID: txid("coinbase1"), IsCoinbase: true},
			{
				TxID:    txid("A"),
				Outputs: []model.RawOutput{{Index: 0, ValueSats: 777, ScriptHex: p2pkScriptHex(0x04)}},
			},
			{
				TxID:   txid("B"),
				Inputs: []model.RawInput{{PrevOutpoint: model.Outpoint{TxID: txid("A"), Vout: 0}}},
			},
		},
	}
	require.NoError(t, f.proc.ApplyBlock(ctx, block))

	counters := f.index.Counters()
	assert.Equal(t, uint64(0), counters[model.P2PK].Count)
}

// Scenario E: 1-block reorg. Tip is at (100, H_a); a new (100, H_b)
// extending (99, H_prev) arrives. Rows for height 100/H_a are replaced by
// rows for height 100/H_b, and the H_a delta is reversed.
func TestScenarioE_OneBlockReorg(t *testing.T) {
	source := &fakeSource{byHash: map[string]model.RawBlock{}, byHeight: map[uint32]model.RawBlock{}}
	f := newFixtureWithSource(t, source, 100)
	ctx := context.Background()

	// Build a short chain up to height 99, then a branch-A block 100 and
	// a branch-B block 100, both extending the same height-99 parent.
	var prevHash string
	for h := uint32(0); h <= 99; h++ {
		hash := "common-" + string(rune('a'+h%20))
		block := model.RawBlock{
			Height: h, Hash: hash, PrevHash: prevHash, Timestamp: time.Unix(int64(h), 0).UTC(),
			Txs: []model.RawTx{{TxID: txid("cb" + string(rune('a'+h%20))), IsCoinbase: true}},
		}
		require.NoError(t, f.proc.ApplyBlock(ctx, block))
		prevHash = hash
	}
	heightNinetyNineHash := prevHash

	blockA := model.RawBlock{
		Height: 100, Hash: "Ha", PrevHash: heightNinetyNineHash, Timestamp: time.Unix(100, 0).UTC(),
		Txs: []model.RawTx{{TxID: txid("txA"), IsCoinbase: true, Outputs: []model.RawOutput{
			{Index: 0, ValueSats: 111, ScriptHex: p2pkScriptHex(0x05)},
		}}},
	}
	require.NoError(t, f.proc.ApplyBlock(ctx, blockA))

	blockB := model.RawBlock{
		Height: 100, Hash: "Hb", PrevHash: heightNinetyNineHash, Timestamp: time.Unix(101, 0).UTC(),
		Txs: []model.RawTx{{TxID: txid("txB"), IsCoinbase: true, Outputs: []model.RawOutput{
			{Index: 0, ValueSats: 222, ScriptHex: p2pkScriptHex(0x06)},
		}}},
	}
	// The Reorg Controller resolves ancestors of the incoming block by
	// walking PrevHash via BlockByHash; blockB's own PrevHash already
	// matches the retained height-99 block, so the walk stops there
	// without any BlockByHash lookup. Registering blockB is harmless.
	source.byHash["Hb"] = blockB

	require.NoError(t, f.proc.ApplyBlock(ctx, blockB))

	rows, err := f.store.ByHeight(ctx, 100)
	require.NoError(t, err)
	for _, row := range rows {
		assert.Equal(t, "Hb", row.BlockHash)
		if row.ScriptKind == model.P2PK {
			assert.Equal(t, uint64(222), row.TotalSats)
		}
	}

	tip, ok, err := f.index.ChainTip()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Hb", tip.Hash)
}

// Scenario F: deep-reorg guard. A chain extending from height 50 arrives
// while tip is at 200 and the safety bound is 100; the process must refuse
// the rewind with ErrDeepReorg.
func TestScenarioF_DeepReorgGuardRefusesRewind(t *testing.T) {
	source := &fakeSource{byHash: map[string]model.RawBlock{}, byHeight: map[uint32]model.RawBlock{}}
	f := newFixtureWithSource(t, source, 100)
	ctx := context.Background()

	var prevHash string
	for h := uint32(0); h <= 200; h++ {
		hash := "c" + string(rune('a'+h%20))
		block := model.RawBlock{
			Height: h, Hash: hash, PrevHash: prevHash, Timestamp: time.Unix(int64(h), 0).UTC(),
			Txs: []model.RawTx{{TxID: txid("g" + string(rune('a'+h%20))), IsCoinbase: true}},
		}
		require.NoError(t, f.proc.ApplyBlock(ctx, block))
		prevHash = hash
	}

	// An incoming block at height 51 that claims to extend height 50 on a
	// different branch: its PrevHash does not match anything in our short
	// ancestor map, so BlockByHash lookups during the walk will fail once
	// they go deeper than the retained window, and the depth check fires
	// first since 200-50 > safety bound of 100.
	forked := model.RawBlock{Height: 51, Hash: "fork51", PrevHash: "fork50", Timestamp: time.Unix(300, 0).UTC()}

	err := f.proc.ApplyBlock(ctx, forked)
	require.Error(t, err)
	assert.ErrorIs(t, err, processor.ErrDeepReorg)

	// persisted state is unchanged: tip is still height 200
	tip, ok, err := f.index.ChainTip()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint32(200), tip.Height)
}

// Scenario G: depth-3 reorg. The real chain runs to height 10 with P2PK
// outputs of 999 sats at heights 8, 9, and 10. A new chain arrives whose
// tip (height 9) diverges two blocks below the stored tip's height: its
// own parent (height 8) is a different block than the retained chain's,
// and that parent's parent (height 7) is where the two chains actually
// share history. A naive height-only comparison (incoming.Height-1 <
// tip.Height) would report height 8 as the fork point after checking
// only a single ancestor, skip ever re-applying the real new chain's
// height-8 block, and leave height 8's original 999-sat delta sitting
// unreversed. This asserts the walk instead finds the true, deeper fork
// height 7, fully reverses heights 8 through 10, and forward-replays the
// new chain's own height-8 block before the caller re-applies height 9.
func TestScenarioG_DepthThreeReorgFindsTrueForkAndReplaysSkippedBlock(t *testing.T) {
	source := &fakeSource{byHash: map[string]model.RawBlock{}, byHeight: map[uint32]model.RawBlock{}}
	f := newFixtureWithSource(t, source, 100)
	ctx := context.Background()

	var prevHash string
	for h := uint32(0); h <= 7; h++ {
		hash := "r" + string(rune('a'+h))
		block := model.RawBlock{
			Height: h, Hash: hash, PrevHash: prevHash, Timestamp: time.Unix(int64(h), 0).UTC(),
			Txs: []model.RawTx{{TxID: txid("base" + string(rune('a'+h))), IsCoinbase: true}},
		}
		require.NoError(t, f.proc.ApplyBlock(ctx, block))
		prevHash = hash
	}
	heightSevenHash := prevHash
	source.byHeight[7] = model.RawBlock{Height: 7, Hash: heightSevenHash, PrevHash: "r" + string(rune('a'+6))}

	for h := uint32(8); h <= 10; h++ {
		hash := "r" + string(rune('a'+h))
		block := model.RawBlock{
			Height: h, Hash: hash, PrevHash: prevHash, Timestamp: time.Unix(int64(h), 0).UTC(),
			Txs: []model.RawTx{{TxID: txid("real" + string(rune('a'+h))), IsCoinbase: true, Outputs: []model.RawOutput{
				{Index: 0, ValueSats: 999, ScriptHex: p2pkScriptHex(byte(h))},
			}}},
		}
		require.NoError(t, f.proc.ApplyBlock(ctx, block))
		prevHash = hash
	}

	counters := f.index.Counters()
	require.Equal(t, uint64(3), counters[model.P2PK].Count)
	require.Equal(t, uint64(2997), counters[model.P2PK].SumSats)

	forkBlock8 := model.RawBlock{
		Height: 8, Hash: "fork8", PrevHash: heightSevenHash, Timestamp: time.Unix(800, 0).UTC(),
		Txs: []model.RawTx{{TxID: txid("fork8tx"), IsCoinbase: true, Outputs: []model.RawOutput{
			{Index: 0, ValueSats: 500, ScriptHex: p2pkScriptHex(0x50)},
		}}},
	}
	source.byHash["fork8"] = forkBlock8
	// The fake source's view of height 8 now reflects the new chain, same
	// as a real node's RPC interface would once the reorg has occurred on
	// the node side.
	source.byHeight[8] = forkBlock8

	incoming := model.RawBlock{
		Height: 9, Hash: "fork9", PrevHash: "fork8", Timestamp: time.Unix(900, 0).UTC(),
		Txs: []model.RawTx{{TxID: txid("fork9tx"), IsCoinbase: true, Outputs: []model.RawOutput{
			{Index: 0, ValueSats: 700, ScriptHex: p2pkScriptHex(0x51)},
		}}},
	}

	require.NoError(t, f.proc.ApplyBlock(ctx, incoming))

	tip, ok, err := f.index.ChainTip()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint32(9), tip.Height)
	assert.Equal(t, "fork9", tip.Hash)

	counters = f.index.Counters()
	assert.Equal(t, uint64(2), counters[model.P2PK].Count, "only fork8's and fork9's outputs should remain tracked")
	assert.Equal(t, uint64(1200), counters[model.P2PK].SumSats, "real chain's height 8-10 deltas must be fully reversed")

	rowsAt8, err := f.store.ByHeight(ctx, 8)
	require.NoError(t, err)
	for _, row := range rowsAt8 {
		assert.Equal(t, "fork8", row.BlockHash)
	}

	rowsAt9, err := f.store.ByHeight(ctx, 9)
	require.NoError(t, err)
	for _, row := range rowsAt9 {
		assert.Equal(t, "fork9", row.BlockHash)
	}
}

func TestApplyBlock_RejectsNonExtendingBlockWithoutSource(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	genesis := model.RawBlock{Height: 0, Hash: "h0", Timestamp: time.Unix(0, 0).UTC(),
		Txs: []model.RawTx{{TxID: txid("g"), IsCoinbase: true}}}
	require.NoError(t, f.proc.ApplyBlock(ctx, genesis))

	// height 2 does not extend height 0; with a nil source the reorg
	// controller cannot resolve ancestors and must fail rather than
	// silently accepting the block.
	bogus := model.RawBlock{Height: 2, Hash: "h2", PrevHash: "h1", Timestamp: time.Unix(2, 0).UTC()}
	err := f.proc.ApplyBlock(ctx, bogus)
	require.Error(t, err)
}

package aggregates_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quietledger/gabriel/internal/aggregates"
	"github.com/quietledger/gabriel/internal/model"
)

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

func newStore(t *testing.T) *aggregates.Store {
	t.Helper()
	s, err := aggregates.Open("file::memory:?cache=shared")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Exec(context.Background(), testSchema))
	return s
}

func row(height uint32, hash string, kind model.ScriptKind, utxos, sats uint64) model.AggregateRow {
	return model.AggregateRow{
		BlockHeight: height,
		BlockHash:   hash,
		Date:        time.Unix(1231006505, 0).UTC(),
		ScriptKind:  kind,
		TotalUTXOs:  utxos,
		TotalSats:   sats,
	}
}

func TestAppendAndByHeight(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.AppendRows(ctx, []model.AggregateRow{
		row(0, "genesis", model.P2PK, 1, 5_000_000_000),
		row(0, "genesis", model.P2TR, 0, 0),
	}))

	rows, err := s.ByHeight(ctx, 0)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, uint64(1), rows[0].TotalUTXOs)
}

func TestByHash(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.AppendRows(ctx, []model.AggregateRow{row(5, "deadbeef", model.P2PK, 3, 9)}))

	rows, err := s.ByHash(ctx, "deadbeef")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, uint32(5), rows[0].BlockHeight)
}

func TestLatest_OrdersByHeightDescending(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	for h := uint32(0); h < 5; h++ {
		require.NoError(t, s.AppendRows(ctx, []model.AggregateRow{row(h, "h", model.P2PK, uint64(h), uint64(h))}))
	}

	rows, err := s.Latest(ctx, model.P2PK, 2)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, uint32(4), rows[0].BlockHeight)
	assert.Equal(t, uint32(3), rows[1].BlockHeight)
}

func TestDeleteAbove(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.AppendRows(ctx, []model.AggregateRow{
		row(10, "a", model.P2PK, 1, 1),
		row(11, "b", model.P2PK, 1, 1),
	}))

	require.NoError(t, s.DeleteAbove(ctx, 10))

	rows, err := s.ByHeight(ctx, 11)
	require.NoError(t, err)
	assert.Empty(t, rows)

	rows, err = s.ByHeight(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestMaxHeight_EmptyTable(t *testing.T) {
	s := newStore(t)
	_, ok, err := s.MaxHeight(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMaxHeight_ReturnsHighest(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.AppendRows(ctx, []model.AggregateRow{
		row(1, "a", model.P2PK, 1, 1),
		row(7, "b", model.P2PK, 1, 1),
	}))

	h, ok, err := s.MaxHeight(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint32(7), h)
}

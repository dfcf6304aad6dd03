package httpapi_test

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/quietledger/gabriel/internal/aggregates"
	"github.com/quietledger/gabriel/internal/httpapi"
	"github.com/quietledger/gabriel/internal/model"
	"github.com/quietledger/gabriel/internal/subscriber"
	"github.com/quietledger/gabriel/internal/utxoindex"
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

func newTestServer(t *testing.T) (*httptest.Server, *subscriber.Bus) {
	t.Helper()

	store, err := aggregates.Open("file::memory:?cache=shared")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.Exec(context.Background(), testSchema))

	require.NoError(t, store.AppendRows(context.Background(), []model.AggregateRow{
		{BlockHeight: 10, BlockHash: "h10", Date: time.Unix(10, 0).UTC(), ScriptKind: model.P2PK, TotalUTXOs: 3, TotalSats: 900},
		{BlockHeight: 10, BlockHash: "h10", Date: time.Unix(10, 0).UTC(), ScriptKind: model.P2TR, TotalUTXOs: 1, TotalSats: 100},
	}))

	index, err := utxoindex.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = index.Close() })
	require.NoError(t, index.PutChainTip(model.ChainTip{Height: 10, Hash: "h10"}))

	bus := subscriber.New(16)
	return httptest.NewServer(httpapi.Router(store, index, bus, zap.NewNop())), bus
}

func TestLatest_DefaultsToP2PK(t *testing.T) {
	ts, _ := newTestServer(t)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/blocks/latest")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var rows []model.AggregateRow
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rows))
	require.Len(t, rows, 1)
	require.Equal(t, model.P2PK, rows[0].ScriptKind)
	require.Equal(t, uint64(900), rows[0].TotalSats)
}

func TestLatest_RejectsBadAddressType(t *testing.T) {
	ts, _ := newTestServer(t)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/blocks/latest?address_type=bogus")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestByHeight_ReturnsAllKinds(t *testing.T) {
	ts, _ := newTestServer(t)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/block/height/10")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var rows []model.AggregateRow
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rows))
	require.Len(t, rows, 2)
}

func TestByHash_ReturnsRows(t *testing.T) {
	ts, _ := newTestServer(t)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/block/hash/h10")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var rows []model.AggregateRow
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rows))
	require.Len(t, rows, 2)
}

func TestByHash_UnknownHashReturnsNotFound(t *testing.T) {
	ts, _ := newTestServer(t)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/block/hash/does-not-exist")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestByHeight_UnknownHeightReturnsNotFound(t *testing.T) {
	ts, _ := newTestServer(t)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/block/height/999999")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHealthz_ReportsChainTip(t *testing.T) {
	ts, _ := newTestServer(t)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Status   string `json:"status"`
		ChainTip struct {
			Height uint32 `json:"height"`
		} `json:"chain_tip"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, "ok", body.Status)
}

func TestStream_DeliversPublishedRow(t *testing.T) {
	ts, bus := newTestServer(t)
	defer ts.Close()

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/api/blocks/stream", nil)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req = req.WithContext(ctx)

	client := &http.Client{}
	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	// give the handler a moment to subscribe before publishing
	time.Sleep(50 * time.Millisecond)
	bus.Publish(model.AggregateRow{BlockHeight: 11, ScriptKind: model.P2PK, TotalSats: 42})

	reader := bufio.NewReader(resp.Body)
	var line string
	for i := 0; i < 5; i++ {
		l, err := reader.ReadString('\n')
		require.NoError(t, err)
		if strings.HasPrefix(l, "data:") {
			line = l
			break
		}
	}
	require.Contains(t, line, `"total_sats":42`)
}

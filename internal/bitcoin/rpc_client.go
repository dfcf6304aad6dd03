// Package bitcoin implements the Block Source Adapter: an RPC-backed
// connection to a Bitcoin Core-compatible full node, used as the black-box
// block source the ingest pipeline consumes.
package bitcoin

import (
	"time"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"
)

// RPCMetrics records the outcome and duration of individual RPC calls.
type RPCMetrics interface {
	Observe(operation string, err error, started time.Time)
}

// NoopRPCMetrics discards every observation; useful in tests that don't
// care about metrics wiring.
type NoopRPCMetrics struct{}

// Observe implements RPCMetrics.
func (NoopRPCMetrics) Observe(string, error, time.Time) {}

// RPCClient wraps btcd's rpcclient.Client with metrics instrumentation,
// exposing only the handful of calls the Block Source Adapter needs.
type RPCClient struct {
	client  *rpcclient.Client
	metrics RPCMetrics
}

// NewRPCClient constructs an instrumented RPC client.
func NewRPCClient(client *rpcclient.Client, metrics RPCMetrics) *RPCClient {
	if metrics == nil {
		metrics = NoopRPCMetrics{}
	}
	return &RPCClient{client: client, metrics: metrics}
}

// GetBlockCount returns the node's current best height.
func (r *RPCClient) GetBlockCount() (count int64, err error) {
	started := time.Now()
	defer func() { r.metrics.Observe("get_block_count", err, started) }()
	return r.client.GetBlockCount()
}

// GetBlockHash returns the block hash at a given height on the node's
// currently-best chain.
func (r *RPCClient) GetBlockHash(height int64) (hash *chainhash.Hash, err error) {
	started := time.Now()
	defer func() { r.metrics.Observe("get_block_hash", err, started) }()
	return r.client.GetBlockHash(height)
}

// GetBlockVerboseTx fetches a block with full transaction detail by hash.
func (r *RPCClient) GetBlockVerboseTx(hash *chainhash.Hash) (res *btcjson.GetBlockVerboseTxResult, err error) {
	started := time.Now()
	defer func() { r.metrics.Observe("get_block_verbose_tx", err, started) }()
	return r.client.GetBlockVerboseTx(hash)
}

// Shutdown tears down the underlying connection.
func (r *RPCClient) Shutdown() {
	r.client.Shutdown()
	r.client.WaitForShutdown()
}

// DialConfig holds the parameters needed to reach the node over RPC.
type DialConfig struct {
	Host     string
	User     string
	Pass     string
	HTTPOnly bool
}

// Dial opens a connection to the node described by cfg. It never blocks
// waiting for the node to become reachable; errors surface through the
// first RPC call, matching rpcclient's HTTP POST (non-websocket) mode.
func Dial(cfg DialConfig, metrics RPCMetrics) (*RPCClient, error) {
	conn := &rpcclient.ConnConfig{
		Host:         cfg.Host,
		User:         cfg.User,
		Pass:         cfg.Pass,
		HTTPPostMode: cfg.HTTPOnly,
		DisableTLS:   cfg.HTTPOnly,
	}
	client, err := rpcclient.New(conn, nil)
	if err != nil {
		return nil, err
	}
	return NewRPCClient(client, metrics), nil
}

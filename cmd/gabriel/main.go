// Command gabriel runs the ingestion pipeline and its HTTP/SSE façade:
// poll a Bitcoin node over RPC, track P2PK/P2TR UTXO exposure, and serve
// the resulting aggregates.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"syscall"

	"github.com/jessevdk/go-flags"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/quietledger/gabriel/internal/aggregates"
	"github.com/quietledger/gabriel/internal/bitcoin"
	"github.com/quietledger/gabriel/internal/httpapi"
	"github.com/quietledger/gabriel/internal/metrics"
	"github.com/quietledger/gabriel/internal/model"
	"github.com/quietledger/gabriel/internal/processor"
	"github.com/quietledger/gabriel/internal/subscriber"
	"github.com/quietledger/gabriel/internal/utxoindex"
)

type config struct {
	SQLiteAbsolutePath  string `long:"sqlite-path" env:"SQLITE_ABSOLUTE_PATH" default:"./db/gabriel_p2pk.db" description:"path to the aggregates SQLite database"`
	KVPath              string `long:"kv-path" env:"GABRIEL_KV_PATH" default:"./db/gabriel_utxo_index" description:"embedded key-value store directory"`
	RunIngest           bool   `long:"run-nakamoto-analysis" env:"RUN_NAKAMOTO_ANALYSIS" default:"true" description:"start the ingest task; when false only the HTTP read API runs"`
	PeerCount           int    `long:"nakamoto-peer-count" env:"NAKAMOTO_PEER_COUNT" default:"4" description:"accepted for naming parity with the original P2P design; not used by the RPC block source"`
	RPCURL              string `long:"rpc-url" env:"GABRIEL_RPC_URL" default:"http://127.0.0.1:8332" description:"Bitcoin RPC endpoint"`
	RPCUser             string `long:"rpc-user" env:"GABRIEL_RPC_USER" description:"Bitcoin RPC username"`
	RPCPass             string `long:"rpc-pass" env:"GABRIEL_RPC_PASS" description:"Bitcoin RPC password"`
	Network             string `long:"network" env:"GABRIEL_NETWORK" default:"mainnet" description:"Bitcoin network name"`
	ReorgSafetyBound    uint32 `long:"reorg-safety-bound" env:"REORG_SAFETY_BOUND" default:"100" description:"max reorg depth before refusing the rewind"`
	SubscriberBufferLen int    `long:"subscriber-buffer-size" env:"SUBSCRIBER_BUFFER_SIZE" default:"256" description:"per-SSE-subscriber channel buffer size"`
	HTTPAddr            string `long:"http-addr" env:"GABRIEL_HTTP_ADDR" default:":3000" description:"HTTP listen address"`
	LogLevel            string `long:"log-level" env:"LOG_LEVEL" default:"info" description:"debug|info|warn|error"`
}

func main() {
	cfg := config{}
	if _, err := flags.Parse(&cfg); err != nil {
		var ferr *flags.Error
		if errors.As(err, &ferr) && ferr.Type == flags.ErrHelp {
			return
		}
		os.Exit(1)
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		panic("can't initialize zap logger: " + err.Error())
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("gabriel exited with error", zap.Error(err))
	}
}

func newLogger(level string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		zapLevel = zapcore.InfoLevel
	}
	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(zapLevel)
	return zcfg.Build()
}

func run(ctx context.Context, cfg config, logger *zap.Logger) error {
	index, err := utxoindex.Open(cfg.KVPath)
	if err != nil {
		return err
	}
	defer func() { _ = index.Close() }()

	pruner := utxoindex.NewPruner(ctx, index, logger, utxoindex.PrunerConfig{})
	index.SetPruner(pruner)
	defer pruner.Stop()

	store, err := aggregates.Open(cfg.SQLiteAbsolutePath)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	if err := reconcileOnBoot(ctx, index, store, logger); err != nil {
		return err
	}

	bus := subscriber.New(cfg.SubscriberBufferLen, subscriber.WithDropHook(metrics.ObserveSubscriberDrop))
	defer bus.Close()

	httpServer := httpapi.New(httpapi.Config{Addr: cfg.HTTPAddr}, store, index, bus, logger)

	group, groupCtx := newRunGroup(ctx)
	group.spawn(func() error { return httpServer.Run(groupCtx) })

	if cfg.RunIngest {
		rpcHost, err := parseRPCHost(cfg.RPCURL)
		if err != nil {
			return err
		}
		rpcClient, err := bitcoin.Dial(bitcoin.DialConfig{
			Host: rpcHost, User: cfg.RPCUser, Pass: cfg.RPCPass, HTTPOnly: true,
		}, metrics.NewRPCClient())
		if err != nil {
			return err
		}
		defer rpcClient.Shutdown()

		tip, _, err := index.ChainTip()
		if err != nil {
			return err
		}

		source := bitcoin.NewSource(rpcClient, logger, bitcoin.Config{
			Enabled: true, StartHeight: tip.Height,
		})

		proc := processor.New(index, store, source, bus, logger, metrics.NewProcessor(), processor.Config{
			SafetyBound: cfg.ReorgSafetyBound,
		})

		group.spawn(func() error {
			logger.Info("starting ingest")
			err := proc.Run(groupCtx)
			logger.Info("ingest stopped", zap.Error(err))
			return err
		})
	} else {
		logger.Info("ingest disabled by configuration, serving read API only")
	}

	return group.wait()
}

// reconcileOnBoot asserts the Aggregates Store's highest committed height
// agrees with ChainTip. A block's delta, reversal set, and ChainTip are
// committed as one atomic key-value batch (utxoindex.Store.CommitBlock),
// so the KV side itself can never be torn; the Aggregates Store's SQL
// append is a second, separate write that follows it. That leaves exactly
// one recoverable crash window — a process killed after the KV batch
// landed but before AppendRows ran — which always leaves the Aggregates
// Store missing precisely the row(s) for the already-advanced ChainTip,
// never ahead of it. The missing rows are rebuilt from the UTXO Index's
// own counters rather than re-fetched from the source. An Aggregates
// Store that is instead ahead of ChainTip cannot arise from that crash
// window and is treated as corruption.
func reconcileOnBoot(ctx context.Context, index *utxoindex.Store, store *aggregates.Store, logger *zap.Logger) error {
	tip, hasTip, err := index.ChainTip()
	if err != nil {
		return err
	}
	if !hasTip {
		return nil
	}

	maxHeight, hasRows, err := store.MaxHeight(ctx)
	if err != nil {
		return err
	}
	if hasRows && maxHeight == tip.Height {
		return nil
	}

	if hasRows && maxHeight > tip.Height {
		logger.Error("aggregates store ahead of chain tip on boot, truncating",
			zap.Uint32("store_max_height", maxHeight), zap.Uint32("chain_tip_height", tip.Height))
		return store.DeleteAbove(ctx, tip.Height)
	}

	logger.Warn("torn commit detected on boot, replaying missing aggregate rows for chain tip",
		zap.Uint32("store_max_height", maxHeight), zap.Uint32("chain_tip_height", tip.Height))
	return replayTipAggregateRows(ctx, index, store, tip)
}

// replayTipAggregateRows rebuilds the AggregateRow for every tracked
// script kind at tip from the UTXO Index's current counters, then appends
// them; AppendRows is an upsert by (block_height, address_type), so this
// is safe to run even if some of tip's rows did in fact make it to disk
// before the crash.
func replayTipAggregateRows(ctx context.Context, index *utxoindex.Store, store *aggregates.Store, tip model.ChainTip) error {
	counters := index.Counters()
	rows := make([]model.AggregateRow, 0, len(model.TrackedKinds()))
	for _, kind := range model.TrackedKinds() {
		c := counters[kind]
		rows = append(rows, model.AggregateRow{
			BlockHeight: tip.Height,
			BlockHash:   tip.Hash,
			Date:        tip.Timestamp,
			ScriptKind:  kind,
			TotalUTXOs:  c.Count,
			TotalSats:   c.SumSats,
		})
	}
	return store.AppendRows(ctx, rows)
}

func parseRPCHost(rawURL string) (string, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse rpc url: %w", err)
	}
	if parsed.Host == "" {
		return "", fmt.Errorf("rpc url %q missing host", rawURL)
	}
	return parsed.Host, nil
}

// runGroup runs a small fixed set of long-lived goroutines and returns the
// first error any of them produces, canceling the shared context so the
// others wind down too.
type runGroup struct {
	cancel context.CancelFunc
	errs   chan error
	n      int
}

func newRunGroup(parent context.Context) (*runGroup, context.Context) {
	ctx, cancel := context.WithCancel(parent)
	return &runGroup{cancel: cancel, errs: make(chan error, 2)}, ctx
}

func (g *runGroup) spawn(fn func() error) {
	g.n++
	go func() {
		err := fn()
		g.errs <- err
		g.cancel()
	}()
}

func (g *runGroup) wait() error {
	var first error
	for i := 0; i < g.n; i++ {
		if err := <-g.errs; err != nil && !errors.Is(err, context.Canceled) && first == nil {
			first = err
		}
	}
	return first
}

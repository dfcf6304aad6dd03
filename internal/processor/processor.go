// Package processor implements the Block Processor: it turns one Connected
// block event into a forward apply (or a reorg followed by a forward
// apply), computing the UTXO delta, committing it atomically alongside the
// new AggregateRows and ChainTip, and handing committed rows to the
// Subscriber Bus.
package processor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/quietledger/gabriel/internal/aggregates"
	"github.com/quietledger/gabriel/internal/bitcoin"
	"github.com/quietledger/gabriel/internal/classify"
	"github.com/quietledger/gabriel/internal/model"
	"github.com/quietledger/gabriel/internal/subscriber"
	"github.com/quietledger/gabriel/internal/utxoindex"
	"github.com/quietledger/gabriel/pkg/workerpool"
)

// Metrics records processor-level observations: block processing latency,
// reorg depth, and counts.
type Metrics interface {
	ObserveBlockApplied(height uint32, d time.Duration, err error)
	ObserveReorg(depth uint32)
}

// NoopMetrics discards every observation.
type NoopMetrics struct{}

func (NoopMetrics) ObserveBlockApplied(uint32, time.Duration, error) {}
func (NoopMetrics) ObserveReorg(uint32)                              {}

// ErrDeepReorg is returned when an incoming fork's depth exceeds the
// configured safety bound; the caller must treat this as fatal.
var ErrDeepReorg = errors.New("reorg_too_deep")

// BlockSource is what the Processor needs from the Block Source Adapter:
// the event stream plus the by-hash/by-height lookups the Reorg Controller
// uses to walk an incoming fork's ancestry. *bitcoin.Source satisfies this.
type BlockSource interface {
	Next(ctx context.Context) (bitcoin.BlockEvent, error)
	BlockByHash(ctx context.Context, hash string) (model.RawBlock, error)
	BlockByHeight(ctx context.Context, height uint32) (model.RawBlock, error)
}

// Processor is the Block Processor.
type Processor struct {
	index  *utxoindex.Store
	store  *aggregates.Store
	source BlockSource
	bus    *subscriber.Bus
	logger *zap.Logger
	metric Metrics

	safetyBound uint32
	classifyPar int // worker count for parallel output classification
}

// Config configures a Processor.
type Config struct {
	SafetyBound         uint32 // max allowed reorg depth, default 100
	ClassifyConcurrency int    // workers for per-block output classification, default 4
}

// New constructs a Processor around its stores, source, and bus.
func New(index *utxoindex.Store, store *aggregates.Store, source BlockSource, bus *subscriber.Bus, logger *zap.Logger, metrics Metrics, cfg Config) *Processor {
	if cfg.SafetyBound == 0 {
		cfg.SafetyBound = 100
	}
	if cfg.ClassifyConcurrency <= 0 {
		cfg.ClassifyConcurrency = 4
	}
	if metrics == nil {
		metrics = NoopMetrics{}
	}
	return &Processor{
		index:       index,
		store:       store,
		source:      source,
		bus:         bus,
		logger:      logger,
		metric:      metrics,
		safetyBound: cfg.SafetyBound,
		classifyPar: cfg.ClassifyConcurrency,
	}
}

// Run drives the ingest loop: Next() -> ApplyBlock() until ctx is
// canceled or a fatal error occurs. The caller (main) treats a non-nil,
// non-context error as cause for a nonzero exit.
func (p *Processor) Run(ctx context.Context) error {
	for {
		event, err := p.source.Next(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return fmt.Errorf("block source: %w", err)
		}

		switch event.Kind {
		case bitcoin.Connected:
			if err := p.ApplyBlock(ctx, event.Block); err != nil {
				return err
			}
		case bitcoin.Disconnected:
			p.logger.Warn("block source reported disconnection", zap.String("hash", event.Hash))
		}
	}
}

// ApplyBlock runs the forward-apply algorithm for one block, invoking the
// Reorg Controller first if the block does not extend the current tip.
func (p *Processor) ApplyBlock(ctx context.Context, block model.RawBlock) error {
	started := time.Now()
	err := p.applyBlock(ctx, block)
	p.metric.ObserveBlockApplied(block.Height, time.Since(started), err)
	return err
}

func (p *Processor) applyBlock(ctx context.Context, block model.RawBlock) error {
	tip, hasTip, err := p.index.ChainTip()
	if err != nil {
		return fmt.Errorf("load chain tip: %w", err)
	}

	if hasTip && !extendsTip(tip, block) {
		if err := p.handleReorg(ctx, tip, block); err != nil {
			return err
		}
		// after a successful rewind, ChainTip is now the fork point and
		// this same block extends it.
		tip, hasTip, err = p.index.ChainTip()
		if err != nil {
			return fmt.Errorf("reload chain tip after reorg: %w", err)
		}
		if hasTip && !extendsTip(tip, block) {
			return fmt.Errorf("block %s at height %d still does not extend tip after reorg", block.Hash, block.Height)
		}
	}

	return p.forwardApply(ctx, block)
}

// forwardApply commits a single block that is already known to extend the
// current tip: it computes the UTXO delta, persists the delta/reversal
// set/new ChainTip as one atomic unit, appends the resulting AggregateRows,
// and publishes them to the Subscriber Bus. Used both for the normal
// forward-apply path and, by the Reorg Controller, to replay every
// intermediate block of a fork that the Block Source Adapter itself never
// delivered an event for.
func (p *Processor) forwardApply(ctx context.Context, block model.RawBlock) error {
	inserts, deletions, err := p.computeDelta(ctx, block)
	if err != nil {
		return fmt.Errorf("compute delta for block %d: %w", block.Height, err)
	}

	reversalDeleted, err := p.reversalPreimages(deletions)
	if err != nil {
		return fmt.Errorf("resolve reversal pre-images for block %d: %w", block.Height, err)
	}

	reversalInserted := make([]model.Outpoint, 0, len(inserts))
	for _, u := range inserts {
		reversalInserted = append(reversalInserted, u.Outpoint)
	}
	reversal := utxoindex.ReversalSet{
		Height:   block.Height,
		Hash:     block.Hash,
		PrevHash: block.PrevHash,
		Inserted: reversalInserted,
		Deleted:  reversalDeleted,
	}
	newTip := model.ChainTip{Height: block.Height, Hash: block.Hash, PrevHash: block.PrevHash, Timestamp: block.Timestamp}

	counters, err := p.index.CommitBlock(inserts, deletions, reversal, p.safetyBound, newTip)
	if err != nil {
		return fmt.Errorf("commit block %d: %w", block.Height, err)
	}

	rows := make([]model.AggregateRow, 0, len(model.TrackedKinds()))
	for _, kind := range model.TrackedKinds() {
		c := counters[kind]
		rows = append(rows, model.AggregateRow{
			BlockHeight: block.Height,
			BlockHash:   block.Hash,
			Date:        block.Timestamp,
			ScriptKind:  kind,
			TotalUTXOs:  c.Count,
			TotalSats:   c.SumSats,
		})
	}

	if err := p.store.AppendRows(ctx, rows); err != nil {
		return fmt.Errorf("append aggregate rows for block %d: %w", block.Height, err)
	}

	p.logger.Info("block applied",
		zap.Uint32("height", block.Height),
		zap.String("hash", block.Hash),
		zap.Int("inserts", len(inserts)),
		zap.Int("deletions", len(deletions)))

	for _, row := range rows {
		p.bus.Publish(row)
	}

	return nil
}

// extendsTip reports whether block is the direct successor of tip.
func extendsTip(tip model.ChainTip, block model.RawBlock) bool {
	return block.PrevHash == tip.Hash && block.Height == tip.Height+1
}

// computeDelta folds a block's transactions into inserts/deletions in the
// deterministic order required by the spec: for each transaction in block
// order, inputs before outputs, across transactions strictly in block
// order. Output classification runs in parallel within a transaction
// (CPU-bound, no shared mutable state) but results are re-serialized
// before being appended to the delta.
func (p *Processor) computeDelta(ctx context.Context, block model.RawBlock) ([]model.TrackedUtxo, []model.Outpoint, error) {
	var inserts []model.TrackedUtxo
	var deletions []model.Outpoint
	created := make(map[model.Outpoint]bool) // tracked outputs made earlier in this block

	for _, tx := range block.Txs {
		for _, in := range tx.Inputs {
			if created[in.PrevOutpoint] { // spent within the same block: cancels its insert
				delete(created, in.PrevOutpoint)
				continue
			}
			if _, ok, err := p.index.Get(in.PrevOutpoint); err != nil {
				return nil, nil, fmt.Errorf("tx %s: lookup input %s: %w", tx.TxID, in.PrevOutpoint, err)
			} else if ok {
				deletions = append(deletions, in.PrevOutpoint)
			}
		}

		txInserts, err := p.classifyOutputs(ctx, tx)
		if err != nil {
			return nil, nil, err
		}
		for _, u := range txInserts {
			created[u.Outpoint] = true
		}
		inserts = append(inserts, txInserts...)
	}

	kept := inserts[:0]
	for _, u := range inserts {
		if created[u.Outpoint] {
			kept = append(kept, u)
		}
	}
	return kept, deletions, nil
}

func (p *Processor) classifyOutputs(ctx context.Context, tx model.RawTx) ([]model.TrackedUtxo, error) {
	if len(tx.Outputs) == 0 {
		return nil, nil
	}

	results := make([]*model.TrackedUtxo, len(tx.Outputs))
	workers := p.classifyPar
	if workers > len(tx.Outputs) {
		workers = len(tx.Outputs)
	}
	if workers < 1 {
		workers = 1
	}

	err := workerpool.Process(ctx, workers, tx.Outputs, func(_ context.Context, out model.RawOutput) error {
		result := classify.ScriptHex(out.ScriptHex)
		if result.Kind == model.Other {
			return nil
		}
		results[out.Index] = &model.TrackedUtxo{
			Outpoint:   model.Outpoint{TxID: tx.TxID, Vout: out.Index},
			ValueSats:  out.ValueSats,
			ScriptKind: result.Kind,
			Tag:        result.Tag,
		}
		return nil
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("classify outputs for tx %s: %w", tx.TxID, err)
	}

	inserts := make([]model.TrackedUtxo, 0, len(results))
	for _, r := range results {
		if r != nil {
			inserts = append(inserts, *r)
		}
	}
	return inserts, nil
}

// reversalPreimages resolves the TrackedUtxo state of each outpoint about
// to be deleted, before the delta is applied, so the reversal set can
// reconstruct them exactly on rewind.
func (p *Processor) reversalPreimages(deletions []model.Outpoint) ([]model.TrackedUtxo, error) {
	preimages := make([]model.TrackedUtxo, 0, len(deletions))
	for _, outpoint := range deletions {
		utxo, ok, err := p.index.Get(outpoint)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("reversal pre-image missing for outpoint %s", outpoint)
		}
		preimages = append(preimages, utxo)
	}
	return preimages, nil
}

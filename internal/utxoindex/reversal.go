package utxoindex

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/luxfi/database"
	"go.uber.org/zap"

	"github.com/quietledger/gabriel/internal/model"
	"github.com/quietledger/gabriel/pkg/batcher"
)

// ReversalSet is the pre-image needed to undo one block's delta: the
// outpoints it inserted (undo = delete them) and the TrackedUtxos it
// deleted, with their original value/kind/tag (undo = reinsert them). The
// source only ever persists forward deltas, so this ring-buffered record
// is what makes shallow rewinds (§ Reorg Controller) cheap.
type ReversalSet struct {
	Height   uint32
	Hash     string // the block's own hash, so the Reorg Controller can verify ancestry without re-fetching
	PrevHash string
	Inserted []model.Outpoint
	Deleted  []model.TrackedUtxo
}

var reversalPrefix = []byte("reversal:")

func reversalKey(height uint32) []byte {
	key := make([]byte, len(reversalPrefix)+4)
	copy(key, reversalPrefix)
	binary.BigEndian.PutUint32(key[len(reversalPrefix):], height)
	return key
}

// PutReversalSet persists the reversal set for a height and prunes the
// retained set exactly keep blocks behind it (one height per call), so
// that on a contiguous chain disk usage stays within the reorg safety
// window. When a Pruner is attached (SetPruner), the
// stale height is queued for batched, rate-limited deletion instead of
// being deleted inline on this call.
func (s *Store) PutReversalSet(set ReversalSet, keep uint32) error {
	data, err := json.Marshal(set)
	if err != nil {
		return fmt.Errorf("encode reversal set for height %d: %w", set.Height, err)
	}
	if err := s.db.Put(reversalKey(set.Height), data); err != nil {
		return fmt.Errorf("persist reversal set for height %d: %w", set.Height, err)
	}
	if set.Height <= keep {
		return nil
	}
	prune := set.Height - keep
	if s.pruner != nil {
		s.pruner.enqueue(prune)
		return nil
	}
	if has, err := s.db.Has(reversalKey(prune)); err == nil && has {
		_ = s.db.Delete(reversalKey(prune))
	}
	return nil
}

// stageReversalSet stages a reversal set's Put, and the prune Delete for
// the height it pushes out of the retention window, onto batch without
// writing it — so both land in the same atomic commit as the delta and
// ChainTip they belong to. When a Pruner is attached, the prune Delete is
// intentionally left out of the batch (pruning through it is already
// best-effort and rate-limited); instead the height to enqueue is
// returned so the caller can hand it to the Pruner once the batch is
// known to be durable.
func (s *Store) stageReversalSet(batch database.Batch, set ReversalSet, keep uint32) (deferredPrune *uint32, err error) {
	data, err := json.Marshal(set)
	if err != nil {
		return nil, fmt.Errorf("encode reversal set for height %d: %w", set.Height, err)
	}
	if err := batch.Put(reversalKey(set.Height), data); err != nil {
		return nil, err
	}
	if set.Height <= keep {
		return nil, nil
	}
	prune := set.Height - keep
	if s.pruner != nil {
		return &prune, nil
	}
	if has, err := s.db.Has(reversalKey(prune)); err == nil && has {
		if err := batch.Delete(reversalKey(prune)); err != nil {
			return nil, err
		}
	}
	return nil, nil
}

// deleteReversalSets removes a batch of reversal sets by height, ignoring
// heights that are already absent. Called by the Pruner's flush callback.
func (s *Store) deleteReversalSets(heights []uint32) error {
	for _, h := range heights {
		has, err := s.db.Has(reversalKey(h))
		if err != nil {
			return fmt.Errorf("check reversal set at height %d: %w", h, err)
		}
		if !has {
			continue
		}
		if err := s.db.Delete(reversalKey(h)); err != nil {
			return fmt.Errorf("delete reversal set at height %d: %w", h, err)
		}
	}
	return nil
}

// Pruner batches reversal-set deletions off the commit path, rate-limited
// so a node catching up from far behind tip does not contend with
// ApplyDelta/PutReversalSet for the key-value store's write throughput.
// Grounded on the teacher's buffered batch processor, repurposed here from
// bulk ClickHouse row inserts to key-value housekeeping deletes.
type Pruner struct {
	b *batcher.Batcher[uint32]
}

// PrunerConfig configures a Pruner's batching and pacing.
type PrunerConfig struct {
	FlushSize     int           // heights per flush, default 64
	FlushInterval time.Duration // max time a height waits before a flush, default 5s
	RatePerSecond int           // max flushes per second, default 10
}

// NewPruner starts a background pruner bound to store. Stop must be called
// to drain the queue and release its goroutine.
func NewPruner(ctx context.Context, store *Store, logger *zap.Logger, cfg PrunerConfig) *Pruner {
	if cfg.FlushSize <= 0 {
		cfg.FlushSize = 64
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Second
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = 10
	}

	b := batcher.New(logger, func(ctx context.Context, heights []uint32) error {
		return store.deleteReversalSets(heights)
	}, cfg.FlushSize, cfg.FlushInterval, cfg.RatePerSecond)
	b.Start(ctx)
	return &Pruner{b: b}
}

// Stop flushes any queued heights and stops the background goroutine.
func (p *Pruner) Stop() {
	p.b.Stop()
}

func (p *Pruner) enqueue(height uint32) {
	// best-effort: Add fails only once the pruner is stopped, and a failed
	// enqueue leaves that one reversal set on disk, since later commits
	// prune only their own height-keep. This affects retained disk usage
	// only.
	_ = p.b.Add(context.Background(), height)
}

// ReversalSetAt returns the retained reversal set for height, if any is
// still within the retention window.
func (s *Store) ReversalSetAt(height uint32) (ReversalSet, bool, error) {
	key := reversalKey(height)
	has, err := s.db.Has(key)
	if err != nil {
		return ReversalSet{}, false, err
	}
	if !has {
		return ReversalSet{}, false, nil
	}
	raw, err := s.db.Get(key)
	if err != nil {
		return ReversalSet{}, false, err
	}
	var set ReversalSet
	if err := json.Unmarshal(raw, &set); err != nil {
		return ReversalSet{}, false, fmt.Errorf("decode reversal set for height %d: %w", height, err)
	}
	return set, true, nil
}

// DeleteReversalSet removes the retained reversal set for height, called
// once a rewind has consumed it.
func (s *Store) DeleteReversalSet(height uint32) error {
	return s.db.Delete(reversalKey(height))
}

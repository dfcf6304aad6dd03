// Package utxoindex is the UTXO Index: a persistent, embedded key-value
// mapping of outpoint to TrackedUtxo, restricted to tracked script kinds,
// with an in-memory per-kind counter kept in lockstep with every commit.
package utxoindex

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/luxfi/database"
	"github.com/luxfi/database/badgerdb"

	"github.com/quietledger/gabriel/internal/model"
)

var (
	outpointPrefix = []byte("utxo:")
	tipKey         = []byte("meta:chaintip")
)

// Store is the UTXO Index: the authoritative on-disk outpoint -> TrackedUtxo
// mapping, plus the in-memory counters reconstructed from it on boot.
type Store struct {
	db database.Database

	mu       sync.RWMutex
	counters map[model.ScriptKind]model.KindCounter

	pruner *Pruner // optional; nil means prune inline on the commit path
}

// SetPruner routes reversal-set pruning through a batched, rate-limited
// background pruner instead of deleting inline on every PutReversalSet
// call. Meant for a node that is catching up from far behind tip, where
// per-block inline deletes would otherwise compete with the commit path
// for the key-value store's write throughput.
func (s *Store) SetPruner(p *Pruner) {
	s.pruner = p
}

// Open opens (or creates) the embedded key-value store at path and
// reconstructs the in-memory counters by scanning every tracked entry.
func Open(path string) (*Store, error) {
	db, err := badgerdb.New(path, nil, "gabriel-utxoindex", nil)
	if err != nil {
		return nil, fmt.Errorf("open utxo index at %s: %w", path, err)
	}
	s := &Store{db: db, counters: make(map[model.ScriptKind]model.KindCounter)}
	if err := s.rebuildCounters(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("rebuild utxo index counters: %w", err)
	}
	return s, nil
}

// OpenMemory opens an in-memory store, for tests.
func OpenMemory() (*Store, error) {
	return &Store{db: newMemDB(), counters: make(map[model.ScriptKind]model.KindCounter)}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) rebuildCounters() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	counters := make(map[model.ScriptKind]model.KindCounter)
	iter := s.db.NewIteratorWithPrefix(outpointPrefix)
	defer iter.Release()

	for iter.Next() {
		var record storedUtxo
		if err := json.Unmarshal(iter.Value(), &record); err != nil {
			return fmt.Errorf("decode utxo record: %w", err)
		}
		c := counters[record.ScriptKind]
		c.Count++
		c.SumSats += record.ValueSats
		counters[record.ScriptKind] = c
	}
	if err := iter.Error(); err != nil {
		return err
	}
	s.counters = counters
	return nil
}

// storedUtxo is the on-disk JSON shape of a TrackedUtxo, keyed by its
// outpoint so the key itself need not be re-parsed on every scan.
type storedUtxo struct {
	ValueSats  uint64          `json:"value_sats"`
	ScriptKind model.ScriptKind `json:"script_kind"`
	Tag        []byte          `json:"tag"`
}

func outpointDBKey(o model.Outpoint) ([]byte, error) {
	key, err := o.Key()
	if err != nil {
		return nil, err
	}
	return append(append([]byte(nil), outpointPrefix...), key...), nil
}

// Get returns the TrackedUtxo for an outpoint, if tracked.
func (s *Store) Get(outpoint model.Outpoint) (model.TrackedUtxo, bool, error) {
	key, err := outpointDBKey(outpoint)
	if err != nil {
		return model.TrackedUtxo{}, false, err
	}
	has, err := s.db.Has(key)
	if err != nil {
		return model.TrackedUtxo{}, false, err
	}
	if !has {
		return model.TrackedUtxo{}, false, nil
	}
	raw, err := s.db.Get(key)
	if err != nil {
		return model.TrackedUtxo{}, false, err
	}
	var record storedUtxo
	if err := json.Unmarshal(raw, &record); err != nil {
		return model.TrackedUtxo{}, false, fmt.Errorf("decode utxo %s: %w", outpoint, err)
	}
	return model.TrackedUtxo{
		Outpoint:   outpoint,
		ValueSats:  record.ValueSats,
		ScriptKind: record.ScriptKind,
		Tag:        record.Tag,
	}, true, nil
}

// ApplyDelta atomically inserts new TrackedUtxos and removes spent ones,
// then updates the in-memory counters to match. Both the batch write and
// the counter update happen under the store's lock so readers never
// observe counters out of sync with the last durable commit. Used by the
// Reorg Controller to reverse a retained delta; forward application of a
// newly connected block goes through CommitBlock instead, which folds the
// same delta write into the block's single atomic commit.
func (s *Store) ApplyDelta(inserts []model.TrackedUtxo, deletions []model.Outpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	batch := s.db.NewBatch()
	removed, err := s.stageDelta(batch, inserts, deletions)
	if err != nil {
		return err
	}
	if err := batch.Write(); err != nil {
		return fmt.Errorf("commit utxo index delta: %w", err)
	}
	s.applyCounters(removed, inserts)
	return nil
}

// stageDelta stages a delta's deletions and inserts onto batch without
// writing it, returning the pre-deletion records so the caller can update
// in-memory counters once the batch is known to be durable. Must be
// called with s.mu held.
func (s *Store) stageDelta(batch database.Batch, inserts []model.TrackedUtxo, deletions []model.Outpoint) ([]storedUtxo, error) {
	removed := make([]storedUtxo, 0, len(deletions))
	for _, outpoint := range deletions {
		key, err := outpointDBKey(outpoint)
		if err != nil {
			return nil, err
		}
		raw, err := s.db.Get(key)
		if err != nil {
			return nil, fmt.Errorf("delete %s: lookup before removal: %w", outpoint, err)
		}
		var record storedUtxo
		if err := json.Unmarshal(raw, &record); err != nil {
			return nil, fmt.Errorf("delete %s: decode: %w", outpoint, err)
		}
		if err := batch.Delete(key); err != nil {
			return nil, err
		}
		removed = append(removed, record)
	}

	for _, utxo := range inserts {
		key, err := outpointDBKey(utxo.Outpoint)
		if err != nil {
			return nil, err
		}
		data, err := json.Marshal(storedUtxo{ValueSats: utxo.ValueSats, ScriptKind: utxo.ScriptKind, Tag: utxo.Tag})
		if err != nil {
			return nil, err
		}
		if err := batch.Put(key, data); err != nil {
			return nil, err
		}
	}
	return removed, nil
}

// applyCounters updates the in-memory counters to reflect a delta already
// durably committed. Must be called with s.mu held.
func (s *Store) applyCounters(removed []storedUtxo, inserts []model.TrackedUtxo) {
	for _, record := range removed {
		c := s.counters[record.ScriptKind]
		c.Count--
		c.SumSats -= record.ValueSats
		s.counters[record.ScriptKind] = c
	}
	for _, utxo := range inserts {
		c := s.counters[utxo.ScriptKind]
		c.Count++
		c.SumSats += utxo.ValueSats
		s.counters[utxo.ScriptKind] = c
	}
}

// CommitBlock persists a newly connected block's UTXO delta, its reversal
// set (so the Reorg Controller can later undo it), and the advanced
// ChainTip as one atomic key-value batch — the three can never be torn
// apart by a crash, unlike persisting them as separate writes. keep is the
// reorg safety window: the reversal set exactly keep blocks behind
// reversal.Height is pruned. With no Pruner attached its Delete is staged
// in this same batch; otherwise the height is handed to the Pruner once
// the batch is durable, as a best-effort follow-up, since losing a prune
// to a crash only affects retained disk usage, never correctness. Returns the post-commit counter snapshot so the caller
// can build this block's AggregateRows without a second lock round-trip.
func (s *Store) CommitBlock(inserts []model.TrackedUtxo, deletions []model.Outpoint, reversal ReversalSet, keep uint32, tip model.ChainTip) (map[model.ScriptKind]model.KindCounter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	batch := s.db.NewBatch()

	removed, err := s.stageDelta(batch, inserts, deletions)
	if err != nil {
		return nil, err
	}

	deferredPrune, err := s.stageReversalSet(batch, reversal, keep)
	if err != nil {
		return nil, err
	}

	tipData, err := json.Marshal(tip)
	if err != nil {
		return nil, fmt.Errorf("encode chain tip for height %d: %w", tip.Height, err)
	}
	if err := batch.Put(tipKey, tipData); err != nil {
		return nil, err
	}

	if err := batch.Write(); err != nil {
		return nil, fmt.Errorf("commit block %d: %w", reversal.Height, err)
	}

	s.applyCounters(removed, inserts)

	if deferredPrune != nil {
		s.pruner.enqueue(*deferredPrune)
	}

	out := make(map[model.ScriptKind]model.KindCounter, len(s.counters))
	for k, v := range s.counters {
		out[k] = v
	}
	return out, nil
}

// Counters returns a snapshot of the current per-kind running totals.
func (s *Store) Counters() map[model.ScriptKind]model.KindCounter {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[model.ScriptKind]model.KindCounter, len(s.counters))
	for k, v := range s.counters {
		out[k] = v
	}
	return out
}

// PutChainTip persists the ChainTip record.
func (s *Store) PutChainTip(tip model.ChainTip) error {
	data, err := json.Marshal(tip)
	if err != nil {
		return err
	}
	return s.db.Put(tipKey, data)
}

// ChainTip loads the persisted ChainTip, if any has been committed yet.
func (s *Store) ChainTip() (model.ChainTip, bool, error) {
	has, err := s.db.Has(tipKey)
	if err != nil {
		return model.ChainTip{}, false, err
	}
	if !has {
		return model.ChainTip{}, false, nil
	}
	raw, err := s.db.Get(tipKey)
	if err != nil {
		return model.ChainTip{}, false, err
	}
	var tip model.ChainTip
	if err := json.Unmarshal(raw, &tip); err != nil {
		return model.ChainTip{}, false, err
	}
	return tip, true, nil
}

package processor

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/quietledger/gabriel/internal/model"
)

// handleReorg implements the Reorg Controller: it walks the incoming
// block's ancestry backward to find the fork height, reverses every block
// applied above it using the retained reversal sets, truncates the
// Aggregates Store, sets ChainTip to the fork point, and forward-replays
// every block of the new chain between the fork point and the incoming
// block — the Block Source Adapter only ever delivers an event for the
// new tip, so any replacement blocks strictly between the fork point and
// incoming are never seen otherwise and must be fetched and applied here.
// The caller re-enters forward apply with the original incoming block
// once this returns successfully.
func (p *Processor) handleReorg(ctx context.Context, tip model.ChainTip, incoming model.RawBlock) error {
	forkHeight, err := p.findForkHeight(ctx, tip, incoming)
	if err != nil {
		return fmt.Errorf("find fork height: %w", err)
	}

	depth := tip.Height - forkHeight
	if depth > p.safetyBound {
		p.metric.ObserveReorg(depth)
		p.logger.Error("reorg too deep, refusing rewind",
			zap.Uint32("depth", depth), zap.Uint32("safety_bound", p.safetyBound))
		return fmt.Errorf("%w depth=%d", ErrDeepReorg, depth)
	}

	p.logger.Warn("chain reorganization detected",
		zap.Uint32("tip_height", tip.Height), zap.Uint32("fork_height", forkHeight), zap.Uint32("depth", depth))

	for h := tip.Height; h > forkHeight; h-- {
		if err := p.reverseBlock(h); err != nil {
			return fmt.Errorf("reverse block at height %d: %w", h, err)
		}
	}

	if err := p.store.DeleteAbove(ctx, forkHeight); err != nil {
		return fmt.Errorf("truncate aggregates above height %d: %w", forkHeight, err)
	}

	forkTip, err := p.forkChainTip(ctx, tip, incoming, forkHeight)
	if err != nil {
		return err
	}
	if err := p.index.PutChainTip(forkTip); err != nil {
		return fmt.Errorf("persist fork-point chain tip: %w", err)
	}

	for h := forkHeight + 1; h < incoming.Height; h++ {
		replacement, err := p.source.BlockByHeight(ctx, h)
		if err != nil {
			return fmt.Errorf("resolve replacement block at height %d: %w", h, err)
		}
		if err := p.forwardApply(ctx, replacement); err != nil {
			return fmt.Errorf("replay replacement block at height %d: %w", h, err)
		}
	}

	p.metric.ObserveReorg(depth)
	return nil
}

// findForkHeight walks backward from incoming.PrevHash, verifying ancestry
// against the stored chain at every candidate height, until it finds a
// height whose hash actually matches what the Store holds there. A cursor
// height above tip.Height has no stored state yet and is simply descended
// through; at or below tip.Height, the candidate hash is checked against
// the ChainTip itself (height == tip.Height) or the retained reversal
// set's recorded block hash (any shallower height still within the
// safety window) — a short-circuit on height alone, without this check,
// would report a fork one or more blocks too shallow for any reorg deeper
// than a single block.
func (p *Processor) findForkHeight(ctx context.Context, tip model.ChainTip, incoming model.RawBlock) (uint32, error) {
	if incoming.Height == 0 {
		return 0, nil
	}

	cursorHash := incoming.PrevHash
	cursorHeight := incoming.Height - 1

	for {
		if cursorHeight <= tip.Height {
			if tip.Height-cursorHeight > p.safetyBound {
				return 0, fmt.Errorf("%w depth=%d", ErrDeepReorg, tip.Height-cursorHeight)
			}
			storedHash, ok, err := p.storedHashAt(tip, cursorHeight)
			if err != nil {
				return 0, err
			}
			if !ok {
				return 0, fmt.Errorf("%w: no retained history at height %d", ErrDeepReorg, cursorHeight)
			}
			if cursorHash == storedHash {
				return cursorHeight, nil
			}
		}

		if cursorHeight == 0 {
			return 0, fmt.Errorf("could not resolve fork height for incoming block at height %d", incoming.Height)
		}

		if p.source == nil {
			return 0, fmt.Errorf("no block source to resolve ancestor %s", cursorHash)
		}
		ancestor, err := p.source.BlockByHash(ctx, cursorHash)
		if err != nil {
			return 0, fmt.Errorf("resolve ancestor %s: %w", cursorHash, err)
		}
		cursorHash = ancestor.PrevHash
		cursorHeight--
	}
}

// storedHashAt reports the hash the Store currently holds for height: the
// ChainTip's own hash at height == tip.Height, or the retained reversal
// set's recorded block hash for any shallower height still within the
// reorg safety window. ok is false once history that far back has already
// been pruned.
func (p *Processor) storedHashAt(tip model.ChainTip, height uint32) (hash string, ok bool, err error) {
	if height == tip.Height {
		return tip.Hash, true, nil
	}
	set, ok, err := p.index.ReversalSetAt(height)
	if err != nil {
		return "", false, fmt.Errorf("load reversal set at height %d: %w", height, err)
	}
	if !ok {
		return "", false, nil
	}
	return set.Hash, true, nil
}

// forkChainTip reconstructs the ChainTip record for the fork point. When
// the fork point is the previous tip itself (depth 0, nothing reversed),
// tip is already exactly correct. When it is the block incoming directly
// extends, its hash is already known (it's exactly the value findForkHeight
// matched the cursor against without ever walking past it) — its
// prev-hash and timestamp are left zero rather than spending an extra
// fetch to recover them, same as before this was generalized to deeper
// reorgs. Any shallower fork point is re-fetched from the source by
// height to recover its hash/prev-hash/timestamp.
func (p *Processor) forkChainTip(ctx context.Context, tip model.ChainTip, incoming model.RawBlock, forkHeight uint32) (model.ChainTip, error) {
	if forkHeight == tip.Height {
		return tip, nil
	}
	if forkHeight == incoming.Height-1 {
		return model.ChainTip{Height: forkHeight, Hash: incoming.PrevHash}, nil
	}
	block, err := p.source.BlockByHeight(ctx, forkHeight)
	if err != nil {
		return model.ChainTip{}, fmt.Errorf("resolve fork-point block at height %d: %w", forkHeight, err)
	}
	return model.ChainTip{Height: forkHeight, Hash: block.Hash, PrevHash: block.PrevHash, Timestamp: block.Timestamp}, nil
}

// reverseBlock undoes the delta recorded for height h using its retained
// reversal set: outpoints it inserted are deleted, outpoints it deleted
// are reinserted with their original value/kind/tag.
func (p *Processor) reverseBlock(h uint32) error {
	set, ok, err := p.index.ReversalSetAt(h)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: no retained reversal set for height %d", ErrDeepReorg, h)
	}

	if err := p.index.ApplyDelta(set.Deleted, set.Inserted); err != nil {
		return fmt.Errorf("reverse delta at height %d: %w", h, err)
	}
	if err := p.index.DeleteReversalSet(h); err != nil {
		return fmt.Errorf("delete consumed reversal set at height %d: %w", h, err)
	}
	return nil
}

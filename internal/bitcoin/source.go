package bitcoin

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"go.uber.org/zap"

	"github.com/quietledger/gabriel/internal/clock"
	"github.com/quietledger/gabriel/internal/model"
	"github.com/quietledger/gabriel/pkg/retry"
)

// EventKind tags a BlockEvent as a forward tip advance or a disconnection
// notice from the node.
type EventKind int

const (
	// Connected carries a newly observed block.
	Connected EventKind = iota
	// Disconnected notifies that a previously-seen block left the node's
	// best chain (surfaced as-is; the Reorg Controller decides what to do).
	Disconnected
)

// BlockEvent is what the Block Source Adapter hands to the Block
// Processor. Only one of Block/Hash is meaningful depending on Kind.
type BlockEvent struct {
	Kind  EventKind
	Block model.RawBlock // set when Kind == Connected
	Hash  string         // set when Kind == Disconnected
}

// Source is the Block Source Adapter: an RPC-polling stand-in for the P2P
// light client, producing a monotone stream of Connected events via Next.
// It never emits Disconnected: after a node-side rollback, the next block
// it delivers simply does not extend the processor's tip, and the Reorg
// Controller handles it from there.
type Source struct {
	rpc        *RPCClient
	logger     *zap.Logger
	retrier    retry.Retry
	pollEvery  time.Duration
	lastHeight int64
	enabled    bool
}

// Config configures the Source.
type Config struct {
	// Enabled gates the adapter per RUN_NAKAMOTO_ANALYSIS: when false,
	// Next blocks until ctx is done and never produces an event.
	Enabled bool
	// PollEvery is how often the adapter checks the node for a new tip
	// once it has caught up to the node's current height.
	PollEvery time.Duration
	// StartHeight is the height to resume polling from (ChainTip.Height);
	// the first event produced is for StartHeight+1.
	StartHeight uint32
}

// NewSource constructs a Source around an already-dialed RPC client.
func NewSource(rpc *RPCClient, logger *zap.Logger, cfg Config) *Source {
	pollEvery := cfg.PollEvery
	if pollEvery <= 0 {
		pollEvery = 2 * time.Second
	}
	return &Source{
		rpc:        rpc,
		logger:     logger,
		retrier:    retry.New(retry.WithAttempts(8), retry.WithDelay(500*time.Millisecond), retry.WithMaxDelay(30*time.Second)),
		pollEvery:  pollEvery,
		lastHeight: int64(cfg.StartHeight),
		enabled:    cfg.Enabled,
	}
}

// Next blocks until the next block is available, the adapter is disabled
// (in which case it blocks forever until ctx is canceled), or ctx is
// canceled. A persistent RPC failure (retries exhausted) is returned as a
// fatal error, per the Block Source Adapter's failure semantics.
func (s *Source) Next(ctx context.Context) (BlockEvent, error) {
	if !s.enabled {
		<-ctx.Done()
		return BlockEvent{}, ctx.Err()
	}

	for {
		if err := ctx.Err(); err != nil {
			return BlockEvent{}, err
		}

		var tip int64
		err := s.retrier.Execute(ctx, func() error {
			count, err := s.rpc.GetBlockCount()
			if err != nil {
				return err
			}
			tip = count
			return nil
		})
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return BlockEvent{}, err
			}
			return BlockEvent{}, fmt.Errorf("get block count: %w", err)
		}

		if tip <= s.lastHeight {
			if err := clock.SleepWithContext(ctx, s.pollEvery); err != nil {
				return BlockEvent{}, err
			}
			continue
		}

		next := s.lastHeight + 1
		block, err := s.blockAtHeight(ctx, next)
		if err != nil {
			return BlockEvent{}, err
		}
		s.lastHeight = next
		s.logger.Debug("block source connected", zap.Int64("height", next), zap.String("hash", block.Hash))
		return BlockEvent{Kind: Connected, Block: block}, nil
	}
}

// BlockByHeight fetches and parses a single block by height. Used by the
// Reorg Controller to fetch the fork-point block and the replacement
// blocks it replays.
func (s *Source) BlockByHeight(ctx context.Context, height uint32) (model.RawBlock, error) {
	return s.blockAtHeight(ctx, int64(height))
}

// BlockByHash fetches and parses a single block by hash, used by the Reorg
// Controller to walk backward along an incoming fork.
func (s *Source) BlockByHash(ctx context.Context, hash string) (model.RawBlock, error) {
	var block model.RawBlock
	err := s.retrier.Execute(ctx, func() error {
		parsed, parseErr := parseHash(hash)
		if parseErr != nil {
			return parseErr
		}
		verbose, rpcErr := s.rpc.GetBlockVerboseTx(parsed)
		if rpcErr != nil {
			return fmt.Errorf("get block %s: %w", hash, rpcErr)
		}
		built, buildErr := BuildRawBlock(*verbose)
		if buildErr != nil {
			return buildErr
		}
		block = built
		return nil
	})
	return block, err
}

func (s *Source) blockAtHeight(ctx context.Context, height int64) (model.RawBlock, error) {
	var block model.RawBlock
	err := s.retrier.Execute(ctx, func() error {
		hash, err := s.rpc.GetBlockHash(height)
		if err != nil {
			return fmt.Errorf("get block hash at height %d: %w", height, err)
		}
		verbose, err := s.rpc.GetBlockVerboseTx(hash)
		if err != nil {
			return fmt.Errorf("get block %s: %w", hash, err)
		}
		built, err := BuildRawBlock(*verbose)
		if err != nil {
			return err
		}
		block = built
		return nil
	})
	return block, err
}

func parseHash(hash string) (*chainhash.Hash, error) {
	h, err := chainhash.NewHashFromStr(hash)
	if err != nil {
		return nil, fmt.Errorf("parse block hash %q: %w", hash, err)
	}
	return h, nil
}

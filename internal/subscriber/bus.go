// Package subscriber implements the Subscriber Bus: an in-process fan-out
// of newly committed AggregateRows to any number of subscribers, with
// bounded per-subscriber buffering and a drop-slow-consumer policy so the
// ingest path is never blocked.
package subscriber

import (
	"sync"

	"github.com/google/uuid"

	"github.com/quietledger/gabriel/internal/model"
)

// DefaultBufferSize is the default bound on each subscriber's channel.
const DefaultBufferSize = 256

// Handle is what a caller of Subscribe holds: a channel of committed
// AggregateRows in commit order, and an Errors channel that receives a
// terminal error (buffer overflow) before the row channel is closed.
type Handle struct {
	ID     string
	Rows   <-chan model.AggregateRow
	Errors <-chan error

	bus *Bus
}

// Unsubscribe releases the handle's buffer. Safe to call more than once.
func (h *Handle) Unsubscribe() {
	h.bus.unsubscribe(h.ID)
}

// Bus is the Subscriber Bus.
type Bus struct {
	bufferSize int
	onDrop     func()

	mu   sync.Mutex
	subs map[string]*subscription
}

type subscription struct {
	rows   chan model.AggregateRow
	errs   chan error
	closed bool
}

// Option configures a Bus.
type Option func(*Bus)

// WithDropHook registers a callback invoked once per subscriber dropped for
// falling behind, so the caller can feed it to a metrics collector.
func WithDropHook(fn func()) Option {
	return func(b *Bus) { b.onDrop = fn }
}

// New constructs a Bus with the given per-subscriber buffer size. A
// bufferSize <= 0 uses DefaultBufferSize.
func New(bufferSize int, opts ...Option) *Bus {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	b := &Bus{bufferSize: bufferSize, subs: make(map[string]*subscription)}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers a new subscriber and returns its Handle.
func (b *Bus) Subscribe() *Handle {
	id := uuid.NewString()
	sub := &subscription{
		rows: make(chan model.AggregateRow, b.bufferSize),
		errs: make(chan error, 1),
	}

	b.mu.Lock()
	b.subs[id] = sub
	b.mu.Unlock()

	return &Handle{ID: id, Rows: sub.rows, Errors: sub.errs, bus: b}
}

func (b *Bus) unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub, ok := b.subs[id]
	if !ok {
		return
	}
	delete(b.subs, id)
	if !sub.closed {
		sub.closed = true
		close(sub.rows)
	}
}

// Publish broadcasts a committed AggregateRow to every current subscriber.
// Never blocks: a subscriber whose buffer is full is dropped with a
// terminal error on its Errors channel instead of stalling the ingest
// path. Publish must be called in commit order by the single writer.
func (b *Bus) Publish(row model.AggregateRow) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, sub := range b.subs {
		if sub.closed {
			continue
		}
		select {
		case sub.rows <- row:
		default:
			select {
			case sub.errs <- ErrSlowConsumer:
			default:
			}
			sub.closed = true
			close(sub.rows)
			delete(b.subs, id)
			if b.onDrop != nil {
				b.onDrop()
			}
		}
	}
}

// Close terminates every subscriber's channel, used during shutdown.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, sub := range b.subs {
		if !sub.closed {
			sub.closed = true
			close(sub.rows)
		}
		delete(b.subs, id)
	}
}

// ErrSlowConsumer is sent on a subscriber's Errors channel when its buffer
// overflowed and it was dropped.
var ErrSlowConsumer = errSlowConsumer{}

type errSlowConsumer struct{}

func (errSlowConsumer) Error() string { return "subscriber buffer overflow: dropped" }

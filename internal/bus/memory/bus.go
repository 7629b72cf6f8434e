// Package memory provides an in-process event bus for tests and embedded use.
package memory

import (
	"context"
	"strings"
	"sync"

	"github.com/stratumlabs/stratum/internal/bus"
	"github.com/stratumlabs/stratum/internal/domain/event"
	"github.com/stratumlabs/stratum/internal/platform/errors"
)

var _ bus.EventBus = (*Bus)(nil)

type subscriber struct {
	stream string
	ch     chan event.Envelope
}

// Bus keeps an ordered per-stream log of published envelopes. Publishing the
// same envelope ID to a stream twice appends once and acknowledges both
// times, mirroring the durable adapters. All methods are goroutine-safe.
type Bus struct {
	mu          sync.Mutex
	logs        map[string][]event.Envelope
	seen        map[string]map[string]struct{}
	subscribers []*subscriber
	publishHook func(stream string, env event.Envelope) error
	closed      bool
}

// NewBus creates an empty in-memory bus.
func NewBus() *Bus {
	return &Bus{
		logs: make(map[string][]event.Envelope),
		seen: make(map[string]map[string]struct{}),
	}
}

// SetPublishHook installs a hook invoked before each append. A non-nil error
// from the hook fails the publish without recording the envelope. Tests use
// this to stand in for a broken broker.
func (b *Bus) SetPublishHook(hook func(stream string, env event.Envelope) error) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.publishHook = hook
}

// Publish appends env to the stream's log and fans it out to subscribers.
// A duplicate envelope ID for the stream acknowledges without a second
// append, so redelivery after a crashed ack is invisible downstream.
func (b *Bus) Publish(ctx context.Context, stream string, env event.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if b == nil {
		return errors.New(errors.CodeConfiguration, "bus is not configured")
	}
	stream = strings.TrimSpace(stream)
	if stream == "" {
		return errors.New(errors.CodeConfiguration, "stream name is required")
	}
	if strings.TrimSpace(env.ID) == "" {
		return errors.New(errors.CodeConfiguration, "envelope id is required")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return errors.New(errors.CodeConfiguration, "bus is closed")
	}
	if b.publishHook != nil {
		if err := b.publishHook(stream, env); err != nil {
			return err
		}
	}

	ids, ok := b.seen[stream]
	if !ok {
		ids = make(map[string]struct{})
		b.seen[stream] = ids
	}
	if _, duplicate := ids[env.ID]; duplicate {
		return nil
	}
	ids[env.ID] = struct{}{}
	b.logs[stream] = append(b.logs[stream], env)

	for _, sub := range b.subscribers {
		if sub.stream != stream {
			continue
		}
		select {
		case sub.ch <- env:
		default:
			// Slow subscribers drop live deliveries; ReadFrom replays.
		}
	}
	return nil
}

// Subscribe returns a channel that receives envelopes published to the
// stream from now on, plus a cancel func that detaches the subscriber and
// closes the channel. Deliveries a full buffer cannot hold are dropped.
func (b *Bus) Subscribe(stream string, buffer int) (<-chan event.Envelope, func()) {
	if b == nil {
		ch := make(chan event.Envelope)
		close(ch)
		return ch, func() {}
	}
	if buffer <= 0 {
		buffer = 16
	}
	sub := &subscriber{
		stream: strings.TrimSpace(stream),
		ch:     make(chan event.Envelope, buffer),
	}

	b.mu.Lock()
	b.subscribers = append(b.subscribers, sub)
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			for i, candidate := range b.subscribers {
				if candidate == sub {
					b.subscribers = append(b.subscribers[:i], b.subscribers[i+1:]...)
					break
				}
			}
			b.mu.Unlock()
			close(sub.ch)
		})
	}
	return sub.ch, cancel
}

// ReadFrom replays up to limit envelopes appended to the stream after the
// given ordinal. Ordinals are 1-based append positions; zero reads from the
// beginning.
func (b *Bus) ReadFrom(stream string, afterOrdinal int64, limit int) []event.Envelope {
	if b == nil || limit <= 0 {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	log := b.logs[strings.TrimSpace(stream)]
	if afterOrdinal < 0 {
		afterOrdinal = 0
	}
	if afterOrdinal >= int64(len(log)) {
		return nil
	}
	tail := log[afterOrdinal:]
	if len(tail) > limit {
		tail = tail[:limit]
	}
	out := make([]event.Envelope, len(tail))
	copy(out, tail)
	return out
}

// Close detaches every subscriber and rejects further publishes.
func (b *Bus) Close() error {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := b.subscribers
	b.subscribers = nil
	b.mu.Unlock()

	for _, sub := range subs {
		close(sub.ch)
	}
	return nil
}

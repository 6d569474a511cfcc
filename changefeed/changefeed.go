// Package changefeed carries change events from the persistence layer to
// cache owners. An event is an invalidation message, never a command.
package changefeed

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/xraph/tally/id"
)

// Kind names the entity that changed.
type Kind string

const (
	KindSubscription Kind = "subscription"
	KindReferral     Kind = "referral"
)

// Event signals that a persisted record owned by UserID changed.
type Event struct {
	ID       id.EventID `json:"id"`
	Kind     Kind       `json:"kind"`
	UserID   string     `json:"user_id"`
	EntityID string     `json:"entity_id"`
	At       time.Time  `json:"at"`
}

// NewEvent builds an event stamped now.
func NewEvent(kind Kind, userID, entityID string) Event {
	return Event{
		ID:       id.NewEventID(),
		Kind:     kind,
		UserID:   userID,
		EntityID: entityID,
		At:       time.Now().UTC(),
	}
}

// Feed publishes and delivers change events.
type Feed interface {
	// Publish sends ev to every current subscriber.
	Publish(ctx context.Context, ev Event) error
	// Subscribe returns a channel of events that is closed when ctx is done
	// or the feed is closed.
	Subscribe(ctx context.Context) (<-chan Event, error)
	Close() error
}

// ErrClosed is returned by a closed feed.
var ErrClosed = errors.New("changefeed: closed")

// Compile-time interface check.
var _ Feed = (*Broker)(nil)

// Broker is an in-process Feed. Slow subscribers lose events rather than
// block publishers; a lost invalidation only delays a refresh until the next
// TTL expiry.
type Broker struct {
	mu     sync.Mutex
	subs   map[int]chan Event
	next   int
	buffer int
	closed bool
	done   chan struct{}
	logger *slog.Logger
}

// NewBroker creates an in-process broker with the given per-subscriber buffer.
func NewBroker(buffer int, logger *slog.Logger) *Broker {
	if buffer <= 0 {
		buffer = 64
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{
		subs:   make(map[int]chan Event),
		buffer: buffer,
		done:   make(chan struct{}),
		logger: logger,
	}
}

// Publish implements Feed.
func (b *Broker) Publish(_ context.Context, ev Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.logger.Warn("change event dropped for slow subscriber",
				"kind", ev.Kind,
				"user_id", ev.UserID,
			)
		}
	}
	return nil
}

// Subscribe implements Feed.
func (b *Broker) Subscribe(ctx context.Context) (<-chan Event, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	ch := make(chan Event, b.buffer)
	key := b.next
	b.next++
	b.subs[key] = ch

	go func() {
		select {
		case <-ctx.Done():
		case <-b.done:
			return
		}
		b.mu.Lock()
		defer b.mu.Unlock()
		if c, ok := b.subs[key]; ok {
			delete(b.subs, key)
			close(c)
		}
	}()
	return ch, nil
}

// Close implements Feed. It closes every subscriber channel.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	close(b.done)
	for key, ch := range b.subs {
		delete(b.subs, key)
		close(ch)
	}
	return nil
}

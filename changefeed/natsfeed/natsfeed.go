// Package natsfeed implements changefeed.Feed over NATS core subjects so
// every replica's cache sees invalidations published by any other.
package natsfeed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nats-io/nats.go"

	"github.com/xraph/tally/changefeed"
)

// DefaultSubject is the subject events are published on.
const DefaultSubject = "tally.changes"

// Compile-time interface check.
var _ changefeed.Feed = (*Feed)(nil)

// Feed publishes change events as JSON on a NATS subject.
type Feed struct {
	conn    *nats.Conn
	subject string
	buffer  int
	logger  *slog.Logger
	owned   bool

	mu   sync.Mutex
	subs []*nats.Subscription
}

// Option configures a Feed.
type Option func(*Feed)

// WithSubject overrides DefaultSubject.
func WithSubject(subject string) Option {
	return func(f *Feed) { f.subject = subject }
}

// WithBuffer sets the per-subscriber channel buffer.
func WithBuffer(n int) Option {
	return func(f *Feed) { f.buffer = n }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(f *Feed) { f.logger = l }
}

// Connect dials url and returns a Feed that owns the connection.
func Connect(url string, opts ...Option) (*Feed, error) {
	conn, err := nats.Connect(url, nats.Name("tally-changefeed"))
	if err != nil {
		return nil, fmt.Errorf("natsfeed: connect %s: %w", url, err)
	}
	f := New(conn, opts...)
	f.owned = true
	return f, nil
}

// New wraps an existing connection. Close does not close conn.
func New(conn *nats.Conn, opts ...Option) *Feed {
	f := &Feed{
		conn:    conn,
		subject: DefaultSubject,
		buffer:  64,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Publish implements changefeed.Feed.
func (f *Feed) Publish(_ context.Context, ev changefeed.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("natsfeed: encode event: %w", err)
	}
	if err := f.conn.Publish(f.subject, data); err != nil {
		return fmt.Errorf("natsfeed: publish to %q: %w", f.subject, err)
	}
	return nil
}

// Subscribe implements changefeed.Feed.
func (f *Feed) Subscribe(ctx context.Context) (<-chan changefeed.Event, error) {
	out := make(chan changefeed.Event, f.buffer)
	var mu sync.Mutex
	closed := false

	sub, err := f.conn.Subscribe(f.subject, func(msg *nats.Msg) {
		var ev changefeed.Event
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			f.logger.Warn("natsfeed: undecodable change event", "subject", msg.Subject, "error", err)
			return
		}
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return
		}
		select {
		case out <- ev:
		default:
			f.logger.Warn("natsfeed: change event dropped for slow subscriber", "user_id", ev.UserID)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("natsfeed: subscribe to %q: %w", f.subject, err)
	}

	f.mu.Lock()
	f.subs = append(f.subs, sub)
	f.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = sub.Unsubscribe() //nolint:errcheck // best-effort unsubscribe on shutdown
		mu.Lock()
		closed = true
		close(out)
		mu.Unlock()
	}()
	return out, nil
}

// Close unsubscribes every subscriber and closes an owned connection.
func (f *Feed) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, sub := range f.subs {
		_ = sub.Unsubscribe() //nolint:errcheck // best-effort unsubscribe on shutdown
	}
	f.subs = nil
	if f.owned {
		f.conn.Close()
	}
	return nil
}

// Package refresh keeps a short-lived per-user cache of the subscription
// mirror and decides when a user is worth reconciling with the provider.
//
// Triggers:
//   - Get on a cache miss (reconciles only when the mirror is stale)
//   - ForceRefresh after a mutating action
//   - OnVisibilityChange when a client becomes visible
//   - a coarse periodic sweep over watched users; users not seen for
//     IdleAfter leave the sweep
//   - change events from the persistence layer, which invalidate the entry
//
// Every trigger that would reach the provider first passes a per-user
// Limiter, since the provider call is the expensive resource.
package refresh

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sourcegraph/conc/pool"
	"golang.org/x/sync/singleflight"

	"github.com/xraph/tally"
	"github.com/xraph/tally/changefeed"
	"github.com/xraph/tally/subscription"
)

// Syncer reconciles a user's mirror with the provider. *tally.Engine
// satisfies it.
type Syncer interface {
	SyncSubscription(ctx context.Context, userID string) (*tally.SyncResult, error)
}

// Mirror reads the persisted subscription. store.Store satisfies it.
type Mirror interface {
	GetLatestSubscription(ctx context.Context, userID string) (*subscription.Subscription, error)
}

// Config tunes the scheduler.
type Config struct {
	// TTL bounds how long an entry is served from cache.
	TTL time.Duration `json:"ttl" mapstructure:"ttl" yaml:"ttl"`
	// MinInterval is the per-user debounce between reconciliations.
	MinInterval time.Duration `json:"min_interval" mapstructure:"min_interval" yaml:"min_interval"`
	// Interval is the period of the background sweep. Zero disables it.
	Interval time.Duration `json:"interval" mapstructure:"interval" yaml:"interval"`
	// StaleAfter is the mirror age after which a non-forced refresh
	// reconciles.
	StaleAfter time.Duration `json:"stale_after" mapstructure:"stale_after" yaml:"stale_after"`
	// Concurrency bounds the sweep.
	Concurrency int `json:"concurrency" mapstructure:"concurrency" yaml:"concurrency"`
	// IdleAfter drops a user from the sweep when neither Get nor a
	// visibility signal has been seen for that long.
	IdleAfter time.Duration `json:"idle_after" mapstructure:"idle_after" yaml:"idle_after"`
}

// DefaultConfig returns the default scheduler configuration.
func DefaultConfig() Config {
	return Config{
		TTL:         DefaultTTL,
		MinInterval: DefaultMinInterval,
		Interval:    time.Minute,
		StaleAfter:  5 * time.Minute,
		Concurrency: 8,
		IdleAfter:   30 * time.Minute,
	}
}

// Scheduler is the client cache and refresh scheduler.
type Scheduler struct {
	syncer  Syncer
	mirror  Mirror
	cache   Cache
	limiter *Limiter
	feed    changefeed.Feed
	cfg     Config
	clock   func() time.Time
	logger  *slog.Logger
	group   singleflight.Group

	mu sync.Mutex
	// watched maps a user to when it was last seen.
	watched map[string]time.Time
	// fetching counts loads in progress per user; dirty marks users
	// invalidated while one was running, whose result must not be cached.
	fetching map[string]int
	dirty    map[string]bool
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithCache replaces the default in-memory cache.
func WithCache(c Cache) Option { return func(s *Scheduler) { s.cache = c } }

// WithChangeFeed subscribes Run to invalidation events.
func WithChangeFeed(f changefeed.Feed) Option { return func(s *Scheduler) { s.feed = f } }

// WithClock overrides the time source for staleness and debouncing.
func WithClock(clock func() time.Time) Option { return func(s *Scheduler) { s.clock = clock } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(s *Scheduler) { s.logger = l } }

// WithConfig overrides the defaults. Zero fields keep their default.
func WithConfig(cfg Config) Option {
	return func(s *Scheduler) {
		d := DefaultConfig()
		if cfg.TTL <= 0 {
			cfg.TTL = d.TTL
		}
		if cfg.MinInterval < 0 {
			cfg.MinInterval = 0
		}
		if cfg.StaleAfter <= 0 {
			cfg.StaleAfter = d.StaleAfter
		}
		if cfg.Concurrency <= 0 {
			cfg.Concurrency = d.Concurrency
		}
		if cfg.IdleAfter <= 0 {
			cfg.IdleAfter = d.IdleAfter
		}
		s.cfg = cfg
	}
}

// New creates a scheduler.
func New(syncer Syncer, mirror Mirror, opts ...Option) *Scheduler {
	s := &Scheduler{
		syncer:  syncer,
		mirror:  mirror,
		cfg:     DefaultConfig(),
		clock:   time.Now,
		logger:  slog.Default(),
		watched:  make(map[string]time.Time),
		fetching: make(map[string]int),
		dirty:    make(map[string]bool),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.cache == nil {
		s.cache = NewMemoryCache(s.cfg.TTL)
	}
	s.limiter = NewLimiter(s.cfg.MinInterval, s.clock)
	return s
}

// Get returns the user's entry, loading it on a cache miss. The user is
// added to the sweep.
func (s *Scheduler) Get(ctx context.Context, userID string) (*Entry, error) {
	s.watch(userID)
	e, ok, err := s.cache.Get(ctx, userID)
	if err != nil {
		s.logger.Warn("refresh cache read failed", "user_id", userID, "error", err)
	}
	if ok {
		return e, nil
	}
	return s.load(ctx, userID, false)
}

// Refresh reloads the entry, reconciling only if the mirror is stale.
func (s *Scheduler) Refresh(ctx context.Context, userID string) (*Entry, error) {
	return s.load(ctx, userID, false)
}

// ForceRefresh drops the entry and reconciles regardless of staleness,
// subject to the debounce.
func (s *Scheduler) ForceRefresh(ctx context.Context, userID string) (*Entry, error) {
	s.invalidate(ctx, userID)
	return s.load(ctx, userID, true)
}

// OnVisibilityChange handles a client becoming visible or hidden. Hidden
// users leave the sweep; a visible user is refreshed at once.
func (s *Scheduler) OnVisibilityChange(ctx context.Context, userID string, visible bool) (*Entry, error) {
	if !visible {
		s.unwatch(userID)
		return nil, nil
	}
	s.watch(userID)
	return s.load(ctx, userID, false)
}

// Invalidate drops the user's entry. A load already running for the user
// is not cached.
func (s *Scheduler) Invalidate(ctx context.Context, userID string) error {
	s.markDirty(userID)
	return s.cache.Delete(ctx, userID)
}

// Watched returns the number of users in the sweep.
func (s *Scheduler) Watched() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.watched)
}

// Sweep drops idle users, then refreshes every remaining watched user with
// bounded concurrency.
func (s *Scheduler) Sweep(ctx context.Context) error {
	now := s.clock()
	var idle []string
	s.mu.Lock()
	users := make([]string, 0, len(s.watched))
	for u, seen := range s.watched {
		if now.Sub(seen) > s.cfg.IdleAfter {
			delete(s.watched, u)
			idle = append(idle, u)
			continue
		}
		users = append(users, u)
	}
	s.mu.Unlock()

	for _, u := range idle {
		s.limiter.Forget(u)
	}
	if n := s.limiter.Prune(); n > 0 || len(idle) > 0 {
		s.logger.Debug("refresh sweep pruned", "idle_users", len(idle), "buckets", n)
	}

	p := pool.New().WithMaxGoroutines(s.cfg.Concurrency).WithContext(ctx)
	for _, userID := range users {
		p.Go(func(ctx context.Context) error {
			if _, err := s.Refresh(ctx, userID); err != nil {
				return fmt.Errorf("refresh %s: %w", userID, err)
			}
			return nil
		})
	}
	return p.Wait()
}

// Run drives the periodic sweep and consumes change events until ctx is
// done.
func (s *Scheduler) Run(ctx context.Context) error {
	var events <-chan changefeed.Event
	if s.feed != nil {
		ch, err := s.feed.Subscribe(ctx)
		if err != nil {
			return fmt.Errorf("refresh: subscribe to change feed: %w", err)
		}
		events = ch
	}

	var tick <-chan time.Time
	if s.cfg.Interval > 0 {
		ticker := time.NewTicker(s.cfg.Interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tick:
			if err := s.Sweep(ctx); err != nil {
				s.logger.Warn("refresh sweep incomplete", "error", err)
			}
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			s.invalidate(ctx, ev.UserID)
		}
	}
}

func (s *Scheduler) load(ctx context.Context, userID string, force bool) (*Entry, error) {
	key := userID
	if force {
		key = "force:" + userID
	}
	v, err, _ := s.group.Do(key, func() (any, error) {
		return s.fetch(ctx, userID, force)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Entry), nil
}

func (s *Scheduler) fetch(ctx context.Context, userID string, force bool) (*Entry, error) {
	s.beginFetch(userID)

	now := s.clock()
	sub, err := s.mirror.GetLatestSubscription(ctx, userID)
	if err != nil && !tally.IsNotFound(err) {
		s.endFetch(userID)
		return nil, fmt.Errorf("refresh: read mirror: %w", err)
	}

	entry := &Entry{Subscription: sub, FetchedAt: now}
	if sub == nil {
		entry.Outcome = tally.SyncNoSubscription
	} else if force || sub.StaleAt(now, s.cfg.StaleAfter) {
		if s.limiter.Allow(userID) {
			res, err := s.syncer.SyncSubscription(ctx, userID)
			switch {
			case err != nil:
				s.logger.Warn("refresh reconciliation failed, serving mirror",
					"user_id", userID,
					"error", err,
				)
				entry.Outcome = tally.SyncStale
			default:
				entry.Subscription = res.Subscription
				entry.Outcome = res.Outcome
			}
		} else {
			s.logger.Debug("refresh debounced", "user_id", userID)
		}
	}

	if !s.endFetch(userID) {
		s.logger.Debug("refresh result superseded by invalidation", "user_id", userID)
		return entry, nil
	}
	if err := s.cache.Set(ctx, userID, entry); err != nil {
		s.logger.Warn("refresh cache write failed", "user_id", userID, "error", err)
	}
	return entry, nil
}

func (s *Scheduler) beginFetch(userID string) {
	s.mu.Lock()
	s.fetching[userID]++
	s.mu.Unlock()
}

// endFetch reports whether the finished load may be cached, i.e. no
// invalidation arrived while it ran.
func (s *Scheduler) endFetch(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	ok := !s.dirty[userID]
	if s.fetching[userID]--; s.fetching[userID] <= 0 {
		delete(s.fetching, userID)
		delete(s.dirty, userID)
	}
	return ok
}

func (s *Scheduler) markDirty(userID string) {
	s.mu.Lock()
	if s.fetching[userID] > 0 {
		s.dirty[userID] = true
	}
	s.mu.Unlock()
}

func (s *Scheduler) invalidate(ctx context.Context, userID string) {
	s.markDirty(userID)
	if err := s.cache.Delete(ctx, userID); err != nil {
		s.logger.Warn("refresh cache invalidation failed", "user_id", userID, "error", err)
	}
}

func (s *Scheduler) watch(userID string) {
	s.mu.Lock()
	s.watched[userID] = s.clock()
	s.mu.Unlock()
}

func (s *Scheduler) unwatch(userID string) {
	s.mu.Lock()
	delete(s.watched, userID)
	s.mu.Unlock()
	s.limiter.Forget(userID)
}

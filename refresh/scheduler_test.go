package refresh_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/xraph/tally"
	"github.com/xraph/tally/changefeed"
	"github.com/xraph/tally/id"
	"github.com/xraph/tally/refresh"
	"github.com/xraph/tally/store/memory"
	"github.com/xraph/tally/subscription"
	"github.com/xraph/tally/types"
)

type fakeSyncer struct {
	calls atomic.Int32
	err   error
	// When hold is set each call signals started and waits for hold to
	// close.
	started chan struct{}
	hold    chan struct{}
}

func (f *fakeSyncer) SyncSubscription(_ context.Context, userID string) (*tally.SyncResult, error) {
	f.calls.Add(1)
	if f.hold != nil {
		f.started <- struct{}{}
		<-f.hold
	}
	if f.err != nil {
		return nil, f.err
	}
	return &tally.SyncResult{
		Subscription: &subscription.Subscription{UserID: userID, Status: subscription.StatusActive},
		Outcome:      tally.SyncUpdated,
	}, nil
}

type harness struct {
	sched  *refresh.Scheduler
	syncer *fakeSyncer
	store  *memory.Store
	clock  *clock
}

func newHarness(t *testing.T, opts ...refresh.Option) *harness {
	t.Helper()
	h := &harness{syncer: &fakeSyncer{}, store: memory.New(), clock: newClock()}
	base := []refresh.Option{
		refresh.WithClock(h.clock.Now),
		refresh.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}
	h.sched = refresh.New(h.syncer, h.store, append(base, opts...)...)
	return h
}

// seed stores a linked subscription for userID. A zero syncedAgo leaves the
// mirror without a sync stamp.
func (h *harness) seed(t *testing.T, userID string, syncedAgo time.Duration) *subscription.Subscription {
	t.Helper()
	now := h.clock.Now()
	sub := &subscription.Subscription{
		Entity:                 types.Entity{CreatedAt: now, UpdatedAt: now},
		ID:                     id.NewSubscriptionID(),
		UserID:                 userID,
		Status:                 subscription.StatusActive,
		ExternalSubscriptionID: "sub_" + userID,
		CurrentPeriodEnd:       now.Add(30 * 24 * time.Hour),
	}
	if syncedAgo > 0 {
		at := now.Add(-syncedAgo)
		sub.LastAPISync = &at
	}
	if err := h.store.CreateSubscription(context.Background(), sub); err != nil {
		t.Fatalf("seed: %v", err)
	}
	return sub
}

func TestGet(t *testing.T) {
	tests := []struct {
		name        string
		syncedAgo   time.Duration
		noSub       bool
		wantCalls   int32
		wantOutcome tally.SyncOutcome
	}{
		{name: "fresh mirror is served as is", syncedAgo: time.Minute, wantCalls: 0},
		{name: "stale mirror is reconciled", syncedAgo: time.Hour, wantCalls: 1, wantOutcome: tally.SyncUpdated},
		{name: "never synced mirror is reconciled", wantCalls: 1, wantOutcome: tally.SyncUpdated},
		{name: "no subscription", noSub: true, wantCalls: 0, wantOutcome: tally.SyncNoSubscription},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			if !tt.noSub {
				h.seed(t, "user_1", tt.syncedAgo)
			}

			e, err := h.sched.Get(context.Background(), "user_1")
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if e.Outcome != tt.wantOutcome {
				t.Errorf("Outcome = %q, want %q", e.Outcome, tt.wantOutcome)
			}
			if got := h.syncer.calls.Load(); got != tt.wantCalls {
				t.Errorf("sync calls = %d, want %d", got, tt.wantCalls)
			}
			if tt.noSub != (e.Subscription == nil) {
				t.Errorf("Subscription = %+v", e.Subscription)
			}
		})
	}
}

func TestGetServesFromCache(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "user_1", 0)
	ctx := context.Background()

	first, err := h.sched.Get(ctx, "user_1")
	if err != nil {
		t.Fatal(err)
	}
	second, err := h.sched.Get(ctx, "user_1")
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Error("second Get should return the cached entry")
	}
	if got := h.syncer.calls.Load(); got != 1 {
		t.Errorf("sync calls = %d, want 1", got)
	}
}

func TestForceRefreshIsDebounced(t *testing.T) {
	h := newHarness(t, refresh.WithConfig(refresh.Config{MinInterval: 10 * time.Second}))
	h.seed(t, "user_1", time.Second)
	ctx := context.Background()

	e, err := h.sched.ForceRefresh(ctx, "user_1")
	if err != nil {
		t.Fatal(err)
	}
	if e.Outcome != tally.SyncUpdated {
		t.Errorf("Outcome = %q, want %q", e.Outcome, tally.SyncUpdated)
	}

	e, err = h.sched.ForceRefresh(ctx, "user_1")
	if err != nil {
		t.Fatal(err)
	}
	if e.Outcome != "" {
		t.Errorf("debounced refresh Outcome = %q, want mirror only", e.Outcome)
	}
	if got := h.syncer.calls.Load(); got != 1 {
		t.Fatalf("sync calls = %d, want 1", got)
	}

	h.clock.Advance(10 * time.Second)
	if _, err := h.sched.ForceRefresh(ctx, "user_1"); err != nil {
		t.Fatal(err)
	}
	if got := h.syncer.calls.Load(); got != 2 {
		t.Fatalf("sync calls after interval = %d, want 2", got)
	}
}

func TestSyncFailureServesMirror(t *testing.T) {
	h := newHarness(t)
	h.syncer.err = errors.New("provider down")
	sub := h.seed(t, "user_1", 0)

	e, err := h.sched.Get(context.Background(), "user_1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if e.Outcome != tally.SyncStale {
		t.Errorf("Outcome = %q, want %q", e.Outcome, tally.SyncStale)
	}
	if e.Subscription == nil || e.Subscription.ID != sub.ID {
		t.Errorf("Subscription = %+v, want mirror row", e.Subscription)
	}
}

func TestVisibility(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "user_1", 0)
	ctx := context.Background()

	e, err := h.sched.OnVisibilityChange(ctx, "user_1", true)
	if err != nil {
		t.Fatal(err)
	}
	if e == nil || e.Outcome != tally.SyncUpdated {
		t.Fatalf("visible entry = %+v", e)
	}
	if h.sched.Watched() != 1 {
		t.Fatalf("Watched = %d, want 1", h.sched.Watched())
	}

	e, err = h.sched.OnVisibilityChange(ctx, "user_1", false)
	if err != nil || e != nil {
		t.Fatalf("hidden = %+v, %v", e, err)
	}
	if h.sched.Watched() != 0 {
		t.Fatalf("Watched = %d, want 0", h.sched.Watched())
	}
}

func TestSweep(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	users := []string{"user_1", "user_2", "user_3"}
	for _, u := range users {
		h.seed(t, u, time.Minute)
		if _, err := h.sched.Get(ctx, u); err != nil {
			t.Fatal(err)
		}
	}
	if got := h.syncer.calls.Load(); got != 0 {
		t.Fatalf("fresh mirrors reconciled %d times", got)
	}

	h.clock.Advance(10 * time.Minute)
	if err := h.sched.Sweep(ctx); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if got := h.syncer.calls.Load(); got != int32(len(users)) {
		t.Fatalf("sync calls = %d, want %d", got, len(users))
	}
}

func TestSweepDropsIdleUsers(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	for i := range 50 {
		u := fmt.Sprintf("user_%d", i)
		h.seed(t, u, time.Minute)
		if _, err := h.sched.Get(ctx, u); err != nil {
			t.Fatal(err)
		}
	}

	h.clock.Advance(20 * time.Minute)
	if _, err := h.sched.Get(ctx, "user_0"); err != nil {
		t.Fatal(err)
	}
	h.clock.Advance(15 * time.Minute)

	before := h.syncer.calls.Load()
	if err := h.sched.Sweep(ctx); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if got := h.sched.Watched(); got != 1 {
		t.Fatalf("Watched = %d, want only the recently seen user", got)
	}
	if got := h.syncer.calls.Load() - before; got != 1 {
		t.Errorf("sweep reconciliations = %d, want 1", got)
	}

	h.clock.Advance(24 * time.Hour)
	if err := h.sched.Sweep(ctx); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if got := h.sched.Watched(); got != 0 {
		t.Errorf("Watched after a day idle = %d, want 0", got)
	}
}

func TestInvalidateDuringLoadIsNotOverwritten(t *testing.T) {
	h := newHarness(t)
	h.syncer.started = make(chan struct{}, 2)
	h.syncer.hold = make(chan struct{})
	h.seed(t, "user_1", 0)
	ctx := context.Background()

	loaded := make(chan *refresh.Entry, 1)
	go func() {
		e, err := h.sched.Get(ctx, "user_1")
		if err != nil {
			t.Error(err)
		}
		loaded <- e
	}()

	<-h.syncer.started
	if err := h.sched.Invalidate(ctx, "user_1"); err != nil {
		t.Fatal(err)
	}
	close(h.syncer.hold)
	first := <-loaded
	if first == nil {
		t.Fatal("no entry from the interrupted load")
	}

	h.clock.Advance(time.Second)
	next, err := h.sched.Get(ctx, "user_1")
	if err != nil {
		t.Fatal(err)
	}
	if !next.FetchedAt.After(first.FetchedAt) {
		t.Errorf("entry loaded before the invalidation was cached: fetched at %v", next.FetchedAt)
	}
}

func TestRunInvalidatesOnChangeEvent(t *testing.T) {
	feed := changefeed.NewBroker(8, nil)
	t.Cleanup(func() { _ = feed.Close() })

	h := newHarness(t,
		refresh.WithChangeFeed(feed),
		refresh.WithConfig(refresh.Config{Interval: 0}),
	)
	h.seed(t, "user_1", time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.sched.Run(ctx) }()

	first, err := h.sched.Get(ctx, "user_1")
	if err != nil {
		t.Fatal(err)
	}

	// The subscription inside Run may not exist yet, so keep publishing
	// until the entry is dropped.
	deadline := time.Now().Add(2 * time.Second)
	for {
		_ = feed.Publish(ctx, changefeed.NewEvent(changefeed.KindSubscription, "user_1", "sub_1"))
		next, err := h.sched.Get(ctx, "user_1")
		if err != nil {
			t.Fatal(err)
		}
		if next != first {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("entry was never invalidated")
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
}

package tally_test

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/xraph/tally"
	"github.com/xraph/tally/id"
	"github.com/xraph/tally/invoice"
	"github.com/xraph/tally/provider/providertest"
	"github.com/xraph/tally/referral"
	"github.com/xraph/tally/store"
	"github.com/xraph/tally/store/memory"
	"github.com/xraph/tally/subscription"
	"github.com/xraph/tally/types"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type tallyStore = store.Store

type fixture struct {
	engine *tally.Engine
	store  *memory.Store
	prov   *providertest.Provider
	clock  *testClock
}

func newFixture(t *testing.T, opts ...tally.Option) *fixture {
	t.Helper()
	return newFixtureWithStore(t, memory.New(), nil, opts...)
}

// newFixtureWithStore builds an engine over st. When wrap is non-nil the
// engine sees wrap instead of st.
func newFixtureWithStore(t *testing.T, st *memory.Store, wrap func(*memory.Store) tallyStore, opts ...tally.Option) *fixture {
	t.Helper()

	clock := &testClock{now: testNow}
	prov := providertest.New()
	base := []tally.Option{
		tally.WithProvider(prov),
		tally.WithClock(clock.Now),
		tally.WithFetchRetries(0),
		tally.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}

	var engine *tally.Engine
	if wrap != nil {
		engine = tally.New(wrap(st), append(base, opts...)...)
	} else {
		engine = tally.New(st, append(base, opts...)...)
	}
	return &fixture{engine: engine, store: st, prov: prov, clock: clock}
}

// subscribe seeds matching provider and mirror state for userID.
func (f *fixture) subscribe(t *testing.T, userID string, status subscription.Status, cancel bool, periodEnd time.Time) *subscription.Subscription {
	t.Helper()

	ext, client := "sub_ext_"+userID, "cus_"+userID
	f.prov.PutSubscription(subscription.Snapshot{
		ExternalSubscriptionID: ext,
		ExternalClientID:       client,
		Status:                 status,
		CancelAtPeriodEnd:      cancel,
		CurrentPeriodEnd:       &periodEnd,
	})

	created := testNow.Add(-30 * 24 * time.Hour)
	sub := &subscription.Subscription{
		Entity:                 types.Entity{CreatedAt: created, UpdatedAt: created},
		ID:                     id.NewSubscriptionID(),
		UserID:                 userID,
		Status:                 status,
		ExternalClientID:       client,
		ExternalSubscriptionID: ext,
		CancelAtPeriodEnd:      cancel,
		CurrentPeriodEnd:       periodEnd,
	}
	if err := f.store.CreateSubscription(context.Background(), sub); err != nil {
		t.Fatalf("CreateSubscription: %v", err)
	}
	return sub
}

// referral seeds a referral from referrer to referred, completed unless
// mutate says otherwise.
func (f *fixture) referral(t *testing.T, referrer, referred string, mutate func(*referral.Referral)) *referral.Referral {
	t.Helper()

	code, err := referral.NewCode()
	if err != nil {
		t.Fatalf("NewCode: %v", err)
	}
	completed := testNow.Add(-time.Hour)
	r := &referral.Referral{
		Entity:         types.Entity{CreatedAt: testNow.Add(-48 * time.Hour), UpdatedAt: completed},
		ID:             id.NewReferralID(),
		ReferrerUserID: referrer,
		ReferredUserID: referred,
		Code:           code,
		Status:         referral.StatusCompleted,
		DiscountAmount: types.EUR(25000),
		CompletedAt:    &completed,
	}
	if mutate != nil {
		mutate(r)
	}
	if err := f.store.CreateReferral(context.Background(), r); err != nil {
		t.Fatalf("CreateReferral: %v", err)
	}
	return r
}

func (f *fixture) openInvoice(userID, invoiceID string, age time.Duration) {
	f.prov.PutInvoice(invoice.Invoice{
		ID:        invoiceID,
		AccountID: "cus_" + userID,
		Status:    invoice.StatusOpen,
		AmountDue: types.EUR(4900),
		CreatedAt: testNow.Add(-age),
	})
}

func (f *fixture) getReferral(t *testing.T, refID id.ReferralID) *referral.Referral {
	t.Helper()
	r, err := f.store.GetReferral(context.Background(), refID)
	if err != nil {
		t.Fatalf("GetReferral: %v", err)
	}
	return r
}

func (f *fixture) getSubscription(t *testing.T, subID id.SubscriptionID) *subscription.Subscription {
	t.Helper()
	s, err := f.store.GetSubscription(context.Background(), subID)
	if err != nil {
		t.Fatalf("GetSubscription: %v", err)
	}
	return s
}

// rewarded marks a seeded referral as credited.
func rewarded(r *referral.Referral) {
	at := testNow.Add(-30 * time.Minute)
	r.Status = referral.StatusRewarded
	r.DiscountApplied = true
	r.AppliedToInvoiceID = "in_earlier"
	r.RewardedAt = &at
}

// reverted marks a seeded referral as credited and later reversed.
func reverted(r *referral.Referral) {
	r.Status = referral.StatusCompleted
	r.DiscountApplied = true
	r.AppliedToInvoiceID = "in_earlier"
}

// Package providertest provides an in-memory billing provider for tests.
package providertest

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/xraph/tally/invoice"
	"github.com/xraph/tally/provider"
	"github.com/xraph/tally/subscription"
	"github.com/xraph/tally/types"
)

// Operation names used for call counting and failure injection.
const (
	OpGetSubscription    = provider.OpGetSubscription
	OpUpdateSubscription = provider.OpUpdateSubscription
	OpCreditAdjustment   = provider.OpCreditAdjustment
	OpListInvoices       = provider.OpListInvoices
	OpApplyDiscount      = provider.OpApplyDiscount
)

// Entry kinds recorded in the journal.
const (
	KindCreditAdjustment = "credit_adjustment"
	KindInvoiceDiscount  = "invoice_discount"
)

// Compile-time interface check.
var _ provider.Provider = (*Provider)(nil)

// Entry is one monetary mutation the provider accepted.
type Entry struct {
	Kind           string
	AccountID      string
	InvoiceID      string
	Amount         types.Money
	IdempotencyKey string
	TransactionID  string
	Metadata       map[string]string
}

// Provider is a concurrency-safe provider.Provider backed by maps.
type Provider struct {
	mu sync.Mutex

	subs     map[string]*subscription.Snapshot
	invoices map[string][]*invoice.Invoice
	journal  []Entry
	keys     map[string]string
	calls    map[string]int
	failures map[string][]error
	sticky   map[string]error
	seq      int

	// AllowUncancel lets UpdateSubscription clear the cancellation of a
	// subscription already in canceled status. Stripe rejects this.
	AllowUncancel bool

	// BeforeCall, when set, runs before every operation outside the lock.
	BeforeCall func(op string)
}

// New creates an empty provider.
func New() *Provider {
	return &Provider{
		subs:     make(map[string]*subscription.Snapshot),
		invoices: make(map[string][]*invoice.Invoice),
		keys:     make(map[string]string),
		calls:    make(map[string]int),
		failures: make(map[string][]error),
		sticky:   make(map[string]error),
	}
}

// Name implements provider.Provider.
func (p *Provider) Name() string { return "test" }

// PutSubscription sets the provider-side state of a subscription.
func (p *Provider) PutSubscription(snap subscription.Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subs[snap.ExternalSubscriptionID] = cloneSnapshot(&snap)
}

// Subscription returns the provider-side state of a subscription.
func (p *Provider) Subscription(externalSubscriptionID string) (*subscription.Snapshot, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.subs[externalSubscriptionID]
	if !ok {
		return nil, false
	}
	return cloneSnapshot(s), true
}

// PutInvoice adds or replaces an invoice on its account.
func (p *Provider) PutInvoice(inv invoice.Invoice) {
	p.mu.Lock()
	defer p.mu.Unlock()
	list := p.invoices[inv.AccountID]
	for i, existing := range list {
		if existing.ID == inv.ID {
			list[i] = &inv
			return
		}
	}
	p.invoices[inv.AccountID] = append(list, &inv)
}

// FailNext makes the next call to op return err.
func (p *Provider) FailNext(op string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures[op] = append(p.failures[op], err)
}

// FailAlways makes every call to op return err until cleared with nil.
func (p *Provider) FailAlways(op string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err == nil {
		delete(p.sticky, op)
		return
	}
	p.sticky[op] = err
}

// Calls returns how many times op was invoked.
func (p *Provider) Calls(op string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[op]
}

// Journal returns a copy of every accepted monetary mutation.
func (p *Provider) Journal() []Entry {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Entry, len(p.journal))
	copy(out, p.journal)
	return out
}

// Net sums journal entries whose metadata key equals value.
func (p *Provider) Net(currency, key, value string) types.Money {
	total := types.Zero(currency)
	for _, e := range p.Journal() {
		if e.Metadata[key] == value {
			total = total.Add(e.Amount)
		}
	}
	return total
}

func (p *Provider) enter(op string) error {
	if hook := p.BeforeCall; hook != nil {
		hook(op)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls[op]++
	if queue := p.failures[op]; len(queue) > 0 {
		p.failures[op] = queue[1:]
		return queue[0]
	}
	return p.sticky[op]
}

// GetSubscription implements provider.Provider.
func (p *Provider) GetSubscription(_ context.Context, externalSubscriptionID string) (*subscription.Snapshot, error) {
	if err := p.enter(OpGetSubscription); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.subs[externalSubscriptionID]
	if !ok {
		return nil, notFound(OpGetSubscription, externalSubscriptionID)
	}
	return cloneSnapshot(s), nil
}

// UpdateSubscription implements provider.Provider.
func (p *Provider) UpdateSubscription(_ context.Context, externalSubscriptionID string, upd provider.SubscriptionUpdate) (*subscription.Snapshot, error) {
	if err := p.enter(OpUpdateSubscription); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.subs[externalSubscriptionID]
	if !ok {
		return nil, notFound(OpUpdateSubscription, externalSubscriptionID)
	}
	if s.Status == subscription.StatusCanceled {
		if !p.AllowUncancel {
			return nil, &provider.Error{
				Op:         OpUpdateSubscription,
				StatusCode: http.StatusBadRequest,
				Err:        errors.New("a canceled subscription can only update its cancellation_details"),
			}
		}
		if !upd.CancelAtPeriodEnd {
			s.Status = subscription.StatusActive
		}
	}
	s.CancelAtPeriodEnd = upd.CancelAtPeriodEnd
	return cloneSnapshot(s), nil
}

// ApplyCreditAdjustment implements provider.Provider.
func (p *Provider) ApplyCreditAdjustment(_ context.Context, externalAccountID string, amount types.Money, opts provider.MutationOpts) (string, error) {
	if err := p.enter(OpCreditAdjustment); err != nil {
		return "", err
	}
	return p.record(Entry{
		Kind:           KindCreditAdjustment,
		AccountID:      externalAccountID,
		Amount:         amount,
		IdempotencyKey: opts.IdempotencyKey,
		Metadata:       opts.Metadata,
	}, "cbtxn"), nil
}

// ListInvoices implements provider.Provider.
func (p *Provider) ListInvoices(_ context.Context, externalAccountID string, filter invoice.Filter) ([]*invoice.Invoice, error) {
	if err := p.enter(OpListInvoices); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []*invoice.Invoice
	for _, inv := range p.invoices[externalAccountID] {
		if filter.Matches(inv) {
			c := *inv
			out = append(out, &c)
		}
	}
	return out, nil
}

// ApplyDiscountToInvoice implements provider.Provider.
func (p *Provider) ApplyDiscountToInvoice(_ context.Context, invoiceID string, amount types.Money, opts provider.MutationOpts) (string, error) {
	if err := p.enter(OpApplyDiscount); err != nil {
		return "", err
	}

	p.mu.Lock()
	// A replayed idempotency key returns the original result, whatever the
	// invoice's state is now.
	if txn, ok := p.keys[opts.IdempotencyKey]; ok && opts.IdempotencyKey != "" {
		p.mu.Unlock()
		return txn, nil
	}
	var target *invoice.Invoice
	for _, list := range p.invoices {
		for _, inv := range list {
			if inv.ID == invoiceID {
				target = inv
			}
		}
	}
	p.mu.Unlock()

	if target == nil {
		return "", provider.Terminal(OpApplyDiscount, fmt.Errorf("no such invoice: %s", invoiceID))
	}
	if !target.Status.Unpaid() {
		return "", &provider.Error{
			Op:         OpApplyDiscount,
			StatusCode: http.StatusBadRequest,
			Err:        fmt.Errorf("invoice %s is %s", invoiceID, target.Status),
		}
	}
	return p.record(Entry{
		Kind:           KindInvoiceDiscount,
		AccountID:      target.AccountID,
		InvoiceID:      invoiceID,
		Amount:         amount.AsCredit(),
		IdempotencyKey: opts.IdempotencyKey,
		Metadata:       opts.Metadata,
	}, "ii"), nil
}

// record journals e unless its idempotency key was already used, in which
// case the original transaction ID is returned.
func (p *Provider) record(e Entry, prefix string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e.IdempotencyKey != "" {
		if txn, ok := p.keys[e.IdempotencyKey]; ok {
			return txn
		}
	}
	p.seq++
	e.TransactionID = fmt.Sprintf("%s_%d", prefix, p.seq)
	meta := make(map[string]string, len(e.Metadata))
	for k, v := range e.Metadata {
		meta[k] = v
	}
	e.Metadata = meta
	p.journal = append(p.journal, e)
	if e.IdempotencyKey != "" {
		p.keys[e.IdempotencyKey] = e.TransactionID
	}
	return e.TransactionID
}

func notFound(op, id string) error {
	return &provider.Error{
		Op:         op,
		StatusCode: http.StatusNotFound,
		Err:        fmt.Errorf("%w: %s", provider.ErrUnknownSubscription, id),
	}
}

func cloneSnapshot(s *subscription.Snapshot) *subscription.Snapshot {
	c := *s
	if s.CurrentPeriodEnd != nil {
		t := *s.CurrentPeriodEnd
		c.CurrentPeriodEnd = &t
	}
	if s.PaymentMethod != nil {
		m := *s.PaymentMethod
		c.PaymentMethod = &m
	}
	return &c
}

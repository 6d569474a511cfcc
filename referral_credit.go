package tally

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/samber/lo"
	"github.com/sourcegraph/conc/pool"

	"github.com/xraph/tally/id"
	"github.com/xraph/tally/invoice"
	"github.com/xraph/tally/provider"
	"github.com/xraph/tally/referral"
	"github.com/xraph/tally/types"
)

// User-facing messages of the credit workflow.
const (
	MessageNoReferralCredit     = "No referral credit available"
	MessageCreditAlreadyApplied = "Referral credit already applied"
	MessageNoSubscription       = "No subscription found"
	MessageNoUnpaidInvoice      = "No unpaid invoice found"
	MessageCreditApplied        = "Referral credit applied"
	MessageCreditDeferred       = "Referral credit applied, confirmation pending"
)

// CreditResult is the outcome of ApplyReferralCredit. NoOp marks an apply
// skipped because the credit was already applied or is being applied.
type CreditResult struct {
	Success        bool          `json:"success"`
	CreditApplied  bool          `json:"creditApplied"`
	NoOp           bool          `json:"noOp,omitempty"`
	Deferred       bool          `json:"deferred,omitempty"`
	ReferralID     id.ReferralID `json:"referralId,omitempty"`
	DiscountAmount *types.Money  `json:"discountAmount,omitempty"`
	InvoiceID      string        `json:"invoiceId,omitempty"`
	Message        string        `json:"message,omitempty"`
}

// RepairOpts scopes RepairInFlightCredits. An empty UserID repairs every
// referral.
type RepairOpts struct {
	UserID string
}

// RepairReport counts what a repair pass did.
type RepairReport struct {
	Attempted int `json:"attempted"`
	Committed int `json:"committed"`
	Released  int `json:"released"`
	Abandoned int `json:"abandoned"`
}

// ErrRepairWindowExceeded is reported for claims older than the provider
// idempotency window.
var ErrRepairWindowExceeded = errors.New("tally: in-flight credit older than idempotency window")

// ──────────────────────────────────────────────────
// Registration
// ──────────────────────────────────────────────────

const codeAttempts = 3

// RegisterReferral returns the referrer's open referral code, creating one
// when none is waiting to be claimed.
func (e *Engine) RegisterReferral(ctx context.Context, referrerUserID string) (*referral.Referral, error) {
	if referrerUserID == "" {
		return nil, ValidationError{Field: "userId", Message: "is required"}
	}

	open, err := e.store.ListReferrals(ctx, referral.ListOpts{
		ReferrerUserID: referrerUserID,
		Statuses:       []referral.Status{referral.StatusPending},
	})
	if err != nil {
		return nil, fmt.Errorf("tally: list referrals: %w", err)
	}
	if r, ok := lo.Find(open, func(r *referral.Referral) bool { return r.ReferredUserID == "" }); ok {
		return r, nil
	}

	now := e.clock()
	for attempt := 0; attempt < codeAttempts; attempt++ {
		code, err := referral.NewCode()
		if err != nil {
			return nil, err
		}
		r := &referral.Referral{
			Entity:         types.Entity{CreatedAt: now, UpdatedAt: now},
			ID:             id.NewReferralID(),
			ReferrerUserID: referrerUserID,
			Code:           code,
			Status:         referral.StatusPending,
			DiscountAmount: e.discount,
		}
		err = e.store.CreateReferral(ctx, r)
		if errors.Is(err, ErrAlreadyExists) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("tally: create referral: %w", err)
		}

		e.plugins.EmitReferralCreated(ctx, r)
		e.logger.Info("referral registered",
			"referral_id", r.ID.String(),
			"referrer_user_id", referrerUserID,
		)
		return r, nil
	}
	return nil, fmt.Errorf("tally: create referral: %w", ErrAlreadyExists)
}

// ClaimReferral binds a pending referral code to the user who signed up
// with it.
func (e *Engine) ClaimReferral(ctx context.Context, code, referredUserID string) (*referral.Referral, error) {
	code = referral.NormalizeCode(code)
	if code == "" {
		return nil, ValidationError{Field: "referralCode", Message: "is required"}
	}
	if referredUserID == "" {
		return nil, ValidationError{Field: "userId", Message: "is required"}
	}

	r, err := e.store.GetReferralByCode(ctx, code)
	if err != nil {
		return nil, err
	}
	if r.ReferrerUserID == referredUserID {
		return nil, ErrSelfReferral
	}

	bound, err := e.store.ListReferrals(ctx, referral.ListOpts{ReferredUserID: referredUserID, Limit: 1})
	if err != nil {
		return nil, fmt.Errorf("tally: list referrals: %w", err)
	}
	if len(bound) > 0 {
		if bound[0].ID == r.ID {
			return bound[0], nil
		}
		return nil, ErrAlreadyReferred
	}

	if err := e.store.AssignReferredUser(ctx, r.ID, referredUserID, e.clock()); err != nil {
		return nil, err
	}
	e.logger.Info("referral claimed",
		"referral_id", r.ID.String(),
		"user_id", referredUserID,
	)
	return e.store.GetReferral(ctx, r.ID)
}

// ListReferrals returns the referrals userID handed out, newest first.
func (e *Engine) ListReferrals(ctx context.Context, referrerUserID string) ([]*referral.Referral, error) {
	if referrerUserID == "" {
		return nil, ValidationError{Field: "userId", Message: "is required"}
	}
	refs, err := e.store.ListReferrals(ctx, referral.ListOpts{ReferrerUserID: referrerUserID})
	if err != nil {
		return nil, fmt.Errorf("tally: list referrals: %w", err)
	}
	return refs, nil
}

// LookupReferral resolves a code to its referral so a signup can show who
// referred the user before the code is claimed.
func (e *Engine) LookupReferral(ctx context.Context, code string) (*referral.Referral, error) {
	code = referral.NormalizeCode(code)
	if code == "" {
		return nil, ValidationError{Field: "referralCode", Message: "is required"}
	}
	return e.store.GetReferralByCode(ctx, code)
}

// ClaimPendingReferral completes the referral bound to the user and returns
// it. Calling it again returns the already completed referral.
func (e *Engine) ClaimPendingReferral(ctx context.Context, userID string) (*referral.Referral, error) {
	if userID == "" {
		return nil, ValidationError{Field: "userId", Message: "is required"}
	}

	bound, err := e.store.ListReferrals(ctx, referral.ListOpts{ReferredUserID: userID})
	if err != nil {
		return nil, fmt.Errorf("tally: list referrals: %w", err)
	}
	if len(bound) == 0 {
		return nil, ErrReferralNotFound
	}

	r, ok := lo.Find(bound, func(r *referral.Referral) bool { return r.Status == referral.StatusPending })
	if !ok {
		return bound[0], nil
	}
	return e.complete(ctx, r)
}

// RegisterFirstPayment completes the user's pending referral and attempts to
// apply its credit.
func (e *Engine) RegisterFirstPayment(ctx context.Context, userID string) (*CreditResult, error) {
	if _, err := e.ClaimPendingReferral(ctx, userID); err != nil {
		if IsNotFound(err) {
			return &CreditResult{Success: true, Message: MessageNoReferralCredit}, nil
		}
		return nil, err
	}
	return e.ApplyReferralCredit(ctx, userID, "")
}

func (e *Engine) complete(ctx context.Context, r *referral.Referral) (*referral.Referral, error) {
	next := *r
	if err := next.Fire(referral.TransitionComplete, e.clock(), referral.Outcome{}); err != nil {
		return nil, err
	}
	if err := e.store.CommitTransition(ctx, &next, referral.TransitionComplete); err != nil {
		if errors.Is(err, ErrTransitionConflict) {
			// Completed concurrently.
			return e.store.GetReferral(ctx, r.ID)
		}
		return nil, fmt.Errorf("tally: complete referral: %w", err)
	}

	e.plugins.EmitReferralTransition(ctx, &next, referral.TransitionComplete)
	e.logger.Info("referral completed",
		"referral_id", next.ID.String(),
		"user_id", next.ReferredUserID,
	)
	return &next, nil
}

// ──────────────────────────────────────────────────
// Monetary transitions
// ──────────────────────────────────────────────────

// ApplyReferralCredit discounts an unpaid invoice of the referred user with
// the referral's credit. invoiceID may be empty, in which case the user's
// newest unpaid invoice is used. The referral is claimed before any provider
// call, so concurrent or repeated calls post the discount at most once; the
// losers get a NoOp result.
func (e *Engine) ApplyReferralCredit(ctx context.Context, userID, invoiceID string) (*CreditResult, error) {
	if userID == "" {
		return nil, ValidationError{Field: "userId", Message: "is required"}
	}
	if err := e.requireProvider(); err != nil {
		return nil, err
	}

	refs, err := e.store.ListReferrals(ctx, referral.ListOpts{
		ReferredUserID: userID,
		Statuses:       []referral.Status{referral.StatusCompleted, referral.StatusRewarded},
	})
	if err != nil {
		return nil, fmt.Errorf("tally: list referrals: %w", err)
	}
	if len(refs) == 0 {
		return &CreditResult{Success: true, Message: MessageNoReferralCredit}, nil
	}

	r, ok := lo.Find(refs, func(r *referral.Referral) bool { return r.AwaitingReward() })
	if !ok {
		return noOpCredit(refs[0]), nil
	}

	claimed, err := e.store.ClaimTransition(ctx, r.ID, referral.TransitionReward, e.clock())
	if err != nil {
		if errors.Is(err, ErrTransitionConflict) {
			return noOpCredit(r), nil
		}
		return nil, fmt.Errorf("tally: claim referral: %w", err)
	}

	return e.driveReward(ctx, claimed, invoiceID, false)
}

func noOpCredit(r *referral.Referral) *CreditResult {
	return &CreditResult{
		Success:    true,
		NoOp:       true,
		ReferralID: r.ID,
		InvoiceID:  r.AppliedToInvoiceID,
		Message:    MessageCreditAlreadyApplied,
	}
}

// driveReward performs the provider side of a claimed reward. The target
// invoice is recorded on the claim before the provider call. On the repair
// path (repair true) a claim that already has a target is re-driven against
// it and is never released: the earlier call may have gone through.
func (e *Engine) driveReward(ctx context.Context, r *referral.Referral, invoiceID string, repair bool) (*CreditResult, error) {
	const t = referral.TransitionReward

	if r.InFlightTarget != "" {
		invoiceID = r.InFlightTarget
	} else {
		if repair {
			// Never targeted, so the provider was never called.
			e.release(ctx, r, t)
			return &CreditResult{Success: true, ReferralID: r.ID, Message: MessageNoUnpaidInvoice}, nil
		}
		res, err := e.rewardTarget(ctx, r, invoiceID)
		if err != nil || res != nil {
			return res, err
		}
		invoiceID = r.InFlightTarget
	}

	var txnID string
	err := e.call(ctx, provider.OpApplyDiscount, func(ctx context.Context) error {
		var err error
		txnID, err = e.provider.ApplyDiscountToInvoice(ctx, invoiceID, r.DiscountAmount, e.mutationOpts(r, t))
		return err
	})
	if err != nil {
		e.failMonetary(ctx, r, t, err, repair)
		return nil, err
	}

	amount := r.DiscountAmount
	result := &CreditResult{
		Success:        true,
		CreditApplied:  true,
		ReferralID:     r.ID,
		DiscountAmount: &amount,
		InvoiceID:      invoiceID,
		Message:        MessageCreditApplied,
	}
	if _, err := e.commit(ctx, r, t, referral.Outcome{InvoiceID: invoiceID, TransactionID: txnID}); err != nil {
		result.Deferred = true
		result.Message = MessageCreditDeferred
	}
	return result, nil
}

// rewardTarget picks the invoice for a fresh reward claim and records it on
// r. A non-nil result means the claim was released without a provider
// mutation.
func (e *Engine) rewardTarget(ctx context.Context, r *referral.Referral, invoiceID string) (*CreditResult, error) {
	const t = referral.TransitionReward

	if invoiceID == "" {
		sub, err := e.store.GetLatestSubscription(ctx, r.ReferredUserID)
		if err != nil && !IsNotFound(err) {
			e.release(ctx, r, t)
			return nil, fmt.Errorf("tally: load subscription: %w", err)
		}
		if sub == nil || sub.ExternalClientID == "" {
			e.release(ctx, r, t)
			return &CreditResult{Success: true, ReferralID: r.ID, Message: MessageNoSubscription}, nil
		}

		var invoices []*invoice.Invoice
		err = e.call(ctx, provider.OpListInvoices, func(ctx context.Context) error {
			var err error
			invoices, err = e.provider.ListInvoices(ctx, sub.ExternalClientID, invoice.UnpaidFilter)
			return err
		})
		if err != nil {
			e.failMonetary(ctx, r, t, err, false)
			return nil, err
		}
		target := invoice.NewestUnpaid(invoices)
		if target == nil {
			e.release(ctx, r, t)
			return &CreditResult{Success: true, ReferralID: r.ID, Message: MessageNoUnpaidInvoice}, nil
		}
		invoiceID = target.ID
	}

	if err := e.target(ctx, r, t, invoiceID); err != nil {
		return nil, err
	}
	return nil, nil
}

// target records the provider target on the claim, releasing the claim when
// the write fails. No provider mutation has been made at that point.
func (e *Engine) target(ctx context.Context, r *referral.Referral, t referral.Transition, target string) error {
	if err := e.store.TargetTransition(ctx, r.ID, t, target); err != nil {
		e.release(ctx, r, t)
		return fmt.Errorf("tally: record credit target: %w", err)
	}
	r.InFlightTarget = target
	return nil
}

// revertReferralsOf reverses the credit of every rewarded referral in which
// userID was referred. Failures are logged; the count of reverted referrals
// is returned.
func (e *Engine) revertReferralsOf(ctx context.Context, userID string) int {
	return e.adjustAll(ctx, userID, referral.TransitionRevert, referral.StatusRewarded, (*referral.Referral).Settled)
}

// restoreReferralsOf re-posts the credit of every referral of userID that an
// earlier cancellation reverted.
func (e *Engine) restoreReferralsOf(ctx context.Context, userID string) int {
	return e.adjustAll(ctx, userID, referral.TransitionRestore, referral.StatusCompleted, (*referral.Referral).Reverted)
}

func (e *Engine) adjustAll(ctx context.Context, userID string, t referral.Transition, status referral.Status, eligible func(*referral.Referral) bool) int {
	if e.provider == nil {
		return 0
	}

	refs, err := e.store.ListReferrals(ctx, referral.ListOpts{
		ReferredUserID: userID,
		Statuses:       []referral.Status{status},
	})
	if err != nil {
		e.logger.Error("list referrals failed", "user_id", userID, "transition", t, "error", err)
		return 0
	}
	refs = lo.Filter(refs, func(r *referral.Referral, _ int) bool { return eligible(r) })
	if len(refs) == 0 {
		return 0
	}

	var done atomic.Int64
	p := pool.New().WithMaxGoroutines(4).WithErrors()
	for _, r := range refs {
		p.Go(func() error {
			if err := e.adjust(ctx, r, t); err != nil {
				return fmt.Errorf("referral %s: %w", r.ID, err)
			}
			done.Add(1)
			return nil
		})
	}
	if err := p.Wait(); err != nil {
		e.logger.Error("referral credit adjustment failed",
			"user_id", userID,
			"transition", t,
			"error", err,
		)
	}
	return int(done.Load())
}

// adjust claims t on r and posts the matching balance adjustment on the
// referrer's account.
func (e *Engine) adjust(ctx context.Context, r *referral.Referral, t referral.Transition) error {
	claimed, err := e.store.ClaimTransition(ctx, r.ID, t, e.clock())
	if err != nil {
		return err
	}
	return e.driveAdjustment(ctx, claimed, t, false)
}

// driveAdjustment posts the balance adjustment of a claimed revert or
// restore on the referrer's account, recorded on the claim before the call.
func (e *Engine) driveAdjustment(ctx context.Context, r *referral.Referral, t referral.Transition, repair bool) error {
	account := r.InFlightTarget
	if account == "" {
		if repair {
			// Never targeted, so the provider was never called.
			e.release(ctx, r, t)
			return fmt.Errorf("tally: %s claim without target released", t)
		}
		var err error
		account, err = e.referrerAccount(ctx, r.ReferrerUserID)
		if err != nil {
			e.release(ctx, r, t)
			return err
		}
		if err := e.target(ctx, r, t, account); err != nil {
			return err
		}
	}

	amount := r.DiscountAmount.AsCredit()
	if t == referral.TransitionRevert {
		amount = r.DiscountAmount.AsReversal()
	}

	var txnID string
	err := e.call(ctx, provider.OpCreditAdjustment, func(ctx context.Context) error {
		var err error
		txnID, err = e.provider.ApplyCreditAdjustment(ctx, account, amount, e.mutationOpts(r, t))
		return err
	})
	if err != nil {
		e.failMonetary(ctx, r, t, err, repair)
		return err
	}

	_, err = e.commit(ctx, r, t, referral.Outcome{TransactionID: txnID})
	return err
}

func (e *Engine) referrerAccount(ctx context.Context, referrerUserID string) (string, error) {
	sub, err := e.store.GetLatestSubscription(ctx, referrerUserID)
	if err != nil {
		return "", err
	}
	if sub.ExternalClientID == "" {
		return "", ErrNoExternalSubscription
	}
	return sub.ExternalClientID, nil
}

func (e *Engine) mutationOpts(r *referral.Referral, t referral.Transition) provider.MutationOpts {
	return provider.MutationOpts{
		IdempotencyKey: r.IdempotencyKey(t),
		Description:    fmt.Sprintf("Referral %s %s", r.Code, t),
		Metadata: map[string]string{
			"referral_id":   r.ID.String(),
			"referral_code": r.Code,
			"transition":    string(t),
		},
	}
}

// commit fires t on r and persists it. A failed write after the provider
// accepted the mutation leaves the claim in flight for repair.
func (e *Engine) commit(ctx context.Context, r *referral.Referral, t referral.Transition, out referral.Outcome) (*referral.Referral, error) {
	next := *r
	if err := next.Fire(t, e.clock(), out); err != nil {
		return nil, err
	}
	if err := e.store.CommitTransition(ctx, &next, t); err != nil {
		e.logger.Error("referral credit posted but not recorded",
			"referral_id", r.ID.String(),
			"referrer_user_id", r.ReferrerUserID,
			"user_id", r.ReferredUserID,
			"transition", t,
			"transaction_id", out.TransactionID,
			"error", err,
		)
		e.plugins.EmitCreditDivergence(ctx, r, t, err)
		return nil, err
	}

	e.plugins.EmitReferralTransition(ctx, &next, t)
	e.logger.Info("referral transition committed",
		"referral_id", next.ID.String(),
		"transition", t,
		"status", next.Status,
		"transaction_id", out.TransactionID,
	)
	return &next, nil
}

// failMonetary handles a failed provider mutation. Outside repair the claim is
// released. During repair the claim stays in flight, since the original call
// may have been accepted; a terminal failure is surfaced as a divergence.
func (e *Engine) failMonetary(ctx context.Context, r *referral.Referral, t referral.Transition, err error, repair bool) {
	e.logger.Error("referral credit provider call failed",
		"referral_id", r.ID.String(),
		"referrer_user_id", r.ReferrerUserID,
		"user_id", r.ReferredUserID,
		"transition", t,
		"target", r.InFlightTarget,
		"repair", repair,
		"error", err,
	)
	if !repair {
		e.release(ctx, r, t)
		return
	}
	if !IsRetryable(err) {
		e.plugins.EmitCreditDivergence(ctx, r, t, err)
	}
}

func (e *Engine) release(ctx context.Context, r *referral.Referral, t referral.Transition) {
	if err := e.store.ReleaseTransition(ctx, r.ID, t); err != nil {
		e.logger.Error("release referral claim failed",
			"referral_id", r.ID.String(),
			"transition", t,
			"error", err,
		)
	}
}

// ──────────────────────────────────────────────────
// Repair
// ──────────────────────────────────────────────────

// RepairInFlightCredits re-drives monetary transitions claimed longer than
// the repair grace ago and never committed. The retried provider call carries
// the original idempotency key, so a mutation that already went through is
// not posted twice. Claims older than the repair window are reported and
// left for manual reconciliation.
func (e *Engine) RepairInFlightCredits(ctx context.Context, opts RepairOpts) (*RepairReport, error) {
	if err := e.requireProvider(); err != nil {
		return nil, err
	}

	now := e.clock()
	base := referral.ListOpts{InFlightOnly: true, InFlightBefore: now.Add(-e.repairGrace)}

	var refs []*referral.Referral
	if opts.UserID == "" {
		all, err := e.store.ListReferrals(ctx, base)
		if err != nil {
			return nil, fmt.Errorf("tally: list in-flight referrals: %w", err)
		}
		refs = all
	} else {
		asReferrer, asReferred := base, base
		asReferrer.ReferrerUserID = opts.UserID
		asReferred.ReferredUserID = opts.UserID
		for _, o := range []referral.ListOpts{asReferrer, asReferred} {
			found, err := e.store.ListReferrals(ctx, o)
			if err != nil {
				return nil, fmt.Errorf("tally: list in-flight referrals: %w", err)
			}
			refs = append(refs, found...)
		}
		refs = lo.UniqBy(refs, func(r *referral.Referral) string { return r.ID.String() })
	}

	report := &RepairReport{}
	for _, r := range refs {
		report.Attempted++
		t := r.InFlight

		if r.InFlightAt != nil && now.Sub(*r.InFlightAt) > e.repairWindow {
			report.Abandoned++
			e.logger.Error("in-flight referral credit needs manual reconciliation",
				"referral_id", r.ID.String(),
				"referrer_user_id", r.ReferrerUserID,
				"user_id", r.ReferredUserID,
				"transition", t,
				"in_flight_at", r.InFlightAt,
			)
			e.plugins.EmitCreditDivergence(ctx, r, t, ErrRepairWindowExceeded)
			continue
		}

		committed := false
		switch t {
		case referral.TransitionReward:
			res, err := e.driveReward(ctx, r, "", true)
			committed = err == nil && res.CreditApplied && !res.Deferred
		default:
			committed = e.driveAdjustment(ctx, r, t, true) == nil
		}
		if committed {
			report.Committed++
			continue
		}
		if cur, err := e.store.GetReferral(ctx, r.ID); err == nil && cur.Settled() {
			report.Released++
		}
	}
	return report, nil
}

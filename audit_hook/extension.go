// Package audithook bridges Tally lifecycle events to an audit trail backend.
//
// It defines a local Recorder interface so the package does not import an
// audit backend directly. Callers inject a RecorderFunc adapter at wiring
// time.
package audithook

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/xraph/tally/plugin"
	"github.com/xraph/tally/referral"
	"github.com/xraph/tally/subscription"
)

// Compile-time interface checks.
var (
	_ plugin.Plugin                    = (*Extension)(nil)
	_ plugin.OnSubscriptionSynced      = (*Extension)(nil)
	_ plugin.OnSubscriptionCanceled    = (*Extension)(nil)
	_ plugin.OnSubscriptionReactivated = (*Extension)(nil)
	_ plugin.OnAccountDeleted          = (*Extension)(nil)
	_ plugin.OnReferralCreated         = (*Extension)(nil)
	_ plugin.OnReferralTransition      = (*Extension)(nil)
	_ plugin.OnCreditDivergence        = (*Extension)(nil)
	_ plugin.OnWebhookReceived         = (*Extension)(nil)
)

// Recorder is the interface that audit backends must implement.
type Recorder interface {
	Record(ctx context.Context, event *AuditEvent) error
}

// AuditEvent is a local representation of an audit event.
type AuditEvent struct {
	Action     string         `json:"action"`
	Resource   string         `json:"resource"`
	Category   string         `json:"category"`
	ResourceID string         `json:"resource_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Outcome    string         `json:"outcome"`
	Severity   string         `json:"severity"`
	Reason     string         `json:"reason,omitempty"`
}

// RecorderFunc is an adapter to use a plain function as a Recorder.
type RecorderFunc func(ctx context.Context, event *AuditEvent) error

// Record implements Recorder.
func (f RecorderFunc) Record(ctx context.Context, event *AuditEvent) error {
	return f(ctx, event)
}

// Extension bridges Tally lifecycle events to an audit trail backend.
type Extension struct {
	recorder Recorder
	enabled  map[string]bool // nil = all enabled
	logger   *slog.Logger
}

// New creates an Extension that emits audit events through the provided Recorder.
func New(r Recorder, opts ...Option) *Extension {
	e := &Extension{
		recorder: r,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Name implements plugin.Plugin.
func (e *Extension) Name() string { return "audit-hook" }

// ──────────────────────────────────────────────────
// Subscription lifecycle hooks
// ──────────────────────────────────────────────────

// OnSubscriptionSynced implements plugin.OnSubscriptionSynced. Only writes
// and stale reads are audited; unchanged reconciliations are noise.
func (e *Extension) OnSubscriptionSynced(ctx context.Context, sub *subscription.Subscription, outcome string) error {
	switch outcome {
	case "updated":
		return e.record(ctx, ActionSubscriptionSynced, SeverityInfo, OutcomeSuccess,
			ResourceSubscription, sub.ID.String(), CategorySubscription, nil,
			"user_id", sub.UserID,
			"status", string(sub.Status),
			"cancel_at_period_end", sub.CancelAtPeriodEnd,
		)
	case "stale":
		return e.record(ctx, ActionSubscriptionStale, SeverityWarning, OutcomePartial,
			ResourceSubscription, sub.ID.String(), CategorySubscription, nil,
			"user_id", sub.UserID,
		)
	}
	return nil
}

// OnSubscriptionCanceled implements plugin.OnSubscriptionCanceled.
func (e *Extension) OnSubscriptionCanceled(ctx context.Context, sub *subscription.Subscription) error {
	return e.record(ctx, ActionSubscriptionCanceled, SeverityInfo, OutcomeSuccess,
		ResourceSubscription, sub.ID.String(), CategorySubscription, nil,
		"user_id", sub.UserID,
		"current_period_end", sub.CurrentPeriodEnd,
	)
}

// OnSubscriptionReactivated implements plugin.OnSubscriptionReactivated.
func (e *Extension) OnSubscriptionReactivated(ctx context.Context, sub *subscription.Subscription) error {
	return e.record(ctx, ActionSubscriptionReactivated, SeverityInfo, OutcomeSuccess,
		ResourceSubscription, sub.ID.String(), CategorySubscription, nil,
		"user_id", sub.UserID,
	)
}

// OnAccountDeleted implements plugin.OnAccountDeleted.
func (e *Extension) OnAccountDeleted(ctx context.Context, userID string, rows int64) error {
	return e.record(ctx, ActionAccountDeleted, SeverityWarning, OutcomeSuccess,
		ResourceAccount, userID, CategoryAccount, nil,
		"rows", rows,
	)
}

// ──────────────────────────────────────────────────
// Referral lifecycle hooks
// ──────────────────────────────────────────────────

// OnReferralCreated implements plugin.OnReferralCreated.
func (e *Extension) OnReferralCreated(ctx context.Context, r *referral.Referral) error {
	return e.record(ctx, ActionReferralCreated, SeverityInfo, OutcomeSuccess,
		ResourceReferral, r.ID.String(), CategoryPayment, nil,
		"referrer_user_id", r.ReferrerUserID,
		"code", r.Code,
	)
}

// OnReferralTransition implements plugin.OnReferralTransition.
func (e *Extension) OnReferralTransition(ctx context.Context, r *referral.Referral, t referral.Transition) error {
	action, ok := transitionActions[t]
	if !ok {
		return nil
	}
	return e.record(ctx, action, SeverityInfo, OutcomeSuccess,
		ResourceReferral, r.ID.String(), CategoryPayment, nil,
		"referrer_user_id", r.ReferrerUserID,
		"referred_user_id", r.ReferredUserID,
		"amount", r.DiscountAmount.String(),
		"cycle", r.Cycle,
		"transaction_id", r.LastTransactionID,
	)
}

// OnCreditDivergence implements plugin.OnCreditDivergence.
func (e *Extension) OnCreditDivergence(ctx context.Context, r *referral.Referral, t referral.Transition, cause error) error {
	return e.record(ctx, ActionCreditDivergence, SeverityCritical, OutcomeFailure,
		ResourceReferral, r.ID.String(), CategoryPayment, cause,
		"referrer_user_id", r.ReferrerUserID,
		"transition", string(t),
		"amount", r.DiscountAmount.String(),
	)
}

var transitionActions = map[referral.Transition]string{
	referral.TransitionComplete: ActionReferralCompleted,
	referral.TransitionReward:   ActionReferralRewarded,
	referral.TransitionRevert:   ActionReferralReverted,
	referral.TransitionRestore:  ActionReferralRestored,
}

// ──────────────────────────────────────────────────
// Provider hooks
// ──────────────────────────────────────────────────

// OnWebhookReceived implements plugin.OnWebhookReceived.
func (e *Extension) OnWebhookReceived(ctx context.Context, provider, eventType string) error {
	return e.record(ctx, ActionWebhookReceived, SeverityInfo, OutcomeSuccess,
		ResourceWebhook, eventType, CategoryIntegration, nil,
		"provider", provider,
	)
}

// ──────────────────────────────────────────────────
// Internal helpers
// ──────────────────────────────────────────────────

// record builds and sends an audit event if the action is enabled.
func (e *Extension) record(
	ctx context.Context,
	action, severity, outcome string,
	resource, resourceID, category string,
	err error,
	kvPairs ...any,
) error {
	if e.enabled != nil && !e.enabled[action] {
		return nil
	}

	meta := make(map[string]any, len(kvPairs)/2+1)
	for i := 0; i+1 < len(kvPairs); i += 2 {
		key, ok := kvPairs[i].(string)
		if !ok {
			key = fmt.Sprintf("%v", kvPairs[i])
		}
		meta[key] = kvPairs[i+1]
	}

	var reason string
	if err != nil {
		reason = err.Error()
		meta["error"] = err.Error()
	}

	evt := &AuditEvent{
		Action:     action,
		Resource:   resource,
		Category:   category,
		ResourceID: resourceID,
		Metadata:   meta,
		Outcome:    outcome,
		Severity:   severity,
		Reason:     reason,
	}

	if recErr := e.recorder.Record(ctx, evt); recErr != nil {
		e.logger.Warn("audit_hook: failed to record audit event",
			"action", action,
			"resource_id", resourceID,
			"error", recErr,
		)
	}
	return nil
}

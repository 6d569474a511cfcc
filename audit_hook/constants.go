package audithook

// Action constants for audit events.
const (
	// Subscription actions
	ActionSubscriptionSynced      = "subscription.synced"
	ActionSubscriptionStale       = "subscription.stale"
	ActionSubscriptionCanceled    = "subscription.canceled"
	ActionSubscriptionReactivated = "subscription.reactivated"
	ActionAccountDeleted          = "account.deleted"

	// Referral actions
	ActionReferralCreated   = "referral.created"
	ActionReferralCompleted = "referral.completed"
	ActionReferralRewarded  = "referral.rewarded"
	ActionReferralReverted  = "referral.reverted"
	ActionReferralRestored  = "referral.restored"
	ActionCreditDivergence  = "referral.credit_divergence"

	// Provider actions
	ActionWebhookReceived = "webhook.received"
)

// Resource constants for audit events.
const (
	ResourceSubscription = "subscription"
	ResourceAccount      = "account"
	ResourceReferral     = "referral"
	ResourceWebhook      = "webhook"
)

// Category constants for audit events.
const (
	CategorySubscription = "subscription"
	CategoryAccount      = "account"
	CategoryPayment      = "payment"
	CategoryIntegration  = "integration"
)

// Severity levels for audit events.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityError    = "error"
	SeverityCritical = "critical"
)

// Outcome values for audit events.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomePartial = "partial"
)

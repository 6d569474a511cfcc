package tally

import (
	"errors"
	"fmt"

	"github.com/xraph/tally/provider"
	"github.com/xraph/tally/referral"
)

// Sentinel errors for common failure scenarios.
var (
	// General errors
	ErrNotFound      = errors.New("tally: not found")
	ErrAlreadyExists = errors.New("tally: already exists")

	// Subscription errors
	ErrSubscriptionNotFound   = errors.New("tally: subscription not found")
	ErrSubscriptionExists     = errors.New("tally: user already holds an active subscription")
	ErrNoExternalSubscription = errors.New("tally: subscription is not linked to the billing provider")
	ErrNotEntitled            = errors.New("tally: subscription is not active")
	ErrProviderNotConfigured  = errors.New("tally: billing provider not configured")

	// Referral errors
	ErrReferralNotFound   = errors.New("tally: referral not found")
	ErrReferralTaken      = errors.New("tally: referral code already claimed")
	ErrSelfReferral       = errors.New("tally: users cannot refer themselves")
	ErrAlreadyReferred    = errors.New("tally: user was already referred")
	ErrTransitionConflict = errors.New("tally: referral changed concurrently")
	ErrInvalidTransition  = referral.ErrInvalidTransition

	// Webhook errors
	ErrWebhookSignature = errors.New("tally: webhook signature verification failed")

	// Store errors
	ErrStoreClosed     = errors.New("tally: store is closed")
	ErrMigrationFailed = errors.New("tally: migration failed")
)

// ValidationError represents a validation failure with details.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("tally: validation failed for %s: %s", e.Field, e.Message)
}

// ProviderError is a failed billing provider call made on behalf of a
// Tally operation.
type ProviderError struct {
	Op        string
	Retryable bool
	Err       error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("tally: billing provider %s failed: %v", e.Op, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// TerminalStateError rejects an action the subscription can no longer take.
// Reason is safe to show to the user.
type TerminalStateError struct {
	Reason string
}

func (e *TerminalStateError) Error() string {
	return "tally: " + e.Reason
}

// ReasonSubscriptionEnded is the reason given when reactivating a subscription
// whose cancellation took effect.
const ReasonSubscriptionEnded = "subscription fully ended, cannot be restored"

// wrapProvider converts a provider failure into a ProviderError.
func wrapProvider(op string, err error) error {
	if err == nil {
		return nil
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return err
	}
	return &ProviderError{Op: op, Retryable: provider.IsRetryable(err), Err: err}
}

// IsNotFound returns true if the error is a not found error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrSubscriptionNotFound) ||
		errors.Is(err, ErrReferralNotFound)
}

// IsRetryable returns true if the error is temporary and the operation can be retried.
func IsRetryable(err error) bool {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	return provider.IsRetryable(err) || errors.Is(err, ErrTransitionConflict)
}

// IsTerminal returns true if the error rejects an action on an ended subscription.
func IsTerminal(err error) bool {
	var te *TerminalStateError
	return errors.As(err, &te)
}

// IsValidation returns true if the error is a ValidationError.
func IsValidation(err error) bool {
	var ve ValidationError
	return errors.As(err, &ve)
}

// IsProvider returns true if the error came from the billing provider.
func IsProvider(err error) bool {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return true
	}
	_, ok := provider.AsError(err)
	return ok
}

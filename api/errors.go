package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/xraph/tally"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// Messages shown for provider failures. Provider messages are never passed
// through.
const (
	MessageProviderUnavailable = "billing provider unavailable"
	MessageProviderRejected    = "billing provider rejected the request"
	MessageInternal            = "internal error"
)

// ErrorHandler renders the last error attached to the context.
func ErrorHandler(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}
		err := c.Errors.Last().Err
		status, msg := Classify(err)

		attrs := []any{
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", status,
			"error", err,
		}
		if status >= http.StatusInternalServerError {
			logger.Error("request failed", attrs...)
		} else {
			logger.Debug("request rejected", attrs...)
		}

		c.JSON(status, ErrorResponse{Error: msg})
	}
}

// Classify maps an engine error to a status code and a message that is safe
// to show to users.
func Classify(err error) (int, string) {
	var ve tally.ValidationError
	var te *tally.TerminalStateError
	var tooLarge *http.MaxBytesError

	switch {
	case errors.As(err, &tooLarge):
		return http.StatusRequestEntityTooLarge, "request body too large"
	case errors.As(err, &ve):
		return http.StatusBadRequest, ve.Field + " " + ve.Message
	case errors.As(err, &te):
		return http.StatusBadRequest, te.Reason
	case tally.IsNotFound(err):
		return http.StatusNotFound, notFoundMessage(err)
	case errors.Is(err, tally.ErrWebhookSignature):
		return http.StatusBadRequest, "invalid webhook signature"
	case errors.Is(err, tally.ErrNotEntitled):
		return http.StatusBadRequest, "subscription is not active"
	case errors.Is(err, tally.ErrNoExternalSubscription):
		return http.StatusBadRequest, "subscription is not linked to the billing provider"
	case errors.Is(err, tally.ErrSelfReferral):
		return http.StatusBadRequest, "users cannot refer themselves"
	case errors.Is(err, tally.ErrReferralTaken):
		return http.StatusConflict, "referral code already claimed"
	case errors.Is(err, tally.ErrAlreadyReferred):
		return http.StatusConflict, "user was already referred"
	case errors.Is(err, tally.ErrSubscriptionExists):
		return http.StatusConflict, "user already holds an active subscription"
	case errors.Is(err, tally.ErrTransitionConflict), errors.Is(err, tally.ErrInvalidTransition):
		return http.StatusConflict, "referral changed concurrently, retry"
	case errors.Is(err, tally.ErrProviderNotConfigured):
		return http.StatusServiceUnavailable, MessageProviderUnavailable
	case tally.IsProvider(err):
		if tally.IsRetryable(err) {
			return http.StatusServiceUnavailable, MessageProviderUnavailable
		}
		return http.StatusBadGateway, MessageProviderRejected
	}
	return http.StatusInternalServerError, MessageInternal
}

func notFoundMessage(err error) string {
	switch {
	case errors.Is(err, tally.ErrReferralNotFound):
		return "referral not found"
	case errors.Is(err, tally.ErrSubscriptionNotFound):
		return "subscription not found"
	}
	return "not found"
}

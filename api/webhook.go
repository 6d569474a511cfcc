package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/xraph/tally"
	stripeprov "github.com/xraph/tally/provider/stripe"
)

// maxWebhookBytes bounds the webhook body. Larger bodies are refused with
// 413 rather than truncated, which would fail the signature check.
const maxWebhookBytes = 4 << 20

// stripeWebhook verifies and dispatches a Stripe event. Failures the
// provider should redeliver answer 5xx; everything else is acknowledged so
// a permanently bad event is not retried forever.
func (h *Handler) stripeWebhook(c *gin.Context) {
	ctx := c.Request.Context()

	payload, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			_ = c.Error(err)
			return
		}
		_ = c.Error(tally.ValidationError{Field: "body", Message: "could not be read"})
		return
	}

	ev, err := stripeprov.ParseWebhook(payload, c.GetHeader("Stripe-Signature"), h.webhookSecret)
	if err != nil {
		if errors.Is(err, stripeprov.ErrSignature) {
			_ = c.Error(fmt.Errorf("%w: %w", tally.ErrWebhookSignature, err))
			return
		}
		_ = c.Error(tally.ValidationError{Field: "body", Message: "is not a valid event"})
		return
	}

	h.engine.Plugins().EmitWebhookReceived(ctx, "stripe", ev.Type)

	if err := h.dispatch(ctx, ev); err != nil {
		h.logger.Error("webhook handling failed",
			"event_id", ev.ID,
			"event_type", ev.Type,
			"error", err,
		)
		if tally.IsRetryable(err) || (!tally.IsProvider(err) && !isPermanent(err)) {
			c.JSON(http.StatusInternalServerError, ErrorResponse{Error: MessageInternal})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"received": true})
}

func (h *Handler) dispatch(ctx context.Context, ev *stripeprov.Event) error {
	switch {
	case ev.Checkout != nil:
		co := ev.Checkout
		if co.UserID == "" {
			h.logger.Warn("checkout without client reference ignored", "event_id", ev.ID)
			return nil
		}
		if _, err := h.engine.RecordCheckout(ctx, co.UserID, co.ExternalClientID, co.ExternalSubscriptionID); err != nil {
			return err
		}
		h.invalidate(ctx, co.UserID)

	case ev.Subscription != nil:
		res, err := h.engine.SubscriptionChanged(ctx, ev.Subscription.ExternalSubscriptionID)
		if err != nil {
			return err
		}
		if res.Subscription != nil {
			h.invalidate(ctx, res.Subscription.UserID)
		}

	case ev.Invoice != nil:
		inv := ev.Invoice
		if inv.ExternalSubscriptionID == "" {
			return nil
		}
		switch ev.Type {
		case stripeprov.EventInvoicePaid:
			if inv.Invoice.BillingReason != stripeprov.BillingReasonSubscriptionCreate {
				return nil
			}
			_, err := h.engine.FirstPaymentReceived(ctx, inv.ExternalSubscriptionID)
			return err
		case stripeprov.EventInvoiceCreated:
			_, err := h.engine.InvoiceCreated(ctx, inv.ExternalSubscriptionID, inv.Invoice.ID)
			return err
		}
	}
	return nil
}

// isPermanent reports failures a redelivery cannot fix.
func isPermanent(err error) bool {
	return tally.IsValidation(err) ||
		tally.IsNotFound(err) ||
		tally.IsTerminal(err) ||
		errors.Is(err, tally.ErrSubscriptionExists) ||
		errors.Is(err, tally.ErrNoExternalSubscription)
}

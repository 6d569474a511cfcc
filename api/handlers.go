package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/xraph/tally"
	"github.com/xraph/tally/entitlement"
	"github.com/xraph/tally/id"
	"github.com/xraph/tally/invoice"
	"github.com/xraph/tally/referral"
	"github.com/xraph/tally/subscription"
)

type userRequest struct {
	UserID string `json:"userId" validate:"required,ident"`
}

type reactivateRequest struct {
	SubscriptionID string `json:"subscriptionId" validate:"required,ident"`
}

type applyCreditRequest struct {
	UserID    string `json:"userId" validate:"required,ident"`
	InvoiceID string `json:"invoiceId" validate:"omitempty,ident"`
}

type claimReferralRequest struct {
	Code   string `json:"code" validate:"required,ident"`
	UserID string `json:"userId" validate:"required,ident"`
}

type referrerInfoRequest struct {
	Code string `json:"referralCode" validate:"required,ident"`
}

type visibilityRequest struct {
	UserID  string `json:"userId" validate:"required,ident"`
	Visible *bool  `json:"visible" validate:"required"`
}

type userURI struct {
	UserID string `uri:"userId" validate:"required,ident"`
}

type subscriptionQuery struct {
	Role string `form:"role" validate:"omitempty,oneof=owner collaborator viewer"`
}

// ──────────────────────────────────────────────────
// Responses
// ──────────────────────────────────────────────────

type actionResponse struct {
	Status       string                     `json:"status"`
	Outcome      string                     `json:"outcome,omitempty"`
	Subscription *subscription.Subscription `json:"subscription,omitempty"`
	Reverted     int                        `json:"reverted,omitempty"`
	Restored     int                        `json:"restored,omitempty"`
}

type creditResponse struct {
	Success        bool           `json:"success"`
	CreditApplied  bool           `json:"creditApplied"`
	NoOp           bool           `json:"noOp,omitempty"`
	Deferred       bool           `json:"deferred,omitempty"`
	ReferralID     *id.ReferralID `json:"referralId,omitempty"`
	DiscountAmount *float64       `json:"discountAmount,omitempty"`
	Currency       string         `json:"currency,omitempty"`
	InvoiceID      string         `json:"invoiceId,omitempty"`
	Message        string         `json:"message,omitempty"`
}

type referralResponse struct {
	Success  bool               `json:"success"`
	Referral *referral.Referral `json:"referral"`
}

type referrerInfo struct {
	ReferralID     string          `json:"referralId"`
	ReferrerUserID string          `json:"referrerUserId"`
	ReferralCode   string          `json:"referralCode"`
	Status         referral.Status `json:"status"`
	// Claimable is false once the code is bound to a user.
	Claimable bool `json:"claimable"`
}

type subscriptionResponse struct {
	Subscription *subscription.Subscription `json:"subscription"`
	Outcome      tally.SyncOutcome          `json:"outcome,omitempty"`
	Entitled     bool                       `json:"entitled"`
	Capabilities entitlement.Capabilities   `json:"capabilities"`
	FetchedAt    time.Time                  `json:"fetchedAt"`
}

// ──────────────────────────────────────────────────
// Controller
// ──────────────────────────────────────────────────

func (h *Handler) reactivate(c *gin.Context) {
	var req reactivateRequest
	if err := h.bindJSON(c, &req); err != nil {
		_ = c.Error(err)
		return
	}

	res, err := h.engine.Reactivate(c.Request.Context(), req.SubscriptionID)
	if err != nil {
		_ = c.Error(err)
		return
	}
	if res.Subscription != nil {
		h.invalidate(c.Request.Context(), res.Subscription.UserID)
	}
	if res.Outcome == tally.ReactivateDeclined {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: res.Message})
		return
	}
	c.JSON(http.StatusOK, actionResponse{
		Status:       "success",
		Outcome:      string(res.Outcome),
		Subscription: res.Subscription,
		Restored:     res.Restored,
	})
}

func (h *Handler) cancel(c *gin.Context) {
	var req userRequest
	if err := h.bindJSON(c, &req); err != nil {
		_ = c.Error(err)
		return
	}

	res, err := h.engine.Cancel(c.Request.Context(), req.UserID)
	if err != nil {
		_ = c.Error(err)
		return
	}
	h.invalidate(c.Request.Context(), req.UserID)
	c.JSON(http.StatusOK, actionResponse{
		Status:       "success",
		Subscription: res.Subscription,
		Reverted:     res.Reverted,
	})
}

func (h *Handler) syncSubscription(c *gin.Context) {
	var req userRequest
	if err := h.bindJSON(c, &req); err != nil {
		_ = c.Error(err)
		return
	}

	res, err := h.engine.SyncSubscription(c.Request.Context(), req.UserID)
	if err != nil {
		_ = c.Error(err)
		return
	}
	h.invalidate(c.Request.Context(), req.UserID)
	c.JSON(http.StatusOK, gin.H{"status": res.Outcome})
}

func (h *Handler) deleteAccount(c *gin.Context) {
	var req userRequest
	if err := h.bindJSON(c, &req); err != nil {
		_ = c.Error(err)
		return
	}

	res, err := h.engine.DeleteAccount(c.Request.Context(), req.UserID)
	if err != nil {
		_ = c.Error(err)
		return
	}
	h.invalidate(c.Request.Context(), req.UserID)
	c.JSON(http.StatusOK, gin.H{
		"success":  true,
		"deleted":  res.Deleted,
		"reverted": res.Reverted,
	})
}

// ──────────────────────────────────────────────────
// Referrals
// ──────────────────────────────────────────────────

func (h *Handler) applyReferralCredit(c *gin.Context) {
	var req applyCreditRequest
	if err := h.bindJSON(c, &req); err != nil {
		_ = c.Error(err)
		return
	}

	res, err := h.engine.ApplyReferralCredit(c.Request.Context(), req.UserID, req.InvoiceID)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, toCreditResponse(res))
}

func toCreditResponse(res *tally.CreditResult) creditResponse {
	out := creditResponse{
		Success:       res.Success,
		CreditApplied: res.CreditApplied,
		NoOp:          res.NoOp,
		Deferred:      res.Deferred,
		InvoiceID:     res.InvoiceID,
		Message:       res.Message,
	}
	if !res.ReferralID.IsNil() {
		refID := res.ReferralID
		out.ReferralID = &refID
	}
	if res.DiscountAmount != nil {
		major := res.DiscountAmount.Abs().Decimal().InexactFloat64()
		out.DiscountAmount = &major
		out.Currency = res.DiscountAmount.Currency
	}
	return out
}

func (h *Handler) claimPendingReferral(c *gin.Context) {
	var req userRequest
	if err := h.bindJSON(c, &req); err != nil {
		_ = c.Error(err)
		return
	}

	r, err := h.engine.ClaimPendingReferral(c.Request.Context(), req.UserID)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "referralId": r.ID})
}

func (h *Handler) registerReferral(c *gin.Context) {
	var req userRequest
	if err := h.bindJSON(c, &req); err != nil {
		_ = c.Error(err)
		return
	}

	r, err := h.engine.RegisterReferral(c.Request.Context(), req.UserID)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, referralResponse{Success: true, Referral: r})
}

func (h *Handler) claimReferral(c *gin.Context) {
	var req claimReferralRequest
	if err := h.bindJSON(c, &req); err != nil {
		_ = c.Error(err)
		return
	}

	r, err := h.engine.ClaimReferral(c.Request.Context(), req.Code, req.UserID)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, referralResponse{Success: true, Referral: r})
}

// bindUserURI reads and validates the :userId path parameter.
func (h *Handler) bindUserURI(c *gin.Context) (string, error) {
	var uri userURI
	if err := c.ShouldBindUri(&uri); err != nil {
		return "", tally.ValidationError{Field: "userId", Message: "is required"}
	}
	if err := h.check(&uri); err != nil {
		return "", err
	}
	return uri.UserID, nil
}

func (h *Handler) listReferrals(c *gin.Context) {
	userID, err := h.bindUserURI(c)
	if err != nil {
		_ = c.Error(err)
		return
	}

	refs, err := h.engine.ListReferrals(c.Request.Context(), userID)
	if err != nil {
		_ = c.Error(err)
		return
	}
	if refs == nil {
		refs = []*referral.Referral{}
	}
	c.JSON(http.StatusOK, gin.H{"referrals": refs})
}

func (h *Handler) referrerInfo(c *gin.Context) {
	var req referrerInfoRequest
	if err := h.bindJSON(c, &req); err != nil {
		_ = c.Error(err)
		return
	}

	r, err := h.engine.LookupReferral(c.Request.Context(), req.Code)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"referrer": referrerInfo{
			ReferralID:     r.ID.String(),
			ReferrerUserID: r.ReferrerUserID,
			ReferralCode:   r.Code,
			Status:         r.Status,
			Claimable:      r.Status == referral.StatusPending && r.ReferredUserID == "",
		},
	})
}

// ──────────────────────────────────────────────────
// Invoices
// ──────────────────────────────────────────────────

func (h *Handler) listInvoices(c *gin.Context) {
	userID, err := h.bindUserURI(c)
	if err != nil {
		_ = c.Error(err)
		return
	}

	invoices, err := h.engine.ListInvoices(c.Request.Context(), userID, tally.DefaultInvoiceLimit)
	if err != nil {
		_ = c.Error(err)
		return
	}
	if invoices == nil {
		invoices = []*invoice.Invoice{}
	}
	c.JSON(http.StatusOK, gin.H{"invoices": invoices})
}

// ──────────────────────────────────────────────────
// Client cache
// ──────────────────────────────────────────────────

func (h *Handler) getSubscription(c *gin.Context) {
	userID, err := h.bindUserURI(c)
	if err != nil {
		_ = c.Error(err)
		return
	}
	var q subscriptionQuery
	if err := h.bindQuery(c, &q); err != nil {
		_ = c.Error(err)
		return
	}

	role := entitlement.Role(q.Role)
	if role == entitlement.RoleNone {
		role = entitlement.RoleOwner
	}

	entry, err := h.sched.Get(c.Request.Context(), userID)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, h.subscriptionView(entry.Subscription, entry.Outcome, entry.FetchedAt, role))
}

func (h *Handler) visibility(c *gin.Context) {
	var req visibilityRequest
	if err := h.bindJSON(c, &req); err != nil {
		_ = c.Error(err)
		return
	}

	entry, err := h.sched.OnVisibilityChange(c.Request.Context(), req.UserID, *req.Visible)
	if err != nil {
		_ = c.Error(err)
		return
	}
	if entry == nil {
		c.JSON(http.StatusOK, gin.H{"visible": false})
		return
	}
	c.JSON(http.StatusOK, h.subscriptionView(entry.Subscription, entry.Outcome, entry.FetchedAt, entitlement.RoleOwner))
}

func (h *Handler) subscriptionView(sub *subscription.Subscription, outcome tally.SyncOutcome, fetchedAt time.Time, role entitlement.Role) subscriptionResponse {
	caps := entitlement.Derive(sub, role, h.engine.Now())
	return subscriptionResponse{
		Subscription: sub,
		Outcome:      outcome,
		Entitled:     caps.Entitled,
		Capabilities: caps,
		FetchedAt:    fetchedAt,
	}
}

func (h *Handler) invalidate(ctx context.Context, userID string) {
	if h.sched == nil || userID == "" {
		return
	}
	if err := h.sched.Invalidate(ctx, userID); err != nil {
		h.logger.Warn("subscription cache invalidation failed",
			"user_id", userID,
			"error", err,
		)
	}
}

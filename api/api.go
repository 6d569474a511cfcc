// Package api exposes the Tally engine over HTTP with gin.
//
// Routes (relative to the mount point):
//
//	POST /reactivate               {subscriptionId}
//	POST /cancel                   {userId}
//	POST /sync-subscription        {userId}
//	POST /apply-referral-credit    {userId, invoiceId?}
//	POST /claim-pending-referral   {userId}
//	POST /referrals                {userId}
//	POST /claim-referral           {code, userId}
//	POST /delete-account           {userId}
//	POST /visibility               {userId, visible}
//	GET  /subscription/:userId     ?role=owner|collaborator|viewer
//	GET  /healthz
//	POST /webhooks/stripe          (only with a webhook secret)
package api

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	"github.com/xraph/tally"
	"github.com/xraph/tally/refresh"
)

// Handler serves the HTTP surface.
type Handler struct {
	engine        *tally.Engine
	sched         *refresh.Scheduler
	validate      *validator.Validate
	logger        *slog.Logger
	webhookSecret string
}

// Option configures a Handler.
type Option func(*Handler)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(h *Handler) { h.logger = l } }

// WithStripeWebhookSecret enables POST /webhooks/stripe, verifying payloads
// with secret.
func WithStripeWebhookSecret(secret string) Option {
	return func(h *Handler) { h.webhookSecret = secret }
}

// New creates a Handler. sched serves GET /subscription and is invalidated
// after every mutating call.
func New(engine *tally.Engine, sched *refresh.Scheduler, opts ...Option) *Handler {
	h := &Handler{
		engine:   engine,
		sched:    sched,
		validate: newValidator(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Router returns a standalone gin engine with the routes mounted at
// basePath.
func (h *Handler) Router(basePath string) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	h.Register(r.Group(basePath))
	return r
}

// Register mounts the routes on rg.
func (h *Handler) Register(rg *gin.RouterGroup) {
	rg.Use(ErrorHandler(h.logger))

	rg.GET("/healthz", h.health)

	rg.POST("/reactivate", h.reactivate)
	rg.POST("/cancel", h.cancel)
	rg.POST("/sync-subscription", h.syncSubscription)
	rg.POST("/delete-account", h.deleteAccount)

	rg.POST("/apply-referral-credit", h.applyReferralCredit)
	rg.POST("/claim-pending-referral", h.claimPendingReferral)
	rg.POST("/referrals", h.registerReferral)
	rg.POST("/claim-referral", h.claimReferral)
	rg.GET("/referrals/:userId", h.listReferrals)
	rg.POST("/referrer-info", h.referrerInfo)

	rg.GET("/invoices/:userId", h.listInvoices)

	rg.GET("/subscription/:userId", h.getSubscription)
	rg.POST("/visibility", h.visibility)

	if h.webhookSecret != "" {
		rg.POST("/webhooks/stripe", h.stripeWebhook)
	}
}

func (h *Handler) health(c *gin.Context) {
	if err := h.engine.Store().Ping(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

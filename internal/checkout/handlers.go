package checkout

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/stripe/stripe-go/v81"

	"github.com/jferrand/guestfolio/internal/plan"
)

// Handler provides HTTP endpoints for checkout operations.
type Handler struct {
	service  *Service
	provider *StripeProvider
	logger   *slog.Logger
}

// NewHandler creates a new checkout handler. provider may be nil when Stripe
// is not configured; the webhook endpoint then rejects all deliveries.
func NewHandler(service *Service, provider *StripeProvider, logger *slog.Logger) *Handler {
	return &Handler{service: service, provider: provider, logger: logger}
}

// RegisterRoutes sets up checkout routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/checkout", h.InitiateCheckout)
	r.GET("/purchases/:id", h.GetPurchase)
}

// RegisterWebhookRoutes sets up the provider callback route. It carries no
// auth middleware; the signature check is the authentication.
func (h *Handler) RegisterWebhookRoutes(r *gin.RouterGroup) {
	r.POST("/webhooks/stripe", h.StripeWebhook)
}

type initiateRequest struct {
	AccountID string `json:"account_id" binding:"required"`
	Plan      string `json:"plan" binding:"required"`
	Units     int    `json:"units"`
	Quantity  int    `json:"quantity"`
}

// InitiateCheckout handles POST /v1/checkout
func (h *Handler) InitiateCheckout(c *gin.Context) {
	var req initiateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}
	if req.Quantity == 0 {
		req.Quantity = 1
	}

	purchase, redirectURL, err := h.service.Initiate(c.Request.Context(), req.AccountID, req.Plan, req.Units, req.Quantity)
	if err != nil {
		switch {
		case errors.Is(err, plan.ErrPlanNotFound):
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "plan_not_found",
				"message": "Unknown plan",
			})
		case errors.Is(err, ErrTrialNotPurchasable):
			c.JSON(http.StatusUnprocessableEntity, gin.H{
				"error":   "trial_not_purchasable",
				"message": "The free trial cannot be bought",
			})
		default:
			c.JSON(http.StatusBadGateway, gin.H{
				"error":   "checkout_failed",
				"message": err.Error(),
			})
		}
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"purchase":     purchase,
		"redirect_url": redirectURL,
	})
}

// GetPurchase handles GET /v1/purchases/:id (the return page polls this
// until the purchase commits).
func (h *Handler) GetPurchase(c *gin.Context) {
	purchase, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrPurchaseNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "No such purchase",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"purchase": purchase})
}

// StripeWebhook handles POST /v1/webhooks/stripe. Any processing error on a
// completed session answers 5xx so Stripe redelivers; Confirm is idempotent
// so redelivery is safe.
func (h *Handler) StripeWebhook(c *gin.Context) {
	if h.provider == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "not_configured",
			"message": "Payment provider not configured",
		})
		return
	}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_body"})
		return
	}

	event, err := h.provider.VerifyEvent(body, c.GetHeader("Stripe-Signature"))
	if err != nil {
		h.logger.Warn("stripe webhook signature rejected", "error", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_signature"})
		return
	}

	switch event.Type {
	case "checkout.session.completed":
		purchaseID, ok := h.purchaseID(event)
		if !ok {
			h.logger.Warn("stripe event without purchase reference", "event_id", event.ID)
			c.Status(http.StatusOK)
			return
		}
		if err := h.service.Confirm(c.Request.Context(), purchaseID); err != nil {
			h.logger.Error("purchase confirmation failed",
				"purchase_id", purchaseID,
				"event_id", event.ID,
				"error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "confirmation_failed"})
			return
		}
		h.logger.Info("purchase confirmed", "purchase_id", purchaseID, "event_id", event.ID)

	case "checkout.session.expired":
		if purchaseID, ok := h.purchaseID(event); ok {
			if err := h.service.Abandon(c.Request.Context(), purchaseID); err != nil && !errors.Is(err, ErrPurchaseNotFound) {
				h.logger.Error("purchase abandon failed", "purchase_id", purchaseID, "error", err)
				c.JSON(http.StatusInternalServerError, gin.H{"error": "abandon_failed"})
				return
			}
		}

	default:
		// Unhandled event types are acknowledged so Stripe stops resending.
	}

	c.Status(http.StatusOK)
}

func (h *Handler) purchaseID(event stripe.Event) (string, bool) {
	var session stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		return "", false
	}
	if session.ClientReferenceID != "" {
		return session.ClientReferenceID, true
	}
	if id, ok := session.Metadata["purchase_id"]; ok && id != "" {
		return id, true
	}
	return "", false
}

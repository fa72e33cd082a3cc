package entitlement

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/jferrand/guestfolio/internal/ledger"
)

// Handler provides HTTP endpoints for slot and booklet operations.
type Handler struct {
	enforcer *Enforcer
}

// NewHandler creates a new entitlement handler.
func NewHandler(enforcer *Enforcer) *Handler {
	return &Handler{enforcer: enforcer}
}

// RegisterRoutes sets up slot and booklet routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/accounts/:id/slots", h.GetRemainingSlots)
	r.GET("/accounts/:id/booklets", h.ListBooklets)
	r.POST("/accounts/:id/booklets", h.CreateBooklet)
	r.POST("/booklets/:id/duplicate", h.DuplicateBooklet)
	r.DELETE("/booklets/:id", h.DeleteBooklet)
}

// GetRemainingSlots handles GET /v1/accounts/:id/slots
//
// Dashboards call this to render quota widgets and disable create/duplicate
// buttons before even attempting the action.
func (h *Handler) GetRemainingSlots(c *gin.Context) {
	remaining, err := h.enforcer.Remaining(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ledger.ErrLedgerNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "No such account",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"slots": remaining})
}

// ListBooklets handles GET /v1/accounts/:id/booklets
func (h *Handler) ListBooklets(c *gin.Context) {
	booklets, err := h.enforcer.ListBooklets(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"booklets": booklets,
		"count":    len(booklets),
	})
}

// CreateBooklet handles POST /v1/accounts/:id/booklets
func (h *Handler) CreateBooklet(c *gin.Context) {
	var req ReserveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	kind := ledger.Kind(strings.ToUpper(req.Kind))
	if !kind.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "kind must be TRIAL, ANNUAL or SEASONAL",
		})
		return
	}

	b, err := h.enforcer.Reserve(c.Request.Context(), c.Param("id"), kind, req.Name)
	if err != nil {
		h.writeReserveError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"booklet": b})
}

// DuplicateBooklet handles POST /v1/booklets/:id/duplicate
func (h *Handler) DuplicateBooklet(c *gin.Context) {
	b, err := h.enforcer.Duplicate(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeReserveError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"booklet": b})
}

// DeleteBooklet handles DELETE /v1/booklets/:id
func (h *Handler) DeleteBooklet(c *gin.Context) {
	if err := h.enforcer.Release(c.Request.Context(), c.Param("id")); err != nil {
		if errors.Is(err, ledger.ErrBookletNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "No such booklet",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"released": true})
}

// writeReserveError translates enforcer errors into structured responses.
func (h *Handler) writeReserveError(c *gin.Context, err error) {
	var insufficient *ledger.InsufficientSlotsError
	switch {
	case errors.As(err, &insufficient):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "insufficient_slots",
			"kind":    string(insufficient.Kind),
			"message": "No remaining slot of this kind; upgrade the plan to continue",
		})
	case errors.Is(err, ErrAccountBlocked):
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "account_blocked",
			"message": "The subscription does not allow this action",
		})
	case errors.Is(err, ErrCountryRequired):
		c.JSON(http.StatusPreconditionFailed, gin.H{
			"error":   "country_required",
			"message": "Set the account country before duplicating a booklet",
		})
	case errors.Is(err, ErrTrialNotDuplicable):
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":   "trial_not_duplicable",
			"message": "Trial booklets cannot be duplicated",
		})
	case errors.Is(err, ErrSourceInactive):
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":   "source_inactive",
			"message": "Deactivated booklets cannot be duplicated",
		})
	case errors.Is(err, ledger.ErrBookletNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "No such booklet",
		})
	case errors.Is(err, ledger.ErrLedgerNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "No such account",
		})
	case errors.Is(err, ledger.ErrConflict):
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "conflict",
			"message": "The ledger is busy; please retry",
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
	}
}

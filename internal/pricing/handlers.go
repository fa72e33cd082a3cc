package pricing

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/jferrand/guestfolio/internal/metrics"
	"github.com/jferrand/guestfolio/internal/plan"
)

// Handler provides HTTP endpoints for price previews.
type Handler struct{}

// NewHandler creates a new pricing handler.
func NewHandler() *Handler {
	return &Handler{}
}

// RegisterRoutes sets up public pricing routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/quote", h.GetQuote)
	r.GET("/plans", h.ListPlans)
}

// GetQuote handles GET /v1/quote?plan=&units=&quantity=
//
// The pricing UI calls this on every keystroke of the quantity input, so the
// handler does nothing but a catalogue lookup and integer arithmetic.
func (h *Handler) GetQuote(c *gin.Context) {
	planID := c.Query("plan")
	if planID == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "plan query parameter is required",
		})
		return
	}

	units := 1
	if u := c.Query("units"); u != "" {
		parsed, err := strconv.Atoi(u)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_unit_range",
				"message": "units must be an integer",
			})
			return
		}
		units = parsed
	}

	quantity := 1
	if q := c.Query("quantity"); q != "" {
		parsed, err := strconv.Atoi(q)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_unit_range",
				"message": "quantity must be an integer",
			})
			return
		}
		quantity = parsed
	}

	quote, err := Price(planID, units, quantity)
	if err != nil {
		switch {
		case errors.Is(err, plan.ErrPlanNotFound):
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Unknown plan",
			})
		case errors.Is(err, ErrInvalidUnitRange):
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_unit_range",
				"message": "units and quantity must be positive",
			})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "internal_error",
				"message": err.Error(),
			})
		}
		return
	}

	metrics.QuotesTotal.WithLabelValues(planID).Inc()
	c.JSON(http.StatusOK, gin.H{"quote": quote})
}

// ListPlans handles GET /v1/plans
func (h *Handler) ListPlans(c *gin.Context) {
	plans := make([]*plan.Plan, 0, len(plan.Order))
	for _, id := range plan.Order {
		plans = append(plans, plan.Catalogue[id])
	}
	c.JSON(http.StatusOK, gin.H{
		"plans": plans,
		"count": len(plans),
	})
}

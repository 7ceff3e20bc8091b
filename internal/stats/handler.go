package stats

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/fraudwatch/internal/transactions"
)

// Handler serves GET /stats.
type Handler struct {
	agg    *Aggregator
	logger *slog.Logger
}

// NewHandler creates a stats handler.
func NewHandler(agg *Aggregator, logger *slog.Logger) *Handler {
	return &Handler{agg: agg, logger: logger}
}

// RegisterRoutes mounts /stats on an authenticated transactions group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/stats", h.Get)
}

// Get returns a snapshot over the optional dateFrom/dateTo range.
func (h *Handler) Get(c *gin.Context) {
	filter, err := transactions.ParseFilter(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	snap, err := h.agg.Compute(c.Request.Context(), filter)
	if err != nil {
		transactions.WriteStoreError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

// ParseRange builds a date filter from raw dateFrom/dateTo values, as sent
// over the live channel.
func ParseRange(dateFrom, dateTo string) (transactions.Filter, error) {
	var f transactions.Filter
	var err error
	if f.From, err = transactions.ParseTimeParam(dateFrom, false); err != nil {
		return f, err
	}
	if f.To, err = transactions.ParseTimeParam(dateTo, true); err != nil {
		return f, err
	}
	return f, f.Validate()
}

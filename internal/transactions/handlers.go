package transactions

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/fraudwatch/internal/auth"
	"github.com/mbd888/fraudwatch/internal/logging"
	"github.com/mbd888/fraudwatch/internal/pagination"
	"github.com/mbd888/fraudwatch/internal/validation"
)

// ReviewNotifier is told about completed reviews (the live hub).
type ReviewNotifier interface {
	PublishReviewed(tx *Transaction, reviewer string)
}

// Handler provides the transaction query and command endpoints.
type Handler struct {
	store    Store
	notifier ReviewNotifier
	logger   *slog.Logger
	now      func() time.Time
}

// NewHandler creates a new transaction handler.
func NewHandler(store Store, logger *slog.Logger) *Handler {
	return &Handler{store: store, logger: logger, now: time.Now}
}

// WithReviewNotifier broadcasts reviews to live subscribers.
func (h *Handler) WithReviewNotifier(n ReviewNotifier) *Handler {
	h.notifier = n
	return h
}

// RegisterRoutes sets up transaction routes under the given group.
// The group must already require authentication.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("", h.List)
	r.GET("/:id", validation.TransactionIDParam("id"), h.Get)
	r.PATCH("/:id/review", auth.RequireRole(auth.RoleAdmin), validation.TransactionIDParam("id"), h.Review)
	r.POST("/export", auth.RequireRole(auth.RoleAdmin), h.Export)
}

// List returns one page of transactions, redacted for the caller's role.
func (h *Handler) List(c *gin.Context) {
	p, _ := auth.GetPrincipal(c)

	page, err := pagination.Parse(c.Query("page"), c.Query("pageSize"))
	if err != nil {
		badRequest(c, err)
		return
	}
	filter, err := ParseFilter(c)
	if err != nil {
		badRequest(c, err)
		return
	}
	sort, err := ParseSort(c.Query("sortField"), c.Query("sortOrder"))
	if err != nil {
		badRequest(c, err)
		return
	}

	txs, total, err := h.store.List(c.Request.Context(), Query{
		Filter:   filter,
		Sort:     sort,
		Page:     page.Page,
		PageSize: page.PageSize,
	})
	if err != nil {
		h.storeError(c, err)
		return
	}
	if txs == nil {
		txs = []*Transaction{}
	}

	c.JSON(http.StatusOK, gin.H{
		"transactions": RedactAll(txs, p.Role),
		"pagination":   page.Describe(total),
	})
}

// Get returns one transaction, redacted for the caller's role.
func (h *Handler) Get(c *gin.Context) {
	p, _ := auth.GetPrincipal(c)

	tx, err := h.store.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.storeError(c, err)
		return
	}
	c.JSON(http.StatusOK, Redact(tx, p.Role))
}

// Review marks a transaction reviewed by the calling admin.
func (h *Handler) Review(c *gin.Context) {
	p, _ := auth.GetPrincipal(c)
	ctx := c.Request.Context()

	tx, err := h.store.MarkReviewed(ctx, c.Param("id"), p.UserID, h.now())
	if err != nil {
		h.storeError(c, err)
		return
	}

	logging.L(ctx).Info("transaction reviewed", "transaction_id", tx.ID, "risk_score", tx.RiskScore)
	if h.notifier != nil {
		h.notifier.PublishReviewed(tx, p.DisplayName)
	}

	c.JSON(http.StatusOK, gin.H{
		"message":     "Transaction marked as reviewed",
		"transaction": tx,
	})
}

// ParseFilter reads dateFrom, dateTo, minRiskScore and flaggedOnly.
func ParseFilter(c *gin.Context) (Filter, error) {
	var f Filter

	from, err := ParseTimeParam(c.Query("dateFrom"), false)
	if err != nil {
		return f, err
	}
	to, err := ParseTimeParam(c.Query("dateTo"), true)
	if err != nil {
		return f, err
	}
	f.From, f.To = from, to

	if raw := c.Query("minRiskScore"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return f, errors.New("minRiskScore must be an integer")
		}
		f.MinRiskScore = &n
	}

	if raw := c.Query("flaggedOnly"); raw != "" {
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return f, errors.New("flaggedOnly must be true or false")
		}
		f.FlaggedOnly = b
	}

	return f, f.Validate()
}

// ParseTimeParam accepts RFC 3339 or YYYY-MM-DD (UTC). A bare date used
// as an upper bound covers the whole day.
func ParseTimeParam(raw string, endOfDay bool) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return &t, nil
	}
	t, err := time.Parse(time.DateOnly, raw)
	if err != nil {
		return nil, errors.New("dates must be RFC 3339 or YYYY-MM-DD")
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Nanosecond)
	}
	return &t, nil
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "invalid_request",
		"message": err.Error(),
	})
}

// storeError maps store errors onto HTTP responses.
func (h *Handler) storeError(c *gin.Context, err error) {
	WriteStoreError(c, h.logger, err)
}

// WriteStoreError maps store errors onto HTTP responses.
func WriteStoreError(c *gin.Context, logger *slog.Logger, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Transaction not found"})
	case errors.Is(err, ErrAlreadyReviewed):
		c.JSON(http.StatusBadRequest, gin.H{"error": "already_reviewed", "message": "Transaction already reviewed"})
	case errors.Is(err, ErrInvalidQuery):
		badRequest(c, err)
	case errors.Is(err, ErrStorageUnavailable):
		logger.Error("storage unavailable", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "storage_unavailable", "message": "Storage is temporarily unavailable"})
	default:
		logger.Error("transaction request failed", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
	}
}

package stats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/fraudwatch/internal/logging"
	"github.com/mbd888/fraudwatch/internal/transactions"
)

func init() {
	gin.SetMode(gin.TestMode)
}

var day = time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

func scored(n int, score int, amount string, at time.Time) *transactions.Transaction {
	tx := &transactions.Transaction{
		ID:            fmt.Sprintf("TXN%019d", n),
		Timestamp:     at,
		Amount:        decimal.RequireFromString(amount),
		Currency:      transactions.DefaultCurrency,
		Customer:      transactions.Customer{ID: "c1", Name: "Jane Doe", Location: "London, UK"},
		Merchant:      "Amazon",
		PaymentMethod: transactions.PaymentCreditCard,
	}
	th := transactions.DefaultThresholds()
	tx.ApplyScore(transactions.Score{RiskScore: score, Flagged: th.Flagged(score), Reasons: []string{"x"}})
	return tx
}

func newStore(t *testing.T, txs ...*transactions.Transaction) *transactions.MemoryStore {
	t.Helper()
	s := transactions.NewMemoryStore()
	for _, tx := range txs {
		require.NoError(t, s.Insert(context.Background(), tx))
	}
	return s
}

func TestCompute_Empty(t *testing.T) {
	agg := NewAggregator(newStore(t), transactions.DefaultThresholds())
	snap, err := agg.Compute(context.Background(), transactions.Filter{})
	require.NoError(t, err)

	assert.Zero(t, snap.TotalTransactions)
	assert.Zero(t, snap.HighRiskTransactions)
	assert.Equal(t, "0", snap.AvgRiskScore)
	assert.Equal(t, "0", snap.TotalAmount)
	assert.Equal(t, "0", snap.AvgAmount)
	assert.Equal(t, "0", snap.HighRiskPercentage)
	assert.Equal(t, "0", snap.FlaggedPercentage)

	require.Len(t, snap.RiskDistribution, 4)
	for _, b := range snap.RiskDistribution {
		assert.Zero(t, b.Count)
	}
	require.Len(t, snap.HourlyPattern, 24)
	for h, p := range snap.HourlyPattern {
		assert.Equal(t, HourlyPoint{Hour: h}, p)
	}
}

func TestCompute_ThreeTransactions(t *testing.T) {
	store := newStore(t,
		scored(1, 10, "50.00", day.Add(9*time.Hour)),
		scored(2, 75, "1200.00", day.Add(9*time.Hour+30*time.Minute)),
		scored(3, 90, "3000.00", day.Add(23*time.Hour)),
	)
	snap, err := NewAggregator(store, transactions.DefaultThresholds()).Compute(context.Background(), transactions.Filter{})
	require.NoError(t, err)

	assert.Equal(t, 3, snap.TotalTransactions)
	assert.Equal(t, 2, snap.HighRiskTransactions)
	assert.Equal(t, 2, snap.FlaggedTransactions)
	assert.Equal(t, "66.7", snap.HighRiskPercentage)
	assert.Equal(t, "66.7", snap.FlaggedPercentage)
	assert.Equal(t, "58.33", snap.AvgRiskScore)
	assert.Equal(t, "4250.00", snap.TotalAmount)
	assert.Equal(t, "1416.67", snap.AvgAmount)

	assert.Equal(t, []Bucket{
		{"Low (0-29)", 1},
		{"Medium (30-69)", 0},
		{"High (70-84)", 1},
		{"Critical (85-100)", 1},
	}, snap.RiskDistribution)

	assert.Equal(t, HourlyPoint{Hour: 9, Count: 2, AvgRisk: 43}, snap.HourlyPattern[9])
	assert.Equal(t, HourlyPoint{Hour: 23, Count: 1, AvgRisk: 90}, snap.HourlyPattern[23])
	assert.Equal(t, HourlyPoint{Hour: 0}, snap.HourlyPattern[0])
}

func TestCompute_HighRiskIncludesSeventy(t *testing.T) {
	store := newStore(t, scored(1, 70, "10", day), scored(2, 69, "10", day))
	snap, err := NewAggregator(store, transactions.DefaultThresholds()).Compute(context.Background(), transactions.Filter{})
	require.NoError(t, err)

	assert.Equal(t, 1, snap.HighRiskTransactions, "high risk is >= 70")
	assert.Zero(t, snap.FlaggedTransactions, "flagged is > 70")
	assert.Equal(t, 1, snap.RiskDistribution[2].Count)
	assert.Equal(t, 1, snap.RiskDistribution[1].Count)
}

func TestCompute_BucketEdges(t *testing.T) {
	tests := []struct {
		score  int
		bucket int
	}{
		{0, 0}, {29, 0}, {30, 1}, {69, 1}, {70, 2}, {84, 2}, {85, 3}, {100, 3},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.bucket, bucketFor(tt.score), "score %d", tt.score)
	}
}

func TestCompute_DateRange(t *testing.T) {
	store := newStore(t,
		scored(1, 10, "10", day.Add(-time.Hour)),
		scored(2, 20, "20", day.Add(time.Hour)),
		scored(3, 30, "30", day.Add(25*time.Hour)),
	)
	f, err := ParseRange("2024-06-01", "2024-06-01")
	require.NoError(t, err)

	snap, err := NewAggregator(store, transactions.DefaultThresholds()).Compute(context.Background(), f)
	require.NoError(t, err)
	assert.Equal(t, 1, snap.TotalTransactions)
	assert.Equal(t, "20.00", snap.TotalAmount)
}

func TestParseRange_Errors(t *testing.T) {
	_, err := ParseRange("not-a-date", "")
	assert.Error(t, err)
	_, err = ParseRange("2024-06-02", "2024-06-01")
	assert.ErrorIs(t, err, transactions.ErrInvalidQuery)

	f, err := ParseRange("", "")
	require.NoError(t, err)
	assert.Nil(t, f.From)
	assert.Nil(t, f.To)
}

type brokenStore struct{}

func (brokenStore) List(context.Context, transactions.Query) ([]*transactions.Transaction, int, error) {
	return nil, 0, fmt.Errorf("list transactions: %w: %w", transactions.ErrStorageUnavailable, errors.New("dial tcp: refused"))
}

func TestCompute_StoreError(t *testing.T) {
	_, err := NewAggregator(brokenStore{}, transactions.DefaultThresholds()).Compute(context.Background(), transactions.Filter{})
	assert.ErrorIs(t, err, transactions.ErrStorageUnavailable)
}

func TestHandler(t *testing.T) {
	store := newStore(t, scored(1, 90, "100.00", day.Add(2*time.Hour)))

	r := gin.New()
	NewHandler(NewAggregator(store, transactions.DefaultThresholds()), logging.Discard()).RegisterRoutes(r.Group("/api/transactions"))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/transactions/stats?dateFrom=2024-06-01", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var snap Snapshot
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snap))
	assert.Equal(t, 1, snap.TotalTransactions)
	assert.Equal(t, "100.0", snap.HighRiskPercentage)
	assert.Len(t, snap.HourlyPattern, 24)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/transactions/stats?dateTo=bogus", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandler_StoreUnavailable(t *testing.T) {
	r := gin.New()
	NewHandler(NewAggregator(brokenStore{}, transactions.DefaultThresholds()), logging.Discard()).RegisterRoutes(r.Group("/api/transactions"))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/transactions/stats", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

package transactions

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/fraudwatch/internal/auth"
	"github.com/mbd888/fraudwatch/internal/logging"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type recordingNotifier struct {
	mu       sync.Mutex
	reviewed []string
	by       []string
}

func (n *recordingNotifier) PublishReviewed(tx *Transaction, reviewer string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.reviewed = append(n.reviewed, tx.ID)
	n.by = append(n.by, reviewer)
}

type failingStore struct{ *MemoryStore }

func (failingStore) List(context.Context, Query) ([]*Transaction, int, error) {
	return nil, 0, unavailable("list transactions", errors.New("connection refused"))
}

type harness struct {
	router   *gin.Engine
	store    *MemoryStore
	notifier *recordingNotifier
	issuer   *auth.Issuer
}

func newHarness(t *testing.T, store Store) *harness {
	t.Helper()
	iss := auth.NewIssuer("handler-test")
	notifier := &recordingNotifier{}

	h := NewHandler(store, logging.Discard()).WithReviewNotifier(notifier)
	h.now = func() time.Time { return baseTime.Add(48 * time.Hour) }

	r := gin.New()
	api := r.Group("/api/transactions", auth.Middleware(iss), auth.RequireAuth())
	h.RegisterRoutes(api)

	ms, _ := store.(*MemoryStore)
	return &harness{router: r, store: ms, notifier: notifier, issuer: iss}
}

func (hs *harness) do(t *testing.T, method, path string, role auth.Role, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if role != "" {
		tok, err := hs.issuer.Issue(auth.Principal{UserID: "user-" + string(role), DisplayName: "Test " + string(role), Role: role}, time.Hour)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	w := httptest.NewRecorder()
	hs.router.ServeHTTP(w, req)
	return w
}

type listResponse struct {
	Transactions []Transaction `json:"transactions"`
	Pagination   struct {
		Page       int `json:"page"`
		PageSize   int `json:"pageSize"`
		Total      int `json:"total"`
		TotalPages int `json:"totalPages"`
	} `json:"pagination"`
}

func seedStore(t *testing.T, s *MemoryStore, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, s.Insert(context.Background(), sample(i, (i*13)%100)))
	}
}

func TestList_RequiresAuth(t *testing.T) {
	hs := newHarness(t, NewMemoryStore())
	w := hs.do(t, http.MethodGet, "/api/transactions", "", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestList_PaginationAndRedaction(t *testing.T) {
	hs := newHarness(t, NewMemoryStore())
	seedStore(t, hs.store, 120)

	w := hs.do(t, http.MethodGet, "/api/transactions?page=3&pageSize=50", auth.RoleViewer, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp listResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Len(t, resp.Transactions, 20)
	assert.Equal(t, 120, resp.Pagination.Total)
	assert.Equal(t, 3, resp.Pagination.TotalPages)
	for _, tx := range resp.Transactions {
		assert.Equal(t, AnonymousCustomer, tx.Customer.Name)
		assert.Empty(t, tx.Customer.Email)
	}

	w = hs.do(t, http.MethodGet, "/api/transactions?pageSize=5", auth.RoleAdmin, "")
	require.Equal(t, http.StatusOK, w.Code)
	resp = listResponse{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "Jane Doe", resp.Transactions[0].Customer.Name)
}

func TestList_FiltersAndSort(t *testing.T) {
	hs := newHarness(t, NewMemoryStore())
	seedStore(t, hs.store, 50)

	w := hs.do(t, http.MethodGet, "/api/transactions?minRiskScore=80&sortField=riskScore&sortOrder=asc&pageSize=500", auth.RoleAdmin, "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp listResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.Transactions)
	prev := 0
	for _, tx := range resp.Transactions {
		assert.GreaterOrEqual(t, tx.RiskScore, 80)
		assert.GreaterOrEqual(t, tx.RiskScore, prev)
		prev = tx.RiskScore
	}
}

func TestList_DateOnlyUpperBoundCoversDay(t *testing.T) {
	hs := newHarness(t, NewMemoryStore())
	seedStore(t, hs.store, 10)

	w := hs.do(t, http.MethodGet, "/api/transactions?dateFrom=2024-06-01&dateTo=2024-06-01", auth.RoleViewer, "")
	require.Equal(t, http.StatusOK, w.Code)
	var resp listResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 10, resp.Pagination.Total)
}

func TestList_InvalidParams(t *testing.T) {
	hs := newHarness(t, NewMemoryStore())

	for _, q := range []string{
		"page=0",
		"pageSize=1000",
		"sortField=customer.email",
		"sortOrder=up",
		"minRiskScore=abc",
		"minRiskScore=101",
		"flaggedOnly=maybe",
		"dateFrom=yesterday",
		"dateFrom=2024-06-02&dateTo=2024-06-01",
	} {
		w := hs.do(t, http.MethodGet, "/api/transactions?"+q, auth.RoleViewer, "")
		assert.Equal(t, http.StatusBadRequest, w.Code, q)
		assert.Contains(t, w.Body.String(), "invalid_request", q)
	}
}

func TestList_StorageUnavailable(t *testing.T) {
	hs := newHarness(t, &failingStore{MemoryStore: NewMemoryStore()})
	w := hs.do(t, http.MethodGet, "/api/transactions", auth.RoleAdmin, "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "storage_unavailable")
}

func TestGet(t *testing.T) {
	hs := newHarness(t, NewMemoryStore())
	tx := sample(5, 30)
	require.NoError(t, hs.store.Insert(context.Background(), tx))

	w := hs.do(t, http.MethodGet, "/api/transactions/"+tx.ID, auth.RoleViewer, "")
	require.Equal(t, http.StatusOK, w.Code)
	var got Transaction
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, tx.ID, got.ID)
	assert.Equal(t, AnonymousCustomer, got.Customer.Name)

	w = hs.do(t, http.MethodGet, "/api/transactions/TXN1717243200123999999", auth.RoleViewer, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "not_found")
}

func TestReview(t *testing.T) {
	hs := newHarness(t, NewMemoryStore())
	tx := sample(5, 90)
	require.NoError(t, hs.store.Insert(context.Background(), tx))
	path := "/api/transactions/" + tx.ID + "/review"

	w := hs.do(t, http.MethodPatch, path, auth.RoleViewer, "")
	assert.Equal(t, http.StatusForbidden, w.Code, "viewers cannot review")

	w = hs.do(t, http.MethodPatch, path, auth.RoleAdmin, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp struct {
		Message     string      `json:"message"`
		Transaction Transaction `json:"transaction"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Transaction.IsReviewed)
	assert.Equal(t, "user-admin", resp.Transaction.ReviewedBy)
	assert.Equal(t, []string{tx.ID}, hs.notifier.reviewed)
	assert.Equal(t, []string{"Test admin"}, hs.notifier.by)

	w = hs.do(t, http.MethodPatch, path, auth.RoleAdmin, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "already_reviewed")
	assert.Len(t, hs.notifier.reviewed, 1)

	w = hs.do(t, http.MethodPatch, "/api/transactions/TXN1717243200123999999/review", auth.RoleAdmin, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestExport_JSON(t *testing.T) {
	hs := newHarness(t, NewMemoryStore())
	seedStore(t, hs.store, 5)

	w := hs.do(t, http.MethodPost, "/api/transactions/export", auth.RoleAdmin, `{"format":"json"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Disposition"), "attachment")
	assert.Contains(t, w.Header().Get("Content-Disposition"), ".json")

	var txs []Transaction
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &txs))
	assert.Len(t, txs, 5)
	assert.Equal(t, "Jane Doe", txs[0].Customer.Name, "exports are admin-only and unredacted")
}

func TestExport_CSV(t *testing.T) {
	hs := newHarness(t, NewMemoryStore())
	seedStore(t, hs.store, 3)

	w := hs.do(t, http.MethodPost, "/api/transactions/export", auth.RoleAdmin, `{"format":"csv","dateFrom":"2024-06-01"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Disposition"), ".csv")
	assert.True(t, strings.HasPrefix(w.Body.String(), `"ID","Timestamp","Amount"`))

	records, err := csv.NewReader(strings.NewReader(w.Body.String())).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 4)
	assert.Equal(t, csvHeader, records[0])
	assert.Equal(t, sample(2, 0).ID, records[1][0], "newest first")
	assert.Equal(t, "12.00", records[1][2])
}

func TestExport_Validation(t *testing.T) {
	hs := newHarness(t, NewMemoryStore())

	w := hs.do(t, http.MethodPost, "/api/transactions/export", auth.RoleViewer, `{"format":"csv"}`)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = hs.do(t, http.MethodPost, "/api/transactions/export", auth.RoleAdmin, `{"format":"xml"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = hs.do(t, http.MethodPost, "/api/transactions/export", auth.RoleAdmin, "")
	assert.Equal(t, http.StatusOK, w.Code, "empty body defaults to json")
}

func TestWriteCSV_QuotesEmbeddedQuotes(t *testing.T) {
	tx := sample(1, 10)
	tx.Merchant = `Joe's "Best" Shop, Ltd`

	var b strings.Builder
	require.NoError(t, WriteCSV(&b, []*Transaction{tx}))

	records, err := csv.NewReader(strings.NewReader(b.String())).ReadAll()
	require.NoError(t, err)
	assert.Equal(t, tx.Merchant, records[1][6])
}

func TestWriteCSV_KeepsRawBytes(t *testing.T) {
	tx := sample(1, 10)
	tx.Merchant = "Caf\xe9 \"Noir\""

	var b strings.Builder
	require.NoError(t, WriteCSV(&b, []*Transaction{tx}))

	assert.Contains(t, b.String(), "\"Caf\xe9 \"\"Noir\"\"\"")
	assert.NotContains(t, b.String(), "\uFFFD")
}

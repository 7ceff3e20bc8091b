package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/fraudwatch/internal/auth"
	"github.com/mbd888/fraudwatch/internal/config"
	"github.com/mbd888/fraudwatch/internal/logging"
	"github.com/mbd888/fraudwatch/internal/pipeline"
	"github.com/mbd888/fraudwatch/internal/transactions"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// testConfig returns a minimal in-memory config for testing
func testConfig() *config.Config {
	return &config.Config{
		Port:         "0",
		Env:          "development",
		LogLevel:     "error",
		LogFormat:    "json",
		JWTSecret:    "test-secret",
		RateLimitRPM: 10000,
		Generation: config.Generation{
			Interval:            10 * time.Millisecond,
			RetentionCap:        100,
			EvictEvery:          10,
			HistoryHorizon:      time.Hour,
			MaintenanceInterval: time.Hour,
		},
		Thresholds: config.Thresholds{HighRisk: 70, Critical: 85},
	}
}

// newTestServer creates a server backed by a fresh memory store
func newTestServer(t *testing.T) (*Server, *transactions.MemoryStore) {
	t.Helper()
	store := transactions.NewMemoryStore()
	s, err := New(testConfig(), WithLogger(logging.Discard()), WithStore(store))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Shutdown() })
	return s, store
}

func token(t *testing.T, s *Server, role auth.Role) string {
	t.Helper()
	tok, err := s.Issuer().Issue(auth.Principal{UserID: "u-" + string(role), DisplayName: "Test " + string(role), Role: role}, time.Hour)
	require.NoError(t, err)
	return tok
}

func do(s *Server, method, path, tok string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, nil)
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	s.router.ServeHTTP(w, req)
	return w
}

// ---------------------------------------------------------------------------
// Health endpoint tests
// ---------------------------------------------------------------------------

func TestHealthEndpoint(t *testing.T) {
	s, _ := newTestServer(t)

	w := do(s, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, Version, resp.Version)
	assert.Equal(t, "idle", resp.Generation)
	require.Len(t, resp.Checks, 1)
	assert.Equal(t, "store", resp.Checks[0].Name)
	assert.True(t, resp.Checks[0].Healthy)
	assert.Contains(t, resp.Realtime, "connectedClients")
}

func TestLivenessEndpoint(t *testing.T) {
	s, _ := newTestServer(t)
	assert.Equal(t, http.StatusOK, do(s, http.MethodGet, "/health/live", "").Code)
}

func TestReadinessEndpoint(t *testing.T) {
	s, _ := newTestServer(t)

	// Start hasn't been called so ready is false
	assert.Equal(t, http.StatusServiceUnavailable, do(s, http.MethodGet, "/health/ready", "").Code)

	s.Start(context.Background())
	assert.Equal(t, http.StatusOK, do(s, http.MethodGet, "/health/ready", "").Code)
}

func TestMetricsEndpoint(t *testing.T) {
	s, _ := newTestServer(t)
	w := do(s, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "fraudwatch_")
}

// ---------------------------------------------------------------------------
// Route registration tests
// ---------------------------------------------------------------------------

func TestRoutesRegistered(t *testing.T) {
	s, _ := newTestServer(t)

	want := map[string]bool{
		"GET:/api/transactions":              false,
		"GET:/api/transactions/stats":        false,
		"GET:/api/transactions/:id":          false,
		"PATCH:/api/transactions/:id/review": false,
		"POST:/api/transactions/export":      false,
		"GET:/ws":                            false,
		"GET:/health":                        false,
		"GET:/health/live":                   false,
		"GET:/health/ready":                  false,
		"GET:/metrics":                       false,
	}
	for _, route := range s.router.Routes() {
		key := route.Method + ":" + route.Path
		if _, ok := want[key]; ok {
			want[key] = true
		}
	}
	for route, found := range want {
		assert.True(t, found, "route %s not registered", route)
	}
}

// ---------------------------------------------------------------------------
// API tests
// ---------------------------------------------------------------------------

func TestAPI_RequiresAuth(t *testing.T) {
	s, _ := newTestServer(t)

	for _, path := range []string{"/api/transactions", "/api/transactions/stats", "/ws"} {
		w := do(s, http.MethodGet, path, "")
		assert.Equal(t, http.StatusUnauthorized, w.Code, path)
	}
	assert.Equal(t, http.StatusUnauthorized, do(s, http.MethodGet, "/api/transactions", "not-a-token").Code)
}

func TestAPI_ListAndStats(t *testing.T) {
	s, store := newTestServer(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		tx := s.generator.Next()
		tx.ApplyScore(s.scorer.Score(ctx, tx))
		require.NoError(t, store.Insert(ctx, tx))
	}

	viewer := token(t, s, auth.RoleViewer)

	w := do(s, http.MethodGet, "/api/transactions?pageSize=2", viewer)
	require.Equal(t, http.StatusOK, w.Code)
	var page struct {
		Transactions []transactions.Transaction `json:"transactions"`
		Pagination   struct {
			Total int `json:"total"`
		} `json:"pagination"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	assert.Len(t, page.Transactions, 2)
	assert.Equal(t, 3, page.Pagination.Total)
	for _, tx := range page.Transactions {
		assert.Equal(t, transactions.AnonymousCustomer, tx.Customer.Name)
	}

	w = do(s, http.MethodGet, "/api/transactions/stats", viewer)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"totalTransactions":3`)
}

func TestAPI_ReviewRequiresAdmin(t *testing.T) {
	s, store := newTestServer(t)
	ctx := context.Background()

	tx := s.generator.Next()
	tx.ApplyScore(transactions.Score{RiskScore: 90, Flagged: true, Reasons: []string{"x"}})
	require.NoError(t, store.Insert(ctx, tx))

	path := "/api/transactions/" + tx.ID + "/review"
	assert.Equal(t, http.StatusForbidden, do(s, http.MethodPatch, path, token(t, s, auth.RoleViewer)).Code)
	assert.Equal(t, http.StatusOK, do(s, http.MethodPatch, path, token(t, s, auth.RoleAdmin)).Code)

	got, err := store.Get(ctx, tx.ID)
	require.NoError(t, err)
	assert.True(t, got.IsReviewed)
	assert.Equal(t, "u-admin", got.ReviewedBy)
}

func TestRequestIDHeader(t *testing.T) {
	s, _ := newTestServer(t)

	w := do(s, http.MethodGet, "/health/live", "")
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	w = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health/live", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	s.router.ServeHTTP(w, req)
	assert.Equal(t, "abc-123", w.Header().Get("X-Request-ID"))
}

// ---------------------------------------------------------------------------
// Live pipeline
// ---------------------------------------------------------------------------

func TestLivePipeline_GeneratesWhileSubscribed(t *testing.T) {
	s, store := newTestServer(t)
	s.Start(context.Background())

	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?token=" + token(t, s, auth.RoleViewer)
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)

	type envelope struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	read := func() envelope {
		t.Helper()
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
		var msg envelope
		require.NoError(t, conn.ReadJSON(&msg))
		return msg
	}

	assert.Equal(t, "welcome", read().Type)

	var got transactions.Transaction
	for {
		msg := read()
		if msg.Type == "newTransaction" {
			require.NoError(t, json.Unmarshal(msg.Data, &got))
			break
		}
	}
	assert.Equal(t, transactions.AnonymousCustomer, got.Customer.Name)
	assert.Equal(t, pipeline.StateRunning, s.controller.State())

	stored, err := store.Get(context.Background(), got.ID)
	require.NoError(t, err)
	assert.NotEqual(t, transactions.AnonymousCustomer, stored.Customer.Name, "redaction applies to the view only")

	require.NoError(t, conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	_ = conn.Close()

	require.Eventually(t, func() bool {
		return s.controller.State() == pipeline.StateIdle
	}, 3*time.Second, 10*time.Millisecond, "generation stops after the last subscriber leaves")
}

func TestShutdown_Idempotent(t *testing.T) {
	s, _ := newTestServer(t)
	s.Start(context.Background())

	require.NoError(t, s.Shutdown())
	require.NoError(t, s.Shutdown())
	assert.Equal(t, pipeline.StateIdle, s.controller.State())
	assert.Equal(t, http.StatusServiceUnavailable, do(s, http.MethodGet, "/health/ready", "").Code)
}

// Package realtime streams live transactions and alerts over WebSocket.
//
// Every connected client is authenticated. Transaction payloads are
// serialised once per role so viewers never see customer identities;
// alerts go out unredacted to everyone.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/mbd888/fraudwatch/internal/auth"
	"github.com/mbd888/fraudwatch/internal/metrics"
	"github.com/mbd888/fraudwatch/internal/ratelimit"
	"github.com/mbd888/fraudwatch/internal/stats"
	"github.com/mbd888/fraudwatch/internal/transactions"
)

// normalCloseCodes are WebSocket close codes that indicate an expected disconnect.
var normalCloseCodes = []int{
	websocket.CloseNormalClosure,
	websocket.CloseGoingAway,
	websocket.CloseNoStatusReceived,
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true // Allow non-browser clients
		}
		host := r.Host
		return origin == "http://"+host || origin == "https://"+host
	},
}

// MessageType names an envelope on the live channel.
type MessageType string

const (
	MsgWelcome             MessageType = "welcome"
	MsgNewTransaction      MessageType = "newTransaction"
	MsgHighRiskAlert       MessageType = "highRiskAlert"
	MsgTransactionReviewed MessageType = "transactionReviewed"
	MsgStats               MessageType = "stats"
	MsgError               MessageType = "error"

	// MsgRequestStats is the only inbound type.
	MsgRequestStats MessageType = "requestStats"
)

// Message is the outbound envelope.
type Message struct {
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      any         `json:"data"`
}

// inbound is what clients may send.
type inbound struct {
	Type     MessageType `json:"type"`
	DateFrom string      `json:"dateFrom"`
	DateTo   string      `json:"dateTo"`
}

// ReviewedEvent is the payload of a transactionReviewed message.
type ReviewedEvent struct {
	TransactionID string                    `json:"transactionId"`
	ReviewedBy    string                    `json:"reviewedBy"`
	ReviewedAt    *time.Time                `json:"reviewedAt,omitempty"`
	Transaction   *transactions.Transaction `json:"transaction"`
}

// PresenceObserver is told the subscriber count after every change.
type PresenceObserver interface {
	SubscribersChanged(n int)
}

// StatsSource answers requestStats.
type StatsSource interface {
	Compute(ctx context.Context, f transactions.Filter) (*stats.Snapshot, error)
}

// Client represents a WebSocket connection
type Client struct {
	hub       *Hub
	conn      *websocket.Conn
	id        string
	principal auth.Principal
	send      chan []byte
	limiter   *rate.Limiter
}

// ID returns the connection id.
func (c *Client) ID() string { return c.id }

// outbound holds one broadcast, pre-serialised for each role.
type outbound struct {
	admin  []byte
	viewer []byte
}

func (o outbound) forRole(role auth.Role) []byte {
	if role == auth.RoleAdmin {
		return o.admin
	}
	return o.viewer
}

type direct struct {
	client  *Client
	payload []byte
}

const (
	// MaxClients is the maximum number of concurrent WebSocket connections.
	MaxClients = 10000

	sendBuffer      = 256
	broadcastBuffer = 256

	statsTimeout      = 10 * time.Second
	statsPerMinute    = 30
	statsBurst        = 5
	maxInboundMessage = 4 * 1024
	readDeadline      = 60 * time.Second
	writeDeadline     = 10 * time.Second
	pingInterval      = 30 * time.Second
)

// Hub manages all WebSocket connections
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan outbound
	direct     chan direct
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
	logger     *slog.Logger
	done       chan struct{} // closed when Run exits; prevents upgrade race
	maxClients int
	now        func() time.Time

	observer   PresenceObserver
	stats      StatsSource
	statsLimit rate.Limit
	statsBurst int

	// Stats
	totalEvents  atomic.Int64
	totalClients atomic.Int64
	peakClients  atomic.Int64
}

// NewHub creates a new WebSocket hub
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan outbound, broadcastBuffer),
		direct:     make(chan direct, broadcastBuffer),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     logger,
		done:       make(chan struct{}),
		maxClients: MaxClients,
		now:        time.Now,
		statsLimit: rate.Limit(float64(statsPerMinute) / 60),
		statsBurst: statsBurst,
	}
}

// SetObserver registers the component that follows the subscriber count.
// Call before Run.
func (h *Hub) SetObserver(o PresenceObserver) *Hub {
	h.observer = o
	return h
}

// WithStats enables requestStats.
func (h *Hub) WithStats(s StatsSource) *Hub {
	h.stats = s
	return h
}

// WithStatsRateLimit caps requestStats per client.
func (h *Hub) WithStatsRateLimit(perMinute, burst int) *Hub {
	l := ratelimit.PerMinute(perMinute, burst)
	h.statsLimit, h.statsBurst = l.Limit(), l.Burst()
	return h
}

func (h *Hub) newClient(conn *websocket.Conn, p auth.Principal) *Client {
	return &Client{
		hub:       h,
		conn:      conn,
		id:        uuid.NewString(),
		principal: p,
		send:      make(chan []byte, sendBuffer),
		limiter:   rate.NewLimiter(h.statsLimit, h.statsBurst),
	}
}

// Run starts the hub's main loop
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("realtime hub started")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("realtime hub shutting down, closing client connections")
			h.mu.Lock()
			for client := range h.clients {
				close(client.send) // writePump sends CloseMessage on closed channel
				delete(h.clients, client)
			}
			h.mu.Unlock()
			h.presenceChanged(0)
			h.logger.Info("realtime hub stopped")
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.totalClients.Add(1)
			if current := int64(len(h.clients)); current > h.peakClients.Load() {
				h.peakClients.Store(current)
			}
			n := len(h.clients)
			h.mu.Unlock()

			client.send <- h.encode(MsgWelcome, fields{"message": "Connected to fraud monitoring stream", "clientId": client.id, "role": client.principal.Role})
			h.logger.Info("client connected", "client_id", client.id, "role", client.principal.Role, "total", n)
			h.presenceChanged(n)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("client disconnected", "client_id", client.id, "total", n)
			h.presenceChanged(n)

		case msg := <-h.direct:
			h.mu.RLock()
			_, ok := h.clients[msg.client]
			h.mu.RUnlock()
			if !ok {
				continue
			}
			select {
			case msg.client.send <- msg.payload:
			default:
				h.drop([]*Client{msg.client})
			}

		case event := <-h.broadcast:
			h.totalEvents.Add(1)
			h.mu.RLock()
			var slow []*Client
			for client := range h.clients {
				select {
				case client.send <- event.forRole(client.principal.Role):
				default:
					slow = append(slow, client)
				}
			}
			h.mu.RUnlock()
			h.drop(slow)
		}
	}
}

// drop disconnects clients whose buffers are full.
func (h *Hub) drop(slow []*Client) {
	if len(slow) == 0 {
		return
	}
	h.mu.Lock()
	for _, client := range slow {
		if _, ok := h.clients[client]; ok {
			close(client.send)
			delete(h.clients, client)
			h.logger.Warn("dropping slow websocket client", "client_id", client.id)
		}
	}
	n := len(h.clients)
	h.mu.Unlock()
	h.presenceChanged(n)
}

func (h *Hub) presenceChanged(n int) {
	metrics.ActiveWebSocketClients.Set(float64(n))
	if h.observer != nil {
		h.observer.SubscribersChanged(n)
	}
}

// fields is an ad-hoc payload.
type fields = map[string]any

func (h *Hub) encode(t MessageType, data any) []byte {
	payload, err := json.Marshal(Message{Type: t, Timestamp: h.now().UTC(), Data: data})
	if err != nil {
		h.logger.Error("failed to encode websocket message", "type", t, "error", err)
		return nil
	}
	return payload
}

func (h *Hub) enqueue(t MessageType, out outbound) {
	select {
	case h.broadcast <- out:
	default:
		h.logger.Warn("broadcast channel full, dropping event", "type", t)
	}
}

// Publish broadcasts a stored transaction, redacted per role.
func (h *Hub) Publish(tx *transactions.Transaction) {
	h.enqueue(MsgNewTransaction, outbound{
		admin:  h.encode(MsgNewTransaction, transactions.Redact(tx, auth.RoleAdmin)),
		viewer: h.encode(MsgNewTransaction, transactions.Redact(tx, auth.RoleViewer)),
	})
}

// PublishAlert broadcasts an alert to every client without redaction.
func (h *Hub) PublishAlert(alert *transactions.Alert) {
	payload := h.encode(MsgHighRiskAlert, alert)
	h.enqueue(MsgHighRiskAlert, outbound{admin: payload, viewer: payload})
}

// PublishReviewed announces that an admin reviewed tx.
func (h *Hub) PublishReviewed(tx *transactions.Transaction, reviewer string) {
	event := func(role auth.Role) ReviewedEvent {
		return ReviewedEvent{
			TransactionID: tx.ID,
			ReviewedBy:    reviewer,
			ReviewedAt:    tx.ReviewedAt,
			Transaction:   transactions.Redact(tx, role),
		}
	}
	h.enqueue(MsgTransactionReviewed, outbound{
		admin:  h.encode(MsgTransactionReviewed, event(auth.RoleAdmin)),
		viewer: h.encode(MsgTransactionReviewed, event(auth.RoleViewer)),
	})
}

// reply queues a message for one client through the Run loop.
func (h *Hub) reply(c *Client, t MessageType, data any) {
	select {
	case h.direct <- direct{client: c, payload: h.encode(t, data)}:
	default:
		h.logger.Warn("direct channel full, dropping reply", "client_id", c.id, "type", t)
	}
}

// handleInbound processes one client message. It runs on the client's read
// goroutine so a slow stats query only delays that client.
func (h *Hub) handleInbound(c *Client, raw []byte) {
	var msg inbound
	if err := json.Unmarshal(raw, &msg); err != nil {
		h.reply(c, MsgError, fields{"error": "invalid_request", "message": "malformed message"})
		return
	}
	if msg.Type != MsgRequestStats {
		h.reply(c, MsgError, fields{"error": "invalid_request", "message": "unknown message type " + string(msg.Type)})
		return
	}
	if h.stats == nil {
		h.reply(c, MsgError, fields{"error": "unavailable", "message": "stats are not enabled"})
		return
	}
	if !c.limiter.Allow() {
		h.reply(c, MsgError, fields{"error": "rate_limited", "message": "too many stats requests"})
		return
	}

	filter, err := stats.ParseRange(msg.DateFrom, msg.DateTo)
	if err != nil {
		h.reply(c, MsgError, fields{"error": "invalid_request", "message": err.Error()})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), statsTimeout)
	defer cancel()
	snap, err := h.stats.Compute(ctx, filter)
	if err != nil {
		h.logger.Warn("live stats request failed", "client_id", c.id, "error", err)
		h.reply(c, MsgError, fields{"error": "storage_unavailable", "message": "failed to compute stats"})
		return
	}
	h.reply(c, MsgStats, snap)
}

// Stats returns hub statistics
func (h *Hub) Stats() map[string]interface{} {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return map[string]interface{}{
		"connectedClients": len(h.clients),
		"totalEvents":      h.totalEvents.Load(),
		"totalClients":     h.totalClients.Load(),
		"peakClients":      h.peakClients.Load(),
	}
}

// HandleWebSocket upgrades HTTP to WebSocket for an authenticated principal.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request, p auth.Principal) {
	// Reject upgrades after the hub has stopped to prevent orphaned connections.
	select {
	case <-h.done:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	// Enforce connection limit
	h.mu.RLock()
	n := len(h.clients)
	h.mu.RUnlock()
	if n >= h.maxClients {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := h.newClient(conn, p)
	select {
	case h.register <- client:
	case <-h.done:
		_ = conn.Close()
		return
	}

	// Start goroutines for reading and writing
	go client.writePump()
	go client.readPump()
}

// readPump reads requests from the WebSocket until it closes.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxInboundMessage)
	_ = c.conn.SetReadDeadline(time.Now().Add(readDeadline))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(readDeadline))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, normalCloseCodes...) {
				c.hub.logger.Warn("websocket read error", "client_id", c.id, "error", err)
			}
			break
		}
		c.hub.handleInbound(c, message)
	}
}

// writePump writes messages to WebSocket
func (c *Client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.hub.logger.Warn("websocket write error", "client_id", c.id, "error", err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.hub.logger.Debug("websocket ping failed", "error", err)
				return
			}
		}
	}
}

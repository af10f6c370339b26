package push

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	ws "github.com/coder/websocket"
	"github.com/rs/zerolog"

	"subscription-engine/internal/domain/model"
	"subscription-engine/internal/infra/metrics"
)

// Hub tracks connected clients per user and pushes committed state changes
// to them.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*Client]struct{}
	count   int
	log     *zerolog.Logger
}

func NewHub(logger *zerolog.Logger) *Hub {
	l := logger.With().Str("component", "PushHub").Logger()
	return &Hub{clients: make(map[string]map[*Client]struct{}), log: &l}
}

func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	set, ok := h.clients[c.userID]
	if !ok {
		set = make(map[*Client]struct{})
		h.clients[c.userID] = set
	}
	set[c] = struct{}{}
	h.count++
	n := h.count
	h.mu.Unlock()
	metrics.SetPushClients(n)
}

// Unregister removes c and closes its send channel. Safe to call twice.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	set := h.clients[c.userID]
	if _, ok := set[c]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(h.clients, c.userID)
		}
		close(c.send)
		h.count--
	}
	n := h.count
	h.mu.Unlock()
	metrics.SetPushClients(n)
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.count
}

// Publish is the event consumer. Operator-only changes never reach users.
func (h *Hub) Publish(ctx context.Context, change model.StateChange) error {
	if change.UserID == "" || change.Kind.Operational() {
		return nil
	}
	data, err := json.Marshal(change)
	if err != nil {
		return err
	}
	h.SendTo(change.UserID, data)
	return nil
}

// SendTo queues data on every connection of userID. A full buffer drops the
// message for that connection; the client can always poll the order status.
func (h *Hub) SendTo(userID string, data []byte) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	sent := 0
	for c := range h.clients[userID] {
		select {
		case c.send <- data:
			sent++
			metrics.IncPushMessage("sent")
		default:
			metrics.IncPushMessage("dropped")
		}
	}
	return sent
}

// Handler upgrades the request and runs it as a client of the user that
// userOf extracts, typically from the authenticated context.
func (h *Hub) Handler(userOf func(*http.Request) string, opts *ws.AcceptOptions) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := userOf(r)
		if userID == "" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := ws.Accept(w, r, opts)
		if err != nil {
			h.log.Warn().Err(err).Str("user_id", userID).Msg("websocket accept failed")
			return
		}
		NewClient(h, userID, conn).Run(r.Context())
	}
}

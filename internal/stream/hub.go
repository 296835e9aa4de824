// Package stream broadcasts settlement events to WebSocket clients.
package stream

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/atmx/settlement-engine/internal/metrics"
	"github.com/atmx/settlement-engine/internal/model"
)

// Event types sent to clients.
const (
	TypeMarketResolved     = "market_resolved"
	TypeMetaMarketCreated  = "meta_market_created"
	TypeMetaMarketLocked   = "meta_market_locked"
	TypeMetaMarketResolved = "meta_market_resolved"
	TypeMetaMarketBet      = "meta_market_bet"
)

// Message is a JSON message sent to WebSocket clients.
type Message struct {
	Type          string             `json:"type"`
	MarketID      string             `json:"market_id"`
	Source        model.MarketSource `json:"source,omitempty"`
	CompetitionID string             `json:"competition_id,omitempty"`
	Winner        string             `json:"winner,omitempty"`
	Manual        bool               `json:"manual,omitempty"`
	BetsSettled   int                `json:"bets_settled,omitempty"`
	Status        string             `json:"status,omitempty"`
	TotalVolume   string             `json:"total_volume,omitempty"`
	CurrentOdds   map[string]int     `json:"current_odds,omitempty"`
	Timestamp     time.Time          `json:"timestamp"`
}

// Hub manages WebSocket connections and broadcasts messages to all
// connected clients when markets settle or change state.
type Hub struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan []byte
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	done       chan struct{} // closed when Run returns
	stopOnce   sync.Once
	mu         sync.RWMutex
	logger     *slog.Logger
}

// NewHub creates a new WebSocket hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		done:       make(chan struct{}),
		logger:     logger.With("component", "stream"),
	}
}

// Run starts the hub's event loop and returns when ctx is cancelled.
// Must be called in a goroutine. Connections arriving after Run returns are
// closed immediately.
func (h *Hub) Run(ctx context.Context) {
	defer h.stopOnce.Do(func() { close(h.done) })
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for conn := range h.clients {
				conn.Close()
				delete(h.clients, conn)
			}
			h.mu.Unlock()
			metrics.WebSocketClients.Set(0)
			return

		case conn := <-h.register:
			h.mu.Lock()
			h.clients[conn] = true
			total := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(total))
			h.logger.Info("ws client connected", "total", total)

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			total := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(total))

		case msg := <-h.broadcast:
			h.mu.Lock()
			for conn := range h.clients {
				conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					conn.Close()
					delete(h.clients, conn)
				}
			}
			total := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(total))
		}
	}
}

// Broadcast sends a message to all connected clients.
func (h *Hub) Broadcast(msg Message) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case h.broadcast <- data:
	default:
		// Drop if buffer full to avoid blocking settlement.
	}
}

// MarketResolved announces a settled external market.
func (h *Hub) MarketResolved(key model.MarketKey, winner string, manual bool, betsSettled int) {
	h.Broadcast(Message{
		Type:        TypeMarketResolved,
		MarketID:    key.MarketID,
		Source:      key.Source,
		Winner:      winner,
		Manual:      manual,
		BetsSettled: betsSettled,
	})
}

// MetaMarketChanged announces a meta-market state change of the given type.
func (h *Hub) MetaMarketChanged(eventType string, m *model.MetaMarket) {
	h.Broadcast(Message{
		Type:          eventType,
		MarketID:      m.ID,
		CompetitionID: m.CompetitionID,
		Winner:        m.WinningOutcomeID,
		Status:        string(m.Status),
		TotalVolume:   m.TotalVolume.String(),
		CurrentOdds:   m.CurrentOdds,
	})
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true
	},
}

// HandleWS handles WebSocket upgrade requests at GET /api/v1/ws.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("ws upgrade failed", "err", err)
		return
	}

	select {
	case h.register <- conn:
	case <-h.done:
		conn.Close()
		return
	}

	// Read pump: keep connection alive and detect disconnects.
	go func() {
		defer func() {
			select {
			case h.unregister <- conn:
			case <-h.done:
				conn.Close()
			}
		}()
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()

	// Ping ticker to keep connection alive through proxies.
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			h.mu.RLock()
			_, ok := h.clients[conn]
			h.mu.RUnlock()
			if !ok {
				return
			}
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		}
	}()
}

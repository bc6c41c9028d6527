package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/andresmejia3/headcount/internal/types"
)

const (
	writeWait    = 5 * time.Second
	pingInterval = 30 * time.Second
	clientBuffer = 16
)

// Hub pushes occupancy updates to websocket subscribers. Slow clients drop messages
// rather than delay the snapshot path.
type Hub struct {
	upgrader websocket.Upgrader
	logger   logrus.FieldLogger

	mu      sync.Mutex
	clients map[chan types.OccupancyUpdate]struct{}
}

// NewHub creates an empty hub.
func NewHub(logger logrus.FieldLogger) *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger:  logger.WithField("component", "ws"),
		clients: make(map[chan types.OccupancyUpdate]struct{}),
	}
}

// Record broadcasts u to every subscriber. It never blocks and never fails.
func (h *Hub) Record(_ context.Context, u types.OccupancyUpdate) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.clients {
		select {
		case ch <- u:
		default:
			h.logger.WithField("court", u.CourtID).Debug("subscriber lagging, update dropped")
		}
	}
	return nil
}

// Subscribers returns the number of connected clients.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) subscribe() chan types.OccupancyUpdate {
	ch := make(chan types.OccupancyUpdate, clientBuffer)
	h.mu.Lock()
	h.clients[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *Hub) unsubscribe(ch chan types.OccupancyUpdate) {
	h.mu.Lock()
	delete(h.clients, ch)
	h.mu.Unlock()
}

// RegisterRoutes exposes GET /ws.
func (h *Hub) RegisterRoutes(r gin.IRouter) {
	r.GET("/ws", h.Serve)
}

// Serve upgrades the connection and streams updates until the client leaves.
func (h *Hub) Serve(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.WithError(err).Warn("websocket upgrade failed")
		return
	}
	defer conn.Close()

	ch := h.subscribe()
	defer h.unsubscribe(ch)

	// Reader: we only care about the close frame
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case <-gone:
			return
		case <-c.Request.Context().Done():
			return
		case u := <-ch:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(u); err != nil {
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

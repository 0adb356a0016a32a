// Package websocket streams recording playback to browsers over WebSocket.
package websocket

import (
	"context"
	"iter"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/kubilitics/kubilitics-shellgate/internal/models"
	"github.com/kubilitics/kubilitics-shellgate/internal/pkg/metrics"
)

// Hub tracks open playback streams so shutdown can close them.
type Hub struct {
	mu       sync.Mutex
	clients  map[*Client]struct{}
	upgrader websocket.Upgrader
	log      *slog.Logger
}

// NewHub returns a Hub accepting upgrades from allowedOrigins. "*" allows any origin;
// requests without an Origin header (non-browser clients) are always accepted.
func NewHub(allowedOrigins []string, log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	h := &Hub{clients: make(map[*Client]struct{}), log: log}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     originChecker(allowedOrigins),
	}
	return h
}

func originChecker(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || slices.Contains(allowed, "*") {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		for _, a := range allowed {
			if strings.EqualFold(strings.TrimSuffix(a, "/"), u.Scheme+"://"+u.Host) {
				return true
			}
		}
		return false
	}
}

// Stream upgrades the request and sends frames until they run out, the peer sends
// a stop message or disconnects, or the hub shuts down. cancel must cancel the context
// frames was created with; Stream blocks until the stream is finished.
func (h *Hub) Stream(w http.ResponseWriter, r *http.Request, frames iter.Seq2[*models.Frame, error], cancel context.CancelFunc) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response.
		cancel()
		h.log.Debug("websocket upgrade failed", "error", err)
		return
	}

	c := newClient(conn, cancel)
	h.register(c)
	defer h.unregister(c)

	go c.readPump()
	go c.produce(frames)
	c.writePump()
}

// Count returns the number of open streams.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// CloseAll stops every open stream.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		c.close()
	}
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	metrics.PlaybackStreams.Inc()
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	c.close()
	_ = c.conn.Close()
	metrics.PlaybackStreams.Dec()
}

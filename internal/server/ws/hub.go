// Package ws bridges SignalBus channels to WebSocket clients.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/venuerouter/internal/domain"
)

// DefaultChannels are bridged when Config.Channels is empty.
var DefaultChannels = []string{"handshakes"}

// Config captures the bridged channels and the runtime metadata sent to
// clients on connect.
type Config struct {
	Mode      string
	StartedAt time.Time
	Channels  []string
	// Status, when set, is included in the greeting frame.
	Status func() domain.RouterHealth
}

// envelope is the text frame sent to clients.
type envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Hub fans bus messages out to the connected clients subscribed to their
// channel. Client queues are only closed while holding mu, so fanout never
// sends on a closed queue.
type Hub struct {
	bus       domain.SignalBus
	channels  []string
	status    func() domain.RouterHealth
	mode      string
	startedAt time.Time
	logger    *slog.Logger
	upgrader  websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]struct{}
	closed  bool
}

// NewHub creates a hub over bus.
func NewHub(bus domain.SignalBus, logger *slog.Logger, cfg Config) *Hub {
	h := &Hub{
		bus:       bus,
		channels:  cfg.Channels,
		status:    cfg.Status,
		mode:      strings.ToLower(strings.TrimSpace(cfg.Mode)),
		startedAt: cfg.StartedAt,
		logger:    logger.With(slog.String("component", "ws")),
		clients:   make(map[*client]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// Browsers connect cross-origin; the api key gates access.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	if h.mode == "" {
		h.mode = "unknown"
	}
	if h.startedAt.IsZero() {
		h.startedAt = time.Now().UTC()
	}
	if len(h.channels) == 0 {
		h.channels = DefaultChannels
	}
	return h
}

// Run bridges every configured channel until ctx ends, then disconnects all
// clients.
func (h *Hub) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, name := range h.channels {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.bridge(ctx, name)
		}()
	}

	<-ctx.Done()
	wg.Wait()

	h.mu.Lock()
	h.closed = true
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
	return ctx.Err()
}

func (h *Hub) bridge(ctx context.Context, channel string) {
	msgs, err := h.bus.Subscribe(ctx, channel)
	if err != nil {
		h.logger.Error("bus subscribe failed",
			slog.String("channel", channel),
			slog.String("error", err.Error()),
		)
		return
	}
	h.logger.Debug("bridging channel", slog.String("channel", channel))

	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-msgs:
			if !ok {
				h.logger.Warn("bus subscription ended", slog.String("channel", channel))
				return
			}
			h.fanout(channel, data)
		}
	}
}

func (h *Hub) fanout(channel string, data []byte) {
	frame := frameFor(channel, data)

	h.mu.Lock()
	defer h.mu.Unlock()
	dropped := 0
	for c := range h.clients {
		if !c.isSubscribed(channel) {
			continue
		}
		select {
		case c.send <- frame:
		default:
			dropped++
		}
	}
	if dropped > 0 {
		h.logger.Warn("dropped frames for slow clients",
			slog.String("channel", channel),
			slog.Int("clients", dropped),
		)
	}
}

// frameFor wraps a bus payload in an envelope. Payloads that are not JSON
// are sent as a JSON string.
func frameFor(channel string, data []byte) []byte {
	payload := json.RawMessage(data)
	if !json.Valid(data) {
		quoted, _ := json.Marshal(string(data))
		payload = quoted
	}
	frame, err := json.Marshal(envelope{Type: channel, Payload: payload})
	if err != nil {
		return data
	}
	return frame
}

// attach registers c unless the hub has shut down.
func (h *Hub) attach(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	h.logger.Info("client connected", slog.Int("clients", len(h.clients)))
	return true
}

func (h *Hub) detach(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
	h.logger.Info("client disconnected", slog.Int("clients", len(h.clients)))
}

// greeting is the router_status frame queued ahead of any bus traffic.
func (h *Hub) greeting() []byte {
	uptime := max(int64(time.Since(h.startedAt).Seconds()), 0)
	payload := map[string]any{
		"mode":           h.mode,
		"uptime_seconds": uptime,
		"channels":       h.channels,
	}
	if h.status != nil {
		payload["router"] = h.status()
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil
	}
	frame, err := json.Marshal(envelope{Type: "router_status", Payload: raw})
	if err != nil {
		return nil
	}
	return frame
}

// HandleWS upgrades the request and subscribes the connection to every
// bridged channel.
// GET /ws
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := newClient(h, conn)
	if frame := h.greeting(); frame != nil {
		c.send <- frame
	}
	if !h.attach(c) {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(time.Second))
		_ = conn.Close()
		return
	}

	go c.writeLoop()
	go c.readLoop()
}

package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"talebranch/api/internal/metrics"
)

// Hub tracks websocket viewers grouped by story. The node subscribes to a
// story's topic when its first viewer joins and drops the subscription when
// the last one leaves.
type Hub struct {
	transport Transport
	logger    *zap.Logger
	metrics   *metrics.Collector
	upgrader  websocket.Upgrader

	mu      sync.Mutex
	rooms   map[string]*room
	clients map[*Client]struct{}
	closed  bool
}

type room struct {
	clients map[*Client]struct{}
	sub     Subscription
}

type HubConfig struct {
	ReadBufferSize  int
	WriteBufferSize int
	CheckOrigin     func(r *http.Request) bool
}

func DefaultHubConfig() HubConfig {
	return HubConfig{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     func(r *http.Request) bool { return true },
	}
}

func NewHub(transport Transport, cfg HubConfig, logger *zap.Logger, m *metrics.Collector) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		transport: transport,
		logger:    logger,
		metrics:   m,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  cfg.ReadBufferSize,
			WriteBufferSize: cfg.WriteBufferSize,
			CheckOrigin:     cfg.CheckOrigin,
		},
		rooms:   make(map[string]*room),
		clients: make(map[*Client]struct{}),
	}
}

// ServeWS upgrades the request and starts a client for userID. userID may be
// empty; watching a story does not require an account.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, userID string) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err), zap.String("remoteAddr", r.RemoteAddr))
		return
	}
	client := newClient(userID, h, conn, h.logger)
	if !h.register(client) {
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
		_ = conn.Close()
		return
	}
	client.start()
}

func (h *Hub) register(c *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	h.metrics.ConnectionOpened()
	h.logger.Debug("client registered", zap.String("connectionID", c.id), zap.String("userID", c.userID))
	return true
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	var orphaned []Subscription
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		for storyID := range c.stories {
			if sub := h.leaveLocked(c, storyID); sub != nil {
				orphaned = append(orphaned, sub)
			}
		}
		close(c.send)
		h.metrics.ConnectionClosed()
		h.logger.Debug("client unregistered", zap.String("connectionID", c.id))
	}
	h.mu.Unlock()

	for _, sub := range orphaned {
		_ = sub.Close()
	}
}

// Join adds c to the story's room, subscribing the node if needed. The
// transport subscribe runs without the hub lock so a slow broker only delays
// the story being joined.
func (h *Hub) Join(ctx context.Context, c *Client, storyID string) error {
	h.mu.Lock()
	if _, ok := h.clients[c]; !ok {
		h.mu.Unlock()
		return ErrClosed
	}
	if rm, ok := h.rooms[storyID]; ok {
		h.addLocked(rm, c, storyID)
		h.mu.Unlock()
		return nil
	}
	h.mu.Unlock()

	sub, err := h.transport.Subscribe(ctx, Topic(storyID))
	if err != nil {
		return err
	}

	h.mu.Lock()
	if _, ok := h.clients[c]; !ok {
		h.mu.Unlock()
		_ = sub.Close()
		return ErrClosed
	}
	var extra Subscription
	rm, ok := h.rooms[storyID]
	if ok {
		// another viewer subscribed first
		extra = sub
	} else {
		rm = &room{clients: make(map[*Client]struct{}), sub: sub}
		h.rooms[storyID] = rm
		go h.pump(storyID, rm)
	}
	h.addLocked(rm, c, storyID)
	h.mu.Unlock()

	if extra != nil {
		_ = extra.Close()
	}
	return nil
}

func (h *Hub) addLocked(rm *room, c *Client, storyID string) {
	rm.clients[c] = struct{}{}
	c.stories[storyID] = struct{}{}
}

func (h *Hub) Leave(c *Client, storyID string) {
	h.mu.Lock()
	sub := h.leaveLocked(c, storyID)
	h.mu.Unlock()
	if sub != nil {
		_ = sub.Close()
	}
}

// leaveLocked returns the room's subscription when c was its last viewer.
func (h *Hub) leaveLocked(c *Client, storyID string) Subscription {
	delete(c.stories, storyID)
	rm, ok := h.rooms[storyID]
	if !ok {
		return nil
	}
	delete(rm.clients, c)
	if len(rm.clients) > 0 {
		return nil
	}
	delete(h.rooms, storyID)
	return rm.sub
}

func (h *Hub) pump(storyID string, rm *room) {
	for event := range rm.sub.Events() {
		h.broadcast(storyID, rm, event)
	}
}

// broadcast delivers to rm only while it is still the story's live room, so a
// pump draining after a leave cannot reach viewers of a newer room.
func (h *Hub) broadcast(storyID string, rm *room, event Event) {
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("marshal event", zap.Error(err), zap.String("storyID", storyID))
		return
	}

	var slow []*Client
	h.mu.Lock()
	if current, ok := h.rooms[storyID]; ok && current == rm {
		for c := range rm.clients {
			select {
			case c.send <- data:
			default:
				slow = append(slow, c)
			}
		}
	}
	h.mu.Unlock()

	for _, c := range slow {
		h.logger.Warn("closing slow client", zap.String("connectionID", c.id), zap.String("storyID", storyID))
		h.unregister(c)
		_ = c.conn.Close()
	}
}

// Viewers reports how many clients are watching storyID on this node.
func (h *Hub) Viewers(storyID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if rm, ok := h.rooms[storyID]; ok {
		return len(rm.clients)
	}
	return 0
}

// Close disconnects every client and releases every subscription.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		h.unregister(c)
		_ = c.conn.Close()
	}
}

package realtime

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	maxMessageSize = 4 * 1024

	sendBufferSize = 64

	joinTimeout = 5 * time.Second
)

// Client is one websocket connection. stories is guarded by the hub's mutex.
type Client struct {
	id      string
	userID  string
	hub     *Hub
	conn    *websocket.Conn
	send    chan []byte
	stories map[string]struct{}
	logger  *zap.Logger
}

type clientMessage struct {
	Type    string `json:"type"`
	StoryID string `json:"storyId"`
}

type serverMessage struct {
	Type         string `json:"type"`
	StoryID      string `json:"storyId,omitempty"`
	ConnectionID string `json:"connectionId,omitempty"`
	UserID       string `json:"userId,omitempty"`
	Error        string `json:"error,omitempty"`
}

func newClient(userID string, hub *Hub, conn *websocket.Conn, logger *zap.Logger) *Client {
	id := uuid.NewString()
	return &Client{
		id:      id,
		userID:  userID,
		hub:     hub,
		conn:    conn,
		send:    make(chan []byte, sendBufferSize),
		stories: make(map[string]struct{}),
		logger: logger.With(
			zap.String("userID", userID),
			zap.String("connectionID", id),
		),
	}
}

func (c *Client) start() {
	go c.writePump()
	go c.readPump()
	c.reply(serverMessage{Type: "connected", ConnectionID: c.id, UserID: c.userID})
}

func (c *Client) readPump() {
	defer func() {
		c.hub.unregister(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		messageType, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Warn("websocket read error", zap.Error(err))
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		c.handle(message)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.logger.Debug("websocket write failed", zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) handle(raw []byte) {
	var msg clientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		c.reply(serverMessage{Type: "error", Error: "invalid message"})
		return
	}
	storyID := strings.TrimSpace(msg.StoryID)

	switch msg.Type {
	case "join":
		if storyID == "" {
			c.reply(serverMessage{Type: "error", Error: "storyId is required"})
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), joinTimeout)
		err := c.hub.Join(ctx, c, storyID)
		cancel()
		if err != nil {
			c.logger.Warn("join story failed", zap.Error(err), zap.String("storyID", storyID))
			c.reply(serverMessage{Type: "error", StoryID: storyID, Error: "could not join story"})
			return
		}
		c.reply(serverMessage{Type: "joined", StoryID: storyID})
	case "leave":
		c.hub.Leave(c, storyID)
		c.reply(serverMessage{Type: "left", StoryID: storyID})
	case "ping":
		c.reply(serverMessage{Type: "pong"})
	default:
		c.reply(serverMessage{Type: "error", Error: "unknown message type"})
	}
}

// reply queues a control message. It goes through the hub lock so it cannot
// race with the send channel being closed.
func (c *Client) reply(msg serverMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	c.hub.mu.Lock()
	defer c.hub.mu.Unlock()
	if _, ok := c.hub.clients[c]; !ok {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

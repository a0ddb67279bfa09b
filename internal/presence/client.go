package presence

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"streamforge/internal/models"
)

var errStreamKeyRequired = errors.New("streamKey is required")

type inboundMessage struct {
	Type      string `json:"type"`
	StreamKey string `json:"streamKey"`
	Message   string `json:"message"`
	UserID    string `json:"userId"`
}

type errorPayload struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

// client is one websocket connection. The send channel decouples room
// broadcasts from the peer's read speed; a full channel drops the frame for
// that client instead of stalling the room.
type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	// mu guards rooms; the read pump and Hub.Shutdown touch it from
	// different goroutines.
	mu    sync.Mutex
	rooms map[string]struct{}

	closeOnce sync.Once
}

func (c *client) trackRoom(streamKey string) {
	c.mu.Lock()
	c.rooms[streamKey] = struct{}{}
	c.mu.Unlock()
}

// forgetRoom reports whether the client was still a member, so concurrent
// leaves settle on exactly one viewer decrement.
func (c *client) forgetRoom(streamKey string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, joined := c.rooms[streamKey]; !joined {
		return false
	}
	delete(c.rooms, streamKey)
	return true
}

func (c *client) inRoom(streamKey string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, joined := c.rooms[streamKey]
	return joined
}

func (c *client) roomKeys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]string, 0, len(c.rooms))
	for streamKey := range c.rooms {
		keys = append(keys, streamKey)
	}
	return keys
}

func (c *client) readPump() {
	defer c.close()
	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.hub.logger.Warn("websocket read failed", "error", err)
			}
			return
		}
		var msg inboundMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			c.sendError("invalid payload")
			continue
		}
		switch msg.Type {
		case "join_stream":
			if err := c.hub.join(c, msg.StreamKey); err != nil {
				c.sendError(err.Error())
			}
		case "leave_stream":
			c.hub.leave(c, msg.StreamKey)
		case "stream_message":
			streamKey := models.NormalizeStreamKey(msg.StreamKey)
			if streamKey == "" {
				c.sendError(errStreamKeyRequired.Error())
				continue
			}
			if !c.inRoom(streamKey) {
				c.sendError("join the stream first")
				continue
			}
			c.hub.relayChat(context.Background(), streamKey, msg.UserID, msg.Message)
		default:
			c.sendError("unknown command")
		}
	}
}

// writePump is the only goroutine writing to the connection; pings share it
// with outbound frames so writes never interleave.
func (c *client) writePump() {
	var heartbeat <-chan time.Time
	if c.hub.heartbeatInterval > 0 {
		ticker := time.NewTicker(c.hub.heartbeatInterval)
		defer ticker.Stop()
		heartbeat = ticker.C
	}
	defer c.conn.Close()
	for {
		select {
		case payload, ok := <-c.send:
			if !ok {
				_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-heartbeat:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *client) enqueue(payload []byte) {
	select {
	case c.send <- payload:
	default:
		// Slow consumer; drop the frame rather than block the room.
	}
}

func (c *client) sendError(message string) {
	payload, err := json.Marshal(errorPayload{Type: "error", Error: message})
	if err != nil {
		return
	}
	c.enqueue(payload)
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		for _, streamKey := range c.roomKeys() {
			c.hub.leave(c, streamKey)
		}
		c.hub.mu.Lock()
		delete(c.hub.clients, c)
		c.hub.mu.Unlock()
		close(c.send)
		if c.conn != nil {
			_ = c.conn.Close()
		}
	})
}

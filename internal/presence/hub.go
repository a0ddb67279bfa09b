// Package presence is the real-time channel: viewers join a stream's room
// over a websocket, the hub tracks the viewer count, relays chat inside the
// room, and pushes stream lifecycle announcements to every connection.
package presence

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/text/unicode/norm"

	"streamforge/internal/events"
	"streamforge/internal/models"
	"streamforge/internal/observability/metrics"
	"streamforge/internal/storage"
)

const (
	clientSendBuffer = 16
	maxChatRunes     = 500
	writeTimeout     = 10 * time.Second
)

type HubConfig struct {
	Store storage.Repository
	Bus   events.Bus
	// HeartbeatInterval controls websocket ping frames to connected
	// clients. Zero disables heartbeats.
	HeartbeatInterval time.Duration
	Logger            *slog.Logger
	Metrics           *metrics.Recorder
}

// Hub owns room membership. Room state is process-local; the viewer count on
// the stream record is adjusted through the storage layer's atomic delta so
// concurrent joins and leaves across instances never lose updates.
type Hub struct {
	store             storage.Repository
	bus               events.Bus
	heartbeatInterval time.Duration
	logger            *slog.Logger
	metrics           *metrics.Recorder

	upgrader websocket.Upgrader

	mu      sync.RWMutex
	rooms   map[string]map[*client]struct{}
	clients map[*client]struct{}

	sub  events.Subscription
	done chan struct{}

	startOnce sync.Once
	stopOnce  sync.Once
}

func NewHub(cfg HubConfig) *Hub {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	return &Hub{
		store:             cfg.Store,
		bus:               cfg.Bus,
		heartbeatInterval: cfg.HeartbeatInterval,
		logger:            logger,
		metrics:           recorder,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		rooms:   make(map[string]map[*client]struct{}),
		clients: make(map[*client]struct{}),
		done:    make(chan struct{}),
	}
}

// Start subscribes the hub to the event bus and begins relaying lifecycle
// and chat events to connections.
func (h *Hub) Start() {
	h.startOnce.Do(func() {
		if h.bus == nil {
			return
		}
		h.sub = h.bus.Subscribe()
		go h.relayLoop()
	})
}

// Shutdown closes the bus subscription and every connection.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.stopOnce.Do(func() {
		close(h.done)
		if h.sub != nil {
			h.sub.Close()
		}
		h.mu.Lock()
		clients := make([]*client, 0, len(h.clients))
		for c := range h.clients {
			clients = append(clients, c)
		}
		h.mu.Unlock()
		for _, c := range clients {
			c.close()
		}
	})
	return nil
}

// HandleWS upgrades the request and runs the connection's read and write
// loops. The handler returns once the upgrade is done; pumps run until the
// peer disconnects.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	c := &client{
		hub:   h,
		conn:  conn,
		send:  make(chan []byte, clientSendBuffer),
		rooms: make(map[string]struct{}),
	}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	go c.writePump()
	go c.readPump()
}

// RoomSize reports current local membership for a stream's room.
func (h *Hub) RoomSize(streamKey string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[streamKey])
}

func (h *Hub) relayLoop() {
	for {
		select {
		case <-h.done:
			return
		case event, ok := <-h.sub.Events():
			if !ok {
				return
			}
			h.dispatch(event)
		}
	}
}

func (h *Hub) dispatch(event events.Event) {
	switch event.Type {
	case events.TypeStreamStarted:
		if event.Stream != nil {
			h.broadcastAll(streamStartedPayload(*event.Stream))
		}
	case events.TypeStreamEnded:
		if event.Stream != nil {
			h.broadcastAll(streamEndedPayload(*event.Stream))
		}
	case events.TypeChatMessage:
		if event.Chat != nil {
			h.broadcastRoom(event.Chat.StreamKey, newMessagePayload(*event.Chat))
		}
	}
}

func (h *Hub) broadcastAll(payload []byte) {
	if payload == nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		c.enqueue(payload)
	}
}

func (h *Hub) broadcastRoom(streamKey string, payload []byte) {
	if payload == nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.rooms[streamKey] {
		c.enqueue(payload)
	}
}

func (h *Hub) join(c *client, streamKey string) error {
	streamKey = models.NormalizeStreamKey(streamKey)
	if streamKey == "" {
		return errStreamKeyRequired
	}
	if c.inRoom(streamKey) {
		return nil
	}
	if _, err := h.store.AdjustStreamViewers(streamKey, 1); err != nil {
		return err
	}
	h.mu.Lock()
	if h.rooms[streamKey] == nil {
		h.rooms[streamKey] = make(map[*client]struct{})
	}
	h.rooms[streamKey][c] = struct{}{}
	h.mu.Unlock()
	c.trackRoom(streamKey)
	h.metrics.ViewerJoined()
	return nil
}

func (h *Hub) leave(c *client, streamKey string) {
	streamKey = models.NormalizeStreamKey(streamKey)
	if !c.forgetRoom(streamKey) {
		return
	}
	h.mu.Lock()
	if room := h.rooms[streamKey]; room != nil {
		delete(room, c)
		if len(room) == 0 {
			delete(h.rooms, streamKey)
		}
	}
	h.mu.Unlock()
	if _, err := h.store.AdjustStreamViewers(streamKey, -1); err != nil {
		h.logger.Warn("failed to decrement viewer count", "error", err)
	}
	h.metrics.ViewerLeft()
}

// relayChat validates a room message and hands it to the bus. The bus
// delivers it back to every instance's rooms, this one included, so local
// and remote viewers see the same stream of messages. A sender without a
// profile is dropped without feedback.
func (h *Hub) relayChat(ctx context.Context, streamKey, userID, text string) {
	author, ok := h.store.GetUser(userID)
	if !ok {
		h.metrics.ObserveChatEvent("dropped:no_profile")
		h.logger.Warn("chat message dropped, sender has no profile", "user_id", userID)
		return
	}
	text = strings.TrimSpace(norm.NFC.String(text))
	if text == "" {
		h.metrics.ObserveChatEvent("dropped:empty")
		return
	}
	if runes := []rune(text); len(runes) > maxChatRunes {
		text = string(runes[:maxChatRunes])
	}
	message := models.ChatMessage{
		ID:        uuid.NewString(),
		StreamKey: streamKey,
		Author:    author,
		Text:      text,
		Timestamp: time.Now().UTC(),
	}
	if h.bus == nil {
		h.broadcastRoom(streamKey, newMessagePayload(message))
	} else if err := h.bus.Publish(ctx, events.Event{
		Type:       events.TypeChatMessage,
		Chat:       &message,
		OccurredAt: message.Timestamp,
	}); err != nil {
		h.logger.Warn("failed to relay chat message", "error", err)
		return
	}
	h.metrics.ObserveChatEvent("sent")
}

func newMessagePayload(message models.ChatMessage) []byte {
	payload, err := json.Marshal(struct {
		Type string `json:"type"`
		models.ChatMessage
	}{Type: "new_message", ChatMessage: message})
	if err != nil {
		return nil
	}
	return payload
}

func streamStartedPayload(stream events.StreamEvent) []byte {
	payload, err := json.Marshal(struct {
		Type        string `json:"type"`
		StreamID    string `json:"streamId"`
		StreamKey   string `json:"streamKey"`
		Title       string `json:"title,omitempty"`
		UserID      string `json:"userId"`
		PlaybackURL string `json:"playbackUrl,omitempty"`
	}{
		Type:        "stream_started",
		StreamID:    stream.StreamID,
		StreamKey:   stream.StreamKey,
		Title:       stream.Title,
		UserID:      stream.UserID,
		PlaybackURL: stream.PlaybackURL,
	})
	if err != nil {
		return nil
	}
	return payload
}

func streamEndedPayload(stream events.StreamEvent) []byte {
	payload, err := json.Marshal(struct {
		Type      string `json:"type"`
		StreamID  string `json:"streamId"`
		StreamKey string `json:"streamKey"`
		Duration  int    `json:"duration"`
	}{
		Type:      "stream_ended",
		StreamID:  stream.StreamID,
		StreamKey: stream.StreamKey,
		Duration:  stream.DurationSeconds,
	})
	if err != nil {
		return nil
	}
	return payload
}

package presence

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"streamforge/internal/events"
	"streamforge/internal/models"
	"streamforge/internal/observability/metrics"
	"streamforge/internal/storage"
)

type hubFixture struct {
	store    *storage.Storage
	bus      events.Bus
	recorder *metrics.Recorder
	hub      *Hub
	user     models.User
	stream   models.LiveStream
}

func newHubFixture(t *testing.T) *hubFixture {
	t.Helper()
	store, err := storage.NewStorage("")
	if err != nil {
		t.Fatalf("NewStorage: %v", err)
	}
	user, err := store.CreateUser(storage.CreateUserParams{DisplayName: "Jamie"})
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	stream, err := store.UpsertStream(storage.StreamRegistration{UserID: user.ID, Title: "Night stream"})
	if err != nil {
		t.Fatalf("UpsertStream: %v", err)
	}
	bus := events.NewMemoryBus(16)
	recorder := metrics.New()
	hub := NewHub(HubConfig{Store: store, Bus: bus, Metrics: recorder})
	hub.Start()
	t.Cleanup(func() {
		if err := hub.Shutdown(context.Background()); err != nil {
			t.Errorf("Shutdown: %v", err)
		}
	})
	return &hubFixture{store: store, bus: bus, recorder: recorder, hub: hub, user: user, stream: stream}
}

// bareClient builds a client that is not backed by a live connection, for
// exercising room bookkeeping directly.
func (fx *hubFixture) bareClient() *client {
	c := &client{
		hub:   fx.hub,
		send:  make(chan []byte, clientSendBuffer),
		rooms: make(map[string]struct{}),
	}
	fx.hub.mu.Lock()
	fx.hub.clients[c] = struct{}{}
	fx.hub.mu.Unlock()
	return c
}

func (fx *hubFixture) viewerCount(t *testing.T) int {
	t.Helper()
	stream, ok := fx.store.GetStream(fx.stream.ID)
	if !ok {
		t.Fatal("stream disappeared")
	}
	return stream.ViewerCount
}

func decodePayload(t *testing.T, payload []byte) map[string]any {
	t.Helper()
	var decoded map[string]any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		t.Fatalf("decode payload %s: %v", payload, err)
	}
	return decoded
}

func receive(t *testing.T, c *client) map[string]any {
	t.Helper()
	select {
	case payload := <-c.send:
		return decodePayload(t, payload)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for payload")
		return nil
	}
}

func TestHubJoinLeaveAdjustsViewerCount(t *testing.T) {
	fx := newHubFixture(t)
	first := fx.bareClient()
	second := fx.bareClient()

	if err := fx.hub.join(first, fx.stream.StreamKey); err != nil {
		t.Fatalf("join: %v", err)
	}
	if err := fx.hub.join(second, fx.stream.StreamKey); err != nil {
		t.Fatalf("join: %v", err)
	}
	if got := fx.viewerCount(t); got != 2 {
		t.Fatalf("viewer count after two joins: got %d", got)
	}
	if got := fx.hub.RoomSize(fx.stream.StreamKey); got != 2 {
		t.Fatalf("room size: got %d", got)
	}

	fx.hub.leave(first, fx.stream.StreamKey)
	if got := fx.viewerCount(t); got != 1 {
		t.Fatalf("viewer count after one leave: got %d", got)
	}

	// Leaving twice must not decrement twice.
	fx.hub.leave(first, fx.stream.StreamKey)
	if got := fx.viewerCount(t); got != 1 {
		t.Fatalf("viewer count after duplicate leave: got %d", got)
	}

	fx.hub.leave(second, fx.stream.StreamKey)
	if got := fx.viewerCount(t); got != 0 {
		t.Fatalf("viewer count after all leaves: got %d", got)
	}
	if fx.recorder.ConnectedViewers() != 0 {
		t.Fatalf("viewer gauge: got %d", fx.recorder.ConnectedViewers())
	}
}

// Shutdown tears rooms down from its own goroutine while the read pump may
// still be joining and leaving; membership bookkeeping has to tolerate both
// at once and never double-count a leave.
func TestHubShutdownRacesWithJoins(t *testing.T) {
	fx := newHubFixture(t)
	c := fx.bareClient()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			_ = fx.hub.join(c, fx.stream.StreamKey)
			fx.hub.leave(c, fx.stream.StreamKey)
		}
	}()
	if err := fx.hub.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	<-done

	if got := fx.viewerCount(t); got != 0 {
		t.Fatalf("viewer count after shutdown: got %d", got)
	}
}

func TestHubJoinIsIdempotentPerClient(t *testing.T) {
	fx := newHubFixture(t)
	c := fx.bareClient()

	if err := fx.hub.join(c, fx.stream.StreamKey); err != nil {
		t.Fatalf("join: %v", err)
	}
	if err := fx.hub.join(c, fx.stream.StreamKey); err != nil {
		t.Fatalf("repeat join: %v", err)
	}
	if got := fx.viewerCount(t); got != 1 {
		t.Fatalf("viewer count after repeat join: got %d", got)
	}
}

func TestHubJoinUnknownStream(t *testing.T) {
	fx := newHubFixture(t)
	c := fx.bareClient()
	if err := fx.hub.join(c, "UNKNOWN"); err == nil {
		t.Fatal("joining an unknown stream must fail")
	}
}

func TestHubChatDropsSendersWithoutProfile(t *testing.T) {
	fx := newHubFixture(t)
	member := fx.bareClient()
	if err := fx.hub.join(member, fx.stream.StreamKey); err != nil {
		t.Fatalf("join: %v", err)
	}

	fx.hub.relayChat(context.Background(), fx.stream.StreamKey, "ghost", "anyone here?")

	select {
	case payload := <-member.send:
		t.Fatalf("dropped message reached the room: %s", payload)
	case <-time.After(50 * time.Millisecond):
	}

	var buf strings.Builder
	fx.recorder.Write(&buf)
	if !strings.Contains(buf.String(), `chat_events_total{event="dropped:no_profile"} 1`) {
		t.Fatalf("drop not counted:\n%s", buf.String())
	}
}

func TestHubChatReachesRoomMembersOnly(t *testing.T) {
	fx := newHubFixture(t)
	member := fx.bareClient()
	outsider := fx.bareClient()
	if err := fx.hub.join(member, fx.stream.StreamKey); err != nil {
		t.Fatalf("join: %v", err)
	}

	fx.hub.relayChat(context.Background(), fx.stream.StreamKey, fx.user.ID, "  hello room  ")

	got := receive(t, member)
	if got["type"] != "new_message" {
		t.Fatalf("payload type: %v", got["type"])
	}
	if got["message"] != "hello room" {
		t.Fatalf("message text: %v", got["message"])
	}
	author, ok := got["user"].(map[string]any)
	if !ok || author["displayName"] != "Jamie" {
		t.Fatalf("author profile: %v", got["user"])
	}
	if got["id"] == "" || got["timestamp"] == nil {
		t.Fatalf("message envelope incomplete: %v", got)
	}

	select {
	case payload := <-outsider.send:
		t.Fatalf("room message leaked to non-member: %s", payload)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHubChatNormalizesText(t *testing.T) {
	fx := newHubFixture(t)
	member := fx.bareClient()
	if err := fx.hub.join(member, fx.stream.StreamKey); err != nil {
		t.Fatalf("join: %v", err)
	}

	fx.hub.relayChat(context.Background(), fx.stream.StreamKey, fx.user.ID, "café")

	got := receive(t, member)
	if got["message"] != "café" {
		t.Fatalf("text not NFC-normalized: %q", got["message"])
	}
}

func TestHubBroadcastsLifecycleEventsToEveryone(t *testing.T) {
	fx := newHubFixture(t)
	member := fx.bareClient()
	outsider := fx.bareClient()
	if err := fx.hub.join(member, fx.stream.StreamKey); err != nil {
		t.Fatalf("join: %v", err)
	}

	err := fx.bus.Publish(context.Background(), events.Event{
		Type: events.TypeStreamStarted,
		Stream: &events.StreamEvent{
			StreamID:  fx.stream.ID,
			StreamKey: fx.stream.StreamKey,
			UserID:    fx.user.ID,
			Title:     "Night stream",
		},
		OccurredAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}

	for _, c := range []*client{member, outsider} {
		got := receive(t, c)
		if got["type"] != "stream_started" {
			t.Fatalf("payload type: %v", got["type"])
		}
		if got["streamId"] != fx.stream.ID || got["title"] != "Night stream" {
			t.Fatalf("payload fields: %v", got)
		}
	}

	err = fx.bus.Publish(context.Background(), events.Event{
		Type: events.TypeStreamEnded,
		Stream: &events.StreamEvent{
			StreamID:        fx.stream.ID,
			StreamKey:       fx.stream.StreamKey,
			DurationSeconds: 93,
		},
		OccurredAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	got := receive(t, outsider)
	if got["type"] != "stream_ended" {
		t.Fatalf("payload type: %v", got["type"])
	}
	if got["duration"] != float64(93) {
		t.Fatalf("duration: %v", got["duration"])
	}
}

func dialTestSocket(t *testing.T, server *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readSocketPayload(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, payload, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read websocket: %v", err)
	}
	return decodePayload(t, payload)
}

func TestHubOverLiveConnection(t *testing.T) {
	fx := newHubFixture(t)
	server := httptest.NewServer(http.HandlerFunc(fx.hub.HandleWS))
	t.Cleanup(server.Close)

	viewer := dialTestSocket(t, server)
	sender := dialTestSocket(t, server)

	join := map[string]string{"type": "join_stream", "streamKey": fx.stream.StreamKey}
	for _, conn := range []*websocket.Conn{viewer, sender} {
		if err := conn.WriteJSON(join); err != nil {
			t.Fatalf("write join: %v", err)
		}
	}
	deadline := time.Now().Add(2 * time.Second)
	for fx.viewerCount(t) != 2 {
		if time.Now().After(deadline) {
			t.Fatalf("joins never landed, viewer count %d", fx.viewerCount(t))
		}
		time.Sleep(10 * time.Millisecond)
	}

	err := sender.WriteJSON(map[string]string{
		"type":      "stream_message",
		"streamKey": fx.stream.StreamKey,
		"userId":    fx.user.ID,
		"message":   "good evening",
	})
	if err != nil {
		t.Fatalf("write chat: %v", err)
	}

	got := readSocketPayload(t, viewer)
	if got["type"] != "new_message" || got["message"] != "good evening" {
		t.Fatalf("viewer payload: %v", got)
	}

	if err := viewer.WriteJSON(map[string]string{"type": "leave_stream", "streamKey": fx.stream.StreamKey}); err != nil {
		t.Fatalf("write leave: %v", err)
	}
	deadline = time.Now().Add(2 * time.Second)
	for fx.viewerCount(t) != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("leave never landed, viewer count %d", fx.viewerCount(t))
		}
		time.Sleep(10 * time.Millisecond)
	}

	// Disconnecting the remaining member returns the count to zero.
	sender.Close()
	deadline = time.Now().Add(2 * time.Second)
	for fx.viewerCount(t) != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("disconnect cleanup never ran, viewer count %d", fx.viewerCount(t))
		}
		time.Sleep(10 * time.Millisecond)
	}
}

package live

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"streamforge/internal/events"
	"streamforge/internal/models"
	"streamforge/internal/observability/metrics"
	"streamforge/internal/storage"
)

type gatewayFixture struct {
	store    *storage.Storage
	bus      events.Bus
	recorder *metrics.Recorder
	gateway  *Gateway
	user     models.User
}

func newGatewayFixture(t *testing.T) *gatewayFixture {
	t.Helper()
	store, err := storage.NewStorage("")
	if err != nil {
		t.Fatalf("NewStorage: %v", err)
	}
	user, err := store.CreateUser(storage.CreateUserParams{DisplayName: "Casey"})
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	bus := events.NewMemoryBus(16)
	recorder := metrics.New()
	gateway := NewGateway(GatewayConfig{
		Store:        store,
		Bus:          bus,
		IngestBase:   "rtmp://ingest.local/live",
		PlaybackBase: "http://edge.local/hls",
		Metrics:      recorder,
	})
	return &gatewayFixture{store: store, bus: bus, recorder: recorder, gateway: gateway, user: user}
}

func (fx *gatewayFixture) register(t *testing.T, title string) models.LiveStream {
	t.Helper()
	stream, err := fx.gateway.Register(context.Background(), fx.user.ID, title)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	return stream
}

func waitForEvent(t *testing.T, sub events.Subscription, eventType events.Type) events.Event {
	t.Helper()
	for {
		select {
		case event, ok := <-sub.Events():
			if !ok {
				t.Fatalf("subscription closed before %s arrived", eventType)
			}
			if event.Type == eventType {
				return event
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %s", eventType)
		}
	}
}

func TestGatewayRegisterIsIdempotent(t *testing.T) {
	fx := newGatewayFixture(t)

	first := fx.register(t, "First session")
	if first.StreamKey == "" {
		t.Fatal("registration must mint a stream key")
	}
	if len(first.StreamKey) != 48 || first.StreamKey != strings.ToUpper(first.StreamKey) {
		t.Fatalf("unexpected key shape %q", first.StreamKey)
	}
	if first.IngestURL != "rtmp://ingest.local/live/"+first.StreamKey {
		t.Fatalf("ingest URL: got %q", first.IngestURL)
	}

	second := fx.register(t, "Renamed session")
	if second.ID != first.ID || second.StreamKey != first.StreamKey {
		t.Fatalf("re-registration must reuse the stream: %+v vs %+v", first, second)
	}
	if second.Title != "Renamed session" {
		t.Fatalf("title not refreshed: %q", second.Title)
	}
}

func TestGatewayRegisterRequiresKnownUser(t *testing.T) {
	fx := newGatewayFixture(t)
	if _, err := fx.gateway.Register(context.Background(), "ghost", "Title"); !errors.Is(err, storage.ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}
}

func TestGatewayAuthorizeDeniesUnknownKey(t *testing.T) {
	fx := newGatewayFixture(t)
	fx.register(t, "Session")

	if _, ok := fx.gateway.Authorize("NOPE"); ok {
		t.Fatal("unknown key must be denied")
	}
	if _, ok := fx.gateway.Authorize(""); ok {
		t.Fatal("empty key must be denied")
	}

	var buf strings.Builder
	fx.recorder.Write(&buf)
	if !strings.Contains(buf.String(), "stream_publish_denied_total 1") {
		t.Fatalf("denial not counted:\n%s", buf.String())
	}
}

func TestGatewayPublishLifecycle(t *testing.T) {
	fx := newGatewayFixture(t)
	registered := fx.register(t, "Session")
	sub := fx.bus.Subscribe()
	defer sub.Close()

	stream, err := fx.gateway.HandlePublish(context.Background(), registered.StreamKey)
	if err != nil {
		t.Fatalf("HandlePublish: %v", err)
	}
	if !stream.IsLive || stream.StartedAt == nil {
		t.Fatalf("stream not live: %+v", stream)
	}
	if stream.PlaybackURL != "http://edge.local/hls/"+registered.StreamKey+"/index.m3u8" {
		t.Fatalf("playback URL: got %q", stream.PlaybackURL)
	}
	if fx.recorder.ActiveStreams() != 1 {
		t.Fatalf("active streams gauge: got %d", fx.recorder.ActiveStreams())
	}

	started := waitForEvent(t, sub, events.TypeStreamStarted)
	if started.Stream == nil || started.Stream.StreamID != stream.ID {
		t.Fatalf("started event payload: %+v", started)
	}

	ended, err := fx.gateway.HandleUnpublish(context.Background(), registered.StreamKey)
	if err != nil {
		t.Fatalf("HandleUnpublish: %v", err)
	}
	if ended.IsLive || ended.EndedAt == nil {
		t.Fatalf("stream still live: %+v", ended)
	}
	if fx.recorder.ActiveStreams() != 0 {
		t.Fatalf("active streams gauge after end: got %d", fx.recorder.ActiveStreams())
	}
	waitForEvent(t, sub, events.TypeStreamEnded)
}

func TestGatewayUnpublishWhenNotLiveEmitsNothing(t *testing.T) {
	fx := newGatewayFixture(t)
	registered := fx.register(t, "Session")
	sub := fx.bus.Subscribe()
	defer sub.Close()

	if _, err := fx.gateway.HandleUnpublish(context.Background(), registered.StreamKey); err != nil {
		t.Fatalf("HandleUnpublish: %v", err)
	}
	select {
	case event := <-sub.Events():
		t.Fatalf("unexpected event %s for idle unpublish", event.Type)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestGatewayPublishUnknownKeyMutatesNothing(t *testing.T) {
	fx := newGatewayFixture(t)
	registered := fx.register(t, "Session")

	if _, err := fx.gateway.HandlePublish(context.Background(), "UNKNOWN"); !errors.Is(err, storage.ErrStreamNotFound) {
		t.Fatalf("expected ErrStreamNotFound, got %v", err)
	}
	current, _ := fx.store.GetStream(registered.ID)
	if current.IsLive {
		t.Fatal("denied publish must not touch the stream record")
	}
}

func TestGatewayEndOutOfBand(t *testing.T) {
	fx := newGatewayFixture(t)
	registered := fx.register(t, "Session")
	if _, err := fx.gateway.HandlePublish(context.Background(), registered.StreamKey); err != nil {
		t.Fatalf("HandlePublish: %v", err)
	}

	ended, err := fx.gateway.End(context.Background(), registered.ID)
	if err != nil {
		t.Fatalf("End: %v", err)
	}
	if ended.IsLive {
		t.Fatal("End must stop the broadcast")
	}

	if _, err := fx.gateway.End(context.Background(), "missing"); !errors.Is(err, storage.ErrStreamNotFound) {
		t.Fatalf("expected ErrStreamNotFound, got %v", err)
	}
}

func TestGatewayGetIncludesBroadcaster(t *testing.T) {
	fx := newGatewayFixture(t)
	registered := fx.register(t, "Session")

	stream, user, ok := fx.gateway.Get(registered.ID)
	if !ok {
		t.Fatal("stream not found")
	}
	if user.DisplayName != "Casey" {
		t.Fatalf("broadcaster profile: got %+v", user)
	}
	if stream.IngestURL == "" {
		t.Fatal("ingest URL missing from lookup")
	}

	if _, _, ok := fx.gateway.Get("missing"); ok {
		t.Fatal("unknown stream id must miss")
	}
}

func TestGatewayRotateStreamKey(t *testing.T) {
	fx := newGatewayFixture(t)
	registered := fx.register(t, "Session")

	rotated, err := fx.gateway.RotateStreamKey(registered.ID)
	if err != nil {
		t.Fatalf("RotateStreamKey: %v", err)
	}
	if rotated.StreamKey == registered.StreamKey {
		t.Fatal("rotation must mint a new key")
	}
	if _, ok := fx.gateway.Authorize(registered.StreamKey); ok {
		t.Fatal("old key must stop authorizing")
	}
	if _, ok := fx.gateway.Authorize(rotated.StreamKey); !ok {
		t.Fatal("new key must authorize")
	}
}

func TestGatewayNormalizesTitles(t *testing.T) {
	fx := newGatewayFixture(t)
	// Combining acute accent; NFC folds it into the preceding e.
	stream := fx.register(t, "Café hours")
	if stream.Title != "Café hours" {
		t.Fatalf("title not NFC-normalized: %q", stream.Title)
	}
}

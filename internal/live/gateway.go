package live

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"

	"streamforge/internal/events"
	"streamforge/internal/models"
	"streamforge/internal/observability/metrics"
	"streamforge/internal/storage"
)

type GatewayConfig struct {
	Store  storage.Repository
	Bus    events.Bus
	Fanout *Fanout
	// IngestBase is the RTMP application URL broadcasters point their
	// encoder at, e.g. rtmp://ingest.example.com/live.
	IngestBase string
	// PlaybackBase is where the media server exposes HLS output, e.g.
	// http://edge.example.com/hls.
	PlaybackBase string
	Logger       *slog.Logger
	Metrics      *metrics.Recorder
}

// Gateway owns the live broadcast lifecycle. The media server calls in via
// the ingest hook on publish and unpublish; broadcasters register and end
// streams through the public API. Stream keys are capability tokens: an
// unknown key is denied without touching any record.
type Gateway struct {
	store        storage.Repository
	bus          events.Bus
	fanout       *Fanout
	ingestBase   string
	playbackBase string
	logger       *slog.Logger
	metrics      *metrics.Recorder
}

func NewGateway(cfg GatewayConfig) *Gateway {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	return &Gateway{
		store:        cfg.Store,
		bus:          cfg.Bus,
		fanout:       cfg.Fanout,
		ingestBase:   strings.TrimRight(strings.TrimSpace(cfg.IngestBase), "/"),
		playbackBase: strings.TrimRight(strings.TrimSpace(cfg.PlaybackBase), "/"),
		logger:       logger,
		metrics:      recorder,
	}
}

// Register upserts the broadcaster's stream record. One stream row per user;
// re-registering refreshes the title and returns the existing key.
func (g *Gateway) Register(ctx context.Context, userID, title string) (models.LiveStream, error) {
	if strings.TrimSpace(userID) == "" {
		return models.LiveStream{}, fmt.Errorf("user id is required")
	}
	stream, err := g.store.UpsertStream(storage.StreamRegistration{
		UserID: userID,
		Title:  norm.NFC.String(strings.TrimSpace(title)),
	})
	if err != nil {
		return models.LiveStream{}, err
	}
	stream.IngestURL = g.IngestURL(stream.StreamKey)
	g.logger.Info("stream registered", "stream_id", stream.ID, "user_id", userID)
	return stream, nil
}

// Authorize resolves a stream key presented by the media server. Unknown
// keys are denied and counted; nothing is mutated either way.
func (g *Gateway) Authorize(key string) (models.LiveStream, bool) {
	key = models.NormalizeStreamKey(key)
	if key == "" {
		return models.LiveStream{}, false
	}
	stream, ok := g.store.GetStreamByKey(key)
	if !ok {
		g.metrics.PublishDenied()
		g.logger.Warn("publish denied for unknown stream key")
		return models.LiveStream{}, false
	}
	return stream, true
}

// HandlePublish marks the stream live and announces it. Publishing on an
// already-live key restarts the broadcast: startedAt and viewer count reset.
func (g *Gateway) HandlePublish(ctx context.Context, key string) (models.LiveStream, error) {
	key = models.NormalizeStreamKey(key)
	if _, ok := g.Authorize(key); !ok {
		return models.LiveStream{}, storage.ErrStreamNotFound
	}
	now := time.Now().UTC()
	stream, err := g.store.MarkStreamLive(key, now, g.PlaybackURL(key))
	if err != nil {
		return models.LiveStream{}, err
	}
	g.metrics.StreamStarted()
	g.publishEvent(ctx, events.TypeStreamStarted, stream)
	g.fanout.Enqueue(stream)
	g.logger.Info("stream live", "stream_id", stream.ID, "user_id", stream.UserID)
	return stream, nil
}

// HandleUnpublish marks the stream ended and announces it. Unpublishing a
// stream that is not live is a no-op.
func (g *Gateway) HandleUnpublish(ctx context.Context, key string) (models.LiveStream, error) {
	key = models.NormalizeStreamKey(key)
	current, ok := g.Authorize(key)
	if !ok {
		return models.LiveStream{}, storage.ErrStreamNotFound
	}
	wasLive := current.IsLive
	stream, err := g.store.MarkStreamEnded(key, time.Now().UTC())
	if err != nil {
		return models.LiveStream{}, err
	}
	if wasLive {
		g.metrics.StreamStopped()
		g.publishEvent(ctx, events.TypeStreamEnded, stream)
		g.logger.Info("stream ended",
			"stream_id", stream.ID, "duration_seconds", stream.DurationSeconds)
	}
	return stream, nil
}

// End stops a broadcast out of band, by stream ID rather than key. Used when
// the broadcaster ends from the dashboard instead of stopping the encoder.
func (g *Gateway) End(ctx context.Context, streamID string) (models.LiveStream, error) {
	stream, ok := g.store.GetStream(streamID)
	if !ok {
		return models.LiveStream{}, fmt.Errorf("stream %s: %w", streamID, storage.ErrStreamNotFound)
	}
	return g.HandleUnpublish(ctx, stream.StreamKey)
}

// Get returns the stream record together with the broadcaster's profile.
func (g *Gateway) Get(streamID string) (models.LiveStream, models.User, bool) {
	stream, ok := g.store.GetStream(streamID)
	if !ok {
		return models.LiveStream{}, models.User{}, false
	}
	stream.IngestURL = g.IngestURL(stream.StreamKey)
	user, _ := g.store.GetUser(stream.UserID)
	return stream, user, true
}

// RotateStreamKey issues a fresh key, invalidating the previous one.
func (g *Gateway) RotateStreamKey(streamID string) (models.LiveStream, error) {
	stream, err := g.store.RotateStreamKey(streamID)
	if err != nil {
		return models.LiveStream{}, err
	}
	stream.IngestURL = g.IngestURL(stream.StreamKey)
	g.logger.Info("stream key rotated", "stream_id", stream.ID)
	return stream, nil
}

// ListLive returns every currently live stream.
func (g *Gateway) ListLive() ([]models.LiveStream, error) {
	return g.store.ListLiveStreams()
}

// IngestURL builds the RTMP URL a broadcaster publishes the given key to.
func (g *Gateway) IngestURL(key string) string {
	if g.ingestBase == "" {
		return ""
	}
	return g.ingestBase + "/" + key
}

// PlaybackURL builds the HLS URL viewers watch the given key at.
func (g *Gateway) PlaybackURL(key string) string {
	if g.playbackBase == "" {
		return ""
	}
	return g.playbackBase + "/" + key + "/index.m3u8"
}

func (g *Gateway) publishEvent(ctx context.Context, eventType events.Type, stream models.LiveStream) {
	if g.bus == nil {
		return
	}
	err := g.bus.Publish(ctx, events.Event{
		Type: eventType,
		Stream: &events.StreamEvent{
			StreamID:        stream.ID,
			StreamKey:       stream.StreamKey,
			UserID:          stream.UserID,
			Title:           stream.Title,
			PlaybackURL:     stream.PlaybackURL,
			DurationSeconds: stream.DurationSeconds,
		},
		OccurredAt: time.Now().UTC(),
	})
	if err != nil {
		g.logger.Warn("failed to publish stream event",
			"type", string(eventType), "stream_id", stream.ID, "error", err)
	}
}

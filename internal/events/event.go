// Package events carries stream lifecycle and chat traffic between the
// ingest gateway and the presence hub, in-process or across instances via
// Redis Streams.
package events

import (
	"time"

	"streamforge/internal/models"
)

// Type enumerates the events flowing through the bus.
type Type string

const (
	// TypeStreamStarted announces a broadcast going live.
	TypeStreamStarted Type = "stream_started"
	// TypeStreamEnded announces a broadcast going offline.
	TypeStreamEnded Type = "stream_ended"
	// TypeChatMessage relays a room chat message between instances.
	TypeChatMessage Type = "chat_message"
)

// StreamEvent describes the broadcast a lifecycle event refers to.
type StreamEvent struct {
	StreamID        string `json:"streamId"`
	StreamKey       string `json:"streamKey"`
	UserID          string `json:"userId"`
	Title           string `json:"title,omitempty"`
	PlaybackURL     string `json:"playbackUrl,omitempty"`
	DurationSeconds int    `json:"durationSeconds,omitempty"`
}

// Event is the wire envelope published to the bus.
type Event struct {
	Type       Type                `json:"type"`
	Stream     *StreamEvent        `json:"stream,omitempty"`
	Chat       *models.ChatMessage `json:"chat,omitempty"`
	OccurredAt time.Time           `json:"occurredAt"`
}

package events

import (
	"io"
	"log/slog"
	"testing"
	"time"
)

func TestRedisBusRequiresAddr(t *testing.T) {
	if _, err := NewRedisBus(RedisBusConfig{}); err == nil {
		t.Fatal("expected error for missing addr")
	}
}

// Close only cancels the read loop; the loop closes the events channel on
// its way out. Closing while the loop is mid-cycle must end with a closed
// channel, not a panic.
func TestRedisSubscriptionCloseShutsDownReadLoop(t *testing.T) {
	bus, err := NewRedisBus(RedisBusConfig{
		Addr:         "127.0.0.1:1",
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		DialTimeout:  50 * time.Millisecond,
		BlockTimeout: 50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewRedisBus: %v", err)
	}
	sub := bus.Subscribe()
	sub.Close()
	sub.Close()

	select {
	case _, ok := <-sub.Events():
		if ok {
			t.Fatal("expected channel closure, got an event")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("events channel never closed after Close")
	}
}

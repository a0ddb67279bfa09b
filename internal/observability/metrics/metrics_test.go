package metrics

import (
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestRecorderGaugesNeverNegative(t *testing.T) {
	rec := New()
	rec.StreamStopped()
	rec.StreamStopped()
	if got := rec.ActiveStreams(); got != 0 {
		t.Fatalf("active streams = %d, want 0", got)
	}
	rec.StreamStarted()
	rec.StreamStopped()
	rec.StreamStopped()
	if got := rec.ActiveStreams(); got != 0 {
		t.Fatalf("active streams after underflow = %d, want 0", got)
	}
}

func TestRecorderConcurrentPresence(t *testing.T) {
	rec := New()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			rec.ViewerJoined()
		}()
		go func() {
			defer wg.Done()
			rec.ViewerLeft()
		}()
	}
	wg.Wait()
	if got := rec.ConnectedViewers(); got < 0 {
		t.Fatalf("connected viewers went negative: %d", got)
	}
}

func TestRecorderExposition(t *testing.T) {
	rec := New()
	rec.ObserveRequest("POST", "/api/transcode", 200, 120*time.Millisecond)
	rec.TranscodeJobStarted()
	rec.TranscodeJobFailed("probe")
	rec.PublishDenied()
	rec.ObserveChatEvent("dropped:no_profile")

	srv := httptest.NewServer(rec.Handler())
	defer srv.Close()

	var body strings.Builder
	rec.Write(&body)
	text := body.String()

	for _, want := range []string{
		`http_requests_total{method="POST",path="/api/transcode",status="200"} 1`,
		`transcode_jobs_total{event="failed:probe"} 1`,
		"stream_publish_denied_total 1",
		`chat_events_total{event="dropped:no_profile"} 1`,
		"transcode_jobs_active 0",
	} {
		if !strings.Contains(text, want) {
			t.Fatalf("exposition missing %q:\n%s", want, text)
		}
	}
}

func TestNormalizePath(t *testing.T) {
	cases := map[string]string{
		"/":              "/",
		"/api/transcode": "/api/transcode",
		"/api/transcode/jobs/0123456789abcdef0123456789abcdef": "/api/transcode/jobs/:id",
	}
	for input, want := range cases {
		if got := normalizePath(input); got != want {
			t.Fatalf("normalizePath(%q) = %q, want %q", input, got, want)
		}
	}
}

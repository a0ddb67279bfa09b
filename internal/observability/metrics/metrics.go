package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type requestLabel struct {
	method string
	path   string
	status string
}

// Recorder aggregates in-memory counters and gauges for HTTP requests,
// transcode jobs, live stream lifecycle, viewer presence, chat activity, and
// notification fan-out. Writers are coordinated with a RWMutex; the active
// gauges use atomics so lifecycle events stay consistent under concurrency.
type Recorder struct {
	mu               sync.RWMutex
	requestCount     map[requestLabel]uint64
	requestDuration  map[requestLabel]time.Duration
	transcodeEvents  map[string]uint64
	streamEvents     map[string]uint64
	publishDenials   uint64
	presenceEvents   map[string]uint64
	chatEvents       map[string]uint64
	fanoutEvents     map[string]uint64
	activeJobs       atomic.Int64
	activeStreams    atomic.Int64
	connectedViewers atomic.Int64
}

var defaultRecorder = New()

// New constructs an empty Recorder with initialized backing maps so callers
// can immediately record metrics without additional setup.
func New() *Recorder {
	return &Recorder{
		requestCount:    make(map[requestLabel]uint64),
		requestDuration: make(map[requestLabel]time.Duration),
		transcodeEvents: make(map[string]uint64),
		streamEvents:    make(map[string]uint64),
		presenceEvents:  make(map[string]uint64),
		chatEvents:      make(map[string]uint64),
		fanoutEvents:    make(map[string]uint64),
	}
}

// Default returns the singleton Recorder shared by the package-level helpers.
func Default() *Recorder {
	return defaultRecorder
}

// ObserveRequest accumulates request count and cumulative duration by HTTP
// method, normalized path, and status code.
func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	label := requestLabel{
		method: strings.ToUpper(method),
		path:   normalizePath(path),
		status: fmt.Sprintf("%d", status),
	}
	r.mu.Lock()
	r.requestCount[label]++
	r.requestDuration[label] += duration
	r.mu.Unlock()
}

// TranscodeJobStarted records a job entering the pipeline and raises the
// active job gauge.
func (r *Recorder) TranscodeJobStarted() {
	r.incrementEvent(r.transcodeEvents, "started")
	r.activeJobs.Add(1)
}

// TranscodeJobCompleted records a successful terminal job.
func (r *Recorder) TranscodeJobCompleted() {
	r.incrementEvent(r.transcodeEvents, "completed")
	r.decrementGauge(&r.activeJobs)
}

// TranscodeJobFailed records a failed terminal job, labelled with the stage
// that aborted the pipeline.
func (r *Recorder) TranscodeJobFailed(stage string) {
	r.incrementEvent(r.transcodeEvents, "failed:"+normalizeName(stage))
	r.decrementGauge(&r.activeJobs)
}

// StreamStarted records a publish transition and raises the live gauge.
func (r *Recorder) StreamStarted() {
	r.incrementEvent(r.streamEvents, "start")
	r.activeStreams.Add(1)
}

// StreamStopped records an unpublish transition and lowers the live gauge,
// guarding against negative counts when concurrent updates race.
func (r *Recorder) StreamStopped() {
	r.incrementEvent(r.streamEvents, "stop")
	r.decrementGauge(&r.activeStreams)
}

// PublishDenied counts publish attempts rejected by the stream-key gate.
func (r *Recorder) PublishDenied() {
	r.mu.Lock()
	r.publishDenials++
	r.mu.Unlock()
}

// ViewerJoined records a room join and raises the connected viewer gauge.
func (r *Recorder) ViewerJoined() {
	r.incrementEvent(r.presenceEvents, "join")
	r.connectedViewers.Add(1)
}

// ViewerLeft records a room leave and lowers the connected viewer gauge.
func (r *Recorder) ViewerLeft() {
	r.incrementEvent(r.presenceEvents, "leave")
	r.decrementGauge(&r.connectedViewers)
}

// ObserveChatEvent counts chat outcomes ("sent", "dropped:no_profile", ...).
func (r *Recorder) ObserveChatEvent(event string) {
	r.incrementEvent(r.chatEvents, event)
}

// ObserveFanout counts notification fan-out activity ("enqueued",
// "inserted", "failed").
func (r *Recorder) ObserveFanout(event string) {
	r.incrementEvent(r.fanoutEvents, event)
}

// ActiveTranscodeJobs exposes the current in-flight job gauge.
func (r *Recorder) ActiveTranscodeJobs() int64 {
	return r.activeJobs.Load()
}

// ActiveStreams exposes the current live stream gauge.
func (r *Recorder) ActiveStreams() int64 {
	return r.activeStreams.Load()
}

// ConnectedViewers exposes the current presence gauge.
func (r *Recorder) ConnectedViewers() int64 {
	return r.connectedViewers.Load()
}

// Reset clears all recorded values. Intended for tests.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.requestCount = make(map[requestLabel]uint64)
	r.requestDuration = make(map[requestLabel]time.Duration)
	r.transcodeEvents = make(map[string]uint64)
	r.streamEvents = make(map[string]uint64)
	r.presenceEvents = make(map[string]uint64)
	r.chatEvents = make(map[string]uint64)
	r.fanoutEvents = make(map[string]uint64)
	r.publishDenials = 0
	r.mu.Unlock()
	r.activeJobs.Store(0)
	r.activeStreams.Store(0)
	r.connectedViewers.Store(0)
}

// Handler serves the plain-text exposition of all recorded metrics.
func (r *Recorder) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		r.Write(w)
	})
}

// Write renders the exposition format to the provided writer.
func (r *Recorder) Write(w io.Writer) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, label := range r.sortedRequestLabels() {
		count := r.requestCount[label]
		duration := r.requestDuration[label]
		fmt.Fprintf(w, "http_requests_total{method=%q,path=%q,status=%q} %d\n", label.method, label.path, label.status, count)
		fmt.Fprintf(w, "http_request_duration_seconds_total{method=%q,path=%q,status=%q} %.6f\n", label.method, label.path, label.status, duration.Seconds())
	}
	writeEventFamily(w, "transcode_jobs_total", "event", r.transcodeEvents)
	fmt.Fprintf(w, "transcode_jobs_active %d\n", r.activeJobs.Load())
	writeEventFamily(w, "stream_lifecycle_total", "event", r.streamEvents)
	fmt.Fprintf(w, "streams_active %d\n", r.activeStreams.Load())
	fmt.Fprintf(w, "stream_publish_denied_total %d\n", r.publishDenials)
	writeEventFamily(w, "presence_events_total", "event", r.presenceEvents)
	fmt.Fprintf(w, "presence_viewers_connected %d\n", r.connectedViewers.Load())
	writeEventFamily(w, "chat_events_total", "event", r.chatEvents)
	writeEventFamily(w, "notification_fanout_total", "event", r.fanoutEvents)
}

func writeEventFamily(w io.Writer, family, label string, values map[string]uint64) {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		fmt.Fprintf(w, "%s{%s=%q} %d\n", family, label, key, values[key])
	}
}

func (r *Recorder) sortedRequestLabels() []requestLabel {
	labels := make([]requestLabel, 0, len(r.requestCount))
	for label := range r.requestCount {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].method != labels[j].method {
			return labels[i].method < labels[j].method
		}
		if labels[i].path != labels[j].path {
			return labels[i].path < labels[j].path
		}
		return labels[i].status < labels[j].status
	})
	return labels
}

func (r *Recorder) incrementEvent(family map[string]uint64, event string) {
	normalized := normalizeName(event)
	r.mu.Lock()
	family[normalized]++
	r.mu.Unlock()
}

func (r *Recorder) decrementGauge(gauge *atomic.Int64) {
	for {
		current := gauge.Load()
		if current <= 0 {
			return
		}
		if gauge.CompareAndSwap(current, current-1) {
			return
		}
	}
}

// normalizePath collapses identifier-looking path segments so metric labels
// remain low-cardinality.
func normalizePath(path string) string {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" || trimmed == "/" {
		return "/"
	}
	segments := strings.Split(strings.Trim(trimmed, "/"), "/")
	for i, segment := range segments {
		if looksLikeIdentifier(segment) {
			segments[i] = ":id"
		}
	}
	return "/" + strings.Join(segments, "/")
}

func looksLikeIdentifier(segment string) bool {
	if len(segment) < 16 {
		return false
	}
	for _, r := range segment {
		switch {
		case r >= '0' && r <= '9':
		case r >= 'a' && r <= 'f':
		case r >= 'A' && r <= 'F':
		case r == '-':
		default:
			return false
		}
	}
	return true
}

func normalizeName(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}

// Package-level helpers recording against the Default recorder.

func ObserveRequest(method, path string, status int, duration time.Duration) {
	Default().ObserveRequest(method, path, status, duration)
}

func TranscodeJobStarted() { Default().TranscodeJobStarted() }

func TranscodeJobCompleted() { Default().TranscodeJobCompleted() }

func TranscodeJobFailed(stage string) { Default().TranscodeJobFailed(stage) }

func StreamStarted() { Default().StreamStarted() }

func StreamStopped() { Default().StreamStopped() }

func PublishDenied() { Default().PublishDenied() }

func ViewerJoined() { Default().ViewerJoined() }

func ViewerLeft() { Default().ViewerLeft() }

func ObserveChatEvent(event string) { Default().ObserveChatEvent(event) }

func ObserveFanout(event string) { Default().ObserveFanout(event) }

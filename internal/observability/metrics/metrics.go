package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder holds the Prometheus collectors for the control API, stream
// lifecycle, encoder supervision, media acquisition and the remote broadcast
// API. Each Recorder owns its registry so tests can inspect it in isolation.
type Recorder struct {
	registry         *prometheus.Registry
	requests         *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	streamEvents     *prometheus.CounterVec
	streamFailures   *prometheus.CounterVec
	activeStreams    prometheus.Gauge
	encoderSpawns    prometheus.Counter
	encoderRestarts  prometheus.Counter
	downloadBytes    prometheus.Counter
	downloadFailures prometheus.Counter
	resolveFailures  prometheus.Counter
	broadcastCalls   *prometheus.CounterVec
}

var (
	defaultMu       sync.RWMutex
	defaultRecorder = New()
)

// New constructs a Recorder registered against a fresh registry.
func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loopcast_http_requests_total",
			Help: "Control API requests by method, route and status.",
		}, []string{"method", "path", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "loopcast_http_request_duration_seconds",
			Help:    "Control API request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path"}),
		streamEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loopcast_stream_events_total",
			Help: "Stream lifecycle events.",
		}, []string{"event"}),
		streamFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loopcast_stream_failures_total",
			Help: "Streams that ended in error, by phase.",
		}, []string{"phase"}),
		activeStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "loopcast_active_streams",
			Help: "Streams currently starting or running in this process.",
		}),
		encoderSpawns: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "loopcast_encoder_spawns_total",
			Help: "Encoder processes launched, including restarts.",
		}),
		encoderRestarts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "loopcast_encoder_restarts_total",
			Help: "Encoder restarts after an abnormal exit.",
		}),
		downloadBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "loopcast_download_bytes_total",
			Help: "Bytes written to stream workspaces by media downloads.",
		}),
		downloadFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "loopcast_download_failures_total",
			Help: "Media downloads that failed.",
		}),
		resolveFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "loopcast_remote_resolve_failures_total",
			Help: "Remote playlist items skipped because they could not be resolved.",
		}),
		broadcastCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loopcast_broadcast_api_calls_total",
			Help: "Remote broadcast API calls by operation and result code.",
		}, []string{"operation", "code"}),
	}
	r.registry.MustRegister(
		r.requests,
		r.requestDuration,
		r.streamEvents,
		r.streamFailures,
		r.activeStreams,
		r.encoderSpawns,
		r.encoderRestarts,
		r.downloadBytes,
		r.downloadFailures,
		r.resolveFailures,
		r.broadcastCalls,
	)
	return r
}

// Default returns the process-wide recorder.
func Default() *Recorder {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultRecorder
}

// SetDefault replaces the process-wide recorder. Nil is ignored.
func SetDefault(r *Recorder) {
	if r == nil {
		return
	}
	defaultMu.Lock()
	defaultRecorder = r
	defaultMu.Unlock()
}

// Registry exposes the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// ObserveRequest records one control API request.
func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	if r == nil {
		return
	}
	method = strings.ToUpper(method)
	path = normalizePath(path)
	r.requests.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	r.requestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// StreamStarted records a stream reaching running.
func (r *Recorder) StreamStarted() {
	if r == nil {
		return
	}
	r.streamEvents.WithLabelValues("start").Inc()
}

// StreamStopped records a stream stopped on request or by a clean encoder exit.
func (r *Recorder) StreamStopped() {
	if r == nil {
		return
	}
	r.streamEvents.WithLabelValues("stop").Inc()
}

// StreamFailed records a stream that ended in error during the given phase.
func (r *Recorder) StreamFailed(phase string) {
	if r == nil {
		return
	}
	r.streamEvents.WithLabelValues("error").Inc()
	r.streamFailures.WithLabelValues(normalizeName(phase)).Inc()
}

// SetActiveStreams sets the number of locally owned active streams.
func (r *Recorder) SetActiveStreams(n int) {
	if r == nil {
		return
	}
	r.activeStreams.Set(float64(n))
}

// EncoderSpawned records a launched encoder process.
func (r *Recorder) EncoderSpawned() {
	if r == nil {
		return
	}
	r.encoderSpawns.Inc()
}

// EncoderRestarted records a restart after an abnormal exit.
func (r *Recorder) EncoderRestarted() {
	if r == nil {
		return
	}
	r.encoderRestarts.Inc()
}

// AddDownloadedBytes accumulates bytes written by downloads.
func (r *Recorder) AddDownloadedBytes(n int64) {
	if r == nil || n <= 0 {
		return
	}
	r.downloadBytes.Add(float64(n))
}

// DownloadFailed records a failed media download.
func (r *Recorder) DownloadFailed() {
	if r == nil {
		return
	}
	r.downloadFailures.Inc()
}

// RemoteItemSkipped records a remote playlist item skipped during resolution.
func (r *Recorder) RemoteItemSkipped() {
	if r == nil {
		return
	}
	r.resolveFailures.Inc()
}

// ObserveBroadcastCall records one remote broadcast API call.
func (r *Recorder) ObserveBroadcastCall(operation, code string) {
	if r == nil {
		return
	}
	if code == "" {
		code = "ok"
	}
	r.broadcastCalls.WithLabelValues(normalizeName(operation), normalizeName(code)).Inc()
}

// Handler exposes the registry in the Prometheus text format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

func normalizePath(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if part == "" || strings.HasPrefix(part, "{") {
			continue
		}
		if looksLikeIdentifier(part) {
			parts[i] = ":id"
		}
	}
	normalized := strings.Join(parts, "/")
	if !strings.HasPrefix(normalized, "/") {
		normalized = "/" + normalized
	}
	if strings.HasSuffix(normalized, "/") && len(normalized) > 1 {
		normalized = strings.TrimSuffix(normalized, "/")
	}
	return normalized
}

func looksLikeIdentifier(segment string) bool {
	if len(segment) >= 8 {
		return true
	}
	digitCount := 0
	for _, r := range segment {
		if r >= '0' && r <= '9' {
			digitCount++
		}
	}
	return digitCount >= 3
}

func normalizeName(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"loopcast/internal/coordinator"
	"loopcast/internal/models"
	"loopcast/internal/observability/metrics"
	"loopcast/internal/storage"
	"loopcast/internal/workspace"
)

type fakeStreams struct {
	mu        sync.Mutex
	launched  []models.StreamRequest
	launchErr error
	result    chan error
	stopErr   error
	stopped   []string
	report    coordinator.Report
	statusErr error
	logs      []models.StreamLogEntry
	logLimit  int
}

func (f *fakeStreams) Launch(_ context.Context, req models.StreamRequest) (<-chan error, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.launchErr != nil {
		return nil, f.launchErr
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	f.launched = append(f.launched, req)
	if f.result == nil {
		f.result = make(chan error, 1)
		f.result <- nil
	}
	return f.result, nil
}

func (f *fakeStreams) Stop(_ context.Context, streamID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, streamID)
	return f.stopErr
}

func (f *fakeStreams) Status(context.Context, string) (coordinator.Report, error) {
	return f.report, f.statusErr
}

func (f *fakeStreams) Logs(_ context.Context, _ string, limit int) ([]models.StreamLogEntry, error) {
	f.logLimit = limit
	return f.logs, nil
}

func (f *fakeStreams) ActiveCount() int { return len(f.launched) }

type failingPinger struct{ err error }

func (p failingPinger) Ping(context.Context) error { return p.err }

func newTestHandler(t *testing.T, streams *fakeStreams) (*Handler, *storage.Storage) {
	t.Helper()
	store := storage.NewMemory()
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	h := NewHandler(streams, store, logger)
	h.Store = store
	h.Metrics = metrics.New()
	return h, store
}

func startBody(accountID string) string {
	return fmt.Sprintf(`{"accountId":%q,"title":"Lofi","loop":true,"sources":[{"kind":"local-file","files":[{"location":"/media/a.mp4"}]}]}`, accountID)
}

func do(t *testing.T, handler http.Handler, method, path, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func decodeState(t *testing.T, rec *httptest.ResponseRecorder) streamStateResponse {
	t.Helper()
	var resp streamStateResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp
}

func TestStartStreamAccepted(t *testing.T) {
	streams := &fakeStreams{}
	h, _ := newTestHandler(t, streams)

	rec := do(t, h.Router(), http.MethodPost, "/v1/streams/s1/start", startBody("acct"))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	if resp := decodeState(t, rec); resp.StreamID != "s1" || resp.Status != models.StatusStarting {
		t.Fatalf("unexpected response %+v", resp)
	}
	if len(streams.launched) != 1 || streams.launched[0].StreamID != "s1" || !streams.launched[0].Loop {
		t.Fatalf("unexpected launch %+v", streams.launched)
	}
	if _, ok := streams.launched[0].Sources[0].(models.LocalFiles); !ok {
		t.Fatalf("expected local files source, got %T", streams.launched[0].Sources[0])
	}
}

func TestCreateStreamGeneratesID(t *testing.T) {
	streams := &fakeStreams{}
	h, _ := newTestHandler(t, streams)

	rec := do(t, h.Router(), http.MethodPost, "/v1/streams", startBody("acct"))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	resp := decodeState(t, rec)
	if len(resp.StreamID) != 36 || streams.launched[0].StreamID != resp.StreamID {
		t.Fatalf("expected generated uuid, got %+v", resp)
	}
}

func TestStartStreamErrorMapping(t *testing.T) {
	testCases := []struct {
		name      string
		path      string
		body      string
		launchErr error
		want      int
	}{
		{name: "redelivery", path: "/v1/streams/s1/start", body: startBody("acct"), launchErr: coordinator.ErrStreamActive, want: http.StatusOK},
		{name: "account busy", path: "/v1/streams/s1/start", body: startBody("acct"), launchErr: fmt.Errorf("%w: acct", coordinator.ErrAccountBusy), want: http.StatusConflict},
		{name: "bad stream id", path: "/v1/streams/s1/start", body: startBody("acct"), launchErr: workspace.ErrInvalidStreamID, want: http.StatusBadRequest},
		{name: "missing fields", path: "/v1/streams/s1/start", body: `{"title":"x","sources":[]}`, want: http.StatusBadRequest},
		{name: "malformed", path: "/v1/streams/s1/start", body: `{not json`, want: http.StatusBadRequest},
		{name: "unknown source kind", path: "/v1/streams/s1/start", body: `{"accountId":"a","title":"x","sources":[{"kind":"ftp"}]}`, want: http.StatusBadRequest},
		{name: "mismatched id", path: "/v1/streams/s1/start", body: `{"streamId":"s2","accountId":"a","title":"x","sources":[{"kind":"remote-direct","playlistId":"PL"}]}`, want: http.StatusBadRequest},
		{name: "store failure", path: "/v1/streams/s1/start", body: startBody("acct"), launchErr: errors.New("disk full"), want: http.StatusInternalServerError},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			streams := &fakeStreams{launchErr: tc.launchErr}
			streams.report.Record.Status = models.StatusRunning
			h, _ := newTestHandler(t, streams)
			rec := do(t, h.Router(), http.MethodPost, tc.path, tc.body)
			if rec.Code != tc.want {
				t.Fatalf("expected %d, got %d: %s", tc.want, rec.Code, rec.Body.String())
			}
			if tc.want == http.StatusOK {
				if resp := decodeState(t, rec); resp.Status != models.StatusRunning {
					t.Fatalf("expected current status on redelivery, got %+v", resp)
				}
			}
		})
	}
}

func TestStopStream(t *testing.T) {
	streams := &fakeStreams{}
	streams.report.Record.Status = models.StatusStopped
	h, _ := newTestHandler(t, streams)

	rec := do(t, h.Router(), http.MethodPost, "/v1/streams/s1/stop", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if resp := decodeState(t, rec); resp.Status != models.StatusStopped || streams.stopped[0] != "s1" {
		t.Fatalf("unexpected response %+v", resp)
	}

	streams.stopErr = coordinator.ErrNotFound
	if rec := do(t, h.Router(), http.MethodPost, "/v1/streams/missing/stop", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestGetStreamRedactsIngestURL(t *testing.T) {
	pid := 12
	streams := &fakeStreams{report: coordinator.Report{
		Record: models.StreamRecord{StreamID: "s1", Status: models.StatusRunning, ProcessID: &pid, IngestURL: "rtmp://a.rtmp.example/live2/secret-key"},
		Alive:  true,
	}}
	h, _ := newTestHandler(t, streams)

	rec := do(t, h.Router(), http.MethodGet, "/v1/streams/s1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "secret-key") {
		t.Fatalf("stream key leaked: %s", rec.Body.String())
	}
	var report coordinator.Report
	if err := json.Unmarshal(rec.Body.Bytes(), &report); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !report.Alive || report.Record.IngestURL != "rtmp://a.rtmp.example/live2/redacted" {
		t.Fatalf("unexpected report %+v", report)
	}

	streams.statusErr = coordinator.ErrNotFound
	if rec := do(t, h.Router(), http.MethodGet, "/v1/streams/s1", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestStreamLogsLimit(t *testing.T) {
	streams := &fakeStreams{logs: []models.StreamLogEntry{{StreamID: "s1", Level: models.LogInfo, Message: "stream running"}}}
	h, _ := newTestHandler(t, streams)
	router := h.Router()

	rec := do(t, router, http.MethodGet, "/v1/streams/s1/logs", "")
	if rec.Code != http.StatusOK || streams.logLimit != defaultLogLimit {
		t.Fatalf("expected default limit, got %d (%d)", streams.logLimit, rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "stream running") {
		t.Fatalf("missing entries: %s", rec.Body.String())
	}
	do(t, router, http.MethodGet, "/v1/streams/s1/logs?limit=50000", "")
	if streams.logLimit != maxLogLimit {
		t.Fatalf("expected capped limit, got %d", streams.logLimit)
	}
	if rec := do(t, router, http.MethodGet, "/v1/streams/s1/logs?limit=abc", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestPutAccountToken(t *testing.T) {
	h, store := newTestHandler(t, &fakeStreams{})
	router := h.Router()
	expiry := time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)
	body := fmt.Sprintf(`{"accessToken":"at","refreshToken":"rt","tokenType":"Bearer","expiry":%q}`, expiry.Format(time.RFC3339))

	rec := do(t, router, http.MethodPut, "/v1/accounts/acct/token", body)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", rec.Code, rec.Body.String())
	}
	token, err := store.GetAccountToken(context.Background(), "acct")
	if err != nil {
		t.Fatalf("GetAccountToken: %v", err)
	}
	if token.AccessToken != "at" || token.RefreshToken != "rt" || !token.Expiry.Equal(expiry) {
		t.Fatalf("unexpected token %+v", token)
	}

	if rec := do(t, router, http.MethodPut, "/v1/accounts/acct/token", `{"tokenType":"Bearer"}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestBearerTokenRequiredOnV1(t *testing.T) {
	h, _ := newTestHandler(t, &fakeStreams{})
	h.APIToken = "s3cret"
	router := h.Router()

	rec := do(t, router, http.MethodPost, "/v1/streams/s1/stop", "")
	if rec.Code != http.StatusUnauthorized || rec.Header().Get("WWW-Authenticate") == "" {
		t.Fatalf("expected 401 challenge, got %d", rec.Code)
	}
	if rec := do(t, router, http.MethodPost, "/v1/streams/s1/stop", "", "Authorization", "Bearer wrong"); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for wrong token, got %d", rec.Code)
	}
	if rec := do(t, router, http.MethodPost, "/v1/streams/s1/stop", "", "Authorization", "Bearer s3cret"); rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d", rec.Code)
	}
	if rec := do(t, router, http.MethodGet, "/healthz", ""); rec.Code != http.StatusOK {
		t.Fatalf("healthz must not require a token, got %d", rec.Code)
	}
}

func TestHealthReportsDegradedComponents(t *testing.T) {
	h, _ := newTestHandler(t, &fakeStreams{})
	h.Cache = failingPinger{err: errors.New("connection refused")}

	rec := do(t, h.Router(), http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	var payload struct {
		Status     string            `json:"status"`
		Components []componentStatus `json:"components"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.Status != "degraded" || len(payload.Components) != 2 || payload.Components[1].Error == "" {
		t.Fatalf("unexpected health payload %+v", payload)
	}
}

func TestRequestIDAndMetrics(t *testing.T) {
	h, _ := newTestHandler(t, &fakeStreams{})
	router := h.Router()

	rec := do(t, router, http.MethodGet, "/healthz", "", "X-Request-Id", "incoming")
	if got := rec.Header().Get("X-Request-Id"); got != "incoming" {
		t.Fatalf("expected request id to be echoed, got %q", got)
	}
	rec = do(t, router, http.MethodGet, "/healthz", "")
	if len(rec.Header().Get("X-Request-Id")) != 36 {
		t.Fatalf("expected generated uuid request id, got %q", rec.Header().Get("X-Request-Id"))
	}

	rec = do(t, router, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK || !bytes.Contains(rec.Body.Bytes(), []byte("/healthz")) {
		t.Fatalf("expected request metrics, got %d", rec.Code)
	}
}

func TestRequestIDMiddlewarePreservesStreamHeader(t *testing.T) {
	var seen string
	handler := requestIDMiddlewareWithGenerator(slog.Default(), func() string { return "generated" })(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logger := requestLogger(r, nil)
		if logger == nil {
			t.Error("expected context logger")
		}
		seen = r.Header.Get("X-Stream-Id")
		w.WriteHeader(http.StatusNoContent)
	}))
	rec := do(t, handler, http.MethodGet, "/", "", "X-Stream-Id", "stream-123")
	if rec.Header().Get("X-Request-Id") != "generated" || seen != "stream-123" {
		t.Fatalf("unexpected headers %v", rec.Header())
	}
}

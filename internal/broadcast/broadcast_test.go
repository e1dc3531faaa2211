package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"loopcast/internal/models"
)

type memoryTokens struct {
	mu     sync.Mutex
	tokens map[string]models.AccountToken
	saves  int
}

func newMemoryTokens(tokens ...models.AccountToken) *memoryTokens {
	m := &memoryTokens{tokens: make(map[string]models.AccountToken)}
	for _, tok := range tokens {
		m.tokens[tok.AccountID] = tok
	}
	return m
}

func (m *memoryTokens) GetAccountToken(_ context.Context, accountID string) (models.AccountToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tok, ok := m.tokens[accountID]
	if !ok {
		return models.AccountToken{}, errors.New("not found")
	}
	return tok, nil
}

func (m *memoryTokens) SaveAccountToken(_ context.Context, token models.AccountToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens[token.AccountID] = token
	m.saves++
	return nil
}

func (m *memoryTokens) get(accountID string) (models.AccountToken, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tokens[accountID], m.saves
}

type fakeAPI struct {
	t *testing.T

	mu          sync.Mutex
	calls       []string
	auth        []string
	ended       map[string]bool
	failStream  bool
	serverFails int
	rateLimits  int
	bodies      map[string]map[string]interface{}
	pages       map[string][]string
}

func newFakeAPI(t *testing.T) (*fakeAPI, *httptest.Server) {
	t.Helper()
	api := &fakeAPI{
		t:      t,
		ended:  make(map[string]bool),
		bodies: make(map[string]map[string]interface{}),
		pages:  make(map[string][]string),
	}
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)
	return api, srv
}

func (f *fakeAPI) record(call string, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
	f.auth = append(f.auth, r.Header.Get("Authorization"))
}

func (f *fakeAPI) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeAPI) authHeaders() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.auth...)
}

func (f *fakeAPI) body(name string) map[string]interface{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bodies[name]
}

func writeAPIError(w http.ResponseWriter, status int, reason string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	fmt.Fprintf(w, `{"error":{"code":%d,"message":"%s happened","errors":[{"reason":"%s"}]}}`, status, reason, reason)
}

func (f *fakeAPI) decode(name string, r *http.Request) {
	var body map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		f.t.Errorf("%s: decode body: %v", name, err)
		return
	}
	f.mu.Lock()
	f.bodies[name] = body
	f.mu.Unlock()
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	switch r.URL.Path {
	case "/youtube/v3/liveBroadcasts":
		f.record("insertBroadcast", r)
		f.decode("broadcast", r)
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "bc-1"})
	case "/upload/youtube/v3/thumbnails/set":
		f.record("thumbnail:"+q.Get("videoId"), r)
		_, _ = io.Copy(io.Discard, r.Body)
		w.WriteHeader(http.StatusOK)
	case "/youtube/v3/liveStreams":
		f.record("insertStream", r)
		f.decode("stream", r)
		f.mu.Lock()
		fail := f.failStream
		f.mu.Unlock()
		if fail {
			writeAPIError(w, http.StatusForbidden, "liveStreamingNotEnabled")
			return
		}
		_, _ = io.WriteString(w, `{"id":"ls-1","cdn":{"ingestionInfo":{"streamName":"key-123","ingestionAddress":"rtmp://ingest.example/live2"}}}`)
	case "/youtube/v3/liveBroadcasts/bind":
		f.record("bind:"+q.Get("id")+":"+q.Get("streamId"), r)
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, `{}`)
	case "/youtube/v3/liveBroadcasts/transition":
		f.record("transition:"+q.Get("id")+":"+q.Get("broadcastStatus"), r)
		f.mu.Lock()
		if f.serverFails > 0 {
			f.serverFails--
			f.mu.Unlock()
			writeAPIError(w, http.StatusServiceUnavailable, "backendError")
			return
		}
		if f.rateLimits > 0 {
			f.rateLimits--
			f.mu.Unlock()
			writeAPIError(w, http.StatusTooManyRequests, "rateLimitExceeded")
			return
		}
		id := q.Get("id")
		done := f.ended[id]
		f.ended[id] = true
		f.mu.Unlock()
		switch {
		case id == "missing":
			writeAPIError(w, http.StatusNotFound, "liveBroadcastNotFound")
		case id == "locked":
			writeAPIError(w, http.StatusForbidden, "forbidden")
		case id == "quota":
			writeAPIError(w, http.StatusForbidden, "quotaExceeded")
		case done:
			writeAPIError(w, http.StatusForbidden, "redundantTransition")
		default:
			_, _ = io.WriteString(w, `{}`)
		}
	case "/youtube/v3/playlistItems":
		f.record("playlistItems:"+q.Get("pageToken"), r)
		if q.Get("maxResults") != "50" {
			f.t.Errorf("expected maxResults=50, got %q", q.Get("maxResults"))
		}
		f.mu.Lock()
		items := f.pages[q.Get("playlistId")+"|"+q.Get("pageToken")]
		next := f.pages[q.Get("playlistId")+"|"+q.Get("pageToken")+"|next"]
		f.mu.Unlock()
		resp := map[string]interface{}{}
		var list []map[string]interface{}
		for _, id := range items {
			list = append(list, map[string]interface{}{"contentDetails": map[string]string{"videoId": id}})
		}
		resp["items"] = list
		if len(next) > 0 {
			resp["nextPageToken"] = next[0]
		}
		_ = json.NewEncoder(w).Encode(resp)
	default:
		http.NotFound(w, r)
	}
}

func newTestLifecycle(t *testing.T, apiURL string, store TokenStore, tokenURL string) *Lifecycle {
	t.Helper()
	cfg := Config{
		Client: ClientConfig{BaseURL: apiURL, CallTimeout: 2 * time.Second, Attempts: 3},
		OAuth:  OAuthConfig{ClientID: "client", ClientSecret: "secret", TokenURL: tokenURL},
	}
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return New(cfg, store, nil, nil, WithClock(func() time.Time { return fixed }))
}

func validToken(accountID string) models.AccountToken {
	return models.AccountToken{
		AccountID:    accountID,
		AccessToken:  "access-" + accountID,
		RefreshToken: "refresh-" + accountID,
		TokenType:    "Bearer",
		Expiry:       time.Now().Add(time.Hour),
	}
}

func TestCreateBroadcastSequence(t *testing.T) {
	api, srv := newFakeAPI(t)
	thumb := filepath.Join(t.TempDir(), "thumb.png")
	if err := os.WriteFile(thumb, []byte("\x89PNG\r\n\x1a\nfake"), 0o600); err != nil {
		t.Fatalf("write thumbnail: %v", err)
	}
	lc := newTestLifecycle(t, srv.URL, newMemoryTokens(validToken("acct")), "")

	session, err := lc.Authenticate(context.Background(), "acct")
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	got, err := session.CreateBroadcast(context.Background(), Params{Title: "  <Lo-fi> radio ", Description: "beats", Thumbnail: thumb})
	if err != nil {
		t.Fatalf("CreateBroadcast: %v", err)
	}
	want := Broadcast{ID: "bc-1", IngestStreamID: "ls-1", IngestURL: "rtmp://ingest.example/live2/key-123", StreamKey: "key-123"}
	if got != want {
		t.Fatalf("unexpected broadcast: %+v", got)
	}

	calls := api.callLog()
	wantCalls := []string{"insertBroadcast", "thumbnail:bc-1", "insertStream", "bind:bc-1:ls-1"}
	if strings.Join(calls, ",") != strings.Join(wantCalls, ",") {
		t.Fatalf("unexpected call sequence: %v", calls)
	}
	for _, header := range api.authHeaders() {
		if header != "Bearer access-acct" {
			t.Fatalf("unexpected authorization header %q", header)
		}
	}

	body := api.body("broadcast")
	snippet := body["snippet"].(map[string]interface{})
	if snippet["title"] != "Lo-fi radio" {
		t.Fatalf("expected normalized title, got %v", snippet["title"])
	}
	if snippet["scheduledStartTime"] != "2026-03-01T12:00:30Z" {
		t.Fatalf("unexpected schedule %v", snippet["scheduledStartTime"])
	}
	status := body["status"].(map[string]interface{})
	if status["privacyStatus"] != "public" || status["selfDeclaredMadeForKids"] != false {
		t.Fatalf("unexpected status %v", status)
	}
	details := body["contentDetails"].(map[string]interface{})
	if details["enableAutoStart"] != true || details["enableAutoStop"] != false || details["enableDvr"] != true || details["recordFromStart"] != true {
		t.Fatalf("unexpected content details %v", details)
	}
	stream := api.body("stream")
	if stream["snippet"].(map[string]interface{})["title"] != "Lo-fi radio - Stream" {
		t.Fatalf("unexpected stream title %v", stream["snippet"])
	}
	cdn := stream["cdn"].(map[string]interface{})
	if cdn["ingestionType"] != "rtmp" || cdn["frameRate"] != "variable" || cdn["resolution"] != "variable" {
		t.Fatalf("unexpected cdn %v", cdn)
	}
}

func TestCreateBroadcastThumbnailFailureIsNonFatal(t *testing.T) {
	api, srv := newFakeAPI(t)
	lc := newTestLifecycle(t, srv.URL, newMemoryTokens(validToken("acct")), "")
	session, err := lc.Authenticate(context.Background(), "acct")
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	got, err := session.CreateBroadcast(context.Background(), Params{Title: "t", Thumbnail: filepath.Join(t.TempDir(), "missing.jpg")})
	if err != nil {
		t.Fatalf("CreateBroadcast: %v", err)
	}
	if got.IngestURL == "" {
		t.Fatal("expected ingest url")
	}
	for _, call := range api.callLog() {
		if strings.HasPrefix(call, "thumbnail:") {
			t.Fatalf("thumbnail should not have been uploaded: %v", api.callLog())
		}
	}
}

func TestCreateBroadcastReturnsPartialOnStreamFailure(t *testing.T) {
	api, srv := newFakeAPI(t)
	api.mu.Lock()
	api.failStream = true
	api.mu.Unlock()
	lc := newTestLifecycle(t, srv.URL, newMemoryTokens(validToken("acct")), "")
	session, err := lc.Authenticate(context.Background(), "acct")
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	got, err := session.CreateBroadcast(context.Background(), Params{Title: "t"})
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	if got.ID != "bc-1" || got.IngestURL != "" {
		t.Fatalf("expected partial broadcast, got %+v", got)
	}
}

func TestEndBroadcastIsIdempotent(t *testing.T) {
	api, srv := newFakeAPI(t)
	lc := newTestLifecycle(t, srv.URL, newMemoryTokens(validToken("acct")), "")
	session, err := lc.Authenticate(context.Background(), "acct")
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := session.EndBroadcast(context.Background(), "bc-9"); err != nil {
			t.Fatalf("EndBroadcast call %d: %v", i+1, err)
		}
	}
	for _, id := range []string{"missing", "locked"} {
		if err := session.EndBroadcast(context.Background(), id); err != nil {
			t.Fatalf("EndBroadcast(%s): %v", id, err)
		}
	}
	if err := session.EndBroadcast(context.Background(), ""); err != nil {
		t.Fatalf("EndBroadcast(empty): %v", err)
	}
	if len(api.callLog()) != 4 {
		t.Fatalf("expected 4 transition calls, got %v", api.callLog())
	}

	err = session.EndBroadcast(context.Background(), "quota")
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected rate limited error, got %v", err)
	}
}

func TestEndBroadcastRetriesServerErrors(t *testing.T) {
	api, srv := newFakeAPI(t)
	api.mu.Lock()
	api.serverFails = 2
	api.mu.Unlock()
	lc := newTestLifecycle(t, srv.URL, newMemoryTokens(validToken("acct")), "")
	session, err := lc.Authenticate(context.Background(), "acct")
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if err := session.EndBroadcast(context.Background(), "bc-2"); err != nil {
		t.Fatalf("EndBroadcast: %v", err)
	}
	if got := len(api.callLog()); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
}

func TestEndBroadcastRetriesRateLimits(t *testing.T) {
	api, srv := newFakeAPI(t)
	api.mu.Lock()
	api.rateLimits = 1
	api.mu.Unlock()
	lc := newTestLifecycle(t, srv.URL, newMemoryTokens(validToken("acct")), "")
	session, err := lc.Authenticate(context.Background(), "acct")
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if err := session.EndBroadcast(context.Background(), "bc-3"); err != nil {
		t.Fatalf("EndBroadcast: %v", err)
	}
	if got := len(api.callLog()); got != 2 {
		t.Fatalf("expected 2 attempts, got %d", got)
	}
}

func TestInsertIsNotReplayedAfterLostResponse(t *testing.T) {
	var mu sync.Mutex
	hits := map[string]int{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits[r.URL.Path]++
		mu.Unlock()
		hj, ok := w.(http.Hijacker)
		if !ok {
			t.Errorf("response writer cannot hijack")
			return
		}
		conn, _, err := hj.Hijack()
		if err != nil {
			t.Errorf("hijack: %v", err)
			return
		}
		_ = conn.Close()
	}))
	t.Cleanup(srv.Close)

	client := NewClient(ClientConfig{BaseURL: srv.URL, CallTimeout: 2 * time.Second, Attempts: 3}, srv.Client(), nil, nil)
	if _, err := client.insertBroadcast(context.Background(), liveBroadcast{}); err == nil {
		t.Fatal("expected transport error")
	}
	if err := client.transition(context.Background(), "bc-1", "complete"); err == nil {
		t.Fatal("expected transport error")
	}

	mu.Lock()
	defer mu.Unlock()
	if got := hits["/youtube/v3/liveBroadcasts"]; got != 1 {
		t.Fatalf("insert sent %d times, want 1", got)
	}
	if got := hits["/youtube/v3/liveBroadcasts/transition"]; got != 3 {
		t.Fatalf("transition sent %d times, want 3", got)
	}
}

func TestListPlaylistVideosPaginates(t *testing.T) {
	api, srv := newFakeAPI(t)
	api.mu.Lock()
	api.pages["PL1|"] = []string{"a", "b"}
	api.pages["PL1||next"] = []string{"p2"}
	api.pages["PL1|p2"] = []string{"c"}
	api.mu.Unlock()
	lc := newTestLifecycle(t, srv.URL, newMemoryTokens(validToken("acct")), "")
	session, err := lc.Authenticate(context.Background(), "acct")
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	ids, err := session.ListPlaylistVideos(context.Background(), "PL1")
	if err != nil {
		t.Fatalf("ListPlaylistVideos: %v", err)
	}
	if strings.Join(ids, ",") != "a,b,c" {
		t.Fatalf("unexpected ids %v", ids)
	}
}

func TestAuthenticateRefreshesAndPersists(t *testing.T) {
	var refreshes int
	var mu sync.Mutex
	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		if r.Form.Get("grant_type") != "refresh_token" || r.Form.Get("refresh_token") != "refresh-acct" {
			t.Errorf("unexpected refresh form %v", r.Form)
		}
		mu.Lock()
		refreshes++
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"access_token":"fresh","token_type":"Bearer","expires_in":3600}`)
	}))
	t.Cleanup(tokenSrv.Close)

	api, srv := newFakeAPI(t)
	expired := validToken("acct")
	expired.Expiry = time.Now().Add(-time.Hour)
	store := newMemoryTokens(expired)
	lc := newTestLifecycle(t, srv.URL, store, tokenSrv.URL)

	session, err := lc.Authenticate(context.Background(), "acct")
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	saved, saves := store.get("acct")
	if saves != 1 || saved.AccessToken != "fresh" || saved.RefreshToken != "refresh-acct" {
		t.Fatalf("expected refreshed token to be persisted, got %+v (saves=%d)", saved, saves)
	}
	if err := session.EndBroadcast(context.Background(), "bc-1"); err != nil {
		t.Fatalf("EndBroadcast: %v", err)
	}
	if headers := api.authHeaders(); headers[0] != "Bearer fresh" {
		t.Fatalf("expected refreshed access token on API call, got %q", headers[0])
	}
	mu.Lock()
	defer mu.Unlock()
	if refreshes != 1 {
		t.Fatalf("expected a single refresh, got %d", refreshes)
	}
}

func TestAuthenticateFailures(t *testing.T) {
	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"error":"invalid_grant"}`)
	}))
	t.Cleanup(tokenSrv.Close)

	expired := validToken("revoked")
	expired.Expiry = time.Now().Add(-time.Hour)
	noRefresh := validToken("stale")
	noRefresh.RefreshToken = ""
	noRefresh.Expiry = time.Now().Add(-time.Hour)
	store := newMemoryTokens(expired, noRefresh)
	lc := newTestLifecycle(t, "http://127.0.0.1:1", store, tokenSrv.URL)

	for _, account := range []string{"revoked", "stale", "unknown"} {
		_, err := lc.Authenticate(context.Background(), account)
		if !errors.Is(err, ErrAuthentication) {
			t.Fatalf("%s: expected ErrAuthentication, got %v", account, err)
		}
	}
}

func TestAPIErrorCodes(t *testing.T) {
	cases := []struct {
		status int
		body   string
		want   ErrorCode
	}{
		{http.StatusUnauthorized, `{"error":{"message":"bad"}}`, CodeUnauthorized},
		{http.StatusForbidden, `{"error":{"errors":[{"reason":"quotaExceeded"}]}}`, CodeRateLimited},
		{http.StatusForbidden, `{"error":{"errors":[{"reason":"invalidTransition"}]}}`, CodeInvalidTransition},
		{http.StatusForbidden, `{"error":{"errors":[{"reason":"insufficientPermissions"}]}}`, CodeForbidden},
		{http.StatusNotFound, ``, CodeNotFound},
		{http.StatusTooManyRequests, `slow down`, CodeRateLimited},
		{http.StatusBadGateway, `<html>`, CodeServer},
		{http.StatusBadRequest, `{}`, CodeOther},
	}
	for _, tc := range cases {
		err := parseAPIError("op", tc.status, []byte(tc.body))
		if got := err.Code(); got != tc.want {
			t.Fatalf("status %d body %q: got %s want %s", tc.status, tc.body, got, tc.want)
		}
		if err.Message == "" {
			t.Fatalf("status %d: expected message", tc.status)
		}
	}
	wrapped := fmt.Errorf("outer: %w", parseAPIError("op", http.StatusNotFound, nil))
	if !errors.Is(wrapped, ErrNotFound) || errors.Is(wrapped, ErrForbidden) {
		t.Fatalf("unexpected sentinel matching for %v", wrapped)
	}
}

func TestNormalizeText(t *testing.T) {
	if got := NormalizeTitle("  Café <live> "); got != "Café live" {
		t.Fatalf("unexpected title %q", got)
	}
	long := strings.Repeat("é", 150)
	if got := NormalizeTitle(long); len([]rune(got)) != 100 {
		t.Fatalf("expected 100 runes, got %d", len([]rune(got)))
	}
	desc := NormalizeDescription(strings.Repeat("ü", 3000))
	if len(desc) > 5000 || !strings.HasPrefix(strings.Repeat("ü", 2500), desc) {
		t.Fatalf("unexpected description length %d", len(desc))
	}
}

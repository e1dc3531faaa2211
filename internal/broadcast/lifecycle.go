// Package broadcast keeps the remote live-broadcast resource in step with the
// local encoder: it creates and binds the broadcast before streaming starts
// and completes it before the encoder is stopped.
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"loopcast/internal/observability/logging"
	"loopcast/internal/observability/metrics"
)

const maxThumbnailBytes = 2 << 20

// Config configures a Lifecycle.
type Config struct {
	Client           ClientConfig
	OAuth            OAuthConfig
	ScheduleLead     time.Duration
	ThumbnailTimeout time.Duration
	PrivacyStatus    string
}

func (c Config) withDefaults() Config {
	if c.ScheduleLead <= 0 {
		c.ScheduleLead = 30 * time.Second
	}
	if c.ThumbnailTimeout <= 0 {
		c.ThumbnailTimeout = 30 * time.Second
	}
	if strings.TrimSpace(c.PrivacyStatus) == "" {
		c.PrivacyStatus = "public"
	}
	return c
}

// Params describes the broadcast to create.
type Params struct {
	Title       string
	Description string
	Thumbnail   string
}

// Broadcast identifies a created broadcast and where to push media for it.
// IngestURL embeds the stream key and must not be logged.
type Broadcast struct {
	ID             string
	IngestStreamID string
	IngestURL      string
	StreamKey      string
}

// Option customises a Lifecycle.
type Option func(*Lifecycle)

// WithHTTPClient sets the base HTTP client used for API calls, token refreshes
// and thumbnail downloads.
func WithHTTPClient(client *http.Client) Option {
	return func(l *Lifecycle) {
		if client != nil {
			l.httpClient = client
		}
	}
}

// WithClock overrides the time source used for scheduling.
func WithClock(now func() time.Time) Option {
	return func(l *Lifecycle) {
		if now != nil {
			l.now = now
		}
	}
}

// Lifecycle authenticates accounts and hands out API sessions.
type Lifecycle struct {
	cfg        Config
	store      TokenStore
	httpClient *http.Client
	logger     *slog.Logger
	metrics    *metrics.Recorder
	now        func() time.Time
	creds      *Credentials
}

// New constructs a Lifecycle backed by the given token store.
func New(cfg Config, store TokenStore, logger *slog.Logger, recorder *metrics.Recorder, opts ...Option) *Lifecycle {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Lifecycle{
		cfg:        cfg.withDefaults(),
		store:      store,
		httpClient: &http.Client{},
		logger:     logging.WithComponent(logger, "broadcast"),
		metrics:    recorder,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	l.creds = NewCredentials(l.cfg.OAuth, store, l.httpClient, l.logger)
	return l
}

// Authenticate loads and, when needed, refreshes the account's credentials.
// Any failure is reported as ErrAuthentication.
func (l *Lifecycle) Authenticate(ctx context.Context, accountID string) (*Session, error) {
	ts, err := l.creds.TokenSource(ctx, accountID)
	if err != nil {
		return nil, err
	}
	logger := l.logger.With("account_id", accountID)
	return &Session{
		lifecycle: l,
		accountID: accountID,
		client:    NewClient(l.cfg.Client, l.creds.HTTPClient(ctx, ts), logger, l.metrics),
		logger:    logger,
	}, nil
}

// Session is an authenticated handle for one account.
type Session struct {
	lifecycle *Lifecycle
	accountID string
	client    *Client
	logger    *slog.Logger
}

// AccountID returns the account the session acts for.
func (s *Session) AccountID() string { return s.accountID }

// CreateBroadcast creates a scheduled broadcast, attaches the thumbnail when
// one is given, creates an ingest stream and binds the two. When a step after
// the broadcast insert fails the partially filled Broadcast is returned along
// with the error so the caller can end it.
func (s *Session) CreateBroadcast(ctx context.Context, params Params) (Broadcast, error) {
	cfg := s.lifecycle.cfg
	title := NormalizeTitle(params.Title)
	if title == "" {
		return Broadcast{}, errors.New("create broadcast: title is empty")
	}

	scheduled := s.lifecycle.now().UTC().Add(cfg.ScheduleLead)
	inserted, err := s.client.insertBroadcast(ctx, liveBroadcast{
		Snippet: broadcastSnippet{
			Title:              title,
			Description:        NormalizeDescription(params.Description),
			ScheduledStartTime: scheduled.Format(time.RFC3339),
		},
		Status: broadcastStatus{
			PrivacyStatus:           cfg.PrivacyStatus,
			SelfDeclaredMadeForKids: false,
		},
		ContentDetails: broadcastContentDetails{
			EnableAutoStart: true,
			EnableAutoStop:  false,
			EnableDvr:       true,
			RecordFromStart: true,
			EnableEmbed:     true,
		},
	})
	if err != nil {
		return Broadcast{}, fmt.Errorf("create broadcast: %w", err)
	}
	if inserted.ID == "" {
		return Broadcast{}, errors.New("create broadcast: response carried no broadcast id")
	}
	result := Broadcast{ID: inserted.ID}
	logger := s.logger.With("broadcast_id", result.ID)
	logger.Info("broadcast created", "scheduled_start", scheduled)

	if strings.TrimSpace(params.Thumbnail) != "" {
		if err := s.uploadThumbnail(ctx, result.ID, params.Thumbnail); err != nil {
			logger.Warn("thumbnail upload skipped", "error", err)
		}
	}

	stream, err := s.client.insertStream(ctx, liveStream{
		Snippet: streamSnippet{Title: title + " - Stream"},
		CDN: streamCDN{
			FrameRate:     "variable",
			IngestionType: "rtmp",
			Resolution:    "variable",
		},
		ContentDetails: streamContentDetails{IsReusable: false},
	})
	if err != nil {
		return result, fmt.Errorf("create ingest stream: %w", err)
	}
	info := stream.CDN.IngestionInfo
	if stream.ID == "" || info.IngestionAddress == "" || info.StreamName == "" {
		return result, errors.New("create ingest stream: response missing ingestion info")
	}
	result.IngestStreamID = stream.ID
	result.StreamKey = info.StreamName
	result.IngestURL = strings.TrimRight(info.IngestionAddress, "/") + "/" + info.StreamName

	if err := s.client.bind(ctx, result.ID, stream.ID); err != nil {
		return result, fmt.Errorf("bind broadcast: %w", err)
	}
	logger.Info("broadcast bound to ingest stream", "ingest_stream_id", stream.ID)
	return result, nil
}

// EndBroadcast transitions the broadcast to complete. A broadcast that is
// already complete, gone or no longer accessible counts as ended.
func (s *Session) EndBroadcast(ctx context.Context, broadcastID string) error {
	if strings.TrimSpace(broadcastID) == "" {
		return nil
	}
	err := s.client.transition(ctx, broadcastID, "complete")
	switch {
	case err == nil:
		s.logger.Info("broadcast ended", "broadcast_id", broadcastID)
		return nil
	case errors.Is(err, ErrForbidden), errors.Is(err, ErrNotFound), errors.Is(err, ErrInvalidTransition):
		s.logger.Info("broadcast already ended or inaccessible", "broadcast_id", broadcastID, "code", CodeOf(err))
		return nil
	default:
		return fmt.Errorf("end broadcast %s: %w", broadcastID, err)
	}
}

// ListPlaylistVideos returns every video ID in the playlist in order.
func (s *Session) ListPlaylistVideos(ctx context.Context, playlistID string) ([]string, error) {
	var (
		ids   []string
		token string
		seen  = map[string]struct{}{}
	)
	for {
		page, err := s.client.listPlaylistItems(ctx, playlistID, token)
		if err != nil {
			return nil, fmt.Errorf("list playlist %s: %w", playlistID, err)
		}
		for _, item := range page.Items {
			if id := strings.TrimSpace(item.ContentDetails.VideoID); id != "" {
				ids = append(ids, id)
			}
		}
		if page.NextPageToken == "" {
			break
		}
		if _, dup := seen[page.NextPageToken]; dup {
			return nil, fmt.Errorf("list playlist %s: page token %q repeated", playlistID, page.NextPageToken)
		}
		seen[page.NextPageToken] = struct{}{}
		token = page.NextPageToken
	}
	return ids, nil
}

func (s *Session) uploadThumbnail(ctx context.Context, broadcastID, location string) error {
	data, err := s.lifecycle.fetchThumbnail(ctx, location)
	if err != nil {
		return err
	}
	return s.client.setThumbnail(ctx, broadcastID, data, http.DetectContentType(data))
}

func (l *Lifecycle) fetchThumbnail(ctx context.Context, location string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, l.cfg.ThumbnailTimeout)
	defer cancel()

	if !strings.HasPrefix(location, "http://") && !strings.HasPrefix(location, "https://") {
		file, err := os.Open(location)
		if err != nil {
			return nil, fmt.Errorf("open thumbnail: %w", err)
		}
		defer file.Close()
		return readLimited(file)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, location, nil)
	if err != nil {
		return nil, fmt.Errorf("thumbnail request: %w", err)
	}
	resp, err := l.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch thumbnail: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("fetch thumbnail: unexpected status %s", resp.Status)
	}
	return readLimited(resp.Body)
}

func readLimited(r io.Reader) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxThumbnailBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read thumbnail: %w", err)
	}
	if len(data) > maxThumbnailBytes {
		return nil, fmt.Errorf("thumbnail exceeds %d bytes", maxThumbnailBytes)
	}
	if len(data) == 0 {
		return nil, errors.New("thumbnail is empty")
	}
	return data, nil
}

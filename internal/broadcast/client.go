package broadcast

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"loopcast/internal/observability/metrics"
)

// DefaultBaseURL is the public endpoint of the remote broadcast API.
const DefaultBaseURL = "https://www.googleapis.com"

// ClientConfig tunes the REST client.
type ClientConfig struct {
	BaseURL       string
	CallTimeout   time.Duration
	Attempts      int
	RetryInterval time.Duration
}

func (c ClientConfig) withDefaults() ClientConfig {
	if strings.TrimSpace(c.BaseURL) == "" {
		c.BaseURL = DefaultBaseURL
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	if c.CallTimeout <= 0 {
		c.CallTimeout = 30 * time.Second
	}
	if c.Attempts <= 0 {
		c.Attempts = 3
	}
	if c.RetryInterval < 0 {
		c.RetryInterval = 0
	}
	return c
}

// Client issues calls against the remote live-broadcast REST API. The HTTP
// client is expected to attach credentials (see Credentials.HTTPClient).
type Client struct {
	cfg     ClientConfig
	http    *http.Client
	logger  *slog.Logger
	metrics *metrics.Recorder
}

// NewClient builds a Client around an authenticated HTTP client.
func NewClient(cfg ClientConfig, httpClient *http.Client, logger *slog.Logger, recorder *metrics.Recorder) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{cfg: cfg.withDefaults(), http: httpClient, logger: logger, metrics: recorder}
}

type liveBroadcast struct {
	ID             string                  `json:"id,omitempty"`
	Snippet        broadcastSnippet        `json:"snippet"`
	Status         broadcastStatus         `json:"status"`
	ContentDetails broadcastContentDetails `json:"contentDetails"`
}

type broadcastSnippet struct {
	Title              string `json:"title"`
	Description        string `json:"description,omitempty"`
	ScheduledStartTime string `json:"scheduledStartTime,omitempty"`
}

type broadcastStatus struct {
	PrivacyStatus           string `json:"privacyStatus,omitempty"`
	SelfDeclaredMadeForKids bool   `json:"selfDeclaredMadeForKids"`
	LifeCycleStatus         string `json:"lifeCycleStatus,omitempty"`
}

type broadcastContentDetails struct {
	BoundStreamID   string `json:"boundStreamId,omitempty"`
	EnableAutoStart bool   `json:"enableAutoStart"`
	EnableAutoStop  bool   `json:"enableAutoStop"`
	EnableDvr       bool   `json:"enableDvr"`
	RecordFromStart bool   `json:"recordFromStart"`
	EnableEmbed     bool   `json:"enableEmbed"`
}

type liveStream struct {
	ID             string               `json:"id,omitempty"`
	Snippet        streamSnippet        `json:"snippet"`
	CDN            streamCDN            `json:"cdn"`
	ContentDetails streamContentDetails `json:"contentDetails"`
}

type streamSnippet struct {
	Title string `json:"title"`
}

type streamCDN struct {
	FrameRate     string        `json:"frameRate"`
	IngestionType string        `json:"ingestionType"`
	Resolution    string        `json:"resolution"`
	IngestionInfo ingestionInfo `json:"ingestionInfo,omitempty"`
}

type ingestionInfo struct {
	StreamName       string `json:"streamName,omitempty"`
	IngestionAddress string `json:"ingestionAddress,omitempty"`
}

type streamContentDetails struct {
	IsReusable bool `json:"isReusable"`
}

type playlistItemsPage struct {
	NextPageToken string `json:"nextPageToken"`
	Items         []struct {
		ContentDetails struct {
			VideoID string `json:"videoId"`
		} `json:"contentDetails"`
	} `json:"items"`
}

func (c *Client) insertBroadcast(ctx context.Context, body liveBroadcast) (liveBroadcast, error) {
	var out liveBroadcast
	query := url.Values{"part": {"snippet,status,contentDetails"}}
	err := c.callJSON(ctx, "liveBroadcasts.insert", http.MethodPost, "/youtube/v3/liveBroadcasts", query, body, &out)
	return out, err
}

func (c *Client) insertStream(ctx context.Context, body liveStream) (liveStream, error) {
	var out liveStream
	query := url.Values{"part": {"snippet,cdn,contentDetails"}}
	err := c.callJSON(ctx, "liveStreams.insert", http.MethodPost, "/youtube/v3/liveStreams", query, body, &out)
	return out, err
}

func (c *Client) bind(ctx context.Context, broadcastID, streamID string) error {
	query := url.Values{
		"id":       {broadcastID},
		"streamId": {streamID},
		"part":     {"id,contentDetails"},
	}
	return c.call(ctx, "liveBroadcasts.bind", http.MethodPost, "/youtube/v3/liveBroadcasts/bind", query, nil, "", nil)
}

func (c *Client) setThumbnail(ctx context.Context, videoID string, image []byte, contentType string) error {
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	query := url.Values{"videoId": {videoID}}
	return c.call(ctx, "thumbnails.set", http.MethodPost, "/upload/youtube/v3/thumbnails/set", query, image, contentType, nil)
}

func (c *Client) transition(ctx context.Context, broadcastID, status string) error {
	query := url.Values{
		"broadcastStatus": {status},
		"id":              {broadcastID},
		"part":            {"status"},
	}
	return c.call(ctx, "liveBroadcasts.transition", http.MethodPost, "/youtube/v3/liveBroadcasts/transition", query, nil, "", nil)
}

func (c *Client) listPlaylistItems(ctx context.Context, playlistID, pageToken string) (playlistItemsPage, error) {
	query := url.Values{
		"part":       {"contentDetails"},
		"playlistId": {playlistID},
		"maxResults": {"50"},
	}
	if pageToken != "" {
		query.Set("pageToken", pageToken)
	}
	var page playlistItemsPage
	err := c.call(ctx, "playlistItems.list", http.MethodGet, "/youtube/v3/playlistItems", query, nil, "", &page)
	return page, err
}

func (c *Client) callJSON(ctx context.Context, operation, method, path string, query url.Values, payload, dest interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%s: marshal request: %w", operation, err)
	}
	return c.call(ctx, operation, method, path, query, body, "application/json", dest)
}

// call performs one logical API call bounded by CallTimeout. 429 and 5xx
// responses are retried, and so are transport errors unless the call creates
// a resource: a lost response there may hide a resource that was created.
// Other non-2xx responses return an *APIError immediately.
func (c *Client) call(ctx context.Context, operation, method, path string, query url.Values, payload []byte, contentType string, dest interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()

	target := c.cfg.BaseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var lastErr error
	for attempt := 1; attempt <= c.cfg.Attempts; attempt++ {
		var reqBody io.Reader
		if payload != nil {
			reqBody = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, target, reqBody)
		if err != nil {
			return fmt.Errorf("%s: %w", operation, err)
		}
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}
		req.Header.Set("Accept", "application/json")

		retry := false
		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("%s: %w", operation, err)
			retry = ctx.Err() == nil && !isAuthFailure(err) && replayable(operation)
		} else {
			retry, lastErr = c.readResponse(operation, resp, dest)
		}
		c.metrics.ObserveBroadcastCall(operation, callCode(lastErr))
		if lastErr == nil {
			return nil
		}
		if !retry || attempt == c.cfg.Attempts {
			break
		}
		c.logger.Warn("broadcast API request failed", "operation", operation, "attempt", attempt, "error", lastErr)
		if c.cfg.RetryInterval > 0 {
			timer := time.NewTimer(c.cfg.RetryInterval)
			select {
			case <-ctx.Done():
				timer.Stop()
				return fmt.Errorf("%s: %w", operation, ctx.Err())
			case <-timer.C:
			}
		} else if ctx.Err() != nil {
			return fmt.Errorf("%s: %w", operation, ctx.Err())
		}
	}
	return lastErr
}

func (c *Client) readResponse(operation string, resp *http.Response, dest interface{}) (bool, error) {
	defer resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if dest == nil {
			_, _ = io.Copy(io.Discard, resp.Body)
			return false, nil
		}
		if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
			return false, fmt.Errorf("%s: decode response: %w", operation, err)
		}
		return false, nil
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	apiErr := parseAPIError(operation, resp.StatusCode, data)
	retry := resp.StatusCode == http.StatusTooManyRequests || apiErr.Code() == CodeServer
	return retry, apiErr
}

// replayable reports whether an operation may be sent again after its
// response was lost.
func replayable(operation string) bool {
	return !strings.HasSuffix(operation, ".insert")
}

func callCode(err error) string {
	if err == nil {
		return "ok"
	}
	if code := CodeOf(err); code != "" {
		return string(code)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	return "transport"
}

func isAuthFailure(err error) bool {
	return errors.Is(err, ErrAuthentication)
}

// Package acquire turns stream sources into files and URLs the encoder can
// play. Uploaded media is downloaded through a bounded worker pool where any
// failure aborts the whole acquisition. Remote playlists are expanded and
// resolved one item at a time, skipping items that fail.
package acquire

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"loopcast/internal/models"
	"loopcast/internal/observability/logging"
	"loopcast/internal/observability/metrics"
)

// ErrNoSources is returned when acquisition produced nothing playable.
var ErrNoSources = errors.New("no playable sources")

type Config struct {
	Workers          int
	ChunkSize        int
	DownloadTimeout  time.Duration
	ProgressInterval time.Duration
	ResolverBinary   string
	ResolverFormat   string
	ResolveTimeout   time.Duration
	WatchURLBase     string
}

func DefaultConfig() Config {
	return Config{
		Workers:          3,
		ChunkSize:        512 * 1024,
		DownloadTimeout:  5 * time.Minute,
		ProgressInterval: 5 * time.Second,
		ResolverBinary:   "yt-dlp",
		ResolverFormat:   "best[height<=720]",
		ResolveTimeout:   10 * time.Minute,
		WatchURLBase:     "https://www.youtube.com/watch?v=",
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Workers <= 0 {
		c.Workers = def.Workers
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = def.ChunkSize
	}
	if c.DownloadTimeout <= 0 {
		c.DownloadTimeout = def.DownloadTimeout
	}
	if c.ProgressInterval <= 0 {
		c.ProgressInterval = def.ProgressInterval
	}
	if c.ResolverBinary == "" {
		c.ResolverBinary = def.ResolverBinary
	}
	if c.ResolverFormat == "" {
		c.ResolverFormat = def.ResolverFormat
	}
	if c.ResolveTimeout <= 0 {
		c.ResolveTimeout = def.ResolveTimeout
	}
	if c.WatchURLBase == "" {
		c.WatchURLBase = def.WatchURLBase
	}
	return c
}

// JobKind selects the acquisition strategy of a Job.
type JobKind int

const (
	JobBulk JobKind = iota + 1
	JobRemoteDownload
	JobRemoteDirect
)

func (k JobKind) String() string {
	switch k {
	case JobBulk:
		return "bulk"
	case JobRemoteDownload:
		return "remote-download"
	case JobRemoteDirect:
		return "remote-direct"
	default:
		return "unknown"
	}
}

// Job is one acquisition step. Bulk jobs carry Files; remote jobs carry a
// PlaylistID.
type Job struct {
	Kind       JobKind
	Files      []models.MediaFile
	PlaylistID string
	Shuffle    bool
}

// PlaylistLister expands a remote playlist into its video identifiers.
type PlaylistLister interface {
	ListPlaylistVideos(ctx context.Context, playlistID string) ([]string, error)
}

// Resolver fetches or locates a single remote video.
type Resolver interface {
	Download(ctx context.Context, videoID, dir string, position int) (string, error)
	DirectURL(ctx context.Context, videoID string) (string, error)
}

// Presigner turns an object reference into a temporary download URL.
type Presigner interface {
	PresignGet(ctx context.Context, bucket, key string) (string, error)
}

// Result maps contiguous playback positions to local paths or URLs.
type Result map[int]string

// Ordered returns the result sorted by position.
func (r Result) Ordered() []models.AcquiredSource {
	out := make([]models.AcquiredSource, 0, len(r))
	for pos, loc := range r {
		out = append(out, models.AcquiredSource{Position: pos, Location: loc, Remote: isRemote(loc)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out
}

type Option func(*Acquirer)

func WithHTTPClient(client *http.Client) Option {
	return func(a *Acquirer) {
		if client != nil {
			a.client = client
		}
	}
}

func WithResolver(resolver Resolver) Option {
	return func(a *Acquirer) {
		if resolver != nil {
			a.resolver = resolver
		}
	}
}

func WithPresigner(presigner Presigner) Option {
	return func(a *Acquirer) {
		a.presigner = presigner
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(a *Acquirer) {
		if logger != nil {
			a.logger = logging.WithComponent(logger, "acquire")
		}
	}
}

func WithMetrics(recorder *metrics.Recorder) Option {
	return func(a *Acquirer) {
		a.metrics = recorder
	}
}

// WithRand makes playlist shuffling deterministic.
func WithRand(rng *rand.Rand) Option {
	return func(a *Acquirer) {
		if rng != nil {
			a.rng = rng
		}
	}
}

// Acquirer runs acquisition jobs for one stream at a time. It is safe for
// concurrent use by different streams.
type Acquirer struct {
	cfg       Config
	client    *http.Client
	resolver  Resolver
	presigner Presigner
	logger    *slog.Logger
	metrics   *metrics.Recorder

	rngMu sync.Mutex
	rng   *rand.Rand
}

func New(cfg Config, opts ...Option) *Acquirer {
	cfg = cfg.withDefaults()
	a := &Acquirer{
		cfg:    cfg,
		client: &http.Client{},
		logger: logging.WithComponent(slog.Default(), "acquire"),
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	if a.resolver == nil {
		a.resolver = NewYTDLP(cfg, a.logger)
	}
	return a
}

// Acquire runs jobs in order and assigns positions contiguously across them.
// Files are written under dir. lister is only used by remote jobs.
func (a *Acquirer) Acquire(ctx context.Context, dir string, jobs []Job, lister PlaylistLister) (Result, error) {
	logger := logging.WithContext(ctx, a.logger)
	result := make(Result)
	next := 0
	for i, job := range jobs {
		var (
			locations []string
			err       error
		)
		switch job.Kind {
		case JobBulk:
			locations, err = a.downloadAll(ctx, dir, job.Files, next)
		case JobRemoteDownload, JobRemoteDirect:
			locations, err = a.resolveRemote(ctx, dir, job, lister, next)
		default:
			err = fmt.Errorf("unsupported job kind %d", job.Kind)
		}
		if err != nil {
			return nil, fmt.Errorf("source %d (%s): %w", i, job.Kind, err)
		}
		for _, loc := range locations {
			result[next] = loc
			next++
		}
	}
	if len(result) == 0 {
		return nil, ErrNoSources
	}
	logger.Info("media acquired", "sources", len(result), "jobs", len(jobs))
	return result, nil
}

func (a *Acquirer) shuffle(ids []string) []string {
	out := append([]string(nil), ids...)
	a.rngMu.Lock()
	a.rng.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	a.rngMu.Unlock()
	return out
}

func isRemote(location string) bool {
	return strings.Contains(location, "://")
}

package acquire

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"loopcast/internal/observability/logging"
)

// resolveRemote expands a playlist and resolves its items sequentially. Items
// that fail are logged and skipped; the job fails only if none succeed or the
// context is cancelled.
func (a *Acquirer) resolveRemote(ctx context.Context, dir string, job Job, lister PlaylistLister, base int) ([]string, error) {
	if lister == nil {
		return nil, errors.New("remote playlist listing is not available")
	}
	logger := logging.WithContext(ctx, a.logger).With("playlist_id", job.PlaylistID, "mode", job.Kind.String())

	ids, err := lister.ListPlaylistVideos(ctx, job.PlaylistID)
	if err != nil {
		return nil, fmt.Errorf("list playlist %s: %w", job.PlaylistID, err)
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: playlist %s is empty", ErrNoSources, job.PlaylistID)
	}
	if job.Shuffle {
		ids = a.shuffle(ids)
	}
	logger.Info("resolving playlist", "items", len(ids), "shuffled", job.Shuffle)

	out := make([]string, 0, len(ids))
	for i, id := range ids {
		var (
			location string
			err      error
		)
		if job.Kind == JobRemoteDownload {
			location, err = a.resolver.Download(ctx, id, dir, base+len(out))
		} else {
			location, err = a.resolver.DirectURL(ctx, id)
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			a.metrics.RemoteItemSkipped()
			logger.Warn("skipping playlist item", "index", i, "video_id", id, "error", err)
			continue
		}
		out = append(out, location)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: all %d items of playlist %s failed", ErrNoSources, len(ids), job.PlaylistID)
	}
	logger.Info("playlist resolved", "resolved", len(out), "skipped", len(ids)-len(out))
	return out, nil
}

// YTDLP resolves videos by running the yt-dlp command line tool.
type YTDLP struct {
	binary   string
	format   string
	watchURL string
	cfg      Config
	logger   *slog.Logger
}

func NewYTDLP(cfg Config, logger *slog.Logger) *YTDLP {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &YTDLP{
		binary:   cfg.ResolverBinary,
		format:   cfg.ResolverFormat,
		watchURL: cfg.WatchURLBase,
		cfg:      cfg,
		logger:   logger,
	}
}

// Download saves the video into dir at the configured quality bound and
// returns the final file path.
func (y *YTDLP) Download(ctx context.Context, videoID, dir string, position int) (string, error) {
	template := filepath.Join(dir, fmt.Sprintf("remote_%d.%%(ext)s", position))
	lines, err := y.run(ctx,
		"--no-playlist",
		"--no-progress",
		"-f", y.format,
		"--merge-output-format", "mp4",
		"-o", template,
		"--print", "after_move:filepath",
		y.watchURL+videoID,
	)
	if err != nil {
		return "", err
	}
	if len(lines) == 0 {
		return "", errors.New("yt-dlp reported no output file")
	}
	path := lines[len(lines)-1]
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("downloaded file: %w", err)
	}
	return path, nil
}

// DirectURL returns a playable media URL without downloading.
func (y *YTDLP) DirectURL(ctx context.Context, videoID string) (string, error) {
	lines, err := y.run(ctx, "--no-playlist", "-f", y.format, "-g", y.watchURL+videoID)
	if err != nil {
		return "", err
	}
	if len(lines) == 0 {
		return "", errors.New("yt-dlp returned no url")
	}
	return lines[0], nil
}

func (y *YTDLP) run(ctx context.Context, args ...string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, y.cfg.ResolveTimeout)
	defer cancel()
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, y.binary, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if len(msg) > 512 {
			msg = msg[len(msg)-512:]
		}
		if msg != "" {
			return nil, fmt.Errorf("%s: %w: %s", y.binary, err, msg)
		}
		return nil, fmt.Errorf("%s: %w", y.binary, err)
	}
	var lines []string
	scanner := bufio.NewScanner(&stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			lines = append(lines, line)
		}
	}
	return lines, scanner.Err()
}

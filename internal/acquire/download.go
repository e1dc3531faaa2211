package acquire

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"loopcast/internal/models"
	"loopcast/internal/observability/logging"
)

// downloadAll fetches files with at most Workers transfers in flight. The
// first failure cancels the remaining transfers and fails the call.
func (a *Acquirer) downloadAll(ctx context.Context, dir string, files []models.MediaFile, base int) ([]string, error) {
	if len(files) == 0 {
		return nil, errors.New("no files to download")
	}
	paths := make([]string, len(files))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.cfg.Workers)
	for i, file := range files {
		i, file := i, file
		g.Go(func() error {
			p, err := a.fetch(gctx, dir, base+i, file)
			if err != nil {
				return fmt.Errorf("file %d (%s): %w", i, displayLocation(file.Location), err)
			}
			paths[i] = p
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		a.metrics.DownloadFailed()
		return nil, err
	}
	return paths, nil
}

// fetch returns a local path for file, downloading it when it is not already
// on disk.
func (a *Acquirer) fetch(ctx context.Context, dir string, position int, file models.MediaFile) (string, error) {
	location := file.Location
	switch {
	case strings.HasPrefix(location, "s3://"):
		if a.presigner == nil {
			return "", errors.New("object storage is not configured")
		}
		bucket, key, err := splitObjectRef(location)
		if err != nil {
			return "", err
		}
		signed, err := a.presigner.PresignGet(ctx, bucket, key)
		if err != nil {
			return "", fmt.Errorf("presign object: %w", err)
		}
		return a.download(ctx, signed, filepath.Join(dir, mediaName(position, key)))
	case strings.HasPrefix(location, "http://"), strings.HasPrefix(location, "https://"):
		u, err := url.Parse(location)
		if err != nil {
			return "", fmt.Errorf("parse url: %w", err)
		}
		return a.download(ctx, location, filepath.Join(dir, mediaName(position, u.Path)))
	case isRemote(location):
		return "", fmt.Errorf("unsupported location scheme")
	default:
		info, err := os.Stat(location)
		if err != nil {
			return "", fmt.Errorf("local media: %w", err)
		}
		if !info.Mode().IsRegular() {
			return "", fmt.Errorf("local media %s is not a regular file", location)
		}
		abs, err := filepath.Abs(location)
		if err != nil {
			return "", err
		}
		return abs, nil
	}
}

// download streams rawURL into dest in ChunkSize pieces, logging progress on
// a fixed interval. A partial file is removed on failure.
func (a *Acquirer) download(ctx context.Context, rawURL, dest string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.DownloadTimeout)
	defer cancel()
	logger := logging.WithContext(ctx, a.logger).With("file", filepath.Base(dest), "source", displayLocation(rawURL))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("request media: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	out, err := os.Create(dest)
	if err != nil {
		return "", fmt.Errorf("create %s: %w", dest, err)
	}
	success := false
	defer func() {
		if !success {
			_ = out.Close()
			_ = os.Remove(dest)
		}
	}()

	written, err := a.copyChunks(ctx, out, resp.Body, resp.ContentLength, logger)
	a.metrics.AddDownloadedBytes(written)
	if err != nil {
		return "", err
	}
	if resp.ContentLength > 0 && written != resp.ContentLength {
		return "", fmt.Errorf("short download: got %d of %d bytes", written, resp.ContentLength)
	}
	if err := out.Close(); err != nil {
		return "", fmt.Errorf("close %s: %w", dest, err)
	}
	success = true
	logger.Info("download complete", "bytes", written)
	return dest, nil
}

func (a *Acquirer) copyChunks(ctx context.Context, dst io.Writer, src io.Reader, total int64, logger *slog.Logger) (int64, error) {
	buf := make([]byte, a.cfg.ChunkSize)
	var written int64
	lastReport := time.Now()
	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		n, readErr := src.Read(buf)
		if n > 0 {
			if _, err := dst.Write(buf[:n]); err != nil {
				return written, fmt.Errorf("write media: %w", err)
			}
			written += int64(n)
		}
		if time.Since(lastReport) >= a.cfg.ProgressInterval {
			lastReport = time.Now()
			attrs := []any{"bytes", written}
			if total > 0 {
				attrs = append(attrs, "total", total, "percent", written*100/total)
			}
			logger.Info("download progress", attrs...)
		}
		if readErr == io.EOF {
			return written, nil
		}
		if readErr != nil {
			return written, fmt.Errorf("read media: %w", readErr)
		}
	}
}

func splitObjectRef(ref string) (string, string, error) {
	trimmed := strings.TrimPrefix(ref, "s3://")
	bucket, key, ok := strings.Cut(trimmed, "/")
	if !ok || bucket == "" || key == "" {
		return "", "", fmt.Errorf("invalid object reference %q", ref)
	}
	return bucket, key, nil
}

func mediaName(position int, sourcePath string) string {
	ext := strings.ToLower(path.Ext(sourcePath))
	if ext == "" || len(ext) > 6 {
		ext = ".mp4"
	}
	return fmt.Sprintf("media_%d%s", position, ext)
}

// displayLocation strips query strings so signed URLs never reach the logs.
func displayLocation(location string) string {
	u, err := url.Parse(location)
	if err != nil || u.Scheme == "" {
		return location
	}
	u.RawQuery = ""
	u.User = nil
	return u.String()
}

package workspace

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"

	"loopcast/internal/observability/logging"
)

// DefaultRoot is the parent directory used when none is configured.
const DefaultRoot = "/var/tmp/streams"

// ErrInvalidStreamID is returned for identifiers that cannot name a directory.
var ErrInvalidStreamID = errors.New("invalid stream id")

var streamIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

type Config struct {
	Root string
}

// Workspace hands out one scratch directory per stream under Root. Stream IDs
// are restricted to a path-safe alphabet so distinct streams can never resolve
// to the same directory.
type Workspace struct {
	root   string
	logger *slog.Logger
}

func New(cfg Config, logger *slog.Logger) *Workspace {
	root := cfg.Root
	if root == "" {
		root = DefaultRoot
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Workspace{root: filepath.Clean(root), logger: logging.WithComponent(logger, "workspace")}
}

func (w *Workspace) Root() string {
	return w.root
}

// Path returns the directory that belongs to streamID without creating it.
func (w *Workspace) Path(streamID string) (string, error) {
	if !streamIDPattern.MatchString(streamID) {
		return "", fmt.Errorf("%w: %q", ErrInvalidStreamID, streamID)
	}
	return filepath.Join(w.root, "stream_"+streamID), nil
}

// Acquire creates the stream directory if needed and returns its path.
// Calling it again for the same stream returns the same directory.
func (w *Workspace) Acquire(streamID string) (string, error) {
	dir, err := w.Path(streamID)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create workspace %s: %w", dir, err)
	}
	return dir, nil
}

// Release removes the stream directory and everything in it. Failures are
// logged and otherwise ignored.
func (w *Workspace) Release(streamID string) {
	dir, err := w.Path(streamID)
	if err != nil {
		w.logger.Warn("workspace release skipped", "stream_id", streamID, "error", err)
		return
	}
	if err := os.RemoveAll(dir); err != nil {
		w.logger.Error("workspace cleanup failed", "stream_id", streamID, "dir", dir, "error", err)
		return
	}
	w.logger.Debug("workspace released", "stream_id", streamID, "dir", dir)
}

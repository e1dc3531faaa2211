package encoder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"syscall"
	"time"

	"loopcast/internal/models"
	"loopcast/internal/observability/logging"
	"loopcast/internal/observability/metrics"
)

// ErrSpawn marks a failure to launch the encoder binary. It is never retried.
var ErrSpawn = errors.New("encoder spawn failed")

// Config controls restart policy and shutdown timing.
type Config struct {
	Binary            string
	MaxRestarts       int
	BackoffBase       time.Duration
	BackoffCap        time.Duration
	HeartbeatInterval time.Duration
	StopGrace         time.Duration
	TermWait          time.Duration
	// CleanExitCodes lists non-zero exit codes that mean the encoder shut
	// down on request. ffmpeg exits with 255 after SIGINT or SIGTERM.
	CleanExitCodes []int
}

// DefaultConfig returns the production restart policy.
func DefaultConfig() Config {
	return Config{
		Binary:            "ffmpeg",
		MaxRestarts:       5,
		BackoffBase:       5 * time.Second,
		BackoffCap:        60 * time.Second,
		HeartbeatInterval: 10 * time.Second,
		StopGrace:         5 * time.Second,
		TermWait:          2 * time.Second,
		CleanExitCodes:    []int{255},
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Binary == "" {
		c.Binary = def.Binary
	}
	if c.MaxRestarts < 0 {
		c.MaxRestarts = 0
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = def.BackoffBase
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = def.BackoffCap
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = def.HeartbeatInterval
	}
	if c.StopGrace <= 0 {
		c.StopGrace = def.StopGrace
	}
	if c.TermWait <= 0 {
		c.TermWait = def.TermWait
	}
	if c.CleanExitCodes == nil {
		c.CleanExitCodes = def.CleanExitCodes
	}
	return c
}

// Backoff returns the delay before restart number attempt (starting at 1):
// base*attempt, capped at max.
func Backoff(base, max time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := base * time.Duration(attempt)
	if delay > max || delay < 0 {
		return max
	}
	return delay
}

// Hooks receive process identity changes and liveness ticks. They run on the
// monitor goroutine and must not block for long.
type Hooks struct {
	OnSpawn     func(pid int, startedAt time.Time)
	OnHeartbeat func(pid int, at time.Time)
	OnRestart   func(attempt, exitCode int, delay time.Duration)
}

// Outcome describes how a run ended.
type Outcome struct {
	Status   models.StreamStatus
	Restarts int
	ExitCode int
	Err      error
}

// Supervisor launches encoder runs.
type Supervisor struct {
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Recorder
}

func NewSupervisor(cfg Config, logger *slog.Logger, recorder *metrics.Recorder) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		cfg:     cfg.withDefaults(),
		logger:  logging.WithComponent(logger, "encoder"),
		metrics: recorder,
	}
}

// Binary returns the configured encoder executable.
func (s *Supervisor) Binary() string {
	return s.cfg.Binary
}

// Start launches the encoder and begins monitoring it. A launch failure is
// returned wrapped in ErrSpawn and no monitor is started.
func (s *Supervisor) Start(ctx context.Context, inv Invocation, hooks Hooks) (*Run, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	logger := s.logger
	if streamID, ok := logging.StreamIDFromContext(ctx); ok {
		logger = logger.With("stream_id", streamID)
	}
	first, err := spawn(inv, s.cfg.TermWait, logger)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrSpawn, inv.Path, err)
	}
	s.metrics.EncoderSpawned()
	logger.Info("encoder started", "pid", first.pid(), "command", inv.String())

	run := &Run{
		sup:    s,
		inv:    inv,
		hooks:  hooks,
		logger: logger,
		proc:   first,
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
	if hooks.OnSpawn != nil {
		hooks.OnSpawn(first.pid(), first.startedAt)
	}
	go run.monitor()
	return run, nil
}

func (s *Supervisor) cleanExit(code int, sig syscall.Signal) bool {
	if sig == syscall.SIGINT || sig == syscall.SIGTERM {
		return true
	}
	if code == 0 {
		return true
	}
	for _, clean := range s.cfg.CleanExitCodes {
		if code == clean {
			return true
		}
	}
	return false
}

// Run is one supervised encoder. Its process handle is never exposed.
type Run struct {
	sup    *Supervisor
	inv    Invocation
	hooks  Hooks
	logger *slog.Logger

	mu            sync.Mutex
	proc          *proc
	restarts      int
	stopRequested bool
	stopCh        chan struct{}

	done    chan struct{}
	outcome Outcome
}

// Pid returns the process ID of the current encoder process.
func (r *Run) Pid() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.proc.pid()
}

// Restarts returns how many times the encoder has been relaunched.
func (r *Run) Restarts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.restarts
}

// Done is closed when the run has ended.
func (r *Run) Done() <-chan struct{} {
	return r.done
}

// Outcome returns the final result. It is only meaningful after Done is closed.
func (r *Run) Outcome() Outcome {
	<-r.done
	return r.outcome
}

// Stop ends the run: the encoder is asked to quit, then its process group is
// sent SIGTERM and finally SIGKILL. Stopping a finished run is a no-op.
func (r *Run) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.stopRequested {
		r.stopRequested = true
		close(r.stopCh)
	}
	current := r.proc
	r.mu.Unlock()

	select {
	case <-r.done:
		return nil
	default:
	}
	if current != nil {
		current.terminate(ctx, r.sup.cfg.StopGrace, r.sup.cfg.TermWait, r.logger)
	}
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Run) stopping() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopRequested
}

func (r *Run) finish(outcome Outcome) {
	r.outcome = outcome
	close(r.done)
}

// waitBackoff sleeps for delay while still reporting heartbeats, so a run
// between restarts does not look stale. It returns false when Stop was
// requested during the wait.
func (r *Run) waitBackoff(ticker *time.Ticker, delay time.Duration, pid int) bool {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	for {
		select {
		case <-timer.C:
			return true
		case <-r.stopCh:
			return false
		case <-ticker.C:
			if r.hooks.OnHeartbeat != nil {
				r.hooks.OnHeartbeat(pid, time.Now().UTC())
			}
		}
	}
}

func (r *Run) monitor() {
	cfg := r.sup.cfg
	ticker := time.NewTicker(cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		r.mu.Lock()
		current := r.proc
		r.mu.Unlock()

		select {
		case <-ticker.C:
			if r.hooks.OnHeartbeat != nil {
				r.hooks.OnHeartbeat(current.pid(), time.Now().UTC())
			}
			continue
		case <-current.exited:
		}

		code, sig := current.exitStatus()
		restarts := r.Restarts()
		if r.stopping() || r.sup.cleanExit(code, sig) {
			r.logger.Info("encoder exited", "pid", current.pid(), "exit_code", code, "signal", sigName(sig))
			r.finish(Outcome{Status: models.StatusStopped, Restarts: restarts, ExitCode: code})
			return
		}

		r.logger.Warn("encoder exited abnormally",
			"pid", current.pid(),
			"exit_code", code,
			"signal", sigName(sig),
			"restarts", restarts,
			"error", current.waitErr,
		)
		if restarts >= cfg.MaxRestarts {
			r.finish(Outcome{
				Status:   models.StatusError,
				Restarts: restarts,
				ExitCode: code,
				Err:      fmt.Errorf("encoder exited with code %d after %d restarts", code, restarts),
			})
			return
		}

		attempt := restarts + 1
		delay := Backoff(cfg.BackoffBase, cfg.BackoffCap, attempt)
		if r.hooks.OnRestart != nil {
			r.hooks.OnRestart(attempt, code, delay)
		}
		r.logger.Info("restarting encoder", "attempt", attempt, "max_restarts", cfg.MaxRestarts, "delay", delay)

		if !r.waitBackoff(ticker, delay, current.pid()) {
			r.finish(Outcome{Status: models.StatusStopped, Restarts: restarts, ExitCode: code})
			return
		}

		r.mu.Lock()
		if r.stopRequested {
			r.mu.Unlock()
			r.finish(Outcome{Status: models.StatusStopped, Restarts: restarts, ExitCode: code})
			return
		}
		next, err := spawn(r.inv, cfg.TermWait, r.logger)
		if err != nil {
			r.mu.Unlock()
			r.finish(Outcome{
				Status:   models.StatusError,
				Restarts: restarts,
				ExitCode: code,
				Err:      fmt.Errorf("%w: restart %d: %w", ErrSpawn, attempt, err),
			})
			return
		}
		r.proc = next
		r.restarts = attempt
		r.mu.Unlock()

		r.sup.metrics.EncoderSpawned()
		r.sup.metrics.EncoderRestarted()
		r.logger.Info("encoder restarted", "pid", next.pid(), "attempt", attempt)
		if r.hooks.OnSpawn != nil {
			r.hooks.OnSpawn(next.pid(), next.startedAt)
		}
	}
}

func sigName(sig syscall.Signal) string {
	if sig == 0 {
		return ""
	}
	return sig.String()
}

// Package coordinator drives each stream through its lifecycle. It owns the
// durable record of every stream it runs and is the only component that
// starts or stops encoders and broadcasts.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"loopcast/internal/acquire"
	"loopcast/internal/broadcast"
	"loopcast/internal/cache"
	"loopcast/internal/encoder"
	"loopcast/internal/models"
	"loopcast/internal/observability/logging"
	"loopcast/internal/observability/metrics"
	"loopcast/internal/playlist"
	"loopcast/internal/storage"
	"loopcast/internal/workspace"
)

var (
	// ErrStreamActive is returned when the stream is already starting or running.
	ErrStreamActive = errors.New("stream is already active")
	// ErrAccountBusy is returned when another stream holds the destination account.
	ErrAccountBusy = errors.New("account already has an active stream")
	// ErrNotFound is returned for streams with no durable record.
	ErrNotFound = errors.New("stream not found")
	// ErrStartCancelled is returned by Start when Stop interrupted it.
	ErrStartCancelled = errors.New("start cancelled by stop")
)

// Phases name the start pipeline steps in error messages and metrics.
const (
	PhaseAuthenticate    = "authenticate"
	PhaseCreateBroadcast = "create-broadcast"
	PhaseWorkspace       = "workspace"
	PhaseAcquire         = "acquire"
	PhasePlaylist        = "playlist"
	PhaseSpawn           = "spawn"
	PhaseEncoder         = "encoder"
)

// Config tunes the coordinator.
type Config struct {
	LoopCount         int
	HeartbeatInterval time.Duration
	StaleFactor       int
	CacheTTL          time.Duration
	OrphanTermWait    time.Duration
	StopTimeout       time.Duration
	Profile           encoder.Profile
}

// DefaultConfig returns production settings.
func DefaultConfig() Config {
	return Config{
		LoopCount:         100,
		HeartbeatInterval: 10 * time.Second,
		StaleFactor:       3,
		CacheTTL:          24 * time.Hour,
		OrphanTermWait:    2 * time.Second,
		StopTimeout:       90 * time.Second,
		Profile:           encoder.DefaultProfile(),
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.LoopCount <= 0 {
		c.LoopCount = def.LoopCount
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = def.HeartbeatInterval
	}
	if c.StaleFactor <= 0 {
		c.StaleFactor = def.StaleFactor
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = def.CacheTTL
	}
	if c.OrphanTermWait <= 0 {
		c.OrphanTermWait = def.OrphanTermWait
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = def.StopTimeout
	}
	if c.Profile == (encoder.Profile{}) {
		c.Profile = def.Profile
	}
	return c
}

// StaleAfter is how old a heartbeat may get before the process is presumed lost.
func (c Config) StaleAfter() time.Duration {
	return time.Duration(c.StaleFactor) * c.HeartbeatInterval
}

// Deps are the collaborators of a Coordinator.
type Deps struct {
	Repository storage.Repository
	Cache      cache.ProcessCache
	Workspace  *workspace.Workspace
	Broadcasts Authenticator
	Acquirer   MediaAcquirer
	Encoders   EncoderLauncher
	Logger     *slog.Logger
	Metrics    *metrics.Recorder
}

// Option customises a Coordinator.
type Option func(*Coordinator)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		if now != nil {
			c.now = now
		}
	}
}

// WithProcessProbe overrides how OS process liveness is checked.
func WithProcessProbe(alive func(ctx context.Context, pid int) bool) Option {
	return func(c *Coordinator) {
		if alive != nil {
			c.alive = alive
		}
	}
}

// WithGroupTerminator overrides how orphaned encoder groups are killed.
func WithGroupTerminator(terminate func(ctx context.Context, pid int, wait time.Duration) error) Option {
	return func(c *Coordinator) {
		if terminate != nil {
			c.terminate = terminate
		}
	}
}

// Coordinator runs streams.
type Coordinator struct {
	cfg       Config
	repo      storage.Repository
	cache     cache.ProcessCache
	ws        *workspace.Workspace
	auth      Authenticator
	acquirer  MediaAcquirer
	encoders  EncoderLauncher
	logger    *slog.Logger
	metrics   *metrics.Recorder
	now       func() time.Time
	alive     func(ctx context.Context, pid int) bool
	terminate func(ctx context.Context, pid int, wait time.Duration) error

	mu       sync.Mutex
	runs     map[string]*run
	accounts map[string]string
	probes   singleflight.Group
	wg       sync.WaitGroup
}

// New builds a Coordinator. Repository, Workspace, Broadcasts, Acquirer and
// Encoders are required.
func New(cfg Config, deps Deps, opts ...Option) (*Coordinator, error) {
	switch {
	case deps.Repository == nil:
		return nil, errors.New("coordinator: repository is required")
	case deps.Workspace == nil:
		return nil, errors.New("coordinator: workspace is required")
	case deps.Broadcasts == nil:
		return nil, errors.New("coordinator: broadcast authenticator is required")
	case deps.Acquirer == nil:
		return nil, errors.New("coordinator: acquirer is required")
	case deps.Encoders == nil:
		return nil, errors.New("coordinator: encoder launcher is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	procCache := deps.Cache
	if procCache == nil {
		procCache = cache.Noop{}
	}
	c := &Coordinator{
		cfg:       cfg.withDefaults(),
		repo:      deps.Repository,
		cache:     procCache,
		ws:        deps.Workspace,
		auth:      deps.Broadcasts,
		acquirer:  deps.Acquirer,
		encoders:  deps.Encoders,
		logger:    logging.WithComponent(logger, "coordinator"),
		metrics:   deps.Metrics,
		now:       time.Now,
		alive:     encoder.ProcessAlive,
		terminate: encoder.TerminateGroup,
		runs:      make(map[string]*run),
		accounts:  make(map[string]string),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// run is the in-memory owner of one active stream.
type run struct {
	streamID  string
	accountID string
	logger    *slog.Logger
	ctx       context.Context
	cancel    context.CancelFunc
	started   chan struct{}
	done      chan struct{}

	mu          sync.Mutex
	session     BroadcastSession
	broadcastID string
	enc         EncoderRun
	stopping    bool
	finalizing  bool

	recMu  sync.Mutex
	record models.StreamRecord
}

func (r *run) isStopping() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopping
}

type phaseError struct {
	phase string
	err   error
}

func (e *phaseError) Error() string { return e.phase + ": " + e.err.Error() }
func (e *phaseError) Unwrap() error { return e.err }

// Start runs the start pipeline for req and returns once the stream is
// running or the start has failed. Only Stop interrupts a start; cancelling
// ctx does not.
func (c *Coordinator) Start(ctx context.Context, req models.StreamRequest) error {
	result, err := c.Launch(ctx, req)
	if err != nil {
		return err
	}
	return <-result
}

// Launch admits req and runs the remaining start phases in the background.
// Admission failures such as an invalid request, ErrStreamActive or
// ErrAccountBusy are returned directly; the outcome of the start is sent on
// the returned channel.
func (c *Coordinator) Launch(ctx context.Context, req models.StreamRequest) (<-chan error, error) {
	r, err := c.admit(ctx, req)
	if err != nil {
		return nil, err
	}
	result := make(chan error, 1)
	go func() {
		result <- c.execute(r, req)
	}()
	return result, nil
}

func (c *Coordinator) admit(ctx context.Context, req models.StreamRequest) (*run, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	streamID := models.NormalizeID(req.StreamID)
	accountID := models.NormalizeID(req.AccountID)
	if _, err := c.ws.Path(streamID); err != nil {
		return nil, err
	}

	r, err := c.claim(ctx, streamID, accountID)
	if err != nil {
		return nil, err
	}
	if err := c.begin(ctx, r); err != nil {
		c.unregister(r)
		close(r.done)
		close(r.started)
		return nil, err
	}
	c.metrics.SetActiveStreams(c.activeCount())
	return r, nil
}

func (c *Coordinator) execute(r *run, req models.StreamRequest) error {
	defer close(r.started)
	if err := c.pipeline(r, req); err != nil {
		r.mu.Lock()
		stopping := r.stopping
		if !stopping {
			r.finalizing = true
		}
		r.mu.Unlock()
		if stopping {
			r.logger.Info("start interrupted by stop", "error", err)
			return ErrStartCancelled
		}
		c.failStart(r, err)
		return err
	}
	return nil
}

// claim registers an in-memory owner for the stream after checking both the
// local runs and the durable records for conflicts.
func (c *Coordinator) claim(ctx context.Context, streamID, accountID string) (*run, error) {
	c.mu.Lock()
	if _, ok := c.runs[streamID]; ok {
		c.mu.Unlock()
		return nil, ErrStreamActive
	}
	if holder, ok := c.accounts[accountID]; ok {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %s is held by stream %s", ErrAccountBusy, accountID, holder)
	}
	runCtx, cancel := context.WithCancel(logging.ContextWithStreamID(context.WithoutCancel(ctx), streamID))
	r := &run{
		streamID:  streamID,
		accountID: accountID,
		logger:    logging.WithStream(c.logger, streamID, accountID),
		ctx:       runCtx,
		cancel:    cancel,
		started:   make(chan struct{}),
		done:      make(chan struct{}),
	}
	c.runs[streamID] = r
	c.accounts[accountID] = streamID
	c.wg.Add(1)
	c.mu.Unlock()

	if err := c.checkDurableConflicts(ctx, streamID, accountID); err != nil {
		c.unregister(r)
		return nil, err
	}
	return r, nil
}

func (c *Coordinator) checkDurableConflicts(ctx context.Context, streamID, accountID string) error {
	records, err := c.repo.ListStreams(ctx, storage.StreamFilter{
		AccountID: accountID,
		Statuses:  []models.StreamStatus{models.StatusStarting, models.StatusRunning, models.StatusStopping},
	})
	if err != nil {
		return fmt.Errorf("check account streams: %w", err)
	}
	if own, err := c.repo.GetStream(ctx, streamID); err == nil && own.AccountID != accountID && !own.Status.Terminal() && own.Status != models.StatusIdle {
		records = append(records, own)
	}
	for _, record := range records {
		if c.owned(record.StreamID) && record.StreamID != streamID {
			continue
		}
		if c.recordAlive(ctx, record) {
			if record.StreamID == streamID {
				return ErrStreamActive
			}
			return fmt.Errorf("%w: %s is held by stream %s", ErrAccountBusy, accountID, record.StreamID)
		}
		c.recoverOrphan(ctx, record, "superseded by a new start")
	}
	return nil
}

func (c *Coordinator) begin(ctx context.Context, r *run) error {
	now := c.now().UTC()
	record, err := c.repo.GetStream(ctx, r.streamID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		record = models.StreamRecord{StreamID: r.streamID, CreatedAt: now}
	case err != nil:
		return fmt.Errorf("load stream record: %w", err)
	}
	record.AccountID = r.accountID
	record.Status = models.StatusStarting
	record.ResetRuntime()
	record.BroadcastID = ""
	record.ErrorMessage = ""
	record.StoppedAt = nil
	record.UpdatedAt = now
	if err := c.repo.SaveStream(ctx, record); err != nil {
		return fmt.Errorf("persist starting status: %w", err)
	}
	r.recMu.Lock()
	r.record = record
	r.recMu.Unlock()
	c.appendLog(r.streamID, models.LogInfo, "start requested")
	r.logger.Info("stream starting")
	return nil
}

func (c *Coordinator) pipeline(r *run, req models.StreamRequest) error {
	ctx := r.ctx
	step := func(phase string, err error) error {
		if err == nil {
			return nil
		}
		return &phaseError{phase: phase, err: err}
	}

	session, err := c.auth.Authenticate(ctx, r.accountID)
	if err != nil {
		return step(PhaseAuthenticate, err)
	}
	r.mu.Lock()
	r.session = session
	stopping := r.stopping
	r.mu.Unlock()
	if stopping {
		return ErrStartCancelled
	}

	created, err := session.CreateBroadcast(ctx, broadcast.Params{
		Title:       req.Title,
		Description: req.Description,
		Thumbnail:   req.Thumbnail,
	})
	if created.ID != "" {
		r.mu.Lock()
		r.broadcastID = created.ID
		r.mu.Unlock()
		c.update(r, func(record *models.StreamRecord) {
			record.BroadcastID = created.ID
		})
	}
	if err != nil {
		return step(PhaseCreateBroadcast, err)
	}
	c.appendLog(r.streamID, models.LogInfo, "broadcast created: "+created.ID)
	if r.isStopping() {
		return ErrStartCancelled
	}

	dir, err := c.ws.Acquire(r.streamID)
	if err != nil {
		return step(PhaseWorkspace, err)
	}
	jobs, err := buildJobs(req)
	if err != nil {
		return step(PhaseAcquire, err)
	}
	result, err := c.acquirer.Acquire(ctx, dir, jobs, session)
	if err != nil {
		return step(PhaseAcquire, err)
	}
	if r.isStopping() {
		return ErrStartCancelled
	}

	loops := 1
	if req.Loop {
		loops = c.cfg.LoopCount
	}
	sources := result.Ordered()
	descriptorPath, err := playlist.Build(sources, loops).WriteFile(dir)
	if err != nil {
		return step(PhasePlaylist, err)
	}
	c.appendLog(r.streamID, models.LogInfo, fmt.Sprintf("playlist ready: %d sources, %d loops", len(sources), loops))

	inv := encoder.BuildInvocation(c.encoders.Binary(), descriptorPath, created.IngestURL, c.cfg.Profile)
	r.mu.Lock()
	if r.stopping {
		r.mu.Unlock()
		return ErrStartCancelled
	}
	enc, err := c.encoders.Start(ctx, inv, c.hooks(r))
	if err == nil {
		r.enc = enc
	}
	r.mu.Unlock()
	if err != nil {
		return step(PhaseSpawn, err)
	}

	now := c.now().UTC()
	c.update(r, func(record *models.StreamRecord) {
		record.Status = models.StatusRunning
		record.IngestURL = created.IngestURL
		if record.ProcessID == nil {
			pid := enc.Pid()
			record.ProcessID = &pid
			record.ProcessStartedAt = &now
		}
		record.LastHeartbeat = &now
	})
	c.mirror(r)
	c.appendLog(r.streamID, models.LogInfo, "stream running")
	c.metrics.StreamStarted()
	r.logger.Info("stream running", "broadcast_id", created.ID, "pid", enc.Pid(), "sources", len(sources))

	go c.watch(r, enc)
	return nil
}

func buildJobs(req models.StreamRequest) ([]acquire.Job, error) {
	jobs := make([]acquire.Job, 0, len(req.Sources))
	for i, src := range req.Sources {
		switch s := src.(type) {
		case models.LocalFiles:
			jobs = append(jobs, acquire.Job{Kind: acquire.JobBulk, Files: s.Files, Shuffle: req.Shuffle})
		case models.RemoteDownloaded:
			jobs = append(jobs, acquire.Job{Kind: acquire.JobRemoteDownload, PlaylistID: s.PlaylistID, Shuffle: req.Shuffle})
		case models.RemoteDirect:
			jobs = append(jobs, acquire.Job{Kind: acquire.JobRemoteDirect, PlaylistID: s.PlaylistID, Shuffle: req.Shuffle})
		default:
			return nil, fmt.Errorf("source %d: unsupported source type %T", i, src)
		}
	}
	return jobs, nil
}

func (c *Coordinator) hooks(r *run) encoder.Hooks {
	return encoder.Hooks{
		OnSpawn: func(pid int, startedAt time.Time) {
			c.update(r, func(record *models.StreamRecord) {
				record.ProcessID = &pid
				record.ProcessStartedAt = &startedAt
				record.LastHeartbeat = &startedAt
			})
			c.mirror(r)
		},
		OnHeartbeat: func(pid int, at time.Time) {
			c.update(r, func(record *models.StreamRecord) {
				record.LastHeartbeat = &at
			})
			c.mirror(r)
		},
		OnRestart: func(attempt, exitCode int, delay time.Duration) {
			c.update(r, func(record *models.StreamRecord) {
				record.Restarts = attempt
			})
			c.appendLog(r.streamID, models.LogWarning,
				fmt.Sprintf("encoder exited with code %d, restart %d in %s", exitCode, attempt, delay))
		},
	}
}

// failStart records a failed start. It ends any broadcast created so far and
// releases the workspace. The caller has already marked r as finalizing.
func (c *Coordinator) failStart(r *run, err error) {
	phase := "start"
	var pe *phaseError
	if errors.As(err, &pe) {
		phase = pe.phase
	}
	r.logger.Error("stream start failed", "phase", phase, "error", err)
	c.metrics.StreamFailed(phase)

	r.mu.Lock()
	session, broadcastID := r.session, r.broadcastID
	r.mu.Unlock()
	c.endBroadcast(r.logger, session, broadcastID)
	c.finish(r, models.StatusError, err.Error())
}

func (c *Coordinator) endBroadcast(logger *slog.Logger, session BroadcastSession, broadcastID string) {
	if session == nil || broadcastID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.StopTimeout)
	defer cancel()
	if err := session.EndBroadcast(ctx, broadcastID); err != nil {
		logger.Warn("end broadcast failed", "broadcast_id", broadcastID, "error", err)
	}
}

// finish writes the terminal record, releases every resource held by the run
// and unregisters it.
func (c *Coordinator) finish(r *run, status models.StreamStatus, message string) {
	now := c.now().UTC()
	c.update(r, func(record *models.StreamRecord) {
		record.Status = status
		record.ErrorMessage = message
		record.ResetRuntime()
		record.StoppedAt = &now
	})
	level, text := models.LogInfo, "stream stopped"
	if status == models.StatusError {
		level, text = models.LogError, "stream failed: "+message
	}
	c.appendLog(r.streamID, level, text)

	c.ws.Release(r.streamID)
	c.cache.Delete(context.Background(), r.streamID)
	r.cancel()
	c.unregister(r)
	c.metrics.SetActiveStreams(c.activeCount())
	close(r.done)
}

func (c *Coordinator) unregister(r *run) {
	c.mu.Lock()
	if c.runs[r.streamID] == r {
		delete(c.runs, r.streamID)
	}
	if c.accounts[r.accountID] == r.streamID {
		delete(c.accounts, r.accountID)
	}
	c.mu.Unlock()
	c.wg.Done()
}

func (c *Coordinator) owned(streamID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.runs[streamID]
	return ok
}

func (c *Coordinator) activeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.runs)
}

// update applies mutate to the run's record and persists it. Persistence
// failures are logged; the in-memory record stays authoritative for the run.
func (c *Coordinator) update(r *run, mutate func(*models.StreamRecord)) {
	r.recMu.Lock()
	mutate(&r.record)
	r.record.UpdatedAt = c.now().UTC()
	snapshot := r.record
	r.recMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.repo.SaveStream(ctx, snapshot); err != nil {
		r.logger.Warn("persist stream record failed", "status", snapshot.Status, "error", err)
	}
}

func (c *Coordinator) snapshot(r *run) models.StreamRecord {
	r.recMu.Lock()
	defer r.recMu.Unlock()
	return r.record
}

func (c *Coordinator) mirror(r *run) {
	record := c.snapshot(r)
	if record.ProcessID == nil {
		return
	}
	entry := cache.Entry{PID: *record.ProcessID, Status: record.Status}
	if record.ProcessStartedAt != nil {
		entry.Started = *record.ProcessStartedAt
	}
	c.cache.Set(context.Background(), r.streamID, entry, c.cfg.CacheTTL)
}

func (c *Coordinator) appendLog(streamID string, level models.LogLevel, message string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	entry := models.StreamLogEntry{StreamID: streamID, Level: level, Message: message, CreatedAt: c.now().UTC()}
	if err := c.repo.AppendLog(ctx, entry); err != nil {
		c.logger.Debug("append stream log failed", "stream_id", streamID, "error", err)
	}
}

package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"loopcast/internal/models"
	"loopcast/internal/storage"
)

const statusTimeout = 10 * time.Second

// Report is a stream's durable record plus a liveness verdict.
type Report struct {
	Record         models.StreamRecord `json:"record"`
	Alive          bool                `json:"alive"`
	HeartbeatFresh bool                `json:"heartbeatFresh"`
	ProcessExists  bool                `json:"processExists"`
	Owned          bool                `json:"owned"`
	Reason         string              `json:"reason,omitempty"`
}

// Status reads the durable record and probes liveness. A running stream is
// alive only when its heartbeat is fresh and its process exists; a stale
// heartbeat wins over a live PID. Concurrent probes of one stream share a
// single lookup.
func (c *Coordinator) Status(ctx context.Context, streamID string) (Report, error) {
	streamID = models.NormalizeID(streamID)
	// The shared lookup outlives any single caller's context.
	v, err, _ := c.probes.Do(streamID, func() (interface{}, error) {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), statusTimeout)
		defer cancel()
		record, err := c.repo.GetStream(ctx, streamID)
		if errors.Is(err, storage.ErrNotFound) {
			return Report{}, ErrNotFound
		}
		if err != nil {
			return Report{}, fmt.Errorf("load stream record: %w", err)
		}
		return c.assess(ctx, record), nil
	})
	if err != nil {
		return Report{}, err
	}
	return v.(Report), nil
}

func (c *Coordinator) assess(ctx context.Context, record models.StreamRecord) Report {
	report := Report{Record: record, Owned: c.owned(record.StreamID)}
	age, ok := record.HeartbeatAge(c.now())
	report.HeartbeatFresh = ok && age <= c.cfg.StaleAfter()

	pid := 0
	if record.ProcessID != nil {
		pid = *record.ProcessID
	} else if entry, hit := c.cache.Get(ctx, record.StreamID); hit {
		pid = entry.PID
	}
	report.ProcessExists = pid > 0 && c.alive(ctx, pid)

	switch {
	case record.Status != models.StatusRunning:
		report.Reason = "status is " + string(record.Status)
	case !report.HeartbeatFresh:
		report.Reason = "heartbeat stale"
	case !report.ProcessExists:
		report.Reason = "process not found"
	default:
		report.Alive = true
	}
	return report
}

// recordAlive reports whether a record is held by a live process somewhere.
// Records still starting count as alive until they go stale.
func (c *Coordinator) recordAlive(ctx context.Context, record models.StreamRecord) bool {
	if record.Status == models.StatusStarting || record.Status == models.StatusStopping {
		return !c.stale(record)
	}
	return c.assess(ctx, record).Alive
}

func (c *Coordinator) stale(record models.StreamRecord) bool {
	age, ok := record.HeartbeatAge(c.now())
	if !ok {
		age = c.now().Sub(record.UpdatedAt)
	}
	return age > c.cfg.StaleAfter()
}

// Wait blocks until the locally owned run of streamID ends. Streams without
// a local run return immediately.
func (c *Coordinator) Wait(ctx context.Context, streamID string) error {
	streamID = models.NormalizeID(streamID)
	c.mu.Lock()
	r := c.runs[streamID]
	c.mu.Unlock()
	if r == nil {
		if _, err := c.repo.GetStream(ctx, streamID); errors.Is(err, storage.ErrNotFound) {
			return ErrNotFound
		} else if err != nil {
			return err
		}
		return nil
	}
	return waitDone(ctx, r)
}

// Logs returns the newest stream log entries.
func (c *Coordinator) Logs(ctx context.Context, streamID string, limit int) ([]models.StreamLogEntry, error) {
	return c.repo.ListLogs(ctx, models.NormalizeID(streamID), limit)
}

// Reconcile fails every active record that has no local owner and whose
// heartbeat went stale, ending its broadcast and killing any leftover
// encoder group. It returns how many records were recovered.
func (c *Coordinator) Reconcile(ctx context.Context) (int, error) {
	records, err := c.repo.ListStreams(ctx, storage.StreamFilter{
		Statuses: []models.StreamStatus{models.StatusStarting, models.StatusRunning, models.StatusStopping},
	})
	if err != nil {
		return 0, fmt.Errorf("list active streams: %w", err)
	}
	recovered := 0
	for _, record := range records {
		if c.owned(record.StreamID) {
			continue
		}
		if !c.stale(record) {
			continue
		}
		c.recoverOrphan(ctx, record, "heartbeat stale")
		recovered++
	}
	if recovered > 0 {
		c.logger.Info("reconciled orphaned streams", "count", recovered)
	}
	return recovered, nil
}

// RunReconciler calls Reconcile now and then every interval until ctx ends.
func (c *Coordinator) RunReconciler(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	reconcile := func() {
		if _, err := c.Reconcile(ctx); err != nil && ctx.Err() == nil {
			c.logger.Warn("reconcile failed", "error", err)
		}
	}
	reconcile()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reconcile()
		}
	}
}

// Shutdown stops every locally owned run and waits for them to finish.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	ids := make([]string, 0, len(c.runs))
	for id := range c.runs {
		ids = append(ids, id)
	}
	c.mu.Unlock()

	var g errgroup.Group
	for _, id := range ids {
		id := id
		g.Go(func() error {
			if err := c.Stop(ctx, id); err != nil && !errors.Is(err, ErrNotFound) {
				return fmt.Errorf("stop %s: %w", id, err)
			}
			return nil
		})
	}
	stopErr := g.Wait()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return stopErr
	case <-ctx.Done():
		return errors.Join(stopErr, ctx.Err())
	}
}

// ActiveCount reports how many runs this process currently owns.
func (c *Coordinator) ActiveCount() int {
	return c.activeCount()
}

package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"loopcast/internal/models"
	"loopcast/internal/storage"
)

// Stop ends the stream: the broadcast is completed first, then the encoder is
// stopped and every resource is released. Stopping a stream that is not
// running is a no-op. Records left active by an earlier process are cleaned
// up from their durable state.
func (c *Coordinator) Stop(ctx context.Context, streamID string) error {
	streamID = models.NormalizeID(streamID)
	c.mu.Lock()
	r := c.runs[streamID]
	c.mu.Unlock()
	if r == nil {
		return c.stopDurable(ctx, streamID)
	}

	r.mu.Lock()
	if r.stopping || r.finalizing {
		r.mu.Unlock()
		return waitDone(ctx, r)
	}
	r.stopping = true
	r.mu.Unlock()
	r.cancel()
	r.logger.Info("stop requested")

	// ctx bounds how long the caller waits, never whether the stop completes.
	go c.completeStop(r)
	return waitDone(ctx, r)
}

// completeStop finishes a stop once the start pipeline has unwound. It is the
// only finaliser of a run marked stopping.
func (c *Coordinator) completeStop(r *run) {
	<-r.started
	select {
	case <-r.done:
		return
	default:
	}

	c.update(r, func(record *models.StreamRecord) {
		if models.CanTransition(record.Status, models.StatusStopping) {
			record.Status = models.StatusStopping
		}
	})
	c.appendLog(r.streamID, models.LogInfo, "stop requested")

	r.mu.Lock()
	session, broadcastID, enc := r.session, r.broadcastID, r.enc
	r.mu.Unlock()

	// The broadcast must be completed before the encoder goes away, otherwise
	// viewers are left on a frozen frame.
	c.endBroadcast(r.logger, session, broadcastID)
	if enc != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), c.cfg.StopTimeout)
		err := enc.Stop(stopCtx)
		cancel()
		if err != nil {
			r.logger.Warn("encoder stop incomplete", "error", err)
		}
	}
	c.finish(r, models.StatusStopped, "")
	c.metrics.StreamStopped()
	r.logger.Info("stream stopped")
}

func waitDone(ctx context.Context, r *run) error {
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Coordinator) stopDurable(ctx context.Context, streamID string) error {
	record, err := c.repo.GetStream(ctx, streamID)
	if errors.Is(err, storage.ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("load stream record: %w", err)
	}
	if !record.Status.Active() && record.Status != models.StatusStopping {
		return nil
	}
	c.cleanupOrphan(ctx, record, models.StatusStopped, "")
	c.metrics.StreamStopped()
	return nil
}

// watch finalises runs whose encoder ended without a stop request.
func (c *Coordinator) watch(r *run, enc EncoderRun) {
	<-enc.Done()
	r.mu.Lock()
	if r.stopping || r.finalizing {
		r.mu.Unlock()
		return
	}
	r.finalizing = true
	session, broadcastID := r.session, r.broadcastID
	r.mu.Unlock()

	outcome := enc.Outcome()
	c.endBroadcast(r.logger, session, broadcastID)
	if outcome.Status == models.StatusError {
		message := PhaseEncoder + ": encoder failed"
		if outcome.Err != nil {
			message = PhaseEncoder + ": " + outcome.Err.Error()
		}
		r.logger.Error("encoder gave up", "restarts", outcome.Restarts, "exit_code", outcome.ExitCode, "error", outcome.Err)
		c.metrics.StreamFailed(PhaseEncoder)
		c.finish(r, models.StatusError, message)
		return
	}
	r.logger.Info("encoder finished", "restarts", outcome.Restarts)
	c.finish(r, models.StatusStopped, "")
	c.metrics.StreamStopped()
}

// recoverOrphan marks a record that has no live owner as failed.
func (c *Coordinator) recoverOrphan(ctx context.Context, record models.StreamRecord, reason string) {
	c.logger.Warn("recovering orphaned stream", "stream_id", record.StreamID, "status", record.Status, "reason", reason)
	c.cleanupOrphan(ctx, record, models.StatusError, "orphaned: "+reason)
	c.metrics.StreamFailed("orphaned")
}

// cleanupOrphan ends the broadcast and kills the process group recorded for
// a stream this daemon does not own, then writes the terminal status.
func (c *Coordinator) cleanupOrphan(ctx context.Context, record models.StreamRecord, status models.StreamStatus, message string) {
	logger := c.logger.With("stream_id", record.StreamID, "account_id", record.AccountID)
	if record.BroadcastID != "" {
		authCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.StopTimeout)
		session, err := c.auth.Authenticate(authCtx, record.AccountID)
		cancel()
		if err != nil {
			logger.Warn("cannot end orphaned broadcast", "broadcast_id", record.BroadcastID, "error", err)
		} else {
			c.endBroadcast(logger, session, record.BroadcastID)
		}
	}
	if record.ProcessID != nil {
		killCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.StopTimeout)
		err := c.terminate(killCtx, *record.ProcessID, c.cfg.OrphanTermWait)
		cancel()
		if err != nil {
			logger.Warn("terminate orphaned encoder failed", "pid", *record.ProcessID, "error", err)
		}
	}

	now := c.now().UTC()
	record.Status = status
	record.ErrorMessage = message
	record.ResetRuntime()
	record.StoppedAt = &now
	record.UpdatedAt = now
	saveCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.repo.SaveStream(saveCtx, record); err != nil {
		logger.Warn("persist orphan cleanup failed", "error", err)
	}
	text := "stream stopped"
	level := models.LogInfo
	if status == models.StatusError {
		text, level = "stream failed: "+message, models.LogError
	}
	c.appendLog(record.StreamID, level, text)
	c.ws.Release(record.StreamID)
	c.cache.Delete(context.Background(), record.StreamID)
}

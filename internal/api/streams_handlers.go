package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"loopcast/internal/coordinator"
	"loopcast/internal/encoder"
	"loopcast/internal/models"
	"loopcast/internal/observability/logging"
	"loopcast/internal/workspace"
)

type streamStateResponse struct {
	StreamID string              `json:"streamId"`
	Status   models.StreamStatus `json:"status"`
}

// CreateStream starts a stream whose ID is generated when the body omits it.
func (h *Handler) CreateStream(w http.ResponseWriter, r *http.Request) {
	var req models.StreamRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid stream request: %w", err))
		return
	}
	if req.StreamID == "" {
		req.StreamID = uuid.NewString()
	}
	h.launch(w, r, req)
}

// StartStream starts the stream named in the path. Redelivered starts for a
// stream that is already active succeed without side effects.
func (h *Handler) StartStream(w http.ResponseWriter, r *http.Request) {
	streamID := models.NormalizeID(chi.URLParam(r, "streamID"))
	var req models.StreamRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid stream request: %w", err))
		return
	}
	if req.StreamID != "" && req.StreamID != streamID {
		writeError(w, http.StatusBadRequest, fmt.Errorf("body streamId %q does not match path", req.StreamID))
		return
	}
	req.StreamID = streamID
	h.launch(w, r, req)
}

func (h *Handler) launch(w http.ResponseWriter, r *http.Request, req models.StreamRequest) {
	ctx := logging.ContextWithAccountID(logging.ContextWithStreamID(r.Context(), req.StreamID), req.AccountID)
	logger := logging.WithContext(ctx, requestLogger(r, h.Logger))

	result, err := h.Streams.Launch(ctx, req)
	switch {
	case err == nil:
	case errors.Is(err, coordinator.ErrStreamActive):
		writeJSON(w, http.StatusOK, streamStateResponse{StreamID: req.StreamID, Status: h.currentStatus(r.Context(), req.StreamID)})
		return
	case errors.Is(err, coordinator.ErrAccountBusy):
		writeError(w, http.StatusConflict, err)
		return
	case errors.Is(err, workspace.ErrInvalidStreamID), errors.Is(err, models.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, err)
		return
	default:
		logger.Error("stream admission failed", "error", err)
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	go func() {
		if err := <-result; err != nil {
			logger.Warn("stream start did not complete", "error", err)
		}
	}()
	writeJSON(w, http.StatusAccepted, streamStateResponse{StreamID: req.StreamID, Status: models.StatusStarting})
}

func (h *Handler) currentStatus(ctx context.Context, streamID string) models.StreamStatus {
	report, err := h.Streams.Status(ctx, streamID)
	if err != nil {
		return models.StatusStarting
	}
	return report.Record.Status
}

// StopStream stops a stream. Stopping an inactive stream succeeds.
func (h *Handler) StopStream(w http.ResponseWriter, r *http.Request) {
	streamID := models.NormalizeID(chi.URLParam(r, "streamID"))
	err := h.Streams.Stop(r.Context(), streamID)
	switch {
	case err == nil:
	case errors.Is(err, coordinator.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
		return
	default:
		requestLogger(r, h.Logger).Error("stream stop failed", "stream_id", streamID, "error", err)
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, streamStateResponse{StreamID: streamID, Status: h.currentStatus(r.Context(), streamID)})
}

// GetStream returns the durable record and liveness verdict of a stream. The
// ingest URL is redacted because it embeds the stream key.
func (h *Handler) GetStream(w http.ResponseWriter, r *http.Request) {
	streamID := models.NormalizeID(chi.URLParam(r, "streamID"))
	report, err := h.Streams.Status(r.Context(), streamID)
	if err != nil {
		if errors.Is(err, coordinator.ErrNotFound) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if report.Record.IngestURL != "" {
		report.Record.IngestURL = encoder.RedactURL(report.Record.IngestURL)
	}
	writeJSON(w, http.StatusOK, report)
}

// StreamLogs returns the newest log entries of a stream, oldest first.
func (h *Handler) StreamLogs(w http.ResponseWriter, r *http.Request) {
	streamID := models.NormalizeID(chi.URLParam(r, "streamID"))
	limit := defaultLogLimit
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("limit must be a positive integer"))
			return
		}
		limit = n
	}
	if limit > maxLogLimit {
		limit = maxLogLimit
	}
	entries, err := h.Streams.Logs(r.Context(), streamID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if entries == nil {
		entries = []models.StreamLogEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"streamId": streamID, "entries": entries})
}

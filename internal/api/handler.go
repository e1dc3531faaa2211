package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"loopcast/internal/coordinator"
	"loopcast/internal/models"
	"loopcast/internal/observability/logging"
	"loopcast/internal/observability/metrics"
)

const (
	maxBodyBytes    = 1 << 20
	defaultLogLimit = 100
	maxLogLimit     = 1000
)

// Streams is the stream lifecycle the API drives.
type Streams interface {
	Launch(ctx context.Context, req models.StreamRequest) (<-chan error, error)
	Stop(ctx context.Context, streamID string) error
	Status(ctx context.Context, streamID string) (coordinator.Report, error)
	Logs(ctx context.Context, streamID string, limit int) ([]models.StreamLogEntry, error)
	ActiveCount() int
}

// TokenStore persists destination account credentials.
type TokenStore interface {
	SaveAccountToken(ctx context.Context, token models.AccountToken) error
}

// Pinger reports whether a backing service is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler serves the control API.
type Handler struct {
	Streams  Streams
	Tokens   TokenStore
	Store    Pinger
	Cache    Pinger
	APIToken string
	Logger   *slog.Logger
	Metrics  *metrics.Recorder
}

// NewHandler wires a Handler around the coordinator and token store.
func NewHandler(streams Streams, tokens TokenStore, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{Streams: streams, Tokens: tokens, Logger: logging.WithComponent(logger, "api")}
}

// Router builds the chi routing tree with request IDs, request logging and
// metrics applied to every route.
func (h *Handler) Router() http.Handler {
	recorder := h.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware(h.Logger))
	r.Use(logging.RequestLogger(h.Logger))
	r.Use(func(next http.Handler) http.Handler {
		return metrics.HTTPMiddleware(recorder, next)
	})

	r.Get("/healthz", h.Health)
	r.Handle("/metrics", recorder.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(h.requireToken)
		r.Post("/streams", h.CreateStream)
		r.Route("/streams/{streamID}", func(r chi.Router) {
			r.Get("/", h.GetStream)
			r.Post("/start", h.StartStream)
			r.Post("/stop", h.StopStream)
			r.Get("/logs", h.StreamLogs)
		})
		r.Put("/accounts/{accountID}/token", h.PutAccountToken)
	})
	return r
}

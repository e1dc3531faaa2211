package api

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"loopcast/internal/observability/logging"
)

type idGenerator func() string

func requestIDMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return requestIDMiddlewareWithGenerator(logger, uuid.NewString)
}

func requestIDMiddlewareWithGenerator(logger *slog.Logger, generator idGenerator) func(http.Handler) http.Handler {
	if generator == nil {
		generator = uuid.NewString
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := strings.TrimSpace(r.Header.Get("X-Request-Id"))
			if requestID == "" {
				requestID = generator()
			}
			streamID := strings.TrimSpace(r.Header.Get("X-Stream-Id"))

			ctx := logging.ContextWithRequestID(r.Context(), requestID)
			if streamID != "" {
				ctx = logging.ContextWithStreamID(ctx, streamID)
			}
			ctx = logging.ContextWithLogger(ctx, logging.WithContext(ctx, logger))

			w.Header().Set("X-Request-Id", requestID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func requestLogger(r *http.Request, fallback *slog.Logger) *slog.Logger {
	if logger := logging.LoggerFromContext(r.Context()); logger != nil {
		return logger
	}
	return logging.WithContext(r.Context(), fallback)
}

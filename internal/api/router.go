package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/lalithlochan/notifier/internal/circuitbreaker"
	"github.com/lalithlochan/notifier/internal/metrics"
)

// HealthChecker reports whether a dependency is usable.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// RouterConfig collects what NewRouter mounts.
type RouterConfig struct {
	Handler     *Handler
	RateLimiter func(http.Handler) http.Handler // optional
	Database    HealthChecker                   // optional, e.g. the postgres pool
	Breakers    []*circuitbreaker.CircuitBreaker
	Timeout     time.Duration
}

// NewRouter builds the HTTP surface: /v1 API, /health and /metrics.
func NewRouter(cfg RouterConfig, logger *zap.Logger) http.Handler {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(cfg.Timeout))
	r.Use(metrics.Middleware)
	r.Use(requestLogger(logger))

	h := cfg.Handler
	r.Route("/v1", func(r chi.Router) {
		if cfg.RateLimiter != nil {
			r.Use(cfg.RateLimiter)
		}

		r.Post("/notifications/send", h.SendNotification)
		r.Post("/notifications/send-bulk", h.SendBulk)
		r.Get("/notifications", h.ListNotifications)
		r.Get("/notifications/stats", h.Statistics)
		r.Get("/notifications/retryable", h.Retryable)
		r.Get("/notifications/{id}", h.GetNotification)
		r.Post("/notifications/{id}/retry", h.RetryNotification)

		r.Get("/templates", h.ListTemplates)
		r.Post("/templates", h.CreateTemplate)
		r.Get("/templates/{name}", h.GetTemplate)
		r.Put("/templates/{name}", h.UpdateTemplate)
	})

	r.Get("/health", healthHandler(cfg.Database, cfg.Breakers))
	r.Handle("/metrics", metrics.Handler())

	return r
}

func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration_ms", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}

type healthResponse struct {
	Status   string                 `json:"status"`
	Database string                 `json:"database"`
	Channels []circuitbreaker.Stats `json:"channels"`
}

// healthHandler fails only when the database is down. An open channel
// breaker is reported but the service can still accept and record sends.
func healthHandler(database HealthChecker, breakers []*circuitbreaker.CircuitBreaker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := healthResponse{Status: "ok", Database: "not_configured", Channels: []circuitbreaker.Stats{}}
		status := http.StatusOK

		if database != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := database.Health(ctx); err != nil {
				resp.Status = "unavailable"
				resp.Database = err.Error()
				status = http.StatusServiceUnavailable
			} else {
				resp.Database = "ok"
			}
		}

		for _, b := range breakers {
			resp.Channels = append(resp.Channels, b.Stats())
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(resp)
	}
}

func writeProblem(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}

package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/capitalize-ai/assistants-relay/internal/middleware"
	"github.com/capitalize-ai/assistants-relay/pkg/logger"
)

// RouterConfig configures the HTTP surface.
type RouterConfig struct {
	JWTSecret            string
	CORSAllowedOrigins   []string
	RateLimitRequests    int
	RateLimitWindow      time.Duration
	RunRateLimitRequests int
}

// Handlers groups the handlers mounted by NewRouter. Events may be nil
// when the event log is disabled.
type Handlers struct {
	Health     *HealthHandler
	Assistants *AssistantHandler
	Threads    *ThreadHandler
	Messages   *MessageHandler
	Runs       *RunHandler
	Files      *FileHandler
	Events     *EventHandler
}

// NewRouter builds the relay API router.
func NewRouter(cfg RouterConfig, h Handlers, log *logger.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(log))
	r.Use(middleware.SecurityHeaders)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS(cfg.CORSAllowedOrigins))

	// Health endpoints (no auth required)
	r.Get("/health", h.Health.Health)
	r.Get("/ready", h.Health.Ready)

	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWTSecret))
		r.Use(middleware.RateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow))

		read := middleware.RequireScope(middleware.ScopeRead)
		write := middleware.RequireScope(middleware.ScopeWrite)
		run := chi.Chain(
			middleware.RequireScope(middleware.ScopeRun),
			middleware.RunRateLimit(cfg.RunRateLimitRequests, cfg.RateLimitWindow),
		)

		r.Route("/assistants", func(r chi.Router) {
			r.With(write).Post("/", h.Assistants.Create)
			r.With(read).Get("/", h.Assistants.List)

			r.Route("/{assistantID}", func(r chi.Router) {
				r.With(read).Get("/", h.Assistants.Get)
				r.With(write).Put("/", h.Assistants.Update)
				r.With(write).Delete("/", h.Assistants.Delete)

				r.With(write).Post("/threads", h.Threads.Create)
				r.With(read).Get("/threads", h.Threads.List)

				r.With(read).Get("/files", h.Files.List)
				r.With(write).Post("/files", h.Files.Upload)
				r.With(write).Delete("/files/{fileID}", h.Files.Delete)

				r.With(read).Get("/vector-store", h.Files.VectorStore)
			})
		})

		r.Route("/threads/{threadID}", func(r chi.Router) {
			r.With(read).Get("/", h.Threads.Get)
			r.With(write).Delete("/", h.Threads.Delete)

			r.With(read).Get("/messages", h.Messages.List)
			r.With(write).Post("/messages", h.Messages.Add)
			r.With(read).Get("/messages/{messageID}", h.Messages.Get)
			r.With(write).Put("/messages/{messageID}", h.Messages.Modify)
			r.With(write).Delete("/messages/{messageID}", h.Messages.Delete)

			r.With(run...).Post("/run", h.Runs.Run)
			r.With(run...).Post("/run/stream", h.Runs.Stream)
			r.With(run...).Post("/runs", h.Runs.Start)
			r.With(read).Get("/runs", h.Runs.List)
			r.With(read).Get("/runs/{runID}", h.Runs.Poll)

			if h.Events != nil {
				r.With(read).Get("/events", h.Events.Replay)
			}
		})
	})

	return r
}

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/capitalize-ai/assistants-relay/internal/handler"
	"github.com/capitalize-ai/assistants-relay/internal/lock"
	natsclient "github.com/capitalize-ai/assistants-relay/internal/nats"
	"github.com/capitalize-ai/assistants-relay/internal/remote"
	"github.com/capitalize-ai/assistants-relay/internal/service"
	"github.com/capitalize-ai/assistants-relay/pkg/tracing"
)

// redisPinger adapts a Redis client to the readiness probe.
type redisPinger struct {
	client redis.UniversalClient
}

func (p redisPinger) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

func serve(ctx context.Context) error {
	cfg, log, st, err := bootstrap()
	if err != nil {
		return err
	}
	defer log.Sync()
	defer st.Close()

	log.Info("starting assistants relay")

	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}

	// Initialize tracing if enabled
	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, "assistants-relay", cfg.TracingEndpoint)
		if err != nil {
			log.Warn("failed to initialize tracing", zap.Error(err))
		} else {
			defer tracing.Shutdown(context.Background(), tp)
		}
	}

	deps := map[string]handler.Pinger{"database": st}

	// Per-thread leases are shared through Redis when several replicas run.
	var locker lock.Locker = lock.NewLocalLocker()
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		rdb := redis.NewClient(opts)
		defer rdb.Close()
		locker = lock.NewRedisLocker(rdb, cfg.ThreadLockTTL, log)
		deps["redis"] = redisPinger{client: rdb}
		log.Info("using redis thread leases")
	}

	// Run events are recorded on JetStream when NATS is configured.
	var (
		publisher service.EventPublisher = service.NopPublisher
		eventLog  *natsclient.EventLog
	)
	if cfg.NATSURL != "" {
		natsClient, err := natsclient.Connect(ctx, natsclient.Config{
			URL:      cfg.NATSURL,
			CAFile:   cfg.NATSCAFile,
			CertFile: cfg.NATSCertFile,
			KeyFile:  cfg.NATSKeyFile,
			Token:    cfg.NATSToken,
			Name:     "assistants-relay",
		}, log)
		if err != nil {
			return fmt.Errorf("failed to connect to NATS: %w", err)
		}
		defer natsClient.Close()

		eventLog = natsclient.NewEventLog(natsClient)
		if err := eventLog.EnsureStream(ctx); err != nil {
			return fmt.Errorf("failed to ensure stream: %w", err)
		}
		publisher = eventLog
		deps["nats"] = natsClient
	}

	rc, err := remote.NewOpenAIClient(remote.Config{
		APIKey:     cfg.OpenAIAPIKey,
		BaseURL:    cfg.OpenAIBaseURL,
		OrgID:      cfg.OpenAIOrgID,
		HTTPClient: &http.Client{},
		Timeout:    cfg.OpenAITimeout,
	})
	if err != nil {
		return err
	}

	// Initialize services
	assistantSvc := service.NewAssistantService(st, rc, log)
	threadSvc := service.NewThreadService(st, rc, locker, assistantSvc, log)
	messageSvc := service.NewMessageService(st, rc, locker, log)
	coordinator := service.NewRunCoordinator(st, rc, locker, publisher, service.CoordinatorConfig{
		PollInterval:     cfg.RunPollInterval,
		PollAttempts:     cfg.RunPollAttempts,
		DrainInterval:    cfg.RunDrainInterval,
		DrainMaxInterval: cfg.RunDrainMaxInterval,
		DrainTimeout:     cfg.RunDrainTimeout,
	}, log)
	fileSvc := service.NewFileService(st, rc, assistantSvc, service.FileConfig{
		UploadDir:         cfg.UploadDir,
		MaxBytes:          cfg.UploadMaxBytes,
		BatchPollInterval: cfg.FileBatchPollInterval,
		BatchPollAttempts: cfg.FileBatchPollAttempts,
	}, log)

	// Initialize handlers
	handlers := handler.Handlers{
		Health:     handler.NewHealthHandler(deps),
		Assistants: handler.NewAssistantHandler(assistantSvc, log),
		Threads:    handler.NewThreadHandler(threadSvc, log),
		Messages:   handler.NewMessageHandler(messageSvc, log),
		Runs:       handler.NewRunHandler(coordinator, log),
		Files:      handler.NewFileHandler(fileSvc, cfg.UploadMaxBytes, log),
	}
	if eventLog != nil {
		handlers.Events = handler.NewEventHandler(eventLog, threadSvc, log)
	}

	router := handler.NewRouter(handler.RouterConfig{
		JWTSecret:            cfg.JWTSecret,
		CORSAllowedOrigins:   cfg.CORSAllowedOrigins,
		RateLimitRequests:    cfg.RateLimitRequests,
		RateLimitWindow:      cfg.RateLimitWindow,
		RunRateLimitRequests: cfg.RunRateLimitRequests,
	}, handlers, log)

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  cfg.ServerReadTimeout,
		WriteTimeout: cfg.ServerWriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info("server listening", zap.String("port", cfg.ServerPort))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-serverErr:
		return fmt.Errorf("server error: %w", err)
	}

	log.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}

	log.Info("server stopped")
	return nil
}

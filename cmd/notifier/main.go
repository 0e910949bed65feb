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

	"go.uber.org/zap"

	"github.com/lalithlochan/notifier/internal/api"
	"github.com/lalithlochan/notifier/internal/channel"
	"github.com/lalithlochan/notifier/internal/circuitbreaker"
	"github.com/lalithlochan/notifier/internal/config"
	"github.com/lalithlochan/notifier/internal/db"
	"github.com/lalithlochan/notifier/internal/events"
	"github.com/lalithlochan/notifier/internal/metrics"
	"github.com/lalithlochan/notifier/internal/notify"
	"github.com/lalithlochan/notifier/internal/observ"
	"github.com/lalithlochan/notifier/internal/redis"
	"github.com/lalithlochan/notifier/internal/sns"
	"github.com/lalithlochan/notifier/internal/sqs"
	"github.com/lalithlochan/notifier/internal/templates"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := observ.NewLogger("notifier", cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting notifier",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
		zap.String("store", cfg.StoreDriver),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Store
	var (
		store    notify.Store
		database *db.DB
	)
	switch cfg.StoreDriver {
	case "memory":
		logger.Warn("using in-memory store, notifications are lost on restart")
		store = db.NewMemoryStore()
	default:
		database, err = db.New(ctx, db.Config{
			Host:     cfg.DBHost,
			Port:     cfg.DBPort,
			User:     cfg.DBUser,
			Password: cfg.DBPassword,
			Database: cfg.DBName,
			SSLMode:  cfg.DBSSLMode,
		}, logger)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		defer database.Close()

		store = db.NewRepository(database, logger)
		go reportPoolUsage(ctx, database)
	}

	// Templates
	registry := templates.NewRegistry(templates.Defaults()...)
	if cfg.TemplatesFile != "" {
		extra, err := templates.LoadFile(cfg.TemplatesFile)
		if err != nil {
			return fmt.Errorf("failed to load templates: %w", err)
		}
		for _, t := range extra {
			if err := registry.Put(t); err != nil {
				return fmt.Errorf("failed to register template %q: %w", t.Name, err)
			}
		}
		logger.Info("templates loaded", zap.String("file", cfg.TemplatesFile), zap.Int("count", len(extra)))
	}

	// Channels
	channels, breakers := buildChannels(ctx, cfg, logger)

	service := notify.NewService(store, registry, channels, logger, notify.Config{
		BulkPacing:      cfg.BulkPacing,
		BulkConcurrency: cfg.BulkConcurrency,
	})

	if cfg.SNSStatusTopicARN != "" {
		publisher, err := sns.NewPublisher(ctx, cfg.SNSStatusTopicARN, cfg.SNSRegion, logger)
		if err != nil {
			logger.Warn("sns publisher unavailable, status events disabled", zap.Error(err))
		} else {
			service.WithPublisher(publisher)
		}
	}

	// Redis for idempotency and rate limiting
	handler := api.NewHandler(logger, service, registry)
	var rateLimit func(http.Handler) http.Handler

	redisClient, err := redis.New(ctx, redis.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, logger)
	if err != nil {
		logger.Warn("redis unavailable, idempotency and rate limiting disabled",
			zap.Error(err),
			zap.String("host", cfg.RedisHost),
		)
	} else {
		defer redisClient.Close()
		handler.WithIdempotency(redis.NewIdempotencyService(redisClient, logger))
		limiter := redis.NewRateLimiter(redisClient, logger, redis.RateLimitConfig{
			Limit:  cfg.RateLimitPerMinute,
			Window: time.Minute,
		})
		rateLimit = api.RateLimitMiddleware(limiter, logger, api.ClientKeyFunc)
	}

	// Appointment events
	consumerDone := make(chan struct{})
	if cfg.SQSEventsQueueURL != "" {
		client, err := sqs.NewClient(ctx, cfg.SQSRegion)
		if err != nil {
			return fmt.Errorf("failed to create sqs client: %w", err)
		}

		var dlq *sqs.Producer
		if cfg.SQSDLQURL != "" {
			dlq = sqs.NewProducer(client, cfg.SQSDLQURL, logger)
		}
		consumer := sqs.NewConsumer(client, sqs.Config{
			Region:   cfg.SQSRegion,
			QueueURL: cfg.SQSEventsQueueURL,
			DLQURL:   cfg.SQSDLQURL,
		}, dlq, logger)
		appointments := events.NewConsumer(service, logger)

		go func() {
			defer close(consumerDone)
			if err := consumer.Run(ctx, appointments.Handle); err != nil {
				logger.Error("event consumer stopped", zap.Error(err))
			}
		}()
	} else {
		close(consumerDone)
		logger.Info("SQS_EVENTS_QUEUE_URL not set, appointment events disabled")
	}

	routerCfg := api.RouterConfig{
		Handler:     handler,
		RateLimiter: rateLimit,
		Breakers:    breakers,
		Timeout:     60 * time.Second,
	}
	if database != nil {
		routerCfg.Database = database
	}

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      api.NewRouter(routerCfg, logger),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 90 * time.Second, // bulk sends are paced
		IdleTimeout:  60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			_ = srv.Close()
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
	}

	stop()
	<-consumerDone
	logger.Info("server stopped gracefully")
	return nil
}

// buildChannels registers every configured channel behind its own circuit
// breaker. The log channel is always available.
func buildChannels(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*channel.Registry, []*circuitbreaker.CircuitBreaker) {
	var strategies []channel.Strategy

	if cfg.TelegramBotToken != "" {
		tg, err := channel.NewTelegramStrategy(channel.TelegramConfig{
			Token:   cfg.TelegramBotToken,
			APIURL:  cfg.TelegramAPIURL,
			Timeout: cfg.TelegramTimeout,
		}, logger)
		if err != nil {
			logger.Warn("telegram channel unavailable", zap.Error(err))
		} else {
			strategies = append(strategies, tg)
		}
	} else {
		logger.Warn("TELEGRAM_BOT_TOKEN not set, telegram channel disabled")
	}

	if cfg.SESFromEmail != "" {
		ses, err := channel.NewSESStrategy(ctx, channel.SESConfig{
			Region:    cfg.AWSRegion,
			FromEmail: cfg.SESFromEmail,
		}, logger)
		if err != nil {
			logger.Warn("email channel unavailable", zap.Error(err))
		} else {
			strategies = append(strategies, ses)
		}
	}

	sms, err := channel.NewSNSStrategy(ctx, channel.SNSConfig{Region: cfg.SNSRegion}, logger)
	if err != nil {
		logger.Warn("sms channel unavailable", zap.Error(err))
	} else {
		strategies = append(strategies, sms)
	}

	strategies = append(strategies,
		channel.NewWebhookStrategy(channel.WebhookConfig{
			Timeout: time.Duration(cfg.WebhookTimeout) * time.Second,
		}, logger),
		channel.NewLogStrategy(logger),
	)

	protected := make([]channel.Strategy, 0, len(strategies))
	breakers := make([]*circuitbreaker.CircuitBreaker, 0, len(strategies))
	for _, s := range strategies {
		bcfg := circuitbreaker.DefaultConfig(s.Name())
		bcfg.MaxFailures = cfg.BreakerMaxFailures
		bcfg.RecoveryTimeout = cfg.BreakerRecoveryTimeout
		bcfg.OnStateChange = func(name string, _, to circuitbreaker.State) {
			metrics.SetBreakerState(name, int(to))
		}

		breaker := circuitbreaker.New(bcfg, logger)
		metrics.SetBreakerState(s.Name(), int(circuitbreaker.StateClosed))
		protected = append(protected, circuitbreaker.Protect(s, breaker, logger))
		breakers = append(breakers, breaker)
	}

	registry := channel.NewRegistry(protected...)
	logger.Info("channels registered", zap.Strings("channels", registry.Names()))
	return registry, breakers
}

func reportPoolUsage(ctx context.Context, database *db.DB) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics.SetDBConnections(database.AcquiredConns())
		}
	}
}

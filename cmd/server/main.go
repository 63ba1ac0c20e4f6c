package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/crisisline/backend/internal/ai"
	"github.com/crisisline/backend/internal/config"
	"github.com/crisisline/backend/internal/db"
	httpapi "github.com/crisisline/backend/internal/http"
	"github.com/crisisline/backend/internal/http/handlers"
	"github.com/crisisline/backend/internal/metrics"
	"github.com/crisisline/backend/internal/notify"
	"github.com/crisisline/backend/internal/realtime"
	"github.com/crisisline/backend/internal/service"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	zerolog.TimeFieldFormat = time.RFC3339
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	logger := log.Level(level).With().Str("service", "crisisline-backend").Logger()

	ctx := context.Background()
	m := metrics.New(prometheus.DefaultRegisterer)

	var store service.Store
	if cfg.DatabaseURL == "" {
		logger.Warn().Msg("DATABASE_URL not set, using in-memory store")
		store = db.NewMemoryStore()
	} else {
		pg, err := db.New(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect db")
		}
		defer pg.Close()
		store = pg
	}

	var (
		bus       realtime.Bus
		busPinger handlers.Pinger
	)
	if cfg.RedisURL == "" {
		hub := realtime.NewHub(cfg.SubscriberBuffer, m.SubscriberDropped, logger)
		defer hub.Close()
		bus = hub
		logger.Info().Msg("using in-process fan-out")
	} else {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("invalid REDIS_URL")
		}
		client := redis.NewClient(opts)
		defer client.Close()
		rb := realtime.NewRedisBus(client, cfg.SubscriberBuffer, m.SubscriberDropped, logger)
		if err := rb.Ping(ctx); err != nil {
			logger.Fatal().Err(err).Msg("failed to connect redis")
		}
		bus, busPinger = rb, rb
	}

	var classifier ai.Classifier
	if cfg.AIURL == "" {
		classifier = ai.MockClassifier{}
		logger.Info().Msg("using mock classifier")
	} else {
		classifier = ai.HTTPClassifier{BaseURL: cfg.AIURL}
	}

	var responder ai.Responder = ai.CannedResponder{}
	if cfg.AssistantURL != "" {
		responder = ai.OpenAICompatAssistant{
			BaseURL: cfg.AssistantURL,
			Model:   cfg.AssistantModel,
			APIKey:  cfg.AssistantAPIKey,
		}
	}

	var notifier notify.Notifier = notify.LogNotifier{Logger: logger}
	if cfg.NotifyWebhook != "" {
		notifier = notify.NewWebhookNotifier(cfg.NotifyWebhook)
	}

	retry := service.RetryPolicy{
		Attempts: cfg.StoreRetryAttempts,
		Logger:   logger,
		OnRetry:  m.StoreRetry,
	}
	messages := &service.Messages{Store: store, Bus: bus, Retry: retry, Metrics: m, Logger: logger}
	svc := httpapi.Services{
		Store: store,
		Bus:   busPinger,
		Intake: &service.Intake{
			Store:    store,
			Messages: messages,
			Bus:      bus,
			Guard: ai.Guard{
				Classifier: classifier,
				Timeout:    cfg.ClassifierTimeout,
				Logger:     logger,
				OnFallback: m.ClassifierFallback,
			},
			Responder:       responder,
			Threshold:       cfg.UrgentRiskThreshold,
			ContextMessages: cfg.ContextMessages,
			Retry:           retry,
			Metrics:         m,
			Logger:          logger,
		},
		Coordinator: &service.Coordinator{
			Store:    store,
			Messages: messages,
			Bus:      bus,
			Notifier: notifier,
			Retry:    retry,
			Metrics:  m,
			Logger:   logger,
		},
		Messages: messages,
		Gate:     &service.Gate{Store: store, Messages: messages, Retry: retry, Logger: logger},
		Relay:    realtime.NewRelay(bus, logger),
	}

	router := httpapi.Router(cfg, svc, logger)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: cfg.RequestTimeout,
	}

	go func() {
		logger.Info().Str("port", cfg.Port).Msg("server started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctxShutdown, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctxShutdown)
	logger.Info().Msg("server stopped")
}

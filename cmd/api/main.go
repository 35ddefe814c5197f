// Package main is the entry point for the API server.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	_ "time/tzdata"

	"github.com/capitalize-ai/conversation-orchestrator/internal/config"
	"github.com/capitalize-ai/conversation-orchestrator/internal/conversation"
	"github.com/capitalize-ai/conversation-orchestrator/internal/handler"
	"github.com/capitalize-ai/conversation-orchestrator/internal/intent"
	"github.com/capitalize-ai/conversation-orchestrator/internal/llm"
	"github.com/capitalize-ai/conversation-orchestrator/internal/middleware"
	natsclient "github.com/capitalize-ai/conversation-orchestrator/internal/nats"
	"github.com/capitalize-ai/conversation-orchestrator/internal/notify"
	"github.com/capitalize-ai/conversation-orchestrator/internal/service"
	"github.com/capitalize-ai/conversation-orchestrator/internal/store"
	"github.com/capitalize-ai/conversation-orchestrator/internal/tool"
	"github.com/capitalize-ai/conversation-orchestrator/internal/tool/calendar"
	"github.com/capitalize-ai/conversation-orchestrator/internal/tool/pdf"
	"github.com/capitalize-ai/conversation-orchestrator/pkg/logger"
	"github.com/capitalize-ai/conversation-orchestrator/pkg/tracing"
)

const devUserID = "dev-user"

func main() {
	cfg := config.Load()

	log, err := newLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetGlobal(log)

	if err := cfg.Validate(); err != nil {
		log.Fatal("invalid configuration", zap.Error(err))
	}

	log.Info("starting API server",
		zap.String("env", cfg.Env),
		zap.String("storage", cfg.StorageBackend),
		zap.String("timezone", cfg.CalendarTimezone))

	ctx := context.Background()
	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, "conversation-orchestrator", cfg.TracingEndpoint)
		if err != nil {
			log.Warn("failed to initialize tracing", zap.Error(err))
		} else {
			defer tracing.Shutdown(ctx, tp)
		}
	}

	// NATS carries the message log and lifecycle events when enabled.
	var (
		natsClient    *natsclient.Client
		streamManager *natsclient.StreamManager
	)
	if cfg.UsesNATS() {
		connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		natsClient, err = natsclient.Connect(connectCtx, natsclient.Config{
			URL:      cfg.NATSURL,
			CAFile:   cfg.NATSCAFile,
			CertFile: cfg.NATSCertFile,
			KeyFile:  cfg.NATSKeyFile,
			Token:    cfg.NATSToken,
			Name:     "conversation-orchestrator",
		}, log)
		cancel()
		if err != nil {
			log.Fatal("failed to connect to NATS", zap.Error(err))
		}
		defer natsClient.Close()

		streamManager = natsclient.NewStreamManager(natsClient, log)
		if err := streamManager.EnsureStream(ctx); err != nil {
			log.Fatal("failed to ensure stream", zap.Error(err))
		}
	}

	st, err := openStore(cfg, log, streamManager)
	if err != nil {
		log.Fatal("failed to open storage", zap.Error(err))
	}
	defer st.Close()

	notifier := notify.New(log, notify.WithRetention(cfg.NotifyRetention))
	defer notifier.Close()
	manager := conversation.NewManager(notifier, log)

	loc := cfg.Location()
	parser := intent.NewParser(intent.WithLocation(loc), intent.WithLocale(cfg.ParserLocale))
	tools := tool.NewRegistry(
		calendar.New(st, loc, calendar.WithLogger(log)),
		pdf.New(st, log),
	)

	deps := service.MessageDeps{
		Store:    st,
		Manager:  manager,
		Notifier: notifier,
		Parser:   parser,
		Tools:    tools,
		LLM:      newLLMClient(cfg, log),
	}
	if streamManager != nil {
		deps.Events = streamManager
	}

	conversationSvc := service.NewConversationService(st, manager, log)
	messageSvc := service.NewMessageService(deps, service.MessageOptions{
		GenerationTimeout: cfg.GenerationTimeout,
		ToolTimeout:       cfg.ToolTimeout,
		MaxHistory:        cfg.MaxHistoryMessages,
		Model:             cfg.DefaultModel,
		Location:          loc,
	}, log)

	healthHandler := handler.NewHealthHandler(natsClient, cfg.StorageBackend)
	api := &handler.API{
		Conversations: handler.NewConversationHandler(conversationSvc, log),
		Messages:      handler.NewMessageHandler(messageSvc, handler.DefaultHeartbeat, log),
		Stream:        handler.NewStreamHandler(conversationSvc, notifier, handler.DefaultHeartbeat, log),
		Documents:     handler.NewDocumentHandler(service.NewDocumentService(st, log), log),
		Events:        handler.NewEventHandler(service.NewEventService(st, log), log),
	}

	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(log))
	r.Use(middleware.SecurityHeaders)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS(cfg.CORSOrigins))

	// Health endpoints (no auth required)
	r.Get("/health", healthHandler.Health)
	r.Get("/ready", healthHandler.Ready)

	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWTSecret))
		r.Use(middleware.RateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow))
		api.Mount(r)
	})

	logDevToken(cfg, log)

	// SSE responses outlive the write timeout, so it only bounds headers.
	server := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           r,
		ReadTimeout:       cfg.ServerReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		log.Info("server listening", zap.String("port", cfg.ServerPort))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("server error", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}
	// Let background generations record their outcome before storage closes.
	if err := messageSvc.Wait(shutdownCtx); err != nil {
		log.Warn("generations still running at shutdown", zap.Strings("conversations", manager.Running()))
	}

	log.Info("server stopped")
}

// logDevToken issues a token for local testing. It is only logged at debug
// level so it never lands in regular logs.
func logDevToken(cfg *config.Config, log *logger.Logger) {
	if cfg.Env != "development" || !log.Core().Enabled(zap.DebugLevel) {
		return
	}
	token, err := middleware.IssueToken(cfg.JWTSecret, devUserID, cfg.JWTExpiration)
	if err != nil {
		log.Warn("failed to issue development token", zap.Error(err))
		return
	}
	log.Debug("development token issued", zap.String("user_id", devUserID), zap.String("token", token))
}

func newLogger(cfg *config.Config) (*logger.Logger, error) {
	if cfg.Env == "development" {
		return logger.NewDevelopment()
	}
	return logger.New(cfg.LogLevel)
}

// openStore builds the configured backend. With NATS, messages live in
// JetStream and the rest in the configured store.
func openStore(cfg *config.Config, log *logger.Logger, streams *natsclient.StreamManager) (store.Store, error) {
	var base store.Store
	switch cfg.StorageBackend {
	case config.StorageSQLite:
		s, err := store.NewSQLiteStore(cfg.SQLitePath, log)
		if err != nil {
			return nil, err
		}
		base = s
	default:
		base = store.NewMemoryStore()
	}

	if cfg.StorageBackend == config.StorageNATS && streams != nil {
		return store.WithMessages(base, streams), nil
	}
	return base, nil
}

func newLLMClient(cfg *config.Config, log *logger.Logger) llm.Client {
	provider := llm.Provider(cfg.DefaultLLM)
	key := cfg.AnthropicAPIKey
	if provider == llm.ProviderOpenAI {
		key = cfg.OpenAIAPIKey
	}
	if key == "" {
		log.Warn("no API key for LLM provider, free-form messages will fail", zap.String("provider", cfg.DefaultLLM))
		return llm.Unavailable{Reason: "no API key configured for " + cfg.DefaultLLM}
	}

	client, err := llm.NewClient(provider, key)
	if err != nil {
		log.Warn("failed to create LLM client", zap.String("provider", cfg.DefaultLLM), zap.Error(err))
		return llm.Unavailable{Reason: err.Error()}
	}
	return client
}

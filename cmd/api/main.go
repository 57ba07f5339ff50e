// Package main is the entry point for the answer gateway API server.
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
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/docuquery/answer-gateway/internal/config"
	"github.com/docuquery/answer-gateway/internal/handler"
	"github.com/docuquery/answer-gateway/internal/middleware"
	natsclient "github.com/docuquery/answer-gateway/internal/nats"
	"github.com/docuquery/answer-gateway/internal/service"
	"github.com/docuquery/answer-gateway/internal/source"
	"github.com/docuquery/answer-gateway/internal/store"
	"github.com/docuquery/answer-gateway/pkg/logger"
	"github.com/docuquery/answer-gateway/pkg/tracing"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize logger
	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetGlobal(log)

	log.Info("starting answer gateway")

	// Initialize tracing if enabled
	ctx := context.Background()
	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, "answer-gateway", cfg.TracingEndpoint)
		if err != nil {
			log.Warn("failed to initialize tracing", zap.Error(err))
		} else {
			defer tracing.Shutdown(ctx, tp)
		}
	}

	// Connect to NATS for lifecycle notifications
	var notifier service.Notifier = service.NopNotifier{}
	natsConn, err := natsclient.Connect(ctx, natsclient.Config{
		URL:      cfg.NATSURL,
		CAFile:   cfg.NATSCAFile,
		CertFile: cfg.NATSCertFile,
		KeyFile:  cfg.NATSKeyFile,
		Token:    cfg.NATSToken,
	}, log)
	if err != nil {
		log.Warn("NATS unavailable, lifecycle notifications disabled", zap.Error(err))
	} else {
		defer natsConn.Close()

		n := natsclient.NewNotifier(natsConn)
		if err := n.EnsureStream(ctx); err != nil {
			log.Error("failed to ensure answers stream", zap.Error(err))
			os.Exit(1)
		}
		notifier = n
	}

	// Initialize the event source for answer streams
	streamSource, err := newStreamSource(cfg, log)
	if err != nil {
		log.Error("failed to create stream source", zap.Error(err))
		os.Exit(1)
	}
	log.Info("stream source initialized", zap.String("provider", streamSource.Name()))

	// Initialize store and services
	messageStore := store.New()
	conversationSvc := service.NewConversationService(log)
	submitSvc := service.NewSubmitService(messageStore, streamSource, notifier, log)

	// Initialize handlers
	healthHandler := handler.NewHealthHandler(natsConn)
	conversationHandler := handler.NewConversationHandler(conversationSvc, submitSvc, messageStore, log)
	messageHandler := handler.NewMessageHandler(submitSvc, conversationSvc, messageStore, cfg.DefaultMode, log)
	streamHandler := handler.NewStreamHandler(conversationSvc, messageStore, log)

	// Create router
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(log))
	r.Use(middleware.SecurityHeaders)
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Requested-With"},
		ExposedHeaders:   []string{"Link", "X-Correlation-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health endpoints (no auth required)
	r.Get("/health", healthHandler.Health)
	r.Get("/ready", healthHandler.Ready)

	// Metrics endpoint
	r.Handle("/metrics", promhttp.Handler())

	// API routes with authentication
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWTSecret))
		r.Use(middleware.RateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow))

		r.Route("/conversations", func(r chi.Router) {
			r.Post("/", conversationHandler.Create)
			r.Get("/", conversationHandler.List)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", conversationHandler.Get)
				r.Put("/", conversationHandler.Update)
				r.Delete("/", conversationHandler.Delete)

				// Messages
				r.Get("/messages", messageHandler.List)
				r.Post("/messages", messageHandler.Send)
				r.Post("/messages/{messageID}/regenerate", messageHandler.Regenerate)
				r.Post("/cancel", messageHandler.Cancel)

				// Streaming
				r.Get("/stream", streamHandler.Stream)
			})
		})
	})

	// Create HTTP server
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      r,
		ReadTimeout:  cfg.ServerReadTimeout,
		WriteTimeout: cfg.ServerWriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Info("server listening", zap.String("port", cfg.ServerPort))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", zap.Error(err))
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down server")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}

	log.Info("server stopped")
}

// newStreamSource selects the answer stream provider. The document agent is
// the default; direct-LLM providers answer without retrieval.
func newStreamSource(cfg *config.Config, log *logger.Logger) (source.Client, error) {
	switch source.Provider(cfg.StreamProvider) {
	case source.ProviderAnthropic:
		return source.NewAnthropicClient(cfg.AnthropicAPIKey, cfg.AnthropicModel)
	case source.ProviderOpenAI:
		return source.NewOpenAIClient(cfg.OpenAIAPIKey, cfg.OpenAIModel)
	default:
		return source.NewAgentClient(cfg.AgentURL, cfg.AgentTimeout, log)
	}
}

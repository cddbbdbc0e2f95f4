package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/mwhitfield/payment-webhooks/internal/clients"
	"github.com/mwhitfield/payment-webhooks/internal/config"
	"github.com/mwhitfield/payment-webhooks/internal/database"
	"github.com/mwhitfield/payment-webhooks/internal/handlers"
	"github.com/mwhitfield/payment-webhooks/internal/repository"
	"github.com/mwhitfield/payment-webhooks/internal/service"
	"github.com/mwhitfield/payment-webhooks/internal/webhook"
	"github.com/mwhitfield/payment-webhooks/pkg/kafka"
	"github.com/mwhitfield/payment-webhooks/pkg/logger"
	"github.com/mwhitfield/payment-webhooks/pkg/ratelimit"
)

// Server owns the HTTP surface and the wiring between the ingress gate,
// dispatcher, stores and recovery service.
type Server struct {
	config          *config.Config
	logger          logger.Logger
	router          *mux.Router
	httpServer      *http.Server
	db              *database.Database
	eventRepo       *repository.ProcessedEventRepository
	dlqRepo         *repository.DeadLetterRepository
	auditRepo       *repository.AuditRepository
	dispatcher      *webhook.Dispatcher
	recoveryService *service.RecoveryService
	kafkaProducer   *kafka.Producer
	ipLimiter       *ratelimit.IPRateLimiter
}

// NewServer creates a new API server with the given configuration and logger.
func NewServer(cfg *config.Config, logger logger.Logger) (*Server, error) {
	r := mux.NewRouter()
	db, err := database.New(cfg, logger)

	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := db.RunMigrations(); err != nil {
		return nil, fmt.Errorf("failed to run database migrations: %w", err)
	}

	// Repositories
	eventRepo := repository.NewProcessedEventRepository(db, logger)
	dlqRepo := repository.NewDeadLetterRepository(db, logger)
	auditRepo := repository.NewAuditRepository(db, logger)

	// Kafka producer for the business handlers
	kafkaProducer, err := kafka.NewProducer(cfg.Kafka.Brokers, logger)

	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka producer: %w", err)
	}

	// Event handlers: the opaque business effects behind the dispatcher
	registry := webhook.NewRegistry()
	registry.Register("checkout.completed", handlers.NewCheckoutCompletedHandler(kafkaProducer, cfg.Kafka.PaymentsTopic, logger))
	registry.Register("checkout.expired", handlers.NewLoggingHandler(logger))

	dispatcher := webhook.NewDispatcher(eventRepo, dlqRepo, registry, cfg.Webhook.HandlerTimeout, logger)

	// Recovery service replays through the service's own ingest endpoint
	replayClient := clients.NewReplayClient(cfg.Webhook.SelfURL, cfg.Webhook.ReplaySecret, logger)
	recoveryService := service.NewRecoveryService(dlqRepo, auditRepo, replayClient, logger)

	server := &Server{
		config: cfg,
		logger: logger,
		router: r,
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      r,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		db:              db,
		eventRepo:       eventRepo,
		dlqRepo:         dlqRepo,
		auditRepo:       auditRepo,
		dispatcher:      dispatcher,
		recoveryService: recoveryService,
		kafkaProducer:   kafkaProducer,
		ipLimiter:       ratelimit.NewIPRateLimiter(50, 25),
	}

	server.setupRoutes()

	return server, nil
}

// Start starts the HTTP server
func (s *Server) Start() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.ipLimiter.Stop()

	if s.kafkaProducer != nil {
		if err := s.kafkaProducer.Close(); err != nil {
			s.logger.Error("Error closing Kafka producer", "error", err)
		}
	}

	if err := s.db.Close(); err != nil {
		s.logger.Error("Error closing database connection", "error", err)
	}

	return s.httpServer.Shutdown(ctx)
}

// setupRoutes configures all the routes for our API
func (s *Server) setupRoutes() {
	s.router.Use(s.loggingMiddleware)

	api := s.router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/health", s.healthCheckHandler).Methods(http.MethodGet)

	// Public webhook ingress, rate limited per caller IP
	webhooks := api.PathPrefix("/webhooks").Subrouter()
	webhooks.Use(s.rateLimitMiddleware)
	webhooks.HandleFunc("/payments", s.paymentWebhookHandler).Methods(http.MethodPost)

	// Operator recovery surface
	admin := api.PathPrefix("/admin").Subrouter()
	admin.Use(s.operatorAuthMiddleware)
	admin.HandleFunc("/dead-letters", s.getDeadLettersHandler).Methods(http.MethodGet)
	admin.HandleFunc("/dead-letters/actions", s.deadLetterActionHandler).Methods(http.MethodPost)
	admin.HandleFunc("/audit-log", s.getAuditLogHandler).Methods(http.MethodGet)
}

// loggingMiddleware logs every request after it is served
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		next.ServeHTTP(w, r)

		s.logger.Info("Request processed",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
			"remoteAddr", r.RemoteAddr,
		)
	})
}

// rateLimitMiddleware rejects callers that exhausted their token bucket
func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)

		if !s.ipLimiter.Allow(ip) {
			s.logger.Warn("Rate limit exceeded", "ip", ip, "path", r.URL.Path)
			w.Header().Set("Retry-After", "10")
			s.respondWithError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// clientIP strips the port from the remote address. Addresses without a
// port (IPv4 or IPv6) are used as-is.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

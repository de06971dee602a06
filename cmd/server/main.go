package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/reflection"

	"github.com/pesio-ai/be-report-reviews/internal/client"
	"github.com/pesio-ai/be-report-reviews/internal/common/config"
	"github.com/pesio-ai/be-report-reviews/internal/common/database"
	"github.com/pesio-ai/be-report-reviews/internal/common/logger"
	"github.com/pesio-ai/be-report-reviews/internal/common/middleware"
	"github.com/pesio-ai/be-report-reviews/internal/handler"
	"github.com/pesio-ai/be-report-reviews/internal/metrics"
	"github.com/pesio-ai/be-report-reviews/internal/repository"
	"github.com/pesio-ai/be-report-reviews/internal/service"
)

func main() {
	// .env is optional; real deployments set the environment directly
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(logger.Config{
		Level:       os.Getenv("LOG_LEVEL"),
		Environment: cfg.Service.Environment,
		ServiceName: cfg.Service.Name,
		Version:     cfg.Service.Version,
	})

	log.Info().
		Str("service", cfg.Service.Name).
		Str("version", cfg.Service.Version).
		Str("environment", cfg.Service.Environment).
		Str("resubmit_policy", cfg.Review.ResubmitPolicy).
		Msg("Starting Report Review Service")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	policy, err := config.LoadPolicyFile(cfg.Review.PolicyFile)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.Review.PolicyFile).Msg("Failed to load review policy file")
	}
	log.Info().
		Int("templates", len(policy.Templates)).
		Int("users", len(policy.Users)).
		Msg("Review policy loaded")

	store, ping, closeStore := openStore(ctx, cfg, log)
	defer closeStore()
	directory := client.NewDirectory(policy.Users)

	var publisher client.Publisher
	if cfg.NATS.URL != "" {
		nc, err := client.Connect(cfg.NATS.URL, cfg.Service.Name)
		if err != nil {
			log.Warn().Err(err).Str("url", cfg.NATS.URL).Msg("NATS unavailable, notifications disabled")
		} else {
			defer nc.Drain()
			publisher = nc
			log.Info().Str("url", cfg.NATS.URL).Msg("NATS connection established")
		}
	}
	notifier := client.NewNotificationPublisher(publisher, cfg.NATS.SubjectPrefix, log.Logger)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	reviewService, err := service.NewReviewService(store, directory, directory, notifier, m, log, service.Options{
		Templates:       service.TemplatesFromConfig(policy),
		ResubmitPolicy:  cfg.Review.ResubmitPolicy,
		RejectionsFinal: cfg.Review.RejectionsFinal,
		BulkConcurrency: cfg.Review.BulkConcurrency,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create review service")
	}

	router := mux.NewRouter()
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		pingCtx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		w.Header().Set("Content-Type", "application/json")
		if err := ping(pingCtx); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"status":"unhealthy"}`))
			return
		}
		_, _ = w.Write([]byte(`{"status":"healthy"}`))
	}).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	handler.NewHTTPHandler(reviewService, directory, log).RegisterRoutes(router)

	h := middleware.Chain(router, &log.Logger, 30*time.Second)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      h,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info().Int("port", cfg.Server.Port).Msg("Starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("HTTP server failed")
		}
	}()

	grpcServer := grpc.NewServer(grpc.ChainUnaryInterceptor(
		handler.RecoveryInterceptor(log.Logger),
		handler.IdentityInterceptor,
		handler.LoggingInterceptor(log.Logger),
	))
	handler.NewGRPCHandler(reviewService, directory, log.Logger).Register(grpcServer)
	reflection.Register(grpcServer)

	grpcListener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.GRPCPort))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create gRPC listener")
	}

	go func() {
		log.Info().Int("port", cfg.Server.GRPCPort).Msg("Starting gRPC server")
		if err := grpcServer.Serve(grpcListener); err != nil {
			log.Error().Err(err).Msg("gRPC server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	grpcServer.GracefulStop()

	log.Info().Msg("Server stopped")
}

// openStore builds the configured store along with its health check and
// close function.
func openStore(ctx context.Context, cfg *config.Config, log *logger.Logger) (repository.Store, func(context.Context) error, func()) {
	if cfg.Database.Backend == config.StoreBackendMemory {
		log.Warn().Msg("Using in-memory store, review state is lost on restart")
		return repository.NewMemoryStore(), func(context.Context) error { return nil }, func() {}
	}

	db, err := database.New(ctx, database.Config{
		DSN:         cfg.Database.DSN(),
		MaxConns:    cfg.Database.MaxConns,
		MinConns:    cfg.Database.MinConns,
		MaxConnTime: cfg.Database.MaxConnTime,
		MaxIdleTime: cfg.Database.MaxIdleTime,
		HealthCheck: cfg.Database.HealthCheck,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	log.Info().Msg("Database connection established")
	return repository.NewPostgresStore(db), db.Ping, db.Close
}

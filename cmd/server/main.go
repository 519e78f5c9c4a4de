package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/yourorg/rentledger/internal/events"
	"github.com/yourorg/rentledger/internal/gateway/mpesa"
	"github.com/yourorg/rentledger/internal/handler"
	"github.com/yourorg/rentledger/internal/infrastructure/logger"
	"github.com/yourorg/rentledger/internal/infrastructure/redis"
	"github.com/yourorg/rentledger/internal/observability/metrics"
	"github.com/yourorg/rentledger/internal/observability/tracing"
	"github.com/yourorg/rentledger/internal/repository"
	"github.com/yourorg/rentledger/internal/security/auth"
	"github.com/yourorg/rentledger/internal/security/middleware"
	"github.com/yourorg/rentledger/internal/security/ratelimit"
	"github.com/yourorg/rentledger/internal/service"
	"github.com/yourorg/rentledger/internal/worker"
	"github.com/yourorg/rentledger/pkg/config"
	"github.com/yourorg/rentledger/pkg/database"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize structured logger
	log := logger.NewLogger(cfg.LogLevel)
	log.Info("starting rentledger server", slog.String("environment", cfg.Environment))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 3. Initialize tracing
	shutdownTracing, err := tracing.Init(ctx, log, "rentledger", cfg.Environment)
	if err != nil {
		log.Error("failed to initialize tracing", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 4. Connect to PostgreSQL and apply the schema
	pool, err := database.NewConnectionPool(ctx, &database.Config{
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		Database: cfg.Database.Name,
		SSLMode:  cfg.Database.SSLMode,
	}, log)
	if err != nil {
		log.Error("failed to connect to database", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer pool.Close()

	if err := pool.Migrate(ctx); err != nil {
		log.Error("failed to apply schema", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 5. Connect to Redis
	redisClient, err := redis.NewClient(cfg.RedisURL)
	if err != nil {
		log.Error("failed to connect to Redis", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer redisClient.Close()

	// 6. Initialize repositories
	unitRepo := repository.NewPostgresUnitRepository(pool.GetDB(), log)
	leaseRepo := repository.NewPostgresLeaseRepository(pool.GetDB(), log)
	paymentRepo := repository.NewPostgresPaymentRepository(pool.GetDB(), log)

	// 7. Initialize gateway client, event publisher and services
	gatewayClient := mpesa.NewClient(cfg.Mpesa, log)
	publisher := events.NewPublisher(redisClient, log)

	leaseService := service.NewLeaseService(unitRepo, leaseRepo, log)
	paymentService := service.NewPaymentService(paymentRepo, leaseRepo, gatewayClient, publisher, cfg.Mpesa.WebhookSecret, log)

	// 8. Initialize security components
	tokenManager := auth.NewTokenManager(cfg.JWTSecret, "rentledger")
	rateLimiter := ratelimit.NewLimiter(10, time.Minute) // 10 payment initiations per minute per principal

	// 9. Initialize handlers and routes
	healthHandler := handler.NewHealthHandler(pool, redisClient, log)
	allowedOrigins := []string{"http://localhost:5173", "http://localhost:3000"}

	mux := http.NewServeMux()
	mux.Handle("POST /api/leases", handler.NewCreateLeaseHandler(leaseService, log))
	mux.Handle("GET /api/leases/{id}", handler.NewGetLeaseHandler(leaseService, log))
	mux.Handle("POST /api/leases/{id}/terminate", handler.NewTerminateLeaseHandler(leaseService, log))
	mux.Handle("POST /api/payments", handler.NewInitiatePaymentHandler(paymentService, log))
	mux.Handle("GET /api/payments/{id}", handler.NewPaymentStatusHandler(paymentService, log))
	mux.Handle("POST /api/payments/callback", handler.NewCallbackHandler(paymentService, log))
	mux.Handle("GET /ws/payments/{id}", handler.NewPaymentStreamHandler(paymentService, redisClient, log, allowedOrigins))
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("GET /healthz", healthHandler.Health)
	mux.HandleFunc("GET /readyz", healthHandler.Ready)

	// Chain middleware: request ID -> principal -> rate limit -> tracing
	rootHandler := withRequestID(
		middleware.PrincipalMiddleware(tokenManager, log)(
			middleware.RateLimitMiddleware(rateLimiter, log)(
				otelhttp.NewHandler(mux, "rentledger"),
			),
		),
		log,
	)

	// 10. Start the lease expiry worker
	expiryWorker := worker.NewExpiryWorker(
		leaseService,
		redisClient,
		log,
		time.Duration(cfg.SweepIntervalMinutes)*time.Minute,
	)
	go expiryWorker.Start(ctx)

	// 11. Start HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.ServerPort),
		Handler:      rootHandler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	log.Info("server starting", slog.Int("port", cfg.ServerPort))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", slog.String("error", err.Error()))
		}
	}()

	<-sigChan
	log.Info("shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown error", slog.String("error", err.Error()))
	}

	cancel() // Stop expiry worker
	rateLimiter.Stop()
	if err := shutdownTracing(shutdownCtx); err != nil {
		log.Error("tracing shutdown error", slog.String("error", err.Error()))
	}
	log.Info("server stopped")
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

// Hijack keeps WebSocket upgrades working behind the recorder.
func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := sr.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	return hj.Hijack()
}

// withRequestID attaches a request ID to the context and response headers for traceability
func withRequestID(next http.Handler, log *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := generateRequestID()
		w.Header().Set("X-Request-ID", reqID)

		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		start := time.Now()

		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r.WithContext(ctx))

		metrics.ObserveHTTPRequest(r.Method, r.URL.Path, strconv.Itoa(recorder.status), time.Since(start))
		log.Info("request completed",
			slog.String("request_id", reqID),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", recorder.status),
			slog.Duration("duration_ms", time.Since(start)),
		)
	})
}

func generateRequestID() string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err == nil {
		return hex.EncodeToString(buf)
	}
	return fmt.Sprintf("req-%d", time.Now().UnixNano())
}

package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/yourorg/memberstore/internal/codec"
	"github.com/yourorg/memberstore/internal/featureflags"
	"github.com/yourorg/memberstore/internal/infrastructure/logger"
	"github.com/yourorg/memberstore/internal/infrastructure/redis"
	"github.com/yourorg/memberstore/internal/observability/metrics"
	"github.com/yourorg/memberstore/internal/observability/tracing"
	"github.com/yourorg/memberstore/internal/scope"
	"github.com/yourorg/memberstore/internal/security/audit"
	"github.com/yourorg/memberstore/internal/store"
	"github.com/yourorg/memberstore/pkg/config"
	"github.com/yourorg/memberstore/pkg/database"
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
	log.Info("starting memberstore server",
		slog.String("environment", cfg.Environment),
		slog.String("application", cfg.ApplicationName),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 3. Initialize tracing (no-op unless an OTLP endpoint is configured)
	shutdownTracing, err := tracing.Init(ctx, log, "memberstore", cfg.Environment)
	if err != nil {
		log.Error("failed to initialize tracing", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer shutdownTracing(context.Background())

	// 4. Connect to PostgreSQL
	pool, err := database.NewConnectionPool(ctx, &cfg.Database, log)
	if err != nil {
		log.Error("failed to connect to database", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer pool.Close()

	// 5. Optional shared scope cache via Redis
	var redisClient *redis.Client
	var shared scope.SharedVersion
	if cfg.RedisURL != "" && featureflags.Enabled(featureflags.SharedScopeCache) {
		redisClient, err = redis.NewClient(cfg.RedisURL)
		if err != nil {
			log.Error("failed to connect to Redis", slog.String("error", err.Error()))
			os.Exit(1)
		}
		defer redisClient.Close()
		shared = scope.NewRedisVersion(redisClient.Unwrap(), "")
		log.Info("shared scope cache enabled")
	}

	// 6. Assemble the stores
	cdc, err := buildCodec(&cfg.Policy)
	if err != nil {
		log.Error("failed to build credential codec", slog.String("error", err.Error()))
		os.Exit(1)
	}
	tenantRepo := store.NewPostgresTenantRepository(pool.GetDB(), log)
	resolver := scope.NewResolver(tenantRepo, shared, time.Hour, log)
	auditLogger := audit.NewLogger(log)

	credentials, err := store.NewCredentialStore(pool.GetDB(), cfg, cdc, resolver, auditLogger, log)
	if err != nil {
		log.Error("invalid membership policy", slog.String("error", err.Error()))
		os.Exit(1)
	}
	roles := store.NewRoleStore(pool.GetDB(), cfg, resolver, auditLogger, log)

	// Resolve the application scope once up front so a misconfigured tenant
	// name fails at startup, not on the first request.
	if _, err := resolver.Resolve(ctx, cfg.ApplicationName); err != nil {
		log.Error("failed to resolve application scope", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 7. Operational HTTP surface: health, readiness, metrics, status
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := pool.Health(ctx); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("database not ready"))
			return
		}
		if redisClient != nil {
			if err := redisClient.Ping(ctx); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				w.Write([]byte("redis not ready"))
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ready"))
	})
	mux.HandleFunc("GET /statusz", func(w http.ResponseWriter, r *http.Request) {
		online, err := credentials.GetNumberOfUsersOnline(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		allRoles, err := roles.GetAllRoles(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"application":  cfg.ApplicationName,
			"users_online": online,
			"roles":        len(allRoles),
		})
	})

	rootHandler := withRequestID(metrics.HTTPMetricsMiddleware(mux), log)

	// 8. Start HTTP server
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
	log.Info("server stopped")
}

// buildCodec assembles the credential codec from policy: the SHA3 hasher
// always, plus the AES-GCM cipher when key material is configured.
func buildCodec(policy *config.Policy) (*codec.Codec, error) {
	var cipher codec.Cipher
	if len(policy.EncryptionKey) > 0 {
		c, err := codec.NewAESGCMCipher(policy.EncryptionKey)
		if err != nil {
			return nil, err
		}
		cipher = c
	}
	return codec.New(codec.SHA3Hasher{}, cipher)
}

// withRequestID attaches a request ID to the context and response headers for traceability
func withRequestID(next http.Handler, log *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := generateRequestID()
		w.Header().Set("X-Request-ID", reqID)

		ctx := audit.WithRequestID(r.Context(), reqID)
		start := time.Now()

		next.ServeHTTP(w, r.WithContext(ctx))

		log.Info("request completed",
			slog.String("request_id", reqID),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
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

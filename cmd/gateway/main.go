package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"enigmacode/pkg/audit"
	"enigmacode/pkg/eventbus"
	"enigmacode/pkg/hardening"
	"enigmacode/pkg/httpx"
	"enigmacode/pkg/metrics"
	"enigmacode/pkg/notify"
	"enigmacode/pkg/ratelimit"
	"enigmacode/pkg/store"
	"enigmacode/pkg/stream"
	"enigmacode/pkg/telemetry"
	"enigmacode/pkg/validate"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"
)

// Server holds the gateway's collaborators. Everything is injectable so
// handler tests run against the in-memory store with no network.
type Server struct {
	Store     store.Store
	Audit     *audit.Writer
	Validator *validate.Service
	Metrics   *metrics.Registry
	Events    *stream.Hub
	Notify    *notify.Notifier
	Cache     store.Cache

	RateLimiter        ratelimit.Limiter
	RateLimitEnabled   bool
	RateLimitPerMinute int

	NonceTTL            time.Duration
	AdminToken          string
	MaxRequestBodyBytes int64
}

type gatewayDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type gatewayDBCloser interface {
	gatewayDB
	Close()
}

type gatewayInitTelemetryFunc func(ctx context.Context, service string) (func(context.Context) error, error)
type gatewayOpenDBFunc func(ctx context.Context) (gatewayDBCloser, error)
type gatewayOpenRedisFunc func(ctx context.Context) (*redis.Client, error)
type gatewayListenFunc func(server *http.Server) error

// Testable variables for main()
var (
	logFatalf      = log.Fatalf
	initTelemetryG = telemetry.Init
	openDBFnG      = func(ctx context.Context) (gatewayDBCloser, error) { return store.NewPostgresPool(ctx) }
	openRedisFnG   = store.NewRedis
	listenFnG      = func(server *http.Server) error { return server.ListenAndServe() }
)

func main() {
	if err := runGateway(initTelemetryG, openDBFnG, openRedisFnG, listenFnG); err != nil {
		logFatalf("gateway: %v", err)
	}
}

func runGateway(
	initTelemetry gatewayInitTelemetryFunc,
	openDB gatewayOpenDBFunc,
	openRedis gatewayOpenRedisFunc,
	listen gatewayListenFunc,
) error {
	ctx := context.Background()

	if err := hardening.ValidateProduction(hardening.Options{
		Service:               "gateway",
		Environment:           env("APP_ENV", ""),
		StrictProdSecurity:    env("STRICT_PROD_SECURITY", ""),
		DatabaseRequireTLS:    env("DATABASE_REQUIRE_TLS", ""),
		RedisAddr:             env("REDIS_ADDR", ""),
		RedisRequireTLS:       env("REDIS_REQUIRE_TLS", ""),
		RedisTLSInsecure:      env("REDIS_TLS_INSECURE", ""),
		RedisAllowInsecureTLS: env("REDIS_ALLOW_INSECURE_TLS", ""),
		CORSAllowedOrigins:    env("CORS_ALLOWED_ORIGINS", ""),
		WSAllowedOrigins:      env("WS_ALLOWED_ORIGINS", ""),
		AdminToken:            env("ADMIN_TOKEN", ""),
		RequiredSecrets: []hardening.EnvRequirement{
			{Name: "AUDIT_HASH_SALT", Value: env("AUDIT_HASH_SALT", "")},
		},
	}); err != nil {
		return fmt.Errorf("hardening: %w", err)
	}

	shutdown, err := initTelemetry(ctx, "gateway")
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	pool, err := openDB(ctx)
	if err != nil {
		return fmt.Errorf("db: %w", err)
	}
	defer pool.Close()

	redisClient, err := openRedis(ctx)
	if err != nil {
		log.Printf("redis unavailable, falling back to in-memory cache/limits: %v", err)
		redisClient = nil
	}
	if redisClient != nil {
		defer redisClient.Close()
	}
	cache := store.NewCache(ctx, redisClient)

	rateLimitWindow := time.Second * time.Duration(envInt("RATE_LIMIT_WINDOW_SEC", 60))
	if rateLimitWindow <= 0 {
		rateLimitWindow = time.Minute
	}
	nonceTTL := time.Second * time.Duration(envInt("REPLAY_NONCE_TTL_SEC", 300))
	if nonceTTL <= 0 {
		nonceTTL = 5 * time.Minute
	}
	maxBody := int64(envInt("MAX_REQUEST_BODY_BYTES", 1<<20))
	if maxBody <= 0 {
		maxBody = 1 << 20
	}

	pg := &store.Postgres{DB: pool}
	auditWriter := &audit.Writer{
		DB:       pool,
		HashSalt: []byte(env("AUDIT_HASH_SALT", "")),
		Redact:   strings.EqualFold(env("AUDIT_REDACT", "false"), "true"),
	}
	registry := metrics.NewRegistry()
	hub := stream.NewHub()
	notifier := notify.New(splitCSV(env("WEBHOOK_URLS", "")))
	notifier.Client = telemetry.InstrumentClient(notifier.Client)

	if brokers := splitCSV(env("KAFKA_BROKERS", "")); len(brokers) > 0 {
		pub, err := eventbus.NewKafkaPublisher(eventbus.KafkaConfig{
			Brokers: brokers,
			Topic:   env("KAFKA_EVENTS_TOPIC", "enigma.events"),
		})
		if err != nil {
			return fmt.Errorf("kafka: %w", err)
		}
		defer pub.Close()
		go eventbus.Bridge(ctx, hub, pub, log.Printf)
	}

	s := &Server{
		Store:   pg,
		Audit:   auditWriter,
		Metrics: registry,
		Events:  hub,
		Notify:  notifier,
		Cache:   cache,
		Validator: &validate.Service{
			Store:  pg,
			Audit:  auditWriter,
			Notify: notifier,
			Stats:  registry,
			Events: hub,
		},
		RateLimiter:         ratelimit.NewRedis(redisClient, rateLimitWindow),
		RateLimitEnabled:    env("RATE_LIMIT_ENABLED", "true") == "true",
		RateLimitPerMinute:  envInt("RATE_LIMIT_PER_MINUTE", 120),
		NonceTTL:            nonceTTL,
		AdminToken:          env("ADMIN_TOKEN", ""),
		MaxRequestBodyBytes: maxBody,
	}

	addr := env("ADDR", ":8080")
	log.Printf("gateway listening on %s", addr)
	server := &http.Server{
		Addr:              addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: envDurationSec("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		ReadTimeout:       envDurationSec("HTTP_READ_TIMEOUT_SEC", 15),
		WriteTimeout:      envDurationSec("HTTP_WRITE_TIMEOUT_SEC", 30),
		IdleTimeout:       envDurationSec("HTTP_IDLE_TIMEOUT_SEC", 120),
	}
	if listen == nil {
		return errors.New("listen function required")
	}
	return listen(server)
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(httpx.CORSMiddleware(env("CORS_ALLOWED_ORIGINS", "")))
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(s.metricsMiddleware)
	r.Use(telemetry.HTTPMiddleware("gateway"))
	r.Use(s.limitRequestBodyMiddleware)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "gateway"})
	})

	// Loader-facing protocol endpoints, limited per client address.
	protocol := chi.NewRouter()
	if s.RateLimitEnabled && s.RateLimiter != nil {
		protocol.Use(ratelimit.Middleware(s.RateLimiter, s.RateLimitPerMinute, ratelimit.ByClientAddr))
	}
	protocol.Post("/v1/validate", s.handleValidate)
	protocol.Post("/v1/tamper-report", s.handleTamperReport)
	r.Mount("/", protocol)

	// Operator endpoints.
	admin := chi.NewRouter()
	admin.Use(s.adminOnly)
	admin.Get("/metrics", s.Metrics.Handler())
	admin.Post("/v1/obfuscate", s.handleObfuscate)
	admin.Post("/v1/deployments", s.handleCreateDeployment)
	admin.Post("/v1/deployments/{deployment_id}/loader", s.handleGenerateLoader)
	admin.Get("/v1/deployments/{deployment_id}/audit", s.handleRecentAudit)
	admin.Post("/v1/credentials", s.handleCreateCredential)
	admin.Post("/v1/credentials/{credential_id}/ban", s.handleBanCredential)
	admin.Get("/v1/credentials/{credential_id}/activations", s.handleListActivations)
	admin.Get("/v1/stream", s.streamEvents)
	r.Mount("/admin", admin)

	return r
}

func (s *Server) adminOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.AdminToken != "" {
			got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if got != s.AdminToken {
				httpx.Error(w, http.StatusUnauthorized, "unauthenticated")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (s *statusRecorder) WriteHeader(statusCode int) {
	s.code = statusCode
	s.ResponseWriter.WriteHeader(statusCode)
}

func (srv *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: 200}
		next.ServeHTTP(rec, r)
		srv.Metrics.Observe(r.Method+" "+r.URL.Path, rec.code, time.Since(start))
	})
}

func (s *Server) limitRequestBodyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.MaxRequestBodyBytes > 0 && r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, s.MaxRequestBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

func splitCSV(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func envDurationSec(k string, def int) time.Duration {
	return time.Second * time.Duration(envInt(k, def))
}

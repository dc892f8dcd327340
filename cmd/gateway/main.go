package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"

	"github.com/vnmchuo/llm-broker/config"
	"github.com/vnmchuo/llm-broker/internal/admin"
	"github.com/vnmchuo/llm-broker/internal/auth"
	"github.com/vnmchuo/llm-broker/internal/health"
	"github.com/vnmchuo/llm-broker/internal/httpapi"
	"github.com/vnmchuo/llm-broker/internal/keys"
	"github.com/vnmchuo/llm-broker/internal/logging"
	"github.com/vnmchuo/llm-broker/internal/provider"
	"github.com/vnmchuo/llm-broker/internal/provider/anthropic"
	"github.com/vnmchuo/llm-broker/internal/provider/openai"
	"github.com/vnmchuo/llm-broker/internal/proxy"
	"github.com/vnmchuo/llm-broker/internal/quota"
	"github.com/vnmchuo/llm-broker/internal/seeder"
	"github.com/vnmchuo/llm-broker/internal/store"
	"github.com/vnmchuo/llm-broker/internal/telemetry"
	"github.com/vnmchuo/llm-broker/pkg/ratelimit"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.New("error").Fatal("failed to load config", "error", err)
	}

	log := logging.New(cfg.LogLevel)
	ctx := logging.WithContext(context.Background(), log)

	shutdownTracer, err := telemetry.InitTracer("llm-broker", cfg)
	if err != nil {
		log.Fatal("failed to init tracer", "error", err)
	}
	defer shutdownTracer()

	st, err := store.Open(ctx, cfg.DatabaseURL, cfg.SQLitePath)
	if err != nil {
		log.Fatal("failed to open store", "error", err)
	}
	defer st.Close()

	if err := st.Migrate(ctx); err != nil {
		log.Fatal("failed to run migrations", "error", err)
	}
	if err := st.Ping(ctx); err != nil {
		log.Fatal("persistence unreachable", "error", err)
	}
	log.Info("persistence ready", "backend", backendName(cfg))

	var tokenCache *keys.TokenCache
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatal("redis unreachable", "addr", cfg.RedisAddr, "error", err)
		}
		tokenCache = keys.NewTokenCache(rdb)
		log.Info("redis token cache enabled", "addr", cfg.RedisAddr)
	}

	keySvc := keys.NewService(st, tokenCache)
	engine := quota.NewEngine(st)

	httpClient := provider.NewHTTPClient()
	var providers []provider.Provider
	if cfg.OpenAIAPIKey != "" {
		providers = append(providers, openai.New(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, httpClient))
	}
	if cfg.AnthropicAPIKey != "" {
		providers = append(providers, anthropic.New(cfg.AnthropicAPIKey, cfg.AnthropicBaseURL, httpClient))
	}
	if len(providers) == 0 {
		log.Warn("no upstream provider credentials configured; completions will fail")
	}

	router := proxy.NewRouter(providers, int64(cfg.UpstreamRPS))
	handler := proxy.NewHandler(router, engine, cfg.LogPrompts)
	adminHandler := admin.NewHandler(st, keySvc, cfg.AdminToken, admin.Defaults{
		DailyRequests:   cfg.DefaultDailyRequests,
		DailyTokens:     cfg.DefaultDailyTokens,
		MonthlySpendCap: cfg.DefaultMonthlySpendCap,
		MaxConcurrent:   cfg.DefaultMaxConcurrent,
	})
	healthHandler := health.NewHandler(st, cfg.HasProvider())

	if cfg.RunSeed {
		if err := seeder.Seed(ctx, st, keySvc, seeder.Defaults{
			DailyRequests: cfg.DefaultDailyRequests,
			DailyTokens:   cfg.DefaultDailyTokens,
			MaxConcurrent: cfg.DefaultMaxConcurrent,
		}); err != nil {
			log.Fatal("seeding failed", "error", err)
		}
	}

	admission := ratelimit.NewLimiter(int64(cfg.RateLimitMax), cfg.RateLimitWindow)

	r := chi.NewRouter()
	r.Use(withLogger(log))
	r.Use(auth.RequestID)
	r.Use(auth.Recoverer)

	r.Get("/health", healthHandler.HandleLive)
	r.Get("/health/ready", healthHandler.HandleReady)

	r.Route("/v1/llm", func(r chi.Router) {
		r.Use(admissionMiddleware(admission))
		r.Use(auth.NewMiddleware(keySvc, st))
		r.Post("/complete", handler.HandleComplete)
		r.Get("/models", handler.HandleModels)
		r.Get("/quota", handler.HandleQuota)
	})

	r.Mount("/admin", adminHandler.Routes())

	srv := &http.Server{
		Addr:         net.JoinHostPort(cfg.Host, cfg.Port),
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 3 * time.Minute,
		IdleTimeout:  2 * time.Minute,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Info("gateway listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("server error", "error", err)
		}
	}()

	<-quit
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("forced shutdown", "error", err)
		os.Exit(1)
	}
	log.Info("server stopped")
}

// withLogger binds the root logger to every request context so handlers can
// pull it back out with logging.FromContext.
func withLogger(log *logging.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(logging.WithContext(r.Context(), log)))
		})
	}
}

// admissionMiddleware applies the global per-identity rate limit ahead of
// authentication so rejected requests never touch persistence.
func admissionMiddleware(l *ratelimit.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity := ratelimit.Identity(r, keys.TokenPrefix, keys.PrefixLen)
			ok, err := l.Allow(r.Context(), identity)
			if err != nil {
				logging.FromContext(r.Context()).Error("admission limiter failed", "error", err)
				httpapi.Error(w, http.StatusInternalServerError, httpapi.KindInternalError, "internal error")
				return
			}
			if !ok {
				httpapi.Error(w, http.StatusTooManyRequests, httpapi.KindRateLimitExceeded, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func backendName(cfg *config.Config) string {
	if cfg.DatabaseURL != "" {
		return "postgres"
	}
	return "sqlite"
}

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/gonkalabs/piiguard-proxy/internal/api"
	"github.com/gonkalabs/piiguard-proxy/internal/config"
	"github.com/gonkalabs/piiguard-proxy/internal/metrics"
	"github.com/gonkalabs/piiguard-proxy/internal/ratelimit"
	"github.com/gonkalabs/piiguard-proxy/internal/sanitize"
	"github.com/gonkalabs/piiguard-proxy/internal/sanitize/llmclassifier"
	"github.com/gonkalabs/piiguard-proxy/internal/sanitize/ner"
	"github.com/gonkalabs/piiguard-proxy/internal/sanitize/regex"
	"github.com/gonkalabs/piiguard-proxy/internal/session"
	"github.com/gonkalabs/piiguard-proxy/internal/upstream"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel})))

	m := metrics.New()

	san, err := buildSanitizer(cfg, m)
	if err != nil {
		slog.Error("sanitize setup error", "err", err)
		os.Exit(1)
	}
	slog.Info("sanitize: ready", "strategy", san.Strategy(), "entities", san.Policy().Entities())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	store, err := openSessionStore(ctx, cfg)
	cancel()
	if err != nil {
		slog.Error("session store error", "backend", cfg.SessionBackend, "err", err)
		os.Exit(1)
	}
	defer store.Close()

	var limiter *ratelimit.Limiter
	if cfg.RateLimitEnabled {
		limiter, err = buildLimiter(cfg)
		if err != nil {
			slog.Error("rate limiter error", "err", err)
			os.Exit(1)
		}
		lc := limiter.Config()
		slog.Info("ratelimit: enabled",
			"backend", cfg.RateLimitBackend,
			"per_minute", lc.PerMinute,
			"per_hour", lc.PerHour,
			"burst", lc.Burst,
			"global_per_second", lc.GlobalPerSecond,
			"fail_open", lc.FailOpen,
		)
	}

	stopCleanup := startSessionCleanup(store, 5*time.Minute)
	defer stopCleanup()

	client := upstream.New(cfg.UpstreamURL, cfg.UpstreamAPIKey)
	handler := api.New(client, san, session.WithTimeout(store, cfg.StoreTimeout), limiter, m, api.Options{
		SessionTTL:      cfg.SessionTTL,
		SessionFailOpen: cfg.SessionFailOpen,
		AdminToken:      cfg.AdminToken,
		DeltaPaths:      cfg.StreamDeltaPaths,
	})

	mux := http.NewServeMux()
	handler.Register(mux)

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 300 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		slog.Info("shutting down", "signal", sig)

		shutCtx, shutCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutCancel()

		if err := srv.Shutdown(shutCtx); err != nil {
			slog.Error("shutdown error", "err", err)
		}
	}()

	slog.Info("starting proxy server",
		"addr", cfg.ListenAddr,
		"upstream", cfg.UpstreamURL,
		"sessions", cfg.SessionBackend,
		"ratelimit", cfg.RateLimitEnabled,
	)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("server error", "err", err)
		os.Exit(1)
	}
}

func buildSanitizer(cfg *config.Cfg, m *metrics.Metrics) (*sanitize.Sanitizer, error) {
	policy := sanitize.DefaultPolicy()
	if cfg.PolicyFile != "" {
		p, err := sanitize.LoadPolicy(cfg.PolicyFile)
		if err != nil {
			return nil, err
		}
		policy = p
		slog.Info("sanitize: policy loaded", "file", cfg.PolicyFile, "entities", len(policy.Entities()))
	}

	var detectors []sanitize.Detector
	if cfg.SanitizeRegex {
		d, err := regex.New(cfg.SanitizeRegexExtra...)
		if err != nil {
			return nil, err
		}
		detectors = append(detectors, d)
		slog.Info("sanitize: regex layer enabled", "entities", d.Entities())
	}
	if cfg.SanitizeNER {
		detectors = append(detectors, ner.New(cfg.SanitizeNERURL, cfg.DetectorTimeout))
		slog.Info("sanitize: NER layer enabled", "url", cfg.SanitizeNERURL)
	}
	if cfg.SanitizeLLM {
		detectors = append(detectors, llmclassifier.New(
			cfg.SanitizeLLMURL,
			cfg.SanitizeLLMModel,
			cfg.SanitizeLLMConfidence,
			cfg.DetectorTimeout,
		))
		slog.Info("sanitize: LLM layer enabled",
			"url", cfg.SanitizeLLMURL,
			"model", cfg.SanitizeLLMModel,
		)
	}
	if len(detectors) == 0 {
		slog.Warn("sanitize: no detectors enabled, requests pass through unchanged")
	}

	pipeline := sanitize.NewPipeline(detectors,
		sanitize.WithIsolation(cfg.DetectorIsolation),
		sanitize.WithFailureHook(func(name string, _ error) { m.DetectorFailed(name) }),
	)
	return sanitize.New(pipeline, policy, cfg.OverlapStrategy), nil
}

func openSessionStore(ctx context.Context, cfg *config.Cfg) (session.Store, error) {
	switch cfg.SessionBackend {
	case "memory":
		return session.NewMemory(), nil
	case "redis":
		return session.OpenRedis(ctx, cfg.RedisURL)
	case "badger":
		return session.OpenBadger(session.BadgerConfig{Path: cfg.SessionPath, GCInterval: 10 * time.Minute})
	case "sqlite":
		return session.OpenSQLite(cfg.SessionPath)
	}
	return nil, fmt.Errorf("unknown session backend %q", cfg.SessionBackend)
}

func buildLimiter(cfg *config.Cfg) (*ratelimit.Limiter, error) {
	var store ratelimit.CounterStore
	switch cfg.RateLimitBackend {
	case "redis":
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("ratelimit: redis url: %w", err)
		}
		store = ratelimit.NewRedis(redis.NewClient(opts))
	default:
		store = ratelimit.NewMemory()
	}
	return ratelimit.New(store, ratelimit.Config{
		PerMinute:       cfg.RateLimitPerMinute,
		PerHour:         cfg.RateLimitPerHour,
		Burst:           cfg.RateLimitBurst,
		GlobalPerSecond: cfg.RateLimitGlobal,
		Trusted:         cfg.RateLimitTrusted,
		FailOpen:        cfg.RateLimitFailOpen,
		StoreTimeout:    cfg.StoreTimeout,
	}), nil
}

// startSessionCleanup periodically purges expired rows for stores that do
// not expire entries on their own.
func startSessionCleanup(store session.Store, every time.Duration) (stop func()) {
	c, ok := store.(interface {
		Cleanup(context.Context) (int64, error)
	})
	if !ok {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		t := time.NewTicker(every)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-t.C:
				n, err := c.Cleanup(context.Background())
				if err != nil {
					slog.Warn("session: cleanup failed", "err", err)
					continue
				}
				if n > 0 {
					slog.Info("session: expired sessions removed", "count", n)
				}
			}
		}
	}()
	return func() { close(done) }
}

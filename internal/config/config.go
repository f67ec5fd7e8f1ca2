package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/gonkalabs/piiguard-proxy/internal/sanitize"
)

// Cfg holds all runtime configuration loaded from environment variables.
type Cfg struct {
	// Server
	ListenAddr string // e.g. :8080
	LogLevel   slog.Level

	// Upstream provider
	UpstreamURL    string // UPSTREAM_URL=https://api.openai.com/v1
	UpstreamAPIKey string // empty: forward the caller's Authorization header

	// Detection
	PolicyFile        string // YAML policy; empty uses the built-in policy
	OverlapStrategy   sanitize.Strategy
	DetectorIsolation bool // a failing detector is skipped instead of failing the request

	SanitizeRegex      bool     // SANITIZE_REGEX=true (default) enables the pattern detector
	SanitizeRegexExtra []string // opt-in pattern ids, e.g. person

	SanitizeNER    bool   // SANITIZE_NER=true enables NER sidecar
	SanitizeNERURL string // SANITIZE_NER_URL=http://sanitize-ner:8001

	SanitizeLLM           bool    // SANITIZE_LLM=true enables LLM classifier
	SanitizeLLMURL        string  // SANITIZE_LLM_URL=http://ollama:11434
	SanitizeLLMModel      string  // SANITIZE_LLM_MODEL=qwen2.5:0.5b
	SanitizeLLMConfidence float64 // confidence reported on LLM findings

	DetectorTimeout time.Duration

	// Sessions
	SessionBackend  string // memory|redis|badger|sqlite
	SessionTTL      time.Duration
	SessionPath     string // badger directory or sqlite file
	SessionFailOpen bool   // serve without a session when the store is down
	RedisURL        string
	StoreTimeout    time.Duration

	// Rate limiting
	RateLimitEnabled   bool
	RateLimitBackend   string // memory|redis
	RateLimitPerMinute int
	RateLimitPerHour   int
	RateLimitBurst     int
	RateLimitGlobal    int
	RateLimitFailOpen  bool
	RateLimitTrusted   []string

	AdminToken       string
	StreamDeltaPaths []string
}

// Load reads .env (if present) then environment variables and returns Cfg.
func Load() (*Cfg, error) {
	// Best-effort: load .env from current directory
	_ = godotenv.Load()

	p := &parser{}
	cfg := &Cfg{
		ListenAddr:     ":" + p.str("PORT", "8080"),
		UpstreamURL:    strings.TrimRight(p.str("UPSTREAM_URL", "https://api.openai.com/v1"), "/"),
		UpstreamAPIKey: p.str("UPSTREAM_API_KEY", ""),

		PolicyFile:        p.str("POLICY_FILE", ""),
		DetectorIsolation: p.bool("DETECTOR_ISOLATION", true),

		SanitizeRegex:      p.bool("SANITIZE_REGEX", true),
		SanitizeRegexExtra: p.list("SANITIZE_REGEX_EXTRA"),

		SanitizeNER:    p.bool("SANITIZE_NER", false),
		SanitizeNERURL: p.str("SANITIZE_NER_URL", "http://sanitize-ner:8001"),

		SanitizeLLM:           p.bool("SANITIZE_LLM", false),
		SanitizeLLMURL:        p.str("SANITIZE_LLM_URL", "http://ollama:11434"),
		SanitizeLLMModel:      p.str("SANITIZE_LLM_MODEL", "qwen2.5:0.5b"),
		SanitizeLLMConfidence: p.float("SANITIZE_LLM_CONFIDENCE", 0.7),

		DetectorTimeout: p.duration("DETECTOR_TIMEOUT", 10*time.Second),

		SessionBackend:  strings.ToLower(p.str("SESSION_BACKEND", "memory")),
		SessionTTL:      p.duration("SESSION_TTL", time.Hour),
		SessionPath:     p.str("SESSION_PATH", ""),
		SessionFailOpen: p.bool("SESSION_FAIL_OPEN", false),
		RedisURL:        p.str("REDIS_URL", "redis://localhost:6379/0"),
		StoreTimeout:    p.duration("STORE_TIMEOUT", 250*time.Millisecond),

		RateLimitEnabled:   p.bool("RATE_LIMIT_ENABLED", true),
		RateLimitBackend:   strings.ToLower(p.str("RATE_LIMIT_BACKEND", "memory")),
		RateLimitPerMinute: p.int("RATE_LIMIT_PER_MINUTE", 60),
		RateLimitPerHour:   p.int("RATE_LIMIT_PER_HOUR", 1000),
		RateLimitBurst:     p.int("RATE_LIMIT_BURST", 10),
		RateLimitGlobal:    p.int("RATE_LIMIT_GLOBAL_PER_SECOND", 100),
		RateLimitFailOpen:  p.bool("RATE_LIMIT_FAIL_OPEN", false),
		RateLimitTrusted:   p.list("RATE_LIMIT_TRUSTED"),

		AdminToken:       p.str("ADMIN_TOKEN", ""),
		StreamDeltaPaths: p.list("STREAM_DELTA_PATHS"),
	}

	if raw := p.str("LOG_LEVEL", "info"); raw != "" {
		if err := cfg.LogLevel.UnmarshalText([]byte(raw)); err != nil {
			p.fail("LOG_LEVEL", raw, err)
		}
	}
	strategy, err := sanitize.ParseStrategy(p.str("OVERLAP_STRATEGY", "longest_match"))
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("OVERLAP_STRATEGY: %w", err))
	}
	cfg.OverlapStrategy = strategy

	if p.err() == nil {
		cfg.validate(p)
	}
	if err := p.err(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Cfg) validate(p *parser) {
	switch c.SessionBackend {
	case "memory", "redis":
	case "badger", "sqlite":
		if c.SessionPath == "" {
			p.errs = append(p.errs, fmt.Errorf("SESSION_PATH is required for the %s session backend", c.SessionBackend))
		}
	default:
		p.fail("SESSION_BACKEND", c.SessionBackend, fmt.Errorf("want memory, redis, badger or sqlite"))
	}
	switch c.RateLimitBackend {
	case "memory", "redis":
	default:
		p.fail("RATE_LIMIT_BACKEND", c.RateLimitBackend, fmt.Errorf("want memory or redis"))
	}
	if c.SanitizeLLMConfidence < 0 || c.SanitizeLLMConfidence > 1 {
		p.fail("SANITIZE_LLM_CONFIDENCE", strconv.FormatFloat(c.SanitizeLLMConfidence, 'g', -1, 64), fmt.Errorf("want a value in [0,1]"))
	}
	for _, kv := range []struct {
		key string
		n   int
	}{
		{"RATE_LIMIT_PER_MINUTE", c.RateLimitPerMinute},
		{"RATE_LIMIT_PER_HOUR", c.RateLimitPerHour},
		{"RATE_LIMIT_BURST", c.RateLimitBurst},
		{"RATE_LIMIT_GLOBAL_PER_SECOND", c.RateLimitGlobal},
	} {
		if kv.n < 0 {
			p.fail(kv.key, strconv.Itoa(kv.n), fmt.Errorf("must not be negative"))
		}
	}
}

// parser collects every invalid value so one startup reports them all.
type parser struct {
	errs []error
}

func (p *parser) fail(key, raw string, err error) {
	p.errs = append(p.errs, fmt.Errorf("%s=%q: %w", key, raw, err))
}

func (p *parser) err() error {
	switch len(p.errs) {
	case 0:
		return nil
	case 1:
		return fmt.Errorf("config: %w", p.errs[0])
	}
	msgs := make([]string, len(p.errs))
	for i, e := range p.errs {
		msgs[i] = e.Error()
	}
	return fmt.Errorf("config: %s", strings.Join(msgs, "; "))
}

func (p *parser) str(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func (p *parser) bool(key string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	switch {
	case raw == "":
		return def
	case raw == "1" || strings.EqualFold(raw, "true"):
		return true
	case raw == "0" || strings.EqualFold(raw, "false"):
		return false
	}
	p.fail(key, raw, fmt.Errorf("want true or false"))
	return def
}

func (p *parser) int(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		p.fail(key, raw, err)
		return def
	}
	return n
}

func (p *parser) float(key string, def float64) float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		p.fail(key, raw, err)
		return def
	}
	return f
}

// duration accepts Go durations ("90s", "1h") or a bare number of seconds.
func (p *parser) duration(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	if secs, err := strconv.ParseFloat(raw, 64); err == nil {
		if secs <= 0 {
			p.fail(key, raw, fmt.Errorf("must be positive"))
			return def
		}
		return time.Duration(secs * float64(time.Second))
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		p.fail(key, raw, err)
		return def
	}
	if d <= 0 {
		p.fail(key, raw, fmt.Errorf("must be positive"))
		return def
	}
	return d
}

// list splits a comma-separated value, dropping empty entries.
func (p *parser) list(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

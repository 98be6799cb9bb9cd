package main

import (
	"flag"
	"fmt"
	"log"
	"net/url"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// config holds the gateway's immutable runtime parameters. Built once in
// buildConfig and never mutated afterward; the only things read per-request
// that can change without a restart are the debug/logBodies toggles, which
// live on proxyHandler instead (see main.go).
type config struct {
	bindAddress string
	port        int
	baseURL     *url.URL
	refreshURL  *url.URL
	oauthClientID string
	poolDir     string

	cooldownSeconds      int
	maxRetryPasses       int
	requestTimeout       time.Duration
	upstreamMaxRetries   int
	upstreamRetryBaseMs  int
	upstreamRetryMaxMs   int
	upstreamRetryJitterMs int
	overrideAuth         bool

	debug        bool
	logBodies    bool
	bodyLogLimit int64

	dbPath string
}

// configFile is the shape of config.toml. Every field is optional; zero
// values fall through to the environment, then to the hard default.
type configFile struct {
	BindAddress  string `toml:"bind_address"`
	Port         int    `toml:"port"`
	BaseURL      string `toml:"base_url"`
	RefreshURL   string `toml:"refresh_url"`
	OAuthClientID string `toml:"oauth_client_id"`
	PoolDir      string `toml:"pool_dir"`
	DBPath       string `toml:"db_path"`

	CooldownSeconds       int  `toml:"cooldown_seconds"`
	MaxRetryPasses        int  `toml:"max_retry_passes"`
	RequestTimeoutMs      int  `toml:"request_timeout_ms"`
	UpstreamMaxRetries    int  `toml:"upstream_max_retries"`
	UpstreamRetryBaseMs   int  `toml:"upstream_retry_base_ms"`
	UpstreamRetryMaxMs    int  `toml:"upstream_retry_max_ms"`
	UpstreamRetryJitterMs int  `toml:"upstream_retry_jitter_ms"`
	OverrideAuth          bool `toml:"override_auth"`

	Debug        bool  `toml:"debug"`
	LogBodies    bool  `toml:"log_bodies"`
	BodyLogLimit int64 `toml:"body_log_limit"`
}

func loadConfigFile(path string) (*configFile, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, nil
	}
	var cfg configFile
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func getConfigString(envKey, configValue, defaultValue string) string {
	if v := os.Getenv(envKey); v != "" {
		return v
	}
	if configValue != "" {
		return configValue
	}
	return defaultValue
}

func getConfigInt(envKey string, configValue, defaultValue int) int {
	if v := os.Getenv(envKey); v != "" {
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil && n > 0 {
			return n
		}
	}
	if configValue > 0 {
		return configValue
	}
	return defaultValue
}

func getConfigBool(envKey string, configValue, defaultValue bool) bool {
	if v := os.Getenv(envKey); v != "" {
		return v == "1" || v == "true"
	}
	if configValue {
		return true
	}
	return defaultValue
}

func mustParseURL(raw string) *url.URL {
	u, err := url.Parse(raw)
	if err != nil {
		log.Fatalf("invalid URL %q: %v", raw, err)
	}
	return u
}

// buildConfig loads config.toml (if present), overlays GATEWAY_* environment
// variables, then overlays -listen/-pool-dir flags, matching the priority
// order env > config file > default the teacher's getConfigString cascade
// uses, with flags taking final precedence.
func buildConfig() config {
	cf, err := loadConfigFile("config.toml")
	if err != nil {
		log.Printf("warning: failed to load config.toml: %v", err)
	}
	var fc configFile
	if cf != nil {
		fc = *cf
	}

	var cfg config
	cfg.bindAddress = getConfigString("GATEWAY_BIND_ADDRESS", fc.BindAddress, "127.0.0.1")
	cfg.port = getConfigInt("GATEWAY_PORT", fc.Port, 4319)
	cfg.baseURL = mustParseURL(getConfigString("GATEWAY_BASE_URL", fc.BaseURL, "https://chatgpt.com/backend-api/codex"))
	cfg.refreshURL = mustParseURL(getConfigString("GATEWAY_REFRESH_URL", fc.RefreshURL, "https://auth.openai.com/oauth/token"))
	cfg.oauthClientID = getConfigString("GATEWAY_OAUTH_CLIENT_ID", fc.OAuthClientID, "app_EMoamEEZ73f0CkXaXp7hrann")
	cfg.poolDir = getConfigString("GATEWAY_POOL_DIR", fc.PoolDir, "pool")
	cfg.dbPath = getConfigString("GATEWAY_DB_PATH", fc.DBPath, "./data/gateway.db")

	cfg.cooldownSeconds = getConfigInt("GATEWAY_COOLDOWN_SECONDS", fc.CooldownSeconds, 900)
	cfg.maxRetryPasses = getConfigInt("GATEWAY_MAX_RETRY_PASSES", fc.MaxRetryPasses, 1)
	requestTimeoutMs := getConfigInt("GATEWAY_REQUEST_TIMEOUT_MS", fc.RequestTimeoutMs, 120000)
	cfg.requestTimeout = time.Duration(requestTimeoutMs) * time.Millisecond
	cfg.upstreamMaxRetries = getConfigInt("GATEWAY_UPSTREAM_MAX_RETRIES", fc.UpstreamMaxRetries, 2)
	cfg.upstreamRetryBaseMs = getConfigInt("GATEWAY_UPSTREAM_RETRY_BASE_MS", fc.UpstreamRetryBaseMs, 200)
	cfg.upstreamRetryMaxMs = getConfigInt("GATEWAY_UPSTREAM_RETRY_MAX_MS", fc.UpstreamRetryMaxMs, 2000)
	cfg.upstreamRetryJitterMs = getConfigInt("GATEWAY_UPSTREAM_RETRY_JITTER_MS", fc.UpstreamRetryJitterMs, 120)
	cfg.overrideAuth = getConfigBool("GATEWAY_OVERRIDE_AUTH", fc.OverrideAuth, true)

	cfg.debug = getConfigBool("GATEWAY_DEBUG", fc.Debug, false)
	cfg.logBodies = getConfigBool("GATEWAY_LOG_BODIES", fc.LogBodies, false)
	cfg.bodyLogLimit = int64(getConfigInt("GATEWAY_BODY_LOG_LIMIT", int(fc.BodyLogLimit), 16*1024))

	listen := fmt.Sprintf("%s:%d", cfg.bindAddress, cfg.port)
	flag.StringVar(&listen, "listen", listen, "listen address (host:port)")
	poolDir := cfg.poolDir
	flag.StringVar(&poolDir, "pool-dir", poolDir, "account pool directory")
	flag.Parse()
	cfg.poolDir = poolDir
	if host, port, err := splitHostPort(listen); err == nil {
		cfg.bindAddress = host
		cfg.port = port
	}

	return cfg
}

func (c config) listenAddr() string {
	return fmt.Sprintf("%s:%d", c.bindAddress, c.port)
}

// Package config provides configuration for the relay.
package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultPort            = 69
	DefaultBackendURL      = "http://localhost:3000"
	DefaultGraphBaseURL    = "https://graph.instagram.com/v21.0"
	DefaultShutdownTimeout = 10 * time.Second
)

// Config holds the relay configuration. It is built once at startup and
// passed by value.
type Config struct {
	// Platform credentials
	VerifyToken string // Webhook handshake secret
	AppSecret   string // HMAC signing secret
	AccessToken string // Graph API credential
	InstagramID string // Business account id; informational only

	// Server settings
	Port            int
	ShutdownTimeout time.Duration

	// Outbound settings
	BackendURL   string
	GraphBaseURL string
	HTTPTimeout  time.Duration // 0 leaves the http.Client default in place

	// Secrets source; empty disables SSM lookup
	ParamPrefix string

	LogLevel string
}

// Load builds a Config from getenv, usually os.Getenv.
func Load(getenv func(string) string) Config {
	return Config{
		VerifyToken:     getEnv(getenv, "VERIFY_TOKEN", ""),
		AppSecret:       getEnv(getenv, "APP_SECRET", ""),
		AccessToken:     getEnv(getenv, "ACCESS_TOKEN", ""),
		InstagramID:     getEnv(getenv, "IG_ID", ""),
		Port:            getEnvInt(getenv, "PORT", DefaultPort),
		ShutdownTimeout: time.Duration(getEnvInt(getenv, "SHUTDOWN_TIMEOUT_MS", int(DefaultShutdownTimeout/time.Millisecond))) * time.Millisecond,
		BackendURL:      getEnv(getenv, "BACKEND_URL", DefaultBackendURL),
		GraphBaseURL:    getEnv(getenv, "GRAPH_API_BASE_URL", DefaultGraphBaseURL),
		HTTPTimeout:     time.Duration(getEnvInt(getenv, "HTTP_TIMEOUT_MS", 0)) * time.Millisecond,
		ParamPrefix:     strings.TrimRight(getEnv(getenv, "PARAM_PREFIX", ""), "/"),
		LogLevel:        getEnv(getenv, "LOG_LEVEL", "info"),
	}
}

// Warnings lists misconfigurations that do not stop the relay but make some
// requests fail: without a verify token every handshake is refused, without
// an app secret every delivery is rejected.
func (c Config) Warnings() []string {
	var out []string
	if c.VerifyToken == "" {
		out = append(out, "VERIFY_TOKEN is not set; webhook verification will always fail")
	}
	if c.AppSecret == "" {
		out = append(out, "APP_SECRET is not set; every event delivery will be rejected")
	}
	if c.AccessToken == "" {
		out = append(out, "ACCESS_TOKEN is not set; Graph API calls will be rejected")
	}
	return out
}

// Addr is the listen address for the webhook server.
func (c Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

// SlogLevel maps LogLevel onto slog, defaulting to info.
func (c Config) SlogLevel() slog.Level {
	switch strings.ToLower(strings.TrimSpace(c.LogLevel)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ParameterGetter fetches named secrets in one batch.
type ParameterGetter interface {
	GetParameters(ctx context.Context, names ...string) (map[string]string, error)
}

// WithSecrets returns a copy of c with empty secrets filled from the
// parameter store under ParamPrefix. Values already set in the environment
// win. With no prefix c is returned unchanged.
func (c Config) WithSecrets(ctx context.Context, params ParameterGetter) (Config, error) {
	if c.ParamPrefix == "" {
		return c, nil
	}
	if params == nil {
		return c, errors.New("config: parameter getter must not be nil")
	}

	targets := []struct {
		name string
		dst  *string
	}{
		{c.ParamPrefix + "/verify_token", &c.VerifyToken},
		{c.ParamPrefix + "/app_secret", &c.AppSecret},
		{c.ParamPrefix + "/access_token", &c.AccessToken},
	}
	var names []string
	missing := make(map[string]*string, len(targets))
	for _, t := range targets {
		if *t.dst == "" {
			names = append(names, t.name)
			missing[t.name] = t.dst
		}
	}
	if len(names) == 0 {
		return c, nil
	}

	values, err := params.GetParameters(ctx, names...)
	if err != nil {
		return c, fmt.Errorf("config: load secrets: %w", err)
	}
	for name, dst := range missing {
		*dst = values[name]
	}
	return c, nil
}

func getEnv(getenv func(string) string, key, defaultVal string) string {
	if val := strings.TrimSpace(getenv(key)); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(getenv func(string) string, key string, defaultVal int) int {
	if val := strings.TrimSpace(getenv(key)); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil && intVal >= 0 {
			return intVal
		}
	}
	return defaultVal
}

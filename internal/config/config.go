package config

import (
	"flag"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Environment variable names. Flags (--mode, --log-format, --log-level,
// --listen-addr) override the environment.
const (
	EnvMode       = "MODE"
	EnvLogFormat  = "LOG_FORMAT"
	EnvLogLevel   = "LOG_LEVEL"
	EnvListenAddr = "LISTEN_ADDR"

	EnvShutdownTimeout = "SHUTDOWN_TIMEOUT"

	EnvRemoteSessionEnabled = "REMOTE_SESSION_ENABLED"
	EnvServerURL            = "SERVER_URL"
	EnvMaxMessageBytes      = "MAX_MESSAGE_BUFFER_BYTES"
	EnvMaxIdleTimeout       = "MAX_IDLE_TIMEOUT"
	EnvMaxMessagesPerSecond = "MAX_MESSAGES_PER_SECOND"

	EnvAuthMode           = "AUTH_MODE"
	EnvStaticToken        = "STATIC_TOKEN"
	EnvStaticTenantDomain = "STATIC_TENANT_DOMAIN"
	EnvStaticUsername     = "STATIC_USERNAME"
	EnvHMACSecret         = "HMAC_SECRET"

	EnvBackendBaseURL        = "BACKEND_BASE_URL"
	EnvBackendServiceToken   = "BACKEND_SERVICE_TOKEN"
	EnvBackendRequestTimeout = "BACKEND_REQUEST_TIMEOUT"
)

const (
	DefaultListenAddr         = ":9763"
	DefaultShutdownTimeout    = 10 * time.Second
	DefaultMaxMessageBytes    = int64(1 << 20) // 1 MiB
	DefaultMaxIdleTimeout     = 5 * time.Minute
	DefaultStaticTenantDomain = "carbon.super"
	DefaultStaticUsername     = "admin"
	DefaultBackendTimeout     = 30 * time.Second
)

type Mode string

const (
	ModeDev  Mode = "dev"
	ModeProd Mode = "prod"
)

const DefaultMode = ModeDev

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

// AuthMode selects how administrative client tokens are validated.
//
//   - static: a single shared token compared in constant time (dev only)
//   - hmac: self-contained HMAC-SHA256 session tokens minted by the
//     management console
//   - introspect: tokens are validated by the device-management backend
type AuthMode string

const (
	AuthModeStatic     AuthMode = "static"
	AuthModeHMAC       AuthMode = "hmac"
	AuthModeIntrospect AuthMode = "introspect"
)

type Config struct {
	ListenAddr      string
	Mode            Mode
	LogFormat       LogFormat
	LogLevel        slog.Level
	ShutdownTimeout time.Duration

	// Remote session broker settings.
	RemoteSessionEnabled bool
	// ServerURL is the externally reachable WebSocket base URL that devices
	// are instructed to connect back to.
	ServerURL            string
	MaxMessageBytes      int64
	MaxIdleTimeout       time.Duration
	MaxMessagesPerSecond int // 0 disables per-connection rate limiting

	// Client token validation.
	AuthMode           AuthMode
	StaticToken        string
	StaticTenantDomain string
	StaticUsername     string
	HMACSecret         string

	// Device-management backend.
	BackendBaseURL        string
	BackendServiceToken   string
	BackendRequestTimeout time.Duration
}

func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

func load(lookup func(string) (string, bool), args []string) (Config, error) {
	envMode, _ := lookup(EnvMode)
	modeDefault := string(DefaultMode)
	if envMode != "" {
		modeDefault = envMode
	}

	envLogFormat, _ := lookup(EnvLogFormat)
	logFormatDefault := envLogFormat
	if strings.TrimSpace(logFormatDefault) == "" {
		logFormatDefault = defaultLogFormatForMode(modeDefault)
	}

	envLogLevel, _ := lookup(EnvLogLevel)
	logLevelDefault := envLogLevel
	if strings.TrimSpace(logLevelDefault) == "" {
		logLevelDefault = defaultLogLevelForMode(modeDefault)
	}

	fs := flag.NewFlagSet("session-relay", flag.ContinueOnError)
	modeFlag := fs.String("mode", modeDefault, "dev or prod")
	logFormatFlag := fs.String("log-format", logFormatDefault, "text or json")
	logLevelFlag := fs.String("log-level", logLevelDefault, "debug, info, warn or error")
	listenFlag := fs.String("listen-addr", envOrDefault(lookup, EnvListenAddr, DefaultListenAddr), "listen address")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	mode, err := parseMode(*modeFlag)
	if err != nil {
		return Config{}, err
	}
	logFormat, err := parseLogFormat(*logFormatFlag)
	if err != nil {
		return Config{}, err
	}
	logLevel, err := parseLogLevel(*logLevelFlag)
	if err != nil {
		return Config{}, err
	}

	enabled, err := envBoolOrDefault(lookup, EnvRemoteSessionEnabled, true)
	if err != nil {
		return Config{}, err
	}

	serverURL := strings.TrimSpace(envOrDefault(lookup, EnvServerURL, ""))
	if serverURL != "" {
		if _, err := url.Parse(serverURL); err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", EnvServerURL, serverURL, err)
		}
	}

	maxMessageBytes, err := envInt64OrDefault(lookup, EnvMaxMessageBytes, DefaultMaxMessageBytes)
	if err != nil {
		return Config{}, err
	}
	if maxMessageBytes <= 0 {
		return Config{}, fmt.Errorf("%s must be > 0", EnvMaxMessageBytes)
	}

	maxIdleTimeout, err := envDurationOrDefault(lookup, EnvMaxIdleTimeout, DefaultMaxIdleTimeout)
	if err != nil {
		return Config{}, err
	}

	maxMessagesPerSecond, err := envIntOrDefault(lookup, EnvMaxMessagesPerSecond, 0)
	if err != nil {
		return Config{}, err
	}
	if maxMessagesPerSecond < 0 {
		return Config{}, fmt.Errorf("%s must be >= 0", EnvMaxMessagesPerSecond)
	}

	shutdownTimeout, err := envDurationOrDefault(lookup, EnvShutdownTimeout, DefaultShutdownTimeout)
	if err != nil {
		return Config{}, err
	}

	authMode, err := parseAuthMode(envOrDefault(lookup, EnvAuthMode, string(AuthModeStatic)))
	if err != nil {
		return Config{}, err
	}

	backendTimeout, err := envDurationOrDefault(lookup, EnvBackendRequestTimeout, DefaultBackendTimeout)
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		ListenAddr:      *listenFlag,
		Mode:            mode,
		LogFormat:       logFormat,
		LogLevel:        logLevel,
		ShutdownTimeout: shutdownTimeout,

		RemoteSessionEnabled: enabled,
		ServerURL:            serverURL,
		MaxMessageBytes:      maxMessageBytes,
		MaxIdleTimeout:       maxIdleTimeout,
		MaxMessagesPerSecond: maxMessagesPerSecond,

		AuthMode:           authMode,
		StaticToken:        envOrDefault(lookup, EnvStaticToken, ""),
		StaticTenantDomain: envOrDefault(lookup, EnvStaticTenantDomain, DefaultStaticTenantDomain),
		StaticUsername:     envOrDefault(lookup, EnvStaticUsername, DefaultStaticUsername),
		HMACSecret:         envOrDefault(lookup, EnvHMACSecret, ""),

		BackendBaseURL:        strings.TrimRight(envOrDefault(lookup, EnvBackendBaseURL, ""), "/"),
		BackendServiceToken:   envOrDefault(lookup, EnvBackendServiceToken, ""),
		BackendRequestTimeout: backendTimeout,
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.AuthMode {
	case AuthModeStatic:
		if c.Mode == ModeProd && c.StaticToken == "" {
			return fmt.Errorf("%s=static requires %s in prod mode", EnvAuthMode, EnvStaticToken)
		}
	case AuthModeHMAC:
		if c.HMACSecret == "" {
			return fmt.Errorf("%s=hmac requires %s", EnvAuthMode, EnvHMACSecret)
		}
	case AuthModeIntrospect:
		if c.BackendBaseURL == "" {
			return fmt.Errorf("%s=introspect requires %s", EnvAuthMode, EnvBackendBaseURL)
		}
	}
	return nil
}

func NewLogger(cfg Config) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	switch cfg.LogFormat {
	case LogFormatText:
		handler = slog.NewTextHandler(os.Stdout, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}

	return slog.New(handler), nil
}

func envOrDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(lookup func(string) (string, bool), key string, fallback int) (int, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func envInt64OrDefault(lookup func(string) (string, bool), key string, fallback int64) (int64, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func envDurationOrDefault(lookup func(string) (string, bool), key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}

func envBoolOrDefault(lookup func(string) (string, bool), key string, fallback bool) (bool, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	v, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return false, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return v, nil
}

func defaultLogFormatForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return string(LogFormatJSON)
	default:
		return string(LogFormatText)
	}
}

func defaultLogLevelForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return "info"
	default:
		return "debug"
	}
}

func parseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(ModeDev), "development":
		return ModeDev, nil
	case string(ModeProd), "production":
		return ModeProd, nil
	default:
		return "", fmt.Errorf("invalid mode %q (expected dev or prod)", raw)
	}
}

func parseLogFormat(raw string) (LogFormat, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(LogFormatText):
		return LogFormatText, nil
	case string(LogFormatJSON):
		return LogFormatJSON, nil
	default:
		return "", fmt.Errorf("invalid log format %q (expected text or json)", raw)
	}
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q (expected debug, info, warn, error)", raw)
	}
}

func parseAuthMode(raw string) (AuthMode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(AuthModeStatic):
		return AuthModeStatic, nil
	case string(AuthModeHMAC):
		return AuthModeHMAC, nil
	case string(AuthModeIntrospect):
		return AuthModeIntrospect, nil
	default:
		return "", fmt.Errorf("invalid auth mode %q (expected static, hmac or introspect)", raw)
	}
}

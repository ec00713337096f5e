package config

import (
	"log/slog"
	"strings"
	"testing"
	"time"
)

func lookupMap(env map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := load(lookupMap(nil), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Mode != ModeDev {
		t.Fatalf("mode=%q, want dev", cfg.Mode)
	}
	if cfg.LogFormat != LogFormatText {
		t.Fatalf("log format=%q, want text", cfg.LogFormat)
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Fatalf("log level=%v, want debug", cfg.LogLevel)
	}
	if cfg.ListenAddr != DefaultListenAddr {
		t.Fatalf("listen addr=%q, want %q", cfg.ListenAddr, DefaultListenAddr)
	}
	if !cfg.RemoteSessionEnabled {
		t.Fatalf("remote session disabled by default")
	}
	if cfg.MaxMessageBytes != DefaultMaxMessageBytes {
		t.Fatalf("max message bytes=%d", cfg.MaxMessageBytes)
	}
	if cfg.MaxIdleTimeout != DefaultMaxIdleTimeout {
		t.Fatalf("max idle timeout=%v", cfg.MaxIdleTimeout)
	}
	if cfg.MaxMessagesPerSecond != 0 {
		t.Fatalf("rate limit=%d, want 0 (disabled)", cfg.MaxMessagesPerSecond)
	}
	if cfg.AuthMode != AuthModeStatic {
		t.Fatalf("auth mode=%q, want static", cfg.AuthMode)
	}
	if cfg.StaticTenantDomain != DefaultStaticTenantDomain || cfg.StaticUsername != DefaultStaticUsername {
		t.Fatalf("static identity=%q/%q", cfg.StaticTenantDomain, cfg.StaticUsername)
	}
	if cfg.ShutdownTimeout != DefaultShutdownTimeout {
		t.Fatalf("shutdown timeout=%v", cfg.ShutdownTimeout)
	}
	if cfg.BackendRequestTimeout != DefaultBackendTimeout {
		t.Fatalf("backend timeout=%v", cfg.BackendRequestTimeout)
	}
}

func TestLoadProdDefaults(t *testing.T) {
	env := map[string]string{
		EnvMode:        "prod",
		EnvStaticToken: "sekrit",
	}
	cfg, err := load(lookupMap(env), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Mode != ModeProd {
		t.Fatalf("mode=%q, want prod", cfg.Mode)
	}
	if cfg.LogFormat != LogFormatJSON {
		t.Fatalf("prod log format=%q, want json", cfg.LogFormat)
	}
	if cfg.LogLevel != slog.LevelInfo {
		t.Fatalf("prod log level=%v, want info", cfg.LogLevel)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	env := map[string]string{
		EnvListenAddr:            "127.0.0.1:9999",
		EnvServerURL:             "wss://relay.example.com/remote/session",
		EnvMaxMessageBytes:       "4096",
		EnvMaxIdleTimeout:        "90s",
		EnvMaxMessagesPerSecond:  "25",
		EnvShutdownTimeout:       "3s",
		EnvRemoteSessionEnabled:  "false",
		EnvAuthMode:              "hmac",
		EnvHMACSecret:            "topsecret",
		EnvBackendBaseURL:        "https://mgt.example.com/",
		EnvBackendServiceToken:   "svc-token",
		EnvBackendRequestTimeout: "5s",
	}
	cfg, err := load(lookupMap(env), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != "127.0.0.1:9999" {
		t.Fatalf("listen addr=%q", cfg.ListenAddr)
	}
	if cfg.ServerURL != "wss://relay.example.com/remote/session" {
		t.Fatalf("server url=%q", cfg.ServerURL)
	}
	if cfg.MaxMessageBytes != 4096 {
		t.Fatalf("max message bytes=%d", cfg.MaxMessageBytes)
	}
	if cfg.MaxIdleTimeout != 90*time.Second {
		t.Fatalf("max idle timeout=%v", cfg.MaxIdleTimeout)
	}
	if cfg.MaxMessagesPerSecond != 25 {
		t.Fatalf("rate limit=%d", cfg.MaxMessagesPerSecond)
	}
	if cfg.ShutdownTimeout != 3*time.Second {
		t.Fatalf("shutdown timeout=%v", cfg.ShutdownTimeout)
	}
	if cfg.RemoteSessionEnabled {
		t.Fatalf("remote session should be disabled")
	}
	if cfg.AuthMode != AuthModeHMAC || cfg.HMACSecret != "topsecret" {
		t.Fatalf("auth=%q secret=%q", cfg.AuthMode, cfg.HMACSecret)
	}
	if cfg.BackendBaseURL != "https://mgt.example.com" {
		t.Fatalf("backend base url=%q, want trailing slash stripped", cfg.BackendBaseURL)
	}
	if cfg.BackendServiceToken != "svc-token" || cfg.BackendRequestTimeout != 5*time.Second {
		t.Fatalf("backend token=%q timeout=%v", cfg.BackendServiceToken, cfg.BackendRequestTimeout)
	}
}

func TestLoadFlagsOverrideEnv(t *testing.T) {
	env := map[string]string{
		EnvMode:       "prod",
		EnvLogFormat:  "json",
		EnvLogLevel:   "error",
		EnvListenAddr: ":9000",
	}
	cfg, err := load(lookupMap(env), []string{
		"--mode", "dev",
		"--log-format", "text",
		"--log-level", "warn",
		"--listen-addr", ":8000",
	})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Mode != ModeDev || cfg.LogFormat != LogFormatText || cfg.LogLevel != slog.LevelWarn || cfg.ListenAddr != ":8000" {
		t.Fatalf("flags did not win: %+v", cfg)
	}
}

func TestLoadInvalidValues(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		args []string
		want string
	}{
		{"bad mode", nil, []string{"--mode", "staging"}, "invalid mode"},
		{"bad log format", nil, []string{"--log-format", "xml"}, "invalid log format"},
		{"bad log level", nil, []string{"--log-level", "loud"}, "invalid log level"},
		{"bad enabled flag", map[string]string{EnvRemoteSessionEnabled: "si"}, nil, EnvRemoteSessionEnabled},
		{"bad message bytes", map[string]string{EnvMaxMessageBytes: "lots"}, nil, EnvMaxMessageBytes},
		{"zero message bytes", map[string]string{EnvMaxMessageBytes: "0"}, nil, "must be > 0"},
		{"negative rate limit", map[string]string{EnvMaxMessagesPerSecond: "-1"}, nil, "must be >= 0"},
		{"bad idle timeout", map[string]string{EnvMaxIdleTimeout: "forever"}, nil, EnvMaxIdleTimeout},
		{"bad auth mode", map[string]string{EnvAuthMode: "oauth"}, nil, "invalid auth mode"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := load(lookupMap(tt.env), tt.args)
			if err == nil {
				t.Fatalf("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("err=%q, want substring %q", err, tt.want)
			}
		})
	}
}

func TestValidateAuthRequirements(t *testing.T) {
	if _, err := load(lookupMap(map[string]string{EnvMode: "prod"}), nil); err == nil {
		t.Fatalf("prod static auth without a token should fail")
	}
	if _, err := load(lookupMap(map[string]string{EnvAuthMode: "hmac"}), nil); err == nil {
		t.Fatalf("hmac auth without a secret should fail")
	}
	if _, err := load(lookupMap(map[string]string{EnvAuthMode: "introspect"}), nil); err == nil {
		t.Fatalf("introspect auth without a backend should fail")
	}
	env := map[string]string{
		EnvAuthMode:       "introspect",
		EnvBackendBaseURL: "https://mgt.example.com",
	}
	if _, err := load(lookupMap(env), nil); err != nil {
		t.Fatalf("introspect with a backend: %v", err)
	}
}

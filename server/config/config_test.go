package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestDefaultsValidate(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatal(err)
	}
	if err := cfg.ValidateConfig(zap.NewNop()); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
	opts := cfg.EngineOptions()
	if opts.SmoothingAlpha != 0.3 || opts.TargetReps != 3 || opts.CorrectRepScore != 70 {
		t.Fatalf("unexpected engine options %+v", opts)
	}
	if cfg.Cache.Backend != "memory" {
		t.Fatalf("expected memory cache by default, got %q", cfg.Cache.Backend)
	}
}

func TestFileThenEnvPrecedence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "formcoach.yaml")
	doc := `
server:
  port: 9000
  host: 127.0.0.1
engine:
  smoothing_alpha: 0.5
  target_reps_per_set: 5
processor:
  tick_interval: 250ms
security:
  allowed_origins: ["https://a.example", "https://b.example"]
`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("SERVER_PORT", "9100")
	t.Setenv("MOTION_THRESHOLD", "0.02")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Port != 9100 {
		t.Fatalf("env should beat file, got port %d", cfg.Server.Port)
	}
	if cfg.Server.Host != "127.0.0.1" {
		t.Fatalf("file should beat defaults, got host %q", cfg.Server.Host)
	}
	if cfg.Engine.SmoothingAlpha != 0.5 || cfg.Engine.TargetRepsPerSet != 5 {
		t.Fatalf("engine section not loaded: %+v", cfg.Engine)
	}
	if cfg.Engine.MotionThreshold != 0.02 {
		t.Fatalf("expected env motion threshold, got %v", cfg.Engine.MotionThreshold)
	}
	if cfg.Engine.CorrectRepScore != 70 {
		t.Fatalf("keys absent from the file keep their defaults, got %d", cfg.Engine.CorrectRepScore)
	}
	if cfg.Processor.TickInterval != 250*time.Millisecond {
		t.Fatalf("expected 250ms tick, got %v", cfg.Processor.TickInterval)
	}
	if len(cfg.Security.AllowedOrigins) != 2 {
		t.Fatalf("unexpected origins %v", cfg.Security.AllowedOrigins)
	}
}

func TestConfigFileFromEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "c.yaml")
	if err := os.WriteFile(path, []byte("logging:\n  format: json\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CONFIG_FILE", path)

	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Logging.Format != "json" {
		t.Fatalf("expected json format from CONFIG_FILE, got %q", cfg.Logging.Format)
	}
}

func TestLoadConfigErrors(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}

	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("server: [1, 2"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestMalformedEnvKeepsDefault(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("SERVER_PORT", "eighty")
	t.Setenv("ADMIN_IPS", "10.0.0.1, 10.0.0.2")

	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Port != 8080 {
		t.Fatalf("expected default port, got %d", cfg.Server.Port)
	}
	if len(cfg.Security.AdminIPs) != 2 || cfg.Security.AdminIPs[1] != "10.0.0.2" {
		t.Fatalf("unexpected admin ips %q", cfg.Security.AdminIPs)
	}
}

func TestValidateCollectsErrors(t *testing.T) {
	t.Parallel()
	cfg := Defaults()
	cfg.Server.Port = 0
	cfg.Engine.SmoothingAlpha = 0
	cfg.Engine.CorrectRepScore = 120
	cfg.Cache.Backend = "memcached"
	cfg.Logging.Level = "loud"
	cfg.Security.EnableHTTPS = true

	err := cfg.ValidateConfig(zap.NewNop())
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"server port", "smoothing alpha", "correct rep score", "cache backend", "log level", "HTTPS"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %q", err, want)
		}
	}
}

func TestRedisBackendNeedsAddress(t *testing.T) {
	t.Parallel()
	cfg := Defaults()
	cfg.Cache.Backend = "redis"
	cfg.Redis.Host = ""
	if err := cfg.ValidateConfig(zap.NewNop()); err == nil || !strings.Contains(err.Error(), "Redis host") {
		t.Fatalf("expected redis host error, got %v", err)
	}
	cfg.Redis.Host = "cache.internal"
	if cfg.Redis.Addr() != "cache.internal:6379" {
		t.Fatalf("unexpected addr %q", cfg.Redis.Addr())
	}
}

func TestNewLogger(t *testing.T) {
	t.Parallel()
	for _, format := range []string{"json", "console"} {
		logger, err := LoggingConfig{Level: "debug", Format: format}.NewLogger()
		if err != nil {
			t.Fatalf("%s: %v", format, err)
		}
		if !logger.Core().Enabled(zap.DebugLevel) {
			t.Fatalf("%s: debug should be enabled", format)
		}
	}
	if _, err := (LoggingConfig{Level: "verbose"}).NewLogger(); err == nil {
		t.Fatal("expected bad level error")
	}
}

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/san-kum/formcoach/server/engine"
	"github.com/san-kum/formcoach/server/processor"
)

type Config struct {
	Server    ServerConfig    `json:"server" yaml:"server"`
	Engine    EngineConfig    `json:"engine" yaml:"engine"`
	Pose      PoseConfig      `json:"pose" yaml:"pose"`
	Security  SecurityConfig  `json:"security" yaml:"security"`
	Cache     CacheConfig     `json:"cache" yaml:"cache"`
	Redis     RedisConfig     `json:"redis" yaml:"redis"`
	Logging   LoggingConfig   `json:"logging" yaml:"logging"`
	Processor ProcessorConfig `json:"processor" yaml:"processor"`
}

type ServerConfig struct {
	Host            string        `json:"host" yaml:"host"`
	Port            int           `json:"port" yaml:"port"`
	ReadTimeout     time.Duration `json:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `json:"write_timeout" yaml:"write_timeout"`
	IdleTimeout     time.Duration `json:"idle_timeout" yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout" yaml:"shutdown_timeout"`
	Environment     string        `json:"environment" yaml:"environment"`
}

type EngineConfig struct {
	SmoothingAlpha      float64 `json:"smoothing_alpha" yaml:"smoothing_alpha"`
	MotionThreshold     float64 `json:"motion_threshold" yaml:"motion_threshold"`
	VisibilityThreshold float64 `json:"visibility_threshold" yaml:"visibility_threshold"`
	TargetRepsPerSet    int     `json:"target_reps_per_set" yaml:"target_reps_per_set"`
	CorrectRepScore     int     `json:"correct_rep_score" yaml:"correct_rep_score"`
	MaxErrorLog         int     `json:"max_error_log" yaml:"max_error_log"`
}

type PoseConfig struct {
	BaseURL             string        `json:"base_url" yaml:"base_url"`
	Timeout             time.Duration `json:"timeout" yaml:"timeout"`
	MaxRetries          int           `json:"max_retries" yaml:"max_retries"`
	RetryDelay          time.Duration `json:"retry_delay" yaml:"retry_delay"`
	HealthCheckInterval time.Duration `json:"health_check_interval" yaml:"health_check_interval"`
}

type SecurityConfig struct {
	JWTSecretKey   string        `json:"-" yaml:"jwt_secret_key"`
	AllowedOrigins []string      `json:"allowed_origins" yaml:"allowed_origins"`
	AdminIPs       []string      `json:"admin_ips" yaml:"admin_ips"`
	RateLimitRPS   int           `json:"rate_limit_rps" yaml:"rate_limit_rps"`
	RateLimitBurst int           `json:"rate_limit_burst" yaml:"rate_limit_burst"`
	MaxRequestSize int64         `json:"max_request_size" yaml:"max_request_size"`
	RequestTimeout time.Duration `json:"request_timeout" yaml:"request_timeout"`
	EnableHTTPS    bool          `json:"enable_https" yaml:"enable_https"`
	CertFile       string        `json:"cert_file" yaml:"cert_file"`
	KeyFile        string        `json:"key_file" yaml:"key_file"`
}

type CacheConfig struct {
	Backend  string        `json:"backend" yaml:"backend"`
	MaxItems int           `json:"max_items" yaml:"max_items"`
	TTL      time.Duration `json:"ttl" yaml:"ttl"`
}

type RedisConfig struct {
	Host     string `json:"host" yaml:"host"`
	Port     int    `json:"port" yaml:"port"`
	Password string `json:"-" yaml:"password"`
	DB       int    `json:"db" yaml:"db"`
}

func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

type LoggingConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"`
}

type ProcessorConfig struct {
	MaxQueueSize       int           `json:"max_queue_size" yaml:"max_queue_size"`
	MaxWorkers         int           `json:"max_workers" yaml:"max_workers"`
	MaxSessions        int           `json:"max_sessions" yaml:"max_sessions"`
	ProcessingTimeout  time.Duration `json:"processing_timeout" yaml:"processing_timeout"`
	TickInterval       time.Duration `json:"tick_interval" yaml:"tick_interval"`
	SessionIdleTimeout time.Duration `json:"session_idle_timeout" yaml:"session_idle_timeout"`
	SnapshotTTL        time.Duration `json:"snapshot_ttl" yaml:"snapshot_ttl"`
}

// Defaults returns the built-in configuration.
func Defaults() *Config {
	opts := engine.DefaultOptions()
	proc := processor.DefaultProcessorConfig()
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			Environment:     "development",
		},
		Engine: EngineConfig{
			SmoothingAlpha:      opts.SmoothingAlpha,
			MotionThreshold:     opts.MotionThreshold,
			VisibilityThreshold: opts.MinVisibility,
			TargetRepsPerSet:    opts.TargetReps,
			CorrectRepScore:     opts.CorrectRepScore,
			MaxErrorLog:         opts.MaxErrorLog,
		},
		Pose: PoseConfig{
			Timeout:             10 * time.Second,
			MaxRetries:          2,
			RetryDelay:          200 * time.Millisecond,
			HealthCheckInterval: 30 * time.Second,
		},
		Security: SecurityConfig{
			AllowedOrigins: []string{"*"},
			AdminIPs:       []string{"*"},
			RateLimitRPS:   100,
			RateLimitBurst: 200,
			MaxRequestSize: 10 * 1024 * 1024,
			RequestTimeout: 30 * time.Second,
		},
		Cache: CacheConfig{
			Backend:  "memory",
			MaxItems: 10000,
			TTL:      30 * time.Minute,
		},
		Redis: RedisConfig{
			Host: "localhost",
			Port: 6379,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
		Processor: ProcessorConfig{
			MaxQueueSize:       proc.MaxQueueSize,
			MaxWorkers:         proc.MaxWorkers,
			MaxSessions:        proc.MaxSessions,
			ProcessingTimeout:  proc.ProcessingTimeout,
			TickInterval:       proc.TickInterval,
			SessionIdleTimeout: proc.IdleTimeout,
			SnapshotTTL:        proc.SnapshotTTL,
		},
	}
}

// LoadConfig layers defaults, the YAML file at path (or $CONFIG_FILE) and the
// environment, later layers winning.
func LoadConfig(path string) (*Config, error) {
	cfg := Defaults()

	if path == "" {
		path = os.Getenv("CONFIG_FILE")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Server.Host = getEnv("SERVER_HOST", c.Server.Host)
	c.Server.Port = getEnvAsInt("SERVER_PORT", c.Server.Port)
	c.Server.ReadTimeout = getEnvAsDuration("SERVER_READ_TIMEOUT", c.Server.ReadTimeout)
	c.Server.WriteTimeout = getEnvAsDuration("SERVER_WRITE_TIMEOUT", c.Server.WriteTimeout)
	c.Server.IdleTimeout = getEnvAsDuration("SERVER_IDLE_TIMEOUT", c.Server.IdleTimeout)
	c.Server.ShutdownTimeout = getEnvAsDuration("SERVER_SHUTDOWN_TIMEOUT", c.Server.ShutdownTimeout)
	c.Server.Environment = getEnv("ENVIRONMENT", c.Server.Environment)

	c.Engine.SmoothingAlpha = getEnvAsFloat("SMOOTHING_ALPHA", c.Engine.SmoothingAlpha)
	c.Engine.MotionThreshold = getEnvAsFloat("MOTION_THRESHOLD", c.Engine.MotionThreshold)
	c.Engine.VisibilityThreshold = getEnvAsFloat("VISIBILITY_THRESHOLD", c.Engine.VisibilityThreshold)
	c.Engine.TargetRepsPerSet = getEnvAsInt("TARGET_REPS_PER_SET", c.Engine.TargetRepsPerSet)
	c.Engine.CorrectRepScore = getEnvAsInt("CORRECT_REP_SCORE", c.Engine.CorrectRepScore)
	c.Engine.MaxErrorLog = getEnvAsInt("MAX_ERROR_LOG", c.Engine.MaxErrorLog)

	c.Pose.BaseURL = getEnv("POSE_BASE_URL", c.Pose.BaseURL)
	c.Pose.Timeout = getEnvAsDuration("POSE_TIMEOUT", c.Pose.Timeout)
	c.Pose.MaxRetries = getEnvAsInt("POSE_MAX_RETRIES", c.Pose.MaxRetries)
	c.Pose.RetryDelay = getEnvAsDuration("POSE_RETRY_DELAY", c.Pose.RetryDelay)
	c.Pose.HealthCheckInterval = getEnvAsDuration("POSE_HEALTH_CHECK_INTERVAL", c.Pose.HealthCheckInterval)

	c.Security.JWTSecretKey = getEnv("JWT_SECRET_KEY", c.Security.JWTSecretKey)
	c.Security.AllowedOrigins = getEnvAsStringSlice("ALLOWED_ORIGINS", c.Security.AllowedOrigins)
	c.Security.AdminIPs = getEnvAsStringSlice("ADMIN_IPS", c.Security.AdminIPs)
	c.Security.RateLimitRPS = getEnvAsInt("RATE_LIMIT_RPS", c.Security.RateLimitRPS)
	c.Security.RateLimitBurst = getEnvAsInt("RATE_LIMIT_BURST", c.Security.RateLimitBurst)
	c.Security.MaxRequestSize = getEnvAsInt64("MAX_REQUEST_SIZE", c.Security.MaxRequestSize)
	c.Security.RequestTimeout = getEnvAsDuration("REQUEST_TIMEOUT", c.Security.RequestTimeout)
	c.Security.EnableHTTPS = getEnvAsBool("ENABLE_HTTPS", c.Security.EnableHTTPS)
	c.Security.CertFile = getEnv("CERT_FILE", c.Security.CertFile)
	c.Security.KeyFile = getEnv("KEY_FILE", c.Security.KeyFile)

	c.Cache.Backend = getEnv("CACHE_BACKEND", c.Cache.Backend)
	c.Cache.MaxItems = getEnvAsInt("CACHE_MAX_ITEMS", c.Cache.MaxItems)
	c.Cache.TTL = getEnvAsDuration("CACHE_TTL", c.Cache.TTL)

	c.Redis.Host = getEnv("REDIS_HOST", c.Redis.Host)
	c.Redis.Port = getEnvAsInt("REDIS_PORT", c.Redis.Port)
	c.Redis.Password = getEnv("REDIS_PASSWORD", c.Redis.Password)
	c.Redis.DB = getEnvAsInt("REDIS_DB", c.Redis.DB)

	c.Logging.Level = getEnv("LOG_LEVEL", c.Logging.Level)
	c.Logging.Format = getEnv("LOG_FORMAT", c.Logging.Format)

	c.Processor.MaxQueueSize = getEnvAsInt("PROCESSOR_QUEUE_SIZE", c.Processor.MaxQueueSize)
	c.Processor.MaxWorkers = getEnvAsInt("PROCESSOR_WORKERS", c.Processor.MaxWorkers)
	c.Processor.MaxSessions = getEnvAsInt("MAX_SESSIONS", c.Processor.MaxSessions)
	c.Processor.ProcessingTimeout = getEnvAsDuration("PROCESSING_TIMEOUT", c.Processor.ProcessingTimeout)
	c.Processor.TickInterval = getEnvAsDuration("TICK_INTERVAL", c.Processor.TickInterval)
	c.Processor.SessionIdleTimeout = getEnvAsDuration("SESSION_IDLE_TIMEOUT", c.Processor.SessionIdleTimeout)
	c.Processor.SnapshotTTL = getEnvAsDuration("SNAPSHOT_TTL", c.Processor.SnapshotTTL)
}

// ValidateConfig reports every problem at once.
func (c *Config) ValidateConfig(logger *zap.Logger) error {
	var errs []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, "server port must be between 1 and 65535")
	}

	if c.Engine.SmoothingAlpha <= 0 || c.Engine.SmoothingAlpha > 1 {
		errs = append(errs, "smoothing alpha must be in (0, 1]")
	}
	if c.Engine.MotionThreshold <= 0 {
		errs = append(errs, "motion threshold must be positive")
	}
	if c.Engine.VisibilityThreshold < 0 || c.Engine.VisibilityThreshold >= 1 {
		errs = append(errs, "visibility threshold must be in [0, 1)")
	}
	if c.Engine.TargetRepsPerSet < 1 {
		errs = append(errs, "target reps per set must be at least 1")
	}
	if c.Engine.CorrectRepScore < 0 || c.Engine.CorrectRepScore > 100 {
		errs = append(errs, "correct rep score must be between 0 and 100")
	}
	if c.Engine.MaxErrorLog < 1 {
		errs = append(errs, "max error log must be at least 1")
	}

	if c.Pose.BaseURL == "" {
		logger.Warn("Pose service URL not set, image frames are disabled")
	}

	if c.Security.JWTSecretKey == "" {
		logger.Warn("JWT secret key not set, using random key")
	}
	if c.Security.MaxRequestSize <= 0 {
		errs = append(errs, "max request size must be positive")
	}
	if c.Security.RateLimitRPS <= 0 || c.Security.RateLimitBurst <= 0 {
		errs = append(errs, "rate limit rps and burst must be positive")
	}
	if c.Security.EnableHTTPS && (c.Security.CertFile == "" || c.Security.KeyFile == "") {
		errs = append(errs, "HTTPS requires cert and key files")
	}

	switch c.Cache.Backend {
	case "memory":
	case "redis":
		if c.Redis.Host == "" {
			errs = append(errs, "Redis host is required")
		}
		if c.Redis.Port < 1 || c.Redis.Port > 65535 {
			errs = append(errs, "Redis port must be between 1 and 65535")
		}
	default:
		errs = append(errs, fmt.Sprintf("unknown cache backend %q", c.Cache.Backend))
	}

	if _, err := zapcore.ParseLevel(c.Logging.Level); err != nil {
		errs = append(errs, fmt.Sprintf("invalid log level %q", c.Logging.Level))
	}
	if c.Logging.Format != "json" && c.Logging.Format != "console" {
		errs = append(errs, "log format must be json or console")
	}

	if c.Processor.MaxWorkers < 1 {
		errs = append(errs, "processor workers must be at least 1")
	}
	if c.Processor.MaxQueueSize < c.Processor.MaxWorkers {
		errs = append(errs, "processor queue size must be at least the worker count")
	}
	if c.Processor.TickInterval <= 0 {
		errs = append(errs, "tick interval must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errs, ", "))
	}
	return nil
}

func (c *Config) EngineOptions() engine.Options {
	return engine.Options{
		SmoothingAlpha:  c.Engine.SmoothingAlpha,
		MotionThreshold: c.Engine.MotionThreshold,
		MinVisibility:   c.Engine.VisibilityThreshold,
		TargetReps:      c.Engine.TargetRepsPerSet,
		CorrectRepScore: c.Engine.CorrectRepScore,
		MaxErrorLog:     c.Engine.MaxErrorLog,
	}
}

func (c *Config) ProcessorOptions() processor.ProcessorConfig {
	return processor.ProcessorConfig{
		MaxQueueSize:      c.Processor.MaxQueueSize,
		MaxWorkers:        c.Processor.MaxWorkers,
		MaxSessions:       c.Processor.MaxSessions,
		ProcessingTimeout: c.Processor.ProcessingTimeout,
		TickInterval:      c.Processor.TickInterval,
		IdleTimeout:       c.Processor.SessionIdleTimeout,
		SnapshotTTL:       c.Processor.SnapshotTTL,
	}
}

// NewLogger builds the process logger: production JSON output for the json
// format, the colored development encoder otherwise.
func (l LoggingConfig) NewLogger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(l.Level)
	if err != nil {
		return nil, fmt.Errorf("parse log level: %w", err)
	}

	var zc zap.Config
	if l.Format == "json" {
		zc = zap.NewProductionConfig()
	} else {
		zc = zap.NewDevelopmentConfig()
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvAsStringSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		return parts
	}
	return defaultValue
}

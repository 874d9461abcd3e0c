package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/san-kum/formcoach/server/cache"
	"github.com/san-kum/formcoach/server/config"
	"github.com/san-kum/formcoach/server/exercise"
	"github.com/san-kum/formcoach/server/handlers"
	"github.com/san-kum/formcoach/server/middleware"
	"github.com/san-kum/formcoach/server/pose"
	"github.com/san-kum/formcoach/server/processor"
)

type Server struct {
	router      *gin.Engine
	logger      *zap.Logger
	processor   *processor.FrameProcessor
	pose        *pose.Client
	cache       cache.Cache
	rateLimiter *middleware.RateLimiter
	config      *config.Config
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "formcoach",
		Short:         "Real-time exercise form analysis server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "YAML config file (defaults to $CONFIG_FILE)")

	root.AddCommand(newServeCmd(&configPath))
	root.AddCommand(newReplayCmd(&configPath))
	root.AddCommand(newExercisesCmd())
	root.AddCommand(newTokenCmd(&configPath))
	return root
}

// loadConfig loads and validates configuration and builds the logger it
// names.
func loadConfig(path string) (*config.Config, *zap.Logger, error) {
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, nil, err
	}
	logger, err := cfg.Logging.NewLogger()
	if err != nil {
		return nil, nil, fmt.Errorf("initialize logger: %w", err)
	}
	if err := cfg.ValidateConfig(logger); err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and WebSocket server",
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			defer logger.Sync()
			return runServer(cfg, logger)
		},
	}
}

func runServer(cfg *config.Config, logger *zap.Logger) error {
	if cfg.Server.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	server := NewServer(cfg, logger)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      server.router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("Starting server",
			zap.String("addr", addr),
			zap.String("environment", cfg.Server.Environment),
			zap.String("cache", cfg.Cache.Backend),
			zap.Bool("pose_service", server.pose.Configured()))

		var err error
		if cfg.Security.EnableHTTPS {
			err = srv.ListenAndServeTLS(cfg.Security.CertFile, cfg.Security.KeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	var runErr error
	select {
	case <-quit:
	case err := <-serveErr:
		runErr = fmt.Errorf("server failed: %w", err)
	}

	logger.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}
	server.Close(cfg.Server.ShutdownTimeout)

	logger.Info("Server exited")
	return runErr
}

func NewServer(cfg *config.Config, logger *zap.Logger) *Server {
	store := newCache(cfg, logger)
	registry := exercise.DefaultRegistry()

	poseCfg := pose.ClientConfig{
		Timeout:             cfg.Pose.Timeout,
		MaxRetries:          cfg.Pose.MaxRetries,
		RetryDelay:          cfg.Pose.RetryDelay,
		HealthCheckInterval: cfg.Pose.HealthCheckInterval,
	}
	poseClient := pose.NewClient(cfg.Pose.BaseURL, poseCfg, logger)
	poseClient.StartHealthChecker()

	frameProcessor := processor.NewFrameProcessor(registry, cfg.EngineOptions(), store, cfg.ProcessorOptions(), logger)

	rateLimiter := middleware.NewRateLimiter(cfg.Security.RateLimitRPS, cfg.Security.RateLimitBurst, logger)
	auth := middleware.NewAuthMiddleware(cfg.Security.JWTSecretKey, logger)

	router := gin.New()
	router.Use(middleware.RequestID())
	router.Use(middleware.RequestLogger(logger))
	router.Use(gin.Recovery())
	router.Use(middleware.SecurityHeaders())
	router.Use(middleware.CORS(cfg.Security.AllowedOrigins))

	stats := handlers.NewSystemStats()
	s := &Server{
		router:      router,
		logger:      logger,
		processor:   frameProcessor,
		pose:        poseClient,
		cache:       store,
		rateLimiter: rateLimiter,
		config:      cfg,
	}
	s.setupRoutes(
		handlers.NewWebSocketHandler(frameProcessor, poseClient, stats, cfg.Security.AllowedOrigins, cfg.Security.RequestTimeout, logger),
		handlers.NewStreamHandler(frameProcessor, registry, poseClient, stats, logger),
		auth,
	)
	return s
}

// newCache connects to Redis when configured and falls back to the
// in-process cache if it is unreachable.
func newCache(cfg *config.Config, logger *zap.Logger) cache.Cache {
	if cfg.Cache.Backend == "redis" {
		rc, err := cache.NewRedisCache(cfg.Redis.Addr(), cfg.Redis.Password, cfg.Redis.DB, cfg.Cache.TTL, logger)
		if err == nil {
			return rc
		}
		logger.Warn("Failed to connect to Redis, using memory cache", zap.Error(err))
	}
	return cache.NewMemoryCache(cfg.Cache.MaxItems, cfg.Cache.TTL, logger)
}

func (s *Server) setupRoutes(ws *handlers.WebSocketHandler, streams *handlers.StreamHandler, auth *middleware.AuthMiddleware) {
	s.router.GET("/health", s.health)

	s.router.GET("/ws", s.rateLimiter.RateLimit(), ws.HandleWebSocket)

	api := s.router.Group("/api/v1")
	api.GET("/health", s.health)

	public := api.Group("")
	public.Use(
		s.rateLimiter.RateLimit(),
		middleware.RequestSizeLimit(s.config.Security.MaxRequestSize),
		middleware.RequireJSON(),
		middleware.RequestTimeout(s.config.Security.RequestTimeout),
	)
	streams.Register(public)

	admin := api.Group("/admin")
	admin.Use(
		middleware.IPWhitelist(s.config.Security.AdminIPs),
		auth.RequireAuth(),
		auth.RequireRole(middleware.RoleAdmin),
	)
	streams.RegisterAdmin(admin)
	admin.GET("/rate-limit", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.rateLimiter.GetGlobalStats())
	})
}

func (s *Server) health(c *gin.Context) {
	status := "healthy"

	cacheStats, err := s.cache.GetStats(c.Request.Context())
	if err != nil || !cacheStats.Connected {
		status = "degraded"
	}
	if s.pose.Configured() && !s.pose.Healthy() {
		status = "degraded"
	}
	procStats := s.processor.GetStats()

	c.JSON(http.StatusOK, gin.H{
		"status":          status,
		"timestamp":       time.Now().Unix(),
		"active_sessions": procStats.ActiveSessions,
		"queue_running":   procStats.Queue.IsRunning,
		"cache":           cacheStats,
		"pose": gin.H{
			"configured": s.pose.Configured(),
			"healthy":    s.pose.Healthy(),
		},
	})
}

// Close stops background work in dependency order: sessions first, then
// the collaborators they publish to.
func (s *Server) Close(timeout time.Duration) {
	if err := s.processor.Shutdown(timeout); err != nil {
		s.logger.Error("Failed to shutdown frame processor", zap.Error(err))
	}
	s.rateLimiter.Shutdown()
	s.pose.Close()
	if err := s.cache.Close(); err != nil {
		s.logger.Error("Failed to close cache", zap.Error(err))
	}
}

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	mutedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
)

func newExercisesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "exercises",
		Short: "List supported exercises and their ideal ranges",
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			for _, def := range exercise.DefaultRegistry().List() {
				_, _ = fmt.Fprintf(out, "%s %s\n", titleStyle.Render(def.Name), mutedStyle.Render("("+string(def.ID)+")"))
				_, _ = fmt.Fprintf(out, "  %s\n", def.Description)
				for _, j := range def.Joints {
					_, _ = fmt.Fprintf(out, "  %-6s %s\n", j.Label, j.Ideal)
				}
				_, _ = fmt.Fprintf(out, "  reps: %s below %.0f°, %s above %.0f°\n",
					def.Phases.PhaseA, def.Phases.EnterBelow, def.Phases.PhaseB, def.Phases.EnterAbove)
			}
			return nil
		},
	}
}

func newTokenCmd(configPath *string) *cobra.Command {
	var (
		subject string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an admin bearer token for /api/v1/admin",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadConfig(*configPath)
			if err != nil {
				return err
			}
			if cfg.Security.JWTSecretKey == "" {
				return errors.New("JWT_SECRET_KEY must be set for tokens to be accepted by the server")
			}
			token, err := middleware.NewAuthMiddleware(cfg.Security.JWTSecretKey, nil).GenerateToken(subject, middleware.RoleAdmin, ttl)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "operator", "token subject")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}

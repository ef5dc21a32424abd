package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"go.pilab.hu/imagewatch/cache"
	"go.pilab.hu/imagewatch/config"
	"go.pilab.hu/imagewatch/internal/audit"
	"go.pilab.hu/imagewatch/internal/auth"
	"go.pilab.hu/imagewatch/internal/delivery"
	"go.pilab.hu/imagewatch/internal/metrics"
	"go.pilab.hu/imagewatch/internal/scanner"
	"go.pilab.hu/imagewatch/internal/server"
	"go.pilab.hu/imagewatch/internal/shutdown"
	"go.pilab.hu/imagewatch/internal/tracker"
	"go.pilab.hu/imagewatch/log"
)

const shutdownTimeout = 30 * time.Second

func newServeCmd() *cobra.Command {
	var envFile string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Watch SERVE_DIR and serve the change feed",
		RunE: func(cmd *cobra.Command, args []string) error {
			var envFiles []string
			if envFile != "" {
				envFiles = append(envFiles, envFile)
			}
			return runServe(cmd.Context(), envFiles)
		},
	}
	cmd.Flags().StringVar(&envFile, "env-file", "", "dotenv file to load (default .env)")
	return cmd
}

func newLogger(cfg *config.ServerConfig) log.Logger {
	logLevel, parseErr := zerolog.ParseLevel(cfg.LogLevel)
	if parseErr != nil {
		logLevel = zerolog.InfoLevel
		fallbackLogger := zerolog.New(os.Stderr).With().Timestamp().Logger()
		fallbackLogger.Warn().
			Str("configured_log_level", cfg.LogLevel).
			Str("fallback_log_level", logLevel.String()).
			Err(parseErr).
			Msg("Invalid LOG_LEVEL configured, defaulting to 'info'")
	}
	return log.NewZerologAdapter(logLevel, cfg.LogPretty)
}

func runServe(ctx context.Context, envFiles []string) error {
	cfg, err := config.LoadConfig(envFiles...)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := auth.CheckPasswordHash(cfg.AuthPassHash); err != nil {
		return fmt.Errorf("invalid configuration: AUTH_PASS_ARGON2: %w", err)
	}

	appLogger := newLogger(cfg)
	appLogger.Info(ctx, "Configuration loaded successfully", map[string]interface{}{
		"listen_address":   cfg.ListenAddress,
		"serve_dir":        cfg.ServeDir,
		"frontend_dir":     cfg.FrontendDir,
		"file_extensions":  cfg.FileExtensions,
		"token_ttl":        cfg.TokenTTL().String(),
		"rescrape":         cfg.RescrapeInterval().String(),
		"chunk_size":       cfg.FileAddChunkSize,
		"chunk_delay":      cfg.ChunkDelay().String(),
		"metrics_enabled":  cfg.MetricsEnabled,
		"login_throttling": cfg.LoginMaxFailures > 0,
	})

	if info, err := os.Stat(cfg.ServeDir); err != nil || !info.IsDir() {
		return fmt.Errorf("SERVE_DIR %q is not a readable directory", cfg.ServeDir)
	}
	extensions, err := scanner.ParseExtensions(cfg.FileExtensions)
	if err != nil {
		return err
	}
	frontendHash, err := server.FrontendHash(cfg.FrontendDir)
	if err != nil {
		return err
	}

	// Bind before starting anything so an occupied port fails fast.
	listener, err := net.Listen("tcp", cfg.ListenAddress)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", cfg.ListenAddress, err)
	}

	var registry *prometheus.Registry
	var metricsHandler http.Handler
	if cfg.MetricsEnabled {
		registry = prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		metrics.InitCustomMetrics(registry)
		metricsHandler = promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
	}

	coordinator := shutdown.NewCoordinator(appLogger)
	auditRecorder := audit.NewRecorder(os.Stdout)

	tokenStore := cache.NewTokenStore(cache.Config{
		CleanupInterval: cfg.TokenCleanupInterval(),
		TTL:             cfg.TokenTTL(),
		MaxPerUser:      cfg.TokenMaxPerUser,
		Logger:          appLogger,
	})
	if registry != nil {
		registry.MustRegister(cache.NewStatsCollector(tokenStore))
	}
	authenticator := auth.NewAuthenticator(auth.Config{
		Username:           cfg.AuthUser,
		PasswordHash:       cfg.AuthPassHash,
		Tokens:             tokenStore,
		MaxLoginFailures:   cfg.LoginMaxFailures,
		LoginFailureWindow: cfg.LoginFailureWindow(),
		Audit:              auditRecorder,
		Logger:             appLogger,
	})
	baselineTracker := tracker.NewTracker(tracker.Config{
		Spawn: tracker.DeliverySpawner(tokenStore, delivery.Config{
			ChunkSize:       cfg.FileAddChunkSize,
			ChunkDelay:      cfg.ChunkDelay(),
			WriteTimeout:    cfg.WriteTimeout(),
			RefreshInterval: cfg.TokenRefreshInterval(),
			Logger:          appLogger,
		}),
		Logger: appLogger,
	})
	changeScanner := scanner.NewScanner(scanner.Config{
		FS:         os.DirFS(cfg.ServeDir),
		Extensions: extensions,
		Interval:   cfg.RescrapeInterval(),
		Sink:       baselineTracker,
		Logger:     appLogger,
	})

	// Producers stop first so nothing is sent to an actor that already exited.
	components := []struct {
		name  string
		actor interface {
			Close() error
			Wait()
		}
	}{
		{"scanner", changeScanner},
		{"tracker", baselineTracker},
		{"authenticator", authenticator},
		{"token_store", tokenStore},
	}
	for _, c := range components {
		if err := coordinator.AddResource(ctx, c.name, c.actor); err != nil {
			return err
		}
		if err := coordinator.AddTask(ctx, c.name, c.actor); err != nil {
			return err
		}
	}

	if _, err := changeScanner.ScanNow(ctx); err != nil {
		appLogger.Warn(ctx, "initial scan failed", map[string]interface{}{"error": err.Error()})
	}

	gin.SetMode(gin.ReleaseMode)
	router := server.NewRouter(server.Options{
		Authenticator:  authenticator,
		Tokens:         tokenStore,
		Tracker:        baselineTracker,
		ServeDir:       cfg.ServeDir,
		FrontendDir:    cfg.FrontendDir,
		FrontendHash:   frontendHash,
		MetricsHandler: metricsHandler,
		Audit:          auditRecorder,
		Logger:         appLogger,
	})
	httpServer := server.NewHTTPServer(cfg.ListenAddress, router)

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(signalCtx)
	group.Go(func() error {
		appLogger.Info(ctx, "HTTP server listening", map[string]interface{}{"address": listener.Addr().String()})
		if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		appLogger.Info(ctx, "Shutting down HTTP server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	serveErr := group.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := coordinator.Shutdown(shutdownCtx); err != nil {
		appLogger.Error(shutdownCtx, "actor shutdown did not complete", err)
		return err
	}
	appLogger.Info(shutdownCtx, "Server gracefully stopped.")
	return serveErr
}

package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/orderflow/internal/config"
	"github.com/ehr/orderflow/internal/domain/diagnostics"
	"github.com/ehr/orderflow/internal/platform/auth"
	"github.com/ehr/orderflow/internal/platform/db"
	"github.com/ehr/orderflow/internal/platform/middleware"
	"github.com/ehr/orderflow/internal/platform/notification"
	"github.com/ehr/orderflow/internal/platform/reporting"
	"github.com/ehr/orderflow/internal/platform/telemetry"
	"github.com/ehr/orderflow/internal/platform/validation"
	"github.com/ehr/orderflow/internal/platform/webhook"
	"github.com/ehr/orderflow/internal/platform/websocket"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "orderflow",
		Short:         "Diagnostic order lifecycle service",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(orderCmd())
	rootCmd.AddCommand(escalationsCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the order lifecycle API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			migrate, _ := cmd.Flags().GetBool("migrate")
			return runServer(migrate)
		},
	}
	cmd.Flags().Bool("migrate", false, "Apply pending PostgreSQL migrations before serving")
	return cmd
}

func newLogger(cfg *config.Config) zerolog.Logger {
	var logger zerolog.Logger
	if cfg == nil || cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	} else {
		logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	}
	if cfg != nil {
		if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil && lvl != zerolog.NoLevel {
			logger = logger.Level(lvl)
		}
	}
	return logger
}

func runServer(migrate bool) error {
	cfg, err := config.Load()
	if err != nil {
		bootLogger := newLogger(nil)
		bootLogger.Error().Err(err).Msg("failed to load config")
		return err
	}
	logger := newLogger(cfg)
	if err := cfg.Validate(); err != nil {
		logger.Error().Err(err).Msg("invalid configuration")
		return err
	}
	if cfg.IsDev() {
		logger.Warn().Msg("development mode: callers are identified by X-Actor-ID/X-Actor-Role headers and default to admin; do not use in production")
	}

	ctx := context.Background()
	metrics := telemetry.New()

	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Error().Err(err).Str("driver", cfg.StoreDriver).Msg("failed to open store")
		return err
	}
	defer st.Close()
	if migrate && st.pool != nil {
		n, err := db.NewMigrator(st.pool, db.EmbeddedMigrations(), "").Up(ctx)
		if err != nil {
			return err
		}
		logger.Info().Int("applied", n).Msg("migrations applied")
	}

	sk, err := newSinks(ctx, cfg, logger)
	if err != nil {
		return err
	}
	notifier, closeNotifier, err := buildNotifier(ctx, cfg, logger, sk, metrics)
	if err != nil {
		logger.Error().Err(err).Strs("transport", cfg.NotifyTransport).Msg("failed to set up notifications")
		return err
	}
	defer closeNotifier()

	svc := diagnostics.NewService(st.orders, st.tickets, notifier)
	svc.SetLogger(logger)
	svc.SetMetrics(metrics)
	svc.SetNotifyTimeout(cfg.NotifyTimeout)
	sk.feed(svc, cfg, logger)
	forwardHL7(svc, cfg, logger)

	e := newServer(cfg, logger, svc, sk, metrics, st)

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("driver", cfg.StoreDriver).Msg("starting server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(sctx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}

// newServer assembles the HTTP surface: global middleware, authentication,
// the order API under /api/v1 and the public health and metrics endpoints.
func newServer(cfg *config.Config, logger zerolog.Logger, svc *diagnostics.Service, sk *sinks, metrics *telemetry.Metrics, st *store) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = validation.New()

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(metrics.Middleware())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader, auth.HeaderActorID, auth.HeaderActorRole},
	}))

	if cfg.IsDev() {
		e.Use(auth.DevAuthMiddleware(auth.AuthSkipper))
	} else {
		e.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			JWKSURL:    cfg.AuthJWKSURL,
			SigningKey: []byte(cfg.AuthSigningKey),
			Skipper:    auth.AuthSkipper,
		}))
	}

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	e.GET("/health/db", db.HealthHandler(st.probe))
	e.GET("/metrics", metrics.Handler())

	apiV1 := e.Group("/api/v1")
	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}
	apiV1.Use(middleware.RateLimit(rateLimitCfg))

	diagnostics.NewHandler(svc).RegisterRoutes(apiV1)

	actorOf := func(c echo.Context) string { return auth.PrincipalFromContext(c.Request().Context()).ID }
	websocket.NewHandler(sk.hub, cfg.CORSOrigins, actorOf, logger).
		RegisterRoutes(apiV1.Group("", auth.RequireRole(diagnostics.ClinicalRoles()...)))

	admin := apiV1.Group("", auth.RequireRole(auth.AdminRole))
	notification.NewHandler(sk.mail).RegisterRoutes(admin)
	webhook.NewHandler(sk.hooks).RegisterRoutes(admin)

	reporting.NewHandler(st.reports, string(diagnostics.RolePathologist), string(diagnostics.RoleRadiologist)).
		RegisterRoutes(apiV1)

	return e
}

const version = "0.1.0"

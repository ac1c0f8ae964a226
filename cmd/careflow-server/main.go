package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/careflow/careflow/internal/config"
	"github.com/careflow/careflow/internal/domain/directory"
	"github.com/careflow/careflow/internal/domain/scheduling"
	"github.com/careflow/careflow/internal/platform/apierror"
	"github.com/careflow/careflow/internal/platform/auth"
	"github.com/careflow/careflow/internal/platform/db"
	"github.com/careflow/careflow/internal/platform/middleware"
	"github.com/careflow/careflow/internal/platform/validation"
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "careflow-server",
		Short:        "CareFlow appointment scheduling API server",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(slotsCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(env string, out io.Writer) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: out}).With().Timestamp().Logger()
	}
	return zerolog.New(out).With().Timestamp().Logger()
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the scheduling API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func runServer() error {
	logger := newLogger(os.Getenv("ENV"), os.Stdout)

	cfg, err := loadConfig()
	if err != nil {
		logger.Error().Err(err).Msg("failed to load config")
		return err
	}
	logger = newLogger(cfg.Env, os.Stdout)
	if cfg.IsDev() {
		logger.Warn().Msg("development mode: X-Actor-ID and X-Actor-Role headers are trusted")
	}

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Error().Err(err).Msg("failed to connect to database")
		return err
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	grid, err := scheduling.NewSlotGrid(cfg.SlotGranularityMinutes, cfg.WorkdayStart, cfg.WorkdayEnd)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := middleware.NewMetrics(reg)

	dirSvc := directory.NewService(directory.NewRepoPG(pool))
	schedSvc := scheduling.NewService(
		scheduling.NewSlotRepoPG(pool),
		scheduling.NewAppointmentRepoPG(pool),
		dirSvc,
		scheduling.NewTxRunner(pool),
		scheduling.Options{
			Grid:                   grid,
			EnforceSlotExclusivity: cfg.EnforceSlotExclusivity,
			Recorder:               metrics,
			Logger:                 logger.With().Str("component", "scheduling").Logger(),
		},
	)

	e := newRouter(cfg, logger, routerDeps{
		registry:   reg,
		metrics:    metrics,
		health:     db.HealthHandler(pool, func() *db.PoolStats { return db.GetPoolStats(pool) }),
		auth:       authMiddleware(cfg, logger),
		scheduling: scheduling.NewHandler(schedSvc),
		directory:  directory.NewHandler(dirSvc),
	})

	addr := ":" + cfg.Port
	go func() {
		logger.Info().
			Str("addr", addr).
			Str("env", cfg.Env).
			Int("slot_granularity", grid.Granularity).
			Bool("slot_exclusivity", cfg.EnforceSlotExclusivity).
			Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	return waitForShutdown(e, logger, pool)
}

func waitForShutdown(e *echo.Echo, logger zerolog.Logger, pool *pgxpool.Pool) error {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
		return err
	}
	logger.Info().Interface("pool", db.GetPoolStats(pool)).Msg("server stopped")
	return nil
}

type routerDeps struct {
	registry   *prometheus.Registry
	metrics    *middleware.Metrics
	health     echo.HandlerFunc
	auth       echo.MiddlewareFunc
	scheduling *scheduling.Handler
	directory  *directory.Handler
}

// newRouter builds the echo instance. Global middleware runs outermost
// first; authentication applies to /api/v1 only.
func newRouter(cfg *config.Config, logger zerolog.Logger, deps routerDeps) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = validation.New()
	e.HTTPErrorHandler = apierror.HTTPErrorHandler(logger)

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(deps.metrics.Middleware())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader, auth.ActorIDHeader, auth.ActorRoleHeader},
	}))
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.BodyLimit("1M"))

	e.GET("/health", deps.health)
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(deps.registry, promhttp.HandlerOpts{})))

	rl := middleware.RateLimitConfig{RequestsPerSecond: cfg.RateLimitRPS, BurstSize: cfg.RateLimitBurst}
	if rl.RequestsPerSecond <= 0 {
		rl = middleware.DefaultRateLimitConfig()
	}

	mws := []echo.MiddlewareFunc{middleware.RateLimit(rl), middleware.RequestTimeout(cfg.RequestTimeout)}
	if deps.auth != nil {
		mws = append(mws, deps.auth)
	}
	api := e.Group("/api/v1", mws...)
	deps.directory.RegisterRoutes(api)
	deps.scheduling.RegisterRoutes(api)

	return e
}

// authMiddleware verifies bearer tokens with the HS256 key when one is set,
// otherwise against the JWKS of AUTH_JWKS_URL or the AUTH_ISSUER discovery
// document. Development servers also trust the dev identity headers.
func authMiddleware(cfg *config.Config, logger zerolog.Logger) echo.MiddlewareFunc {
	var jwtMW echo.MiddlewareFunc
	if cfg.AuthSigningKey != "" || cfg.AuthJWKSURL != "" || cfg.AuthIssuer != "" {
		jwtCfg := auth.JWTConfig{
			Issuer:   cfg.AuthIssuer,
			Audience: cfg.AuthAudience,
			JWKSURL:  cfg.AuthJWKSURL,
			Logger:   logger,
		}
		if cfg.AuthSigningKey != "" {
			jwtCfg.SigningKey = []byte(cfg.AuthSigningKey)
		}
		jwtMW = auth.JWTMiddleware(jwtCfg)
	}
	if cfg.IsDev() {
		return auth.DevAuthMiddleware(jwtMW)
	}
	return jwtMW
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	withMigrator := func(cmd *cobra.Command, fn func(ctx context.Context, m *db.Migrator) error) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		dir, _ := cmd.Flags().GetString("dir")
		if dir == "" {
			dir = cfg.MigrationsDir
		}

		ctx := context.Background()
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return err
		}
		defer pool.Close()

		m, err := db.NewMigrator(pool, dir)
		if err != nil {
			return err
		}
		defer m.Close()
		return fn(ctx, m)
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd, func(ctx context.Context, m *db.Migrator) error {
				n, err := m.Up(ctx)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", n)
				return nil
			})
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd, func(ctx context.Context, m *db.Migrator) error {
				statuses, err := m.Status(ctx)
				if err != nil {
					return err
				}
				printMigrationStatus(cmd.OutOrStdout(), statuses)
				return nil
			})
		},
	}

	downCmd := &cobra.Command{
		Use:   "down",
		Short: "Roll back the most recent migration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd, func(ctx context.Context, m *db.Migrator) error {
				mig, err := m.Down(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Rolled back %d %s.\n", mig.Version, mig.Name)
				return nil
			})
		},
	}

	for _, c := range []*cobra.Command{upCmd, statusCmd, downCmd} {
		c.Flags().String("dir", "", "Path to migrations directory (default MIGRATIONS_DIR)")
		cmd.AddCommand(c)
	}
	return cmd
}

func printMigrationStatus(w io.Writer, statuses []db.MigrationStatus) {
	fmt.Fprintf(w, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	fmt.Fprintln(w, "---------- ---------------------------------------- ---------- --------------------")
	for _, s := range statuses {
		status, at := "pending", ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				at = s.AppliedAt.Format(time.RFC3339)
			}
		}
		fmt.Fprintf(w, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, at)
	}
}

func slotsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "slots",
		Short: "Slot catalog helpers",
	}
	gridCmd := &cobra.Command{
		Use:   "grid",
		Short: "Print the windows a slot can occupy under the current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadGrid()
			if err != nil {
				return err
			}
			flags := cmd.Flags()
			if flags.Changed("granularity") {
				cfg.SlotGranularityMinutes, _ = flags.GetInt("granularity")
			}
			if flags.Changed("start") {
				cfg.WorkdayStart, _ = flags.GetString("start")
			}
			if flags.Changed("end") {
				cfg.WorkdayEnd, _ = flags.GetString("end")
			}
			grid, err := scheduling.NewSlotGrid(cfg.SlotGranularityMinutes, cfg.WorkdayStart, cfg.WorkdayEnd)
			if err != nil {
				return err
			}
			printGrid(cmd.OutOrStdout(), grid)
			return nil
		},
	}
	gridCmd.Flags().Int("granularity", 0, "Window length in minutes: 15, 30 or 60 (default SLOT_GRANULARITY_MINUTES)")
	gridCmd.Flags().String("start", "", "Start of the working day, HH:MM (default WORKDAY_START)")
	gridCmd.Flags().String("end", "", "End of the working day, HH:MM (default WORKDAY_END)")
	cmd.AddCommand(gridCmd)
	return cmd
}

func printGrid(w io.Writer, g scheduling.SlotGrid) {
	windows := g.Windows()
	fmt.Fprintf(w, "%d-minute windows from %s to %s (%d per day)\n", g.Granularity, g.DayStart, g.DayEnd, len(windows))
	for _, win := range windows {
		fmt.Fprintf(w, "%s-%s\n", win[0], win[1])
	}
}

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
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/intake/internal/config"
	"github.com/ehr/intake/internal/domain/identity"
	"github.com/ehr/intake/internal/domain/queue"
	"github.com/ehr/intake/internal/domain/reporting"
	"github.com/ehr/intake/internal/domain/visit"
	"github.com/ehr/intake/internal/platform/auth"
	"github.com/ehr/intake/internal/platform/clock"
	"github.com/ehr/intake/internal/platform/db"
	"github.com/ehr/intake/internal/platform/events"
	"github.com/ehr/intake/internal/platform/middleware"
	"github.com/ehr/intake/internal/platform/validate"
	"github.com/ehr/intake/internal/platform/websocket"
	"github.com/ehr/intake/migrations"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "intake-server",
		Short:        "Hospital intake visit workflow server",
		SilenceUsage: true,
	}
	root.AddCommand(serveCmd())
	root.AddCommand(migrateCmd())
	root.AddCommand(facilityCmd())
	root.AddCommand(tokenCmd())
	return root
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")
			ctx := cmd.Context()

			pool, err := connect(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			n, err := db.NewMigrator(pool, migrations.Files).Up(ctx, schema)
			if err != nil {
				return fmt.Errorf("migrate up: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "applied %d migration(s) to %s\n", n, schema)
			return nil
		},
	}
	upCmd.Flags().String("schema", db.SchemaFor("default"), "Target schema for migrations")

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")
			ctx := cmd.Context()

			pool, err := connect(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigrator(pool, migrations.Files).Status(ctx, schema)
			if err != nil {
				return fmt.Errorf("migration status: %w", err)
			}
			printMigrationStatus(cmd.OutOrStdout(), statuses)
			return nil
		},
	}
	statusCmd.Flags().String("schema", db.SchemaFor("default"), "Target schema for migrations")

	cmd.AddCommand(upCmd, statusCmd)
	return cmd
}

func printMigrationStatus(w io.Writer, statuses []db.MigrationStatus) {
	fmt.Fprintf(w, "%-8s %-40s %-8s %s\n", "VERSION", "NAME", "APPLIED", "APPLIED AT")
	for _, s := range statuses {
		applied := "no"
		at := "-"
		if s.Applied {
			applied = "yes"
			if s.AppliedAt != nil {
				at = s.AppliedAt.Format(time.RFC3339)
			}
		}
		fmt.Fprintf(w, "%-8d %-40s %-8s %s\n", s.Version, s.Name, applied, at)
	}
}

func facilityCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "facility",
		Short: "Manage facility schemas",
	}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create and migrate a facility schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("name")
			adminNID, _ := cmd.Flags().GetString("admin-national-id")
			adminName, _ := cmd.Flags().GetString("admin-name")
			if name == "" {
				return fmt.Errorf("--name is required")
			}
			ctx := cmd.Context()

			pool, err := connect(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			n, err := db.CreateFacilitySchema(ctx, pool, name, migrations.Files)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "facility %s ready (%d migration(s) applied)\n", name, n)

			if adminNID == "" {
				return nil
			}
			conn, err := pool.Acquire(ctx)
			if err != nil {
				return fmt.Errorf("acquire connection: %w", err)
			}
			defer conn.Release()
			if _, err := conn.Exec(ctx, fmt.Sprintf("SET search_path TO %s, public", db.SchemaFor(name))); err != nil {
				return fmt.Errorf("set search path: %w", err)
			}

			admin := &identity.Person{NationalID: adminNID, Name: adminName, Role: auth.RoleAdmin, Active: true}
			if err := identity.NewRepo(pool).Create(db.ContextWithConn(ctx, conn), admin); err != nil {
				return fmt.Errorf("create admin: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "admin user %d created\n", admin.ID)
			return nil
		},
	}
	createCmd.Flags().String("name", "", "Facility identifier (alphanumeric)")
	createCmd.Flags().String("admin-national-id", "", "Seed an admin user with this national id")
	createCmd.Flags().String("admin-name", "Administrator", "Display name of the seeded admin")

	cmd.AddCommand(createCmd)
	return cmd
}

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Bearer token utilities",
	}

	issueCmd := &cobra.Command{
		Use:   "issue",
		Short: "Sign a bearer token with AUTH_SIGNING_KEY",
		RunE: func(cmd *cobra.Command, args []string) error {
			subject, _ := cmd.Flags().GetInt64("subject")
			rawRole, _ := cmd.Flags().GetString("role")
			facility, _ := cmd.Flags().GetString("facility")
			ttl, _ := cmd.Flags().GetDuration("ttl")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.AuthSigningKey == "" {
				return fmt.Errorf("AUTH_SIGNING_KEY is not set")
			}
			role, err := auth.ParseRole(rawRole)
			if err != nil {
				return err
			}
			if subject <= 0 {
				return fmt.Errorf("--subject must be a positive user id")
			}
			if ttl <= 0 {
				ttl = cfg.AuthTokenTTL
			}

			token, err := newVerifier(cfg, nil).Issue(auth.Principal{SubjectID: subject, Role: role, Facility: facility}, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	issueCmd.Flags().Int64("subject", 0, "User id the token is issued to")
	issueCmd.Flags().String("role", "", "Role claim (admin, receptionist, nurse, physician, patient)")
	issueCmd.Flags().String("facility", "", "Facility claim")
	issueCmd.Flags().Duration("ttl", 0, "Token lifetime (defaults to AUTH_TOKEN_TTL)")

	cmd.AddCommand(issueCmd)
	return cmd
}

func connect(ctx context.Context) (*pgxpool.Pool, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	return db.NewPool(ctx, cfg.DatabaseURL, db.PoolOptions{MaxConns: 2, ApplicationName: "intake-cli"})
}

func newLogger(env string) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func newVerifier(cfg *config.Config, subjects auth.SubjectChecker) *auth.Verifier {
	return auth.NewVerifier(auth.VerifierConfig{
		SigningKey: []byte(cfg.AuthSigningKey),
		Issuer:     cfg.AuthIssuer,
		Audience:   cfg.AuthAudience,
	}, subjects)
}

// stores bundles the repositories behind the selected driver.
type stores struct {
	people identity.Store
	visits visit.Repository
	queue  queue.Reader
	pool   *pgxpool.Pool
}

func openStores(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*stores, error) {
	if cfg.StoreDriver == config.StoreDriverMemory {
		people := identity.NewMemRepo()
		if err := seedDemo(ctx, people); err != nil {
			return nil, err
		}
		visits := visit.NewMemRepo()
		logger.Warn().Msg("using in-memory store: visits are lost on restart")
		return &stores{
			people: people,
			visits: visits,
			queue:  queue.NewStoreReader(visits, people),
		}, nil
	}

	pool, err := db.NewPool(ctx, cfg.DatabaseURL, db.PoolOptions{
		MaxConns:          cfg.DBMaxConns,
		MinConns:          cfg.DBMinConns,
		HealthCheckPeriod: 30 * time.Second,
		ApplicationName:   "intake-server",
	})
	if err != nil {
		return nil, err
	}
	logger.Info().Msg("connected to database")
	return &stores{
		people: identity.NewRepo(pool),
		visits: visit.NewRepo(pool),
		queue:  queue.NewPGReader(pool),
		pool:   pool,
	}, nil
}

// seedDemo fills an empty memory directory with one user per role and two
// patients. The admin gets id 1, the identity development mode acts as.
func seedDemo(ctx context.Context, people identity.Store) error {
	birth := time.Date(1990, 5, 17, 0, 0, 0, 0, time.UTC)
	female, male := "F", "M"
	seed := []*identity.Person{
		{NationalID: "00000000001", Name: "Admin", Role: auth.RoleAdmin, Active: true},
		{NationalID: "00000000002", Name: "Front Desk", Role: auth.RoleReceptionist, Active: true},
		{NationalID: "00000000003", Name: "Triage Nurse", Role: auth.RoleNurse, Active: true},
		{NationalID: "00000000004", Name: "Attending Physician", Role: auth.RolePhysician, Active: true},
		{NationalID: "10000000001", Name: "Ana Souza", Sex: &female, BirthDate: &birth, Role: auth.RolePatient, Active: true},
		{NationalID: "10000000002", Name: "Bruno Lima", Sex: &male, Role: auth.RolePatient, Active: true},
	}
	for _, p := range seed {
		if err := people.Create(ctx, p); err != nil {
			return fmt.Errorf("seed %s: %w", p.Name, err)
		}
	}
	return nil
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	logger := newLogger(cfg.Env)

	ctx := context.Background()
	st, err := openStores(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open store")
	}
	if st.pool != nil {
		defer st.pool.Close()
	}

	// Events
	hub := websocket.NewHub(cfg.DefaultFacility, logger)
	publisher := events.Fanout{hub}
	if cfg.KafkaEnabled() {
		kp := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic, logger)
		defer kp.Close()
		publisher = append(publisher, kp)
		logger.Info().Strs("brokers", cfg.KafkaBrokers).Str("topic", cfg.KafkaTopic).Msg("publishing visit events to kafka")
	}

	e := newEcho(cfg, st, publisher, hub, logger)

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("store", cfg.StoreDriver).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}

func newEcho(cfg *config.Config, st *stores, publisher events.Publisher, hub *websocket.Hub, logger zerolog.Logger) *echo.Echo {
	clk := clock.New()
	verifier := newVerifier(cfg, st.people)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = validate.New()
	e.HTTPErrorHandler = middleware.ErrorHandler(logger)

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders(cfg.IsProduction()))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID", "X-Facility-ID"},
	}))
	e.Use(echomw.BodyLimit("1M"))

	// Auth middleware
	if cfg.IsDev() {
		e.Use(auth.DevAuthMiddleware(verifier, auth.AuthSkipper))
	} else {
		e.Use(auth.JWTMiddleware(verifier, auth.AuthSkipper))
	}

	// Health
	if st.pool != nil {
		e.GET(auth.HealthDBPath, db.HealthHandler(st.pool, 2*time.Second))
	}
	e.GET(auth.HealthPath, func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok", "store": cfg.StoreDriver})
	})

	apiV1 := e.Group("/api/v1", middleware.Audit(logger))
	if st.pool != nil {
		apiV1.Use(db.FacilityMiddleware(st.pool, cfg.DefaultFacility, cfg.IsDev()))
	}
	apiV1.Use(auth.ActiveSubject(verifier, auth.AuthSkipper))
	if cfg.RateLimitEnabled() {
		rl := middleware.DefaultRateLimitConfig()
		rl.RequestsPerSecond = cfg.RateLimitRPS
		rl.BurstSize = cfg.RateLimitBurst
		apiV1.Use(middleware.RateLimit(rl))
	}

	// HandleConnect returns once the upgrade is done, so the facility
	// connection is released before the pumps start.
	websocket.NewHandler(hub, cfg.CORSOrigins, logger).RegisterRoutes(apiV1,
		auth.RequireRole(auth.RoleReceptionist, auth.RoleNurse, auth.RolePhysician))

	api := apiV1.Group("", middleware.RequestTimeout(cfg.RequestTimeout))

	wf := visit.NewWorkflow(st.visits, st.people, clk, publisher, logger)
	identity.NewHandler(st.people).RegisterRoutes(api)
	visit.NewHandler(wf, st.people).RegisterRoutes(api)
	queue.NewHandler(queue.NewService(st.queue, clk)).RegisterRoutes(api)
	reporting.NewHandler(reporting.NewAggregator(st.visits, clk)).RegisterRoutes(api)

	return e
}

package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aussiebroadwan/grantstore/internal/grant/service"
	"github.com/aussiebroadwan/grantstore/internal/grant/store/drivers/sqlite"
	"github.com/aussiebroadwan/grantstore/pkg/cryptox"
	"github.com/aussiebroadwan/grantstore/pkg/jwtx"
	"github.com/aussiebroadwan/grantstore/pkg/metricsx"
	"github.com/aussiebroadwan/grantstore/pkg/slogx"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"
)

const (
	// BuildVersion should be set at build time via ldflags.
	BuildVersion = "v0.1.0"
)

// Application holds the grant store and the services built on it.
type Application struct {
	cfg    Config
	logger *slog.Logger

	// Core dependencies
	db       *sqlite.Store
	signer   *jwtx.EdDSASigner
	registry *prometheus.Registry

	// Services
	contextService      *service.ContextService
	tokenService        *service.TokenService
	ticketService       *service.TicketService
	housekeepingService *service.HousekeepingService

	// Operations listener, nil when disabled
	server *http.Server
}

// New opens the database, applies migrations and wires the services.
func New(cfg Config) (*Application, error) {
	return NewWithLogger(cfg, slogx.New(slogx.Config{
		Service: "grantstore",
		Version: BuildVersion,
		Env:     cfg.Env,
		Level:   cfg.LogLevel,
		Format:  cfg.LogFormat,
	}))
}

// NewWithLogger is New with the caller's logger.
func NewWithLogger(cfg Config, logger *slog.Logger) (*Application, error) {
	app := &Application{
		cfg:      cfg,
		logger:   logger,
		registry: metricsx.NewRegistry(),
	}

	if err := app.initDatabase(); err != nil {
		return nil, err
	}

	if err := app.initSigner(); err != nil {
		_ = app.db.Close()
		return nil, err
	}

	if err := app.initServices(); err != nil {
		_ = app.db.Close()
		return nil, err
	}
	app.initHTTP()

	return app, nil
}

// Run starts housekeeping and the operations listener, then blocks until
// SIGINT/SIGTERM or a listener failure.
func (app *Application) Run() error {
	app.housekeepingService.Start()

	serverErrors := make(chan error, 1)
	if app.server != nil {
		app.logger.Info("operations listener starting", "port", app.cfg.MetricsPort, "version", BuildVersion)
		go func() {
			serverErrors <- app.server.ListenAndServe()
		}()
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(shutdown)

	select {
	case err := <-serverErrors:
		_ = app.Shutdown()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("operations listener failed: %w", err)
		}
	case sig := <-shutdown:
		app.logger.Info("shutdown signal received", "signal", sig)
		if err := app.Shutdown(); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
	}

	return nil
}

// Shutdown stops housekeeping and the listener and closes the database.
func (app *Application) Shutdown() error {
	app.logger.Info("shutting down grantstore...")

	if app.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), app.cfg.ShutdownGracePeriod)
		defer cancel()

		if err := app.server.Shutdown(ctx); err != nil {
			app.logger.Error("graceful server shutdown failed", "error", err)
			if err := app.server.Close(); err != nil {
				app.logger.Error("error closing server", "error", err)
			}
		}
	}

	app.housekeepingService.Stop()

	return app.Close()
}

// Close releases the database. Use it instead of Shutdown when Run was
// never called.
func (app *Application) Close() error {
	if err := app.db.Close(); err != nil {
		app.logger.Error("error closing database", "error", err)
		return err
	}
	app.logger.Info("grantstore stopped")
	return nil
}

// Sweep runs one housekeeping pass in the foreground.
func (app *Application) Sweep(ctx context.Context) service.SweepReport {
	return app.housekeepingService.RunOnce(ctx)
}

// SchemaVersion reports the applied migration version.
func (app *Application) SchemaVersion() (uint, bool, error) {
	return app.db.SchemaVersion()
}

func (app *Application) Contexts() *service.ContextService { return app.contextService }
func (app *Application) Tokens() *service.TokenService     { return app.tokenService }
func (app *Application) Tickets() *service.TicketService   { return app.ticketService }

// Handler is the operations mux: /metrics and /livez.
func (app *Application) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", metricsx.Handler(app.registry))
	mux.HandleFunc("GET /livez", func(w http.ResponseWriter, r *http.Request) {
		if err := app.db.Ping(r.Context()); err != nil {
			slogx.FromContext(r.Context()).Error("liveness ping failed", "error", err)
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok"))
	})
	return slogx.HTTPMiddleware(app.logger)(mux)
}

// initDatabase initializes the database and applies migrations
func (app *Application) initDatabase() error {
	db, err := sqlite.NewStore(app.cfg.DatabaseFile)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	app.db = db

	if err := db.ApplyMigrations(); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to apply database migrations: %w", err)
	}

	app.logger.Info("database migrations applied successfully", "path", app.cfg.DatabaseFile)
	return nil
}

func (app *Application) initSigner() error {
	if app.cfg.SigningKeyFile == "" {
		app.logger.Warn("no signing key configured, using an ephemeral key")
	}

	key, err := cryptox.LoadOrGenerateEd25519Key(app.cfg.SigningKeyFile)
	if err != nil {
		return fmt.Errorf("failed to load signing key: %w", err)
	}

	kid, err := cryptox.Ed25519KeyID(key)
	if err != nil {
		return fmt.Errorf("failed to derive key id: %w", err)
	}

	signer, err := jwtx.NewSignerEdDSA(kid, key)
	if err != nil {
		return fmt.Errorf("failed to initialize signer: %w", err)
	}
	app.signer = signer
	return nil
}

// initServices initializes all business logic services
func (app *Application) initServices() error {
	policy, err := parseRefreshPolicy(app.cfg.RefreshPolicy)
	if err != nil {
		return err
	}

	app.contextService = &service.ContextService{
		Store:       app.db,
		GracePeriod: app.cfg.ContextGracePeriod,
	}
	app.tokenService = &service.TokenService{
		Store:         app.db,
		Signer:        app.signer,
		Issuer:        app.cfg.Issuer,
		AccessTTL:     app.cfg.AccessTokenTTL,
		RefreshPolicy: policy,
	}
	app.ticketService = &service.TicketService{
		Store:  app.db,
		Tokens: app.tokenService,
	}
	app.housekeepingService = service.NewHousekeepingService(
		app.db,
		app.logger,
		app.cfg.HousekeepingInterval,
		app.cfg.ContextGracePeriod,
		metricsx.NewHousekeeping(app.registry),
	)
	if r := app.cfg.SweepDeleteRate; r > 0 {
		app.housekeepingService.Limiter = rate.NewLimiter(rate.Limit(r), max(1, int(r)))
	}
	return nil
}

func (app *Application) initHTTP() {
	if app.cfg.MetricsPort <= 0 {
		return
	}
	app.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", app.cfg.MetricsPort),
		Handler:           app.Handler(),
		ReadHeaderTimeout: 3 * time.Second,
	}
}

func parseRefreshPolicy(s string) (service.RefreshPolicy, error) {
	switch s {
	case "", "rotate":
		return service.RotateRefreshTokens, nil
	case "reuse":
		return service.ReuseRefreshTokens, nil
	default:
		return 0, fmt.Errorf("unknown refresh policy %q (want rotate or reuse)", s)
	}
}

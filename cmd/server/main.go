// @title           OCR Gateway API
// @version         1.0.0
// @description     PDF to Markdown conversion gateway in front of the MinerU engine, with content-addressed result caching and per-key usage accounting
// @license.name    Apache-2.0
// @basePath        /
// @schemes         http https
// @securityDefinitions.apiKey  Bearer
// @in                          header
// @name                         Authorization
// @description                  "API key: 'Bearer {api_key}'. Not required while no active key exists."
//
// @tag.name         System
// @tag.description  Banner, health and readiness endpoints.
//
// @tag.name         Conversion
// @tag.description  Submit PDFs, poll jobs and fetch converted files.
//
// @tag.name         Observability
// @tag.description  Prometheus metrics and profiling are served on a dedicated side-channel port (default: 9090), separate from the API listener. Configure it with OCR_TELEMETRY_METRICS_PROMETHEUS_PORT. pprof (OCR_TELEMETRY_PROFILING_ENABLED=true) listens on OCR_TELEMETRY_PROFILING_PORT (default: 6060).

// Package main is the entry point for the OCR gateway server binary.
// It dispatches three subcommands, serve, migrate and version, via a switch
// on os.Args. The serve command runs migrations on startup so a fresh
// deployment needs no separate migration step.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	_ "net/http/pprof" // #nosec G108 -- served only on the dedicated profiling port, never by the Gin router.
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ocr-gateway/ocr-gateway/internal/api"
	"github.com/ocr-gateway/ocr-gateway/internal/auth"
	"github.com/ocr-gateway/ocr-gateway/internal/config"
	"github.com/ocr-gateway/ocr-gateway/internal/db"
	"github.com/ocr-gateway/ocr-gateway/internal/db/repositories"
	"github.com/ocr-gateway/ocr-gateway/internal/telemetry"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Error: %v\n", err)
	}
}

func run() error {
	command := "serve"
	if len(os.Args) > 1 {
		command = os.Args[1]
	}

	if command == "version" {
		fmt.Printf("OCR Gateway v%s\n", api.Version)
		return nil
	}

	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	switch command {
	case "serve":
		return serve(cfg)
	case "migrate":
		if len(os.Args) < 3 {
			return fmt.Errorf("usage: %s migrate <up|down>", os.Args[0])
		}
		return runMigrations(cfg, os.Args[2])
	default:
		return fmt.Errorf("unknown command: %s\nAvailable commands: serve, migrate, version", command)
	}
}

func openDatabase(cfg *config.Config) (*sql.DB, error) {
	database, err := db.Connect(cfg.Database.Driver, cfg.Database.GetDSN(),
		cfg.Database.MaxConnections, cfg.Database.MinIdleConnections)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return database, nil
}

func serve(cfg *config.Config) error {
	telemetry.SetupLogger(cfg.Logging.Format, cfg.Logging.Level, cfg.Logging.Output)
	cfg.WatchLogLevel(telemetry.SetLevel)

	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	if cfg.Database.Driver == "sqlite3" {
		log.Printf("Database config: driver=sqlite3, path=%s", cfg.Database.Path) // #nosec G706 -- operator-supplied config value
	} else {
		log.Printf("Database config: driver=%s, host=%s, port=%d, user=%s, dbname=%s, sslmode=%s", // #nosec G706 -- operator-supplied config values
			cfg.Database.Driver, cfg.Database.Host, cfg.Database.Port, cfg.Database.User,
			cfg.Database.Name, cfg.Database.SSLMode)
	}

	database, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer database.Close()

	log.Println("Connected to database successfully")

	telemetry.StartDBStatsCollector(database)

	log.Println("Running database migrations...")
	if err := db.RunMigrations(database, cfg.Database.Driver, "up"); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	log.Println("Database migrations completed successfully")

	version, dirty, err := db.GetMigrationVersion(database, cfg.Database.Driver)
	if err != nil {
		log.Printf("Warning: failed to get migration version: %v", err)
	} else {
		log.Printf("Database schema version: %d (dirty: %v)", version, dirty)
	}

	keyRepo := repositories.NewAPIKeyRepository(database)
	if _, err := auth.BootstrapKeys(context.Background(), keyRepo, &cfg.Auth); err != nil {
		return err
	}
	active, err := keyRepo.CountActiveKeys(context.Background())
	if err != nil {
		log.Printf("Warning: failed to count API keys: %v", err)
	} else if active == 0 {
		log.Println("Warning: no active API keys; conversion endpoints accept anonymous requests")
	}

	if cfg.Telemetry.Metrics.Enabled {
		metricsAddr := fmt.Sprintf(":%d", cfg.Telemetry.Metrics.PrometheusPort)
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			slog.Info("starting Prometheus metrics server", "addr", metricsAddr)
			srv := &http.Server{
				Addr:         metricsAddr,
				Handler:      mux,
				ReadTimeout:  10 * time.Second,
				WriteTimeout: 10 * time.Second,
			}
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				slog.Error("metrics server error", "error", err)
			}
		}()
	}

	if cfg.Telemetry.Profiling.Enabled {
		pprofAddr := fmt.Sprintf(":%d", cfg.Telemetry.Profiling.Port)
		go func() {
			slog.Info("starting pprof server", "addr", pprofAddr)
			srv := &http.Server{ //nolint:gosec // #nosec G112 -- internal-only pprof port
				Addr:         pprofAddr,
				Handler:      http.DefaultServeMux, // #nosec G108 -- pprof-only internal port
				ReadTimeout:  30 * time.Second,
				WriteTimeout: 30 * time.Second,
			}
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				slog.Error("pprof server error", "error", err)
			}
		}()
	}

	router, bgServices, err := api.NewRouter(cfg, database)
	if err != nil {
		return fmt.Errorf("failed to build router: %w", err)
	}

	// Conversions can run for as long as the engine timeout, so the write
	// deadline must outlast it.
	writeTimeout := cfg.Server.WriteTimeout
	if floor := cfg.Engine.EffectiveTimeout() + time.Minute; writeTimeout > 0 && writeTimeout < floor {
		log.Printf("Warning: server.write_timeout %s is shorter than the %s engine timeout; raising to %s", writeTimeout, cfg.Engine.Driver, floor)
		writeTimeout = floor
	}

	server := &http.Server{
		Addr:         cfg.Server.GetAddress(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: writeTimeout,
	}

	go func() {
		log.Printf("Starting server on %s", cfg.Server.GetAddress())
		log.Printf("Base URL: %s", cfg.Server.BaseURL)
		log.Printf("Storage backend: %s", cfg.Storage.DefaultBackend)
		log.Printf("Engine: %s (backend %s)", cfg.Engine.Driver, cfg.Engine.Backend)
		log.Println("Server is ready to accept connections")

		var err error
		if cfg.Security.TLS.Enabled {
			log.Printf("TLS enabled: cert=%s, key=%s", cfg.Security.TLS.CertFile, cfg.Security.TLS.KeyFile)
			err = server.ListenAndServeTLS(cfg.Security.TLS.CertFile, cfg.Security.TLS.KeyFile)
		} else {
			err = server.ListenAndServe()
		}

		if err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	bgServices.Shutdown()

	log.Println("Server stopped gracefully")
	return nil
}

func runMigrations(cfg *config.Config, direction string) error {
	database, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer database.Close()

	log.Printf("Running migrations: %s", direction) // #nosec G706 -- operator-supplied CLI argument

	if err := db.RunMigrations(database, cfg.Database.Driver, direction); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	version, dirty, err := db.GetMigrationVersion(database, cfg.Database.Driver)
	if err != nil {
		return fmt.Errorf("failed to get migration version: %w", err)
	}

	log.Printf("Migration completed successfully. Current version: %d (dirty: %v)", version, dirty)
	return nil
}

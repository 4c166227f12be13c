// Package api wires together all HTTP routes for the OCR gateway.
//
// Route grouping:
//   - /, /health, /ready and /version are unauthenticated so load balancers
//     and probes never need a key.
//   - The conversion surface (/mineru, /file_mineru, /status, /list, /retry,
//     /files) sits behind the rate limiter and the API key gate. The gate is
//     default-open: while the key store holds no active key every request
//     passes anonymously.
//
// Prometheus /metrics is served on a side port by cmd/server, not here.
package api

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"

	"github.com/ocr-gateway/ocr-gateway/internal/api/conversion"
	"github.com/ocr-gateway/ocr-gateway/internal/auth"
	"github.com/ocr-gateway/ocr-gateway/internal/config"
	"github.com/ocr-gateway/ocr-gateway/internal/db/repositories"
	"github.com/ocr-gateway/ocr-gateway/internal/engine"
	"github.com/ocr-gateway/ocr-gateway/internal/intake"
	"github.com/ocr-gateway/ocr-gateway/internal/jobcache"
	"github.com/ocr-gateway/ocr-gateway/internal/jobs"
	"github.com/ocr-gateway/ocr-gateway/internal/middleware"
	"github.com/ocr-gateway/ocr-gateway/internal/notify"
	"github.com/ocr-gateway/ocr-gateway/internal/services"
	"github.com/ocr-gateway/ocr-gateway/internal/storage"

	// Import storage backends to register them
	_ "github.com/ocr-gateway/ocr-gateway/internal/storage/azure"
	_ "github.com/ocr-gateway/ocr-gateway/internal/storage/gcs"
	_ "github.com/ocr-gateway/ocr-gateway/internal/storage/local"
	_ "github.com/ocr-gateway/ocr-gateway/internal/storage/s3"
)

// Version is reported by /version and the service banner.
const Version = "1.0.0"

// BackgroundServices holds references to background jobs and resources that must
// be stopped during graceful shutdown. The caller (cmd/server) is responsible for
// calling Shutdown() when the process receives a termination signal.
type BackgroundServices struct {
	sweeper     *jobs.StaleJobSweeper
	rateLimiter *middleware.RateLimiter
	notifier    notify.Notifier
	redis       redis.UniversalClient
}

// Shutdown stops all background goroutines. It should be called after the HTTP
// server has been shut down so that in-flight requests are drained first.
func (bg *BackgroundServices) Shutdown() {
	slog.Info("stopping background services")
	if bg.sweeper != nil {
		bg.sweeper.Stop()
	}
	if bg.rateLimiter != nil {
		bg.rateLimiter.Stop()
	}
	if bg.notifier != nil {
		if err := bg.notifier.Close(); err != nil {
			slog.Warn("failed to close notifier", "error", err)
		}
	}
	if bg.redis != nil {
		if err := bg.redis.Close(); err != nil {
			slog.Warn("failed to close redis client", "error", err)
		}
	}
	slog.Info("all background services stopped")
}

// Services are the collaborators behind the HTTP surface.
type Services struct {
	DB         *sql.DB
	Storage    storage.Storage
	Dispatcher *services.Dispatcher
	Intake     *intake.Intake
	Gate       *auth.Gate
	// Limiter is nil when rate limiting is disabled.
	Limiter middleware.Limiter
	// EngineName is shown in the service banner.
	EngineName string
}

// NewRouter builds the gateway's collaborators from cfg and returns the router
// serving them.
func NewRouter(cfg *config.Config, database *sql.DB) (*gin.Engine, *BackgroundServices, error) {
	bg := &BackgroundServices{}

	// Initialize storage backend
	storageBackend, err := storage.NewStorage(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize storage backend: %w", err)
	}
	log.Printf("Initialized storage backend: %s", cfg.Storage.DefaultBackend)

	converter, err := engine.New(&cfg.Engine)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize engine: %w", err)
	}
	log.Printf("Initialized engine driver: %s", converter.Name())

	// Initialize repositories
	apiKeyRepo := repositories.NewAPIKeyRepository(database)
	usageRepo := repositories.NewUsageLogRepository(database)
	jobRepo := repositories.NewJobRepository(sqlx.NewDb(database, cfg.Database.Driver))

	// Completion notices and the rate limiter go through Redis when it is configured
	var notifier notify.Notifier = notify.NewLocal()
	if cfg.Redis.Enabled() {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid redis.url: %w", err)
		}
		bg.redis = redis.NewClient(opts)
		rn, err := notify.NewRedis(bg.redis, cfg.Redis.ChannelPrefix)
		if err != nil {
			return nil, nil, err
		}
		notifier = rn
		log.Println("Redis enabled for completion notices and rate limiting")
	}
	bg.notifier = notifier

	cache := jobcache.New(jobRepo, notifier, cfg.Jobs.WaitPollInterval)
	dispatcher := services.NewDispatcher(cache, storage.NewWorkspace(storageBackend), converter, usageRepo)

	// Fail jobs whose owner died mid-conversion
	bg.sweeper = jobs.NewStaleJobSweeper(jobRepo, notifier, &cfg.Jobs, cfg.Engine.EffectiveTimeout())
	go bg.sweeper.Start(context.Background())

	var limiter middleware.Limiter
	if cfg.Security.RateLimiting.Enabled {
		rlCfg := middleware.DefaultRateLimitConfig()
		if cfg.Security.RateLimiting.RequestsPerMinute > 0 {
			rlCfg.RequestsPerMinute = cfg.Security.RateLimiting.RequestsPerMinute
		}
		if cfg.Security.RateLimiting.Burst > 0 {
			rlCfg.BurstSize = cfg.Security.RateLimiting.Burst
		}
		if bg.redis != nil {
			limiter = middleware.NewRedisRateLimiter(bg.redis, rlCfg)
		} else {
			bg.rateLimiter = middleware.NewRateLimiter(rlCfg)
			limiter = bg.rateLimiter
		}
	}

	router := SetupRouter(cfg, &Services{
		DB:         database,
		Storage:    storageBackend,
		Dispatcher: dispatcher,
		Intake:     intake.New(&cfg.Intake, cfg.Server.MaxUploadMB),
		Gate:       auth.NewGate(apiKeyRepo),
		Limiter:    limiter,
		EngineName: converter.Name(),
	})
	return router, bg, nil
}

// SetupRouter registers the middleware chain and every route on a new engine.
func SetupRouter(cfg *config.Config, svc *Services) *gin.Engine {
	router := gin.New()

	// Add middleware
	router.Use(gin.Recovery())
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.MetricsMiddleware())
	router.Use(LoggerMiddleware(cfg))
	router.Use(middleware.SecurityHeadersMiddleware(middleware.APISecurityHeadersConfig(cfg.Security.TLS.Enabled)))
	router.Use(CORSMiddleware(cfg))

	router.GET("/", rootHandler(cfg, svc.EngineName))
	router.GET("/health", healthCheckHandler(svc.DB))
	router.GET("/ready", readinessHandler(svc.DB, svc.Storage))
	router.GET("/version", versionHandler())

	h := conversion.NewHandler(svc.Dispatcher, svc.Intake, cfg)

	protected := router.Group("/")
	if svc.Limiter != nil {
		protected.Use(middleware.RateLimitMiddleware(svc.Limiter))
	}
	protected.Use(middleware.AuthMiddleware(svc.Gate))
	{
		protected.POST("/mineru", h.Mineru)
		protected.POST("/file_mineru", h.FileMineru)
		protected.GET("/status/:content_key", h.Status)
		protected.GET("/list", h.List)
		protected.POST("/retry/:content_key", h.Retry)
		protected.GET("/files/*filepath", h.ServeFile)
	}

	return router
}

// rootHandler returns the service banner
func rootHandler(cfg *config.Config, engineName string) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"service":         "OCR gateway",
			"version":         Version,
			"engine":          engineName,
			"engine_backend":  cfg.Engine.Backend,
			"vlm_url":         cfg.Engine.VLMURL,
			"storage_backend": cfg.Storage.DefaultBackend,
			"endpoints": []string{
				"POST /mineru",
				"POST /file_mineru",
				"GET /status/{content_key}",
				"GET /list?type=all|input|output",
				"POST /retry/{content_key}",
				"GET /files/{path}",
				"GET /health",
				"GET /ready",
				"GET /version",
			},
		})
	}
}

// healthCheckHandler returns the health status of the service
//
// @Summary      Health check
// @Description  Returns the health status of the service, including database connectivity.
// @Tags         System
// @Produce      json
// @Success      200  {object}  map[string]interface{}  "status: healthy, time: RFC3339 timestamp"
// @Failure      503  {object}  map[string]interface{}  "status: unhealthy, error: database connection failed"
// @Router       /health [get]
func healthCheckHandler(db *sql.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check database connection
		if err := db.PingContext(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status": "unhealthy",
				"error":  "database connection failed",
			})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"status": "healthy",
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// readinessHandler also probes the storage backend, so a readiness gate fails
// when staging or output writes would error.
//
// @Summary      Readiness check
// @Description  Returns whether the service is ready to accept traffic. Checks the database and the storage backend.
// @Tags         System
// @Produce      json
// @Success      200  {object}  map[string]interface{}  "ready: true, checks, time"
// @Failure      503  {object}  map[string]interface{}  "ready: false, checks, error"
// @Router       /ready [get]
func readinessHandler(db *sql.DB, storageBackend storage.Storage) gin.HandlerFunc {
	return func(c *gin.Context) {
		checks := gin.H{}

		if err := db.PingContext(c.Request.Context()); err != nil {
			checks["database"] = "unhealthy"
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"ready":  false,
				"checks": checks,
				"error":  "database not ready",
			})
			return
		}
		checks["database"] = "healthy"

		if err := storageBackend.Ping(c.Request.Context()); err != nil {
			slog.Warn("storage readiness probe failed", "error", err)
			checks["storage"] = "unhealthy"
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"ready":  false,
				"checks": checks,
				"error":  "storage backend not ready",
			})
			return
		}
		checks["storage"] = "healthy"

		c.JSON(http.StatusOK, gin.H{
			"ready":  true,
			"checks": checks,
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// versionHandler returns the API version
//
// @Summary      API version
// @Tags         System
// @Produce      json
// @Success      200  {object}  map[string]interface{}  "version, api_version"
// @Router       /version [get]
func versionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"version":     Version,
			"api_version": "v1",
		})
	}
}

// LoggerMiddleware provides structured logging
func LoggerMiddleware(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		latency := time.Since(start)
		level := slog.LevelInfo
		if c.Writer.Status() >= http.StatusInternalServerError {
			level = slog.LevelError
		}

		// The global handler decides between JSON and text output
		// (configured in telemetry.SetupLogger from cfg.Logging.Format).
		slog.LogAttrs(
			c.Request.Context(),
			level,
			"http request",
			slog.String("method", c.Request.Method),
			slog.String("path", path),
			slog.String("query", query),
			slog.Int("status", c.Writer.Status()),
			slog.Int("size", c.Writer.Size()),
			slog.Duration("latency", latency),
			slog.String("ip", c.ClientIP()),
			slog.String("request_id", middleware.GetRequestID(c)),
			slog.String("user_id", c.GetString(middleware.UserIDKey)),
			slog.String("user_agent", c.Request.UserAgent()),
		)
	}
}

// CORSMiddleware handles CORS
func CORSMiddleware(cfg *config.Config) gin.HandlerFunc {
	methods := "GET, POST, OPTIONS"
	if len(cfg.Security.CORS.AllowedMethods) > 0 {
		methods = strings.Join(cfg.Security.CORS.AllowedMethods, ", ")
	}

	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")

		// Check if origin is allowed
		allowed := false
		for _, allowedOrigin := range cfg.Security.CORS.AllowedOrigins {
			if allowedOrigin == "*" || allowedOrigin == origin {
				allowed = true
				break
			}
		}

		if allowed {
			if origin == "" {
				c.Header("Access-Control-Allow-Origin", "*")
			} else {
				c.Header("Access-Control-Allow-Origin", origin)
				c.Header("Vary", "Origin")
			}
			c.Header("Access-Control-Allow-Methods", methods)
			c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization, X-Request-ID")
			c.Header("Access-Control-Max-Age", "3600")
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	catalogapp "github.com/storefront/backend/internal/application/catalog"
	tradeapp "github.com/storefront/backend/internal/application/trade"
	"github.com/storefront/backend/internal/bootstrap"
	"github.com/storefront/backend/internal/infrastructure/config"
	"github.com/storefront/backend/internal/infrastructure/logger"
	"github.com/storefront/backend/internal/interfaces/http/handler"
	"github.com/storefront/backend/internal/interfaces/http/middleware"
	"github.com/storefront/backend/internal/interfaces/http/router"
)

//	@title			Storefront Sync API
//	@version		1.0
//	@description	Offline-first storefront backend. Writes are applied to the remote document store or queued while it is unreachable.

//	@license.name	Apache 2.0
//	@license.url	http://www.apache.org/licenses/LICENSE-2.0.html

//	@host		localhost:8080
//	@BasePath	/api/v1

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		panic("Failed to load configuration: " + err.Error())
	}

	// Initialize logger
	log, err := logger.New(&logger.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		Output:     cfg.Log.Output,
		TimeFormat: "2006-01-02T15:04:05.000Z07:00",
	})
	if err != nil {
		panic("Failed to initialize logger: " + err.Error())
	}
	defer func() {
		_ = log.Sync()
	}()

	log.Info("Starting storefront backend",
		zap.String("app", cfg.App.Name),
		zap.String("env", cfg.App.Env),
		zap.String("port", cfg.App.Port),
		zap.String("version", version),
	)

	// Assemble the sync engine, its storage and transports
	startCtx, cancelStart := context.WithTimeout(context.Background(), 30*time.Second)
	rt, err := bootstrap.Open(startCtx, cfg, log)
	if err != nil {
		cancelStart()
		log.Fatal("Failed to build sync runtime", zap.Error(err))
	}
	if err := rt.Start(startCtx); err != nil {
		cancelStart()
		log.Fatal("Failed to start sync engine", zap.Error(err))
	}
	cancelStart()
	// Collector export, when on, applies from here
	log = rt.Logger()
	status := rt.Engine.Status(context.Background())
	log.Info("Sync engine ready",
		zap.String("device_id", status.DeviceID),
		zap.String("transport", status.Transport),
		zap.Bool("online", status.IsOnline),
		zap.Strings("collections", rt.Engine.Collections()),
	)

	// Initialize application services
	productService := catalogapp.NewProductService(rt.Engine, catalogapp.WithLogger(log))
	orderService := tradeapp.NewOrderService(rt.Engine, tradeapp.WithLogger(log))
	cartService := tradeapp.NewCartService(rt.Engine, tradeapp.WithLogger(log))

	// Initialize handlers
	systemHandler := handler.NewSystemHandler(cfg.App.Name, version)
	for name, check := range rt.HealthChecks() {
		systemHandler.AddCheck(name, handler.HealthCheck(check))
	}
	streamHandler := handler.NewStreamHandler(rt.Engine,
		handler.WithStreamLogger(log),
		handler.WithStreamHeartbeat(cfg.HTTP.StreamHeartbeat),
		handler.WithStreamMaxClients(cfg.HTTP.StreamMaxClients),
	)

	// Set Gin mode based on environment
	if cfg.App.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	// Setup validation
	middleware.SetupValidator()

	engine := gin.New()

	// Apply middleware stack in order:
	// 1. RequestID - Generate/propagate request ID
	// 2. Tracing - Start the request span (if enabled)
	// 3. Recovery - Catch panics
	// 4. Logger - Log requests
	// 5. Security - Add security headers
	// 6. CORS - Handle cross-origin requests
	// 7. BodyLimit - Limit request body size
	// 8. Metrics - Record request metrics (if enabled)
	// 9. RateLimit - Apply rate limiting (if enabled)
	// 10. Idempotency - Replay retried writes (if enabled)
	engine.Use(middleware.RequestID())
	if rt.Tracer != nil && rt.Tracer.IsEnabled() {
		engine.Use(middleware.Tracing(middleware.TracingConfig{
			ServiceName: cfg.Telemetry.ServiceName,
			Provider:    rt.Tracer.Provider(),
		}))
		engine.Use(middleware.SpanAttributes())
	}
	engine.Use(logger.Recovery(log))
	engine.Use(logger.GinMiddleware(log))
	engine.Use(middleware.Secure())

	corsConfig := middleware.DefaultCORSConfig()
	corsConfig.AllowOrigins = cfg.HTTP.CORSAllowOrigins
	engine.Use(middleware.CORS(corsConfig))

	engine.Use(middleware.BodyLimit(cfg.HTTP.MaxBodyBytes))

	if rt.Meter != nil && rt.Meter.IsEnabled() {
		engine.Use(middleware.HTTPMetrics(rt.Meter.Meter(cfg.Telemetry.ServiceName)))
	}

	var rateLimiter *middleware.RateLimiter
	if cfg.HTTP.RateLimit > 0 {
		rateLimiter = middleware.NewRateLimiter(cfg.HTTP.RateLimit, cfg.HTTP.RateLimitWindow)
		engine.Use(middleware.RateLimit(rateLimiter))
		log.Info("Rate limiting enabled",
			zap.Int("requests", cfg.HTTP.RateLimit),
			zap.Duration("window", cfg.HTTP.RateLimitWindow),
		)
	}

	idempotency := rt.IdempotencyConfig()
	engine.Use(middleware.Idempotency(rt.Idempotency, idempotency, log))
	if idempotency.Enabled {
		log.Info("Idempotent writes enabled", zap.Duration("ttl", idempotency.TTL))
	}

	api := router.Mount(engine, router.Handlers{
		System:   systemHandler,
		Sync:     handler.NewSyncHandler(rt.Engine),
		Stream:   streamHandler,
		Products: handler.NewProductHandler(productService),
		Orders:   handler.NewOrderHandler(orderService),
		Cart:     handler.NewCartHandler(cartService),
	}, router.WithRouterLogger(log))
	if cfg.HTTP.Swagger {
		if err := api.MountSwagger(router.APIInfo{
			Title:       "Storefront Sync API",
			Version:     version,
			Description: "Offline-first storefront backend",
		}); err != nil {
			log.Fatal("Failed to build API document", zap.Error(err))
		}
		log.Info("API docs available", zap.String("path", "/swagger/index.html"))
	}

	// Create HTTP server with config
	srv := &http.Server{
		Addr:           ":" + cfg.App.Port,
		Handler:        engine,
		ReadTimeout:    cfg.HTTP.ReadTimeout,
		WriteTimeout:   cfg.HTTP.WriteTimeout,
		IdleTimeout:    cfg.HTTP.IdleTimeout,
		MaxHeaderBytes: cfg.HTTP.MaxHeaderBytes,
	}

	// Start server in goroutine. With HTTP disabled the process only keeps
	// the profile in sync.
	if cfg.HTTP.Enabled {
		go func() {
			log.Info("Server starting", zap.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Fatal("Failed to start server", zap.Error(err))
			}
		}()
	} else {
		log.Info("HTTP disabled, running sync only")
	}

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Open streams never finish on their own
	streamHandler.Stop()
	if cfg.HTTP.Enabled {
		if err := srv.Shutdown(ctx); err != nil {
			log.Error("Server forced to shutdown", zap.Error(err))
		}
	}
	if rateLimiter != nil {
		rateLimiter.Stop()
	}
	if err := rt.Close(ctx); err != nil {
		log.Error("Error closing sync runtime", zap.Error(err))
	}

	log.Info("Server exited gracefully")
}

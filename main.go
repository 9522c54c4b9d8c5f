package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/pagemill/pagemill/handlers"
	"github.com/pagemill/pagemill/internal/config"
	"github.com/pagemill/pagemill/internal/render"
	"github.com/pagemill/pagemill/internal/render/browser"
	"github.com/pagemill/pagemill/internal/safety"
	"github.com/pagemill/pagemill/pkg/logger"
	"github.com/pagemill/pagemill/pkg/metrics"
	"github.com/pagemill/pagemill/pkg/middleware"
)

// subsystem bundles the per-kind render stack: store, scheduler, pool and
// facade. PDF and screenshot run as two independent instances of it.
type subsystem struct {
	store *render.Store
	sched *render.Scheduler
	pool  *browser.Pool
	svc   *render.Service
}

func newSubsystem(kind render.Kind, cfg *config.Config) *subsystem {
	store := render.NewStore(filepath.Join(cfg.Storage.SnapshotDir, "jobs-"+string(kind)+".json"))
	sched := render.NewScheduler(store, cfg.Browser.MaxConcurrent)
	pool := browser.NewPool(kind, cfg.Browser.Headless, cfg.Browser.Args,
		cfg.Browser.ViewportWidth, cfg.Browser.ViewportHeight, cfg.Browser.DefaultTimeout)
	worker := render.NewWorker(kind, store, sched, pool, render.WorkerConfig{
		OutputDir:         cfg.Storage.OutputDir,
		ProcessingTimeout: cfg.Queue.ProcessingTimeout,
		RetryAttempts:     cfg.Queue.RetryAttempts,
		RetryDelay:        cfg.Queue.RetryDelay,
	})
	sched.OnProcess(worker.Process)

	sanitize := safety.SanitizeHTML
	allowPrivate := cfg.Browser.AllowPrivate || cfg.Server.Environment == "development"
	validateURL := func(raw string) error { return safety.ValidateURL(raw, allowPrivate) }
	pdfDefaults := render.PDFDefaults{}
	if kind == render.KindPDF {
		pdfDefaults = render.PDFDefaults{
			Format:          cfg.PDF.DefaultFormat,
			MarginTop:       cfg.PDF.MarginTop,
			MarginRight:     cfg.PDF.MarginRight,
			MarginBottom:    cfg.PDF.MarginBottom,
			MarginLeft:      cfg.PDF.MarginLeft,
			PrintBackground: cfg.PDF.PrintBackground,
		}
	}
	svc := render.NewService(kind, store, sched, cfg.Queue.MaxSize, sanitize, validateURL, pdfDefaults)
	return &subsystem{store: store, sched: sched, pool: pool, svc: svc}
}

// start recovers the snapshot and launches the scheduler. Jobs interrupted
// mid-processing come back queued and resume here.
func (s *subsystem) start() error {
	if err := s.store.Load(); err != nil {
		return err
	}
	s.sched.Start()
	s.sched.Trigger()
	return nil
}

func (s *subsystem) shutdown() {
	s.sched.Stop()
	s.pool.Close()
	if err := s.store.Close(); err != nil {
		logger.Errorf("final snapshot flush failed: %v", err)
	}
}

func main() {
	// log level is controlled with LOG_LEVEL env: debug|info|warn|error|fatal
	logger.Init(os.Getenv("LOG_LEVEL"))

	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("failed to load config: %v", err)
	}
	logger.Infof("config loaded: maxConcurrent=%d queueMax=%d outputDir=%s",
		cfg.Browser.MaxConcurrent, cfg.Queue.MaxSize, cfg.Storage.OutputDir)

	if cfg.Server.Environment != "development" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Logger(), gin.Recovery())

	// Lightweight CORS middleware for dev/test: set common headers and respond to OPTIONS.
	// (Keep this intentionally simple; production should use a stricter policy.)
	r.Use(func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, X-API-Key")
		c.Writer.Header().Set("Access-Control-Expose-Headers", "Content-Length, Content-Disposition")
		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(200)
			return
		}
		c.Next()
	})

	// Connect to Redis early so the rate-limiter can use it when configured
	var redisClient *redis.Client
	if cfg.Redis.Host != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Host + ":" + cfg.Redis.Port,
			Password: cfg.Redis.Password,
		})
		if err := redisClient.Ping(context.Background()).Err(); err != nil {
			logger.Warnf("failed to connect to Redis (%s:%s): %v", cfg.Redis.Host, cfg.Redis.Port, err)
			redisClient = nil
		} else {
			logger.Infof("connected to Redis at %s:%s", cfg.Redis.Host, cfg.Redis.Port)
		}
	}
	if cfg.RateLimit.Enabled {
		if cfg.RateLimit.UseRedis && redisClient != nil {
			win := time.Duration(cfg.RateLimit.WindowSeconds) * time.Second
			r.Use(middleware.RedisRateLimit(redisClient, cfg.RateLimit.RPS, cfg.RateLimit.Burst, win))
		} else {
			r.Use(middleware.RateLimit(cfg.RateLimit.RPS, cfg.RateLimit.Burst))
		}
	}

	// Per-kind render stacks
	pdf := newSubsystem(render.KindPDF, cfg)
	shot := newSubsystem(render.KindScreenshot, cfg)
	for _, s := range []*subsystem{pdf, shot} {
		if err := s.start(); err != nil {
			logger.Fatalf("failed to start %s subsystem: %v", s.svc.Kind(), err)
		}
	}

	// Metrics on a private registry
	reg := prometheus.NewRegistry()
	metrics.RegisterCollectors(reg)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))

	r.GET("/health", func(c *gin.Context) {
		c.String(http.StatusOK, "healthy")
	})

	// readiness: report per-kind pool state and snapshot flush health;
	// browsers launch lazily, so a not-yet-launched pool is still ready
	r.GET("/ready", func(c *gin.Context) {
		flushOK := func(s *subsystem) bool { return s.store.LastFlushErr() == nil }
		c.JSON(http.StatusOK, gin.H{
			"ready": true,
			"pools": gin.H{
				"pdf":        pdf.pool.Running(),
				"screenshot": shot.pool.Running(),
			},
			"snapshots": gin.H{
				"pdf":        flushOK(pdf),
				"screenshot": flushOK(shot),
			},
			"queues": gin.H{
				"pdf":        pdf.svc.Stats(),
				"screenshot": shot.svc.Stats(),
			},
		})
	})

	api := r.Group("/", middleware.APIKey(cfg.API.Key))
	handlers.RegisterRenderRoutes(api, handlers.Services{
		render.KindPDF:        pdf.svc,
		render.KindScreenshot: shot.svc,
	})

	// Periodic housekeeping: drop old terminal jobs and stale date folders.
	cleanupStop := make(chan struct{})
	go func() {
		age := time.Duration(cfg.Storage.CleanupAfterHours) * time.Hour
		ticker := time.NewTicker(1 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-cleanupStop:
				return
			case <-ticker.C:
				n := pdf.store.CleanupOlderThan(age) + shot.store.CleanupOlderThan(age)
				if n > 0 {
					logger.Infof("cleanup: removed %d old job records", n)
				}
				cleanupArtifacts(cfg.Storage.OutputDir, age)
			}
		}
	}()

	srv := &http.Server{
		Addr:         cfg.Server.Host + ":" + cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		logger.Infof("listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("server error: %v", err)
		}
	}()

	// Graceful shutdown: stop accepting requests, drain handlers, close the
	// browser pools, flush the stores.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Infof("shutting down")

	close(cleanupStop)
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Errorf("http shutdown: %v", err)
	}
	pdf.shutdown()
	shot.shutdown()
	logger.Infof("bye")
}

// cleanupArtifacts removes date folders older than age under outputDir.
// Folder names are the namer's dd-mm-yyyy partitions; anything else is left
// alone.
func cleanupArtifacts(outputDir string, age time.Duration) {
	entries, err := os.ReadDir(outputDir)
	if err != nil {
		return
	}
	cutoff := time.Now().Add(-age)
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		day, err := time.ParseInLocation("02-01-2006", e.Name(), time.Local)
		if err != nil {
			continue
		}
		// A folder is stale only when the whole day is past the cutoff.
		if day.Add(24 * time.Hour).Before(cutoff) {
			path := filepath.Join(outputDir, e.Name())
			if err := os.RemoveAll(path); err != nil {
				logger.Warnf("cleanup: failed to remove %s: %v", path, err)
			} else {
				logger.Infof("cleanup: removed artifact folder %s", path)
			}
		}
	}
}

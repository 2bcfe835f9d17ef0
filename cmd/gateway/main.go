package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/proxy"
	"github.com/redis/go-redis/v9"

	"github.com/edgeward/edgeward"
)

func main() {
	configPath := flag.String("config", "gateway.yml", "path to the gateway config file")
	listen := flag.String("listen", "", "listen address, overrides the config file")
	flag.Parse()

	cfg, err := edgeward.LoadConfig(*configPath)
	if err != nil {
		// No logger yet; fall back to a bootstrap one.
		boot := edgeward.NewLogger("info")
		boot.Fatal().Err(err).Str("path", *configPath).Msg("load config")
	}
	if *listen != "" {
		cfg.Listen = *listen
	}
	log := edgeward.NewLogger(cfg.LogLevel)

	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:        cfg.Redis.Addr,
			Password:    cfg.Redis.Password,
			DB:          cfg.Redis.DB,
			DialTimeout: cfg.Redis.DialTimeout.Std(),
		})
		defer rdb.Close()
	}

	alerts := edgeward.NewAlertRegistry(log)
	alerts.Register(&edgeward.LogAlerter{Log: log})
	if len(cfg.AlertWebhooks) > 0 {
		alerts.Register(edgeward.NewWebhookAlerter(cfg.AlertWebhooks))
	}

	var audit edgeward.AuditSink
	if cfg.AuditDB != "" {
		sink, err := edgeward.NewSQLiteAuditSink(cfg.AuditDB, log)
		if err != nil {
			log.Fatal().Err(err).Str("path", cfg.AuditDB).Msg("open audit database")
		}
		defer sink.Close()
		audit = sink
	} else {
		audit = edgeward.LogAuditSink{Log: log}
	}

	inspector := edgeward.NewRequestInspector(cfg.Inspector, log)
	tracker := edgeward.NewAbuseTracker(cfg.AbuseRuntime(), log)
	defer tracker.Close()

	var counters edgeward.CounterBackend
	var cacheBackend edgeward.CacheBackend
	if rdb != nil {
		counters = edgeward.NewRedisCounterBackend(rdb)
		cacheBackend = edgeward.NewRedisCacheBackend(rdb, "edgeward")
	}

	tables, err := cfg.RateLimit.Tables()
	if err != nil {
		log.Fatal().Err(err).Msg("resolve rate policies")
	}
	limiter := edgeward.NewRateLimiter(edgeward.RateLimiterConfig{
		Profiles:    tables,
		BypassPaths: cfg.RateLimit.BypassPaths,
		OpTimeout:   cfg.Redis.OpTimeout.Std(),
	}, counters, log)

	cache := edgeward.NewResponseCache(cfg.CacheRuntime(), cacheBackend, log)
	defer cache.Close()

	monitor := edgeward.NewSecurityEventMonitor(cfg.Monitor, alerts, log)
	pipeline := edgeward.NewPipeline(inspector, tracker, limiter, cache, monitor, audit, log)

	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ReadTimeout:           30 * time.Second,
	})

	admin := edgeward.NewAdminAPI(pipeline, cfg.AdminRole)
	admin.Register(app.Group("/admin/security"))

	app.Use(pipeline.Middleware())
	if cfg.Upstream != "" {
		app.Use(proxy.Balancer(proxy.Config{Servers: []string{cfg.Upstream}}))
	} else {
		app.Use(func(c *fiber.Ctx) error {
			return c.JSON(fiber.Map{"status": "ok"})
		})
	}

	stopWatch, err := edgeward.WatchConfig(*configPath, log, func(next *edgeward.Config) {
		if tables, err := next.RateLimit.Tables(); err == nil && tables != nil {
			limiter.SetPolicies(tables)
		}
		inspector.SetSkipRoutes(next.Inspector.SkipRoutes)
	})
	if err != nil {
		log.Warn().Err(err).Msg("config watcher unavailable")
	} else {
		defer stopWatch()
	}

	go func() {
		log.Info().Str("listen", cfg.Listen).Str("upstream", cfg.Upstream).Msg("gateway starting")
		if err := app.Listen(cfg.Listen); err != nil {
			log.Fatal().Err(err).Msg("server stopped")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutting down")
	if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
		log.Error().Err(err).Msg("shutdown")
	}
}

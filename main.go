package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"rusted-workshop-web/backend"
	"rusted-workshop-web/cache"
	"rusted-workshop-web/monitoring"
	"rusted-workshop-web/notify"
	"rusted-workshop-web/server"
	"rusted-workshop-web/storage"
	"rusted-workshop-web/utils"
)

const auditRetention = 90 * 24 * time.Hour

func main() {
	config, err := utils.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := utils.NewLogger(config)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}

	db, err := storage.NewDatabase(config.AuditDBDriver, config.AuditDBDSN)
	if err != nil {
		logger.Fatalf("Failed to initialize audit database: %v", err)
	}
	defer db.Close()
	audit := storage.NewAdminAuditLogger(db.DB(), logger)

	statusCache, pingCache := newStatusCache(config, logger)
	defer statusCache.Close()

	notifier, closeNotifier := newNotifier(config, logger)
	defer closeNotifier()

	backendClient := backend.NewClient(config, nil, logger)
	metrics := monitoring.NewPerformanceMetrics(logger)

	healthMonitor := monitoring.NewHealthMonitor(logger, metrics)
	healthMonitor.RegisterChecker(&monitoring.PingHealthChecker{
		Component: "translation_backend",
		Critical:  true,
		Ping:      backendClient.Ping,
	})
	healthMonitor.RegisterChecker(&monitoring.PingHealthChecker{
		Component: "audit_db",
		Ping:      func(ctx context.Context) error { return db.DB().PingContext(ctx) },
	})
	if pingCache != nil {
		healthMonitor.RegisterChecker(&monitoring.PingHealthChecker{Component: "status_cache", Ping: pingCache})
	}
	healthMonitor.RegisterChecker(&monitoring.StaticDirHealthChecker{Dir: config.StaticDir})

	// Component transitions go out as service alerts.
	healthMonitor.OnStatusChange(func(c monitoring.ComponentHealth, previous monitoring.HealthStatus) {
		level := notify.LevelWarning
		switch c.Status {
		case monitoring.HealthStatusUnhealthy:
			level = notify.LevelError
		case monitoring.HealthStatusHealthy:
			level = notify.LevelInfo
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		err := notifier.Notify(ctx, notify.Notification{
			Level:       level,
			Title:       fmt.Sprintf("%s %s", c.Name, c.Status),
			Description: fmt.Sprintf("was %s: %s", previous, c.Message),
		})
		if err != nil {
			logger.WithError(err).Warn("Failed to deliver health alert")
		}
	})

	healthMonitor.Start()
	defer healthMonitor.Stop()

	srv := server.New(server.Options{
		Config:   config,
		Backend:  backendClient,
		Logger:   logger,
		Cache:    statusCache,
		Audit:    audit,
		Notifier: notifier,
		Metrics:  metrics,
		Health:   healthMonitor,
		Breaker:  backendClient.Breaker(),
	})
	defer srv.Close()

	httpServer := &http.Server{
		Addr:              config.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Daily audit retention sweep.
	go func() {
		ticker := time.NewTicker(24 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := audit.CleanupOldEntries(auditRetention); err != nil {
					logger.WithError(err).Warn("Audit retention sweep failed")
				}
			}
		}
	}()

	go func() {
		logger.WithField("addr", config.ListenAddr).
			WithField("backend", config.BackendURL).
			WithField("static_dir", config.StaticDir).
			Info("Rusted Workshop web server starting...")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("HTTP server stopped with error")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	<-sigChan
	logger.Info("Shutdown signal received, shutting down gracefully...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Error shutting down HTTP server")
	}

	logger.Info("Rusted Workshop web server stopped")
}

// newStatusCache uses Redis when REDIS_ADDR is set and falls back to the
// in-process cache when Redis cannot be reached.
func newStatusCache(config *utils.Config, logger *utils.Logger) (cache.StatusCache, func(context.Context) error) {
	if config.RedisAddr == "" {
		return cache.NewMemoryStatusCache(config.StatusCacheTTL), nil
	}
	rc, err := cache.ConnectRedis(config.RedisAddr, config.RedisPassword, config.StatusCacheTTL)
	if err != nil {
		logger.WithError(err).Warn("Redis unavailable, using in-memory status cache")
		return cache.NewMemoryStatusCache(config.StatusCacheTTL), nil
	}
	logger.WithField("addr", config.RedisAddr).Info("Redis status cache connected")
	return rc, rc.Ping
}

func newNotifier(config *utils.Config, logger *utils.Logger) (notify.Notifier, func()) {
	multi := notify.NewMulti(logger)
	closeFn := func() {}

	if config.TelegramBotToken != "" && config.TelegramChatID != 0 {
		tg, err := notify.NewTelegram(config.TelegramBotToken, config.TelegramChatID, "", logger)
		if err != nil {
			logger.WithError(err).Warn("Telegram notifications disabled")
		} else {
			multi.Add(tg)
		}
	}
	if config.NATSURL != "" {
		nc, err := notify.ConnectNATS(config.NATSURL, config.NATSSubject, logger)
		if err != nil {
			logger.WithError(err).Warn("NATS notifications disabled")
		} else {
			multi.Add(nc)
			closeFn = nc.Close
		}
	}
	return multi, closeFn
}

// Package main runs the transaction scheduling coordinator: it keeps
// account and node key material fresh from the mirror node, reconciles
// pending transaction status on a tiered schedule and fires collation and
// execution at the right moment around each valid start.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/quorumdesk/txcoordinator/internal/breaker"
	"github.com/quorumdesk/txcoordinator/internal/claim"
	"github.com/quorumdesk/txcoordinator/internal/collab"
	"github.com/quorumdesk/txcoordinator/internal/config"
	"github.com/quorumdesk/txcoordinator/internal/httpapi"
	"github.com/quorumdesk/txcoordinator/internal/metrics"
	"github.com/quorumdesk/txcoordinator/internal/mirror"
	"github.com/quorumdesk/txcoordinator/internal/services/accountcache"
	"github.com/quorumdesk/txcoordinator/internal/services/reconcile"
	"github.com/quorumdesk/txcoordinator/internal/services/scheduler"
	"github.com/quorumdesk/txcoordinator/internal/storage"
	"github.com/quorumdesk/txcoordinator/pkg/logger"
)

func main() {
	configPath := flag.String("config", "config/coordinator.yaml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.NewDefault("txcoordinator").WithError(err).Fatal("configuration failed to load")
	}

	log := logger.New(logger.LoggingConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	})
	log.WithField("config", *configPath).Info("starting transaction coordinator")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Storage: PostgreSQL when configured, in-memory otherwise.
	var (
		txStore      storage.TransactionStore
		accountStore storage.AccountCacheStore
		nodeStore    storage.NodeCacheStore
	)
	if cfg.Database.URL != "" {
		pg, err := storage.OpenPostgres(ctx, cfg.Database.URL)
		if err != nil {
			log.WithError(err).Fatal("postgres connection failed")
		}
		defer pg.Close()
		if err := pg.EnsureSchema(ctx); err != nil {
			log.WithError(err).Fatal("schema migration failed")
		}
		txStore, accountStore, nodeStore = pg, pg, pg
		log.Info("using postgres storage")
	} else {
		mem := storage.NewMemory()
		txStore, accountStore, nodeStore = mem, mem, mem
		log.Warn("DATABASE_URL not set, using in-memory storage")
	}

	// The account/node cache optionally moves to Redis so replicas share
	// claims without touching the primary store.
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.WithError(err).Fatal("redis connection failed")
		}
		defer rdb.Close()
		cacheStore := storage.NewRedis(rdb)
		accountStore, nodeStore = cacheStore, cacheStore
		log.WithField("addr", cfg.Redis.Addr).Info("using redis cache storage")
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	met := metrics.New(registry)

	brk := breaker.New(breaker.DefaultConfig())
	mirrorClient := mirror.New(mirror.Config{
		Networks:          cfg.Mirror.Networks,
		RequestsPerSecond: cfg.Mirror.RequestsPerSecond,
	}, brk, log.WithField("component", "mirror"))

	cacheOpts := []accountcache.Option{}
	if d := cfg.Cache.Staleness.Std(); d > 0 {
		cacheOpts = append(cacheOpts, accountcache.WithStaleness(d))
	}
	if d := cfg.Cache.ReclaimWindow.Std(); d > 0 {
		cacheOpts = append(cacheOpts, accountcache.WithReclaimWindow(d))
	}
	cacheSvc := accountcache.New(accountStore, nodeStore, mirrorClient, claim.NewCoordinator(),
		log.WithField("component", "accountcache"), cacheOpts...)

	var publisher scheduler.Publisher
	if cfg.Hooks.WebhookURL != "" {
		publisher = collab.NewWebhookPublisher(cfg.Hooks.WebhookURL, cfg.Hooks.APIKey, nil,
			log.WithField("component", "publisher"))
	} else {
		publisher = collab.LogPublisher{Log: log.WithField("component", "publisher")}
	}

	var processor reconcile.StatusProcessor
	if cfg.Hooks.StatusURL != "" {
		processor = collab.NewHTTPStatusProcessor(cfg.Hooks.StatusURL, cfg.Hooks.APIKey, nil)
	} else {
		processor = collab.NewMirrorStatusProcessor(mirrorClient, log.WithField("component", "status"))
	}
	reconciler := reconcile.New(txStore, processor, publisher, log.WithField("component", "reconcile"))

	if cfg.Hooks.ExecutorURL == "" || cfg.Hooks.CollatorURL == "" {
		log.Fatal("hooks.executor_url and hooks.collator_url are required")
	}
	executor := collab.NewHTTPExecutor(cfg.Hooks.ExecutorURL, cfg.Hooks.APIKey, nil)
	collator := collab.NewHTTPCollator(cfg.Hooks.CollatorURL, cfg.Hooks.APIKey, nil,
		log.WithField("component", "collator"))

	sched := scheduler.New(txStore, reconciler, cacheSvc, collator, executor, publisher,
		scheduler.Config{
			CollateLeadTime: cfg.Scheduler.CollateLeadTime.Std(),
			ExecuteDelay:    cfg.Scheduler.ExecuteDelay.Std(),
			StartupDelay:    cfg.Scheduler.StartupDelay.Std(),
		},
		log.WithField("component", "scheduler"),
		scheduler.WithMetrics(met))

	var ready atomic.Bool
	api := httpapi.New(brk, registry, ready.Load, log.WithField("component", "httpapi"))
	server := &http.Server{
		Addr:         cfg.Server.ListenAddr,
		Handler:      api.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		log.WithField("addr", cfg.Server.ListenAddr).Info("http server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("http server failed")
			stop()
		}
	}()

	if err := sched.Start(ctx); err != nil {
		log.WithError(err).Fatal("scheduler failed to start")
	}
	ready.Store(true)

	// Export circuit state so dashboards see mirror trouble before the
	// logs do.
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for network, health := range brk.NetworkHealth() {
					met.CircuitState.WithLabelValues(network).Set(float64(health.State))
				}
			}
		}
	}()

	// Background refresh of stale cached key material.
	if interval := cfg.Cache.SweepInterval.Std(); interval > 0 {
		go func() {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if err := cacheSvc.RefreshStaleAccounts(ctx, accountcache.DefaultStaleness, 100); err != nil {
						log.WithError(err).Warn("stale cache sweep failed")
					}
				}
			}
		}()
	}

	<-ctx.Done()
	log.Info("shutting down")
	ready.Store(false)
	sched.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("http server shutdown failed")
	}
	log.Info("coordinator stopped")
	os.Exit(0)
}

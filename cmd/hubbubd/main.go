package main

import (
	"context"
	"database/sql"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/hubbub-bot/hubbub/pkg/api"
	"github.com/hubbub-bot/hubbub/pkg/config"
	"github.com/hubbub-bot/hubbub/pkg/dispatch"
	"github.com/hubbub-bot/hubbub/pkg/observability"
	"github.com/hubbub-bot/hubbub/pkg/security"
	"github.com/hubbub-bot/hubbub/pkg/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("invalid configuration")
	}

	log := observability.NewLogger(cfg.LogLevel, cfg.LogJSON, os.Stdout)
	if err := run(cfg, log); err != nil && err != context.Canceled {
		log.WithError(err).Fatal("hubbubd exited")
	}
}

func run(cfg *config.Config, log *logrus.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := sql.Open(cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := db.PingContext(ctx); err != nil {
		return err
	}
	if err := security.RunMigrations(ctx, db, cfg.DBDriver); err != nil {
		return err
	}

	metrics := observability.NewMetrics(nil)

	var cache security.Cache
	if cfg.CacheBackend == "redis" {
		cache, err = security.NewRedisCache(cfg.RedisURL, cfg.CacheTTL, log)
		if err != nil {
			return err
		}
	} else {
		cache = security.NewMemoryCache()
	}

	store := security.NewGraphStore(db, log)
	engine, err := security.NewEngine(store, cache, metrics, log)
	if err != nil {
		return err
	}
	defer engine.Close()

	router := dispatch.NewRouter(engine, store, metrics, log)
	backend := dispatch.NewNativeBackend(log)
	registerBuiltins(backend)
	router.AddBackend(backend)

	pool := worker.NewPool(router, db, cfg.Workers, cfg.QueueSize, metrics, log)
	pool.SetCallTimeout(cfg.CallTimeout)
	router.SetQueue(pool)

	if err := bootstrapAdmin(ctx, engine, log); err != nil {
		return err
	}

	// The scheduler and watcher hooks must be in place before plugins
	// load: factories register intervals, and file-backed sources get
	// tracked as part of loading.
	scheduler := worker.NewScheduler(router, log)
	router.SetScheduler(func(spec, plugin string, param interface{}) error {
		_, err := scheduler.Every(spec, plugin, param)
		return err
	})

	watcher, err := dispatch.NewWatcher(router, log)
	if err != nil {
		return err
	}
	defer watcher.Close()
	router.SetWatcher(watcher.Track)

	for _, name := range builtinPlugins {
		if err := router.LoadPlugin(ctx, name, "native:"+name); err != nil {
			return err
		}
	}

	// Nick authentication delegates to a NickServ plugin if one is ever
	// loaded; until then everyone passes.
	engine.SetNickAuth(router.NickAuthVia("NickServ", "check"))

	scheduler.Start()
	defer scheduler.Stop()

	apiServer := api.NewServer(engine, router, log)
	apiServer.Ping = db.Ping

	root := http.NewServeMux()
	root.Handle("/metrics", metrics.Handler())
	root.Handle("/", apiServer.Handler())
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           root,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return pool.Run(gctx) })
	g.Go(func() error { return watcher.Run(gctx) })
	g.Go(func() error {
		log.Infof("admin API listening on %s", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	g.Go(func() error { return runConsole(gctx, os.Stdin, router, log) })

	log.Info("hubbubd is up")
	return g.Wait()
}

// bootstrapAdmin ensures the admin API principal exists and, on a fresh
// graph, holds ALL so the operator can set everything else up through the
// API.
func bootstrapAdmin(ctx context.Context, engine *security.Engine, log *logrus.Logger) error {
	if err := engine.RegisterPlugin(ctx, api.AdminPluginName); err != nil {
		return err
	}
	existing, err := engine.ListPermissions(ctx, "plugin."+api.AdminPluginName)
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return nil
	}
	log.Infof("fresh permission graph, granting ALL to plugin.%s", api.AdminPluginName)
	return engine.GrantPermission(ctx, nil, "plugin."+api.AdminPluginName, security.All())
}

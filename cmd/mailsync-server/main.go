// Package main provides the entry point for mailsync-server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/joho/godotenv"

	"github.com/yndnr/mailsync-go/internal/core/service"
	"github.com/yndnr/mailsync-go/internal/infra/buildinfo"
	"github.com/yndnr/mailsync-go/internal/infra/confloader"
	"github.com/yndnr/mailsync-go/internal/infra/shutdown"
	"github.com/yndnr/mailsync-go/internal/infra/tlsroots"
	"github.com/yndnr/mailsync-go/internal/remote/imapsource"
	"github.com/yndnr/mailsync-go/internal/remote/memsource"
	"github.com/yndnr/mailsync-go/internal/server/config"
	"github.com/yndnr/mailsync-go/internal/server/httpserver"
	"github.com/yndnr/mailsync-go/internal/server/localserver"
	"github.com/yndnr/mailsync-go/internal/storage"
	"github.com/yndnr/mailsync-go/internal/storage/eventlog"
	"github.com/yndnr/mailsync-go/internal/storage/safeenc"
	"github.com/yndnr/mailsync-go/internal/storage/snapshot"
	"github.com/yndnr/mailsync-go/internal/storage/sqlstore"
	"github.com/yndnr/mailsync-go/internal/telemetry/logger"
	"github.com/yndnr/mailsync-go/internal/telemetry/metric"
	"github.com/yndnr/mailsync-go/pkg/crypto/adaptive"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Parse command line flags
	var (
		configFile  = flag.String("config", "", "Path to configuration file")
		showVersion = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("mailsync-server %s\n", buildinfo.String())
		return nil
	}

	// A .env file in the working directory feeds the MAILSYNC_ variables.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}

	// Load configuration
	loader, cfg, err := loadConfig(*configFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := initLogger(cfg)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}

	info := buildinfo.Get()
	log.Info("starting mailsync-server",
		"version", info.Version,
		"commit", info.Commit,
		"config", *configFile)
	log.Debug("effective configuration", "config", config.Sanitize(cfg))

	registry := metric.NewRegistry()

	// Initialize storage
	store, err := initStorage(cfg, registry, logger.Component(log, "storage"))
	if err != nil {
		return fmt.Errorf("init storage: %w", err)
	}

	// Initialize the remote source
	remote, err := initRemote(cfg, logger.Component(log, "remote"))
	if err != nil {
		_ = store.close()
		return fmt.Errorf("init remote: %w", err)
	}

	app := initServices(cfg, store, remote, registry, logger.Component(log, "sync"))

	registry.Registerer().MustRegister(metric.NewCollector(struct {
		service.EventLog
		service.SnapshotStore
	}{store.events, store.snapshots}, logger.Component(log, "metrics")))

	// HTTP
	routerCfg := httpserver.RouterConfig{
		Mailbox:        app.mailbox,
		Ready:          store.ping,
		Logger:         logger.Component(log, "http"),
		Recorder:       registry,
		RateLimit:      cfg.Server.HTTP.RateLimit,
		RateBurst:      cfg.Server.HTTP.RateBurst,
		AdminAllowList: cfg.Server.HTTP.AdminAllowList,
	}
	if cfg.Metrics.Enabled {
		routerCfg.MetricsHandler = registry.Handler()
		routerCfg.MetricsPath = cfg.Metrics.Path
	}
	router, err := httpserver.NewRouter(routerCfg)
	if err != nil {
		_ = store.close()
		return fmt.Errorf("init router: %w", err)
	}

	var certs *tlsroots.Watcher
	var httpServer *httpserver.Server
	if cfg.Server.HTTP.TLSCertFile != "" && cfg.Server.HTTP.TLSKeyFile != "" {
		certs, err = tlsroots.NewWatcher(cfg.Server.HTTP.TLSCertFile, cfg.Server.HTTP.TLSKeyFile,
			tlsroots.WithLogger(logger.Component(log, "tls")))
		if err != nil {
			_ = store.close()
			return fmt.Errorf("load tls certificate: %w", err)
		}
		certs.StartAsync()
		httpServer = httpserver.New(cfg.Server.HTTP.Addr, router, certs.ServerConfig())
	} else {
		httpServer = httpserver.New(cfg.Server.HTTP.Addr, router, nil)
	}

	// Setup graceful shutdown
	shutdownHandler := shutdown.NewHandler(cfg.Server.ShutdownTimeout, log)

	// Hooks run in reverse order of registration.
	shutdownHandler.OnShutdown("storage", func(context.Context) error {
		return store.close()
	})
	if certs != nil {
		shutdownHandler.OnShutdown("tls watcher", func(context.Context) error {
			certs.Stop()
			return nil
		})
	}

	// Config reload on file change and SIGHUP
	reload := newReloader(loader, cfg, app, logger.Component(log, "config"))
	shutdownHandler.OnReload(reload.apply)
	if path := loader.FilePath(); path != "" {
		watcher, err := confloader.NewWatcher(confloader.WithWatcherLogger(logger.Component(log, "config")))
		if err != nil {
			log.Warn("config watcher disabled", "error", err)
		} else if err := watcher.Watch(path); err != nil {
			log.Warn("config watcher disabled", "path", path, "error", err)
			_ = watcher.Stop()
		} else {
			watcher.OnChange(func(string) { reload.apply() })
			watcher.StartAsync()
			shutdownHandler.OnShutdown("config watcher", func(context.Context) error {
				return watcher.Stop()
			})
		}
	}

	// Maintenance
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup
	if cfg.Server.MaintenanceInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			maintain(ctx, cfg.Server.MaintenanceInterval, app, reload, logger.Component(log, "maintenance"))
		}()
		shutdownHandler.OnShutdown("maintenance", func(context.Context) error {
			cancel()
			wg.Wait()
			return nil
		})
	}

	shutdownHandler.OnShutdown("http", func(ctx context.Context) error {
		return httpServer.Shutdown(ctx)
	})

	var local *localserver.Server
	if cfg.Server.LocalSocket != "" {
		localRouter, err := httpserver.NewRouter(httpserver.RouterConfig{
			Mailbox:  app.mailbox,
			Ready:    store.ping,
			Logger:   logger.Component(log, "http").With("listener", "local"),
			Recorder: registry,
		})
		if err != nil {
			_ = shutdownHandler.Shutdown()
			return fmt.Errorf("init local router: %w", err)
		}
		local = localserver.New(cfg.Server.LocalSocket, localRouter)
		if err := local.Listen(); err != nil {
			_ = shutdownHandler.Shutdown()
			return fmt.Errorf("local socket: %w", err)
		}
		shutdownHandler.OnShutdown("local socket", func(ctx context.Context) error {
			return local.Shutdown(ctx)
		})
	}

	serveErr := make(chan error, 2)
	go func() {
		log.Info("HTTP server listening",
			"addr", cfg.Server.HTTP.Addr,
			"tls", certs != nil)
		serveErr <- httpServer.ListenAndServe()
	}()
	if local != nil {
		go func() {
			log.Info("local socket listening", "path", local.Path())
			serveErr <- local.Serve()
		}()
	}

	// Stop waiting if the listener fails.
	waitCtx, stopWait := context.WithCancel(context.Background())
	defer stopWait()
	failed := make(chan error, 1)
	go func() {
		for err := range serveErr {
			if err != nil {
				log.Error("HTTP server error", "error", err)
				select {
				case failed <- err:
				default:
				}
				stopWait()
			}
		}
	}()

	log.Info("server started, press Ctrl+C to stop")
	if err := shutdownHandler.Wait(waitCtx); err != nil {
		log.Error("shutdown error", "error", err)
		return err
	}
	select {
	case err := <-failed:
		return fmt.Errorf("http server: %w", err)
	default:
	}

	log.Info("server stopped gracefully")
	return nil
}

// loadConfig loads configuration from file and environment.
func loadConfig(configFile string) (*confloader.Loader, *config.ServerConfig, error) {
	cfg := config.Default()

	var opts []confloader.Option
	if configFile != "" {
		opts = append(opts, confloader.WithConfigFile(configFile))
	}
	loader := confloader.NewLoader(opts...)

	if err := loader.Load(cfg); err != nil {
		return nil, nil, err
	}
	if err := config.Verify(cfg); err != nil {
		return nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return loader, cfg, nil
}

// initLogger initializes the structured logger.
func initLogger(cfg *config.ServerConfig) (*slog.Logger, error) {
	log, err := logger.New(logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: os.Stdout,
	})
	if err != nil {
		return nil, err
	}
	slog.SetDefault(log)
	return log, nil
}

// backend is the opened storage engine.
type backend struct {
	events    service.EventLog
	snapshots service.SnapshotStore
	ping      func(ctx context.Context) error
	close     func() error
}

// initStorage opens the configured storage engine.
func initStorage(cfg *config.ServerConfig, registry *metric.Registry, log *slog.Logger) (*backend, error) {
	var cipher adaptive.Cipher
	if cfg.Storage.EncryptionKey != "" {
		key, err := adaptive.ParseKey(cfg.Storage.EncryptionKey)
		if err != nil {
			return nil, fmt.Errorf("encryption key: %w", err)
		}
		if cipher, err = adaptive.New(key); err != nil {
			return nil, fmt.Errorf("encryption key: %w", err)
		}
	}

	encoder := safeenc.New(safeenc.DefaultOptions())
	encoder.SetObserver(registry.ObserveEncoderStage)

	switch cfg.Storage.Engine {
	case config.EngineSQLite:
		path := "file::memory:"
		if !cfg.Storage.InMemory {
			path = filepath.Join(cfg.Storage.DataDir, "mailsync.db")
		}
		db, err := sqlstore.Open(path, sqlstore.Options{
			Cipher:  cipher,
			Encoder: encoder,
			Logger:  log,
		})
		if err != nil {
			return nil, err
		}
		log.Info("storage opened", "engine", config.EngineSQLite, "path", path)
		return &backend{
			events:    db.Events(),
			snapshots: db.Snapshots(),
			ping:      db.Ping,
			close:     db.Close,
		}, nil

	default:
		kvCfg := storage.DefaultKVConfig(cfg.Storage.DataDir)
		kvCfg.InMemory = cfg.Storage.InMemory
		kvCfg.Badger.SyncWrites = cfg.Storage.SyncWrites
		if cfg.Storage.GCInterval != "" {
			kvCfg.Badger.GCInterval = cfg.Storage.GCInterval
		}
		kv, err := storage.NewBadgerEngine(kvCfg, log)
		if err != nil {
			return nil, err
		}
		kv.RegisterMetrics(registry.Registerer())
		log.Info("storage opened",
			"engine", config.EngineBadger,
			"dir", cfg.Storage.DataDir,
			"in_memory", cfg.Storage.InMemory)
		return &backend{
			events: eventlog.New(kv, eventlog.Options{
				Cipher:  cipher,
				Encoder: encoder,
				Logger:  log,
			}),
			snapshots: snapshot.New(kv, snapshot.Options{
				Cipher:  cipher,
				Encoder: encoder,
				Logger:  log,
			}),
			ping: func(ctx context.Context) error {
				_, err := kv.Stats(ctx)
				return err
			},
			close: kv.Close,
		}, nil
	}
}

// initRemote creates the configured remote mail source.
func initRemote(cfg *config.ServerConfig, log *slog.Logger) (service.RemoteMailSource, error) {
	if cfg.Remote.Kind == config.RemoteMemory {
		src := memsource.New()
		src.Seed(cfg.Sync.Folders, cfg.Remote.Demo.ItemsPerFolder)
		log.Info("remote source ready",
			"kind", config.RemoteMemory,
			"folders", len(cfg.Sync.Folders),
			"items_per_folder", cfg.Remote.Demo.ItemsPerFolder)
		return src, nil
	}

	imapCfg := imapsource.DefaultConfig()
	imapCfg.Host = cfg.Remote.IMAP.Host
	imapCfg.Username = cfg.Remote.IMAP.Username
	imapCfg.Password = cfg.Remote.IMAP.Password
	imapCfg.CAFile = cfg.Remote.IMAP.CAFile
	if cfg.Remote.IMAP.Port > 0 {
		imapCfg.Port = cfg.Remote.IMAP.Port
	}
	if cfg.Remote.IMAP.TLSMode != "" {
		imapCfg.TLSMode = cfg.Remote.IMAP.TLSMode
	}
	if cfg.Remote.IMAP.ConnectRate > 0 {
		imapCfg.ConnectRate = cfg.Remote.IMAP.ConnectRate
	}
	if cfg.Remote.IMAP.Burst > 0 {
		imapCfg.Burst = cfg.Remote.IMAP.Burst
	}

	src, err := imapsource.New(imapCfg, log)
	if err != nil {
		return nil, err
	}
	log.Info("remote source ready",
		"kind", config.RemoteIMAP,
		"host", imapCfg.Host,
		"tls_mode", imapCfg.TLSMode)
	return src, nil
}

// services holds the wired services.
type services struct {
	engine  *service.SyncEngine
	mailbox *service.MailboxService
}

// initServices wires the sync engine, mutations and the mailbox facade.
func initServices(cfg *config.ServerConfig, store *backend, remote service.RemoteMailSource, registry *metric.Registry, log *slog.Logger) *services {
	engine := service.NewSyncEngine(store.events, store.snapshots, remote, service.EngineOptions{
		Policy:          policyFrom(cfg),
		InitialPageSize: cfg.Sync.InitialPageSize,
		DeltaPageSize:   cfg.Sync.DeltaPageSize,
		Logger:          log,
		Metrics:         registry,
	})
	mutations := service.NewMutationService(store.events, store.snapshots, remote, service.MutationOptions{
		Logger:  log,
		Metrics: registry,
	})
	mailbox := service.NewMailboxService(engine, mutations, store.events, store.snapshots, remote, log)

	log.Info("services initialized",
		"event_threshold", cfg.Sync.EventThreshold,
		"max_age", cfg.Sync.MaxAge,
		"growth_ratio", cfg.Sync.GrowthRatio)
	return &services{engine: engine, mailbox: mailbox}
}

func policyFrom(cfg *config.ServerConfig) service.Policy {
	return service.Policy{
		EventThreshold: cfg.Sync.EventThreshold,
		MaxAge:         cfg.Sync.MaxAge,
		GrowthRatio:    cfg.Sync.GrowthRatio,
	}
}

// reloader applies hot-reloadable settings to the running server.
type reloader struct {
	mu     sync.Mutex
	loader *confloader.Loader
	cfg    *config.ServerConfig
	app    *services
	log    *slog.Logger
}

func newReloader(loader *confloader.Loader, cfg *config.ServerConfig, app *services, log *slog.Logger) *reloader {
	return &reloader{loader: loader, cfg: cfg, app: app, log: log}
}

// apply re-reads the configuration. An invalid result is logged and
// ignored; the running settings stay in place.
func (r *reloader) apply() {
	r.mu.Lock()
	defer r.mu.Unlock()

	next := config.Default()
	changed, err := r.loader.Reload(next)
	if err != nil {
		r.log.Error("config reload failed", "error", err)
		return
	}
	if err := config.Check(next); err != nil {
		r.log.Error("config reload rejected", "error", err)
		return
	}
	if len(changed) == 0 {
		return
	}

	if next.Log.Level != r.cfg.Log.Level {
		if err := logger.SetLevel(next.Log.Level); err != nil {
			r.log.Error("log level not applied", "error", err)
		}
	}
	r.cfg.Log.Level = next.Log.Level
	r.cfg.Sync.EventThreshold = next.Sync.EventThreshold
	r.cfg.Sync.MaxAge = next.Sync.MaxAge
	r.cfg.Sync.GrowthRatio = next.Sync.GrowthRatio
	r.cfg.Retention = next.Retention
	r.app.engine.SetPolicy(policyFrom(r.cfg))

	r.log.Info("config reloaded", "changed", changed)
	if pending := config.RequiresRestart(changed); len(pending) > 0 {
		r.log.Warn("config changes require a restart", "keys", pending)
	}
}

// snapshot returns the settings the maintenance loop reads.
func (r *reloader) snapshot() (folders []string, retention config.RetentionSection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.cfg.Sync.Folders...), r.cfg.Retention
}

// maintain loads the configured folders and runs retention every interval.
func maintain(ctx context.Context, interval time.Duration, app *services, settings *reloader, log *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		folders, retention := settings.snapshot()
		for _, folder := range folders {
			view, err := app.mailbox.GetView(ctx, folder)
			if err != nil {
				log.Warn("maintenance load failed", "partition", folder, "error", err)
				continue
			}
			log.Debug("maintenance load",
				"partition", folder,
				"source", view.Source,
				"items", len(view.Items),
				"compacted", view.Compacted)
		}

		res, err := app.mailbox.Cleanup(ctx, service.CleanupRequest{
			DaysToKeepEvents: retention.DaysToKeepEvents,
			SnapshotsToKeep:  retention.SnapshotsToKeep,
		})
		if err != nil {
			log.Warn("maintenance cleanup failed", "error", err)
			continue
		}
		log.Debug("maintenance cleanup",
			"events_deleted", res.EventsDeleted,
			"snapshots_deleted", res.SnapshotsDeleted)
	}
}

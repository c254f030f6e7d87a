package main

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"

	"github.com/gofrs/flock"

	"konomitv-offline/internal/badgerstore"
	"konomitv-offline/internal/cachestore"
	"konomitv-offline/internal/cleanup"
	"konomitv-offline/internal/config"
	"konomitv-offline/internal/database"
	"konomitv-offline/internal/downloader"
	"konomitv-offline/internal/interceptor"
	"konomitv-offline/internal/konomitv"
	"konomitv-offline/internal/ledger"
	"konomitv-offline/internal/lock"
	"konomitv-offline/internal/messaging"
	"konomitv-offline/internal/notify"
	"konomitv-offline/internal/tasks"
)

// ErrAgentRunning is returned when another process already serves this store
var ErrAgentRunning = errors.New("an interception agent is already running for this store")

// app wires the components for one process
type app struct {
	cfg          *config.Config
	storage      cachestore.Storage
	bus          messaging.Bus
	api          *konomitv.Client
	ledger       *ledger.Ledger
	locker       *lock.Locker
	cleanup      *cleanup.Service
	orchestrator *downloader.Orchestrator
	recorder     *notify.Recorder
	manager      *tasks.Manager
}

func newApp(cfg *config.Config) (*app, error) {
	api, err := konomitv.New(cfg.KonomiTVAPIURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create KonomiTV client: %w", err)
	}

	storage, err := openStorage(cfg)
	if err != nil {
		return nil, err
	}

	bus, err := openBus(cfg)
	if err != nil {
		storage.Close()
		return nil, err
	}

	l := ledger.New(storage, cfg.CacheNamePrefix)
	locker := lock.New(l, cfg.LockTimeout)
	orchestrator := downloader.New(api, storage, l, locker, bus, orchestratorConfig(cfg))
	recorder := notify.NewRecorder(notify.DefaultCapacity)
	cleanupService := cleanup.NewService(storage, l, cfg.LockTimeout)

	manager := tasks.New(tasks.Deps{
		Downloader: orchestrator,
		Storage:    storage,
		Ledger:     l,
		Cleanup:    cleanupService,
		API:        api,
		Bus:        bus,
		Notifier:   recorder,
	})

	return &app{
		cfg:          cfg,
		storage:      storage,
		bus:          bus,
		api:          api,
		ledger:       l,
		locker:       locker,
		cleanup:      cleanupService,
		orchestrator: orchestrator,
		recorder:     recorder,
		manager:      manager,
	}, nil
}

// Close stops running downloads, then releases the bus and the store
func (a *app) Close() error {
	var errs []error
	if err := a.manager.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to stop downloads: %w", err))
	}
	if err := a.bus.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close message bus: %w", err))
	}
	if err := a.storage.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close cache store: %w", err))
	}
	return errors.Join(errs...)
}

// newInterceptor builds the agent handler over the app's store and bus
func (a *app) newInterceptor() (*interceptor.Handler, error) {
	upstream, err := url.Parse(a.cfg.KonomiTVAPIURL)
	if err != nil {
		return nil, fmt.Errorf("invalid KONOMITV_API_URL: %w", err)
	}
	return interceptor.NewHandler(a.storage, a.bus, interceptor.Config{
		Upstream:           upstream,
		Prefix:             a.cfg.CacheNamePrefix,
		ResumeHitThreshold: a.cfg.ResumeHitThreshold,
	})
}

func openStorage(cfg *config.Config) (cachestore.Storage, error) {
	switch cfg.StoreDriver {
	case config.DriverBadger:
		store, err := badgerstore.Open(cfg.BadgerPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open badger store: %w", err)
		}
		return store, nil
	default:
		db, err := database.New(cfg.DatabasePath)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize database: %w", err)
		}
		return db, nil
	}
}

// openBus uses Redis when configured so that the agent and task managers can run
// in separate processes
func openBus(cfg *config.Config) (messaging.Bus, error) {
	if cfg.RedisAddr == "" {
		return messaging.NewMemoryBus(), nil
	}
	bus, err := messaging.NewRedisBus(messaging.RedisConfig{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect message bus: %w", err)
	}
	return bus, nil
}

func orchestratorConfig(cfg *config.Config) downloader.Config {
	retry := downloader.DefaultRetryPolicy()
	retry.MaxRetries = cfg.SegmentMaxRetries
	retry.RetryDelay = cfg.SegmentRetryDelay
	retry.AttemptTimeout = cfg.SegmentTimeout

	return downloader.Config{
		Retry:             retry,
		HeartbeatInterval: cfg.LockHeartbeatInterval,
		Target: downloader.TargetPolicy{
			ServiceIDs: cfg.PartialTargetServiceIDs,
			Percent:    cfg.PartialTargetPercent,
		},
	}
}

// acquireAgentLock takes the per-store agent lock without blocking
func acquireAgentLock(storePath string) (*flock.Flock, error) {
	fileLock := flock.New(storePath + ".agent.lock")
	locked, err := fileLock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire agent lock: %w", err)
	}
	if !locked {
		return nil, ErrAgentRunning
	}
	return fileLock, nil
}

func releaseAgentLock(fileLock *flock.Flock) {
	if err := fileLock.Unlock(); err != nil {
		slog.Warn("Failed to release agent lock", "path", fileLock.Path(), "error", err)
	}
}

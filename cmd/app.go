/*
Copyright © 2025 Joseph Goksu josephgoksu@gmail.com
*/
package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/josephgoksu/taskgraph/internal/backup"
	"github.com/josephgoksu/taskgraph/internal/batch"
	"github.com/josephgoksu/taskgraph/internal/cache"
	"github.com/josephgoksu/taskgraph/internal/config"
	"github.com/josephgoksu/taskgraph/internal/events"
	"github.com/josephgoksu/taskgraph/internal/logger"
	"github.com/josephgoksu/taskgraph/internal/task"
	"github.com/josephgoksu/taskgraph/internal/telemetry"
	"github.com/josephgoksu/taskgraph/internal/txn"
	"github.com/josephgoksu/taskgraph/store"
	"github.com/josephgoksu/taskgraph/types"
	"github.com/spf13/afero"
)

// app bundles the engine components built from one configuration.
type app struct {
	cfg       *types.AppConfig
	logger    *slog.Logger
	store     store.Store
	bus       *events.Bus
	telemetry *telemetry.Provider
	manager   *task.Manager
	backups   *backup.Engine
}

// loadConfig resolves the configuration from flags, files and environment.
func loadConfig() (*types.AppConfig, error) {
	dir := dataDir
	if dir == "" {
		dir = config.DefaultDataDir()
	}
	cfg, _, err := config.Load(config.LoadOptions{ConfigFile: cfgFile, DataDir: dir})
	if err != nil {
		return nil, err
	}
	if verbose {
		cfg.Verbose = true
		cfg.Log.Level = "debug"
	}
	return cfg, nil
}

// newLogger writes structured logs to stderr. Without --verbose only
// warnings and errors are shown so command output stays readable.
func newLogger(cfg *types.AppConfig) *slog.Logger {
	lc := cfg.Log
	if !cfg.Verbose && logger.ParseLevel(lc.Level) < slog.LevelWarn {
		lc.Level = "warn"
	}
	return logger.New(os.Stderr, lc)
}

// storeFilePath maps storage.path to a document path for the file driver.
// A directory gets tasks.<format> appended.
func storeFilePath(sc types.StorageConfig) string {
	switch strings.ToLower(filepath.Ext(sc.Path)) {
	case ".json", ".yaml", ".yml":
		return sc.Path
	}
	format := sc.Format
	if format == "" {
		format = "json"
	}
	return filepath.Join(sc.Path, "tasks."+format)
}

func openStore(sc types.StorageConfig) (store.Store, error) {
	switch sc.Driver {
	case config.DriverFile:
		return store.OpenFileStore(afero.NewOsFs(), storeFilePath(sc), sc.Format)
	case config.DriverSQLite, "":
		return store.NewSQLiteStore(sc.Path)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", sc.Driver)
	}
}

// openApp loads the configuration and wires every component.
func openApp() (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if crash != nil {
		crash.SetBaseDir(cfg.Storage.Path)
	}
	return newApp(cfg, afero.NewOsFs())
}

func newApp(cfg *types.AppConfig, fsys afero.Fs) (*app, error) {
	log := newLogger(cfg)

	st, err := openStore(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Storage.Driver, err)
	}

	tp, err := telemetry.NewProvider(true)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("init metrics: %w", err)
	}

	bus := events.New()
	c := cache.New(cache.OptionsFromConfig(cfg.Cache),
		cache.WithLogger(log),
		cache.WithPublisher(bus),
		cache.WithRecorder(tp.Metrics),
	)
	coord := txn.NewCoordinator(st, log).WithRecorder(tp.Metrics)

	validator := task.NewValidator(cfg.Validation)
	mgr := task.NewManager(task.Deps{
		Store:         st,
		Cache:         c,
		Coordinator:   coord,
		Validator:     validator,
		Batch:         batch.OptionsFromConfig(cfg.Batch),
		BatchRecorder: tp.Metrics,
		Publisher:     bus,
		Logger:        log,
		WaitTimeout:   cfg.Transaction.WaitTimeout,
	})

	engine := backup.NewEngine(fsys, st, backup.OptionsFromConfig(cfg.Backup),
		backup.WithLogger(log),
		backup.WithPublisher(bus),
		backup.WithRecorder(tp.Metrics),
	)

	log.Debug("engine ready",
		"driver", cfg.Storage.Driver, "path", cfg.Storage.Path,
		"backup_dir", engine.Root(), "config", cfg.Config)

	return &app{
		cfg:       cfg,
		logger:    log,
		store:     st,
		bus:       bus,
		telemetry: tp,
		manager:   mgr,
		backups:   engine,
	}, nil
}

// Close releases the cache watchdog, the metrics provider and the store.
func (a *app) Close() error {
	var errs []error
	if err := a.manager.Cache().Close(); err != nil {
		errs = append(errs, err)
	}
	if err := a.telemetry.Shutdown(context.Background()); err != nil {
		errs = append(errs, err)
	}
	if err := a.store.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// withApp opens the engine, runs fn and closes it again.
func withApp(fn func(a *app) error) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			a.logger.Warn("shutdown", "error", err)
		}
	}()
	return fn(a)
}

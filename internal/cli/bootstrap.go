package cli

import (
	"log/slog"

	"github.com/mbarlow/wrangler/internal/config"
	"github.com/mbarlow/wrangler/internal/db"
	"github.com/mbarlow/wrangler/internal/db/driver"
	"github.com/mbarlow/wrangler/internal/dispatch"
	"github.com/mbarlow/wrangler/internal/engine"
	"github.com/mbarlow/wrangler/internal/git"
	"github.com/mbarlow/wrangler/internal/proc"
)

// app bundles the wired collaborators behind a subcommand.
type app struct {
	cfg        *config.Config
	logger     *slog.Logger
	store      *db.DB
	supervisor *proc.Supervisor
	dispatcher *dispatch.Dispatcher
}

// buildApp opens storage, recovers the supervisor, and wires the
// engine and dispatcher.
func buildApp() (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logger := newLogger(cfg)
	slog.SetDefault(logger)

	dialect, err := driver.ParseDialect(cfg.Storage.Dialect)
	if err != nil {
		return nil, err
	}
	store, err := db.OpenWithDialect(cfg.Storage.DSN, dialect, db.Pool{
		MaxOpenConns:    cfg.Storage.MaxOpenConns,
		MaxIdleConns:    cfg.Storage.MaxIdleConns,
		ConnMaxIdleTime: cfg.Storage.ConnMaxIdleTime,
	})
	if err != nil {
		return nil, err
	}

	supervisor := proc.New(proc.Config{
		BaseDir:         cfg.Runner.BaseDir,
		MaxLogSizeBytes: cfg.Runner.MaxLogSizeBytes,
		StopTimeout:     cfg.Runner.StopTimeout,
		BlockedEnv:      cfg.Runner.BlockedEnv,
		AllowedCwds:     cfg.Runner.AllowedCwds,
		Logger:          logger,
	})
	if err := supervisor.Init(); err != nil {
		_ = store.Close()
		return nil, err
	}

	eng := engine.New(store, git.NewDriver(nil), supervisor, logger)
	return &app{
		cfg:        cfg,
		logger:     logger,
		store:      store,
		supervisor: supervisor,
		dispatcher: dispatch.New(eng),
	}, nil
}

func (a *app) close() {
	_ = a.store.Close()
}

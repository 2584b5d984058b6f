// Package app wires a store, an engine and the configured documents into a ready-to-serve instance.
package app

import (
	"context"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"parity/internal/config"
	"parity/internal/db"
	"parity/internal/engine"
	"parity/internal/filestore"
	"parity/internal/logger"
	"parity/internal/migrate"
	"parity/internal/repo"
	"parity/internal/store"
)

// OpenStore opens the store driver named in cfg, running migrations for SQLite.
func OpenStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.Storage.Driver {
	case "files":
		return filestore.Open(cfg.Storage.DataDir)
	case "sqlite", "":
		conn, err := db.Open(db.Config{DataDir: cfg.Storage.DataDir})
		if err != nil {
			return nil, err
		}
		if _, err := migrate.Migrate(ctx, conn); err != nil {
			conn.Close()
			return nil, errors.Wrap(err, "migrate")
		}
		return repo.New(conn), nil
	default:
		return nil, errors.Newf("unknown storage driver %q", cfg.Storage.Driver)
	}
}

// Bootstrap opens the store, seeds missing configuration documents and loads the catalog.
// It leaves stored running runs alone: another process sharing the data directory may still own them.
func Bootstrap(ctx context.Context, cfg *config.Config, log *zap.SugaredLogger, opts engine.Options) (engine.Engine, error) {
	if log == nil {
		log = logger.Nop()
	}
	st, err := OpenStore(ctx, cfg)
	if err != nil {
		return engine.Engine{}, err
	}
	opts.Log = log
	eng := engine.New(st, cfg, opts)
	seeded, err := eng.SeedConfig(ctx)
	if err != nil {
		st.Close()
		return engine.Engine{}, errors.Wrap(err, "seed configuration")
	}
	if seeded {
		log.Infow("configuration documents seeded from config file")
	}
	return eng, nil
}

// RecoverRuns finalizes runs a previous server process left unfinished. Only the long-lived
// server calls it; one-shot commands would otherwise fail runs a live server is executing.
func RecoverRuns(ctx context.Context, eng engine.Engine, log *zap.SugaredLogger) int {
	if log == nil {
		log = logger.Nop()
	}
	recovered, err := eng.Runs.Recover(ctx)
	if err != nil {
		log.Warnw("recovering interrupted runs failed", logger.FieldError, err)
		return 0
	}
	if recovered > 0 {
		log.Infow("recovered interrupted runs", logger.FieldCount, recovered)
	}
	return recovered
}

// Shutdown drains running tests and closes the store.
func Shutdown(ctx context.Context, eng engine.Engine) error {
	err := eng.Runs.Shutdown(ctx)
	if err != nil {
		// Deadline hit: interrupt what is left so every run still finalizes.
		_ = eng.Runs.Close()
	}
	if cerr := eng.Store.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// Package driver opens the storage backend selected in configuration.
package driver

import (
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/onrepeat/internal/infra/config"
	"github.com/osa030/onrepeat/internal/infra/store"
	"github.com/osa030/onrepeat/internal/infra/store/badger"
	"github.com/osa030/onrepeat/internal/infra/store/sqlite"
)

// Open opens the backend described by cfg.
func Open(cfg config.StorageConfig) (store.Backend, error) {
	switch cfg.Driver {
	case "badger", "":
		zlog.Info().Msgf("Opening badger store at %s", cfg.Path)
		db, err := badger.Open(badger.Config{
			Dir:        cfg.Path,
			SyncWrites: cfg.SyncWrites,
			GCInterval: cfg.GCInterval,
		})
		if err != nil {
			return nil, err
		}
		return db, nil

	case "sqlite":
		if dir := filepath.Dir(cfg.Path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, errors.Mark(errors.Wrapf(err, "failed to create %s", dir), store.ErrUnavailable)
			}
		}
		zlog.Info().Msgf("Opening sqlite store at %s", cfg.Path)
		db, err := sqlite.Open(sqlite.Config{Path: cfg.Path, BusyTimeout: cfg.OpTimeout})
		if err != nil {
			return nil, err
		}
		return db, nil

	default:
		return nil, errors.Newf("unknown storage driver: %s", cfg.Driver)
	}
}

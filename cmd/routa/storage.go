package main

import (
	"fmt"

	"github.com/routa-dev/routa/internal/common/config"
	"github.com/routa-dev/routa/internal/common/logger"
	"github.com/routa-dev/routa/internal/db"
	"github.com/routa-dev/routa/internal/store"
)

// provideStore builds the configured store backend. The returned cleanup is
// safe to call once.
func provideStore(cfg *config.Config, log *logger.Logger) (store.Store, func(), error) {
	switch cfg.Database.Driver {
	case "memory":
		log.Info("Using in-memory store")
		return store.NewMemoryStore(), func() {}, nil

	case "postgres":
		pool, err := db.OpenPostgresPool(cfg.Database.URL, cfg.Database.MaxConns)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open postgres pool: %w", err)
		}
		st, err := store.NewSQLStore(pool)
		if err != nil {
			_ = pool.Close()
			return nil, nil, err
		}
		return st, func() { _ = st.Close() }, nil

	case "sqlite", "":
		pool, err := db.OpenSQLitePool(cfg.Database.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open sqlite pool: %w", err)
		}
		st, err := store.NewSQLStore(pool)
		if err != nil {
			_ = pool.Close()
			return nil, nil, err
		}
		return st, func() { _ = st.Close() }, nil

	default:
		return nil, nil, fmt.Errorf("unknown database driver %q", cfg.Database.Driver)
	}
}

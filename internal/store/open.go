package store

import (
	"context"
	"fmt"

	"github.com/dunamismax/mdflow/internal/config"
)

// Open builds the job store selected by cfg.Backend. The returned close
// function is never nil.
func Open(ctx context.Context, cfg config.StoreConfig) (JobStore, func() error, error) {
	noop := func() error { return nil }

	switch cfg.Backend {
	case config.StoreMemory, "":
		return NewMemoryJobStore(), noop, nil
	case config.StorePostgres:
		s, err := NewPostgresJobStore(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, noop, err
		}
		return s, s.Close, nil
	case config.StoreSQLite:
		s, err := NewSQLiteJobStore(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, noop, err
		}
		return s, s.Close, nil
	default:
		return nil, noop, fmt.Errorf("unsupported store backend: %s", cfg.Backend)
	}
}

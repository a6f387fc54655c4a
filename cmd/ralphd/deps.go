package main

import (
	"context"
	"fmt"

	"github.com/ralph-build/ralphd/internal/config"
	"github.com/ralph-build/ralphd/internal/store"
	"github.com/ralph-build/ralphd/internal/store/pgstore"
	"github.com/ralph-build/ralphd/internal/store/sqlitestore"
)

// openStore picks the backend for cfg.Profile: sqlite for sandbox, pgx for
// prod. Both satisfy store.Store identically, so every caller above this
// point is backend-agnostic.
func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.Profile {
	case config.ProfileProd:
		st, err := pgstore.Open(ctx, cfg.StateDBPath)
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		return st, nil
	default:
		st, err := sqlitestore.Open(ctx, cfg.StateDBPath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return st, nil
	}
}

package db

import (
	"context"
	"fmt"

	"github.com/wuwenbin0122/perps.ai/internal/utils"
)

// Open connects the store selected by cfg.StoreDriver and makes sure its indexes or
// tables exist.
func Open(ctx context.Context, cfg *utils.Config) (Store, error) {
	switch cfg.StoreDriver {
	case utils.StoreMongo:
		store, err := NewMongo(ctx, cfg.Mongo)
		if err != nil {
			return nil, err
		}
		if err := store.EnsureCollections(ctx); err != nil {
			_ = store.Close(context.Background())
			return nil, err
		}
		return store, nil
	case utils.StorePostgres:
		store, err := NewPostgres(ctx, cfg.Postgres)
		if err != nil {
			return nil, err
		}
		if err := store.EnsureSchema(ctx); err != nil {
			_ = store.Close(context.Background())
			return nil, err
		}
		return store, nil
	case utils.StoreMemory:
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("db: unknown store driver %q", cfg.StoreDriver)
	}
}

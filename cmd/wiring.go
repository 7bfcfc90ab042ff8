package main

import (
	"context"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"

	"github.com/sells-group/callpilot/internal/queue"
	"github.com/sells-group/callpilot/internal/scheduler"
	"github.com/sells-group/callpilot/internal/store"
)

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "callpilot.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, nil)
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

func initQueue(ctx context.Context) (*queue.Store, *redis.Client, error) {
	rdb, err := queue.Connect(ctx, cfg.Queue)
	if err != nil {
		return nil, nil, err
	}
	return queue.New(rdb, cfg.Queue), rdb, nil
}

// initScheduler builds the control plane used by the one-shot CLI
// commands. The caller owns both returned closers.
func initScheduler(ctx context.Context) (*scheduler.Service, store.Store, *redis.Client, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, nil, nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close()
		return nil, nil, nil, err
	}

	q, rdb, err := initQueue(ctx)
	if err != nil {
		st.Close()
		return nil, nil, nil, err
	}

	return scheduler.New(q, st, cfg.Refill), st, rdb, nil
}

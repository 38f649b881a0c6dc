package idempotency

import (
	"context"
	"fmt"
)

// Options selects and configures a backend.
type Options struct {
	Backend       string // memory, file, postgres or redis
	FilePath      string
	PostgresDSN   string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
}

// Open builds the configured store. The returned close func is never nil.
func Open(ctx context.Context, opts Options) (Store, func(), error) {
	noop := func() {}
	switch opts.Backend {
	case "", "memory":
		return NewMemoryStore(), noop, nil
	case "file":
		store, err := NewFileStore(opts.FilePath)
		if err != nil {
			return nil, noop, fmt.Errorf("file store: %w", err)
		}
		return store, noop, nil
	case "postgres":
		store, err := NewPostgresStore(ctx, opts.PostgresDSN)
		if err != nil {
			return nil, noop, fmt.Errorf("postgres store: %w", err)
		}
		return store, store.Close, nil
	case "redis":
		store, err := NewRedisStore(ctx, opts.RedisAddr, opts.RedisPassword, opts.RedisDB)
		if err != nil {
			return nil, noop, fmt.Errorf("redis store: %w", err)
		}
		return store, store.Close, nil
	default:
		return nil, noop, fmt.Errorf("unknown idempotency backend %q", opts.Backend)
	}
}

// Package backend opens the document and presence stores a process runs on.
package backend

import (
	"context"
	"errors"
	"fmt"

	"github.com/npezzotti/story-pointer/internal/config"
	"github.com/npezzotti/story-pointer/internal/database"
	"github.com/npezzotti/story-pointer/internal/presence"
	"github.com/npezzotti/story-pointer/internal/retry"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const startupRetries = 10

type Stores struct {
	Documents database.Store
	Presence  presence.Store
}

// Open connects both stores, retrying each connection a bounded number of
// times. With MemoryStore set both live in process.
func Open(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*Stores, error) {
	if cfg.MemoryStore {
		log.Warn().Msg("using in-memory stores, state is lost on exit")
		return &Stores{
			Documents: database.NewMemoryStore(),
			Presence:  presence.NewMemoryStore(),
		}, nil
	}

	policy := retry.Policy{Delay: cfg.RetryDelay, MaxRetries: startupRetries}

	var docs *database.PgStore
	err := policy.Do(ctx, log, "connect postgres", func() error {
		var err error
		docs, err = database.NewPgStore(cfg.DatabaseDSN, log)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("open document store: %w", err)
	}

	pres, err := openPresence(ctx, cfg, policy, log)
	if err != nil {
		docs.Close()
		return nil, err
	}

	return &Stores{Documents: docs, Presence: pres}, nil
}

func openPresence(ctx context.Context, cfg *config.Config, policy retry.Policy, log zerolog.Logger) (*presence.RedisStore, error) {
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	rdb := redis.NewClient(opts)
	err = policy.Do(ctx, log, "connect redis", func() error {
		return rdb.Ping(ctx).Err()
	})
	if err != nil {
		rdb.Close()
		return nil, fmt.Errorf("open presence store: %w", err)
	}

	return presence.NewRedisStore(rdb, cfg.PresenceTTL, cfg.PingInterval, log), nil
}

func (s *Stores) Close() error {
	return errors.Join(s.Presence.Close(), s.Documents.Close())
}

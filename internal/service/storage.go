package service

import (
	"context"
	"fmt"

	"offsync/internal/config"
	"offsync/internal/database"
	"offsync/internal/domain"
	"offsync/internal/repository"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// storage is the backend selected by config plus what must be closed with it.
type storage struct {
	backend domain.Backend
	kv      *database.KVStore
	redis   *redis.Client
}

func (s *storage) Close() error {
	var firstErr error
	if s.kv != nil {
		if err := s.kv.Close(); err != nil {
			firstErr = err
		}
	}
	if err := repository.Close(s.redis); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// openStorage builds the configured backend. With the redis driver and
// failover enabled, the SQLite store at storage.path takes over while redis
// is unreachable.
func openStorage(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) (*storage, error) {
	st := &storage{}

	switch cfg.Storage.Driver {
	case config.DriverMemory:
		st.backend = repository.NewMemoryBackend()

	case config.DriverSQLite:
		kv, err := database.NewKVStore(cfg.Storage.Path, logger)
		if err != nil {
			return nil, err
		}
		st.kv = kv
		st.backend = kv

	case config.DriverRedis:
		st.redis = repository.NewRedisClient(cfg.Redis)
		primary := repository.NewRedisBackend(st.redis, cfg.Redis.KeyPrefix)
		// The queue must load from redis; failover only covers outages after
		// startup.
		if err := repository.Ping(ctx, st.redis); err != nil {
			_ = st.Close()
			return nil, err
		}
		if !cfg.Storage.Failover {
			st.backend = primary
			break
		}

		kv, err := database.NewKVStore(cfg.Storage.Path, logger)
		if err != nil {
			_ = st.Close()
			return nil, err
		}
		st.kv = kv
		st.backend = repository.NewFailoverBackend(primary, kv, cfg.Storage.RecoveryInterval, logger)

	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}

	return st, nil
}

package main

import (
	"context"
	"errors"
	"fmt"

	"fuzzcore/config"
	"fuzzcore/pkg/storage"
	"fuzzcore/pkg/storage/badgerstore"
	"fuzzcore/pkg/storage/redisstore"

	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const redisNamespace = "fuzzcore:kv"

type kvParams struct {
	fx.In

	Config      *config.AppConfig
	RedisClient *redis.Client `optional:"true"`
	Logger      *zap.Logger
	Lifecycle   fx.Lifecycle
}

// newKV opens the embedded badger store, or the shared redis store when several
// instances must resume the same targets
func newKV(p kvParams) (storage.KV, error) {
	switch p.Config.StorageBackend {
	case "redis":
		if p.RedisClient == nil {
			return nil, errors.New("STORAGE_BACKEND=redis needs a redis endpoint")
		}
		p.Logger.Info("corpus storage on redis")
		return redisstore.New(p.RedisClient, redisNamespace, 0), nil
	case "badger":
		cfg := badgerstore.DefaultConfig(p.Config.BadgerPath)
		cfg.Logger = p.Logger.Named("badger")
		store, err := badgerstore.Open(cfg)
		if err != nil {
			return nil, err
		}
		p.Lifecycle.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				return store.Close()
			},
		})
		p.Logger.Info("corpus storage on badger", zap.String("path", p.Config.BadgerPath))
		return store, nil
	default:
		return nil, fmt.Errorf("unknown STORAGE_BACKEND %q", p.Config.StorageBackend)
	}
}

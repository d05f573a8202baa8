// Package redisstore is the shared storage.KV backend, used when several engine
// instances resume the same targets.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"fuzzcore/pkg/storage"

	"github.com/redis/go-redis/v9"
)

const scanBatch = 256

type Store struct {
	client    *redis.Client
	namespace string
	ttl       time.Duration // 0 keeps keys forever
}

func New(client *redis.Client, namespace string, ttl time.Duration) *Store {
	return &Store{client: client, namespace: namespace, ttl: ttl}
}

func (s *Store) key(k string) string {
	if s.namespace == "" {
		return k
	}
	return s.namespace + ":" + k
}

func (s *Store) Put(ctx context.Context, key string, value []byte) error {
	return s.client.Set(ctx, s.key(key), value, s.ttl).Err()
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	value, err := s.client.Get(ctx, s.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, key)
	}
	return value, err
}

func (s *Store) Delete(ctx context.Context, key string) error {
	return s.client.Del(ctx, s.key(key)).Err()
}

func (s *Store) Keys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	strip := len(s.key(""))
	iter := s.client.Scan(ctx, 0, s.key(prefix)+"*", scanBatch).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val()[strip:])
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	slices.Sort(keys)
	return keys, nil
}

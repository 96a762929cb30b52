package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
	"github.com/ruteri/attestation-service/interfaces"
)

// RedisStore keeps one JSON value per reference value under a key prefix.
type RedisStore struct {
	client *redis.Client
	prefix string
	log    *slog.Logger
}

// NewRedisStore creates a store backed by the given redis client.
func NewRedisStore(client *redis.Client, prefix string, log *slog.Logger) *RedisStore {
	if prefix == "" {
		prefix = "rvps"
	}
	return &RedisStore{client: client, prefix: prefix, log: log}
}

func (s *RedisStore) key(name string) string {
	return fmt.Sprintf("%s:%s", s.prefix, name)
}

func (s *RedisStore) Get(ctx context.Context, name string) (*interfaces.ReferenceValue, error) {
	data, err := s.client.Get(ctx, s.key(name)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable("get", s.Name(), err)
	}
	return decodeReferenceValue(name, data)
}

func (s *RedisStore) Set(ctx context.Context, rv interfaces.ReferenceValue) error {
	data, err := encodeReferenceValue(rv)
	if err != nil {
		return err
	}

	if err := s.client.Set(ctx, s.key(rv.Name), data, 0).Err(); err != nil {
		return unavailable("set", s.Name(), err)
	}

	s.log.Debug("Stored reference value in redis", slog.String("name", rv.Name))
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, name string) error {
	if err := s.client.Del(ctx, s.key(name)).Err(); err != nil {
		return unavailable("del", s.Name(), err)
	}
	return nil
}

func (s *RedisStore) Available(ctx context.Context) bool {
	if err := s.client.Ping(ctx).Err(); err != nil {
		s.log.Debug("Redis store unavailable", "err", err)
		return false
	}
	return true
}

func (s *RedisStore) Name() string {
	return fmt.Sprintf("redis-%s", s.prefix)
}

package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	attemptKeyPrefix = "login:attempts:"
	lockKeyPrefix    = "login:lock:"
)

// RedisAttemptStore は複数プロセスで共有できるよう Redis で試行回数を管理します。
type RedisAttemptStore struct {
	rdb *redis.Client
}

// NewRedisAttemptStore は RedisAttemptStore を作成します。
func NewRedisAttemptStore(rdb *redis.Client) *RedisAttemptStore {
	return &RedisAttemptStore{rdb: rdb}
}

// NewRedisAttemptStoreFromURL は redis:// URL から RedisAttemptStore を作成します。
func NewRedisAttemptStoreFromURL(rawURL string) (*RedisAttemptStore, error) {
	opt, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return NewRedisAttemptStore(redis.NewClient(opt)), nil
}

func (s *RedisAttemptStore) LockedFor(ctx context.Context, key string) (time.Duration, error) {
	ttl, err := s.rdb.PTTL(ctx, lockKeyPrefix+key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, err
	}
	// -2: キーなし, -1: 期限なし（ここでは発生しない想定）
	if ttl < 0 {
		return 0, nil
	}
	return ttl, nil
}

func (s *RedisAttemptStore) RecordFailure(ctx context.Context, key string) (int, error) {
	countKey := attemptKeyPrefix + key

	pipe := s.rdb.TxPipeline()
	incr := pipe.Incr(ctx, countKey)
	pipe.ExpireNX(ctx, countKey, loginWindow)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}

	count := int(incr.Val())
	if count >= maxLoginAttempts {
		pipe := s.rdb.TxPipeline()
		pipe.Set(ctx, lockKeyPrefix+key, 1, lockDuration)
		pipe.Del(ctx, countKey)
		if _, err := pipe.Exec(ctx); err != nil {
			return 0, err
		}
		return 0, nil
	}
	return maxLoginAttempts - count, nil
}

func (s *RedisAttemptStore) Reset(ctx context.Context, key string) error {
	return s.rdb.Del(ctx, attemptKeyPrefix+key, lockKeyPrefix+key).Err()
}

// Close は Redis クライアントを閉じます。
func (s *RedisAttemptStore) Close() error {
	return s.rdb.Close()
}

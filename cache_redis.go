package helpx

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// DefaultRedisTTL bounds how long a room snapshot lives in Redis.
const DefaultRedisTTL = 7 * 24 * time.Hour

// RedisStore keeps the message cache in Redis, shared by every process of the
// same user (e.g. several terminals on one account).
type RedisStore struct {
	cli *redis.Client
	ttl time.Duration
}

// NewRedisStore connects to url (redis://...) and verifies it with PING.
func NewRedisStore(ctx context.Context, url string, ttl time.Duration) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, errors.Wrap(err, "redis parse url")
	}
	cli := redis.NewClient(opts)
	if err := cli.Ping(ctx).Err(); err != nil {
		if closeErr := cli.Close(); closeErr != nil {
			return nil, errors.Wrapf(err, "redis ping (close: %v)", closeErr)
		}
		return nil, errors.Wrap(err, "redis ping")
	}
	if ttl <= 0 {
		ttl = DefaultRedisTTL
	}
	return &RedisStore{cli: cli, ttl: ttl}, nil
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	v, err := s.cli.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, ErrCacheMiss
	}
	return v, err
}

func (s *RedisStore) Put(ctx context.Context, key string, value []byte) error {
	return s.cli.Set(ctx, key, value, s.ttl).Err()
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	return s.cli.Del(ctx, key).Err()
}

func (s *RedisStore) Close() error {
	return s.cli.Close()
}

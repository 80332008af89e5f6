package state

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ajitpratap0/intacct-extractor/pkg/errors"
)

const redisKeyPrefix = "intacct-extractor:"

// RedisBackend stores the document under a single Redis key.
type RedisBackend struct {
	client *redis.Client
	key    string
}

// NewRedisBackend connects to addr and verifies the connection.
func NewRedisBackend(ctx context.Context, addr, password string, db int, key string) (*RedisBackend, error) {
	if addr == "" {
		return nil, errors.New(errors.ErrorTypeConfig, "state.redis_addr is required for the redis backend")
	}
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, errors.ErrorTypeState, "failed to ping redis").WithDetail("addr", addr)
	}
	return &RedisBackend{client: client, key: redisKeyPrefix + key}, nil
}

// Load implements Backend.
func (r *RedisBackend) Load(ctx context.Context) (*Document, error) {
	data, err := r.client.Get(ctx, r.key).Bytes()
	if stderrors.Is(err, redis.Nil) {
		return NewDocument(), nil
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeState, "failed to read redis state")
	}
	return decodeDocument(data)
}

// Save implements Backend.
func (r *RedisBackend) Save(ctx context.Context, doc *Document) error {
	data, err := encodeDocument(doc)
	if err != nil {
		return err
	}
	if err := r.client.Set(ctx, r.key, data, 0).Err(); err != nil {
		return errors.Wrap(err, errors.ErrorTypeState, "failed to write redis state")
	}
	return nil
}

// Close implements Backend.
func (r *RedisBackend) Close() error {
	return r.client.Close()
}

package cache

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-market/types"
)

const (
	defaultRedisDialTimeout = 5 * time.Second
	defaultRedisOpTimeout   = 250 * time.Millisecond
	redisScanBatch          = 256
)

// RedisTier is a types.SharedTier backed by redis. Keys are namespaced with
// the configured prefix; expiry is delegated to redis.
type RedisTier struct {
	client    redis.UniversalClient
	logger    types.Logger
	prefix    string
	opTimeout time.Duration
}

var _ types.SharedTier = (*RedisTier)(nil)

func NewRedisTier(ctx context.Context, config *types.SharedCacheConfig, logger types.Logger) (*RedisTier, error) {
	if config == nil || !config.Enabled {
		return nil, types.ErrConfigIsNil
	}

	dialTimeout := config.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = defaultRedisDialTimeout
	}

	client := redis.NewClient(&redis.Options{
		Addr:         config.Addr,
		Password:     config.Password,
		DB:           config.DB,
		DialTimeout:  dialTimeout,
		ReadTimeout:  config.OpTimeout,
		WriteTimeout: config.OpTimeout,
	})

	tier := NewRedisTierWithClient(client, config.Prefix, config.OpTimeout, logger)

	pingCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	if err := tier.Ping(pingCtx); err != nil {
		_ = client.Close()
		return nil, types.Errorf(types.ErrCacheConnectionFailed, "%v", err)
	}

	logger.Info("Shared redis tier connected",
		zap.String("addr", config.Addr),
		zap.Int("db", config.DB),
		zap.String("prefix", config.Prefix))

	return tier, nil
}

func NewRedisTierWithClient(client redis.UniversalClient, prefix string, opTimeout time.Duration, logger types.Logger) *RedisTier {
	if opTimeout <= 0 {
		opTimeout = defaultRedisOpTimeout
	}
	return &RedisTier{
		client:    client,
		logger:    logger,
		prefix:    prefix,
		opTimeout: opTimeout,
	}
}

func (r *RedisTier) Get(ctx context.Context, key string) ([]byte, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.opTimeout)
	defer cancel()

	data, err := r.client.Get(ctx, r.buildFullKey(key)).Bytes()
	if err != nil {
		if types.IsError(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, types.WrapError(err, "failed to get shared cache entry")
	}

	return data, true, nil
}

func (r *RedisTier) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.opTimeout)
	defer cancel()

	if err := r.client.Set(ctx, r.buildFullKey(key), value, ttl).Err(); err != nil {
		return types.WrapError(err, "failed to set shared cache entry")
	}
	return nil
}

func (r *RedisTier) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}

	fullKeys := make([]string, 0, len(keys))
	for _, key := range keys {
		fullKeys = append(fullKeys, r.buildFullKey(key))
	}

	ctx, cancel := context.WithTimeout(ctx, r.opTimeout)
	defer cancel()

	if err := r.client.Del(ctx, fullKeys...).Err(); err != nil {
		return types.WrapError(err, "failed to delete shared cache keys")
	}
	return nil
}

// DeletePrefix removes every key under prefix with SCAN+DEL batches.
func (r *RedisTier) DeletePrefix(ctx context.Context, prefix string) (int64, error) {
	var (
		deleted int64
		batch   = make([]string, 0, redisScanBatch)
	)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		n, err := r.client.Del(ctx, batch...).Result()
		deleted += n
		batch = batch[:0]
		return err
	}

	iter := r.client.Scan(ctx, 0, r.buildFullKey(prefix)+"*", redisScanBatch).Iterator()
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == redisScanBatch {
			if err := flush(); err != nil {
				return deleted, types.WrapError(err, "failed to delete shared cache keys")
			}
		}
	}
	if err := iter.Err(); err != nil {
		return deleted, types.WrapError(err, "failed to scan shared cache keys")
	}
	if err := flush(); err != nil {
		return deleted, types.WrapError(err, "failed to delete shared cache keys")
	}

	return deleted, nil
}

func (r *RedisTier) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisTier) Close() error {
	if err := r.client.Close(); err != nil {
		r.logger.Error("Failed to close redis client", zap.Error(err))
		return types.WrapError(err, "failed to close redis client")
	}
	return nil
}

func (r *RedisTier) buildFullKey(key string) string {
	if r.prefix != "" {
		return r.prefix + ":" + key
	}
	return key
}

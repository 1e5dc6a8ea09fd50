package cache

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-pipeline/types"
	"github.com/saiset-co/sai-pipeline/utils"
)

type RedisConfig struct {
	Host               string        `json:"host"`
	Port               int           `json:"port"`
	Password           string        `json:"password"`
	DB                 int           `json:"db"`
	PoolSize           int           `json:"pool_size"`
	MinIdleConnections int           `json:"min_idle_connections"`
	DialTimeout        time.Duration `json:"dial_timeout"`
	ReadTimeout        time.Duration `json:"read_timeout"`
	WriteTimeout       time.Duration `json:"write_timeout"`
	KeyPrefix          string        `json:"key_prefix"`
}

// RedisStore backs the response cache with redis. Expiration is delegated to
// redis itself, so DeleteExpired is not implemented here and the sweep
// scheduler skips this backend.
type RedisStore struct {
	ctx     context.Context
	logger  types.Logger
	config  *RedisConfig
	client  *redis.Client
	started int32
}

func NewRedisStore(ctx context.Context, logger types.Logger, config *types.StoreConfig) (types.Store, error) {
	var redisConfig = &RedisConfig{
		Host:               "localhost",
		Port:               6379,
		Password:           "",
		DB:                 0,
		PoolSize:           10,
		MinIdleConnections: 2,
		DialTimeout:        5 * time.Second,
		ReadTimeout:        3 * time.Second,
		WriteTimeout:       3 * time.Second,
		KeyPrefix:          "sai-pipeline",
	}

	if config.Config != nil {
		err := utils.UnmarshalConfig(config.Config, redisConfig)
		if err != nil {
			return nil, types.WrapError(err, "failed to unmarshal redis store config")
		}
	}

	store := &RedisStore{
		ctx:     ctx,
		logger:  logger,
		config:  redisConfig,
		started: 0,
	}

	store.client = redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%d", redisConfig.Host, redisConfig.Port),
		Password:     redisConfig.Password,
		DB:           redisConfig.DB,
		PoolSize:     redisConfig.PoolSize,
		MinIdleConns: redisConfig.MinIdleConnections,
		DialTimeout:  redisConfig.DialTimeout,
		ReadTimeout:  redisConfig.ReadTimeout,
		WriteTimeout: redisConfig.WriteTimeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, redisConfig.DialTimeout)
	defer cancel()

	if err := store.client.Ping(pingCtx).Err(); err != nil {
		return nil, types.Errorf(types.ErrStoreConnectionFailed, "redis at %s:%d: %v",
			redisConfig.Host, redisConfig.Port, err)
	}

	return store, nil
}

func (r *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	if key == "" {
		return nil, types.ErrStoreKeyEmpty
	}

	result, err := r.client.Get(ctx, r.buildFullKey(key)).Bytes()
	if err != nil {
		if types.IsError(err, redis.Nil) {
			return nil, nil
		}
		r.logger.Error("failed to get store entry", zap.String("key", key), zap.Error(err))
		return nil, types.WrapError(err, "failed to get store entry")
	}

	return result, nil
}

func (r *RedisStore) Set(ctx context.Context, key string, value []byte, expiresIn time.Duration) error {
	if key == "" {
		return types.ErrStoreKeyEmpty
	}

	if expiresIn < 0 {
		expiresIn = 0
	}

	if err := r.client.Set(ctx, r.buildFullKey(key), value, expiresIn).Err(); err != nil {
		r.logger.Error("failed to set store entry", zap.String("key", key), zap.Error(err))
		return types.WrapError(err, "failed to set store entry")
	}

	return nil
}

func (r *RedisStore) Delete(ctx context.Context, key string) error {
	if key == "" {
		return nil
	}

	if err := r.client.Del(ctx, r.buildFullKey(key)).Err(); err != nil {
		r.logger.Error("failed to delete store key", zap.String("key", key), zap.Error(err))
		return types.WrapError(err, "failed to delete store key")
	}

	return nil
}

func (r *RedisStore) Exists(ctx context.Context, key string) (bool, error) {
	if key == "" {
		return false, types.ErrStoreKeyEmpty
	}

	count, err := r.client.Exists(ctx, r.buildFullKey(key)).Result()
	if err != nil {
		return false, types.WrapError(err, "failed to check store key")
	}

	return count > 0, nil
}

func (r *RedisStore) ExpiresIn(ctx context.Context, key string) (time.Duration, error) {
	if key == "" {
		return 0, types.ErrStoreKeyEmpty
	}

	ttl, err := r.client.PTTL(ctx, r.buildFullKey(key)).Result()
	if err != nil {
		return 0, types.WrapError(err, "failed to get store key ttl")
	}

	// redis returns -2 for a missing key and -1 for a key with no expiry
	switch {
	case ttl == -2*time.Millisecond:
		return 0, types.ErrStoreKeyNotFound
	case ttl == -1*time.Millisecond:
		return 0, nil
	default:
		return ttl, nil
	}
}

func (r *RedisStore) Start() error {
	if !atomic.CompareAndSwapInt32(&r.started, 0, 1) {
		return types.ErrAlreadyRunning
	}

	r.logger.Info("Redis store started",
		zap.String("addr", fmt.Sprintf("%s:%d", r.config.Host, r.config.Port)),
		zap.Int("db", r.config.DB),
	)
	return nil
}

func (r *RedisStore) Stop() error {
	if !atomic.CompareAndSwapInt32(&r.started, 1, 0) {
		return types.ErrNotRunning
	}

	if err := r.client.Close(); err != nil {
		r.logger.Error("failed to close redis client", zap.Error(err))
		return types.WrapError(err, "failed to close redis client")
	}

	r.logger.Info("Redis store stopped")
	return nil
}

func (r *RedisStore) IsRunning() bool {
	return atomic.LoadInt32(&r.started) == 1
}

func (r *RedisStore) buildFullKey(key string) string {
	return r.config.KeyPrefix + ":" + key
}

package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"transaction-service/pkg/cache"
	"transaction-service/pkg/models"

	"github.com/redis/rueidis"
)

// RedisCache is the shared L2 transaction cache. Values are stored as JSON
// under "<KeyPrefix>txn:<id>".
type RedisCache struct {
	client rueidis.Client
	name   string
	config RedisCacheConfig
	keys   *cache.KeyPattern
	owned  bool
}

type RedisCacheConfig struct {
	Name string
	// Addr is the Redis server address for single node mode.
	// Examples: "localhost:6379", "redis.example.com:6379"
	Addr string
	// ClusterAddrs is a list of Redis cluster node addresses.
	// If set, cluster mode is enabled automatically.
	ClusterAddrs []string
	Username     string
	Password     string
	// DB is the Redis database number. Cluster mode only supports DB 0.
	DB           int
	KeyPrefix    string
	DefaultTTL   time.Duration
	DialTimeout  time.Duration
	WriteTimeout time.Duration
	// SentinelAddrs is a list of Redis Sentinel addresses.
	// If set, sentinel mode is enabled.
	SentinelAddrs     []string
	SentinelMasterSet string
	SentinelUsername  string
	SentinelPassword  string
}

func DefaultRedisCacheConfig() RedisCacheConfig {
	return RedisCacheConfig{
		Name:         "redis",
		Addr:         "localhost:6379",
		KeyPrefix:    "txsvc:",
		DefaultTTL:   24 * time.Hour,
		DialTimeout:  5 * time.Second,
		WriteTimeout: 3 * time.Second,
	}
}

// ClusterCacheConfig returns a configuration for Redis Cluster mode.
func ClusterCacheConfig(name string, clusterAddrs []string, password string) RedisCacheConfig {
	config := DefaultRedisCacheConfig()
	config.Name = name
	config.ClusterAddrs = clusterAddrs
	config.Password = password
	config.Addr = ""
	config.DB = 0
	return config
}

// ClientOption translates the config into rueidis options. The distributed
// account locker is built from the same options.
func ClientOption(config RedisCacheConfig) (rueidis.ClientOption, error) {
	var initAddress []string
	switch {
	case len(config.ClusterAddrs) > 0:
		initAddress = config.ClusterAddrs
	case len(config.SentinelAddrs) > 0:
		initAddress = config.SentinelAddrs
	case config.Addr != "":
		initAddress = []string{config.Addr}
	default:
		return rueidis.ClientOption{}, fmt.Errorf("redis: no addresses configured (set Addr, ClusterAddrs, or SentinelAddrs)")
	}

	opts := rueidis.ClientOption{
		InitAddress:      initAddress,
		Username:         config.Username,
		Password:         config.Password,
		SelectDB:         config.DB,
		ConnWriteTimeout: config.WriteTimeout,
		MaxFlushDelay:    100 * time.Microsecond,
	}

	if len(config.SentinelAddrs) > 0 {
		opts.Sentinel = rueidis.SentinelOption{
			MasterSet: config.SentinelMasterSet,
			Username:  config.SentinelUsername,
			Password:  config.SentinelPassword,
		}
	}

	return opts, nil
}

// NewRedisCache dials Redis and verifies the connection with PING.
func NewRedisCache(config RedisCacheConfig) (*RedisCache, error) {
	opts, err := ClientOption(config)
	if err != nil {
		return nil, err
	}

	client, err := rueidis.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("redis: failed to create client: %w", err)
	}

	dialTimeout := config.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()

	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis: failed to ping server: %w", err)
	}

	r := NewRedisCacheFromClient(client, config)
	r.owned = true
	return r, nil
}

// NewRedisCacheFromClient wraps an existing client. Close does not close it.
func NewRedisCacheFromClient(client rueidis.Client, config RedisCacheConfig) *RedisCache {
	if config.Name == "" {
		config.Name = "redis"
	}
	if config.DefaultTTL <= 0 {
		config.DefaultTTL = 24 * time.Hour
	}
	return &RedisCache{
		client: client,
		name:   config.Name,
		config: config,
		keys:   cache.NewKeyPattern(config.KeyPrefix+"txn", ":"),
	}
}

func (r *RedisCache) Get(ctx context.Context, id string) (*models.Transaction, error) {
	if err := cache.ValidateKey(id); err != nil {
		return nil, err
	}

	cmd := r.client.B().Get().Key(r.keys.Build(id)).Build()
	data, err := r.client.Do(ctx, cmd).AsBytes()
	if err != nil {
		if rueidis.IsRedisNil(err) {
			return nil, cache.ErrCacheMiss
		}
		return nil, fmt.Errorf("redis get: %w", err)
	}

	var tx models.Transaction
	if err := json.Unmarshal(data, &tx); err != nil {
		return nil, fmt.Errorf("redis get: failed to unmarshal: %w", err)
	}

	return &tx, nil
}

func (r *RedisCache) Set(ctx context.Context, tx *models.Transaction, ttl time.Duration) error {
	if tx == nil {
		return cache.ErrInvalidValue
	}
	if err := cache.ValidateKey(tx.ID); err != nil {
		return err
	}
	if ttl <= 0 {
		ttl = r.config.DefaultTTL
	}

	data, err := json.Marshal(tx)
	if err != nil {
		return fmt.Errorf("redis set: failed to marshal: %w", err)
	}

	cmd := r.client.B().Set().Key(r.keys.Build(tx.ID)).Value(rueidis.BinaryString(data)).Ex(ttl).Build()
	if err := r.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}

	return nil
}

func (r *RedisCache) Delete(ctx context.Context, id string) error {
	cmd := r.client.B().Del().Key(r.keys.Build(id)).Build()
	if err := r.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("redis delete: %w", err)
	}

	return nil
}

func (r *RedisCache) Name() string {
	return r.name
}

func (r *RedisCache) Close() error {
	if r.owned {
		r.client.Close()
	}
	return nil
}

// Ping is used by the health endpoint.
func (r *RedisCache) Ping(ctx context.Context) error {
	cmd := r.client.B().Ping().Build()
	if err := r.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

// TTL returns the remaining lifetime of a cached transaction.
func (r *RedisCache) TTL(ctx context.Context, id string) (time.Duration, error) {
	cmd := r.client.B().Ttl().Key(r.keys.Build(id)).Build()
	seconds, err := r.client.Do(ctx, cmd).AsInt64()
	if err != nil {
		return 0, fmt.Errorf("redis ttl: %w", err)
	}

	switch seconds {
	case -2:
		return 0, cache.ErrCacheMiss
	case -1:
		return -1, nil
	}
	return time.Duration(seconds) * time.Second, nil
}

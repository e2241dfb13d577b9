package database

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"heartline/pkg/logger"
)

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
	PoolSize int
	Timeout  time.Duration
}

// RedisClient wraps a Redis client with degraded mode support. The presence
// mirror is advisory, so a Redis outage flips the client into degraded mode
// instead of failing callers.
type RedisClient struct {
	Client       *redis.Client
	degradedMode bool
	degradedMu   sync.RWMutex
}

// NewRedisDB creates a new Redis client from config
func NewRedisDB(cfg *RedisConfig) (*RedisClient, error) {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		ReadTimeout:  cfg.Timeout,
		WriteTimeout: cfg.Timeout,
		DialTimeout:  cfg.Timeout,
	})
	return &RedisClient{Client: client}, nil
}

// Close closes the Redis client connection
func (r *RedisClient) Close() {
	r.Client.Close()
}

// IsDegraded returns true if Redis is currently unreachable
func (r *RedisClient) IsDegraded() bool {
	r.degradedMu.RLock()
	defer r.degradedMu.RUnlock()
	return r.degradedMode
}

func (r *RedisClient) setDegraded(degraded bool) {
	r.degradedMu.Lock()
	changed := r.degradedMode != degraded
	r.degradedMode = degraded
	r.degradedMu.Unlock()

	if changed {
		if degraded {
			logger.Warn("Redis entered degraded mode; presence mirror suspended")
		} else {
			logger.Info("Redis recovered from degraded mode")
		}
	}
}

// HealthCheck pings Redis and updates degraded state
func (r *RedisClient) HealthCheck(ctx context.Context) error {
	err := r.Client.Ping(ctx).Err()
	r.setDegraded(err != nil)
	if err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}
	return nil
}

// StartHealthCheck runs periodic health checks until ctx is cancelled
func (r *RedisClient) StartHealthCheck(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := r.HealthCheck(ctx); err != nil {
					logger.Debug("Redis health check failed", zap.Error(err))
				}
			}
		}
	}()
}

// SafeSAdd adds members to a set, skipping the call in degraded mode
func (r *RedisClient) SafeSAdd(ctx context.Context, key string, members ...any) error {
	if r.IsDegraded() {
		return nil
	}
	return r.Client.SAdd(ctx, key, members...).Err()
}

// SafeSRem removes members from a set, skipping the call in degraded mode
func (r *RedisClient) SafeSRem(ctx context.Context, key string, members ...any) error {
	if r.IsDegraded() {
		return nil
	}
	return r.Client.SRem(ctx, key, members...).Err()
}

// SafeSCard returns the set cardinality, or 0 in degraded mode
func (r *RedisClient) SafeSCard(ctx context.Context, key string) (int64, error) {
	if r.IsDegraded() {
		return 0, nil
	}
	return r.Client.SCard(ctx, key).Result()
}

// SafeSMembers returns the set members, or nil in degraded mode
func (r *RedisClient) SafeSMembers(ctx context.Context, key string) ([]string, error) {
	if r.IsDegraded() {
		return nil, nil
	}
	return r.Client.SMembers(ctx, key).Result()
}

// SafeExpire sets a key TTL, skipping the call in degraded mode
func (r *RedisClient) SafeExpire(ctx context.Context, key string, ttl time.Duration) error {
	if r.IsDegraded() {
		return nil
	}
	return r.Client.Expire(ctx, key, ttl).Err()
}

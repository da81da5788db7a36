package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisConfig holds the configuration for the Redis registry backend.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// KeyPrefix namespaces agent keys; defaults to "a2a:agent:".
	KeyPrefix string
	// EntryTTL bounds how long an entry survives without a heartbeat
	// refresh. Zero disables expiry and leaves staleness to CleanupStale.
	EntryTTL time.Duration
}

// RedisBackend is a distributed registry backend: one key per agent, JSON
// values, optional TTL so entries from crashed agents age out on their own.
type RedisBackend struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
	logger    zerolog.Logger
}

// NewRedisBackend creates and connects a Redis registry backend.
func NewRedisBackend(ctx context.Context, cfg *RedisConfig, logger zerolog.Logger) (*RedisBackend, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis for agent registry: %w", err)
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "a2a:agent:"
	}
	logger.Info().Str("redis_address", cfg.Addr).Msg("Successfully connected to Redis for agent registry.")

	return &RedisBackend{
		client:    rdb,
		keyPrefix: prefix,
		ttl:       cfg.EntryTTL,
		logger:    logger.With().Str("component", "RedisRegistryBackend").Logger(),
	}, nil
}

func (b *RedisBackend) key(agentID string) string {
	return b.keyPrefix + agentID
}

// Get returns one entry, or ErrAgentNotFound.
func (b *RedisBackend) Get(ctx context.Context, agentID string) (AgentInfo, error) {
	data, err := b.client.Get(ctx, b.key(agentID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return AgentInfo{}, fmt.Errorf("agent %s: %w", agentID, ErrAgentNotFound)
		}
		return AgentInfo{}, fmt.Errorf("redis get failed for agent %s: %w", agentID, err)
	}
	var info AgentInfo
	if err := json.Unmarshal([]byte(data), &info); err != nil {
		return AgentInfo{}, fmt.Errorf("failed to unmarshal agent %s: %w", agentID, err)
	}
	return info, nil
}

// Set upserts an entry, refreshing the TTL.
func (b *RedisBackend) Set(ctx context.Context, info AgentInfo) error {
	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("failed to marshal agent %s: %w", info.AgentID, err)
	}
	if err := b.client.Set(ctx, b.key(info.AgentID), data, b.ttl).Err(); err != nil {
		return fmt.Errorf("redis set failed for agent %s: %w", info.AgentID, err)
	}
	return nil
}

// Delete removes an entry; absent ids are a no-op.
func (b *RedisBackend) Delete(ctx context.Context, agentID string) error {
	if err := b.client.Del(ctx, b.key(agentID)).Err(); err != nil {
		return fmt.Errorf("redis del failed for agent %s: %w", agentID, err)
	}
	return nil
}

// List scans the key prefix and returns every entry.
func (b *RedisBackend) List(ctx context.Context) ([]AgentInfo, error) {
	var agents []AgentInfo
	iter := b.client.Scan(ctx, 0, b.keyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		data, err := b.client.Get(ctx, iter.Val()).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				// Expired between scan and get.
				continue
			}
			return nil, fmt.Errorf("redis get failed for key %s: %w", iter.Val(), err)
		}
		var info AgentInfo
		if err := json.Unmarshal([]byte(data), &info); err != nil {
			b.logger.Warn().Err(err).Str("key", iter.Val()).Msg("Skipping unparseable registry entry.")
			continue
		}
		agents = append(agents, info)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan failed: %w", err)
	}
	return agents, nil
}

// Close closes the Redis client connection.
func (b *RedisBackend) Close() error {
	if b.client != nil {
		return b.client.Close()
	}
	return nil
}

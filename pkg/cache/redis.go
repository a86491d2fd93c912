package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisBackingConfig holds the configuration for the Redis persistent tier.
type RedisBackingConfig struct {
	Addr     string
	Password string
	DB       int
	// KeyPrefix namespaces this cache's records within the Redis keyspace.
	// Defaults to "queryflow:".
	KeyPrefix string
}

// RedisBacking persists cache records in Redis. Records are stored as JSON
// with the format version tag; Redis-side expiry mirrors the record's own
// ExpiresAt so abandoned records age out on their own.
type RedisBacking struct {
	client *redis.Client
	prefix string
	logger zerolog.Logger
	now    func() time.Time
}

// NewRedisBacking creates and connects a RedisBacking. It pings the Redis
// server to ensure connectivity before returning.
func NewRedisBacking(ctx context.Context, cfg *RedisBackingConfig, logger zerolog.Logger) (*RedisBacking, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "queryflow:"
	}
	logger.Info().Str("redis_address", cfg.Addr).Msg("Successfully connected to Redis.")

	return &RedisBacking{
		client: rdb,
		prefix: prefix,
		logger: logger.With().Str("component", "RedisBacking").Logger(),
		now:    time.Now,
	}, nil
}

// Load retrieves the record for a key. A redis.Nil reply is a normal miss;
// corrupt or version-mismatched payloads are discarded and reported as
// ErrNotFound.
func (b *RedisBacking) Load(ctx context.Context, key string) (*Record, error) {
	data, err := b.client.Get(ctx, b.prefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		b.logger.Error().Err(err).Str("key", key).Msg("Unexpected Redis error during load.")
		return nil, fmt.Errorf("failed to load from redis: %w", err)
	}

	record, err := decodeRecord(data)
	if err != nil {
		b.logger.Warn().Err(err).Str("key", key).Msg("Discarding unreadable cache record.")
		return nil, ErrNotFound
	}
	return record, nil
}

// Save writes the record, letting Redis expire it alongside the entry's own
// TTL.
func (b *RedisBacking) Save(ctx context.Context, key string, record *Record) error {
	data, err := encodeRecord(record)
	if err != nil {
		return err
	}

	ttl := record.Metadata.ExpiresAt.Sub(b.now())
	if ttl <= 0 {
		// Already expired; storing it would only produce a dead record.
		return nil
	}
	if err := b.client.Set(ctx, b.prefix+key, data, ttl).Err(); err != nil {
		b.logger.Error().Err(err).Str("key", key).Msg("Failed to set record in Redis.")
		return fmt.Errorf("failed to set in redis: %w", err)
	}
	b.logger.Debug().Str("key", key).Msg("Successfully persisted cache record to Redis.")
	return nil
}

// Delete removes the record for a key. Deleting an absent key is not an error.
func (b *RedisBacking) Delete(ctx context.Context, key string) error {
	if err := b.client.Del(ctx, b.prefix+key).Err(); err != nil {
		return fmt.Errorf("failed to delete from redis: %w", err)
	}
	return nil
}

// Clear removes every record under this backing's key prefix.
func (b *RedisBacking) Clear(ctx context.Context) error {
	iter := b.client.Scan(ctx, 0, b.prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		if err := b.client.Del(ctx, iter.Val()).Err(); err != nil {
			return fmt.Errorf("failed to delete key %s from redis: %w", iter.Val(), err)
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("failed to scan redis keys: %w", err)
	}
	return nil
}

// Close closes the Redis client connection.
func (b *RedisBacking) Close() error {
	if b.client != nil {
		b.logger.Info().Msg("Closing Redis client connection...")
		return b.client.Close()
	}
	return nil
}

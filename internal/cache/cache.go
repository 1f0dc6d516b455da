// Package cache provides the optional Redis layer: latest-card cache and
// the pub/sub channel downstream consumers subscribe to.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"binance-signal-service/config"
)

const latestCardKey = "signal:latest_card:%s"

// Service wraps the Redis client. When disabled every method is a cheap
// no-op so callers never need to branch on configuration.
type Service struct {
	client  *redis.Client
	cfg     config.RedisConfig
	enabled bool
	logger  zerolog.Logger
}

// NewService builds the cache layer. A disabled config yields a no-op
// service and never dials.
func NewService(cfg config.RedisConfig, logger zerolog.Logger) *Service {
	s := &Service{
		cfg:     cfg,
		enabled: cfg.Enabled,
		logger:  logger.With().Str("component", "cache").Logger(),
	}
	if !cfg.Enabled {
		s.logger.Debug().Msg("redis disabled")
		return s
	}
	s.client = redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	return s
}

// Enabled reports whether Redis is configured.
func (s *Service) Enabled() bool { return s.enabled }

// HealthCheck pings Redis and returns a status string for the ops API.
func (s *Service) HealthCheck(ctx context.Context) string {
	if !s.enabled {
		return "disabled"
	}
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Sprintf("unhealthy: %v", err)
	}
	return "healthy"
}

// SetJSON marshals v under key with the given TTL.
func (s *Service) SetJSON(ctx context.Context, key string, v interface{}, ttl time.Duration) error {
	if !s.enabled {
		s.logger.Debug().Str("key", key).Msg("cache disabled, set skipped")
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	if err := s.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

// GetJSON unmarshals key into v. ok is false on a miss.
func (s *Service) GetJSON(ctx context.Context, key string, v interface{}) (bool, error) {
	if !s.enabled {
		return false, nil
	}
	data, err := s.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get %s: %w", key, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("unmarshal %s: %w", key, err)
	}
	return true, nil
}

// PublishCard pushes the serialized card onto the configured channel.
func (s *Service) PublishCard(ctx context.Context, payload []byte) error {
	if !s.enabled {
		s.logger.Debug().Msg("cache disabled, publish skipped")
		return nil
	}
	if err := s.client.Publish(ctx, s.cfg.CardsChannel, payload).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", s.cfg.CardsChannel, err)
	}
	return nil
}

// SetLatestCard caches the card as the symbol's most recent one, expiring
// with the card's TTL.
func (s *Service) SetLatestCard(ctx context.Context, symbol string, card interface{}, ttlMinutes int) error {
	ttl := time.Duration(ttlMinutes) * time.Minute
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return s.SetJSON(ctx, fmt.Sprintf(latestCardKey, symbol), card, ttl)
}

// GetLatestCard loads the symbol's most recent card into out. ok is false
// on a miss or when disabled.
func (s *Service) GetLatestCard(ctx context.Context, symbol string, out interface{}) (bool, error) {
	return s.GetJSON(ctx, fmt.Sprintf(latestCardKey, symbol), out)
}

// Close releases the connection pool.
func (s *Service) Close() {
	if s.client != nil {
		s.client.Close()
	}
}

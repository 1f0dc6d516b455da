package notification

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"binance-signal-service/internal/cache"
	"binance-signal-service/internal/strategy"
)

// RedisPublisher pushes cards onto the pub/sub channel and caches the
// latest card per symbol.
type RedisPublisher struct {
	svc    *cache.Service
	logger zerolog.Logger
}

func NewRedisPublisher(svc *cache.Service, logger zerolog.Logger) *RedisPublisher {
	return &RedisPublisher{
		svc:    svc,
		logger: logger.With().Str("component", "redis_publisher").Logger(),
	}
}

func (r *RedisPublisher) Name() string { return "redis" }

func (r *RedisPublisher) Send(ctx context.Context, card *strategy.ProposalCard, html string, keyboard *InlineKeyboard) error {
	if !r.svc.Enabled() {
		return nil
	}
	payload, err := json.Marshal(card)
	if err != nil {
		return fmt.Errorf("marshal card: %w", err)
	}
	if err := r.svc.PublishCard(ctx, payload); err != nil {
		return err
	}
	return r.svc.SetLatestCard(ctx, card.Symbol, card, card.TTLMinutes)
}

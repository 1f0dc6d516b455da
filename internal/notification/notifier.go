// Package notification fans dispatched cards out to Telegram, the postback
// endpoint, and Redis. Notifier failures are isolated: one broken channel
// never blocks the others.
package notification

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"binance-signal-service/internal/strategy"
)

// Notifier delivers one card over one channel.
type Notifier interface {
	Name() string
	Send(ctx context.Context, card *strategy.ProposalCard, html string, keyboard *InlineKeyboard) error
}

// Result is one notifier's dispatch outcome.
type Result struct {
	Notifier  string
	LatencyMS int64
	Err       error
}

// Manager renders a card once and fans it out to every notifier.
type Manager struct {
	notifiers []Notifier
	logger    zerolog.Logger
}

func NewManager(logger zerolog.Logger, notifiers ...Notifier) *Manager {
	return &Manager{
		notifiers: notifiers,
		logger:    logger.With().Str("component", "notification").Logger(),
	}
}

// Dispatch sends the card everywhere and reports per-notifier outcomes.
func (m *Manager) Dispatch(ctx context.Context, card *strategy.ProposalCard) []Result {
	html := FormatSignalMessage(card)
	keyboard := BuildKeyboard(card)

	results := make([]Result, 0, len(m.notifiers))
	for _, n := range m.notifiers {
		start := time.Now()
		err := n.Send(ctx, card, html, keyboard)
		r := Result{
			Notifier:  n.Name(),
			LatencyMS: time.Since(start).Milliseconds(),
			Err:       err,
		}
		if err != nil {
			m.logger.Warn().
				Str("notifier", n.Name()).
				Str("symbol", card.Symbol).
				Str("trace_id", card.TraceID).
				Err(err).
				Msg("notifier send failed")
		}
		results = append(results, r)
	}
	return results
}

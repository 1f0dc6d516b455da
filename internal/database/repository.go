package database

import (
	"context"
	"fmt"
	"time"

	"binance-signal-service/internal/strategy"
)

// Repository persists and queries dispatched cards.
type Repository struct {
	db *DB
}

func NewRepository(db *DB) *Repository {
	return &Repository{db: db}
}

// ArchivedCard is a stored card row.
type ArchivedCard struct {
	ID           int64     `json:"id"`
	TraceID      string    `json:"trace_id"`
	Symbol       string    `json:"symbol"`
	Strategy     string    `json:"strategy"`
	Side         string    `json:"side"`
	Entry        float64   `json:"entry"`
	Stop         float64   `json:"stop"`
	Leverage     int       `json:"leverage"`
	PositionUSDT float64   `json:"position_usdt"`
	MaxRiskUSDT  float64   `json:"max_risk_usdt"`
	TTLMinutes   int       `json:"ttl_minutes"`
	Confidence   float64   `json:"confidence"`
	Priority     int       `json:"priority"`
	Rationale    string    `json:"rationale"`
	OIStatus     string    `json:"oi_status"`
	CreatedAt    time.Time `json:"created_at"`
}

// SaveCard archives a dispatched card keyed by its trace id.
func (r *Repository) SaveCard(ctx context.Context, card *strategy.ProposalCard) error {
	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO signal_cards (
			trace_id, symbol, strategy, side, entry, stop, leverage,
			position_usdt, max_risk_usdt, ttl_minutes, confidence, priority,
			rationale, oi_status, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
		ON CONFLICT (trace_id) DO NOTHING`,
		card.TraceID, card.Symbol, card.Strategy, card.Side, card.Entry,
		card.Stop, card.LeverageSuggest, card.PositionUSDT, card.MaxRiskUSDT,
		card.TTLMinutes, card.Confidence, card.Priority, card.Rationale,
		card.OIStatus, time.UnixMilli(card.CreatedAtMS).UTC(),
	)
	if err != nil {
		return fmt.Errorf("save card %s: %w", card.TraceID, err)
	}
	return nil
}

// RecentCards returns the newest cards for a symbol, most recent first.
func (r *Repository) RecentCards(ctx context.Context, symbol string, limit int) ([]ArchivedCard, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.db.Pool.Query(ctx, `
		SELECT id, trace_id, symbol, strategy, side, entry, stop, leverage,
		       position_usdt, max_risk_usdt, ttl_minutes, confidence, priority,
		       rationale, oi_status, created_at
		FROM signal_cards
		WHERE symbol = $1
		ORDER BY created_at DESC
		LIMIT $2`, symbol, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent cards: %w", err)
	}
	defer rows.Close()

	var out []ArchivedCard
	for rows.Next() {
		var c ArchivedCard
		if err := rows.Scan(
			&c.ID, &c.TraceID, &c.Symbol, &c.Strategy, &c.Side, &c.Entry,
			&c.Stop, &c.Leverage, &c.PositionUSDT, &c.MaxRiskUSDT,
			&c.TTLMinutes, &c.Confidence, &c.Priority, &c.Rationale,
			&c.OIStatus, &c.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan card row: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

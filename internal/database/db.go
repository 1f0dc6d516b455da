// Package database is the optional Postgres archive for dispatched cards.
package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"binance-signal-service/config"
)

// DB wraps the PostgreSQL connection pool.
type DB struct {
	Pool   *pgxpool.Pool
	logger zerolog.Logger
}

// NewDB connects the pool and verifies connectivity.
func NewDB(cfg config.DatabaseConfig, logger zerolog.Logger) (*DB, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Name, cfg.SSLMode,
	)

	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}
	poolConfig.MaxConns = 25
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	log := logger.With().Str("component", "database").Logger()
	log.Info().Str("database", cfg.Name).Msg("connected to postgres")
	return &DB{Pool: pool, logger: log}, nil
}

// Close releases the pool.
func (db *DB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
		db.logger.Info().Msg("database connection closed")
	}
}

// RunMigrations creates the card archive schema.
func (db *DB) RunMigrations(ctx context.Context) error {
	db.logger.Info().Msg("running database migrations")

	migrations := []string{
		`CREATE TABLE IF NOT EXISTS signal_cards (
			id BIGSERIAL PRIMARY KEY,
			trace_id UUID NOT NULL UNIQUE,
			symbol VARCHAR(20) NOT NULL,
			strategy VARCHAR(64) NOT NULL,
			side VARCHAR(5) NOT NULL,
			entry DECIMAL(20, 8) NOT NULL,
			stop DECIMAL(20, 8) NOT NULL,
			leverage INT NOT NULL,
			position_usdt DECIMAL(20, 8) NOT NULL,
			max_risk_usdt DECIMAL(20, 8) NOT NULL,
			ttl_minutes INT NOT NULL,
			confidence DECIMAL(5, 2) NOT NULL,
			priority INT NOT NULL,
			rationale TEXT NOT NULL DEFAULT '',
			oi_status VARCHAR(10) NOT NULL DEFAULT 'unknown',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_signal_cards_symbol_created
			ON signal_cards(symbol, created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_signal_cards_strategy
			ON signal_cards(strategy)`,
	}

	for i, m := range migrations {
		if _, err := db.Pool.Exec(ctx, m); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}
	db.logger.Info().Int("statements", len(migrations)).Msg("migrations complete")
	return nil
}

// HealthCheck pings the pool.
func (db *DB) HealthCheck(ctx context.Context) error {
	return db.Pool.Ping(ctx)
}

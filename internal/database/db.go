package database

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// DB wraps the PostgreSQL connection pool
type DB struct {
	Pool *pgxpool.Pool
}

// Config holds database configuration
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

// NewDB creates a new database connection
func NewDB(cfg Config) (*DB, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
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
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	log.Printf("Successfully connected to PostgreSQL database: %s", cfg.Database)

	return &DB{Pool: pool}, nil
}

// Close closes the database connection
func (db *DB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
		log.Println("Database connection closed")
	}
}

// RunMigrations executes database migrations
func (db *DB) RunMigrations(ctx context.Context) error {
	log.Println("Running database migrations...")

	migrations := []string{
		`CREATE TABLE IF NOT EXISTS trades (
			id UUID PRIMARY KEY,
			signal_id VARCHAR(64),
			instance_id VARCHAR(64),
			symbol VARCHAR(20) NOT NULL,
			strategy VARCHAR(16) NOT NULL,
			direction VARCHAR(8) NOT NULL,
			quantity INTEGER NOT NULL,
			remaining INTEGER NOT NULL,
			entry_price DECIMAL(20, 8) NOT NULL,
			stop_price DECIMAL(20, 8) NOT NULL,
			target_price DECIMAL(20, 8) NOT NULL,
			exit_price DECIMAL(20, 8),
			status VARCHAR(12) NOT NULL,
			result VARCHAR(12),
			pnl DECIMAL(20, 8) NOT NULL DEFAULT 0,
			broker_order_id VARCHAR(64),
			error_reason TEXT,
			created_at TIMESTAMPTZ NOT NULL,
			opened_at TIMESTAMPTZ,
			closed_at TIMESTAMPTZ
		)`,

		`CREATE INDEX IF NOT EXISTS idx_trades_symbol ON trades(symbol)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_created_at ON trades(created_at)`,

		`CREATE TABLE IF NOT EXISTS levels (
			id UUID PRIMARY KEY,
			symbol VARCHAR(20) NOT NULL,
			kind VARCHAR(32) NOT NULL,
			price DECIMAL(20, 8) NOT NULL,
			zone_low DECIMAL(20, 8),
			zone_high DECIMAL(20, 8),
			session_date VARCHAR(10) NOT NULL,
			status VARCHAR(12) NOT NULL,
			description TEXT,
			created_at TIMESTAMPTZ NOT NULL
		)`,

		`CREATE INDEX IF NOT EXISTS idx_levels_symbol_session ON levels(symbol, session_date)`,

		`CREATE TABLE IF NOT EXISTS signals (
			id UUID PRIMARY KEY,
			instance_id VARCHAR(64) NOT NULL,
			symbol VARCHAR(20) NOT NULL,
			strategy VARCHAR(16) NOT NULL,
			direction VARCHAR(8) NOT NULL,
			level_id VARCHAR(64) NOT NULL,
			entry DECIMAL(20, 8) NOT NULL,
			stop DECIMAL(20, 8) NOT NULL,
			target DECIMAL(20, 8) NOT NULL,
			generated_at TIMESTAMPTZ NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS daily_summaries (
			session_date VARCHAR(10) PRIMARY KEY,
			trades_taken INTEGER NOT NULL,
			wins INTEGER NOT NULL,
			losses INTEGER NOT NULL,
			scratches INTEGER NOT NULL,
			realized_pnl DECIMAL(20, 8) NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
	}

	for i, migration := range migrations {
		if _, err := db.Pool.Exec(ctx, migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}

	log.Println("Database migrations completed")
	return nil
}

// Package db provides the PostgreSQL storage layer: offers, alerts,
// matches, the crawl task queue, and the notification queue.
package db

import (
	"database/sql"
	"fmt"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/rs/zerolog/log"
)

// DB represents a PostgreSQL database connection
type DB struct {
	client *sql.DB
	config *Config
}

// Client exposes the underlying connection for queue construction.
func (d *DB) Client() *sql.DB {
	return d.client
}

// GetConfig returns the original DB connection settings
func (d *DB) GetConfig() *Config {
	return d.config
}

// Close releases the database connection pool.
func (d *DB) Close() error {
	return d.client.Close()
}

// Config holds PostgreSQL connection configuration
type Config struct {
	Host         string        // Database host
	Port         string        // Database port
	User         string        // Database user
	Password     string        // Database password
	Database     string        // Database name
	SSLMode      string        // SSL mode (disable, require, verify-ca, verify-full)
	MaxIdleConns int           // Maximum number of idle connections
	MaxOpenConns int           // Maximum number of open connections
	MaxLifetime  time.Duration // Maximum lifetime of a connection
	DatabaseURL  string        // Original DATABASE_URL if used
}

// ConnectionString returns the PostgreSQL connection string
func (c *Config) ConnectionString() string {
	// If we have a DatabaseURL, use it directly
	if c.DatabaseURL != "" {
		return c.DatabaseURL
	}

	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
}

// New creates a new PostgreSQL database connection
func New(config *Config) (*DB, error) {
	if config.DatabaseURL == "" {
		if config.Host == "" {
			return nil, fmt.Errorf("database host is required")
		}
		if config.Port == "" {
			return nil, fmt.Errorf("database port is required")
		}
		if config.User == "" {
			return nil, fmt.Errorf("database user is required")
		}
		if config.Database == "" {
			return nil, fmt.Errorf("database name is required")
		}
	}

	// Set defaults for optional fields
	if config.SSLMode == "" {
		config.SSLMode = "disable"
	}
	if config.MaxIdleConns == 0 {
		config.MaxIdleConns = 10
	}
	if config.MaxOpenConns == 0 {
		config.MaxOpenConns = 25
	}
	if config.MaxLifetime == 0 {
		config.MaxLifetime = 20 * time.Minute
	}

	client, err := sql.Open("pgx", config.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	// Configure connection pool
	client.SetMaxOpenConns(config.MaxOpenConns)
	client.SetMaxIdleConns(config.MaxIdleConns)
	client.SetConnMaxLifetime(config.MaxLifetime)

	// Test connection
	if err := client.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping PostgreSQL: %w", err)
	}

	// Initialise schema
	if err := setupSchema(client); err != nil {
		return nil, fmt.Errorf("failed to setup schema: %w", err)
	}

	log.Info().Str("database", config.Database).Msg("Connected to PostgreSQL")

	return &DB{client: client, config: config}, nil
}

// InitFromEnv creates a PostgreSQL connection using environment variables
func InitFromEnv() (*DB, error) {
	if url := os.Getenv("DATABASE_URL"); url != "" {
		return New(&Config{DatabaseURL: url})
	}

	config := &Config{
		Host:     os.Getenv("POSTGRES_HOST"),
		Port:     os.Getenv("POSTGRES_PORT"),
		User:     os.Getenv("POSTGRES_USER"),
		Password: os.Getenv("POSTGRES_PASSWORD"),
		Database: os.Getenv("POSTGRES_DB"),
		SSLMode:  os.Getenv("POSTGRES_SSL_MODE"),
	}

	// Use defaults if not set
	if config.Host == "" {
		config.Host = "localhost"
	}
	if config.Port == "" {
		config.Port = "5432"
	}
	if config.User == "" {
		config.User = "postgres"
	}
	if config.Database == "" {
		config.Database = "rentradar"
	}

	return New(config)
}

// setupSchema creates the necessary tables in PostgreSQL
func setupSchema(db *sql.DB) error {
	// Users first, referenced by alerts
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS users (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			email TEXT NOT NULL,
			full_name TEXT,
			discord_webhook_url TEXT,
			email_verified BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE(email)
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create users table: %w", err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS offers (
			id SERIAL PRIMARY KEY,
			url TEXT UNIQUE NOT NULL,
			source TEXT NOT NULL,
			title TEXT NOT NULL,
			description TEXT,
			price DOUBLE PRECISION NOT NULL,
			rent_extra DOUBLE PRECISION,
			city TEXT,
			district TEXT,
			street TEXT,
			street_number TEXT,
			latitude DOUBLE PRECISION,
			longitude DOUBLE PRECISION,
			geo_accuracy TEXT,
			footage DOUBLE PRECISION,
			rooms INTEGER,
			floor INTEGER,
			furnished BOOLEAN,
			elevator BOOLEAN,
			pets_allowed BOOLEAN,
			negotiable BOOLEAN,
			building_type TEXT,
			parking TEXT,
			owner_type TEXT,
			seller_name TEXT,
			seller_member_id TEXT,
			views INTEGER NOT NULL DEFAULT 0,
			views_method TEXT,
			images JSONB NOT NULL DEFAULT '[]',
			is_new BOOLEAN NOT NULL DEFAULT TRUE,
			available BOOLEAN NOT NULL DEFAULT TRUE,
			unavailable_since TIMESTAMPTZ,
			source_created_at TIMESTAMPTZ NOT NULL,
			first_seen_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			last_seen_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create offers table: %w", err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS alerts (
			id SERIAL PRIMARY KEY,
			user_id UUID NOT NULL REFERENCES users(id),
			name TEXT NOT NULL,
			active BOOLEAN NOT NULL DEFAULT TRUE,
			city TEXT,
			districts JSONB,
			min_price DOUBLE PRECISION,
			max_price DOUBLE PRECISION,
			min_footage DOUBLE PRECISION,
			max_footage DOUBLE PRECISION,
			min_rooms INTEGER,
			max_rooms INTEGER,
			min_floor INTEGER,
			max_floor INTEGER,
			furnished BOOLEAN,
			elevator BOOLEAN,
			pets_allowed BOOLEAN,
			building_types JSONB,
			parking_types JSONB,
			owner_type TEXT,
			keywords JSONB,
			notify_method TEXT NOT NULL DEFAULT 'both',
			match_count BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create alerts table: %w", err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS matches (
			id SERIAL PRIMARY KEY,
			alert_id INTEGER NOT NULL REFERENCES alerts(id),
			offer_id INTEGER NOT NULL REFERENCES offers(id),
			matched_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			notified_at TIMESTAMPTZ,
			UNIQUE(alert_id, offer_id)
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create matches table: %w", err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS crawl_tasks (
			id UUID PRIMARY KEY,
			queue TEXT NOT NULL,
			url TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			priority INTEGER NOT NULL DEFAULT 0,
			retry_count INTEGER NOT NULL DEFAULT 0,
			run_after TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			started_at TIMESTAMPTZ,
			completed_at TIMESTAMPTZ,
			error TEXT
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create crawl_tasks table: %w", err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS notification_jobs (
			id UUID PRIMARY KEY,
			match_id INTEGER NOT NULL REFERENCES matches(id),
			channel TEXT NOT NULL,
			recipient TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			attempts INTEGER NOT NULL DEFAULT 0,
			run_after TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			sent_at TIMESTAMPTZ,
			error TEXT
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create notification_jobs table: %w", err)
	}

	indexes := []string{
		// One in-flight task per URL per queue; finished tasks do not block re-crawls.
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_crawl_tasks_inflight ON crawl_tasks(queue, url) WHERE status IN ('pending', 'running')`,
		`CREATE INDEX IF NOT EXISTS idx_offers_city_price ON offers(city, price) WHERE available`,
		`CREATE INDEX IF NOT EXISTS idx_offers_last_seen ON offers(last_seen_at) WHERE available`,
		`CREATE INDEX IF NOT EXISTS idx_crawl_tasks_claim ON crawl_tasks(queue, status, priority DESC, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_notification_jobs_claim ON notification_jobs(status, run_after)`,
		`CREATE INDEX IF NOT EXISTS idx_matches_unnotified ON matches(alert_id) WHERE notified_at IS NULL`,
	}
	for _, idx := range indexes {
		if _, err := db.Exec(idx); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}

	return nil
}

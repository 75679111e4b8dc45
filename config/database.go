package config

import (
	"database/sql"
	"fmt"
	"os"

	_ "github.com/lib/pq"
)

func InitDB() (*sql.DB, error) {
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		return nil, fmt.Errorf("DATABASE_URL environment variable is required")
	}

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)

	return db, nil
}

func RunMigrations(db *sql.DB) error {
	migrations := []string{
		`CREATE EXTENSION IF NOT EXISTS "uuid-ossp"`,

		`CREATE TABLE IF NOT EXISTS users (
			id UUID PRIMARY KEY DEFAULT uuid_generate_v4(),
			email VARCHAR(255) UNIQUE NOT NULL,
			password_hash VARCHAR(255) NOT NULL,
			name VARCHAR(255) NOT NULL,
			totp_secret VARCHAR(255),
			totp_enabled BOOLEAN DEFAULT FALSE,
			is_demo BOOLEAN DEFAULT FALSE,
			created_at TIMESTAMP DEFAULT NOW(),
			updated_at TIMESTAMP DEFAULT NOW()
		)`,

		`CREATE TABLE IF NOT EXISTS bank_connections (
			id UUID PRIMARY KEY DEFAULT uuid_generate_v4(),
			user_id UUID REFERENCES users(id) ON DELETE CASCADE,
			requisition_id TEXT NOT NULL,
			reference VARCHAR(255) UNIQUE NOT NULL,
			institution_id VARCHAR(255) NOT NULL,
			institution_name VARCHAR(255) NOT NULL,
			institution_logo TEXT DEFAULT '',
			status VARCHAR(50) NOT NULL,
			connected_at TIMESTAMP NOT NULL,
			access_valid_for_days INTEGER NOT NULL,
			expires_at TIMESTAMP NOT NULL,
			last_sync_at TIMESTAMP,
			last_sync_error TEXT,
			account_ids TEXT DEFAULT '',
			created_at TIMESTAMP DEFAULT NOW(),
			updated_at TIMESTAMP DEFAULT NOW()
		)`,

		`CREATE TABLE IF NOT EXISTS bank_accounts (
			id UUID PRIMARY KEY DEFAULT uuid_generate_v4(),
			connection_id UUID REFERENCES bank_connections(id) ON DELETE CASCADE,
			external_account_id VARCHAR(255) NOT NULL,
			name VARCHAR(255) NOT NULL,
			mask VARCHAR(50) DEFAULT '',
			currency VARCHAR(10) DEFAULT '',
			balance NUMERIC(14, 2) DEFAULT 0,
			last_synced_at TIMESTAMP,
			created_at TIMESTAMP DEFAULT NOW(),
			UNIQUE(connection_id, external_account_id)
		)`,

		`CREATE TABLE IF NOT EXISTS transactions (
			id UUID PRIMARY KEY DEFAULT uuid_generate_v4(),
			user_id UUID REFERENCES users(id) ON DELETE CASCADE,
			account_id VARCHAR(255),
			external_id VARCHAR(255),
			type VARCHAR(20) NOT NULL,
			amount NUMERIC(14, 2) NOT NULL,
			currency VARCHAR(10) DEFAULT '',
			description TEXT DEFAULT '',
			execution_date TIMESTAMP NOT NULL,
			created_at TIMESTAMP DEFAULT NOW(),
			updated_at TIMESTAMP DEFAULT NOW(),
			UNIQUE(user_id, external_id)
		)`,

		`CREATE TABLE IF NOT EXISTS paypal_connections (
			id UUID PRIMARY KEY DEFAULT uuid_generate_v4(),
			user_id UUID UNIQUE REFERENCES users(id) ON DELETE CASCADE,
			status VARCHAR(50) NOT NULL,
			linked_at TIMESTAMP NOT NULL,
			last_sync_at TIMESTAMP,
			last_sync_error TEXT
		)`,

		`CREATE TABLE IF NOT EXISTS paypal_transactions (
			id UUID PRIMARY KEY DEFAULT uuid_generate_v4(),
			user_id UUID REFERENCES users(id) ON DELETE CASCADE,
			external_id VARCHAR(255) NOT NULL,
			merchant_name VARCHAR(255),
			category VARCHAR(255),
			event_type VARCHAR(255),
			type VARCHAR(20) NOT NULL,
			amount NUMERIC(14, 2) NOT NULL,
			currency VARCHAR(10) DEFAULT '',
			description TEXT DEFAULT '',
			execution_date TIMESTAMP NOT NULL,
			raw_payload JSONB,
			reconciliation_status VARCHAR(50) NOT NULL,
			matched_transaction_id UUID REFERENCES transactions(id),
			match_confidence DOUBLE PRECISION,
			created_at TIMESTAMP DEFAULT NOW(),
			updated_at TIMESTAMP DEFAULT NOW(),
			UNIQUE(user_id, external_id)
		)`,

		`CREATE TABLE IF NOT EXISTS sync_reports (
			id UUID PRIMARY KEY,
			user_id UUID REFERENCES users(id) ON DELETE CASCADE,
			started_at TIMESTAMP NOT NULL,
			completed_at TIMESTAMP NOT NULL,
			status VARCHAR(20) NOT NULL,
			accounts_attempted INTEGER NOT NULL,
			accounts_succeeded INTEGER NOT NULL,
			accounts_failed INTEGER NOT NULL,
			imported INTEGER NOT NULL,
			skipped INTEGER NOT NULL,
			pending_duplicates INTEGER NOT NULL,
			results JSONB NOT NULL,
			created_at TIMESTAMP DEFAULT NOW()
		)`,

		`CREATE INDEX IF NOT EXISTS idx_bank_connections_user_id ON bank_connections(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_transactions_user_date ON transactions(user_id, execution_date)`,
		`CREATE INDEX IF NOT EXISTS idx_paypal_transactions_user_status ON paypal_transactions(user_id, reconciliation_status)`,
		`CREATE INDEX IF NOT EXISTS idx_sync_reports_user_id ON sync_reports(user_id)`,
	}

	for _, migration := range migrations {
		if _, err := db.Exec(migration); err != nil {
			return fmt.Errorf("failed to run migration: %w", err)
		}
	}

	return nil
}

package database

import (
	"context"
	"database/sql"
	"fmt"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS pools (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		amount NUMERIC(18,2) NOT NULL CHECK (amount > 0),
		max_members INTEGER NOT NULL CHECK (max_members BETWEEN 2 AND 20),
		cycle_seconds BIGINT NOT NULL,
		creator_id TEXT NOT NULL,
		is_private BOOLEAN NOT NULL DEFAULT false,
		is_active BOOLEAN NOT NULL DEFAULT false,
		is_completed BOOLEAN NOT NULL DEFAULT false,
		is_in_payment_stage BOOLEAN NOT NULL DEFAULT false,
		created_at TIMESTAMPTZ NOT NULL,
		start_date TIMESTAMPTZ,
		end_date TIMESTAMPTZ,
		CHECK (NOT is_completed OR is_active)
	)`,
	`CREATE TABLE IF NOT EXISTS round_states (
		pool_id TEXT PRIMARY KEY REFERENCES pools(id),
		finished_rounds INTEGER NOT NULL DEFAULT 0,
		current_round_start_date TIMESTAMPTZ,
		last_managed TIMESTAMPTZ
	)`,
	`CREATE TABLE IF NOT EXISTS pool_members (
		pool_id TEXT NOT NULL REFERENCES pools(id),
		member_id TEXT NOT NULL,
		joined_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (pool_id, member_id)
	)`,
	`CREATE TABLE IF NOT EXISTS wins (
		pool_id TEXT NOT NULL REFERENCES pools(id),
		member_id TEXT NOT NULL,
		round INTEGER NOT NULL,
		won_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (pool_id, round),
		UNIQUE (pool_id, member_id)
	)`,
	`CREATE TABLE IF NOT EXISTS bids (
		id TEXT PRIMARY KEY,
		pool_id TEXT NOT NULL REFERENCES pools(id),
		member_id TEXT NOT NULL,
		round INTEGER NOT NULL,
		amount NUMERIC(4,3) NOT NULL CHECK (amount >= 0.001 AND amount <= 1.000),
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_bids_pool_round ON bids (pool_id, round)`,
	`CREATE TABLE IF NOT EXISTS highest_bids (
		id TEXT PRIMARY KEY,
		pool_id TEXT NOT NULL REFERENCES pools(id),
		round INTEGER NOT NULL,
		bid_id TEXT REFERENCES bids(id),
		UNIQUE (pool_id, round)
	)`,
	`CREATE TABLE IF NOT EXISTS payment_confirmations (
		id TEXT PRIMARY KEY,
		pool_id TEXT NOT NULL REFERENCES pools(id),
		round INTEGER NOT NULL,
		sender_id TEXT NOT NULL,
		receiver_id TEXT NOT NULL,
		amount NUMERIC(18,2) NOT NULL,
		payment_method TEXT NOT NULL,
		message TEXT NOT NULL DEFAULT '',
		state TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_confirmations_pool_round ON payment_confirmations (pool_id, round)`,
	`CREATE TABLE IF NOT EXISTS requests (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		sender_id TEXT NOT NULL,
		receiver_id TEXT NOT NULL,
		pool_id TEXT REFERENCES pools(id),
		state TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS friendships (
		member_id TEXT NOT NULL,
		friend_id TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (member_id, friend_id)
	)`,
	`CREATE TABLE IF NOT EXISTS member_balances (
		pool_id TEXT NOT NULL REFERENCES pools(id),
		member_id TEXT NOT NULL,
		balance NUMERIC(18,2) NOT NULL DEFAULT 0,
		version INTEGER NOT NULL DEFAULT 0,
		updated_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (pool_id, member_id)
	)`,
	`CREATE TABLE IF NOT EXISTS ledger_entries (
		id BIGSERIAL PRIMARY KEY,
		pool_id TEXT NOT NULL REFERENCES pools(id),
		member_id TEXT NOT NULL,
		round INTEGER NOT NULL,
		amount NUMERIC(18,2) NOT NULL,
		entry_type VARCHAR(10) NOT NULL CHECK (entry_type IN ('DEBIT', 'CREDIT')),
		balance NUMERIC(18,2) NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	)`,
}

// Migrate creates the schema. Statements are idempotent.
func Migrate(ctx context.Context, db *sql.DB) error {
	for i, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d: %w", i, err)
		}
	}
	return nil
}

package store

import (
	"context"
	"fmt"
)

// RunMigrations creates the three collections the evaluator requires
// (spec.md §3/§6): contract, user_contract, user. Schema is an
// implementer's choice per spec.md; this mirrors the teacher's inline
// CREATE-TABLE-IF-NOT-EXISTS migration style rather than a migration
// framework.
func (db *DB) RunMigrations(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS contract (
			id BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
			mint VARCHAR(64) NOT NULL,
			condition1 DOUBLE PRECISION NOT NULL,
			condition2 TIMESTAMPTZ NOT NULL,
			is_completed BOOLEAN NOT NULL DEFAULT FALSE,
			completion_reason VARCHAR(32) NOT NULL DEFAULT '',
			completed_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_contract_pending ON contract(is_completed) WHERE NOT is_completed`,
		`CREATE INDEX IF NOT EXISTS idx_contract_mint ON contract(mint)`,

		`CREATE TABLE IF NOT EXISTS user_contract (
			contract_id BIGINT NOT NULL REFERENCES contract(id) ON DELETE CASCADE,
			user_address VARCHAR(64) NOT NULL,
			supply DOUBLE PRECISION NOT NULL,
			status SMALLINT NOT NULL DEFAULT 0,
			signed_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (contract_id, user_address)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_user_contract_status ON user_contract(contract_id, status)`,

		`CREATE TABLE IF NOT EXISTS "user" (
			address VARCHAR(64) PRIMARY KEY,
			raw_score DOUBLE PRECISION NOT NULL DEFAULT 0,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
	}

	for _, m := range migrations {
		if _, err := db.Pool.Exec(ctx, m); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

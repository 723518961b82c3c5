package postgres

import "context"

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS ledger_entries (
		tx_hash          TEXT PRIMARY KEY,
		log_index        BIGINT NOT NULL DEFAULT 0,
		block_number     BIGINT NOT NULL DEFAULT 0,
		vault_address    TEXT NOT NULL DEFAULT '',
		depositor        TEXT NOT NULL,
		account_id       TEXT NOT NULL DEFAULT '',
		token_address    TEXT NOT NULL,
		amount           NUMERIC(78,0) NOT NULL,
		deposit_type     TEXT NOT NULL,
		status           TEXT NOT NULL,
		points_credited  BIGINT NOT NULL DEFAULT 0,
		points_remaining BIGINT NOT NULL DEFAULT 0,
		funding_rate     DOUBLE PRECISION NOT NULL DEFAULT 0,
		gross_usd        DOUBLE PRECISION NOT NULL DEFAULT 0,
		net_usd          DOUBLE PRECISION NOT NULL DEFAULT 0,
		confirmation_tx  TEXT NOT NULL DEFAULT '',
		failure_reason   TEXT NOT NULL DEFAULT '',
		created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
		CONSTRAINT points_not_overcredited CHECK (points_remaining <= points_credited)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_ledger_group
		ON ledger_entries (depositor, token_address) WHERE status IN ('PENDING','ERROR')`,
	`CREATE INDEX IF NOT EXISTS idx_ledger_consumed
		ON ledger_entries (token_address) WHERE status = 'CONFIRMED'`,

	`CREATE TABLE IF NOT EXISTS withdrawal_requests (
		tx_hash         TEXT PRIMARY KEY,
		user_address    TEXT NOT NULL,
		token_address   TEXT NOT NULL,
		vault_address   TEXT NOT NULL DEFAULT '',
		amount          NUMERIC(78,0) NOT NULL,
		status          TEXT NOT NULL,
		withdrawal_tx   TEXT NOT NULL DEFAULT '',
		fee             NUMERIC(78,0) NOT NULL DEFAULT 0,
		is_admin        BOOLEAN NOT NULL DEFAULT FALSE,
		seizure_count   INTEGER NOT NULL DEFAULT 0,
		seizure_amount  NUMERIC(78,0) NOT NULL DEFAULT 0,
		existing_escrow NUMERIC(78,0) NOT NULL DEFAULT 0,
		failure_reason  TEXT NOT NULL DEFAULT '',
		created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS referral_vaults (
		vault_address     TEXT PRIMARY KEY,
		owner_address     TEXT NOT NULL,
		master_account_id TEXT NOT NULL DEFAULT '',
		salt              TEXT NOT NULL,
		deploy_tx_hash    TEXT NOT NULL,
		status            TEXT NOT NULL,
		deposit_count     BIGINT NOT NULL DEFAULT 0,
		gross_usd         DOUBLE PRECISION NOT NULL DEFAULT 0,
		reward_points     BIGINT NOT NULL DEFAULT 0,
		failure_reason    TEXT NOT NULL DEFAULT '',
		created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at        TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_vaults_deploy_tx ON referral_vaults (deploy_tx_hash)`,

	`CREATE TABLE IF NOT EXISTS link_requests (
		id            TEXT PRIMARY KEY,
		account_id    TEXT NOT NULL,
		token_address TEXT NOT NULL,
		amount        NUMERIC(78,0) NOT NULL,
		status        TEXT NOT NULL DEFAULT 'PENDING',
		wallet        TEXT NOT NULL DEFAULT '',
		created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS sync_state (
		name              TEXT PRIMARY KEY,
		last_synced_block BIGINT NOT NULL,
		updated_at        TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS webhook_jobs (
		id         TEXT PRIMARY KEY,
		job_type   TEXT NOT NULL,
		payload    BYTEA NOT NULL,
		status     TEXT NOT NULL DEFAULT 'PENDING',
		attempts   INTEGER NOT NULL DEFAULT 0,
		claimed_by TEXT NOT NULL DEFAULT '',
		claimed_at TIMESTAMPTZ,
		last_error TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_pending ON webhook_jobs (created_at) WHERE status = 'PENDING'`,
}

// CreateSchema applies the full schema; every statement is idempotent.
func (s *Store) CreateSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

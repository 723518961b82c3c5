// Package postgres implements the document store on pgx.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"escrowledger/internal/model"
	"escrowledger/internal/store"
)

// Store provides Postgres persistence for the reconciliation pipeline.
type Store struct {
	pool *pgxpool.Pool
}

// New connects a pool for the given DSN.
func New(ctx context.Context, dsn string) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("pg dsn is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	return &Store{pool: pool}, nil
}

// NewWithPool wraps an existing pool, shared with the job queue.
func NewWithPool(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Pool exposes the underlying pool so other postgres-backed components can
// share the connection set.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func bigText(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func parseBig(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("postgres: malformed numeric %q", s)
	}
	return v, nil
}

const ledgerColumns = `tx_hash, log_index, block_number, vault_address, depositor, account_id,
	token_address, amount::text, deposit_type, status, points_credited, points_remaining,
	funding_rate, gross_usd, net_usd, confirmation_tx, failure_reason, created_at, updated_at`

func (s *Store) CreateLedgerEntry(ctx context.Context, e model.LedgerEntry) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO ledger_entries (
			tx_hash, log_index, block_number, vault_address, depositor, account_id,
			token_address, amount, deposit_type, status, points_credited, points_remaining,
			funding_rate, gross_usd, net_usd, confirmation_tx, failure_reason, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8::numeric,$9,$10,$11,$12,$13,$14,$15,$16,$17,now(),now())
	`,
		model.NormalizeHash(e.TxHash),
		int64(e.LogIndex),
		int64(e.BlockNumber),
		model.NormalizeAddress(e.VaultAddress),
		model.NormalizeAddress(e.Depositor),
		e.AccountID,
		model.NormalizeAddress(e.TokenAddress),
		bigText(e.Amount),
		string(e.DepositType),
		string(e.Status),
		e.PointsCredited,
		e.PointsRemaining,
		e.FundingRate,
		e.GrossUSD,
		e.NetUSD,
		e.ConfirmationTx,
		e.FailureReason,
	)
	if isUniqueViolation(err) {
		return store.ErrDuplicate
	}
	return err
}

func (s *Store) LedgerEntryExists(ctx context.Context, txHash string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM ledger_entries WHERE tx_hash=$1)`,
		model.NormalizeHash(txHash),
	).Scan(&exists)
	return exists, err
}

func (s *Store) FindLedgerEntry(ctx context.Context, txHash string) (*model.LedgerEntry, error) {
	rows, err := s.queryLedger(ctx,
		`SELECT `+ledgerColumns+` FROM ledger_entries WHERE tx_hash=$1`,
		model.NormalizeHash(txHash))
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, store.ErrNotFound
	}
	return &rows[0], nil
}

func (s *Store) FindProcessableEntries(ctx context.Context) ([]model.LedgerEntry, error) {
	return s.queryLedger(ctx, `
		SELECT `+ledgerColumns+` FROM ledger_entries
		WHERE status IN ('PENDING','ERROR')
		ORDER BY block_number, tx_hash`)
}

func (s *Store) FindGroupEntries(ctx context.Context, depositor, token string) ([]model.LedgerEntry, error) {
	return s.queryLedger(ctx, `
		SELECT `+ledgerColumns+` FROM ledger_entries
		WHERE depositor=$1 AND token_address=$2 AND status IN ('PENDING','ERROR')
		ORDER BY block_number, tx_hash`,
		model.NormalizeAddress(depositor), model.NormalizeAddress(token))
}

func (s *Store) FindStuckEntries(ctx context.Context, cutoff time.Time) ([]model.LedgerEntry, error) {
	return s.queryLedger(ctx, `
		SELECT `+ledgerColumns+` FROM ledger_entries
		WHERE status IN ('PENDING','ERROR') AND deposit_type <> 'TOKEN_DONATION' AND updated_at < $1
		ORDER BY block_number, tx_hash`, cutoff)
}

func (s *Store) FindConsumedEntries(ctx context.Context, token string) ([]model.LedgerEntry, error) {
	return s.queryLedger(ctx, `
		SELECT `+ledgerColumns+` FROM ledger_entries
		WHERE token_address=$1 AND status='CONFIRMED' AND points_remaining < points_credited
		ORDER BY block_number, tx_hash`, model.NormalizeAddress(token))
}

func (s *Store) FindActiveDepositsForAccount(ctx context.Context, accountID string) ([]model.LedgerEntry, error) {
	return s.queryLedger(ctx, `
		SELECT `+ledgerColumns+` FROM ledger_entries
		WHERE account_id=$1 AND status='CONFIRMED' AND points_remaining > 0
		ORDER BY block_number, tx_hash`, accountID)
}

func (s *Store) UpdateLedgerEntry(ctx context.Context, txHash string, upd store.LedgerUpdate) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE ledger_entries SET
			status = COALESCE(NULLIF($2,''), status),
			account_id = COALESCE($3, account_id),
			points_credited = COALESCE($4, points_credited),
			points_remaining = COALESCE($5, points_remaining),
			funding_rate = COALESCE($6, funding_rate),
			gross_usd = COALESCE($7, gross_usd),
			net_usd = COALESCE($8, net_usd),
			confirmation_tx = COALESCE($9, confirmation_tx),
			failure_reason = COALESCE($10, failure_reason),
			updated_at = now()
		WHERE tx_hash = $1
	`,
		model.NormalizeHash(txHash),
		string(upd.Status),
		upd.AccountID,
		upd.PointsCredited,
		upd.PointsRemaining,
		upd.FundingRate,
		upd.GrossUSD,
		upd.NetUSD,
		upd.ConfirmationTx,
		upd.FailureReason,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) DeductPoints(ctx context.Context, txHash string, points int64) error {
	if points < 0 {
		return fmt.Errorf("postgres: negative deduction")
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE ledger_entries
		SET points_remaining = points_remaining - $2, updated_at = now()
		WHERE tx_hash = $1 AND points_remaining >= $2
	`, model.NormalizeHash(txHash), points)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: deduct %d points from %s: insufficient or missing", points, txHash)
	}
	return nil
}

func (s *Store) queryLedger(ctx context.Context, sql string, args ...any) ([]model.LedgerEntry, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.LedgerEntry
	for rows.Next() {
		var e model.LedgerEntry
		var logIndex, blockNumber int64
		var amount string
		if err := rows.Scan(
			&e.TxHash, &logIndex, &blockNumber, &e.VaultAddress, &e.Depositor, &e.AccountID,
			&e.TokenAddress, &amount, &e.DepositType, &e.Status, &e.PointsCredited, &e.PointsRemaining,
			&e.FundingRate, &e.GrossUSD, &e.NetUSD, &e.ConfirmationTx, &e.FailureReason,
			&e.CreatedAt, &e.UpdatedAt,
		); err != nil {
			return nil, err
		}
		e.LogIndex = uint64(logIndex)
		e.BlockNumber = uint64(blockNumber)
		if e.Amount, err = parseBig(amount); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) CreateWithdrawalRequest(ctx context.Context, r model.WithdrawalRequest) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO withdrawal_requests (
			tx_hash, user_address, token_address, vault_address, amount, status,
			withdrawal_tx, fee, is_admin, seizure_count, seizure_amount, existing_escrow,
			failure_reason, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5::numeric,$6,$7,$8::numeric,$9,$10,$11::numeric,$12::numeric,$13,now(),now())
	`,
		model.NormalizeHash(r.TxHash),
		model.NormalizeAddress(r.User),
		model.NormalizeAddress(r.TokenAddress),
		model.NormalizeAddress(r.VaultAddress),
		bigText(r.Amount),
		string(r.Status),
		r.WithdrawalTx,
		bigText(r.Fee),
		r.Admin,
		r.SeizureCount,
		bigText(r.SeizureAmount),
		bigText(r.ExistingEscrow),
		r.FailureReason,
	)
	if isUniqueViolation(err) {
		return store.ErrDuplicate
	}
	return err
}

func (s *Store) FindWithdrawalRequestByTxHash(ctx context.Context, txHash string) (*model.WithdrawalRequest, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT tx_hash, user_address, token_address, vault_address, amount::text, status,
			withdrawal_tx, fee::text, is_admin, seizure_count, seizure_amount::text,
			existing_escrow::text, failure_reason, created_at, updated_at
		FROM withdrawal_requests WHERE tx_hash=$1
	`, model.NormalizeHash(txHash))

	var r model.WithdrawalRequest
	var amount, fee, seizure, escrow string
	err := row.Scan(
		&r.TxHash, &r.User, &r.TokenAddress, &r.VaultAddress, &amount, &r.Status,
		&r.WithdrawalTx, &fee, &r.Admin, &r.SeizureCount, &seizure,
		&escrow, &r.FailureReason, &r.CreatedAt, &r.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if r.Amount, err = parseBig(amount); err != nil {
		return nil, err
	}
	if r.Fee, err = parseBig(fee); err != nil {
		return nil, err
	}
	if r.SeizureAmount, err = parseBig(seizure); err != nil {
		return nil, err
	}
	if r.ExistingEscrow, err = parseBig(escrow); err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *Store) UpdateWithdrawalRequest(ctx context.Context, txHash string, upd store.WithdrawalUpdate) error {
	var fee, seizure, escrow *string
	if upd.Fee != nil {
		v := upd.Fee.String()
		fee = &v
	}
	if upd.SeizureAmount != nil {
		v := upd.SeizureAmount.String()
		seizure = &v
	}
	if upd.ExistingEscrow != nil {
		v := upd.ExistingEscrow.String()
		escrow = &v
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE withdrawal_requests SET
			status = COALESCE(NULLIF($2,''), status),
			withdrawal_tx = COALESCE($3, withdrawal_tx),
			fee = COALESCE($4::numeric, fee),
			seizure_count = COALESCE($5, seizure_count),
			seizure_amount = COALESCE($6::numeric, seizure_amount),
			existing_escrow = COALESCE($7::numeric, existing_escrow),
			failure_reason = COALESCE($8, failure_reason),
			updated_at = now()
		WHERE tx_hash = $1
	`,
		model.NormalizeHash(txHash),
		string(upd.Status),
		upd.WithdrawalTx,
		fee,
		upd.SeizureCount,
		seizure,
		escrow,
		upd.FailureReason,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) CreateReferralVault(ctx context.Context, v model.ReferralVault) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO referral_vaults (
			vault_address, owner_address, master_account_id, salt, deploy_tx_hash, status,
			deposit_count, gross_usd, reward_points, failure_reason, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,now(),now())
	`,
		model.NormalizeAddress(v.Address),
		model.NormalizeAddress(v.Owner),
		v.MasterAccountID,
		v.Salt,
		model.NormalizeHash(v.DeployTxHash),
		string(v.Status),
		v.DepositCount,
		v.GrossUSD,
		v.RewardPoints,
		v.FailureReason,
	)
	if isUniqueViolation(err) {
		return store.ErrDuplicate
	}
	return err
}

const vaultColumns = `vault_address, owner_address, master_account_id, salt, deploy_tx_hash, status,
	deposit_count, gross_usd, reward_points, failure_reason, created_at, updated_at`

func (s *Store) FindReferralVaultByTxHash(ctx context.Context, deployTxHash string) (*model.ReferralVault, error) {
	return s.queryOneVault(ctx,
		`SELECT `+vaultColumns+` FROM referral_vaults WHERE deploy_tx_hash=$1`,
		model.NormalizeHash(deployTxHash))
}

func (s *Store) FindReferralVaultByAddress(ctx context.Context, address string) (*model.ReferralVault, error) {
	return s.queryOneVault(ctx,
		`SELECT `+vaultColumns+` FROM referral_vaults WHERE vault_address=$1`,
		model.NormalizeAddress(address))
}

func (s *Store) queryOneVault(ctx context.Context, sql string, args ...any) (*model.ReferralVault, error) {
	var v model.ReferralVault
	err := s.pool.QueryRow(ctx, sql, args...).Scan(
		&v.Address, &v.Owner, &v.MasterAccountID, &v.Salt, &v.DeployTxHash, &v.Status,
		&v.DepositCount, &v.GrossUSD, &v.RewardPoints, &v.FailureReason, &v.CreatedAt, &v.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func (s *Store) UpdateReferralVaultStatus(ctx context.Context, address string, status model.VaultStatus, reason string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE referral_vaults SET status=$2, failure_reason=$3, updated_at=now()
		WHERE vault_address=$1
	`, model.NormalizeAddress(address), string(status), reason)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) AddReferralVaultStats(ctx context.Context, address string, stats store.VaultStats) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE referral_vaults SET
			deposit_count = deposit_count + $2,
			gross_usd = gross_usd + $3,
			reward_points = reward_points + $4,
			updated_at = now()
		WHERE vault_address = $1
	`, model.NormalizeAddress(address), stats.Deposits, stats.GrossUSD, stats.RewardPoints)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) FindStaleVaults(ctx context.Context, cutoff time.Time) ([]model.ReferralVault, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+vaultColumns+` FROM referral_vaults
		WHERE status='PENDING_DEPLOYMENT' AND created_at < $1
		ORDER BY vault_address`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.ReferralVault
	for rows.Next() {
		var v model.ReferralVault
		if err := rows.Scan(
			&v.Address, &v.Owner, &v.MasterAccountID, &v.Salt, &v.DeployTxHash, &v.Status,
			&v.DepositCount, &v.GrossUSD, &v.RewardPoints, &v.FailureReason, &v.CreatedAt, &v.UpdatedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *Store) FindPendingLinkRequest(ctx context.Context, token string, amount *big.Int) (*model.LinkRequest, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, account_id, token_address, amount::text, status, wallet, created_at, updated_at
		FROM link_requests
		WHERE status='PENDING' AND token_address=$1 AND amount=$2::numeric
		LIMIT 1
	`, model.NormalizeAddress(token), bigText(amount))

	var l model.LinkRequest
	var amountText string
	err := row.Scan(&l.ID, &l.AccountID, &l.Token, &amountText, &l.Status, &l.Wallet, &l.CreatedAt, &l.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if l.Amount, err = parseBig(amountText); err != nil {
		return nil, err
	}
	return &l, nil
}

func (s *Store) CompleteLinkRequest(ctx context.Context, id, wallet string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE link_requests SET status='COMPLETED', wallet=$2, updated_at=now()
		WHERE id=$1 AND status='PENDING'
	`, id, model.NormalizeAddress(wallet))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) GetLastSyncedBlock(ctx context.Context) (uint64, bool, error) {
	var block int64
	err := s.pool.QueryRow(ctx,
		`SELECT last_synced_block FROM sync_state WHERE name='escrow'`,
	).Scan(&block)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return uint64(block), true, nil
}

func (s *Store) SetLastSyncedBlock(ctx context.Context, block uint64) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sync_state (name, last_synced_block, updated_at)
		VALUES ('escrow', $1, now())
		ON CONFLICT (name) DO UPDATE
		SET last_synced_block = EXCLUDED.last_synced_block, updated_at = now()
	`, int64(block))
	return err
}

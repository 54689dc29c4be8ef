package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/custodix/vaultcore/internal/model"
)

// Postgres implements Store on database/sql. Combined updates run inside a
// single transaction so a status advance and its audit entry land together.
type Postgres struct {
	db *sql.DB
}

// Open connects to Postgres and ensures the schema exists.
func Open(ctx context.Context, dsn string) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	p := &Postgres{db: db}
	if err := p.init(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return p, nil
}

// NewPostgres wraps an existing connection pool without touching the schema.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

// Close releases the pool.
func (p *Postgres) Close() error {
	return p.db.Close()
}

func (p *Postgres) init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS vaults (
			id UUID PRIMARY KEY,
			owner TEXT NOT NULL UNIQUE,
			total_balance NUMERIC NOT NULL DEFAULT 0,
			locked_balance NUMERIC NOT NULL DEFAULT 0,
			nonce BIGINT NOT NULL DEFAULT 0,
			version INT NOT NULL DEFAULT 1,
			created_at TIMESTAMPTZ NOT NULL,
			last_reconciled_at TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS transactions (
			id UUID PRIMARY KEY,
			vault_id UUID NOT NULL REFERENCES vaults(id),
			kind TEXT NOT NULL,
			amount NUMERIC NOT NULL,
			status TEXT NOT NULL,
			idempotency_key TEXT NOT NULL UNIQUE,
			signature TEXT,
			retry_count INT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL,
			submitted_at TIMESTAMPTZ,
			confirmed_at TIMESTAMPTZ,
			failed_at TIMESTAMPTZ,
			seq BIGSERIAL
		)`,
		`CREATE INDEX IF NOT EXISTS transactions_vault_seq ON transactions(vault_id, seq)`,
		`CREATE INDEX IF NOT EXISTS transactions_signature ON transactions(signature)`,
		`CREATE TABLE IF NOT EXISTS locks (
			id UUID PRIMARY KEY,
			vault_id UUID NOT NULL REFERENCES vaults(id),
			amount NUMERIC NOT NULL,
			state TEXT NOT NULL,
			lock_tx_id UUID NOT NULL,
			unlock_tx_id UUID,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS balance_snapshots (
			id UUID PRIMARY KEY,
			vault_id UUID NOT NULL REFERENCES vaults(id),
			local_balance NUMERIC NOT NULL,
			ledger_balance NUMERIC NOT NULL,
			captured_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS reconciliation_logs (
			id UUID PRIMARY KEY,
			vault_id UUID NOT NULL REFERENCES vaults(id),
			discrepancy NUMERIC NOT NULL,
			classification TEXT NOT NULL,
			detected_at TIMESTAMPTZ NOT NULL,
			resolved_at TIMESTAMPTZ,
			resolution_note TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS audit_entries (
			id UUID PRIMARY KEY,
			actor TEXT NOT NULL,
			action TEXT NOT NULL,
			record_id UUID NOT NULL,
			before_state TEXT NOT NULL,
			after_state TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS audit_entries_record ON audit_entries(record_id)`,
	}
	for _, s := range stmts {
		if _, err := p.db.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

func (p *Postgres) CreateVault(ctx context.Context, v *model.Vault) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO vaults (id, owner, total_balance, locked_balance, nonce, version, created_at, last_reconciled_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		v.ID, v.Owner, v.TotalBalance, v.LockedBalance, int64(v.Nonce), v.Version, v.CreatedAt, v.LastReconciledAt,
	)
	if err != nil {
		return fmt.Errorf("create vault: %w", err)
	}
	return nil
}

const vaultColumns = `id, owner, total_balance, locked_balance, nonce, version, created_at, last_reconciled_at`

func scanVault(row interface{ Scan(...interface{}) error }) (*model.Vault, error) {
	var v model.Vault
	var nonce int64
	err := row.Scan(&v.ID, &v.Owner, &v.TotalBalance, &v.LockedBalance, &nonce, &v.Version, &v.CreatedAt, &v.LastReconciledAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan vault: %w", err)
	}
	v.Nonce = uint64(nonce)
	return &v, nil
}

func (p *Postgres) GetVault(ctx context.Context, id uuid.UUID) (*model.Vault, error) {
	return scanVault(p.db.QueryRowContext(ctx,
		`SELECT `+vaultColumns+` FROM vaults WHERE id = $1`, id))
}

func (p *Postgres) GetVaultByOwner(ctx context.Context, owner string) (*model.Vault, error) {
	return scanVault(p.db.QueryRowContext(ctx,
		`SELECT `+vaultColumns+` FROM vaults WHERE owner = $1`, owner))
}

func (p *Postgres) ListVaults(ctx context.Context) ([]*model.Vault, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+vaultColumns+` FROM vaults ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list vaults: %w", err)
	}
	defer rows.Close()

	var out []*model.Vault
	for rows.Next() {
		v, err := scanVault(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func updateVaultTx(ctx context.Context, tx *sql.Tx, v *model.Vault) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE vaults SET total_balance = $1, locked_balance = $2, nonce = $3,
			last_reconciled_at = $4, version = version + 1
		 WHERE id = $5 AND version = $6`,
		v.TotalBalance, v.LockedBalance, int64(v.Nonce), v.LastReconciledAt, v.ID, v.Version,
	)
	if err != nil {
		return fmt.Errorf("update vault: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return model.ErrVersionConflict
	}
	v.Version++
	return nil
}

func (p *Postgres) UpdateVault(ctx context.Context, v *model.Vault) error {
	return p.withTx(ctx, func(tx *sql.Tx) error {
		return updateVaultTx(ctx, tx, v)
	})
}

func (p *Postgres) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func appendAuditTx(ctx context.Context, tx *sql.Tx, a *model.AuditEntry) error {
	if a == nil {
		return nil
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO audit_entries (id, actor, action, record_id, before_state, after_state, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		a.ID, a.Actor, a.Action, a.RecordID, a.Before, a.After, a.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	return nil
}

const txColumns = `id, vault_id, kind, amount, status, idempotency_key, COALESCE(signature, ''), retry_count, created_at, submitted_at, confirmed_at, failed_at`

func scanTx(row interface{ Scan(...interface{}) error }) (*model.Transaction, error) {
	var t model.Transaction
	err := row.Scan(&t.ID, &t.VaultID, &t.Kind, &t.Amount, &t.Status, &t.IdempotencyKey,
		&t.Signature, &t.RetryCount, &t.CreatedAt, &t.SubmittedAt, &t.ConfirmedAt, &t.FailedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan transaction: %w", err)
	}
	return &t, nil
}

func insertTxTx(ctx context.Context, tx *sql.Tx, t *model.Transaction) error {
	var sig interface{}
	if t.Signature != "" {
		sig = t.Signature
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO transactions (id, vault_id, kind, amount, status, idempotency_key, signature, retry_count, created_at, submitted_at, confirmed_at, failed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		t.ID, t.VaultID, t.Kind, t.Amount, t.Status, t.IdempotencyKey, sig,
		t.RetryCount, t.CreatedAt, t.SubmittedAt, t.ConfirmedAt, t.FailedAt,
	)
	if err != nil {
		return fmt.Errorf("create transaction: %w", err)
	}
	return nil
}

func updateTxTx(ctx context.Context, tx *sql.Tx, t *model.Transaction) error {
	var sig interface{}
	if t.Signature != "" {
		sig = t.Signature
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE transactions SET status = $1, signature = $2, retry_count = $3,
			submitted_at = $4, confirmed_at = $5, failed_at = $6
		 WHERE id = $7`,
		t.Status, sig, t.RetryCount, t.SubmittedAt, t.ConfirmedAt, t.FailedAt, t.ID,
	)
	if err != nil {
		return fmt.Errorf("update transaction: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return model.ErrNotFound
	}
	return nil
}

func (p *Postgres) CreateTransaction(ctx context.Context, t *model.Transaction, audit *model.AuditEntry) error {
	return p.withTx(ctx, func(tx *sql.Tx) error {
		if err := insertTxTx(ctx, tx, t); err != nil {
			return err
		}
		return appendAuditTx(ctx, tx, audit)
	})
}

func (p *Postgres) GetTransaction(ctx context.Context, id uuid.UUID) (*model.Transaction, error) {
	return scanTx(p.db.QueryRowContext(ctx,
		`SELECT `+txColumns+` FROM transactions WHERE id = $1`, id))
}

func (p *Postgres) GetTransactionByKey(ctx context.Context, key string) (*model.Transaction, error) {
	return scanTx(p.db.QueryRowContext(ctx,
		`SELECT `+txColumns+` FROM transactions WHERE idempotency_key = $1`, key))
}

func (p *Postgres) GetTransactionBySignature(ctx context.Context, signature string) (*model.Transaction, error) {
	if signature == "" {
		return nil, model.ErrNotFound
	}
	return scanTx(p.db.QueryRowContext(ctx,
		`SELECT `+txColumns+` FROM transactions WHERE signature = $1`, signature))
}

func (p *Postgres) listTx(ctx context.Context, query string, args ...interface{}) ([]*model.Transaction, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()

	var out []*model.Transaction
	for rows.Next() {
		t, err := scanTx(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (p *Postgres) ListTransactions(ctx context.Context, vaultID uuid.UUID, limit, offset int) ([]*model.Transaction, error) {
	return p.listTx(ctx,
		`SELECT `+txColumns+` FROM transactions WHERE vault_id = $1 ORDER BY seq LIMIT $2 OFFSET $3`,
		vaultID, limit, offset)
}

func (p *Postgres) ListTransactionsByStatus(ctx context.Context, status model.TxStatus) ([]*model.Transaction, error) {
	return p.listTx(ctx,
		`SELECT `+txColumns+` FROM transactions WHERE status = $1 ORDER BY seq`, status)
}

func (p *Postgres) UpdateTransaction(ctx context.Context, t *model.Transaction, audit *model.AuditEntry) error {
	return p.withTx(ctx, func(tx *sql.Tx) error {
		if err := updateTxTx(ctx, tx, t); err != nil {
			return err
		}
		return appendAuditTx(ctx, tx, audit)
	})
}

func (p *Postgres) UpdateVaultAndTransaction(ctx context.Context, v *model.Vault, t *model.Transaction, audit *model.AuditEntry) error {
	return p.withTx(ctx, func(tx *sql.Tx) error {
		if err := updateVaultTx(ctx, tx, v); err != nil {
			return err
		}
		if err := updateTxTx(ctx, tx, t); err != nil {
			return err
		}
		return appendAuditTx(ctx, tx, audit)
	})
}

const lockColumns = `id, vault_id, amount, state, lock_tx_id, unlock_tx_id, created_at, updated_at`

func scanLock(row interface{ Scan(...interface{}) error }) (*model.Lock, error) {
	var l model.Lock
	err := row.Scan(&l.ID, &l.VaultID, &l.Amount, &l.State, &l.LockTxID, &l.UnlockTxID, &l.CreatedAt, &l.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan lock: %w", err)
	}
	return &l, nil
}

func updateLockTx(ctx context.Context, tx *sql.Tx, l *model.Lock) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE locks SET state = $1, unlock_tx_id = $2, updated_at = $3 WHERE id = $4`,
		l.State, l.UnlockTxID, l.UpdatedAt, l.ID,
	)
	if err != nil {
		return fmt.Errorf("update lock: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return model.ErrNotFound
	}
	return nil
}

func (p *Postgres) CreateLock(ctx context.Context, l *model.Lock, audit *model.AuditEntry) error {
	return p.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO locks (id, vault_id, amount, state, lock_tx_id, unlock_tx_id, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			l.ID, l.VaultID, l.Amount, l.State, l.LockTxID, l.UnlockTxID, l.CreatedAt, l.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("create lock: %w", err)
		}
		return appendAuditTx(ctx, tx, audit)
	})
}

func (p *Postgres) GetLock(ctx context.Context, id uuid.UUID) (*model.Lock, error) {
	return scanLock(p.db.QueryRowContext(ctx,
		`SELECT `+lockColumns+` FROM locks WHERE id = $1`, id))
}

func (p *Postgres) listLocks(ctx context.Context, query string, args ...interface{}) ([]*model.Lock, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list locks: %w", err)
	}
	defer rows.Close()

	var out []*model.Lock
	for rows.Next() {
		l, err := scanLock(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (p *Postgres) ListLocksByState(ctx context.Context, state model.LockState) ([]*model.Lock, error) {
	return p.listLocks(ctx,
		`SELECT `+lockColumns+` FROM locks WHERE state = $1 ORDER BY created_at`, state)
}

func (p *Postgres) ListOpenLocks(ctx context.Context, vaultID uuid.UUID) ([]*model.Lock, error) {
	return p.listLocks(ctx,
		`SELECT `+lockColumns+` FROM locks WHERE vault_id = $1 AND state IN ($2, $3) ORDER BY created_at`,
		vaultID, model.LockLocked, model.LockUnlockSubmitted)
}

func (p *Postgres) UpdateLock(ctx context.Context, l *model.Lock, audit *model.AuditEntry) error {
	return p.withTx(ctx, func(tx *sql.Tx) error {
		if err := updateLockTx(ctx, tx, l); err != nil {
			return err
		}
		return appendAuditTx(ctx, tx, audit)
	})
}

func (p *Postgres) UpdateVaultAndLock(ctx context.Context, v *model.Vault, l *model.Lock, audit *model.AuditEntry) error {
	return p.withTx(ctx, func(tx *sql.Tx) error {
		if err := updateVaultTx(ctx, tx, v); err != nil {
			return err
		}
		if err := updateLockTx(ctx, tx, l); err != nil {
			return err
		}
		return appendAuditTx(ctx, tx, audit)
	})
}

func (p *Postgres) CreateSnapshot(ctx context.Context, s *model.BalanceSnapshot) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO balance_snapshots (id, vault_id, local_balance, ledger_balance, captured_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		s.ID, s.VaultID, s.LocalBalance, s.LedgerBalance, s.CapturedAt,
	)
	if err != nil {
		return fmt.Errorf("create snapshot: %w", err)
	}
	return nil
}

func (p *Postgres) ListSnapshots(ctx context.Context, vaultID uuid.UUID, limit int) ([]*model.BalanceSnapshot, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT id, vault_id, local_balance, ledger_balance, captured_at
		 FROM balance_snapshots WHERE vault_id = $1 ORDER BY captured_at DESC LIMIT $2`,
		vaultID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	defer rows.Close()

	var out []*model.BalanceSnapshot
	for rows.Next() {
		var s model.BalanceSnapshot
		if err := rows.Scan(&s.ID, &s.VaultID, &s.LocalBalance, &s.LedgerBalance, &s.CapturedAt); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		out = append(out, &s)
	}
	return out, rows.Err()
}

func (p *Postgres) CreateReconciliationLog(ctx context.Context, l *model.ReconciliationLog, audit *model.AuditEntry) error {
	return p.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO reconciliation_logs (id, vault_id, discrepancy, classification, detected_at, resolved_at, resolution_note)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			l.ID, l.VaultID, l.Discrepancy, l.Classification, l.DetectedAt, l.ResolvedAt, l.ResolutionNote,
		)
		if err != nil {
			return fmt.Errorf("create reconciliation log: %w", err)
		}
		return appendAuditTx(ctx, tx, audit)
	})
}

func (p *Postgres) GetReconciliationLog(ctx context.Context, id uuid.UUID) (*model.ReconciliationLog, error) {
	var l model.ReconciliationLog
	err := p.db.QueryRowContext(ctx,
		`SELECT id, vault_id, discrepancy, classification, detected_at, resolved_at, resolution_note
		 FROM reconciliation_logs WHERE id = $1`, id,
	).Scan(&l.ID, &l.VaultID, &l.Discrepancy, &l.Classification, &l.DetectedAt, &l.ResolvedAt, &l.ResolutionNote)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get reconciliation log: %w", err)
	}
	return &l, nil
}

func (p *Postgres) ListUnresolvedReconciliationLogs(ctx context.Context) ([]*model.ReconciliationLog, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT id, vault_id, discrepancy, classification, detected_at, resolved_at, resolution_note
		 FROM reconciliation_logs WHERE resolved_at IS NULL ORDER BY detected_at`)
	if err != nil {
		return nil, fmt.Errorf("list reconciliation logs: %w", err)
	}
	defer rows.Close()

	var out []*model.ReconciliationLog
	for rows.Next() {
		var l model.ReconciliationLog
		if err := rows.Scan(&l.ID, &l.VaultID, &l.Discrepancy, &l.Classification, &l.DetectedAt, &l.ResolvedAt, &l.ResolutionNote); err != nil {
			return nil, fmt.Errorf("scan reconciliation log: %w", err)
		}
		out = append(out, &l)
	}
	return out, rows.Err()
}

func (p *Postgres) ResolveReconciliationLog(ctx context.Context, id uuid.UUID, note string, audit *model.AuditEntry) error {
	return p.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE reconciliation_logs SET resolved_at = $1, resolution_note = $2 WHERE id = $3 AND resolved_at IS NULL`,
			time.Now().UTC(), note, id,
		)
		if err != nil {
			return fmt.Errorf("resolve reconciliation log: %w", err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return model.ErrNotFound
		}
		return appendAuditTx(ctx, tx, audit)
	})
}

func (p *Postgres) AppendAudit(ctx context.Context, a *model.AuditEntry) error {
	return p.withTx(ctx, func(tx *sql.Tx) error {
		return appendAuditTx(ctx, tx, a)
	})
}

func (p *Postgres) ListAudit(ctx context.Context, recordID uuid.UUID) ([]*model.AuditEntry, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT id, actor, action, record_id, before_state, after_state, created_at
		 FROM audit_entries WHERE record_id = $1 ORDER BY created_at`, recordID)
	if err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	defer rows.Close()

	var out []*model.AuditEntry
	for rows.Next() {
		var a model.AuditEntry
		if err := rows.Scan(&a.ID, &a.Actor, &a.Action, &a.RecordID, &a.Before, &a.After, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

// Package store defines the record-level persistence contract consumed by
// the settlement core, with a Postgres implementation for production and an
// in-memory implementation for tests.
package store

import (
	"context"

	"github.com/google/uuid"

	"github.com/custodix/vaultcore/internal/model"
)

// Store is the narrow persistence contract. Combined update methods are
// applied atomically: either every record in the call is written or none is.
type Store interface {
	// Vaults.
	CreateVault(ctx context.Context, v *model.Vault) error
	GetVault(ctx context.Context, id uuid.UUID) (*model.Vault, error)
	GetVaultByOwner(ctx context.Context, owner string) (*model.Vault, error)
	ListVaults(ctx context.Context) ([]*model.Vault, error)
	// UpdateVault enforces the optimistic version check: it fails with
	// model.ErrVersionConflict when v.Version no longer matches the stored
	// row, and increments the version on success.
	UpdateVault(ctx context.Context, v *model.Vault) error

	// Transactions.
	CreateTransaction(ctx context.Context, t *model.Transaction, audit *model.AuditEntry) error
	GetTransaction(ctx context.Context, id uuid.UUID) (*model.Transaction, error)
	GetTransactionByKey(ctx context.Context, idempotencyKey string) (*model.Transaction, error)
	GetTransactionBySignature(ctx context.Context, signature string) (*model.Transaction, error)
	ListTransactions(ctx context.Context, vaultID uuid.UUID, limit, offset int) ([]*model.Transaction, error)
	ListTransactionsByStatus(ctx context.Context, status model.TxStatus) ([]*model.Transaction, error)
	UpdateTransaction(ctx context.Context, t *model.Transaction, audit *model.AuditEntry) error
	// UpdateVaultAndTransaction applies a confirmed effect: the balance
	// mutation, the status advance, and the audit entry land together.
	UpdateVaultAndTransaction(ctx context.Context, v *model.Vault, t *model.Transaction, audit *model.AuditEntry) error

	// Locks.
	CreateLock(ctx context.Context, l *model.Lock, audit *model.AuditEntry) error
	GetLock(ctx context.Context, id uuid.UUID) (*model.Lock, error)
	ListLocksByState(ctx context.Context, state model.LockState) ([]*model.Lock, error)
	ListOpenLocks(ctx context.Context, vaultID uuid.UUID) ([]*model.Lock, error)
	UpdateLock(ctx context.Context, l *model.Lock, audit *model.AuditEntry) error
	UpdateVaultAndLock(ctx context.Context, v *model.Vault, l *model.Lock, audit *model.AuditEntry) error

	// Snapshots and reconciliation.
	CreateSnapshot(ctx context.Context, s *model.BalanceSnapshot) error
	ListSnapshots(ctx context.Context, vaultID uuid.UUID, limit int) ([]*model.BalanceSnapshot, error)
	CreateReconciliationLog(ctx context.Context, l *model.ReconciliationLog, audit *model.AuditEntry) error
	GetReconciliationLog(ctx context.Context, id uuid.UUID) (*model.ReconciliationLog, error)
	ListUnresolvedReconciliationLogs(ctx context.Context) ([]*model.ReconciliationLog, error)
	ResolveReconciliationLog(ctx context.Context, id uuid.UUID, note string, audit *model.AuditEntry) error

	// Audit trail. Append-only; no update or delete exists on purpose.
	AppendAudit(ctx context.Context, a *model.AuditEntry) error
	ListAudit(ctx context.Context, recordID uuid.UUID) ([]*model.AuditEntry, error)
}

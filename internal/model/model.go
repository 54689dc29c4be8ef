package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// TxKind identifies the economic intent behind a transaction.
type TxKind string

const (
	TxDeposit  TxKind = "deposit"
	TxWithdraw TxKind = "withdraw"
	TxLock     TxKind = "lock"
	TxUnlock   TxKind = "unlock"
)

// TxStatus tracks a transaction through its settlement lifecycle.
type TxStatus string

const (
	TxPending   TxStatus = "pending"
	TxSubmitted TxStatus = "submitted"
	TxConfirmed TxStatus = "confirmed"
	TxFailed    TxStatus = "failed"
)

// LockState is the CPI lock/unlock state machine.
type LockState string

const (
	LockRequested       LockState = "requested"
	LockSubmitted       LockState = "lock_submitted"
	LockLocked          LockState = "locked"
	LockUnlockSubmitted LockState = "unlock_submitted"
	LockUnlocked        LockState = "unlocked"
	LockFailed          LockState = "failed"
)

// Terminal reports whether the state admits no further transitions.
func (s LockState) Terminal() bool {
	return s == LockUnlocked || s == LockFailed
}

// Vault mirrors the on-chain collateral vault for one owner.
// TotalBalance and LockedBalance are only ever advanced from confirmed
// transaction effects; the available balance is derived, never stored.
type Vault struct {
	ID               uuid.UUID
	Owner            string
	TotalBalance     decimal.Decimal
	LockedBalance    decimal.Decimal
	Nonce            uint64
	Version          int
	CreatedAt        time.Time
	LastReconciledAt *time.Time
}

// Transaction is one user intent against a vault.
type Transaction struct {
	ID             uuid.UUID
	VaultID        uuid.UUID
	Kind           TxKind
	Amount         decimal.Decimal
	Status         TxStatus
	IdempotencyKey string
	Signature      string
	RetryCount     int
	CreatedAt      time.Time
	SubmittedAt    *time.Time
	ConfirmedAt    *time.Time
	FailedAt       *time.Time
}

// Lock pairs a lock transaction with its eventual unlock.
type Lock struct {
	ID         uuid.UUID
	VaultID    uuid.UUID
	Amount     decimal.Decimal
	State      LockState
	LockTxID   uuid.UUID
	UnlockTxID *uuid.UUID
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Open reports whether the lock currently contributes to locked_balance.
func (l *Lock) Open() bool {
	return l.State == LockLocked || l.State == LockUnlockSubmitted
}

// Balances is the derived balance view for a vault.
type Balances struct {
	Total     decimal.Decimal `json:"total"`
	Locked    decimal.Decimal `json:"locked"`
	Available decimal.Decimal `json:"available"`
}

// BalanceSnapshot pairs the locally derived balance with an independently
// fetched ledger balance. Immutable once written.
type BalanceSnapshot struct {
	ID            uuid.UUID
	VaultID       uuid.UUID
	LocalBalance  decimal.Decimal
	LedgerBalance decimal.Decimal
	CapturedAt    time.Time
}

// Delta returns ledger minus local.
func (s *BalanceSnapshot) Delta() decimal.Decimal {
	return s.LedgerBalance.Sub(s.LocalBalance)
}

// Classification of a reconciliation delta.
type Classification string

const (
	InSync            Classification = "in_sync"
	PendingSettlement Classification = "pending_settlement"
	Discrepancy       Classification = "discrepancy"
)

// ReconciliationLog records an unexplained drift between mirror and ledger.
// The engine only ever creates these; resolution metadata is set by an
// explicit operator action.
type ReconciliationLog struct {
	ID             uuid.UUID
	VaultID        uuid.UUID
	Discrepancy    decimal.Decimal
	Classification Classification
	DetectedAt     time.Time
	ResolvedAt     *time.Time
	ResolutionNote string
}

// AuditEntry is an append-only record of a state-changing action.
type AuditEntry struct {
	ID        uuid.UUID
	Actor     string
	Action    string
	RecordID  uuid.UUID
	Before    string
	After     string
	CreatedAt time.Time
}

// NewAudit builds an audit entry stamped with the current time.
func NewAudit(actor, action string, recordID uuid.UUID, before, after string) *AuditEntry {
	return &AuditEntry{
		ID:        uuid.New(),
		Actor:     actor,
		Action:    action,
		RecordID:  recordID,
		Before:    before,
		After:     after,
		CreatedAt: time.Now().UTC(),
	}
}

package messaging

import (
	"time"

	"github.com/google/uuid"
)

// Subjects for domain events broadcast to the transport layer.
const (
	EventTypeBalanceUpdated       = "vault.balance_updated"
	EventTypeTransactionConfirmed = "vault.transaction_confirmed"
	EventTypeLockStateChanged     = "vault.lock_state_changed"
	EventTypeDiscrepancyDetected  = "vault.discrepancy_detected"
	EventTypeSnapshotTaken        = "vault.snapshot_taken"
	EventTypeLowBalance           = "vault.low_balance"
)

// BalanceUpdatedEvent is published whenever a confirmed effect changes a
// vault's balances. Amounts travel as strings to avoid float decoding.
type BalanceUpdatedEvent struct {
	VaultID   uuid.UUID `json:"vault_id"`
	Total     string    `json:"total"`
	Locked    string    `json:"locked"`
	Available string    `json:"available"`
	Timestamp time.Time `json:"timestamp"`
}

// TransactionConfirmedEvent is published once per confirmed transaction.
type TransactionConfirmedEvent struct {
	TransactionID uuid.UUID `json:"transaction_id"`
	VaultID       uuid.UUID `json:"vault_id"`
	Kind          string    `json:"kind"`
	Amount        string    `json:"amount"`
	Signature     string    `json:"signature"`
	Timestamp     time.Time `json:"timestamp"`
}

// LockStateChangedEvent tracks CPI lock lifecycle transitions.
type LockStateChangedEvent struct {
	LockID    uuid.UUID `json:"lock_id"`
	VaultID   uuid.UUID `json:"vault_id"`
	Amount    string    `json:"amount"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Timestamp time.Time `json:"timestamp"`
}

// DiscrepancyDetectedEvent is the operator alert for unexplained drift.
type DiscrepancyDetectedEvent struct {
	LogID         uuid.UUID `json:"log_id"`
	VaultID       uuid.UUID `json:"vault_id"`
	LocalBalance  string    `json:"local_balance"`
	LedgerBalance string    `json:"ledger_balance"`
	Discrepancy   string    `json:"discrepancy"`
	Timestamp     time.Time `json:"timestamp"`
}

// SnapshotTakenEvent carries a balance snapshot plus the running TVL.
type SnapshotTakenEvent struct {
	VaultID       uuid.UUID `json:"vault_id"`
	LocalBalance  string    `json:"local_balance"`
	LedgerBalance string    `json:"ledger_balance"`
	TVL           string    `json:"tvl,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// LowBalanceEvent flags a vault whose available balance fell under threshold.
type LowBalanceEvent struct {
	VaultID   uuid.UUID `json:"vault_id"`
	Available string    `json:"available"`
	Threshold string    `json:"threshold"`
	Timestamp time.Time `json:"timestamp"`
}

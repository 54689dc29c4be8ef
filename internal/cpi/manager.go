// Package cpi drives the lock and unlock flows routed through the position
// manager program, and owns the lock state machine. Balance effects of
// confirmed transitions are folded by the balance tracker; this package
// decides which transition applies.
package cpi

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/custodix/vaultcore/internal/ledger"
	"github.com/custodix/vaultcore/internal/model"
	"github.com/custodix/vaultcore/internal/store"
	"github.com/custodix/vaultcore/internal/txbuilder"
	"github.com/custodix/vaultcore/pkg/retry"
)

// Applier is the tracker surface the manager needs to fold confirmed
// effects and advance lock state.
type Applier interface {
	ApplyTransaction(ctx context.Context, txID uuid.UUID) error
	ApplyLockTransition(ctx context.Context, lockID uuid.UUID, to model.LockState) error
}

// Config holds manager tunables.
type Config struct {
	ConfirmationTimeout time.Duration
	SweepInterval       time.Duration
	Retry               retry.Policy
}

// Manager orchestrates lock and unlock submissions and their settlement.
type Manager struct {
	store   store.Store
	builder *txbuilder.Builder
	gateway ledger.Gateway
	applier Applier
	cfg     Config
	logger  *zap.Logger
}

// NewManager creates a Manager.
func NewManager(st store.Store, b *txbuilder.Builder, gw ledger.Gateway, applier Applier, cfg Config, logger *zap.Logger) *Manager {
	if cfg.ConfirmationTimeout == 0 {
		cfg.ConfirmationTimeout = 60 * time.Second
	}
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = 10 * time.Second
	}
	return &Manager{store: st, builder: b, gateway: gw, applier: applier, cfg: cfg, logger: logger}
}

// Lock builds, persists, and submits a lock intent. A retry carrying the
// same hint maps to the same idempotency key and returns the prior lock
// instead of creating a new one.
func (m *Manager) Lock(ctx context.Context, vaultID uuid.UUID, amount decimal.Decimal, hint string) (*model.Lock, error) {
	built, err := m.builder.Build(ctx, vaultID, model.TxLock, amount, hint)
	if err != nil {
		return nil, err
	}

	if prior, err := m.store.GetTransactionByKey(ctx, built.Record.IdempotencyKey); err == nil && prior.Status != model.TxFailed {
		return m.lockForTx(ctx, prior)
	}

	lock := &model.Lock{
		ID:        uuid.New(),
		VaultID:   vaultID,
		Amount:    amount,
		State:     model.LockRequested,
		LockTxID:  built.Record.ID,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	txAudit := model.NewAudit("cpi-manager", "lock_transaction_created", built.Record.ID, "", string(model.TxPending))
	if err := m.store.CreateTransaction(ctx, built.Record, txAudit); err != nil {
		return nil, fmt.Errorf("persist lock transaction: %w", err)
	}
	lockAudit := model.NewAudit("cpi-manager", "lock_created", lock.ID, "", string(model.LockRequested))
	if err := m.store.CreateLock(ctx, lock, lockAudit); err != nil {
		return nil, fmt.Errorf("persist lock: %w", err)
	}
	if err := m.bumpNonce(ctx, vaultID); err != nil {
		return nil, err
	}

	if err := m.submit(ctx, built.Record, built.Unsigned); err != nil {
		if terr := m.applier.ApplyLockTransition(ctx, lock.ID, model.LockFailed); terr != nil {
			m.logger.Error("failed to mark lock failed", zap.String("lock", lock.ID.String()), zap.Error(terr))
		}
		return nil, err
	}
	if err := m.applier.ApplyLockTransition(ctx, lock.ID, model.LockSubmitted); err != nil {
		return nil, err
	}
	return m.store.GetLock(ctx, lock.ID)
}

// Unlock builds and submits the unlock for an existing lock. Only a lock
// in the Locked state can start unlocking; a second unlock attempt while
// one is in flight fails with ErrAlreadyUnlocking.
func (m *Manager) Unlock(ctx context.Context, lockID uuid.UUID, hint string) (*model.Lock, error) {
	lock, err := m.store.GetLock(ctx, lockID)
	if errors.Is(err, model.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", model.ErrUnknownLock, lockID)
	}
	if err != nil {
		return nil, err
	}
	switch lock.State {
	case model.LockUnlockSubmitted:
		return nil, fmt.Errorf("%w: lock %s", model.ErrAlreadyUnlocking, lockID)
	case model.LockLocked:
	default:
		return nil, fmt.Errorf("lock %s is %s, cannot unlock", lockID, lock.State)
	}

	built, err := m.builder.Build(ctx, lock.VaultID, model.TxUnlock, lock.Amount, hint)
	if err != nil {
		return nil, err
	}
	if prior, err := m.store.GetTransactionByKey(ctx, built.Record.IdempotencyKey); err == nil && prior.Status != model.TxFailed {
		return m.store.GetLock(ctx, lockID)
	}

	txAudit := model.NewAudit("cpi-manager", "unlock_transaction_created", built.Record.ID, "", string(model.TxPending))
	if err := m.store.CreateTransaction(ctx, built.Record, txAudit); err != nil {
		return nil, fmt.Errorf("persist unlock transaction: %w", err)
	}
	lock.UnlockTxID = &built.Record.ID
	lock.UpdatedAt = time.Now().UTC()
	linkAudit := model.NewAudit("cpi-manager", "unlock_linked", lock.ID, string(lock.State), string(lock.State))
	if err := m.store.UpdateLock(ctx, lock, linkAudit); err != nil {
		return nil, fmt.Errorf("link unlock transaction: %w", err)
	}
	if err := m.bumpNonce(ctx, lock.VaultID); err != nil {
		return nil, err
	}

	if err := m.submit(ctx, built.Record, built.Unsigned); err != nil {
		// Funds stay locked; the caller can retry the unlock.
		return nil, err
	}
	if err := m.applier.ApplyLockTransition(ctx, lock.ID, model.LockUnlockSubmitted); err != nil {
		return nil, err
	}
	return m.store.GetLock(ctx, lock.ID)
}

// bumpNonce advances the vault nonce once the intent record is durable,
// so the next same-amount intent with the same hint derives a fresh
// idempotency key instead of colliding with this one.
func (m *Manager) bumpNonce(ctx context.Context, vaultID uuid.UUID) error {
	const nonceRetries = 5
	for attempt := 0; ; attempt++ {
		vault, err := m.store.GetVault(ctx, vaultID)
		if err != nil {
			return err
		}
		vault.Nonce++
		err = m.store.UpdateVault(ctx, vault)
		if errors.Is(err, model.ErrVersionConflict) && attempt < nonceRetries {
			continue
		}
		if err != nil {
			return fmt.Errorf("advance nonce: %w", err)
		}
		return nil
	}
}

// submit sends the unsigned transaction with retry on transient failures
// and advances the record to submitted or failed.
func (m *Manager) submit(ctx context.Context, record *model.Transaction, unsigned *ledger.UnsignedTransaction) error {
	var sig string
	err := m.cfg.Retry.Do(ctx, func() error {
		var serr error
		sig, serr = m.gateway.Submit(ctx, unsigned)
		return serr
	}, ledger.Retryable)
	now := time.Now().UTC()
	if err != nil {
		record.Status = model.TxFailed
		record.FailedAt = &now
		audit := model.NewAudit("cpi-manager", "submission_failed", record.ID, string(model.TxPending), string(model.TxFailed))
		if uerr := m.store.UpdateTransaction(ctx, record, audit); uerr != nil {
			m.logger.Error("failed to mark transaction failed", zap.String("tx", record.ID.String()), zap.Error(uerr))
		}
		return fmt.Errorf("%w: %v", model.ErrSubmissionFailed, err)
	}
	record.Status = model.TxSubmitted
	record.Signature = sig
	record.SubmittedAt = &now
	audit := model.NewAudit("cpi-manager", "submitted", record.ID, string(model.TxPending), string(model.TxSubmitted))
	if err := m.store.UpdateTransaction(ctx, record, audit); err != nil {
		return fmt.Errorf("record submission: %w", err)
	}
	return nil
}

// OnConfirmed settles a confirmed transaction located by signature.
func (m *Manager) OnConfirmed(ctx context.Context, signature string) error {
	tx, err := m.store.GetTransactionBySignature(ctx, signature)
	if err != nil {
		return fmt.Errorf("load transaction by signature: %w", err)
	}
	return m.SettleTransaction(ctx, tx)
}

// SettleTransaction folds a confirmed transaction and, for lock and unlock
// kinds, advances the owning lock's state machine. Idempotent.
func (m *Manager) SettleTransaction(ctx context.Context, tx *model.Transaction) error {
	if err := m.applier.ApplyTransaction(ctx, tx.ID); err != nil {
		return err
	}
	if tx.Kind == model.TxLock || tx.Kind == model.TxUnlock {
		return m.advanceLock(ctx, tx)
	}
	return nil
}

func (m *Manager) advanceLock(ctx context.Context, tx *model.Transaction) error {
	lock, err := m.lockForTx(ctx, tx)
	if err != nil {
		return err
	}
	switch tx.Kind {
	case model.TxLock:
		return m.applier.ApplyLockTransition(ctx, lock.ID, model.LockLocked)
	case model.TxUnlock:
		return m.applier.ApplyLockTransition(ctx, lock.ID, model.LockUnlocked)
	}
	return nil
}

// lockForTx finds the lock a lock or unlock transaction belongs to.
func (m *Manager) lockForTx(ctx context.Context, tx *model.Transaction) (*model.Lock, error) {
	states := []model.LockState{
		model.LockRequested, model.LockSubmitted, model.LockLocked,
		model.LockUnlockSubmitted, model.LockUnlocked,
	}
	for _, state := range states {
		locks, err := m.store.ListLocksByState(ctx, state)
		if err != nil {
			return nil, err
		}
		for _, l := range locks {
			if l.LockTxID == tx.ID {
				return l, nil
			}
			if l.UnlockTxID != nil && *l.UnlockTxID == tx.ID {
				return l, nil
			}
		}
	}
	return nil, fmt.Errorf("%w: no lock for transaction %s", model.ErrUnknownLock, tx.ID)
}

// SweepTimeouts re-queries the ledger for submitted transactions that
// outlived the confirmation window. Confirmed ones settle, failed ones
// roll the state machine back, and unknown ones are resubmitted with the
// same memo so the ledger deduplicates. Still-pending submissions wait.
func (m *Manager) SweepTimeouts(ctx context.Context) error {
	txs, err := m.store.ListTransactionsByStatus(ctx, model.TxSubmitted)
	if err != nil {
		return fmt.Errorf("list submitted: %w", err)
	}
	cutoff := time.Now().UTC().Add(-m.cfg.ConfirmationTimeout)
	for _, tx := range txs {
		if tx.SubmittedAt == nil || tx.SubmittedAt.After(cutoff) {
			continue
		}
		if err := m.resolve(ctx, tx); err != nil {
			m.logger.Warn("timeout resolution failed",
				zap.String("tx", tx.ID.String()),
				zap.String("signature", tx.Signature),
				zap.Error(err))
		}
	}
	return nil
}

func (m *Manager) resolve(ctx context.Context, tx *model.Transaction) error {
	status, err := m.gateway.Status(ctx, tx.Signature)
	if err != nil {
		return fmt.Errorf("query status: %w", err)
	}
	switch status {
	case ledger.StatusConfirmed:
		return m.SettleTransaction(ctx, tx)
	case ledger.StatusFailed:
		return m.fail(ctx, tx)
	case ledger.StatusUnknown:
		return m.resubmit(ctx, tx)
	default:
		return nil
	}
}

func (m *Manager) fail(ctx context.Context, tx *model.Transaction) error {
	now := time.Now().UTC()
	tx.Status = model.TxFailed
	tx.FailedAt = &now
	audit := model.NewAudit("cpi-manager", "confirmation_failed", tx.ID, string(model.TxSubmitted), string(model.TxFailed))
	if err := m.store.UpdateTransaction(ctx, tx, audit); err != nil {
		return err
	}
	if tx.Kind != model.TxLock && tx.Kind != model.TxUnlock {
		return nil
	}
	lock, err := m.lockForTx(ctx, tx)
	if err != nil {
		return err
	}
	if tx.Kind == model.TxLock {
		return m.applier.ApplyLockTransition(ctx, lock.ID, model.LockFailed)
	}
	// A failed unlock leaves the funds locked.
	return m.applier.ApplyLockTransition(ctx, lock.ID, model.LockLocked)
}

// resubmit re-sends a transaction the ledger has no record of. The memo is
// unchanged, so a submission that actually landed is a no-op.
func (m *Manager) resubmit(ctx context.Context, tx *model.Transaction) error {
	if tx.RetryCount >= m.cfg.Retry.MaxRetries {
		return m.fail(ctx, tx)
	}
	unsigned, err := m.builder.Rebuild(ctx, tx)
	if err != nil {
		return err
	}
	sig, err := m.gateway.Submit(ctx, unsigned)
	if err != nil {
		if ledger.Retryable(err) {
			return nil // next sweep tries again
		}
		return m.fail(ctx, tx)
	}
	now := time.Now().UTC()
	tx.Signature = sig
	tx.RetryCount++
	tx.SubmittedAt = &now
	audit := model.NewAudit("cpi-manager", "resubmitted", tx.ID, string(model.TxSubmitted), string(model.TxSubmitted))
	return m.store.UpdateTransaction(ctx, tx, audit)
}

// Run sweeps timed-out submissions on an interval until ctx is done.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := m.SweepTimeouts(ctx); err != nil {
				m.logger.Warn("timeout sweep failed", zap.Error(err))
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

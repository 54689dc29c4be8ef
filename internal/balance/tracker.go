// Package balance maintains derived balance views from confirmed
// transaction and lock effects. The tracker is the only component that
// mutates a vault's balance columns or derives available balance; it never
// decides whether something is confirmed, it only folds confirmed effects.
package balance

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/custodix/vaultcore/internal/ledger"
	"github.com/custodix/vaultcore/internal/model"
	"github.com/custodix/vaultcore/internal/store"
	"github.com/custodix/vaultcore/pkg/messaging"
)

const applyRetries = 5

// SnapshotRecorder mirrors balance snapshots to a time-series backend.
type SnapshotRecorder interface {
	Record(ctx context.Context, s *model.BalanceSnapshot) error
}

// Cache is a read-through cache for derived balances.
type Cache interface {
	Get(ctx context.Context, vaultID uuid.UUID) (model.Balances, bool)
	Set(ctx context.Context, vaultID uuid.UUID, b model.Balances)
	Invalidate(ctx context.Context, vaultID uuid.UUID)
}

// Config holds tracker tunables.
type Config struct {
	ProgramID           string
	LowBalanceThreshold decimal.Decimal
}

// Tracker folds confirmed effects into vault balances and serves reads.
type Tracker struct {
	store    store.Store
	gateway  ledger.Gateway
	bus      messaging.Publisher
	recorder SnapshotRecorder
	cache    Cache
	cfg      Config
	logger   *zap.Logger

	mu     sync.Mutex
	vaults map[uuid.UUID]*sync.Mutex
}

// NewTracker creates a tracker. recorder and cache may be nil.
func NewTracker(st store.Store, gw ledger.Gateway, bus messaging.Publisher, recorder SnapshotRecorder, cache Cache, cfg Config, logger *zap.Logger) *Tracker {
	return &Tracker{
		store:    st,
		gateway:  gw,
		bus:      bus,
		recorder: recorder,
		cache:    cache,
		cfg:      cfg,
		logger:   logger,
		vaults:   make(map[uuid.UUID]*sync.Mutex),
	}
}

// vaultMutex returns the per-vault exclusive section. Operations on
// different vaults proceed in parallel; same-vault read-modify-write of
// balance state is serialized here.
func (t *Tracker) vaultMutex(vaultID uuid.UUID) *sync.Mutex {
	t.mu.Lock()
	defer t.mu.Unlock()
	mu, ok := t.vaults[vaultID]
	if !ok {
		mu = &sync.Mutex{}
		t.vaults[vaultID] = mu
	}
	return mu
}

// GetBalance returns the derived view from the latest confirmed state.
func (t *Tracker) GetBalance(ctx context.Context, vaultID uuid.UUID) (model.Balances, error) {
	if t.cache != nil {
		if b, ok := t.cache.Get(ctx, vaultID); ok {
			return b, nil
		}
	}
	vault, err := t.store.GetVault(ctx, vaultID)
	if errors.Is(err, model.ErrNotFound) {
		return model.Balances{}, fmt.Errorf("%w: %s", model.ErrUnknownVault, vaultID)
	}
	if err != nil {
		return model.Balances{}, err
	}
	b := derive(vault)
	if t.cache != nil {
		t.cache.Set(ctx, vaultID, b)
	}
	return b, nil
}

// lockDelta is the locked-balance adjustment a transition carries. Funds
// move only when a lock first becomes held or first releases; a rollback
// from UnlockSubmitted back to Locked leaves the held amount in place.
func lockDelta(from, to model.LockState, amount decimal.Decimal) decimal.Decimal {
	switch {
	case to == model.LockLocked &&
		(from == model.LockRequested || from == model.LockSubmitted):
		return amount
	case to == model.LockUnlocked &&
		(from == model.LockLocked || from == model.LockUnlockSubmitted):
		return amount.Neg()
	}
	return decimal.Zero
}

func derive(v *model.Vault) model.Balances {
	return model.Balances{
		Total:     v.TotalBalance,
		Locked:    v.LockedBalance,
		Available: v.TotalBalance.Sub(v.LockedBalance),
	}
}

// ApplyTransaction folds a confirmed transaction into its vault. It is
// idempotent: a transaction already confirmed is a no-op. Version
// conflicts retry the local application only.
func (t *Tracker) ApplyTransaction(ctx context.Context, txID uuid.UUID) error {
	tx, err := t.store.GetTransaction(ctx, txID)
	if err != nil {
		return fmt.Errorf("load transaction: %w", err)
	}

	mu := t.vaultMutex(tx.VaultID)
	mu.Lock()
	defer mu.Unlock()

	// Re-read under the lock; another path may have applied it already.
	tx, err = t.store.GetTransaction(ctx, txID)
	if err != nil {
		return fmt.Errorf("load transaction: %w", err)
	}
	if tx.Status == model.TxConfirmed {
		return nil
	}

	for attempt := 0; ; attempt++ {
		vault, err := t.store.GetVault(ctx, tx.VaultID)
		if err != nil {
			return fmt.Errorf("load vault: %w", err)
		}

		before := string(tx.Status)
		switch tx.Kind {
		case model.TxDeposit:
			vault.TotalBalance = vault.TotalBalance.Add(tx.Amount)
		case model.TxWithdraw:
			vault.TotalBalance = vault.TotalBalance.Sub(tx.Amount)
		}
		now := time.Now().UTC()
		tx.Status = model.TxConfirmed
		tx.ConfirmedAt = &now

		audit := model.NewAudit("balance-tracker", "transaction_confirmed", tx.ID,
			before, string(model.TxConfirmed))
		err = t.store.UpdateVaultAndTransaction(ctx, vault, tx, audit)
		if errors.Is(err, model.ErrVersionConflict) && attempt < applyRetries {
			tx.Status = model.TxSubmitted
			tx.ConfirmedAt = nil
			continue
		}
		if err != nil {
			return fmt.Errorf("apply transaction %s: %w", tx.ID, err)
		}
		t.afterMutation(ctx, vault)
		t.publishConfirmed(ctx, tx)
		return nil
	}
}

// ApplyLockTransition advances a lock and, on the first entry into Locked
// or Unlocked, adjusts the vault's locked balance. Idempotent on the
// target state; a lock already in a terminal state absorbs re-delivered
// confirmations without effect.
func (t *Tracker) ApplyLockTransition(ctx context.Context, lockID uuid.UUID, to model.LockState) error {
	lock, err := t.store.GetLock(ctx, lockID)
	if err != nil {
		return fmt.Errorf("load lock: %w", err)
	}

	mu := t.vaultMutex(lock.VaultID)
	mu.Lock()
	defer mu.Unlock()

	lock, err = t.store.GetLock(ctx, lockID)
	if err != nil {
		return fmt.Errorf("load lock: %w", err)
	}
	if lock.State == to {
		return nil
	}
	if lock.State.Terminal() {
		t.logger.Debug("transition out of terminal lock state ignored",
			zap.String("lock", lock.ID.String()),
			zap.String("state", string(lock.State)),
			zap.String("to", string(to)))
		return nil
	}

	from := lock.State
	delta := lockDelta(from, to, lock.Amount)
	for attempt := 0; ; attempt++ {
		vault, err := t.store.GetVault(ctx, lock.VaultID)
		if err != nil {
			return fmt.Errorf("load vault: %w", err)
		}

		vault.LockedBalance = vault.LockedBalance.Add(delta)
		lock.State = to
		lock.UpdatedAt = time.Now().UTC()

		audit := model.NewAudit("balance-tracker", "lock_transition", lock.ID,
			string(from), string(to))

		if !delta.IsZero() {
			err = t.store.UpdateVaultAndLock(ctx, vault, lock, audit)
		} else {
			err = t.store.UpdateLock(ctx, lock, audit)
		}
		if errors.Is(err, model.ErrVersionConflict) && attempt < applyRetries {
			lock.State = from
			continue
		}
		if err != nil {
			return fmt.Errorf("apply lock transition %s: %w", lock.ID, err)
		}

		t.afterMutation(ctx, vault)
		t.publish(ctx, messaging.EventTypeLockStateChanged, messaging.LockStateChangedEvent{
			LockID:    lock.ID,
			VaultID:   lock.VaultID,
			Amount:    lock.Amount.String(),
			From:      string(from),
			To:        string(to),
			Timestamp: time.Now().UTC(),
		})
		return nil
	}
}

// Snapshot pairs the locally derived balance with a fresh ledger read.
// This is the single point where local and remote values meet for one read.
func (t *Tracker) Snapshot(ctx context.Context, vaultID uuid.UUID) (*model.BalanceSnapshot, error) {
	vault, err := t.store.GetVault(ctx, vaultID)
	if errors.Is(err, model.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", model.ErrUnknownVault, vaultID)
	}
	if err != nil {
		return nil, err
	}

	account := ledger.DeriveVaultAddress(vault.Owner, t.cfg.ProgramID)
	remote, err := t.gateway.VaultState(ctx, account)
	if err != nil {
		return nil, fmt.Errorf("ledger vault state for %s: %w", account, err)
	}

	snap := &model.BalanceSnapshot{
		ID:            uuid.New(),
		VaultID:       vaultID,
		LocalBalance:  vault.TotalBalance,
		LedgerBalance: remote.Total,
		CapturedAt:    time.Now().UTC(),
	}
	if err := t.store.CreateSnapshot(ctx, snap); err != nil {
		return nil, fmt.Errorf("persist snapshot: %w", err)
	}
	if t.recorder != nil {
		if err := t.recorder.Record(ctx, snap); err != nil {
			t.logger.Warn("snapshot recorder failed", zap.String("vault", vaultID.String()), zap.Error(err))
		}
	}
	t.publish(ctx, messaging.EventTypeSnapshotTaken, messaging.SnapshotTakenEvent{
		VaultID:       vaultID,
		LocalBalance:  snap.LocalBalance.String(),
		LedgerBalance: snap.LedgerBalance.String(),
		Timestamp:     snap.CapturedAt,
	})
	return snap, nil
}

// IsLowBalance reports whether available balance is under threshold.
func (t *Tracker) IsLowBalance(ctx context.Context, vaultID uuid.UUID, threshold decimal.Decimal) (bool, error) {
	b, err := t.GetBalance(ctx, vaultID)
	if err != nil {
		return false, err
	}
	return b.Available.LessThan(threshold), nil
}

// TotalValueLocked sums total balances across all vaults.
func (t *Tracker) TotalValueLocked(ctx context.Context) (decimal.Decimal, error) {
	vaults, err := t.store.ListVaults(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	tvl := decimal.Zero
	for _, v := range vaults {
		tvl = tvl.Add(v.TotalBalance)
	}
	return tvl, nil
}

func (t *Tracker) afterMutation(ctx context.Context, vault *model.Vault) {
	if t.cache != nil {
		t.cache.Invalidate(ctx, vault.ID)
	}
	b := derive(vault)
	t.publish(ctx, messaging.EventTypeBalanceUpdated, messaging.BalanceUpdatedEvent{
		VaultID:   vault.ID,
		Total:     b.Total.String(),
		Locked:    b.Locked.String(),
		Available: b.Available.String(),
		Timestamp: time.Now().UTC(),
	})
	if !t.cfg.LowBalanceThreshold.IsZero() && b.Available.LessThan(t.cfg.LowBalanceThreshold) {
		t.publish(ctx, messaging.EventTypeLowBalance, messaging.LowBalanceEvent{
			VaultID:   vault.ID,
			Available: b.Available.String(),
			Threshold: t.cfg.LowBalanceThreshold.String(),
			Timestamp: time.Now().UTC(),
		})
	}
}

func (t *Tracker) publishConfirmed(ctx context.Context, tx *model.Transaction) {
	t.publish(ctx, messaging.EventTypeTransactionConfirmed, messaging.TransactionConfirmedEvent{
		TransactionID: tx.ID,
		VaultID:       tx.VaultID,
		Kind:          string(tx.Kind),
		Amount:        tx.Amount.String(),
		Signature:     tx.Signature,
		Timestamp:     time.Now().UTC(),
	})
}

func (t *Tracker) publish(ctx context.Context, subject string, payload interface{}) {
	if t.bus == nil {
		return
	}
	if err := t.bus.Publish(ctx, subject, payload); err != nil {
		t.logger.Warn("event publish failed", zap.String("subject", subject), zap.Error(err))
	}
}

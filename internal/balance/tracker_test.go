package balance

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/custodix/vaultcore/internal/ledger"
	"github.com/custodix/vaultcore/internal/model"
	"github.com/custodix/vaultcore/internal/store"
	"github.com/custodix/vaultcore/pkg/messaging"
)

const testProgram = "vault-program"

type fixture struct {
	store   *store.Memory
	sim     *ledger.Simulator
	bus     *messaging.MemoryBus
	tracker *Tracker
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	if cfg.ProgramID == "" {
		cfg.ProgramID = testProgram
	}
	f := &fixture{
		store: store.NewMemory(),
		sim:   ledger.NewSimulator(),
		bus:   messaging.NewMemoryBus(),
	}
	f.tracker = NewTracker(f.store, f.sim, f.bus, nil, nil, cfg, zap.NewNop())
	return f
}

func (f *fixture) seedVault(t *testing.T, total, locked int64) *model.Vault {
	t.Helper()
	v := &model.Vault{
		ID:            uuid.New(),
		Owner:         "owner-" + uuid.NewString()[:8],
		TotalBalance:  decimal.NewFromInt(total),
		LockedBalance: decimal.NewFromInt(locked),
		CreatedAt:     time.Now().UTC(),
	}
	require.NoError(t, f.store.CreateVault(context.Background(), v))
	return v
}

func (f *fixture) seedTx(t *testing.T, vaultID uuid.UUID, kind model.TxKind, amount int64) *model.Transaction {
	t.Helper()
	tx := &model.Transaction{
		ID:        uuid.New(),
		VaultID:   vaultID,
		Kind:      kind,
		Amount:    decimal.NewFromInt(amount),
		Status:    model.TxSubmitted,
		Signature: "sig-" + uuid.NewString()[:8],
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, f.store.CreateTransaction(context.Background(), tx, nil))
	return tx
}

func TestGetBalanceDerivesAvailable(t *testing.T) {
	f := newFixture(t, Config{})
	v := f.seedVault(t, 100, 30)

	b, err := f.tracker.GetBalance(context.Background(), v.ID)
	require.NoError(t, err)
	assert.True(t, b.Total.Equal(decimal.NewFromInt(100)))
	assert.True(t, b.Locked.Equal(decimal.NewFromInt(30)))
	assert.True(t, b.Available.Equal(decimal.NewFromInt(70)))

	_, err = f.tracker.GetBalance(context.Background(), uuid.New())
	assert.ErrorIs(t, err, model.ErrUnknownVault)
}

func TestApplyTransaction(t *testing.T) {
	ctx := context.Background()

	t.Run("deposit raises total once", func(t *testing.T) {
		f := newFixture(t, Config{})
		v := f.seedVault(t, 100, 0)
		tx := f.seedTx(t, v.ID, model.TxDeposit, 40)

		require.NoError(t, f.tracker.ApplyTransaction(ctx, tx.ID))
		require.NoError(t, f.tracker.ApplyTransaction(ctx, tx.ID)) // duplicate

		b, err := f.tracker.GetBalance(ctx, v.ID)
		require.NoError(t, err)
		assert.True(t, b.Total.Equal(decimal.NewFromInt(140)))

		got, err := f.store.GetTransaction(ctx, tx.ID)
		require.NoError(t, err)
		assert.Equal(t, model.TxConfirmed, got.Status)
		assert.NotNil(t, got.ConfirmedAt)

		confirmed := f.bus.BySubject(messaging.EventTypeTransactionConfirmed)
		assert.Len(t, confirmed, 1, "duplicate apply must not publish twice")
	})

	t.Run("withdraw lowers total", func(t *testing.T) {
		f := newFixture(t, Config{})
		v := f.seedVault(t, 100, 0)
		tx := f.seedTx(t, v.ID, model.TxWithdraw, 25)

		require.NoError(t, f.tracker.ApplyTransaction(ctx, tx.ID))

		b, err := f.tracker.GetBalance(ctx, v.ID)
		require.NoError(t, err)
		assert.True(t, b.Total.Equal(decimal.NewFromInt(75)))
	})

	t.Run("lock kind leaves total untouched", func(t *testing.T) {
		f := newFixture(t, Config{})
		v := f.seedVault(t, 100, 0)
		tx := f.seedTx(t, v.ID, model.TxLock, 25)

		require.NoError(t, f.tracker.ApplyTransaction(ctx, tx.ID))

		b, err := f.tracker.GetBalance(ctx, v.ID)
		require.NoError(t, err)
		assert.True(t, b.Total.Equal(decimal.NewFromInt(100)))

		got, err := f.store.GetTransaction(ctx, tx.ID)
		require.NoError(t, err)
		assert.Equal(t, model.TxConfirmed, got.Status)
	})

	t.Run("writes an audit entry", func(t *testing.T) {
		f := newFixture(t, Config{})
		v := f.seedVault(t, 0, 0)
		tx := f.seedTx(t, v.ID, model.TxDeposit, 5)

		require.NoError(t, f.tracker.ApplyTransaction(ctx, tx.ID))

		trail, err := f.store.ListAudit(ctx, tx.ID)
		require.NoError(t, err)
		require.Len(t, trail, 1)
		assert.Equal(t, "transaction_confirmed", trail[0].Action)
	})
}

func TestApplyLockTransition(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})
	v := f.seedVault(t, 100, 0)

	lock := &model.Lock{
		ID:        uuid.New(),
		VaultID:   v.ID,
		Amount:    decimal.NewFromInt(30),
		State:     model.LockRequested,
		LockTxID:  uuid.New(),
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	require.NoError(t, f.store.CreateLock(ctx, lock, nil))

	require.NoError(t, f.tracker.ApplyLockTransition(ctx, lock.ID, model.LockSubmitted))
	b, err := f.tracker.GetBalance(ctx, v.ID)
	require.NoError(t, err)
	assert.True(t, b.Locked.IsZero(), "submission alone must not lock funds")

	require.NoError(t, f.tracker.ApplyLockTransition(ctx, lock.ID, model.LockLocked))
	require.NoError(t, f.tracker.ApplyLockTransition(ctx, lock.ID, model.LockLocked)) // duplicate
	b, err = f.tracker.GetBalance(ctx, v.ID)
	require.NoError(t, err)
	assert.True(t, b.Locked.Equal(decimal.NewFromInt(30)))
	assert.True(t, b.Available.Equal(decimal.NewFromInt(70)))

	require.NoError(t, f.tracker.ApplyLockTransition(ctx, lock.ID, model.LockUnlockSubmitted))
	require.NoError(t, f.tracker.ApplyLockTransition(ctx, lock.ID, model.LockUnlocked))
	b, err = f.tracker.GetBalance(ctx, v.ID)
	require.NoError(t, err)
	assert.True(t, b.Locked.IsZero())
	assert.True(t, b.Available.Equal(decimal.NewFromInt(100)))

	changes := f.bus.BySubject(messaging.EventTypeLockStateChanged)
	assert.Len(t, changes, 4)
}

func TestApplyLockTransitionTerminalAbsorbsReplay(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})
	v := f.seedVault(t, 100, 0)

	lock := &model.Lock{
		ID:        uuid.New(),
		VaultID:   v.ID,
		Amount:    decimal.NewFromInt(30),
		State:     model.LockSubmitted,
		LockTxID:  uuid.New(),
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	require.NoError(t, f.store.CreateLock(ctx, lock, nil))

	require.NoError(t, f.tracker.ApplyLockTransition(ctx, lock.ID, model.LockLocked))
	require.NoError(t, f.tracker.ApplyLockTransition(ctx, lock.ID, model.LockUnlockSubmitted))
	require.NoError(t, f.tracker.ApplyLockTransition(ctx, lock.ID, model.LockUnlocked))

	// A re-delivered lock confirmation must not resurrect the lock or
	// re-hold the released funds.
	require.NoError(t, f.tracker.ApplyLockTransition(ctx, lock.ID, model.LockLocked))

	got, err := f.store.GetLock(ctx, lock.ID)
	require.NoError(t, err)
	assert.Equal(t, model.LockUnlocked, got.State)

	b, err := f.tracker.GetBalance(ctx, v.ID)
	require.NoError(t, err)
	assert.True(t, b.Locked.IsZero())
	assert.True(t, b.Available.Equal(decimal.NewFromInt(100)))
}

func TestApplyLockTransitionRollbackKeepsHeldAmount(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})
	v := f.seedVault(t, 100, 0)

	lock := &model.Lock{
		ID:        uuid.New(),
		VaultID:   v.ID,
		Amount:    decimal.NewFromInt(30),
		State:     model.LockSubmitted,
		LockTxID:  uuid.New(),
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	require.NoError(t, f.store.CreateLock(ctx, lock, nil))

	require.NoError(t, f.tracker.ApplyLockTransition(ctx, lock.ID, model.LockLocked))
	require.NoError(t, f.tracker.ApplyLockTransition(ctx, lock.ID, model.LockUnlockSubmitted))

	// A rejected unlock rolls back to Locked; the held amount must not
	// be added a second time.
	require.NoError(t, f.tracker.ApplyLockTransition(ctx, lock.ID, model.LockLocked))

	b, err := f.tracker.GetBalance(ctx, v.ID)
	require.NoError(t, err)
	assert.True(t, b.Locked.Equal(decimal.NewFromInt(30)))
	assert.True(t, b.Available.Equal(decimal.NewFromInt(70)))
}

func TestLowBalanceAlert(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{LowBalanceThreshold: decimal.NewFromInt(50)})
	v := f.seedVault(t, 60, 0)
	tx := f.seedTx(t, v.ID, model.TxWithdraw, 20)

	require.NoError(t, f.tracker.ApplyTransaction(ctx, tx.ID))

	alerts := f.bus.BySubject(messaging.EventTypeLowBalance)
	require.Len(t, alerts, 1)
	payload := alerts[0].Data.(messaging.LowBalanceEvent)
	assert.Equal(t, "40", payload.Available)

	low, err := f.tracker.IsLowBalance(ctx, v.ID, decimal.NewFromInt(50))
	require.NoError(t, err)
	assert.True(t, low)
}

func TestSnapshotPairsLocalAndLedger(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})
	v := f.seedVault(t, 100, 0)

	account := ledger.DeriveVaultAddress(v.Owner, testProgram)
	f.sim.SetBalance(account, decimal.NewFromInt(97))

	snap, err := f.tracker.Snapshot(ctx, v.ID)
	require.NoError(t, err)
	assert.True(t, snap.LocalBalance.Equal(decimal.NewFromInt(100)))
	assert.True(t, snap.LedgerBalance.Equal(decimal.NewFromInt(97)))
	assert.True(t, snap.Delta().Equal(decimal.NewFromInt(-3)))

	stored, err := f.store.ListSnapshots(ctx, v.ID, 10)
	require.NoError(t, err)
	assert.Len(t, stored, 1)

	taken := f.bus.BySubject(messaging.EventTypeSnapshotTaken)
	assert.Len(t, taken, 1)
}

func TestTotalValueLocked(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})
	f.seedVault(t, 100, 10)
	f.seedVault(t, 250, 0)

	tvl, err := f.tracker.TotalValueLocked(ctx)
	require.NoError(t, err)
	assert.True(t, tvl.Equal(decimal.NewFromInt(350)))
}

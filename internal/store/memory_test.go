package store

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/custodix/vaultcore/internal/model"
)

func newVault(t *testing.T, m *Memory) *model.Vault {
	t.Helper()
	v := &model.Vault{
		ID:        uuid.New(),
		Owner:     "owner-" + uuid.NewString()[:8],
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, m.CreateVault(context.Background(), v))
	return v
}

func TestVaultVersionCheck(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	v := newVault(t, m)

	stale, err := m.GetVault(ctx, v.ID)
	require.NoError(t, err)

	v.TotalBalance = decimal.NewFromInt(100)
	require.NoError(t, m.UpdateVault(ctx, v))
	assert.Equal(t, 1, v.Version)

	stale.TotalBalance = decimal.NewFromInt(999)
	err = m.UpdateVault(ctx, stale)
	assert.ErrorIs(t, err, model.ErrVersionConflict)

	cur, err := m.GetVault(ctx, v.ID)
	require.NoError(t, err)
	assert.True(t, cur.TotalBalance.Equal(decimal.NewFromInt(100)))
}

func TestTransactionLookups(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	v := newVault(t, m)

	tx := &model.Transaction{
		ID:             uuid.New(),
		VaultID:        v.ID,
		Kind:           model.TxDeposit,
		Amount:         decimal.NewFromInt(10),
		Status:         model.TxSubmitted,
		IdempotencyKey: "key-1",
		Signature:      "sig-1",
		CreatedAt:      time.Now().UTC(),
	}
	require.NoError(t, m.CreateTransaction(ctx, tx, nil))

	byKey, err := m.GetTransactionByKey(ctx, "key-1")
	require.NoError(t, err)
	assert.Equal(t, tx.ID, byKey.ID)

	bySig, err := m.GetTransactionBySignature(ctx, "sig-1")
	require.NoError(t, err)
	assert.Equal(t, tx.ID, bySig.ID)

	_, err = m.GetTransactionBySignature(ctx, "")
	assert.ErrorIs(t, err, model.ErrNotFound)

	byStatus, err := m.ListTransactionsByStatus(ctx, model.TxSubmitted)
	require.NoError(t, err)
	assert.Len(t, byStatus, 1)
}

func TestTransactionPagination(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	v := newVault(t, m)

	for i := 0; i < 5; i++ {
		tx := &model.Transaction{
			ID:        uuid.New(),
			VaultID:   v.ID,
			Kind:      model.TxDeposit,
			Amount:    decimal.NewFromInt(int64(i + 1)),
			Status:    model.TxConfirmed,
			CreatedAt: time.Now().UTC(),
		}
		require.NoError(t, m.CreateTransaction(ctx, tx, nil))
	}

	page, err := m.ListTransactions(ctx, v.ID, 2, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.True(t, page[0].Amount.Equal(decimal.NewFromInt(3)))
	assert.True(t, page[1].Amount.Equal(decimal.NewFromInt(4)))
}

func TestAtomicVaultAndTransaction(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	v := newVault(t, m)

	tx := &model.Transaction{
		ID:        uuid.New(),
		VaultID:   v.ID,
		Kind:      model.TxDeposit,
		Amount:    decimal.NewFromInt(25),
		Status:    model.TxSubmitted,
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, m.CreateTransaction(ctx, tx, nil))

	stale, err := m.GetVault(ctx, v.ID)
	require.NoError(t, err)
	v.TotalBalance = decimal.NewFromInt(1)
	require.NoError(t, m.UpdateVault(ctx, v))

	// Stale vault version must reject the combined write and leave the
	// transaction untouched.
	stale.TotalBalance = decimal.NewFromInt(25)
	tx.Status = model.TxConfirmed
	err = m.UpdateVaultAndTransaction(ctx, stale, tx, model.NewAudit("test", "confirm", tx.ID, "submitted", "confirmed"))
	assert.ErrorIs(t, err, model.ErrVersionConflict)

	cur, err := m.GetTransaction(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TxSubmitted, cur.Status)
}

func TestOpenLocks(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	v := newVault(t, m)

	locked := &model.Lock{
		ID: uuid.New(), VaultID: v.ID, Amount: decimal.NewFromInt(5),
		State: model.LockLocked, LockTxID: uuid.New(),
		CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC(),
	}
	unlocked := &model.Lock{
		ID: uuid.New(), VaultID: v.ID, Amount: decimal.NewFromInt(7),
		State: model.LockUnlocked, LockTxID: uuid.New(),
		CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC(),
	}
	require.NoError(t, m.CreateLock(ctx, locked, nil))
	require.NoError(t, m.CreateLock(ctx, unlocked, nil))

	open, err := m.ListOpenLocks(ctx, v.ID)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, locked.ID, open[0].ID)
}

func TestReconciliationLogResolution(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	v := newVault(t, m)

	log := &model.ReconciliationLog{
		ID:             uuid.New(),
		VaultID:        v.ID,
		Discrepancy:    decimal.NewFromInt(-3),
		Classification: model.Discrepancy,
		DetectedAt:     time.Now().UTC(),
	}
	require.NoError(t, m.CreateReconciliationLog(ctx, log, nil))

	unresolved, err := m.ListUnresolvedReconciliationLogs(ctx)
	require.NoError(t, err)
	require.Len(t, unresolved, 1)

	audit := model.NewAudit("operator", "discrepancy_resolved", log.ID, "", "manual top-up")
	require.NoError(t, m.ResolveReconciliationLog(ctx, log.ID, "manual top-up", audit))

	unresolved, err = m.ListUnresolvedReconciliationLogs(ctx)
	require.NoError(t, err)
	assert.Empty(t, unresolved)

	got, err := m.GetReconciliationLog(ctx, log.ID)
	require.NoError(t, err)
	require.NotNil(t, got.ResolvedAt)
	assert.Equal(t, "manual top-up", got.ResolutionNote)

	trail, err := m.ListAudit(ctx, log.ID)
	require.NoError(t, err)
	assert.Len(t, trail, 1)
}

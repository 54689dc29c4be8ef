package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/custodix/vaultcore/internal/model"
)

// Memory is an in-process Store used by tests. It applies the same
// version-check semantics as the Postgres implementation.
type Memory struct {
	mu     sync.RWMutex
	vaults map[uuid.UUID]*model.Vault
	txs    map[uuid.UUID]*model.Transaction
	txSeq  []uuid.UUID // insertion order, for history
	locks  map[uuid.UUID]*model.Lock
	snaps  []*model.BalanceSnapshot
	recons map[uuid.UUID]*model.ReconciliationLog
	audits []*model.AuditEntry
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		vaults: make(map[uuid.UUID]*model.Vault),
		txs:    make(map[uuid.UUID]*model.Transaction),
		locks:  make(map[uuid.UUID]*model.Lock),
		recons: make(map[uuid.UUID]*model.ReconciliationLog),
	}
}

func copyVault(v *model.Vault) *model.Vault {
	c := *v
	return &c
}

func copyTx(t *model.Transaction) *model.Transaction {
	c := *t
	return &c
}

func copyLock(l *model.Lock) *model.Lock {
	c := *l
	return &c
}

func (m *Memory) CreateVault(ctx context.Context, v *model.Vault) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.vaults[v.ID] = copyVault(v)
	return nil
}

func (m *Memory) GetVault(ctx context.Context, id uuid.UUID) (*model.Vault, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.vaults[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	return copyVault(v), nil
}

func (m *Memory) GetVaultByOwner(ctx context.Context, owner string) (*model.Vault, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, v := range m.vaults {
		if v.Owner == owner {
			return copyVault(v), nil
		}
	}
	return nil, model.ErrNotFound
}

func (m *Memory) ListVaults(ctx context.Context) ([]*model.Vault, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*model.Vault, 0, len(m.vaults))
	for _, v := range m.vaults {
		out = append(out, copyVault(v))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// updateVaultLocked must be called with m.mu held.
func (m *Memory) updateVaultLocked(v *model.Vault) error {
	cur, ok := m.vaults[v.ID]
	if !ok {
		return model.ErrNotFound
	}
	if cur.Version != v.Version {
		return model.ErrVersionConflict
	}
	next := copyVault(v)
	next.Version++
	m.vaults[v.ID] = next
	v.Version = next.Version
	return nil
}

func (m *Memory) UpdateVault(ctx context.Context, v *model.Vault) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateVaultLocked(v)
}

func (m *Memory) CreateTransaction(ctx context.Context, t *model.Transaction, audit *model.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.txs[t.ID] = copyTx(t)
	m.txSeq = append(m.txSeq, t.ID)
	if audit != nil {
		m.audits = append(m.audits, audit)
	}
	return nil
}

func (m *Memory) GetTransaction(ctx context.Context, id uuid.UUID) (*model.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.txs[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	return copyTx(t), nil
}

func (m *Memory) GetTransactionByKey(ctx context.Context, key string) (*model.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, id := range m.txSeq {
		if t := m.txs[id]; t.IdempotencyKey == key {
			return copyTx(t), nil
		}
	}
	return nil, model.ErrNotFound
}

func (m *Memory) GetTransactionBySignature(ctx context.Context, signature string) (*model.Transaction, error) {
	if signature == "" {
		return nil, model.ErrNotFound
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, id := range m.txSeq {
		if t := m.txs[id]; t.Signature == signature {
			return copyTx(t), nil
		}
	}
	return nil, model.ErrNotFound
}

func (m *Memory) ListTransactions(ctx context.Context, vaultID uuid.UUID, limit, offset int) ([]*model.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*model.Transaction
	skipped := 0
	for _, id := range m.txSeq {
		t := m.txs[id]
		if t.VaultID != vaultID {
			continue
		}
		if skipped < offset {
			skipped++
			continue
		}
		out = append(out, copyTx(t))
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) ListTransactionsByStatus(ctx context.Context, status model.TxStatus) ([]*model.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*model.Transaction
	for _, id := range m.txSeq {
		if t := m.txs[id]; t.Status == status {
			out = append(out, copyTx(t))
		}
	}
	return out, nil
}

func (m *Memory) UpdateTransaction(ctx context.Context, t *model.Transaction, audit *model.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.txs[t.ID]; !ok {
		return model.ErrNotFound
	}
	m.txs[t.ID] = copyTx(t)
	if audit != nil {
		m.audits = append(m.audits, audit)
	}
	return nil
}

func (m *Memory) UpdateVaultAndTransaction(ctx context.Context, v *model.Vault, t *model.Transaction, audit *model.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.txs[t.ID]; !ok {
		return model.ErrNotFound
	}
	if err := m.updateVaultLocked(v); err != nil {
		return err
	}
	m.txs[t.ID] = copyTx(t)
	if audit != nil {
		m.audits = append(m.audits, audit)
	}
	return nil
}

func (m *Memory) CreateLock(ctx context.Context, l *model.Lock, audit *model.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.locks[l.ID] = copyLock(l)
	if audit != nil {
		m.audits = append(m.audits, audit)
	}
	return nil
}

func (m *Memory) GetLock(ctx context.Context, id uuid.UUID) (*model.Lock, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.locks[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	return copyLock(l), nil
}

func (m *Memory) ListLocksByState(ctx context.Context, state model.LockState) ([]*model.Lock, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*model.Lock
	for _, l := range m.locks {
		if l.State == state {
			out = append(out, copyLock(l))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) ListOpenLocks(ctx context.Context, vaultID uuid.UUID) ([]*model.Lock, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*model.Lock
	for _, l := range m.locks {
		if l.VaultID == vaultID && l.Open() {
			out = append(out, copyLock(l))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) UpdateLock(ctx context.Context, l *model.Lock, audit *model.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.locks[l.ID]; !ok {
		return model.ErrNotFound
	}
	m.locks[l.ID] = copyLock(l)
	if audit != nil {
		m.audits = append(m.audits, audit)
	}
	return nil
}

func (m *Memory) UpdateVaultAndLock(ctx context.Context, v *model.Vault, l *model.Lock, audit *model.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.locks[l.ID]; !ok {
		return model.ErrNotFound
	}
	if err := m.updateVaultLocked(v); err != nil {
		return err
	}
	m.locks[l.ID] = copyLock(l)
	if audit != nil {
		m.audits = append(m.audits, audit)
	}
	return nil
}

func (m *Memory) CreateSnapshot(ctx context.Context, s *model.BalanceSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *s
	m.snaps = append(m.snaps, &c)
	return nil
}

func (m *Memory) ListSnapshots(ctx context.Context, vaultID uuid.UUID, limit int) ([]*model.BalanceSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*model.BalanceSnapshot
	for i := len(m.snaps) - 1; i >= 0; i-- {
		if m.snaps[i].VaultID != vaultID {
			continue
		}
		c := *m.snaps[i]
		out = append(out, &c)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) CreateReconciliationLog(ctx context.Context, l *model.ReconciliationLog, audit *model.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *l
	m.recons[l.ID] = &c
	if audit != nil {
		m.audits = append(m.audits, audit)
	}
	return nil
}

func (m *Memory) GetReconciliationLog(ctx context.Context, id uuid.UUID) (*model.ReconciliationLog, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.recons[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	c := *l
	return &c, nil
}

func (m *Memory) ListUnresolvedReconciliationLogs(ctx context.Context) ([]*model.ReconciliationLog, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*model.ReconciliationLog
	for _, l := range m.recons {
		if l.ResolvedAt == nil {
			c := *l
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DetectedAt.Before(out[j].DetectedAt) })
	return out, nil
}

func (m *Memory) ResolveReconciliationLog(ctx context.Context, id uuid.UUID, note string, audit *model.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.recons[id]
	if !ok {
		return model.ErrNotFound
	}
	now := time.Now().UTC()
	l.ResolvedAt = &now
	l.ResolutionNote = note
	if audit != nil {
		m.audits = append(m.audits, audit)
	}
	return nil
}

func (m *Memory) AppendAudit(ctx context.Context, a *model.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audits = append(m.audits, a)
	return nil
}

func (m *Memory) ListAudit(ctx context.Context, recordID uuid.UUID) ([]*model.AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*model.AuditEntry
	for _, a := range m.audits {
		if a.RecordID == recordID {
			c := *a
			out = append(out, &c)
		}
	}
	return out, nil
}

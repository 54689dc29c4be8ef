package indexer

import (
	"context"
	"sync"
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
	"github.com/custodix/vaultcore/pkg/retry"
)

type fakeSettler struct {
	mu      sync.Mutex
	fail    int
	settled []uuid.UUID
}

func (f *fakeSettler) SettleTransaction(ctx context.Context, tx *model.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail > 0 {
		f.fail--
		return assert.AnError
	}
	f.settled = append(f.settled, tx.ID)
	return nil
}

func (f *fakeSettler) ids() []uuid.UUID {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]uuid.UUID, len(f.settled))
	copy(out, f.settled)
	return out
}

func fastRetry() retry.Policy {
	return retry.Policy{MaxRetries: 2, BaseDelay: time.Millisecond, Multiplier: 1.0}
}

func seedTx(t *testing.T, st *store.Memory, signature, key string) *model.Transaction {
	t.Helper()
	tx := &model.Transaction{
		ID:             uuid.New(),
		VaultID:        uuid.New(),
		Kind:           model.TxDeposit,
		Amount:         decimal.NewFromInt(10),
		Status:         model.TxSubmitted,
		IdempotencyKey: key,
		Signature:      signature,
		CreatedAt:      time.Now().UTC(),
	}
	require.NoError(t, st.CreateTransaction(context.Background(), tx, nil))
	return tx
}

func TestHandleMatchesBySignature(t *testing.T) {
	st := store.NewMemory()
	settler := &fakeSettler{}
	ix := New(st, ledger.NewSimulator(), settler, NewMemoryCheckpoints(),
		Config{MatchRetry: fastRetry()}, zap.NewNop())
	tx := seedTx(t, st, "sig-1", "key-1")

	ev := ledger.Event{Sequence: 1, Signature: "sig-1", Kind: "deposit", Amount: decimal.NewFromInt(10)}
	require.NoError(t, ix.Handle(context.Background(), ev))

	assert.Equal(t, []uuid.UUID{tx.ID}, settler.ids())
}

func TestHandleMatchesByIdempotencyKey(t *testing.T) {
	st := store.NewMemory()
	settler := &fakeSettler{}
	ix := New(st, ledger.NewSimulator(), settler, NewMemoryCheckpoints(),
		Config{MatchRetry: fastRetry()}, zap.NewNop())

	// The local record has no signature yet; the event arrived first.
	tx := seedTx(t, st, "", "key-2")

	ev := ledger.Event{Sequence: 1, Signature: "sig-2", Memo: "key-2", Kind: "deposit"}
	require.NoError(t, ix.Handle(context.Background(), ev))

	assert.Equal(t, []uuid.UUID{tx.ID}, settler.ids())
	got, err := st.GetTransaction(context.Background(), tx.ID)
	require.NoError(t, err)
	assert.Equal(t, "sig-2", got.Signature)
}

func TestHandleOrphanEvent(t *testing.T) {
	st := store.NewMemory()
	settler := &fakeSettler{}
	ix := New(st, ledger.NewSimulator(), settler, NewMemoryCheckpoints(),
		Config{MatchRetry: fastRetry()}, zap.NewNop())

	ev := ledger.Event{Sequence: 7, Signature: "no-such-sig", Kind: "deposit", Owner: "stranger"}
	require.NoError(t, ix.Handle(context.Background(), ev))

	assert.Empty(t, settler.ids())
	trail, err := st.ListAudit(context.Background(), uuid.Nil)
	require.NoError(t, err)
	require.Len(t, trail, 1)
	assert.Equal(t, "orphan_event", trail[0].Action)
}

func TestRunConsumesInOrderAndCheckpoints(t *testing.T) {
	st := store.NewMemory()
	sim := ledger.NewSimulator()
	settler := &fakeSettler{}
	checkpoints := NewMemoryCheckpoints()
	ix := New(st, sim, settler, checkpoints, Config{MatchRetry: fastRetry()}, zap.NewNop())

	var want []uuid.UUID
	for i := 0; i < 3; i++ {
		ev := sim.InjectEvent("deposit", "owner-1", "", decimal.NewFromInt(int64(i+1)))
		tx := seedTx(t, st, ev.Signature, "")
		want = append(want, tx.ID)
	}
	// A duplicate delivery of the first event must be absorbed.
	sim.ReplayEvent(1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = ix.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		return len(settler.ids()) >= 3
	}, time.Second, 5*time.Millisecond)
	cancel()
	<-done

	assert.Equal(t, want, settler.ids())
	seq, err := checkpoints.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(3), seq)
}

func TestRunRetriesFailedEventBeforeAdvancing(t *testing.T) {
	st := store.NewMemory()
	sim := ledger.NewSimulator()
	settler := &fakeSettler{fail: 2}
	checkpoints := NewMemoryCheckpoints()
	ix := New(st, sim, settler, checkpoints, Config{MatchRetry: fastRetry()}, zap.NewNop())

	var want []uuid.UUID
	for i := 0; i < 3; i++ {
		ev := sim.InjectEvent("deposit", "owner-1", "", decimal.NewFromInt(int64(i+1)))
		tx := seedTx(t, st, ev.Signature, "")
		want = append(want, tx.ID)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = ix.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		return len(settler.ids()) >= 3
	}, time.Second, 5*time.Millisecond)
	cancel()
	<-done

	// Transient settle failures on the first event delay it, never skip it.
	assert.Equal(t, want, settler.ids())
	seq, err := checkpoints.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(3), seq)
}

func TestRunStopsBeforeSkippingFailedEvent(t *testing.T) {
	st := store.NewMemory()
	sim := ledger.NewSimulator()
	settler := &fakeSettler{fail: 100}
	checkpoints := NewMemoryCheckpoints()
	ix := New(st, sim, settler, checkpoints, Config{MatchRetry: fastRetry()}, zap.NewNop())

	for i := 0; i < 2; i++ {
		ev := sim.InjectEvent("deposit", "owner-1", "", decimal.NewFromInt(int64(i+1)))
		seedTx(t, st, ev.Signature, "")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	errs := make(chan error, 1)
	go func() { errs <- ix.Run(ctx) }()

	select {
	case err := <-errs:
		require.Error(t, err)
	case <-ctx.Done():
		t.Fatal("run did not stop on a persistently failing event")
	}

	// Nothing settled, nothing checkpointed: the second event was never
	// folded ahead of the failed first one.
	assert.Empty(t, settler.ids())
	seq, err := checkpoints.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(0), seq)
}

func TestMemoryCheckpointsMonotonic(t *testing.T) {
	cp := NewMemoryCheckpoints()
	ctx := context.Background()

	require.NoError(t, cp.Save(ctx, 5))
	require.NoError(t, cp.Save(ctx, 3))

	seq, err := cp.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), seq)
}

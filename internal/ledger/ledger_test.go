package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeriveVaultAddress(t *testing.T) {
	a := DeriveVaultAddress("owner-1", "program-a")
	b := DeriveVaultAddress("owner-1", "program-a")
	c := DeriveVaultAddress("owner-2", "program-a")
	d := DeriveVaultAddress("owner-1", "program-b")

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.NotEqual(t, a, d)
	assert.Len(t, a, 44)
}

func TestInstructionData(t *testing.T) {
	amount := decimal.NewFromInt(1500)
	data := EncodeInstructionData("deposit", amount)
	require.Len(t, data, 16)

	kind, decoded, err := DecodeInstructionData(data, []string{"deposit", "withdraw"})
	require.NoError(t, err)
	assert.Equal(t, "deposit", kind)
	assert.True(t, amount.Equal(decoded))

	_, _, err = DecodeInstructionData(data, []string{"withdraw"})
	assert.Error(t, err)

	_, _, err = DecodeInstructionData([]byte{1, 2, 3}, []string{"deposit"})
	assert.Error(t, err)
}

func depositTx(owner, account, memo string, amount decimal.Decimal) *UnsignedTransaction {
	return &UnsignedTransaction{
		Instructions: []Instruction{{
			ProgramID: "program-a",
			Accounts:  []string{owner, account},
			Data:      EncodeInstructionData("deposit", amount),
		}},
		Payer: "payer",
		Memo:  memo,
	}
}

func withdrawTx(owner, account, memo string, amount decimal.Decimal) *UnsignedTransaction {
	return &UnsignedTransaction{
		Instructions: []Instruction{{
			ProgramID: "program-a",
			Accounts:  []string{owner, account},
			Data:      EncodeInstructionData("withdraw", amount),
		}},
		Payer: "payer",
		Memo:  memo,
	}
}

func TestSimulatorSettlesDeposit(t *testing.T) {
	sim := NewSimulator()
	ctx := context.Background()

	sig, err := sim.Submit(ctx, depositTx("owner-1", "acct-1", "memo-1", decimal.NewFromInt(100)))
	require.NoError(t, err)

	status, err := sim.Status(ctx, sig)
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, status)

	bal, err := sim.Balance(ctx, "acct-1")
	require.NoError(t, err)
	assert.True(t, bal.Equal(decimal.NewFromInt(100)))
}

func TestSimulatorDeduplicatesByMemo(t *testing.T) {
	sim := NewSimulator()
	ctx := context.Background()
	amount := decimal.NewFromInt(50)

	sig1, err := sim.Submit(ctx, depositTx("owner-1", "acct-1", "memo-dup", amount))
	require.NoError(t, err)
	sig2, err := sim.Submit(ctx, depositTx("owner-1", "acct-1", "memo-dup", amount))
	require.NoError(t, err)

	assert.Equal(t, sig1, sig2)
	bal, err := sim.Balance(ctx, "acct-1")
	require.NoError(t, err)
	assert.True(t, bal.Equal(amount), "duplicate submit must not settle twice")
}

func TestSimulatorVaultState(t *testing.T) {
	sim := NewSimulator()
	ctx := context.Background()

	_, err := sim.Submit(ctx, depositTx("owner-1", "acct-1", "memo-d", decimal.NewFromInt(100)))
	require.NoError(t, err)
	_, err = sim.Submit(ctx, &UnsignedTransaction{
		Instructions: []Instruction{{
			ProgramID: "position-manager",
			Accounts:  []string{"owner-1", "acct-1"},
			Data:      EncodeInstructionData("lock", decimal.NewFromInt(30)),
		}},
		Payer: "payer",
		Memo:  "memo-l",
	})
	require.NoError(t, err)

	state, err := sim.VaultState(ctx, "acct-1")
	require.NoError(t, err)
	assert.True(t, state.Total.Equal(decimal.NewFromInt(100)))
	assert.True(t, state.Locked.Equal(decimal.NewFromInt(30)))
	assert.True(t, state.Available().Equal(decimal.NewFromInt(70)))

	_, err = sim.Submit(ctx, &UnsignedTransaction{
		Instructions: []Instruction{{
			ProgramID: "position-manager",
			Accounts:  []string{"owner-1", "acct-1"},
			Data:      EncodeInstructionData("unlock", decimal.NewFromInt(30)),
		}},
		Payer: "payer",
		Memo:  "memo-u",
	})
	require.NoError(t, err)

	state, err = sim.VaultState(ctx, "acct-1")
	require.NoError(t, err)
	assert.True(t, state.Locked.IsZero())
}

func TestSimulatorFailsOverdraft(t *testing.T) {
	sim := NewSimulator()
	ctx := context.Background()

	sig, err := sim.Submit(ctx, withdrawTx("owner-1", "acct-1", "memo-w", decimal.NewFromInt(10)))
	require.NoError(t, err)

	status, err := sim.Status(ctx, sig)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, status)
}

func TestSimulatorFaultInjection(t *testing.T) {
	sim := NewSimulator()
	ctx := context.Background()

	t.Run("reject", func(t *testing.T) {
		sim.RejectNext(1)
		_, err := sim.Submit(ctx, depositTx("o", "a", "m1", decimal.NewFromInt(1)))
		assert.ErrorIs(t, err, ErrRejectedByLedger)
		assert.False(t, Retryable(err))
	})

	t.Run("transient", func(t *testing.T) {
		sim.TransientNext(1)
		_, err := sim.Submit(ctx, depositTx("o", "a", "m2", decimal.NewFromInt(1)))
		assert.ErrorIs(t, err, ErrTransientNetwork)
		assert.True(t, Retryable(err))
	})

	t.Run("lost submission stays unknown", func(t *testing.T) {
		sim.LoseNext(1)
		sig, err := sim.Submit(ctx, depositTx("o", "a", "m3", decimal.NewFromInt(1)))
		require.NoError(t, err)
		status, err := sim.Status(ctx, sig)
		require.NoError(t, err)
		assert.Equal(t, StatusUnknown, status)
	})
}

func TestSimulatorEventStreamOrder(t *testing.T) {
	sim := NewSimulator()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	for i := 1; i <= 3; i++ {
		_, err := sim.Submit(ctx, depositTx("owner-1", "acct-1",
			"memo-"+string(rune('a'+i)), decimal.NewFromInt(int64(i))))
		require.NoError(t, err)
	}

	events, err := sim.SubscribeEvents(ctx, "program-a", 0)
	require.NoError(t, err)

	var seqs []uint64
	for len(seqs) < 3 {
		select {
		case ev := <-events:
			seqs = append(seqs, ev.Sequence)
		case <-ctx.Done():
			t.Fatal("timed out waiting for events")
		}
	}
	assert.Equal(t, []uint64{1, 2, 3}, seqs)
}

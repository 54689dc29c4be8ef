// Package txbuilder constructs unsigned ledger transactions for vault
// intents. Building has no side effects: the caller persists the candidate
// record and hands the unsigned transaction to the submission path.
package txbuilder

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/custodix/vaultcore/internal/ledger"
	"github.com/custodix/vaultcore/internal/model"
	"github.com/custodix/vaultcore/internal/store"
)

// Config identifies the on-chain programs and fee budget.
type Config struct {
	ProgramID         string
	PositionManagerID string
	Mint              string
	FeePayer          string
	ComputeUnitLimit  uint64
	ComputeUnitPrice  uint64
}

// BalanceReader is the tracker view the builder needs for the optimistic
// available-balance check. Final correctness is enforced by the ledger.
type BalanceReader interface {
	GetBalance(ctx context.Context, vaultID uuid.UUID) (model.Balances, error)
}

// Built bundles the unsigned transaction with its candidate local record.
type Built struct {
	Unsigned *ledger.UnsignedTransaction
	Record   *model.Transaction
}

// Builder builds unsigned transactions and their idempotency keys.
type Builder struct {
	store    store.Store
	balances BalanceReader
	cfg      Config
	logger   *zap.Logger
}

// NewBuilder creates a Builder.
func NewBuilder(st store.Store, balances BalanceReader, cfg Config, logger *zap.Logger) *Builder {
	if cfg.ComputeUnitLimit == 0 {
		cfg.ComputeUnitLimit = 1_400_000
	}
	if cfg.ComputeUnitPrice == 0 {
		cfg.ComputeUnitPrice = 1_000
	}
	return &Builder{store: st, balances: balances, cfg: cfg, logger: logger}
}

// IdempotencyKey derives the deterministic key for a logical intent.
// Retries with the same vault, kind, amount, nonce, and hint map to the
// same key and are therefore recognized as duplicates, not new intents.
func IdempotencyKey(vaultID uuid.UUID, kind model.TxKind, amount decimal.Decimal, nonce uint64, hint string) string {
	h := sha256.New()
	h.Write([]byte(vaultID.String()))
	h.Write([]byte(kind))
	h.Write([]byte(amount.String()))
	h.Write([]byte(fmt.Sprintf("%d", nonce)))
	h.Write([]byte(hint))
	return hex.EncodeToString(h.Sum(nil))
}

// Build validates the intent against the latest confirmed state and
// produces the unsigned transaction plus its candidate record. It does
// not submit and does not persist.
func (b *Builder) Build(ctx context.Context, vaultID uuid.UUID, kind model.TxKind, amount decimal.Decimal, hint string) (*Built, error) {
	if amount.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("%w: %s", model.ErrInvalidAmount, amount)
	}

	vault, err := b.store.GetVault(ctx, vaultID)
	if errors.Is(err, model.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", model.ErrUnknownVault, vaultID)
	}
	if err != nil {
		return nil, fmt.Errorf("load vault: %w", err)
	}

	if kind == model.TxWithdraw || kind == model.TxLock {
		bal, err := b.balances.GetBalance(ctx, vaultID)
		if err != nil {
			return nil, fmt.Errorf("read balance: %w", err)
		}
		if bal.Available.LessThan(amount) {
			return nil, fmt.Errorf("%w: available %s, requested %s",
				model.ErrInsufficientAvailable, bal.Available, amount)
		}
	}

	key := IdempotencyKey(vaultID, kind, amount, vault.Nonce, hint)
	unsigned := b.assemble(vault, kind, amount, key)

	record := &model.Transaction{
		ID:             uuid.New(),
		VaultID:        vaultID,
		Kind:           kind,
		Amount:         amount,
		Status:         model.TxPending,
		IdempotencyKey: key,
		CreatedAt:      time.Now().UTC(),
	}
	return &Built{Unsigned: unsigned, Record: record}, nil
}

// Rebuild reassembles the unsigned transaction for an existing record,
// reusing its stored idempotency key so a resubmission carries the same
// memo and deduplicates on the ledger.
func (b *Builder) Rebuild(ctx context.Context, record *model.Transaction) (*ledger.UnsignedTransaction, error) {
	vault, err := b.store.GetVault(ctx, record.VaultID)
	if errors.Is(err, model.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", model.ErrUnknownVault, record.VaultID)
	}
	if err != nil {
		return nil, fmt.Errorf("load vault: %w", err)
	}
	return b.assemble(vault, record.Kind, record.Amount, record.IdempotencyKey), nil
}

func (b *Builder) assemble(vault *model.Vault, kind model.TxKind, amount decimal.Decimal, key string) *ledger.UnsignedTransaction {
	vaultAddr := ledger.DeriveVaultAddress(vault.Owner, b.cfg.ProgramID)
	authority := ledger.DeriveVaultAuthority(b.cfg.ProgramID)

	ixs := b.computeBudget()
	switch kind {
	case model.TxDeposit, model.TxWithdraw:
		tokenAccount := ledger.DeriveTokenAccount(vault.Owner, b.cfg.Mint)
		ixs = append(ixs, ledger.Instruction{
			ProgramID: b.cfg.ProgramID,
			Accounts:  []string{vault.Owner, vaultAddr, tokenAccount, b.cfg.Mint, authority},
			Data:      ledger.EncodeInstructionData(string(kind), amount),
		})
	case model.TxLock, model.TxUnlock:
		// Cross-program call routed through the position manager.
		ixs = append(ixs, ledger.Instruction{
			ProgramID: b.cfg.PositionManagerID,
			Accounts:  []string{vault.Owner, vaultAddr, b.cfg.ProgramID, authority},
			Data:      ledger.EncodeInstructionData(string(kind), amount),
		})
	}

	return &ledger.UnsignedTransaction{
		Instructions: ixs,
		Payer:        b.cfg.FeePayer,
		Memo:         key,
		Nonce:        vault.Nonce,
	}
}

// computeBudget prepends the conservative fee budget instructions.
func (b *Builder) computeBudget() []ledger.Instruction {
	return []ledger.Instruction{
		{
			ProgramID: "ComputeBudget1111111111111111111111111111111",
			Data: ledger.EncodeInstructionData("set_compute_unit_limit",
				decimal.NewFromInt(int64(b.cfg.ComputeUnitLimit))),
		},
		{
			ProgramID: "ComputeBudget1111111111111111111111111111111",
			Data: ledger.EncodeInstructionData("set_compute_unit_price",
				decimal.NewFromInt(int64(b.cfg.ComputeUnitPrice))),
		},
	}
}

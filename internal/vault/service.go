// Package vault is the operational facade: it exposes the deposit,
// withdraw, lock, and unlock intents plus the read operations, and wires
// them through the builder, the submission path, and the tracker.
package vault

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/custodix/vaultcore/internal/balance"
	"github.com/custodix/vaultcore/internal/cpi"
	"github.com/custodix/vaultcore/internal/ledger"
	"github.com/custodix/vaultcore/internal/model"
	"github.com/custodix/vaultcore/internal/store"
	"github.com/custodix/vaultcore/internal/txbuilder"
	"github.com/custodix/vaultcore/pkg/retry"
)

const nonceRetries = 5

// Service is the entry point for vault operations.
type Service struct {
	store   store.Store
	builder *txbuilder.Builder
	gateway ledger.Gateway
	locks   *cpi.Manager
	tracker *balance.Tracker
	retry   retry.Policy
	logger  *zap.Logger
}

// NewService creates a Service.
func NewService(st store.Store, b *txbuilder.Builder, gw ledger.Gateway, locks *cpi.Manager, tracker *balance.Tracker, policy retry.Policy, logger *zap.Logger) *Service {
	return &Service{
		store:   st,
		builder: b,
		gateway: gw,
		locks:   locks,
		tracker: tracker,
		retry:   policy,
		logger:  logger,
	}
}

// InitializeVault registers the vault mirror for an owner. Calling it again
// for the same owner returns the existing vault.
func (s *Service) InitializeVault(ctx context.Context, owner string) (*model.Vault, error) {
	if owner == "" {
		return nil, errors.New("owner is required")
	}
	if existing, err := s.store.GetVaultByOwner(ctx, owner); err == nil {
		return existing, nil
	} else if !errors.Is(err, model.ErrNotFound) {
		return nil, err
	}

	vault := &model.Vault{
		ID:            uuid.New(),
		Owner:         owner,
		TotalBalance:  decimal.Zero,
		LockedBalance: decimal.Zero,
		CreatedAt:     time.Now().UTC(),
	}
	if err := s.store.CreateVault(ctx, vault); err != nil {
		return nil, fmt.Errorf("create vault: %w", err)
	}
	audit := model.NewAudit("vault-service", "vault_initialized", vault.ID, "", owner)
	if err := s.store.AppendAudit(ctx, audit); err != nil {
		s.logger.Warn("vault init audit failed", zap.Error(err))
	}
	s.logger.Info("vault initialized",
		zap.String("vault", vault.ID.String()), zap.String("owner", owner))
	return vault, nil
}

// Deposit submits a deposit intent. The returned record is submitted or
// failed; confirmation arrives later through the event stream.
func (s *Service) Deposit(ctx context.Context, vaultID uuid.UUID, amount decimal.Decimal, hint string) (*model.Transaction, error) {
	return s.settle(ctx, vaultID, model.TxDeposit, amount, hint)
}

// Withdraw submits a withdraw intent after the optimistic available check.
func (s *Service) Withdraw(ctx context.Context, vaultID uuid.UUID, amount decimal.Decimal, hint string) (*model.Transaction, error) {
	return s.settle(ctx, vaultID, model.TxWithdraw, amount, hint)
}

func (s *Service) settle(ctx context.Context, vaultID uuid.UUID, kind model.TxKind, amount decimal.Decimal, hint string) (*model.Transaction, error) {
	built, err := s.builder.Build(ctx, vaultID, kind, amount, hint)
	if err != nil {
		return nil, err
	}

	// A duplicate intent maps to the same idempotency key; return the
	// prior outcome instead of settling twice.
	if prior, err := s.store.GetTransactionByKey(ctx, built.Record.IdempotencyKey); err == nil {
		return prior, nil
	} else if !errors.Is(err, model.ErrNotFound) {
		return nil, err
	}

	audit := model.NewAudit("vault-service", string(kind)+"_requested", built.Record.ID, "", string(model.TxPending))
	if err := s.store.CreateTransaction(ctx, built.Record, audit); err != nil {
		return nil, fmt.Errorf("persist transaction: %w", err)
	}
	if err := s.bumpNonce(ctx, vaultID); err != nil {
		return nil, err
	}

	record := built.Record
	var sig string
	err = s.retry.Do(ctx, func() error {
		var serr error
		sig, serr = s.gateway.Submit(ctx, built.Unsigned)
		return serr
	}, ledger.Retryable)
	now := time.Now().UTC()
	if err != nil {
		record.Status = model.TxFailed
		record.FailedAt = &now
		failAudit := model.NewAudit("vault-service", "submission_failed", record.ID, string(model.TxPending), string(model.TxFailed))
		if uerr := s.store.UpdateTransaction(ctx, record, failAudit); uerr != nil {
			s.logger.Error("failed to mark transaction failed",
				zap.String("tx", record.ID.String()), zap.Error(uerr))
		}
		return record, fmt.Errorf("%w: %v", model.ErrSubmissionFailed, err)
	}

	record.Status = model.TxSubmitted
	record.Signature = sig
	record.SubmittedAt = &now
	subAudit := model.NewAudit("vault-service", "submitted", record.ID, string(model.TxPending), string(model.TxSubmitted))
	if err := s.store.UpdateTransaction(ctx, record, subAudit); err != nil {
		return nil, fmt.Errorf("record submission: %w", err)
	}
	s.logger.Info("transaction submitted",
		zap.String("tx", record.ID.String()),
		zap.String("kind", string(kind)),
		zap.String("amount", amount.String()),
		zap.String("signature", sig))
	return record, nil
}

// bumpNonce advances the vault nonce so the next intent with the same
// amount and hint derives a fresh idempotency key.
func (s *Service) bumpNonce(ctx context.Context, vaultID uuid.UUID) error {
	for attempt := 0; ; attempt++ {
		vault, err := s.store.GetVault(ctx, vaultID)
		if err != nil {
			return err
		}
		vault.Nonce++
		err = s.store.UpdateVault(ctx, vault)
		if errors.Is(err, model.ErrVersionConflict) && attempt < nonceRetries {
			continue
		}
		if err != nil {
			return fmt.Errorf("advance nonce: %w", err)
		}
		return nil
	}
}

// Lock locks collateral through the position manager flow.
func (s *Service) Lock(ctx context.Context, vaultID uuid.UUID, amount decimal.Decimal, hint string) (*model.Lock, error) {
	return s.locks.Lock(ctx, vaultID, amount, hint)
}

// Unlock releases a previously locked amount.
func (s *Service) Unlock(ctx context.Context, lockID uuid.UUID, hint string) (*model.Lock, error) {
	return s.locks.Unlock(ctx, lockID, hint)
}

// GetVault returns the vault mirror record.
func (s *Service) GetVault(ctx context.Context, vaultID uuid.UUID) (*model.Vault, error) {
	v, err := s.store.GetVault(ctx, vaultID)
	if errors.Is(err, model.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", model.ErrUnknownVault, vaultID)
	}
	return v, err
}

// GetBalance returns the derived balance view.
func (s *Service) GetBalance(ctx context.Context, vaultID uuid.UUID) (model.Balances, error) {
	return s.tracker.GetBalance(ctx, vaultID)
}

// GetHistory pages through a vault's transactions in submission order.
func (s *Service) GetHistory(ctx context.Context, vaultID uuid.UUID, limit, offset int) ([]*model.Transaction, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return s.store.ListTransactions(ctx, vaultID, limit, offset)
}

// OpenLocks lists locks currently holding collateral for a vault.
func (s *Service) OpenLocks(ctx context.Context, vaultID uuid.UUID) ([]*model.Lock, error) {
	return s.store.ListOpenLocks(ctx, vaultID)
}

// TotalValueLocked reports the platform-wide total.
func (s *Service) TotalValueLocked(ctx context.Context) (decimal.Decimal, error) {
	return s.tracker.TotalValueLocked(ctx)
}

// Package recon periodically compares the local balance mirror against the
// ledger and classifies any delta. Only this package writes reconciliation
// logs; it never adjusts balances itself.
package recon

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/custodix/vaultcore/internal/model"
	"github.com/custodix/vaultcore/internal/store"
	"github.com/custodix/vaultcore/pkg/messaging"
)

// Snapshotter captures a paired local and ledger balance reading.
type Snapshotter interface {
	Snapshot(ctx context.Context, vaultID uuid.UUID) (*model.BalanceSnapshot, error)
}

// Config holds engine tunables.
type Config struct {
	// Schedule is a cron expression; defaults to a sweep every minute.
	Schedule string
	// Epsilon absorbs rounding noise when comparing balances.
	Epsilon decimal.Decimal
}

// Engine runs the reconciliation sweep and owns discrepancy resolution.
type Engine struct {
	store  store.Store
	snaps  Snapshotter
	bus    messaging.Publisher
	cfg    Config
	logger *zap.Logger
}

// NewEngine creates an Engine.
func NewEngine(st store.Store, snaps Snapshotter, bus messaging.Publisher, cfg Config, logger *zap.Logger) *Engine {
	if cfg.Schedule == "" {
		cfg.Schedule = "@every 60s"
	}
	return &Engine{store: st, snaps: snaps, bus: bus, cfg: cfg, logger: logger}
}

// Sweep reconciles every vault. One vault failing does not stop the sweep.
func (e *Engine) Sweep(ctx context.Context) error {
	vaults, err := e.store.ListVaults(ctx)
	if err != nil {
		return fmt.Errorf("list vaults: %w", err)
	}
	for _, v := range vaults {
		if _, err := e.ReconcileVault(ctx, v.ID); err != nil {
			e.logger.Warn("vault reconciliation failed",
				zap.String("vault", v.ID.String()), zap.Error(err))
		}
	}
	return nil
}

// ReconcileVault snapshots one vault and classifies the delta. A delta
// within epsilon is in sync. A delta fully explained by submitted but not
// yet confirmed transactions is pending settlement and is not logged.
// Anything else is a discrepancy: logged, audited, and alerted, never
// auto-corrected.
func (e *Engine) ReconcileVault(ctx context.Context, vaultID uuid.UUID) (model.Classification, error) {
	snap, err := e.snaps.Snapshot(ctx, vaultID)
	if err != nil {
		return "", err
	}
	delta := snap.Delta()

	classification := model.InSync
	if delta.Abs().GreaterThan(e.cfg.Epsilon) {
		pending, err := e.pendingDelta(ctx, vaultID)
		if err != nil {
			return "", err
		}
		if delta.Sub(pending).Abs().LessThanOrEqual(e.cfg.Epsilon) {
			classification = model.PendingSettlement
		} else {
			classification = model.Discrepancy
			if err := e.recordDiscrepancy(ctx, snap, delta); err != nil {
				return classification, err
			}
		}
	}

	if err := e.markReconciled(ctx, vaultID); err != nil {
		e.logger.Warn("failed to stamp reconciliation time",
			zap.String("vault", vaultID.String()), zap.Error(err))
	}
	return classification, nil
}

// pendingDelta sums the ledger movement that submitted transactions will
// explain once they confirm and fold locally.
func (e *Engine) pendingDelta(ctx context.Context, vaultID uuid.UUID) (decimal.Decimal, error) {
	submitted, err := e.store.ListTransactionsByStatus(ctx, model.TxSubmitted)
	if err != nil {
		return decimal.Zero, fmt.Errorf("list submitted: %w", err)
	}
	sum := decimal.Zero
	for _, tx := range submitted {
		if tx.VaultID != vaultID {
			continue
		}
		switch tx.Kind {
		case model.TxDeposit:
			sum = sum.Add(tx.Amount)
		case model.TxWithdraw:
			sum = sum.Sub(tx.Amount)
		}
	}
	return sum, nil
}

func (e *Engine) recordDiscrepancy(ctx context.Context, snap *model.BalanceSnapshot, delta decimal.Decimal) error {
	log := &model.ReconciliationLog{
		ID:             uuid.New(),
		VaultID:        snap.VaultID,
		Discrepancy:    delta,
		Classification: model.Discrepancy,
		DetectedAt:     time.Now().UTC(),
	}
	audit := model.NewAudit("recon-engine", "discrepancy_detected", log.ID,
		snap.LocalBalance.String(), snap.LedgerBalance.String())
	if err := e.store.CreateReconciliationLog(ctx, log, audit); err != nil {
		return fmt.Errorf("record discrepancy: %w", err)
	}
	e.logger.Error("balance discrepancy detected",
		zap.String("vault", snap.VaultID.String()),
		zap.String("local", snap.LocalBalance.String()),
		zap.String("ledger", snap.LedgerBalance.String()),
		zap.String("delta", delta.String()))
	if e.bus != nil {
		err := e.bus.Publish(ctx, messaging.EventTypeDiscrepancyDetected, messaging.DiscrepancyDetectedEvent{
			LogID:         log.ID,
			VaultID:       snap.VaultID,
			LocalBalance:  snap.LocalBalance.String(),
			LedgerBalance: snap.LedgerBalance.String(),
			Discrepancy:   delta.String(),
			Timestamp:     log.DetectedAt,
		})
		if err != nil {
			e.logger.Warn("discrepancy alert publish failed", zap.Error(err))
		}
	}
	return nil
}

const reconcileStampRetries = 5

func (e *Engine) markReconciled(ctx context.Context, vaultID uuid.UUID) error {
	for attempt := 0; ; attempt++ {
		vault, err := e.store.GetVault(ctx, vaultID)
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		vault.LastReconciledAt = &now
		err = e.store.UpdateVault(ctx, vault)
		if errors.Is(err, model.ErrVersionConflict) && attempt < reconcileStampRetries {
			continue
		}
		return err
	}
}

// Resolve closes a discrepancy after an operator investigated it.
func (e *Engine) Resolve(ctx context.Context, logID uuid.UUID, actor, note string) error {
	log, err := e.store.GetReconciliationLog(ctx, logID)
	if errors.Is(err, model.ErrNotFound) {
		return fmt.Errorf("%w: reconciliation log %s", model.ErrNotFound, logID)
	}
	if err != nil {
		return err
	}
	if log.ResolvedAt != nil {
		return nil
	}
	audit := model.NewAudit(actor, "discrepancy_resolved", logID, string(model.Discrepancy), note)
	return e.store.ResolveReconciliationLog(ctx, logID, note, audit)
}

// Unresolved lists open discrepancies for operator review.
func (e *Engine) Unresolved(ctx context.Context) ([]*model.ReconciliationLog, error) {
	return e.store.ListUnresolvedReconciliationLogs(ctx)
}

// Run schedules the sweep and blocks until ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	c := cron.New()
	_, err := c.AddFunc(e.cfg.Schedule, func() {
		if err := e.Sweep(ctx); err != nil {
			e.logger.Warn("reconciliation sweep failed", zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("schedule %q: %w", e.cfg.Schedule, err)
	}
	c.Start()
	<-ctx.Done()
	stopped := c.Stop()
	<-stopped.Done()
	return ctx.Err()
}

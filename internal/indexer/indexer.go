// Package indexer consumes the ledger's confirmed event stream in sequence
// order and folds each event into local state exactly once. The stream is
// the primary confirmation path; the timeout sweep is the backstop.
package indexer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/custodix/vaultcore/internal/ledger"
	"github.com/custodix/vaultcore/internal/model"
	"github.com/custodix/vaultcore/internal/store"
	"github.com/custodix/vaultcore/pkg/retry"
)

// Settler folds a confirmed transaction into local state.
type Settler interface {
	SettleTransaction(ctx context.Context, tx *model.Transaction) error
}

// Config holds indexer tunables.
type Config struct {
	ProgramID string
	// MatchRetry bounds how long an event waits for its local record to
	// become durable before being treated as an orphan.
	MatchRetry retry.Policy
}

// Indexer is the single consumer of the confirmed event stream.
type Indexer struct {
	store       store.Store
	gateway     ledger.Gateway
	settler     Settler
	checkpoints Checkpoints
	cfg         Config
	logger      *zap.Logger
}

// New creates an Indexer.
func New(st store.Store, gw ledger.Gateway, settler Settler, cp Checkpoints, cfg Config, logger *zap.Logger) *Indexer {
	if cfg.MatchRetry.MaxRetries == 0 {
		cfg.MatchRetry = retry.Policy{MaxRetries: 3, BaseDelay: 50 * time.Millisecond, Multiplier: 2.0}
	}
	return &Indexer{store: st, gateway: gw, settler: settler, checkpoints: cp, cfg: cfg, logger: logger}
}

// Run subscribes from the last checkpoint and processes events until ctx
// is done. Each applied event advances the checkpoint, so a crash between
// apply and save replays an event that the idempotent fold absorbs. An
// event that still fails after the bounded retries stops the run with the
// checkpoint untouched; a restart resumes at the unapplied sequence, so no
// later event is ever folded ahead of an earlier unapplied one.
func (ix *Indexer) Run(ctx context.Context) error {
	from, err := ix.checkpoints.Load(ctx)
	if err != nil {
		return fmt.Errorf("load checkpoint: %w", err)
	}
	events, err := ix.gateway.SubscribeEvents(ctx, ix.cfg.ProgramID, from)
	if err != nil {
		return fmt.Errorf("subscribe events: %w", err)
	}
	ix.logger.Info("indexer started", zap.Uint64("from_sequence", from))

	cursor := from
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return ctx.Err()
			}
			if ev.Sequence <= cursor {
				continue
			}
			err := ix.cfg.MatchRetry.Do(ctx, func() error {
				return ix.Handle(ctx, ev)
			}, func(error) bool { return true })
			if err != nil {
				ix.logger.Error("event handling failed",
					zap.Uint64("sequence", ev.Sequence),
					zap.String("signature", ev.Signature),
					zap.Error(err))
				return fmt.Errorf("handle event %d: %w", ev.Sequence, err)
			}
			cursor = ev.Sequence
			if err := ix.checkpoints.Save(ctx, cursor); err != nil {
				ix.logger.Warn("checkpoint save failed", zap.Uint64("sequence", cursor), zap.Error(err))
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Handle folds one confirmed event. Events for transactions the mirror
// already settled are no-ops; events with no local record after the match
// window are recorded as orphans and skipped.
func (ix *Indexer) Handle(ctx context.Context, ev ledger.Event) error {
	tx, err := ix.match(ctx, ev)
	if errors.Is(err, model.ErrNotFound) {
		ix.orphan(ctx, ev)
		return nil
	}
	if err != nil {
		return err
	}

	if tx.Signature != ev.Signature {
		before := tx.Signature
		tx.Signature = ev.Signature
		audit := model.NewAudit("event-indexer", "signature_observed", tx.ID, before, ev.Signature)
		if err := ix.store.UpdateTransaction(ctx, tx, audit); err != nil {
			return fmt.Errorf("record observed signature: %w", err)
		}
	}
	return ix.settler.SettleTransaction(ctx, tx)
}

// match locates the local record for an event, by signature first and by
// idempotency key second. The record may lag the event briefly, so misses
// retry with bounded backoff before giving up.
func (ix *Indexer) match(ctx context.Context, ev ledger.Event) (*model.Transaction, error) {
	var tx *model.Transaction
	err := ix.cfg.MatchRetry.Do(ctx, func() error {
		var merr error
		tx, merr = ix.store.GetTransactionBySignature(ctx, ev.Signature)
		if errors.Is(merr, model.ErrNotFound) && ev.Memo != "" {
			tx, merr = ix.store.GetTransactionByKey(ctx, ev.Memo)
		}
		return merr
	}, func(err error) bool {
		return errors.Is(err, model.ErrNotFound)
	})
	if err != nil {
		return nil, err
	}
	return tx, nil
}

// orphan records an event that settled on the ledger with no matching
// local intent. Reconciliation surfaces the balance consequence; the audit
// entry preserves the evidence.
func (ix *Indexer) orphan(ctx context.Context, ev ledger.Event) {
	ix.logger.Warn("orphan ledger event",
		zap.Uint64("sequence", ev.Sequence),
		zap.String("signature", ev.Signature),
		zap.String("kind", ev.Kind),
		zap.String("owner", ev.Owner),
		zap.String("amount", ev.Amount.String()))
	detail := fmt.Sprintf("seq=%d sig=%s kind=%s owner=%s amount=%s memo=%s",
		ev.Sequence, ev.Signature, ev.Kind, ev.Owner, ev.Amount, ev.Memo)
	audit := model.NewAudit("event-indexer", "orphan_event", uuid.Nil, "", detail)
	if err := ix.store.AppendAudit(ctx, audit); err != nil {
		ix.logger.Error("orphan audit append failed", zap.Error(err))
	}
}

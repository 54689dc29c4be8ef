package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Simulator is an in-process Gateway used by tests and local development.
// It honors the same contract as the remote ledger: submissions are
// deduplicated by memo, confirmed effects are applied exactly once, and
// events carry monotonically increasing sequence markers.
type Simulator struct {
	mu        sync.Mutex
	balances  map[string]decimal.Decimal
	locked    map[string]decimal.Decimal
	statuses  map[string]Status
	byMemo    map[string]string // memo -> signature
	events    []Event
	seq       uint64
	rejectN   int
	transient int
	loseN     int
	delay     time.Duration
}

// NewSimulator creates an empty simulated ledger.
func NewSimulator() *Simulator {
	return &Simulator{
		balances: make(map[string]decimal.Decimal),
		locked:   make(map[string]decimal.Decimal),
		statuses: make(map[string]Status),
		byMemo:   make(map[string]string),
	}
}

// SetConfirmDelay delays confirmation after a submit; zero confirms inline.
func (s *Simulator) SetConfirmDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delay = d
}

// RejectNext makes the next n submissions fail permanently.
func (s *Simulator) RejectNext(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejectN = n
}

// TransientNext makes the next n submissions fail with a retryable error.
func (s *Simulator) TransientNext(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transient = n
}

// LoseNext makes the next n submissions vanish: the caller gets a
// signature but the ledger never records the transaction.
func (s *Simulator) LoseNext(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loseN = n
}

// SetBalance overrides an account balance directly, bypassing settlement.
// Used to model external drift in reconciliation tests.
func (s *Simulator) SetBalance(account string, amount decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balances[account] = amount
}

func signatureFor(tx *UnsignedTransaction) string {
	h := sha256.New()
	h.Write([]byte(tx.Memo))
	h.Write([]byte(tx.Payer))
	for _, ix := range tx.Instructions {
		h.Write([]byte(ix.ProgramID))
		h.Write(ix.Data)
	}
	return hex.EncodeToString(h.Sum(nil))[:64]
}

// Submit implements Gateway.
func (s *Simulator) Submit(ctx context.Context, tx *UnsignedTransaction) (string, error) {
	s.mu.Lock()

	if sig, seen := s.byMemo[tx.Memo]; seen && tx.Memo != "" {
		s.mu.Unlock()
		return sig, nil
	}
	if s.rejectN > 0 {
		s.rejectN--
		s.mu.Unlock()
		return "", ErrRejectedByLedger
	}
	if s.transient > 0 {
		s.transient--
		s.mu.Unlock()
		return "", ErrTransientNetwork
	}

	sig := signatureFor(tx)
	if s.loseN > 0 {
		s.loseN--
		s.mu.Unlock()
		return sig, nil
	}

	s.byMemo[tx.Memo] = sig
	s.statuses[sig] = StatusPending
	delay := s.delay
	s.mu.Unlock()

	if delay == 0 {
		s.confirm(sig, tx)
	} else {
		go func() {
			time.Sleep(delay)
			s.confirm(sig, tx)
		}()
	}
	return sig, nil
}

func (s *Simulator) confirm(sig string, tx *UnsignedTransaction) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.statuses[sig] != StatusPending {
		return
	}

	var ev Event
	applied := false
	for _, ix := range tx.Instructions {
		kind, amount, err := DecodeInstructionData(ix.Data,
			[]string{"deposit", "withdraw", "lock", "unlock", "initialize_vault"})
		if err != nil || len(ix.Accounts) < 2 {
			continue
		}
		owner, account := ix.Accounts[0], ix.Accounts[1]
		switch kind {
		case "deposit":
			s.balances[account] = s.balances[account].Add(amount)
		case "withdraw":
			if s.balances[account].LessThan(amount) {
				s.statuses[sig] = StatusFailed
				return
			}
			s.balances[account] = s.balances[account].Sub(amount)
		case "lock":
			s.locked[account] = s.locked[account].Add(amount)
		case "unlock":
			s.locked[account] = s.locked[account].Sub(amount)
		}
		s.seq++
		ev = Event{
			Sequence:  s.seq,
			Signature: sig,
			Kind:      kind,
			Owner:     owner,
			Amount:    amount,
			Memo:      tx.Memo,
			Timestamp: time.Now().UTC(),
		}
		applied = true
		break
	}

	s.statuses[sig] = StatusConfirmed
	if applied {
		s.events = append(s.events, ev)
	}
}

// Status implements Gateway.
func (s *Simulator) Status(ctx context.Context, signature string) (Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statuses[signature], nil
}

// Balance implements Gateway.
func (s *Simulator) Balance(ctx context.Context, account string) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balances[account], nil
}

// VaultState implements Gateway.
func (s *Simulator) VaultState(ctx context.Context, account string) (AccountState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return AccountState{Total: s.balances[account], Locked: s.locked[account]}, nil
}

// SubscribeEvents implements Gateway. Events already recorded after
// fromSeq are replayed first, then live events follow in order.
func (s *Simulator) SubscribeEvents(ctx context.Context, programID string, fromSeq uint64) (<-chan Event, error) {
	ch := make(chan Event, 64)
	go func() {
		defer close(ch)
		cursor := fromSeq
		ticker := time.NewTicker(5 * time.Millisecond)
		defer ticker.Stop()
		for {
			s.mu.Lock()
			var pending []Event
			for _, ev := range s.events {
				if ev.Sequence > cursor {
					pending = append(pending, ev)
				}
			}
			s.mu.Unlock()

			for _, ev := range pending {
				select {
				case ch <- ev:
					if ev.Sequence > cursor {
						cursor = ev.Sequence
					}
				case <-ctx.Done():
					return
				}
			}
			select {
			case <-ticker.C:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

// ReplayEvent re-emits an already recorded event with its original
// sequence marker, modelling duplicate delivery after a reconnect.
func (s *Simulator) ReplayEvent(seq uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ev := range s.events {
		if ev.Sequence == seq {
			s.events = append(s.events, ev)
			return
		}
	}
}

// InjectEvent records an event that has no local submission, modelling an
// effect observed before the local record was durable.
func (s *Simulator) InjectEvent(kind, owner, memo string, amount decimal.Decimal) Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	ev := Event{
		Sequence:  s.seq,
		Signature: "injected-" + hex.EncodeToString([]byte{byte(s.seq)}),
		Kind:      kind,
		Owner:     owner,
		Amount:    amount,
		Memo:      memo,
		Timestamp: time.Now().UTC(),
	}
	s.events = append(s.events, ev)
	return ev
}

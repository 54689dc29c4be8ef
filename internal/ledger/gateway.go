// Package ledger abstracts the remote programmable ledger: transaction
// submission, confirmation status, account balances, and the confirmed
// event stream. The rest of the core treats the ledger as opaque and
// authoritative; nothing here ever mutates local state.
package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/shopspring/decimal"
)

// Status of a submitted transaction as reported by the ledger.
type Status int

const (
	StatusUnknown Status = iota
	StatusPending
	StatusConfirmed
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusConfirmed:
		return "confirmed"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

var (
	// ErrRejectedByLedger is a permanent rejection; the transaction must
	// not be retried verbatim.
	ErrRejectedByLedger = errors.New("rejected by ledger")
	// ErrTransientNetwork is retryable per the configured backoff policy.
	ErrTransientNetwork = errors.New("transient network error")
)

// Instruction is one program invocation inside a transaction.
// By convention Accounts[0] is the acting owner and Accounts[1] the vault
// account the instruction settles against.
type Instruction struct {
	ProgramID string   `json:"program_id"`
	Accounts  []string `json:"accounts"`
	Data      []byte   `json:"data"`
}

// UnsignedTransaction is a fully formed but unsigned ledger transaction.
// Memo carries the idempotency key so the ledger can deduplicate resubmits.
type UnsignedTransaction struct {
	Instructions []Instruction `json:"instructions"`
	Payer        string        `json:"payer"`
	Memo         string        `json:"memo"`
	Nonce        uint64        `json:"nonce"`
}

// Event is a confirmed on-chain effect delivered in per-program sequence
// order. Sequence markers are monotonically increasing.
type Event struct {
	Sequence  uint64          `json:"sequence"`
	Signature string          `json:"signature"`
	Kind      string          `json:"kind"`
	Owner     string          `json:"owner"`
	Amount    decimal.Decimal `json:"amount"`
	Memo      string          `json:"memo"`
	Timestamp time.Time       `json:"timestamp"`
}

// AccountState is the decoded on-chain vault account.
type AccountState struct {
	Total  decimal.Decimal `json:"total"`
	Locked decimal.Decimal `json:"locked"`
}

// Available is the spendable portion of the account.
func (s AccountState) Available() decimal.Decimal {
	return s.Total.Sub(s.Locked)
}

// Gateway is the narrow surface the core consumes.
type Gateway interface {
	// Submit sends a signed transaction and returns its signature.
	// Submitting the same Memo twice returns the original signature and
	// has no further economic effect.
	Submit(ctx context.Context, tx *UnsignedTransaction) (string, error)
	// Status is the idempotent lookup keyed by signature.
	Status(ctx context.Context, signature string) (Status, error)
	// Balance fetches the current on-chain balance of an account.
	Balance(ctx context.Context, account string) (decimal.Decimal, error)
	// VaultState fetches and decodes the structured vault account:
	// total and locked balances as the ledger holds them.
	VaultState(ctx context.Context, account string) (AccountState, error)
	// SubscribeEvents streams confirmed events for a program starting
	// after fromSeq. The channel closes when ctx is done.
	SubscribeEvents(ctx context.Context, programID string, fromSeq uint64) (<-chan Event, error)
}

// Retryable reports whether a submission error may be retried.
func Retryable(err error) bool {
	return errors.Is(err, ErrTransientNetwork)
}

// DeriveVaultAddress derives the deterministic vault account for an owner,
// seeds ["vault", owner] hashed with the program id.
func DeriveVaultAddress(owner, programID string) string {
	return deriveAddress("vault", owner, programID)
}

// DeriveVaultAuthority derives the program's vault authority account.
func DeriveVaultAuthority(programID string) string {
	return deriveAddress("vault_authority", "", programID)
}

// DeriveTokenAccount derives the auxiliary token-holding account for an
// owner and mint.
func DeriveTokenAccount(owner, mint string) string {
	return deriveAddress("token", owner, mint)
}

func deriveAddress(seed, owner, domain string) string {
	h := sha256.New()
	h.Write([]byte(seed))
	h.Write([]byte(owner))
	h.Write([]byte(domain))
	return hex.EncodeToString(h.Sum(nil))[:44]
}

// instructionTag returns the 8-byte discriminator for a named instruction.
func instructionTag(kind string) []byte {
	sum := sha256.Sum256([]byte("global:" + kind))
	return sum[:8]
}

// EncodeInstructionData packs the instruction discriminator and amount in
// the ledger wire layout: 8-byte tag followed by a little-endian u64.
func EncodeInstructionData(kind string, amount decimal.Decimal) []byte {
	data := make([]byte, 16)
	copy(data, instructionTag(kind))
	binary.LittleEndian.PutUint64(data[8:], amount.BigInt().Uint64())
	return data
}

// DecodeInstructionData reverses EncodeInstructionData. The kind must be
// one of the candidates; unknown tags fail.
func DecodeInstructionData(data []byte, candidates []string) (string, decimal.Decimal, error) {
	if len(data) < 16 {
		return "", decimal.Zero, fmt.Errorf("instruction data too short: %d bytes", len(data))
	}
	for _, kind := range candidates {
		tag := instructionTag(kind)
		if string(tag) == string(data[:8]) {
			raw := binary.LittleEndian.Uint64(data[8:16])
			amount := decimal.NewFromBigInt(new(big.Int).SetUint64(raw), 0)
			return kind, amount, nil
		}
	}
	return "", decimal.Zero, errors.New("unknown instruction tag")
}

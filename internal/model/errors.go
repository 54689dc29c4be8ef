package model

import "errors"

// Caller errors: rejected immediately, never retried.
var (
	ErrInvalidAmount         = errors.New("invalid amount")
	ErrUnknownVault          = errors.New("unknown vault")
	ErrUnknownLock           = errors.New("unknown lock")
	ErrInsufficientAvailable = errors.New("insufficient available balance")
	ErrAlreadyUnlocking      = errors.New("lock already unlocking")
)

// Settlement errors.
var (
	// ErrSubmissionFailed is surfaced after transient retries are exhausted.
	ErrSubmissionFailed = errors.New("submission failed")
	// ErrVersionConflict signals an optimistic concurrency failure on a
	// vault record; the local application is retried, never the submission.
	ErrVersionConflict = errors.New("record version conflict")
	// ErrNotFound is the store-level miss for any record type.
	ErrNotFound = errors.New("record not found")
)

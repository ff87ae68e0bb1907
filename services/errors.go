package services

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

var (
	// ErrNotFound: activity, subject or referenced record is missing.
	ErrNotFound = errors.New("not found")
	// ErrUnauthenticated: the submitting student is unknown.
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrConflict: idempotency key already recorded in the ledger.
	ErrConflict = errors.New("idempotency key conflict")
	// ErrStorageUnavailable: transient storage failure, safe to retry.
	ErrStorageUnavailable = errors.New("storage unavailable")
	// ErrInvalidInput: request violates a domain invariant.
	ErrInvalidInput = errors.New("invalid input")
	// ErrInsufficientBalance: an adjustment would drive a balance below zero.
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrAttemptIDReused: a client attempt id already belongs to another submission.
	ErrAttemptIDReused = errors.New("attempt id already used")

	errStudentVersionConflict = errors.New("student version conflict")
)

// ThrottledError rejects a submission while the attempt cooldown is active.
type ThrottledError struct {
	AttemptsLimit     int
	CooldownExpiresAt time.Time
}

func (e *ThrottledError) Error() string {
	return fmt.Sprintf("attempt limit %d reached, cooldown until %s",
		e.AttemptsLimit, e.CooldownExpiresAt.UTC().Format(time.RFC3339))
}

// RetryAfter is the remaining cooldown relative to now, never negative.
func (e *ThrottledError) RetryAfter(now time.Time) time.Duration {
	if d := e.CooldownExpiresAt.Sub(now); d > 0 {
		return d
	}
	return 0
}

// classifyStorageError keeps domain errors as they are and turns every other
// storage failure into ErrStorageUnavailable.
func classifyStorageError(op string, err error) error {
	if err == nil {
		return nil
	}
	var throttled *ThrottledError
	switch {
	case errors.As(err, &throttled),
		errors.Is(err, ErrNotFound),
		errors.Is(err, ErrUnauthenticated),
		errors.Is(err, ErrConflict),
		errors.Is(err, ErrInvalidInput),
		errors.Is(err, ErrInsufficientBalance),
		errors.Is(err, ErrAttemptIDReused),
		errors.Is(err, ErrStorageUnavailable):
		return err
	case errors.Is(err, gorm.ErrRecordNotFound):
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	default:
		// includes context cancellation: the whole request is retryable
		return fmt.Errorf("%s: %w: %v", op, ErrStorageUnavailable, err)
	}
}

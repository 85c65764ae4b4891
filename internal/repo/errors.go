package repo

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

var (
	// ErrNotFound is the root of every missing-entity error.
	ErrNotFound       = errors.New("not found")
	ErrClientNotFound = fmt.Errorf("client %w", ErrNotFound)
	ErrRewardNotFound = fmt.Errorf("reward %w", ErrNotFound)

	// ErrInsufficientBalance is returned when a redemption costs more than the balance.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrInvalidState guards the non-negative balance invariant on write.
	ErrInvalidState = errors.New("invalid state: negative balance")

	// ErrConcurrentModification means the optimistic version check lost a race.
	ErrConcurrentModification = errors.New("concurrent modification")

	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

	// ErrStorage matches every *StorageError via errors.Is.
	ErrStorage = errors.New("storage error")
)

// InsufficientBalanceError carries the numbers behind a rejected redemption.
type InsufficientBalanceError struct {
	ClientID  string
	Available int64
	Required  int64
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance: client %s has %d points, %d required",
		e.ClientID, e.Available, e.Required)
}

func (e *InsufficientBalanceError) Unwrap() error { return ErrInsufficientBalance }

// StorageError wraps a backing store failure with the operation that hit it.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string { return fmt.Sprintf("storage: %s: %v", e.Op, e.Err) }

func (e *StorageError) Unwrap() error { return e.Err }

func (e *StorageError) Is(target error) bool { return target == ErrStorage }

// storageErr classifies a raw gorm error. Domain errors pass through untouched.
func storageErr(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNotFound),
		errors.Is(err, ErrInsufficientBalance),
		errors.Is(err, ErrInvalidState),
		errors.Is(err, ErrConcurrentModification),
		errors.Is(err, ErrDuplicateIdempotencyKey),
		errors.Is(err, ErrStorage):
		return err
	case isUniqueViolation(err):
		return ErrDuplicateIdempotencyKey
	}
	return &StorageError{Op: op, Err: err}
}

const pgUniqueViolationCode = "23505"

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolationCode
}

// IsNotFound reports whether err means a missing client or reward.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

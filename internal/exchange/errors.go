package exchange

import (
	"errors"
	"fmt"

	"github.com/xtrntr/spotmatch/internal/auth"
	"github.com/xtrntr/spotmatch/internal/db"
	"github.com/xtrntr/spotmatch/internal/ledger"
)

var (
	ErrInvalidOrder = errors.New("invalid order")
	ErrInvalidState = errors.New("order cannot be cancelled")
	ErrForbidden    = auth.ErrForbidden
	ErrNotFound     = db.ErrNotFound

	ErrInsufficientFunds = ledger.ErrInsufficientFunds
	ErrInsufficientAsset = ledger.ErrInsufficientAsset
)

// ValidationError describes why an order request was refused. It matches
// ErrInvalidOrder with errors.Is.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return ErrInvalidOrder
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

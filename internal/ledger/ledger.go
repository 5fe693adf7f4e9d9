// Package ledger holds the balance and asset adjustments applied to rows
// that are already locked by the enclosing atomic unit.
//
// ReserveBalance and LockAsset are the only user-facing failures. The
// settlement-side primitives assume the caller locked enough beforehand and
// report a *ConsistencyFault when that assumption breaks.
package ledger

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/xtrntr/spotmatch/internal/models"
)

var (
	ErrInsufficientFunds = errors.New("insufficient balance")
	ErrInsufficientAsset = errors.New("insufficient asset balance")
	ErrNonPositive       = errors.New("amount must be positive")
)

// ConsistencyFault reports a ledger underflow inside an operation that
// should have been covered by an earlier lock.
type ConsistencyFault struct {
	Op     string
	UserID int64
	Symbol string
	Have   decimal.Decimal
	Want   decimal.Decimal
}

func (f *ConsistencyFault) Error() string {
	if f.Symbol == "" {
		return fmt.Sprintf("consistency fault: %s for user %d: have %s, want %s", f.Op, f.UserID, f.Have, f.Want)
	}
	return fmt.Sprintf("consistency fault: %s %s for user %d: have %s, want %s", f.Op, f.Symbol, f.UserID, f.Have, f.Want)
}

// IsConsistencyFault reports whether err carries a *ConsistencyFault
func IsConsistencyFault(err error) bool {
	var f *ConsistencyFault
	return errors.As(err, &f)
}

// ReserveBalance takes amount out of the user's spendable balance
func ReserveBalance(u *models.User, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrNonPositive
	}
	if u.Balance.LessThan(amount) {
		return ErrInsufficientFunds
	}
	u.Balance = u.Balance.Sub(amount)
	return nil
}

// ReleaseBalance returns a previously reserved amount to the balance
func ReleaseBalance(u *models.User, amount decimal.Decimal) {
	u.Balance = u.Balance.Add(amount)
}

// LockAsset moves amount from the free to the locked quantity. A nil asset
// means the user never held the symbol.
func LockAsset(a *models.Asset, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrNonPositive
	}
	if a == nil || a.Amount.LessThan(amount) {
		return ErrInsufficientAsset
	}
	a.Amount = a.Amount.Sub(amount)
	a.LockedAmount = a.LockedAmount.Add(amount)
	return nil
}

// UnlockAsset reverses LockAsset
func UnlockAsset(a *models.Asset, amount decimal.Decimal) error {
	if err := checkLocked("unlock asset", a, amount); err != nil {
		return err
	}
	a.LockedAmount = a.LockedAmount.Sub(amount)
	a.Amount = a.Amount.Add(amount)
	return nil
}

// CreditBalance adds settlement proceeds to the balance
func CreditBalance(u *models.User, amount decimal.Decimal) error {
	if amount.IsNegative() || u.Balance.Add(amount).IsNegative() {
		return &ConsistencyFault{Op: "credit balance", UserID: u.ID, Have: u.Balance, Want: amount}
	}
	u.Balance = u.Balance.Add(amount)
	return nil
}

// CreditAsset adds received units to the free quantity
func CreditAsset(a *models.Asset, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return &ConsistencyFault{Op: "credit asset", UserID: a.UserID, Symbol: a.Symbol, Have: a.Amount, Want: amount}
	}
	a.Amount = a.Amount.Add(amount)
	return nil
}

// DebitLockedAsset consumes locked units delivered to a counterparty
func DebitLockedAsset(a *models.Asset, amount decimal.Decimal) error {
	if err := checkLocked("debit locked asset", a, amount); err != nil {
		return err
	}
	a.LockedAmount = a.LockedAmount.Sub(amount)
	return nil
}

func checkLocked(op string, a *models.Asset, amount decimal.Decimal) error {
	if a == nil {
		return &ConsistencyFault{Op: op, Have: decimal.Zero, Want: amount}
	}
	if amount.IsNegative() || a.LockedAmount.LessThan(amount) {
		return &ConsistencyFault{Op: op, UserID: a.UserID, Symbol: a.Symbol, Have: a.LockedAmount, Want: amount}
	}
	return nil
}

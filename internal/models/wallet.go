package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Wallet holds one user's funds in one currency. LockedBalance is the part
// of Balance reserved against pending orders.
type Wallet struct {
	ID            uuid.UUID       `json:"id"`
	UserID        uuid.UUID       `json:"user_id"`
	CurrencyID    uuid.UUID       `json:"currency_id"`
	Balance       decimal.Decimal `json:"balance"`
	LockedBalance decimal.Decimal `json:"locked_balance"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Available is the amount the owner may newly commit
func (w *Wallet) Available() decimal.Decimal {
	return w.Balance.Sub(w.LockedBalance)
}

// Lock reserves amount. The caller must have checked Available first.
func (w *Wallet) Lock(amount decimal.Decimal) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	w.LockedBalance = w.LockedBalance.Add(amount)
	return nil
}

// Unlock releases amount, clamping the locked balance at zero
func (w *Wallet) Unlock(amount decimal.Decimal) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	w.LockedBalance = decimal.Max(decimal.Zero, w.LockedBalance.Sub(amount))
	return nil
}

// Credit adds amount to the balance
func (w *Wallet) Credit(amount decimal.Decimal) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	w.Balance = w.Balance.Add(amount)
	return nil
}

// Debit removes amount from the balance
func (w *Wallet) Debit(amount decimal.Decimal) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	if w.Balance.LessThan(amount) {
		return fmt.Errorf("%w: balance %s below %s", ErrInsufficientFunds, w.Balance, amount)
	}
	w.Balance = w.Balance.Sub(amount)
	return nil
}

func checkAmount(amount decimal.Decimal) error {
	if amount.IsNegative() {
		return fmt.Errorf("%w: negative amount %s", ErrInvalidArgument, amount)
	}
	return nil
}

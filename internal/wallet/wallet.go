// Package wallet applies balance primitives to persisted wallets. Every
// call runs inside the caller's transaction and writes the wallet back
// before returning.
package wallet

import (
	"bytes"
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/xtrntr/spotexchange/internal/db"
	"github.com/xtrntr/spotexchange/internal/models"
)

// Manager mutates wallets through a db.Tx
type Manager struct{}

// NewManager creates a wallet manager
func NewManager() *Manager {
	return &Manager{}
}

// Key names one wallet
type Key struct {
	UserID     uuid.UUID
	CurrencyID uuid.UUID
}

func (k Key) less(o Key) bool {
	if c := bytes.Compare(k.UserID[:], o.UserID[:]); c != 0 {
		return c < 0
	}
	return bytes.Compare(k.CurrencyID[:], o.CurrencyID[:]) < 0
}

// Acquire row-locks the given wallets in (user, currency) order. A
// transaction that writes more than one wallet calls it first so that
// concurrent transactions always wait on wallets in the same order.
func (m *Manager) Acquire(ctx context.Context, tx db.Tx, keys ...Key) error {
	sorted := append([]Key(nil), keys...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].less(sorted[j]) })
	for i, k := range sorted {
		if i > 0 && k == sorted[i-1] {
			continue
		}
		if _, err := tx.WalletForUpdate(ctx, k.UserID, k.CurrencyID); err != nil {
			return err
		}
	}
	return nil
}

// Available returns balance minus locked balance for the user's currency
func (m *Manager) Available(ctx context.Context, tx db.Tx, userID, currencyID uuid.UUID) (decimal.Decimal, error) {
	w, err := tx.WalletForUpdate(ctx, userID, currencyID)
	if err != nil {
		return decimal.Zero, err
	}
	return w.Available(), nil
}

// Lock reserves amount against pending orders. Callers check Available first.
func (m *Manager) Lock(ctx context.Context, tx db.Tx, userID, currencyID uuid.UUID, amount decimal.Decimal) error {
	return m.apply(ctx, tx, userID, currencyID, "lock", func(w *models.Wallet) error { return w.Lock(amount) })
}

// Unlock releases a reservation, never taking the locked balance below zero
func (m *Manager) Unlock(ctx context.Context, tx db.Tx, userID, currencyID uuid.UUID, amount decimal.Decimal) error {
	return m.apply(ctx, tx, userID, currencyID, "unlock", func(w *models.Wallet) error { return w.Unlock(amount) })
}

// Credit adds amount to the balance
func (m *Manager) Credit(ctx context.Context, tx db.Tx, userID, currencyID uuid.UUID, amount decimal.Decimal) error {
	return m.apply(ctx, tx, userID, currencyID, "credit", func(w *models.Wallet) error { return w.Credit(amount) })
}

// Debit removes amount from the balance, failing with ErrInsufficientFunds
// if the balance is too small
func (m *Manager) Debit(ctx context.Context, tx db.Tx, userID, currencyID uuid.UUID, amount decimal.Decimal) error {
	return m.apply(ctx, tx, userID, currencyID, "debit", func(w *models.Wallet) error { return w.Debit(amount) })
}

// Balances lists all wallets of a user
func (m *Manager) Balances(ctx context.Context, tx db.Tx, userID uuid.UUID) ([]models.Wallet, error) {
	return tx.UserWallets(ctx, userID)
}

func (m *Manager) apply(ctx context.Context, tx db.Tx, userID, currencyID uuid.UUID, op string, fn func(*models.Wallet) error) error {
	w, err := tx.WalletForUpdate(ctx, userID, currencyID)
	if err != nil {
		return err
	}
	if err := fn(w); err != nil {
		return fmt.Errorf("%s wallet %s: %w", op, w.ID, err)
	}
	return tx.UpdateWallet(ctx, w)
}

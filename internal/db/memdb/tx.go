package memdb

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/xtrntr/spotexchange/internal/models"
)

// tx implements db.Tx. The store mutex is held for its whole lifetime, so
// row and pair locks are implicit.
type tx struct {
	t *tables
}

func (x *tx) LockPair(ctx context.Context, pair models.Pair) error {
	return nil
}

func (x *tx) User(ctx context.Context, id uuid.UUID) (*models.User, error) {
	return x.t.users.get(id)
}

func (x *tx) UserByEmail(ctx context.Context, email string) (*models.User, error) {
	found := x.t.users.filter(func(u *models.User) bool { return strings.EqualFold(u.Email, email) })
	if len(found) == 0 {
		return nil, fmt.Errorf("user %s: %w", email, models.ErrNotFound)
	}
	return &found[0], nil
}

func (x *tx) CreateUser(ctx context.Context, u *models.User) error {
	if _, err := x.UserByEmail(ctx, u.Email); err == nil {
		return fmt.Errorf("user %s already exists: %w", u.Email, models.ErrConflict)
	}
	return x.t.users.insert(u.ID, *u)
}

func (x *tx) UpdateUser(ctx context.Context, u *models.User) error {
	return x.t.users.update(u.ID, *u)
}

func (x *tx) Currency(ctx context.Context, id uuid.UUID) (*models.Currency, error) {
	return x.t.currencies.get(id)
}

func (x *tx) Currencies(ctx context.Context) ([]models.Currency, error) {
	all := x.t.currencies.filter(func(*models.Currency) bool { return true })
	sort.Slice(all, func(i, j int) bool { return all[i].Symbol < all[j].Symbol })
	return all, nil
}

func (x *tx) CreateCurrency(ctx context.Context, c *models.Currency) error {
	return x.t.currencies.insert(c.ID, *c)
}

func (x *tx) WalletForUpdate(ctx context.Context, userID, currencyID uuid.UUID) (*models.Wallet, error) {
	found := x.t.wallets.filter(func(w *models.Wallet) bool {
		return w.UserID == userID && w.CurrencyID == currencyID
	})
	if len(found) > 0 {
		return &found[0], nil
	}
	now := time.Now().UTC()
	w := models.Wallet{
		ID:            uuid.New(),
		UserID:        userID,
		CurrencyID:    currencyID,
		Balance:       decimal.Zero,
		LockedBalance: decimal.Zero,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := x.t.wallets.insert(w.ID, w); err != nil {
		return nil, err
	}
	return &w, nil
}

func (x *tx) UpdateWallet(ctx context.Context, w *models.Wallet) error {
	if w.LockedBalance.IsNegative() || w.LockedBalance.GreaterThan(w.Balance) {
		return fmt.Errorf("wallet %s: locked %s outside [0, %s]", w.ID, w.LockedBalance, w.Balance)
	}
	w.UpdatedAt = time.Now().UTC()
	return x.t.wallets.update(w.ID, *w)
}

func (x *tx) UserWallets(ctx context.Context, userID uuid.UUID) ([]models.Wallet, error) {
	found := x.t.wallets.filter(func(w *models.Wallet) bool { return w.UserID == userID })
	sort.Slice(found, func(i, j int) bool { return found[i].CreatedAt.Before(found[j].CreatedAt) })
	return found, nil
}

func (x *tx) CreateOrder(ctx context.Context, o *models.Order) error {
	return x.t.orders.insert(o.ID, *o)
}

func (x *tx) Order(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	return x.t.orders.get(id)
}

func (x *tx) OrderForUpdate(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	return x.t.orders.get(id)
}

func (x *tx) UpdateOrder(ctx context.Context, o *models.Order) error {
	o.UpdatedAt = time.Now().UTC()
	return x.t.orders.update(o.ID, *o)
}

func (x *tx) PendingOrders(ctx context.Context, pair models.Pair, side models.OrderType, forUpdate bool) ([]models.Order, error) {
	return x.t.orders.filter(func(o *models.Order) bool {
		return o.Status == models.OrderPending && o.Type == side && o.Pair() == pair
	}), nil
}

func (x *tx) UserOrders(ctx context.Context, userID uuid.UUID) ([]models.Order, error) {
	found := x.t.orders.filter(func(o *models.Order) bool { return o.UserID == userID })
	sort.Slice(found, func(i, j int) bool { return found[i].CreatedAt.After(found[j].CreatedAt) })
	return found, nil
}

func (x *tx) CreateTrade(ctx context.Context, t *models.Trade) error {
	return x.t.trades.insert(t.ID, *t)
}

func (x *tx) RecentTrades(ctx context.Context, pair models.Pair, limit int) ([]models.Trade, error) {
	found := x.t.trades.filter(func(t *models.Trade) bool { return t.Pair() == pair })
	sortTradesNewestFirst(found)
	if limit >= 0 && len(found) > limit {
		found = found[:limit]
	}
	return found, nil
}

func (x *tx) UserTrades(ctx context.Context, userID uuid.UUID) ([]models.Trade, error) {
	found := x.t.trades.filter(func(t *models.Trade) bool { return t.BuyerID == userID || t.SellerID == userID })
	sortTradesNewestFirst(found)
	return found, nil
}

func sortTradesNewestFirst(ts []models.Trade) {
	sort.SliceStable(ts, func(i, j int) bool {
		if !ts[i].CreatedAt.Equal(ts[j].CreatedAt) {
			return ts[i].CreatedAt.After(ts[j].CreatedAt)
		}
		return ts[i].ID.String() > ts[j].ID.String()
	})
}

func (x *tx) CreateDeposit(ctx context.Context, d *models.Deposit) error {
	return x.t.deposits.insert(d.ID, *d)
}

func (x *tx) DepositForUpdate(ctx context.Context, id uuid.UUID) (*models.Deposit, error) {
	return x.t.deposits.get(id)
}

func (x *tx) UpdateDeposit(ctx context.Context, d *models.Deposit) error {
	d.UpdatedAt = time.Now().UTC()
	return x.t.deposits.update(d.ID, *d)
}

func (x *tx) UserDeposits(ctx context.Context, userID uuid.UUID) ([]models.Deposit, error) {
	found := x.t.deposits.filter(func(d *models.Deposit) bool { return d.UserID == userID })
	sort.SliceStable(found, func(i, j int) bool { return found[i].CreatedAt.After(found[j].CreatedAt) })
	return found, nil
}

func (x *tx) CreateWithdrawal(ctx context.Context, w *models.Withdrawal) error {
	return x.t.withdrawals.insert(w.ID, *w)
}

func (x *tx) WithdrawalForUpdate(ctx context.Context, id uuid.UUID) (*models.Withdrawal, error) {
	return x.t.withdrawals.get(id)
}

func (x *tx) UpdateWithdrawal(ctx context.Context, w *models.Withdrawal) error {
	w.UpdatedAt = time.Now().UTC()
	return x.t.withdrawals.update(w.ID, *w)
}

func (x *tx) UserWithdrawals(ctx context.Context, userID uuid.UUID) ([]models.Withdrawal, error) {
	found := x.t.withdrawals.filter(func(w *models.Withdrawal) bool { return w.UserID == userID })
	sort.SliceStable(found, func(i, j int) bool { return found[i].CreatedAt.After(found[j].CreatedAt) })
	return found, nil
}

func (x *tx) CreateTransfer(ctx context.Context, t *models.Transfer) error {
	return x.t.transfers.insert(t.ID, *t)
}

func (x *tx) UserTransfers(ctx context.Context, userID uuid.UUID) ([]models.Transfer, error) {
	found := x.t.transfers.filter(func(t *models.Transfer) bool { return t.FromUserID == userID || t.ToUserID == userID })
	sort.SliceStable(found, func(i, j int) bool { return found[i].CreatedAt.After(found[j].CreatedAt) })
	return found, nil
}

func (x *tx) AppendTransaction(ctx context.Context, t *models.Transaction) error {
	return x.t.transactions.insert(t.ID, *t)
}

func (x *tx) UserTransactions(ctx context.Context, userID uuid.UUID) ([]models.Transaction, error) {
	found := x.t.transactions.filter(func(t *models.Transaction) bool { return t.UserID == userID })
	sort.SliceStable(found, func(i, j int) bool { return found[i].CreatedAt.After(found[j].CreatedAt) })
	return found, nil
}

package db

import (
	"context"

	"github.com/google/uuid"
	"github.com/xtrntr/spotexchange/internal/models"
)

// Store runs units of work against the ledger. WithTx commits when fn
// returns nil and rolls everything back otherwise.
type Store interface {
	WithTx(ctx context.Context, fn func(tx Tx) error) error
	Close()
}

// Tx is the set of queries available inside one ledger transaction.
// Lookups of a missing entity return an error wrapping models.ErrNotFound.
// Methods named ForUpdate lock the row until the transaction ends.
type Tx interface {
	// LockPair serializes matching and cancellation on one market
	LockPair(ctx context.Context, pair models.Pair) error

	User(ctx context.Context, id uuid.UUID) (*models.User, error)
	UserByEmail(ctx context.Context, email string) (*models.User, error)
	CreateUser(ctx context.Context, u *models.User) error
	UpdateUser(ctx context.Context, u *models.User) error

	Currency(ctx context.Context, id uuid.UUID) (*models.Currency, error)
	Currencies(ctx context.Context) ([]models.Currency, error)
	CreateCurrency(ctx context.Context, c *models.Currency) error

	// WalletForUpdate returns the user's wallet for the currency, creating an
	// empty one first if none exists
	WalletForUpdate(ctx context.Context, userID, currencyID uuid.UUID) (*models.Wallet, error)
	UpdateWallet(ctx context.Context, w *models.Wallet) error
	UserWallets(ctx context.Context, userID uuid.UUID) ([]models.Wallet, error)

	CreateOrder(ctx context.Context, o *models.Order) error
	Order(ctx context.Context, id uuid.UUID) (*models.Order, error)
	OrderForUpdate(ctx context.Context, id uuid.UUID) (*models.Order, error)
	UpdateOrder(ctx context.Context, o *models.Order) error
	PendingOrders(ctx context.Context, pair models.Pair, side models.OrderType, forUpdate bool) ([]models.Order, error)
	UserOrders(ctx context.Context, userID uuid.UUID) ([]models.Order, error)

	CreateTrade(ctx context.Context, t *models.Trade) error
	RecentTrades(ctx context.Context, pair models.Pair, limit int) ([]models.Trade, error)
	UserTrades(ctx context.Context, userID uuid.UUID) ([]models.Trade, error)

	CreateDeposit(ctx context.Context, d *models.Deposit) error
	DepositForUpdate(ctx context.Context, id uuid.UUID) (*models.Deposit, error)
	UpdateDeposit(ctx context.Context, d *models.Deposit) error
	UserDeposits(ctx context.Context, userID uuid.UUID) ([]models.Deposit, error)

	CreateWithdrawal(ctx context.Context, w *models.Withdrawal) error
	WithdrawalForUpdate(ctx context.Context, id uuid.UUID) (*models.Withdrawal, error)
	UpdateWithdrawal(ctx context.Context, w *models.Withdrawal) error
	UserWithdrawals(ctx context.Context, userID uuid.UUID) ([]models.Withdrawal, error)

	CreateTransfer(ctx context.Context, t *models.Transfer) error
	// UserTransfers returns transfers the user sent or received
	UserTransfers(ctx context.Context, userID uuid.UUID) ([]models.Transfer, error)

	AppendTransaction(ctx context.Context, t *models.Transaction) error
	UserTransactions(ctx context.Context, userID uuid.UUID) ([]models.Transaction, error)
}

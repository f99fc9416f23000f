package db

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/xtrntr/spotexchange/internal/models"
)

// DB wraps a PostgreSQL connection pool
type DB struct {
	Pool *pgxpool.Pool
}

var _ Store = (*DB)(nil)

// NewDB initializes a new database connection pool
func NewDB(ctx context.Context, connString string, maxConns int32) (*DB, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to reach database: %w", err)
	}
	return &DB{Pool: pool}, nil
}

// Close closes the database connection pool
func (db *DB) Close() {
	db.Pool.Close()
}

// WithTx runs fn inside a READ COMMITTED transaction. Rows that are going to
// be written are locked with SELECT ... FOR UPDATE by the Tx methods.
func (db *DB) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := db.Pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&pgTx{q: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

var users = &entity[models.User]{
	name:    "user",
	table:   "users",
	columns: []string{"id", "email", "password_hash", "first_name", "last_name", "kyc_status", "is_active", "created_at"},
	values: func(u *models.User) []any {
		return []any{u.ID, u.Email, u.PasswordHash, u.FirstName, u.LastName, u.KYCStatus, u.IsActive, u.CreatedAt}
	},
	scan: func(r pgx.Row, u *models.User) error {
		return r.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.FirstName, &u.LastName, &u.KYCStatus, &u.IsActive, &u.CreatedAt)
	},
}

var currencies = &entity[models.Currency]{
	name:    "currency",
	table:   "currencies",
	columns: []string{"id", "symbol", "name", "type", "decimal_places", "is_active", "created_at"},
	values: func(c *models.Currency) []any {
		return []any{c.ID, c.Symbol, c.Name, c.Type, c.DecimalPlaces, c.IsActive, c.CreatedAt}
	},
	scan: func(r pgx.Row, c *models.Currency) error {
		return r.Scan(&c.ID, &c.Symbol, &c.Name, &c.Type, &c.DecimalPlaces, &c.IsActive, &c.CreatedAt)
	},
}

var wallets = &entity[models.Wallet]{
	name:    "wallet",
	table:   "wallets",
	columns: []string{"id", "user_id", "currency_id", "balance", "locked_balance", "created_at", "updated_at"},
	values: func(w *models.Wallet) []any {
		return []any{w.ID, w.UserID, w.CurrencyID, w.Balance, w.LockedBalance, w.CreatedAt, w.UpdatedAt}
	},
	scan: func(r pgx.Row, w *models.Wallet) error {
		return r.Scan(&w.ID, &w.UserID, &w.CurrencyID, &w.Balance, &w.LockedBalance, &w.CreatedAt, &w.UpdatedAt)
	},
}

var orders = &entity[models.Order]{
	name:    "order",
	table:   "orders",
	columns: []string{"id", "user_id", "base_currency_id", "quote_currency_id", "type", "status", "quantity", "price", "created_at", "updated_at"},
	values: func(o *models.Order) []any {
		return []any{o.ID, o.UserID, o.BaseCurrencyID, o.QuoteCurrencyID, string(o.Type), string(o.Status), o.Quantity, o.Price, o.CreatedAt, o.UpdatedAt}
	},
	scan: func(r pgx.Row, o *models.Order) error {
		var typ, status string
		if err := r.Scan(&o.ID, &o.UserID, &o.BaseCurrencyID, &o.QuoteCurrencyID, &typ, &status, &o.Quantity, &o.Price, &o.CreatedAt, &o.UpdatedAt); err != nil {
			return err
		}
		o.Type, o.Status = models.OrderType(typ), models.OrderStatus(status)
		return nil
	},
}

var trades = &entity[models.Trade]{
	name:    "trade",
	table:   "trades",
	columns: []string{"id", "buy_order_id", "sell_order_id", "buyer_id", "seller_id", "base_currency_id", "quote_currency_id", "quantity", "price", "created_at"},
	values: func(t *models.Trade) []any {
		return []any{t.ID, t.BuyOrderID, t.SellOrderID, t.BuyerID, t.SellerID, t.BaseCurrencyID, t.QuoteCurrencyID, t.Quantity, t.Price, t.CreatedAt}
	},
	scan: func(r pgx.Row, t *models.Trade) error {
		return r.Scan(&t.ID, &t.BuyOrderID, &t.SellOrderID, &t.BuyerID, &t.SellerID, &t.BaseCurrencyID, &t.QuoteCurrencyID, &t.Quantity, &t.Price, &t.CreatedAt)
	},
}

var deposits = &entity[models.Deposit]{
	name:    "deposit",
	table:   "deposits",
	columns: []string{"id", "user_id", "currency_id", "amount", "status", "created_at", "updated_at"},
	values: func(d *models.Deposit) []any {
		return []any{d.ID, d.UserID, d.CurrencyID, d.Amount, d.Status, d.CreatedAt, d.UpdatedAt}
	},
	scan: func(r pgx.Row, d *models.Deposit) error {
		return r.Scan(&d.ID, &d.UserID, &d.CurrencyID, &d.Amount, &d.Status, &d.CreatedAt, &d.UpdatedAt)
	},
}

var withdrawals = &entity[models.Withdrawal]{
	name:    "withdrawal",
	table:   "withdrawals",
	columns: []string{"id", "user_id", "currency_id", "amount", "status", "created_at", "updated_at"},
	values: func(w *models.Withdrawal) []any {
		return []any{w.ID, w.UserID, w.CurrencyID, w.Amount, w.Status, w.CreatedAt, w.UpdatedAt}
	},
	scan: func(r pgx.Row, w *models.Withdrawal) error {
		return r.Scan(&w.ID, &w.UserID, &w.CurrencyID, &w.Amount, &w.Status, &w.CreatedAt, &w.UpdatedAt)
	},
}

var transfers = &entity[models.Transfer]{
	name:    "transfer",
	table:   "transfers",
	columns: []string{"id", "from_user_id", "to_user_id", "currency_id", "amount", "status", "created_at"},
	values: func(t *models.Transfer) []any {
		return []any{t.ID, t.FromUserID, t.ToUserID, t.CurrencyID, t.Amount, t.Status, t.CreatedAt}
	},
	scan: func(r pgx.Row, t *models.Transfer) error {
		return r.Scan(&t.ID, &t.FromUserID, &t.ToUserID, &t.CurrencyID, &t.Amount, &t.Status, &t.CreatedAt)
	},
}

var transactions = &entity[models.Transaction]{
	name:    "transaction",
	table:   "transactions",
	columns: []string{"id", "user_id", "currency_id", "type", "amount", "status", "created_at"},
	values: func(t *models.Transaction) []any {
		return []any{t.ID, t.UserID, t.CurrencyID, t.Type, t.Amount, t.Status, t.CreatedAt}
	},
	scan: func(r pgx.Row, t *models.Transaction) error {
		return r.Scan(&t.ID, &t.UserID, &t.CurrencyID, &t.Type, &t.Amount, &t.Status, &t.CreatedAt)
	},
}

// pgTx implements Tx on top of a pgx transaction
type pgTx struct {
	q querier
}

func (t *pgTx) LockPair(ctx context.Context, pair models.Pair) error {
	if _, err := t.q.Exec(ctx, "SELECT pg_advisory_xact_lock(hashtext($1))", pair.String()); err != nil {
		return fmt.Errorf("failed to lock pair %s: %w", pair, err)
	}
	return nil
}

func (t *pgTx) User(ctx context.Context, id uuid.UUID) (*models.User, error) {
	return users.get(ctx, t.q, id, false)
}

func (t *pgTx) UserByEmail(ctx context.Context, email string) (*models.User, error) {
	return users.findBy(ctx, t.q, "lower(email)", strings.ToLower(email), false)
}

func (t *pgTx) CreateUser(ctx context.Context, u *models.User) error {
	return users.insert(ctx, t.q, u)
}

func (t *pgTx) UpdateUser(ctx context.Context, u *models.User) error {
	return users.update(ctx, t.q, u)
}

func (t *pgTx) Currency(ctx context.Context, id uuid.UUID) (*models.Currency, error) {
	return currencies.get(ctx, t.q, id, false)
}

func (t *pgTx) Currencies(ctx context.Context) ([]models.Currency, error) {
	return currencies.where(ctx, t.q, "ORDER BY symbol")
}

func (t *pgTx) CreateCurrency(ctx context.Context, c *models.Currency) error {
	return currencies.insert(ctx, t.q, c)
}

func (t *pgTx) WalletForUpdate(ctx context.Context, userID, currencyID uuid.UUID) (*models.Wallet, error) {
	now := time.Now().UTC()
	_, err := t.q.Exec(ctx, `
		INSERT INTO wallets (id, user_id, currency_id, balance, locked_balance, created_at, updated_at)
		VALUES ($1, $2, $3, 0, 0, $4, $4)
		ON CONFLICT (user_id, currency_id) DO NOTHING
	`, uuid.New(), userID, currencyID, now)
	if err != nil {
		return nil, fmt.Errorf("failed to ensure wallet: %w", err)
	}

	found, err := wallets.where(ctx, t.q, "WHERE user_id = $1 AND currency_id = $2 FOR UPDATE", userID, currencyID)
	if err != nil {
		return nil, err
	}
	if len(found) == 0 {
		return nil, fmt.Errorf("wallet %s/%s: %w", userID, currencyID, models.ErrNotFound)
	}
	return &found[0], nil
}

func (t *pgTx) UpdateWallet(ctx context.Context, w *models.Wallet) error {
	w.UpdatedAt = time.Now().UTC()
	return wallets.update(ctx, t.q, w)
}

func (t *pgTx) UserWallets(ctx context.Context, userID uuid.UUID) ([]models.Wallet, error) {
	return wallets.where(ctx, t.q, "WHERE user_id = $1 ORDER BY created_at", userID)
}

func (t *pgTx) CreateOrder(ctx context.Context, o *models.Order) error {
	return orders.insert(ctx, t.q, o)
}

func (t *pgTx) Order(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	return orders.get(ctx, t.q, id, false)
}

func (t *pgTx) OrderForUpdate(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	return orders.get(ctx, t.q, id, true)
}

func (t *pgTx) UpdateOrder(ctx context.Context, o *models.Order) error {
	o.UpdatedAt = time.Now().UTC()
	return orders.update(ctx, t.q, o)
}

func (t *pgTx) PendingOrders(ctx context.Context, pair models.Pair, side models.OrderType, forUpdate bool) ([]models.Order, error) {
	clause := `WHERE base_currency_id = $1 AND quote_currency_id = $2 AND type = $3 AND status = 'pending'
		ORDER BY created_at ASC, id ASC`
	if forUpdate {
		clause += " FOR UPDATE"
	}
	return orders.where(ctx, t.q, clause, pair.Base, pair.Quote, string(side))
}

func (t *pgTx) UserOrders(ctx context.Context, userID uuid.UUID) ([]models.Order, error) {
	return orders.where(ctx, t.q, "WHERE user_id = $1 ORDER BY created_at DESC", userID)
}

func (t *pgTx) CreateTrade(ctx context.Context, tr *models.Trade) error {
	return trades.insert(ctx, t.q, tr)
}

func (t *pgTx) RecentTrades(ctx context.Context, pair models.Pair, limit int) ([]models.Trade, error) {
	return trades.where(ctx, t.q,
		"WHERE base_currency_id = $1 AND quote_currency_id = $2 ORDER BY created_at DESC, id DESC LIMIT $3",
		pair.Base, pair.Quote, limit)
}

func (t *pgTx) UserTrades(ctx context.Context, userID uuid.UUID) ([]models.Trade, error) {
	return trades.where(ctx, t.q, "WHERE buyer_id = $1 OR seller_id = $1 ORDER BY created_at DESC", userID)
}

func (t *pgTx) CreateDeposit(ctx context.Context, d *models.Deposit) error {
	return deposits.insert(ctx, t.q, d)
}

func (t *pgTx) DepositForUpdate(ctx context.Context, id uuid.UUID) (*models.Deposit, error) {
	return deposits.get(ctx, t.q, id, true)
}

func (t *pgTx) UpdateDeposit(ctx context.Context, d *models.Deposit) error {
	d.UpdatedAt = time.Now().UTC()
	return deposits.update(ctx, t.q, d)
}

func (t *pgTx) UserDeposits(ctx context.Context, userID uuid.UUID) ([]models.Deposit, error) {
	return deposits.where(ctx, t.q, "WHERE user_id = $1 ORDER BY created_at DESC", userID)
}

func (t *pgTx) CreateWithdrawal(ctx context.Context, w *models.Withdrawal) error {
	return withdrawals.insert(ctx, t.q, w)
}

func (t *pgTx) WithdrawalForUpdate(ctx context.Context, id uuid.UUID) (*models.Withdrawal, error) {
	return withdrawals.get(ctx, t.q, id, true)
}

func (t *pgTx) UpdateWithdrawal(ctx context.Context, w *models.Withdrawal) error {
	w.UpdatedAt = time.Now().UTC()
	return withdrawals.update(ctx, t.q, w)
}

func (t *pgTx) UserWithdrawals(ctx context.Context, userID uuid.UUID) ([]models.Withdrawal, error) {
	return withdrawals.where(ctx, t.q, "WHERE user_id = $1 ORDER BY created_at DESC", userID)
}

func (t *pgTx) CreateTransfer(ctx context.Context, tr *models.Transfer) error {
	return transfers.insert(ctx, t.q, tr)
}

func (t *pgTx) UserTransfers(ctx context.Context, userID uuid.UUID) ([]models.Transfer, error) {
	return transfers.where(ctx, t.q, "WHERE from_user_id = $1 OR to_user_id = $1 ORDER BY created_at DESC", userID)
}

func (t *pgTx) AppendTransaction(ctx context.Context, tr *models.Transaction) error {
	return transactions.insert(ctx, t.q, tr)
}

func (t *pgTx) UserTransactions(ctx context.Context, userID uuid.UUID) ([]models.Transaction, error) {
	return transactions.where(ctx, t.q, "WHERE user_id = $1 ORDER BY created_at DESC", userID)
}

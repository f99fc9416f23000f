package db

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xtrntr/spotexchange/internal/models"
)

var testDB *DB

// Tests in this package need a scratch PostgreSQL database; they are
// skipped when EXCHANGE_TEST_DATABASE_URL is not set.
func TestMain(m *testing.M) {
	connString := os.Getenv("EXCHANGE_TEST_DATABASE_URL")
	if connString == "" {
		os.Exit(m.Run())
	}

	ctx := context.Background()
	var err error
	testDB, err = NewDB(ctx, connString, 10)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Unable to connect to database: %v\n", err)
		os.Exit(1)
	}

	migration, err := os.ReadFile("../../migrations/001_init.sql")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Unable to read migration: %v\n", err)
		os.Exit(1)
	}
	if _, err = testDB.Pool.Exec(ctx, string(migration)); err != nil && !strings.Contains(err.Error(), "already exists") {
		fmt.Fprintf(os.Stderr, "Unable to apply migration: %v\n", err)
		os.Exit(1)
	}

	code := m.Run()
	testDB.Close()
	os.Exit(code)
}

func requireDB(t *testing.T) {
	t.Helper()
	if testDB == nil {
		t.Skip("EXCHANGE_TEST_DATABASE_URL not set")
	}
	_, err := testDB.Pool.Exec(context.Background(),
		"TRUNCATE TABLE transactions, transfers, withdrawals, deposits, trades, orders, wallets, currencies, users")
	require.NoError(t, err)
}

func seedUserAndCurrency(t *testing.T) (*models.User, *models.Currency) {
	t.Helper()
	ctx := context.Background()
	u := &models.User{ID: uuid.New(), Email: uuid.NewString() + "@example.com", PasswordHash: "hash",
		KYCStatus: models.KYCVerified, IsActive: true, CreatedAt: time.Now().UTC()}
	c := &models.Currency{ID: uuid.New(), Symbol: "BTC" + uuid.NewString()[:4], Name: "Bitcoin", Type: "crypto",
		DecimalPlaces: 8, IsActive: true, CreatedAt: time.Now().UTC()}
	require.NoError(t, testDB.WithTx(ctx, func(tx Tx) error {
		if err := tx.CreateUser(ctx, u); err != nil {
			return err
		}
		return tx.CreateCurrency(ctx, c)
	}))
	return u, c
}

func TestDB_UserRoundTrip(t *testing.T) {
	requireDB(t)
	ctx := context.Background()
	u, _ := seedUserAndCurrency(t)

	tests := []struct {
		name    string
		lookup  func(tx Tx) (*models.User, error)
		wantErr error
	}{
		{name: "ByID", lookup: func(tx Tx) (*models.User, error) { return tx.User(ctx, u.ID) }},
		{name: "ByEmail", lookup: func(tx Tx) (*models.User, error) { return tx.UserByEmail(ctx, u.Email) }},
		{name: "Missing", lookup: func(tx Tx) (*models.User, error) { return tx.User(ctx, uuid.New()) }, wantErr: models.ErrNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := testDB.WithTx(ctx, func(tx Tx) error {
				got, err := tt.lookup(tx)
				if err != nil {
					return err
				}
				assert.Equal(t, u.ID, got.ID)
				assert.Equal(t, u.Email, got.Email)
				assert.True(t, got.CanTrade())
				return nil
			})
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestDB_DuplicateEmailConflicts(t *testing.T) {
	requireDB(t)
	ctx := context.Background()
	u, _ := seedUserAndCurrency(t)

	dup := *u
	dup.ID = uuid.New()
	err := testDB.WithTx(ctx, func(tx Tx) error { return tx.CreateUser(ctx, &dup) })
	assert.ErrorIs(t, err, models.ErrConflict)
}

func TestDB_WalletForUpdateCreatesOnce(t *testing.T) {
	requireDB(t)
	ctx := context.Background()
	u, c := seedUserAndCurrency(t)

	var ids []uuid.UUID
	for i := 0; i < 2; i++ {
		require.NoError(t, testDB.WithTx(ctx, func(tx Tx) error {
			w, err := tx.WalletForUpdate(ctx, u.ID, c.ID)
			if err != nil {
				return err
			}
			ids = append(ids, w.ID)
			assert.True(t, w.Balance.IsZero())
			return nil
		}))
	}
	assert.Equal(t, ids[0], ids[1])
}

func TestDB_RollbackLeavesWalletUnchanged(t *testing.T) {
	requireDB(t)
	ctx := context.Background()
	u, c := seedUserAndCurrency(t)

	boom := errors.New("boom")
	err := testDB.WithTx(ctx, func(tx Tx) error {
		w, err := tx.WalletForUpdate(ctx, u.ID, c.ID)
		if err != nil {
			return err
		}
		w.Balance = decimal.NewFromInt(10)
		if err := tx.UpdateWallet(ctx, w); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	require.NoError(t, testDB.WithTx(ctx, func(tx Tx) error {
		ws, err := tx.UserWallets(ctx, u.ID)
		if err != nil {
			return err
		}
		assert.Empty(t, ws)
		return nil
	}))
}

func TestDB_ConcurrentCreditsSerialize(t *testing.T) {
	requireDB(t)
	ctx := context.Background()
	u, c := seedUserAndCurrency(t)

	var wg sync.WaitGroup
	n := 10
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			err := testDB.WithTx(ctx, func(tx Tx) error {
				w, err := tx.WalletForUpdate(ctx, u.ID, c.ID)
				if err != nil {
					return err
				}
				if err := w.Credit(decimal.NewFromInt(1)); err != nil {
					return err
				}
				return tx.UpdateWallet(ctx, w)
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	require.NoError(t, testDB.WithTx(ctx, func(tx Tx) error {
		w, err := tx.WalletForUpdate(ctx, u.ID, c.ID)
		if err != nil {
			return err
		}
		assert.True(t, w.Balance.Equal(decimal.NewFromInt(int64(n))), "balance = %s", w.Balance)
		return nil
	}))
}

func TestDB_PendingOrdersAndTrades(t *testing.T) {
	requireDB(t)
	ctx := context.Background()
	u, base := seedUserAndCurrency(t)
	quote := &models.Currency{ID: uuid.New(), Symbol: "USDT" + uuid.NewString()[:4], DecimalPlaces: 2, IsActive: true, CreatedAt: time.Now().UTC()}
	pair := models.Pair{Base: base.ID, Quote: quote.ID}
	now := time.Now().UTC()

	newOrder := func(typ models.OrderType, status models.OrderStatus, price string, at time.Time) *models.Order {
		return &models.Order{ID: uuid.New(), UserID: u.ID, BaseCurrencyID: base.ID, QuoteCurrencyID: quote.ID,
			Type: typ, Status: status, Quantity: decimal.RequireFromString("0.1"),
			Price: decimal.RequireFromString(price), CreatedAt: at, UpdatedAt: at}
	}
	buy := newOrder(models.Buy, models.OrderPending, "50000", now)
	sell := newOrder(models.Sell, models.OrderPending, "51000", now.Add(time.Second))
	filled := newOrder(models.Sell, models.OrderFilled, "49000", now)

	require.NoError(t, testDB.WithTx(ctx, func(tx Tx) error {
		if err := tx.CreateCurrency(ctx, quote); err != nil {
			return err
		}
		for _, o := range []*models.Order{buy, sell, filled} {
			if err := tx.CreateOrder(ctx, o); err != nil {
				return err
			}
		}
		return tx.CreateTrade(ctx, &models.Trade{ID: uuid.New(), BuyOrderID: buy.ID, SellOrderID: filled.ID,
			BuyerID: u.ID, SellerID: u.ID, BaseCurrencyID: base.ID, QuoteCurrencyID: quote.ID,
			Quantity: decimal.RequireFromString("0.1"), Price: decimal.RequireFromString("49000"), CreatedAt: now})
	}))

	require.NoError(t, testDB.WithTx(ctx, func(tx Tx) error {
		sells, err := tx.PendingOrders(ctx, pair, models.Sell, true)
		require.NoError(t, err)
		require.Len(t, sells, 1)
		assert.Equal(t, sell.ID, sells[0].ID)
		assert.True(t, sells[0].Price.Equal(decimal.RequireFromString("51000")))

		recent, err := tx.RecentTrades(ctx, pair, 10)
		require.NoError(t, err)
		require.Len(t, recent, 1)
		assert.True(t, recent[0].Value().Equal(decimal.RequireFromString("4900")))
		return nil
	}))
}

func TestDB_FundHistory(t *testing.T) {
	requireDB(t)
	ctx := context.Background()
	alice, usdt := seedUserAndCurrency(t)
	bob := &models.User{ID: uuid.New(), Email: uuid.NewString() + "@example.com", PasswordHash: "hash",
		KYCStatus: models.KYCPending, IsActive: true, CreatedAt: time.Now().UTC()}
	now := time.Now().UTC().Truncate(time.Microsecond)
	amount := decimal.RequireFromString("12.5")

	require.NoError(t, testDB.WithTx(ctx, func(tx Tx) error {
		if err := tx.CreateUser(ctx, bob); err != nil {
			return err
		}
		if err := tx.CreateDeposit(ctx, &models.Deposit{ID: uuid.New(), UserID: alice.ID, CurrencyID: usdt.ID,
			Amount: amount, Status: models.StatusPending, CreatedAt: now, UpdatedAt: now}); err != nil {
			return err
		}
		if err := tx.CreateWithdrawal(ctx, &models.Withdrawal{ID: uuid.New(), UserID: alice.ID, CurrencyID: usdt.ID,
			Amount: amount, Status: models.StatusPending, CreatedAt: now, UpdatedAt: now}); err != nil {
			return err
		}
		if err := tx.CreateTransfer(ctx, &models.Transfer{ID: uuid.New(), FromUserID: alice.ID, ToUserID: bob.ID,
			CurrencyID: usdt.ID, Amount: amount, Status: models.StatusCompleted, CreatedAt: now}); err != nil {
			return err
		}
		return tx.AppendTransaction(ctx, &models.Transaction{ID: uuid.New(), UserID: alice.ID, CurrencyID: usdt.ID,
			Type: models.TxDeposit, Amount: amount, Status: models.StatusCompleted, CreatedAt: now})
	}))

	require.NoError(t, testDB.WithTx(ctx, func(tx Tx) error {
		deps, err := tx.UserDeposits(ctx, alice.ID)
		require.NoError(t, err)
		require.Len(t, deps, 1)
		assert.True(t, amount.Equal(deps[0].Amount))

		wds, err := tx.UserWithdrawals(ctx, alice.ID)
		require.NoError(t, err)
		assert.Len(t, wds, 1)

		sent, err := tx.UserTransfers(ctx, alice.ID)
		require.NoError(t, err)
		received, err := tx.UserTransfers(ctx, bob.ID)
		require.NoError(t, err)
		assert.Len(t, sent, 1)
		assert.Len(t, received, 1)

		txs, err := tx.UserTransactions(ctx, alice.ID)
		require.NoError(t, err)
		assert.Len(t, txs, 1)

		none, err := tx.UserDeposits(ctx, bob.ID)
		require.NoError(t, err)
		assert.Empty(t, none)
		return nil
	}))
}

package wallet

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xtrntr/spotexchange/internal/db"
	"github.com/xtrntr/spotexchange/internal/db/memdb"
	"github.com/xtrntr/spotexchange/internal/models"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestManager_Primitives(t *testing.T) {
	ctx := context.Background()
	m := NewManager()

	tests := []struct {
		name        string
		run         func(tx db.Tx, user, cur uuid.UUID) error
		wantErr     error
		wantBalance string
		wantLocked  string
	}{
		{
			name:        "Credit",
			run:         func(tx db.Tx, u, c uuid.UUID) error { return m.Credit(ctx, tx, u, c, d("2.5")) },
			wantBalance: "102.5", wantLocked: "40",
		},
		{
			name:        "DebitWithinBalance",
			run:         func(tx db.Tx, u, c uuid.UUID) error { return m.Debit(ctx, tx, u, c, d("60")) },
			wantBalance: "40", wantLocked: "40",
		},
		{
			name:        "DebitBeyondBalance",
			run:         func(tx db.Tx, u, c uuid.UUID) error { return m.Debit(ctx, tx, u, c, d("100.01")) },
			wantErr:     models.ErrInsufficientFunds,
			wantBalance: "100", wantLocked: "40",
		},
		{
			name:        "Lock",
			run:         func(tx db.Tx, u, c uuid.UUID) error { return m.Lock(ctx, tx, u, c, d("10")) },
			wantBalance: "100", wantLocked: "50",
		},
		{
			name:        "UnlockClampsAtZero",
			run:         func(tx db.Tx, u, c uuid.UUID) error { return m.Unlock(ctx, tx, u, c, d("75")) },
			wantBalance: "100", wantLocked: "0",
		},
		{
			name:        "NegativeAmount",
			run:         func(tx db.Tx, u, c uuid.UUID) error { return m.Credit(ctx, tx, u, c, d("-1")) },
			wantErr:     models.ErrInvalidArgument,
			wantBalance: "100", wantLocked: "40",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := memdb.New()
			user, cur := uuid.New(), uuid.New()
			require.NoError(t, store.WithTx(ctx, func(tx db.Tx) error {
				if err := m.Credit(ctx, tx, user, cur, d("100")); err != nil {
					return err
				}
				return m.Lock(ctx, tx, user, cur, d("40"))
			}))

			err := store.WithTx(ctx, func(tx db.Tx) error { return tt.run(tx, user, cur) })
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
			}

			ws := store.Wallets()
			require.Len(t, ws, 1)
			assert.True(t, ws[0].Balance.Equal(d(tt.wantBalance)), "balance = %s", ws[0].Balance)
			assert.True(t, ws[0].LockedBalance.Equal(d(tt.wantLocked)), "locked = %s", ws[0].LockedBalance)
		})
	}
}

func TestManager_AvailableAndBalances(t *testing.T) {
	ctx := context.Background()
	m := NewManager()
	store := memdb.New()
	user, btc, usdt := uuid.New(), uuid.New(), uuid.New()

	require.NoError(t, store.WithTx(ctx, func(tx db.Tx) error {
		if err := m.Credit(ctx, tx, user, usdt, d("10000")); err != nil {
			return err
		}
		if err := m.Lock(ctx, tx, user, usdt, d("5000")); err != nil {
			return err
		}

		avail, err := m.Available(ctx, tx, user, usdt)
		require.NoError(t, err)
		assert.True(t, avail.Equal(d("5000")))

		// untouched currency gets an empty wallet
		avail, err = m.Available(ctx, tx, user, btc)
		require.NoError(t, err)
		assert.True(t, avail.IsZero())

		ws, err := m.Balances(ctx, tx, user)
		require.NoError(t, err)
		assert.Len(t, ws, 2)
		return nil
	}))
}

// lockOrderTx records the order in which wallets are row-locked
type lockOrderTx struct {
	db.Tx
	locked []Key
}

func (tx *lockOrderTx) WalletForUpdate(ctx context.Context, userID, currencyID uuid.UUID) (*models.Wallet, error) {
	tx.locked = append(tx.locked, Key{UserID: userID, CurrencyID: currencyID})
	return tx.Tx.WalletForUpdate(ctx, userID, currencyID)
}

func TestManager_AcquireLocksInKeyOrder(t *testing.T) {
	ctx := context.Background()
	m := NewManager()
	store := memdb.New()

	u1 := uuid.MustParse("00000000-0000-0000-0000-000000000001")
	u2 := uuid.MustParse("00000000-0000-0000-0000-000000000002")
	btc := uuid.MustParse("00000000-0000-0000-0000-00000000000b")
	usdt := uuid.MustParse("00000000-0000-0000-0000-00000000000a")

	// Swapped counterparties in two transactions must lock the same way
	tests := []struct {
		name string
		keys []Key
	}{
		{name: "U1BuysFromU2", keys: []Key{{u1, usdt}, {u1, btc}, {u2, btc}, {u2, usdt}}},
		{name: "U2BuysFromU1", keys: []Key{{u2, usdt}, {u2, btc}, {u1, btc}, {u1, usdt}, {u2, usdt}}},
	}
	want := []Key{{u1, usdt}, {u1, btc}, {u2, usdt}, {u2, btc}}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, store.WithTx(ctx, func(tx db.Tx) error {
				rec := &lockOrderTx{Tx: tx}
				require.NoError(t, m.Acquire(ctx, rec, tt.keys...))
				assert.Equal(t, want, rec.locked)
				return nil
			}))
		})
	}
}

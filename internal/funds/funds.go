// Package funds moves money into, out of and between user wallets
package funds

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/xtrntr/spotexchange/internal/db"
	"github.com/xtrntr/spotexchange/internal/models"
	"github.com/xtrntr/spotexchange/internal/wallet"
)

// HistorySink records completed fund movements. Append never fails the
// caller; implementations deal with their own errors.
type HistorySink interface {
	Append(ctx context.Context, t models.Transaction)
}

// StoreHistory appends history records to the ledger store in their own
// transaction
type StoreHistory struct {
	store db.Store
	log   *slog.Logger
}

// NewStoreHistory creates a store backed history sink
func NewStoreHistory(store db.Store, log *slog.Logger) *StoreHistory {
	return &StoreHistory{store: store, log: log}
}

func (h *StoreHistory) Append(ctx context.Context, t models.Transaction) {
	err := h.store.WithTx(ctx, func(tx db.Tx) error {
		return tx.AppendTransaction(ctx, &t)
	})
	if err != nil {
		h.log.ErrorContext(ctx, "failed to record history", "type", t.Type, "user_id", t.UserID, "error", err)
	}
}

// Service handles deposits, withdrawals and transfers
type Service struct {
	store   db.Store
	wallets *wallet.Manager
	history HistorySink
	log     *slog.Logger
	now     func() time.Time
}

// NewService creates a funds service
func NewService(store db.Store, wallets *wallet.Manager, history HistorySink, log *slog.Logger) *Service {
	return &Service{
		store:   store,
		wallets: wallets,
		history: history,
		log:     log,
		now:     func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) },
	}
}

// checkAmount rejects non-positive amounts and amounts finer than the
// currency allows. The currency must exist and be active.
func checkAmount(ctx context.Context, tx db.Tx, currencyID uuid.UUID, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("%w: amount must be positive", models.ErrInvalidArgument)
	}
	c, err := tx.Currency(ctx, currencyID)
	if errors.Is(err, models.ErrNotFound) {
		return fmt.Errorf("%w: unknown currency %s", models.ErrInvalidCurrency, currencyID)
	}
	if err != nil {
		return err
	}
	if !c.IsActive {
		return fmt.Errorf("%w: currency %s is inactive", models.ErrInvalidCurrency, c.Symbol)
	}
	if !c.Fits(amount) {
		return fmt.Errorf("%w: amount %s exceeds %d decimal places of %s",
			models.ErrInvalidArgument, amount, c.DecimalPlaces, c.Symbol)
	}
	return nil
}

// CreateDeposit records a pending deposit. Balances change on confirmation.
func (s *Service) CreateDeposit(ctx context.Context, userID, currencyID uuid.UUID, amount decimal.Decimal) (*models.Deposit, error) {
	var deposit *models.Deposit
	err := s.store.WithTx(ctx, func(tx db.Tx) error {
		if _, err := tx.User(ctx, userID); err != nil {
			return err
		}
		if err := checkAmount(ctx, tx, currencyID, amount); err != nil {
			return err
		}
		now := s.now()
		d := &models.Deposit{
			ID:         uuid.New(),
			UserID:     userID,
			CurrencyID: currencyID,
			Amount:     amount,
			Status:     models.StatusPending,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if err := tx.CreateDeposit(ctx, d); err != nil {
			return err
		}
		deposit = d
		return nil
	})
	if err != nil {
		return nil, err
	}
	return deposit, nil
}

// ConfirmDeposit credits a pending deposit. A deposit is confirmed at
// most once.
func (s *Service) ConfirmDeposit(ctx context.Context, depositID uuid.UUID) (*models.Deposit, error) {
	var deposit *models.Deposit
	err := s.store.WithTx(ctx, func(tx db.Tx) error {
		d, err := tx.DepositForUpdate(ctx, depositID)
		if err != nil {
			return err
		}
		if d.Status != models.StatusPending {
			return fmt.Errorf("%w: deposit %s is %s", models.ErrInvalidState, d.ID, d.Status)
		}
		if err := s.wallets.Credit(ctx, tx, d.UserID, d.CurrencyID, d.Amount); err != nil {
			return err
		}
		d.Status = models.StatusConfirmed
		if err := tx.UpdateDeposit(ctx, d); err != nil {
			return err
		}
		deposit = d
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.InfoContext(ctx, "deposit confirmed", "deposit_id", deposit.ID, "user_id", deposit.UserID, "amount", deposit.Amount.String())
	s.history.Append(ctx, models.Transaction{
		ID:         uuid.New(),
		UserID:     deposit.UserID,
		CurrencyID: deposit.CurrencyID,
		Type:       models.TxDeposit,
		Amount:     deposit.Amount,
		Status:     models.StatusCompleted,
		CreatedAt:  s.now(),
	})
	return deposit, nil
}

// CreateWithdrawal debits the user immediately and records a pending
// withdrawal
func (s *Service) CreateWithdrawal(ctx context.Context, userID, currencyID uuid.UUID, amount decimal.Decimal) (*models.Withdrawal, error) {
	var withdrawal *models.Withdrawal
	err := s.store.WithTx(ctx, func(tx db.Tx) error {
		user, err := tx.User(ctx, userID)
		if err != nil {
			return err
		}
		if !user.CanTrade() {
			return fmt.Errorf("%w: user %s is not verified for withdrawals", models.ErrUnauthorized, user.ID)
		}
		if err := checkAmount(ctx, tx, currencyID, amount); err != nil {
			return err
		}
		if err := s.requireAvailable(ctx, tx, userID, currencyID, amount); err != nil {
			return err
		}
		if err := s.wallets.Debit(ctx, tx, userID, currencyID, amount); err != nil {
			return err
		}
		now := s.now()
		w := &models.Withdrawal{
			ID:         uuid.New(),
			UserID:     userID,
			CurrencyID: currencyID,
			Amount:     amount,
			Status:     models.StatusPending,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if err := tx.CreateWithdrawal(ctx, w); err != nil {
			return err
		}
		withdrawal = w
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.InfoContext(ctx, "withdrawal requested", "withdrawal_id", withdrawal.ID, "user_id", userID, "amount", amount.String())
	return withdrawal, nil
}

// CompleteWithdrawal marks a pending withdrawal as paid out. The funds
// already left the wallet when it was created.
func (s *Service) CompleteWithdrawal(ctx context.Context, withdrawalID uuid.UUID) (*models.Withdrawal, error) {
	var withdrawal *models.Withdrawal
	err := s.store.WithTx(ctx, func(tx db.Tx) error {
		w, err := tx.WithdrawalForUpdate(ctx, withdrawalID)
		if err != nil {
			return err
		}
		if w.Status != models.StatusPending {
			return fmt.Errorf("%w: withdrawal %s is %s", models.ErrInvalidState, w.ID, w.Status)
		}
		w.Status = models.StatusCompleted
		if err := tx.UpdateWithdrawal(ctx, w); err != nil {
			return err
		}
		withdrawal = w
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.history.Append(ctx, models.Transaction{
		ID:         uuid.New(),
		UserID:     withdrawal.UserID,
		CurrencyID: withdrawal.CurrencyID,
		Type:       models.TxWithdrawal,
		Amount:     withdrawal.Amount,
		Status:     models.StatusCompleted,
		CreatedAt:  s.now(),
	})
	return withdrawal, nil
}

// CreateTransfer moves amount from one user to the user registered under
// toEmail
func (s *Service) CreateTransfer(ctx context.Context, fromUserID uuid.UUID, toEmail string, currencyID uuid.UUID, amount decimal.Decimal) (*models.Transfer, error) {
	var transfer *models.Transfer
	err := s.store.WithTx(ctx, func(tx db.Tx) error {
		from, err := tx.User(ctx, fromUserID)
		if err != nil {
			return err
		}
		to, err := tx.UserByEmail(ctx, toEmail)
		if err != nil {
			return fmt.Errorf("recipient: %w", err)
		}
		if from.ID == to.ID {
			return fmt.Errorf("%w: cannot transfer to yourself", models.ErrInvalidArgument)
		}
		if err := checkAmount(ctx, tx, currencyID, amount); err != nil {
			return err
		}
		err = s.wallets.Acquire(ctx, tx,
			wallet.Key{UserID: from.ID, CurrencyID: currencyID},
			wallet.Key{UserID: to.ID, CurrencyID: currencyID},
		)
		if err != nil {
			return err
		}
		if err := s.requireAvailable(ctx, tx, from.ID, currencyID, amount); err != nil {
			return err
		}
		if err := s.wallets.Debit(ctx, tx, from.ID, currencyID, amount); err != nil {
			return err
		}
		if err := s.wallets.Credit(ctx, tx, to.ID, currencyID, amount); err != nil {
			return err
		}
		t := &models.Transfer{
			ID:         uuid.New(),
			FromUserID: from.ID,
			ToUserID:   to.ID,
			CurrencyID: currencyID,
			Amount:     amount,
			Status:     models.StatusCompleted,
			CreatedAt:  s.now(),
		}
		if err := tx.CreateTransfer(ctx, t); err != nil {
			return err
		}
		transfer = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.InfoContext(ctx, "transfer completed", "transfer_id", transfer.ID,
		"from_user_id", transfer.FromUserID, "to_user_id", transfer.ToUserID, "amount", amount.String())
	return transfer, nil
}

// History lists a user's fund movements, newest first
type History struct {
	Deposits     []models.Deposit     `json:"deposits"`
	Withdrawals  []models.Withdrawal  `json:"withdrawals"`
	Transfers    []models.Transfer    `json:"transfers"`
	Transactions []models.Transaction `json:"transactions"`
}

// UserHistory loads every deposit, withdrawal, transfer and history record
// of a user in one consistent read
func (s *Service) UserHistory(ctx context.Context, userID uuid.UUID) (*History, error) {
	h := &History{}
	err := s.store.WithTx(ctx, func(tx db.Tx) error {
		if _, err := tx.User(ctx, userID); err != nil {
			return err
		}
		var err error
		if h.Deposits, err = tx.UserDeposits(ctx, userID); err != nil {
			return err
		}
		if h.Withdrawals, err = tx.UserWithdrawals(ctx, userID); err != nil {
			return err
		}
		if h.Transfers, err = tx.UserTransfers(ctx, userID); err != nil {
			return err
		}
		h.Transactions, err = tx.UserTransactions(ctx, userID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return h, nil
}

// requireAvailable fails with ErrInsufficientFunds unless the unlocked part
// of the wallet covers amount
func (s *Service) requireAvailable(ctx context.Context, tx db.Tx, userID, currencyID uuid.UUID, amount decimal.Decimal) error {
	available, err := s.wallets.Available(ctx, tx, userID, currencyID)
	if err != nil {
		return err
	}
	if available.LessThan(amount) {
		return fmt.Errorf("%w: need %s, available %s", models.ErrInsufficientFunds, amount, available)
	}
	return nil
}

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/xtrntr/spotexchange/internal/auth"
	"github.com/xtrntr/spotexchange/internal/config"
	"github.com/xtrntr/spotexchange/internal/db"
	"github.com/xtrntr/spotexchange/internal/funds"
	"github.com/xtrntr/spotexchange/internal/logger"
	"github.com/xtrntr/spotexchange/internal/models"
	"github.com/xtrntr/spotexchange/internal/wallet"
)

var configPath = flag.String("config", "config.yaml", "config file path")

var currencies = []models.Currency{
	{Symbol: "BTC", Name: "Bitcoin", Type: "crypto", DecimalPlaces: 8},
	{Symbol: "ETH", Name: "Ethereum", Type: "crypto", DecimalPlaces: 8},
	{Symbol: "USDT", Name: "Tether", Type: "crypto", DecimalPlaces: 2},
	{Symbol: "USD", Name: "US Dollar", Type: "fiat", DecimalPlaces: 2},
}

// Demo traders and their opening balances by symbol
var traders = []struct {
	email    string
	balances map[string]string
}{
	{email: "trader1@example.com", balances: map[string]string{"BTC": "10", "ETH": "100", "USDT": "100000"}},
	{email: "trader2@example.com", balances: map[string]string{"BTC": "10", "ETH": "100", "USDT": "100000"}},
}

const traderPassword = "password123"

// Seed the database with reference currencies and two funded demo traders.
// Running it again changes nothing.
func main() {
	flag.Parse()
	ctx := context.Background()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "seed: %v\n", err)
		os.Exit(1)
	}
	if cfg.Store.Driver != config.DriverPostgres {
		fmt.Fprintln(os.Stderr, "seed: only the postgres store can be seeded")
		os.Exit(1)
	}
	log, closer, err := logger.Init(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "seed: %v\n", err)
		os.Exit(1)
	}
	defer closer.Close()

	store, err := db.NewDB(ctx, cfg.Store.DatabaseURL, cfg.Store.MaxConns)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	if err := seed(ctx, store, cfg, log); err != nil {
		log.Error("seed failed", "error", err)
		os.Exit(1)
	}
	log.Info("seed complete")
}

func seed(ctx context.Context, store db.Store, cfg *config.Config, log *slog.Logger) error {
	bySymbol, err := seedCurrencies(ctx, store, log)
	if err != nil {
		return err
	}

	wallets := wallet.NewManager()
	authService := auth.NewAuthService(store, cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
	fs := funds.NewService(store, wallets, funds.NewStoreHistory(store, log), log)

	for _, tr := range traders {
		user, err := authService.Register(ctx, auth.RegisterRequest{
			Email:     tr.email,
			Password:  traderPassword,
			FirstName: "Demo",
			LastName:  strings.TrimSuffix(tr.email, "@example.com"),
		})
		if errors.Is(err, models.ErrConflict) {
			log.Info("trader exists, skipping", "email", tr.email)
			continue
		}
		if err != nil {
			return fmt.Errorf("register %s: %w", tr.email, err)
		}
		if _, err := authService.SetKYCStatus(ctx, user.ID, models.KYCVerified); err != nil {
			return fmt.Errorf("verify %s: %w", tr.email, err)
		}

		for symbol, amount := range tr.balances {
			dep, err := fs.CreateDeposit(ctx, user.ID, bySymbol[symbol], decimal.RequireFromString(amount))
			if err != nil {
				return fmt.Errorf("deposit %s %s for %s: %w", amount, symbol, tr.email, err)
			}
			if _, err := fs.ConfirmDeposit(ctx, dep.ID); err != nil {
				return fmt.Errorf("confirm deposit %s: %w", dep.ID, err)
			}
		}
		log.Info("created trader", "email", tr.email, "user_id", user.ID)
	}
	return nil
}

func seedCurrencies(ctx context.Context, store db.Store, log *slog.Logger) (map[string]uuid.UUID, error) {
	bySymbol := make(map[string]uuid.UUID)
	err := store.WithTx(ctx, func(tx db.Tx) error {
		existing, err := tx.Currencies(ctx)
		if err != nil {
			return err
		}
		for _, c := range existing {
			bySymbol[c.Symbol] = c.ID
		}
		for _, c := range currencies {
			if _, ok := bySymbol[c.Symbol]; ok {
				continue
			}
			c.ID = uuid.New()
			c.IsActive = true
			c.CreatedAt = time.Now().UTC()
			if err := tx.CreateCurrency(ctx, &c); err != nil {
				return fmt.Errorf("create currency %s: %w", c.Symbol, err)
			}
			bySymbol[c.Symbol] = c.ID
			log.Info("created currency", "symbol", c.Symbol)
		}
		return nil
	})
	return bySymbol, err
}

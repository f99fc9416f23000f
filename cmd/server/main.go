package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/cors"
	"github.com/xtrntr/spotexchange/internal/api"
	"github.com/xtrntr/spotexchange/internal/auth"
	"github.com/xtrntr/spotexchange/internal/config"
	"github.com/xtrntr/spotexchange/internal/db"
	"github.com/xtrntr/spotexchange/internal/db/memdb"
	"github.com/xtrntr/spotexchange/internal/events"
	"github.com/xtrntr/spotexchange/internal/exchange"
	"github.com/xtrntr/spotexchange/internal/funds"
	"github.com/xtrntr/spotexchange/internal/logger"
	"github.com/xtrntr/spotexchange/internal/metrics"
	"github.com/xtrntr/spotexchange/internal/wallet"
	"golang.org/x/sync/errgroup"
)

var configPath = flag.String("config", "config.yaml", "config file path")

func main() {
	flag.Parse()
	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "exchange: %v\n", err)
		os.Exit(1)
	}
}

func openStore(ctx context.Context, cfg *config.Config) (db.Store, error) {
	if cfg.Store.Driver == config.DriverMemory {
		return memdb.New(), nil
	}
	return db.NewDB(ctx, cfg.Store.DatabaseURL, cfg.Store.MaxConns)
}

func newPublisher(cfg *config.Config) events.Publisher {
	if len(cfg.Kafka.Brokers) == 0 {
		return events.Nop{}
	}
	return events.NewKafka(cfg.Kafka.Brokers, cfg.Kafka.Topic)
}

func run(path string) error {
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}

	log, logCloser, err := logger.Init(cfg.Log)
	if err != nil {
		return fmt.Errorf("failed to init logger: %w", err)
	}
	defer logCloser.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer store.Close()

	publisher := newPublisher(cfg)
	defer func() {
		if err := publisher.Close(); err != nil {
			log.Error("failed to close trade publisher", "error", err)
		}
	}()

	rec := metrics.New()
	wallets := wallet.NewManager()
	authService := auth.NewAuthService(store, cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
	engine := exchange.NewEngine(store, wallets, publisher, rec, log.With("component", "engine"))
	ex := exchange.NewService(store, wallets, engine, rec, log.With("component", "orders"))
	fs := funds.NewService(store, wallets, funds.NewStoreHistory(store, log), log.With("component", "funds"))

	hub := api.NewHub(ex.GetOrderBook, log.With("component", "ws"))
	ex.OnBookChange(hub.Notify)
	defer hub.Close()

	router := api.NewRouter(api.NewHandler(store, authService, ex, fs, wallets, hub), rec, log)
	server := &http.Server{
		Addr: cfg.HTTP.Addr,
		Handler: cors.Handler(cors.Options{
			AllowedOrigins:   cfg.HTTP.CORSOrigins,
			AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
			ExposedHeaders:   []string{"Link"},
			AllowCredentials: true,
			MaxAge:           300,
		})(router),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("HTTP server starting", "addr", cfg.HTTP.Addr, "store", cfg.Store.Driver, "kafka_brokers", len(cfg.Kafka.Brokers))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		hub.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error("server exited with error", "error", err)
		return err
	}
	return nil
}

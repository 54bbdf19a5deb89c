package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"raffle/internal/config"
	"raffle/internal/events"
	"raffle/internal/handlers"
	"raffle/internal/models"
	"raffle/internal/oracle"
	"raffle/internal/payment"
	"raffle/internal/services"
	"raffle/internal/store"

	"github.com/google/logger"
	"github.com/urfave/cli"
	"golang.org/x/xerrors"
)

func loadConfig(c *cli.Context) (*config.Config, error) {
	return config.Load(c.GlobalString("config"))
}

// initLogger logs to the configured file; without one it logs to the console.
func initLogger(cfg config.LogConfig) (func(), error) {
	var w io.Writer = io.Discard
	closeFile := func() {}
	if cfg.File != "" {
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
		if err != nil {
			return nil, xerrors.Errorf("open log file: %w", err)
		}
		w = f
		closeFile = func() { f.Close() }
	}
	l := logger.Init("raffle", cfg.Verbose || cfg.File == "", false, w)
	return func() {
		l.Close()
		closeFile()
	}, nil
}

func buildPayment(ctx context.Context, cfg *config.Config) (payment.Service, models.Address, error) {
	if cfg.Payment.Mode == config.PaymentMemory {
		pool, err := cfg.Raffle.PoolAddress()
		if err != nil {
			return nil, "", err
		}
		mem := payment.NewMemory()
		for account, amount := range cfg.Payment.Balances {
			if err := mem.Mint(models.MustAddress(account), amount); err != nil {
				return nil, "", err
			}
		}
		return mem, pool, nil
	}

	key, err := payment.DeriveKey(cfg.Payment.Mnemonic, cfg.Payment.KeyIndex)
	if err != nil {
		return nil, "", err
	}
	model, err := cfg.Raffle.Model()
	if err != nil {
		return nil, "", err
	}
	token, err := payment.DialERC20(ctx, cfg.Payment.RPCURL, model.Token, key)
	if err != nil {
		return nil, "", err
	}
	if cfg.Payment.ChainID != 0 && token.ChainID().Uint64() != cfg.Payment.ChainID {
		return nil, "", xerrors.Errorf("node is on chain %s, configured %d", token.ChainID(), cfg.Payment.ChainID)
	}
	if cfg.Raffle.Pool != "" {
		if pool, err := cfg.Raffle.PoolAddress(); err != nil || pool != token.Pool() {
			return nil, "", xerrors.Errorf("raffle.pool %s does not match the signing key %s", cfg.Raffle.Pool, token.Pool())
		}
	}
	return token, token.Pool(), nil
}

func buildOracle(cfg *config.Config) (oracle.RandomnessOracle, *oracle.Deferred) {
	addr := models.MustAddress(cfg.Raffle.Oracle)
	if cfg.Oracle.Mode == config.OracleDeferred {
		d := oracle.NewDeferred(addr, nil)
		return d, d
	}
	return oracle.NewLocal(addr, nil), nil
}

// buildBus returns the bus and, when an archive is configured, the log GET /events reads from.
func buildBus(cfg *config.Config) (*events.Bus, handlers.EventLog, error) {
	bus := events.NewBus(events.LogSink{})
	var log handlers.EventLog
	if cfg.Archive.DSN != "" {
		archive, err := events.OpenArchive(cfg.Archive.DSN)
		if err != nil {
			return nil, nil, xerrors.Errorf("event archive: %w", err)
		}
		bus.Attach(archive)
		log = archive
	}
	if cfg.Telegram.Token != "" {
		announcer, err := events.NewAnnouncer(cfg.Telegram.Token, cfg.Telegram.ChatID)
		if err != nil {
			return nil, nil, err
		}
		bus.Attach(announcer)
	}
	return bus, log, nil
}

// ensureConstructed opens round 1 on a fresh store and reports drift from the file otherwise.
func ensureConstructed(ctx context.Context, svc *services.RaffleService, cfg *config.Config) error {
	model, err := cfg.Raffle.Model()
	if err != nil {
		return err
	}
	admin, err := cfg.Raffle.AdminAddress()
	if err != nil {
		return err
	}
	err = svc.Construct(ctx, admin, model)
	if err == nil {
		logger.Infof("raffle constructed, admin %s", admin)
		return nil
	}
	if !errors.Is(err, models.ErrAlreadyInitialized) {
		return err
	}
	stored, err := svc.Config(ctx)
	if err != nil {
		return err
	}
	if stored != model {
		logger.Warningf("stored raffle config %+v differs from the file; the stored one is used", stored)
	}
	return nil
}

func serve(c *cli.Context) error {
	// 1. Load the configuration and start logging
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	closeLog, err := initLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Open the store
	st, err := store.Open(cfg.Store.Path, nil)
	if err != nil {
		return err
	}
	defer st.Close()

	// 3. Wire payment, oracle and events into the Raffle Service
	pay, pool, err := buildPayment(ctx, cfg)
	if err != nil {
		return err
	}
	orc, deferred := buildOracle(cfg)
	bus, eventLog, err := buildBus(cfg)
	if err != nil {
		return err
	}
	svc := services.NewRaffleService(st, pool, pay, orc, bus)
	if err := ensureConstructed(ctx, svc, cfg); err != nil {
		return err
	}

	// 4. Answer deferred draw requests in the background
	if deferred != nil {
		go deferred.Run(ctx, cfg.Oracle.FulfillInterval.Duration)
	}

	// 5. Start the background janitor to restore archived entries
	go func() {
		t := time.NewTicker(cfg.Store.RestoreInterval.Duration)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				svc.RestoreArchived()
			}
		}
	}()

	// 6. Initialize the HTTP Handler and router
	httpHandler := handlers.NewHTTPHandler(svc, eventLog)
	srv := &http.Server{Addr: cfg.Server.Listen, Handler: httpHandler.Router()}
	go func() {
		<-ctx.Done()
		shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdown)
	}()

	// 7. Run the server
	logger.Infof("server starting on %s, pool %s", cfg.Server.Listen, pool)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return xerrors.Errorf("serve: %w", err)
	}
	logger.Info("server stopped")
	return nil
}

func status(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	st, err := store.Open(cfg.Store.Path, &store.Options{Timeout: 3 * time.Second})
	if err != nil {
		return err
	}
	defer st.Close()

	ctx := context.Background()
	svc := services.NewRaffleService(st, "", nil, nil, nil)
	round, err := svc.CurrentRound(ctx)
	if err != nil {
		return err
	}
	stats, err := svc.RoundStats(ctx, round.Number)
	if err != nil {
		return err
	}
	ready, err := svc.IsReadyToDraw(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("round:        %d\n", round.Number)
	fmt.Printf("state:        %s\n", round.State)
	fmt.Printf("tickets:      %d\n", stats.TotalTickets)
	fmt.Printf("participants: %d\n", stats.TotalParticipants)
	fmt.Printf("prize pool:   %d\n", stats.PrizePool)
	fmt.Printf("ready:        %t\n", ready)
	if round.Number > 1 {
		if rec, ok, err := svc.Winner(ctx, round.Number-1); err == nil && ok {
			fmt.Printf("last winner:  %s (%d, claimed %t)\n", rec.Winner, rec.Amount, rec.Claimed)
		}
	}
	return nil
}

func restore(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	st, err := store.Open(cfg.Store.Path, &store.Options{Timeout: 3 * time.Second})
	if err != nil {
		return err
	}
	defer st.Close()
	n, err := st.Restore()
	if err != nil {
		return err
	}
	fmt.Printf("restored %d archived entries\n", n)
	return nil
}

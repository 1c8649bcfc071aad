package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"

	"github.com/example/escrow-dispatch/internal/apperr"
	"github.com/example/escrow-dispatch/internal/config"
	"github.com/example/escrow-dispatch/internal/dispatch"
	"github.com/example/escrow-dispatch/internal/escrow"
	"github.com/example/escrow-dispatch/internal/eta"
	"github.com/example/escrow-dispatch/internal/geo"
	"github.com/example/escrow-dispatch/internal/geocode"
	"github.com/example/escrow-dispatch/internal/httpapi"
	"github.com/example/escrow-dispatch/internal/ingest"
	"github.com/example/escrow-dispatch/internal/invoice"
	"github.com/example/escrow-dispatch/internal/ledger"
	"github.com/example/escrow-dispatch/internal/logging"
	"github.com/example/escrow-dispatch/internal/notify"
	"github.com/example/escrow-dispatch/internal/settle"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.LoadServerConfig()
	logger := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	if cfg.PGDSN != "" && cfg.RunMigrations {
		if err := runMigrations(cfg.PGDSN); err != nil {
			logger.Error("migrations failed", "error", err)
			os.Exit(1)
		}
		logger.Info("migrations applied")
	}

	// Geo index: Redis-backed when configured, otherwise in process.
	var geoIndex geo.Index
	if cfg.RedisAddr != "" {
		geoIndex = geo.NewRedisGeo(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisGeoKey, cfg.Staleness())
		logger.Info("using redis geo index", "addr", cfg.RedisAddr)
	} else {
		geoIndex = geo.NewMemIndex(cfg.Staleness())
	}

	// Ledger store: Postgres when a DSN is set, otherwise in memory.
	var store ledger.Store
	if cfg.PGDSN != "" {
		pg, err := ledger.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			logger.Error("postgres connect failed", "error", err)
			os.Exit(1)
		}
		store = pg
		logger.Info("using postgres ledger store")
	} else {
		store = ledger.NewMemoryStore()
	}

	wsReg := notify.NewWSRegistry(logger)
	var notifier notify.Notifier = wsReg
	if cfg.PushEndpoint != "" {
		notifier = notify.Fanout{wsReg, notify.NewPushNotifier(cfg.PushEndpoint, cfg.PushKey, logger)}
	}

	platformWallet, err := platformWalletFor(store, cfg.PlatformOwnerID, cfg.Currency)
	if err != nil {
		logger.Error("platform wallet bootstrap failed", "error", err)
		os.Exit(1)
	}

	engine := escrow.NewEngine(store, platformWallet, notifier, logger)

	wallets := &ledger.Service{
		Store:            store,
		PlatformWalletID: platformWallet,
		TransferFeeBps:   cfg.FeeRateBps,
		Notifier:         notifier,
		Logger:           logger,
	}

	var reqStore dispatch.RequestStore
	if cfg.PGDSN != "" {
		ps, err := dispatch.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			logger.Error("postgres connect failed", "error", err)
			os.Exit(1)
		}
		reqStore = ps
	} else {
		reqStore = dispatch.NewMemoryStore()
	}

	dispatcher := dispatch.NewService(geoIndex, engine, reqStore, notifier, logger, dispatch.Pricing{
		BasePrice:  cfg.BasePrice,
		PricePerKm: cfg.PricePerKm,
		FeeBps:     cfg.FeeRateBps,
	}, cfg.MatchWindow)
	dispatcher.SpeedMps = cfg.DefaultSpeedMps
	if cfg.OSRMEndpoint != "" {
		dispatcher.ETAClient = eta.NewOSRMClient(cfg.OSRMEndpoint)
		dispatcher.ETACache = eta.NewCache(30 * time.Second)
	}
	if cfg.GeocodeEndpoint != "" {
		dispatcher.Geocoder = geocode.NewHTTPGeocoder(cfg.GeocodeEndpoint)
	}

	invoices := invoice.NewRegistry(engine, notifier, logger, cfg.FeeRateBps, cfg.InvoiceTTL, cfg.PaymentLinkBase)

	rails := map[settle.Method]settle.Rail{}
	if os.Getenv("STRIPE_API_KEY") != "" {
		rails[settle.MethodCard] = settle.NewStripeRail()
	}
	if cfg.MobileMoneyEndpoint != "" {
		rails[settle.MethodMobileMoney] = settle.NewMobileMoneyRail(cfg.MobileMoneyEndpoint, cfg.MobileMoneyKey)
	}
	settlement := settle.NewService(store, rails, platformWallet, cfg.WithdrawFeeBps, cfg.Currency, notifier, logger)

	var producer *ingest.KafkaProducer
	if len(cfg.KafkaBrokers) > 0 {
		producer = ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer producer.Close()
		entryProducer := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.LedgerTopic)
		defer entryProducer.Close()
		wallets.Publisher = entryProducer
		logger.Info("heartbeats routed through kafka", "topic", cfg.KafkaTopic, "ledger_topic", cfg.LedgerTopic)
	}

	srv := httpapi.NewServer(httpapi.Deps{
		Geo:        geoIndex,
		Dispatcher: dispatcher,
		Escrow:     engine,
		Invoices:   invoices,
		Ledger:     store,
		Wallets:    wallets,
		Settle:     settlement,
		Kafka:      producer,
		WSReg:      wsReg,
		Logger:     logger,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go invoices.Run(cfg.SweepInterval, ctx.Done())
	go func() {
		ticker := time.NewTicker(cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				dispatcher.Sweep()
			}
		}
	}()

	httpSrv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      srv,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	go func() {
		logger.Info("listening", "addr", cfg.HTTPAddr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
}

// platformWalletFor returns the commission wallet id, creating it on first
// boot.
func platformWalletFor(store ledger.Store, ownerID, currency string) (string, error) {
	if w, err := store.WalletOf(ownerID); err == nil {
		return w.ID, nil
	} else if !errors.Is(err, apperr.ErrNotFound) {
		return "", err
	}
	w, err := store.CreateWallet(ownerID, currency)
	if err != nil {
		return "", err
	}
	return w.ID, nil
}

func runMigrations(dsn string) error {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return err
	}
	defer db.Close()
	b, err := os.ReadFile(filepath.Join("migrations", "001_init.sql"))
	if err != nil {
		return err
	}
	_, err = db.Exec(string(b))
	return err
}

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
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/seiroga/trading/internal/api"
	"github.com/seiroga/trading/internal/collector"
	"github.com/seiroga/trading/internal/events"
	"github.com/seiroga/trading/internal/monitor"
	"github.com/seiroga/trading/internal/reconciliation"
	"github.com/seiroga/trading/internal/storage"
	"github.com/seiroga/trading/internal/strategy"
	"github.com/seiroga/trading/internal/trader"
	"github.com/seiroga/trading/pkg/broker"
	"github.com/seiroga/trading/pkg/broker/paper"
	"github.com/seiroga/trading/pkg/config"
	"github.com/seiroga/trading/pkg/db"
	"github.com/seiroga/trading/pkg/logger"
)

var version = "dev"

func main() {
	issueToken := flag.String("issue-token", "", "print an operator token for `subject` and exit")
	tokenTTL := flag.Duration("token-ttl", 24*time.Hour, "lifetime of a token issued with -issue-token")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	if *issueToken != "" {
		token, expires, err := api.IssueToken(*issueToken, cfg.JWTSecret, *tokenTTL)
		if err != nil {
			fmt.Fprintf(os.Stderr, "issue token: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("%s\n# expires %s\n", token, expires.UTC().Format(time.RFC3339))
		return
	}

	log, err := logger.New(cfg.LogLevel, cfg.LogDevelopment)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	if err := run(cfg, log); err != nil {
		log.Fatal("engine stopped", zap.Error(err))
	}
}

func run(cfg *config.Config, log *zap.Logger) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	log.Info("starting trading engine", zap.String("version", version), zap.String("working_dir", cfg.WorkingDir))

	settingsFile, found, err := config.LoadSettings(cfg.SettingsPath)
	if err != nil {
		return err
	}
	if !found {
		log.Warn("settings file not found, using defaults", zap.String("path", cfg.SettingsPath))
	}
	settings, err := resolveSettings(settingsFile)
	if err != nil {
		return fmt.Errorf("settings: %w", err)
	}

	// Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := monitor.NewMetrics(reg)

	bus := events.NewBus()
	bus.OnDrop = func(e events.Event) { metrics.BusDrop(string(e)) }

	// Broker
	paperBroker := paper.New(paper.Config{
		Instruments:    cfg.PaperInstruments,
		InitialBalance: cfg.PaperInitialBalance,
		MarginRate:     cfg.PaperMarginRate,
	})
	conn := broker.Throttle(paperBroker, broker.NewLimiter(cfg.ConnectorRPS, cfg.ConnectorBurst))
	if err := verifyInstrument(ctx, conn, settings.Instrument); err != nil {
		return err
	}

	// Persistence
	ledger, err := db.OpenLedger(ctx, cfg.TradingDBPath)
	if err != nil {
		return fmt.Errorf("open trading ledger: %w", err)
	}
	defer ledger.Close()

	var store storage.Storage
	switch cfg.Storage {
	case "memory":
		store = storage.NewMemory()
	case "sqlite":
		sqliteStore, err := storage.OpenSQLite(ctx, cfg.MarketDBPath)
		if err != nil {
			return fmt.Errorf("open market data storage: %w", err)
		}
		defer sqliteStore.Close()
		store = sqliteStore
	default:
		return fmt.Errorf("unknown STORAGE %q", cfg.Storage)
	}

	// Engine components
	dc, err := collector.New(settings.Instrument, conn, store, settings.Collector, log, metrics)
	if err != nil {
		return err
	}
	dc.InstantData().Connect(func(b events.DataBatch) { bus.Publish(events.EventInstantData, b) })
	dc.HistoricalData().Connect(func(b events.DataBatch) { bus.Publish(events.EventHistoricalData, b) })

	tr, err := trader.New(ctx, conn, ledger, log, metrics, trader.WithBus(bus))
	if err != nil {
		return fmt.Errorf("start trader: %w", err)
	}

	strat, err := strategy.NewEMACross(ctx, strategy.Deps{
		Data:       dc,
		Account:    conn,
		Trader:     tr,
		Historical: dc.HistoricalData(),
		Bus:        bus,
	}, strategy.Options{
		Instrument:  settings.Instrument,
		Granularity: settings.Collector.Granularity,
		TradeFrame:  settings.TradeFrame,
	}, log, metrics)
	if err != nil {
		return fmt.Errorf("start strategy: %w", err)
	}

	recon := reconciliation.NewService(tr, cfg.ReconcileInterval, bus, log, metrics)
	recon.Start(ctx)

	mon := &monitor.Monitor{Bus: bus, Sink: monitor.LogSink{Logger: log.Named("alerts")}, Logger: log}
	mon.Start(ctx)

	// API
	if !cfg.LogDevelopment {
		gin.SetMode(gin.ReleaseMode)
	}
	server := api.NewServer(api.Deps{
		Ledger:     tr,
		Data:       dc,
		Strategy:   strat,
		Reconciler: recon,
		Bus:        bus,
		Metrics:    metrics,
		Gatherer:   reg,
	}, api.SystemMeta{
		Broker:      "paper",
		Instrument:  settings.Instrument,
		Granularity: settings.Collector.Granularity,
		Storage:     cfg.Storage,
		Version:     version,
	}, cfg.JWTSecret, log)
	if cfg.JWTSecret == "" {
		log.Warn("JWT_SECRET is empty, operator actions are disabled")
	}

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		log.Info("api listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	strat.Start(ctx)
	dc.Start(ctx)
	log.Info("engine running", zap.String("instrument", settings.Instrument), zap.Duration("granularity", settings.Collector.Granularity))

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-serveErr:
		log.Error("api server failed", zap.Error(err))
	}

	return shutdown(httpServer, strat, dc, tr, cfg.CloseOnShutdown, log)
}

// shutdown stops decision making first, then data collection, then
// optionally unwinds open positions.
func shutdown(httpServer *http.Server, strat *strategy.EMACross, dc *collector.Collector, tr *trader.Trader, closePositions bool, log *zap.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		log.Warn("api shutdown", zap.Error(err))
	}

	strat.Stop()
	dc.Stop()

	if closePositions {
		if err := tr.ClosePendingTrades(ctx); err != nil {
			log.Error("close pending trades", zap.Error(err))
		}
	}
	log.Info("engine stopped")
	return nil
}

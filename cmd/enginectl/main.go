// Command enginectl runs the order-and-position lifecycle engine for one
// strategy/instrument pair: it wires the broker gateway, order tracker,
// position ledger, exit supervisor, reconciler, trade journal, state
// store, and the operator HTTP surface, then drives everything from the
// engine's single event loop.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/halcyonlabs/spreadkeeper/internal/broker"
	"github.com/halcyonlabs/spreadkeeper/internal/config"
	"github.com/halcyonlabs/spreadkeeper/internal/engine"
	"github.com/halcyonlabs/spreadkeeper/internal/exits"
	"github.com/halcyonlabs/spreadkeeper/internal/journal"
	"github.com/halcyonlabs/spreadkeeper/internal/ledger"
	"github.com/halcyonlabs/spreadkeeper/internal/models"
	"github.com/halcyonlabs/spreadkeeper/internal/ops"
	"github.com/halcyonlabs/spreadkeeper/internal/orders"
	"github.com/halcyonlabs/spreadkeeper/internal/reconcile"
	"github.com/halcyonlabs/spreadkeeper/internal/state"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "config.yaml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := log.New(os.Stdout, "[ENGINE] ", log.LstdFlags|log.Lshortfile)
	structured := newStructuredLogger(cfg.Environment.LogLevel)

	logger.Printf("Starting lifecycle engine for %s/%s in %s mode",
		cfg.Engine.StrategyID, cfg.Engine.InstrumentKey, cfg.Environment.Mode)
	if !cfg.IsPaperTrading() {
		logger.Println("LIVE TRADING MODE - real money at risk!")
		logger.Println("Waiting 10 seconds to confirm...")
		time.Sleep(10 * time.Second)
	}

	gateway := buildGateway(cfg, logger)

	rec, err := journal.NewSQLite(cfg.Storage.JournalPath)
	if err != nil {
		log.Fatalf("Failed to open trade journal: %v", err)
	}
	defer func() {
		if err := rec.Close(); err != nil {
			logger.Printf("Journal close failed: %v", err)
		}
	}()

	store, err := state.NewJSONStore(cfg.Storage.StatePath, cfg.Engine.StrategyID)
	if err != nil {
		log.Fatalf("Failed to open state store: %v", err)
	}

	notifier := ops.NewLogNotifier(structured, 200)

	tracker := orders.NewTracker(gateway, rec, logger, orders.Config{
		MaxEntryAttempts: cfg.Entry.MaxAttempts,
		FillTimeout:      cfg.Entry.FillTimeout,
		InitialBackoff:   cfg.Entry.InitialBackoff,
		MaxBackoff:       cfg.Entry.MaxBackoff,
	})
	posLedger := ledger.New(logger)
	supervisor := exits.NewSupervisor(tracker, rec, notifier, logger, exits.Config{
		StopLossPct:         cfg.Exit.StopLossPct,
		TakeProfitPct:       cfg.Exit.TakeProfitPct,
		WalkStep:            cfg.Exit.WalkStep,
		Tick:                cfg.Exit.Tick,
		MarketFallbackTicks: cfg.Exit.MarketFallbackTicks,
		RepriceTakeProfit:   *cfg.Exit.RepriceTakeProfit,
	})
	reconciler := reconcile.NewReconciler(gateway, rec, notifier, logger)

	eng := engine.New(gateway, tracker, posLedger, supervisor, reconciler,
		rec, store, notifier, logger, engine.Config{
			StrategyID:    cfg.Engine.StrategyID,
			InstrumentKey: cfg.Engine.InstrumentKey,
			Location:      cfg.Location(),
			Tick:          cfg.Exit.Tick,
		})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Println("Shutdown signal received, stopping engine...")
		cancel()
	}()

	if err := eng.Start(ctx); err != nil {
		log.Fatalf("Engine startup failed: %v", err)
	}

	opsServer := ops.NewServer(cfg.Ops.ListenAddr, notifier, eng, structured)
	opsServer.Mount("/control", controlRoutes(ctx, eng, cfg))
	if err := opsServer.Start(); err != nil {
		log.Fatalf("Ops server failed to start: %v", err)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := opsServer.Stop(shutdownCtx); err != nil {
			logger.Printf("Ops server shutdown failed: %v", err)
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return eng.Run(gctx)
	})

	if err := g.Wait(); err != nil && err != context.Canceled {
		log.Fatalf("Engine error: %v", err)
	}
	logger.Println("Engine stopped")
}

// buildGateway selects the broker connection for the configured mode.
// Paper mode runs entirely against the in-process simulator; both modes
// sit behind the circuit breaker so a flapping backend trips fast.
func buildGateway(cfg *config.Config, logger *log.Logger) broker.Gateway {
	sim := broker.NewSim()
	if cfg.IsPaperTrading() {
		logger.Println("PAPER TRADING MODE - orders go to the in-process simulator")
	} else {
		// A live adapter would slot in here; until one is configured the
		// simulator backs live mode too, loudly.
		logger.Println("WARNING: no live gateway configured, falling back to the simulator")
	}
	return broker.NewCircuitBreakerGateway(sim)
}

// entryBody is the JSON payload for POST /control/entry. Quantity falls
// back to entry.target_quantity from the config when omitted.
type entryBody struct {
	Side       string           `json:"side"`
	Legs       []broker.LegSpec `json:"legs"`
	Quantity   float64          `json:"quantity"`
	LimitPrice float64          `json:"limit_price"`
}

// controlRoutes is the inbound command surface: the signal source posts
// entries here, and an operator can force a close or a reconciliation.
// Commands are queued onto the engine loop; 202 means accepted, not done.
func controlRoutes(ctx context.Context, eng *engine.Engine, cfg *config.Config) http.Handler {
	r := chi.NewRouter()

	r.Post("/entry", func(w http.ResponseWriter, req *http.Request) {
		var body entryBody
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			http.Error(w, fmt.Sprintf("bad entry request: %v", err), http.StatusBadRequest)
			return
		}
		side := models.OrderSide(body.Side)
		if side != models.SideBuy && side != models.SideSell {
			http.Error(w, "side must be buy or sell", http.StatusBadRequest)
			return
		}
		if len(body.Legs) == 0 {
			http.Error(w, "at least one leg is required", http.StatusBadRequest)
			return
		}
		qty := body.Quantity
		if qty <= 0 {
			qty = cfg.Entry.TargetQuantity
		}
		eng.RequestEntry(ctx, engine.EntryRequest{
			Side:       side,
			Legs:       body.Legs,
			Quantity:   qty,
			LimitPrice: body.LimitPrice,
		})
		w.WriteHeader(http.StatusAccepted)
	})

	r.Post("/close", func(w http.ResponseWriter, _ *http.Request) {
		eng.RequestClose(ctx)
		w.WriteHeader(http.StatusAccepted)
	})

	r.Post("/reconcile", func(w http.ResponseWriter, _ *http.Request) {
		eng.RequestReconcile(ctx)
		w.WriteHeader(http.StatusAccepted)
	})

	return r
}

func newStructuredLogger(level string) *logrus.Logger {
	l := logrus.New()
	l.SetFormatter(&logrus.JSONFormatter{})
	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		parsed = logrus.InfoLevel
	}
	l.SetLevel(parsed)
	return l
}

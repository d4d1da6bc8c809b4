// replay feeds a CSV of recorded signals through the full pipeline against the
// demo simulator, with prices pinned to the recorded values. Useful for
// verifying how a signal stream would have been handled without touching an
// exchange.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/shopspring/decimal"

	"signalpilot/internal/accounts"
	"signalpilot/internal/adapters/demo"
	"signalpilot/internal/adapters/eventlog"
	"signalpilot/internal/adapters/logger"
	"signalpilot/internal/adapters/sqlite"
	"signalpilot/internal/app"
	"signalpilot/internal/domain"
	"signalpilot/internal/ports"
	"signalpilot/internal/resolver"
	"signalpilot/internal/risk"
	"signalpilot/internal/utils"
)

func main() {
	var (
		file        = flag.String("file", "", "CSV file of recorded signals (required)")
		dbPath      = flag.String("db", "", "SQLite database path (defaults to a throwaway temp file)")
		tradeAmount = flag.String("amount", "100", "trade notional per open signal")
		leverage    = flag.Int("leverage", 10, "leverage for derivatives positions")
		correlation = flag.Bool("correlation", true, "enable correlation-id matching")
		minQty      = flag.String("min-qty", "0.001", "symbol minimum quantity")
		step        = flag.String("step", "0.001", "symbol lot step")
		minNotional = flag.String("min-notional", "5", "symbol minimum notional")
		precision   = flag.Int("precision", 3, "symbol quantity precision")
		maxDaily    = flag.Float64("max-daily-loss", 0, "daily loss limit (0 disables)")
		maxWeekly   = flag.Float64("max-weekly-loss", 0, "weekly loss limit (0 disables)")
		maxTotal    = flag.Float64("max-total-loss", 0, "total loss limit (0 disables)")
	)
	flag.Parse()

	if *file == "" {
		flag.Usage()
		os.Exit(2)
	}

	records, err := utils.ReadSignalsFromCSV(*file)
	if err != nil {
		log.Fatalf("FATAL: Failed to read signals: %v", err)
	}
	if len(records) == 0 {
		log.Fatalf("FATAL: No signals in %s", *file)
	}

	appLogger, err := logger.New(logger.Config{Level: "warn", Development: true})
	if err != nil {
		log.Fatalf("FATAL: Failed to initialize logger: %v", err)
	}
	defer appLogger.Sync()

	path := *dbPath
	if path == "" {
		path = filepath.Join(os.TempDir(), fmt.Sprintf("replay-%d.db", time.Now().UnixNano()))
		defer os.Remove(path)
	}
	repo, err := sqlite.NewRepository(sqlite.Config{DBPath: path, Logger: appLogger})
	if err != nil {
		log.Fatalf("FATAL: Failed to open database: %v", err)
	}
	defer repo.Close()

	simulator, err := demo.New(demo.Config{Logger: appLogger})
	if err != nil {
		log.Fatalf("FATAL: Failed to initialize simulator: %v", err)
	}
	rules := ports.SymbolRules{
		MinQuantity:       mustDecimal(*minQty, "min-qty"),
		QuantityStep:      mustDecimal(*step, "step"),
		MinNotional:       mustDecimal(*minNotional, "min-notional"),
		QuantityPrecision: int32(*precision),
	}

	svc, acctSvc := buildPipeline(repo, simulator, appLogger, domain.RiskLimits{
		MaxDailyLoss:  *maxDaily,
		MaxWeeklyLoss: *maxWeekly,
		MaxTotalLoss:  *maxTotal,
	})

	// Seed a demo account for every user appearing in the stream.
	ctx := context.Background()
	seeded := make(map[string]bool)
	for _, r := range records {
		if seeded[r.Signal.UserID] {
			continue
		}
		err := acctSvc.Save(ctx, &domain.AccountContext{
			UserID:             r.Signal.UserID,
			AccountMode:        domain.ModeDemo,
			Market:             domain.MarketDerivatives,
			TradeAmount:        mustDecimal(*tradeAmount, "amount"),
			Leverage:           *leverage,
			CorrelationEnabled: *correlation,
		})
		if err != nil {
			log.Fatalf("FATAL: Failed to seed account for %s: %v", r.Signal.UserID, err)
		}
		seeded[r.Signal.UserID] = true
	}

	// Replay in recorded order, pinning the simulator to each record's price.
	var succeeded, failed int
	for i, r := range records {
		simulator.SetPrice(r.Signal.Symbol, decimal.NewFromFloat(r.Price))
		simulator.SetRules(r.Signal.Symbol, rules)

		sig := r.Signal
		result, err := svc.ProcessSignal(ctx, &sig)
		if err != nil {
			failed++
			fmt.Printf("%4d  %-13s %-10s -> FAILED: %v\n", i+1, sig.Kind, sig.Symbol, err)
			continue
		}
		succeeded++
		line := fmt.Sprintf("%4d  %-13s %-10s -> %s", i+1, sig.Kind, sig.Symbol, result.Action)
		if result.Position != nil {
			line += fmt.Sprintf(" qty=%s", result.Position.Quantity)
		}
		if len(result.Closed) > 0 {
			pnl := decimal.Zero
			for _, c := range result.Closed {
				pnl = pnl.Add(c.PnL)
			}
			line += fmt.Sprintf(" closed=%d pnl=%s", len(result.Closed), pnl)
		}
		fmt.Println(line)
	}

	fmt.Printf("\nreplayed %d signals: %d succeeded, %d failed\n", len(records), succeeded, failed)

	// Final book per user.
	for userID := range seeded {
		positions, err := repo.FindAllByUser(ctx, userID)
		if err != nil {
			log.Fatalf("FATAL: Failed to list positions for %s: %v", userID, err)
		}
		realized := decimal.Zero
		open := 0
		for _, p := range positions {
			realized = realized.Add(p.RealizedPnL)
			if p.IsOpen() {
				open++
			}
		}
		fmt.Printf("user %s: %d positions (%d open), realized pnl %s\n", userID, len(positions), open, realized)
	}
}

func buildPipeline(repo *sqlite.Repository, simulator *demo.Simulator, appLogger ports.Logger, limits domain.RiskLimits) (*app.SignalService, *accounts.Service) {
	acctSvc, err := accounts.NewService(repo, appLogger)
	if err != nil {
		log.Fatalf("FATAL: Failed to initialize account service: %v", err)
	}
	res, err := resolver.New(repo, appLogger)
	if err != nil {
		log.Fatalf("FATAL: Failed to initialize resolver: %v", err)
	}
	gate, err := risk.NewGate(repo, appLogger, risk.Config{DefaultLimits: limits})
	if err != nil {
		log.Fatalf("FATAL: Failed to initialize risk gate: %v", err)
	}
	sink, err := eventlog.New(appLogger)
	if err != nil {
		log.Fatalf("FATAL: Failed to initialize event sink: %v", err)
	}

	// Replays are demo-only; the simulator stands in for both modes.
	svc, err := app.NewSignalService(app.Config{}, appLogger, acctSvc, res, gate, repo, simulator, simulator, sink)
	if err != nil {
		log.Fatalf("FATAL: Failed to initialize signal service: %v", err)
	}
	return svc, acctSvc
}

func mustDecimal(s, name string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		log.Fatalf("FATAL: invalid -%s value %q: %v", name, s, err)
	}
	return d
}

// riskctl is the operator tool for the risk gate: inspect a user's loss
// counters and perform the explicit re-enable action that lifts a trading
// halt. Halts never lift themselves.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/joho/godotenv"

	"signalpilot/internal/adapters/logger"
	"signalpilot/internal/adapters/sqlite"
	"signalpilot/internal/risk"
)

func main() {
	_ = godotenv.Load()

	var (
		userID   = flag.String("user", "", "user id to operate on (required)")
		dbPath   = flag.String("db", envOr("DB_PATH", "./data/signalpilot.db"), "path to the SQLite database")
		reenable = flag.Bool("reenable", false, "lift the trading halt for the user")
	)
	flag.Parse()

	if *userID == "" {
		flag.Usage()
		os.Exit(2)
	}

	appLogger, err := logger.New(logger.Config{Level: "warn", Development: true})
	if err != nil {
		log.Fatalf("FATAL: Failed to initialize logger: %v", err)
	}
	defer appLogger.Sync()

	repo, err := sqlite.NewRepository(sqlite.Config{DBPath: *dbPath, Logger: appLogger})
	if err != nil {
		log.Fatalf("FATAL: Failed to open database: %v", err)
	}
	defer repo.Close()

	gate, err := risk.NewGate(repo, appLogger, risk.Config{})
	if err != nil {
		log.Fatalf("FATAL: Failed to initialize risk gate: %v", err)
	}

	ctx := context.Background()
	if *reenable {
		if err := gate.Reenable(ctx, *userID); err != nil {
			log.Fatalf("FATAL: Failed to re-enable trading for %s: %v", *userID, err)
		}
		fmt.Printf("trading re-enabled for user %s\n", *userID)
	}

	state, err := gate.State(ctx, *userID)
	if err != nil {
		log.Fatalf("FATAL: Failed to load risk state for %s: %v", *userID, err)
	}

	fmt.Printf("user:            %s\n", state.UserID)
	fmt.Printf("trading enabled: %v\n", state.TradingEnabled)
	if state.HaltReason != "" {
		fmt.Printf("halt reason:     %s limit breached\n", state.HaltReason)
	}
	fmt.Printf("daily loss:      %.2f (limit %.2f)\n", state.DailyLoss, state.Limits.MaxDailyLoss)
	fmt.Printf("weekly loss:     %.2f (limit %.2f)\n", state.WeeklyLoss, state.Limits.MaxWeeklyLoss)
	fmt.Printf("total loss:      %.2f (limit %.2f)\n", state.TotalLoss, state.Limits.MaxTotalLoss)
	if state.Limits.MaxLossPercent > 0 {
		fmt.Printf("percent limit:   %.1f%% of %.2f\n", state.Limits.MaxLossPercent, state.BaselineEquity)
	}
	fmt.Printf("daily reset:     %s\n", state.DailyResetAt.Format("2006-01-02"))
	fmt.Printf("weekly reset:    %s\n", state.WeeklyResetAt.Format("2006-01-02"))
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

package main

import (
	"context"
	"log" // Use standard log only for initial fatal errors before logger is set up

	"signalpilot/config"
	"signalpilot/internal/accounts"
	"signalpilot/internal/adapters/binanceclient"
	"signalpilot/internal/adapters/demo"
	"signalpilot/internal/adapters/eventlog"
	"signalpilot/internal/adapters/logger"
	"signalpilot/internal/adapters/sqlite"
	"signalpilot/internal/app"
	"signalpilot/internal/resolver"
	"signalpilot/internal/risk"
	"signalpilot/internal/webhook"
)

func main() {
	// 1. Load Configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("FATAL: Failed to load configuration: %v", err)
	}

	// 2. Initialize Logger
	appLogger, err := logger.New(logger.Config{Level: cfg.LogLevel, Development: cfg.LogDev})
	if err != nil {
		log.Fatalf("FATAL: Failed to initialize logger: %v", err)
	}
	defer appLogger.Sync()
	appLogger.Info(context.Background(), "Logger initialized", map[string]interface{}{"level": cfg.LogLevel})

	// 3. Initialize Repository (Database Adapter)
	repo, err := sqlite.NewRepository(sqlite.Config{
		DBPath: cfg.DBPath,
		Logger: appLogger,
	})
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize database repository")
		log.Fatalf("FATAL: Failed to initialize database repository: %v", err)
	}
	defer func() {
		if err := repo.Close(); err != nil {
			appLogger.Error(context.Background(), err, "Error closing database repository")
		}
	}()
	appLogger.Info(context.Background(), "Database repository initialized")

	// 4. Initialize Exchange Clients (real Binance + demo simulation)
	binanceClient, err := binanceclient.New(binanceclient.Config{
		APIKey:            cfg.APIKey,
		SecretKey:         cfg.SecretKey,
		UseTestnet:        cfg.IsTestnet,
		Logger:            appLogger,
		RequestsPerSecond: cfg.RequestsPerSecond,
	})
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize Binance client")
		log.Fatalf("FATAL: Failed to initialize Binance client: %v", err)
	}
	// Demo fills use live prices from the real client's public endpoints.
	simulator, err := demo.New(demo.Config{Source: binanceClient, Logger: appLogger})
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize demo simulator")
		log.Fatalf("FATAL: Failed to initialize demo simulator: %v", err)
	}
	appLogger.Info(context.Background(), "Exchange clients initialized")

	// 5. Initialize Core Services
	accountService, err := accounts.NewService(repo, appLogger)
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize account service")
		log.Fatalf("FATAL: Failed to initialize account service: %v", err)
	}
	signalResolver, err := resolver.New(repo, appLogger)
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize signal resolver")
		log.Fatalf("FATAL: Failed to initialize signal resolver: %v", err)
	}
	riskGate, err := risk.NewGate(repo, appLogger, risk.Config{
		DefaultLimits:  cfg.RiskLimits,
		BaselineEquity: cfg.BaselineEquity,
	})
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize risk gate")
		log.Fatalf("FATAL: Failed to initialize risk gate: %v", err)
	}
	sink, err := eventlog.New(appLogger)
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize event sink")
		log.Fatalf("FATAL: Failed to initialize event sink: %v", err)
	}

	// 6. Seed default accounts for configured webhook users
	seedCtx := context.Background()
	for _, userID := range cfg.WebhookTokens {
		existing, err := repo.GetAccount(seedCtx, userID)
		if err != nil {
			appLogger.Error(seedCtx, err, "FATAL: Failed to check account configuration", map[string]interface{}{"userID": userID})
			log.Fatalf("FATAL: Failed to check account configuration: %v", err)
		}
		if existing != nil {
			continue
		}
		if err := accountService.Save(seedCtx, cfg.DefaultAccount(userID)); err != nil {
			appLogger.Error(seedCtx, err, "FATAL: Failed to seed default account", map[string]interface{}{"userID": userID})
			log.Fatalf("FATAL: Failed to seed default account: %v", err)
		}
		appLogger.Info(seedCtx, "Seeded default account", map[string]interface{}{
			"userID": userID, "mode": string(cfg.DefaultAccountMode), "market": string(cfg.DefaultMarket),
		})
	}

	// 7. Initialize Signal Service
	signalService, err := app.NewSignalService(
		app.Config{ExchangeTimeout: cfg.ExchangeTimeout},
		appLogger,
		accountService,
		signalResolver,
		riskGate,
		repo,
		binanceClient,
		simulator,
		sink,
	)
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize signal service")
		log.Fatalf("FATAL: Failed to initialize signal service: %v", err)
	}
	appLogger.Info(context.Background(), "Signal service initialized")

	// 8. Serve the inbound signal channel
	handler, err := webhook.New(webhook.Config{
		Processor: signalService,
		Logger:    appLogger,
		Tokens:    cfg.WebhookTokens,
	})
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize webhook handler")
		log.Fatalf("FATAL: Failed to initialize webhook handler: %v", err)
	}

	appLogger.Info(context.Background(), "Listening for signals", map[string]interface{}{"addr": cfg.ListenAddr})
	if err := handler.Router().Run(cfg.ListenAddr); err != nil {
		appLogger.Error(context.Background(), err, "HTTP server exited with error")
		log.Fatalf("FATAL: HTTP server exited with error: %v", err)
	}
}

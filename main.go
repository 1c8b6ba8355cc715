package main

import (
	"context"
	"log" // Use standard log only for initial fatal errors before logger is set up
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"perpRiskBot/config"
	"perpRiskBot/internal/adapters/binanceclient"
	"perpRiskBot/internal/adapters/logger"
	"perpRiskBot/internal/adapters/sqlite"
	"perpRiskBot/internal/app"
	"perpRiskBot/internal/ports"
)

func main() {
	// 1. Load Configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("FATAL: Failed to load configuration: %v", err) // Use standard log before logger is ready
	}

	// 2. Initialize Logger
	var appLogger ports.Logger
	switch cfg.LogFormat {
	case "json", "console":
		zapLogger, err := logger.NewZapLogger(cfg.LogLevel.String(), cfg.LogFormat)
		if err != nil {
			log.Fatalf("FATAL: Failed to initialize zap logger: %v", err)
		}
		defer zapLogger.Sync()
		appLogger = zapLogger
	default:
		appLogger = logger.NewStdLogger(cfg.LogLevel)
	}
	appLogger.Info(context.Background(), "Logger initialized", map[string]interface{}{"level": cfg.LogLevel.String(), "format": cfg.LogFormat})

	// 3. Initialize Ledger (Database Adapter)
	ledger, err := sqlite.NewLedger(sqlite.Config{
		DBPath: cfg.DBPath,
		Logger: appLogger,
	})
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize position ledger")
		log.Fatalf("FATAL: Failed to initialize position ledger: %v", err) // Also log to stderr
	}
	defer func() {
		if err := ledger.Close(); err != nil {
			appLogger.Error(context.Background(), err, "Error closing position ledger")
		}
	}()
	appLogger.Info(context.Background(), "Position ledger initialized", map[string]interface{}{"dbPath": cfg.DBPath})

	// 4. Initialize Exchange Client (Binance Adapter)
	binanceClient, err := binanceclient.New(binanceclient.Config{
		APIKey:     cfg.APIKey,
		SecretKey:  cfg.SecretKey,
		UseTestnet: cfg.IsTestnet,
		Logger:     appLogger,
	})
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize Binance client")
		log.Fatalf("FATAL: Failed to initialize Binance client: %v", err)
	}
	appLogger.Info(context.Background(), "Binance client initialized")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := binanceClient.SetServerTime(ctx); err != nil {
		appLogger.Warn(ctx, "Could not sync server time, continuing", map[string]interface{}{"error": err.Error()})
	}

	// 5. Initialize Risk Controller
	controller, err := app.NewRiskController(
		app.Config{
			PollInterval: cfg.PollInterval,
			BaseStopPct:  cfg.BaseStopPct,
			Ladder:       cfg.Ladder,
		},
		appLogger,
		ledger,
		binanceClient, // Pass the concrete implementation, controller expects the interfaces
		binanceClient,
		binanceClient,
	)
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to initialize risk controller")
		log.Fatalf("FATAL: Failed to initialize risk controller: %v", err)
	}
	controller.UpdateMonitoredGroups(cfg.LongBots, cfg.ShortBots)
	appLogger.Info(ctx, "Risk controller initialized")

	// 6. Optional metrics listener
	if cfg.MetricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			appLogger.Info(ctx, "Metrics listener starting", map[string]interface{}{"addr": cfg.MetricsAddr})
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil && err != http.ErrServerClosed {
				appLogger.Error(ctx, err, "Metrics listener exited")
			}
		}()
	}

	// 7. Start the risk loop and wait for shutdown
	controller.Start(ctx)
	<-ctx.Done()

	appLogger.Info(context.Background(), "Application finished gracefully.")
}

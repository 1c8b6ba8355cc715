package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"sort"
	"time"

	"perpRiskBot/internal/adapters/logger"
	"perpRiskBot/internal/adapters/sqlite"
	"perpRiskBot/internal/domain"
	"perpRiskBot/internal/utils"
)

// riskreport prints the open positions and realized PnL summary for a bot
// straight from the ledger database, optionally dumping the trade trail to
// CSV. Intended for operators; the running service is not required.
func main() {
	var (
		dbPath  = flag.String("db", "./data/risk_ledger.db", "Path to the ledger database")
		botID   = flag.String("bot", "", "Bot identifier to report on (required)")
		csvPath = flag.String("csv", "", "Optional: write the bot's trade trail to this CSV file")
		days    = flag.Int("days", 30, "How many days of trades to include in the CSV dump")
	)
	flag.Parse()

	if *botID == "" {
		flag.Usage()
		os.Exit(2)
	}

	appLogger := logger.NewStdLogger(logger.LevelWarn)
	ledger, err := sqlite.NewLedger(sqlite.Config{DBPath: *dbPath, Logger: appLogger})
	if err != nil {
		log.Fatalf("FATAL: Failed to open ledger at %s: %v", *dbPath, err)
	}
	defer ledger.Close()

	ctx := context.Background()
	now := time.Now().UTC()

	positions, err := ledger.OpenPositions(ctx, *botID)
	if err != nil {
		log.Fatalf("FATAL: Failed to read open positions: %v", err)
	}

	fmt.Printf("Open positions for bot %s:\n", *botID)
	if len(positions) == 0 {
		fmt.Println("  (none)")
	} else {
		keys := make([]domain.PositionKey, 0, len(positions))
		for k := range positions {
			keys = append(keys, k)
		}
		sort.Slice(keys, func(i, j int) bool {
			if keys[i].Symbol != keys[j].Symbol {
				return keys[i].Symbol < keys[j].Symbol
			}
			return keys[i].Direction < keys[j].Direction
		})
		for _, k := range keys {
			agg := positions[k]
			lock, err := ledger.LockLevel(ctx, k)
			if err != nil {
				log.Fatalf("FATAL: Failed to read lock level for %s %s: %v", k.Symbol, k.Direction, err)
			}
			fmt.Printf("  %-12s %-5s qty=%s avgEntry=%s lock=%s%%\n",
				k.Symbol, k.Direction, agg.Quantity.String(), agg.EntryPrice.String(), lock.String())
		}
	}

	summary, err := ledger.Summary(ctx, *botID, now)
	if err != nil {
		log.Fatalf("FATAL: Failed to compute summary: %v", err)
	}
	fmt.Printf("\nRealized PnL (as of %s):\n", now.Format(time.RFC3339))
	fmt.Printf("  last 24h: %s\n", summary.RealizedLast24.String())
	fmt.Printf("  last 7d:  %s\n", summary.RealizedLast7d.String())
	fmt.Printf("  total:    %s (%d exit trades)\n", summary.RealizedTotal.String(), summary.TradeCount)

	if *csvPath != "" {
		since := now.AddDate(0, 0, -*days)
		trades, err := ledger.TradesSince(ctx, *botID, since)
		if err != nil {
			log.Fatalf("FATAL: Failed to read trades: %v", err)
		}
		if err := utils.WriteTradesToCSV(trades, *csvPath); err != nil {
			log.Fatalf("FATAL: Failed to write CSV %s: %v", *csvPath, err)
		}
		fmt.Printf("\nWrote %d trades since %s to %s\n", len(trades), since.Format("2006-01-02"), *csvPath)
	}
}

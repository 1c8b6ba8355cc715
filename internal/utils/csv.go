package utils

import (
	"encoding/csv"
	"os"
	"strconv"
	"time"

	"perpRiskBot/internal/domain"
)

// WriteTradesToCSV dumps the trade trail to a CSV file for audit and
// offline analysis. Decimal columns are written exactly as stored.
func WriteTradesToCSV(trades []*domain.TradeEvent, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	// Write header
	writer.Write([]string{"id", "timestamp", "bot_id", "symbol", "direction", "action", "quantity", "price", "reason", "realized_pnl"})

	for _, t := range trades {
		realized := ""
		if t.Action == domain.ActionExit {
			realized = t.RealizedPnL.String()
		}
		writer.Write([]string{
			strconv.FormatInt(t.ID, 10),
			t.Timestamp.Format(time.RFC3339),
			t.BotID,
			t.Symbol,
			string(t.Direction),
			string(t.Action),
			t.Quantity.String(),
			t.Price.String(),
			t.Reason,
			realized,
		})
	}
	return writer.Error()
}

package performance

import (
	"log/slog"
	"sort"
)

// LogReport logs the performance report as structured JSON.
func LogReport(r *Report) {
	slog.Info("performance report",
		"total_trades", r.TotalTrades,
		"resolved_trades", r.ResolvedTrades,
		"mana_wagered", r.ManaWagered,
		"realized_pnl", r.RealizedPnL,
		"roi", r.ROI,
		"win_rate", r.WinRate,
		"peak_value", r.PeakValue,
		"max_drawdown", r.MaxDrawdown,
	)

	names := make([]string, 0, len(r.ProducerStats))
	for name := range r.ProducerStats {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		stats := r.ProducerStats[name]
		slog.Info("producer performance",
			"producer", name,
			"signals", stats.Signals,
			"wagered", stats.ManaWagered,
			"resolved", stats.Resolved,
			"pnl", stats.PnL,
			"win_rate", stats.WinRate,
			"avg_return", stats.AvgReturn,
		)
	}
}

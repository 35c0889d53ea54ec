package observability

import (
	"log/slog"
	"time"
)

// ToolCallMetric is the structured metric emitted after every tool call,
// replacing ad-hoc slog.Info call sites with a single named shape instead
// of scattering field names across call sites.
type ToolCallMetric struct {
	Tool     string
	Provider string
	Duration time.Duration
	Outcome  string // "success", "error", "timeout", "cancelled"
}

// RecordToolCall logs a ToolCallMetric at Info level. Emission is
// best-effort: it never returns an error and never blocks the caller.
func RecordToolCall(m ToolCallMetric) {
	slog.Info("tool call completed",
		"tool", m.Tool,
		"provider", m.Provider,
		"duration_ms", m.Duration.Milliseconds(),
		"outcome", m.Outcome,
	)
}

package meter

import (
	"log/slog"

	"github.com/ineyio/imagerouter"
)

// LogMeter logs routing events using slog. Only token ids are logged.
type LogMeter struct {
	Logger *slog.Logger
}

var _ imagerouter.Meter = (*LogMeter)(nil)

// NewLogMeter creates a LogMeter with the given logger.
// If logger is nil, slog.Default() is used.
func NewLogMeter(logger *slog.Logger) *LogMeter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogMeter{Logger: logger}
}

func (m *LogMeter) OnRoute(e imagerouter.RouteEvent) {
	m.Logger.Info("route",
		"request_id", e.RequestID,
		"token", e.TokenID,
		"strategy", e.Strategy,
		"attempt", e.AttemptNum,
		"used_today", e.UsedToday,
		"daily_limit", e.DailyLimit,
	)
}

func (m *LogMeter) OnResult(e imagerouter.ResultEvent) {
	if e.Success {
		m.Logger.Info("result",
			"request_id", e.RequestID,
			"token", e.TokenID,
			"attempt", e.AttemptNum,
			"duration_ms", e.Duration.Milliseconds(),
		)
		return
	}
	m.Logger.Warn("result_error",
		"request_id", e.RequestID,
		"token", e.TokenID,
		"attempt", e.AttemptNum,
		"kind", e.Kind,
		"duration_ms", e.Duration.Milliseconds(),
		"error", e.Error,
	)
}

func (m *LogMeter) OnTransition(e imagerouter.TransitionEvent) {
	attrs := []any{
		"token", e.TokenID,
		"from", e.From,
		"to", e.To,
		"reason", e.Reason,
	}
	if !e.CooldownUntil.IsZero() {
		attrs = append(attrs, "cooldown_until", e.CooldownUntil)
	}
	m.Logger.Info("transition", attrs...)
}

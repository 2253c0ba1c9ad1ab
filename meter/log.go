package meter

import (
	"log/slog"

	vfscore "github.com/mattiaTagliente/VFScore"
)

// LogMeter logs dispatch, cost and quota events using slog.
type LogMeter struct {
	Logger *slog.Logger
}

var _ vfscore.Meter = (*LogMeter)(nil)

// NewLogMeter creates a LogMeter with the given logger.
// If logger is nil, slog.Default() is used.
func NewLogMeter(logger *slog.Logger) *LogMeter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogMeter{Logger: logger}
}

func (m *LogMeter) OnDispatch(e vfscore.DispatchEvent) {
	m.Logger.Info("dispatch",
		"item", e.ItemID,
		"repeat", e.Repeat,
		"credential", e.Credential,
		"attempt", e.Attempt,
		"estimated_tokens", e.EstimatedTokens,
	)
}

func (m *LogMeter) OnResult(e vfscore.ResultEvent) {
	if e.Success {
		m.Logger.Info("result",
			"item", e.ItemID,
			"repeat", e.Repeat,
			"credential", e.Credential,
			"attempt", e.Attempt,
			"duration_ms", e.Duration.Milliseconds(),
			"score", e.Score,
			"input_tokens", e.Usage.InputTokens,
			"output_tokens", e.Usage.OutputTokens,
		)
	} else {
		m.Logger.Warn("result_error",
			"item", e.ItemID,
			"repeat", e.Repeat,
			"credential", e.Credential,
			"attempt", e.Attempt,
			"duration_ms", e.Duration.Milliseconds(),
			"error", e.Err,
		)
	}
}

func (m *LogMeter) OnCost(e vfscore.CostEvent) {
	switch e.Kind {
	case vfscore.CostCall:
		m.Logger.Debug("cost",
			"item", e.ItemID,
			"cost_usd", e.CostUSD,
			"running_total_usd", e.TotalUSD,
		)
	case vfscore.CostThreshold:
		m.Logger.Info("cost_threshold",
			"threshold_usd", e.Threshold,
			"running_total_usd", e.TotalUSD,
			"ceiling_usd", e.CeilingUSD,
		)
	case vfscore.CostCeiling:
		m.Logger.Error("cost_ceiling_reached",
			"running_total_usd", e.TotalUSD,
			"ceiling_usd", e.CeilingUSD,
		)
	case vfscore.CostBillingNotice:
		m.Logger.Warn("billing_notice",
			"detail", "calls are charged when billing is enabled on the account; cost tracking and limits are active",
		)
	}
}

func (m *LogMeter) OnQuota(e vfscore.QuotaEvent) {
	m.Logger.Warn("daily_quota_warning",
		"credential", e.Credential,
		"requests_today", e.RequestsToday,
		"daily_limit", e.DailyLimit,
		"utilization", e.Utilization,
	)
}

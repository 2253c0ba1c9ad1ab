package vfscore

import "time"

// Meter observes dispatch, cost and quota events for monitoring/logging.
type Meter interface {
	// OnDispatch is called when a task attempt is handed to the scorer.
	OnDispatch(event DispatchEvent)

	// OnResult is called when the scorer returns a result.
	OnResult(event ResultEvent)

	// OnCost is called for cost-related events (per-call accrual,
	// informational threshold crossings, ceiling stop, billing notice).
	OnCost(event CostEvent)

	// OnQuota is called when a credential crosses the informational
	// daily-utilization warning level.
	OnQuota(event QuotaEvent)
}

// DispatchEvent describes a scoring attempt about to be issued.
type DispatchEvent struct {
	ItemID          string
	Repeat          int
	Credential      string
	Attempt         int
	EstimatedTokens int64
}

// ResultEvent describes the outcome of one scoring call.
type ResultEvent struct {
	ItemID     string
	Repeat     int
	Credential string
	Attempt    int
	Success    bool
	Duration   time.Duration
	Usage      Usage
	Score      float64
	Err        error
}

// CostEventKind distinguishes cost events.
type CostEventKind int

const (
	// CostCall is emitted after every completed call's cost is accrued.
	CostCall CostEventKind = iota
	// CostThreshold is emitted once per configured informational threshold.
	CostThreshold
	// CostCeiling is emitted once when the running total reaches the ceiling.
	CostCeiling
	// CostBillingNotice is emitted at session start when the billing
	// warning toggle is enabled.
	CostBillingNotice
)

// CostEvent describes a cost accrual or limit crossing.
type CostEvent struct {
	Kind       CostEventKind
	ItemID     string
	CostUSD    float64
	TotalUSD   float64
	Threshold  float64
	CeilingUSD float64
}

// QuotaEvent describes a credential crossing the daily-utilization warning
// level. Informational only, never gates dispatch.
type QuotaEvent struct {
	Credential    string
	RequestsToday int
	DailyLimit    int
	Utilization   float64
}

// nopMeter is the default meter; it does nothing.
type nopMeter struct{}

func (nopMeter) OnDispatch(DispatchEvent) {}
func (nopMeter) OnResult(ResultEvent)     {}
func (nopMeter) OnCost(CostEvent)         {}
func (nopMeter) OnQuota(QuotaEvent)       {}

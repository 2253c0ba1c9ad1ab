package vfscore

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"
)

// Price is the USD cost per one million tokens for a model.
type Price struct {
	InputPerMTok  float64 `yaml:"input_per_mtok" json:"input_per_mtok"`
	OutputPerMTok float64 `yaml:"output_per_mtok" json:"output_per_mtok"`
}

// Cost returns the dollar cost of the given usage at this price.
func (p Price) Cost(u Usage) float64 {
	return float64(u.InputTokens)/1e6*p.InputPerMTok +
		float64(u.OutputTokens)/1e6*p.OutputPerMTok
}

// PriceTable maps model names to prices.
type PriceTable map[string]Price

// DefaultPriceTable carries the Gemini 2.5 list prices (prompts <= 200k).
var DefaultPriceTable = PriceTable{
	"gemini-2.5-pro":   {InputPerMTok: 1.25, OutputPerMTok: 10.0},
	"gemini-2.5-flash": {InputPerMTok: 0.075, OutputPerMTok: 0.30},
}

// Lookup resolves a model name to a price. Unknown models fall back to the
// pro tier so estimates err on the expensive side.
func (t PriceTable) Lookup(model string) Price {
	if p, ok := t[model]; ok {
		return p
	}
	if strings.Contains(strings.ToLower(model), "flash") {
		if p, ok := t["gemini-2.5-flash"]; ok {
			return p
		}
	}
	if p, ok := t["gemini-2.5-pro"]; ok {
		return p
	}
	return Price{}
}

// RunEstimate is the static pre-flight cost estimate for a whole run.
type RunEstimate struct {
	Model        string  `json:"model"`
	Items        int     `json:"items"`
	Repeats      int     `json:"repeats"`
	Calls        int     `json:"calls"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	CostPerCall  float64 `json:"cost_per_call_usd"`
	TotalUSD     float64 `json:"total_usd"`
}

// EstimateRun computes the static cost estimate for items*repeats calls,
// each comparing refImages references to one candidate.
func EstimateRun(model string, prices PriceTable, items, repeats, refImages int) RunEstimate {
	in, out := EstimateCallTokens(refImages)
	price := prices.Lookup(model)
	perCall := price.Cost(Usage{InputTokens: in, OutputTokens: out, TotalTokens: in + out})
	calls := items * repeats

	return RunEstimate{
		Model:        model,
		Items:        items,
		Repeats:      repeats,
		Calls:        calls,
		InputTokens:  in * int64(calls),
		OutputTokens: out * int64(calls),
		CostPerCall:  perCall,
		TotalUSD:     perCall * float64(calls),
	}
}

// DefaultAlertThresholds are the informational dollar marks logged as they
// are crossed. Never gating.
var DefaultAlertThresholds = []float64{1, 5, 10, 20}

// CostGuard enforces the monetary ceiling: a hard pre-flight abort before
// any call, and a hard stop on new dispatches once the running total
// reaches the ceiling. Everything here runs with zero interactive
// confirmation; the run must work unattended.
type CostGuard struct {
	model      string
	price      Price
	ceiling    float64 // 0 = no ceiling
	thresholds []float64
	meter      Meter

	billingWarning bool

	mu           sync.Mutex
	crossed      map[float64]bool
	ceilingHit   bool
	totalUSD     float64
	totalCalls   int
	inputTokens  int64
	outputTokens int64
	start        time.Time
	log          *os.File
}

// GuardOption configures a CostGuard.
type GuardOption func(*CostGuard)

// WithCeiling sets the hard dollar ceiling. Zero disables it.
func WithCeiling(usd float64) GuardOption {
	return func(g *CostGuard) { g.ceiling = usd }
}

// WithAlertThresholds replaces the informational threshold marks.
func WithAlertThresholds(usd []float64) GuardOption {
	return func(g *CostGuard) { g.thresholds = usd }
}

// WithGuardMeter sets the meter cost events are reported to.
func WithGuardMeter(m Meter) GuardOption {
	return func(g *CostGuard) { g.meter = m }
}

// WithBillingWarning emits a one-time billing notice through the meter at
// session start.
func WithBillingWarning() GuardOption {
	return func(g *CostGuard) { g.billingWarning = true }
}

// WithCostLog opens an append-only JSONL cost log at path. One entry is
// written per completed call plus a final summary on Close.
func WithCostLog(path string) GuardOption {
	return func(g *CostGuard) {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err == nil {
			g.log = f
		}
	}
}

// NewCostGuard creates a guard pricing calls for model from prices.
func NewCostGuard(model string, prices PriceTable, opts ...GuardOption) *CostGuard {
	g := &CostGuard{
		model:      model,
		price:      prices.Lookup(model),
		thresholds: DefaultAlertThresholds,
		meter:      nopMeter{},
		crossed:    make(map[float64]bool),
		start:      time.Now().UTC(),
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.billingWarning {
		g.meter.OnCost(CostEvent{Kind: CostBillingNotice, CeilingUSD: g.ceiling})
	}
	return g
}

// Preflight aborts the whole session before any call when a ceiling is
// configured and the static estimate exceeds it. No partial spend.
func (g *CostGuard) Preflight(est RunEstimate) error {
	if g.ceiling > 0 && est.TotalUSD > g.ceiling {
		return fmt.Errorf("%w: estimated $%.2f for %d calls exceeds ceiling $%.2f",
			ErrCostCeiling, est.TotalUSD, est.Calls, g.ceiling)
	}
	return nil
}

// costLogEntry is one line of the append-only cost log.
type costLogEntry struct {
	Timestamp    time.Time `json:"timestamp"`
	ItemID       string    `json:"item_id"`
	InputTokens  int64     `json:"input_tokens"`
	OutputTokens int64     `json:"output_tokens"`
	CostUSD      float64   `json:"cost_usd"`
	RunningUSD   float64   `json:"running_total_usd"`
	Calls        int       `json:"calls"`
}

// RecordActual accrues the actual cost of a completed call, appends a cost
// log entry and reports informational threshold crossings once each.
// Returns the cost of this call.
func (g *CostGuard) RecordActual(itemID string, u Usage) float64 {
	cost := g.price.Cost(u)

	g.mu.Lock()
	g.totalCalls++
	g.totalUSD += cost
	g.inputTokens += u.InputTokens
	g.outputTokens += u.OutputTokens
	total := g.totalUSD

	if g.log != nil {
		entry := costLogEntry{
			Timestamp:    time.Now().UTC(),
			ItemID:       itemID,
			InputTokens:  u.InputTokens,
			OutputTokens: u.OutputTokens,
			CostUSD:      cost,
			RunningUSD:   total,
			Calls:        g.totalCalls,
		}
		if b, err := json.Marshal(entry); err == nil {
			g.log.Write(append(b, '\n'))
		}
	}

	var events []CostEvent
	for _, th := range g.thresholds {
		if total >= th && !g.crossed[th] {
			g.crossed[th] = true
			events = append(events, CostEvent{
				Kind: CostThreshold, TotalUSD: total, Threshold: th, CeilingUSD: g.ceiling,
			})
		}
	}
	if g.ceiling > 0 && total >= g.ceiling && !g.ceilingHit {
		g.ceilingHit = true
		events = append(events, CostEvent{
			Kind: CostCeiling, TotalUSD: total, CeilingUSD: g.ceiling,
		})
	}
	g.mu.Unlock()

	g.meter.OnCost(CostEvent{Kind: CostCall, ItemID: itemID, CostUSD: cost, TotalUSD: total, CeilingUSD: g.ceiling})
	for _, e := range events {
		g.meter.OnCost(e)
	}
	return cost
}

// Allow reports whether new dispatches may start. False once the running
// total has reached the ceiling; in-flight calls are unaffected.
func (g *CostGuard) Allow() bool {
	if g.ceiling <= 0 {
		return true
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.totalUSD < g.ceiling
}

// CostSummary is the final accounting of a session.
type CostSummary struct {
	SessionStart time.Time `json:"session_start"`
	Model        string    `json:"model"`
	TotalCalls   int       `json:"total_calls"`
	TotalUSD     float64   `json:"total_usd"`
	InputTokens  int64     `json:"total_input_tokens"`
	OutputTokens int64     `json:"total_output_tokens"`
	CostPerCall  float64   `json:"cost_per_call_usd"`
}

// Summary returns the running totals.
func (g *CostGuard) Summary() CostSummary {
	g.mu.Lock()
	defer g.mu.Unlock()

	perCall := 0.0
	if g.totalCalls > 0 {
		perCall = g.totalUSD / float64(g.totalCalls)
	}
	return CostSummary{
		SessionStart: g.start,
		Model:        g.model,
		TotalCalls:   g.totalCalls,
		TotalUSD:     g.totalUSD,
		InputTokens:  g.inputTokens,
		OutputTokens: g.outputTokens,
		CostPerCall:  perCall,
	}
}

// Close appends the final summary entry to the cost log and closes it.
func (g *CostGuard) Close() error {
	sum := g.Summary()

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.log == nil {
		return nil
	}
	line := struct {
		Summary CostSummary `json:"summary"`
	}{Summary: sum}
	if b, err := json.Marshal(line); err == nil {
		g.log.Write(append(b, '\n'))
	}
	err := g.log.Close()
	g.log = nil
	return err
}

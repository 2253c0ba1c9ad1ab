package vfscore

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPriceTable_Lookup(t *testing.T) {
	pro := DefaultPriceTable["gemini-2.5-pro"]
	flash := DefaultPriceTable["gemini-2.5-flash"]

	assert.Equal(t, pro, DefaultPriceTable.Lookup("gemini-2.5-pro"))
	assert.Equal(t, flash, DefaultPriceTable.Lookup("gemini-2.5-flash"))
	assert.Equal(t, flash, DefaultPriceTable.Lookup("gemini-3.0-flash-preview"),
		"unknown flash variants price at the flash tier")
	assert.Equal(t, pro, DefaultPriceTable.Lookup("some-future-model"),
		"unknown models price at the expensive tier")
}

func TestPrice_Cost(t *testing.T) {
	p := Price{InputPerMTok: 1.25, OutputPerMTok: 10.0}
	cost := p.Cost(Usage{InputTokens: 1_000_000, OutputTokens: 100_000})
	assert.InDelta(t, 1.25+1.0, cost, 1e-9)
}

func TestEstimateRun(t *testing.T) {
	est := EstimateRun("gemini-2.5-pro", DefaultPriceTable, 10, 3, 3)

	assert.Equal(t, 30, est.Calls)
	// 3 ref images + 1 candidate at 1024 tokens each, plus prompts.
	in, out := EstimateCallTokens(3)
	assert.Equal(t, int64(4*1024+600+400), in)
	assert.Equal(t, int64(800), out)
	assert.Equal(t, in*30, est.InputTokens)
	assert.Equal(t, out*30, est.OutputTokens)
	assert.InDelta(t, est.CostPerCall*30, est.TotalUSD, 1e-9)
}

func TestCostGuard_Preflight(t *testing.T) {
	g := NewCostGuard("gemini-2.5-pro", DefaultPriceTable, WithCeiling(1.00))

	err := g.Preflight(RunEstimate{TotalUSD: 1.50, Calls: 100})
	assert.ErrorIs(t, err, ErrCostCeiling)

	assert.NoError(t, g.Preflight(RunEstimate{TotalUSD: 0.80, Calls: 50}))

	unlimited := NewCostGuard("gemini-2.5-pro", DefaultPriceTable)
	assert.NoError(t, unlimited.Preflight(RunEstimate{TotalUSD: 9999}))
}

func TestCostGuard_AllowFlipsAtCeiling(t *testing.T) {
	g := NewCostGuard("gemini-2.5-pro", DefaultPriceTable, WithCeiling(0.01))

	assert.True(t, g.Allow())

	// 4M input tokens at $1.25/MTok is $5, far past the one-cent ceiling.
	g.RecordActual("item-1", Usage{InputTokens: 4_000_000})
	assert.False(t, g.Allow())
}

func TestCostGuard_ThresholdsFireOnce(t *testing.T) {
	rec := &recordingMeter{}
	g := NewCostGuard("gemini-2.5-pro", DefaultPriceTable,
		WithAlertThresholds([]float64{1, 5}), WithGuardMeter(rec))

	// $1.25 crosses the $1 mark.
	g.RecordActual("a", Usage{InputTokens: 1_000_000})
	// $2.50: no new crossing.
	g.RecordActual("b", Usage{InputTokens: 1_000_000})
	// $6.25 crosses $5.
	g.RecordActual("c", Usage{InputTokens: 3_000_000})

	var crossed []float64
	for _, e := range rec.costEvents() {
		if e.Kind == CostThreshold {
			crossed = append(crossed, e.Threshold)
		}
	}
	assert.Equal(t, []float64{1, 5}, crossed)
}

func TestCostGuard_BillingNoticeAtStart(t *testing.T) {
	rec := &recordingMeter{}
	NewCostGuard("gemini-2.5-pro", DefaultPriceTable,
		WithGuardMeter(rec), WithBillingWarning())

	events := rec.costEvents()
	require.Len(t, events, 1)
	assert.Equal(t, CostBillingNotice, events[0].Kind)
}

func TestCostGuard_LogAndSummary(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cost.jsonl")
	g := NewCostGuard("gemini-2.5-pro", DefaultPriceTable, WithCostLog(path))

	g.RecordActual("item-1", Usage{InputTokens: 100_000, OutputTokens: 10_000})
	g.RecordActual("item-2", Usage{InputTokens: 200_000, OutputTokens: 20_000})

	sum := g.Summary()
	assert.Equal(t, 2, sum.TotalCalls)
	assert.Equal(t, int64(300_000), sum.InputTokens)
	assert.Equal(t, int64(30_000), sum.OutputTokens)
	assert.InDelta(t, sum.TotalUSD/2, sum.CostPerCall, 1e-9)

	require.NoError(t, g.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var lines []map[string]any
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var m map[string]any
		require.NoError(t, json.Unmarshal(sc.Bytes(), &m))
		lines = append(lines, m)
	}
	require.Len(t, lines, 3, "two call entries plus the closing summary")

	assert.Equal(t, "item-1", lines[0]["item_id"])
	assert.Equal(t, "item-2", lines[1]["item_id"])
	assert.Contains(t, lines[2], "summary")
}

func TestCostGuard_AppendsAcrossSessions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cost.jsonl")

	g1 := NewCostGuard("gemini-2.5-pro", DefaultPriceTable, WithCostLog(path))
	g1.RecordActual("item-1", Usage{InputTokens: 100_000})
	require.NoError(t, g1.Close())

	g2 := NewCostGuard("gemini-2.5-pro", DefaultPriceTable, WithCostLog(path))
	g2.RecordActual("item-2", Usage{InputTokens: 100_000})
	require.NoError(t, g2.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	count := 0
	for _, b := range data {
		if b == '\n' {
			count++
		}
	}
	assert.Equal(t, 4, count, "a later session appends, never truncates")
}

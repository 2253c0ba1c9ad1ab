package vfscore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock drives a tracker deterministically.
type fakeClock struct {
	t time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestTracker(limits QuotaLimits) (*QuotaTracker, *fakeClock) {
	clk := newFakeClock()
	tr := NewQuotaTracker("test", limits)
	tr.now = clk.now
	tr.resetDate = clk.now().UTC().Format("2006-01-02")
	return tr, clk
}

func TestQuotaTracker_RPMWindowSlides(t *testing.T) {
	tr, clk := newTestTracker(QuotaLimits{RPM: 3, TPM: 1000000, RPD: 1000})

	for i := 0; i < 3; i++ {
		require.True(t, tr.CanIssue(100))
		tr.RecordIssue(100)
		clk.advance(time.Second)
	}
	assert.False(t, tr.CanIssue(100), "window full")

	// The oldest event leaves the window 60s after it was recorded.
	clk.advance(58 * time.Second)
	assert.True(t, tr.CanIssue(100))
}

func TestQuotaTracker_TPMWindowSlides(t *testing.T) {
	tr, clk := newTestTracker(QuotaLimits{RPM: 100, TPM: 10000, RPD: 1000})

	require.True(t, tr.CanIssue(6000))
	tr.RecordIssue(6000)

	assert.False(t, tr.CanIssue(6000), "would exceed token cap")
	assert.True(t, tr.CanIssue(4000), "fits under the cap exactly")

	clk.advance(61 * time.Second)
	assert.True(t, tr.CanIssue(6000), "tokens expired from window")
}

func TestQuotaTracker_AllWindowsCheckedTogether(t *testing.T) {
	tr, _ := newTestTracker(QuotaLimits{RPM: 2, TPM: 10000, RPD: 3})

	tr.RecordIssue(9000)
	// RPM has room (1/2), RPD has room (1/3), but tokens block.
	assert.False(t, tr.CanIssue(2000))
	assert.True(t, tr.CanIssue(1000))
}

func TestQuotaTracker_DailyResetAtDateBoundary(t *testing.T) {
	tr, clk := newTestTracker(QuotaLimits{RPM: 100, TPM: 1000000, RPD: 2})

	tr.RecordIssue(10)
	clk.advance(2 * time.Minute)
	tr.RecordIssue(10)
	assert.False(t, tr.CanIssue(10), "daily cap reached")

	// Two hours later, same day: still blocked. The daily window is
	// calendar-aligned, not 24h-after-first-use.
	clk.advance(2 * time.Hour)
	assert.False(t, tr.CanIssue(10))

	// Cross UTC midnight.
	clk.advance(14 * time.Hour)
	assert.True(t, tr.CanIssue(10))
	assert.Equal(t, 0, tr.Stats().RequestsToday)
}

func TestQuotaTracker_NeverOverCapUnderLoad(t *testing.T) {
	limits := QuotaLimits{RPM: 5, TPM: 2000, RPD: 50}
	tr, clk := newTestTracker(limits)

	// Issue whenever CanIssue allows; verify no window ever exceeds its
	// cap at the instant of issue.
	for step := 0; step < 500; step++ {
		if tr.CanIssue(300) {
			st := tr.Stats()
			assert.LessOrEqual(t, st.RPMUsed+1, limits.RPM)
			assert.LessOrEqual(t, st.TPMUsed+300, limits.TPM)
			assert.LessOrEqual(t, st.RequestsToday+1, limits.RPD)
			tr.RecordIssue(300)
		}
		clk.advance(700 * time.Millisecond)
	}
}

func TestQuotaTracker_Unsatisfiable(t *testing.T) {
	tr, _ := newTestTracker(QuotaLimits{RPM: 5, TPM: 1000, RPD: 100})

	assert.True(t, tr.Unsatisfiable(1001))
	assert.False(t, tr.Unsatisfiable(1000))
}

func TestQuotaTracker_NextSlot(t *testing.T) {
	tr, clk := newTestTracker(QuotaLimits{RPM: 2, TPM: 1000000, RPD: 100})

	assert.Zero(t, tr.NextSlot())

	tr.RecordIssue(10)
	clk.advance(10 * time.Second)
	tr.RecordIssue(10)

	// Oldest event is 10s old; it leaves the window in 50s, plus margin.
	wait := tr.NextSlot()
	assert.Equal(t, 50*time.Second+tr.margin, wait)
}

func TestQuotaTracker_NextSlotDailyExhausted(t *testing.T) {
	tr, _ := newTestTracker(QuotaLimits{RPM: 100, TPM: 1000000, RPD: 1})

	tr.RecordIssue(10)
	// Clock is 10:00 UTC; the next daily slot opens at midnight.
	assert.Equal(t, 14*time.Hour+tr.margin, tr.NextSlot())
}

func TestQuotaTracker_Stats(t *testing.T) {
	tr, _ := newTestTracker(QuotaLimits{RPM: 5, TPM: 1000, RPD: 10})

	tr.RecordIssue(200)
	tr.RecordIssue(300)

	st := tr.Stats()
	assert.Equal(t, "test", st.Label)
	assert.Equal(t, 2, st.RPMUsed)
	assert.Equal(t, int64(500), st.TPMUsed)
	assert.Equal(t, 2, st.RequestsToday)
	assert.InDelta(t, 0.2, st.DailyUtilization, 1e-9)
	assert.Equal(t, 2, st.TotalRequests)
	assert.Equal(t, int64(500), st.TotalTokens)
}

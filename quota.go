package vfscore

import (
	"sync"
	"time"
)

// QuotaLimits are the per-credential caps the provider enforces.
// Zero values fall back to the Gemini free-tier defaults.
type QuotaLimits struct {
	RPM int   `yaml:"rpm"` // requests per minute
	TPM int64 `yaml:"tpm"` // tokens per minute
	RPD int   `yaml:"rpd"` // requests per day
}

// DefaultQuotaLimits are the Gemini free-tier caps.
var DefaultQuotaLimits = QuotaLimits{RPM: 5, TPM: 125000, RPD: 100}

func (l QuotaLimits) withDefaults() QuotaLimits {
	d := DefaultQuotaLimits
	if l.RPM > 0 {
		d.RPM = l.RPM
	}
	if l.TPM > 0 {
		d.TPM = l.TPM
	}
	if l.RPD > 0 {
		d.RPD = l.RPD
	}
	return d
}

type tokenEvent struct {
	at     time.Time
	tokens int64
}

// QuotaTracker tracks the three sliding-window quotas of a single
// credential: requests/minute, tokens/minute and requests/day. The minute
// windows are true sliding windows over time-ordered event logs; the daily
// counter resets at a fixed wall-clock boundary (UTC midnight), mirroring
// provider semantics.
type QuotaTracker struct {
	label  string
	limits QuotaLimits

	mu            sync.Mutex
	requests      []time.Time
	tokens        []tokenEvent
	requestsToday int
	resetDate     string // YYYY-MM-DD in UTC

	totalRequests int
	totalTokens   int64
	lastRequest   time.Time

	// test hooks
	window time.Duration // minute-window length
	margin time.Duration // safety margin added to NextSlot
	now    func() time.Time
}

// NewQuotaTracker creates a tracker for one credential.
func NewQuotaTracker(label string, limits QuotaLimits) *QuotaTracker {
	t := &QuotaTracker{
		label:  label,
		limits: limits.withDefaults(),
		window: time.Minute,
		margin: 500 * time.Millisecond,
		now:    time.Now,
	}
	t.resetDate = t.now().UTC().Format("2006-01-02")
	return t
}

// Label returns the credential label this tracker belongs to.
func (t *QuotaTracker) Label() string { return t.label }

// Unsatisfiable reports whether a call estimated at estTokens can never
// pass the per-minute token cap, no matter how long it waits.
func (t *QuotaTracker) Unsatisfiable(estTokens int64) bool {
	return estTokens > t.limits.TPM
}

// CanIssue reports whether a call estimated at estTokens can be issued
// right now without pushing any of the three windows over its cap.
func (t *QuotaTracker) CanIssue(estTokens int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	t.prune(now)

	if t.requestsToday+1 > t.limits.RPD {
		return false
	}
	if len(t.requests)+1 > t.limits.RPM {
		return false
	}

	var inWindow int64
	for _, e := range t.tokens {
		inWindow += e.tokens
	}
	return inWindow+estTokens <= t.limits.TPM
}

// RecordIssue records a completed call against all three windows.
func (t *QuotaTracker) RecordIssue(actualTokens int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	t.prune(now)

	t.requests = append(t.requests, now)
	t.tokens = append(t.tokens, tokenEvent{at: now, tokens: actualTokens})
	t.requestsToday++
	t.totalRequests++
	t.totalTokens += actualTokens
	t.lastRequest = now
}

// NextSlot returns how long to wait before CanIssue could succeed again.
// Zero means a slot is free now. A small safety margin is added so a wait
// never lands exactly on the window edge.
func (t *QuotaTracker) NextSlot() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	t.prune(now)

	if t.requestsToday >= t.limits.RPD {
		return t.untilDailyReset(now)
	}

	var wait time.Duration
	if len(t.requests) >= t.limits.RPM {
		wait = t.window - now.Sub(t.requests[0]) + t.margin
	}

	var inWindow int64
	for _, e := range t.tokens {
		inWindow += e.tokens
	}
	if inWindow >= t.limits.TPM && len(t.tokens) > 0 {
		if w := t.window - now.Sub(t.tokens[0].at) + t.margin; w > wait {
			wait = w
		}
	}

	if wait < 0 {
		wait = 0
	}
	return wait
}

// QuotaStats is a point-in-time snapshot of one credential's utilization.
type QuotaStats struct {
	Label            string    `json:"label"`
	RPMUsed          int       `json:"rpm_used"`
	RPMLimit         int       `json:"rpm_limit"`
	TPMUsed          int64     `json:"tpm_used"`
	TPMLimit         int64     `json:"tpm_limit"`
	RequestsToday    int       `json:"requests_today"`
	RPDLimit         int       `json:"rpd_limit"`
	DailyUtilization float64   `json:"daily_utilization"` // fraction of the daily cap used
	TotalRequests    int       `json:"total_requests"`
	TotalTokens      int64     `json:"total_tokens"`
	LastRequest      time.Time `json:"last_request"`
}

// Stats returns the current utilization snapshot.
func (t *QuotaTracker) Stats() QuotaStats {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	t.prune(now)

	var inWindow int64
	for _, e := range t.tokens {
		inWindow += e.tokens
	}

	return QuotaStats{
		Label:            t.label,
		RPMUsed:          len(t.requests),
		RPMLimit:         t.limits.RPM,
		TPMUsed:          inWindow,
		TPMLimit:         t.limits.TPM,
		RequestsToday:    t.requestsToday,
		RPDLimit:         t.limits.RPD,
		DailyUtilization: float64(t.requestsToday) / float64(t.limits.RPD),
		TotalRequests:    t.totalRequests,
		TotalTokens:      t.totalTokens,
		LastRequest:      t.lastRequest,
	}
}

// prune drops minute-window entries older than the window and resets the
// daily counter when the UTC date changes. Must be called with the lock held.
func (t *QuotaTracker) prune(now time.Time) {
	cutoff := now.Add(-t.window)

	i := 0
	for i < len(t.requests) && !t.requests[i].After(cutoff) {
		i++
	}
	t.requests = t.requests[i:]

	j := 0
	for j < len(t.tokens) && !t.tokens[j].at.After(cutoff) {
		j++
	}
	t.tokens = t.tokens[j:]

	if d := now.UTC().Format("2006-01-02"); d != t.resetDate {
		t.requestsToday = 0
		t.resetDate = d
	}
}

func (t *QuotaTracker) untilDailyReset(now time.Time) time.Duration {
	u := now.UTC()
	midnight := time.Date(u.Year(), u.Month(), u.Day()+1, 0, 0, 0, 0, time.UTC)
	return midnight.Sub(u) + t.margin
}

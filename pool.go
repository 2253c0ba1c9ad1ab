package vfscore

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// dailyWarnLevel is the daily utilization at which a one-shot informational
// warning is emitted through the Meter.
const dailyWarnLevel = 0.8

// Credential is one access key to the scoring service together with its
// quota tracker. A credential is held by at most one task at a time.
type Credential struct {
	Secret  string
	Label   string
	tracker *QuotaTracker
}

// Stats returns the credential's current quota snapshot.
func (c *Credential) Stats() QuotaStats { return c.tracker.Stats() }

// Pool owns all credentials and their quota trackers. It hands out
// credentials via quota-aware round-robin, suspending callers while no
// credential can issue, and wakes them as capacity frees.
type Pool struct {
	mu     sync.Mutex
	creds  []*Credential
	busy   []bool
	next   int // index to start the next round-robin pass at
	wake   chan struct{}
	warned map[string]bool // one-shot 80% daily warnings already emitted
	meter  Meter
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithPoolMeter sets the meter used for informational quota warnings.
func WithPoolMeter(m Meter) PoolOption {
	return func(p *Pool) { p.meter = m }
}

// NewPool creates a pool from the configured credentials. All credentials
// share the same per-credential limits, mirroring a set of same-tier keys.
func NewPool(creds []CredentialConfig, limits QuotaLimits, opts ...PoolOption) (*Pool, error) {
	if len(creds) == 0 {
		return nil, fmt.Errorf("vfscore: at least one credential is required")
	}

	p := &Pool{
		creds:  make([]*Credential, len(creds)),
		busy:   make([]bool, len(creds)),
		wake:   make(chan struct{}),
		warned: make(map[string]bool),
		meter:  nopMeter{},
	}
	for i, cc := range creds {
		label := cc.Label
		if label == "" {
			label = fmt.Sprintf("key_%d", i+1)
		}
		p.creds[i] = &Credential{
			Secret:  cc.Secret,
			Label:   label,
			tracker: NewQuotaTracker(label, limits),
		}
	}

	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Size returns the number of credentials in the pool.
func (p *Pool) Size() int { return len(p.creds) }

// Acquire returns an eligible credential, suspending until one frees if
// none can issue right now. Selection is round-robin starting after the
// credential used last, skipping held credentials and any over any window.
// Returns ErrUnsatisfiableTask when estTokens alone exceeds every
// credential's per-minute token cap, and ctx.Err() on cancellation.
func (p *Pool) Acquire(ctx context.Context, estTokens int64) (*Credential, error) {
	for {
		cred, wait, wake, err := p.tryAcquire(estTokens)
		if err != nil {
			return nil, err
		}
		if cred != nil {
			return cred, nil
		}

		// Suspend until either the computed slot opens or a release wakes us.
		// wait is zero when every credential is held: only a release can
		// change anything, so no timer is armed.
		if wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-wake:
				timer.Stop()
			case <-timer.C:
			}
		} else {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-wake:
			}
		}
	}
}

// tryAcquire performs one round-robin pass. It returns the acquired
// credential, or the minimum wait until a blocked credential frees a slot
// plus the channel to wait on for releases.
func (p *Pool) tryAcquire(estTokens int64) (*Credential, time.Duration, chan struct{}, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	satisfiable := false
	for _, c := range p.creds {
		if !c.tracker.Unsatisfiable(estTokens) {
			satisfiable = true
			break
		}
	}
	if !satisfiable {
		return nil, 0, nil, ErrUnsatisfiableTask
	}

	n := len(p.creds)
	for i := 0; i < n; i++ {
		idx := (p.next + i) % n
		if p.busy[idx] {
			continue
		}
		c := p.creds[idx]
		if c.tracker.Unsatisfiable(estTokens) || !c.tracker.CanIssue(estTokens) {
			continue
		}
		p.busy[idx] = true
		p.next = (idx + 1) % n
		return c, 0, nil, nil
	}

	// Full pass found nothing: wait for the soonest slot among credentials
	// blocked on quota. Credentials blocked only because they are held will
	// wake us through the release channel instead.
	var wait time.Duration
	for idx, c := range p.creds {
		if p.busy[idx] || c.tracker.Unsatisfiable(estTokens) {
			continue
		}
		w := c.tracker.NextSlot()
		if w <= 0 {
			// Slot opened between the pass and here; retry immediately.
			w = time.Millisecond
		}
		if wait == 0 || w < wait {
			wait = w
		}
	}
	return nil, wait, p.wake, nil
}

// Release returns a credential to the pool, recording the actual token
// usage against its windows, and wakes all suspended acquirers.
func (p *Pool) Release(cred *Credential, tokensUsed int64) {
	cred.tracker.RecordIssue(tokensUsed)

	p.mu.Lock()
	for idx, c := range p.creds {
		if c == cred {
			p.busy[idx] = false
			break
		}
	}
	p.maybeWarnLocked(cred)

	// Broadcast: close-and-replace wakes every waiter so none sleeps
	// through a freed credential.
	close(p.wake)
	p.wake = make(chan struct{})
	p.mu.Unlock()
}

// maybeWarnLocked emits the one-shot informational warning when a
// credential crosses the daily warning level. Must hold p.mu.
func (p *Pool) maybeWarnLocked(cred *Credential) {
	if p.warned[cred.Label] {
		return
	}
	st := cred.tracker.Stats()
	if st.DailyUtilization >= dailyWarnLevel {
		p.warned[cred.Label] = true
		p.meter.OnQuota(QuotaEvent{
			Credential:    cred.Label,
			RequestsToday: st.RequestsToday,
			DailyLimit:    st.RPDLimit,
			Utilization:   st.DailyUtilization,
		})
	}
}

// ExportStats returns the utilization snapshot of every credential.
func (p *Pool) ExportStats() []QuotaStats {
	stats := make([]QuotaStats, len(p.creds))
	for i, c := range p.creds {
		stats[i] = c.tracker.Stats()
	}
	return stats
}

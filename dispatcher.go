package vfscore

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// RecordSink persists completed records. Implementations must only ever
// create new files; a sink error marks the task failed even though the
// external call succeeded, so no spend goes unrecorded.
type RecordSink interface {
	Write(task Task, rec Record) error
}

// Dispatcher consumes tasks, acquires credentials from the pool, invokes
// the scoring call with bounded concurrency, retries transient failures
// with exponential backoff, and guarantees every task one terminal Outcome.
type Dispatcher struct {
	scorer Scorer
	pool   *Pool
	guard  *CostGuard
	sink   RecordSink
	meter  Meter

	maxAttempts int
	backoffBase time.Duration
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithGuard attaches a cost guard. Without one, cost is not tracked and
// dispatch is never stopped on spend.
func WithGuard(g *CostGuard) DispatcherOption {
	return func(d *Dispatcher) { d.guard = g }
}

// WithSink attaches a record sink (normally a batch session). Without one,
// outcomes carry records in memory only.
func WithSink(s RecordSink) DispatcherOption {
	return func(d *Dispatcher) { d.sink = s }
}

// WithMeter sets the meter.
func WithMeter(m Meter) DispatcherOption {
	return func(d *Dispatcher) { d.meter = m }
}

// WithRetry sets the attempt bound and the initial backoff, which doubles
// per retry. maxAttempts counts all attempts including the first.
func WithRetry(maxAttempts int, backoffBase time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if maxAttempts > 0 {
			d.maxAttempts = maxAttempts
		}
		if backoffBase > 0 {
			d.backoffBase = backoffBase
		}
	}
}

// NewDispatcher creates a dispatcher over the given scorer and pool.
func NewDispatcher(scorer Scorer, pool *Pool, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		scorer:      scorer,
		pool:        pool,
		meter:       nopMeter{},
		maxAttempts: 3,
		backoffBase: 2 * time.Second,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run dispatches all tasks with at most maxConcurrency calls in flight,
// additionally bounded by the pool size. It returns one Outcome per task,
// in task order. Task failures never abort the run; only a cost-ceiling
// breach or cancellation stops dispatching, and either way in-flight calls
// complete and are recorded before Run returns.
func (d *Dispatcher) Run(ctx context.Context, tasks []Task, maxConcurrency int) []Outcome {
	workers := d.pool.Size()
	if maxConcurrency > 0 && maxConcurrency < workers {
		workers = maxConcurrency
	}
	if workers > len(tasks) {
		workers = len(tasks)
	}

	outcomes := make([]Outcome, len(tasks))
	idxCh := make(chan int)
	done := make(chan struct{})

	for w := 0; w < workers; w++ {
		go func() {
			for i := range idxCh {
				outcomes[i] = d.runTask(ctx, tasks[i])
				done <- struct{}{}
			}
		}()
	}

	go func() {
		for i := range tasks {
			idxCh <- i
		}
		close(idxCh)
	}()

	for range tasks {
		<-done
	}
	return outcomes
}

// runTask walks one task through its state machine to a terminal outcome.
func (d *Dispatcher) runTask(ctx context.Context, task Task) Outcome {
	// A task never dispatched is Aborted, not Failed: it was not tried.
	if err := ctx.Err(); err != nil {
		return Outcome{Task: task, Status: Aborted, Err: ErrRunCancelled}
	}
	if d.guard != nil && !d.guard.Allow() {
		return Outcome{Task: task, Status: Aborted, Err: ErrCostCeiling}
	}

	est := EstimateTaskTokens(task.Request)
	state := statePending
	backoff := d.backoffBase
	var lastErr error
	var lastCred string

	for attempt := 1; attempt <= d.maxAttempts; attempt++ {
		cred, err := d.pool.Acquire(ctx, est)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return Outcome{Task: task, Status: Aborted, Err: ErrRunCancelled, Attempts: attempt - 1}
			}
			return d.fail(task, err, attempt-1, lastCred)
		}
		lastCred = cred.Label

		state, err = transition(state, stateInFlight)
		if err != nil {
			d.pool.Release(cred, 0)
			return d.fail(task, err, attempt, lastCred)
		}

		req := task.Request
		req.Nonce = uuid.New().String()
		req.Secret = cred.Secret

		d.meter.OnDispatch(DispatchEvent{
			ItemID:          task.ItemID,
			Repeat:          task.Repeat,
			Credential:      cred.Label,
			Attempt:         attempt,
			EstimatedTokens: est,
		})

		// The call itself runs to completion even if the run is cancelled
		// mid-flight: a scored call must be released and recorded, never
		// left half-written.
		start := time.Now()
		res, callErr := d.scorer.Score(context.WithoutCancel(ctx), req)

		used := res.Usage.TotalTokens
		if used == 0 {
			used = est
		}
		d.pool.Release(cred, used)

		d.meter.OnResult(ResultEvent{
			ItemID:     task.ItemID,
			Repeat:     task.Repeat,
			Credential: cred.Label,
			Attempt:    attempt,
			Success:    callErr == nil,
			Duration:   time.Since(start),
			Usage:      res.Usage,
			Score:      res.Score,
			Err:        callErr,
		})

		if callErr == nil {
			rec := Record{
				ItemID:       task.ItemID,
				Score:        res.Score,
				Subscores:    res.Subscores,
				Rationale:    res.Rationale,
				Model:        task.Request.Model,
				InputTokens:  res.Usage.InputTokens,
				OutputTokens: res.Usage.OutputTokens,
				Timestamp:    time.Now().UTC(),
				Credential:   cred.Label,
				Nonce:        req.Nonce,
				Temperature:  task.Request.Sampling.Temperature,
				TopP:         task.Request.Sampling.TopP,
			}

			if d.sink != nil {
				if werr := d.sink.Write(task, rec); werr != nil {
					// Scored but not durably recorded is treated as not
					// scored; the spend is still accounted for.
					if d.guard != nil {
						d.guard.RecordActual(task.ItemID, res.Usage)
					}
					state, _ = transition(state, stateFailed)
					return d.fail(task, werr, attempt, cred.Label)
				}
			}
			if d.guard != nil {
				d.guard.RecordActual(task.ItemID, res.Usage)
			}

			state, _ = transition(state, stateSucceeded)
			return Outcome{
				Task:       task,
				Status:     Succeeded,
				Record:     &rec,
				Attempts:   attempt,
				Credential: cred.Label,
			}
		}

		if IsPermanent(callErr) {
			state, _ = transition(state, stateFailed)
			return d.fail(task, callErr, attempt, cred.Label)
		}

		lastErr = callErr
		if attempt == d.maxAttempts {
			state, _ = transition(state, stateFailed)
			break
		}

		state, _ = transition(state, stateRetryPending)
		if !sleepCtx(ctx, backoff) {
			// Cancelled while waiting to retry: nothing is in flight, so
			// the task surfaces its last transient error.
			return d.fail(task, lastErr, attempt, cred.Label)
		}
		backoff *= 2
	}

	return d.fail(task, lastErr, d.maxAttempts, lastCred)
}

func (d *Dispatcher) fail(task Task, err error, attempts int, cred string) Outcome {
	return Outcome{
		Task:   task,
		Status: Failed,
		Err: &DispatchError{
			Err:        err,
			ItemID:     task.ItemID,
			Repeat:     task.Repeat,
			Credential: cred,
			Attempts:   attempts,
		},
		Attempts:   attempts,
		Credential: cred,
	}
}

// sleepCtx sleeps for d or until ctx is done; returns false on cancellation.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

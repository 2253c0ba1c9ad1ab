// Package mock provides a configurable in-memory Scorer for tests and
// examples.
package mock

import (
	"context"
	"sync/atomic"
	"time"

	vfscore "github.com/mattiaTagliente/VFScore"
)

// Scorer is a mock scoring service.
type Scorer struct {
	latency   time.Duration
	staticErr error
	failFirst int
	callCount atomic.Int64
	score     float64
	usage     vfscore.Usage
	scoreFunc func(vfscore.ScoreRequest) (vfscore.ScoreResult, error)
}

var _ vfscore.Scorer = (*Scorer)(nil)

// Option configures a mock Scorer.
type Option func(*Scorer)

// New creates a mock scorer with the given options.
func New(opts ...Option) *Scorer {
	s := &Scorer{
		score: 85,
		usage: vfscore.Usage{InputTokens: 4096, OutputTokens: 512, TotalTokens: 4608},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// WithLatency adds simulated latency to each call.
func WithLatency(d time.Duration) Option {
	return func(s *Scorer) { s.latency = d }
}

// WithError makes the scorer always return this error.
func WithError(err error) Option {
	return func(s *Scorer) { s.staticErr = err }
}

// WithFailFirst makes the first n calls fail with ErrUnavailable.
func WithFailFirst(n int) Option {
	return func(s *Scorer) { s.failFirst = n }
}

// WithScore sets the score returned by the mock.
func WithScore(score float64) Option {
	return func(s *Scorer) { s.score = score }
}

// WithUsage sets the usage returned by the mock.
func WithUsage(u vfscore.Usage) Option {
	return func(s *Scorer) { s.usage = u }
}

// WithScoreFunc sets a custom response function.
func WithScoreFunc(fn func(vfscore.ScoreRequest) (vfscore.ScoreResult, error)) Option {
	return func(s *Scorer) { s.scoreFunc = fn }
}

// Calls returns how many times Score has been invoked.
func (s *Scorer) Calls() int64 { return s.callCount.Load() }

func (s *Scorer) Score(ctx context.Context, req vfscore.ScoreRequest) (vfscore.ScoreResult, error) {
	if s.latency > 0 {
		select {
		case <-time.After(s.latency):
		case <-ctx.Done():
			return vfscore.ScoreResult{}, ctx.Err()
		}
	}

	count := s.callCount.Add(1)

	if s.staticErr != nil {
		return vfscore.ScoreResult{}, s.staticErr
	}
	if s.failFirst > 0 && count <= int64(s.failFirst) {
		return vfscore.ScoreResult{}, vfscore.ErrUnavailable
	}
	if s.scoreFunc != nil {
		return s.scoreFunc(req)
	}

	return vfscore.ScoreResult{
		Score: s.score,
		Subscores: map[string]float64{
			"color_palette":   s.score,
			"material_finish": s.score,
		},
		Rationale: "mock rationale",
		Usage:     s.usage,
	}, nil
}

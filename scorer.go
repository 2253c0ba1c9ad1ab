package vfscore

import "context"

// Scorer is the external vision-capable scoring service. Implementations
// compare the reference images to the candidate image and return a fidelity
// score on the 0-100 rubric scale, per-dimension subscores, a rationale and
// token usage, or an error classified by IsTransient/IsPermanent.
type Scorer interface {
	Score(ctx context.Context, req ScoreRequest) (ScoreResult, error)
}

// ScorerFunc adapts a function to the Scorer interface.
type ScorerFunc func(ctx context.Context, req ScoreRequest) (ScoreResult, error)

func (f ScorerFunc) Score(ctx context.Context, req ScoreRequest) (ScoreResult, error) {
	return f(ctx, req)
}

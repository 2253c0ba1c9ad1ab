package vfscore

import "time"

// SamplingParams are the sampling parameters a scoring call runs with.
// Repeats scored with different parameters are never mixed by the
// parameter-aware resume logic.
type SamplingParams struct {
	Temperature float64 `json:"temperature"`
	TopP        float64 `json:"top_p"`
}

// ScoreRequest describes one visual-fidelity comparison: a set of
// reference images against a single candidate image.
type ScoreRequest struct {
	ItemID         string             `json:"item_id"`
	Model          string             `json:"model"`
	RefImages      []string           `json:"ref_images"`
	CandidateImage string             `json:"candidate_image"`
	RubricWeights  map[string]float64 `json:"rubric_weights,omitempty"`
	Sampling       SamplingParams     `json:"sampling"`

	// Nonce is a fresh per-call token injected by the dispatcher to defeat
	// any response caching on the provider side.
	Nonce string `json:"nonce"`

	// Secret is the credential the call is issued under. Filled in by the
	// dispatcher from the acquired credential; callers leave it empty.
	Secret string `json:"-"`
}

// ScoreResult is what the external scoring service returns on success.
type ScoreResult struct {
	Score     float64            `json:"score"`
	Subscores map[string]float64 `json:"subscores"`
	Rationale string             `json:"rationale"`
	Usage     Usage              `json:"usage"`
}

// Usage represents token usage for a single call.
type Usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
	TotalTokens  int64 `json:"total_tokens"`
}

// Task is one unit of work: a single repeat of a single item.
// Tasks are immutable; the dispatcher consumes each exactly once.
type Task struct {
	ItemID  string
	Repeat  int // 1-based repeat index
	Request ScoreRequest
}

// Record is the durable outcome of one scored repeat. Immutable once
// written; identified by (batch, repeat index).
type Record struct {
	ItemID       string             `json:"item_id"`
	Score        float64            `json:"score"`
	Subscores    map[string]float64 `json:"subscores"`
	Rationale    string             `json:"rationale"`
	Model        string             `json:"model"`
	InputTokens  int64              `json:"input_tokens"`
	OutputTokens int64              `json:"output_tokens"`
	Timestamp    time.Time          `json:"timestamp"`
	Credential   string             `json:"credential"`
	Nonce        string             `json:"nonce"`
	Temperature  float64            `json:"temperature"`
	TopP         float64            `json:"top_p"`
}

// OutcomeStatus is the terminal status of a task.
type OutcomeStatus int

const (
	// Succeeded: the call completed and the record was durably persisted.
	Succeeded OutcomeStatus = iota
	// Failed: the call failed permanently, exhausted its retries, or the
	// record could not be persisted.
	Failed
	// Aborted: the task was never dispatched (cost ceiling reached or the
	// run was cancelled before the task started).
	Aborted
)

func (s OutcomeStatus) String() string {
	switch s {
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	case Aborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Outcome is the terminal result of one task. Every submitted task yields
// exactly one Outcome.
type Outcome struct {
	Task       Task
	Status     OutcomeStatus
	Record     *Record
	Err        error
	Attempts   int
	Credential string // label of the credential used on the final attempt
}

// Tally summarises a slice of outcomes.
type Tally struct {
	Succeeded int
	Failed    int
	Aborted   int
}

// TallyOutcomes counts outcomes by terminal status.
func TallyOutcomes(outcomes []Outcome) Tally {
	var t Tally
	for _, o := range outcomes {
		switch o.Status {
		case Succeeded:
			t.Succeeded++
		case Failed:
			t.Failed++
		case Aborted:
			t.Aborted++
		}
	}
	return t
}

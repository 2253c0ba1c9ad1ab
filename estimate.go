package vfscore

// Token estimates for a single scoring call. Images dominate: each
// standardized 1024x1024 image costs roughly one "tile" of tokens.
const (
	TokensPerImage     = 1024
	SystemPromptTokens = 600
	UserPromptTokens   = 400
	ResponseTokens     = 800
)

// EstimateCallTokens estimates the input and output token counts of one
// scoring call comparing refImages reference images to one candidate.
func EstimateCallTokens(refImages int) (input, output int64) {
	input = SystemPromptTokens + UserPromptTokens + int64(refImages+1)*TokensPerImage
	output = ResponseTokens
	return input, output
}

// EstimateTaskTokens estimates the total token load a task places on a
// credential's per-minute token window.
func EstimateTaskTokens(req ScoreRequest) int64 {
	in, out := EstimateCallTokens(len(req.RefImages))
	return in + out
}

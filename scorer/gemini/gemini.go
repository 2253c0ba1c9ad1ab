// Package gemini adapts the Gemini generateContent API to the Scorer
// interface: reference and candidate images go inline, the response is
// requested as JSON and parsed into score, subscores and rationale.
package gemini

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"

	vfscore "github.com/mattiaTagliente/VFScore"
)

const defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// maxOutputTokens is generous so a long rationale never truncates the JSON.
const maxOutputTokens = 8192

// Client is the Gemini scoring adapter.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

var _ vfscore.Scorer = (*Client)(nil)

// Option configures the client.
type Option func(*Client)

// WithBaseURL sets a custom base URL.
func WithBaseURL(url string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// New creates a new Gemini scoring client.
func New(opts ...Option) *Client {
	c := &Client{
		baseURL:    defaultBaseURL,
		httpClient: http.DefaultClient,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Gemini API types.
type geminiRequest struct {
	Contents         []geminiContent         `json:"contents"`
	GenerationConfig *geminiGenerationConfig `json:"generationConfig,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text       string          `json:"text,omitempty"`
	InlineData *geminiBlobPart `json:"inline_data,omitempty"`
}

type geminiBlobPart struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"` // base64
}

type geminiGenerationConfig struct {
	Temperature      float64 `json:"temperature"`
	TopP             float64 `json:"topP"`
	MaxOutputTokens  int     `json:"maxOutputTokens"`
	ResponseMimeType string  `json:"responseMimeType,omitempty"`
}

type geminiResponse struct {
	Candidates []struct {
		Content      geminiContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int64 `json:"promptTokenCount"`
		CandidatesTokenCount int64 `json:"candidatesTokenCount"`
		TotalTokenCount      int64 `json:"totalTokenCount"`
	} `json:"usageMetadata"`
}

// scorePayload is the JSON document the model is asked to produce.
type scorePayload struct {
	ItemID    string             `json:"item_id"`
	Score     float64            `json:"score"`
	Subscores map[string]float64 `json:"subscores"`
	Rationale string             `json:"rationale"`
}

// Score issues one visual-fidelity comparison call.
func (c *Client) Score(ctx context.Context, req vfscore.ScoreRequest) (vfscore.ScoreResult, error) {
	body, err := c.buildRequest(req)
	if err != nil {
		return vfscore.ScoreResult{}, err
	}
	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", c.baseURL, req.Model, req.Secret)

	httpResp, err := c.doRequest(ctx, url, body)
	if err != nil {
		return vfscore.ScoreResult{}, err
	}
	defer httpResp.Body.Close()

	if err := mapHTTPError(httpResp); err != nil {
		return vfscore.ScoreResult{}, err
	}

	var resp geminiResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return vfscore.ScoreResult{}, fmt.Errorf("gemini: decode response: %w", err)
	}

	if len(resp.Candidates) == 0 {
		return vfscore.ScoreResult{}, fmt.Errorf("%w: empty candidates in response", vfscore.ErrUnavailable)
	}

	text := ""
	if parts := resp.Candidates[0].Content.Parts; len(parts) > 0 {
		text = parts[0].Text
	}

	var payload scorePayload
	if err := json.Unmarshal([]byte(stripFences(text)), &payload); err != nil {
		// A malformed document is worth one more attempt at a different
		// sampling of the same call; classify as transient.
		return vfscore.ScoreResult{}, fmt.Errorf("%w: parse score payload: %v", vfscore.ErrUnavailable, err)
	}

	return vfscore.ScoreResult{
		Score:     payload.Score,
		Subscores: payload.Subscores,
		Rationale: payload.Rationale,
		Usage: vfscore.Usage{
			InputTokens:  resp.UsageMetadata.PromptTokenCount,
			OutputTokens: resp.UsageMetadata.CandidatesTokenCount,
			TotalTokens:  resp.UsageMetadata.TotalTokenCount,
		},
	}, nil
}

func (c *Client) buildRequest(req vfscore.ScoreRequest) (geminiRequest, error) {
	parts := []geminiPart{
		{Text: systemPrompt(req)},
		{Text: userPrompt(req)},
	}

	for _, p := range req.RefImages {
		part, err := imagePart(p)
		if err != nil {
			return geminiRequest{}, err
		}
		parts = append(parts, part)
	}
	part, err := imagePart(req.CandidateImage)
	if err != nil {
		return geminiRequest{}, err
	}
	parts = append(parts, part)

	return geminiRequest{
		Contents: []geminiContent{{Role: "user", Parts: parts}},
		GenerationConfig: &geminiGenerationConfig{
			Temperature:      req.Sampling.Temperature,
			TopP:             req.Sampling.TopP,
			MaxOutputTokens:  maxOutputTokens,
			ResponseMimeType: "application/json",
		},
	}, nil
}

func systemPrompt(req vfscore.ScoreRequest) string {
	var b strings.Builder
	b.WriteString("You are a meticulous visual-fidelity judge. Compare the reference images ")
	b.WriteString("of a real object against the final candidate render of a 3D reconstruction ")
	b.WriteString("and score how faithfully the candidate reproduces the object's appearance ")
	b.WriteString("on a 0-100 scale. Judge appearance only: geometry is out of scope.\n")
	b.WriteString("Score each rubric dimension 0-100 and weight them as given:\n")

	keys := make([]string, 0, len(req.RubricWeights))
	for k := range req.RubricWeights {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "- %s (weight %g)\n", k, req.RubricWeights[k])
	}

	b.WriteString("Respond with a single JSON object: ")
	b.WriteString(`{"item_id": "...", "score": <0-100>, "subscores": {<dimension>: <0-100>, ...}, "rationale": "..."}`)
	return b.String()
}

func userPrompt(req vfscore.ScoreRequest) string {
	return fmt.Sprintf(
		"Item %s: the first %d image(s) are references, the last image is the candidate. Session nonce: %s.",
		req.ItemID, len(req.RefImages), req.Nonce)
}

func imagePart(path string) (geminiPart, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return geminiPart{}, fmt.Errorf("%w: read image %s: %v", vfscore.ErrInvalidInput, path, err)
	}
	return geminiPart{InlineData: &geminiBlobPart{
		MimeType: mimeType(path),
		Data:     base64.StdEncoding.EncodeToString(data),
	}}, nil
}

func mimeType(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".webp":
		return "image/webp"
	default:
		return "image/png"
	}
}

func (c *Client) doRequest(ctx context.Context, url string, body geminiRequest) (*http.Response, error) {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("gemini: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("gemini: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, vfscore.ErrUnavailable
	}
	return resp, nil
}

func mapHTTPError(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusTooManyRequests:
		return vfscore.ErrRateLimited
	case http.StatusUnauthorized, http.StatusForbidden:
		return vfscore.ErrAuthFailed
	case http.StatusBadRequest:
		return fmt.Errorf("%w: %s", vfscore.ErrInvalidInput, string(body))
	default:
		return vfscore.ErrUnavailable
	}
}

// stripFences removes a markdown code fence if the model wrapped the JSON
// despite the response mime type.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	return strings.TrimSpace(s)
}

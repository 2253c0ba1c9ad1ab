package gemini

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	vfscore "github.com/mattiaTagliente/VFScore"
)

func writeImage(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("not-a-real-png"), 0o644))
	return path
}

func testRequest(t *testing.T) vfscore.ScoreRequest {
	t.Helper()
	dir := t.TempDir()
	return vfscore.ScoreRequest{
		ItemID:         "558736",
		Model:          "gemini-2.5-pro",
		RefImages:      []string{writeImage(t, dir, "ref1.png"), writeImage(t, dir, "ref2.jpg")},
		CandidateImage: writeImage(t, dir, "candidate.png"),
		RubricWeights:  map[string]float64{"color_palette": 40, "material_finish": 25},
		Sampling:       vfscore.SamplingParams{Temperature: 0, TopP: 1},
		Nonce:          "nonce-123",
		Secret:         "sk-test",
	}
}

func scoreResponse(text string) string {
	resp := map[string]any{
		"candidates": []map[string]any{{
			"content": map[string]any{
				"role":  "model",
				"parts": []map[string]any{{"text": text}},
			},
			"finishReason": "STOP",
		}},
		"usageMetadata": map[string]any{
			"promptTokenCount":     4000,
			"candidatesTokenCount": 500,
			"totalTokenCount":      4500,
		},
	}
	b, _ := json.Marshal(resp)
	return string(b)
}

func TestScore_Success(t *testing.T) {
	payload := `{"item_id":"558736","score":87.5,"subscores":{"color_palette":90,"material_finish":85},"rationale":"close match"}`

	var gotPath, gotKey string
	var gotBody geminiRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.URL.Query().Get("key")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		fmt.Fprint(w, scoreResponse(payload))
	}))
	defer srv.Close()

	c := New(WithBaseURL(srv.URL))
	req := testRequest(t)
	res, err := c.Score(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, 87.5, res.Score)
	assert.Equal(t, 90.0, res.Subscores["color_palette"])
	assert.Equal(t, "close match", res.Rationale)
	assert.Equal(t, int64(4000), res.Usage.InputTokens)
	assert.Equal(t, int64(500), res.Usage.OutputTokens)
	assert.Equal(t, int64(4500), res.Usage.TotalTokens)

	assert.Equal(t, "/models/gemini-2.5-pro:generateContent", gotPath)
	assert.Equal(t, "sk-test", gotKey)

	require.Len(t, gotBody.Contents, 1)
	parts := gotBody.Contents[0].Parts
	// Two prompt parts plus 2 references plus the candidate.
	require.Len(t, parts, 5)
	assert.Contains(t, parts[0].Text, "color_palette (weight 40)")
	assert.Contains(t, parts[1].Text, "Session nonce: nonce-123")
	assert.Equal(t, "image/png", parts[2].InlineData.MimeType)
	assert.Equal(t, "image/jpeg", parts[3].InlineData.MimeType)
	assert.Equal(t, "image/png", parts[4].InlineData.MimeType)

	require.NotNil(t, gotBody.GenerationConfig)
	assert.Equal(t, "application/json", gotBody.GenerationConfig.ResponseMimeType)
	assert.Equal(t, 1.0, gotBody.GenerationConfig.TopP)
}

func TestScore_FencedPayload(t *testing.T) {
	payload := "```json\n{\"score\": 70, \"subscores\": {}, \"rationale\": \"ok\"}\n```"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, scoreResponse(payload))
	}))
	defer srv.Close()

	res, err := New(WithBaseURL(srv.URL)).Score(context.Background(), testRequest(t))
	require.NoError(t, err)
	assert.Equal(t, 70.0, res.Score)
}

func TestScore_ErrorMapping(t *testing.T) {
	cases := []struct {
		status int
		want   error
	}{
		{http.StatusTooManyRequests, vfscore.ErrRateLimited},
		{http.StatusUnauthorized, vfscore.ErrAuthFailed},
		{http.StatusForbidden, vfscore.ErrAuthFailed},
		{http.StatusBadRequest, vfscore.ErrInvalidInput},
		{http.StatusInternalServerError, vfscore.ErrUnavailable},
		{http.StatusServiceUnavailable, vfscore.ErrUnavailable},
	}

	for _, tc := range cases {
		t.Run(http.StatusText(tc.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tc.status)
			}))
			defer srv.Close()

			_, err := New(WithBaseURL(srv.URL)).Score(context.Background(), testRequest(t))
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestScore_MalformedPayloadIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, scoreResponse("this is not json"))
	}))
	defer srv.Close()

	_, err := New(WithBaseURL(srv.URL)).Score(context.Background(), testRequest(t))
	require.Error(t, err)
	assert.ErrorIs(t, err, vfscore.ErrUnavailable)
	assert.True(t, vfscore.IsTransient(err), "a garbled document deserves a retry")
}

func TestScore_EmptyCandidates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"candidates": []}`)
	}))
	defer srv.Close()

	_, err := New(WithBaseURL(srv.URL)).Score(context.Background(), testRequest(t))
	assert.ErrorIs(t, err, vfscore.ErrUnavailable)
}

func TestScore_UnreachableHost(t *testing.T) {
	c := New(WithBaseURL("http://127.0.0.1:1"))
	_, err := c.Score(context.Background(), testRequest(t))
	assert.ErrorIs(t, err, vfscore.ErrUnavailable)
}

func TestScore_MissingImageIsPermanent(t *testing.T) {
	req := testRequest(t)
	req.CandidateImage = filepath.Join(t.TempDir(), "absent.png")

	_, err := New().Score(context.Background(), req)
	require.Error(t, err)
	assert.ErrorIs(t, err, vfscore.ErrInvalidInput)
	assert.True(t, vfscore.IsPermanent(err))
}

func TestStripFences(t *testing.T) {
	assert.Equal(t, `{"a":1}`, stripFences("```json\n{\"a\":1}\n```"))
	assert.Equal(t, `{"a":1}`, stripFences("```\n{\"a\":1}\n```"))
	assert.Equal(t, `{"a":1}`, stripFences(`{"a":1}`))
}

func TestMimeType(t *testing.T) {
	assert.Equal(t, "image/jpeg", mimeType("a.JPG"))
	assert.Equal(t, "image/jpeg", mimeType("a.jpeg"))
	assert.Equal(t, "image/webp", mimeType("a.webp"))
	assert.Equal(t, "image/png", mimeType("a.png"))
	assert.Equal(t, "image/png", mimeType("a.bin"))
}

func TestSystemPrompt_DeterministicRubricOrder(t *testing.T) {
	req := testRequest(t)
	req.RubricWeights = map[string]float64{"b_dim": 2, "a_dim": 1, "c_dim": 3}

	p := systemPrompt(req)
	a := strings.Index(p, "a_dim")
	b := strings.Index(p, "b_dim")
	c := strings.Index(p, "c_dim")
	assert.True(t, a < b && b < c, "dimensions listed in sorted order")
}

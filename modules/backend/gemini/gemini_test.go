package gemini

import (
	"context"
	"encoding/base64"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"

	"quel-gen-server/modules/backend"
	"quel-gen-server/modules/catalog"
)

func imageResponse(data []byte) *genai.GenerateContentResponse {
	return &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{
			Content: &genai.Content{Parts: []*genai.Part{
				{Text: "here you go"},
				{InlineData: &genai.Blob{Data: data, MIMEType: "image/png"}},
			}},
		}},
	}
}

func newTestClient(keys []string, fn generateFunc) *Client {
	c := New(Config{APIKeys: keys, Model: "gemini-2.5-flash-image", RetryBackoff: time.Millisecond}, nil)
	c.generate = fn
	return c
}

func TestSubmit_ReturnsInlineImage(t *testing.T) {
	var gotConfig *genai.GenerateContentConfig
	var gotPrompt string
	c := newTestClient([]string{"k1"}, func(ctx context.Context, apiKey, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
		gotConfig = config
		gotPrompt = contents[0].Parts[0].Text
		return imageResponse([]byte("png-bytes")), nil
	})

	sub, err := c.Submit(context.Background(), backend.Job{
		EntryID:        "e1",
		Prompt:         "a cat",
		NegativePrompt: "blurry",
		Width:          832,
		Height:         1216,
		Seed:           99,
		Loras:          []catalog.LoraWeight{{Name: "add_detail", Weight: 1}},
	})
	require.NoError(t, err)
	require.NotNil(t, sub.Result)
	assert.True(t, sub.Result.Succeeded())
	assert.Equal(t, sub.JobHandle, sub.Result.JobHandle)
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("png-bytes")), sub.Result.Images[0])

	assert.Equal(t, "2:3", gotConfig.ImageConfig.AspectRatio)
	assert.Equal(t, int32(99), *gotConfig.Seed)
	assert.Equal(t, "a cat\n\nStyle: add_detail\n\nAvoid: blurry", gotPrompt)
}

func TestSubmit_NoImageIsFailedResult(t *testing.T) {
	c := newTestClient([]string{"k1"}, func(ctx context.Context, apiKey, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
		return &genai.GenerateContentResponse{}, nil
	})

	sub, err := c.Submit(context.Background(), backend.Job{EntryID: "e1", Prompt: "x", Width: 1024, Height: 1024})
	require.NoError(t, err)
	require.NotNil(t, sub.Result)
	assert.False(t, sub.Result.Succeeded())
	assert.Equal(t, backend.ResultFailed, sub.Result.Status)
}

func TestGenerateWithRetry_RotatesKeysOn429(t *testing.T) {
	var keys []string
	c := newTestClient([]string{"k1", "k2"}, func(ctx context.Context, apiKey, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
		keys = append(keys, apiKey)
		if apiKey == "k1" {
			return nil, errors.New("Error 429, RESOURCE_EXHAUSTED")
		}
		return imageResponse([]byte("ok")), nil
	})

	_, err := c.generateWithRetry(context.Background(), nil, &genai.GenerateContentConfig{})
	require.NoError(t, err)
	assert.Equal(t, []string{"k1", "k1", "k1", "k2"}, keys)
}

func TestGenerateWithRetry_NonRateLimitFailsFast(t *testing.T) {
	calls := 0
	c := newTestClient([]string{"k1", "k2"}, func(ctx context.Context, apiKey, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
		calls++
		return nil, errors.New("400 invalid argument")
	})

	_, err := c.generateWithRetry(context.Background(), nil, &genai.GenerateContentConfig{})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestGenerateWithRetry_AllKeysExhausted(t *testing.T) {
	c := newTestClient([]string{"k1", "k2"}, func(ctx context.Context, apiKey, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
		return nil, errors.New("quota exceeded")
	})

	_, err := c.generateWithRetry(context.Background(), nil, &genai.GenerateContentConfig{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "all 2 API keys exhausted")
}

func TestNearestAspectRatio(t *testing.T) {
	tests := []struct {
		w, h int
		want string
	}{
		{1024, 1024, "1:1"},
		{1216, 832, "3:2"},
		{832, 1216, "2:3"},
		{1920, 1080, "16:9"},
		{0, 100, "1:1"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, nearestAspectRatio(tt.w, tt.h))
	}
}

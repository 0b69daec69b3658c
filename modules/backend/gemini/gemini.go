// Package gemini is a synchronous backend: the image comes back in the
// submission response itself, so there is no callback to wait for.
package gemini

import (
	"context"
	"encoding/base64"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/genai"

	"quel-gen-server/modules/backend"
)

const maxRetriesPerKey = 3

// Config - Gemini 백엔드 설정
type Config struct {
	APIKeys      []string
	Model        string
	RetryBackoff time.Duration
}

type generateFunc func(ctx context.Context, apiKey, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)

// Client - API 키 여러 개를 돌려가며 호출하는 Gemini 클라이언트
type Client struct {
	cfg      Config
	generate generateFunc
	logger   *zap.Logger
}

// New - Client 생성
func New(cfg Config, logger *zap.Logger) *Client {
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 2 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{cfg: cfg, generate: callGemini, logger: logger}
}

// Name - 로그용 이름
func (c *Client) Name() string { return "gemini" }

// Submit - 이미지 생성 (동기). 모델이 이미지를 주지 않으면 실패 Result를 반환
func (c *Client) Submit(ctx context.Context, job backend.Job) (*backend.Submission, error) {
	handle := "gemini-" + uuid.NewString()
	aspectRatio := nearestAspectRatio(job.Width, job.Height)

	c.logger.Info("🎨 Calling Gemini",
		zap.String("entry_id", job.EntryID),
		zap.String("model", c.cfg.Model),
		zap.String("aspect_ratio", aspectRatio))

	contents := []*genai.Content{{
		Role:  genai.RoleUser,
		Parts: []*genai.Part{genai.NewPartFromText(buildPrompt(job))},
	}}
	seed := int32(job.Seed % math.MaxInt32)
	config := &genai.GenerateContentConfig{
		ImageConfig: &genai.ImageConfig{AspectRatio: aspectRatio},
		Seed:        &seed,
	}

	result, err := c.generateWithRetry(ctx, contents, config)
	if err != nil {
		return nil, err
	}

	for _, candidate := range result.Candidates {
		if candidate.Content == nil {
			continue
		}
		for _, part := range candidate.Content.Parts {
			if part.InlineData != nil && len(part.InlineData.Data) > 0 {
				c.logger.Info("✅ Received image from Gemini",
					zap.String("entry_id", job.EntryID),
					zap.Int("bytes", len(part.InlineData.Data)))
				return &backend.Submission{
					JobHandle: handle,
					Result: &backend.Result{
						JobHandle: handle,
						Status:    backend.ResultDone,
						Images:    []string{base64.StdEncoding.EncodeToString(part.InlineData.Data)},
					},
				}, nil
			}
		}
	}

	c.logger.Warn("⚠️  Gemini returned no image", zap.String("entry_id", job.EntryID))
	return &backend.Submission{
		JobHandle: handle,
		Result: &backend.Result{
			JobHandle: handle,
			Status:    backend.ResultFailed,
			Error:     "no image data in response",
		},
	}, nil
}

// generateWithRetry - 429 에러 시 같은 키로 최대 3번, 그래도 안 되면 다음 키로
func (c *Client) generateWithRetry(ctx context.Context, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	if len(c.cfg.APIKeys) == 0 {
		return nil, fmt.Errorf("no API keys provided")
	}

	var lastErr error
	for keyIndex, apiKey := range c.cfg.APIKeys {
		for attempt := 1; attempt <= maxRetriesPerKey; attempt++ {
			result, err := c.generate(ctx, apiKey, c.cfg.Model, contents, config)
			if err == nil {
				if keyIndex > 0 || attempt > 1 {
					c.logger.Info("✅ Gemini succeeded after retry", zap.Int("key", keyIndex+1), zap.Int("attempt", attempt))
				}
				return result, nil
			}

			lastErr = err
			if !is429Error(err) {
				return nil, fmt.Errorf("gemini call failed: %w", err)
			}

			c.logger.Warn("⚠️  Gemini rate limited",
				zap.Int("key", keyIndex+1),
				zap.Int("attempt", attempt),
				zap.Int("max_attempts", maxRetriesPerKey))

			if attempt < maxRetriesPerKey {
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-time.After(c.cfg.RetryBackoff):
				}
			}
		}
		c.logger.Warn("⚠️  Gemini key exhausted, trying next key", zap.Int("key", keyIndex+1))
	}

	return nil, fmt.Errorf("all %d API keys exhausted (%d attempts each), last error: %w", len(c.cfg.APIKeys), maxRetriesPerKey, lastErr)
}

func callGemini(ctx context.Context, apiKey, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create client: %w", err)
	}
	return client.Models.GenerateContent(ctx, model, contents, config)
}

// is429Error - 429 Rate Limit 에러인지 확인
func is429Error(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "429") ||
		strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "quota")
}

func buildPrompt(job backend.Job) string {
	var b strings.Builder
	b.WriteString(job.Prompt)
	if len(job.Loras) > 0 {
		names := make([]string, 0, len(job.Loras))
		for _, l := range job.Loras {
			names = append(names, l.Name)
		}
		b.WriteString("\n\nStyle: ")
		b.WriteString(strings.Join(names, ", "))
	}
	if job.NegativePrompt != "" {
		b.WriteString("\n\nAvoid: ")
		b.WriteString(job.NegativePrompt)
	}
	return b.String()
}

var aspectRatios = []struct {
	name  string
	ratio float64
}{
	{"1:1", 1},
	{"2:3", 2.0 / 3},
	{"3:2", 3.0 / 2},
	{"3:4", 3.0 / 4},
	{"4:3", 4.0 / 3},
	{"9:16", 9.0 / 16},
	{"16:9", 16.0 / 9},
}

// nearestAspectRatio - 픽셀 크기를 Gemini가 받는 비율 문자열로
func nearestAspectRatio(width, height int) string {
	if width <= 0 || height <= 0 {
		return "1:1"
	}
	target := float64(width) / float64(height)
	best := aspectRatios[0]
	for _, ar := range aspectRatios[1:] {
		if math.Abs(ar.ratio-target) < math.Abs(best.ratio-target) {
			best = ar
		}
	}
	return best.name
}

// Package sdapi submits jobs to a Stable Diffusion WebUI instance running the
// agent-scheduler extension. Submission only enqueues the task; the backend
// later POSTs the result to the configured callback URL.
package sdapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"quel-gen-server/modules/backend"
)

const queuePath = "/agent-scheduler/v1/queue/txt2img"

// Config - sdapi 백엔드 설정
type Config struct {
	BaseURL     string
	CallbackURL string
	Timeout     time.Duration
}

// Client - agent-scheduler 클라이언트
type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     *zap.Logger
}

// New - Client 생성
func New(cfg Config, logger *zap.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger,
	}
}

// Name - 로그용 이름
func (c *Client) Name() string { return "sdapi" }

type overrideSettings struct {
	Checkpoint string `json:"sd_model_checkpoint"`
}

type queueRequest struct {
	Prompt           string           `json:"prompt"`
	NegativePrompt   string           `json:"negative_prompt,omitempty"`
	SamplerName      string           `json:"sampler_name"`
	Seed             int64            `json:"seed"`
	Steps            int              `json:"steps"`
	CFGScale         float64          `json:"cfg_scale"`
	Width            int              `json:"width"`
	Height           int              `json:"height"`
	Checkpoint       string           `json:"checkpoint"`
	OverrideSettings overrideSettings `json:"override_settings"`
	CallbackURL      string           `json:"callback_url"`

	EnableHR          bool    `json:"enable_hr,omitempty"`
	HRScale           float64 `json:"hr_scale,omitempty"`
	HRSecondPassSteps int     `json:"hr_second_pass_steps,omitempty"`
	DenoisingStrength float64 `json:"denoising_strength,omitempty"`
	HRUpscaler        string  `json:"hr_upscaler,omitempty"`
}

type queueResponse struct {
	TaskID string `json:"task_id"`
}

// buildPayload - Job을 agent-scheduler 요청 본문으로 변환
func (c *Client) buildPayload(job backend.Job) queueRequest {
	req := queueRequest{
		Prompt:           promptWithLoras(job),
		NegativePrompt:   job.NegativePrompt,
		SamplerName:      job.Sampler,
		Seed:             job.Seed,
		Steps:            job.Steps,
		CFGScale:         job.CFGScale,
		Width:            job.Width,
		Height:           job.Height,
		Checkpoint:       job.Checkpoint,
		OverrideSettings: overrideSettings{Checkpoint: job.Checkpoint},
		CallbackURL:      c.cfg.CallbackURL,
	}
	if job.Hires != nil && job.Hires.Enabled {
		req.EnableHR = true
		req.HRScale = job.Hires.Scale
		req.HRSecondPassSteps = job.Hires.Steps
		req.DenoisingStrength = job.Hires.Denoise
		req.HRUpscaler = job.Hires.Upscaler
	}
	return req
}

// Submit - 작업 등록. 성공하면 agent-scheduler task id가 job handle이 됨
func (c *Client) Submit(ctx context.Context, job backend.Job) (*backend.Submission, error) {
	body, err := json.Marshal(c.buildPayload(job))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := strings.TrimRight(c.cfg.BaseURL, "/") + queuePath
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	c.logger.Info("🎨 Submitting job to backend",
		zap.String("entry_id", job.EntryID),
		zap.String("checkpoint", job.Checkpoint),
		zap.Int("width", job.Width),
		zap.Int("height", job.Height))

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("backend request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		c.logger.Warn("❌ Backend rejected job",
			zap.String("entry_id", job.EntryID),
			zap.Int("status", resp.StatusCode),
			zap.String("body", truncate(string(respBody), 200)))
		return nil, fmt.Errorf("%w: status %d", backend.ErrRejected, resp.StatusCode)
	}

	var qr queueResponse
	if err := json.Unmarshal(respBody, &qr); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if qr.TaskID == "" {
		return nil, fmt.Errorf("%w: empty task id", backend.ErrRejected)
	}

	c.logger.Info("✅ Job queued on backend", zap.String("entry_id", job.EntryID), zap.String("task_id", qr.TaskID))
	return &backend.Submission{JobHandle: qr.TaskID}, nil
}

// promptWithLoras - LoRA는 WebUI 프롬프트 문법 <lora:name:weight>으로 붙임
func promptWithLoras(job backend.Job) string {
	if len(job.Loras) == 0 {
		return job.Prompt
	}
	var b strings.Builder
	b.WriteString(job.Prompt)
	for _, l := range job.Loras {
		b.WriteString(" <lora:")
		b.WriteString(l.Name)
		b.WriteString(":")
		b.WriteString(strconv.FormatFloat(l.Weight, 'f', -1, 64))
		b.WriteString(">")
	}
	return b.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

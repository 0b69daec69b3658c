package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Client - Supabase Storage 업로드 클라이언트
type Client struct {
	baseURL    string
	serviceKey string
	bucket     string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient - Storage 클라이언트 생성
func NewClient(supabaseURL, serviceKey, bucket string, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL:    strings.TrimRight(supabaseURL, "/"),
		serviceKey: serviceKey,
		bucket:     bucket,
		httpClient: &http.Client{Timeout: 60 * time.Second},
		logger:     logger,
	}
}

// ArtifactPath - 결과 이미지 저장 경로 (유저별 / 익명은 anonymous 폴더)
func ArtifactPath(ownerUserID, entryID string) string {
	if ownerUserID == "" {
		return fmt.Sprintf("generations/anonymous/%s.webp", entryID)
	}
	return fmt.Sprintf("generations/user-%s/%s.webp", ownerUserID, entryID)
}

// UploadWebP - WebP 이미지를 bucket/path에 업로드
func (c *Client) UploadWebP(ctx context.Context, path string, data []byte) error {
	uploadURL := fmt.Sprintf("%s/storage/v1/object/%s/%s", c.baseURL, c.bucket, path)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, uploadURL, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create upload request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.serviceKey)
	req.Header.Set("Content-Type", "image/webp")
	// 같은 엔트리 재처리 시 덮어쓰기
	req.Header.Set("x-upsert", "true")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to upload image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("upload failed with status %d: %s", resp.StatusCode, string(body))
	}

	c.logger.Info("✅ WebP image uploaded", zap.String("path", path), zap.Int("bytes", len(data)))
	return nil
}

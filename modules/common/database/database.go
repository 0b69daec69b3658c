package database

import (
	"context"
	"fmt"
	"time"

	"github.com/supabase-community/supabase-go"
	"go.uber.org/zap"
)

// GalleryRecord - 완료된 생성 결과를 소유자와 연결하는 갤러리 레코드
type GalleryRecord struct {
	EntryID        string             `json:"entry_id"`
	OwnerUserID    *string            `json:"owner_user_id"`
	OwnerIP        *string            `json:"owner_ip"`
	FilePath       string             `json:"file_path"`
	Width          int                `json:"width"`
	Height         int                `json:"height"`
	Model          string             `json:"model"`
	Modifiers      map[string]float64 `json:"modifiers,omitempty"`
	Prompt         string             `json:"prompt"`
	NegativePrompt string             `json:"negative_prompt"`
	Seed           int64              `json:"seed"`
	Steps          int                `json:"steps"`
	CFGScale       float64            `json:"cfg_scale"`
	Sampler        string             `json:"sampler"`
	CreatedAt      time.Time          `json:"created_at"`
}

// Client - Supabase 갤러리 테이블 클라이언트
type Client struct {
	supabase *supabase.Client
	table    string
	logger   *zap.Logger
}

// NewClient - Database 클라이언트 생성
func NewClient(supabaseURL, serviceKey, table string, logger *zap.Logger) (*Client, error) {
	supabaseClient, err := supabase.NewClient(supabaseURL, serviceKey, &supabase.ClientOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to create Supabase client: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		supabase: supabaseClient,
		table:    table,
		logger:   logger,
	}, nil
}

// CreateGalleryRecord - 갤러리 테이블에 레코드 생성
func (c *Client) CreateGalleryRecord(ctx context.Context, rec GalleryRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	_, _, err := c.supabase.From(c.table).
		Insert(rec, false, "", "minimal", "").
		Execute()
	if err != nil {
		return fmt.Errorf("failed to insert gallery record: %w", err)
	}

	c.logger.Info("💾 Gallery record created", zap.String("entry_id", rec.EntryID), zap.String("path", rec.FilePath))
	return nil
}

// StringPtr - 빈 문자열은 nil (DB null)
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

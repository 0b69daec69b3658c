// Package backend defines the contract between the dispatcher and the external
// image generation service, plus the shared shapes of its completion results.
package backend

import (
	"context"
	"errors"

	"quel-gen-server/modules/catalog"
	"quel-gen-server/modules/common/model"
)

// ErrRejected - 백엔드가 작업을 거절함 (재시도 대상 아님)
var ErrRejected = errors.New("backend: job rejected")

// Job - 백엔드 형식으로 변환이 끝난 작업 하나
type Job struct {
	EntryID        string
	Checkpoint     string
	Prompt         string
	NegativePrompt string
	Sampler        string
	Seed           int64
	Steps          int
	CFGScale       float64
	Width          int
	Height         int
	Loras          []catalog.LoraWeight
	Hires          *model.Hires
}

// NewJob - 큐 엔트리 + 카탈로그 변환 결과로 Job 생성
func NewJob(entry *model.QueueEntry, r catalog.Resolved) Job {
	s := entry.Request.Settings
	job := Job{
		EntryID:        entry.ID,
		Checkpoint:     r.Checkpoint,
		Prompt:         r.Prompt,
		NegativePrompt: r.NegativePrompt,
		Sampler:        r.Sampler,
		Seed:           s.Seed,
		Steps:          s.Steps,
		CFGScale:       s.CFGScale,
		Width:          r.Width,
		Height:         r.Height,
		Loras:          r.Loras,
	}
	if entry.Request.HiresEnabled() {
		job.Hires = s.Hires
	}
	return job
}

// Result - 작업 종료 보고 (비동기 콜백 본문 또는 동기 응답)
type Result struct {
	JobHandle string   `json:"task_id"`
	Status    string   `json:"status"`
	Images    []string `json:"images,omitempty"` // base64 PNG
	Error     string   `json:"error,omitempty"`
}

const (
	ResultDone   = "done"
	ResultFailed = "failed"
)

// Succeeded - 성공이면서 결과 이미지가 있는 경우만 true
func (r *Result) Succeeded() bool {
	return r.Status == ResultDone && len(r.Images) > 0 && r.Images[0] != ""
}

// Submission - 제출 결과. Result는 동기 백엔드만 채움
type Submission struct {
	JobHandle string
	Result    *Result
}

// Backend - 외부 생성 서비스
type Backend interface {
	Name() string
	Submit(ctx context.Context, job Job) (*Submission, error)
}

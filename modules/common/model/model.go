package model

import (
	"fmt"
	"time"
)

// QueueClass - 큐 구분 (free / priority)
type QueueClass string

const (
	ClassFree     QueueClass = "free"
	ClassPriority QueueClass = "priority"
)

// Classes - 디스패처가 돌려야 하는 모든 큐 (free가 먼저)
func Classes() []QueueClass {
	return []QueueClass{ClassFree, ClassPriority}
}

// ParseClass - 문자열을 QueueClass로 변환
func ParseClass(s string) (QueueClass, error) {
	switch QueueClass(s) {
	case ClassFree, ClassPriority:
		return QueueClass(s), nil
	}
	return "", fmt.Errorf("unknown queue class: %q", s)
}

// Status - 큐 엔트리 상태
type Status string

const (
	StatusQueued     Status = "QUEUED"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
)

// IsTerminal - COMPLETED / FAILED 여부
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

var transitions = map[Status][]Status{
	StatusQueued:     {StatusProcessing, StatusFailed},
	StatusProcessing: {StatusCompleted, StatusFailed},
}

// CanTransition - 상태 전이 허용 여부
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// SourcesOf - to 상태로 올 수 있는 이전 상태 목록
func SourcesOf(to Status) []Status {
	var out []Status
	for _, from := range []Status{StatusQueued, StatusProcessing, StatusCompleted, StatusFailed} {
		if CanTransition(from, to) {
			out = append(out, from)
		}
	}
	return out
}

// Tier - 호출자 등급
type Tier string

const (
	TierAnonymous Tier = "anonymous"
	TierFree      Tier = "free"
	TierPremium   Tier = "premium"
)

// Actor - 요청자 (로그인 유저 또는 익명 IP, 둘 중 하나만)
type Actor struct {
	Tier   Tier
	UserID string
	IP     string
}

// IsPremium - 무제한 등급인지
func (a Actor) IsPremium() bool {
	return a.Tier == TierPremium && a.UserID != ""
}

// IsAnonymous - 로그인하지 않은 요청자인지
func (a Actor) IsAnonymous() bool {
	return a.UserID == ""
}

// String - 로그용
func (a Actor) String() string {
	if a.IsAnonymous() {
		return "ip:" + a.IP
	}
	return string(a.Tier) + ":" + a.UserID
}

// DenialReason - 승인 거부 사유 (클라이언트가 그대로 분기 처리)
type DenialReason string

const (
	DenialMalformed        DenialReason = "MALFORMED_REQUEST"
	DenialNoGenerations    DenialReason = "NO_GENERATIONS_LEFT"
	DenialSystemDepleted   DenialReason = "SYSTEM_RESOURCES_DEPLETED"
	DenialFreeQueueFull    DenialReason = "FREE_QUEUE_FULL"
	DenialNotEnoughCredits DenialReason = "NOT_ENOUGH_CREDITS"
)

// Hires - 2-pass 업스케일 옵션
type Hires struct {
	Enabled  bool    `json:"enabled"`
	Scale    float64 `json:"scale,omitempty"`
	Steps    int     `json:"steps,omitempty"`
	Denoise  float64 `json:"denoise,omitempty"`
	Upscaler string  `json:"upscaler,omitempty"`
}

// Settings - 생성 파라미터 묶음
type Settings struct {
	Size         string  `json:"size"`
	Sampler      string  `json:"sampler"`
	Seed         int64   `json:"seed"`
	Steps        int     `json:"steps"`
	CFGScale     float64 `json:"cfg_scale"`
	HighPriority bool    `json:"high_priority,omitempty"`
	Hires        *Hires  `json:"hires,omitempty"`
}

// GenerationRequest - 생성 요청 (승인 이후 변경 불가)
type GenerationRequest struct {
	Model          string             `json:"model"`
	Modifiers      map[string]float64 `json:"modifiers,omitempty"`
	Prompt         string             `json:"prompt"`
	NegativePrompt string             `json:"negative_prompt,omitempty"`
	Settings       Settings           `json:"settings"`
}

// HiresEnabled - 업스케일 사용 여부
func (r GenerationRequest) HiresEnabled() bool {
	return r.Settings.Hires != nil && r.Settings.Hires.Enabled
}

// QueueEntry - 큐에 들어간 생성 작업 하나
type QueueEntry struct {
	ID           string            `json:"id"`
	Class        QueueClass        `json:"queue"`
	Request      GenerationRequest `json:"request"`
	Status       Status            `json:"status"`
	OwnerUserID  string            `json:"owner_user_id,omitempty"`
	OwnerIP      string            `json:"owner_ip,omitempty"`
	Cost         int64             `json:"cost"`
	JobHandle    string            `json:"job_handle,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	StartedAt    *time.Time        `json:"started_at,omitempty"`
	Refunded     bool              `json:"refunded"`
	ArtifactPath string            `json:"artifact_path,omitempty"`
	Width        int               `json:"width,omitempty"`
	Height       int               `json:"height,omitempty"`
	Error        string            `json:"error,omitempty"`
}

// Owner - 엔트리 소유자를 Actor로 복원 (환불 경로에서 사용)
func (e *QueueEntry) Owner() Actor {
	if e.OwnerUserID != "" {
		return Actor{Tier: TierFree, UserID: e.OwnerUserID}
	}
	return Actor{Tier: TierAnonymous, IP: e.OwnerIP}
}

// Refundable - 실패 시 크레딧을 돌려줘야 하는 엔트리인지
func (e *QueueEntry) Refundable() bool {
	return e.Class == ClassPriority && e.Cost > 0 && e.OwnerUserID != ""
}

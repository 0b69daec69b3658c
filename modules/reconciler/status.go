package reconciler

import (
	"context"

	"quel-gen-server/modules/common/model"
)

// StatusView - 클라이언트에 보여주는 엔트리 상태
type StatusView struct {
	ID           string `json:"entry_id"`
	Queue        string `json:"queue"`
	Status       string `json:"status"`
	Position     int64  `json:"position,omitempty"`
	ArtifactPath string `json:"artifact_path,omitempty"`
	Width        int    `json:"width,omitempty"`
	Height       int    `json:"height,omitempty"`
	Refunded     bool   `json:"refunded,omitempty"`
	Error        string `json:"error,omitempty"`
}

// NewStatusView - 엔트리 → 응답 형식
func NewStatusView(e *model.QueueEntry, position int64) StatusView {
	return StatusView{
		ID:           e.ID,
		Queue:        string(e.Class),
		Status:       string(e.Status),
		Position:     position,
		ArtifactPath: e.ArtifactPath,
		Width:        e.Width,
		Height:       e.Height,
		Refunded:     e.Refunded,
		Error:        e.Error,
	}
}

// Status - 상태 조회. 끝난 엔트리는 이 조회에서 삭제되어 한 번만 보임
func (r *Reconciler) Status(ctx context.Context, class model.QueueClass, id string) (*StatusView, error) {
	entry, err := r.store.TakeStatus(ctx, class, id)
	if err != nil {
		return nil, err
	}

	var position int64
	if entry.Status == model.StatusQueued {
		if position, err = r.store.Position(ctx, class, id); err != nil {
			return nil, err
		}
	}
	view := NewStatusView(entry, position)
	return &view, nil
}

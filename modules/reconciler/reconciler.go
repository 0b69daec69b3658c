// Package reconciler resolves backend results into terminal queue states:
// artifact persistence on success, failure plus refund otherwise, and the
// client notification that follows either way.
package reconciler

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"quel-gen-server/modules/backend"
	"quel-gen-server/modules/catalog"
	"quel-gen-server/modules/common/database"
	"quel-gen-server/modules/common/model"
	"quel-gen-server/modules/common/storage"
	"quel-gen-server/modules/common/utils"
	"quel-gen-server/modules/queue"
	"quel-gen-server/modules/realtime"
)

// 클라이언트에 노출되는 실패 사유 (내부 에러는 로그에만)
const (
	ReasonGenerationFailed  = "generation failed"
	ReasonSubmissionFailed  = "backend submission failed"
	ReasonPersistenceFailed = "artifact persistence failed"
	ReasonTimedOut          = "processing timed out"
)

// EventGenerationUpdate - generation 방으로 보내는 이벤트 타입
const EventGenerationUpdate = "generation.update"

const webpQuality = 90

// ErrMissingHandle - 콜백 본문에 job handle이 없음
var ErrMissingHandle = errors.New("reconciler: missing job handle")

// Refunder - 크레딧 환불
type Refunder interface {
	RefundPriority(ctx context.Context, actor model.Actor, cost int64) error
}

// ArtifactStore - 결과 이미지 저장소
type ArtifactStore interface {
	UploadWebP(ctx context.Context, path string, data []byte) error
}

// GalleryWriter - 갤러리 레코드 저장
type GalleryWriter interface {
	CreateGalleryRecord(ctx context.Context, rec database.GalleryRecord) error
}

// Notifier - 실시간 알림
type Notifier interface {
	Publish(ctx context.Context, room string, event realtime.Event) error
}

// Waker - 디스패처 깨우기
type Waker interface {
	Wake(class model.QueueClass)
}

// Reconciler - 백엔드 결과를 큐 상태로 반영
type Reconciler struct {
	store     *queue.Store
	ledger    Refunder
	catalog   *catalog.Catalog
	artifacts ArtifactStore
	gallery   GalleryWriter
	notifier  Notifier
	waker     Waker
	logger    *zap.Logger
	lockTTL   time.Duration
}

// Deps - Reconciler 의존성 묶음
type Deps struct {
	Store     *queue.Store
	Ledger    Refunder
	Catalog   *catalog.Catalog
	Artifacts ArtifactStore
	Gallery   GalleryWriter
	Notifier  Notifier
	Waker     Waker
	Logger    *zap.Logger
}

// New - Reconciler 생성
func New(d Deps) *Reconciler {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{
		store:     d.Store,
		ledger:    d.Ledger,
		catalog:   d.Catalog,
		artifacts: d.Artifacts,
		gallery:   d.Gallery,
		notifier:  d.Notifier,
		waker:     d.Waker,
		logger:    logger,
		lockTTL:   2 * time.Minute,
	}
}

// HandleResult - 백엔드 결과 처리. 이미 끝났거나 사라진 엔트리에 대한 중복 결과는 no-op
func (r *Reconciler) HandleResult(ctx context.Context, res *backend.Result) error {
	if res == nil || res.JobHandle == "" {
		return ErrMissingHandle
	}

	claimed, err := r.store.ClaimCallback(ctx, res.JobHandle, r.lockTTL)
	if err != nil {
		return err
	}
	if !claimed {
		r.logger.Info("🔁 Callback already being handled", zap.String("job_handle", res.JobHandle))
		return nil
	}
	defer func() {
		if err := r.store.ReleaseCallback(context.Background(), res.JobHandle); err != nil {
			r.logger.Warn("⚠️  Failed to release callback lock", zap.String("job_handle", res.JobHandle), zap.Error(err))
		}
	}()

	entry, err := r.store.FindByJobHandle(ctx, res.JobHandle)
	if errors.Is(err, queue.ErrNotFound) {
		r.logger.Info("🔁 Callback for unknown or pruned job ignored", zap.String("job_handle", res.JobHandle))
		return nil
	}
	if err != nil {
		return err
	}
	if entry.Status.IsTerminal() {
		r.logger.Info("🔁 Duplicate callback for finished entry ignored",
			zap.String("entry_id", entry.ID),
			zap.String("status", string(entry.Status)))
		return nil
	}
	if entry.Status != model.StatusProcessing {
		r.logger.Info("🔁 Callback for non-processing entry ignored",
			zap.String("entry_id", entry.ID),
			zap.String("status", string(entry.Status)))
		return nil
	}

	if !res.Succeeded() {
		r.logger.Warn("❌ Backend reported failure",
			zap.String("entry_id", entry.ID),
			zap.String("status", res.Status),
			zap.String("error", res.Error))
		return r.Fail(ctx, entry, ReasonGenerationFailed)
	}

	path, width, height, err := r.persist(ctx, entry, res.Images[0])
	if err != nil {
		r.logger.Error("❌ Artifact persistence failed", zap.String("entry_id", entry.ID), zap.Error(err))
		return r.Fail(ctx, entry, ReasonPersistenceFailed)
	}

	if err := r.store.MarkCompleted(ctx, entry, path, width, height); err != nil {
		if errors.Is(err, queue.ErrConflict) || errors.Is(err, queue.ErrNotFound) {
			r.logger.Info("🔁 Entry resolved elsewhere", zap.String("entry_id", entry.ID))
			return nil
		}
		return err
	}

	r.logger.Info("✅ Generation completed",
		zap.String("entry_id", entry.ID),
		zap.String("queue", string(entry.Class)),
		zap.String("path", path))
	r.finish(ctx, entry)
	return nil
}

// Fail - 엔트리를 FAILED로 만들고, 대상이면 환불. 다른 쪽에서 먼저 끝냈으면 아무것도 안 함.
// refunded 플래그는 환불이 실제로 된 다음에만 기록
func (r *Reconciler) Fail(ctx context.Context, entry *model.QueueEntry, reason string) error {
	if err := r.store.MarkFailed(ctx, entry, reason); err != nil {
		if errors.Is(err, queue.ErrConflict) || errors.Is(err, queue.ErrNotFound) {
			r.logger.Info("🔁 Entry already terminal, skipping failure", zap.String("entry_id", entry.ID))
			return nil
		}
		return err
	}

	if entry.Refundable() {
		if err := r.ledger.RefundPriority(ctx, entry.Owner(), entry.Cost); err != nil {
			r.logger.Error("❌ Refund failed",
				zap.String("entry_id", entry.ID),
				zap.String("owner", entry.OwnerUserID),
				zap.Int64("cost", entry.Cost),
				zap.Error(err))
		} else {
			entry.Refunded = true
			if setErr := r.store.SetRefunded(ctx, entry.ID, true); setErr != nil && !errors.Is(setErr, queue.ErrNotFound) {
				r.logger.Error("❌ Failed to record refund", zap.String("entry_id", entry.ID), zap.Error(setErr))
			}
		}
	}

	r.logger.Warn("💥 Generation failed",
		zap.String("entry_id", entry.ID),
		zap.String("queue", string(entry.Class)),
		zap.String("reason", reason),
		zap.Bool("refunded", entry.Refunded))
	r.finish(ctx, entry)
	return nil
}

// persist - base64 → WebP → Storage 업로드 → 갤러리 레코드
func (r *Reconciler) persist(ctx context.Context, entry *model.QueueEntry, image string) (string, int, int, error) {
	raw, err := utils.DecodeBase64Image(image)
	if err != nil {
		return "", 0, 0, err
	}
	webpData, decodedW, decodedH, err := utils.ConvertToWebP(raw, webpQuality)
	if err != nil {
		return "", 0, 0, err
	}

	width, height := r.catalog.OutputSize(entry.Request)
	if width == 0 || height == 0 {
		width, height = decodedW, decodedH
	}

	path := storage.ArtifactPath(entry.OwnerUserID, entry.ID)
	if err := r.artifacts.UploadWebP(ctx, path, webpData); err != nil {
		return "", 0, 0, err
	}

	req := entry.Request
	err = r.gallery.CreateGalleryRecord(ctx, database.GalleryRecord{
		EntryID:        entry.ID,
		OwnerUserID:    database.StringPtr(entry.OwnerUserID),
		OwnerIP:        database.StringPtr(entry.OwnerIP),
		FilePath:       path,
		Width:          width,
		Height:         height,
		Model:          req.Model,
		Modifiers:      req.Modifiers,
		Prompt:         req.Prompt,
		NegativePrompt: req.NegativePrompt,
		Seed:           req.Settings.Seed,
		Steps:          req.Settings.Steps,
		CFGScale:       req.Settings.CFGScale,
		Sampler:        req.Settings.Sampler,
	})
	if err != nil {
		return "", 0, 0, err
	}
	return path, width, height, nil
}

// finish - 알림 (실패해도 무시) + 디스패처 깨우기
func (r *Reconciler) finish(ctx context.Context, entry *model.QueueEntry) {
	if r.notifier != nil {
		room := realtime.Room(realtime.PurposeGeneration, entry.ID)
		event := realtime.Event{Type: EventGenerationUpdate, Data: NewStatusView(entry, 0)}
		if err := r.notifier.Publish(ctx, room, event); err != nil {
			r.logger.Warn("⚠️  Notification failed", zap.String("entry_id", entry.ID), zap.Error(err))
		}
	}
	if r.waker != nil {
		r.waker.Wake(entry.Class)
	}
}

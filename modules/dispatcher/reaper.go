package dispatcher

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"quel-gen-server/modules/common/model"
	"quel-gen-server/modules/queue"
	"quel-gen-server/modules/reconciler"
)

// runReaper - 콜백이 오지 않은 PROCESSING 엔트리를 주기적으로 실패 처리
func (s *Scheduler) runReaper(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.reap(ctx)
		}
	}
}

// reap - 한 번 훑기. 실패 처리한 엔트리 수 반환
func (s *Scheduler) reap(ctx context.Context) int {
	cutoff := s.now().Add(-s.cfg.ProcessingTimeout)
	reaped := 0

	for _, class := range model.Classes() {
		ids, err := s.store.StaleProcessing(ctx, class, cutoff)
		if err != nil {
			s.logger.Error("❌ Failed to list stale entries", zap.String("queue", string(class)), zap.Error(err))
			continue
		}

		for _, id := range ids {
			entry, err := s.store.Get(ctx, id)
			if errors.Is(err, queue.ErrNotFound) {
				if err := s.store.DropIndex(ctx, class, id); err != nil {
					s.logger.Warn("⚠️  Failed to drop dangling index", zap.String("entry_id", id), zap.Error(err))
				}
				continue
			}
			if err != nil {
				s.logger.Error("❌ Failed to load stale entry", zap.String("entry_id", id), zap.Error(err))
				continue
			}
			if entry.Status != model.StatusProcessing {
				continue
			}

			s.logger.Warn("⏰ Entry timed out waiting for backend",
				zap.String("entry_id", id),
				zap.String("queue", string(class)),
				zap.String("job_handle", entry.JobHandle))
			s.fail(entry, reconciler.ReasonTimedOut)
			reaped++
		}
	}
	return reaped
}

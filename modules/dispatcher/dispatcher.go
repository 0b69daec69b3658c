// Package dispatcher runs one sequential lane per queue class. A lane submits
// the oldest QUEUED entry of its class to the generation backend and never
// has more than one entry of that class in flight.
package dispatcher

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"quel-gen-server/modules/backend"
	"quel-gen-server/modules/catalog"
	"quel-gen-server/modules/common/model"
	"quel-gen-server/modules/queue"
	"quel-gen-server/modules/reconciler"
)

// Finisher - 엔트리를 끝내는 쪽 (Reconciler)
type Finisher interface {
	HandleResult(ctx context.Context, res *backend.Result) error
	Fail(ctx context.Context, entry *model.QueueEntry, reason string) error
}

const markAttempts = 3

// Config - 디스패처 설정
type Config struct {
	PollInterval      time.Duration
	SubmitTimeout     time.Duration
	ProcessingTimeout time.Duration
	ReapInterval      time.Duration
}

// lane - class 하나의 처리 루프 상태
type lane struct {
	class model.QueueClass
	busy  atomic.Bool
	wake  chan struct{}
}

// Scheduler - class별 lane 묶음. main에서 한 번 만들고 admission / reconciler에 넘김
type Scheduler struct {
	store    *queue.Store
	catalog  *catalog.Catalog
	backend  backend.Backend
	cfg      Config
	logger   *zap.Logger
	lanes    map[model.QueueClass]*lane
	instance string
	now      func() time.Time

	markRetryDelay time.Duration

	finisher Finisher
	wg       sync.WaitGroup
}

// New - Scheduler 생성
func New(store *queue.Store, cat *catalog.Catalog, be backend.Backend, cfg Config, logger *zap.Logger) *Scheduler {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = 30 * time.Second
	}
	if cfg.ProcessingTimeout <= 0 {
		cfg.ProcessingTimeout = 10 * time.Minute
	}
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = cfg.ProcessingTimeout / 4
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Scheduler{
		store:    store,
		catalog:  cat,
		backend:  be,
		cfg:      cfg,
		logger:   logger,
		lanes:    make(map[model.QueueClass]*lane),
		instance: uuid.NewString(),
		now:      time.Now,

		markRetryDelay: 200 * time.Millisecond,
	}
	for _, class := range model.Classes() {
		s.lanes[class] = &lane{class: class, wake: make(chan struct{}, 1)}
	}
	return s
}

// Wake - lane 깨우기 (edge-triggered, 절대 블록되지 않음)
func (s *Scheduler) Wake(class model.QueueClass) {
	l, ok := s.lanes[class]
	if !ok {
		return
	}
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Start - lane 루프 + reaper 시작. ctx가 끝나면 모두 종료
func (s *Scheduler) Start(ctx context.Context, finisher Finisher) {
	s.finisher = finisher

	for _, class := range model.Classes() {
		l := s.lanes[class]
		s.wg.Add(1)
		go s.runLane(ctx, l)
	}

	s.wg.Add(1)
	go s.runReaper(ctx)

	s.logger.Info("🚦 Dispatcher started",
		zap.Duration("poll_interval", s.cfg.PollInterval),
		zap.String("backend", s.backend.Name()))
}

// Wait - 모든 루프가 끝날 때까지 대기
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) runLane(ctx context.Context, l *lane) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		s.drain(ctx, l)

		select {
		case <-ctx.Done():
			s.logger.Info("🛑 Lane stopped", zap.String("queue", string(l.class)))
			return
		case <-l.wake:
		case <-ticker.C:
		}
	}
}

// drain - 처리 중인 엔트리가 없을 때만 가장 오래된 엔트리를 제출. 동기 백엔드면 연속으로 처리
func (s *Scheduler) drain(ctx context.Context, l *lane) {
	if !l.busy.CompareAndSwap(false, true) {
		return
	}
	defer l.busy.Store(false)

	// 다른 인스턴스가 같은 class를 돌리고 있으면 양보
	leaseTTL := s.cfg.SubmitTimeout * 2
	locked, err := s.store.TryLockLane(ctx, l.class, s.instance, leaseTTL)
	if err != nil {
		s.logger.Error("❌ Lane lease failed", zap.String("queue", string(l.class)), zap.Error(err))
		return
	}
	if !locked {
		return
	}
	defer func() {
		if err := s.store.UnlockLane(context.Background(), l.class, s.instance); err != nil {
			s.logger.Warn("⚠️  Lane unlock failed", zap.String("queue", string(l.class)), zap.Error(err))
		}
	}()

	for ctx.Err() == nil {
		inFlight, err := s.store.CountProcessing(ctx, l.class)
		if err != nil {
			s.logger.Error("❌ Failed to count processing entries", zap.String("queue", string(l.class)), zap.Error(err))
			return
		}
		if inFlight > 0 {
			return
		}

		entry, err := s.store.OldestQueued(ctx, l.class)
		if err != nil {
			s.logger.Error("❌ Failed to read queue", zap.String("queue", string(l.class)), zap.Error(err))
			return
		}
		if entry == nil {
			return
		}

		if !s.dispatch(ctx, entry) {
			return
		}
	}
}

// dispatch - 엔트리 하나 제출. false면 이번 drain은 여기서 멈춤
func (s *Scheduler) dispatch(ctx context.Context, entry *model.QueueEntry) (cont bool) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("💥 Panic while dispatching entry",
				zap.String("entry_id", entry.ID),
				zap.Any("panic", r),
				zap.Stack("stack"))
			s.fail(entry, reconciler.ReasonSubmissionFailed)
			cont = true
		}
	}()

	log := s.logger.With(zap.String("entry_id", entry.ID), zap.String("queue", string(entry.Class)))

	resolved, err := s.catalog.Resolve(entry.Request)
	if err != nil {
		log.Error("❌ Failed to translate request", zap.Error(err))
		s.fail(entry, reconciler.ReasonSubmissionFailed)
		return true
	}

	subCtx, cancel := context.WithTimeout(ctx, s.cfg.SubmitTimeout)
	sub, err := s.backend.Submit(subCtx, backend.NewJob(entry, resolved))
	cancel()

	if err != nil {
		if ctx.Err() != nil {
			// 종료 중: 엔트리는 QUEUED로 남겨 재시작 후 다시 처리
			log.Info("⏸️  Submission interrupted by shutdown")
			return false
		}
		log.Warn("❌ Backend submission failed", zap.Error(err))
		s.fail(entry, reconciler.ReasonSubmissionFailed)
		return true
	}

	if sub.Result != nil && !sub.Result.Succeeded() {
		log.Warn("❌ Backend reported immediate failure", zap.String("error", sub.Result.Error))
		s.fail(entry, reconciler.ReasonGenerationFailed)
		return true
	}

	if err := s.markProcessing(entry, sub.JobHandle); err != nil {
		if errors.Is(err, queue.ErrConflict) || errors.Is(err, queue.ErrNotFound) {
			log.Warn("⚠️  Entry changed while submitting", zap.Error(err))
			return true
		}
		// 백엔드 작업은 이미 떠 있으므로 QUEUED로 남겨 다시 제출하지 않음
		log.Error("❌ Failed to mark entry processing", zap.String("job_handle", sub.JobHandle), zap.Error(err))
		s.fail(entry, reconciler.ReasonSubmissionFailed)
		return true
	}
	log.Info("🚀 Entry submitted", zap.String("job_handle", sub.JobHandle))

	// 동기 백엔드: 결과가 이미 있으므로 바로 마무리
	if sub.Result != nil {
		if s.finisher == nil {
			log.Error("❌ No finisher configured for synchronous result")
			return true
		}
		if err := s.finisher.HandleResult(ctx, sub.Result); err != nil {
			log.Error("❌ Failed to finish synchronous result", zap.Error(err))
		}
	}
	return true
}

// markProcessing - 제출이 끝난 뒤라 종료 ctx와 무관하게 기록. 일시적인 Redis 오류는 재시도
func (s *Scheduler) markProcessing(entry *model.QueueEntry, handle string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var err error
	for attempt := 1; attempt <= markAttempts; attempt++ {
		err = s.store.MarkProcessing(ctx, entry, handle)
		if err == nil || errors.Is(err, queue.ErrConflict) || errors.Is(err, queue.ErrNotFound) {
			return err
		}
		if attempt == markAttempts {
			break
		}
		s.logger.Warn("⚠️  Retrying mark processing",
			zap.String("entry_id", entry.ID),
			zap.Int("attempt", attempt),
			zap.Error(err))
		select {
		case <-ctx.Done():
			return err
		case <-time.After(time.Duration(attempt) * s.markRetryDelay):
		}
	}
	return err
}

func (s *Scheduler) fail(entry *model.QueueEntry, reason string) {
	if s.finisher == nil {
		s.logger.Error("❌ No finisher configured, entry left as is", zap.String("entry_id", entry.ID))
		return
	}
	// 요청 ctx와 무관하게 끝까지 처리
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.finisher.Fail(ctx, entry, reason); err != nil {
		s.logger.Error("❌ Failed to fail entry", zap.String("entry_id", entry.ID), zap.Error(err))
	}
}

// Package admission decides, for each incoming generation request, whether it
// is accepted, which queue it joins and what it costs, then persists it as a
// QUEUED entry and returns the channel token the caller uses for updates.
package admission

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"quel-gen-server/modules/catalog"
	"quel-gen-server/modules/common/model"
	"quel-gen-server/modules/ledger"
	"quel-gen-server/modules/realtime"
)

// Ledger - 승인에 필요한 자원 장부 연산
type Ledger interface {
	CheckAndDebitFree(ctx context.Context, actor model.Actor) (ledger.Decision, error)
	CheckAndDebitPriority(ctx context.Context, actor model.Actor, cost int64) (ledger.Decision, error)
	RefundPriority(ctx context.Context, actor model.Actor, cost int64) error
	RollbackFree(ctx context.Context, actor model.Actor) error
}

// Queue - 엔트리 저장
type Queue interface {
	Insert(ctx context.Context, e *model.QueueEntry) error
}

// TokenIssuer - generation 채널 토큰 발급
type TokenIssuer interface {
	Issue(p realtime.Purpose, subject string) (string, error)
}

// Waker - 해당 class lane 깨우기
type Waker interface {
	Wake(class model.QueueClass)
}

// Config - 우선 처리 비용
type Config struct {
	HighPriorityCost int64
	HiresCost        int64
}

// Outcome - 승인 결과. Admitted가 false면 Reason만 의미 있음
type Outcome struct {
	Admitted bool
	Reason   model.DenialReason
	EntryID  string
	Class    model.QueueClass
	Cost     int64
	Token    string
}

func deny(reason model.DenialReason) *Outcome {
	return &Outcome{Reason: reason}
}

// Controller - 승인 컨트롤러
type Controller struct {
	catalog *catalog.Catalog
	ledger  Ledger
	queue   Queue
	tokens  TokenIssuer
	waker   Waker
	cfg     Config
	logger  *zap.Logger

	now     func() time.Time
	newID   func() string
	newSeed func() int64
}

// New - Controller 생성
func New(cat *catalog.Catalog, l Ledger, q Queue, tokens TokenIssuer, waker Waker, cfg Config, logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		catalog: cat,
		ledger:  l,
		queue:   q,
		tokens:  tokens,
		waker:   waker,
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
		newID:   uuid.NewString,
		newSeed: func() int64 { return rand.Int64N(math.MaxUint32) },
	}
}

// Admit - 요청 하나 승인. 거부는 Outcome.Reason으로, 인프라 오류만 error로 반환
func (c *Controller) Admit(ctx context.Context, actor model.Actor, req model.GenerationRequest) (*Outcome, error) {
	if req.Settings.Seed == -1 {
		req.Settings.Seed = c.newSeed()
	}

	if err := c.catalog.Validate(req, actor.IsPremium()); err != nil {
		c.logger.Info("🚫 Malformed request", zap.Stringer("actor", actor), zap.Error(err))
		return deny(model.DenialMalformed), nil
	}

	class, cost := c.classify(actor, req)

	entryID := c.newID()
	token, err := c.tokens.Issue(realtime.PurposeGeneration, entryID)
	if err != nil {
		return nil, fmt.Errorf("admission: issue token: %w", err)
	}

	var decision ledger.Decision
	if class == model.ClassPriority {
		decision, err = c.ledger.CheckAndDebitPriority(ctx, actor, cost)
	} else {
		decision, err = c.ledger.CheckAndDebitFree(ctx, actor)
	}
	if err != nil {
		return nil, err
	}
	if !decision.Admitted {
		c.logger.Info("🚫 Generation denied",
			zap.Stringer("actor", actor),
			zap.String("queue", string(class)),
			zap.String("reason", string(decision.Reason)))
		return deny(decision.Reason), nil
	}

	entry := &model.QueueEntry{
		ID:          entryID,
		Class:       class,
		Request:     req,
		Status:      model.StatusQueued,
		OwnerUserID: actor.UserID,
		Cost:        cost,
		CreatedAt:   c.now(),
	}
	if actor.IsAnonymous() {
		entry.OwnerIP = actor.IP
	}

	if err := c.queue.Insert(ctx, entry); err != nil {
		c.compensate(actor, class, cost)
		return nil, fmt.Errorf("admission: persist entry: %w", err)
	}

	c.logger.Info("📥 Generation admitted",
		zap.String("entry_id", entryID),
		zap.String("queue", string(class)),
		zap.Int64("cost", cost),
		zap.Stringer("actor", actor))

	if c.waker != nil {
		c.waker.Wake(class)
	}

	return &Outcome{
		Admitted: true,
		EntryID:  entryID,
		Class:    class,
		Cost:     cost,
		Token:    token,
	}, nil
}

// classify - 어느 큐로, 얼마에
func (c *Controller) classify(actor model.Actor, req model.GenerationRequest) (model.QueueClass, int64) {
	if actor.IsPremium() {
		return model.ClassPriority, 0
	}
	if req.Settings.HighPriority {
		cost := c.cfg.HighPriorityCost
		if req.HiresEnabled() {
			cost += c.cfg.HiresCost
		}
		return model.ClassPriority, cost
	}
	return model.ClassFree, 0
}

// compensate - 저장 실패 시 방금 한 차감 되돌리기
func (c *Controller) compensate(actor model.Actor, class model.QueueClass, cost int64) {
	// 요청 ctx가 이미 끝났어도 되돌려야 함
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var err error
	if class == model.ClassPriority {
		err = c.ledger.RefundPriority(ctx, actor, cost)
	} else {
		err = c.ledger.RollbackFree(ctx, actor)
	}
	if err != nil {
		c.logger.Error("❌ Failed to roll back debit after insert failure",
			zap.Stringer("actor", actor),
			zap.String("queue", string(class)),
			zap.Error(err))
	}
}

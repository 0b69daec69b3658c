// Package ledger tracks the consumable generation budgets: the system-wide
// daily allowance, per-IP and per-user free allowances, and premium credit
// balances. Every check-and-debit runs as a single Redis Lua script so
// concurrent admissions against the same row cannot both pass.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"quel-gen-server/modules/common/model"
)

// Config - 기본 한도 및 리셋 주기
type Config struct {
	SystemDailyLimit     int64
	IPDailyLimit         int64
	UserDailyLimit       int64
	DailyCreditIncrement int64
	FreeQueueMax         int64
	// FreeQueueKey - free 큐 대기열 ZSET 키 (길이 검사를 같은 스크립트 안에서 하기 위함)
	FreeQueueKey string
	ResetPeriod  time.Duration
}

// Decision - 승인 결과
type Decision struct {
	Admitted bool
	Reason   model.DenialReason
}

func admitted() Decision { return Decision{Admitted: true} }

func denied(reason model.DenialReason) Decision { return Decision{Reason: reason} }

// Budget - 조회용 스냅샷
type Budget struct {
	SystemRemaining int64     `json:"system_remaining"`
	FreeRemaining   int64     `json:"free_remaining"`
	PremiumCredits  int64     `json:"premium_credits"`
	Unlimited       bool      `json:"unlimited"`
	NextResetAt     time.Time `json:"next_reset_at"`
}

// Ledger - Redis 기반 자원 장부
type Ledger struct {
	client    goredis.Cmdable
	cfg       Config
	keyPrefix string
	now       func() time.Time
	logger    *zap.Logger
}

// Option configures Ledger.
type Option func(*Ledger)

// WithKeyPrefix - Redis 키 prefix (기본 "gen:budget:")
func WithKeyPrefix(prefix string) Option {
	return func(l *Ledger) { l.keyPrefix = prefix }
}

// WithClock - 테스트용 시계
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

// New - Ledger 생성
func New(client goredis.Cmdable, cfg Config, opts ...Option) *Ledger {
	l := &Ledger{
		client:    client,
		cfg:       cfg,
		keyPrefix: "gen:budget:",
		now:       time.Now,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Ledger) systemKey() string { return l.keyPrefix + "system" }

func (l *Ledger) ipKey(addr string) string { return l.keyPrefix + "ip:" + addr }

func (l *Ledger) userKey(userID string) string { return l.keyPrefix + "user:" + userID }

// actorKey - 유저면 유저 해시, 익명이면 IP 카운터
func (l *Ledger) actorKey(actor model.Actor) (key string, isUser bool) {
	if actor.IsAnonymous() {
		return l.ipKey(actor.IP), false
	}
	return l.userKey(actor.UserID), true
}

// freeScript - system → 큐 길이 → 개인 한도 순서로 검사하고, 전부 통과했을 때만 둘 다 차감
// KEYS[1] = system hash
// KEYS[2] = free queue zset
// KEYS[3] = actor key (user hash 또는 ip counter)
// ARGV[1] = system default
// ARGV[2] = free queue max
// ARGV[3] = actor default
// ARGV[4] = actor is user ("1" / "0")
//
// Returns:
//
//	0 = admitted
//	1 = system depleted
//	2 = free queue full
//	3 = actor allowance exhausted
var freeScript = goredis.NewScript(`
local sys = tonumber(redis.call("HGET", KEYS[1], "remaining") or ARGV[1])
if sys <= 0 then
    return 1
end

if redis.call("ZCARD", KEYS[2]) >= tonumber(ARGV[2]) then
    return 2
end

local is_user = ARGV[4] == "1"
local mine
if is_user then
    mine = tonumber(redis.call("HGET", KEYS[3], "free_remaining") or ARGV[3])
else
    mine = tonumber(redis.call("GET", KEYS[3]) or ARGV[3])
end
if mine <= 0 then
    return 3
end

redis.call("HSET", KEYS[1], "remaining", sys - 1)
if is_user then
    redis.call("HSET", KEYS[3], "free_remaining", mine - 1)
    redis.call("HSETNX", KEYS[3], "premium_credits", 0)
else
    redis.call("SET", KEYS[3], mine - 1)
end
return 0
`)

// priorityScript - 크레딧 잔액 검사 후 차감
// KEYS[1] = user hash
// ARGV[1] = cost
// ARGV[2] = user free default (row lazy 생성용)
var priorityScript = goredis.NewScript(`
local credits = tonumber(redis.call("HGET", KEYS[1], "premium_credits") or "0")
local cost = tonumber(ARGV[1])
if credits < cost then
    return 0
end
redis.call("HSETNX", KEYS[1], "free_remaining", ARGV[2])
redis.call("HSET", KEYS[1], "premium_credits", credits - cost)
return 1
`)

// CheckAndDebitFree - free 큐 승인 검사 + 차감 (원자적)
func (l *Ledger) CheckAndDebitFree(ctx context.Context, actor model.Actor) (Decision, error) {
	key, isUser := l.actorKey(actor)
	actorDefault := l.cfg.IPDailyLimit
	userFlag := "0"
	if isUser {
		actorDefault = l.cfg.UserDailyLimit
		userFlag = "1"
	}

	code, err := freeScript.Run(ctx, l.client,
		[]string{l.systemKey(), l.cfg.FreeQueueKey, key},
		l.cfg.SystemDailyLimit, l.cfg.FreeQueueMax, actorDefault, userFlag,
	).Int64()
	if err != nil {
		return Decision{}, fmt.Errorf("ledger: free debit: %w", err)
	}

	switch code {
	case 0:
		l.logger.Debug("💸 Free allowance debited", zap.Stringer("actor", actor))
		return admitted(), nil
	case 1:
		return denied(model.DenialSystemDepleted), nil
	case 2:
		return denied(model.DenialFreeQueueFull), nil
	case 3:
		return denied(model.DenialNoGenerations), nil
	default:
		return Decision{}, fmt.Errorf("ledger: unexpected free debit result: %d", code)
	}
}

// CheckAndDebitPriority - 크레딧 검사 + 차감. 프리미엄은 항상 통과 (cost 0)
func (l *Ledger) CheckAndDebitPriority(ctx context.Context, actor model.Actor, cost int64) (Decision, error) {
	if actor.IsPremium() || cost <= 0 {
		return admitted(), nil
	}
	if actor.IsAnonymous() {
		// 익명은 크레딧 잔액이 없음
		return denied(model.DenialNotEnoughCredits), nil
	}

	ok, err := priorityScript.Run(ctx, l.client,
		[]string{l.userKey(actor.UserID)},
		cost, l.cfg.UserDailyLimit,
	).Int64()
	if err != nil {
		return Decision{}, fmt.Errorf("ledger: priority debit: %w", err)
	}
	if ok != 1 {
		return denied(model.DenialNotEnoughCredits), nil
	}

	l.logger.Debug("💰 Credits debited", zap.Stringer("actor", actor), zap.Int64("cost", cost))
	return admitted(), nil
}

// RefundPriority - 실패한 priority 엔트리의 크레딧 반환
func (l *Ledger) RefundPriority(ctx context.Context, actor model.Actor, cost int64) error {
	if cost <= 0 || actor.IsAnonymous() {
		return nil
	}
	if err := l.client.HIncrBy(ctx, l.userKey(actor.UserID), "premium_credits", cost).Err(); err != nil {
		return fmt.Errorf("ledger: refund: %w", err)
	}
	l.logger.Info("↩️  Credits refunded", zap.Stringer("actor", actor), zap.Int64("cost", cost))
	return nil
}

// RollbackFree - 차감 직후 엔트리 저장이 실패했을 때 승인 자체를 취소
func (l *Ledger) RollbackFree(ctx context.Context, actor model.Actor) error {
	key, isUser := l.actorKey(actor)
	_, err := l.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.HIncrBy(ctx, l.systemKey(), "remaining", 1)
		if isUser {
			pipe.HIncrBy(ctx, key, "free_remaining", 1)
		} else {
			pipe.Incr(ctx, key)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("ledger: rollback free: %w", err)
	}
	return nil
}

// Snapshot - 현재 잔량 조회 (row가 없으면 기본값)
func (l *Ledger) Snapshot(ctx context.Context, actor model.Actor) (Budget, error) {
	sys, err := l.client.HMGet(ctx, l.systemKey(), "remaining", "last_reset_at").Result()
	if err != nil {
		return Budget{}, fmt.Errorf("ledger: snapshot system: %w", err)
	}

	b := Budget{
		SystemRemaining: intOr(sys[0], l.cfg.SystemDailyLimit),
		Unlimited:       actor.IsPremium(),
	}
	if last := intOr(sys[1], 0); last > 0 {
		b.NextResetAt = time.UnixMilli(last).Add(l.cfg.ResetPeriod)
	}

	key, isUser := l.actorKey(actor)
	if isUser {
		vals, err := l.client.HMGet(ctx, key, "free_remaining", "premium_credits").Result()
		if err != nil {
			return Budget{}, fmt.Errorf("ledger: snapshot user: %w", err)
		}
		b.FreeRemaining = intOr(vals[0], l.cfg.UserDailyLimit)
		b.PremiumCredits = intOr(vals[1], 0)
		return b, nil
	}

	v, err := l.client.Get(ctx, key).Result()
	switch {
	case errors.Is(err, goredis.Nil):
		b.FreeRemaining = l.cfg.IPDailyLimit
	case err != nil:
		return Budget{}, fmt.Errorf("ledger: snapshot ip: %w", err)
	default:
		b.FreeRemaining = intOr(v, l.cfg.IPDailyLimit)
	}
	return b, nil
}

// systemResetScript - 같은 stamp로는 한 번만 system 한도를 채움
// KEYS[1] = system hash
// ARGV[1] = reset stamp (claim 시각, unix ms)
// ARGV[2] = system daily limit
var systemResetScript = goredis.NewScript(`
if redis.call("HGET", KEYS[1], "system_reset_at") == ARGV[1] then
    return 0
end
redis.call("HSET", KEYS[1], "remaining", ARGV[2], "system_reset_at", ARGV[1])
return 1
`)

// userResetScript - 유저 row 하나를 stamp 기준으로 한 번만 리셋
// KEYS[1] = user hash
// ARGV[1] = reset stamp (unix ms)
// ARGV[2] = user daily limit
// ARGV[3] = credit increment
//
// Returns 1 when reset, 0 when already reset with this stamp, -1 when the key is not a hash.
var userResetScript = goredis.NewScript(`
if redis.call("TYPE", KEYS[1]).ok ~= "hash" then
    return -1
end
if redis.call("HGET", KEYS[1], "reset_at") == ARGV[1] then
    return 0
end
redis.call("HINCRBY", KEYS[1], "premium_credits", ARGV[3])
redis.call("HSET", KEYS[1], "free_remaining", ARGV[2], "reset_at", ARGV[1])
return 1
`)

// ResetAll - system / IP / 유저 free 한도를 기본값으로, 유저 크레딧은 증분만큼 누적.
// stamp가 같으면 몇 번을 다시 돌려도 결과가 같음 (중간 실패 후 이어서 재개)
func (l *Ledger) ResetAll(ctx context.Context, stamp int64) error {
	stampStr := strconv.FormatInt(stamp, 10)
	if err := systemResetScript.Run(ctx, l.client, []string{l.systemKey()}, stampStr, l.cfg.SystemDailyLimit).Err(); err != nil {
		return fmt.Errorf("ledger: reset system: %w", err)
	}

	// IP row는 지워두면 다음 요청 때 기본값으로 다시 생성됨
	ipCount := 0
	ipDone, err := l.client.HGet(ctx, l.systemKey(), "ip_reset_at").Result()
	if err != nil && !errors.Is(err, goredis.Nil) {
		return fmt.Errorf("ledger: reset ip budgets: %w", err)
	}
	if ipDone != stampStr {
		err = l.scan(ctx, l.ipKey("*"), func(keys []string) error {
			ipCount += len(keys)
			return l.client.Del(ctx, keys...).Err()
		})
		if err == nil {
			err = l.client.HSet(ctx, l.systemKey(), "ip_reset_at", stampStr).Err()
		}
		if err != nil {
			return fmt.Errorf("ledger: reset ip budgets: %w", err)
		}
	}

	userCount, skipped := 0, 0
	err = l.scan(ctx, l.userKey("*"), func(keys []string) error {
		for _, key := range keys {
			res, err := userResetScript.Run(ctx, l.client, []string{key},
				stampStr, l.cfg.UserDailyLimit, l.cfg.DailyCreditIncrement).Int64()
			if err != nil {
				return err
			}
			switch res {
			case 1:
				userCount++
			case -1:
				skipped++
				l.logger.Warn("⚠️  Skipping malformed budget row", zap.String("key", key))
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("ledger: reset user budgets: %w", err)
	}

	l.logger.Info("🔄 Budgets reset",
		zap.Int64("stamp", stamp),
		zap.Int64("system", l.cfg.SystemDailyLimit),
		zap.Int("ip_rows", ipCount),
		zap.Int("user_rows", userCount),
		zap.Int("skipped_rows", skipped),
		zap.Int64("credit_increment", l.cfg.DailyCreditIncrement))
	return nil
}

func (l *Ledger) scan(ctx context.Context, match string, fn func(keys []string) error) error {
	var cursor uint64
	for {
		keys, next, err := l.client.Scan(ctx, cursor, match, 200).Result()
		if err != nil {
			return err
		}
		if len(keys) > 0 {
			if err := fn(keys); err != nil {
				return err
			}
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}

func intOr(v interface{}, def int64) int64 {
	s, ok := v.(string)
	if !ok || s == "" {
		return def
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return def
	}
	return n
}

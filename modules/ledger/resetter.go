package ledger

import (
	"context"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// claimScript - 끝나지 않은 리셋이 있으면 그 stamp를 돌려주고, 아니면 period가 지났을 때
// last_reset_at / reset_pending을 now로 claim
// KEYS[1] = system hash
// ARGV[1] = now (unix ms)
// ARGV[2] = period (ms)
//
// Returns {1, stamp} when a reset should run, {0, wait_ms} otherwise.
var claimScript = goredis.NewScript(`
local pending = redis.call("HGET", KEYS[1], "reset_pending")
if pending then
    return {1, tonumber(pending)}
end
local now = tonumber(ARGV[1])
local period = tonumber(ARGV[2])
local last = tonumber(redis.call("HGET", KEYS[1], "last_reset_at") or "0")
local elapsed = now - last
if elapsed >= period then
    redis.call("HSET", KEYS[1], "last_reset_at", ARGV[1], "reset_pending", ARGV[1])
    return {1, now}
end
return {0, period - elapsed}
`)

// finishScript - 같은 stamp의 리셋이 끝났으면 pending 해제
var finishScript = goredis.NewScript(`
if redis.call("HGET", KEYS[1], "reset_pending") == ARGV[1] then
    redis.call("HDEL", KEYS[1], "reset_pending")
    return 1
end
return 0
`)

// Resetter - 일일 리셋 타이머. 저장된 last_reset_at 기준으로 다음 시점을 계산하므로
// 재시작해도 리셋을 건너뛰거나 두 번 하지 않음. 중간에 실패한 리셋은 같은 stamp로 재개
type Resetter struct {
	ledger     *Ledger
	retryDelay time.Duration
}

// NewResetter - Resetter 생성
func NewResetter(l *Ledger) *Resetter {
	return &Resetter{ledger: l, retryDelay: time.Minute}
}

// Tick - 리셋 시점이 지났으면 한 번 리셋. 다음 확인까지 기다릴 시간을 반환
func (r *Resetter) Tick(ctx context.Context) (bool, time.Duration, error) {
	l := r.ledger
	now := l.now()
	period := l.cfg.ResetPeriod

	res, err := claimScript.Run(ctx, l.client,
		[]string{l.systemKey()},
		now.UnixMilli(), period.Milliseconds(),
	).Int64Slice()
	if err != nil {
		return false, r.retryDelay, fmt.Errorf("ledger: claim reset: %w", err)
	}
	if len(res) != 2 {
		return false, r.retryDelay, fmt.Errorf("ledger: unexpected claim result: %v", res)
	}
	if res[0] == 0 {
		return false, time.Duration(res[1]) * time.Millisecond, nil
	}

	// 실패하면 claim을 그대로 두고 다음 Tick에서 같은 stamp로 이어서 진행
	stamp := res[1]
	if err := l.ResetAll(ctx, stamp); err != nil {
		return false, r.retryDelay, err
	}
	if err := finishScript.Run(ctx, l.client, []string{l.systemKey()}, strconv.FormatInt(stamp, 10)).Err(); err != nil {
		return false, r.retryDelay, fmt.Errorf("ledger: finish reset: %w", err)
	}

	wait := period - now.Sub(time.UnixMilli(stamp))
	if wait < 0 {
		wait = 0
	}
	return true, wait, nil
}

// Run - ctx가 끝날 때까지 리셋 타이머 실행
func (r *Resetter) Run(ctx context.Context) {
	logger := r.ledger.logger
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("🛑 Budget resetter stopped")
			return
		case <-timer.C:
		}

		reset, wait, err := r.Tick(ctx)
		if err != nil {
			logger.Error("❌ Budget reset failed", zap.Error(err), zap.Duration("retry_in", wait))
		} else if reset {
			logger.Info("✅ Daily budget reset done", zap.Duration("next_in", wait))
		}
		timer.Reset(wait)
	}
}

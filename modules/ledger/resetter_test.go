package ledger

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupResetter(t *testing.T, now *time.Time) (*Resetter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	cfg := defaultConfig()
	cfg.FreeQueueKey = freeQueueKey
	l := New(client, cfg, WithClock(func() time.Time { return *now }))
	return NewResetter(l), mr
}

func TestResetter_AfterLongGapResetsExactlyOnce(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	r, mr := setupResetter(t, &now)

	last := now.Add(-25 * time.Hour)
	mr.HSet("gen:budget:system", "remaining", "0")
	mr.HSet("gen:budget:system", "last_reset_at", strconv.FormatInt(last.UnixMilli(), 10))
	_ = mr.Set("gen:budget:ip:10.0.0.1", "0")
	mr.HSet("gen:budget:user:u1", "free_remaining", "0")
	mr.HSet("gen:budget:user:u1", "premium_credits", "3")

	reset, wait, err := r.Tick(context.Background())
	require.NoError(t, err)
	assert.True(t, reset)
	assert.Equal(t, 24*time.Hour, wait)

	// 같은 시점에 다시 돌려도 (재시작 / 다른 인스턴스) 두 번 리셋되지 않음
	reset, wait, err = r.Tick(context.Background())
	require.NoError(t, err)
	assert.False(t, reset)
	assert.Equal(t, 24*time.Hour, wait)

	assert.Equal(t, "100", mr.HGet("gen:budget:system", "remaining"))
	assert.False(t, mr.Exists("gen:budget:ip:10.0.0.1"))
	assert.Equal(t, "10", mr.HGet("gen:budget:user:u1", "free_remaining"))
	assert.Equal(t, "13", mr.HGet("gen:budget:user:u1", "premium_credits"))
	assert.Equal(t, strconv.FormatInt(now.UnixMilli(), 10), mr.HGet("gen:budget:system", "last_reset_at"))
}

func TestResetter_NotDueReturnsRemainingWait(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	r, mr := setupResetter(t, &now)
	mr.HSet("gen:budget:system", "last_reset_at", strconv.FormatInt(now.Add(-20*time.Hour).UnixMilli(), 10))
	mr.HSet("gen:budget:system", "remaining", "7")

	reset, wait, err := r.Tick(context.Background())
	require.NoError(t, err)
	assert.False(t, reset)
	assert.Equal(t, 4*time.Hour, wait)
	assert.Equal(t, "7", mr.HGet("gen:budget:system", "remaining"))

	now = now.Add(4 * time.Hour)
	reset, _, err = r.Tick(context.Background())
	require.NoError(t, err)
	assert.True(t, reset)
	assert.Equal(t, "100", mr.HGet("gen:budget:system", "remaining"))
}

func TestResetter_FirstBootClaimsImmediately(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	r, mr := setupResetter(t, &now)

	reset, _, err := r.Tick(context.Background())
	require.NoError(t, err)
	assert.True(t, reset)
	assert.Equal(t, "100", mr.HGet("gen:budget:system", "remaining"))
}

func TestResetter_RunStopsOnCancel(t *testing.T) {
	now := time.Now()
	r, _ := setupResetter(t, &now)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("resetter did not stop")
	}
}

func TestResetter_MalformedRowDoesNotRepeatIncrement(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	r, mr := setupResetter(t, &now)
	mr.HSet("gen:budget:system", "last_reset_at", strconv.FormatInt(now.Add(-25*time.Hour).UnixMilli(), 10))
	mr.HSet("gen:budget:user:u1", "premium_credits", "3")
	_ = mr.Set("gen:budget:user:zz", "garbage")

	for i := 0; i < 3; i++ {
		_, _, err := r.Tick(context.Background())
		require.NoError(t, err)
		now = now.Add(time.Minute)
	}

	assert.Equal(t, "13", mr.HGet("gen:budget:user:u1", "premium_credits"))
}

func TestResetter_FailedResetResumesWithoutDoubleCredit(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	r, mr := setupResetter(t, &now)
	claimedAt := strconv.FormatInt(now.UnixMilli(), 10)
	mr.HSet("gen:budget:system", "last_reset_at", strconv.FormatInt(now.Add(-25*time.Hour).UnixMilli(), 10))
	mr.HSet("gen:budget:user:u1", "premium_credits", "3")
	mr.HSet("gen:budget:user:u2", "premium_credits", "not-a-number")

	for i := 0; i < 3; i++ {
		reset, wait, err := r.Tick(context.Background())
		require.Error(t, err)
		assert.False(t, reset)
		assert.Equal(t, time.Minute, wait)
		now = now.Add(time.Minute)
	}
	// claim은 유지된 채로 재개 대기
	assert.Equal(t, claimedAt, mr.HGet("gen:budget:system", "reset_pending"))
	assert.Equal(t, claimedAt, mr.HGet("gen:budget:system", "last_reset_at"))

	// 그 사이 소비된 system 한도는 재시도로 다시 채워지지 않음
	mr.HSet("gen:budget:system", "remaining", "42")
	mr.HSet("gen:budget:user:u2", "premium_credits", "5")

	reset, wait, err := r.Tick(context.Background())
	require.NoError(t, err)
	assert.True(t, reset)
	assert.Equal(t, 24*time.Hour-3*time.Minute, wait)

	assert.Equal(t, "13", mr.HGet("gen:budget:user:u1", "premium_credits"))
	assert.Equal(t, "15", mr.HGet("gen:budget:user:u2", "premium_credits"))
	assert.Equal(t, "42", mr.HGet("gen:budget:system", "remaining"))
	assert.Equal(t, "", mr.HGet("gen:budget:system", "reset_pending"))
	assert.Equal(t, claimedAt, mr.HGet("gen:budget:system", "last_reset_at"))
}

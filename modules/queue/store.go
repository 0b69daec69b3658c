// Package queue is the durable record of admitted generation entries. Each
// entry is a Redis hash; per-class sorted sets index the QUEUED and
// PROCESSING entries by time, and a per-class hash maps backend job handles
// back to entry ids. Status changes go through a compare-and-set script that
// enforces the QUEUED → PROCESSING → COMPLETED/FAILED state machine.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"quel-gen-server/modules/common/model"
)

var (
	ErrNotFound = errors.New("queue: entry not found")
	ErrConflict = errors.New("queue: entry is not in an allowed state")
)

// Store - Redis 기반 큐 저장소
type Store struct {
	client      goredis.Cmdable
	keyPrefix   string
	terminalTTL time.Duration
	now         func() time.Time
}

// Option configures Store.
type Option func(*Store)

// WithKeyPrefix - Redis 키 prefix (기본 "gen:queue:")
func WithKeyPrefix(prefix string) Option {
	return func(s *Store) { s.keyPrefix = prefix }
}

// WithTerminalTTL - 끝난 엔트리를 아무도 조회하지 않을 때 자동 삭제까지의 시간
func WithTerminalTTL(ttl time.Duration) Option {
	return func(s *Store) { s.terminalTTL = ttl }
}

// WithClock - 테스트용 시계
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New - Store 생성
func New(client goredis.Cmdable, opts ...Option) *Store {
	s := &Store{
		client:      client,
		keyPrefix:   "gen:queue:",
		terminalTTL: 24 * time.Hour,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) entryKey(id string) string { return s.keyPrefix + "entry:" + id }

// QueuedKey - class별 대기열 ZSET 키 (Ledger의 큐 길이 검사에서도 사용)
func (s *Store) QueuedKey(class model.QueueClass) string {
	return s.keyPrefix + string(class) + ":queued"
}

func (s *Store) processingKey(class model.QueueClass) string {
	return s.keyPrefix + string(class) + ":processing"
}

func (s *Store) jobsKey(class model.QueueClass) string {
	return s.keyPrefix + string(class) + ":jobs"
}

func (s *Store) callbackLockKey(handle string) string {
	return s.keyPrefix + "callback:" + handle
}

// Insert - QUEUED 상태로 엔트리 저장
func (s *Store) Insert(ctx context.Context, e *model.QueueEntry) error {
	if e.ID == "" {
		return errors.New("queue: entry id is required")
	}
	if e.Status != model.StatusQueued {
		return fmt.Errorf("queue: new entry must be %s, got %s", model.StatusQueued, e.Status)
	}

	fields, err := toHash(e)
	if err != nil {
		return err
	}

	_, err = s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.HSet(ctx, s.entryKey(e.ID), fields)
		pipe.ZAdd(ctx, s.QueuedKey(e.Class), goredis.Z{
			Score:  float64(e.CreatedAt.UnixMilli()),
			Member: e.ID,
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("queue: insert %s: %w", e.ID, err)
	}
	return nil
}

// Get - 엔트리 조회
func (s *Store) Get(ctx context.Context, id string) (*model.QueueEntry, error) {
	fields, err := s.client.HGetAll(ctx, s.entryKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("queue: get %s: %w", id, err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	return fromHash(fields)
}

// OldestQueued - class에서 가장 오래된 QUEUED 엔트리. 없으면 nil
func (s *Store) OldestQueued(ctx context.Context, class model.QueueClass) (*model.QueueEntry, error) {
	for {
		ids, err := s.client.ZRange(ctx, s.QueuedKey(class), 0, 0).Result()
		if err != nil {
			return nil, fmt.Errorf("queue: oldest %s: %w", class, err)
		}
		if len(ids) == 0 {
			return nil, nil
		}

		e, err := s.Get(ctx, ids[0])
		if errors.Is(err, ErrNotFound) {
			// 해시가 만료/삭제된 인덱스 잔여물은 정리하고 다음으로
			s.client.ZRem(ctx, s.QueuedKey(class), ids[0])
			continue
		}
		if err != nil {
			return nil, err
		}
		if e.Status != model.StatusQueued {
			s.client.ZRem(ctx, s.QueuedKey(class), e.ID)
			continue
		}
		return e, nil
	}
}

// CountQueued - 대기 중인 엔트리 수
func (s *Store) CountQueued(ctx context.Context, class model.QueueClass) (int64, error) {
	n, err := s.client.ZCard(ctx, s.QueuedKey(class)).Result()
	if err != nil {
		return 0, fmt.Errorf("queue: count queued: %w", err)
	}
	return n, nil
}

// CountProcessing - 백엔드에서 처리 중인 엔트리 수
func (s *Store) CountProcessing(ctx context.Context, class model.QueueClass) (int64, error) {
	n, err := s.client.ZCard(ctx, s.processingKey(class)).Result()
	if err != nil {
		return 0, fmt.Errorf("queue: count processing: %w", err)
	}
	return n, nil
}

// Position - 대기열 내 순번 (1부터). 대기 중이 아니면 0
func (s *Store) Position(ctx context.Context, class model.QueueClass, id string) (int64, error) {
	rank, err := s.client.ZRank(ctx, s.QueuedKey(class), id).Result()
	if errors.Is(err, goredis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("queue: position: %w", err)
	}
	return rank + 1, nil
}

// transitionScript - 상태 CAS 전이 + 인덱스 갱신
// KEYS[1] = entry hash
// KEYS[2] = queued zset
// KEYS[3] = processing zset
// KEYS[4] = job handle index
// ARGV[1] = entry id
// ARGV[2] = target status
// ARGV[3] = now (unix ms)
// ARGV[4] = allowed source statuses, comma separated
// ARGV[5] = terminal ttl (ms)
// ARGV[6..] = field/value pairs
//
// Returns 1 on success, 0 when the current status is not allowed, -1 when missing.
var transitionScript = goredis.NewScript(`
local cur = redis.call("HGET", KEYS[1], "status")
if not cur then
    return -1
end

local allowed = false
for s in string.gmatch(ARGV[4], "[^,]+") do
    if s == cur then
        allowed = true
    end
end
if not allowed then
    return 0
end

local to = ARGV[2]
redis.call("HSET", KEYS[1], "status", to)
for i = 6, #ARGV, 2 do
    redis.call("HSET", KEYS[1], ARGV[i], ARGV[i + 1])
end

redis.call("ZREM", KEYS[2], ARGV[1])
if to == "PROCESSING" then
    redis.call("ZADD", KEYS[3], ARGV[3], ARGV[1])
    local handle = redis.call("HGET", KEYS[1], "job_handle")
    if handle and handle ~= "" then
        redis.call("HSET", KEYS[4], handle, ARGV[1])
    end
else
    redis.call("ZREM", KEYS[3], ARGV[1])
end

if to == "COMPLETED" or to == "FAILED" then
    redis.call("PEXPIRE", KEYS[1], ARGV[5])
end
return 1
`)

func (s *Store) transition(ctx context.Context, id string, class model.QueueClass, to model.Status, fields map[string]string) error {
	sources := model.SourcesOf(to)
	names := make([]string, 0, len(sources))
	for _, st := range sources {
		names = append(names, string(st))
	}

	args := []interface{}{id, string(to), s.now().UnixMilli(), strings.Join(names, ","), s.terminalTTL.Milliseconds()}
	for k, v := range fields {
		args = append(args, k, v)
	}

	code, err := transitionScript.Run(ctx, s.client,
		[]string{s.entryKey(id), s.QueuedKey(class), s.processingKey(class), s.jobsKey(class)},
		args...,
	).Int64()
	if err != nil {
		return fmt.Errorf("queue: transition %s to %s: %w", id, to, err)
	}

	switch code {
	case 1:
		return nil
	case 0:
		return fmt.Errorf("%w: %s -> %s", ErrConflict, id, to)
	case -1:
		return ErrNotFound
	default:
		return fmt.Errorf("queue: unexpected transition result: %d", code)
	}
}

// MarkProcessing - 백엔드 제출 성공: QUEUED → PROCESSING + job handle 기록
func (s *Store) MarkProcessing(ctx context.Context, e *model.QueueEntry, handle string) error {
	now := s.now()
	err := s.transition(ctx, e.ID, e.Class, model.StatusProcessing, map[string]string{
		"job_handle": handle,
		"started_at": strconv.FormatInt(now.UnixMilli(), 10),
	})
	if err != nil {
		return err
	}
	e.Status = model.StatusProcessing
	e.JobHandle = handle
	e.StartedAt = &now
	return nil
}

// MarkFailed - QUEUED/PROCESSING → FAILED. 환불 여부는 환불이 끝난 뒤 SetRefunded로 기록
func (s *Store) MarkFailed(ctx context.Context, e *model.QueueEntry, reason string) error {
	err := s.transition(ctx, e.ID, e.Class, model.StatusFailed, map[string]string{
		"error":    reason,
		"refunded": boolString(false),
	})
	if err != nil {
		return err
	}
	e.Status = model.StatusFailed
	e.Error = reason
	e.Refunded = false
	return nil
}

// MarkCompleted - PROCESSING → COMPLETED + 결과물 정보
func (s *Store) MarkCompleted(ctx context.Context, e *model.QueueEntry, artifactPath string, width, height int) error {
	err := s.transition(ctx, e.ID, e.Class, model.StatusCompleted, map[string]string{
		"artifact_path": artifactPath,
		"width":         strconv.Itoa(width),
		"height":        strconv.Itoa(height),
	})
	if err != nil {
		return err
	}
	e.Status = model.StatusCompleted
	e.ArtifactPath = artifactPath
	e.Width = width
	e.Height = height
	return nil
}

// setIfExistsScript - 해시가 남아 있을 때만 필드 갱신 (prune된 엔트리를 다시 만들지 않음)
var setIfExistsScript = goredis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
    return 0
end
redis.call("HSET", KEYS[1], ARGV[1], ARGV[2])
return 1
`)

// SetRefunded - 환불 플래그만 갱신
func (s *Store) SetRefunded(ctx context.Context, id string, refunded bool) error {
	n, err := setIfExistsScript.Run(ctx, s.client, []string{s.entryKey(id)}, "refunded", boolString(refunded)).Int64()
	if err != nil {
		return fmt.Errorf("queue: set refunded: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// FindByJobHandle - job handle로 엔트리 찾기 (free 먼저, 그 다음 priority)
func (s *Store) FindByJobHandle(ctx context.Context, handle string) (*model.QueueEntry, error) {
	for _, class := range model.Classes() {
		id, err := s.client.HGet(ctx, s.jobsKey(class), handle).Result()
		if errors.Is(err, goredis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("queue: find by handle: %w", err)
		}

		e, err := s.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			// 이미 prune됨
			s.client.HDel(ctx, s.jobsKey(class), handle)
			return nil, ErrNotFound
		}
		return e, err
	}
	return nil, ErrNotFound
}

// takeTerminalScript - 끝난 엔트리면 읽고 바로 삭제 (한 번만 관측됨).
// 다른 큐 이름으로 조회하면 건드리지 않고 빈 결과
// KEYS[1] = entry hash
// KEYS[2] = job handle index
// ARGV[1] = queue class
var takeTerminalScript = goredis.NewScript(`
if redis.call("HGET", KEYS[1], "class") ~= ARGV[1] then
    return {}
end
local fields = redis.call("HGETALL", KEYS[1])
local status = redis.call("HGET", KEYS[1], "status")
if status == "COMPLETED" or status == "FAILED" then
    local handle = redis.call("HGET", KEYS[1], "job_handle")
    if handle and handle ~= "" then
        redis.call("HDEL", KEYS[2], handle)
    end
    redis.call("DEL", KEYS[1])
end
return fields
`)

// TakeStatus - 상태 조회. 끝난 엔트리는 이 호출에서 삭제됨
func (s *Store) TakeStatus(ctx context.Context, class model.QueueClass, id string) (*model.QueueEntry, error) {
	flat, err := takeTerminalScript.Run(ctx, s.client,
		[]string{s.entryKey(id), s.jobsKey(class)},
		string(class),
	).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("queue: take status %s: %w", id, err)
	}
	if len(flat) == 0 {
		return nil, ErrNotFound
	}

	fields := make(map[string]string, len(flat)/2)
	for i := 0; i+1 < len(flat); i += 2 {
		fields[flat[i]] = flat[i+1]
	}
	e, err := fromHash(fields)
	if err != nil {
		return nil, err
	}
	if e.Class != class {
		return nil, ErrNotFound
	}
	return e, nil
}

// StaleProcessing - before 이전에 PROCESSING이 된 엔트리 id
func (s *Store) StaleProcessing(ctx context.Context, class model.QueueClass, before time.Time) ([]string, error) {
	ids, err := s.client.ZRangeByScore(ctx, s.processingKey(class), &goredis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(before.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("queue: stale processing: %w", err)
	}
	return ids, nil
}

// DropIndex - 해시가 사라진 processing 인덱스 잔여물 제거
func (s *Store) DropIndex(ctx context.Context, class model.QueueClass, id string) error {
	return s.client.ZRem(ctx, s.processingKey(class), id).Err()
}

// ClaimCallback - 같은 job handle 콜백이 동시에 두 번 처리되지 않도록 잠금
func (s *Store) ClaimCallback(ctx context.Context, handle string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.callbackLockKey(handle), "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("queue: claim callback: %w", err)
	}
	return ok, nil
}

// ReleaseCallback - 콜백 잠금 해제
func (s *Store) ReleaseCallback(ctx context.Context, handle string) error {
	return s.client.Del(ctx, s.callbackLockKey(handle)).Err()
}

// unlockScript - 내가 잡은 lease일 때만 삭제
var unlockScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

// TryLockLane - class 디스패치 lease (여러 인스턴스가 같은 class를 동시에 제출하지 않도록)
func (s *Store) TryLockLane(ctx context.Context, class model.QueueClass, token string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.keyPrefix+string(class)+":lane", token, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("queue: lock lane %s: %w", class, err)
	}
	return ok, nil
}

// UnlockLane - lease 해제
func (s *Store) UnlockLane(ctx context.Context, class model.QueueClass, token string) error {
	return unlockScript.Run(ctx, s.client, []string{s.keyPrefix + string(class) + ":lane"}, token).Err()
}

func toHash(e *model.QueueEntry) (map[string]interface{}, error) {
	req, err := json.Marshal(e.Request)
	if err != nil {
		return nil, fmt.Errorf("queue: encode request: %w", err)
	}
	fields := map[string]interface{}{
		"id":         e.ID,
		"class":      string(e.Class),
		"request":    string(req),
		"status":     string(e.Status),
		"owner_user": e.OwnerUserID,
		"owner_ip":   e.OwnerIP,
		"cost":       e.Cost,
		"job_handle": e.JobHandle,
		"created_at": e.CreatedAt.UnixMilli(),
		"refunded":   boolString(e.Refunded),
	}
	return fields, nil
}

func fromHash(f map[string]string) (*model.QueueEntry, error) {
	e := &model.QueueEntry{
		ID:           f["id"],
		Class:        model.QueueClass(f["class"]),
		Status:       model.Status(f["status"]),
		OwnerUserID:  f["owner_user"],
		OwnerIP:      f["owner_ip"],
		JobHandle:    f["job_handle"],
		Refunded:     f["refunded"] == "1",
		ArtifactPath: f["artifact_path"],
		Error:        f["error"],
	}
	if err := json.Unmarshal([]byte(f["request"]), &e.Request); err != nil {
		return nil, fmt.Errorf("queue: decode request %s: %w", e.ID, err)
	}
	e.Cost, _ = strconv.ParseInt(f["cost"], 10, 64)
	e.Width, _ = strconv.Atoi(f["width"])
	e.Height, _ = strconv.Atoi(f["height"])
	if ms, err := strconv.ParseInt(f["created_at"], 10, 64); err == nil {
		e.CreatedAt = time.UnixMilli(ms)
	}
	if ms, err := strconv.ParseInt(f["started_at"], 10, 64); err == nil {
		t := time.UnixMilli(ms)
		e.StartedAt = &t
	}
	return e, nil
}

func boolString(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

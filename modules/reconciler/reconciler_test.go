package reconciler

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"image"
	"image/png"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quel-gen-server/modules/backend"
	"quel-gen-server/modules/catalog"
	"quel-gen-server/modules/common/database"
	"quel-gen-server/modules/common/model"
	"quel-gen-server/modules/ledger"
	"quel-gen-server/modules/queue"
	"quel-gen-server/modules/realtime"
)

var ctxBG = context.Background()

type fakeArtifacts struct {
	mu      sync.Mutex
	uploads map[string][]byte
	err     error
}

func (f *fakeArtifacts) UploadWebP(ctx context.Context, path string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	if f.uploads == nil {
		f.uploads = map[string][]byte{}
	}
	f.uploads[path] = data
	return nil
}

type fakeGallery struct {
	mu      sync.Mutex
	records []database.GalleryRecord
	err     error
}

func (f *fakeGallery) CreateGalleryRecord(ctx context.Context, rec database.GalleryRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.records = append(f.records, rec)
	return nil
}

type published struct {
	room  string
	event realtime.Event
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []published
	err    error
}

func (f *fakeNotifier) Publish(ctx context.Context, room string, event realtime.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, published{room, event})
	return f.err
}

type fakeWaker struct {
	mu    sync.Mutex
	woken []model.QueueClass
}

func (f *fakeWaker) Wake(class model.QueueClass) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.woken = append(f.woken, class)
}

type failingRefunder struct {
	calls int
}

func (f *failingRefunder) RefundPriority(ctx context.Context, actor model.Actor, cost int64) error {
	f.calls++
	return errors.New("redis down")
}

type fixture struct {
	mr        *miniredis.Miniredis
	store     *queue.Store
	ledger    *ledger.Ledger
	artifacts *fakeArtifacts
	gallery   *fakeGallery
	notifier  *fakeNotifier
	waker     *fakeWaker
	rec       *Reconciler
}

func setup(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	cat, err := catalog.Load("")
	require.NoError(t, err)

	store := queue.New(client)
	l := ledger.New(client, ledger.Config{
		SystemDailyLimit: 100, IPDailyLimit: 5, UserDailyLimit: 10,
		FreeQueueMax: 50, FreeQueueKey: store.QueuedKey(model.ClassFree), ResetPeriod: 24 * time.Hour,
	})

	f := &fixture{
		mr:        mr,
		store:     store,
		ledger:    l,
		artifacts: &fakeArtifacts{},
		gallery:   &fakeGallery{},
		notifier:  &fakeNotifier{},
		waker:     &fakeWaker{},
	}
	f.rec = New(Deps{
		Store:     store,
		Ledger:    l,
		Catalog:   cat,
		Artifacts: f.artifacts,
		Gallery:   f.gallery,
		Notifier:  f.notifier,
		Waker:     f.waker,
	})
	return f
}

// processing - PROCESSING 상태 엔트리 하나 준비
func (f *fixture) processing(t *testing.T, id string, class model.QueueClass, owner string, cost int64, handle string) *model.QueueEntry {
	t.Helper()
	e := &model.QueueEntry{
		ID:    id,
		Class: class,
		Request: model.GenerationRequest{
			Model:  "anime",
			Prompt: "a cat",
			Settings: model.Settings{
				Size: "portrait", Sampler: "euler_a", Seed: 1234, Steps: 20, CFGScale: 7,
			},
		},
		Status:      model.StatusQueued,
		OwnerUserID: owner,
		Cost:        cost,
		CreatedAt:   time.Now(),
	}
	if owner == "" {
		e.OwnerIP = "10.0.0.1"
	}
	require.NoError(t, f.store.Insert(ctxBG, e))
	require.NoError(t, f.store.MarkProcessing(ctxBG, e, handle))
	return e
}

func pngBase64(t *testing.T) string {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 8, 8))))
	return base64.StdEncoding.EncodeToString(buf.Bytes())
}

func TestHandleResult_FreeFailureNoRefund(t *testing.T) {
	f := setup(t)
	f.processing(t, "e1", model.ClassFree, "", 0, "job-1")

	err := f.rec.HandleResult(ctxBG, &backend.Result{JobHandle: "job-1", Status: backend.ResultFailed})
	require.NoError(t, err)

	got, err := f.store.Get(ctxBG, "e1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, got.Status)
	assert.False(t, got.Refunded)
	assert.Equal(t, ReasonGenerationFailed, got.Error)

	require.Len(t, f.notifier.events, 1)
	assert.Equal(t, "generation:e1", f.notifier.events[0].room)
	assert.Equal(t, []model.QueueClass{model.ClassFree}, f.waker.woken)
}

func TestHandleResult_PriorityFailureRefundsOnce(t *testing.T) {
	f := setup(t)
	f.mr.HSet("gen:budget:user:u1", "premium_credits", "5")
	f.processing(t, "e1", model.ClassPriority, "u1", 15, "job-1")

	failed := &backend.Result{JobHandle: "job-1", Status: backend.ResultFailed, Error: "OOM"}
	require.NoError(t, f.rec.HandleResult(ctxBG, failed))
	assert.Equal(t, "20", f.mr.HGet("gen:budget:user:u1", "premium_credits"))

	got, err := f.store.Get(ctxBG, "e1")
	require.NoError(t, err)
	assert.True(t, got.Refunded)

	// 중복 콜백: 상태 변화 없음, 이중 환불 없음
	require.NoError(t, f.rec.HandleResult(ctxBG, failed))
	assert.Equal(t, "20", f.mr.HGet("gen:budget:user:u1", "premium_credits"))
	assert.Len(t, f.notifier.events, 1)

	// 조회로 prune된 뒤의 중복 콜백도 no-op
	_, err = f.rec.Status(ctxBG, model.ClassPriority, "e1")
	require.NoError(t, err)
	require.NoError(t, f.rec.HandleResult(ctxBG, failed))
	assert.Equal(t, "20", f.mr.HGet("gen:budget:user:u1", "premium_credits"))
}

func TestHandleResult_SuccessPersistsArtifact(t *testing.T) {
	f := setup(t)
	f.processing(t, "e1", model.ClassPriority, "u1", 10, "job-1")

	err := f.rec.HandleResult(ctxBG, &backend.Result{JobHandle: "job-1", Status: backend.ResultDone, Images: []string{pngBase64(t)}})
	require.NoError(t, err)

	got, err := f.store.Get(ctxBG, "e1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, got.Status)
	assert.Equal(t, "generations/user-u1/e1.webp", got.ArtifactPath)
	assert.Equal(t, 832, got.Width)
	assert.Equal(t, 1216, got.Height)

	require.Contains(t, f.artifacts.uploads, "generations/user-u1/e1.webp")
	require.Len(t, f.gallery.records, 1)
	rec := f.gallery.records[0]
	assert.Equal(t, "e1", rec.EntryID)
	assert.Equal(t, "u1", *rec.OwnerUserID)
	assert.Nil(t, rec.OwnerIP)
	assert.Equal(t, int64(1234), rec.Seed)
	assert.Equal(t, "anime", rec.Model)

	require.Len(t, f.notifier.events, 1)
	view := f.notifier.events[0].event.Data.(StatusView)
	assert.Equal(t, "COMPLETED", view.Status)
}

func TestHandleResult_PersistenceErrorFailsAndRefunds(t *testing.T) {
	f := setup(t)
	f.mr.HSet("gen:budget:user:u1", "premium_credits", "0")
	f.processing(t, "e1", model.ClassPriority, "u1", 10, "job-1")
	f.gallery.err = errors.New("postgrest down")

	err := f.rec.HandleResult(ctxBG, &backend.Result{JobHandle: "job-1", Status: backend.ResultDone, Images: []string{pngBase64(t)}})
	require.NoError(t, err)

	got, err := f.store.Get(ctxBG, "e1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, got.Status)
	assert.Equal(t, ReasonPersistenceFailed, got.Error)
	assert.True(t, got.Refunded)
	assert.Equal(t, "10", f.mr.HGet("gen:budget:user:u1", "premium_credits"))
}

func TestHandleResult_UndecodableImageFails(t *testing.T) {
	f := setup(t)
	f.processing(t, "e1", model.ClassFree, "u1", 0, "job-1")

	err := f.rec.HandleResult(ctxBG, &backend.Result{JobHandle: "job-1", Status: backend.ResultDone, Images: []string{base64.StdEncoding.EncodeToString([]byte("nope"))}})
	require.NoError(t, err)

	got, err := f.store.Get(ctxBG, "e1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, got.Status)
	assert.False(t, got.Refunded)
	assert.Empty(t, f.artifacts.uploads)
}

func TestHandleResult_NotificationFailureIsSwallowed(t *testing.T) {
	f := setup(t)
	f.notifier.err = errors.New("hub down")
	f.processing(t, "e1", model.ClassFree, "", 0, "job-1")

	require.NoError(t, f.rec.HandleResult(ctxBG, &backend.Result{JobHandle: "job-1", Status: backend.ResultFailed}))
	got, err := f.store.Get(ctxBG, "e1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, got.Status)
}

func TestHandleResult_UnknownHandleAndMissingHandle(t *testing.T) {
	f := setup(t)

	assert.NoError(t, f.rec.HandleResult(ctxBG, &backend.Result{JobHandle: "nope", Status: backend.ResultDone}))
	assert.ErrorIs(t, f.rec.HandleResult(ctxBG, &backend.Result{}), ErrMissingHandle)
}

func TestHandleResult_ConcurrentDuplicatesRefundOnce(t *testing.T) {
	f := setup(t)
	f.mr.HSet("gen:budget:user:u1", "premium_credits", "0")
	f.processing(t, "e1", model.ClassPriority, "u1", 10, "job-1")

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, f.rec.HandleResult(ctxBG, &backend.Result{JobHandle: "job-1", Status: backend.ResultFailed}))
		}()
	}
	wg.Wait()

	assert.Equal(t, "10", f.mr.HGet("gen:budget:user:u1", "premium_credits"))
}

func TestFail_FromQueued(t *testing.T) {
	f := setup(t)
	e := &model.QueueEntry{
		ID: "q1", Class: model.ClassPriority, Status: model.StatusQueued,
		OwnerUserID: "u1", Cost: 15, CreatedAt: time.Now(),
		Request: model.GenerationRequest{Model: "anime", Settings: model.Settings{Size: "square"}},
	}
	require.NoError(t, f.store.Insert(ctxBG, e))

	require.NoError(t, f.rec.Fail(ctxBG, e, ReasonSubmissionFailed))
	assert.Equal(t, "15", f.mr.HGet("gen:budget:user:u1", "premium_credits"))

	// 두 번째 실패 처리는 no-op
	require.NoError(t, f.rec.Fail(ctxBG, e, ReasonSubmissionFailed))
	assert.Equal(t, "15", f.mr.HGet("gen:budget:user:u1", "premium_credits"))
}

func TestFail_RefundFailureLeavesFlagUnset(t *testing.T) {
	f := setup(t)
	refunder := &failingRefunder{}
	f.rec.ledger = refunder
	e := f.processing(t, "e1", model.ClassPriority, "u1", 10, "job-1")

	require.NoError(t, f.rec.Fail(ctxBG, e, ReasonGenerationFailed))
	assert.Equal(t, 1, refunder.calls)
	assert.False(t, e.Refunded)

	got, err := f.store.Get(ctxBG, "e1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, got.Status)
	assert.False(t, got.Refunded)

	// 이미 FAILED면 다시 환불을 시도하지 않음
	require.NoError(t, f.rec.Fail(ctxBG, e, ReasonGenerationFailed))
	assert.Equal(t, 1, refunder.calls)
}

func TestHandleResult_DuplicateAfterCompletionIgnored(t *testing.T) {
	f := setup(t)
	f.processing(t, "e1", model.ClassFree, "", 0, "job-1")
	done := &backend.Result{JobHandle: "job-1", Status: backend.ResultDone, Images: []string{pngBase64(t)}}

	require.NoError(t, f.rec.HandleResult(ctxBG, done))
	require.NoError(t, f.rec.HandleResult(ctxBG, done))

	assert.Len(t, f.artifacts.uploads, 1)
	assert.Len(t, f.gallery.records, 1)
	assert.Len(t, f.notifier.events, 1)
}

func TestStatus_QueuedPositionAndPrune(t *testing.T) {
	f := setup(t)
	base := time.Now()
	for i, id := range []string{"a", "b"} {
		require.NoError(t, f.store.Insert(ctxBG, &model.QueueEntry{
			ID: id, Class: model.ClassFree, Status: model.StatusQueued, OwnerIP: "1.1.1.1",
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}))
	}

	view, err := f.rec.Status(ctxBG, model.ClassFree, "b")
	require.NoError(t, err)
	assert.Equal(t, "QUEUED", view.Status)
	assert.Equal(t, int64(2), view.Position)

	_, err = f.rec.Status(ctxBG, model.ClassFree, "missing")
	assert.ErrorIs(t, err, queue.ErrNotFound)
}

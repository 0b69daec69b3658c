package reconciler

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quel-gen-server/modules/common/model"
)

func newRouter(f *fixture, secret string) *mux.Router {
	r := mux.NewRouter()
	NewHandler(f.rec, secret).RegisterRoutes(r)
	return r
}

func TestHandleCallback_Secret(t *testing.T) {
	f := setup(t)
	f.processing(t, "e1", model.ClassFree, "", 0, "job-1")
	router := newRouter(f, "s3cret")
	body := `{"task_id":"job-1","status":"failed"}`

	req := httptest.NewRequest(http.MethodPost, "/api/generate/callback", strings.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/api/generate/callback", strings.NewReader(body))
	req.Header.Set("X-Callback-Secret", "s3cret")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	got, err := f.store.Get(ctxBG, "e1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, got.Status)
}

func TestHandleCallback_QuerySecretAndBadBody(t *testing.T) {
	f := setup(t)
	router := newRouter(f, "s3cret")

	req := httptest.NewRequest(http.MethodPost, "/api/generate/callback?secret=s3cret", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/api/generate/callback?secret=s3cret", strings.NewReader(`{"status":"done"}`))
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleStatus(t *testing.T) {
	f := setup(t)
	f.processing(t, "e1", model.ClassPriority, "u1", 10, "job-1")
	router := newRouter(f, "")

	req := httptest.NewRequest(http.MethodGet, "/api/generate/priority/e1", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var view StatusView
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&view))
	assert.Equal(t, "PROCESSING", view.Status)
	assert.Equal(t, "priority", view.Queue)

	req = httptest.NewRequest(http.MethodGet, "/api/generate/vip/e1", nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/generate/free/e1", nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

package reconciler

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"quel-gen-server/modules/backend"
	"quel-gen-server/modules/common/model"
	"quel-gen-server/modules/queue"
)

// 콜백 본문에는 base64 이미지가 들어있음
const maxCallbackBody = 64 << 20

// Handler - 콜백 / 상태 조회 API 핸들러
type Handler struct {
	reconciler *Reconciler
	secret     string
	logger     *zap.Logger
}

// NewHandler - 핸들러 생성. secret이 비어 있으면 콜백 검증 안 함
func NewHandler(r *Reconciler, callbackSecret string) *Handler {
	return &Handler{reconciler: r, secret: callbackSecret, logger: r.logger}
}

// RegisterRoutes - 라우트 등록
func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/api/generate/callback", h.HandleCallback).Methods("POST")
	r.HandleFunc("/api/generate/{queue}/{id}", h.HandleStatus).Methods("GET")
}

// HandleCallback - POST /api/generate/callback (백엔드 → 서버)
func (h *Handler) HandleCallback(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if !h.authorized(r) {
		h.logger.Warn("🚫 Callback with bad secret rejected", zap.String("remote", r.RemoteAddr))
		writeJSON(w, http.StatusUnauthorized, map[string]interface{}{"success": false, "error": "unauthorized"})
		return
	}

	var res backend.Result
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxCallbackBody)).Decode(&res); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"success": false, "error": "invalid callback body"})
		return
	}

	if err := h.reconciler.HandleResult(r.Context(), &res); err != nil {
		if errors.Is(err, ErrMissingHandle) {
			writeJSON(w, http.StatusBadRequest, map[string]interface{}{"success": false, "error": "task_id is required"})
			return
		}
		h.logger.Error("❌ Callback handling failed", zap.String("job_handle", res.JobHandle), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{"success": false, "error": "internal error"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

// HandleStatus - GET /api/generate/{queue}/{id}
func (h *Handler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	class, err := model.ParseClass(vars["queue"])
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"success": false, "error": "unknown queue"})
		return
	}

	view, err := h.reconciler.Status(r.Context(), class, vars["id"])
	if errors.Is(err, queue.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]interface{}{"success": false, "error": "entry not found"})
		return
	}
	if err != nil {
		h.logger.Error("❌ Status query failed", zap.String("entry_id", vars["id"]), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{"success": false, "error": "internal error"})
		return
	}

	writeJSON(w, http.StatusOK, view)
}

// authorized - X-Callback-Secret 헤더 또는 ?secret= 쿼리 (상수 시간 비교)
func (h *Handler) authorized(r *http.Request) bool {
	if h.secret == "" {
		return true
	}
	got := r.Header.Get("X-Callback-Secret")
	if got == "" {
		got = r.URL.Query().Get("secret")
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(h.secret)) == 1
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

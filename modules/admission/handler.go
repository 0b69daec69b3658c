package admission

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"quel-gen-server/modules/common/model"
	"quel-gen-server/modules/ledger"
)

const maxRequestBody = 1 << 20

// BudgetReader - 잔량 조회
type BudgetReader interface {
	Snapshot(ctx context.Context, actor model.Actor) (ledger.Budget, error)
}

// GenerateResponse - POST /api/generate 응답
type GenerateResponse struct {
	Success bool               `json:"success"`
	EntryID string             `json:"entry_id,omitempty"`
	Queue   model.QueueClass   `json:"queue,omitempty"`
	Token   string             `json:"token,omitempty"`
	Reason  model.DenialReason `json:"reason,omitempty"`
	Error   string             `json:"error,omitempty"`
}

// Handler - 생성 요청 / 잔량 조회 API
type Handler struct {
	controller *Controller
	sessions   *Sessions
	budgets    BudgetReader
	logger     *zap.Logger
}

// NewHandler - 핸들러 생성
func NewHandler(c *Controller, sessions *Sessions, budgets BudgetReader) *Handler {
	return &Handler{controller: c, sessions: sessions, budgets: budgets, logger: c.logger}
}

// RegisterRoutes - 라우트 등록
func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/api/generate", h.HandleGenerate).Methods("POST", "OPTIONS")
	r.HandleFunc("/api/budget", h.HandleBudget).Methods("GET", "OPTIONS")
}

// HandleGenerate - POST /api/generate
func (h *Handler) HandleGenerate(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}

	actor, err := h.sessions.Actor(r)
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, GenerateResponse{Error: "invalid session"})
		return
	}

	var req model.GenerationRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, GenerateResponse{Reason: model.DenialMalformed, Error: "invalid request body"})
		return
	}

	out, err := h.controller.Admit(r.Context(), actor, req)
	if err != nil {
		h.logger.Error("❌ Admission failed", zap.Stringer("actor", actor), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, GenerateResponse{Error: "internal error"})
		return
	}
	if !out.Admitted {
		writeJSON(w, denialStatus(out.Reason), GenerateResponse{Reason: out.Reason})
		return
	}

	writeJSON(w, http.StatusOK, GenerateResponse{
		Success: true,
		EntryID: out.EntryID,
		Queue:   out.Class,
		Token:   out.Token,
	})
}

// HandleBudget - GET /api/budget
func (h *Handler) HandleBudget(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}

	actor, err := h.sessions.Actor(r)
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]interface{}{"success": false, "error": "invalid session"})
		return
	}

	budget, err := h.budgets.Snapshot(r.Context(), actor)
	if err != nil {
		h.logger.Error("❌ Budget snapshot failed", zap.Stringer("actor", actor), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{"success": false, "error": "internal error"})
		return
	}
	writeJSON(w, http.StatusOK, budget)
}

// denialStatus - 거부 사유별 HTTP 상태
func denialStatus(reason model.DenialReason) int {
	switch reason {
	case model.DenialMalformed:
		return http.StatusBadRequest
	case model.DenialNotEnoughCredits:
		return http.StatusPaymentRequired
	default:
		return http.StatusTooManyRequests
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

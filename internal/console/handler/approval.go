package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/xela07ax/agentvault/internal/approval"
	"github.com/xela07ax/agentvault/internal/domain"
	"github.com/xela07ax/agentvault/internal/infra/auth"
	"github.com/xela07ax/agentvault/internal/store"
)

// ApprovalService Описываем, что нам нужно от сервиса
type ApprovalService interface {
	GetApproval(ctx context.Context, id string) (*domain.ApprovalRequest, error)
	GetApprovals(ctx context.Context, stage string) ([]*domain.ApprovalRequest, error)
	DecideApproval(ctx context.Context, id string, approved bool, reviewer, comment string) error
}

type ApprovalHandler struct {
	service ApprovalService
}

func NewApprovalHandler(s ApprovalService) *ApprovalHandler {
	return &ApprovalHandler{service: s}
}

func (h *ApprovalHandler) GetDetails(w http.ResponseWriter, r *http.Request) {
	req, err := h.service.GetApproval(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrMalformed) {
			http.Error(w, "approval not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (h *ApprovalHandler) List(w http.ResponseWriter, r *http.Request) {
	stage := r.URL.Query().Get("status") // ?status=pending|approved|rejected|executing|done
	if stage == "" {
		stage = "pending" // Дефолт для удобства оператора
	}

	list, err := h.service.GetApprovals(r.Context(), stage)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

type DecideRequest struct {
	Approved bool   `json:"approved"`
	Comment  string `json:"comment"`
}

func (h *ApprovalHandler) Decide(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req DecideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	claims, ok := auth.ClaimsFrom(r.Context())
	if !ok || claims.UserID == "" {
		http.Error(w, "reviewer is required", http.StatusUnauthorized)
		return
	}

	err := h.service.DecideApproval(r.Context(), id, req.Approved, claims.UserID, req.Comment)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, store.ErrNotFound):
		http.Error(w, "approval not found", http.StatusNotFound)
	case errors.Is(err, approval.ErrAlreadyDecided), errors.Is(err, approval.ErrExpired):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

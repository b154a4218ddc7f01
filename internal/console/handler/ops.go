package handler

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/xela07ax/agentvault/internal/console/service"
	"github.com/xela07ax/agentvault/internal/health"
	"github.com/xela07ax/agentvault/internal/infra/auth"
	"github.com/xela07ax/agentvault/internal/store"
)

type OpsHandler struct {
	service *service.OpsService
}

func NewOpsHandler(s *service.OpsService) *OpsHandler {
	return &OpsHandler{service: s}
}

func (h *OpsHandler) ListPaused(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.service.Paused())
}

func (h *OpsHandler) Resume(w http.ResponseWriter, r *http.Request) {
	component := chi.URLParam(r, "name")
	claims, _ := auth.ClaimsFrom(r.Context())
	operator := "console"
	if claims != nil {
		operator = claims.UserID
	}
	if err := h.service.Resume(r.Context(), component, operator); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *OpsHandler) listCollection(c store.Collection) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		list, err := h.service.Collection(r.Context(), c)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, list)
	}
}

func (h *OpsHandler) ListQuarantine() http.HandlerFunc { return h.listCollection(store.Quarantine) }
func (h *OpsHandler) ListReview() http.HandlerFunc     { return h.listCollection(store.Review) }
func (h *OpsHandler) ListFailed() http.HandlerFunc     { return h.listCollection(store.Failed) }

func (h *OpsHandler) GetDashboard(w http.ResponseWriter, r *http.Request) {
	view, err := h.service.Dashboard(r.Context(), health.DashboardID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "dashboard not written yet", http.StatusNotFound)
			return
		}
		http.Error(w, "Failed to fetch dashboard", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

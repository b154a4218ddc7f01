package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/xela07ax/agentvault/internal/console/service"
)

type AuditHandler struct {
	service *service.AuditService
}

func NewAuditHandler(s *service.AuditService) *AuditHandler {
	return &AuditHandler{service: s}
}

// GetLogs: GET /v1/audit?limit=100 или ?since=2026-03-01T00:00:00Z
func (h *AuditHandler) GetLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	if since := q.Get("since"); since != "" {
		cutoff, err := time.Parse(time.RFC3339, since)
		if err != nil {
			http.Error(w, "since must be RFC3339", http.StatusBadRequest)
			return
		}
		logs, err := h.service.Since(r.Context(), cutoff)
		if err != nil {
			http.Error(w, "Failed to fetch audit logs", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, logs)
		return
	}

	limit := 100
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 10000 {
			http.Error(w, "limit must be in 1..10000", http.StatusBadRequest)
			return
		}
		limit = n
	}
	logs, err := h.service.Recent(r.Context(), limit)
	if err != nil {
		http.Error(w, "Failed to fetch audit logs", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, logs)
}

// GetSummary: GET /v1/audit/summary — сводка за последние 7 дней.
func (h *AuditHandler) GetSummary(w http.ResponseWriter, r *http.Request) {
	sum, err := h.service.WeeklySummary(r.Context())
	if err != nil {
		http.Error(w, "Failed to build summary", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

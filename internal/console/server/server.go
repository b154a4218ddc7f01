package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/xela07ax/agentvault/internal/console/handler"
	"github.com/xela07ax/agentvault/internal/domain"
	"github.com/xela07ax/agentvault/internal/infra/auth"
)

type ConsoleServer struct {
	router *chi.Mux
	logger *zap.Logger

	// Проверка токенов (RS256), реализуется AuthService
	authValidator auth.TokenValidator

	authHandler     *handler.AuthHandler     // /auth/token
	approvalHandler *handler.ApprovalHandler // /v1/approvals
	auditHandler    *handler.AuditHandler    // /v1/audit
	opsHandler      *handler.OpsHandler      // /v1/components, /v1/quarantine ...
}

func NewConsoleServer(
	logger *zap.Logger,
	validator auth.TokenValidator,
	authH *handler.AuthHandler,
	approvalH *handler.ApprovalHandler,
	auditH *handler.AuditHandler,
	opsH *handler.OpsHandler,
) *ConsoleServer {
	s := &ConsoleServer{
		router:          chi.NewRouter(),
		logger:          logger.Named("console-api"),
		authValidator:   validator,
		authHandler:     authH,
		approvalHandler: approvalH,
		auditHandler:    auditH,
		opsHandler:      opsH,
	}
	s.routes()
	return s
}

func (s *ConsoleServer) routes() {
	r := s.router

	// --- 1. Глобальные Middleware ---
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	// --- 2. Публичные роуты ---
	r.Group(func(r chi.Router) {
		r.Post("/auth/token", s.authHandler.Login)
		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
	})

	// --- 3. Защищенный периметр (RS256 токен) ---
	r.Group(func(r chi.Router) {
		r.Use(auth.NewMiddleware(s.authValidator, s.logger))

		r.Get("/v1/dashboard", s.opsHandler.GetDashboard)

		// Human-in-the-loop
		r.Route("/v1/approvals", func(r chi.Router) {
			r.Get("/", s.approvalHandler.List)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.approvalHandler.GetDetails)
				r.With(auth.RequireScope(domain.ScopeApprove)).Post("/decide", s.approvalHandler.Decide)
			})
		})

		// Паузы компонентов после сбоев авторизации
		r.Route("/v1/components", func(r chi.Router) {
			r.Get("/paused", s.opsHandler.ListPaused)
			r.With(auth.RequireScope(domain.ScopeResume)).Post("/{name}/resume", s.opsHandler.Resume)
		})

		r.Get("/v1/quarantine", s.opsHandler.ListQuarantine())
		r.Get("/v1/review", s.opsHandler.ListReview())
		r.Get("/v1/failed", s.opsHandler.ListFailed())

		r.Get("/v1/audit", s.auditHandler.GetLogs)
		r.Get("/v1/audit/summary", s.auditHandler.GetSummary)
	})
}

// ServeHTTP позволяет использовать ConsoleServer как http.Handler
func (s *ConsoleServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

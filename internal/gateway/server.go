package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/MEKXH/ccapproval/internal/approval"
	"github.com/MEKXH/ccapproval/internal/bus"
	"github.com/MEKXH/ccapproval/internal/config"
	"github.com/MEKXH/ccapproval/internal/notify"
	"github.com/MEKXH/ccapproval/internal/version"
)

const (
	decisionVia      = "HTTP"
	defaultDecidedBy = "http"
	maxBodyBytes     = 64 << 10
)

// Approvals is the read side of the approval registry.
type Approvals interface {
	Pending() []approval.Request
	Get(id string) (approval.Request, bool)
}

// Deps are the collaborators served over HTTP. Metrics may be nil.
type Deps struct {
	Approvals Approvals
	Decide    approval.DecisionHandler
	Metrics   http.Handler
}

type Server struct {
	cfg        config.HTTPConfig
	deps       Deps
	httpServer *http.Server
}

func New(cfg config.HTTPConfig, deps Deps) *Server {
	host := strings.TrimSpace(cfg.Host)
	if host == "" {
		host = "127.0.0.1"
	}
	port := cfg.Port
	if port <= 0 {
		port = 3210
	}

	cfg.Host = host
	cfg.Port = port
	return &Server{
		cfg:  cfg,
		deps: deps,
	}
}

func (s *Server) Addr() string {
	return fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:              s.Addr(),
		Handler:           NewHandler(s.cfg.Token, s.deps),
		ReadHeaderTimeout: 5 * time.Second,
	}
	slog.Info("admin http listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// NewHandler builds the router. A blank token leaves the approval API open.
func NewHandler(token string, deps Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":     "ok",
			"request_id": getRequestID(r),
		})
	})
	r.Get("/version", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"version":    version.Version,
			"request_id": getRequestID(r),
		})
	})
	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics)
	}

	h := &approvalHandlers{deps: deps}
	r.Route("/api/approvals", func(r chi.Router) {
		r.Use(requireToken(token))
		r.Get("/", h.list)
		r.Get("/{id}", h.get)
		r.Post("/{id}/decision", h.decide)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, getRequestID(r), http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	})
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, getRequestID(r), http.StatusNotFound, "not_found", "not found")
	})
	return r
}

func requireToken(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if strings.TrimSpace(token) == "" || !isAuthorized(r, token) {
				writeError(w, getRequestID(r), http.StatusUnauthorized, "unauthorized", "missing or invalid bearer token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type approvalHandlers struct {
	deps Deps
}

func (h *approvalHandlers) list(w http.ResponseWriter, r *http.Request) {
	requestID := getRequestID(r)
	if h.deps.Approvals == nil {
		writeError(w, requestID, http.StatusInternalServerError, "internal_error", "approvals are not configured")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"approvals":  h.deps.Approvals.Pending(),
		"request_id": requestID,
	})
}

func (h *approvalHandlers) get(w http.ResponseWriter, r *http.Request) {
	requestID := getRequestID(r)
	if h.deps.Approvals == nil {
		writeError(w, requestID, http.StatusInternalServerError, "internal_error", "approvals are not configured")
		return
	}
	req, ok := h.deps.Approvals.Get(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, requestID, http.StatusNotFound, "not_found", "approval not found")
		return
	}
	writeJSON(w, http.StatusOK, req)
}

type decisionRequest struct {
	Status    string `json:"status"`
	DecidedBy string `json:"decidedBy"`
	Reason    string `json:"reason"`
}

func (h *approvalHandlers) decide(w http.ResponseWriter, r *http.Request) {
	requestID := getRequestID(r)
	if h.deps.Decide == nil {
		writeError(w, requestID, http.StatusInternalServerError, "internal_error", "decision handler is not configured")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var body decisionRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, requestID, http.StatusBadRequest, "bad_request", "invalid json request")
		return
	}
	outcome, err := parseStatus(body.Status)
	if err != nil {
		writeError(w, requestID, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	decidedBy := strings.TrimSpace(body.DecidedBy)
	if decidedBy == "" {
		decidedBy = defaultDecidedBy
	}

	id := chi.URLParam(r, "id")
	ctx := bus.WithRequestID(r.Context(), requestID)
	err = h.deps.Decide(ctx, approval.DecisionEvent{
		Outcome:    outcome,
		ApprovalID: id,
		UserID:     decidedBy,
		Via:        decisionVia,
		Reason:     body.Reason,
	})
	switch {
	case errors.Is(err, approval.ErrNotFound):
		writeError(w, requestID, http.StatusNotFound, "not_found", "approval not found")
		return
	case errors.Is(err, approval.ErrAlreadyDecided):
		writeError(w, requestID, http.StatusConflict, "conflict", "approval already decided")
		return
	case errors.Is(err, approval.ErrInvalidInput):
		writeError(w, requestID, http.StatusBadRequest, "bad_request", err.Error())
		return
	case err != nil:
		slog.Error("http decision failed", "request_id", requestID, "approval_id", id, "error", err)
		writeError(w, requestID, http.StatusInternalServerError, "internal_error", "failed to apply decision")
		return
	}

	resp := map[string]any{"id": id, "request_id": requestID}
	if h.deps.Approvals != nil {
		if req, ok := h.deps.Approvals.Get(id); ok {
			resp["approval"] = req
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func parseStatus(status string) (notify.Outcome, error) {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case string(approval.StatusApproved), string(notify.OutcomeApprove):
		return notify.OutcomeApprove, nil
	case string(approval.StatusRejected), string(notify.OutcomeReject):
		return notify.OutcomeReject, nil
	default:
		return "", fmt.Errorf("status must be approved or rejected")
	}
}

func isAuthorized(r *http.Request, expected string) bool {
	got := strings.TrimSpace(r.Header.Get("Authorization"))
	if got == "" {
		return false
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(got, prefix) {
		return false
	}
	token := strings.TrimSpace(strings.TrimPrefix(got, prefix))
	return token == expected
}

func getRequestID(r *http.Request) string {
	rid := strings.TrimSpace(r.Header.Get("X-Request-ID"))
	if rid != "" {
		return rid
	}
	return uuid.NewString()
}

func writeError(w http.ResponseWriter, requestID string, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"code":       code,
		"message":    message,
		"request_id": requestID,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"stagedoor/internal/auth"
	"stagedoor/internal/config"
	"stagedoor/internal/middleware"
	"stagedoor/internal/rate"
	"stagedoor/internal/service"
	"stagedoor/internal/store"
	"stagedoor/internal/util"
)

type Handlers struct {
	cfg     config.Config
	svc     *service.Service
	limiter *rate.Limiter
}

func NewRouter(cfg config.Config, svc *service.Service) http.Handler {
	h := &Handlers{cfg: cfg, svc: svc, limiter: rate.NewLimiter()}
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(middleware.RequestIDMiddleware)
	r.Use(middleware.RequestLogger)
	r.Use(middleware.SecurityHeaders)
	if len(cfg.CORSAllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   cfg.CORSAllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"Content-Type", "Authorization"},
			AllowCredentials: true,
		}))
	}

	r.Get("/health/live", func(w http.ResponseWriter, r *http.Request) {
		util.WriteJSON(w, 200, map[string]string{"status": "ok"})
	})
	r.Get("/health/ready", func(w http.ResponseWriter, r *http.Request) {
		ready := map[string]any{
			"checked_at": time.Now().UTC().Format(time.RFC3339),
			"components": map[string]any{},
		}
		comps := ready["components"].(map[string]any)
		if err := h.svc.Ready(r.Context()); err != nil {
			comps["sqlite"] = map[string]any{"ok": false, "error": err.Error()}
			ready["status"] = "degraded"
			util.WriteJSON(w, 503, ready)
			return
		}
		comps["sqlite"] = map[string]any{"ok": true}
		ready["status"] = "ready"
		util.WriteJSON(w, 200, ready)
	})
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Authn(h.cfg))

		r.Get("/shifts/active", h.ActiveShift)
		r.With(middleware.RateLimit(h.limiter, "scan", 60, time.Minute, h.cfg.TrustProxy)).Post("/checkins/scan", h.Scan)
		r.With(middleware.RateLimit(h.limiter, "join", 30, time.Minute, h.cfg.TrustProxy)).Post("/signups/join", h.Join)

		r.Group(func(r chi.Router) {
			r.Use(middleware.WranglerOnly)
			r.Post("/shifts", h.OpenShift)
			r.Post("/shifts/{id}/close", h.CloseShift)
			r.Post("/shifts/{id}/group-size", h.SetGroupSize)
			r.With(middleware.RateLimit(h.limiter, "qr", 120, time.Minute, h.cfg.TrustProxy)).Post("/shifts/{id}/qr", h.MintQR)
			r.Get("/shifts/{id}/metrics", h.ShiftMetrics)

			r.Get("/checkins", h.ListCheckins)
			r.Post("/checkins/{id}/approve", h.ApproveCheckin)
			r.Post("/checkins/{id}/reject", h.RejectCheckin)
			r.Post("/checkins/{id}/reopen", h.ReopenCheckin)

			r.Get("/signups", h.ListSignups)
			r.Post("/signups/{id}/promote", h.PromoteSignup)
			r.Post("/signups/{id}/complete", h.CompleteSignup)

			r.Get("/audit-log", h.AuditLog)
		})
	})

	return r
}

// writeServiceError maps service and store sentinels onto the HTTP error
// envelope. Anything unmapped is treated as a client-side validation
// failure when the service produced it deliberately, never as a 500.
func (h *Handlers) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	rid := middleware.RequestID(r.Context())
	switch {
	case errors.Is(err, store.ErrNotFound):
		util.WriteError(w, http.StatusNotFound, "not_found", "resource not found", rid)
	case errors.Is(err, service.ErrShiftClosed):
		util.WriteError(w, http.StatusConflict, "shift_closed", "shift is not active", rid)
	case errors.Is(err, service.ErrQRExpired):
		util.WriteError(w, http.StatusBadRequest, "qr_expired", "qr token expired", rid)
	case errors.Is(err, service.ErrBadSignature):
		util.WriteError(w, http.StatusBadRequest, "invalid_signature", "qr token signature invalid", rid)
	case errors.Is(err, service.ErrMalformedToken):
		util.WriteError(w, http.StatusBadRequest, "invalid_token", "qr token malformed", rid)
	case errors.Is(err, service.ErrTokenReplayed):
		util.WriteError(w, http.StatusConflict, "qr_used", "qr token already used", rid)
	case errors.Is(err, service.ErrInvalidJoinCode):
		util.WriteError(w, http.StatusForbidden, "invalid_join_code", "invalid join code", rid)
	case errors.Is(err, service.ErrNotApproved):
		util.WriteError(w, http.StatusForbidden, "not_approved", "performer has no approved check-in", rid)
	case errors.Is(err, service.ErrAlreadySignedUp):
		util.WriteError(w, http.StatusConflict, "already_signed_up", "performer is already signed up", rid)
	case errors.Is(err, service.ErrAlreadyDecided):
		util.WriteError(w, http.StatusConflict, "already_decided", "check-in was already decided", rid)
	case errors.Is(err, service.ErrStillPending):
		util.WriteError(w, http.StatusConflict, "still_pending", "check-in is still pending", rid)
	case errors.Is(err, service.ErrAlreadyGrouped):
		util.WriteError(w, http.StatusConflict, "already_grouped", "signup was already promoted", rid)
	case errors.Is(err, service.ErrAlreadyDone):
		util.WriteError(w, http.StatusConflict, "already_completed", "signup was already completed", rid)
	case errors.Is(err, service.ErrNotGrouped):
		util.WriteError(w, http.StatusConflict, "not_grouped", "signup has not been promoted", rid)
	default:
		util.WriteError(w, http.StatusBadRequest, "bad_request", err.Error(), rid)
	}
}

func (h *Handlers) OpenShift(w http.ResponseWriter, r *http.Request) {
	var req struct {
		VenueName string `json:"venue_name"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			util.WriteError(w, 400, "bad_request", "invalid json", middleware.RequestID(r.Context()))
			return
		}
	}
	sh, err := h.svc.OpenShift(r.Context(), req.VenueName, h.actorID(r))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	util.WriteJSON(w, 201, sh)
}

func (h *Handlers) ActiveShift(w http.ResponseWriter, r *http.Request) {
	sh, err := h.svc.ActiveShift(r.Context())
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	// performers only need enough to join; keep the join code wrangler-side
	if id, ok := middleware.CallerIdentity(r.Context()); !ok || id.Role != auth.RoleWrangler {
		sh.JoinCode = ""
	}
	util.WriteJSON(w, 200, sh)
}

func (h *Handlers) CloseShift(w http.ResponseWriter, r *http.Request) {
	sh, err := h.svc.CloseShift(r.Context(), chi.URLParam(r, "id"), h.actorID(r))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	util.WriteJSON(w, 200, sh)
}

func (h *Handlers) SetGroupSize(w http.ResponseWriter, r *http.Request) {
	var req struct {
		GroupSize int `json:"group_size"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		util.WriteError(w, 400, "bad_request", "invalid json", middleware.RequestID(r.Context()))
		return
	}
	sh, err := h.svc.SetGroupSize(r.Context(), chi.URLParam(r, "id"), req.GroupSize, h.actorID(r))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	util.WriteJSON(w, 200, sh)
}

func (h *Handlers) MintQR(w http.ResponseWriter, r *http.Request) {
	tok, exp, err := h.svc.MintQR(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	util.WriteJSON(w, 200, map[string]any{
		"token":      tok,
		"expires_at": exp.Format(time.RFC3339),
	})
}

func (h *Handlers) ShiftMetrics(w http.ResponseWriter, r *http.Request) {
	m, err := h.svc.Metrics(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	util.WriteJSON(w, 200, m)
}

func (h *Handlers) Scan(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token       string `json:"token"`
		PerformerID string `json:"performer_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		util.WriteError(w, 400, "bad_request", "invalid json", middleware.RequestID(r.Context()))
		return
	}
	if id, ok := middleware.CallerIdentity(r.Context()); ok && id.SubjectID != "" && id.Role == auth.RolePerformer {
		req.PerformerID = id.SubjectID
	}
	c, err := h.svc.RecordScan(r.Context(), req.Token, req.PerformerID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	util.WriteJSON(w, 200, c)
}

func (h *Handlers) ListCheckins(w http.ResponseWriter, r *http.Request) {
	shiftID := r.URL.Query().Get("shift_id")
	if shiftID == "" {
		util.WriteError(w, 400, "bad_request", "shift_id is required", middleware.RequestID(r.Context()))
		return
	}
	board, err := h.svc.ListCheckins(r.Context(), shiftID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	util.WriteJSON(w, 200, board)
}

func (h *Handlers) ApproveCheckin(w http.ResponseWriter, r *http.Request) {
	c, err := h.svc.ApproveCheckin(r.Context(), chi.URLParam(r, "id"), h.actorID(r))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	util.WriteJSON(w, 200, c)
}

func (h *Handlers) RejectCheckin(w http.ResponseWriter, r *http.Request) {
	c, err := h.svc.RejectCheckin(r.Context(), chi.URLParam(r, "id"), h.actorID(r))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	util.WriteJSON(w, 200, c)
}

func (h *Handlers) ReopenCheckin(w http.ResponseWriter, r *http.Request) {
	c, err := h.svc.ReopenCheckin(r.Context(), chi.URLParam(r, "id"), h.actorID(r))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	util.WriteJSON(w, 200, c)
}

func (h *Handlers) Join(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ShiftID     string `json:"shift_id"`
		PerformerID string `json:"performer_id"`
		JoinCode    string `json:"join_code"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		util.WriteError(w, 400, "bad_request", "invalid json", middleware.RequestID(r.Context()))
		return
	}
	if id, ok := middleware.CallerIdentity(r.Context()); ok && id.SubjectID != "" && id.Role == auth.RolePerformer {
		req.PerformerID = id.SubjectID
	}
	su, err := h.svc.JoinStage(r.Context(), req.ShiftID, req.PerformerID, req.JoinCode)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	util.WriteJSON(w, 201, su)
}

func (h *Handlers) ListSignups(w http.ResponseWriter, r *http.Request) {
	shiftID := r.URL.Query().Get("shift_id")
	if shiftID == "" {
		util.WriteError(w, 400, "bad_request", "shift_id is required", middleware.RequestID(r.Context()))
		return
	}
	board, err := h.svc.StageSnapshot(r.Context(), shiftID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	util.WriteJSON(w, 200, board)
}

func (h *Handlers) PromoteSignup(w http.ResponseWriter, r *http.Request) {
	su, err := h.svc.PromoteSignup(r.Context(), chi.URLParam(r, "id"), h.actorID(r))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	util.WriteJSON(w, 200, su)
}

func (h *Handlers) CompleteSignup(w http.ResponseWriter, r *http.Request) {
	su, err := h.svc.CompleteSignup(r.Context(), chi.URLParam(r, "id"), h.actorID(r))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	util.WriteJSON(w, 200, su)
}

func (h *Handlers) AuditLog(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	entries, err := h.svc.AuditTrail(r.Context(), limit, offset)
	if err != nil {
		util.WriteError(w, 500, "internal_error", err.Error(), middleware.RequestID(r.Context()))
		return
	}
	util.WriteJSON(w, 200, map[string]any{"entries": entries})
}

func (h *Handlers) actorID(r *http.Request) string {
	if id, ok := middleware.CallerIdentity(r.Context()); ok && id.SubjectID != "" {
		return id.SubjectID
	}
	return "operator"
}

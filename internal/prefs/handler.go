package prefs

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/boleia/backend/internal/middleware"
	"github.com/boleia/backend/internal/payments"
)

type SetDefaultMethodRequest struct {
	Method payments.Method `json:"method"`
}

type Handler struct {
	svc *Service
	log *slog.Logger
}

func NewHandler(svc *Service, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{svc: svc, log: log}
}

func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	p := middleware.PrincipalFromCtx(r.Context())
	if p == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	prefs, err := h.svc.Get(r.Context(), p.UserID)
	if err != nil {
		h.log.Error("load payment preferences failed", "user_id", p.UserID, "error", err)
		http.Error(w, `{"error":"failed to load preferences"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, prefs)
}

func (h *Handler) SetDefaultMethod(w http.ResponseWriter, r *http.Request) {
	p := middleware.PrincipalFromCtx(r.Context())
	if p == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	var req SetDefaultMethodRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON body"}`, http.StatusBadRequest)
		return
	}
	prefs, err := h.svc.SetDefaultMethod(r.Context(), p.UserID, req.Method)
	if errors.Is(err, ErrUnknownMethod) {
		http.Error(w, `{"error":"unknown payment method"}`, http.StatusBadRequest)
		return
	}
	if err != nil {
		h.log.Error("set default method failed", "user_id", p.UserID, "error", err)
		http.Error(w, `{"error":"failed to save preferences"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, prefs)
}

func (h *Handler) ForgetCard(w http.ResponseWriter, r *http.Request) {
	p := middleware.PrincipalFromCtx(r.Context())
	if p == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	prefs, err := h.svc.ForgetCard(r.Context(), p.UserID, r.PathValue("id"))
	if errors.Is(err, ErrCardNotFound) {
		http.Error(w, `{"error":"card not found"}`, http.StatusNotFound)
		return
	}
	if err != nil {
		h.log.Error("forget card failed", "user_id", p.UserID, "error", err)
		http.Error(w, `{"error":"failed to save preferences"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, prefs)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

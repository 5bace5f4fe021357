package trips

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/boleia/backend/internal/ledger"
	"github.com/boleia/backend/internal/middleware"
	"github.com/boleia/backend/internal/models"
)

type CreateTripRequest struct {
	Pickup        string          `json:"pickup"`
	Dropoff       string          `json:"dropoff"`
	Price         decimal.Decimal `json:"price"`
	PaymentMethod string          `json:"payment_method"`
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

func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	p := middleware.PrincipalFromCtx(r.Context())
	if p == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	if !p.HasRole(models.RolePassenger) {
		http.Error(w, `{"error":"only passengers can request trips"}`, http.StatusForbidden)
		return
	}
	var req CreateTripRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON body"}`, http.StatusBadRequest)
		return
	}
	trip, err := h.svc.Request(r.Context(), CreateParams{
		PassengerID:   p.UserID,
		Pickup:        req.Pickup,
		Dropoff:       req.Dropoff,
		Price:         req.Price,
		PaymentMethod: req.PaymentMethod,
	})
	switch {
	case errors.Is(err, ErrInsufficientFunds):
		http.Error(w, `{"error":"insufficient wallet balance"}`, http.StatusPaymentRequired)
		return
	case errors.Is(err, ledger.ErrWalletFrozen):
		http.Error(w, `{"error":"wallet is frozen"}`, http.StatusForbidden)
		return
	case errors.Is(err, ErrInvalidTrip):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	case err != nil:
		h.log.Error("create trip failed", "user_id", p.UserID, "error", err)
		http.Error(w, `{"error":"failed to create trip"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, trip)
}

func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	p := middleware.PrincipalFromCtx(r.Context())
	if p == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	role, err := middleware.ResolveRole(p, r.URL.Query().Get("role"))
	if err != nil {
		http.Error(w, `{"error":"role not allowed"}`, http.StatusForbidden)
		return
	}
	list, err := h.svc.List(r.Context(), p.UserID, role)
	if err != nil {
		h.log.Error("list trips failed", "user_id", p.UserID, "error", err)
		http.Error(w, `{"error":"failed to list trips"}`, http.StatusInternalServerError)
		return
	}
	if list == nil {
		list = []*models.Trip{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *Handler) ListOpen(w http.ResponseWriter, r *http.Request) {
	p := middleware.PrincipalFromCtx(r.Context())
	if p == nil || !p.HasRole(models.RoleDriver) {
		http.Error(w, `{"error":"only drivers can browse open trips"}`, http.StatusForbidden)
		return
	}
	list, err := h.svc.ListOpen(r.Context())
	if err != nil {
		h.log.Error("list open trips failed", "error", err)
		http.Error(w, `{"error":"failed to list trips"}`, http.StatusInternalServerError)
		return
	}
	if list == nil {
		list = []*models.Trip{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	p := middleware.PrincipalFromCtx(r.Context())
	if p == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, `{"error":"invalid trip id"}`, http.StatusBadRequest)
		return
	}
	trip, err := h.svc.Get(r.Context(), id)
	if errors.Is(err, ErrTripNotFound) {
		http.Error(w, `{"error":"trip not found"}`, http.StatusNotFound)
		return
	}
	if err != nil {
		h.log.Error("get trip failed", "trip_id", id, "error", err)
		http.Error(w, `{"error":"failed to load trip"}`, http.StatusInternalServerError)
		return
	}
	isDriver := trip.DriverID != nil && *trip.DriverID == p.UserID
	if trip.PassengerID != p.UserID && !isDriver {
		http.Error(w, `{"error":"trip not found"}`, http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, trip)
}

// Act handles POST /trips/{id}/{action}.
func (h *Handler) Act(w http.ResponseWriter, r *http.Request) {
	p := middleware.PrincipalFromCtx(r.Context())
	if p == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, `{"error":"invalid trip id"}`, http.StatusBadRequest)
		return
	}
	action := Action(r.PathValue("action"))
	role := models.RoleDriver
	if action == ActionCancel {
		role, err = middleware.ResolveRole(p, r.URL.Query().Get("role"))
		if err != nil {
			http.Error(w, `{"error":"role not allowed"}`, http.StatusForbidden)
			return
		}
	} else if !p.HasRole(models.RoleDriver) {
		http.Error(w, `{"error":"only drivers can perform this action"}`, http.StatusForbidden)
		return
	}

	trip, err := h.svc.Apply(r.Context(), id, p.UserID, role, action)
	switch {
	case errors.Is(err, ErrUnknownAction):
		http.Error(w, `{"error":"unknown action"}`, http.StatusNotFound)
	case errors.Is(err, ErrTripNotFound):
		http.Error(w, `{"error":"trip not found"}`, http.StatusNotFound)
	case errors.Is(err, ErrForbidden):
		http.Error(w, `{"error":"not a participant of this trip"}`, http.StatusForbidden)
	case errors.Is(err, ErrTransitionConflict):
		http.Error(w, `{"error":"trip is not in a state that allows this action"}`, http.StatusConflict)
	case errors.Is(err, ledger.ErrWalletFrozen):
		http.Error(w, `{"error":"wallet is frozen"}`, http.StatusForbidden)
	case err != nil:
		h.log.Error("trip action failed", "trip_id", id, "action", action, "error", err)
		http.Error(w, `{"error":"failed to update trip"}`, http.StatusInternalServerError)
	default:
		writeJSON(w, http.StatusOK, trip)
	}
}

func (h *Handler) Earnings(w http.ResponseWriter, r *http.Request) {
	p := middleware.PrincipalFromCtx(r.Context())
	if p == nil || !p.HasRole(models.RoleDriver) {
		http.Error(w, `{"error":"only drivers have earnings"}`, http.StatusForbidden)
		return
	}
	e, err := h.svc.Earnings(r.Context(), p.UserID, r.URL.Query().Get("period"))
	if errors.Is(err, ErrUnknownPeriod) {
		http.Error(w, `{"error":"period must be today, week or month"}`, http.StatusBadRequest)
		return
	}
	if err != nil {
		h.log.Error("earnings query failed", "user_id", p.UserID, "error", err)
		http.Error(w, `{"error":"failed to compute earnings"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

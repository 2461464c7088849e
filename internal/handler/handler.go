// Package handler содержит HTTP-обработчики API сервиса валет-паркинга.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mmeshcher/valet-system/internal/gateway"
	"github.com/mmeshcher/valet-system/internal/middleware"
	"github.com/mmeshcher/valet-system/internal/model"
	"github.com/mmeshcher/valet-system/internal/repository"
	"github.com/mmeshcher/valet-system/internal/service"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	RegisterVehicle(ctx context.Context, actor model.Staff, in service.RegisterVehicleInput) (*model.Vehicle, error)
	GetVehicle(ctx context.Context, id uuid.UUID) (*model.Vehicle, error)
	VehiclesForValet(ctx context.Context, actor model.Staff) ([]model.Vehicle, error)
	CheckoutVehicle(ctx context.Context, actor model.Staff, id uuid.UUID, in service.CheckoutInput) (*model.Vehicle, error)
	ReparkVehicle(ctx context.Context, actor model.Staff, id uuid.UUID) (*model.Vehicle, error)
	MarkViolation(ctx context.Context, actor model.Staff, id uuid.UUID, notes string) (*model.Vehicle, error)
	UpdateVehicle(ctx context.Context, actor model.Staff, id uuid.UUID, in service.UpdateVehicleInput) (*model.Vehicle, error)
	DeleteVehicle(ctx context.Context, actor model.Staff, id uuid.UUID) error
	InitializeDirectPayment(ctx context.Context, actor model.Staff, in service.DirectPaymentInput) (*service.PaymentIntent, error)
	InitializePackagePayment(ctx context.Context, actor model.Staff, in service.PackagePaymentInput) (*service.PaymentIntent, error)
	VerifyPayment(ctx context.Context, txRef string) (*service.ReconcileResult, error)
	ConfirmPayment(ctx context.Context, txRef, declaredStatus string) (*service.ReconcileResult, error)
}

// Handler реализует HTTP-обработчики API сервиса валет-паркинга.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware) *Handler {
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
	}
}

type errorResponse struct {
	Error          string `json:"error"`
	UpstreamStatus int    `json:"upstreamStatus,omitempty"`
}

// toCents переводит сумму из запроса в сотые доли с округлением до ближайшего
// целого: усечение произведения float64 теряет копейку на суммах вида 16.08.
func toCents(amount float64) int64 {
	return int64(math.Round(amount * 100))
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError переводит доменные ошибки в HTTP-статусы.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrValidation):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
	case errors.Is(err, service.ErrForbidden):
		writeJSON(w, http.StatusForbidden, errorResponse{Error: "forbidden"})
	case errors.Is(err, repository.ErrVehicleNotFound),
		errors.Is(err, repository.ErrPendingNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
	case errors.Is(err, repository.ErrDuplicatePlate),
		errors.Is(err, repository.ErrNotParked):
		writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error()})
	case errors.Is(err, service.ErrPackageExpired):
		writeJSON(w, http.StatusConflict, errorResponse{Error: "package expired"})
	case errors.Is(err, service.ErrGatewayDisabled):
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: err.Error()})
	default:
		var se *gateway.StatusError
		if errors.As(err, &se) {
			writeJSON(w, http.StatusBadGateway, errorResponse{
				Error:          "payment gateway error",
				UpstreamStatus: se.Code,
			})
			return
		}
		h.logger.Error("internal error", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
	}
}

type registerRequest struct {
	PlateCode       string  `json:"plateCode"`
	PlateRegion     string  `json:"plateRegion"`
	PlateNumber     string  `json:"plateNumber"`
	VehicleType     string  `json:"vehicleType"`
	Model           string  `json:"model"`
	Color           string  `json:"color"`
	OwnerPhone      string  `json:"ownerPhone"`
	Zone            string  `json:"zone"`
	Notes           string  `json:"notes"`
	ServiceType     string  `json:"serviceType"`
	PackageDuration string  `json:"packageDuration"`
	TotalPaidAmount float64 `json:"totalPaidAmount"`
	PaymentMethod   string  `json:"paymentMethod"`
}

type vatResponse struct {
	Base    float64 `json:"base"`
	Amount  float64 `json:"amount"`
	RatePct float64 `json:"ratePct"`
}

type vehicleResponse struct {
	ID               string       `json:"id"`
	Plate            string       `json:"plate"`
	VehicleType      string       `json:"vehicleType"`
	Model            string       `json:"model,omitempty"`
	Color            string       `json:"color,omitempty"`
	OwnerPhone       string       `json:"ownerPhone,omitempty"`
	Zone             string       `json:"zone,omitempty"`
	Notes            string       `json:"notes,omitempty"`
	Status           string       `json:"status"`
	ServiceType      string       `json:"serviceType"`
	SubscriptionID   string       `json:"subscriptionId,omitempty"`
	PackageDuration  string       `json:"packageDuration,omitempty"`
	PackageStartDate string       `json:"packageStartDate,omitempty"`
	PackageEndDate   string       `json:"packageEndDate,omitempty"`
	PaymentMethod    string       `json:"paymentMethod,omitempty"`
	PaymentRef       string       `json:"paymentRef,omitempty"`
	TotalPaidAmount  float64      `json:"totalPaidAmount,omitempty"`
	VAT              *vatResponse `json:"vat,omitempty"`
	ParkedAt         string       `json:"parkedAt"`
	CheckedOutAt     string       `json:"checkedOutAt,omitempty"`
}

func toVehicleResponse(v *model.Vehicle) vehicleResponse {
	resp := vehicleResponse{
		ID:              v.ID.String(),
		Plate:           v.Plate,
		VehicleType:     string(v.Type),
		Model:           v.Model,
		Color:           v.Color,
		OwnerPhone:      v.OwnerPhone,
		Zone:            v.Zone,
		Notes:           v.Notes,
		Status:          string(v.Status),
		ServiceType:     string(v.ServiceType),
		PackageDuration: string(v.PackageDuration),
		PaymentMethod:   string(v.PaymentMethod),
		PaymentRef:      v.PaymentRef,
		TotalPaidAmount: float64(v.AmountCents) / 100,
		ParkedAt:        v.ParkedAt.Format(time.RFC3339),
	}
	if v.SubscriptionID != nil {
		resp.SubscriptionID = v.SubscriptionID.String()
	}
	if v.PackageStartsAt != nil {
		resp.PackageStartDate = v.PackageStartsAt.Format(time.RFC3339)
	}
	if v.PackageEndsAt != nil {
		resp.PackageEndDate = v.PackageEndsAt.Format(time.RFC3339)
	}
	if v.CheckedOutAt != nil {
		resp.CheckedOutAt = v.CheckedOutAt.Format(time.RFC3339)
	}
	if v.AmountCents > 0 {
		resp.VAT = &vatResponse{
			Base:    float64(v.VATBaseCents) / 100,
			Amount:  float64(v.VATCents) / 100,
			RatePct: float64(v.VATRateBP) / 100,
		}
	}
	return resp
}

// RegisterVehicle регистрирует новый визит.
func (h *Handler) RegisterVehicle(w http.ResponseWriter, r *http.Request) {
	actor, ok := middleware.GetStaffFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "malformed request body"})
		return
	}

	v, err := h.service.RegisterVehicle(r.Context(), actor, service.RegisterVehicleInput{
		PlateCode:       req.PlateCode,
		PlateRegion:     req.PlateRegion,
		PlateNumber:     req.PlateNumber,
		VehicleType:     req.VehicleType,
		Model:           req.Model,
		Color:           req.Color,
		OwnerPhone:      req.OwnerPhone,
		Zone:            req.Zone,
		Notes:           req.Notes,
		ServiceType:     req.ServiceType,
		PackageDuration: req.PackageDuration,
		AmountCents:     toCents(req.TotalPaidAmount),
		PaymentMethod:   req.PaymentMethod,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, toVehicleResponse(v))
}

// GetVehicle возвращает визит по идентификатору.
func (h *Handler) GetVehicle(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "malformed vehicle id"})
		return
	}

	v, err := h.service.GetVehicle(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toVehicleResponse(v))
}

// ListVehicles возвращает визиты текущего сотрудника.
func (h *Handler) ListVehicles(w http.ResponseWriter, r *http.Request) {
	actor, ok := middleware.GetStaffFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	vehicles, err := h.service.VehiclesForValet(r.Context(), actor)
	if err != nil {
		h.writeError(w, err)
		return
	}

	if len(vehicles) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]vehicleResponse, 0, len(vehicles))
	for i := range vehicles {
		resp = append(resp, toVehicleResponse(&vehicles[i]))
	}
	writeJSON(w, http.StatusOK, resp)
}

type updateRequest struct {
	Status          string  `json:"status"`
	Model           *string `json:"model"`
	Color           *string `json:"color"`
	OwnerPhone      *string `json:"ownerPhone"`
	Zone            *string `json:"zone"`
	Notes           *string `json:"notes"`
	TotalPaidAmount float64 `json:"totalPaidAmount"`
	PaymentMethod   string  `json:"paymentMethod"`
}

// UpdateVehicle изменяет визит. Поле status управляет переходами: checked_out —
// завершение визита, parked на визите-абонементе — новое посещение, violation —
// пометка нарушения; без статуса изменяются описательные поля.
func (h *Handler) UpdateVehicle(w http.ResponseWriter, r *http.Request) {
	actor, ok := middleware.GetStaffFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "malformed vehicle id"})
		return
	}

	var req updateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "malformed request body"})
		return
	}

	var v *model.Vehicle
	switch model.VehicleStatus(req.Status) {
	case model.VehicleStatusCheckedOut:
		v, err = h.service.CheckoutVehicle(r.Context(), actor, id, service.CheckoutInput{
			AmountCents:   toCents(req.TotalPaidAmount),
			PaymentMethod: req.PaymentMethod,
		})
	case model.VehicleStatusParked:
		v, err = h.service.ReparkVehicle(r.Context(), actor, id)
	case model.VehicleStatusViolation:
		notes := ""
		if req.Notes != nil {
			notes = *req.Notes
		}
		v, err = h.service.MarkViolation(r.Context(), actor, id, notes)
	case "":
		v, err = h.service.UpdateVehicle(r.Context(), actor, id, service.UpdateVehicleInput{
			Model:      req.Model,
			Color:      req.Color,
			OwnerPhone: req.OwnerPhone,
			Zone:       req.Zone,
			Notes:      req.Notes,
		})
	default:
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "unknown status " + req.Status})
		return
	}
	if err != nil {
		h.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toVehicleResponse(v))
}

// DeleteVehicle удаляет незавершённый визит.
func (h *Handler) DeleteVehicle(w http.ResponseWriter, r *http.Request) {
	actor, ok := middleware.GetStaffFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "malformed vehicle id"})
		return
	}

	if err := h.service.DeleteVehicle(r.Context(), actor, id); err != nil {
		h.writeError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

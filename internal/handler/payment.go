package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mmeshcher/valet-system/internal/middleware"
	"github.com/mmeshcher/valet-system/internal/model"
	"github.com/mmeshcher/valet-system/internal/service"
)

type initializePaymentRequest struct {
	VehicleID       string  `json:"vehicleId"`
	Amount          float64 `json:"amount"`
	ServiceType     string  `json:"serviceType"`
	PackageDuration string  `json:"packageDuration"`
	Name            string  `json:"name"`
	Email           string  `json:"email"`
	Phone           string  `json:"phone"`

	// Данные автомобиля для схемы «сначала оплата».
	PlateCode   string `json:"plateCode"`
	PlateRegion string `json:"plateRegion"`
	PlateNumber string `json:"plateNumber"`
	VehicleType string `json:"vehicleType"`
	Model       string `json:"model"`
	Color       string `json:"color"`
	OwnerPhone  string `json:"ownerPhone"`
	Zone        string `json:"zone"`
}

type initializePaymentResponse struct {
	CheckoutURL string `json:"checkoutUrl"`
	TxRef       string `json:"txRef"`
}

// InitializePayment инициализирует онлайн-платёж: прямую оплату существующего
// визита либо покупку абонемента до создания записи автомобиля.
func (h *Handler) InitializePayment(w http.ResponseWriter, r *http.Request) {
	actor, ok := middleware.GetStaffFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req initializePaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "malformed request body"})
		return
	}

	var intent *service.PaymentIntent
	var err error

	if model.ServiceType(req.ServiceType) == model.ServiceTypePackage {
		intent, err = h.service.InitializePackagePayment(r.Context(), actor, service.PackagePaymentInput{
			AmountCents:     toCents(req.Amount),
			PackageDuration: req.PackageDuration,
			PlateCode:       req.PlateCode,
			PlateRegion:     req.PlateRegion,
			PlateNumber:     req.PlateNumber,
			VehicleType:     req.VehicleType,
			Model:           req.Model,
			Color:           req.Color,
			OwnerPhone:      req.OwnerPhone,
			Zone:            req.Zone,
			Name:            req.Name,
			Email:           req.Email,
		})
	} else {
		id, parseErr := uuid.Parse(req.VehicleID)
		if parseErr != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "malformed vehicle id"})
			return
		}
		intent, err = h.service.InitializeDirectPayment(r.Context(), actor, service.DirectPaymentInput{
			VehicleID:   id,
			AmountCents: toCents(req.Amount),
			Name:        req.Name,
			Email:       req.Email,
			Phone:       req.Phone,
		})
	}
	if err != nil {
		h.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, initializePaymentResponse{
		CheckoutURL: intent.CheckoutURL,
		TxRef:       intent.TxRef,
	})
}

type verifyResponse struct {
	Status  string           `json:"status"`
	TxRef   string           `json:"txRef"`
	Vehicle *vehicleResponse `json:"vehicle,omitempty"`
}

func toVerifyResponse(res *service.ReconcileResult) verifyResponse {
	resp := verifyResponse{TxRef: res.TxRef}

	switch res.Outcome {
	case service.OutcomePending:
		resp.Status = "pending"
	default:
		resp.Status = "successful"
	}

	if res.Vehicle != nil {
		v := toVehicleResponse(res.Vehicle)
		resp.Vehicle = &v
	}
	return resp
}

// VerifyPayment — точка входа опроса клиентом. Единственная из трёх точек
// сверки, которой разрешено возвращать ошибку вызывающему.
func (h *Handler) VerifyPayment(w http.ResponseWriter, r *http.Request) {
	txRef := chi.URLParam(r, "txRef")

	res, err := h.service.VerifyPayment(r.Context(), txRef)
	if err != nil {
		h.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toVerifyResponse(res))
}

type callbackPayload struct {
	TxRef     string `json:"tx_ref"`
	TrxRef    string `json:"trx_ref"`
	Reference string `json:"reference"`
	Status    string `json:"status"`
}

func (p callbackPayload) ref() string {
	if p.TxRef != "" {
		return p.TxRef
	}
	if p.TrxRef != "" {
		return p.TrxRef
	}
	return p.Reference
}

type callbackRequest struct {
	callbackPayload
	Data *callbackPayload `json:"data"`
}

// GatewayWebhook — точка входа webhook-уведомлений шлюза. Поля принимаются
// плоско либо вложенными в data. Ответ всегда 200, иначе шлюз будет
// бесконечно повторять доставку.
func (h *Handler) GatewayWebhook(w http.ResponseWriter, r *http.Request) {
	var req callbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Warn("malformed webhook body", zap.Error(err))
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	payload := req.callbackPayload
	if req.Data != nil && req.Data.ref() != "" {
		payload = *req.Data
	}

	if payload.ref() == "" {
		h.logger.Warn("webhook without transaction reference")
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	res, err := h.service.ConfirmPayment(r.Context(), payload.ref(), payload.Status)
	if err != nil {
		h.logger.Error("webhook reconciliation failed",
			zap.String("tx_ref", payload.ref()), zap.Error(err))
	} else {
		h.logger.Info("webhook processed",
			zap.String("tx_ref", res.TxRef), zap.String("outcome", string(res.Outcome)))
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// GatewayReturn — точка входа браузерного возврата со страницы оплаты.
// Референс и статус приходят параметрами запроса; ответ всегда 200.
func (h *Handler) GatewayReturn(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	txRef := q.Get("tx_ref")
	if txRef == "" {
		txRef = q.Get("trx_ref")
	}
	if txRef == "" {
		txRef = q.Get("reference")
	}

	if txRef == "" {
		h.logger.Warn("gateway return without transaction reference")
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	res, err := h.service.ConfirmPayment(r.Context(), txRef, q.Get("status"))
	if err != nil {
		h.logger.Error("gateway return reconciliation failed",
			zap.String("tx_ref", txRef), zap.Error(err))
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	writeJSON(w, http.StatusOK, toVerifyResponse(res))
}

package payment

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi"

	errors "github.com/frahmantamala/soko-payments/internal"
	"github.com/frahmantamala/soko-payments/internal/transport"
)

type Handler struct {
	*transport.BaseHandler
	PaymentService ServiceAPI
	Disbursements  DisbursementLister
	Logger         *slog.Logger
}

func NewHandler(paymentService ServiceAPI, disbursements DisbursementLister, logger *slog.Logger) *Handler {
	return &Handler{
		BaseHandler:    transport.NewBaseHandler(logger),
		PaymentService: paymentService,
		Disbursements:  disbursements,
		Logger:         logger,
	}
}

// InitiatePayment handles POST /api/v1/payments
func (h *Handler) InitiatePayment(w http.ResponseWriter, r *http.Request) {
	var req InitiatePaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.Logger.Error("InitiatePayment: failed to parse request body", "error", err)
		h.HandleError(w, errors.NewValidationError("invalid request body", errors.ErrCodeValidationFailed))
		return
	}

	if err := req.Validate(); err != nil {
		h.HandleServiceError(w, err)
		return
	}

	p, err := h.PaymentService.InitiateCollection(r.Context(), InitiateCollectionInput{
		OrderID: req.OrderID,
		Phone:   req.Phone,
	})
	if err != nil {
		h.Logger.Error("InitiatePayment: service error", "error", err, "order_id", req.OrderID)
		h.HandleServiceError(w, err)
		return
	}

	h.Logger.Info("InitiatePayment: collection started",
		"payment_id", p.ID,
		"order_id", p.OrderID,
		"status", p.Status)

	h.WriteJSON(w, http.StatusAccepted, NewPaymentView(p, nil))
}

// GetPayment handles GET /api/v1/payments/{id}
func (h *Handler) GetPayment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		h.HandleError(w, errors.NewValidationError("payment id is required", errors.ErrCodeValidationFailed))
		return
	}

	p, err := h.PaymentService.GetPayment(r.Context(), id)
	if err != nil {
		h.HandleServiceError(w, err)
		return
	}

	view := NewPaymentView(p, nil)
	if h.Disbursements != nil {
		ds, err := h.Disbursements.ListByPayment(r.Context(), p.ID)
		if err != nil {
			h.Logger.Error("GetPayment: failed to list disbursements", "error", err, "payment_id", p.ID)
			h.HandleServiceError(w, err)
			return
		}
		view = NewPaymentView(p, ds)
	}

	h.WriteJSON(w, http.StatusOK, view)
}

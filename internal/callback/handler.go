package callback

import (
	"context"
	"io"
	"log/slog"
	"net/http"

	"github.com/frahmantamala/soko-payments/internal/transport"
)

const maxCallbackBody = 1 << 20

// ProcessorAPI is implemented by Processor.
type ProcessorAPI interface {
	HandleCollectionCallback(ctx context.Context, raw []byte) error
	HandleDisbursementResult(ctx context.Context, raw []byte) error
	HandleDisbursementTimeout(ctx context.Context, raw []byte) error
}

// Acknowledgement is the only body the gateway ever gets back.
type Acknowledgement struct {
	ResultCode int    `json:"ResultCode"`
	ResultDesc string `json:"ResultDesc"`
}

var accepted = Acknowledgement{ResultCode: 0, ResultDesc: "Accepted"}

type Handler struct {
	*transport.BaseHandler
	Processor ProcessorAPI
	Logger    *slog.Logger
}

func NewHandler(processor ProcessorAPI, logger *slog.Logger) *Handler {
	return &Handler{
		BaseHandler: transport.NewBaseHandler(logger),
		Processor:   processor,
		Logger:      logger,
	}
}

// CollectionCallback handles POST /api/v1/payments/callback
func (h *Handler) CollectionCallback(w http.ResponseWriter, r *http.Request) {
	h.handle(w, r, KindCollection, h.Processor.HandleCollectionCallback)
}

// DisbursementResult handles POST /api/v1/payments/b2c/result
func (h *Handler) DisbursementResult(w http.ResponseWriter, r *http.Request) {
	h.handle(w, r, KindDisbursementResult, h.Processor.HandleDisbursementResult)
}

// DisbursementTimeout handles POST /api/v1/payments/b2c/timeout
func (h *Handler) DisbursementTimeout(w http.ResponseWriter, r *http.Request) {
	h.handle(w, r, KindDisbursementTimeout, h.Processor.HandleDisbursementTimeout)
}

func (h *Handler) handle(w http.ResponseWriter, r *http.Request, kind string, process func(context.Context, []byte) error) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxCallbackBody))
	if err != nil {
		h.Logger.Error("failed to read callback body", "kind", kind, "error", err)
		h.WriteJSON(w, http.StatusOK, accepted)
		return
	}

	if err := process(r.Context(), raw); err != nil {
		h.Logger.Error("callback processing failed",
			"kind", kind,
			"error", err,
			"body_size", len(raw))
	}
	h.WriteJSON(w, http.StatusOK, accepted)
}

package transport

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/frahmantamala/soko-payments/internal"
	"github.com/frahmantamala/soko-payments/pkg/logger"
)

// BaseHandler carries the JSON and error rendering every handler shares.
type BaseHandler struct {
	Logger *slog.Logger
}

func NewBaseHandler(lg *slog.Logger) *BaseHandler {
	if lg == nil {
		lg = logger.LoggerWrapper()
	}
	return &BaseHandler{Logger: lg}
}

func (h *BaseHandler) log() *slog.Logger {
	if h.Logger == nil {
		return logger.LoggerWrapper()
	}
	return h.Logger
}

func (h *BaseHandler) WriteJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log().Error("failed to encode JSON response", "error", err, "status", status)
	}
}

// HandleError renders an AppError as {"error": {...}} with its status code.
func (h *BaseHandler) HandleError(w http.ResponseWriter, appErr *internal.AppError) {
	status, body := appErr.ToHTTPResponse()
	if status == 0 {
		status = http.StatusInternalServerError
	}
	h.WriteJSON(w, status, body)
}

// HandleServiceError renders errors returned by services. Anything that is
// not an AppError is hidden behind a generic internal error.
func (h *BaseHandler) HandleServiceError(w http.ResponseWriter, err error) {
	appErr, ok := internal.IsAppError(err)
	switch {
	case !ok:
		h.log().Error("unhandled service error", "error", err)
		appErr = internal.NewInternalError("internal server error", err)
	case appErr.Type == internal.ErrorTypeInternal:
		h.log().Error("internal error", "error", err, "code", appErr.Code)
	}
	h.HandleError(w, appErr)
}

// ExtractTokenFromHeader returns the bearer token of the Authorization
// header, or "".
func (h *BaseHandler) ExtractTokenFromHeader(r *http.Request) string {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return ""
	}
	return strings.TrimSpace(token)
}

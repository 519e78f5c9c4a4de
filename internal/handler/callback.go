package handler

import (
	"io"
	"log/slog"
	"net/http"

	"github.com/yourorg/rentledger/internal/gateway/mpesa"
	"github.com/yourorg/rentledger/internal/service"
)

// maxCallbackBody bounds how much of a callback body is read. Real payloads
// are well under a kilobyte.
const maxCallbackBody = 64 * 1024

// CallbackHandler handles POST /api/payments/callback, the gateway's
// asynchronous confirmation webhook. Delivery is at-least-once and the
// gateway enforces its own timeout, so the handler must answer the fixed
// success acknowledgment promptly whatever the internal outcome.
type CallbackHandler struct {
	paymentService *service.PaymentService
	logger         *slog.Logger
}

// NewCallbackHandler creates a new callback handler
func NewCallbackHandler(paymentService *service.PaymentService, logger *slog.Logger) *CallbackHandler {
	return &CallbackHandler{paymentService: paymentService, logger: logger}
}

func (h *CallbackHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxCallbackBody))
	if err != nil {
		h.logger.Warn("failed to read callback body", slog.String("error", err.Error()))
		writeJSON(w, http.StatusOK, mpesa.AcceptedAck())
		return
	}

	ack := h.paymentService.HandleCallback(r.Context(), body, r.Header.Get(mpesa.SignatureHeader))
	writeJSON(w, http.StatusOK, ack)
}

package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/yourorg/rentledger/internal/domain"
	"github.com/yourorg/rentledger/internal/events"
	"github.com/yourorg/rentledger/internal/infrastructure/redis"
	"github.com/yourorg/rentledger/internal/security/auth"
	"github.com/yourorg/rentledger/internal/security/middleware"
	"github.com/yourorg/rentledger/internal/service"
)

// PaymentStreamHandler handles GET /ws/payments/{id}: a WebSocket stream of
// status events for one payment, so a paying client can watch the
// asynchronous finalization instead of polling.
type PaymentStreamHandler struct {
	paymentService *service.PaymentService
	redis          *redis.Client
	logger         *slog.Logger
	allowedOrigins []string
}

// NewPaymentStreamHandler creates a new payment stream handler
func NewPaymentStreamHandler(
	paymentService *service.PaymentService,
	redisClient *redis.Client,
	logger *slog.Logger,
	allowedOrigins []string,
) *PaymentStreamHandler {
	return &PaymentStreamHandler{
		paymentService: paymentService,
		redis:          redisClient,
		logger:         logger,
		allowedOrigins: allowedOrigins,
	}
}

func (h *PaymentStreamHandler) getUpgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				// Allow requests with no origin (e.g., non-browser clients)
				return true
			}
			for _, allowed := range h.allowedOrigins {
				if origin == allowed {
					return true
				}
			}
			h.logger.Warn("websocket origin rejected", slog.String("origin", origin))
			return false
		},
	}
}

func (h *PaymentStreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	paymentID := r.PathValue("id")
	if paymentID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "missing payment id"})
		return
	}

	claims := middleware.GetClaimsFromContext(r.Context())
	if claims == nil {
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "authentication required"})
		return
	}

	payment, err := h.paymentService.GetPayment(r.Context(), paymentID)
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}
	if claims.Role == auth.RoleTenant && claims.UserID != payment.TenantID {
		writeJSON(w, http.StatusForbidden, errorResponse{Error: "forbidden"})
		return
	}

	upgrader := h.getUpgrader()
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer ws.Close()

	ctx := r.Context()

	// Subscribe before reporting the current state so a transition landing
	// in between is not missed.
	sub := h.redis.Subscribe(ctx, events.PaymentChannel(paymentID))
	defer sub.Close()

	if err := ws.WriteJSON(paymentResponse(payment)); err != nil {
		return
	}
	if payment.Status != domain.PaymentPending {
		// Already terminal, nothing further will arrive.
		return
	}

	msgs := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := ws.WriteMessage(websocket.TextMessage, []byte(msg.Payload)); err != nil {
				h.logger.Debug("payment stream ended",
					slog.String("payment_id", paymentID),
					slog.String("reason", err.Error()),
				)
				return
			}
		}
	}
}

package handler

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/yourorg/rentledger/internal/domain"
	"github.com/yourorg/rentledger/internal/security/auth"
	"github.com/yourorg/rentledger/internal/security/middleware"
	"github.com/yourorg/rentledger/internal/service"
)

// InitiatePaymentRequest represents the request to initiate a rent payment
type InitiatePaymentRequest struct {
	UnitID      string `json:"unitId"`
	Amount      int64  `json:"amount"`
	PhoneNumber string `json:"phoneNumber,omitempty"`
	Description string `json:"description,omitempty"`
}

// PaymentResponse represents a payment in API responses
type PaymentResponse struct {
	ID                string    `json:"id"`
	TenantID          string    `json:"tenantId"`
	UnitID            string    `json:"unitId"`
	LeaseID           string    `json:"leaseId"`
	Amount            int64     `json:"amount"`
	Status            string    `json:"status"`
	CheckoutRequestID string    `json:"checkoutRequestId,omitempty"`
	ReceiptNumber     string    `json:"receiptNumber,omitempty"`
	Notes             string    `json:"notes,omitempty"`
	CreatedAt         time.Time `json:"createdAt"`
}

func paymentResponse(payment *domain.Payment) PaymentResponse {
	return PaymentResponse{
		ID:                payment.ID,
		TenantID:          payment.TenantID,
		UnitID:            payment.UnitID,
		LeaseID:           payment.LeaseID,
		Amount:            payment.Amount,
		Status:            string(payment.Status),
		CheckoutRequestID: payment.CheckoutRequestID,
		ReceiptNumber:     payment.ReceiptNumber,
		Notes:             payment.Notes,
		CreatedAt:         payment.CreatedAt,
	}
}

// InitiatePaymentHandler handles POST /api/payments
type InitiatePaymentHandler struct {
	paymentService *service.PaymentService
	logger         *slog.Logger
}

// NewInitiatePaymentHandler creates a new payment initiation handler
func NewInitiatePaymentHandler(paymentService *service.PaymentService, logger *slog.Logger) *InitiatePaymentHandler {
	return &InitiatePaymentHandler{paymentService: paymentService, logger: logger}
}

func (h *InitiatePaymentHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	claims := middleware.GetClaimsFromContext(r.Context())
	if claims == nil || claims.Role != auth.RoleTenant {
		writeJSON(w, http.StatusForbidden, errorResponse{Error: "tenant role required"})
		return
	}

	var req InitiatePaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}

	phone := req.PhoneNumber
	if phone == "" {
		phone = claims.Phone
	}

	payment, err := h.paymentService.Initiate(r.Context(), service.InitiateInput{
		TenantID:    claims.UserID,
		UnitID:      req.UnitID,
		Amount:      req.Amount,
		PhoneNumber: phone,
		Description: req.Description,
	})
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}

	// The flow is asynchronous: the gateway has only acknowledged
	// initiation, settlement arrives later via callback.
	writeJSON(w, http.StatusAccepted, paymentResponse(payment))
}

// PaymentStatusHandler handles GET /api/payments/{id}
type PaymentStatusHandler struct {
	paymentService *service.PaymentService
	logger         *slog.Logger
}

// NewPaymentStatusHandler creates a new payment status handler
func NewPaymentStatusHandler(paymentService *service.PaymentService, logger *slog.Logger) *PaymentStatusHandler {
	return &PaymentStatusHandler{paymentService: paymentService, logger: logger}
}

func (h *PaymentStatusHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	claims := middleware.GetClaimsFromContext(r.Context())
	if claims == nil {
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "authentication required"})
		return
	}

	payment, err := h.paymentService.GetPayment(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}

	if claims.Role == auth.RoleTenant && claims.UserID != payment.TenantID {
		writeDomainError(w, h.logger, fmt.Errorf("payment %s: %w", payment.ID, domain.ErrForbidden))
		return
	}

	writeJSON(w, http.StatusOK, paymentResponse(payment))
}

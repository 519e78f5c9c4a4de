package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/yourorg/rentledger/internal/domain"
	"github.com/yourorg/rentledger/internal/gateway/mpesa"
	"github.com/yourorg/rentledger/internal/observability/metrics"
)

// PaymentService is the payment reconciler: it creates pending payment
// intents tied to an active lease and merges asynchronous gateway
// confirmations into them. Callback handling is a function of (current
// payment state, callback payload); the pending-only finalization guard makes
// at-least-once delivery structurally idempotent.
type PaymentService struct {
	paymentRepository domain.PaymentRepository
	leaseRepository   domain.LeaseRepository
	gateway           domain.PaymentGateway
	publisher         domain.PaymentEventPublisher
	webhookSecret     string
	logger            *slog.Logger
}

// NewPaymentService creates a new payment service
func NewPaymentService(
	paymentRepo domain.PaymentRepository,
	leaseRepo domain.LeaseRepository,
	gateway domain.PaymentGateway,
	publisher domain.PaymentEventPublisher,
	webhookSecret string,
	logger *slog.Logger,
) *PaymentService {
	if logger == nil {
		logger = slog.Default()
	}
	return &PaymentService{
		paymentRepository: paymentRepo,
		leaseRepository:   leaseRepo,
		gateway:           gateway,
		publisher:         publisher,
		webhookSecret:     webhookSecret,
		logger:            logger,
	}
}

// InitiateInput captures a payment initiation request
type InitiateInput struct {
	TenantID    string
	UnitID      string
	Amount      int64
	PhoneNumber string
	Description string
}

func (in *InitiateInput) validate() error {
	if in.TenantID == "" || in.UnitID == "" {
		return fmt.Errorf("tenantId and unitId are required: %w", domain.ErrValidation)
	}
	if in.Amount <= 0 {
		return fmt.Errorf("amount must be positive: %w", domain.ErrValidation)
	}
	if in.PhoneNumber == "" {
		return fmt.Errorf("phoneNumber is required: %w", domain.ErrValidation)
	}
	return nil
}

// Initiate creates a pending payment bound to the tenant's active lease and
// triggers the gateway push. The payment row is persisted before the gateway
// call, and a gateway failure resolves it to failed with an explanatory note
// rather than leaving it pending forever.
func (s *PaymentService) Initiate(ctx context.Context, in InitiateInput) (*domain.Payment, error) {
	if err := in.validate(); err != nil {
		metrics.ObservePaymentInitiated("validation")
		return nil, err
	}

	lease, err := s.leaseRepository.FindActive(ctx, in.TenantID, in.UnitID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			metrics.ObservePaymentInitiated("no_active_lease")
			return nil, fmt.Errorf("tenant %s has no active lease on unit %s: %w",
				in.TenantID, in.UnitID, domain.ErrNoActiveLease)
		}
		metrics.ObservePaymentInitiated("error")
		return nil, err
	}

	payment := &domain.Payment{
		ID:          uuid.NewString(),
		TenantID:    in.TenantID,
		UnitID:      in.UnitID,
		LeaseID:     lease.ID,
		Amount:      in.Amount,
		PhoneNumber: in.PhoneNumber,
		Status:      domain.PaymentPending,
		Notes:       in.Description,
	}

	if err := s.paymentRepository.Create(ctx, payment); err != nil {
		metrics.ObservePaymentInitiated("error")
		return nil, err
	}

	resp, err := s.gateway.InitiatePush(ctx, domain.PushRequest{
		Amount:           in.Amount,
		PhoneNumber:      in.PhoneNumber,
		AccountReference: in.UnitID,
		Description:      in.Description,
	})
	if err != nil {
		note := fmt.Sprintf("gateway initiation failed: %v", err)
		if markErr := s.paymentRepository.MarkFailed(ctx, payment.ID, note); markErr != nil {
			s.logger.Error("failed to resolve payment after gateway failure",
				slog.String("payment_id", payment.ID),
				slog.String("error", markErr.Error()),
			)
		}
		payment.Status = domain.PaymentFailed
		s.publishEvent(ctx, payment)

		metrics.ObservePaymentInitiated("upstream_error")
		metrics.ObservePaymentFinalized(string(domain.PaymentFailed))
		return nil, err
	}

	if err := s.paymentRepository.SetCorrelation(ctx, payment.ID, resp.MerchantRequestID, resp.CheckoutRequestID); err != nil {
		metrics.ObservePaymentInitiated("error")
		return nil, err
	}
	payment.MerchantRequestID = resp.MerchantRequestID
	payment.CheckoutRequestID = resp.CheckoutRequestID

	metrics.ObservePaymentInitiated("success")
	s.logger.Info("payment initiated",
		slog.String("payment_id", payment.ID),
		slog.String("lease_id", lease.ID),
		slog.String("checkout_request_id", resp.CheckoutRequestID),
		slog.Int64("amount", in.Amount),
	)
	return payment, nil
}

// HandleCallback merges a gateway confirmation into local payment state. The
// returned ack is always the gateway's expected success body: the gateway
// cannot distinguish rejection from processing and retries on anything else.
func (s *PaymentService) HandleCallback(ctx context.Context, rawBody []byte, signature string) mpesa.Ack {
	if !mpesa.VerifySignature(s.webhookSecret, rawBody, signature) {
		s.logger.Warn("callback signature mismatch, dropping payload")
		metrics.ObserveCallback("bad_signature")
		return mpesa.AcceptedAck()
	}

	result, err := mpesa.ParseCallback(rawBody)
	if err != nil {
		s.logger.Warn("malformed callback", slog.String("error", err.Error()))
		metrics.ObserveCallback("malformed")
		return mpesa.AcceptedAck()
	}

	status := domain.PaymentFailed
	receipt := ""
	note := fmt.Sprintf("gateway result %d: %s", result.ResultCode, result.ResultDesc)
	if result.Success() {
		status = domain.PaymentSuccessful
		receipt = result.ReceiptNumber
	}

	// Correlation is strictly by the gateway-issued checkout request id,
	// scoped to status = pending. A replayed callback for an already
	// finalized payment matches nothing and is a no-op.
	payment, err := s.paymentRepository.FinalizeByCheckoutID(ctx, result.CheckoutRequestID, status, receipt, note)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			s.logger.Info("callback matched no pending payment",
				slog.String("checkout_request_id", result.CheckoutRequestID),
				slog.Int("result_code", result.ResultCode),
			)
			metrics.ObserveCallback("unmatched")
			return mpesa.AcceptedAck()
		}
		s.logger.Error("failed to apply callback",
			slog.String("checkout_request_id", result.CheckoutRequestID),
			slog.String("error", err.Error()),
		)
		metrics.ObserveCallback("error")
		return mpesa.AcceptedAck()
	}

	metrics.ObserveCallback("matched")
	metrics.ObservePaymentFinalized(string(status))
	s.publishEvent(ctx, payment)

	s.logger.Info("payment finalized",
		slog.String("payment_id", payment.ID),
		slog.String("status", string(status)),
		slog.String("receipt_number", receipt),
	)
	return mpesa.AcceptedAck()
}

// GetPayment retrieves a payment by id
func (s *PaymentService) GetPayment(ctx context.Context, paymentID string) (*domain.Payment, error) {
	return s.paymentRepository.GetByID(ctx, paymentID)
}

// publishEvent broadcasts a status transition, best effort. Reconciliation
// state lives in the store; a dropped event only delays a watching client.
func (s *PaymentService) publishEvent(ctx context.Context, payment *domain.Payment) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.PublishPaymentEvent(ctx, payment); err != nil {
		s.logger.Warn("failed to publish payment event",
			slog.String("payment_id", payment.ID),
			slog.String("error", err.Error()),
		)
	}
}

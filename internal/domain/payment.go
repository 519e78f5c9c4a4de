package domain

import (
	"context"
	"time"
)

// PaymentStatus describes a payment attempt. A payment moves from pending to
// exactly one terminal state and is never mutated afterwards.
type PaymentStatus string

const (
	PaymentPending    PaymentStatus = "pending"
	PaymentSuccessful PaymentStatus = "successful"
	PaymentFailed     PaymentStatus = "failed"
)

// Payment is a single rent payment attempt. CheckoutRequestID is the
// gateway-issued correlation identifier assigned once initiation is
// acknowledged; ReceiptNumber exists only after a successful settlement.
type Payment struct {
	ID                string
	TenantID          string
	UnitID            string
	LeaseID           string
	Amount            int64
	PhoneNumber       string
	Status            PaymentStatus
	MerchantRequestID string
	CheckoutRequestID string
	ReceiptNumber     string
	Notes             string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// PaymentRepository defines data access for payments. Every finalization path
// is guarded on status = pending so terminal rows stay immutable.
type PaymentRepository interface {
	Create(ctx context.Context, payment *Payment) error
	GetByID(ctx context.Context, id string) (*Payment, error)
	// SetCorrelation records the gateway correlation identifiers on a
	// pending payment after the gateway acknowledged initiation.
	SetCorrelation(ctx context.Context, id, merchantRequestID, checkoutRequestID string) error
	// MarkFailed resolves a pending payment to failed with an explanatory
	// note. A payment already in a terminal state is left untouched.
	MarkFailed(ctx context.Context, id, note string) error
	// FinalizeByCheckoutID finalizes the unique pending payment carrying the
	// given checkout request id. Returns ErrNotFound when no pending payment
	// matches, which makes duplicate callback delivery a safe no-op.
	FinalizeByCheckoutID(ctx context.Context, checkoutRequestID string, status PaymentStatus, receiptNumber, note string) (*Payment, error)
}

// PushRequest is a payment-initiation request to the mobile-money gateway.
type PushRequest struct {
	Amount           int64
	PhoneNumber      string
	AccountReference string
	Description      string
}

// PushResponse carries the two gateway correlation identifiers. These, not the
// eventual receipt number, are the only reliable key for matching the
// asynchronous callback back to this request.
type PushResponse struct {
	MerchantRequestID string
	CheckoutRequestID string
}

// PaymentGateway initiates push payments with the external gateway.
type PaymentGateway interface {
	InitiatePush(ctx context.Context, req PushRequest) (*PushResponse, error)
}

// PaymentEventPublisher broadcasts payment status transitions so clients can
// observe the asynchronous finalization.
type PaymentEventPublisher interface {
	PublishPaymentEvent(ctx context.Context, payment *Payment) error
}

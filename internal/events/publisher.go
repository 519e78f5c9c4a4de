package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/yourorg/rentledger/internal/domain"
	"github.com/yourorg/rentledger/internal/infrastructure/redis"
)

// PaymentEvent is the wire form of a payment status transition
type PaymentEvent struct {
	PaymentID     string    `json:"paymentId"`
	LeaseID       string    `json:"leaseId"`
	Status        string    `json:"status"`
	Amount        int64     `json:"amount"`
	ReceiptNumber string    `json:"receiptNumber,omitempty"`
	Notes         string    `json:"notes,omitempty"`
	OccurredAt    time.Time `json:"occurredAt"`
}

// PaymentChannel names the pubsub channel carrying one payment's transitions
func PaymentChannel(paymentID string) string {
	return "payments:" + paymentID
}

// Publisher broadcasts payment status transitions over Redis pubsub so
// connected clients can observe asynchronous finalization without polling.
type Publisher struct {
	redis  *redis.Client
	logger *slog.Logger
}

// NewPublisher creates a new event publisher
func NewPublisher(redisClient *redis.Client, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{redis: redisClient, logger: logger}
}

// PublishPaymentEvent implements domain.PaymentEventPublisher
func (p *Publisher) PublishPaymentEvent(ctx context.Context, payment *domain.Payment) error {
	event := PaymentEvent{
		PaymentID:     payment.ID,
		LeaseID:       payment.LeaseID,
		Status:        string(payment.Status),
		Amount:        payment.Amount,
		ReceiptNumber: payment.ReceiptNumber,
		Notes:         payment.Notes,
		OccurredAt:    time.Now().UTC(),
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal payment event: %w", err)
	}

	if err := p.redis.Publish(ctx, PaymentChannel(payment.ID), data); err != nil {
		return fmt.Errorf("failed to publish payment event: %w", err)
	}

	p.logger.Debug("payment event published",
		slog.String("payment_id", payment.ID),
		slog.String("status", string(payment.Status)),
	)
	return nil
}

package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/yourorg/rentledger/internal/domain"
)

// PostgresPaymentRepository implements domain.PaymentRepository using PostgreSQL
type PostgresPaymentRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewPostgresPaymentRepository creates a new payment repository
func NewPostgresPaymentRepository(db *sql.DB, logger *slog.Logger) *PostgresPaymentRepository {
	if logger == nil {
		logger = slog.Default()
	}

	return &PostgresPaymentRepository{
		db:     db,
		logger: logger,
	}
}

const paymentColumns = `
	id, tenant_id, unit_id, lease_id, amount, phone_number, status,
	merchant_request_id, checkout_request_id, receipt_number, notes,
	created_at, updated_at
`

// Create inserts a pending payment intent
func (r *PostgresPaymentRepository) Create(ctx context.Context, payment *domain.Payment) error {
	query := `
		INSERT INTO payments (
			id, tenant_id, unit_id, lease_id, amount, phone_number, status, notes
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at, updated_at
	`

	err := r.db.QueryRowContext(
		ctx,
		query,
		payment.ID,
		payment.TenantID,
		payment.UnitID,
		payment.LeaseID,
		payment.Amount,
		payment.PhoneNumber,
		domain.PaymentPending,
		payment.Notes,
	).Scan(&payment.CreatedAt, &payment.UpdatedAt)

	if err != nil {
		r.logger.Error("failed to create payment",
			slog.String("lease_id", payment.LeaseID),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("failed to create payment: %w", err)
	}

	payment.Status = domain.PaymentPending
	return nil
}

// GetByID retrieves a payment by ID
func (r *PostgresPaymentRepository) GetByID(ctx context.Context, id string) (*domain.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE id = $1`

	payment := &domain.Payment{}
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&payment.ID,
		&payment.TenantID,
		&payment.UnitID,
		&payment.LeaseID,
		&payment.Amount,
		&payment.PhoneNumber,
		&payment.Status,
		&payment.MerchantRequestID,
		&payment.CheckoutRequestID,
		&payment.ReceiptNumber,
		&payment.Notes,
		&payment.CreatedAt,
		&payment.UpdatedAt,
	)

	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("payment %s: %w", id, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get payment: %w", err)
	}

	return payment, nil
}

// SetCorrelation records the gateway correlation identifiers on a pending payment
func (r *PostgresPaymentRepository) SetCorrelation(ctx context.Context, id, merchantRequestID, checkoutRequestID string) error {
	query := `
		UPDATE payments
		SET merchant_request_id = $1, checkout_request_id = $2, updated_at = now()
		WHERE id = $3 AND status = $4
	`

	result, err := r.db.ExecContext(ctx, query, merchantRequestID, checkoutRequestID, id, domain.PaymentPending)
	if err != nil {
		return fmt.Errorf("failed to set payment correlation: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("pending payment %s: %w", id, domain.ErrNotFound)
	}

	return nil
}

// MarkFailed resolves a pending payment to failed with an explanatory note.
// A payment that already reached a terminal state is left untouched.
func (r *PostgresPaymentRepository) MarkFailed(ctx context.Context, id, note string) error {
	query := `
		UPDATE payments
		SET status = $1, notes = trim(both ' | ' from notes || ' | ' || $2), updated_at = now()
		WHERE id = $3 AND status = $4
	`

	if _, err := r.db.ExecContext(ctx, query, domain.PaymentFailed, note, id, domain.PaymentPending); err != nil {
		return fmt.Errorf("failed to mark payment failed: %w", err)
	}

	return nil
}

// FinalizeByCheckoutID finalizes the unique pending payment carrying the given
// checkout request id. The status = pending guard is what makes at-least-once
// callback delivery safe: a replay matches nothing and returns ErrNotFound.
func (r *PostgresPaymentRepository) FinalizeByCheckoutID(ctx context.Context, checkoutRequestID string, status domain.PaymentStatus, receiptNumber, note string) (*domain.Payment, error) {
	query := `
		UPDATE payments
		SET status = $1, receipt_number = $2,
			notes = trim(both ' | ' from notes || ' | ' || $3), updated_at = now()
		WHERE checkout_request_id = $4 AND status = $5
		RETURNING ` + paymentColumns

	payment := &domain.Payment{}
	err := r.db.QueryRowContext(
		ctx,
		query,
		status,
		receiptNumber,
		note,
		checkoutRequestID,
		domain.PaymentPending,
	).Scan(
		&payment.ID,
		&payment.TenantID,
		&payment.UnitID,
		&payment.LeaseID,
		&payment.Amount,
		&payment.PhoneNumber,
		&payment.Status,
		&payment.MerchantRequestID,
		&payment.CheckoutRequestID,
		&payment.ReceiptNumber,
		&payment.Notes,
		&payment.CreatedAt,
		&payment.UpdatedAt,
	)

	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("pending payment with checkout request %s: %w", checkoutRequestID, domain.ErrNotFound)
		}
		r.logger.Error("failed to finalize payment",
			slog.String("checkout_request_id", checkoutRequestID),
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("failed to finalize payment: %w", err)
	}

	return payment, nil
}

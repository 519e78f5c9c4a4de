package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"

	"github.com/yourorg/rentledger/internal/domain"
)

// uniqueViolation is the PostgreSQL error code raised when an insert hits the
// leases_one_active_per_unit partial unique index.
const uniqueViolation = "23505"

// PostgresLeaseRepository implements domain.LeaseRepository using PostgreSQL
type PostgresLeaseRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewPostgresLeaseRepository creates a new lease repository
func NewPostgresLeaseRepository(db *sql.DB, logger *slog.Logger) *PostgresLeaseRepository {
	if logger == nil {
		logger = slog.Default()
	}

	return &PostgresLeaseRepository{
		db:     db,
		logger: logger,
	}
}

const leaseColumns = `
	id, tenant_id, unit_id, landlord_id, start_date, end_date,
	monthly_rent, deposit_amount, status, move_in_date, move_out_date,
	termination_reason, notes, created_at, updated_at
`

// CreateActive inserts an active lease and marks the unit occupied in one
// transaction. The database arbitrates the occupancy race: a concurrent
// creation for the same unit trips the partial unique index, the whole
// transaction rolls back and the caller sees domain.ErrConflict.
func (r *PostgresLeaseRepository) CreateActive(ctx context.Context, lease *domain.Lease) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	insertLease := `
		INSERT INTO leases (
			id, tenant_id, unit_id, landlord_id, start_date, end_date,
			monthly_rent, deposit_amount, status, move_in_date, notes
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING created_at, updated_at
	`

	err = tx.QueryRowContext(
		ctx,
		insertLease,
		lease.ID,
		lease.TenantID,
		lease.UnitID,
		lease.LandlordID,
		lease.StartDate,
		lease.EndDate,
		lease.MonthlyRent,
		lease.DepositAmount,
		domain.LeaseActive,
		lease.MoveInDate,
		lease.Notes,
	).Scan(&lease.CreatedAt, &lease.UpdatedAt)

	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return fmt.Errorf("unit %s: %w", lease.UnitID, domain.ErrConflict)
		}
		r.logger.Error("failed to insert lease",
			slog.String("unit_id", lease.UnitID),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("failed to insert lease: %w", err)
	}

	occupyUnit := `
		UPDATE units
		SET status = $1, updated_at = now()
		WHERE id = $2
	`

	if _, err := tx.ExecContext(ctx, occupyUnit, domain.UnitOccupied, lease.UnitID); err != nil {
		return fmt.Errorf("failed to occupy unit: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit lease creation: %w", err)
	}

	lease.Status = domain.LeaseActive
	return nil
}

// GetByID retrieves a lease by ID
func (r *PostgresLeaseRepository) GetByID(ctx context.Context, id string) (*domain.Lease, error) {
	query := `SELECT ` + leaseColumns + ` FROM leases WHERE id = $1`

	lease, err := scanLease(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("lease %s: %w", id, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get lease: %w", err)
	}

	return lease, nil
}

// FindActive returns the active lease for a tenant/unit pair
func (r *PostgresLeaseRepository) FindActive(ctx context.Context, tenantID, unitID string) (*domain.Lease, error) {
	query := `
		SELECT ` + leaseColumns + `
		FROM leases
		WHERE tenant_id = $1 AND unit_id = $2 AND status = $3
	`

	lease, err := scanLease(r.db.QueryRowContext(ctx, query, tenantID, unitID, domain.LeaseActive))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("active lease for tenant %s on unit %s: %w", tenantID, unitID, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to find active lease: %w", err)
	}

	return lease, nil
}

// Terminate moves an active lease to terminated and frees its unit in one
// transaction. The status guard on the UPDATE catches a lease that was
// expired or terminated between the caller's read and this write.
func (r *PostgresLeaseRepository) Terminate(ctx context.Context, lease *domain.Lease) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	updateLease := `
		UPDATE leases
		SET status = $1, move_out_date = $2, termination_reason = $3, updated_at = now()
		WHERE id = $4 AND status = $5
		RETURNING updated_at
	`

	err = tx.QueryRowContext(
		ctx,
		updateLease,
		domain.LeaseTerminated,
		lease.MoveOutDate,
		lease.TerminationReason,
		lease.ID,
		domain.LeaseActive,
	).Scan(&lease.UpdatedAt)

	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("lease %s is not active: %w", lease.ID, domain.ErrInvalidState)
		}
		return fmt.Errorf("failed to terminate lease: %w", err)
	}

	vacateUnit := `
		UPDATE units
		SET status = $1, updated_at = now()
		WHERE id = $2
	`

	if _, err := tx.ExecContext(ctx, vacateUnit, domain.UnitVacant, lease.UnitID); err != nil {
		return fmt.Errorf("failed to vacate unit: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit lease termination: %w", err)
	}

	lease.Status = domain.LeaseTerminated
	return nil
}

// ExpireOverdue transitions active leases past their end date to expired and
// frees their units. Each lease gets its own transaction so one failure never
// blocks the rest of the sweep; the status guard makes re-running a no-op.
func (r *PostgresLeaseRepository) ExpireOverdue(ctx context.Context, now time.Time) (int, error) {
	listOverdue := `
		SELECT id, unit_id
		FROM leases
		WHERE status = $1 AND end_date < $2
	`

	rows, err := r.db.QueryContext(ctx, listOverdue, domain.LeaseActive, now)
	if err != nil {
		return 0, fmt.Errorf("failed to list overdue leases: %w", err)
	}
	defer rows.Close()

	type overdue struct {
		leaseID string
		unitID  string
	}
	var candidates []overdue
	for rows.Next() {
		var o overdue
		if err := rows.Scan(&o.leaseID, &o.unitID); err != nil {
			return 0, fmt.Errorf("failed to scan overdue lease: %w", err)
		}
		candidates = append(candidates, o)
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("failed to read overdue leases: %w", err)
	}

	expired := 0
	for _, o := range candidates {
		done, err := r.expireOne(ctx, o.leaseID, o.unitID, now)
		if err != nil {
			r.logger.Error("failed to expire lease",
				slog.String("lease_id", o.leaseID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if done {
			expired++
		}
	}

	return expired, nil
}

func (r *PostgresLeaseRepository) expireOne(ctx context.Context, leaseID, unitID string, now time.Time) (bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	expireLease := `
		UPDATE leases
		SET status = $1, move_out_date = $2, updated_at = now()
		WHERE id = $3 AND status = $4
	`

	result, err := tx.ExecContext(ctx, expireLease, domain.LeaseExpired, now, leaseID, domain.LeaseActive)
	if err != nil {
		return false, fmt.Errorf("failed to expire lease: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check rows affected: %w", err)
	}
	if affected == 0 {
		// Terminated or already expired since the sweep listed it.
		return false, nil
	}

	vacateUnit := `
		UPDATE units
		SET status = $1, updated_at = now()
		WHERE id = $2
	`

	if _, err := tx.ExecContext(ctx, vacateUnit, domain.UnitVacant, unitID); err != nil {
		return false, fmt.Errorf("failed to vacate unit: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit lease expiry: %w", err)
	}
	return true, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLease(row rowScanner) (*domain.Lease, error) {
	lease := &domain.Lease{}
	var moveIn, moveOut sql.NullTime

	err := row.Scan(
		&lease.ID,
		&lease.TenantID,
		&lease.UnitID,
		&lease.LandlordID,
		&lease.StartDate,
		&lease.EndDate,
		&lease.MonthlyRent,
		&lease.DepositAmount,
		&lease.Status,
		&moveIn,
		&moveOut,
		&lease.TerminationReason,
		&lease.Notes,
		&lease.CreatedAt,
		&lease.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if moveIn.Valid {
		lease.MoveInDate = &moveIn.Time
	}
	if moveOut.Valid {
		lease.MoveOutDate = &moveOut.Time
	}

	return lease, nil
}

package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/yourorg/rentledger/internal/domain"
	"github.com/yourorg/rentledger/internal/observability/metrics"
)

// LeaseService is the lease lifecycle manager. All occupancy transitions go
// through here; the occupancy invariant itself is enforced by the store's
// uniqueness constraint, so any number of service instances can run
// concurrently.
type LeaseService struct {
	unitRepository  domain.UnitRepository
	leaseRepository domain.LeaseRepository
	logger          *slog.Logger
	now             func() time.Time
}

// NewLeaseService creates a new lease service
func NewLeaseService(
	unitRepo domain.UnitRepository,
	leaseRepo domain.LeaseRepository,
	logger *slog.Logger,
) *LeaseService {
	if logger == nil {
		logger = slog.Default()
	}
	return &LeaseService{
		unitRepository:  unitRepo,
		leaseRepository: leaseRepo,
		logger:          logger,
		now:             time.Now,
	}
}

// CreateLeaseInput captures a lease creation request
type CreateLeaseInput struct {
	TenantID      string
	UnitID        string
	LandlordID    string
	StartDate     time.Time
	EndDate       time.Time
	MonthlyRent   int64
	DepositAmount int64
	MoveInDate    *time.Time
	Notes         string
}

func (in *CreateLeaseInput) validate() error {
	if in.TenantID == "" || in.UnitID == "" || in.LandlordID == "" {
		return fmt.Errorf("tenantId, unitId and landlordId are required: %w", domain.ErrValidation)
	}
	if in.StartDate.IsZero() || in.EndDate.IsZero() {
		return fmt.Errorf("startDate and endDate are required: %w", domain.ErrValidation)
	}
	if !in.EndDate.After(in.StartDate) {
		return fmt.Errorf("endDate must be after startDate: %w", domain.ErrValidation)
	}
	if in.MonthlyRent <= 0 {
		return fmt.Errorf("monthlyRent must be positive: %w", domain.ErrValidation)
	}
	if in.DepositAmount < 0 {
		return fmt.Errorf("depositAmount must not be negative: %w", domain.ErrValidation)
	}
	return nil
}

// CreateLease binds a tenant to a unit as an active lease and marks the unit
// occupied, atomically. A concurrent creation for the same unit loses the
// race inside the store and surfaces as domain.ErrConflict with no unit
// mutation visible.
func (s *LeaseService) CreateLease(ctx context.Context, in CreateLeaseInput) (*domain.Lease, error) {
	if err := in.validate(); err != nil {
		metrics.ObserveLeaseTransition("create", "validation")
		return nil, err
	}

	unit, err := s.unitRepository.GetByID(ctx, in.UnitID)
	if err != nil {
		metrics.ObserveLeaseTransition("create", "not_found")
		return nil, err
	}
	if unit.LandlordID != in.LandlordID {
		metrics.ObserveLeaseTransition("create", "forbidden")
		return nil, fmt.Errorf("unit %s is not owned by landlord %s: %w", in.UnitID, in.LandlordID, domain.ErrForbidden)
	}
	if unit.Status == domain.UnitMaintenance || unit.Status == domain.UnitUnavailable {
		metrics.ObserveLeaseTransition("create", "invalid_state")
		return nil, fmt.Errorf("unit %s is %s: %w", in.UnitID, unit.Status, domain.ErrInvalidState)
	}

	lease := &domain.Lease{
		ID:            uuid.NewString(),
		TenantID:      in.TenantID,
		UnitID:        in.UnitID,
		LandlordID:    in.LandlordID,
		StartDate:     in.StartDate,
		EndDate:       in.EndDate,
		MonthlyRent:   in.MonthlyRent,
		DepositAmount: in.DepositAmount,
		MoveInDate:    in.MoveInDate,
		Notes:         in.Notes,
		Status:        domain.LeaseActive,
	}

	if err := s.leaseRepository.CreateActive(ctx, lease); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			s.logger.Info("lease creation lost occupancy race",
				slog.String("unit_id", in.UnitID),
				slog.String("tenant_id", in.TenantID),
			)
			metrics.ObserveLeaseTransition("create", "conflict")
			return nil, err
		}
		metrics.ObserveLeaseTransition("create", "error")
		return nil, err
	}

	metrics.ObserveLeaseTransition("create", "success")
	metrics.IncrementActiveLeases()

	s.logger.Info("lease created",
		slog.String("lease_id", lease.ID),
		slog.String("unit_id", lease.UnitID),
		slog.String("tenant_id", lease.TenantID),
	)
	return lease, nil
}

// TerminateLease moves an active lease to terminated and frees its unit.
// Terminating a non-active lease is an invalid-state error, distinct from
// not-found.
func (s *LeaseService) TerminateLease(ctx context.Context, leaseID, landlordID, reason string, moveOutDate *time.Time) (*domain.Lease, error) {
	if leaseID == "" || landlordID == "" {
		metrics.ObserveLeaseTransition("terminate", "validation")
		return nil, fmt.Errorf("leaseId and landlordId are required: %w", domain.ErrValidation)
	}

	lease, err := s.leaseRepository.GetByID(ctx, leaseID)
	if err != nil {
		metrics.ObserveLeaseTransition("terminate", "not_found")
		return nil, err
	}
	if lease.LandlordID != landlordID {
		metrics.ObserveLeaseTransition("terminate", "forbidden")
		return nil, fmt.Errorf("lease %s is not owned by landlord %s: %w", leaseID, landlordID, domain.ErrForbidden)
	}
	if lease.Status != domain.LeaseActive {
		metrics.ObserveLeaseTransition("terminate", "invalid_state")
		return nil, fmt.Errorf("lease %s has status %s: %w", leaseID, lease.Status, domain.ErrInvalidState)
	}

	out := moveOutDate
	if out == nil {
		now := s.now()
		out = &now
	}
	lease.MoveOutDate = out
	lease.TerminationReason = reason

	if err := s.leaseRepository.Terminate(ctx, lease); err != nil {
		if errors.Is(err, domain.ErrInvalidState) {
			// Lost a race with the expiry sweep or another terminate.
			metrics.ObserveLeaseTransition("terminate", "invalid_state")
			return nil, err
		}
		metrics.ObserveLeaseTransition("terminate", "error")
		return nil, err
	}

	metrics.ObserveLeaseTransition("terminate", "success")
	metrics.DecrementActiveLeases()

	s.logger.Info("lease terminated",
		slog.String("lease_id", lease.ID),
		slog.String("unit_id", lease.UnitID),
		slog.String("reason", reason),
	)
	return lease, nil
}

// ExpireOverdue transitions every active lease past its end date to expired,
// freeing the units. Safe to run repeatedly and from multiple instances.
func (s *LeaseService) ExpireOverdue(ctx context.Context) (int, error) {
	expired, err := s.leaseRepository.ExpireOverdue(ctx, s.now())
	if err != nil {
		metrics.ObserveSweep("error", expired)
		return expired, fmt.Errorf("expiry sweep failed: %w", err)
	}

	metrics.ObserveSweep("success", expired)
	if expired > 0 {
		for i := 0; i < expired; i++ {
			metrics.DecrementActiveLeases()
		}
		s.logger.Info("expired overdue leases", slog.Int("count", expired))
	}
	return expired, nil
}

// GetLease retrieves a lease by id
func (s *LeaseService) GetLease(ctx context.Context, leaseID string) (*domain.Lease, error) {
	return s.leaseRepository.GetByID(ctx, leaseID)
}

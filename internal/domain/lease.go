package domain

import (
	"context"
	"time"
)

// UnitStatus describes the occupancy state of a rentable unit.
type UnitStatus string

const (
	UnitVacant      UnitStatus = "vacant"
	UnitOccupied    UnitStatus = "occupied"
	UnitMaintenance UnitStatus = "maintenance"
	UnitUnavailable UnitStatus = "unavailable"
)

// LeaseStatus describes where a lease is in its lifecycle.
// Transitions: pending -> active -> terminated | expired. Terminal states are final.
type LeaseStatus string

const (
	LeasePending    LeaseStatus = "pending"
	LeaseActive     LeaseStatus = "active"
	LeaseTerminated LeaseStatus = "terminated"
	LeaseExpired    LeaseStatus = "expired"
)

// Unit is a rentable space. Ownership and rent live in the property subsystem;
// this service only reads the row and flips its status.
type Unit struct {
	ID          string
	LandlordID  string
	MonthlyRent int64
	Status      UnitStatus
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Lease binds one tenant to one unit for a date range. MonthlyRent is a
// snapshot taken at creation and does not follow later unit-rent changes.
// Leases are never deleted; termination and expiry are status transitions.
type Lease struct {
	ID                string
	TenantID          string
	UnitID            string
	LandlordID        string
	StartDate         time.Time
	EndDate           time.Time
	MonthlyRent       int64
	DepositAmount     int64
	Status            LeaseStatus
	MoveInDate        *time.Time
	MoveOutDate       *time.Time
	TerminationReason string
	Notes             string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// UnitRepository defines read access to units. Status writes happen inside the
// lease transactions owned by LeaseRepository.
type UnitRepository interface {
	GetByID(ctx context.Context, id string) (*Unit, error)
}

// LeaseRepository defines data access for leases. CreateActive and Terminate
// each run one transaction that also updates the unit row, so occupancy and
// lease state can never diverge.
type LeaseRepository interface {
	// CreateActive inserts an active lease and marks the unit occupied.
	// Losing the one-active-lease-per-unit race returns ErrConflict and
	// leaves no visible unit mutation.
	CreateActive(ctx context.Context, lease *Lease) error
	GetByID(ctx context.Context, id string) (*Lease, error)
	// FindActive returns the active lease for a tenant/unit pair, or
	// ErrNotFound when none exists.
	FindActive(ctx context.Context, tenantID, unitID string) (*Lease, error)
	// Terminate moves an active lease to terminated and frees the unit.
	// Returns ErrInvalidState when the lease is no longer active.
	Terminate(ctx context.Context, lease *Lease) error
	// ExpireOverdue transitions every active lease whose end date has passed
	// to expired, freeing each unit. Returns the number of leases expired.
	ExpireOverdue(ctx context.Context, now time.Time) (int, error)
}

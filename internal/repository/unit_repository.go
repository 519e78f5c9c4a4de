package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/yourorg/rentledger/internal/domain"
)

// PostgresUnitRepository implements domain.UnitRepository using PostgreSQL
type PostgresUnitRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewPostgresUnitRepository creates a new unit repository
func NewPostgresUnitRepository(db *sql.DB, logger *slog.Logger) *PostgresUnitRepository {
	if logger == nil {
		logger = slog.Default()
	}

	return &PostgresUnitRepository{
		db:     db,
		logger: logger,
	}
}

// GetByID retrieves a unit by ID
func (r *PostgresUnitRepository) GetByID(ctx context.Context, id string) (*domain.Unit, error) {
	unit := &domain.Unit{}

	query := `
		SELECT id, landlord_id, monthly_rent, status, created_at, updated_at
		FROM units
		WHERE id = $1
	`

	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&unit.ID,
		&unit.LandlordID,
		&unit.MonthlyRent,
		&unit.Status,
		&unit.CreatedAt,
		&unit.UpdatedAt,
	)

	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("unit %s: %w", id, domain.ErrNotFound)
		}
		r.logger.Error("failed to get unit by id",
			slog.String("id", id),
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("failed to get unit: %w", err)
	}

	return unit, nil
}

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

// CreateLeaseRequest represents the request to create a lease
type CreateLeaseRequest struct {
	TenantID      string     `json:"tenantId"`
	UnitID        string     `json:"unitId"`
	StartDate     time.Time  `json:"startDate"`
	EndDate       time.Time  `json:"endDate"`
	MonthlyRent   int64      `json:"monthlyRent"`
	DepositAmount int64      `json:"depositAmount,omitempty"`
	MoveInDate    *time.Time `json:"moveInDate,omitempty"`
	Notes         string     `json:"notes,omitempty"`
}

// LeaseResponse represents a lease in API responses
type LeaseResponse struct {
	ID                string     `json:"id"`
	TenantID          string     `json:"tenantId"`
	UnitID            string     `json:"unitId"`
	LandlordID        string     `json:"landlordId"`
	StartDate         time.Time  `json:"startDate"`
	EndDate           time.Time  `json:"endDate"`
	MonthlyRent       int64      `json:"monthlyRent"`
	DepositAmount     int64      `json:"depositAmount"`
	Status            string     `json:"status"`
	MoveInDate        *time.Time `json:"moveInDate,omitempty"`
	MoveOutDate       *time.Time `json:"moveOutDate,omitempty"`
	TerminationReason string     `json:"terminationReason,omitempty"`
	CreatedAt         time.Time  `json:"createdAt"`
}

func leaseResponse(lease *domain.Lease) LeaseResponse {
	return LeaseResponse{
		ID:                lease.ID,
		TenantID:          lease.TenantID,
		UnitID:            lease.UnitID,
		LandlordID:        lease.LandlordID,
		StartDate:         lease.StartDate,
		EndDate:           lease.EndDate,
		MonthlyRent:       lease.MonthlyRent,
		DepositAmount:     lease.DepositAmount,
		Status:            string(lease.Status),
		MoveInDate:        lease.MoveInDate,
		MoveOutDate:       lease.MoveOutDate,
		TerminationReason: lease.TerminationReason,
		CreatedAt:         lease.CreatedAt,
	}
}

// CreateLeaseHandler handles POST /api/leases
type CreateLeaseHandler struct {
	leaseService *service.LeaseService
	logger       *slog.Logger
}

// NewCreateLeaseHandler creates a new lease creation handler
func NewCreateLeaseHandler(leaseService *service.LeaseService, logger *slog.Logger) *CreateLeaseHandler {
	return &CreateLeaseHandler{leaseService: leaseService, logger: logger}
}

func (h *CreateLeaseHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	claims := middleware.GetClaimsFromContext(r.Context())
	if claims == nil || claims.Role != auth.RoleLandlord {
		writeJSON(w, http.StatusForbidden, errorResponse{Error: "landlord role required"})
		return
	}

	var req CreateLeaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Debug("failed to decode request", slog.String("error", err.Error()))
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}

	lease, err := h.leaseService.CreateLease(r.Context(), service.CreateLeaseInput{
		TenantID:      req.TenantID,
		UnitID:        req.UnitID,
		LandlordID:    claims.UserID,
		StartDate:     req.StartDate,
		EndDate:       req.EndDate,
		MonthlyRent:   req.MonthlyRent,
		DepositAmount: req.DepositAmount,
		MoveInDate:    req.MoveInDate,
		Notes:         req.Notes,
	})
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusCreated, leaseResponse(lease))
}

// TerminateLeaseRequest represents the request to terminate a lease
type TerminateLeaseRequest struct {
	Reason      string     `json:"reason,omitempty"`
	MoveOutDate *time.Time `json:"moveOutDate,omitempty"`
}

// TerminateLeaseHandler handles POST /api/leases/{id}/terminate
type TerminateLeaseHandler struct {
	leaseService *service.LeaseService
	logger       *slog.Logger
}

// NewTerminateLeaseHandler creates a new lease termination handler
func NewTerminateLeaseHandler(leaseService *service.LeaseService, logger *slog.Logger) *TerminateLeaseHandler {
	return &TerminateLeaseHandler{leaseService: leaseService, logger: logger}
}

func (h *TerminateLeaseHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	claims := middleware.GetClaimsFromContext(r.Context())
	if claims == nil || claims.Role != auth.RoleLandlord {
		writeJSON(w, http.StatusForbidden, errorResponse{Error: "landlord role required"})
		return
	}

	leaseID := r.PathValue("id")
	if leaseID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "missing lease id"})
		return
	}

	var req TerminateLeaseRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
			return
		}
	}

	lease, err := h.leaseService.TerminateLease(r.Context(), leaseID, claims.UserID, req.Reason, req.MoveOutDate)
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, leaseResponse(lease))
}

// GetLeaseHandler handles GET /api/leases/{id}
type GetLeaseHandler struct {
	leaseService *service.LeaseService
	logger       *slog.Logger
}

// NewGetLeaseHandler creates a new lease lookup handler
func NewGetLeaseHandler(leaseService *service.LeaseService, logger *slog.Logger) *GetLeaseHandler {
	return &GetLeaseHandler{leaseService: leaseService, logger: logger}
}

func (h *GetLeaseHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	claims := middleware.GetClaimsFromContext(r.Context())
	if claims == nil {
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "authentication required"})
		return
	}

	lease, err := h.leaseService.GetLease(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}

	// Only the parties to the lease may read it.
	if claims.UserID != lease.LandlordID && claims.UserID != lease.TenantID {
		writeDomainError(w, h.logger, fmt.Errorf("lease %s: %w", lease.ID, domain.ErrForbidden))
		return
	}

	writeJSON(w, http.StatusOK, leaseResponse(lease))
}

package handler

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/yourorg/rentledger/internal/domain"
	"github.com/yourorg/rentledger/internal/security/auth"
	"github.com/yourorg/rentledger/internal/security/middleware"
	"github.com/yourorg/rentledger/internal/service"
)

const (
	testJWTSecret     = "test-jwt-secret"
	testWebhookSecret = "test-webhook-secret"
)

type memUnitRepo struct {
	units map[string]*domain.Unit
}

func (r *memUnitRepo) GetByID(ctx context.Context, id string) (*domain.Unit, error) {
	unit, ok := r.units[id]
	if !ok {
		return nil, fmt.Errorf("unit %s: %w", id, domain.ErrNotFound)
	}
	copied := *unit
	return &copied, nil
}

type memLeaseRepo struct {
	mu     sync.Mutex
	leases map[string]*domain.Lease
}

func (r *memLeaseRepo) CreateActive(ctx context.Context, lease *domain.Lease) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.leases {
		if existing.UnitID == lease.UnitID && existing.Status == domain.LeaseActive {
			return fmt.Errorf("unit %s: %w", lease.UnitID, domain.ErrConflict)
		}
	}
	lease.Status = domain.LeaseActive
	lease.CreatedAt = time.Now()
	copied := *lease
	r.leases[lease.ID] = &copied
	return nil
}

func (r *memLeaseRepo) GetByID(ctx context.Context, id string) (*domain.Lease, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	lease, ok := r.leases[id]
	if !ok {
		return nil, fmt.Errorf("lease %s: %w", id, domain.ErrNotFound)
	}
	copied := *lease
	return &copied, nil
}

func (r *memLeaseRepo) FindActive(ctx context.Context, tenantID, unitID string) (*domain.Lease, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, lease := range r.leases {
		if lease.TenantID == tenantID && lease.UnitID == unitID && lease.Status == domain.LeaseActive {
			copied := *lease
			return &copied, nil
		}
	}
	return nil, fmt.Errorf("active lease: %w", domain.ErrNotFound)
}

func (r *memLeaseRepo) Terminate(ctx context.Context, lease *domain.Lease) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.leases[lease.ID]
	if !ok || stored.Status != domain.LeaseActive {
		return fmt.Errorf("lease %s is not active: %w", lease.ID, domain.ErrInvalidState)
	}
	stored.Status = domain.LeaseTerminated
	stored.MoveOutDate = lease.MoveOutDate
	stored.TerminationReason = lease.TerminationReason
	lease.Status = domain.LeaseTerminated
	return nil
}

func (r *memLeaseRepo) ExpireOverdue(ctx context.Context, now time.Time) (int, error) {
	return 0, nil
}

type memPaymentRepo struct {
	mu       sync.Mutex
	payments map[string]*domain.Payment
}

func (r *memPaymentRepo) Create(ctx context.Context, payment *domain.Payment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	payment.Status = domain.PaymentPending
	payment.CreatedAt = time.Now()
	copied := *payment
	r.payments[payment.ID] = &copied
	return nil
}

func (r *memPaymentRepo) GetByID(ctx context.Context, id string) (*domain.Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	payment, ok := r.payments[id]
	if !ok {
		return nil, fmt.Errorf("payment %s: %w", id, domain.ErrNotFound)
	}
	copied := *payment
	return &copied, nil
}

func (r *memPaymentRepo) SetCorrelation(ctx context.Context, id, merchantRequestID, checkoutRequestID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	payment, ok := r.payments[id]
	if !ok || payment.Status != domain.PaymentPending {
		return fmt.Errorf("pending payment %s: %w", id, domain.ErrNotFound)
	}
	payment.MerchantRequestID = merchantRequestID
	payment.CheckoutRequestID = checkoutRequestID
	return nil
}

func (r *memPaymentRepo) MarkFailed(ctx context.Context, id, note string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if payment, ok := r.payments[id]; ok && payment.Status == domain.PaymentPending {
		payment.Status = domain.PaymentFailed
		payment.Notes = note
	}
	return nil
}

func (r *memPaymentRepo) FinalizeByCheckoutID(ctx context.Context, checkoutRequestID string, status domain.PaymentStatus, receiptNumber, note string) (*domain.Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, payment := range r.payments {
		if payment.CheckoutRequestID == checkoutRequestID && payment.Status == domain.PaymentPending {
			payment.Status = status
			payment.ReceiptNumber = receiptNumber
			copied := *payment
			return &copied, nil
		}
	}
	return nil, fmt.Errorf("pending payment with checkout request %s: %w", checkoutRequestID, domain.ErrNotFound)
}

type stubGateway struct {
	mu     sync.Mutex
	nextID int
	fail   error
}

func (g *stubGateway) InitiatePush(ctx context.Context, req domain.PushRequest) (*domain.PushResponse, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.fail != nil {
		return nil, g.fail
	}
	g.nextID++
	return &domain.PushResponse{
		MerchantRequestID: fmt.Sprintf("merchant-%d", g.nextID),
		CheckoutRequestID: fmt.Sprintf("ws_CO_%d", g.nextID),
	}, nil
}

// testApp wires the handlers behind the real principal middleware so tests
// exercise the same request path as production.
type testApp struct {
	handler    http.Handler
	tokens     *auth.TokenManager
	units      *memUnitRepo
	leases     *memLeaseRepo
	payments   *memPaymentRepo
	gateway    *stubGateway
	leaseSvc   *service.LeaseService
	paymentSvc *service.PaymentService
}

func newTestApp(t *testing.T) *testApp {
	t.Helper()

	app := &testApp{
		tokens:   auth.NewTokenManager(testJWTSecret, "rentledger"),
		units:    &memUnitRepo{units: make(map[string]*domain.Unit)},
		leases:   &memLeaseRepo{leases: make(map[string]*domain.Lease)},
		payments: &memPaymentRepo{payments: make(map[string]*domain.Payment)},
		gateway:  &stubGateway{},
	}

	log := slog.Default()
	app.leaseSvc = service.NewLeaseService(app.units, app.leases, log)
	app.paymentSvc = service.NewPaymentService(app.payments, app.leases, app.gateway, nil, testWebhookSecret, log)

	mux := http.NewServeMux()
	mux.Handle("POST /api/leases", NewCreateLeaseHandler(app.leaseSvc, log))
	mux.Handle("GET /api/leases/{id}", NewGetLeaseHandler(app.leaseSvc, log))
	mux.Handle("POST /api/leases/{id}/terminate", NewTerminateLeaseHandler(app.leaseSvc, log))
	mux.Handle("POST /api/payments", NewInitiatePaymentHandler(app.paymentSvc, log))
	mux.Handle("GET /api/payments/{id}", NewPaymentStatusHandler(app.paymentSvc, log))
	mux.Handle("POST /api/payments/callback", NewCallbackHandler(app.paymentSvc, log))

	app.handler = middleware.PrincipalMiddleware(app.tokens, log)(mux)
	return app
}

func (a *testApp) bearer(t *testing.T, userID, role string) string {
	t.Helper()
	token, err := a.tokens.GenerateToken(userID, role, "254712345678", time.Hour)
	if err != nil {
		t.Fatalf("failed to mint test token: %v", err)
	}
	return "Bearer " + token
}

package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/yourorg/rentledger/internal/domain"
	"github.com/yourorg/rentledger/internal/gateway/mpesa"
)

const testWebhookSecret = "test-webhook-secret"

type fakePaymentRepo struct {
	mu       sync.Mutex
	payments map[string]*domain.Payment
}

func newFakePaymentRepo() *fakePaymentRepo {
	return &fakePaymentRepo{payments: make(map[string]*domain.Payment)}
}

func (r *fakePaymentRepo) Create(ctx context.Context, payment *domain.Payment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	payment.Status = domain.PaymentPending
	payment.CreatedAt = time.Now()
	payment.UpdatedAt = payment.CreatedAt
	copied := *payment
	r.payments[payment.ID] = &copied
	return nil
}

func (r *fakePaymentRepo) GetByID(ctx context.Context, id string) (*domain.Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	payment, ok := r.payments[id]
	if !ok {
		return nil, fmt.Errorf("payment %s: %w", id, domain.ErrNotFound)
	}
	copied := *payment
	return &copied, nil
}

func (r *fakePaymentRepo) SetCorrelation(ctx context.Context, id, merchantRequestID, checkoutRequestID string) error {
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

func (r *fakePaymentRepo) MarkFailed(ctx context.Context, id, note string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	payment, ok := r.payments[id]
	if !ok || payment.Status != domain.PaymentPending {
		return nil
	}
	payment.Status = domain.PaymentFailed
	payment.Notes = strings.Trim(payment.Notes+" | "+note, " |")
	return nil
}

func (r *fakePaymentRepo) FinalizeByCheckoutID(ctx context.Context, checkoutRequestID string, status domain.PaymentStatus, receiptNumber, note string) (*domain.Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, payment := range r.payments {
		if payment.CheckoutRequestID == checkoutRequestID && payment.Status == domain.PaymentPending {
			payment.Status = status
			payment.ReceiptNumber = receiptNumber
			payment.Notes = strings.Trim(payment.Notes+" | "+note, " |")
			payment.UpdatedAt = time.Now()
			copied := *payment
			return &copied, nil
		}
	}
	return nil, fmt.Errorf("pending payment with checkout request %s: %w", checkoutRequestID, domain.ErrNotFound)
}

type fakeGateway struct {
	mu        sync.Mutex
	calls     int
	nextID    int
	failWith  error
	lastPush  domain.PushRequest
}

func (g *fakeGateway) InitiatePush(ctx context.Context, req domain.PushRequest) (*domain.PushResponse, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	g.lastPush = req
	if g.failWith != nil {
		return nil, g.failWith
	}
	g.nextID++
	return &domain.PushResponse{
		MerchantRequestID: fmt.Sprintf("merchant-%d", g.nextID),
		CheckoutRequestID: fmt.Sprintf("ws_CO_%d", g.nextID),
	}, nil
}

type fakePublisher struct {
	mu     sync.Mutex
	events []domain.Payment
}

func (p *fakePublisher) PublishPaymentEvent(ctx context.Context, payment *domain.Payment) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, *payment)
	return nil
}

func (p *fakePublisher) published() []domain.Payment {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.Payment(nil), p.events...)
}

func activeLeaseRepo() *fakeLeaseRepo {
	return newFakeLeaseRepo(&domain.Lease{
		ID:          "lease-1",
		TenantID:    "tenant-1",
		UnitID:      "unit-1",
		LandlordID:  "landlord-1",
		MonthlyRent: 25000,
		Status:      domain.LeaseActive,
	})
}

func validInitiateInput() InitiateInput {
	return InitiateInput{
		TenantID:    "tenant-1",
		UnitID:      "unit-1",
		Amount:      25000,
		PhoneNumber: "254712345678",
		Description: "June rent",
	}
}

func signedCallback(body string) (raw []byte, signature string) {
	raw = []byte(body)
	return raw, mpesa.Sign(testWebhookSecret, raw)
}

func successCallbackBody(checkoutRequestID string) string {
	return fmt.Sprintf(`{
		"Body": {
			"stkCallback": {
				"MerchantRequestID": "merchant-1",
				"CheckoutRequestID": %q,
				"ResultCode": 0,
				"ResultDesc": "The service request is processed successfully.",
				"CallbackMetadata": {
					"Item": [
						{"Name": "Amount", "Value": 25000},
						{"Name": "MpesaReceiptNumber", "Value": "QGH7SK61SU"},
						{"Name": "PhoneNumber", "Value": 254712345678}
					]
				}
			}
		}
	}`, checkoutRequestID)
}

func failureCallbackBody(checkoutRequestID string) string {
	return fmt.Sprintf(`{
		"Body": {
			"stkCallback": {
				"MerchantRequestID": "merchant-1",
				"CheckoutRequestID": %q,
				"ResultCode": 1032,
				"ResultDesc": "Request cancelled by user"
			}
		}
	}`, checkoutRequestID)
}

func TestInitiatePayment(t *testing.T) {
	repo := newFakePaymentRepo()
	gateway := &fakeGateway{}
	svc := NewPaymentService(repo, activeLeaseRepo(), gateway, &fakePublisher{}, testWebhookSecret, nil)

	payment, err := svc.Initiate(context.Background(), validInitiateInput())
	if err != nil {
		t.Fatalf("Initiate failed: %v", err)
	}
	if payment.Status != domain.PaymentPending {
		t.Errorf("expected pending status, got %s", payment.Status)
	}
	if payment.LeaseID != "lease-1" {
		t.Errorf("expected payment bound to active lease, got %s", payment.LeaseID)
	}
	if payment.CheckoutRequestID == "" || payment.MerchantRequestID == "" {
		t.Error("expected gateway correlation identifiers recorded")
	}
	if gateway.lastPush.AccountReference != "unit-1" {
		t.Errorf("expected account reference unit-1, got %s", gateway.lastPush.AccountReference)
	}

	stored, err := repo.GetByID(context.Background(), payment.ID)
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if stored.CheckoutRequestID != payment.CheckoutRequestID {
		t.Error("correlation identifier not persisted")
	}
}

func TestInitiatePaymentValidation(t *testing.T) {
	svc := NewPaymentService(newFakePaymentRepo(), activeLeaseRepo(), &fakeGateway{}, nil, testWebhookSecret, nil)

	cases := []struct {
		name   string
		mutate func(*InitiateInput)
	}{
		{"missing tenant", func(in *InitiateInput) { in.TenantID = "" }},
		{"missing unit", func(in *InitiateInput) { in.UnitID = "" }},
		{"zero amount", func(in *InitiateInput) { in.Amount = 0 }},
		{"negative amount", func(in *InitiateInput) { in.Amount = -500 }},
		{"missing phone", func(in *InitiateInput) { in.PhoneNumber = "" }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			in := validInitiateInput()
			tc.mutate(&in)
			_, err := svc.Initiate(context.Background(), in)
			if !errors.Is(err, domain.ErrValidation) {
				t.Errorf("expected validation error, got %v", err)
			}
		})
	}
}

func TestInitiatePaymentNoActiveLease(t *testing.T) {
	gateway := &fakeGateway{}
	svc := NewPaymentService(newFakePaymentRepo(), newFakeLeaseRepo(), gateway, nil, testWebhookSecret, nil)

	_, err := svc.Initiate(context.Background(), validInitiateInput())
	if !errors.Is(err, domain.ErrNoActiveLease) {
		t.Errorf("expected no-active-lease error, got %v", err)
	}
	if gateway.calls != 0 {
		t.Errorf("gateway must not be called without an active lease, got %d calls", gateway.calls)
	}
}

func TestInitiatePaymentGatewayFailure(t *testing.T) {
	repo := newFakePaymentRepo()
	publisher := &fakePublisher{}
	gateway := &fakeGateway{failWith: fmt.Errorf("%w: gateway circuit open", domain.ErrUpstreamUnavailable)}
	svc := NewPaymentService(repo, activeLeaseRepo(), gateway, publisher, testWebhookSecret, nil)

	_, err := svc.Initiate(context.Background(), validInitiateInput())
	if !errors.Is(err, domain.ErrUpstreamUnavailable) {
		t.Fatalf("expected upstream-unavailable error, got %v", err)
	}

	// The pending row must be resolved, not left dangling.
	repo.mu.Lock()
	if len(repo.payments) != 1 {
		repo.mu.Unlock()
		t.Fatalf("expected 1 payment row, got %d", len(repo.payments))
	}
	var stored domain.Payment
	for _, p := range repo.payments {
		stored = *p
	}
	repo.mu.Unlock()

	if stored.Status != domain.PaymentFailed {
		t.Errorf("expected payment marked failed after gateway error, got %s", stored.Status)
	}
	if !strings.Contains(stored.Notes, "gateway initiation failed") {
		t.Errorf("expected explanatory note, got %q", stored.Notes)
	}

	events := publisher.published()
	if len(events) != 1 || events[0].Status != domain.PaymentFailed {
		t.Errorf("expected one failed-status event, got %+v", events)
	}
}

func TestCallbackFinalizesPayment(t *testing.T) {
	repo := newFakePaymentRepo()
	publisher := &fakePublisher{}
	svc := NewPaymentService(repo, activeLeaseRepo(), &fakeGateway{}, publisher, testWebhookSecret, nil)

	payment, err := svc.Initiate(context.Background(), validInitiateInput())
	if err != nil {
		t.Fatalf("Initiate failed: %v", err)
	}

	raw, sig := signedCallback(successCallbackBody(payment.CheckoutRequestID))
	ack := svc.HandleCallback(context.Background(), raw, sig)
	if ack.ResultCode != 0 || ack.ResultDesc != "Accepted" {
		t.Errorf("expected fixed success ack, got %+v", ack)
	}

	stored, err := repo.GetByID(context.Background(), payment.ID)
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if stored.Status != domain.PaymentSuccessful {
		t.Errorf("expected successful status, got %s", stored.Status)
	}
	if stored.ReceiptNumber != "QGH7SK61SU" {
		t.Errorf("expected receipt recorded, got %q", stored.ReceiptNumber)
	}

	events := publisher.published()
	if len(events) != 1 || events[0].Status != domain.PaymentSuccessful {
		t.Errorf("expected one successful-status event, got %+v", events)
	}
}

func TestCallbackFailureResult(t *testing.T) {
	repo := newFakePaymentRepo()
	svc := NewPaymentService(repo, activeLeaseRepo(), &fakeGateway{}, &fakePublisher{}, testWebhookSecret, nil)

	payment, err := svc.Initiate(context.Background(), validInitiateInput())
	if err != nil {
		t.Fatalf("Initiate failed: %v", err)
	}

	raw, sig := signedCallback(failureCallbackBody(payment.CheckoutRequestID))
	ack := svc.HandleCallback(context.Background(), raw, sig)
	if ack.ResultCode != 0 {
		t.Errorf("failure results still get the success ack, got %+v", ack)
	}

	stored, _ := repo.GetByID(context.Background(), payment.ID)
	if stored.Status != domain.PaymentFailed {
		t.Errorf("expected failed status, got %s", stored.Status)
	}
	if stored.ReceiptNumber != "" {
		t.Errorf("failed payment must not carry a receipt, got %q", stored.ReceiptNumber)
	}
	if !strings.Contains(stored.Notes, "1032") {
		t.Errorf("expected result code in notes, got %q", stored.Notes)
	}
}

func TestCallbackDuplicateDeliveryIsNoOp(t *testing.T) {
	repo := newFakePaymentRepo()
	publisher := &fakePublisher{}
	svc := NewPaymentService(repo, activeLeaseRepo(), &fakeGateway{}, publisher, testWebhookSecret, nil)

	payment, err := svc.Initiate(context.Background(), validInitiateInput())
	if err != nil {
		t.Fatalf("Initiate failed: %v", err)
	}

	raw, sig := signedCallback(successCallbackBody(payment.CheckoutRequestID))
	svc.HandleCallback(context.Background(), raw, sig)
	first, _ := repo.GetByID(context.Background(), payment.ID)

	// At-least-once delivery: the same callback arrives again, and then a
	// contradictory failure-shaped one for the same checkout request.
	ack := svc.HandleCallback(context.Background(), raw, sig)
	if ack.ResultCode != 0 {
		t.Errorf("duplicate delivery must still ack, got %+v", ack)
	}
	rawFail, sigFail := signedCallback(failureCallbackBody(payment.CheckoutRequestID))
	svc.HandleCallback(context.Background(), rawFail, sigFail)

	stored, _ := repo.GetByID(context.Background(), payment.ID)
	if stored.Status != domain.PaymentSuccessful {
		t.Errorf("terminal state must be immutable, got %s", stored.Status)
	}
	if stored.ReceiptNumber != first.ReceiptNumber || stored.Notes != first.Notes {
		t.Error("replayed callback mutated a finalized payment")
	}

	if events := publisher.published(); len(events) != 1 {
		t.Errorf("expected exactly one finalization event, got %d", len(events))
	}
}

func TestCallbackMatchesByCheckoutIDNotLatest(t *testing.T) {
	repo := newFakePaymentRepo()
	leaseRepo := newFakeLeaseRepo(
		&domain.Lease{ID: "lease-1", TenantID: "tenant-1", UnitID: "unit-1", Status: domain.LeaseActive},
		&domain.Lease{ID: "lease-2", TenantID: "tenant-2", UnitID: "unit-2", Status: domain.LeaseActive},
	)
	svc := NewPaymentService(repo, leaseRepo, &fakeGateway{}, &fakePublisher{}, testWebhookSecret, nil)

	first, err := svc.Initiate(context.Background(), validInitiateInput())
	if err != nil {
		t.Fatalf("first Initiate failed: %v", err)
	}
	secondInput := validInitiateInput()
	secondInput.TenantID = "tenant-2"
	secondInput.UnitID = "unit-2"
	second, err := svc.Initiate(context.Background(), secondInput)
	if err != nil {
		t.Fatalf("second Initiate failed: %v", err)
	}

	// The callback for the OLDER payment arrives after a newer pending one
	// exists. Only the checkout-request match may finalize.
	raw, sig := signedCallback(successCallbackBody(first.CheckoutRequestID))
	svc.HandleCallback(context.Background(), raw, sig)

	storedFirst, _ := repo.GetByID(context.Background(), first.ID)
	storedSecond, _ := repo.GetByID(context.Background(), second.ID)
	if storedFirst.Status != domain.PaymentSuccessful {
		t.Errorf("matched payment should be successful, got %s", storedFirst.Status)
	}
	if storedSecond.Status != domain.PaymentPending {
		t.Errorf("unrelated pending payment must be untouched, got %s", storedSecond.Status)
	}
}

func TestCallbackBadSignature(t *testing.T) {
	repo := newFakePaymentRepo()
	publisher := &fakePublisher{}
	svc := NewPaymentService(repo, activeLeaseRepo(), &fakeGateway{}, publisher, testWebhookSecret, nil)

	payment, err := svc.Initiate(context.Background(), validInitiateInput())
	if err != nil {
		t.Fatalf("Initiate failed: %v", err)
	}

	raw := []byte(successCallbackBody(payment.CheckoutRequestID))
	ack := svc.HandleCallback(context.Background(), raw, "deadbeef")
	if ack.ResultCode != 0 {
		t.Errorf("rejected payloads still get the success ack, got %+v", ack)
	}

	stored, _ := repo.GetByID(context.Background(), payment.ID)
	if stored.Status != domain.PaymentPending {
		t.Errorf("unauthenticated callback must not change state, got %s", stored.Status)
	}
	if len(publisher.published()) != 0 {
		t.Error("unauthenticated callback must not publish events")
	}
}

func TestCallbackMalformedBody(t *testing.T) {
	svc := NewPaymentService(newFakePaymentRepo(), activeLeaseRepo(), &fakeGateway{}, nil, testWebhookSecret, nil)

	for _, body := range []string{"not json", `{"Body":{}}`, `{"Body":{"stkCallback":{"ResultCode":0}}}`} {
		raw, sig := signedCallback(body)
		ack := svc.HandleCallback(context.Background(), raw, sig)
		if ack.ResultCode != 0 {
			t.Errorf("malformed body %q must still ack, got %+v", body, ack)
		}
	}
}

func TestCallbackUnmatched(t *testing.T) {
	svc := NewPaymentService(newFakePaymentRepo(), activeLeaseRepo(), &fakeGateway{}, nil, testWebhookSecret, nil)

	raw, sig := signedCallback(successCallbackBody("ws_CO_unknown"))
	ack := svc.HandleCallback(context.Background(), raw, sig)
	if ack.ResultCode != 0 {
		t.Errorf("unmatched callback must still ack, got %+v", ack)
	}
}

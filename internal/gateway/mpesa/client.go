package mpesa

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/singleflight"

	"github.com/yourorg/rentledger/internal/domain"
	"github.com/yourorg/rentledger/internal/observability/metrics"
	"github.com/yourorg/rentledger/internal/reliability/circuitbreaker"
	"github.com/yourorg/rentledger/internal/reliability/retry"
	"github.com/yourorg/rentledger/pkg/config"
)

// tokenSafetyMargin is how much remaining lifetime a cached token must have
// before it is considered usable. A push request plus the gateway's own
// processing must never outlive the token.
const tokenSafetyMargin = 5 * time.Minute

const timestampLayout = "20060102150405"

// Client talks to the Daraja gateway: OAuth client-credentials token endpoint
// and STK push initiation. The token cache is owned by the client instance,
// guarded by a mutex and single-flighted so N concurrent callers during a
// refresh produce exactly one upstream call.
type Client struct {
	cfg     config.Mpesa
	http    *http.Client
	logger  *slog.Logger
	retry   *retry.Policy
	breaker *circuitbreaker.CircuitBreaker
	now     func() time.Time

	mu          sync.Mutex
	accessToken string
	tokenExpiry time.Time
	flight      singleflight.Group
}

// NewClient creates a gateway client
func NewClient(cfg config.Mpesa, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	c := &Client{
		cfg: cfg,
		http: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		logger:  logger,
		retry:   retry.DefaultPolicy(),
		breaker: circuitbreaker.New(5, 2, 30*time.Second),
		now:     time.Now,
	}
	c.breaker.OnStateChange(func(from, to circuitbreaker.State) {
		logger.Warn("gateway circuit state changed",
			slog.String("from", from.String()),
			slog.String("to", to.String()),
		)
	})
	return c
}

// AccessToken returns a cached bearer token, refreshing it when less than the
// safety margin of lifetime remains. Refreshes are single-flighted.
func (c *Client) AccessToken(ctx context.Context) (string, error) {
	if token, ok := c.cachedToken(); ok {
		return token, nil
	}

	v, err, _ := c.flight.Do("access-token", func() (interface{}, error) {
		// A queued caller may find the token already refreshed by the
		// flight that just finished.
		if token, ok := c.cachedToken(); ok {
			return token, nil
		}
		return c.refreshToken(ctx)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (c *Client) cachedToken() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.accessToken != "" && c.now().Before(c.tokenExpiry.Add(-tokenSafetyMargin)) {
		return c.accessToken, true
	}
	return "", false
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   string `json:"expires_in"`
}

func (c *Client) refreshToken(ctx context.Context) (string, error) {
	token, err := retry.Do(ctx, c.retry, c.logger, "gateway_token_refresh", func(ctx context.Context) (string, error) {
		start := c.now()

		req, err := http.NewRequestWithContext(ctx, http.MethodGet,
			c.cfg.BaseURL+"/oauth/v1/generate?grant_type=client_credentials", nil)
		if err != nil {
			return "", fmt.Errorf("failed to build token request: %w", err)
		}
		req.SetBasicAuth(c.cfg.ConsumerKey, c.cfg.ConsumerSecret)

		resp, err := c.http.Do(req)
		if err != nil {
			metrics.ObserveGatewayRequest("token", "error", time.Since(start))
			return "", fmt.Errorf("token request failed: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			metrics.ObserveGatewayRequest("token", "error", time.Since(start))
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
			return "", fmt.Errorf("token endpoint returned %d: %s", resp.StatusCode, body)
		}

		var tr tokenResponse
		if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
			metrics.ObserveGatewayRequest("token", "error", time.Since(start))
			return "", fmt.Errorf("failed to decode token response: %w", err)
		}
		if tr.AccessToken == "" {
			metrics.ObserveGatewayRequest("token", "error", time.Since(start))
			return "", fmt.Errorf("token endpoint returned empty token")
		}

		// Daraja reports expires_in as a string of seconds.
		ttlSeconds, err := strconv.Atoi(tr.ExpiresIn)
		if err != nil || ttlSeconds <= 0 {
			ttlSeconds = 3599
		}

		c.mu.Lock()
		c.accessToken = tr.AccessToken
		c.tokenExpiry = c.now().Add(time.Duration(ttlSeconds) * time.Second)
		c.mu.Unlock()

		metrics.ObserveGatewayRequest("token", "success", time.Since(start))
		return tr.AccessToken, nil
	})

	if err != nil {
		metrics.ObserveTokenRefresh("error")
		return "", fmt.Errorf("%w: %v", domain.ErrUpstreamUnavailable, err)
	}

	metrics.ObserveTokenRefresh("success")
	return token, nil
}

type pushPayload struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	TransactionType   string `json:"TransactionType"`
	Amount            int64  `json:"Amount"`
	PartyA            string `json:"PartyA"`
	PartyB            string `json:"PartyB"`
	PhoneNumber       string `json:"PhoneNumber"`
	CallBackURL       string `json:"CallBackURL"`
	AccountReference  string `json:"AccountReference"`
	TransactionDesc   string `json:"TransactionDesc"`
}

type pushResult struct {
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
}

// InitiatePush submits an STK push request and returns the gateway's two
// correlation identifiers. Those identifiers, not the eventual receipt
// number, key the asynchronous callback back to this request.
func (c *Client) InitiatePush(ctx context.Context, req domain.PushRequest) (*domain.PushResponse, error) {
	if !c.breaker.Allow() {
		return nil, fmt.Errorf("%w: gateway circuit open", domain.ErrUpstreamUnavailable)
	}

	token, err := c.AccessToken(ctx)
	if err != nil {
		c.breaker.RecordFailure()
		return nil, err
	}

	timestamp := c.now().Format(timestampLayout)
	password := base64.StdEncoding.EncodeToString(
		[]byte(c.cfg.ShortCode + c.cfg.Passkey + timestamp))

	payload := pushPayload{
		BusinessShortCode: c.cfg.ShortCode,
		Password:          password,
		Timestamp:         timestamp,
		TransactionType:   "CustomerPayBillOnline",
		Amount:            req.Amount,
		PartyA:            req.PhoneNumber,
		PartyB:            c.cfg.ShortCode,
		PhoneNumber:       req.PhoneNumber,
		CallBackURL:       c.cfg.CallbackURL,
		AccountReference:  req.AccountReference,
		TransactionDesc:   req.Description,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal push payload: %w", err)
	}

	start := c.now()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.cfg.BaseURL+"/mpesa/stkpush/v1/processrequest", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build push request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		c.breaker.RecordFailure()
		metrics.ObserveGatewayRequest("stk_push", "error", time.Since(start))
		return nil, fmt.Errorf("%w: push request failed: %v", domain.ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()

	var result pushResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		c.breaker.RecordFailure()
		metrics.ObserveGatewayRequest("stk_push", "error", time.Since(start))
		return nil, fmt.Errorf("%w: failed to decode push response: %v", domain.ErrUpstreamUnavailable, err)
	}

	if resp.StatusCode != http.StatusOK || result.ResponseCode != "0" {
		c.breaker.RecordFailure()
		metrics.ObserveGatewayRequest("stk_push", "rejected", time.Since(start))
		return nil, fmt.Errorf("%w: gateway rejected push (status %d, code %q): %s",
			domain.ErrUpstreamUnavailable, resp.StatusCode, result.ResponseCode, result.ResponseDescription)
	}

	c.breaker.RecordSuccess()
	metrics.ObserveGatewayRequest("stk_push", "success", time.Since(start))

	c.logger.Info("push initiated",
		slog.String("merchant_request_id", result.MerchantRequestID),
		slog.String("checkout_request_id", result.CheckoutRequestID),
	)

	return &domain.PushResponse{
		MerchantRequestID: result.MerchantRequestID,
		CheckoutRequestID: result.CheckoutRequestID,
	}, nil
}

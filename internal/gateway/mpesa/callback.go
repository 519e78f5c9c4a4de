package mpesa

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
)

// SignatureHeader carries the webhook signature the gateway computes over the
// raw request body.
const SignatureHeader = "X-Mpesa-Signature"

// VerifySignature compares the header-supplied signature against an
// HMAC-SHA256 of the raw body under the shared webhook secret.
func VerifySignature(secret string, body []byte, signature string) bool {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

// Sign computes the signature the gateway is expected to send. Used by tests
// and by local tooling that replays callbacks.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

type callbackEnvelope struct {
	Body struct {
		StkCallback struct {
			MerchantRequestID string `json:"MerchantRequestID"`
			CheckoutRequestID string `json:"CheckoutRequestID"`
			ResultCode        int    `json:"ResultCode"`
			ResultDesc        string `json:"ResultDesc"`
			CallbackMetadata  struct {
				Item []struct {
					Name  string      `json:"Name"`
					Value interface{} `json:"Value"`
				} `json:"Item"`
			} `json:"CallbackMetadata"`
		} `json:"stkCallback"`
	} `json:"Body"`
}

// CallbackResult is the flattened outcome of a gateway callback. On failure
// the metadata fields are empty: the gateway omits CallbackMetadata entirely
// from failure-shaped bodies.
type CallbackResult struct {
	MerchantRequestID string
	CheckoutRequestID string
	ResultCode        int
	ResultDesc        string
	ReceiptNumber     string
	Amount            int64
	PhoneNumber       string
}

// Success reports whether the gateway confirmed settlement
func (r *CallbackResult) Success() bool {
	return r.ResultCode == 0
}

// ParseCallback extracts the nested result code, description and, on success,
// the receipt number, settled amount and payer phone from a raw callback body.
func ParseCallback(raw []byte) (*CallbackResult, error) {
	var envelope callbackEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("failed to parse callback body: %w", err)
	}

	cb := envelope.Body.StkCallback
	if cb.CheckoutRequestID == "" {
		return nil, fmt.Errorf("callback missing CheckoutRequestID")
	}

	result := &CallbackResult{
		MerchantRequestID: cb.MerchantRequestID,
		CheckoutRequestID: cb.CheckoutRequestID,
		ResultCode:        cb.ResultCode,
		ResultDesc:        cb.ResultDesc,
	}

	for _, item := range cb.CallbackMetadata.Item {
		switch item.Name {
		case "MpesaReceiptNumber":
			if s, ok := item.Value.(string); ok {
				result.ReceiptNumber = s
			}
		case "Amount":
			result.Amount = asInt64(item.Value)
		case "PhoneNumber":
			result.PhoneNumber = asString(item.Value)
		}
	}

	return result, nil
}

// Ack is the fixed acknowledgment body the gateway expects. It never varies
// with internal outcome: the gateway cannot distinguish rejection from
// processing and would retry indefinitely on anything else.
type Ack struct {
	ResultCode int    `json:"ResultCode"`
	ResultDesc string `json:"ResultDesc"`
}

// AcceptedAck returns the success acknowledgment
func AcceptedAck() Ack {
	return Ack{ResultCode: 0, ResultDesc: "Accepted"}
}

func asInt64(v interface{}) int64 {
	switch n := v.(type) {
	case float64:
		return int64(n)
	case string:
		parsed, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0
		}
		return int64(parsed)
	default:
		return 0
	}
}

func asString(v interface{}) string {
	switch s := v.(type) {
	case string:
		return s
	case float64:
		return strconv.FormatInt(int64(s), 10)
	default:
		return ""
	}
}

package webhooks

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	scheme                  = "formbridge-hmac-sha256/v1"
	DefaultToleranceSeconds = 300
)

type VerificationResult struct {
	Valid      bool           `json:"valid"`
	Scheme     string         `json:"scheme"`
	Details    map[string]any `json:"details"`
	DeliveryID string         `json:"delivery_id,omitempty"`
	EventType  string         `json:"event_type,omitempty"`
}

// Verifier checks inbound deliveries on the receiving side.
type Verifier interface {
	Verify(headers http.Header, rawBody []byte, receivedAt time.Time, secret string) (VerificationResult, error)
}

type deliveryVerifier struct {
	toleranceSeconds int
}

// NewVerifier returns a Verifier that checks the signature header and rejects
// timestamps further than toleranceSeconds from receivedAt. A non-positive
// tolerance disables the timestamp check.
func NewVerifier(toleranceSeconds int) Verifier {
	return &deliveryVerifier{toleranceSeconds: toleranceSeconds}
}

func (v *deliveryVerifier) Verify(headers http.Header, rawBody []byte, receivedAt time.Time, secret string) (VerificationResult, error) {
	if strings.TrimSpace(secret) == "" {
		return VerificationResult{}, fmt.Errorf("webhook verifier secret is empty")
	}

	res := VerificationResult{
		Scheme: scheme,
		Details: map[string]any{
			"signature_header_present":   false,
			"timestamp_within_tolerance": v.toleranceSeconds <= 0,
			"tolerance_seconds":          v.toleranceSeconds,
		},
		DeliveryID: strings.TrimSpace(headers.Get(DeliveryHeader)),
		EventType:  strings.TrimSpace(headers.Get(EventHeader)),
	}

	sig := strings.TrimSpace(headers.Get(SignatureHeader))
	if sig == "" {
		return res, nil
	}
	res.Details["signature_header_present"] = true

	if v.toleranceSeconds > 0 {
		ts, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(headers.Get(TimestampHeader)))
		if err != nil {
			if unix, uerr := strconv.ParseInt(strings.TrimSpace(headers.Get(TimestampHeader)), 10, 64); uerr == nil {
				ts, err = time.Unix(unix, 0), nil
			}
		}
		if err != nil {
			return res, nil
		}
		skew := receivedAt.Sub(ts)
		if skew < 0 {
			skew = -skew
		}
		if skew > time.Duration(v.toleranceSeconds)*time.Second {
			return res, nil
		}
		res.Details["timestamp_within_tolerance"] = true
	}

	res.Valid = VerifySignature(rawBody, sig, secret)
	return res, nil
}

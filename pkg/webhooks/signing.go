package webhooks

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

const (
	SignatureHeader = "X-FormBridge-Signature"
	TimestampHeader = "X-FormBridge-Timestamp"
	DeliveryHeader  = "X-FormBridge-Delivery"
	EventHeader     = "X-FormBridge-Event"

	signaturePrefix = "sha256="
)

// SignPayload returns "sha256=<hex>" of HMAC-SHA256(payload, secret). Empty
// payloads and empty secrets are valid inputs.
func SignPayload(payload []byte, secret string) string {
	return signaturePrefix + hex.EncodeToString(computeMAC(payload, secret))
}

// VerifySignature reports whether signature matches payload under secret.
// The "sha256=" prefix is optional. Comparison is constant time.
func VerifySignature(payload []byte, signature, secret string) bool {
	sig := strings.TrimSpace(signature)
	if len(sig) >= len(signaturePrefix) && strings.EqualFold(sig[:len(signaturePrefix)], signaturePrefix) {
		sig = sig[len(signaturePrefix):]
	}
	if sig == "" {
		return false
	}
	got, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	return hmac.Equal(got, computeMAC(payload, secret))
}

func computeMAC(payload []byte, secret string) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(payload)
	return mac.Sum(nil)
}

// Package authn authenticates API callers by bearer key.
package authn

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"strings"
)

var ErrUnauthorized = errors.New("unauthorized")

// Caller identifies an authenticated key without carrying the key itself.
type Caller struct {
	KeyHash string
}

// KeySet holds the accepted API keys as SHA-256 hashes.
type KeySet struct {
	hashes [][]byte
}

func NewKeySet(keys ...string) *KeySet {
	ks := &KeySet{}
	for _, k := range keys {
		if k = strings.TrimSpace(k); k != "" {
			sum := sha256.Sum256([]byte(k))
			ks.hashes = append(ks.hashes, sum[:])
		}
	}
	return ks
}

// Enabled reports whether any key is configured. An empty set accepts everyone.
func (ks *KeySet) Enabled() bool { return ks != nil && len(ks.hashes) > 0 }

// Authenticate checks an Authorization header value against the set.
func (ks *KeySet) Authenticate(authorization string) (*Caller, error) {
	token, ok := ParseBearer(authorization)
	if !ok {
		return nil, ErrUnauthorized
	}
	sum := sha256.Sum256([]byte(token))
	match := 0
	for _, h := range ks.hashes {
		match |= subtle.ConstantTimeCompare(sum[:], h)
	}
	if match != 1 {
		return nil, ErrUnauthorized
	}
	return &Caller{KeyHash: hex.EncodeToString(sum[:])}, nil
}

func ParseBearer(header string) (string, bool) {
	const prefix = "Bearer "
	header = strings.TrimSpace(header)
	if !strings.HasPrefix(header, prefix) {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, prefix))
	if token == "" {
		return "", false
	}
	return token, true
}

// HashToken is the stable identifier used for a key in logs and limiter keys.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

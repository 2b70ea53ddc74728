package security

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
)

// Hasher derives opaque identifiers from raw client addresses using a keyed
// one-way hash. The same raw value always produces the same output for a
// given secret, so hashed identifiers can serve as join keys across the
// event, activity, and block stores without the raw address ever being
// persisted.
type Hasher struct {
	secret []byte
}

// NewHasher creates a Hasher keyed with the given deployment secret.
func NewHasher(secret string) *Hasher {
	return &Hasher{secret: []byte(secret)}
}

// Hash returns the hex-encoded HMAC-SHA-512 of the raw identifier.
func (h *Hasher) Hash(raw string) string {
	mac := hmac.New(sha512.New, h.secret)
	mac.Write([]byte(raw))
	return hex.EncodeToString(mac.Sum(nil))
}

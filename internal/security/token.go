package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// DefaultTokenExpiry is how long an issued security token stays valid.
const DefaultTokenExpiry = 24 * time.Hour

// gcmTagSize is the AES-GCM authentication tag length in bytes.
const gcmTagSize = 16

// tokenPayload is the authenticated-encrypted content of a security token.
// The server stores nothing: validity is re-derived entirely from the
// decrypted payload at verification time.
type tokenPayload struct {
	UserID    int64  `cbor:"user_id"`
	Purpose   string `cbor:"purpose"`
	CreatedAt int64  `cbor:"created_at"`
	ExpiresAt int64  `cbor:"expires_at"`
	Nonce     []byte `cbor:"nonce"`
}

// VerifyResult is the outcome of token verification. All failure modes
// collapse to Valid == false; the distinct reasons go to internal logs
// only, to avoid giving callers an oracle.
type VerifyResult struct {
	Valid  bool  `json:"valid"`
	UserID int64 `json:"user_id,omitempty"`
}

// TokenService issues and verifies purpose-bound, time-limited,
// authenticated-encrypted tokens for sensitive one-off operations. Tokens
// are not session credentials and cannot be revoked before expiry.
type TokenService struct {
	key    []byte
	expiry time.Duration
	logger *slog.Logger
}

// NewTokenService creates a token service keyed with the given secret.
// The AES-256 key is derived from the secret with SHA-256 so any secret
// length is accepted. expiry <= 0 falls back to DefaultTokenExpiry.
func NewTokenService(secret string, expiry time.Duration, logger *slog.Logger) *TokenService {
	if expiry <= 0 {
		expiry = DefaultTokenExpiry
	}
	if logger == nil {
		logger = slog.Default()
	}
	key := sha256.Sum256([]byte(secret))
	return &TokenService{
		key:    key[:],
		expiry: expiry,
		logger: logger,
	}
}

// Issue creates a token bound to the user and purpose, encoded as
// "ciphertext.iv.authTag" in hex.
func (s *TokenService) Issue(userID int64, purpose string) (string, error) {
	now := time.Now()
	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}

	payload := tokenPayload{
		UserID:    userID,
		Purpose:   purpose,
		CreatedAt: now.UnixMilli(),
		ExpiresAt: now.Add(s.expiry).UnixMilli(),
		Nonce:     nonce,
	}
	plaintext, err := cbor.Marshal(payload)
	if err != nil {
		return "", err
	}

	block, err := aes.NewCipher(s.key)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}

	iv := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(iv); err != nil {
		return "", err
	}

	sealed := gcm.Seal(nil, iv, plaintext, nil)
	ciphertext := sealed[:len(sealed)-gcmTagSize]
	tag := sealed[len(sealed)-gcmTagSize:]

	return hex.EncodeToString(ciphertext) + "." + hex.EncodeToString(iv) + "." + hex.EncodeToString(tag), nil
}

// Verify decrypts and authenticates the token, checking purpose and
// expiry. Any failure yields {Valid: false}.
func (s *TokenService) Verify(token, expectedPurpose string) VerifyResult {
	payload, ok := s.open(token)
	if !ok {
		return VerifyResult{}
	}

	if payload.Purpose != expectedPurpose {
		s.logger.Debug("security token purpose mismatch",
			"expected", expectedPurpose)
		return VerifyResult{}
	}
	if time.Now().UnixMilli() >= payload.ExpiresAt {
		s.logger.Debug("security token expired")
		return VerifyResult{}
	}

	return VerifyResult{Valid: true, UserID: payload.UserID}
}

// open decodes, decrypts, and authenticates the token envelope.
func (s *TokenService) open(token string) (*tokenPayload, bool) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		s.logger.Debug("security token malformed")
		return nil, false
	}

	ciphertext, err1 := hex.DecodeString(parts[0])
	iv, err2 := hex.DecodeString(parts[1])
	tag, err3 := hex.DecodeString(parts[2])
	if err1 != nil || err2 != nil || err3 != nil || len(tag) != gcmTagSize {
		s.logger.Debug("security token malformed")
		return nil, false
	}

	block, err := aes.NewCipher(s.key)
	if err != nil {
		return nil, false
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil || len(iv) != gcm.NonceSize() {
		return nil, false
	}

	sealed := append(ciphertext, tag...)
	plaintext, err := gcm.Open(nil, iv, sealed, nil)
	if err != nil {
		s.logger.Debug("security token authentication failed")
		return nil, false
	}

	var payload tokenPayload
	if err := cbor.Unmarshal(plaintext, &payload); err != nil {
		s.logger.Debug("security token payload invalid")
		return nil, false
	}
	return &payload, true
}

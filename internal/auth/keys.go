package auth

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// MinSecretLength is the shortest SESSION_SECRET accepted.
const MinSecretLength = 32

// Key purposes. Each purpose gets an independent key derived from the one
// configured secret, so the cookie signing key never doubles as the
// encryption key.
const (
	purposeCookie = "phone-profile/session-cookie/v1"
	purposeSeal   = "phone-profile/refresh-token-seal/v1"
)

// deriveKey expands secret into a 32-byte key bound to purpose (HKDF-SHA256).
func deriveKey(secret []byte, purpose string) ([32]byte, error) {
	var key [32]byte
	if len(secret) < MinSecretLength {
		return key, fmt.Errorf("auth: secret must be at least %d bytes", MinSecretLength)
	}
	r := hkdf.New(sha256.New, secret, nil, []byte(purpose))
	if _, err := io.ReadFull(r, key[:]); err != nil {
		return key, fmt.Errorf("auth: deriving %s key: %w", purpose, err)
	}
	return key, nil
}

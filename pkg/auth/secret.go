package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

const (
	BcryptCost     = 12
	SelectorBytes  = 10 // 20 hex chars, the public lookup key
	SecretBytes    = 32 // 256-bit single-use secret, URL-safe base64
	SessionIDBytes = 32
)

// GenerateSelector returns the public, non-secret lookup key for a token row.
func GenerateSelector() (string, error) {
	return randomHex(SelectorBytes)
}

// GenerateSecret returns a URL-safe single-use secret. It is embedded in the
// magic link and never persisted in recoverable form.
func GenerateSecret() (string, error) {
	bytes := make([]byte, SecretBytes)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("failed to generate secret: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(bytes), nil
}

// GenerateSessionID returns an opaque session identifier.
func GenerateSessionID() (string, error) {
	return randomHex(SessionIDBytes)
}

// RandomHex returns n random bytes hex-encoded.
func RandomHex(n int) (string, error) {
	return randomHex(n)
}

// HashSecret produces an irreversible, salted hash of a token secret or
// fingerprint material.
func HashSecret(secret string) (string, error) {
	if secret == "" {
		return "", fmt.Errorf("secret cannot be empty")
	}
	hashedBytes, err := bcrypt.GenerateFromPassword([]byte(secret), BcryptCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash secret: %w", err)
	}
	return string(hashedBytes), nil
}

// CompareSecret checks a candidate against a stored hash.
func CompareSecret(hash, secret string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)) == nil
}

// FingerprintMaterial derives the client-binding input hashed into a token
// row: sha256 of the issuing IP and lowercased user-agent. Missing values
// fall back to fixed markers so issuance and verification stay symmetric.
func FingerprintMaterial(ip, userAgent string) string {
	agent := "unknown-agent"
	if userAgent != "" {
		agent = strings.ToLower(userAgent)
	}
	if ip == "" {
		ip = "unknown-ip"
	}
	sum := sha256.Sum256([]byte(ip + "|" + agent))
	return hex.EncodeToString(sum[:])
}

// ConstantTimeEquals compares two strings without leaking their common prefix
// length through timing.
func ConstantTimeEquals(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func randomHex(n int) (string, error) {
	bytes := make([]byte, n)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return hex.EncodeToString(bytes), nil
}

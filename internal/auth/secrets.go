// SPDX-License-Identifier: MIT

// Package auth covers the gateway's three credential kinds: tenant API keys,
// device tokens and one-time pair codes. Raw secrets are generated here and
// shown to the caller exactly once; only digests are persisted (device tokens
// excepted, since they double as HMAC keys).
package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
)

// APIKeyPrefix marks gateway API keys so leaked credentials can be recognised
// by secret scanners.
const APIKeyPrefix = "sms_"

// pairCodeLen is the length of the URL-safe pair code body.
const pairCodeLen = 24

// GenerateAPIKey returns a new raw API key and its storage digest.
func GenerateAPIKey() (raw, digest string, err error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("auth: generate api key: %w", err)
	}
	raw = APIKeyPrefix + hex.EncodeToString(buf)
	return raw, HashSecret(raw), nil
}

// GenerateDeviceToken returns a new raw device token. The token is stored as-is
// because it is the key for request signatures.
func GenerateDeviceToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("auth: generate device token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// GeneratePairCode returns a new raw pair code, its storage digest and the
// display prefix retained for operator listings.
func GeneratePairCode() (raw, digest, prefix string, err error) {
	buf := make([]byte, 18)
	if _, err := rand.Read(buf); err != nil {
		return "", "", "", fmt.Errorf("auth: generate pair code: %w", err)
	}
	raw = base64.RawURLEncoding.EncodeToString(buf)[:pairCodeLen]
	prefix = raw[:6]
	return raw, HashSecret(raw), prefix, nil
}

// GenerateWebhookSecret returns a new raw webhook signing secret. Like device
// tokens it is stored raw; it keys the payload HMAC.
func GenerateWebhookSecret() (string, error) {
	return GenerateDeviceToken()
}

// HashSecret returns the hex SHA-256 digest used for secret storage and lookup.
func HashSecret(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// KeyLast4 returns the trailing characters kept for key listings.
func KeyLast4(raw string) string {
	if len(raw) < 4 {
		return raw
	}
	return raw[len(raw)-4:]
}

// LooksLikeAPIKey reports whether raw carries the gateway key prefix. Used to
// reject obviously malformed credentials before hitting the database.
func LooksLikeAPIKey(raw string) bool {
	return strings.HasPrefix(raw, APIKeyPrefix) && len(raw) == len(APIKeyPrefix)+64
}

// SecureCompare reports whether two strings are equal in constant time.
func SecureCompare(a, b string) bool {
	return hmac.Equal([]byte(a), []byte(b))
}

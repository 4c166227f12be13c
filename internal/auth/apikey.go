// Package auth provides the API key primitives and the Auth Gate that decides,
// per request, whether a bearer token is required and whether it is valid.
// See internal/middleware/auth.go for the request-time glue that uses the gate.
package auth

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

const (
	// APIKeyLength is the length of the random part of the API key in bytes
	APIKeyLength = 32

	// DisplayPrefixLength is the number of leading characters shown by MaskKey
	DisplayPrefixLength = 10

	// DisplaySuffixLength is the number of trailing characters shown by MaskKey
	DisplaySuffixLength = 4
)

// GenerateAPIKey creates a new random URL-safe API key. A non-empty prefix is
// prepended as "<prefix>_".
func GenerateAPIKey(prefix string) (string, error) {
	randomBytes := make([]byte, APIKeyLength)
	if _, err := rand.Read(randomBytes); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}

	randomPart := base64.RawURLEncoding.EncodeToString(randomBytes)
	if prefix == "" {
		return randomPart, nil
	}
	return fmt.Sprintf("%s_%s", prefix, randomPart), nil
}

// MaskKey renders a key for listings as first10...last4.
func MaskKey(key string) string {
	if len(key) <= DisplayPrefixLength+DisplaySuffixLength {
		if len(key) <= DisplaySuffixLength {
			return strings.Repeat("*", len(key))
		}
		return key[:DisplaySuffixLength] + "..."
	}
	return key[:DisplayPrefixLength] + "..." + key[len(key)-DisplaySuffixLength:]
}

// ExtractAPIKeyFromHeader extracts the API key from an Authorization header
// Expected format: "Bearer ocr_abc123xyz..."
func ExtractAPIKeyFromHeader(header string) (string, error) {
	if header == "" {
		return "", errors.New("authorization header is empty")
	}

	if !strings.HasPrefix(header, "Bearer ") {
		return "", errors.New("authorization header must start with 'Bearer '")
	}

	key := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if key == "" {
		return "", errors.New("API key is empty after Bearer prefix")
	}

	return key, nil
}

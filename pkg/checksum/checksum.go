// Package checksum computes the content identifiers used to address conversion
// jobs. A document's identity is the SHA-256 of its decoded bytes, so the same
// PDF delivered by URL, by server path, or by upload collapses to one job.
package checksum

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
)

// KeyLength is the length of a hex-encoded content key.
const KeyLength = sha256.Size * 2

// ContentKey returns the lowercase hex SHA-256 digest of data.
func ContentKey(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// CalculateSHA256 calculates the SHA256 checksum of data from a reader
func CalculateSHA256(reader io.Reader) (string, error) {
	hasher := sha256.New()

	if _, err := io.Copy(hasher, reader); err != nil {
		return "", fmt.Errorf("failed to calculate checksum: %w", err)
	}

	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// IsContentKey reports whether s has the shape of a content key. Path
// parameters are checked with it before they reach storage or SQL.
func IsContentKey(s string) bool {
	if len(s) != KeyLength {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

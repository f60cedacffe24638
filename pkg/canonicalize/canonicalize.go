// Package canonicalize provides RFC 8785 (JSON Canonicalization Scheme)
// serialization for deterministic hashing and signing of gateway envelopes
// and intents. Signer and verifier must agree byte-for-byte on the canonical
// form regardless of map ordering, which is exactly what JCS guarantees.
package canonicalize

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// JCS returns the RFC 8785 canonical JSON representation of v.
//
// v is first marshaled with encoding/json (respecting struct tags), then
// transformed: keys sorted lexicographically by UTF-8 bytes, HTML escaping
// removed, numbers in canonical form.
func JCS(v any) ([]byte, error) {
	intermediate, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("jcs: pre-marshal failed: %w", err)
	}
	canonical, err := jcs.Transform(intermediate)
	if err != nil {
		return nil, fmt.Errorf("jcs: transform failed: %w", err)
	}
	return canonical, nil
}

// CanonicalHash returns the SHA-256 hex digest of the canonical form of v.
func CanonicalHash(v any) (string, error) {
	b, err := JCS(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// HashBytes computes the SHA-256 hash of raw bytes as a hex string.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Package contracts defines the wire-level contracts of the execution
// gateway: the inbound ExecutionEnvelope, the normalized intent union, and
// the outbound response shapes. Envelopes are immutable once received; every
// downstream component works on copies or derived values.
package contracts

import (
	"encoding/json"
	"strings"
	"time"
)

// SchemaVersionV1 is the only recognized envelope schema version.
const SchemaVersionV1 = "v1"

// PlaneExecution is the only plane this gateway serves.
const PlaneExecution = "execution"

// SchemeHMACSHA256 is the single supported A2A auth scheme.
const SchemeHMACSHA256 = "hmac-sha256"

// Operation families. The operation field is an open string within a closed
// family set: "transfer", "send", "swap.*", "defi.deposit", "defi.withdraw",
// "bridge", "hyperliquid.*".
const (
	FamilyTransfer    = "transfer"
	FamilySwap        = "swap"
	FamilyDefi        = "defi"
	FamilyBridge      = "bridge"
	FamilyHyperliquid = "hyperliquid"
)

// Family maps an operation to its connector family, or "" when the operation
// is not part of the recognized enum.
func Family(operation string) string {
	switch {
	case operation == "transfer" || operation == "send":
		return FamilyTransfer
	case operation == "swap" || strings.HasPrefix(operation, "swap."):
		return FamilySwap
	case operation == "defi.deposit" || operation == "defi.withdraw":
		return FamilyDefi
	case operation == "bridge":
		return FamilyBridge
	case strings.HasPrefix(operation, "hyperliquid."):
		return FamilyHyperliquid
	default:
		return ""
	}
}

// AuthStamp carries the A2A authentication material of an envelope.
type AuthStamp struct {
	Scheme    string `json:"scheme"`
	KeyID     string `json:"keyId"`
	Nonce     string `json:"nonce"`
	Timestamp string `json:"timestamp"`
	Signature string `json:"signature"`
}

// ExecutionEnvelope is the inbound bot-to-bot execution request. Timestamps
// are RFC 3339 strings on the wire so the canonical byte form is stable
// across signer and verifier.
type ExecutionEnvelope struct {
	SchemaVersion  string          `json:"schemaVersion"`
	Plane          string          `json:"plane"`
	Operation      string          `json:"operation"`
	RequestID      string          `json:"requestId"`
	CorrelationID  string          `json:"correlationId"`
	IdempotencyKey string          `json:"idempotencyKey,omitempty"`
	Timestamp      string          `json:"timestamp"`
	DryRun         bool            `json:"dryRun"`
	Auth           *AuthStamp      `json:"auth,omitempty"`
	Intent         json.RawMessage `json:"intent"`
}

// ParsedTimestamp returns the envelope timestamp as a time.Time.
func (e *ExecutionEnvelope) ParsedTimestamp() (time.Time, error) {
	return time.Parse(time.RFC3339, e.Timestamp)
}

// WithoutSignature returns a deep copy of the envelope with the auth
// signature cleared. This is the canonicalization base for HMAC signing and
// verification; the original envelope is never mutated.
func (e *ExecutionEnvelope) WithoutSignature() *ExecutionEnvelope {
	clone := *e
	if e.Auth != nil {
		auth := *e.Auth
		auth.Signature = ""
		clone.Auth = &auth
	}
	if e.Intent != nil {
		clone.Intent = append(json.RawMessage(nil), e.Intent...)
	}
	return &clone
}

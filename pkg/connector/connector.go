// Package connector defines the two-phase protocol every execution adapter
// speaks. Preflight is read-only: it validates the intent against live
// state and produces the plan a dry run returns verbatim. Execute performs
// the side effect and is only ever invoked by the owner of a fresh
// idempotency reservation.
package connector

import (
	"context"
	"encoding/json"
	"time"

	"github.com/Mindburn-Labs/keel/core/pkg/contracts"
)

// PreflightReport is the plan produced by the read-only phase. For a dry
// run it is the entire response payload; for a live run it gates Execute.
type PreflightReport struct {
	Family      string          `json:"family"`
	Connector   string          `json:"connector"`
	Chain       string          `json:"chain,omitempty"`
	WalletReady bool            `json:"walletReady"`
	Feasible    bool            `json:"feasible"`
	Reason      string          `json:"reason,omitempty"`
	EstimatedAt time.Time       `json:"estimatedAt"`
	Plan        json.RawMessage `json:"plan,omitempty"` // connector-specific route, quote, fees
}

// ExecutionResult is the side-effect record a live run produces. Reference
// carries the external identifier a settlement tracker can poll on
// (transaction hash, order id, transfer id).
type ExecutionResult struct {
	Family      string          `json:"family"`
	Connector   string          `json:"connector"`
	Reference   string          `json:"reference"`
	Status      string          `json:"status"`
	SubmittedAt time.Time       `json:"submittedAt"`
	Detail      json.RawMessage `json:"detail,omitempty"`

	// Settlement is set when completion is not observable from the source
	// transaction alone; the caller hands it to the settlement tracker.
	Settlement *SettlementHandle `json:"settlement,omitempty"`
}

// SettlementHandle identifies a multi-step operation for status polling.
type SettlementHandle struct {
	OrderID      string `json:"orderId"`
	SourceTxHash string `json:"sourceTxHash"`
}

// Connector executes one family of operations against one protocol.
//
// Supports must be cheap and side-effect free; the registry uses it to
// route an intent to the adapter claiming it. Preflight must not mutate
// any external state. Execute is invoked at most once per idempotency key.
type Connector interface {
	Name() string
	Family() string
	Supports(intent contracts.Intent) bool
	Preflight(ctx context.Context, intent contracts.Intent) (*PreflightReport, error)
	Execute(ctx context.Context, runID string, intent contracts.Intent, plan *PreflightReport) (*ExecutionResult, error)
}

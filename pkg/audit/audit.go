// Package audit implements the append-only event log of the execution
// gateway. Every pipeline stage writes an event on entry, exit, and failure,
// keyed by run identifier, so a run can be fully reconstructed from the log
// alone. Entries are never mutated or deleted by the gateway.
package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event is a single audit record.
type Event struct {
	ID    string          `json:"id"`
	TS    time.Time       `json:"ts"`
	RunID string          `json:"runId"`
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Well-known event names emitted by the pipeline.
const (
	EventRunStarted        = "run.started"
	EventRunCompleted      = "run.completed"
	EventRunFailed         = "run.failed"
	EventPerimeterVerified = "perimeter.verified"
	EventPerimeterRejected = "perimeter.rejected"
	EventPolicyAllowed     = "policy.allowed"
	EventPolicyDenied      = "policy.denied"
	EventIdempotencyNew    = "idempotency.reserved"
	EventIdempotencyReplay = "idempotency.replayed"
	EventIdempotencyHit    = "idempotency.in_flight"
	EventBreakerRejected   = "breaker.rejected"
	EventPreflightOK       = "connector.preflight.ok"
	EventPreflightFailed   = "connector.preflight.failed"
	EventExecuteOK         = "connector.execute.ok"
	EventExecuteFailed     = "connector.execute.failed"
	EventSettlementUpdate  = "settlement.snapshot"
	EventSettlementDone    = "settlement.terminal"
	EventSettlementPending = "settlement.pending"
)

// Log is the append-only sink. Append must never fail the pipeline on data
// shape: payloads that cannot be serialized are recorded with an error note
// instead of being dropped.
type Log interface {
	// Append records an event for runID. Returns the stored event.
	Append(ctx context.Context, runID, event string, data any) (*Event, error)
	// Query returns all events for runID in append order.
	Query(ctx context.Context, runID string) ([]Event, error)
}

// marshalData serializes an event payload, degrading to an error note so an
// unserializable payload never loses the event itself.
func marshalData(data any) json.RawMessage {
	if data == nil {
		return nil
	}
	b, err := json.Marshal(data)
	if err != nil {
		b, _ = json.Marshal(map[string]string{"marshalError": err.Error()})
	}
	return b
}

func newEvent(runID, event string, data any) Event {
	return Event{
		ID:    uuid.New().String(),
		TS:    time.Now().UTC(),
		RunID: runID,
		Event: event,
		Data:  marshalData(data),
	}
}

package contracts

import "github.com/Mindburn-Labs/keel/core/pkg/errcode"

// SecurityInfo reports the perimeter outcome on a successful response.
type SecurityInfo struct {
	Verified bool   `json:"verified"`
	KeyID    string `json:"keyId,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// ErrorBody is the stable error triple surfaced to callers.
type ErrorBody struct {
	Code    errcode.Code   `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// Response is the outbound envelope reply. Exactly one of Plan (dry run) or
// Result (live) is set on success; Error is set on failure.
type Response struct {
	OK             bool         `json:"ok"`
	RunID          string       `json:"runId"`
	DryRun         bool         `json:"dryRun,omitempty"`
	IdempotencyKey string       `json:"idempotencyKey,omitempty"`
	Replayed       bool         `json:"replayed,omitempty"`
	Security       SecurityInfo `json:"security"`
	Plan           any          `json:"plan,omitempty"`
	Result         any          `json:"result,omitempty"`
	Error          *ErrorBody   `json:"error,omitempty"`
}

// FailureResponse shapes an error into the outbound failure form.
func FailureResponse(runID string, err *errcode.Error) Response {
	return Response{
		OK:    false,
		RunID: runID,
		Error: &ErrorBody{
			Code:    err.Code,
			Message: err.Message,
			Details: err.Details,
		},
	}
}

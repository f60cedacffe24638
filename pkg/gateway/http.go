package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/Mindburn-Labs/keel/core/pkg/audit"
	"github.com/Mindburn-Labs/keel/core/pkg/contracts"
	"github.com/Mindburn-Labs/keel/core/pkg/errcode"
	"github.com/Mindburn-Labs/keel/core/pkg/store"
)

// Archiver exports a run's audit trail to long-term storage.
type Archiver interface {
	Export(ctx context.Context, runID string) (*audit.ArchiveBundle, string, error)
}

// Server exposes the gateway over HTTP.
type Server struct {
	gw       *Gateway
	archiver Archiver // optional
	logger   *slog.Logger
}

// NewServer builds the HTTP surface for a gateway.
func NewServer(gw *Gateway, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{gw: gw, logger: logger.With("component", "http")}
}

// WithArchiver enables the run-archive endpoint.
func (s *Server) WithArchiver(a Archiver) *Server {
	s.archiver = a
	return s
}

// Handler returns the route mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/execute", s.handleExecute)
	mux.HandleFunc("GET /v1/runs/{id}", s.handleRun)
	mux.HandleFunc("POST /v1/runs/{id}/archive", s.handleArchive)
	mux.HandleFunc("GET /health", s.handleHealth)
	return mux
}

// statusFor maps error codes onto HTTP statuses. Unknown codes are 500.
func statusFor(code errcode.Code) int {
	switch code {
	case errcode.CodeSchemaInvalid, errcode.CodeUnsupportedVersion, errcode.CodeUnsupportedOperation:
		return http.StatusBadRequest
	case errcode.CodeAuthRequired, errcode.CodeKeyUnknown, errcode.CodeSignatureInvalid,
		errcode.CodeSchemeUnsupported, errcode.CodeNonceReplay,
		errcode.CodeTimestampWindow, errcode.CodeTimestampDrift:
		return http.StatusUnauthorized
	case errcode.CodePolicyDenied:
		return http.StatusForbidden
	case errcode.CodeInFlight:
		return http.StatusConflict
	case errcode.CodeRateLimited, errcode.CodeBreakerOpen:
		return http.StatusTooManyRequests
	case errcode.CodeProtocolUnsupported:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error("response encode failed", "error", err)
	}
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var env contracts.ExecutionEnvelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		s.writeJSON(w, http.StatusBadRequest, contracts.FailureResponse("",
			errcode.Wrap(errcode.CodeSchemaInvalid, err, "request body is not a valid envelope")))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Minute)
	defer cancel()

	resp := s.gw.Handle(ctx, &env)
	status := http.StatusOK
	if !resp.OK && resp.Error != nil {
		status = statusFor(resp.Error.Code)
	}
	s.writeJSON(w, status, resp)
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	events, err := s.gw.Runs(r.Context(), runID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		s.writeJSON(w, http.StatusInternalServerError, contracts.FailureResponse(runID,
			errcode.Wrap(errcode.CodeStoreFailure, err, "audit query failed")))
		return
	}
	if len(events) == 0 {
		s.writeJSON(w, http.StatusNotFound, map[string]any{"runId": runID, "events": []any{}})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"runId": runID, "events": events})
}

func (s *Server) handleArchive(w http.ResponseWriter, r *http.Request) {
	if s.archiver == nil {
		s.writeJSON(w, http.StatusNotImplemented, map[string]string{"error": "no archive destination configured"})
		return
	}
	runID := r.PathValue("id")
	bundle, key, err := s.archiver.Export(r.Context(), runID)
	if err != nil {
		s.logger.Error("archive export failed", "run_id", runID, "error", err)
		s.writeJSON(w, http.StatusInternalServerError, contracts.FailureResponse(runID,
			errcode.Wrap(errcode.CodeStoreFailure, err, "archive export failed")))
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"runId":      runID,
		"objectKey":  key,
		"checksum":   bundle.Checksum,
		"eventCount": bundle.EventCount,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

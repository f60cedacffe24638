// Package gateway runs the execution pipeline: envelope validation, the
// security perimeter, the policy gate, idempotency reservation, breaker
// admission, the two-phase connector protocol, and settlement tracking.
// Every stage appends audit events under the run id, and every rejection
// happens at the earliest stage that can decide it.
package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"

	"github.com/Mindburn-Labs/keel/core/pkg/audit"
	"github.com/Mindburn-Labs/keel/core/pkg/breaker"
	"github.com/Mindburn-Labs/keel/core/pkg/canonicalize"
	"github.com/Mindburn-Labs/keel/core/pkg/connector"
	"github.com/Mindburn-Labs/keel/core/pkg/contracts"
	"github.com/Mindburn-Labs/keel/core/pkg/envelope"
	"github.com/Mindburn-Labs/keel/core/pkg/errcode"
	"github.com/Mindburn-Labs/keel/core/pkg/idempotency"
	"github.com/Mindburn-Labs/keel/core/pkg/observability"
	"github.com/Mindburn-Labs/keel/core/pkg/perimeter"
	"github.com/Mindburn-Labs/keel/core/pkg/policy"
	"github.com/Mindburn-Labs/keel/core/pkg/settlement"
)

// Gateway wires the pipeline stages together. All fields are required
// except the tracker (nil skips settlement progression) and the limiter
// (nil disables rate limiting).
type Gateway struct {
	validator *envelope.Validator
	verifier  *perimeter.Verifier
	gate      policy.Gate
	idem      *idempotency.Coordinator
	breakers  *breaker.Registry
	registry  *connector.Registry
	tracker   *settlement.Tracker
	auditLog  audit.Log
	obs       *observability.Provider
	limiter   *rate.Limiter
	logger    *slog.Logger
	clock     func() time.Time
}

// Options carries the pipeline dependencies.
type Options struct {
	Validator *envelope.Validator
	Verifier  *perimeter.Verifier
	Gate      policy.Gate
	Idem      *idempotency.Coordinator
	Breakers  *breaker.Registry
	Registry  *connector.Registry
	Tracker   *settlement.Tracker
	AuditLog  audit.Log
	Obs       *observability.Provider
	Limiter   *rate.Limiter
	Logger    *slog.Logger
}

// New builds the gateway.
func New(opts Options) *Gateway {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		validator: opts.Validator,
		verifier:  opts.Verifier,
		gate:      opts.Gate,
		idem:      opts.Idem,
		breakers:  opts.Breakers,
		registry:  opts.Registry,
		tracker:   opts.Tracker,
		auditLog:  opts.AuditLog,
		obs:       opts.Obs,
		limiter:   opts.Limiter,
		logger:    logger.With("component", "gateway"),
		clock:     time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (g *Gateway) WithClock(clock func() time.Time) *Gateway {
	g.clock = clock
	return g
}

func (g *Gateway) appendAudit(ctx context.Context, runID, event string, data any) {
	if g.auditLog == nil {
		return
	}
	if _, err := g.auditLog.Append(ctx, runID, event, data); err != nil {
		g.logger.ErrorContext(ctx, "audit append failed", "run_id", runID, "event", event, "error", err)
	}
}

func (g *Gateway) fail(ctx context.Context, runID string, verdict *perimeter.Verdict, err error) contracts.Response {
	typed := errcode.From(err)
	g.appendAudit(ctx, runID, audit.EventRunFailed, map[string]any{
		"code":    typed.Code,
		"message": typed.Message,
	})
	if g.obs != nil {
		g.obs.RecordError(ctx, string(typed.Code))
	}
	resp := contracts.FailureResponse(runID, typed)
	if verdict != nil {
		resp.Security = contracts.SecurityInfo{
			Verified: verdict.Verified,
			KeyID:    verdict.KeyID,
			Reason:   verdict.Reason,
		}
	}
	return resp
}

// runOutcome is the replayable payload stored under the idempotency key.
type runOutcome struct {
	Result     *connector.ExecutionResult `json:"result"`
	Settlement *settlement.TrackingRecord `json:"settlement,omitempty"`
}

// Handle processes one envelope end to end and returns the caller-facing
// response. It never panics across a connector boundary and never invokes
// a connector twice for the same idempotency key.
func (g *Gateway) Handle(ctx context.Context, env *contracts.ExecutionEnvelope) contracts.Response {
	runID := uuid.NewString()
	started := g.clock()

	ctx, span := g.obsStart(ctx, env)
	defer span.end()

	g.appendAudit(ctx, runID, audit.EventRunStarted, map[string]any{
		"operation": env.Operation,
		"requestId": env.RequestID,
		"dryRun":    env.DryRun,
	})
	if g.obs != nil {
		g.obs.RecordRun(ctx, attribute.String("operation", env.Operation))
		done := g.obs.RunStarted(ctx)
		defer done()
		defer func() { g.obs.RecordDuration(ctx, g.clock().Sub(started)) }()
	}

	// Stage 1: schema validation. Nothing downstream sees a malformed
	// envelope.
	intent, err := g.validator.Validate(env)
	if err != nil {
		return g.fail(ctx, runID, nil, err)
	}

	// Stage 2: security perimeter. Unauthenticated callers are turned away
	// before they consume rate-limit budget.
	verdict, err := g.verifier.Verify(ctx, env)
	if err != nil {
		g.appendAudit(ctx, runID, audit.EventPerimeterRejected, map[string]any{
			"code": errcode.CodeOf(err),
		})
		return g.fail(ctx, runID, &verdict, err)
	}
	g.appendAudit(ctx, runID, audit.EventPerimeterVerified, verdict)
	security := contracts.SecurityInfo{
		Verified: verdict.Verified,
		KeyID:    verdict.KeyID,
		Reason:   verdict.Reason,
	}

	// Stage 3: admission rate limit.
	if g.limiter != nil && !g.limiter.Allow() {
		return g.fail(ctx, runID, &verdict, errcode.New(errcode.CodeRateLimited,
			"request rate limit exceeded").AsRetryable())
	}

	// Stage 4: policy gate.
	decision, err := g.gate.Evaluate(ctx, env, intent)
	if err != nil {
		return g.fail(ctx, runID, &verdict, err)
	}
	if !decision.Allowed {
		g.appendAudit(ctx, runID, audit.EventPolicyDenied, decision)
		return g.fail(ctx, runID, &verdict, policy.Denied(decision))
	}
	g.appendAudit(ctx, runID, audit.EventPolicyAllowed, decision)

	// Dry runs stop after preflight and never consume an idempotency key;
	// they have no side effect worth deduplicating.
	if env.DryRun {
		resp := g.preflightOnly(ctx, runID, env, intent)
		resp.Security = security
		return resp
	}

	// Stage 5: idempotency reservation.
	key, err := idempotency.DeriveKey(env, intent, decision.Version)
	if err != nil {
		return g.fail(ctx, runID, &verdict, err)
	}
	hash, err := canonicalize.CanonicalHash(map[string]any{
		"intent":        intent.Canonical(),
		"operation":     env.Operation,
		"policyVersion": decision.Version,
	})
	if err != nil {
		return g.fail(ctx, runID, &verdict, errcode.Wrap(errcode.CodeSchemaInvalid, err,
			"intent canonicalization failed"))
	}
	res, err := g.idem.Reserve(ctx, key, hash)
	if err != nil {
		return g.fail(ctx, runID, &verdict, err)
	}
	if !res.IsNew {
		resp := g.replay(ctx, runID, key, res.Record)
		resp.Security = security
		return resp
	}
	g.appendAudit(ctx, runID, audit.EventIdempotencyNew, map[string]any{"key": key})

	resp := g.execute(ctx, runID, env, intent, res, key)
	resp.Security = security
	return resp
}

// replay serves a previously observed outcome without touching any
// connector.
func (g *Gateway) replay(ctx context.Context, runID, key string, rec idempotency.Record) contracts.Response {
	switch rec.Status {
	case idempotency.StatusPending:
		g.appendAudit(ctx, runID, audit.EventIdempotencyHit, map[string]any{"key": key})
		return g.fail(ctx, runID, nil, errcode.New(errcode.CodeInFlight,
			"an execution with this idempotency key is already in flight").
			WithDetail("key", key).AsRetryable())
	case idempotency.StatusFailed:
		g.appendAudit(ctx, runID, audit.EventIdempotencyReplay, map[string]any{"key": key, "status": rec.Status})
		return contracts.Response{
			OK:             false,
			RunID:          runID,
			IdempotencyKey: key,
			Replayed:       true,
			Error: &contracts.ErrorBody{
				Code:    rec.ErrorCode,
				Message: rec.ErrorMessage,
			},
		}
	default:
		g.appendAudit(ctx, runID, audit.EventIdempotencyReplay, map[string]any{"key": key, "status": rec.Status})
		var outcome runOutcome
		if err := json.Unmarshal(rec.Result, &outcome); err != nil {
			return g.fail(ctx, runID, nil, errcode.Wrap(errcode.CodeStoreFailure, err,
				"stored outcome for this idempotency key is unreadable"))
		}
		return contracts.Response{
			OK:             true,
			RunID:          runID,
			IdempotencyKey: key,
			Replayed:       true,
			Result:         outcome,
		}
	}
}

// preflightOnly is the dry-run path: resolve, preflight, report.
func (g *Gateway) preflightOnly(ctx context.Context, runID string, env *contracts.ExecutionEnvelope, intent contracts.Intent) contracts.Response {
	conn, err := g.registry.Resolve(intent)
	if err != nil {
		return g.fail(ctx, runID, nil, err)
	}
	report, err := conn.Preflight(ctx, intent)
	if err != nil {
		g.appendAudit(ctx, runID, audit.EventPreflightFailed, map[string]any{
			"connector": conn.Name(), "code": errcode.CodeOf(err),
		})
		return g.fail(ctx, runID, nil, err)
	}
	g.appendAudit(ctx, runID, audit.EventPreflightOK, report)
	g.appendAudit(ctx, runID, audit.EventRunCompleted, map[string]any{"dryRun": true})
	return contracts.Response{OK: true, RunID: runID, DryRun: true, Plan: report}
}

// execute runs the live path for a fresh reservation. Admission failures
// release the reservation so a later retry can execute; connector failures
// are terminal and recorded for replay.
func (g *Gateway) execute(ctx context.Context, runID string, env *contracts.ExecutionEnvelope, intent contracts.Intent, res *idempotency.Reservation, key string) contracts.Response {
	family := intent.IntentFamily()

	// Breaker admission. Nothing was attempted, so the reservation is
	// released rather than failed.
	if err := g.breakers.Admit(family); err != nil {
		g.appendAudit(ctx, runID, audit.EventBreakerRejected, map[string]any{"family": family})
		if rerr := g.idem.Release(ctx, res); rerr != nil {
			g.logger.ErrorContext(ctx, "reservation release failed", "run_id", runID, "error", rerr)
		}
		return g.fail(ctx, runID, nil, err)
	}

	// Every admitted request must report a trial outcome; a locally rejected
	// request cancels so an abandoned half-open trial never wedges the family.
	brk := g.breakers.For(family)

	conn, err := g.registry.Resolve(intent)
	if err != nil {
		brk.Cancel()
		return g.terminal(ctx, runID, res, key, family, err)
	}

	report, err := conn.Preflight(ctx, intent)
	if err != nil {
		brk.Failure()
		g.appendAudit(ctx, runID, audit.EventPreflightFailed, map[string]any{
			"connector": conn.Name(), "code": errcode.CodeOf(err),
		})
		return g.terminal(ctx, runID, res, key, family, err)
	}
	g.appendAudit(ctx, runID, audit.EventPreflightOK, report)
	if !report.Feasible {
		brk.Cancel()
		return g.terminal(ctx, runID, res, key, family, errcode.Newf(
			errcode.FamilyCode(family, errcode.SuffixPreflightFailed),
			"preflight found the operation infeasible: %s", report.Reason))
	}
	if !report.WalletReady {
		brk.Cancel()
		return g.terminal(ctx, runID, res, key, family, errcode.New(
			errcode.FamilyCode(family, errcode.SuffixExecutionFailed),
			"live execution requires configured credentials"))
	}

	result, err := conn.Execute(ctx, runID, intent, report)
	if err != nil {
		brk.Failure()
		g.appendAudit(ctx, runID, audit.EventExecuteFailed, map[string]any{
			"connector": conn.Name(), "code": errcode.CodeOf(err),
		})
		return g.terminal(ctx, runID, res, key, family, err)
	}
	brk.Success()
	g.appendAudit(ctx, runID, audit.EventExecuteOK, result)

	outcome := runOutcome{Result: result}

	// Settlement progression for multi-step operations. A record that runs
	// out of attempts stays pending; that is a state, not an error.
	if result.Settlement != nil && g.tracker != nil {
		track, terr := g.tracker.Track(ctx, *result.Settlement)
		if terr != nil {
			g.logger.ErrorContext(ctx, "settlement tracking failed", "run_id", runID, "error", terr)
		} else {
			outcome.Settlement = track
			g.appendAudit(ctx, runID, audit.EventSettlementUpdate, map[string]any{
				"orderId": track.OrderID, "attempts": track.Attempts,
			})
			if track.Completed {
				g.appendAudit(ctx, runID, audit.EventSettlementDone, map[string]any{"orderId": track.OrderID})
			} else {
				g.appendAudit(ctx, runID, audit.EventSettlementPending, map[string]any{"orderId": track.OrderID})
			}
		}
	}

	raw, err := json.Marshal(outcome)
	if err != nil {
		return g.terminal(ctx, runID, res, key, family, errcode.Wrap(errcode.CodeStoreFailure, err,
			"outcome serialization failed"))
	}
	if err := g.idem.Complete(ctx, res, raw); err != nil {
		// The side effect happened; surface the result even though the
		// record could not be finalized.
		g.logger.ErrorContext(ctx, "idempotency completion failed", "run_id", runID, "error", err)
	}
	g.appendAudit(ctx, runID, audit.EventRunCompleted, map[string]any{"key": key})

	return contracts.Response{OK: true, RunID: runID, IdempotencyKey: key, Result: outcome}
}

// terminal records a connector failure on the reservation and shapes the
// failure response. Foreign connector errors are normalized into the
// family's execution-failed code so every surfaced code stays in the
// closed vocabulary.
func (g *Gateway) terminal(ctx context.Context, runID string, res *idempotency.Reservation, key, family string, err error) contracts.Response {
	typed := errcode.Normalize(family, err)
	if ferr := g.idem.Fail(ctx, res, typed); ferr != nil {
		g.logger.ErrorContext(ctx, "idempotency fail-record failed", "run_id", runID, "error", ferr)
	}
	resp := g.fail(ctx, runID, nil, typed)
	resp.IdempotencyKey = key
	return resp
}

// Runs returns the audit trail for a run id.
func (g *Gateway) Runs(ctx context.Context, runID string) ([]audit.Event, error) {
	if g.auditLog == nil {
		return nil, nil
	}
	return g.auditLog.Query(ctx, runID)
}

// spanHandle lets Handle defer span.End without importing trace at every
// call site.
type spanHandle struct{ end func() }

func (g *Gateway) obsStart(ctx context.Context, env *contracts.ExecutionEnvelope) (context.Context, spanHandle) {
	if g.obs == nil {
		return ctx, spanHandle{end: func() {}}
	}
	ctx, span := g.obs.StartSpan(ctx, "gateway.handle")
	span.SetAttributes(
		attribute.String("operation", env.Operation),
		attribute.Bool("dry_run", env.DryRun),
	)
	return ctx, spanHandle{end: func() { span.End() }}
}

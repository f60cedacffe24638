// Package envelope validates inbound execution envelopes before anything
// else touches them. Validation fails closed: an unknown schema version,
// an unrecognized operation, or an intent the per-family JSON schema does
// not accept all reject the request with no side effect.
package envelope

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/Mindburn-Labs/keel/core/pkg/contracts"
	"github.com/Mindburn-Labs/keel/core/pkg/errcode"
)

// Validator checks envelope structure and the operation-specific intent
// shape. One instance compiles its schemas at construction and is safe
// for concurrent use.
type Validator struct {
	byFamily map[string]*jsonschema.Schema
}

// NewValidator compiles the intent schemas. Compilation failure is a
// programming error and surfaces at startup.
func NewValidator() (*Validator, error) {
	sources := map[string]string{
		contracts.FamilyTransfer:    transferSchema,
		contracts.FamilySwap:        swapSchema,
		contracts.FamilyDefi:        lendingSchema,
		contracts.FamilyBridge:      bridgeSchema,
		contracts.FamilyHyperliquid: perpSchema,
	}
	byFamily := make(map[string]*jsonschema.Schema, len(sources))
	for family, src := range sources {
		compiler := jsonschema.NewCompiler()
		url := "schema://intent/" + family + ".json"
		if err := compiler.AddResource(url, bytes.NewReader([]byte(src))); err != nil {
			return nil, fmt.Errorf("envelope validator: add %s schema: %w", family, err)
		}
		schema, err := compiler.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("envelope validator: compile %s schema: %w", family, err)
		}
		byFamily[family] = schema
	}
	return &Validator{byFamily: byFamily}, nil
}

// Validate checks the envelope and decodes its intent. The returned intent
// is the typed, canonicalizable form the rest of the pipeline consumes.
func (v *Validator) Validate(env *contracts.ExecutionEnvelope) (contracts.Intent, error) {
	if env.SchemaVersion != contracts.SchemaVersionV1 {
		return nil, errcode.Newf(errcode.CodeUnsupportedVersion,
			"unsupported schema version %q", env.SchemaVersion)
	}
	if env.Plane != contracts.PlaneExecution {
		return nil, errcode.Newf(errcode.CodeSchemaInvalid,
			"envelope plane must be %q", contracts.PlaneExecution)
	}
	if env.RequestID == "" {
		return nil, errcode.New(errcode.CodeSchemaInvalid, "requestId is required")
	}
	if _, err := env.ParsedTimestamp(); err != nil {
		return nil, errcode.Wrap(errcode.CodeSchemaInvalid, err, "invalid envelope timestamp")
	}

	family := contracts.Family(env.Operation)
	if family == "" {
		return nil, errcode.Newf(errcode.CodeUnsupportedOperation,
			"unrecognized operation %q", env.Operation)
	}
	schema, ok := v.byFamily[family]
	if !ok {
		return nil, errcode.Newf(errcode.CodeUnsupportedOperation,
			"no intent schema for family %q", family)
	}

	if len(env.Intent) == 0 {
		return nil, errcode.New(errcode.CodeSchemaInvalid, "intent is required")
	}
	var doc any
	if err := json.Unmarshal(env.Intent, &doc); err != nil {
		return nil, errcode.Wrap(errcode.CodeSchemaInvalid, err, "intent is not valid JSON")
	}
	if err := schema.Validate(doc); err != nil {
		return nil, errcode.Wrap(errcode.CodeSchemaInvalid, err, "intent failed schema validation").
			WithDetail("operation", env.Operation)
	}

	intent, err := contracts.DecodeIntent(env.Operation, env.Intent)
	if err != nil {
		return nil, errcode.Wrap(errcode.CodeSchemaInvalid, err, "decode intent")
	}
	return intent, nil
}

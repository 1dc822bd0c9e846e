// Package telemetry accepts adapter-reported evidence inside signed
// envelopes, verifies origin, freshness, and integrity, and fans the
// payload out to the trace, audit, cost, metrics, and violation sinks.
package telemetry

import (
	"encoding/json"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/AppLetico/clasper/pkg/errs"
)

// EnvelopeVersion is the only accepted wire version.
const EnvelopeVersion = "v1"

// PayloadType selects the sink an envelope dispatches to.
type PayloadType string

const (
	PayloadTrace      PayloadType = "trace"
	PayloadAudit      PayloadType = "audit"
	PayloadCost       PayloadType = "cost"
	PayloadMetrics    PayloadType = "metrics"
	PayloadViolations PayloadType = "violations"
)

// Envelope is the signed wire form of adapter telemetry. Payload stays
// opaque JSON here; it is schema-checked per payload type only after
// the envelope itself verifies.
type Envelope struct {
	EnvelopeVersion string          `json:"envelope_version"`
	AdapterID       string          `json:"adapter_id"`
	AdapterVersion  string          `json:"adapter_version"`
	IssuedAt        string          `json:"issued_at"`
	ExecutionID     string          `json:"execution_id"`
	TraceID         string          `json:"trace_id"`
	PayloadType     PayloadType     `json:"payload_type"`
	Payload         json.RawMessage `json:"payload"`
	PayloadHash     string          `json:"payload_hash"`
	Signature       string          `json:"signature"`
}

const envelopeSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["envelope_version", "adapter_id", "adapter_version", "issued_at", "execution_id", "trace_id", "payload_type", "payload", "payload_hash", "signature"],
	"properties": {
		"envelope_version": {"const": "v1"},
		"adapter_id": {"type": "string", "minLength": 1},
		"adapter_version": {"type": "string"},
		"issued_at": {"type": "string", "format": "date-time"},
		"execution_id": {"type": "string", "minLength": 1},
		"trace_id": {"type": "string"},
		"payload_type": {"enum": ["trace", "audit", "cost", "metrics", "violations"]},
		"payload_hash": {"type": "string", "pattern": "^sha256:[0-9a-f]{64}$"},
		"signature": {"type": "string", "minLength": 1}
	}
}`

var compiledEnvelopeSchema = mustCompileSchema("envelope.schema.json", envelopeSchema)

func mustCompileSchema(name, doc string) *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	url := "https://clasper.schemas.local/" + name
	if err := c.AddResource(url, strings.NewReader(doc)); err != nil {
		panic(err)
	}
	return c.MustCompile(url)
}

// ParseEnvelope decodes and schema-validates raw bytes. Size limiting
// happens earlier at the transport; this guards structure only.
func ParseEnvelope(raw []byte) (*Envelope, error) {
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, errs.Wrap(errs.KindSchemaInvalid, "envelope is not JSON", err)
	}
	if err := compiledEnvelopeSchema.Validate(generic); err != nil {
		return nil, errs.Wrap(errs.KindSchemaInvalid, "envelope failed schema validation", err)
	}

	env := &Envelope{}
	if err := json.Unmarshal(raw, env); err != nil {
		return nil, errs.Wrap(errs.KindSchemaInvalid, "envelope decode failed", err)
	}
	return env, nil
}

package tracing

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Attribute keys for this proxy's request lifecycle, scoped down to what
// the pipeline actually carries rather than a generic gateway's
// provider/cost accounting fields.
const (
	AttrClientID  = "aspyx.client_id"
	AttrSessionID = "aspyx.session_id"
	AttrRoute     = "aspyx.route"
	AttrModel     = "aspyx.model"
	AttrStage     = "aspyx.stage" // resolve, transform, translate, upstream, augment, respond

	AttrTokensInput  = "aspyx.tokens.input"
	AttrTokensOutput = "aspyx.tokens.output"

	AttrBlocked     = "aspyx.blocked"
	AttrBlockReason = "aspyx.block_reason"
)

// SetRequestAttributes tags a span with the identifiers that matter for
// correlating it back to a Cortex session row.
func SetRequestAttributes(span trace.Span, clientID, sessionID, route string) {
	attrs := []attribute.KeyValue{attribute.String(AttrClientID, clientID), attribute.String(AttrRoute, route)}
	if sessionID != "" {
		attrs = append(attrs, attribute.String(AttrSessionID, sessionID))
	}
	span.SetAttributes(attrs...)
}

// SetStage tags which pipeline stage a span represents.
func SetStage(span trace.Span, stage string) {
	span.SetAttributes(attribute.String(AttrStage, stage))
}

// SetModel tags the resolved backend model name.
func SetModel(span trace.Span, model string) {
	if model != "" {
		span.SetAttributes(attribute.String(AttrModel, model))
	}
}

// SetTokenAttributes tags input/output token counts, once known from a
// message_delta usage field.
func SetTokenAttributes(span trace.Span, input, output int64) {
	span.SetAttributes(attribute.Int64(AttrTokensInput, input), attribute.Int64(AttrTokensOutput, output))
}

// SetBlocked tags a span whose request the transform pipeline refused
// to forward upstream.
func SetBlocked(span trace.Span, reason string) {
	span.SetAttributes(attribute.Bool(AttrBlocked, true), attribute.String(AttrBlockReason, reason))
}

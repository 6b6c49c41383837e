package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var (
	AttrMandateID      = attribute.Key("helmpay.mandate.id")
	AttrSubject        = attribute.Key("helmpay.subject")
	AttrOrganizationID = attribute.Key("helmpay.organization.id")
	AttrExecutionMode  = attribute.Key("helmpay.execution.mode")
	AttrOutcome        = attribute.Key("helmpay.outcome")
	AttrReasonCode     = attribute.Key("helmpay.reason_code")
	AttrRail           = attribute.Key("helmpay.rail")
)

// PaymentOperation creates attributes for a payment execution.
func PaymentOperation(mandateID, subject, organizationID, mode string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrMandateID.String(mandateID),
		AttrSubject.String(subject),
		AttrOrganizationID.String(organizationID),
		AttrExecutionMode.String(mode),
	}
}

// AddSpanEvent adds an event to the span in ctx.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).AddEvent(name, trace.WithAttributes(attrs...))
}

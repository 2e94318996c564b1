package bridge

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// InstrumentationName is the tracer name used when Config.Tracer is unset.
const InstrumentationName = "genbridge/internal/bridge"

func defaultTracer() trace.Tracer { return otel.Tracer(InstrumentationName) }

// endSpan records err on span unless it is a cancellation, then ends it.
func endSpan(span trace.Span, err error) {
	if err != nil && !IsCancelled(err) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// Package telemetry holds the OpenTelemetry tracer and the span and
// attribute names shared by the fetch and preload paths.
//
// No exporter is installed here. Spans go to whatever TracerProvider the
// host registered with otel.SetTracerProvider, which is a no-op by default.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// InstrumentationName identifies this module's tracer.
const InstrumentationName = "github.com/meigma/picload"

// Attribute keys.
const (
	AttrURL        = "asset.url"
	AttrKey        = "cache.key"
	AttrCacheHit   = "cache.hit"
	AttrCached     = "asset.cached"
	AttrAttempt    = "fetch.attempt"
	AttrAttempts   = "fetch.max_attempts"
	AttrStatusCode = "http.response.status_code"
	AttrBytes      = "asset.bytes"
	AttrShared     = "preload.shared"
	AttrURLCount   = "preload.urls"
)

// Span names.
const (
	SpanDownload = "fetch.download"
	SpanAttempt  = "fetch.attempt"
	SpanGet      = "preload.get"
	SpanPreload  = "preload.batch"
)

// Tracer returns the module tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(InstrumentationName)
}

// Start starts a span named name with the given attributes.
func Start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, trace.WithAttributes(attrs...))
}

// RecordError marks span as failed with err. A nil err is ignored.
func RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

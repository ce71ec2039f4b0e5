package logging

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type (
	incidentCtxKey struct{}
	requestCtxKey  struct{}
	loggerCtxKey   struct{}
)

// Incident identifies the incident a log line belongs to.
type Incident struct {
	ID       string
	Platform string
}

// ContextFields returns the correlation fields carried by ctx.
func ContextFields(ctx context.Context) []zap.Field {
	if ctx == nil {
		return nil
	}
	fields := make([]zap.Field, 0, 5)

	if sc := trace.SpanFromContext(ctx).SpanContext(); sc.IsValid() {
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
	}
	if inc, ok := ctx.Value(incidentCtxKey{}).(Incident); ok {
		fields = append(fields, zap.String("incident.id", inc.ID))
		if inc.Platform != "" {
			fields = append(fields, zap.String("incident.platform", inc.Platform))
		}
	}
	if id := RequestIDFromContext(ctx); id != "" {
		fields = append(fields, zap.String("request.id", id))
	}
	return fields
}

// WithIncident attaches incident correlation to ctx.
func WithIncident(ctx context.Context, id, platform string) context.Context {
	return context.WithValue(ctx, incidentCtxKey{}, Incident{ID: id, Platform: platform})
}

// IncidentFromContext returns the incident attached with WithIncident.
func IncidentFromContext(ctx context.Context) (Incident, bool) {
	inc, ok := ctx.Value(incidentCtxKey{}).(Incident)
	return inc, ok
}

// WithRequestID attaches an inbound request id to ctx.
func WithRequestID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, requestCtxKey{}, id)
}

// RequestIDFromContext returns the request id, or "".
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestCtxKey{}).(string)
	return id
}

// WithLogger stores l in ctx.
func WithLogger(ctx context.Context, l *Logger) context.Context {
	return context.WithValue(ctx, loggerCtxKey{}, l)
}

// FromContext returns the logger stored in ctx, or a no-op logger.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerCtxKey{}).(*Logger); ok {
		return l
	}
	return NewNop()
}

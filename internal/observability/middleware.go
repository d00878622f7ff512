package observability

import (
	"context"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

// Chronicle span attribute keys. The session id is known at ingress; the
// operation and record id are resolved inside the write path and attached
// to the server span via SetOperation once canonicalization has run.
const (
	attrSessionID = "chronicle.session_id"
	attrOperation = "chronicle.operation"
	attrRecordID  = "chronicle.record_id"
	attrStatus    = "chronicle.status"
)

// HTTPMiddleware opens a server span per request, propagating any incoming
// trace context. Store-level child spans are opened by the write
// coordinator; this span carries the request-level chronicle attributes.
func HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !Enabled() {
			next.ServeHTTP(w, r)
			return
		}

		ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))

		attrs := []attribute.KeyValue{
			semconv.HTTPMethod(r.Method),
			semconv.HTTPTarget(r.URL.Path),
		}
		if sid := r.Header.Get("X-Session-ID"); sid != "" {
			attrs = append(attrs, attribute.String(attrSessionID, sid))
		}

		ctx, span := Tracer().Start(ctx, r.Method+" "+r.URL.Path,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(attrs...),
		)
		defer span.End()

		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r.WithContext(ctx))

		span.SetAttributes(semconv.HTTPStatusCode(rec.status()))
		if rec.status() >= 400 {
			span.SetStatus(codes.Error, http.StatusText(rec.status()))
		}
	})
}

// SetOperation tags the current server span with the canonical operation
// and minted record id. The write handler calls this after the coordinator
// resolves them, so traces group by operation rather than by raw path.
func SetOperation(ctx context.Context, operation, recordID, status string) {
	if !Enabled() {
		return
	}
	span := trace.SpanFromContext(ctx)
	span.SetAttributes(
		attribute.String(attrOperation, operation),
		attribute.String(attrRecordID, recordID),
		attribute.String(attrStatus, status),
	)
}

// statusRecorder captures the response status for span annotation. The
// zero code means the handler never called WriteHeader, which net/http
// treats as 200.
type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (s *statusRecorder) status() int {
	if s.code == 0 {
		return http.StatusOK
	}
	return s.code
}

func (s *statusRecorder) WriteHeader(code int) {
	if s.code == 0 {
		s.code = code
	}
	s.ResponseWriter.WriteHeader(code)
}

package observe

import (
	"bufio"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// CorrelationHeader carries the trace ID of a request back to the client.
const CorrelationHeader = "X-Correlation-ID"

// responseObserver records what the downstream handler sent.
type responseObserver struct {
	http.ResponseWriter
	status  int
	written int64
}

func (o *responseObserver) WriteHeader(code int) {
	if o.status == 0 {
		o.status = code
	}
	o.ResponseWriter.WriteHeader(code)
}

func (o *responseObserver) Write(b []byte) (int, error) {
	if o.status == 0 {
		o.status = http.StatusOK
	}
	n, err := o.ResponseWriter.Write(b)
	o.written += int64(n)
	return n, err
}

// Unwrap exposes the wrapped writer to [http.ResponseController].
func (o *responseObserver) Unwrap() http.ResponseWriter { return o.ResponseWriter }

// Hijack lets the chat websocket upgrade through. A completed upgrade
// counts as 101.
func (o *responseObserver) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := o.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("observe: response writer cannot be hijacked")
	}
	conn, brw, err := hj.Hijack()
	if err == nil {
		o.status = http.StatusSwitchingProtocols
	}
	return conn, brw, err
}

// statusCode is what the client saw; a handler that wrote nothing sent 200.
func (o *responseObserver) statusCode() int {
	if o.status == 0 {
		return http.StatusOK
	}
	return o.status
}

// MiddlewareOption configures [Middleware].
type MiddlewareOption func(*middleware)

// WithQuietRoutes logs requests for the given mux patterns at debug level.
// Health checks and scrapes would otherwise drown the request log.
func WithQuietRoutes(patterns ...string) MiddlewareOption {
	return func(mw *middleware) { mw.quiet = append(mw.quiet, patterns...) }
}

type middleware struct {
	metrics *Metrics
	prop    propagation.TextMapPropagator
	quiet   []string
}

// Middleware traces, measures and logs every request.
//
// An incoming W3C traceparent continues the caller's trace; otherwise a new
// one starts. The trace ID is echoed in [CorrelationHeader]. Once the mux
// has routed the request the span is renamed to "METHOD pattern" and the
// pattern becomes the route label of the request duration histogram, so
// path parameters never reach metric labels. Server errors mark the span
// as failed.
func Middleware(m *Metrics, opts ...MiddlewareOption) func(http.Handler) http.Handler {
	mw := &middleware{metrics: m, prop: propagation.TraceContext{}}
	for _, o := range opts {
		o(mw)
	}
	return mw.wrap
}

func (mw *middleware) wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx := mw.prop.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		ctx, span := StartSpan(ctx, r.Method+" "+r.URL.Path,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				semconv.HTTPRequestMethodKey.String(r.Method),
				semconv.URLPath(r.URL.Path),
			),
		)
		defer span.End()

		cid := CorrelationID(ctx)
		if cid != "" {
			w.Header().Set(CorrelationHeader, cid)
		}
		mw.prop.Inject(ctx, propagation.HeaderCarrier(w.Header()))

		obs := &responseObserver{ResponseWriter: w}
		r = r.WithContext(ctx)
		next.ServeHTTP(obs, r)

		elapsed := time.Since(start)
		status := obs.statusCode()
		route := r.Pattern
		if route == "" {
			route = r.URL.Path
		} else {
			span.SetName(r.Method + " " + route)
			span.SetAttributes(semconv.HTTPRoute(route))
		}
		span.SetAttributes(
			semconv.HTTPResponseStatusCode(status),
			semconv.HTTPResponseBodySize(int(obs.written)),
		)

		level := slog.LevelInfo
		switch {
		case status >= http.StatusInternalServerError:
			span.SetStatus(codes.Error, http.StatusText(status))
			level = slog.LevelWarn
		case slices.Contains(mw.quiet, route):
			level = slog.LevelDebug
		}

		mw.metrics.HTTPRequestDuration.Record(ctx, elapsed.Seconds(),
			metric.WithAttributes(
				attribute.String("method", r.Method),
				attribute.String("route", route),
			),
		)
		slog.LogAttrs(ctx, level, "request completed",
			slog.String("trace_id", cid),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("route", route),
			slog.Int("status", status),
			slog.Int64("bytes", obs.written),
			slog.Duration("duration", elapsed),
		)
	})
}

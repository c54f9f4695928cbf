package http

import (
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/freekieb7/ember/http"

type Middleware func(next Handler) Handler

// RecoverMiddleware turns a handler panic into a 500 that closes the
// connection. Nothing a handler does may take the worker down.
func RecoverMiddleware() Middleware {
	return func(next Handler) Handler {
		return func(ctx *RequestCtx) {
			defer func() {
				if recovered := recover(); recovered != nil {
					ctx.log().Error("handler panic",
						"panic", recovered,
						"path", string(ctx.Request.Path),
						"request_id", ctx.RequestID,
					)
					ctx.Fail(StatusInternalServerError)
				}
			}()

			next(ctx)
		}
	}
}

// RequestIDMiddleware tags every request and response with an X-Request-Id.
func RequestIDMiddleware() Middleware {
	return func(next Handler) Handler {
		return func(ctx *RequestCtx) {
			ctx.AssignRequestID()

			next(ctx)

			ctx.Response.SetHeader(HeaderRequestID, ctx.RequestID)
		}
	}
}

// TelemetryMiddleware records a server span and request metrics through the
// global otel providers.
func TelemetryMiddleware() Middleware {
	tracer := otel.Tracer(instrumentationName)
	meter := otel.Meter(instrumentationName)

	requests, err := meter.Int64Counter("ember.requests",
		metric.WithDescription("Requests dispatched, by method and status"),
		metric.WithUnit("{request}"))
	if err != nil {
		otel.Handle(err)
	}
	duration, err := meter.Float64Histogram("ember.request.duration",
		metric.WithDescription("Time spent dispatching a request"),
		metric.WithUnit("s"))
	if err != nil {
		otel.Handle(err)
	}

	return func(next Handler) Handler {
		return func(ctx *RequestCtx) {
			method := ctx.Request.Method.String()
			parent := ctx.Context

			spanCtx, span := tracer.Start(parent, method,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					attribute.String("http.request.method", method),
					attribute.String("url.path", string(ctx.Request.Path)),
					attribute.String("client.address", ctx.RemoteAddr),
				))
			defer span.End()

			started := time.Now()
			ctx.Context = spanCtx
			next(ctx)
			ctx.Context = parent

			status := int(ctx.Response.Status)
			span.SetAttributes(attribute.Int("http.response.status_code", status))
			if status >= 500 {
				span.SetStatus(codes.Error, StatusText(ctx.Response.Status))
			}

			attrs := metric.WithAttributes(
				attribute.String("http.request.method", method),
				attribute.Int("http.response.status_code", status),
			)
			if requests != nil {
				requests.Add(spanCtx, 1, attrs)
			}
			if duration != nil {
				duration.Record(spanCtx, time.Since(started).Seconds(), attrs)
			}
		}
	}
}

// Copyright 2024 Hemant. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package robin

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// instrumentationName is the scope name of robin's meters and tracers.
const instrumentationName = "github.com/admwrd/robin"

// instruments records job executions.
//
// Instruments:
//   - robin.job.duration (Float64Histogram): execution time in seconds
//   - robin.job.outcomes (Int64Counter): executions by outcome and action
//
// Both carry the attributes robin.namespace, robin.job.type and
// robin.outcome; the counter also carries robin.action.
type instruments struct {
	tracer   trace.Tracer
	duration metric.Float64Histogram
	outcomes metric.Int64Counter
}

func newInstruments(mp metric.MeterProvider, tp trace.TracerProvider) *instruments {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	meter := mp.Meter(instrumentationName)

	// On error the API returns noop instruments.
	duration, _ := meter.Float64Histogram(
		"robin.job.duration",
		metric.WithDescription("Duration of job execution in seconds"),
		metric.WithUnit("s"),
	)
	outcomes, _ := meter.Int64Counter(
		"robin.job.outcomes",
		metric.WithDescription("Number of job executions by outcome"),
		metric.WithUnit("{execution}"),
	)
	return &instruments{
		tracer:   tp.Tracer(instrumentationName),
		duration: duration,
		outcomes: outcomes,
	}
}

// startSpan starts the span wrapping one execution of job.
func (in *instruments) startSpan(ctx context.Context, ns string, job *Job) (context.Context, trace.Span) {
	return in.tracer.Start(ctx, "robin.job.execute",
		trace.WithAttributes(
			attribute.String("robin.namespace", ns),
			attribute.String("robin.job.id", job.ID),
			attribute.String("robin.job.type", job.Type),
			attribute.Int("robin.job.attempt", job.Attempt),
		),
		trace.WithSpanKind(trace.SpanKindConsumer),
	)
}

// record ends span and records the execution of job.
func (in *instruments) record(ctx context.Context, span trace.Span, ns string, job *Job, elapsed time.Duration, outcome Outcome, action Action, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.SetAttributes(
		attribute.String("robin.outcome", outcome.String()),
		attribute.String("robin.action", action.String()),
	)
	span.End()

	attrs := []attribute.KeyValue{
		attribute.String("robin.namespace", ns),
		attribute.String("robin.job.type", job.Type),
		attribute.String("robin.outcome", outcome.String()),
	}
	in.duration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(attrs...))
	in.outcomes.Add(ctx, 1, metric.WithAttributes(append(attrs, attribute.String("robin.action", action.String()))...))
}

// Copyright 2024 Hemant. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package robin

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestInstrumentsRecordExecutions(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	in := newInstruments(mp, tp)
	ctx := context.Background()

	ok := &Job{ID: "a", Type: "email", Attempt: 0}
	spanCtx, span := in.startSpan(ctx, "ns", ok)
	in.record(spanCtx, span, "ns", ok, 20*time.Millisecond, OutcomeSuccess, ActionComplete, nil)

	bad := &Job{ID: "b", Type: "email", Attempt: 2}
	spanCtx, span = in.startSpan(ctx, "ns", bad)
	in.record(spanCtx, span, "ns", bad, 10*time.Millisecond, OutcomeFailure, ActionRequeue, errors.New("boom"))

	spans := sr.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, "robin.job.execute", spans[0].Name())
	assert.Equal(t, codes.Ok, spans[0].Status().Code)
	assert.Equal(t, codes.Error, spans[1].Status().Code)
	assert.Contains(t, spans[1].Attributes(), attribute.String("robin.job.id", "b"))
	assert.Contains(t, spans[1].Attributes(), attribute.Int("robin.job.attempt", 2))
	assert.Contains(t, spans[1].Attributes(), attribute.String("robin.action", "requeue"))

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))
	require.Len(t, rm.ScopeMetrics, 1)
	assert.Equal(t, instrumentationName, rm.ScopeMetrics[0].Scope.Name)

	byName := make(map[string]metricdata.Metrics)
	for _, m := range rm.ScopeMetrics[0].Metrics {
		byName[m.Name] = m
	}

	outcomes, ok2 := byName["robin.job.outcomes"].Data.(metricdata.Sum[int64])
	require.True(t, ok2, "robin.job.outcomes is a counter")
	counts := make(map[string]int64)
	for _, dp := range outcomes.DataPoints {
		action, _ := dp.Attributes.Value("robin.action")
		counts[action.AsString()] += dp.Value
	}
	assert.Equal(t, map[string]int64{"complete": 1, "requeue": 1}, counts)

	duration, ok2 := byName["robin.job.duration"].Data.(metricdata.Histogram[float64])
	require.True(t, ok2, "robin.job.duration is a histogram")
	var total uint64
	for _, dp := range duration.DataPoints {
		total += dp.Count
	}
	assert.Equal(t, uint64(2), total)
}

func TestInstrumentsDefaultToGlobalProviders(t *testing.T) {
	in := newInstruments(nil, nil)
	job := &Job{ID: "a", Type: "t"}
	ctx, span := in.startSpan(context.Background(), "ns", job)
	assert.NotPanics(t, func() {
		in.record(ctx, span, "ns", job, time.Millisecond, OutcomeTimeout, ActionLeaveUnresolved, context.DeadlineExceeded)
	})
}

package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/Mindburn-Labs/custody/pkg/conform"
)

// TrackStage starts a span for one stage invocation. The returned func
// must be called with the stage's final status record.
func (p *Provider) TrackStage(ctx context.Context, stage, epochID string) (context.Context, func(conform.StatusRecord)) {
	start := time.Now()
	attrs := []attribute.KeyValue{AttrStage.String(stage)}
	if epochID != "" {
		attrs = append(attrs, AttrEpoch.String(epochID))
	}
	ctx, span := p.tracer.Start(ctx, "custody."+stage,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)
	p.runs.Add(ctx, 1, metric.WithAttributes(attrs...))

	return ctx, func(rec conform.StatusRecord) {
		p.duration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(attrs...))

		outcome := append(attrs[:len(attrs):len(attrs)], AttrStatus.String(string(rec.Status)))
		if rec.ReasonCode != "" {
			outcome = append(outcome, AttrReasonCode.String(rec.ReasonCode))
		}
		p.outcomes.Add(ctx, 1, metric.WithAttributes(outcome...))
		span.SetAttributes(outcome[len(attrs):]...)

		if rec.Status != conform.StatusPass {
			p.failures.Add(ctx, 1, metric.WithAttributes(attrs...))
			span.SetStatus(codes.Error, rec.Message)
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()
	}
}

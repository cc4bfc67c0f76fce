package emit

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// OTelEmitter bridges job events to OpenTelemetry spans. Each event becomes
// a short-lived span named after its variant, annotated with job id and the
// payload's key fields.
//
// Usage:
//
//	tracer := otel.Tracer("beamgen")
//	bus.Tap(emit.NewOTelEmitter(tracer))
type OTelEmitter struct {
	tracer trace.Tracer
}

// NewOTelEmitter creates an OTelEmitter. A nil tracer falls back to the
// globally registered provider.
func NewOTelEmitter(tracer trace.Tracer) *OTelEmitter {
	if tracer == nil {
		tracer = otel.Tracer("beamgen")
	}
	return &OTelEmitter{tracer: tracer}
}

// Emit records one event as an immediately-ended span. Error events set the
// span status to Error.
func (o *OTelEmitter) Emit(event Event) {
	_, span := o.tracer.Start(context.Background(), "beamgen."+string(event.Type))
	defer span.End()

	span.SetAttributes(
		attribute.String("job.id", event.JobID),
		attribute.String("event.type", string(event.Type)),
	)

	switch event.Type {
	case TypeCandidate:
		if c := event.Candidate; c != nil {
			span.SetAttributes(
				attribute.String("candidate.id", c.ID),
				attribute.Int("candidate.iteration", c.Iteration),
			)
			if c.TotalScore != nil {
				span.SetAttributes(attribute.Float64("candidate.total_score", *c.TotalScore))
			}
		}
	case TypeIteration:
		if p := event.Iteration; p != nil {
			span.SetAttributes(
				attribute.Int("iteration", p.Iteration),
				attribute.Float64("cost.running_usd", p.RunningCostUSD),
			)
		}
	case TypeRanked:
		if p := event.Ranked; p != nil {
			span.SetAttributes(
				attribute.Int("rank", p.Rank),
				attribute.String("candidate.id", p.CandidateID),
			)
		}
	case TypeOperation:
		if p := event.Operation; p != nil {
			span.SetAttributes(
				attribute.String("upstream.provider", p.Provider),
				attribute.String("upstream.operation", p.Operation),
			)
		}
	case TypeError:
		if p := event.Error; p != nil {
			span.SetStatus(codes.Error, p.Message)
		}
	}
}

// Flush forces export of pending spans on SDK tracer providers. Call before
// shutdown.
func (o *OTelEmitter) Flush(ctx context.Context) error {
	type flusher interface {
		ForceFlush(context.Context) error
	}
	if f, ok := otel.GetTracerProvider().(flusher); ok {
		return f.ForceFlush(ctx)
	}
	return nil
}

package generation

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/edforge/edforge/pkg/otelhelper"
)

// TracingGenerator wraps a Generator with a span per invocation.
type TracingGenerator struct {
	tracer trace.Tracer
	inner  Generator
}

func NewTracingGenerator(tracer trace.Tracer, inner Generator) *TracingGenerator {
	return &TracingGenerator{tracer: tracer, inner: inner}
}

func (g *TracingGenerator) Invoke(ctx context.Context, req Request) (*Output, error) {
	ctx, span := otelhelper.StartSpan(ctx, g.tracer, "generation.invoke",
		attribute.String(otelhelper.RunIDKey, req.RunID),
		attribute.String(otelhelper.NodeIDKey, req.NodeID),
		attribute.String(otelhelper.NodeKindKey, req.Kind),
		attribute.Int(otelhelper.AttemptKey, req.Attempt),
	)
	defer span.End()

	output, err := g.inner.Invoke(ctx, req)
	if err != nil {
		otelhelper.SetError(span, err)

		return nil, err
	}

	span.SetAttributes(
		attribute.Int("edforge.usage.input_tokens", output.Usage.InputTokens),
		attribute.Int("edforge.usage.output_tokens", output.Usage.OutputTokens),
	)

	return output, nil
}

package observer

import (
	"context"
	"time"

	atoll "github.com/nevindra/atoll"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
)

// ObservedKnowledge wraps an atoll.Knowledge with retrieval timing.
type ObservedKnowledge struct {
	inner atoll.Knowledge
	inst  *Instruments
}

// WrapKnowledge returns an instrumented knowledge base.
func WrapKnowledge(inner atoll.Knowledge, inst *Instruments) *ObservedKnowledge {
	return &ObservedKnowledge{inner: inner, inst: inst}
}

func (o *ObservedKnowledge) Add(ctx context.Context, title, source, mime string, data []byte) (atoll.Document, error) {
	ctx, span := o.inst.Tracer.Start(ctx, "kb.add")
	defer span.End()
	doc, err := o.inner.Add(ctx, title, source, mime, data)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return doc, err
}

func (o *ObservedKnowledge) List(ctx context.Context, limit int) ([]atoll.Document, error) {
	return o.inner.List(ctx, limit)
}

func (o *ObservedKnowledge) Get(ctx context.Context, id string) (atoll.Document, []atoll.Chunk, error) {
	return o.inner.Get(ctx, id)
}

func (o *ObservedKnowledge) Search(ctx context.Context, query string, k int) ([]atoll.KnowledgeHit, error) {
	ctx, span := o.inst.Tracer.Start(ctx, "kb.search")
	defer span.End()
	start := time.Now()

	hits, err := o.inner.Search(ctx, query, k)

	status := "ok"
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	o.inst.RetrievalDuration.Record(ctx, float64(time.Since(start).Milliseconds()),
		metric.WithAttributes(AttrStatus.String(status)))
	return hits, err
}

// Compile-time interface check.
var _ atoll.Knowledge = (*ObservedKnowledge)(nil)

package app

import (
	"context"
	"errors"
	"time"

	"github.com/greenview-ai/wardline/internal/observe"
	"github.com/greenview-ai/wardline/pkg/knowledge"
	"github.com/greenview-ai/wardline/pkg/provider/realtime"
)

var _ realtime.Answerer = (*meteredAnswerer)(nil)

// meteredAnswerer decorates a [realtime.Answerer] with turn metrics. The
// realtime session stays free of observability concerns; every retrieval
// turn crossing this wrapper is counted and timed.
type meteredAnswerer struct {
	next    realtime.Answerer
	metrics *observe.Metrics
}

// Answer implements realtime.Answerer.
func (m *meteredAnswerer) Answer(ctx context.Context, question string) (string, error) {
	start := time.Now()
	answer, err := m.next.Answer(ctx, question)
	m.metrics.RecordRAGTurn(ctx, outcomeFor(err), time.Since(start))
	return answer, err
}

// OutOfBand implements realtime.Answerer.
func (m *meteredAnswerer) OutOfBand(ctx context.Context, question string) (knowledge.OutOfBandDirective, error) {
	start := time.Now()
	d, err := m.next.OutOfBand(ctx, question)
	m.metrics.RecordRAGTurn(ctx, outcomeFor(err), time.Since(start))
	return d, err
}

// outcomeFor maps an answerer error to a metric outcome label.
func outcomeFor(err error) string {
	switch {
	case err == nil:
		return "answered"
	case errors.Is(err, knowledge.ErrRetrievalUnavailable),
		errors.Is(err, context.DeadlineExceeded):
		return "fallback"
	default:
		return "error"
	}
}

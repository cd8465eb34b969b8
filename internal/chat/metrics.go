package chat

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/loqalabs/loqa-chat/internal/chat"

// Turn outcomes reported on loqa.chat.turns.
const (
	outcomeReply     = "reply"
	outcomeFallback  = "fallback"
	outcomeEmpty     = "empty"
	outcomeDiscarded = "discarded"
)

type metrics struct {
	turns            metric.Int64Counter
	upstreamFailures metric.Int64Counter
	speechCache      metric.Int64Counter
	llmLatency       metric.Float64Histogram
}

func newMetrics(meter metric.Meter, logger *slog.Logger) *metrics {
	m := &metrics{}
	var err error
	if m.turns, err = meter.Int64Counter("loqa.chat.turns", metric.WithDescription("Character turns by outcome")); err != nil {
		logger.Warn("failed to create turns counter", slogError(err))
	}
	if m.upstreamFailures, err = meter.Int64Counter("loqa.chat.upstream_failures", metric.WithDescription("Failed collaborator calls by service")); err != nil {
		logger.Warn("failed to create upstream failure counter", slogError(err))
	}
	if m.speechCache, err = meter.Int64Counter("loqa.chat.speech_cache", metric.WithDescription("Choice audio lookups by result")); err != nil {
		logger.Warn("failed to create speech cache counter", slogError(err))
	}
	if m.llmLatency, err = meter.Float64Histogram("loqa.chat.llm_latency_ms", metric.WithDescription("Model call latency"), metric.WithUnit("ms")); err != nil {
		logger.Warn("failed to create llm latency histogram", slogError(err))
	}
	return m
}

func (m *metrics) turn(ctx context.Context, outcome string) {
	if m == nil || m.turns == nil {
		return
	}
	m.turns.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (m *metrics) upstreamFailure(ctx context.Context, service string) {
	if m == nil || m.upstreamFailures == nil {
		return
	}
	m.upstreamFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("service", service)))
}

func (m *metrics) cacheLookup(ctx context.Context, hit bool) {
	if m == nil || m.speechCache == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.speechCache.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

func (m *metrics) modelLatency(ctx context.Context, d time.Duration) {
	if m == nil || m.llmLatency == nil {
		return
	}
	m.llmLatency.Record(ctx, float64(d.Microseconds())/1000)
}

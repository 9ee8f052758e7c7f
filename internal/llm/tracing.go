package llm

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// TracingClient wraps a Client and logs every invocation with timing and
// token usage. It adds no behavior of its own.
type TracingClient struct {
	inner  Client
	logger *zap.Logger
}

// NewTracingClient wraps inner with structured logging.
func NewTracingClient(inner Client, logger *zap.Logger) *TracingClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TracingClient{inner: inner, logger: logger}
}

// Invoke delegates to the wrapped client, logging outcome and duration.
func (t *TracingClient) Invoke(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()
	structured := req.ResponseFormat != nil

	resp, err := t.inner.Invoke(ctx, req)
	fields := []zap.Field{
		zap.Int("messages", len(req.Messages)),
		zap.Bool("structured", structured),
		zap.Duration("duration", time.Since(start)),
	}
	if err != nil {
		t.logger.Warn("model invocation failed", append(fields, zap.Error(err))...)
		return nil, err
	}
	t.logger.Debug("model invocation completed",
		append(fields,
			zap.Int("completion_tokens", resp.Usage.CompletionTokens),
			zap.Int("total_tokens", resp.Usage.TotalTokens))...)
	return resp, nil
}

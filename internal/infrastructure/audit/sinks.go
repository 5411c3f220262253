// Package audit holds the destinations audit events are written to.
package audit

import (
	"context"
	"errors"
	"log/slog"

	"github.com/kirillkom/docsearch/internal/core/domain"
	"github.com/kirillkom/docsearch/internal/core/ports"
)

// LogSink writes audit events as structured log lines under the "audit" message.
type LogSink struct {
	logger *slog.Logger
}

func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) Record(ctx context.Context, event domain.AuditEvent) error {
	attrs := []slog.Attr{
		slog.String("event_id", event.EventID),
		slog.String("client_id", event.ClientID),
		slog.String("method", event.Method),
		slog.String("outcome", event.Outcome),
		slog.Int("result_count", event.ResultCount),
		slog.Float64("elapsed_ms", event.ElapsedMS),
	}
	if event.RequestID != "" {
		attrs = append(attrs, slog.String("request_id", event.RequestID))
	}
	if event.Query != "" {
		attrs = append(attrs, slog.String("query", event.Query))
	}
	if event.Truncated {
		attrs = append(attrs, slog.Bool("truncated", true))
	}
	s.logger.LogAttrs(ctx, slog.LevelInfo, "audit", attrs...)
	return nil
}

// FanOut delivers each event to every sink and joins their errors.
type FanOut []ports.AuditSink

func (f FanOut) Record(ctx context.Context, event domain.AuditEvent) error {
	var errs []error
	for _, sink := range f {
		if sink == nil {
			continue
		}
		if err := sink.Record(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

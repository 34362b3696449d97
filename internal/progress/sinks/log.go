package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/dno-crawl-orchestrator/internal/progress"
)

// LogSink writes one structured log line per session event.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("session_id", evt.SessionID),
			zap.String("kind", string(evt.Kind)),
			zap.Time("ts", evt.TS),
		}
		if evt.JobID != "" {
			fields = append(fields, zap.String("job_id", evt.JobID))
		}
		if evt.Kind == progress.KindTransition {
			fields = append(fields,
				zap.String("from", string(evt.From)),
				zap.String("state", string(evt.To)),
				zap.Float64("progress", evt.Progress),
			)
		}
		if evt.Message != "" {
			fields = append(fields, zap.String("message", evt.Message))
		}
		switch evt.Kind {
		case progress.KindDeadLetter, progress.KindJobFailed:
			s.logger.Warn("session event", fields...)
		default:
			s.logger.Info("session event", fields...)
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}

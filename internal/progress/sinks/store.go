package sinks

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/dno-crawl-orchestrator/internal/progress"
	"github.com/JakeFAU/dno-crawl-orchestrator/internal/store"
)

// StoreSink persists each batch through a store.SessionEventRepository so
// session history survives restarts and can be queried per session.
type StoreSink struct {
	repo   store.SessionEventRepository
	logger *zap.Logger
}

// NewStoreSink constructs a StoreSink for the provided repository.
func NewStoreSink(repo store.SessionEventRepository, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{repo: repo, logger: logger}
}

// Consume appends the batch in one repository call.
func (s *StoreSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.repo == nil || len(batch) == 0 {
		return nil
	}
	rows := make([]store.SessionEvent, 0, len(batch))
	for _, evt := range batch {
		rows = append(rows, store.SessionEvent{
			SessionID: evt.SessionID,
			JobID:     evt.JobID,
			Kind:      string(evt.Kind),
			FromState: string(evt.From),
			ToState:   string(evt.To),
			Progress:  evt.Progress,
			Message:   evt.Message,
			At:        evt.TS,
		})
	}
	if err := s.repo.AppendEvents(ctx, rows); err != nil {
		s.logger.Warn("persist session events failed", zap.Int("events", len(rows)), zap.Error(err))
		return fmt.Errorf("append session events: %w", err)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *StoreSink) Close(context.Context) error {
	return nil
}

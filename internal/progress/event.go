package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/dno-crawl-orchestrator/internal/crawler"
)

// Kind classifies a session event.
type Kind string

// Event kinds.
const (
	KindTransition Kind = "transition"
	KindJobLeased  Kind = "job_leased"
	KindJobDone    Kind = "job_done"
	KindJobFailed  Kind = "job_failed"
	KindDeadLetter Kind = "dead_letter"
	KindProgress   Kind = "progress"
	KindNote       Kind = "note"
)

// Event is one observable step in the life of a crawl session.
type Event struct {
	// SessionID keys every event; observers group by it.
	SessionID string
	// JobID is set for job-scoped kinds.
	JobID string
	// TS is the UTC time recorded by the emitter.
	TS   time.Time
	Kind Kind
	// From and To are set for transitions.
	From     crawler.SessionState
	To       crawler.SessionState
	Progress float64
	// Message carries low-volume context such as an error or a strategy label.
	Message string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.SessionID == "" {
		return errors.New("session id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Kind {
	case KindTransition:
		if e.From == "" || e.To == "" {
			return errors.New("transition requires from and to states")
		}
	case KindJobLeased, KindJobDone, KindJobFailed, KindDeadLetter:
		if e.JobID == "" {
			return fmt.Errorf("%s requires job id", e.Kind)
		}
	case KindProgress, KindNote:
	default:
		return fmt.Errorf("unknown event kind %q", e.Kind)
	}
	if e.Progress < 0 || e.Progress > 100 {
		return errors.New("progress must be within [0, 100]")
	}
	return nil
}

// Transition builds a transition event.
func Transition(sessionID string, from, to crawler.SessionState, progress float64, at time.Time) Event {
	return Event{
		SessionID: sessionID,
		TS:        at.UTC(),
		Kind:      KindTransition,
		From:      from,
		To:        to,
		Progress:  progress,
	}
}

// JobEvent builds a job-scoped event.
func JobEvent(kind Kind, job crawler.CrawlJob, message string, at time.Time) Event {
	return Event{
		SessionID: job.SessionID,
		JobID:     job.ID,
		TS:        at.UTC(),
		Kind:      kind,
		Message:   message,
	}
}

// WithMessage returns a copy of e carrying msg.
func (e Event) WithMessage(msg string) Event {
	e.Message = msg
	return e
}

package session

import (
	"fmt"

	"github.com/JakeFAU/dno-crawl-orchestrator/internal/crawler"
)

var transitions = map[crawler.SessionState][]crawler.SessionState{
	crawler.SessionQueued: {
		crawler.SessionInitializing, crawler.SessionPaused, crawler.SessionFailed,
	},
	crawler.SessionInitializing: {
		crawler.SessionSearching, crawler.SessionCrawling,
		crawler.SessionPaused, crawler.SessionFailed, crawler.SessionLowConfidence,
	},
	crawler.SessionSearching: {
		crawler.SessionCrawling, crawler.SessionExtracting,
		crawler.SessionPaused, crawler.SessionFailed, crawler.SessionLowConfidence,
	},
	crawler.SessionCrawling: {
		crawler.SessionExtracting, crawler.SessionSearching,
		crawler.SessionPaused, crawler.SessionFailed, crawler.SessionLowConfidence,
	},
	// Extracting loops back to Searching or Crawling when the session rotates
	// to another strategy.
	crawler.SessionExtracting: {
		crawler.SessionSearching, crawler.SessionCrawling,
		crawler.SessionCompleted, crawler.SessionFailed, crawler.SessionLowConfidence,
		crawler.SessionPaused,
	},
	crawler.SessionPaused: {
		crawler.SessionQueued, crawler.SessionInitializing, crawler.SessionSearching,
		crawler.SessionCrawling, crawler.SessionExtracting, crawler.SessionFailed,
	},
}

// phaseProgress is the progress floor of each state.
var phaseProgress = map[crawler.SessionState]float64{
	crawler.SessionQueued:        0,
	crawler.SessionInitializing:  5,
	crawler.SessionSearching:     15,
	crawler.SessionCrawling:      40,
	crawler.SessionExtracting:    70,
	crawler.SessionCompleted:     100,
	crawler.SessionFailed:        100,
	crawler.SessionLowConfidence: 100,
}

// ValidateTransition reports whether from may move to to. Terminal states
// never transition.
func ValidateTransition(from, to crawler.SessionState) error {
	if from.IsTerminal() {
		return fmt.Errorf("%w: %s", crawler.ErrTerminalSession, from)
	}
	for _, next := range transitions[from] {
		if next == to {
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", crawler.ErrInvalidTransition, from, to)
}

// IsActive reports whether a state counts toward the one-active-session rule.
func IsActive(state crawler.SessionState) bool {
	return state != "" && !state.IsTerminal()
}

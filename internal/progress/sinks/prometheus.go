package sinks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/dno-crawl-orchestrator/internal/metrics"
	"github.com/JakeFAU/dno-crawl-orchestrator/internal/progress"
)

// PrometheusSink derives session-level series from the event stream: events
// by kind, sessions currently active and wall time of finished sessions.
type PrometheusSink struct {
	events          *prometheus.CounterVec
	sessionsActive  prometheus.Gauge
	sessionRuntime  *prometheus.HistogramVec
	sessionsStarted prometheus.Counter

	tracker *sessionTracker
}

// NewPrometheusSink registers the collectors against reg.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dnocrawler_session_events_total",
			Help: "Session events, labeled by kind.",
		}, []string{"kind"}),
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dnocrawler_sessions_active",
			Help: "Sessions that have started and not yet reached a terminal state.",
		}),
		sessionRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dnocrawler_session_runtime_seconds",
			Help:    "Wall time from first event to terminal state.",
			Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		}, []string{"state"}),
		sessionsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dnocrawler_sessions_started_total",
			Help: "Sessions observed leaving the queued state for the first time.",
		}),
		tracker: newSessionTracker(),
	}
	for _, collector := range []prometheus.Collector{s.events, s.sessionsActive, s.sessionRuntime, s.sessionsStarted} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register session collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.events.WithLabelValues(string(evt.Kind)).Inc()
		if evt.Kind != progress.KindTransition {
			continue
		}
		metrics.ObserveSessionTransition(string(evt.To))
		if s.tracker.start(evt.SessionID, evt.TS) {
			s.sessionsStarted.Inc()
			s.sessionsActive.Inc()
		}
		if evt.To.IsTerminal() {
			if started, ok := s.tracker.finish(evt.SessionID); ok {
				s.sessionsActive.Dec()
				if d := evt.TS.Sub(started); d > 0 {
					s.sessionRuntime.WithLabelValues(string(evt.To)).Observe(d.Seconds())
				}
			}
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type sessionTracker struct {
	mu      sync.Mutex
	started map[string]time.Time
}

func newSessionTracker() *sessionTracker {
	return &sessionTracker{started: make(map[string]time.Time)}
}

func (t *sessionTracker) start(id string, at time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.started[id]; ok {
		return false
	}
	t.started[id] = at
	return true
}

func (t *sessionTracker) finish(id string) (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	at, ok := t.started[id]
	if ok {
		delete(t.started, id)
	}
	return at, ok
}

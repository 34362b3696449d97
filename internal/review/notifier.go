// Package review forwards items that need a human decision to a publisher
// topic.
package review

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/dno-crawl-orchestrator/internal/crawler"
)

// Notice kinds.
const (
	KindDeadLetter    = "dead_letter"
	KindLowConfidence = "low_confidence"
)

// Notice is the message body published for review.
type Notice struct {
	Kind      string             `json:"kind"`
	SessionID string             `json:"session_id"`
	JobID     string             `json:"job_id,omitempty"`
	TargetKey string             `json:"target_key"`
	Year      int                `json:"year"`
	DataTypes []crawler.DataType `json:"data_types"`
	Signature string             `json:"signature,omitempty"`
	Retries   int                `json:"retries,omitempty"`
	Error     string             `json:"error,omitempty"`
	Best      []BestResult       `json:"best,omitempty"`
	At        time.Time          `json:"at"`
}

// BestResult summarises the strongest candidate seen for a data type.
type BestResult struct {
	DataType    crawler.DataType `json:"data_type"`
	CandidateID string           `json:"candidate_id"`
	SourceURL   string           `json:"source_url"`
	Quality     float64          `json:"quality"`
	Issues      []string         `json:"issues,omitempty"`
}

// Notifier implements crawler.Reviewer.
type Notifier struct {
	pub    crawler.Publisher
	topic  string
	clock  crawler.Clock
	logger *zap.Logger
}

// NewNotifier publishes notices to topic.
func NewNotifier(pub crawler.Publisher, topic string, clock crawler.Clock, logger *zap.Logger) (*Notifier, error) {
	if pub == nil {
		return nil, fmt.Errorf("publisher is required")
	}
	if topic == "" {
		return nil, fmt.Errorf("review topic is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Notifier{pub: pub, topic: topic, clock: clock, logger: logger}, nil
}

// ReportDeadLetter publishes a job that exhausted its retries.
func (n *Notifier) ReportDeadLetter(ctx context.Context, job crawler.CrawlJob) error {
	return n.publish(ctx, Notice{
		Kind:      KindDeadLetter,
		SessionID: job.SessionID,
		JobID:     job.ID,
		TargetKey: job.TargetKey,
		Year:      job.Year,
		DataTypes: []crawler.DataType{job.DataType},
		Signature: job.Signature,
		Retries:   job.RetryCount,
		Error:     job.LastError,
	})
}

// ReportLowConfidence publishes a session that ended without a candidate
// passing the quality threshold.
func (n *Notifier) ReportLowConfidence(ctx context.Context, session crawler.CrawlSession) error {
	best := make([]BestResult, 0, len(session.Results))
	for dt, res := range session.Results {
		best = append(best, BestResult{
			DataType:    dt,
			CandidateID: res.CandidateID,
			SourceURL:   res.SourceURL,
			Quality:     res.Quality.Overall,
			Issues:      res.Quality.Issues,
		})
	}
	sort.Slice(best, func(i, j int) bool { return best[i].DataType < best[j].DataType })
	return n.publish(ctx, Notice{
		Kind:      KindLowConfidence,
		SessionID: session.ID,
		TargetKey: session.TargetKey,
		Year:      session.Year,
		DataTypes: session.DataTypes,
		Error:     session.Error,
		Best:      best,
	})
}

func (n *Notifier) publish(ctx context.Context, notice Notice) error {
	notice.At = n.clock.Now().UTC()
	id, err := n.pub.Publish(ctx, n.topic, notice)
	if err != nil {
		return fmt.Errorf("publish %s notice: %w", notice.Kind, err)
	}
	n.logger.Info("review notice published",
		zap.String("kind", notice.Kind),
		zap.String("session_id", notice.SessionID),
		zap.String("job_id", notice.JobID),
		zap.String("message_id", id),
	)
	return nil
}

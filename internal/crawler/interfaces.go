package crawler

import (
	"context"
	"io"
	"time"
)

// JobStore persists scheduler state. Every job transition is written here
// before it is reported to callers.
type JobStore interface {
	SaveJob(ctx context.Context, job CrawlJob) error
	GetJob(ctx context.Context, id string) (CrawlJob, error)
	ListPendingJobs(ctx context.Context) ([]CrawlJob, error)
	ListDeadLetters(ctx context.Context, limit int) ([]CrawlJob, error)
	ArchiveSessionJobs(ctx context.Context, sessionID string, at time.Time) error
}

// PatternStore persists patterns. ApplyOutcome must increment the counters
// and recompute confidence in one atomic step.
type PatternStore interface {
	ApplyOutcome(ctx context.Context, key PatternKey, outcome Outcome) (Pattern, error)
	GetPattern(ctx context.Context, id string) (Pattern, error)
	ListPatterns(ctx context.Context, targetKey string) ([]Pattern, error)
	SetReview(ctx context.Context, id string, state ReviewState, notes string, override *float64, at time.Time) (Pattern, error)
	TypeStats(ctx context.Context) ([]TypeStats, error)
}

// SessionStore persists sessions. CreateSession returns ErrActiveSession when
// any requested (target, year, data type) triple is already claimed by an
// active session.
type SessionStore interface {
	CreateSession(ctx context.Context, session CrawlSession) error
	GetSession(ctx context.Context, id string) (CrawlSession, error)
	UpdateSession(ctx context.Context, session CrawlSession) error
	FindActive(ctx context.Context, targetKey string, year int, dataType DataType) (CrawlSession, error)
	LatestTerminal(ctx context.Context, targetKey string, year int, dataType DataType) (CrawlSession, error)
	ListSessions(ctx context.Context, states []SessionState, limit int) ([]CrawlSession, error)
}

// CandidateStore persists extraction candidates keyed by content hash, method
// and data type; a duplicate keeps the higher confidence.
type CandidateStore interface {
	PutCandidate(ctx context.Context, candidate ExtractionCandidate) (ExtractionCandidate, error)
	ListCandidates(ctx context.Context, sessionID string) ([]ExtractionCandidate, error)
}

// PathStore appends crawl path records. Records are never updated.
type PathStore interface {
	AppendPath(ctx context.Context, record CrawlPathRecord) error
	ListPaths(ctx context.Context, sessionID string) ([]CrawlPathRecord, error)
}

// BlobStore writes raw documents to durable storage.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// Publisher sends notifications to external collaborators.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Reviewer receives items that need a human decision.
type Reviewer interface {
	ReportDeadLetter(ctx context.Context, job CrawlJob) error
	ReportLowConfidence(ctx context.Context, session CrawlSession) error
}

// Fetcher retrieves a URL.
type Fetcher interface {
	Fetch(ctx context.Context, req FetchRequest) (FetchResponse, error)
}

// Searcher returns ranked results for a query.
type Searcher interface {
	Search(ctx context.Context, query string, limit int) ([]SearchResult, error)
}

// HeadlessDetector decides whether a probe response needs a browser render.
type HeadlessDetector interface {
	ShouldPromote(resp FetchResponse) bool
}

// Hasher hashes content.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock allows deterministic testing.
type Clock interface {
	Now() time.Time
}

// IDGenerator allocates unique IDs.
type IDGenerator interface {
	NewID() (string, error)
}

package crawler

import (
	"net/http"
	"time"
)

// DataType names a regulatory dataset published by a DNO.
type DataType string

// Supported data types.
const (
	DataTypeNetzentgelte DataType = "netzentgelte"
	DataTypeHLZF         DataType = "hlzf"
)

// AllDataTypes lists every supported data type in canonical order.
func AllDataTypes() []DataType {
	return []DataType{DataTypeNetzentgelte, DataTypeHLZF}
}

// ParseDataType validates a raw data type string.
func ParseDataType(raw string) (DataType, error) {
	switch DataType(raw) {
	case DataTypeNetzentgelte, DataTypeHLZF:
		return DataType(raw), nil
	default:
		return "", malformed("unknown data type %q", raw)
	}
}

// PatternType classifies the navigation approach a Pattern encodes.
type PatternType string

// Pattern types.
const (
	PatternURL        PatternType = "url"
	PatternNavigation PatternType = "navigation"
	PatternContent    PatternType = "content"
	PatternFileNaming PatternType = "file_naming"
	PatternStructural PatternType = "structural"
)

// AllPatternTypes lists pattern types in default exploration order.
func AllPatternTypes() []PatternType {
	return []PatternType{PatternURL, PatternFileNaming, PatternNavigation, PatternContent, PatternStructural}
}

// ReviewState is the admin verdict on a Pattern.
type ReviewState string

// Review states.
const (
	ReviewUnreviewed ReviewState = "unreviewed"
	ReviewVerified   ReviewState = "verified"
	ReviewRejected   ReviewState = "rejected"
)

// ParseReviewDecision accepts only the two decisions an admin can make.
func ParseReviewDecision(raw string) (ReviewState, error) {
	switch ReviewState(raw) {
	case ReviewVerified, ReviewRejected:
		return ReviewState(raw), nil
	default:
		return "", malformed("review decision must be %q or %q", ReviewVerified, ReviewRejected)
	}
}

// StrategyDefinition is the typed description of how a pattern navigates.
// Templates may reference {target}, {year} and {data_type}.
type StrategyDefinition struct {
	Type         PatternType `json:"type"`
	DataType     DataType    `json:"data_type"`
	URLTemplate  string      `json:"url_template,omitempty"`
	SearchQuery  string      `json:"search_query,omitempty"`
	LinkKeywords []string    `json:"link_keywords,omitempty"`
	MaxDepth     int         `json:"max_depth,omitempty"`
	FilePattern  string      `json:"file_pattern,omitempty"`
	Selector     string      `json:"selector,omitempty"`
}

// Pattern is a learned, scored strategy for one target.
type Pattern struct {
	ID                 string             `json:"id"`
	TargetKey          string             `json:"target_key"`
	Type               PatternType        `json:"pattern_type"`
	Signature          string             `json:"signature"`
	Definition         StrategyDefinition `json:"definition"`
	Confidence         float64            `json:"confidence"`
	SuccessCount       int64              `json:"success_count"`
	FailureCount       int64              `json:"failure_count"`
	AvgSuccessLatency  time.Duration      `json:"avg_success_latency"`
	LastSuccessAt      *time.Time         `json:"last_success_at,omitempty"`
	LastFailureAt      *time.Time         `json:"last_failure_at,omitempty"`
	ReviewState        ReviewState        `json:"review_state"`
	ReviewNotes        string             `json:"review_notes,omitempty"`
	ConfidenceOverride *float64           `json:"confidence_override,omitempty"`
	CreatedAt          time.Time          `json:"created_at"`
	UpdatedAt          time.Time          `json:"updated_at"`
}

// Attempts returns the number of recorded outcomes.
func (p Pattern) Attempts() int64 {
	return p.SuccessCount + p.FailureCount
}

// PatternKey identifies a pattern row independent of its generated ID.
type PatternKey struct {
	TargetKey  string
	Signature  string
	Definition StrategyDefinition
}

// Outcome is one observed result for a pattern.
type Outcome struct {
	Success bool
	Latency time.Duration
	At      time.Time
}

// TypeStats aggregates outcomes for a pattern type across all targets.
type TypeStats struct {
	Type      PatternType `json:"pattern_type"`
	Successes int64       `json:"successes"`
	Failures  int64       `json:"failures"`
}

// SuccessRate is the Laplace-smoothed cross-target success rate.
func (s TypeStats) SuccessRate() float64 {
	return float64(s.Successes+1) / float64(s.Successes+s.Failures+2)
}

// SessionState is a node of the session state machine.
type SessionState string

// Session states.
const (
	SessionQueued        SessionState = "queued"
	SessionInitializing  SessionState = "initializing"
	SessionSearching     SessionState = "searching"
	SessionCrawling      SessionState = "crawling"
	SessionExtracting    SessionState = "extracting"
	SessionCompleted     SessionState = "completed"
	SessionFailed        SessionState = "failed"
	SessionLowConfidence SessionState = "low_confidence"
	SessionPaused        SessionState = "paused"
)

// IsTerminal reports whether no further transitions are allowed.
func (s SessionState) IsTerminal() bool {
	switch s {
	case SessionCompleted, SessionFailed, SessionLowConfidence:
		return true
	default:
		return false
	}
}

// QualityScore is the deterministic assessment of a candidate.
type QualityScore struct {
	Overall      float64  `json:"overall"`
	Completeness float64  `json:"completeness"`
	Accuracy     float64  `json:"accuracy"`
	Consistency  float64  `json:"consistency"`
	Issues       []string `json:"issues,omitempty"`
}

// SessionResult is the best candidate accepted or observed for a data type.
type SessionResult struct {
	CandidateID string           `json:"candidate_id"`
	ContentHash string           `json:"content_hash"`
	Method      ExtractionMethod `json:"method"`
	SourceURL   string           `json:"source_url"`
	Quality     QualityScore     `json:"quality"`
	Passed      bool             `json:"passed"`
	Payload     Payload          `json:"payload"`
}

// CrawlSession tracks one end-to-end gathering request.
type CrawlSession struct {
	ID              string                     `json:"id"`
	TargetKey       string                     `json:"target_key"`
	Year            int                        `json:"year"`
	DataTypes       []DataType                 `json:"data_types"`
	State           SessionState               `json:"state"`
	PausedFrom      SessionState               `json:"paused_from,omitempty"`
	Priority        int                        `json:"priority"`
	Progress        float64                    `json:"progress"`
	CurrentPhase    string                     `json:"current_phase"`
	ParentSessionID string                     `json:"parent_session_id,omitempty"`
	CreatedBy       string                     `json:"created_by"`
	Watchers        int                        `json:"watchers"`
	Attempts        map[DataType]int           `json:"attempts,omitempty"`
	Tried           []string                   `json:"tried,omitempty"`
	Exhausted       []DataType                 `json:"exhausted,omitempty"`
	Results         map[DataType]SessionResult `json:"results,omitempty"`
	Error           string                     `json:"error,omitempty"`
	CreatedAt       time.Time                  `json:"created_at"`
	UpdatedAt       time.Time                  `json:"updated_at"`
	FinishedAt      *time.Time                 `json:"finished_at,omitempty"`
}

// HasTried reports whether a strategy signature was already attempted.
func (s CrawlSession) HasTried(signature string) bool {
	for _, sig := range s.Tried {
		if sig == signature {
			return true
		}
	}
	return false
}

// Satisfied reports whether a data type already has a passing result.
func (s CrawlSession) Satisfied(dt DataType) bool {
	res, ok := s.Results[dt]
	return ok && res.Passed
}

// Resolved reports whether a data type is satisfied or out of strategies.
func (s CrawlSession) Resolved(dt DataType) bool {
	if s.Satisfied(dt) {
		return true
	}
	for _, e := range s.Exhausted {
		if e == dt {
			return true
		}
	}
	return false
}

// Pending lists requested data types without a passing result.
func (s CrawlSession) Pending() []DataType {
	var out []DataType
	for _, dt := range s.DataTypes {
		if !s.Satisfied(dt) {
			out = append(out, dt)
		}
	}
	return out
}

// JobStatus is the scheduler state of a CrawlJob.
type JobStatus string

// Job statuses.
const (
	JobQueued     JobStatus = "queued"
	JobLeased     JobStatus = "leased"
	JobDone       JobStatus = "done"
	JobFailed     JobStatus = "failed"
	JobDeadLetter JobStatus = "dead_letter"
)

// CrawlJob is one scheduled attempt within a session.
type CrawlJob struct {
	ID             string             `json:"id"`
	SessionID      string             `json:"session_id"`
	PatternID      string             `json:"pattern_id,omitempty"`
	TargetKey      string             `json:"target_key"`
	Year           int                `json:"year"`
	DataType       DataType           `json:"data_type"`
	Domain         string             `json:"domain"`
	Strategy       StrategyDefinition `json:"strategy"`
	Signature      string             `json:"signature"`
	Explore        bool               `json:"explore"`
	Priority       int                `json:"priority"`
	RetryCount     int                `json:"retry_count"`
	MaxRetries     int                `json:"max_retries"`
	ScheduledFor   time.Time          `json:"scheduled_for"`
	Status         JobStatus          `json:"status"`
	LeasedBy       string             `json:"leased_by,omitempty"`
	LeaseExpiresAt *time.Time         `json:"lease_expires_at,omitempty"`
	LastError      string             `json:"last_error,omitempty"`
	CreatedAt      time.Time          `json:"created_at"`
	UpdatedAt      time.Time          `json:"updated_at"`
}

// ExtractionMethod names how a candidate was produced.
type ExtractionMethod string

// Extraction methods.
const (
	MethodTable       ExtractionMethod = "table"
	MethodSpreadsheet ExtractionMethod = "spreadsheet"
	MethodDocument    ExtractionMethod = "document"
	MethodForm        ExtractionMethod = "form"
	MethodText        ExtractionMethod = "text"
)

// ExtractionCandidate is one structured result extracted from a document.
type ExtractionCandidate struct {
	ID          string           `json:"id"`
	SessionID   string           `json:"session_id"`
	JobID       string           `json:"job_id"`
	SourceURL   string           `json:"source_url"`
	FinalURL    string           `json:"final_url"`
	ContentHash string           `json:"content_hash"`
	Method      ExtractionMethod `json:"method"`
	Payload     Payload          `json:"payload"`
	Confidence  float64          `json:"confidence"`
	BlobURI     string           `json:"blob_uri,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
}

// DedupKey identifies candidates that collapse into one stored record: the
// same content read by the same method for the same data type.
func (c ExtractionCandidate) DedupKey() string {
	return c.ContentHash + "|" + string(c.Method) + "|" + string(c.Payload.Kind)
}

// PathStep is one network action taken while executing a strategy.
type PathStep struct {
	Action     string        `json:"action"`
	URL        string        `json:"url"`
	Depth      int           `json:"depth,omitempty"`
	StatusCode int           `json:"status_code,omitempty"`
	Duration   time.Duration `json:"duration"`
	Note       string        `json:"note,omitempty"`
}

// CrawlPathRecord is the append-only trace of one job attempt.
type CrawlPathRecord struct {
	ID          string        `json:"id"`
	SessionID   string        `json:"session_id"`
	JobID       string        `json:"job_id"`
	PatternID   string        `json:"pattern_id,omitempty"`
	Signature   string        `json:"signature"`
	Steps       []PathStep    `json:"steps"`
	Outcome     string        `json:"outcome"`
	ContentHash string        `json:"content_hash,omitempty"`
	Quality     *QualityScore `json:"quality,omitempty"`
	// TotalTime is the wall time of the attempt and MaxDepth the deepest
	// link level it followed.
	TotalTime time.Duration `json:"total_time"`
	MaxDepth  int           `json:"max_depth"`
	// Confidence and Methods describe the candidates that passed quality.
	Confidence float64            `json:"confidence,omitempty"`
	Methods    []ExtractionMethod `json:"methods,omitempty"`
	RecordedAt time.Time          `json:"recorded_at"`
}

// Document is raw content fetched while executing a strategy.
type Document struct {
	SourceURL   string
	FinalURL    string
	ContentType string
	Body        []byte
	Hash        string
	BlobURI     string
}

// Target is a registered DNO.
type Target struct {
	Key     string   `json:"key" mapstructure:"key"`
	Name    string   `json:"name" mapstructure:"name"`
	Website string   `json:"website" mapstructure:"website"`
	Aliases []string `json:"aliases,omitempty" mapstructure:"aliases"`
}

// FetchRequest captures everything needed to fetch a URL.
type FetchRequest struct {
	SessionID   string
	URL         string
	UseHeadless bool
	Headers     http.Header
}

// FetchResponse is returned by fetchers.
type FetchResponse struct {
	URL          string
	StatusCode   int
	ContentType  string
	Headers      http.Header
	Body         []byte
	Duration     time.Duration
	UsedHeadless bool
}

// SearchResult is one ranked hit returned by a Searcher.
type SearchResult struct {
	Rank    int    `json:"rank"`
	URL     string `json:"url"`
	Title   string `json:"title"`
	Snippet string `json:"snippet,omitempty"`
}

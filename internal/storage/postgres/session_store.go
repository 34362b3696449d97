package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"math"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/dno-crawl-orchestrator/internal/crawler"
)

const sessionColumns = `id, target_key, year, data_types, state, paused_from, priority, progress,
	current_phase, parent_session_id, created_by, watchers, attempts, tried, exhausted, results,
	error, created_at, updated_at, finished_at`

// SessionStore persists sessions. The session_claims primary key enforces one
// active session per (target, year, data type).
type SessionStore struct {
	db DB
}

// NewSessionStore constructs a SessionStore.
func NewSessionStore(db DB) *SessionStore {
	return &SessionStore{db: db}
}

// CreateSession stores a new session and claims its triples in one
// transaction. A triple that is already claimed fails with ErrActiveSession.
func (s *SessionStore) CreateSession(ctx context.Context, session crawler.CrawlSession) error {
	args, err := sessionArgs(session)
	if err != nil {
		return err
	}
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin create session: %w", err)
	}
	defer rollback(ctx, tx)

	if _, err := tx.Exec(ctx, `INSERT INTO sessions (`+sessionColumns+`)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)`, args...); err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	for _, dt := range session.DataTypes {
		tag, err := tx.Exec(ctx, `INSERT INTO session_claims (target_key, year, data_type, session_id)
VALUES ($1, $2, $3, $4)
ON CONFLICT (target_key, year, data_type) DO NOTHING`, session.TargetKey, session.Year, string(dt), session.ID)
		if err != nil {
			return fmt.Errorf("claim %s: %w", dt, err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: %s/%d/%s", crawler.ErrActiveSession, session.TargetKey, session.Year, dt)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit create session: %w", err)
	}
	return nil
}

// GetSession fetches a session by ID.
func (s *SessionStore) GetSession(ctx context.Context, id string) (crawler.CrawlSession, error) {
	session, err := scanSession(s.db.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id))
	if noRows(err) {
		return crawler.CrawlSession{}, fmt.Errorf("session %s: %w", id, crawler.ErrNotFound)
	}
	if err != nil {
		return crawler.CrawlSession{}, fmt.Errorf("get session: %w", err)
	}
	return session, nil
}

// UpdateSession replaces a session. Reaching a terminal state releases its
// claims so a later request starts a fresh session.
func (s *SessionStore) UpdateSession(ctx context.Context, session crawler.CrawlSession) error {
	args, err := sessionArgs(session)
	if err != nil {
		return err
	}
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin update session: %w", err)
	}
	defer rollback(ctx, tx)

	tag, err := tx.Exec(ctx, `UPDATE sessions SET
	target_key = $2, year = $3, data_types = $4, state = $5, paused_from = $6, priority = $7,
	progress = $8, current_phase = $9, parent_session_id = $10, created_by = $11, watchers = $12,
	attempts = $13, tried = $14, exhausted = $15, results = $16, error = $17, created_at = $18,
	updated_at = $19, finished_at = $20
WHERE id = $1`, args...)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("session %s: %w", session.ID, crawler.ErrNotFound)
	}
	if session.State.IsTerminal() {
		if _, err := tx.Exec(ctx, `DELETE FROM session_claims WHERE session_id = $1`, session.ID); err != nil {
			return fmt.Errorf("release session claims: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit update session: %w", err)
	}
	return nil
}

// FindActive returns the session holding the claim for a triple.
func (s *SessionStore) FindActive(
	ctx context.Context,
	targetKey string,
	year int,
	dataType crawler.DataType,
) (crawler.CrawlSession, error) {
	session, err := scanSession(s.db.QueryRow(ctx, `SELECT `+sessionColumns+`
FROM sessions
WHERE id = (
	SELECT session_id FROM session_claims
	WHERE target_key = $1 AND year = $2 AND data_type = $3
)`, targetKey, year, string(dataType)))
	if noRows(err) {
		return crawler.CrawlSession{}, fmt.Errorf("active session: %w", crawler.ErrNotFound)
	}
	if err != nil {
		return crawler.CrawlSession{}, fmt.Errorf("find active session: %w", err)
	}
	return session, nil
}

// LatestTerminal returns the most recently finished session for a triple.
func (s *SessionStore) LatestTerminal(
	ctx context.Context,
	targetKey string,
	year int,
	dataType crawler.DataType,
) (crawler.CrawlSession, error) {
	session, err := scanSession(s.db.QueryRow(ctx, `SELECT `+sessionColumns+`
FROM sessions
WHERE target_key = $1 AND year = $2 AND $3 = ANY(data_types) AND state = ANY($4)
ORDER BY updated_at DESC
LIMIT 1`, targetKey, year, string(dataType), terminalStates()))
	if noRows(err) {
		return crawler.CrawlSession{}, fmt.Errorf("terminal session: %w", crawler.ErrNotFound)
	}
	if err != nil {
		return crawler.CrawlSession{}, fmt.Errorf("latest terminal session: %w", err)
	}
	return session, nil
}

// ListSessions returns sessions in the given states, newest first. No states
// lists every session.
func (s *SessionStore) ListSessions(
	ctx context.Context,
	states []crawler.SessionState,
	limit int,
) ([]crawler.CrawlSession, error) {
	if limit <= 0 {
		limit = math.MaxInt32
	}
	filter := make([]string, 0, len(states))
	for _, st := range states {
		filter = append(filter, string(st))
	}
	rows, err := s.db.Query(ctx, `SELECT `+sessionColumns+`
FROM sessions
WHERE (cardinality($1::text[]) = 0 OR state = ANY($1))
ORDER BY created_at DESC
LIMIT $2`, filter, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()
	var out []crawler.CrawlSession
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return out, nil
}

func sessionArgs(s crawler.CrawlSession) ([]any, error) {
	attempts, err := json.Marshal(nonNilMap(s.Attempts))
	if err != nil {
		return nil, fmt.Errorf("marshal attempts: %w", err)
	}
	results, err := json.Marshal(nonNilMap(s.Results))
	if err != nil {
		return nil, fmt.Errorf("marshal results: %w", err)
	}
	return []any{
		s.ID,
		s.TargetKey,
		s.Year,
		dataTypeStrings(s.DataTypes),
		string(s.State),
		string(s.PausedFrom),
		s.Priority,
		s.Progress,
		s.CurrentPhase,
		s.ParentSessionID,
		s.CreatedBy,
		s.Watchers,
		attempts,
		nonNilStrings(s.Tried),
		dataTypeStrings(s.Exhausted),
		results,
		s.Error,
		s.CreatedAt,
		s.UpdatedAt,
		s.FinishedAt,
	}, nil
}

func scanSession(row pgx.Row) (crawler.CrawlSession, error) {
	var (
		s                 crawler.CrawlSession
		dataTypes         []string
		exhausted         []string
		state, pausedFrom string
		attempts, results []byte
	)
	err := row.Scan(
		&s.ID,
		&s.TargetKey,
		&s.Year,
		&dataTypes,
		&state,
		&pausedFrom,
		&s.Priority,
		&s.Progress,
		&s.CurrentPhase,
		&s.ParentSessionID,
		&s.CreatedBy,
		&s.Watchers,
		&attempts,
		&s.Tried,
		&exhausted,
		&results,
		&s.Error,
		&s.CreatedAt,
		&s.UpdatedAt,
		&s.FinishedAt,
	)
	if err != nil {
		return crawler.CrawlSession{}, err
	}
	s.State = crawler.SessionState(state)
	s.PausedFrom = crawler.SessionState(pausedFrom)
	s.DataTypes = toDataTypes(dataTypes)
	s.Exhausted = toDataTypes(exhausted)
	if len(s.Tried) == 0 {
		s.Tried = nil
	}
	if err := decodeMap(attempts, &s.Attempts); err != nil {
		return crawler.CrawlSession{}, fmt.Errorf("decode attempts: %w", err)
	}
	if err := decodeMap(results, &s.Results); err != nil {
		return crawler.CrawlSession{}, fmt.Errorf("decode results: %w", err)
	}
	return s, nil
}

func decodeMap[K comparable, V any](raw []byte, dst *map[K]V) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return err
	}
	if len(*dst) == 0 {
		*dst = nil
	}
	return nil
}

func nonNilMap[K comparable, V any](m map[K]V) map[K]V {
	if m == nil {
		return map[K]V{}
	}
	return m
}

func nonNilStrings(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}

func dataTypeStrings(in []crawler.DataType) []string {
	out := make([]string, 0, len(in))
	for _, dt := range in {
		out = append(out, string(dt))
	}
	return out
}

func toDataTypes(in []string) []crawler.DataType {
	if len(in) == 0 {
		return nil
	}
	out := make([]crawler.DataType, 0, len(in))
	for _, v := range in {
		out = append(out, crawler.DataType(v))
	}
	return out
}

func terminalStates() []string {
	return []string{
		string(crawler.SessionCompleted),
		string(crawler.SessionFailed),
		string(crawler.SessionLowConfidence),
	}
}

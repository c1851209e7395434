// Package sqlite provides a SQLite-backed ingest storage implementation.
//
// It owns the durable event log and the derived session aggregate table; all
// reads and writes of persistent telemetry state go through this store.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/eventscope/eventscope/internal/platform/storage/sqlitemigrate"
	"github.com/eventscope/eventscope/internal/services/ingest/storage"
	"github.com/eventscope/eventscope/internal/services/ingest/storage/sqlite/migrations"
	_ "modernc.org/sqlite"
)

const (
	// maxQueryLimit caps a single read window so one request cannot drag an
	// unbounded slice of the log into memory.
	maxQueryLimit = 1000

	defaultPendingSummariesLimit = 50
)

// Store persists telemetry events and session aggregates in SQLite.
type Store struct {
	sqlDB *sql.DB
}

// Open opens a SQLite ingest store and applies embedded migrations. The
// parent directory of path is created when missing.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	cleanPath := filepath.Clean(path)
	if dir := filepath.Dir(cleanPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create storage dir: %w", err)
		}
	}
	// modernc.org/sqlite only honors pragmas in the _pragma=name(value) form;
	// mattn-style _journal_mode keys are silently ignored.
	dsn := cleanPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := sqlitemigrate.ApplyMigrations(sqlDB, migrations.FS); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// InsertEvent persists one event and upserts its session aggregate inside a
// single transaction. A concurrent reader never observes the event without
// its session counter, or the counter without the event.
func (s *Store) InsertEvent(ctx context.Context, event storage.Event) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if s == nil || s.sqlDB == nil {
		return 0, fmt.Errorf("storage is not configured")
	}
	sourceApp := strings.TrimSpace(event.SourceApp)
	sessionID := strings.TrimSpace(event.SessionID)
	eventType := strings.TrimSpace(event.EventType)
	if sourceApp == "" {
		return 0, fmt.Errorf("source app is required")
	}
	if sessionID == "" {
		return 0, fmt.Errorf("session id is required")
	}
	if eventType == "" {
		return 0, fmt.Errorf("event type is required")
	}
	if event.Timestamp <= 0 {
		return 0, fmt.Errorf("timestamp is required")
	}

	now := time.Now().UTC().UnixMilli()

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin insert transaction: %w", err)
	}

	result, err := tx.ExecContext(
		ctx,
		`INSERT INTO events (
		   timestamp, source_app, session_id, event_type,
		   tool_name, tool_input, tool_output, summary, chat_transcript, payload,
		   created_at, updated_at
		 ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		event.Timestamp,
		sourceApp,
		sessionID,
		eventType,
		nullableText(event.ToolName),
		nullableJSON(event.ToolInput),
		nullableJSON(event.ToolOutput),
		nullableText(event.Summary),
		nullableJSON(event.ChatTranscript),
		nullableJSON(event.Payload),
		now,
		now,
	)
	if err != nil {
		_ = tx.Rollback()
		return 0, fmt.Errorf("insert event: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		_ = tx.Rollback()
		return 0, fmt.Errorf("read inserted event id: %w", err)
	}

	if _, err := tx.ExecContext(
		ctx,
		`INSERT INTO sessions (session_id, source_app, start_time, status, event_count, created_at)
		 VALUES (?, ?, ?, ?, 1, ?)
		 ON CONFLICT(session_id) DO UPDATE SET
		   event_count = event_count + 1,
		   status = CASE WHEN end_time IS NOT NULL THEN ? ELSE ? END`,
		sessionID,
		sourceApp,
		event.Timestamp,
		storage.SessionActive,
		now,
		storage.SessionCompleted,
		storage.SessionActive,
	); err != nil {
		_ = tx.Rollback()
		return 0, fmt.Errorf("upsert session aggregate: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit insert transaction: %w", err)
	}
	return id, nil
}

// UpdateSummary attaches a summary to a stored event. Setting the same
// summary twice succeeds and only moves updated_at.
func (s *Store) UpdateSummary(ctx context.Context, id int64, summary string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	summary = strings.TrimSpace(summary)
	if summary == "" {
		return fmt.Errorf("summary is required")
	}

	result, err := s.sqlDB.ExecContext(
		ctx,
		`UPDATE events SET summary = ?, updated_at = ? WHERE id = ?`,
		summary,
		time.Now().UTC().UnixMilli(),
		id,
	)
	if err != nil {
		return fmt.Errorf("update summary: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update summary: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// QueryEvents returns events matching filter ordered by timestamp descending
// with id descending as the tie-break.
func (s *Store) QueryEvents(ctx context.Context, filter storage.EventFilter, limit, offset int) ([]storage.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be greater than zero")
	}
	if limit > maxQueryLimit {
		limit = maxQueryLimit
	}
	if offset < 0 {
		offset = 0
	}

	query := `SELECT id, timestamp, source_app, session_id, event_type,
	                 tool_name, tool_input, tool_output, summary, chat_transcript, payload
	            FROM events`
	var conditions []string
	var args []any
	if sourceApp := strings.TrimSpace(filter.SourceApp); sourceApp != "" {
		conditions = append(conditions, "source_app = ?")
		args = append(args, sourceApp)
	}
	if sessionID := strings.TrimSpace(filter.SessionID); sessionID != "" {
		conditions = append(conditions, "session_id = ?")
		args = append(args, sessionID)
	}
	if len(filter.EventTypes) > 0 {
		placeholders := make([]string, 0, len(filter.EventTypes))
		for _, eventType := range filter.EventTypes {
			placeholders = append(placeholders, "?")
			args = append(args, eventType)
		}
		conditions = append(conditions, "event_type IN ("+strings.Join(placeholders, ",")+")")
	}
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY timestamp DESC, id DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := s.sqlDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	return collectEvents(rows)
}

// FacetOptions returns the distinct source apps, session ids, and event
// types across the whole log, each sorted lexicographically.
func (s *Store) FacetOptions(ctx context.Context) (storage.FacetOptions, error) {
	if err := ctx.Err(); err != nil {
		return storage.FacetOptions{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.FacetOptions{}, fmt.Errorf("storage is not configured")
	}

	options := storage.FacetOptions{
		SourceApps: []string{},
		SessionIDs: []string{},
		EventTypes: []string{},
	}
	facets := []struct {
		query  string
		target *[]string
	}{
		{"SELECT DISTINCT source_app FROM events ORDER BY source_app", &options.SourceApps},
		{"SELECT DISTINCT session_id FROM events ORDER BY session_id", &options.SessionIDs},
		{"SELECT DISTINCT event_type FROM events ORDER BY event_type", &options.EventTypes},
	}
	for _, facet := range facets {
		values, err := s.distinctValues(ctx, facet.query)
		if err != nil {
			return storage.FacetOptions{}, err
		}
		*facet.target = values
	}
	return options, nil
}

// ActiveSessions returns sessions still marked active, newest first.
func (s *Store) ActiveSessions(ctx context.Context) ([]storage.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}

	rows, err := s.sqlDB.QueryContext(
		ctx,
		`SELECT session_id, source_app, start_time, end_time, status, event_count
		   FROM sessions
		  WHERE status = ?
		  ORDER BY start_time DESC, session_id DESC`,
		storage.SessionActive,
	)
	if err != nil {
		return nil, fmt.Errorf("list active sessions: %w", err)
	}
	defer rows.Close()

	sessions := make([]storage.Session, 0)
	for rows.Next() {
		var session storage.Session
		var endTime sql.NullInt64
		if err := rows.Scan(
			&session.SessionID,
			&session.SourceApp,
			&session.StartTime,
			&endTime,
			&session.Status,
			&session.EventCount,
		); err != nil {
			return nil, fmt.Errorf("list active sessions: %w", err)
		}
		if endTime.Valid {
			value := endTime.Int64
			session.EndTime = &value
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list active sessions: %w", err)
	}
	return sessions, nil
}

// PendingSummaries returns events without a summary, newest first, for the
// external summarization consumer.
func (s *Store) PendingSummaries(ctx context.Context, limit int) ([]storage.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	if limit <= 0 {
		limit = defaultPendingSummariesLimit
	}
	if limit > maxQueryLimit {
		limit = maxQueryLimit
	}

	rows, err := s.sqlDB.QueryContext(
		ctx,
		`SELECT id, timestamp, source_app, session_id, event_type,
		        tool_name, tool_input, tool_output, summary, chat_transcript, payload
		   FROM events
		  WHERE summary IS NULL
		  ORDER BY timestamp DESC, id DESC
		  LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list pending summaries: %w", err)
	}
	defer rows.Close()

	return collectEvents(rows)
}

func (s *Store) distinctValues(ctx context.Context, query string) ([]string, error) {
	rows, err := s.sqlDB.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list facet values: %w", err)
	}
	defer rows.Close()

	values := make([]string, 0)
	for rows.Next() {
		var value string
		if err := rows.Scan(&value); err != nil {
			return nil, fmt.Errorf("list facet values: %w", err)
		}
		values = append(values, value)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list facet values: %w", err)
	}
	return values, nil
}

func collectEvents(rows *sql.Rows) ([]storage.Event, error) {
	events := make([]storage.Event, 0)
	for rows.Next() {
		var event storage.Event
		var toolName, toolInput, toolOutput, summary, chatTranscript, payload sql.NullString
		if err := rows.Scan(
			&event.ID,
			&event.Timestamp,
			&event.SourceApp,
			&event.SessionID,
			&event.EventType,
			&toolName,
			&toolInput,
			&toolOutput,
			&summary,
			&chatTranscript,
			&payload,
		); err != nil {
			return nil, fmt.Errorf("scan event row: %w", err)
		}
		event.ToolName = toolName.String
		event.Summary = summary.String
		event.ToolInput = rawJSON(toolInput)
		event.ToolOutput = rawJSON(toolOutput)
		event.ChatTranscript = rawJSON(chatTranscript)
		event.Payload = rawJSON(payload)
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read event rows: %w", err)
	}
	return events, nil
}

func nullableText(value string) any {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return value
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func rawJSON(value sql.NullString) json.RawMessage {
	if !value.Valid || value.String == "" {
		return nil
	}
	return json.RawMessage(value.String)
}

var _ storage.EventStore = (*Store)(nil)

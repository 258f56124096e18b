package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/polisai/plantwatch/pkg/domain"
	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS evaluations (
	request_id      TEXT PRIMARY KEY,
	ts              TEXT NOT NULL,
	context_id      TEXT,
	plant_type      TEXT,
	model           TEXT,
	prompt_variant  TEXT,
	health_status   TEXT,
	accuracy        INTEGER,
	relevance       INTEGER,
	urgency         INTEGER,
	hallucination   INTEGER,
	safety_passed   INTEGER,
	overall         INTEGER,
	unscored        INTEGER NOT NULL DEFAULT 0,
	unscored_reason TEXT,
	attempts        INTEGER NOT NULL DEFAULT 0,
	record_json     TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS evaluations_ts ON evaluations (ts, request_id);

CREATE TABLE IF NOT EXISTS dead_letters (
	request_id  TEXT PRIMARY KEY,
	attempts    INTEGER NOT NULL,
	last_error  TEXT,
	dead_at     TEXT NOT NULL,
	record_json TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS baselines (
	name          TEXT PRIMARY KEY,
	snapshot_json TEXT NOT NULL,
	saved_at      TEXT NOT NULL
);
`

// SQLiteStore persists records in a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the database at dsn and runs migrations.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// Writers are serialised on a single connection.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma busy_timeout: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Upsert writes rec; a second write for the same request id replaces it.
func (s *SQLiteStore) Upsert(ctx context.Context, rec domain.EvaluationRecord) error {
	if rec.RequestID == "" {
		return fmt.Errorf("upsert: empty request id")
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	var accuracy, relevance, urgency, hallucination, safety, overall sql.NullInt64
	if rec.Scored() {
		accuracy = nullInt(rec.Score.Accuracy.Score)
		relevance = nullInt(rec.Score.Relevance.Score)
		urgency = nullInt(rec.Score.UrgencyCalibration.Score)
		hallucination = nullBool(rec.Score.Hallucination.Detected)
		safety = nullBool(rec.Score.Safety.Passed)
		overall = nullInt(rec.Score.Overall)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO evaluations (request_id, ts, context_id, plant_type, model, prompt_variant,
			health_status, accuracy, relevance, urgency, hallucination, safety_passed, overall,
			unscored, unscored_reason, attempts, record_json)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(request_id) DO UPDATE SET
			ts = excluded.ts,
			context_id = excluded.context_id,
			plant_type = excluded.plant_type,
			model = excluded.model,
			prompt_variant = excluded.prompt_variant,
			health_status = excluded.health_status,
			accuracy = excluded.accuracy,
			relevance = excluded.relevance,
			urgency = excluded.urgency,
			hallucination = excluded.hallucination,
			safety_passed = excluded.safety_passed,
			overall = excluded.overall,
			unscored = excluded.unscored,
			unscored_reason = excluded.unscored_reason,
			attempts = excluded.attempts,
			record_json = excluded.record_json`,
		rec.RequestID, formatTime(rec.Timestamp), rec.ContextID, rec.PlantType, rec.Model, rec.PromptVariant,
		rec.Response.HealthStatus.String(), accuracy, relevance, urgency, hallucination, safety, overall,
		rec.Unscored, rec.UnscoredReason, rec.Attempts, string(payload),
	)
	if err != nil {
		return fmt.Errorf("upsert %s: %w", rec.RequestID, err)
	}
	return nil
}

// Get retrieves a record by request id.
func (s *SQLiteStore) Get(ctx context.Context, requestID string) (domain.EvaluationRecord, error) {
	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT record_json FROM evaluations WHERE request_id = ?`, requestID,
	).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.EvaluationRecord{}, fmt.Errorf("record %s: %w", requestID, domain.ErrNotFound)
	}
	if err != nil {
		return domain.EvaluationRecord{}, fmt.Errorf("get %s: %w", requestID, err)
	}
	var rec domain.EvaluationRecord
	if err := json.Unmarshal([]byte(payload), &rec); err != nil {
		return domain.EvaluationRecord{}, fmt.Errorf("decode %s: %w", requestID, err)
	}
	return rec, nil
}

// List returns matching records ordered by timestamp then request id.
func (s *SQLiteStore) List(ctx context.Context, filter ListFilter) ([]domain.EvaluationRecord, error) {
	query := `SELECT record_json FROM evaluations WHERE 1=1`
	var args []any
	if !filter.Since.IsZero() {
		query += ` AND ts >= ?`
		args = append(args, formatTime(filter.Since))
	}
	if filter.PlantType != "" {
		query += ` AND plant_type = ?`
		args = append(args, filter.PlantType)
	}
	query += ` ORDER BY ts, request_id`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()

	var out []domain.EvaluationRecord
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		var rec domain.EvaluationRecord
		if err := json.Unmarshal([]byte(payload), &rec); err != nil {
			return nil, fmt.Errorf("decode record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Scores returns judge scores of matching scored records.
func (s *SQLiteStore) Scores(ctx context.Context, filter ListFilter) ([]domain.JudgeScore, error) {
	records, err := s.List(ctx, filter)
	if err != nil {
		return nil, err
	}
	return scoresOf(records), nil
}

// AddDeadLetter stores dl, replacing an earlier entry for the same request.
func (s *SQLiteStore) AddDeadLetter(ctx context.Context, dl domain.DeadLetter) error {
	payload, err := json.Marshal(dl.Record)
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO dead_letters (request_id, attempts, last_error, dead_at, record_json)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(request_id) DO UPDATE SET
			attempts = excluded.attempts,
			last_error = excluded.last_error,
			dead_at = excluded.dead_at,
			record_json = excluded.record_json`,
		dl.Record.RequestID, dl.Attempts, dl.LastError, formatTime(dl.DeadAt), string(payload),
	)
	if err != nil {
		return fmt.Errorf("add dead letter %s: %w", dl.Record.RequestID, err)
	}
	return nil
}

// GetDeadLetter retrieves one dead letter.
func (s *SQLiteStore) GetDeadLetter(ctx context.Context, requestID string) (domain.DeadLetter, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT attempts, last_error, dead_at, record_json FROM dead_letters WHERE request_id = ?`, requestID)
	dl, err := scanDeadLetter(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.DeadLetter{}, fmt.Errorf("dead letter %s: %w", requestID, domain.ErrNotFound)
	}
	return dl, err
}

// ListDeadLetters returns dead letters oldest first.
func (s *SQLiteStore) ListDeadLetters(ctx context.Context) ([]domain.DeadLetter, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT attempts, last_error, dead_at, record_json FROM dead_letters ORDER BY dead_at, request_id`)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()

	var out []domain.DeadLetter
	for rows.Next() {
		dl, err := scanDeadLetter(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, dl)
	}
	return out, rows.Err()
}

// RemoveDeadLetter deletes a dead letter. Removing an absent entry is not an
// error.
func (s *SQLiteStore) RemoveDeadLetter(ctx context.Context, requestID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM dead_letters WHERE request_id = ?`, requestID); err != nil {
		return fmt.Errorf("remove dead letter %s: %w", requestID, err)
	}
	return nil
}

// SaveBaseline records snapshot under name.
func (s *SQLiteStore) SaveBaseline(ctx context.Context, name string, snapshot domain.MetricsSnapshot) error {
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("marshal baseline: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO baselines (name, snapshot_json, saved_at) VALUES (?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET snapshot_json = excluded.snapshot_json, saved_at = excluded.saved_at`,
		name, string(payload), formatTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("save baseline %s: %w", name, err)
	}
	return nil
}

// Baseline returns the snapshot saved under name.
func (s *SQLiteStore) Baseline(ctx context.Context, name string) (domain.MetricsSnapshot, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, `SELECT snapshot_json FROM baselines WHERE name = ?`, name).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.MetricsSnapshot{}, fmt.Errorf("baseline %s: %w", name, domain.ErrNotFound)
	}
	if err != nil {
		return domain.MetricsSnapshot{}, fmt.Errorf("get baseline %s: %w", name, err)
	}
	var snapshot domain.MetricsSnapshot
	if err := json.Unmarshal([]byte(payload), &snapshot); err != nil {
		return domain.MetricsSnapshot{}, fmt.Errorf("decode baseline %s: %w", name, err)
	}
	return snapshot, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDeadLetter(row rowScanner) (domain.DeadLetter, error) {
	var (
		dl      domain.DeadLetter
		lastErr sql.NullString
		deadAt  string
		payload string
	)
	if err := row.Scan(&dl.Attempts, &lastErr, &deadAt, &payload); err != nil {
		return domain.DeadLetter{}, err
	}
	dl.LastError = lastErr.String
	t, err := time.Parse(time.RFC3339Nano, deadAt)
	if err != nil {
		return domain.DeadLetter{}, fmt.Errorf("parse dead_at: %w", err)
	}
	dl.DeadAt = t
	if err := json.Unmarshal([]byte(payload), &dl.Record); err != nil {
		return domain.DeadLetter{}, fmt.Errorf("decode dead letter: %w", err)
	}
	return dl, nil
}

// formatTime renders a fixed-width UTC timestamp so text ordering matches
// time ordering.
func formatTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000000000Z07:00")
}

func nullInt(v int) sql.NullInt64 {
	return sql.NullInt64{Int64: int64(v), Valid: true}
}

func nullBool(v bool) sql.NullInt64 {
	if v {
		return nullInt(1)
	}
	return nullInt(0)
}

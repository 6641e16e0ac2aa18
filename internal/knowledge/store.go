package knowledge

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/meshwarden/meshwarden/internal/errors"
	"github.com/meshwarden/meshwarden/internal/models"
)

const schemaVersion = 1

const schema = `
CREATE TABLE IF NOT EXISTS action_patterns (
	action_type TEXT NOT NULL,
	cause_tag TEXT NOT NULL,
	total_executions INTEGER NOT NULL DEFAULT 0,
	successful_executions INTEGER NOT NULL DEFAULT 0,
	scored_executions INTEGER NOT NULL DEFAULT 0,
	success_rate REAL NOT NULL DEFAULT 0,
	avg_time_to_effect_ns INTEGER NOT NULL DEFAULT 0,
	avg_violations_resolved REAL NOT NULL DEFAULT 0,
	confidence REAL NOT NULL DEFAULT 0,
	updated_at TIMESTAMP NOT NULL,
	schema_version INTEGER NOT NULL DEFAULT 1,
	PRIMARY KEY (action_type, cause_tag)
);

CREATE TABLE IF NOT EXISTS execution_records (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	policy_id TEXT NOT NULL,
	outcome TEXT NOT NULL,
	record TEXT NOT NULL,
	recorded_at TIMESTAMP NOT NULL,
	schema_version INTEGER NOT NULL DEFAULT 1
);
CREATE INDEX IF NOT EXISTS idx_execution_records_policy ON execution_records(policy_id);
CREATE INDEX IF NOT EXISTS idx_execution_records_recorded ON execution_records(recorded_at);
`

// Store persists action patterns and the execution-record log in SQLite.
// Patterns are keyed rows rewritten in place; records are append-only.
type Store struct {
	db *sql.DB
}

// OpenStore opens (creating if needed) the knowledge database.
func OpenStore(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.New(errors.KindInternal, "create knowledge database directory").
				WithWrapped(err).
				Build()
		}
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, errors.New(errors.KindInternal, "open knowledge database").
			WithWrapped(err).
			Build()
	}

	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errors.New(errors.KindInternal, "initialize knowledge schema").
			WithWrapped(err).
			Build()
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// UpsertPattern writes one pattern row, replacing the previous version.
func (s *Store) UpsertPattern(p *models.ActionPattern) error {
	_, err := s.db.Exec(`
		INSERT INTO action_patterns (
			action_type, cause_tag, total_executions, successful_executions,
			scored_executions, success_rate, avg_time_to_effect_ns,
			avg_violations_resolved, confidence, updated_at, schema_version
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(action_type, cause_tag) DO UPDATE SET
			total_executions = excluded.total_executions,
			successful_executions = excluded.successful_executions,
			scored_executions = excluded.scored_executions,
			success_rate = excluded.success_rate,
			avg_time_to_effect_ns = excluded.avg_time_to_effect_ns,
			avg_violations_resolved = excluded.avg_violations_resolved,
			confidence = excluded.confidence,
			updated_at = excluded.updated_at,
			schema_version = excluded.schema_version`,
		string(p.ActionType), string(p.CauseTag), p.TotalExecutions, p.SuccessfulExecutions,
		p.ScoredExecutions, p.SuccessRate, p.AvgTimeToEffect.Nanoseconds(),
		p.AvgViolationsResolved, p.Confidence, p.UpdatedAt.UTC(), schemaVersion)
	if err != nil {
		return errors.New(errors.KindInternal, "persist action pattern").
			WithDetail("action_type", string(p.ActionType)).
			WithDetail("cause_tag", string(p.CauseTag)).
			WithWrapped(err).
			Build()
	}
	return nil
}

// LoadPatterns returns every persisted pattern.
func (s *Store) LoadPatterns() ([]models.ActionPattern, error) {
	rows, err := s.db.Query(`
		SELECT action_type, cause_tag, total_executions, successful_executions,
			scored_executions, success_rate, avg_time_to_effect_ns,
			avg_violations_resolved, confidence, updated_at
		FROM action_patterns`)
	if err != nil {
		return nil, errors.New(errors.KindInternal, "load action patterns").
			WithWrapped(err).
			Build()
	}
	defer rows.Close()

	var out []models.ActionPattern
	for rows.Next() {
		var (
			p       models.ActionPattern
			actType string
			cause   string
			ttfNs   int64
		)
		if err := rows.Scan(&actType, &cause, &p.TotalExecutions, &p.SuccessfulExecutions,
			&p.ScoredExecutions, &p.SuccessRate, &ttfNs,
			&p.AvgViolationsResolved, &p.Confidence, &p.UpdatedAt); err != nil {
			return nil, errors.New(errors.KindInternal, "scan action pattern").
				WithWrapped(err).
				Build()
		}
		p.ActionType = models.ActionType(actType)
		p.CauseTag = models.CauseTag(cause)
		p.AvgTimeToEffect = time.Duration(ttfNs)
		out = append(out, p)
	}
	return out, rows.Err()
}

// AppendRecord adds one execution record to the append-only log.
func (s *Store) AppendRecord(record *models.ExecutionRecord, outcome models.OutcomeClass) error {
	payload, err := json.Marshal(record)
	if err != nil {
		return errors.New(errors.KindInternal, "encode execution record").
			WithCorrelation(record.PolicyID).
			WithWrapped(err).
			Build()
	}
	_, err = s.db.Exec(`
		INSERT INTO execution_records (policy_id, outcome, record, recorded_at, schema_version)
		VALUES (?, ?, ?, ?, ?)`,
		record.PolicyID, string(outcome), string(payload), time.Now().UTC(), record.SchemaVersion)
	if err != nil {
		return errors.New(errors.KindInternal, "persist execution record").
			WithCorrelation(record.PolicyID).
			WithWrapped(err).
			Build()
	}
	return nil
}

// RecentRecords returns the newest records, oldest first, bounded by limit.
func (s *Store) RecentRecords(limit int) ([]models.ExecutionRecord, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.Query(`
		SELECT record FROM (
			SELECT id, record FROM execution_records ORDER BY id DESC LIMIT ?
		) ORDER BY id ASC`, limit)
	if err != nil {
		return nil, errors.New(errors.KindInternal, "load execution records").
			WithWrapped(err).
			Build()
	}
	defer rows.Close()

	var out []models.ExecutionRecord
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, errors.New(errors.KindInternal, "scan execution record").
				WithWrapped(err).
				Build()
		}
		var record models.ExecutionRecord
		if err := json.Unmarshal([]byte(payload), &record); err != nil {
			// A corrupt row must not poison restart; skip it.
			continue
		}
		out = append(out, record)
	}
	return out, rows.Err()
}

// RecordCount reports the log length, for diagnostics.
func (s *Store) RecordCount() (int, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM execution_records`).Scan(&n); err != nil {
		return 0, errors.New(errors.KindInternal, fmt.Sprintf("count execution records: %v", err)).Build()
	}
	return n, nil
}

// Package store persists normalized records and batch job snapshots in SQLite.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/joelkehle/labextract/internal/batch"
	"github.com/joelkehle/labextract/internal/extract"
)

var ErrNotFound = errors.New("not found")

// SQLiteStore keeps the full record as JSON next to a flattened test_results
// table so results can be queried per patient and test.
type SQLiteStore struct {
	db *sqlx.DB
	mu sync.Mutex
}

var (
	_ extract.RecordSink = (*SQLiteStore)(nil)
	_ batch.JobStore     = (*SQLiteStore)(nil)
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS records (
	document_id   TEXT PRIMARY KEY,
	content_hash  TEXT NOT NULL DEFAULT '',
	source_path   TEXT NOT NULL DEFAULT '',
	patient_id    TEXT NOT NULL DEFAULT '',
	patient_name  TEXT NOT NULL DEFAULT '',
	report_date   TEXT NOT NULL DEFAULT '',
	confidence    REAL NOT NULL DEFAULT 0,
	needs_review  INTEGER NOT NULL DEFAULT 0,
	test_count    INTEGER NOT NULL DEFAULT 0,
	cached        INTEGER NOT NULL DEFAULT 0,
	completed_at  TEXT NOT NULL,
	payload       TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS records_patient ON records (patient_id);

CREATE TABLE IF NOT EXISTS test_results (
	document_id    TEXT NOT NULL,
	position       INTEGER NOT NULL,
	canonical_name TEXT NOT NULL,
	original_name  TEXT NOT NULL DEFAULT '',
	loinc_code     TEXT NOT NULL DEFAULT '',
	value          REAL,
	raw_value      TEXT NOT NULL DEFAULT '',
	unit           TEXT NOT NULL DEFAULT '',
	flag           TEXT NOT NULL DEFAULT '',
	needs_review   INTEGER NOT NULL DEFAULT 0,
	mapping_method TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (document_id, position)
);

CREATE INDEX IF NOT EXISTS test_results_name ON test_results (canonical_name);

CREATE TABLE IF NOT EXISTS batch_jobs (
	job_id       TEXT PRIMARY KEY,
	status       TEXT NOT NULL,
	total        INTEGER NOT NULL DEFAULT 0,
	succeeded    INTEGER NOT NULL DEFAULT 0,
	failed       INTEGER NOT NULL DEFAULT 0,
	cached       INTEGER NOT NULL DEFAULT 0,
	submitted_at TEXT NOT NULL,
	ended_at     TEXT NOT NULL DEFAULT '',
	payload      TEXT NOT NULL
);
`

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite", dbPath+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// SaveRecord replaces any earlier record with the same document id.
func (s *SQLiteStore) SaveRecord(ctx context.Context, rec extract.NormalizedRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	completed := rec.Metadata.CompletedAt
	if completed.IsZero() {
		completed = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `INSERT OR REPLACE INTO records (document_id, content_hash, source_path, patient_id, patient_name,
		report_date, confidence, needs_review, test_count, cached, completed_at, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.DocumentID,
		rec.ContentHash,
		rec.SourcePath,
		rec.Patient.PatientID,
		rec.Patient.Name,
		rec.Patient.ReportDate,
		rec.Metadata.Confidence,
		boolToInt(rec.NeedsReview()),
		len(rec.Tests),
		boolToInt(rec.Metadata.Cached),
		timeToString(completed),
		string(payload),
	); err != nil {
		return fmt.Errorf("save record %s: %w", rec.DocumentID, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM test_results WHERE document_id = ?`, rec.DocumentID); err != nil {
		return fmt.Errorf("clear results %s: %w", rec.DocumentID, err)
	}
	for i, t := range rec.Tests {
		if _, err := tx.ExecContext(ctx, `INSERT INTO test_results (document_id, position, canonical_name, original_name, loinc_code,
			value, raw_value, unit, flag, needs_review, mapping_method)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			rec.DocumentID,
			i,
			t.CanonicalName,
			t.OriginalName,
			t.LOINCCode,
			t.Value,
			t.RawValue,
			t.Unit,
			t.Flag,
			boolToInt(t.NeedsReview),
			string(t.Method),
		); err != nil {
			return fmt.Errorf("save result %s/%d: %w", rec.DocumentID, i, err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) GetRecord(ctx context.Context, documentID string) (extract.NormalizedRecord, error) {
	var payload string
	err := s.db.GetContext(ctx, &payload, `SELECT payload FROM records WHERE document_id = ?`, documentID)
	if errors.Is(err, sql.ErrNoRows) {
		return extract.NormalizedRecord{}, fmt.Errorf("record %s: %w", documentID, ErrNotFound)
	}
	if err != nil {
		return extract.NormalizedRecord{}, err
	}
	var rec extract.NormalizedRecord
	if err := json.Unmarshal([]byte(payload), &rec); err != nil {
		return extract.NormalizedRecord{}, fmt.Errorf("decode record %s: %w", documentID, err)
	}
	return rec, nil
}

// RecordSummary is one row of ListRecords.
type RecordSummary struct {
	DocumentID  string    `db:"document_id" json:"document_id"`
	PatientID   string    `db:"patient_id" json:"patient_id"`
	PatientName string    `db:"patient_name" json:"patient_name"`
	Confidence  float64   `db:"confidence" json:"confidence"`
	NeedsReview bool      `db:"needs_review" json:"needs_review"`
	TestCount   int       `db:"test_count" json:"test_count"`
	CompletedAt time.Time `db:"-" json:"completed_at"`

	CompletedRaw string `db:"completed_at" json:"-"`
}

type RecordFilter struct {
	PatientID       string
	NeedsReviewOnly bool
	Limit           int
}

// ListRecords returns summaries, most recently completed first.
func (s *SQLiteStore) ListRecords(ctx context.Context, f RecordFilter) ([]RecordSummary, error) {
	var where []string
	var args []any
	if f.PatientID != "" {
		where = append(where, "patient_id = ?")
		args = append(args, f.PatientID)
	}
	if f.NeedsReviewOnly {
		where = append(where, "needs_review = 1")
	}
	q := `SELECT document_id, patient_id, patient_name, confidence, needs_review, test_count, completed_at FROM records`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY completed_at DESC, document_id"
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}
	out := []RecordSummary{}
	if err := s.db.SelectContext(ctx, &out, q, args...); err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	for i := range out {
		out[i].CompletedAt, _ = time.Parse(time.RFC3339Nano, out[i].CompletedRaw)
	}
	return out, nil
}

// TrendPoint is one reading of a test for a patient.
type TrendPoint struct {
	DocumentID  string          `db:"document_id" json:"document_id"`
	Value       sql.NullFloat64 `db:"value" json:"-"`
	RawValue    string          `db:"raw_value" json:"raw_value"`
	Unit        string          `db:"unit" json:"unit"`
	Flag        string          `db:"flag" json:"flag"`
	ReportDate  string          `db:"report_date" json:"report_date,omitempty"`
	CompletedAt string          `db:"completed_at" json:"completed_at"`
}

// PatientTrend lists every stored reading of one canonical test for a
// patient, oldest first.
func (s *SQLiteStore) PatientTrend(ctx context.Context, patientID, canonicalName string) ([]TrendPoint, error) {
	out := []TrendPoint{}
	err := s.db.SelectContext(ctx, &out, `SELECT t.document_id, t.value, t.raw_value, t.unit, t.flag, r.report_date, r.completed_at
		FROM test_results t JOIN records r ON r.document_id = t.document_id
		WHERE r.patient_id = ? AND t.canonical_name = ? COLLATE NOCASE
		ORDER BY r.completed_at, t.position`, patientID, canonicalName)
	if err != nil {
		return nil, fmt.Errorf("patient trend: %w", err)
	}
	return out, nil
}

// SaveJob writes the latest snapshot of a batch job.
func (s *SQLiteStore) SaveJob(ctx context.Context, p batch.Progress) error {
	payload, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	ended := ""
	if p.EndedAt != nil {
		ended = timeToString(*p.EndedAt)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.ExecContext(ctx, `INSERT OR REPLACE INTO batch_jobs (job_id, status, total, succeeded, failed, cached, submitted_at, ended_at, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.JobID,
		string(p.Status),
		p.Total,
		p.Succeeded,
		p.Failed,
		p.Cached,
		timeToString(p.SubmittedAt),
		ended,
		string(payload),
	)
	if err != nil {
		return fmt.Errorf("save job %s: %w", p.JobID, err)
	}
	return nil
}

func (s *SQLiteStore) GetJob(ctx context.Context, jobID string) (batch.Progress, error) {
	var payload string
	err := s.db.GetContext(ctx, &payload, `SELECT payload FROM batch_jobs WHERE job_id = ?`, jobID)
	if errors.Is(err, sql.ErrNoRows) {
		return batch.Progress{}, fmt.Errorf("job %s: %w", jobID, ErrNotFound)
	}
	if err != nil {
		return batch.Progress{}, err
	}
	var p batch.Progress
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		return batch.Progress{}, fmt.Errorf("decode job %s: %w", jobID, err)
	}
	return p, nil
}

func timeToString(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

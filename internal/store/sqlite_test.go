package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/joelkehle/labextract/internal/batch"
	"github.com/joelkehle/labextract/internal/extract"
	"github.com/joelkehle/labextract/internal/identity"
	"github.com/joelkehle/labextract/internal/normalize"
)

func newTestStore(t *testing.T) (*SQLiteStore, string) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "labextract.db")
	s, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("new sqlite store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, dbPath
}

func fptr(v float64) *float64 { return &v }

func record(docID, patientID string, completed time.Time, hb *float64) extract.NormalizedRecord {
	rec := extract.NormalizedRecord{
		DocumentID:  docID,
		ContentHash: "hash-" + docID,
		Patient:     identity.Patient{Name: "Ravi Kumar", PatientID: patientID, ReportDate: completed.Format("2006-01-02")},
		Tests: []normalize.TestResult{
			{CanonicalName: "Hemoglobin", OriginalName: "Hb", Value: hb, RawValue: "x", Unit: "g/dL", Flag: normalize.FlagNormal, Method: normalize.MethodExact},
			{CanonicalName: normalize.UnknownName, OriginalName: "Mystery", RawValue: "Positive", Method: normalize.MethodUnknown, NeedsReview: true},
		},
	}
	rec.Verification.Passed = true
	rec.Metadata.Confidence = 0.8
	rec.Metadata.CompletedAt = completed
	return rec
}

func TestSaveAndGetRecordRoundTrip(t *testing.T) {
	s, dbPath := newTestStore(t)
	ctx := context.Background()
	when := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	if err := s.SaveRecord(ctx, record("a.png", "P-1", when, fptr(13.5))); err != nil {
		t.Fatalf("save: %v", err)
	}
	s.Close()

	reopened, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	got, err := reopened.GetRecord(ctx, "a.png")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Patient.PatientID != "P-1" || len(got.Tests) != 2 || *got.Tests[0].Value != 13.5 {
		t.Fatalf("record=%+v", got)
	}
	if !got.Metadata.CompletedAt.Equal(when) {
		t.Fatalf("completed=%v want %v", got.Metadata.CompletedAt, when)
	}
}

func TestGetRecordNotFound(t *testing.T) {
	s, _ := newTestStore(t)
	if _, err := s.GetRecord(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err=%v want ErrNotFound", err)
	}
	if _, err := s.GetJob(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err=%v want ErrNotFound", err)
	}
}

func TestSaveRecordReplacesResults(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	when := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	rec := record("a.png", "P-1", when, fptr(13.5))
	if err := s.SaveRecord(ctx, rec); err != nil {
		t.Fatalf("save: %v", err)
	}
	rec.Tests = rec.Tests[:1]
	if err := s.SaveRecord(ctx, rec); err != nil {
		t.Fatalf("resave: %v", err)
	}
	var n int
	if err := s.db.Get(&n, `SELECT COUNT(*) FROM test_results WHERE document_id = ?`, "a.png"); err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Fatalf("results=%d want 1", n)
	}
}

func TestListRecordsFilters(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	clean := record("c.png", "P-2", base.Add(2*time.Hour), fptr(14))
	clean.Tests = clean.Tests[:1]
	for _, rec := range []extract.NormalizedRecord{
		record("a.png", "P-1", base, fptr(13.5)),
		record("b.png", "P-1", base.Add(time.Hour), fptr(12.9)),
		clean,
	} {
		if err := s.SaveRecord(ctx, rec); err != nil {
			t.Fatalf("save %s: %v", rec.DocumentID, err)
		}
	}

	all, err := s.ListRecords(ctx, RecordFilter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 3 || all[0].DocumentID != "c.png" {
		t.Fatalf("all=%+v", all)
	}
	if !all[0].CompletedAt.Equal(base.Add(2 * time.Hour)) {
		t.Fatalf("completed=%v", all[0].CompletedAt)
	}

	p1, err := s.ListRecords(ctx, RecordFilter{PatientID: "P-1", Limit: 1})
	if err != nil {
		t.Fatalf("list patient: %v", err)
	}
	if len(p1) != 1 || p1[0].DocumentID != "b.png" || p1[0].TestCount != 2 {
		t.Fatalf("p1=%+v", p1)
	}

	review, err := s.ListRecords(ctx, RecordFilter{NeedsReviewOnly: true})
	if err != nil {
		t.Fatalf("list review: %v", err)
	}
	if len(review) != 2 {
		t.Fatalf("review=%d want 2", len(review))
	}
}

func TestPatientTrendOrdersReadings(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	_ = s.SaveRecord(ctx, record("later.png", "P-1", base.Add(48*time.Hour), fptr(11.2)))
	_ = s.SaveRecord(ctx, record("earlier.png", "P-1", base, fptr(13.5)))
	_ = s.SaveRecord(ctx, record("other.png", "P-9", base, fptr(9.9)))

	points, err := s.PatientTrend(ctx, "P-1", "hemoglobin")
	if err != nil {
		t.Fatalf("trend: %v", err)
	}
	if len(points) != 2 {
		t.Fatalf("points=%d want 2", len(points))
	}
	if points[0].DocumentID != "earlier.png" || !points[0].Value.Valid || points[0].Value.Float64 != 13.5 {
		t.Fatalf("first=%+v", points[0])
	}
	if points[1].ReportDate != "2026-03-04" {
		t.Fatalf("second=%+v", points[1])
	}
}

func TestSaveJobKeepsLatestSnapshot(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	p := batch.Progress{JobID: "job-1", Status: batch.StatusRunning, Total: 3, SubmittedAt: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
	if err := s.SaveJob(ctx, p); err != nil {
		t.Fatalf("save job: %v", err)
	}
	ended := p.SubmittedAt.Add(time.Minute)
	p.Status = batch.StatusCompleted
	p.Succeeded, p.Failed = 2, 1
	p.EndedAt = &ended
	p.Results = []batch.DocumentResult{{DocumentID: "a", Status: batch.DocFailed, Error: "boom"}}
	if err := s.SaveJob(ctx, p); err != nil {
		t.Fatalf("save job: %v", err)
	}
	got, err := s.GetJob(ctx, "job-1")
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.Status != batch.StatusCompleted || got.Failed != 1 || got.EndedAt == nil || len(got.Results) != 1 {
		t.Fatalf("job=%+v", got)
	}
}

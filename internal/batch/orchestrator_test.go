package batch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func quietLogger() *log.Logger { return log.New(io.Discard, "", 0) }

func newTestOrchestrator(fn ProcessFunc, opts ...Option) *Orchestrator {
	base := []Option{WithLogger(quietLogger()), WithSubBatches(0, 0)}
	return New(fn, append(base, opts...)...)
}

func docIDs(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("doc-%02d", i)
	}
	return out
}

func waitJob(t *testing.T, o *Orchestrator, id string) Progress {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p, err := o.Wait(ctx, id)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	return p
}

func TestBatchCountsFailuresWithoutAborting(t *testing.T) {
	failing := map[string]bool{"doc-01": true, "doc-04": true, "doc-07": true}
	o := newTestOrchestrator(func(_ context.Context, id string) (bool, error) {
		if failing[id] {
			return false, errors.New("extraction failed")
		}
		return id == "doc-02", nil
	})
	id, err := o.Submit(context.Background(), docIDs(10), 4)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	p := waitJob(t, o, id)
	if p.Status != StatusCompleted {
		t.Fatalf("status=%s want completed", p.Status)
	}
	if p.Total != 10 || p.Failed != 3 || p.Succeeded != 7 || p.Cached != 1 {
		t.Fatalf("counts total=%d succeeded=%d failed=%d cached=%d", p.Total, p.Succeeded, p.Failed, p.Cached)
	}
	if len(p.Results) != 10 || p.EndedAt == nil || p.ETASeconds != 0 {
		t.Fatalf("results=%d ended=%v eta=%v", len(p.Results), p.EndedAt, p.ETASeconds)
	}
	for _, r := range p.Results {
		if failing[r.DocumentID] != (r.Status == DocFailed) {
			t.Fatalf("result=%+v", r)
		}
	}
}

func TestBatchNeverExceedsConcurrency(t *testing.T) {
	var inFlight, peak int32
	o := newTestOrchestrator(func(context.Context, string) (bool, error) {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		return false, nil
	})
	id, err := o.Submit(context.Background(), docIDs(20), 3)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	p := waitJob(t, o, id)
	if p.Succeeded != 20 {
		t.Fatalf("succeeded=%d want 20", p.Succeeded)
	}
	if got := atomic.LoadInt32(&peak); got > 3 || got < 1 {
		t.Fatalf("peak in-flight=%d want 1..3", got)
	}
}

func TestBatchPausesBetweenSubBatches(t *testing.T) {
	var mu sync.Mutex
	var pauses []time.Duration
	o := newTestOrchestrator(func(context.Context, string) (bool, error) { return false, nil },
		WithSubBatches(2, 3*time.Second))
	o.sleep = func(_ context.Context, d time.Duration) error {
		mu.Lock()
		pauses = append(pauses, d)
		mu.Unlock()
		return nil
	}
	id, _ := o.Submit(context.Background(), docIDs(5), 5)
	waitJob(t, o, id)
	mu.Lock()
	defer mu.Unlock()
	if len(pauses) != 2 || pauses[0] != 3*time.Second {
		t.Fatalf("pauses=%v want two 3s pauses", pauses)
	}
}

func TestCancelStopsAdmission(t *testing.T) {
	release := make(chan struct{})
	var started int32
	o := newTestOrchestrator(func(ctx context.Context, _ string) (bool, error) {
		atomic.AddInt32(&started, 1)
		select {
		case <-release:
			return false, nil
		case <-ctx.Done():
			return false, ctx.Err()
		}
	})
	id, _ := o.Submit(context.Background(), docIDs(6), 2)
	deadline := time.Now().Add(2 * time.Second)
	for atomic.LoadInt32(&started) < 2 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if err := o.Cancel(id); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	close(release)
	p := waitJob(t, o, id)
	if p.Status != StatusCancelled {
		t.Fatalf("status=%s want cancelled", p.Status)
	}
	if p.Done() >= p.Total {
		t.Fatalf("done=%d should be short of total=%d", p.Done(), p.Total)
	}
	if got := atomic.LoadInt32(&started); got != 2 {
		t.Fatalf("started=%d want 2", got)
	}
}

func TestDocumentTimeoutFailsDocument(t *testing.T) {
	o := newTestOrchestrator(func(ctx context.Context, _ string) (bool, error) {
		<-ctx.Done()
		return false, ctx.Err()
	}, WithDocumentTimeout(20*time.Millisecond))
	id, _ := o.Submit(context.Background(), docIDs(1), 1)
	p := waitJob(t, o, id)
	if p.Status != StatusCompleted || p.Failed != 1 {
		t.Fatalf("progress=%+v", p)
	}
	if !strings.Contains(p.Results[0].Error, "timed out") {
		t.Fatalf("error=%q", p.Results[0].Error)
	}
}

type countingReporter struct{ n int32 }

func (c *countingReporter) ReportRateLimitError() { atomic.AddInt32(&c.n, 1) }

func TestRateLimitFailuresAreReported(t *testing.T) {
	r := &countingReporter{}
	o := newTestOrchestrator(func(_ context.Context, id string) (bool, error) {
		switch id {
		case "doc-00":
			return false, errors.New("429 too many requests")
		case "doc-01":
			return false, errors.New("decode failed")
		}
		return false, nil
	}, WithRateLimitReporter(r, func(err error) bool { return strings.Contains(err.Error(), "429") }))
	id, _ := o.Submit(context.Background(), docIDs(3), 1)
	waitJob(t, o, id)
	if got := atomic.LoadInt32(&r.n); got != 1 {
		t.Fatalf("reported=%d want 1", got)
	}
}

func TestPanickingDocumentIsFailed(t *testing.T) {
	o := newTestOrchestrator(func(_ context.Context, id string) (bool, error) {
		if id == "doc-00" {
			panic("boom")
		}
		return false, nil
	})
	id, _ := o.Submit(context.Background(), docIDs(2), 2)
	p := waitJob(t, o, id)
	if p.Failed != 1 || p.Succeeded != 1 {
		t.Fatalf("progress=%+v", p)
	}
}

func TestSubmitRejectsEmptyBatch(t *testing.T) {
	o := newTestOrchestrator(func(context.Context, string) (bool, error) { return false, nil })
	if _, err := o.Submit(context.Background(), nil, 2); !errors.Is(err, ErrNoDocuments) {
		t.Fatalf("err=%v want ErrNoDocuments", err)
	}
	if _, ok := o.Status("missing"); ok {
		t.Fatal("unknown job should not be found")
	}
	if err := o.Cancel("missing"); !errors.Is(err, ErrUnknownJob) {
		t.Fatalf("err=%v want ErrUnknownJob", err)
	}
}

func TestEstimatesFromRunningAverage(t *testing.T) {
	p := Progress{Total: 10, Succeeded: 3, Failed: 1, Concurrency: 2, Status: StatusRunning, totalElapsed: 8 * time.Second}
	p.fillEstimates()
	if p.AvgDurationMS != 2000 {
		t.Fatalf("avg=%d want 2000", p.AvgDurationMS)
	}
	// six remaining at 2s each over two workers
	if p.ETASeconds != 6 {
		t.Fatalf("eta=%v want 6", p.ETASeconds)
	}
}

type memoryJobStore struct {
	mu    sync.Mutex
	saved map[string]Progress
}

func (m *memoryJobStore) SaveJob(_ context.Context, p Progress) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saved[p.JobID] = p
	return nil
}

func TestJobStoreSeesTerminalSnapshot(t *testing.T) {
	store := &memoryJobStore{saved: map[string]Progress{}}
	o := newTestOrchestrator(func(context.Context, string) (bool, error) { return true, nil },
		WithJobStore(store), WithIDGenerator(func() string { return "job-1" }))
	id, _ := o.Submit(context.Background(), docIDs(3), 3)
	if id != "job-1" {
		t.Fatalf("id=%q", id)
	}
	waitJob(t, o, id)
	store.mu.Lock()
	defer store.mu.Unlock()
	p := store.saved["job-1"]
	if p.Status != StatusCompleted || p.Cached != 3 {
		t.Fatalf("persisted=%+v", p)
	}
	if len(o.Jobs()) != 1 {
		t.Fatalf("jobs=%d want 1", len(o.Jobs()))
	}
}

package extract

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	anthropic "github.com/anthropics/anthropic-sdk-go"

	"github.com/joelkehle/labextract/internal/batch"
	"github.com/joelkehle/labextract/internal/ratelimit"
)

// runBatch drives the pipeline through the orchestrator the way the batch
// command wires them.
func runBatch(t *testing.T, p *Pipeline, limiter *ratelimit.Limiter, paths ...string) batch.Progress {
	t.Helper()
	o := batch.New(func(ctx context.Context, path string) (bool, error) {
		rec, err := p.ExtractDocument(ctx, path, path)
		return rec.Metadata.Cached, err
	},
		batch.WithRateLimitReporter(limiter, UnreportedRateLimit),
		batch.WithLogger(discard()),
		batch.WithSubBatches(0, 0),
	)
	id, err := o.Submit(context.Background(), paths, 1)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	prog, err := o.Wait(ctx, id)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	return prog
}

func TestBatchedVisionRateLimitBacksOffOnce(t *testing.T) {
	path := writeFile(t, t.TempDir(), "report.png", reportPNG(t))
	limiter := ratelimit.New(ratelimit.Config{RequestsPerMinute: 15})
	p := newTestPipeline(&fakeVision{err: errors.New("POST /v1/messages: 429 Too Many Requests")}, WithLimiter(limiter))

	prog := runBatch(t, p, limiter, path)
	if prog.Failed != 1 {
		t.Fatalf("progress=%+v", prog)
	}
	if got := limiter.Effective(); got != 12 {
		t.Fatalf("effective=%d want 12 after one refusal", got)
	}
}

func TestBatchedLoadFailureNeverShrinksBudget(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "scan_0429.png")
	limiter := ratelimit.New(ratelimit.Config{RequestsPerMinute: 15})
	p := newTestPipeline(&fakeVision{raw: sampleExtraction()}, WithLimiter(limiter))

	prog := runBatch(t, p, limiter, missing)
	if prog.Failed != 1 {
		t.Fatalf("progress=%+v", prog)
	}
	if got := limiter.Effective(); got != 15 {
		t.Fatalf("effective=%d want 15", got)
	}
}

func TestIsRateLimitedNeedsModelSignal(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"path text", &StageError{Stage: "load", Err: errors.New("open /data/scan_0429.png: no such file or directory")}, false},
		{"plain rate limit text", errors.New("rate limit exceeded"), false},
		{"marked", markRateLimit(errors.New("429 Too Many Requests")), true},
		{"marked inside stage", &StageError{Stage: "vision", Err: markRateLimit(errors.New("rate_limit_error"))}, true},
		{"api 429", &StageError{Stage: "vision", Err: &anthropic.Error{StatusCode: 429}}, true},
		{"api 500", &anthropic.Error{StatusCode: 500}, false},
	}
	for _, tc := range cases {
		if got := IsRateLimited(tc.err); got != tc.want {
			t.Fatalf("%s: IsRateLimited=%v want %v", tc.name, got, tc.want)
		}
	}
}

func TestReportCountsRefusalOnce(t *testing.T) {
	l := &fakeLimiter{}
	err := report(l, markRateLimit(errors.New("429 Too Many Requests")))
	wrapped := &StageError{Stage: "vision", Err: err}
	if UnreportedRateLimit(wrapped) {
		t.Fatal("reported refusal should not be reported again")
	}
	_ = report(l, wrapped)
	if l.rateLimited != 1 {
		t.Fatalf("rate limited=%d want 1", l.rateLimited)
	}
	if !UnreportedRateLimit(markRateLimit(errors.New("429"))) {
		t.Fatal("fresh refusal should be unreported")
	}
}

func TestRetrySleepHonorsDeadline(t *testing.T) {
	m := &mockMessager{responses: []mockResponse{
		{err: errors.New("status code: 503 unavailable")},
		{text: `{"lab_results": []}`},
	}}
	c := NewAnthropicClient(m, "")
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := c.Extract(ctx, ImageInput{}, ExtractionPrompt)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err=%v want deadline exceeded", err)
	}
	if len(m.calls) != 1 {
		t.Fatalf("calls=%d want 1", len(m.calls))
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Fatalf("retry slept %s despite cancel", time.Since(start))
	}
}

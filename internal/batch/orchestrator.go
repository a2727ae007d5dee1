// Package batch fans a list of documents out over a bounded worker pool and
// keeps a pollable progress record per job.
package batch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
)

const (
	DefaultSubBatchSize    = 15
	DefaultSubBatchDelay   = 5 * time.Second
	DefaultDocumentTimeout = 600 * time.Second
)

var (
	ErrNoDocuments = errors.New("batch has no documents")
	ErrUnknownJob  = errors.New("unknown batch job")
)

// ProcessFunc runs one document to completion. cached reports whether the
// result came from the cache.
type ProcessFunc func(ctx context.Context, documentID string) (cached bool, err error)

// RateLimitReporter is told about documents that failed on a rate limit.
type RateLimitReporter interface {
	ReportRateLimitError()
}

// JobStore persists progress snapshots.
type JobStore interface {
	SaveJob(ctx context.Context, p Progress) error
}

type job struct {
	progress Progress
	cancel   context.CancelFunc
	done     chan struct{}
}

type Orchestrator struct {
	process       ProcessFunc
	limiter       RateLimitReporter
	isRateLimited func(error) bool
	store         JobStore
	logger        *log.Logger
	now           func() time.Time
	sleep         func(ctx context.Context, d time.Duration) error
	newID         func() string
	docTimeout    time.Duration
	subBatchSize  int
	subBatchDelay time.Duration

	mu   sync.RWMutex
	jobs map[string]*job
}

type Option func(*Orchestrator)

// WithRateLimitReporter reports failures for which isRateLimited is true.
func WithRateLimitReporter(r RateLimitReporter, isRateLimited func(error) bool) Option {
	return func(o *Orchestrator) {
		o.limiter = r
		o.isRateLimited = isRateLimited
	}
}

func WithJobStore(s JobStore) Option {
	return func(o *Orchestrator) { o.store = s }
}

func WithLogger(l *log.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

func WithDocumentTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.docTimeout = d
		}
	}
}

// WithSubBatches pauses for delay after every size documents. A size of zero
// disables the pause.
func WithSubBatches(size int, delay time.Duration) Option {
	return func(o *Orchestrator) {
		o.subBatchSize = size
		o.subBatchDelay = delay
	}
}

func WithIDGenerator(fn func() string) Option {
	return func(o *Orchestrator) { o.newID = fn }
}

func New(process ProcessFunc, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		process:       process,
		logger:        log.Default(),
		now:           time.Now,
		sleep:         sleepCtx,
		newID:         uuid.NewString,
		docTimeout:    DefaultDocumentTimeout,
		subBatchSize:  DefaultSubBatchSize,
		subBatchDelay: DefaultSubBatchDelay,
		jobs:          make(map[string]*job),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Submit registers the job and starts it in the background. The job outlives
// ctx's cancellation; use Cancel to stop it.
func (o *Orchestrator) Submit(ctx context.Context, documentIDs []string, concurrency int) (string, error) {
	if len(documentIDs) == 0 {
		return "", ErrNoDocuments
	}
	if concurrency < 1 {
		concurrency = 1
	}
	id := o.newID()
	jobCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	j := &job{
		progress: Progress{
			JobID:       id,
			Status:      StatusPending,
			DocumentIDs: append([]string(nil), documentIDs...),
			Total:       len(documentIDs),
			Concurrency: concurrency,
			SubmittedAt: o.now().UTC(),
			Results:     []DocumentResult{},
		},
		cancel: cancel,
		done:   make(chan struct{}),
	}
	o.mu.Lock()
	o.jobs[id] = j
	o.mu.Unlock()
	o.persist(jobCtx, id)
	o.logger.Printf("batch job_submitted job=%s docs=%d concurrency=%d", id, len(documentIDs), concurrency)

	go o.run(jobCtx, j)
	return id, nil
}

// Status returns a snapshot of the job's progress.
func (o *Orchestrator) Status(jobID string) (Progress, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	j, ok := o.jobs[jobID]
	if !ok {
		return Progress{}, false
	}
	return o.snapshot(j), true
}

// Jobs returns snapshots of every known job, newest first.
func (o *Orchestrator) Jobs() []Progress {
	o.mu.RLock()
	out := make([]Progress, 0, len(o.jobs))
	for _, j := range o.jobs {
		out = append(out, o.snapshot(j))
	}
	o.mu.RUnlock()
	sortNewestFirst(out)
	return out
}

// Cancel stops admitting documents. In-flight documents see their context
// cancelled.
func (o *Orchestrator) Cancel(jobID string) error {
	o.mu.RLock()
	j, ok := o.jobs[jobID]
	o.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, jobID)
	}
	j.cancel()
	return nil
}

// Wait blocks until the job reaches a terminal status or ctx is done.
func (o *Orchestrator) Wait(ctx context.Context, jobID string) (Progress, error) {
	o.mu.RLock()
	j, ok := o.jobs[jobID]
	o.mu.RUnlock()
	if !ok {
		return Progress{}, fmt.Errorf("%w: %s", ErrUnknownJob, jobID)
	}
	select {
	case <-j.done:
		p, _ := o.Status(jobID)
		return p, nil
	case <-ctx.Done():
		p, _ := o.Status(jobID)
		return p, ctx.Err()
	}
}

func (o *Orchestrator) run(ctx context.Context, j *job) {
	defer close(j.done)
	defer j.cancel()

	o.mu.Lock()
	j.progress.Status = StatusRunning
	j.progress.StartedAt = o.now().UTC()
	ids := j.progress.DocumentIDs
	concurrency := j.progress.Concurrency
	jobID := j.progress.JobID
	o.mu.Unlock()
	o.persist(ctx, jobID)

	sem := semaphore.NewWeighted(int64(concurrency))
	var wg sync.WaitGroup
	chunk := o.subBatchSize
	if chunk <= 0 {
		chunk = len(ids)
	}
	cancelled := false
	for start := 0; start < len(ids) && !cancelled; start += chunk {
		end := min(start+chunk, len(ids))
		for _, docID := range ids[start:end] {
			if ctx.Err() != nil {
				cancelled = true
				break
			}
			if err := sem.Acquire(ctx, 1); err != nil {
				cancelled = true
				break
			}
			if ctx.Err() != nil {
				sem.Release(1)
				cancelled = true
				break
			}
			wg.Add(1)
			go func(docID string) {
				defer wg.Done()
				defer sem.Release(1)
				o.runDocument(ctx, j, docID)
			}(docID)
		}
		wg.Wait()
		if cancelled || end == len(ids) || o.subBatchDelay <= 0 {
			continue
		}
		o.logger.Printf("batch sub_batch_pause job=%s done=%d/%d delay=%s", jobID, end, len(ids), o.subBatchDelay)
		if err := o.sleep(ctx, o.subBatchDelay); err != nil {
			cancelled = true
		}
	}
	wg.Wait()

	o.mu.Lock()
	if ctx.Err() != nil && j.progress.Done() < j.progress.Total {
		j.progress.Status = StatusCancelled
	} else {
		j.progress.Status = StatusCompleted
	}
	ended := o.now().UTC()
	j.progress.EndedAt = &ended
	p := j.progress
	o.mu.Unlock()
	o.persist(context.WithoutCancel(ctx), jobID)
	o.logger.Printf("batch job_%s job=%s succeeded=%d failed=%d cached=%d total=%d",
		p.Status, jobID, p.Succeeded, p.Failed, p.Cached, p.Total)
}

func (o *Orchestrator) runDocument(ctx context.Context, j *job, docID string) {
	start := o.now()
	docCtx, cancel := context.WithTimeout(ctx, o.docTimeout)
	defer cancel()

	cached, err := o.safeProcess(docCtx, docID)
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		err = fmt.Errorf("document timed out after %s: %w", o.docTimeout, err)
	}
	elapsed := o.now().Sub(start)

	res := DocumentResult{DocumentID: docID, Cached: cached, DurationMS: elapsed.Milliseconds()}
	if err != nil {
		res.Status = DocFailed
		res.Error = err.Error()
		o.logger.Printf("batch document failed job=%s doc=%s: %v", j.progress.JobID, docID, err)
		if o.limiter != nil && o.isRateLimited != nil && o.isRateLimited(err) {
			o.limiter.ReportRateLimitError()
		}
	} else {
		res.Status = DocSucceeded
	}

	o.mu.Lock()
	p := &j.progress
	p.Results = append(p.Results, res)
	if err != nil {
		p.Failed++
	} else {
		p.Succeeded++
		if cached {
			p.Cached++
		}
	}
	p.totalElapsed += elapsed
	jobID := p.JobID
	o.mu.Unlock()
	o.persist(context.WithoutCancel(ctx), jobID)
}

// safeProcess turns a panicking document into a failed one.
func (o *Orchestrator) safeProcess(ctx context.Context, docID string) (cached bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("document panicked: %v", r)
		}
	}()
	return o.process(ctx, docID)
}

// snapshot must be called with o.mu held.
func (o *Orchestrator) snapshot(j *job) Progress {
	p := j.progress
	p.DocumentIDs = append([]string(nil), p.DocumentIDs...)
	p.Results = append([]DocumentResult(nil), p.Results...)
	if p.EndedAt != nil {
		ended := *p.EndedAt
		p.EndedAt = &ended
	}
	p.fillEstimates()
	return p
}

func (o *Orchestrator) persist(ctx context.Context, jobID string) {
	if o.store == nil {
		return
	}
	p, ok := o.Status(jobID)
	if !ok {
		return
	}
	if err := o.store.SaveJob(ctx, p); err != nil {
		o.logger.Printf("batch persist failed job=%s: %v", jobID, err)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

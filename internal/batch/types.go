package batch

import (
	"sort"
	"time"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

const (
	DocSucceeded = "succeeded"
	DocFailed    = "failed"
)

type DocumentResult struct {
	DocumentID string `json:"document_id"`
	Status     string `json:"status"`
	Error      string `json:"error,omitempty"`
	Cached     bool   `json:"cached"`
	DurationMS int64  `json:"duration_ms"`
}

// Progress is the externally pollable view of a job.
type Progress struct {
	JobID         string           `json:"job_id"`
	Status        Status           `json:"status"`
	DocumentIDs   []string         `json:"document_ids"`
	Concurrency   int              `json:"concurrency"`
	Total         int              `json:"total"`
	Succeeded     int              `json:"succeeded"`
	Failed        int              `json:"failed"`
	Cached        int              `json:"cached"`
	SubmittedAt   time.Time        `json:"submitted_at"`
	StartedAt     time.Time        `json:"started_at"`
	EndedAt       *time.Time       `json:"ended_at,omitempty"`
	AvgDurationMS int64            `json:"avg_duration_ms"`
	ETASeconds    float64          `json:"eta_seconds"`
	Results       []DocumentResult `json:"results"`

	totalElapsed time.Duration
}

// Done counts resolved documents.
func (p Progress) Done() int { return p.Succeeded + p.Failed }

func (p Progress) Terminal() bool {
	return p.Status == StatusCompleted || p.Status == StatusCancelled
}

// SuccessRate is zero for an empty job.
func (p Progress) SuccessRate() float64 {
	if p.Total == 0 {
		return 0
	}
	return float64(p.Succeeded) / float64(p.Total)
}

// fillEstimates derives the running average and the remaining time. The ETA
// assumes the remaining documents run Concurrency at a time.
func (p *Progress) fillEstimates() {
	done := p.Done()
	if done == 0 {
		return
	}
	avg := p.totalElapsed / time.Duration(done)
	p.AvgDurationMS = avg.Milliseconds()
	if p.Terminal() {
		p.ETASeconds = 0
		return
	}
	remaining := p.Total - done
	workers := max(1, p.Concurrency)
	p.ETASeconds = avg.Seconds() * float64(remaining) / float64(workers)
}

func sortNewestFirst(ps []Progress) {
	sort.Slice(ps, func(i, j int) bool {
		return ps[i].SubmittedAt.After(ps[j].SubmittedAt)
	})
}

package ratelimit

import (
	"context"
	"sync"
	"time"
)

const (
	DefaultRequestsPerMinute = 15
	DefaultMinRequests       = 5
	DefaultBackoffFactor     = 0.8
	DefaultRecoveryThreshold = 10
	DefaultWindow            = 60 * time.Second
)

type Config struct {
	RequestsPerMinute int
	MinRequests       int
	BackoffFactor     float64
	RecoveryThreshold int
	Window            time.Duration
	Clock             func() time.Time
}

type Stats struct {
	CurrentRequests int  `json:"current_requests"`
	EffectiveRPM    int  `json:"effective_rpm"`
	MaxRPM          int  `json:"max_rpm"`
	MinRPM          int  `json:"min_rpm"`
	SuccessStreak   int  `json:"success_streak"`
	Throttled       bool `json:"is_throttled"`
}

// Limiter is a sliding-window request budget that shrinks on rate-limit
// errors and grows back after a run of successes.
type Limiter struct {
	mu        sync.Mutex
	cfg       Config
	effective int
	streak    int
	stamps    []time.Time
	now       func() time.Time
	sleep     func(ctx context.Context, d time.Duration) error
}

func New(cfg Config) *Limiter {
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = DefaultRequestsPerMinute
	}
	if cfg.MinRequests <= 0 {
		cfg.MinRequests = DefaultMinRequests
	}
	if cfg.MinRequests > cfg.RequestsPerMinute {
		cfg.MinRequests = cfg.RequestsPerMinute
	}
	if cfg.BackoffFactor <= 0 || cfg.BackoffFactor >= 1 {
		cfg.BackoffFactor = DefaultBackoffFactor
	}
	if cfg.RecoveryThreshold <= 0 {
		cfg.RecoveryThreshold = DefaultRecoveryThreshold
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}
	return &Limiter{
		cfg:       cfg,
		effective: cfg.RequestsPerMinute,
		now:       now,
		sleep:     sleepCtx,
	}
}

// Acquire blocks until a call fits the effective budget, then records it.
func (l *Limiter) Acquire(ctx context.Context) error {
	for {
		ok, wait := l.TryAcquire()
		if ok {
			return nil
		}
		if err := l.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// AcquireAsync admits the call on a separate goroutine so the caller can
// select on the result alongside other work.
func (l *Limiter) AcquireAsync(ctx context.Context) <-chan error {
	done := make(chan error, 1)
	go func() {
		done <- l.Acquire(ctx)
	}()
	return done
}

// TryAcquire records a call if the window has room. Otherwise it reports how
// long until the oldest timestamp leaves the window.
func (l *Limiter) TryAcquire() (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.prune(now)
	if len(l.stamps) < l.effective {
		l.stamps = append(l.stamps, now)
		return true, 0
	}
	idx := len(l.stamps) - l.effective
	wait := l.stamps[idx].Add(l.cfg.Window).Sub(now)
	if wait <= 0 {
		wait = time.Millisecond
	}
	return false, wait
}

func (l *Limiter) ReportRateLimitError() {
	l.mu.Lock()
	defer l.mu.Unlock()
	next := int(float64(l.effective) * l.cfg.BackoffFactor)
	if next < l.cfg.MinRequests {
		next = l.cfg.MinRequests
	}
	l.effective = next
	l.streak = 0
}

func (l *Limiter) ReportSuccess() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.streak++
	if l.streak < l.cfg.RecoveryThreshold || l.effective >= l.cfg.RequestsPerMinute {
		return
	}
	next := int(float64(l.effective) / l.cfg.BackoffFactor)
	if next <= l.effective {
		next = l.effective + 1
	}
	if next > l.cfg.RequestsPerMinute {
		next = l.cfg.RequestsPerMinute
	}
	l.effective = next
	l.streak = 0
}

func (l *Limiter) Effective() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.effective
}

func (l *Limiter) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.prune(l.now())
	return Stats{
		CurrentRequests: len(l.stamps),
		EffectiveRPM:    l.effective,
		MaxRPM:          l.cfg.RequestsPerMinute,
		MinRPM:          l.cfg.MinRequests,
		SuccessStreak:   l.streak,
		Throttled:       l.effective < l.cfg.RequestsPerMinute,
	}
}

func (l *Limiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.effective = l.cfg.RequestsPerMinute
	l.streak = 0
	l.stamps = nil
}

func (l *Limiter) prune(now time.Time) {
	cutoff := now.Add(-l.cfg.Window)
	i := 0
	for i < len(l.stamps) && !l.stamps[i].After(cutoff) {
		i++
	}
	if i > 0 {
		l.stamps = append(l.stamps[:0], l.stamps[i:]...)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

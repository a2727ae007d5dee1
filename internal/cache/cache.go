package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

const (
	TierFast    = "fast"
	TierDurable = "durable"
)

var ErrNoTiers = errors.New("no cache tier available")

// Entry is the stored unit in both tiers.
type Entry struct {
	Key       string    `msgpack:"key" json:"key"`
	Payload   []byte    `msgpack:"payload" json:"payload"`
	Tier      string    `msgpack:"-" json:"tier"`
	WrittenAt time.Time `msgpack:"written_at" json:"written_at"`
}

type Tier interface {
	Name() string
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Clear(ctx context.Context) error
}

type Stats struct {
	FastHits      int64   `json:"redis_hits"`
	FastMisses    int64   `json:"redis_misses"`
	DurableHits   int64   `json:"disk_hits"`
	DurableMisses int64   `json:"disk_misses"`
	Writes        int64   `json:"cache_writes"`
	Errors        int64   `json:"errors"`
	HitRate       float64 `json:"hit_rate"`
	FastEnabled   bool    `json:"redis_enabled"`
	DiskEnabled   bool    `json:"disk_enabled"`
}

type Manager struct {
	fast    Tier
	durable Tier
	logger  *log.Logger
	now     func() time.Time

	mu    sync.Mutex
	stats Stats
}

type Option func(*Manager)

func WithLogger(l *log.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager wires the fast and durable tiers. Either may be nil.
func NewManager(fast, durable Tier, opts ...Option) *Manager {
	m := &Manager{fast: fast, durable: durable, logger: log.Default(), now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	m.stats.FastEnabled = fast != nil
	m.stats.DiskEnabled = durable != nil
	return m
}

// Key hashes content, not names, so identical bytes always share an entry.
func Key(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// Get reads tier 1, then tier 2, promoting tier-2 hits into tier 1.
func (m *Manager) Get(ctx context.Context, key string) (Entry, bool) {
	if m.fast != nil {
		raw, ok, err := m.fast.Get(ctx, key)
		switch {
		case err != nil:
			m.fail("get", m.fast, err)
			m.count(func(s *Stats) { s.FastMisses++ })
		case ok:
			e, err := decodeEntry(raw)
			if err == nil {
				m.count(func(s *Stats) { s.FastHits++ })
				e.Tier = TierFast
				return e, true
			}
			m.fail("decode", m.fast, err)
			m.count(func(s *Stats) { s.FastMisses++ })
		default:
			m.count(func(s *Stats) { s.FastMisses++ })
		}
	}

	if m.durable == nil {
		return Entry{}, false
	}
	raw, ok, err := m.durable.Get(ctx, key)
	if err != nil {
		m.fail("get", m.durable, err)
		return Entry{}, false
	}
	if !ok {
		m.count(func(s *Stats) { s.DurableMisses++ })
		return Entry{}, false
	}
	e, err := decodeEntry(raw)
	if err != nil {
		m.fail("decode", m.durable, err)
		return Entry{}, false
	}
	m.count(func(s *Stats) { s.DurableHits++ })
	if m.fast != nil {
		if err := m.fast.Set(ctx, key, raw); err != nil {
			m.fail("promote", m.fast, err)
		}
	}
	e.Tier = TierDurable
	return e, true
}

// Put writes both tiers. It fails only when no tier accepted the write.
func (m *Manager) Put(ctx context.Context, key string, payload []byte) error {
	raw, err := msgpack.Marshal(Entry{Key: key, Payload: payload, WrittenAt: m.now().UTC()})
	if err != nil {
		return fmt.Errorf("encode cache entry: %w", err)
	}
	written := 0
	var errs []error
	for _, t := range []Tier{m.fast, m.durable} {
		if t == nil {
			continue
		}
		if err := t.Set(ctx, key, raw); err != nil {
			m.fail("set", t, err)
			errs = append(errs, err)
			continue
		}
		written++
	}
	if written == 0 {
		if len(errs) == 0 {
			return ErrNoTiers
		}
		return errors.Join(append([]error{ErrNoTiers}, errs...)...)
	}
	m.count(func(s *Stats) { s.Writes++ })
	return nil
}

func (m *Manager) Invalidate(ctx context.Context, key string) {
	for _, t := range []Tier{m.fast, m.durable} {
		if t == nil {
			continue
		}
		if err := t.Delete(ctx, key); err != nil {
			m.fail("delete", t, err)
		}
	}
}

func (m *Manager) Clear(ctx context.Context) {
	for _, t := range []Tier{m.fast, m.durable} {
		if t == nil {
			continue
		}
		if err := t.Clear(ctx); err != nil {
			m.fail("clear", t, err)
		}
	}
	m.mu.Lock()
	m.stats = Stats{FastEnabled: m.fast != nil, DiskEnabled: m.durable != nil}
	m.mu.Unlock()
}

func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.stats
	hits := s.FastHits + s.DurableHits
	// Every Get with a fast tier ends in a fast hit or a fast miss, errors included.
	total := s.FastHits + s.FastMisses
	if m.fast == nil {
		total = s.DurableHits + s.DurableMisses
	}
	if total > 0 {
		s.HitRate = float64(hits) / float64(total)
	}
	return s
}

func (m *Manager) count(fn func(*Stats)) {
	m.mu.Lock()
	fn(&m.stats)
	m.mu.Unlock()
}

func (m *Manager) fail(action string, t Tier, err error) {
	m.count(func(s *Stats) { s.Errors++ })
	m.logger.Printf("cache %s failed tier=%s: %v", action, t.Name(), err)
}

func decodeEntry(raw []byte) (Entry, error) {
	var e Entry
	if err := msgpack.Unmarshal(raw, &e); err != nil {
		return Entry{}, err
	}
	return e, nil
}

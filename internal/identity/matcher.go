// Package identity links uploads to the same patient across documents using a
// small in-memory ring of recent patients. Matching is best effort.
package identity

import (
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const DefaultCapacity = 20

// Patient is the demographic block read from a report.
type Patient struct {
	Name              string `json:"name,omitempty"`
	PatientID         string `json:"patient_id,omitempty"`
	Age               string `json:"age,omitempty"`
	Gender            string `json:"gender,omitempty"`
	CollectionDate    string `json:"collection_date,omitempty"`
	ReportDate        string `json:"report_date,omitempty"`
	LabName           string `json:"lab_name,omitempty"`
	MatchedFromMemory bool   `json:"matched_from_memory,omitempty"`
	AutoGeneratedID   bool   `json:"auto_generated_id,omitempty"`
}

type Entry struct {
	DocumentID string    `json:"document_id"`
	Name       string    `json:"name,omitempty"`
	PatientID  string    `json:"patient_id"`
	Age        string    `json:"age,omitempty"`
	Gender     string    `json:"gender,omitempty"`
	Seen       time.Time `json:"seen"`
}

type Matcher struct {
	mu     sync.Mutex
	ring   []Entry
	next   int
	size   int
	now    func() time.Time
	newID  func() string
	logger *log.Logger
}

type Option func(*Matcher)

func WithClock(now func() time.Time) Option {
	return func(m *Matcher) { m.now = now }
}

func WithIDGenerator(fn func() string) Option {
	return func(m *Matcher) { m.newID = fn }
}

func WithLogger(l *log.Logger) Option {
	return func(m *Matcher) { m.logger = l }
}

func NewMatcher(capacity int, opts ...Option) *Matcher {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	m := &Matcher{
		ring:   make([]Entry, capacity),
		now:    time.Now,
		newID:  autoID,
		logger: log.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func autoID() string {
	hex := strings.ReplaceAll(uuid.NewString(), "-", "")
	return "AUTO-" + strings.ToUpper(hex[:8])
}

// Resolve fills in PatientID. A declared id is kept; otherwise the most recent
// remembered patient with a matching name is reused; otherwise a new AUTO- id
// is minted. Every call is remembered.
func (m *Matcher) Resolve(documentID string, p Patient) Patient {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch {
	case strings.TrimSpace(p.PatientID) != "":
		p.PatientID = strings.TrimSpace(p.PatientID)
	default:
		if id, ok := m.match(p); ok {
			p.PatientID = id
			p.MatchedFromMemory = true
			m.logger.Printf("identity matched doc=%s patient_id=%s", documentID, id)
		} else {
			p.PatientID = m.newID()
			p.AutoGeneratedID = true
			m.logger.Printf("identity generated doc=%s patient_id=%s", documentID, p.PatientID)
		}
	}
	m.remember(Entry{
		DocumentID: documentID,
		Name:       p.Name,
		PatientID:  p.PatientID,
		Age:        p.Age,
		Gender:     p.Gender,
		Seen:       m.now().UTC(),
	})
	return p
}

// Recent returns remembered entries, most recent first.
func (m *Matcher) Recent() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Entry, 0, m.size)
	for i := 0; i < m.size; i++ {
		idx := (m.next - 1 - i + len(m.ring)) % len(m.ring)
		out = append(out, m.ring[idx])
	}
	return out
}

func (m *Matcher) remember(e Entry) {
	m.ring[m.next] = e
	m.next = (m.next + 1) % len(m.ring)
	if m.size < len(m.ring) {
		m.size++
	}
}

func (m *Matcher) match(p Patient) (string, bool) {
	name := normalizeName(p.Name)
	if name == "" {
		return "", false
	}
	for i := 0; i < m.size; i++ {
		e := m.ring[(m.next-1-i+len(m.ring))%len(m.ring)]
		other := normalizeName(e.Name)
		if other == "" {
			continue
		}
		if name == other {
			return e.PatientID, true
		}
		if similarNames(name, other) && sameAge(p.Age, e.Age) && sameGender(p.Gender, e.Gender) {
			return e.PatientID, true
		}
	}
	return "", false
}

func normalizeName(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// similarNames wants two shared words, or one when neither name is longer
// than two words.
func similarNames(a, b string) bool {
	wa, wb := wordSet(a), wordSet(b)
	common := 0
	for w := range wa {
		if wb[w] {
			common++
		}
	}
	return common >= 2 || (common >= 1 && max(len(wa), len(wb)) <= 2)
}

func wordSet(s string) map[string]bool {
	out := map[string]bool{}
	for _, w := range strings.Fields(s) {
		out[w] = true
	}
	return out
}

// sameAge compares the leading token so "45 Y" and "45 years" agree. A
// missing age on either side does not block a match.
func sameAge(a, b string) bool {
	fa, fb := strings.Fields(a), strings.Fields(b)
	if len(fa) == 0 || len(fb) == 0 {
		return true
	}
	return strings.EqualFold(fa[0], fb[0])
}

func sameGender(a, b string) bool {
	a, b = strings.TrimSpace(a), strings.TrimSpace(b)
	if a == "" || b == "" {
		return true
	}
	return strings.EqualFold(a[:1], b[:1])
}

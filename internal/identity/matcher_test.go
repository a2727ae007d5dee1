package identity

import (
	"fmt"
	"io"
	"log"
	"regexp"
	"testing"
)

func newTestMatcher(capacity int) *Matcher {
	n := 0
	return NewMatcher(capacity,
		WithLogger(log.New(io.Discard, "", 0)),
		WithIDGenerator(func() string {
			n++
			return fmt.Sprintf("AUTO-%08X", n)
		}),
	)
}

func TestDeclaredIDIsKept(t *testing.T) {
	m := newTestMatcher(0)
	p := m.Resolve("doc-1", Patient{Name: "Ravi Kumar", PatientID: " P-100 "})
	if p.PatientID != "P-100" || p.MatchedFromMemory || p.AutoGeneratedID {
		t.Fatalf("patient=%+v", p)
	}
	got := m.Resolve("doc-2", Patient{Name: "ravi  kumar"})
	if got.PatientID != "P-100" || !got.MatchedFromMemory {
		t.Fatalf("expected exact name to reuse declared id, got %+v", got)
	}
}

func TestNewPatientGetsAutoID(t *testing.T) {
	m := newTestMatcher(0)
	p := m.Resolve("doc-1", Patient{Name: "Anita Desai"})
	if !p.AutoGeneratedID || p.PatientID != "AUTO-00000001" {
		t.Fatalf("patient=%+v", p)
	}
}

func TestDefaultGeneratorFormat(t *testing.T) {
	id := autoID()
	if !regexp.MustCompile(`^AUTO-[0-9A-F]{8}$`).MatchString(id) {
		t.Fatalf("id=%q", id)
	}
}

func TestSimilarNameNeedsCompatibleDemographics(t *testing.T) {
	m := newTestMatcher(0)
	first := m.Resolve("doc-1", Patient{Name: "Mr Suresh Babu Reddy", Age: "45 Y", Gender: "Male"})

	same := m.Resolve("doc-2", Patient{Name: "Suresh Babu", Age: "45 years", Gender: "M"})
	if same.PatientID != first.PatientID || !same.MatchedFromMemory {
		t.Fatalf("expected match, got %+v", same)
	}

	older := m.Resolve("doc-3", Patient{Name: "Suresh Babu K", Age: "70 Y", Gender: "M"})
	if older.PatientID == first.PatientID {
		t.Fatal("different age should not match")
	}

	female := m.Resolve("doc-4", Patient{Name: "Suresh Babu Rao", Gender: "Female"})
	if female.PatientID == first.PatientID {
		t.Fatal("different gender should not match")
	}
}

func TestShortNamesMatchOnOneSharedWord(t *testing.T) {
	m := newTestMatcher(0)
	first := m.Resolve("doc-1", Patient{Name: "Priya Sharma"})
	got := m.Resolve("doc-2", Patient{Name: "Priya"})
	if got.PatientID != first.PatientID {
		t.Fatalf("got %s want %s", got.PatientID, first.PatientID)
	}
	other := m.Resolve("doc-3", Patient{Name: "Priya Lakshmi Narayan"})
	if other.PatientID == first.PatientID {
		t.Fatal("one shared word among three should not match")
	}
}

func TestMostRecentMatchWins(t *testing.T) {
	m := newTestMatcher(0)
	m.Resolve("doc-1", Patient{Name: "John Doe", PatientID: "OLD"})
	m.Resolve("doc-2", Patient{Name: "John Doe", PatientID: "NEW"})
	got := m.Resolve("doc-3", Patient{Name: "john doe"})
	if got.PatientID != "NEW" {
		t.Fatalf("got %s want NEW", got.PatientID)
	}
}

func TestRingEvictsOldest(t *testing.T) {
	m := newTestMatcher(2)
	m.Resolve("doc-1", Patient{Name: "Alpha Person", PatientID: "A"})
	m.Resolve("doc-2", Patient{Name: "Beta Person", PatientID: "B"})
	m.Resolve("doc-3", Patient{Name: "Gamma Person", PatientID: "C"})

	recent := m.Recent()
	if len(recent) != 2 || recent[0].PatientID != "C" || recent[1].PatientID != "B" {
		t.Fatalf("recent=%v", recent)
	}
	got := m.Resolve("doc-4", Patient{Name: "Alpha Person"})
	if got.PatientID == "A" {
		t.Fatal("evicted entry should not match")
	}
}

func TestMissingNameNeverMatches(t *testing.T) {
	m := newTestMatcher(0)
	m.Resolve("doc-1", Patient{})
	got := m.Resolve("doc-2", Patient{})
	if got.MatchedFromMemory || !got.AutoGeneratedID {
		t.Fatalf("patient=%+v", got)
	}
}

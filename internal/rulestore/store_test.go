package rulestore_test

import (
	"testing"
	"time"

	"github.com/devproxy/devproxy/internal/mock"
	"github.com/devproxy/devproxy/internal/models"
	"github.com/devproxy/devproxy/internal/rulestore"
)

func newMockRule(name string, priority int) *models.MockRule {
	return &models.MockRule{
		RuleMeta: models.RuleMeta{Name: name, Enabled: true, Priority: priority, CreatedAt: time.Now()},
		Match:    models.MatchSpec{URLKind: models.MatchExact, URLValue: "/x"},
		Response: models.MockResponse{Status: 200, Body: "ok"},
	}
}

func newStore() *rulestore.Store[*models.MockRule] {
	return rulestore.New(mock.Compile, mock.Validate)
}

func TestInsertAssignsIDAndSeq(t *testing.T) {
	s := newStore()
	r, err := s.Insert(newMockRule("a", 1))
	if err != nil {
		t.Fatal(err)
	}
	if r.ID == "" {
		t.Error("expected a generated id")
	}
	if r.Seq != 1 {
		t.Errorf("expected seq 1, got %d", r.Seq)
	}
}

func TestInsertRejectsDuplicateID(t *testing.T) {
	s := newStore()
	rule := newMockRule("a", 1)
	rule.ID = "fixed-id"
	if _, err := s.Insert(rule); err != nil {
		t.Fatal(err)
	}
	dup := newMockRule("b", 1)
	dup.ID = "fixed-id"
	if _, err := s.Insert(dup); err == nil {
		t.Error("expected a conflict error inserting a duplicate id")
	}
}

func TestInsertRejectsInvalidRule(t *testing.T) {
	s := newStore()
	rule := newMockRule("a", 1)
	rule.Response.Status = 0
	if _, err := s.Insert(rule); err == nil {
		t.Error("expected validation to reject a mock rule with no response status")
	}
	if s.Len() != 0 {
		t.Error("a rejected insert must not be added to the store")
	}
}

// TestListSortedOrdering verifies the priority-determinism invariant:
// descending priority, ties broken by ascending insertion sequence.
func TestListSortedOrdering(t *testing.T) {
	s := newStore()
	low, _ := s.Insert(newMockRule("low", 1))
	high, _ := s.Insert(newMockRule("high", 5))
	tieFirst, _ := s.Insert(newMockRule("tie1", 3))
	tieSecond, _ := s.Insert(newMockRule("tie2", 3))

	got := s.ListSorted()
	want := []string{high.ID, tieFirst.ID, tieSecond.ID, low.ID}
	if len(got) != len(want) {
		t.Fatalf("expected %d sorted rules, got %d", len(want), len(got))
	}
	for i, id := range want {
		if got[i].Rule.ID != id {
			t.Errorf("position %d: expected rule %s, got %s", i, id, got[i].Rule.ID)
		}
	}
}

func TestListSortedExcludesDisabled(t *testing.T) {
	s := newStore()
	rule := newMockRule("disabled", 10)
	rule.Enabled = false
	if _, err := s.Insert(rule); err != nil {
		t.Fatal(err)
	}
	if len(s.ListSorted()) != 0 {
		t.Error("a disabled rule must not appear in ListSorted")
	}
}

// TestReplacePreservesSeq verifies that editing a rule via Replace never
// changes its tie-break position relative to rules inserted around it.
func TestReplacePreservesSeq(t *testing.T) {
	s := newStore()
	first, _ := s.Insert(newMockRule("first", 3))
	second, _ := s.Insert(newMockRule("second", 3))

	edited := newMockRule("first-renamed", 3)
	edited.ID = first.ID
	if _, err := s.Replace(first.ID, edited); err != nil {
		t.Fatal(err)
	}

	got := s.ListSorted()
	if got[0].Rule.ID != first.ID || got[1].Rule.ID != second.ID {
		t.Error("replacing a rule must preserve its original insertion-sequence tie-break position")
	}
}

func TestToggleFlipsEnabled(t *testing.T) {
	s := newStore()
	r, _ := s.Insert(newMockRule("a", 1))
	toggled, err := s.Toggle(r.ID)
	if err != nil {
		t.Fatal(err)
	}
	if toggled.Enabled {
		t.Error("expected Toggle to disable an enabled rule")
	}
	if len(s.ListSorted()) != 0 {
		t.Error("a toggled-off rule must drop out of ListSorted")
	}
}

func TestDeleteRemovesRule(t *testing.T) {
	s := newStore()
	r, _ := s.Insert(newMockRule("a", 1))
	if err := s.Delete(r.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Get(r.ID); err == nil {
		t.Error("expected Get to fail after Delete")
	}
}

func TestClearEmptiesStore(t *testing.T) {
	s := newStore()
	s.Insert(newMockRule("a", 1))
	s.Insert(newMockRule("b", 2))
	s.Clear()
	if s.Len() != 0 {
		t.Errorf("expected 0 rules after Clear, got %d", s.Len())
	}
}

// Package rulestore implements the generic, concurrency-safe registry
// shared by all four rule families: mocks, modifiers, rate limits, and
// latency rules. Each family instantiates Store[T] with its own rule
// type; the store never knows what T's predicate or action payload
// looks like, only that it carries a models.RuleMeta.
package rulestore

import (
	"sort"
	"sync"

	"github.com/devproxy/devproxy/internal/matcher"
	"github.com/devproxy/devproxy/internal/models"
	"github.com/devproxy/devproxy/internal/util"
	"github.com/google/uuid"
)

// Compiler produces a compiled matcher for a rule of type T. Supplied
// per-instantiation because the matcher is compiled from whichever
// MatchSpec field T happens to embed.
type Compiler[T models.Identified] func(T) (*matcher.Matcher, error)

// Validator runs family-specific validation (e.g. rate-limit
// max_requests > 0) before a rule is accepted.
type Validator[T models.Identified] func(T) error

// entry pairs a rule with its compiled matcher so readers on the hot
// path never recompile.
type entry[T models.Identified] struct {
	rule    T
	matched *matcher.Matcher
}

// Store is a generic, priority-ordered, concurrency-safe registry.
type Store[T models.Identified] struct {
	mu       sync.RWMutex
	byID     map[string]*entry[T]
	seq      uint64
	compile  Compiler[T]
	validate Validator[T]
}

// New creates an empty Store using compile to build the matcher for
// each inserted rule and validate for family-specific checks.
func New[T models.Identified](compile Compiler[T], validate Validator[T]) *Store[T] {
	return &Store[T]{
		byID:     make(map[string]*entry[T]),
		compile:  compile,
		validate: validate,
	}
}

// Insert assigns an id (if empty) and insertion sequence, compiles its
// matcher, validates it, and adds it to the store. Nothing is added on
// failure.
func (s *Store[T]) Insert(rule T) (T, error) {
	meta := rule.Meta()
	if meta.ID == "" {
		meta.ID = uuid.NewString()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byID[meta.ID]; exists {
		var zero T
		return zero, util.NewError(util.Conflict, "rule id already exists", meta.ID)
	}

	if s.validate != nil {
		if err := s.validate(rule); err != nil {
			var zero T
			return zero, err
		}
	}

	m, err := s.compile(rule)
	if err != nil {
		var zero T
		return zero, err
	}

	s.seq++
	meta.Seq = s.seq
	s.byID[meta.ID] = &entry[T]{rule: rule, matched: m}
	return rule, nil
}

// Get returns the rule with the given id.
func (s *Store[T]) Get(id string) (T, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.byID[id]
	if !ok {
		var zero T
		return zero, util.NewError(util.NotFound, "rule not found", id)
	}
	return e.rule, nil
}

// Replace swaps the rule stored under id entirely, recompiling and
// revalidating it. It preserves the original insertion sequence so
// editing a rule never changes its tie-break position.
func (s *Store[T]) Replace(id string, rule T) (T, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.byID[id]
	if !ok {
		var zero T
		return zero, util.NewError(util.NotFound, "rule not found", id)
	}

	if s.validate != nil {
		if err := s.validate(rule); err != nil {
			var zero T
			return zero, err
		}
	}

	m, err := s.compile(rule)
	if err != nil {
		var zero T
		return zero, err
	}

	meta := rule.Meta()
	meta.ID = id
	meta.Seq = existing.rule.Meta().Seq
	s.byID[id] = &entry[T]{rule: rule, matched: m}
	return rule, nil
}

// Delete removes the rule with the given id.
func (s *Store[T]) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[id]; !ok {
		return util.NewError(util.NotFound, "rule not found", id)
	}
	delete(s.byID, id)
	return nil
}

// Toggle flips the enabled flag of the rule with the given id and
// returns the new rule state.
func (s *Store[T]) Toggle(id string) (T, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byID[id]
	if !ok {
		var zero T
		return zero, util.NewError(util.NotFound, "rule not found", id)
	}
	meta := e.rule.Meta()
	meta.Enabled = !meta.Enabled
	return e.rule, nil
}

// Clear removes every rule.
func (s *Store[T]) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID = make(map[string]*entry[T])
}

// Matched pairs a rule with its compiled matcher, returned to callers
// so the hot path can evaluate Matches without a second lookup.
type Matched[T models.Identified] struct {
	Rule    T
	Matcher *matcher.Matcher
}

// ListSorted returns every enabled rule paired with its compiled
// matcher, ordered by descending priority with ties broken by
// ascending insertion sequence.
func (s *Store[T]) ListSorted() []Matched[T] {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Matched[T], 0, len(s.byID))
	for _, e := range s.byID {
		if e.rule.Meta().Enabled {
			out = append(out, Matched[T]{Rule: e.rule, Matcher: e.matched})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		mi, mj := out[i].Rule.Meta(), out[j].Rule.Meta()
		if mi.Priority != mj.Priority {
			return mi.Priority > mj.Priority
		}
		return mi.Seq < mj.Seq
	})
	return out
}

// ListAll returns every rule regardless of enabled state, in no
// particular order, for CRUD listing endpoints.
func (s *Store[T]) ListAll() []T {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]T, 0, len(s.byID))
	for _, e := range s.byID {
		out = append(out, e.rule)
	}
	return out
}

// Len returns the number of rules currently stored.
func (s *Store[T]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}

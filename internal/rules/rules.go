// Package rules implements the rule base: Horn clauses indexed by head
// predicate and arity, with epoch-tagged dynamic rules that can be retracted
// atomically when the goal that introduced them closes.
package rules

import (
	"sync"

	"github.com/SRI-CSL/etb/internal/term"
)

// Entry is a stored rule together with its provenance.
type Entry struct {
	Rule term.Rule
	ID   string // content hash of the clause

	// Permanent rules come from rule files; ephemeral rules are introduced
	// by wrapper outcomes and tagged with the goal that produced them.
	Permanent bool
	Origin    int64 // goal id for ephemeral rules, 0 otherwise
	Epoch     uint64
}

// Store holds the rule base. Writes are single-writer; readers enumerate
// against an epoch snapshot so a retraction is seen entirely or not at all.
type Store struct {
	mu      sync.RWMutex
	epoch   uint64
	byKey   map[string][]*Entry // pred/arity -> entries in insertion order
	byID    map[string]*Entry
	origins map[int64][]string // goal id -> rule ids it introduced
}

// NewStore returns an empty rule base.
func NewStore() *Store {
	return &Store{
		byKey:   make(map[string][]*Entry),
		byID:    make(map[string]*Entry),
		origins: make(map[int64][]string),
	}
}

// Epoch returns the current visibility epoch.
func (s *Store) Epoch() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.epoch
}

// Add inserts a rule. Duplicate clauses (same content hash) are ignored and
// reported false. Ephemeral rules record the originating goal so RetractGoal
// can undo them.
func (s *Store) Add(r term.Rule, permanent bool, origin int64) (added bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := r.ID()
	if _, ok := s.byID[id]; ok {
		return false
	}
	s.epoch++
	e := &Entry{Rule: r, ID: id, Permanent: permanent, Origin: origin, Epoch: s.epoch}
	key := r.Head.Key()
	s.byKey[key] = append(s.byKey[key], e)
	s.byID[id] = e
	if !permanent && origin != 0 {
		s.origins[origin] = append(s.origins[origin], id)
	}
	return true
}

// AddAll inserts every rule as permanent, returning how many were new.
func (s *Store) AddAll(rs []term.Rule) int {
	n := 0
	for _, r := range rs {
		if s.Add(r, true, 0) {
			n++
		}
	}
	return n
}

// Match returns the entries whose head could unify with lit, visible at the
// given epoch, in insertion order. Pass the current epoch for a live view.
func (s *Store) Match(lit term.Literal, epoch uint64) []*Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Entry
	for _, e := range s.byKey[lit.Key()] {
		if e.Epoch <= epoch {
			out = append(out, e)
		}
	}
	return out
}

// Has reports whether any rule with head pred/arity exists.
func (s *Store) Has(key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byKey[key]) > 0
}

// Heads returns every distinct pred/arity key with at least one rule.
func (s *Store) Heads() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.byKey))
	for k, es := range s.byKey {
		if len(es) > 0 {
			out = append(out, k)
		}
	}
	return out
}

// RetractGoal removes every ephemeral rule introduced by the goal, bumping
// the epoch once so the retraction is atomic with respect to new matches.
func (s *Store) RetractGoal(origin int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := s.origins[origin]
	if len(ids) == 0 {
		return 0
	}
	delete(s.origins, origin)
	drop := make(map[string]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
		delete(s.byID, id)
	}
	for key, es := range s.byKey {
		kept := es[:0]
		for _, e := range es {
			if !drop[e.ID] {
				kept = append(kept, e)
			}
		}
		if len(kept) == 0 {
			delete(s.byKey, key)
		} else {
			s.byKey[key] = kept
		}
	}
	s.epoch++
	return len(ids)
}

// ReplaceFile swaps the permanent rules loaded from one source file: rules in
// next replace those previously attributed to the file. Used by the rule-file
// watcher on reload.
func (s *Store) ReplaceFile(file string, prev []string, next []term.Rule) []string {
	s.mu.Lock()
	drop := make(map[string]bool, len(prev))
	for _, id := range prev {
		if _, ok := s.byID[id]; ok {
			drop[id] = true
			delete(s.byID, id)
		}
	}
	if len(drop) > 0 {
		for key, es := range s.byKey {
			kept := es[:0]
			for _, e := range es {
				if !drop[e.ID] {
					kept = append(kept, e)
				}
			}
			if len(kept) == 0 {
				delete(s.byKey, key)
			} else {
				s.byKey[key] = kept
			}
		}
		s.epoch++
	}
	s.mu.Unlock()

	ids := make([]string, 0, len(next))
	for _, r := range next {
		if s.Add(r, true, 0) {
			ids = append(ids, r.ID())
		}
	}
	return ids
}

// Len returns the number of stored rules.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}

// Package claims implements the append-only claims table: ground literals
// together with the derivation edges showing how they were obtained.
package claims

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"

	"github.com/SRI-CSL/etb/internal/term"
)

// EdgeKind discriminates the derivation edge variants.
type EdgeKind int

const (
	EdgeFact EdgeKind = iota
	EdgeWrapper
	EdgeRuleInstance
	EdgeRemote
)

func (k EdgeKind) String() string {
	switch k {
	case EdgeFact:
		return "fact"
	case EdgeWrapper:
		return "wrapper"
	case EdgeRuleInstance:
		return "rule"
	case EdgeRemote:
		return "remote"
	}
	return "unknown"
}

// Edge records one way a claim was derived.
type Edge struct {
	Kind EdgeKind

	RuleID string // EdgeFact, EdgeRuleInstance: content hash of the clause

	Wrapper    string // EdgeWrapper: predicate key
	ArgsDigest string // EdgeWrapper: digest of the ground call arguments

	Children []string // EdgeRuleInstance: claim ids discharging each body literal

	Peer         string // EdgeRemote: peer id
	RemoteDigest string // EdgeRemote: claim digest reported by the peer
}

func (e Edge) canon() string {
	switch e.Kind {
	case EdgeFact:
		return "fact:" + e.RuleID
	case EdgeWrapper:
		return "wrapper:" + e.Wrapper + ":" + e.ArgsDigest
	case EdgeRuleInstance:
		return "rule:" + e.RuleID + ":" + strings.Join(e.Children, ",")
	case EdgeRemote:
		return "remote:" + e.Peer + ":" + e.RemoteDigest
	}
	return "?"
}

// Claim is a ground literal with one derivation edge. The same literal may
// appear with several edges; any one is a valid witness.
type Claim struct {
	ID   string
	Lit  term.Literal
	Edge Edge
}

// Digest computes the claim id: the hex SHA-1 over the canonical literal and
// edge. Stable across nodes, so remote derivation edges can reference it.
func Digest(lit term.Literal, e Edge) string {
	sum := sha1.Sum([]byte(lit.Canon() + "|" + e.canon()))
	return hex.EncodeToString(sum[:])
}

// IsError reports whether the claim is an error/k claim.
func (c *Claim) IsError() bool { return c.Lit.Pred == "error" }

// Table is the per-node claims store. Append-only: claims are never removed,
// even when the rules that produced them are retracted.
type Table struct {
	mu      sync.RWMutex
	order   []*Claim
	byID    map[string]*Claim
	byLit   map[string][]*Claim // canonical literal -> claims
	byQuery map[string][]*Claim // query id -> claims in arrival order
	tagged  map[string]map[string]bool
}

// NewTable returns an empty claims table.
func NewTable() *Table {
	return &Table{
		byID:    make(map[string]*Claim),
		byLit:   make(map[string][]*Claim),
		byQuery: make(map[string][]*Claim),
		tagged:  make(map[string]map[string]bool),
	}
}

// Add inserts the claim for the given query unless the (literal, edge) pair
// is already present, and returns the stored claim. The literal must be
// ground. An existing claim reached again under a new query is tagged with
// that query but not duplicated.
func (t *Table) Add(lit term.Literal, e Edge, queryID string) (*Claim, error) {
	if !lit.IsGround() {
		return nil, fmt.Errorf("claim %s is not ground", lit)
	}
	id := Digest(lit, e)
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.byID[id]
	if !ok {
		c = &Claim{ID: id, Lit: lit, Edge: e}
		t.order = append(t.order, c)
		t.byID[id] = c
		key := lit.Canon()
		t.byLit[key] = append(t.byLit[key], c)
	}
	if queryID != "" && !t.tagged[queryID][id] {
		set := t.tagged[queryID]
		if set == nil {
			set = make(map[string]bool)
			t.tagged[queryID] = set
		}
		set[id] = true
		t.byQuery[queryID] = append(t.byQuery[queryID], c)
	}
	return c, nil
}

// Tag associates an existing claim with a query.
func (t *Table) Tag(id, queryID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.byID[id]
	if !ok || t.tagged[queryID][id] {
		return
	}
	set := t.tagged[queryID]
	if set == nil {
		set = make(map[string]bool)
		t.tagged[queryID] = set
	}
	set[id] = true
	t.byQuery[queryID] = append(t.byQuery[queryID], c)
}

// Get returns the claim with the given id.
func (t *Table) Get(id string) (*Claim, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	c, ok := t.byID[id]
	return c, ok
}

// ForLiteral returns every claim asserting the given ground literal.
func (t *Table) ForLiteral(lit term.Literal) []*Claim {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]*Claim(nil), t.byLit[lit.Canon()]...)
}

// ByQuery returns the claims whose derivation roots at the query.
func (t *Table) ByQuery(queryID string) []*Claim {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]*Claim(nil), t.byQuery[queryID]...)
}

// ErrorsByQuery returns the error claims attached to the query.
func (t *Table) ErrorsByQuery(queryID string) []*Claim {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []*Claim
	for _, c := range t.byQuery[queryID] {
		if c.IsError() {
			out = append(out, c)
		}
	}
	return out
}

// All returns every claim on the node in insertion order.
func (t *Table) All() []*Claim {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]*Claim(nil), t.order...)
}

// Len returns the number of distinct (literal, edge) claims.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.order)
}

// FileRefs returns every file reference appearing in stored claims.
func (t *Table) FileRefs() []term.FileRef {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []term.FileRef
	seen := make(map[string]bool)
	for _, c := range t.order {
		for _, a := range c.Lit.Args {
			collectRefs(a, seen, &out)
		}
	}
	return out
}

func collectRefs(t term.Term, seen map[string]bool, out *[]term.FileRef) {
	switch x := t.(type) {
	case term.FileRef:
		if !seen[x.SHA1] {
			seen[x.SHA1] = true
			*out = append(*out, x)
		}
	case term.Compound:
		for _, a := range x.Args {
			collectRefs(a, seen, out)
		}
	case term.List:
		for _, it := range x.Items {
			collectRefs(it, seen, out)
		}
	}
}

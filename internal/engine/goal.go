// Package engine implements the goal state machine: tabled SLD resolution
// with semantic attachments, the task scheduler that drives goals to
// quiescence, and delegation of unknown predicates to fabric peers.
package engine

import (
	"github.com/SRI-CSL/etb/internal/term"
)

// goalState is the lifecycle of a goal record.
type goalState int

const (
	goalOpen goalState = iota
	goalPending
	goalResolved
	goalClosed
)

func (s goalState) String() string {
	switch s {
	case goalOpen:
		return "open"
	case goalPending:
		return "pending"
	case goalResolved:
		return "resolved"
	case goalClosed:
		return "closed"
	}
	return "unknown"
}

// answer is one entry of a goal's answer set: a ground instance of the
// goal literal and the claim witnessing it.
type answer struct {
	inst    term.Literal
	claimID string
}

// consumer receives a goal's answers, one at a time, each exactly once.
type consumer interface {
	deliver(e *Engine, inst term.Literal, claimID string)
}

// goal is one row of the goal table. All fields are guarded by the engine
// mutex; at most one goal exists per fingerprint on a node.
type goal struct {
	id    int64
	lit   term.Literal
	fp    string
	state goalState

	answers   []answer
	answerSet map[string]bool // canonical instance -> present

	consumers []consumer
	children  map[int64]bool  // goals this goal's resolvents consume
	queries   map[string]bool // query ids transitively consuming this goal

	// inflight counts queued or running tasks attributed to this goal,
	// including outstanding wrapper invocations and remote delegations.
	// A goal is quiescent when it reaches zero.
	inflight int

	// queue holds the goal's pending tasks; a goal has a single owner
	// worker at a time, so operations on its state are serialised and its
	// answers reach consumers in insertion order.
	queue   []func()
	running bool

	seenRules         map[string]bool // rule ids already expanded (the table is additive)
	wrapperDispatched bool
	remoteTried       bool
	remoteCorr        string // correlation id of an outstanding delegation
	remotePeer        string
}

// resolvent is a partially discharged rule instance: the goal it answers,
// the remaining body literals, the substitution accumulated so far, and the
// claims discharging the body literals already consumed.
type resolvent struct {
	parent *goal
	ruleID string
	body   []term.Literal
	idx    int
	acc    term.Subst
	kids   []string
}

// deliver implements consumer: a new answer for body[idx] arrived.
func (r *resolvent) deliver(e *Engine, inst term.Literal, claimID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if r.parent.state == goalClosed {
		return
	}
	sub, ok := term.UnifyLiterals(r.acc.ApplyLiteral(r.body[r.idx]), inst, term.Subst{})
	if !ok {
		return
	}
	next := &resolvent{
		parent: r.parent,
		ruleID: r.ruleID,
		body:   r.body,
		idx:    r.idx + 1,
		acc:    r.acc.Compose(sub),
		kids:   append(append([]string(nil), r.kids...), claimID),
	}
	e.advanceLocked(next)
}

// funcConsumer adapts a callback into a consumer; used to stream a root
// goal's answers to clients and to remote requesters. Substitutions are
// keyed on the subscriber's literal, which may name variables differently
// from the aliased goal record.
type funcConsumer struct {
	lit term.Literal
	fn  func(sub term.Subst, claimID string)
}

func (f *funcConsumer) deliver(_ *Engine, inst term.Literal, claimID string) {
	sub, ok := term.UnifyLiterals(f.lit, inst, term.Subst{})
	if !ok {
		return
	}
	f.fn(sub.Restrict(f.lit.Vars()), claimID)
}

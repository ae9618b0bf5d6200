package engine

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/SRI-CSL/etb/internal/claims"
	"github.com/SRI-CSL/etb/internal/term"
)

// Query is the client-visible identity of a root goal.
type Query struct {
	ID      string
	Goal    term.Literal
	Origin  string // originating node id
	Created time.Time

	root      *goal
	done      chan struct{}
	completed bool
	onClose   []func()
}

// Done returns a channel closed when the query completes.
func (q *Query) Done() <-chan struct{} { return q.done }

// Admit parses and admits a goal string as a new query. Parse errors are
// returned synchronously; nothing is admitted.
func (e *Engine) Admit(goalString, origin string) (*Query, error) {
	lit, err := term.ParseLiteral(goalString)
	if err != nil {
		return nil, err
	}
	return e.AdmitLiteral(lit, origin, uuid.NewString())
}

// AdmitLiteral admits an already parsed literal under the given query id.
// Remote delegations arrive here with the requester's correlation id.
func (e *Engine) AdmitLiteral(lit term.Literal, origin, queryID string) (*Query, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.queries[queryID]; ok {
		return nil, fmt.Errorf("query %s already admitted", queryID)
	}
	q := &Query{
		ID:      queryID,
		Goal:    lit,
		Origin:  origin,
		Created: time.Now(),
		done:    make(chan struct{}),
	}
	e.queries[queryID] = q
	q.root = e.goalFor(lit, map[string]bool{queryID: true})
	e.log.Info("query admitted",
		zap.String("query", queryID), zap.String("goal", lit.String()))
	e.sweepLocked()
	return q, nil
}

// Get returns the query with the given id.
func (e *Engine) Get(queryID string) (*Query, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	q, ok := e.queries[queryID]
	return q, ok
}

// Wait blocks until the query completes or ctx is cancelled.
func (e *Engine) Wait(ctx context.Context, queryID string) error {
	q, ok := e.Get(queryID)
	if !ok {
		return fmt.Errorf("unknown query %s", queryID)
	}
	select {
	case <-q.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsDone reports whether the query has completed.
func (e *Engine) IsDone(queryID string) (bool, error) {
	q, ok := e.Get(queryID)
	if !ok {
		return false, fmt.Errorf("unknown query %s", queryID)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return q.completed, nil
}

// Answers returns the query's answer substitutions, restricted to the root
// goal's variables, in insertion order.
func (e *Engine) Answers(queryID string) ([]term.Subst, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	q, ok := e.queries[queryID]
	if !ok {
		return nil, fmt.Errorf("unknown query %s", queryID)
	}
	// The root goal may be an aliased record whose variables are named
	// differently from the query's literal; re-key each answer on the
	// literal the client actually asked.
	vars := q.Goal.Vars()
	out := make([]term.Subst, 0, len(q.root.answers))
	for _, a := range q.root.answers {
		sub, ok := term.UnifyLiterals(q.Goal, a.inst, term.Subst{})
		if !ok {
			continue
		}
		out = append(out, sub.Restrict(vars))
	}
	return out, nil
}

// Active returns the ids of queries still running.
func (e *Engine) Active() []string { return e.queryIDs(false) }

// Completed returns the ids of completed queries.
func (e *Engine) Completed() []string { return e.queryIDs(true) }

func (e *Engine) queryIDs(done bool) []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []string
	for id, q := range e.queries {
		if q.completed == done {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// Subscribe streams the query's answers to onAnswer and calls onClose once
// the query is quiescent. Answers recorded before subscription are replayed
// first; per-goal task ordering guarantees onClose runs after every replay.
func (e *Engine) Subscribe(queryID string, onAnswer func(sub term.Subst, claimID string), onClose func()) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	q, ok := e.queries[queryID]
	if !ok {
		return fmt.Errorf("unknown query %s", queryID)
	}
	e.attachLocked(q.root, &funcConsumer{lit: q.Goal, fn: onAnswer})
	if q.completed {
		e.enqueueLocked(q.root, onClose)
	} else {
		q.onClose = append(q.onClose, onClose)
	}
	return nil
}

// Close cancels a query: its root goal and every goal exclusively consumed
// by it are closed, their ephemeral rules retracted, and their outstanding
// delegations notified. Goals with other consumers are preserved.
func (e *Engine) Close(queryID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	q, ok := e.queries[queryID]
	if !ok {
		return fmt.Errorf("unknown query %s", queryID)
	}
	if !q.completed {
		q.completed = true
		close(q.done)
	}
	e.detachQueryLocked(q.root, queryID, make(map[int64]bool))
	e.log.Info("query closed", zap.String("query", queryID))
	return nil
}

func (e *Engine) detachQueryLocked(g *goal, queryID string, seen map[int64]bool) {
	if g == nil || seen[g.id] {
		return
	}
	seen[g.id] = true
	delete(g.queries, queryID)
	for id := range g.children {
		e.detachQueryLocked(e.byID[id], queryID, seen)
	}
	if len(g.queries) > 0 || g.state == goalClosed {
		return
	}
	g.state = goalClosed
	g.consumers = nil
	g.queue = nil
	delete(e.byFP, g.fp)
	if n := e.rules.RetractGoal(g.id); n > 0 {
		e.log.Debug("ephemeral rules retracted", zap.Int64("goal", g.id), zap.Int("count", n))
	}
	if g.remoteCorr != "" {
		corr, peer := g.remoteCorr, g.remotePeer
		e.releaseRemoteLocked(corr)
		if e.router != nil {
			go e.router.CloseRemote(peer, corr)
		}
	}
}

// sweepLocked tests quiescence for every running query: a query completes
// when its root goal and every goal transitively reachable through the
// consumer graph have no outstanding work. Callers hold e.mu.
func (e *Engine) sweepLocked() {
	for _, q := range e.queries {
		if q.completed {
			continue
		}
		if !e.quiescentLocked(q.root) {
			continue
		}
		q.completed = true
		close(q.done)
		e.markResolvedLocked(q.root, make(map[int64]bool))
		for _, fn := range q.onClose {
			e.enqueueLocked(q.root, fn)
		}
		q.onClose = nil
		e.log.Info("query completed",
			zap.String("query", q.ID), zap.Int("answers", len(q.root.answers)))
	}
}

func (e *Engine) quiescentLocked(root *goal) bool {
	seen := make(map[int64]bool)
	stack := []*goal{root}
	for len(stack) > 0 {
		g := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if g == nil || seen[g.id] {
			continue
		}
		seen[g.id] = true
		if g.state == goalClosed {
			continue
		}
		if g.inflight > 0 {
			return false
		}
		for id := range g.children {
			stack = append(stack, e.byID[id])
		}
	}
	return true
}

func (e *Engine) markResolvedLocked(g *goal, seen map[int64]bool) {
	if g == nil || seen[g.id] || g.state == goalClosed {
		return
	}
	seen[g.id] = true
	g.state = goalResolved
	for id := range g.children {
		e.markResolvedLocked(e.byID[id], seen)
	}
}

// Claims gives callers read access to the shared claims table.
func (e *Engine) Claims() *claims.Table { return e.claims }

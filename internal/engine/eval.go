package engine

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/SRI-CSL/etb/internal/claims"
	"github.com/SRI-CSL/etb/internal/term"
	"github.com/SRI-CSL/etb/internal/wrapper"
)

// expand performs one resolution pass over g: match facts and rules visible
// at the current epoch, dispatch the wrapper if one is registered, and fall
// back to remote delegation for predicates nobody local implements. The
// table is additive: rules already expanded are skipped, so re-expansion
// after dynamic rule injection only processes the new clauses.
func (e *Engine) expand(g *goal) {
	e.mu.Lock()
	if g.state == goalClosed {
		e.mu.Unlock()
		return
	}
	hasRules := e.rules.Has(g.lit.Key())
	entries := e.rules.Match(g.lit, e.rules.Epoch())
	for _, entry := range entries {
		if g.seenRules[entry.ID] {
			continue
		}
		g.seenRules[entry.ID] = true
		if entry.Rule.IsFact() {
			sub, ok := term.UnifyLiterals(g.lit, entry.Rule.Head, term.Subst{})
			if !ok {
				continue
			}
			inst := sub.ApplyLiteral(entry.Rule.Head)
			if !inst.IsGround() {
				e.errorClaimLocked(g, "engine", fmt.Sprintf("fact %s is not ground", inst))
				continue
			}
			e.recordAnswerLocked(g, inst, claims.Edge{Kind: claims.EdgeFact, RuleID: entry.ID})
			continue
		}
		renamed := entry.Rule.Rename(&e.gen)
		theta, ok := term.UnifyLiterals(g.lit, renamed.Head, term.Subst{})
		if !ok {
			continue
		}
		e.advanceLocked(&resolvent{
			parent: g,
			ruleID: entry.ID,
			body:   renamed.Body,
			idx:    0,
			acc:    theta,
		})
	}

	w, isWrapper := e.wrappers.Lookup(g.lit.Key())
	if isWrapper && !g.wrapperDispatched {
		g.wrapperDispatched = true
		e.enqueueLocked(g, func() { e.invokeWrapper(g, w) })
	}

	if !hasRules && !isWrapper && !g.remoteTried {
		e.dispatchRemoteLocked(g)
	}
	e.mu.Unlock()
}

// advanceLocked pushes a resolvent forward: when the body is exhausted the
// accumulated substitution yields an answer for the parent goal; otherwise
// the next body literal becomes a (possibly aliased) subgoal and the
// resolvent suspends as its consumer. Callers hold e.mu.
func (e *Engine) advanceLocked(r *resolvent) {
	g := r.parent
	if r.idx == len(r.body) {
		inst := r.acc.ApplyLiteral(g.lit)
		if !inst.IsGround() {
			e.errorClaimLocked(g, "engine", fmt.Sprintf("rule produced non-ground answer %s", inst))
			return
		}
		e.recordAnswerLocked(g, inst, claims.Edge{
			Kind:     claims.EdgeRuleInstance,
			RuleID:   r.ruleID,
			Children: r.kids,
		})
		return
	}
	subLit := r.acc.ApplyLiteral(r.body[r.idx])
	sub := e.goalFor(subLit, g.queries)
	g.children[sub.id] = true
	e.attachLocked(sub, r)
}

// invokeWrapper checks modes, synchronises file arguments, runs the wrapper
// outside the engine lock, and folds the outcome back into the goal.
func (e *Engine) invokeWrapper(g *goal, w wrapper.Wrapper) {
	sig := w.Signature()
	if msgs := sig.Check(g.lit); len(msgs) > 0 {
		e.mu.Lock()
		for _, m := range msgs {
			e.errorClaimLocked(g, sig.Key(), m)
		}
		e.mu.Unlock()
		return
	}
	ctx := e.baseCtx
	for _, ref := range sig.FileRefs(g.lit) {
		if e.files == nil {
			e.mu.Lock()
			e.errorClaimLocked(g, sig.Key(), fmt.Sprintf("no file store for %s", ref.Path))
			e.mu.Unlock()
			return
		}
		if err := e.files.Ensure(ctx, ref); err != nil {
			e.mu.Lock()
			e.errorClaimLocked(g, sig.Key(), fmt.Sprintf("file %s (%s): %v", ref.Path, ref.SHA1, err))
			e.mu.Unlock()
			return
		}
	}

	workdir := ""
	if e.cfg.WorkspaceDir != "" {
		workdir = filepath.Join(e.cfg.WorkspaceDir, fmt.Sprintf("goal-%d", g.id))
		if err := os.MkdirAll(workdir, 0o755); err != nil {
			e.mu.Lock()
			e.errorClaimLocked(g, sig.Key(), fmt.Sprintf("workspace: %v", err))
			e.mu.Unlock()
			return
		}
	}

	outcome := w.Resolve(ctx, &wrapper.Call{Goal: g.lit, Workdir: workdir, Files: e.files})

	e.mu.Lock()
	defer e.mu.Unlock()
	if g.state == goalClosed {
		return
	}
	switch outcome.Kind {
	case wrapper.OutSuccess:
		if !g.lit.IsGround() {
			e.errorClaimLocked(g, sig.Key(), "success outcome on non-ground goal")
			return
		}
		e.recordAnswerLocked(g, g.lit, e.wrapperEdge(sig, g.lit))
	case wrapper.OutFailure:
		// No claim; the goal drains on its own.
	case wrapper.OutSubstitutions:
		outputs := outputVars(sig, g.lit)
		for _, sub := range outcome.Substs {
			if v, ok := bindsNonOutput(sub, outputs); ok {
				e.errorClaimLocked(g, sig.Key(), fmt.Sprintf("substitution binds non-output variable %s", v))
				continue
			}
			inst := sub.ApplyLiteral(g.lit)
			if !inst.IsGround() {
				e.errorClaimLocked(g, sig.Key(), fmt.Sprintf("substitution leaves %s non-ground", inst))
				continue
			}
			e.recordAnswerLocked(g, inst, e.wrapperEdge(sig, inst))
		}
	case wrapper.OutQueries:
		for _, sub := range outcome.Substs {
			head := sub.ApplyLiteral(g.lit)
			for _, q := range outcome.Queries {
				e.addDynamicRuleLocked(g, term.Rule{Head: head, Body: []term.Literal{sub.ApplyLiteral(q)}})
			}
		}
		e.enqueueLocked(g, func() { e.expand(g) })
	case wrapper.OutLemmata:
		if len(outcome.Substs) != len(outcome.Lemmata) {
			e.errorClaimLocked(g, sig.Key(), fmt.Sprintf("lemmata outcome length mismatch: %d substitutions, %d bodies", len(outcome.Substs), len(outcome.Lemmata)))
			return
		}
		for i, sub := range outcome.Substs {
			head := sub.ApplyLiteral(g.lit)
			body := make([]term.Literal, len(outcome.Lemmata[i]))
			for j, l := range outcome.Lemmata[i] {
				body[j] = sub.ApplyLiteral(l)
			}
			e.addDynamicRuleLocked(g, term.Rule{Head: head, Body: body})
		}
		e.enqueueLocked(g, func() { e.expand(g) })
	case wrapper.OutErrors:
		for _, m := range outcome.Errors {
			e.errorClaimLocked(g, sig.Key(), m)
		}
	}
}

func (e *Engine) wrapperEdge(sig wrapper.Signature, inst term.Literal) claims.Edge {
	sum := sha1.Sum([]byte(inst.Canon()))
	return claims.Edge{
		Kind:       claims.EdgeWrapper,
		Wrapper:    sig.Key(),
		ArgsDigest: hex.EncodeToString(sum[:]),
	}
}

func (e *Engine) addDynamicRuleLocked(g *goal, r term.Rule) {
	if e.rules.Add(r, false, g.id) {
		e.log.Debug("ephemeral rule added",
			zap.Int64("goal", g.id), zap.String("rule", r.String()))
	}
}

// outputVars returns the names of variables in minus-mode positions.
func outputVars(sig wrapper.Signature, lit term.Literal) map[string]bool {
	out := make(map[string]bool)
	for i, a := range sig.Args {
		if a.Mode != wrapper.ModeMinus || i >= len(lit.Args) {
			continue
		}
		if v, ok := lit.Args[i].(term.Var); ok {
			out[v.Name] = true
		}
	}
	return out
}

func bindsNonOutput(sub term.Subst, outputs map[string]bool) (string, bool) {
	for v := range sub {
		if !outputs[v] {
			return v, true
		}
	}
	return "", false
}

// dispatchRemoteLocked schedules delegation of g to the fabric, or fails
// the goal outright when no router is wired. Callers hold e.mu.
func (e *Engine) dispatchRemoteLocked(g *goal) {
	g.remoteTried = true
	if e.router == nil {
		e.errorClaimLocked(g, "engine", "unknown predicate "+g.lit.Key())
		return
	}
	e.enqueueLocked(g, func() { e.delegate(g) })
}

// delegate finds a provider and starts the remote query. Provider probes
// and the delegation RPC are network calls and run off the engine lock.
func (e *Engine) delegate(g *goal) {
	key := g.lit.Key()
	peer, ok := e.router.FindProvider(key)
	e.mu.Lock()
	if g.state == goalClosed {
		e.mu.Unlock()
		return
	}
	if !ok {
		e.errorClaimLocked(g, "engine", "unknown predicate "+key)
		e.mu.Unlock()
		return
	}
	corr := uuid.NewString()
	g.remoteCorr = corr
	g.remotePeer = peer
	e.remote[corr] = g
	e.mu.Unlock()
	e.runDelegation(g, peer, corr)
}

// runDelegation starts the remote query with bounded retries. The inflight
// hold for the delegation is the task itself plus one extra reference that
// is only released by RemoteClosed, a fatal transport failure, or the
// overall deadline.
func (e *Engine) runDelegation(g *goal, peer, corr string) {
	e.mu.Lock()
	if g.state == goalClosed {
		delete(e.remote, corr)
		e.mu.Unlock()
		return
	}
	g.inflight++ // held until closed or failed
	e.mu.Unlock()

	ctx, cancel := context.WithTimeout(e.baseCtx, e.cfg.RemoteTimeout)
	defer cancel()
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(e.cfg.RemoteRetries)), ctx)
	err := backoff.Retry(func() error {
		return e.router.RemoteQuery(ctx, peer, g.lit, corr)
	}, policy)
	if err != nil {
		e.mu.Lock()
		e.errorClaimLocked(g, "router", fmt.Sprintf("delegation to %s failed: %v", peer, err))
		e.releaseRemoteLocked(corr)
		e.mu.Unlock()
		return
	}
	// The provider accepted; guard against it never reporting closed.
	deadline := time.AfterFunc(e.cfg.RemoteTimeout*time.Duration(e.cfg.RemoteRetries+1), func() {
		e.mu.Lock()
		if _, live := e.remote[corr]; live {
			e.errorClaimLocked(g, "router", fmt.Sprintf("delegation to %s timed out", peer))
			e.releaseRemoteLocked(corr)
		}
		e.mu.Unlock()
	})
	e.mu.Lock()
	if _, live := e.remote[corr]; !live {
		deadline.Stop()
	}
	e.mu.Unlock()
}

// releaseRemoteLocked drops the inflight hold of a delegation. Callers hold
// e.mu.
func (e *Engine) releaseRemoteLocked(corr string) {
	g, ok := e.remote[corr]
	if !ok {
		return
	}
	delete(e.remote, corr)
	g.remoteCorr = ""
	g.inflight--
	e.sweepLocked()
}

// DeliverRemoteAnswer integrates an answer pushed by a provider peer, as if
// a local rule had produced it.
func (e *Engine) DeliverRemoteAnswer(corr string, sub term.Subst, claimDigest string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	g, ok := e.remote[corr]
	if !ok {
		return fmt.Errorf("unknown correlation id %s", corr)
	}
	inst := sub.ApplyLiteral(g.lit)
	if !inst.IsGround() {
		e.errorClaimLocked(g, "router", fmt.Sprintf("remote answer leaves %s non-ground", inst))
		return nil
	}
	e.recordAnswerLocked(g, inst, claims.Edge{
		Kind:         claims.EdgeRemote,
		Peer:         g.remotePeer,
		RemoteDigest: claimDigest,
	})
	return nil
}

// RemoteClosed marks a delegation quiescent on the provider side.
func (e *Engine) RemoteClosed(corr string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.releaseRemoteLocked(corr)
}

// Rules gives the remote surface access to predicate advertisement.
func (e *Engine) Rules() []string { return e.rules.Heads() }

// Wrappers lists registered wrapper predicate keys.
func (e *Engine) Wrappers() []string { return e.wrappers.Keys() }

// Offers reports whether this node can evaluate pred/arity locally.
func (e *Engine) Offers(key string) bool {
	if e.rules.Has(key) {
		return true
	}
	_, ok := e.wrappers.Lookup(key)
	return ok
}

// Advertisement returns every predicate key this node offers, sorted.
func (e *Engine) Advertisement() []string {
	keys := append(e.Rules(), e.Wrappers()...)
	seen := make(map[string]bool, len(keys))
	out := keys[:0]
	for _, k := range keys {
		if !seen[k] {
			seen[k] = true
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

package wrapper

import (
	"context"
	"fmt"

	"github.com/SRI-CSL/etb/internal/term"
)

// RegisterBuiltins installs the wrappers every node ships with.
func RegisterBuiltins(r *Registry) error {
	for _, w := range []Wrapper{inRange{}, composite{}, veryComposite{}, pingPong{"ping", "pong"}, pingPong{"pong", "ping"}} {
		if err := r.Register(w); err != nil {
			return err
		}
	}
	return nil
}

func intArg(lit term.Literal, i int) (int64, bool) {
	n, ok := lit.Args[i].(term.Int)
	return n.Value, ok
}

// inRange enumerates the integers of a closed interval.
type inRange struct{}

func (inRange) Signature() Signature {
	return Signature{Pred: "in_range", Args: []Arg{{Mode: ModePlus}, {Mode: ModePlus}, {Mode: ModeMinus}}}
}

func (inRange) Resolve(_ context.Context, c *Call) Outcome {
	low, okL := intArg(c.Goal, 0)
	up, okU := intArg(c.Goal, 1)
	if !okL || !okU {
		return Errors("in_range: bounds must be integers")
	}
	out, ok := c.Goal.Args[2].(term.Var)
	if !ok {
		return Errors("in_range: result must be a variable")
	}
	var subs []term.Subst
	for n := low; n <= up; n++ {
		subs = append(subs, term.Subst{out.Name: term.Int{Value: n}})
	}
	if len(subs) == 0 {
		return Failure()
	}
	return Substitutions(subs...)
}

// composite holds for integers greater than one that are not prime.
type composite struct{}

func (composite) Signature() Signature {
	return Signature{Pred: "comp", Args: []Arg{{Mode: ModePlus}}}
}

func (composite) Resolve(_ context.Context, c *Call) Outcome {
	n, ok := intArg(c.Goal, 0)
	if !ok {
		return Errors("comp: argument must be an integer")
	}
	if n > 3 && !isPrime(n) {
		return Success()
	}
	return Failure()
}

func isPrime(n int64) bool {
	if n < 2 {
		return false
	}
	for d := int64(2); d*d <= n; d++ {
		if n%d == 0 {
			return false
		}
	}
	return true
}

// veryComposite demonstrates dynamic lemmata: verycomposite(N, M) holds when
// N, N+1, ..., N+M-1 are all composite. The wrapper emits the lemma
// verycomposite(N, M) :- comp(N), ..., comp(N+M-1) and lets the engine
// discharge it.
type veryComposite struct{}

func (veryComposite) Signature() Signature {
	return Signature{Pred: "verycomposite", Args: []Arg{{Mode: ModePlus}, {Mode: ModePlus}}}
}

func (veryComposite) Resolve(_ context.Context, c *Call) Outcome {
	n, okN := intArg(c.Goal, 0)
	m, okM := intArg(c.Goal, 1)
	if !okN || !okM {
		return Errors("verycomposite: arguments must be integers")
	}
	if m <= 0 {
		return Errors(fmt.Sprintf("verycomposite: run length %d must be positive", m))
	}
	body := make([]term.Literal, 0, m)
	for i := int64(0); i < m; i++ {
		body = append(body, term.Literal{Pred: "comp", Args: []term.Term{term.Int{Value: n + i}}})
	}
	return Lemmata([]term.Subst{{}}, [][]term.Literal{body})
}

// pingPong demonstrates dynamic subgoals: ping(0) and pong(0) hold outright;
// ping(N) emits the subgoal pong(N-1) and vice versa.
type pingPong struct {
	pred, peer string
}

func (p pingPong) Signature() Signature {
	return Signature{Pred: p.pred, Args: []Arg{{Mode: ModePlus}}}
}

func (p pingPong) Resolve(_ context.Context, c *Call) Outcome {
	n, ok := intArg(c.Goal, 0)
	if !ok {
		return Errors(p.pred + ": argument must be an integer")
	}
	if n < 0 {
		return Failure()
	}
	if n == 0 {
		return Success()
	}
	sub := term.Literal{Pred: p.peer, Args: []term.Term{term.Int{Value: n - 1}}}
	return NewQueries([]term.Subst{{}}, []term.Literal{sub})
}

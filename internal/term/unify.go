package term

// occurs reports whether variable name appears in t after walking s. The
// engine never constructs cyclic terms; this guard fails unification instead.
func occurs(name string, t Term, s Subst) bool {
	t = s.Walk(t)
	switch x := t.(type) {
	case Var:
		return x.Name == name
	case Compound:
		for _, a := range x.Args {
			if occurs(name, a, s) {
				return true
			}
		}
	case List:
		for _, it := range x.Items {
			if occurs(name, it, s) {
				return true
			}
		}
	}
	return false
}

func bindVar(v Var, t Term, s Subst) (Subst, bool) {
	if w, ok := t.(Var); ok && w.Name == v.Name {
		return s, true
	}
	if occurs(v.Name, t, s) {
		return nil, false
	}
	return s.Bind(v.Name, t), true
}

// Unify extends s so that a and b become equal under it, or reports failure.
// The input substitution is not modified.
func Unify(a, b Term, s Subst) (Subst, bool) {
	a, b = s.Walk(a), s.Walk(b)
	if av, ok := a.(Var); ok {
		return bindVar(av, b, s)
	}
	if bv, ok := b.(Var); ok {
		return bindVar(bv, a, s)
	}
	switch x := a.(type) {
	case Str:
		y, ok := b.(Str)
		if ok && x.Value == y.Value {
			return s, true
		}
	case Int:
		y, ok := b.(Int)
		if ok && x.Value == y.Value {
			return s, true
		}
	case Bool:
		y, ok := b.(Bool)
		if ok && x.Value == y.Value {
			return s, true
		}
	case Sym:
		y, ok := b.(Sym)
		if ok && x.Name == y.Name {
			return s, true
		}
	case FileRef:
		y, ok := b.(FileRef)
		if ok && x.SHA1 == y.SHA1 {
			return s, true
		}
	case Compound:
		y, ok := b.(Compound)
		if !ok || x.Functor != y.Functor || len(x.Args) != len(y.Args) {
			return nil, false
		}
		return unifyAll(x.Args, y.Args, s)
	case List:
		y, ok := b.(List)
		if !ok || len(x.Items) != len(y.Items) {
			return nil, false
		}
		return unifyAll(x.Items, y.Items, s)
	}
	return nil, false
}

func unifyAll(as, bs []Term, s Subst) (Subst, bool) {
	var ok bool
	for i := range as {
		s, ok = Unify(as[i], bs[i], s)
		if !ok {
			return nil, false
		}
	}
	return s, true
}

// UnifyLiterals unifies two literals argument by argument. Predicates must
// match in name and arity.
func UnifyLiterals(a, b Literal, s Subst) (Subst, bool) {
	if a.Pred != b.Pred || len(a.Args) != len(b.Args) {
		return nil, false
	}
	return unifyAll(a.Args, b.Args, s)
}

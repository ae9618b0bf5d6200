// Package term implements the first-order term model underlying all ETB
// evaluation: variables, constants, compounds, lists, and content-addressed
// file references, together with substitutions, unification, and the
// canonical serialisation used for goal fingerprints and cross-node identity.
package term

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Term is an immutable first-order term. The concrete variants are Var, Str,
// Int, Bool, Sym, Compound, List, and FileRef.
type Term interface {
	fmt.Stringer

	// write appends the term's printed form to b. When vars is non-nil,
	// variables are renamed _v0, _v1, ... in first-occurrence order, which
	// yields the canonical form used for fingerprints.
	write(b *strings.Builder, vars map[string]int)
}

// Var is a logic variable. Names start with an uppercase letter or underscore.
type Var struct {
	Name string
}

// Str is a quoted string constant.
type Str struct {
	Value string
}

// Int is an integer constant.
type Int struct {
	Value int64
}

// Bool is a boolean constant.
type Bool struct {
	Value bool
}

// Sym is a symbolic atom, written as a bare lowercase identifier.
type Sym struct {
	Name string
}

// Compound is a functor applied to one or more argument terms.
type Compound struct {
	Functor string
	Args    []Term
}

// List is an explicit sequence of terms.
type List struct {
	Items []Term
}

// FileRef is a content-addressed file reference. Equality is by hash.
type FileRef struct {
	Path string
	SHA1 string
}

func (v Var) write(b *strings.Builder, vars map[string]int) {
	if vars == nil {
		b.WriteString(v.Name)
		return
	}
	n, ok := vars[v.Name]
	if !ok {
		n = len(vars)
		vars[v.Name] = n
	}
	fmt.Fprintf(b, "_v%d", n)
}

func (s Str) write(b *strings.Builder, _ map[string]int) {
	b.WriteString(strconv.Quote(s.Value))
}

func (i Int) write(b *strings.Builder, _ map[string]int) {
	b.WriteString(strconv.FormatInt(i.Value, 10))
}

func (t Bool) write(b *strings.Builder, _ map[string]int) {
	b.WriteString(strconv.FormatBool(t.Value))
}

func (s Sym) write(b *strings.Builder, _ map[string]int) {
	b.WriteString(s.Name)
}

func (c Compound) write(b *strings.Builder, vars map[string]int) {
	b.WriteString(c.Functor)
	b.WriteByte('(')
	for i, a := range c.Args {
		if i > 0 {
			b.WriteString(", ")
		}
		a.write(b, vars)
	}
	b.WriteByte(')')
}

func (l List) write(b *strings.Builder, vars map[string]int) {
	b.WriteByte('[')
	for i, t := range l.Items {
		if i > 0 {
			b.WriteString(", ")
		}
		t.write(b, vars)
	}
	b.WriteByte(']')
}

func (f FileRef) write(b *strings.Builder, _ map[string]int) {
	fmt.Fprintf(b, "fileref(%q, %q)", f.Path, f.SHA1)
}

func render(t Term, vars map[string]int) string {
	var b strings.Builder
	t.write(&b, vars)
	return b.String()
}

func (v Var) String() string      { return render(v, nil) }
func (s Str) String() string      { return render(s, nil) }
func (i Int) String() string      { return render(i, nil) }
func (t Bool) String() string     { return render(t, nil) }
func (s Sym) String() string      { return render(s, nil) }
func (c Compound) String() string { return render(c, nil) }
func (l List) String() string     { return render(l, nil) }
func (f FileRef) String() string  { return render(f, nil) }

// Equal reports structural equality of two terms. Variables compare by name.
func Equal(a, b Term) bool {
	switch x := a.(type) {
	case Var:
		y, ok := b.(Var)
		return ok && x.Name == y.Name
	case Str:
		y, ok := b.(Str)
		return ok && x.Value == y.Value
	case Int:
		y, ok := b.(Int)
		return ok && x.Value == y.Value
	case Bool:
		y, ok := b.(Bool)
		return ok && x.Value == y.Value
	case Sym:
		y, ok := b.(Sym)
		return ok && x.Name == y.Name
	case FileRef:
		y, ok := b.(FileRef)
		return ok && x.SHA1 == y.SHA1
	case Compound:
		y, ok := b.(Compound)
		if !ok || x.Functor != y.Functor || len(x.Args) != len(y.Args) {
			return false
		}
		for i := range x.Args {
			if !Equal(x.Args[i], y.Args[i]) {
				return false
			}
		}
		return true
	case List:
		y, ok := b.(List)
		if !ok || len(x.Items) != len(y.Items) {
			return false
		}
		for i := range x.Items {
			if !Equal(x.Items[i], y.Items[i]) {
				return false
			}
		}
		return true
	}
	return false
}

// IsGround reports whether t contains no variables.
func IsGround(t Term) bool {
	switch x := t.(type) {
	case Var:
		return false
	case Compound:
		for _, a := range x.Args {
			if !IsGround(a) {
				return false
			}
		}
	case List:
		for _, it := range x.Items {
			if !IsGround(it) {
				return false
			}
		}
	}
	return true
}

// Vars appends the names of all variables in t, in first-occurrence order,
// skipping names already present in seen.
func Vars(t Term, seen map[string]bool, out []string) []string {
	switch x := t.(type) {
	case Var:
		if !seen[x.Name] {
			seen[x.Name] = true
			out = append(out, x.Name)
		}
	case Compound:
		for _, a := range x.Args {
			out = Vars(a, seen, out)
		}
	case List:
		for _, it := range x.Items {
			out = Vars(it, seen, out)
		}
	}
	return out
}

// Literal is a compound term whose functor names a predicate.
type Literal struct {
	Pred string
	Args []Term
}

// Arity returns the number of arguments.
func (l Literal) Arity() int { return len(l.Args) }

// Key returns the predicate index key "pred/arity".
func (l Literal) Key() string { return l.Pred + "/" + strconv.Itoa(len(l.Args)) }

func (l Literal) String() string {
	return Compound{Functor: l.Pred, Args: l.Args}.String()
}

// IsGround reports whether the literal contains no variables.
func (l Literal) IsGround() bool {
	for _, a := range l.Args {
		if !IsGround(a) {
			return false
		}
	}
	return true
}

// Vars returns the names of the literal's variables in first-occurrence order.
func (l Literal) Vars() []string {
	seen := make(map[string]bool)
	var out []string
	for _, a := range l.Args {
		out = Vars(a, seen, out)
	}
	return out
}

// Canon returns the canonical serialisation of the literal: variables renamed
// _v0, _v1, ... in first-occurrence order. Two literals have equal canonical
// forms iff they are identical modulo variable renaming.
func (l Literal) Canon() string {
	var b strings.Builder
	vars := make(map[string]int)
	Compound{Functor: l.Pred, Args: l.Args}.write(&b, vars)
	return b.String()
}

// Fingerprint returns the hex SHA-1 of the literal's canonical form. It is the
// goal identity used for tabling on a node and across the fabric.
func (l Literal) Fingerprint() string {
	sum := sha1.Sum([]byte(l.Canon()))
	return hex.EncodeToString(sum[:])
}

// Rule is a Horn clause. A fact is a rule with an empty body.
type Rule struct {
	Head Literal
	Body []Literal
}

// IsFact reports whether the rule has an empty body.
func (r Rule) IsFact() bool { return len(r.Body) == 0 }

func (r Rule) String() string {
	if r.IsFact() {
		return r.Head.String() + "."
	}
	parts := make([]string, len(r.Body))
	for i, b := range r.Body {
		parts[i] = b.String()
	}
	return r.Head.String() + " :- " + strings.Join(parts, ", ") + "."
}

// Canon returns the canonical serialisation of the clause, with one variable
// numbering shared by head and body.
func (r Rule) Canon() string {
	var b strings.Builder
	vars := make(map[string]int)
	Compound{Functor: r.Head.Pred, Args: r.Head.Args}.write(&b, vars)
	for _, lit := range r.Body {
		b.WriteString(" :- ")
		Compound{Functor: lit.Pred, Args: lit.Args}.write(&b, vars)
	}
	return b.String()
}

// ID returns the content hash identifying the rule.
func (r Rule) ID() string {
	sum := sha1.Sum([]byte(r.Canon()))
	return hex.EncodeToString(sum[:])
}

// Rename returns a copy of the rule with every variable replaced by a fresh
// one drawn from gen. Renaming-apart happens before each resolution step.
func (r Rule) Rename(gen *VarGen) Rule {
	seen := make(map[string]bool)
	var names []string
	for _, a := range r.Head.Args {
		names = Vars(a, seen, names)
	}
	for _, lit := range r.Body {
		for _, a := range lit.Args {
			names = Vars(a, seen, names)
		}
	}
	if len(names) == 0 {
		return r
	}
	s := make(Subst, len(names))
	for _, n := range names {
		s[n] = Var{Name: gen.Fresh()}
	}
	out := Rule{Head: s.ApplyLiteral(r.Head), Body: make([]Literal, len(r.Body))}
	for i, lit := range r.Body {
		out.Body[i] = s.ApplyLiteral(lit)
	}
	return out
}

// VarGen hands out fresh variable names of the form _G<n>. The parser also
// accepts names of that form as source variables, so a goal that spells one
// can share a name with a renamed rule variable.
type VarGen struct {
	n int
}

// Fresh returns the next unused variable name.
func (g *VarGen) Fresh() string {
	g.n++
	return "_G" + strconv.Itoa(g.n)
}

// Subst maps variable names to terms. Substitutions compose left-to-right and
// apply recursively until a fixpoint.
type Subst map[string]Term

// Bind returns a copy of s extended with v -> t.
func (s Subst) Bind(v string, t Term) Subst {
	out := make(Subst, len(s)+1)
	for k, x := range s {
		out[k] = x
	}
	out[v] = t
	return out
}

// Walk resolves t through s until it is not a bound variable.
func (s Subst) Walk(t Term) Term {
	for {
		v, ok := t.(Var)
		if !ok {
			return t
		}
		bound, ok := s[v.Name]
		if !ok {
			return t
		}
		t = bound
	}
}

// Apply substitutes through t recursively until no bound variable remains.
func (s Subst) Apply(t Term) Term {
	if len(s) == 0 {
		return t
	}
	t = s.Walk(t)
	switch x := t.(type) {
	case Compound:
		args := make([]Term, len(x.Args))
		for i, a := range x.Args {
			args[i] = s.Apply(a)
		}
		return Compound{Functor: x.Functor, Args: args}
	case List:
		items := make([]Term, len(x.Items))
		for i, it := range x.Items {
			items[i] = s.Apply(it)
		}
		return List{Items: items}
	default:
		return t
	}
}

// ApplyLiteral substitutes through every argument of l.
func (s Subst) ApplyLiteral(l Literal) Literal {
	if len(s) == 0 {
		return l
	}
	args := make([]Term, len(l.Args))
	for i, a := range l.Args {
		args[i] = s.Apply(a)
	}
	return Literal{Pred: l.Pred, Args: args}
}

// Compose returns s then t: every binding of s with t applied to its value,
// plus the bindings of t for variables s does not bind.
func (s Subst) Compose(t Subst) Subst {
	out := make(Subst, len(s)+len(t))
	for k, v := range s {
		out[k] = t.Apply(v)
	}
	for k, v := range t {
		if _, ok := out[k]; !ok {
			out[k] = v
		}
	}
	return out
}

// Restrict keeps only the bindings for the named variables.
func (s Subst) Restrict(vars []string) Subst {
	out := make(Subst, len(vars))
	for _, v := range vars {
		if t, ok := s[v]; ok {
			out[v] = t
		}
	}
	return out
}

// Equal reports whether two substitutions bind the same variables to equal
// terms.
func (s Subst) Equal(t Subst) bool {
	if len(s) != len(t) {
		return false
	}
	for k, v := range s {
		w, ok := t[k]
		if !ok || !Equal(v, w) {
			return false
		}
	}
	return true
}

// Canon returns a stable serialisation of the substitution: bindings sorted
// by variable name. String renders it in braces.
func (s Subst) Canon() string {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(k)
		b.WriteByte('=')
		s[k].write(&b, nil)
	}
	return b.String()
}

func (s Subst) String() string { return "{" + s.Canon() + "}" }

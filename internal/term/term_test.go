package term

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustLit(t *testing.T, src string) Literal {
	t.Helper()
	lit, err := ParseLiteral(src)
	require.NoError(t, err)
	return lit
}

func TestParseLiteral(t *testing.T) {
	lit := mustLit(t, `edge(a, B, "hello world", 42, true, [1, 2, 3], f(g(X)))`)
	assert.Equal(t, "edge", lit.Pred)
	require.Len(t, lit.Args, 7)
	assert.Equal(t, Sym{Name: "a"}, lit.Args[0])
	assert.Equal(t, Var{Name: "B"}, lit.Args[1])
	assert.Equal(t, Str{Value: "hello world"}, lit.Args[2])
	assert.Equal(t, Int{Value: 42}, lit.Args[3])
	assert.Equal(t, Bool{Value: true}, lit.Args[4])
	assert.Equal(t, List{Items: []Term{Int{Value: 1}, Int{Value: 2}, Int{Value: 3}}}, lit.Args[5])
}

func TestParseFileRef(t *testing.T) {
	lit := mustLit(t, `asciidoc("", fileref("doc.adoc", "da39a3ee"), Html)`)
	ref, ok := lit.Args[1].(FileRef)
	require.True(t, ok)
	assert.Equal(t, "doc.adoc", ref.Path)
	assert.Equal(t, "da39a3ee", ref.SHA1)
}

func TestParseErrors(t *testing.T) {
	for _, src := range []string{
		"",
		"ancestor(bill,",
		`p("unterminated)`,
		"Upper(x)",
		"p(x) trailing",
	} {
		_, err := ParseLiteral(src)
		assert.Error(t, err, "input %q", src)
	}
}

func TestParseRules(t *testing.T) {
	rs, err := ParseRules(`
		% a comment
		parent(bill, mary).
		ancestor(X, Y) :- parent(X, Y).
		ancestor(X, Y) :- parent(X, Z), ancestor(Z, Y).
	`)
	require.NoError(t, err)
	require.Len(t, rs, 3)
	assert.True(t, rs[0].IsFact())
	assert.Len(t, rs[2].Body, 2)
}

func TestRoundTrip(t *testing.T) {
	src := `ancestor(bill, Y)`
	lit := mustLit(t, src)
	again := mustLit(t, lit.String())
	assert.Equal(t, lit, again)
}

func TestUnifyBasics(t *testing.T) {
	a := mustLit(t, "p(X, b)")
	b := mustLit(t, "p(a, Y)")
	sub, ok := UnifyLiterals(a, b, Subst{})
	require.True(t, ok)
	assert.Equal(t, Sym{Name: "a"}, sub.Apply(Var{Name: "X"}))
	assert.Equal(t, Sym{Name: "b"}, sub.Apply(Var{Name: "Y"}))

	_, ok = UnifyLiterals(mustLit(t, "p(a)"), mustLit(t, "p(b)"), Subst{})
	assert.False(t, ok)

	_, ok = UnifyLiterals(mustLit(t, "p(a)"), mustLit(t, "q(a)"), Subst{})
	assert.False(t, ok)
}

func TestUnifyOccursGuard(t *testing.T) {
	// X against f(X) must fail instead of building a cyclic term.
	_, ok := Unify(Var{Name: "X"}, Compound{Functor: "f", Args: []Term{Var{Name: "X"}}}, Subst{})
	assert.False(t, ok)
}

func TestUnifySharedVariable(t *testing.T) {
	a := mustLit(t, "p(X, X)")
	b := mustLit(t, "p(a, Y)")
	sub, ok := UnifyLiterals(a, b, Subst{})
	require.True(t, ok)
	assert.Equal(t, Sym{Name: "a"}, sub.Apply(Var{Name: "Y"}))
}

func TestSubstCompose(t *testing.T) {
	s := Subst{"X": Var{Name: "Y"}}
	u := Subst{"Y": Sym{Name: "a"}}
	c := s.Compose(u)
	assert.Equal(t, Sym{Name: "a"}, c.Apply(Var{Name: "X"}))
	assert.Equal(t, Sym{Name: "a"}, c.Apply(Var{Name: "Y"}))
}

func TestFingerprintVariants(t *testing.T) {
	a := mustLit(t, "ancestor(X, Y)")
	b := mustLit(t, "ancestor(P, Q)")
	c := mustLit(t, "ancestor(X, X)")
	assert.Equal(t, a.Fingerprint(), b.Fingerprint())
	assert.NotEqual(t, a.Fingerprint(), c.Fingerprint())
}

func TestFingerprintGroundDiffers(t *testing.T) {
	assert.NotEqual(t,
		mustLit(t, "p(a)").Fingerprint(),
		mustLit(t, "p(b)").Fingerprint())
}

func TestRuleRenameApart(t *testing.T) {
	rs, err := ParseRules(`ancestor(X, Y) :- parent(X, Z), ancestor(Z, Y).`)
	require.NoError(t, err)
	var gen VarGen
	renamed := rs[0].Rename(&gen)
	assert.NotEqual(t, rs[0].Head.Args[0], renamed.Head.Args[0])
	// Shared variables stay shared after renaming.
	assert.Equal(t, renamed.Head.Args[0], renamed.Body[0].Args[0])
	assert.Equal(t, renamed.Body[0].Args[1], renamed.Body[1].Args[0])
	// The original is untouched.
	assert.Equal(t, Var{Name: "X"}, rs[0].Head.Args[0])
}

func TestRuleID(t *testing.T) {
	a, err := ParseRules(`ancestor(X, Y) :- parent(X, Y).`)
	require.NoError(t, err)
	b, err := ParseRules(`ancestor(P, Q) :- parent(P, Q).`)
	require.NoError(t, err)
	assert.Equal(t, a[0].ID(), b[0].ID(), "rule identity is modulo renaming")
}

func TestIsGround(t *testing.T) {
	assert.True(t, mustLit(t, "p(a, [1, 2], f(b))").IsGround())
	assert.False(t, mustLit(t, "p(a, [1, X])").IsGround())
}

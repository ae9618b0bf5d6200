package claims

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SRI-CSL/etb/internal/term"
)

func lit(t *testing.T, src string) term.Literal {
	t.Helper()
	l, err := term.ParseLiteral(src)
	require.NoError(t, err)
	return l
}

func TestAddAndDeduplicate(t *testing.T) {
	tbl := NewTable()
	edge := Edge{Kind: EdgeFact, RuleID: "r1"}

	c1, err := tbl.Add(lit(t, "parent(bill, mary)"), edge, "q1")
	require.NoError(t, err)
	c2, err := tbl.Add(lit(t, "parent(bill, mary)"), edge, "q1")
	require.NoError(t, err)
	assert.Equal(t, c1.ID, c2.ID)
	assert.Equal(t, 1, tbl.Len(), "no duplicate (literal, edge) pairs")

	// A different derivation of the same literal is a distinct edge.
	_, err = tbl.Add(lit(t, "parent(bill, mary)"), Edge{Kind: EdgeWrapper, Wrapper: "w/2", ArgsDigest: "d"}, "q1")
	require.NoError(t, err)
	assert.Equal(t, 2, tbl.Len())
	assert.Len(t, tbl.ForLiteral(lit(t, "parent(bill, mary)")), 2)
}

func TestNonGroundRejected(t *testing.T) {
	tbl := NewTable()
	_, err := tbl.Add(lit(t, "parent(bill, X)"), Edge{Kind: EdgeFact}, "q1")
	assert.Error(t, err)
}

func TestQueryIndex(t *testing.T) {
	tbl := NewTable()
	a, err := tbl.Add(lit(t, "p(a)"), Edge{Kind: EdgeFact, RuleID: "r"}, "q1")
	require.NoError(t, err)
	_, err = tbl.Add(lit(t, "p(b)"), Edge{Kind: EdgeFact, RuleID: "r"}, "q2")
	require.NoError(t, err)

	assert.Len(t, tbl.ByQuery("q1"), 1)
	assert.Len(t, tbl.ByQuery("q2"), 1)
	assert.Len(t, tbl.All(), 2)

	// A claim reached by a second query is tagged, not duplicated.
	tbl.Tag(a.ID, "q2")
	assert.Len(t, tbl.ByQuery("q2"), 2)
	assert.Equal(t, 2, tbl.Len())
}

func TestErrorsByQuery(t *testing.T) {
	tbl := NewTable()
	_, err := tbl.Add(lit(t, "p(a)"), Edge{Kind: EdgeFact, RuleID: "r"}, "q1")
	require.NoError(t, err)
	_, err = tbl.Add(lit(t, `error("p(X)", "unknown predicate p/1")`), Edge{Kind: EdgeWrapper, Wrapper: "engine"}, "q1")
	require.NoError(t, err)

	errs := tbl.ErrorsByQuery("q1")
	require.Len(t, errs, 1)
	assert.True(t, errs[0].IsError())
}

func TestDigestStable(t *testing.T) {
	edge := Edge{Kind: EdgeRemote, Peer: "n2", RemoteDigest: "abc"}
	assert.Equal(t,
		Digest(lit(t, "p(a)"), edge),
		Digest(lit(t, "p(a)"), edge))
	assert.NotEqual(t,
		Digest(lit(t, "p(a)"), edge),
		Digest(lit(t, "p(b)"), edge))
}

func TestFileRefs(t *testing.T) {
	tbl := NewTable()
	_, err := tbl.Add(lit(t, `converted(fileref("a.txt", "1111"), [fileref("b.txt", "2222")])`),
		Edge{Kind: EdgeWrapper, Wrapper: "convert/2"}, "q1")
	require.NoError(t, err)
	refs := tbl.FileRefs()
	require.Len(t, refs, 2)
}

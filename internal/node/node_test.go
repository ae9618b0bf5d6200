package node

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SRI-CSL/etb/internal/config"
	"github.com/SRI-CSL/etb/internal/filestore"
	"github.com/SRI-CSL/etb/internal/term"
	"github.com/SRI-CSL/etb/internal/wire"
	"github.com/SRI-CSL/etb/internal/xmlrpc"
)

const ancestorRules = `
	parent(bill, mary).
	parent(mary, john).
	ancestor(X, Y) :- parent(X, Y).
	ancestor(X, Y) :- parent(X, Z), ancestor(Z, Y).
`

// startNode boots a node on an ephemeral port with an isolated working
// directory.
func startNode(t *testing.T, ruleSrc, wrappersDir string) *Node {
	t.Helper()
	workDir := t.TempDir()
	cfg := config.Default()
	cfg.Host = "127.0.0.1"
	cfg.Port = 0
	cfg.WorkDir = workDir
	cfg.Log = ""
	cfg.WrappersDir = wrappersDir
	cfg.RemoteTimeout = 10 * time.Second
	if ruleSrc != "" {
		rf := filepath.Join(workDir, "rules.etb")
		require.NoError(t, os.WriteFile(rf, []byte(ruleSrc), 0o644))
		cfg.RuleFiles = []string{rf}
	}
	n, err := New(cfg, nil)
	require.NoError(t, err)
	require.NoError(t, n.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		n.Shutdown(ctx)
	})
	return n
}

func client(n *Node) *xmlrpc.Client {
	return xmlrpc.NewClient("127.0.0.1", n.Port())
}

func runQuery(t *testing.T, c *xmlrpc.Client, goal string) (string, []term.Subst) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	qid, err := c.String(ctx, "query", goal)
	require.NoError(t, err)
	_, err = c.Call(ctx, "query_wait", qid)
	require.NoError(t, err)
	raw, err := c.String(ctx, "query_answers", qid)
	require.NoError(t, err)
	subs, err := wire.UnmarshalSubsts(raw)
	require.NoError(t, err)
	return qid, subs
}

func canonSet(subs []term.Subst) map[string]bool {
	out := make(map[string]bool, len(subs))
	for _, s := range subs {
		out[s.Canon()] = true
	}
	return out
}

func TestSingleNodeQuery(t *testing.T) {
	n := startNode(t, ancestorRules, "")
	_, subs := runQuery(t, client(n), "ancestor(bill, Y)")
	assert.Equal(t, map[string]bool{"Y=mary": true, "Y=john": true}, canonSet(subs))
}

func TestPutGetFileOverRPC(t *testing.T) {
	n := startNode(t, "", "")
	c := client(n)
	ctx := context.Background()

	body := []byte("file body bytes \x00\x01")
	refJSON, err := c.String(ctx, "put_file", body, "docs/a.bin")
	require.NoError(t, err)
	assert.Contains(t, refJSON, filestore.Hash(body))

	raw, err := c.Call(ctx, "get_file", refJSON)
	require.NoError(t, err)
	assert.Equal(t, body, raw)
}

func TestConnectBuildsPeerTable(t *testing.T) {
	a := startNode(t, "", "")
	b := startNode(t, ancestorRules, "")
	ctx := context.Background()

	_, err := client(a).Call(ctx, "connect", "127.0.0.1", b.Port())
	require.NoError(t, err)

	require.Len(t, a.Fabric.Peers(), 1)
	require.Len(t, b.Fabric.Peers(), 1)
	assert.Equal(t, b.ID, a.Fabric.Peers()[0].ID)

	// B advertised its rule heads during the handshake.
	offers := a.Fabric.WhoOffers("ancestor/2")
	require.Len(t, offers, 1)
	assert.Equal(t, b.ID, offers[0].ID)
}

func TestTransitiveMesh(t *testing.T) {
	a := startNode(t, "", "")
	b := startNode(t, "", "")
	c := startNode(t, "", "")
	ctx := context.Background()

	_, err := client(b).Call(ctx, "connect", "127.0.0.1", c.Port())
	require.NoError(t, err)
	_, err = client(a).Call(ctx, "connect", "127.0.0.1", b.Port())
	require.NoError(t, err)

	// Joining through B also yields C: the fabric is a full mesh.
	assert.Len(t, a.Fabric.Peers(), 2)
	assert.Len(t, c.Fabric.Peers(), 2)
}

func TestRemoteDelegation(t *testing.T) {
	a := startNode(t, "", "")
	b := startNode(t, ancestorRules, "")
	ctx := context.Background()

	_, err := client(a).Call(ctx, "connect", "127.0.0.1", b.Port())
	require.NoError(t, err)

	qid, subs := runQuery(t, client(a), "ancestor(bill, Y)")
	assert.Equal(t, map[string]bool{"Y=mary": true, "Y=john": true}, canonSet(subs))

	// A's claims carry remote derivation edges whose digests resolve on B.
	raw, err := client(a).String(ctx, "query_claims", qid)
	require.NoError(t, err)
	cs, err := wire.UnmarshalClaims(raw)
	require.NoError(t, err)
	require.NotEmpty(t, cs)
	bIDs := make(map[string]bool)
	for _, c := range b.Claims.All() {
		bIDs[c.ID] = true
	}
	for _, c := range cs {
		assert.Equal(t, b.ID, c.Edge.Peer)
		assert.True(t, bIDs[c.Edge.RemoteDigest],
			"remote digest %s resolves on the provider", c.Edge.RemoteDigest)
	}
}

func TestOffersProbe(t *testing.T) {
	a := startNode(t, "", "")
	b := startNode(t, ancestorRules, "")
	ctx := context.Background()
	_, err := client(a).Call(ctx, "connect", "127.0.0.1", b.Port())
	require.NoError(t, err)

	ok, err := client(b).Bool(ctx, "offers", "ancestor/2")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = client(b).Bool(ctx, "offers", "nothing/9")
	require.NoError(t, err)
	assert.False(t, ok)
}

// TestFileWrapperAcrossPeers uploads a document on one node and runs a
// file-backed process wrapper registered only on the other: the provider
// pulls the blob, runs the tool, and the produced reference is retrievable
// from the requesting node.
func TestFileWrapperAcrossPeers(t *testing.T) {
	wrapDir := t.TempDir()
	decl := `[wrapper]
predicate = copyfile
args      = +file, -file
command   = cp {1} {2}
`
	require.NoError(t, os.WriteFile(filepath.Join(wrapDir, "copyfile.wrapper"), []byte(decl), 0o644))

	a := startNode(t, "", "")
	b := startNode(t, "", wrapDir)
	ctx := context.Background()

	_, err := client(a).Call(ctx, "connect", "127.0.0.1", b.Port())
	require.NoError(t, err)

	body := []byte("document body\n")
	refJSON, err := client(a).String(ctx, "put_file", body, "doc.txt")
	require.NoError(t, err)
	ref, err := wire.UnmarshalLiteral(`{"__Lit":{"pred":"wrap","args":[` + refJSON + `]}}`)
	require.NoError(t, err)
	fileRef := ref.Args[0].(term.FileRef)

	goal := term.Literal{Pred: "copyfile", Args: []term.Term{fileRef, term.Var{Name: "Out"}}}
	_, subs := runQuery(t, client(a), goal.String())
	require.Len(t, subs, 1)
	out, ok := subs[0]["Out"].(term.FileRef)
	require.True(t, ok, "output bound to a file reference")

	raw, err := client(a).Call(ctx, "get_file", `{"file":"`+out.Path+`","sha1":"`+out.SHA1+`"}`)
	require.NoError(t, err)
	assert.Equal(t, body, raw, "copied bytes retrievable from the requesting node")
}

// TestTunnelledConnect drives the tunnel rewriter with a loopback relay:
// the local port of the tunnel is the peer's real port, so the rewritten
// addresses stay reachable while exercising the rewrite path.
func TestTunnelledConnect(t *testing.T) {
	a := startNode(t, "", "")
	b := startNode(t, ancestorRules, "")
	ctx := context.Background()

	_, err := client(a).Call(ctx, "tunnel", b.Port(), a.Port())
	require.NoError(t, err)
	_, err = client(a).Call(ctx, "connect", "127.0.0.1", b.Port())
	require.NoError(t, err)

	peers := a.Fabric.Peers()
	require.Len(t, peers, 1)
	assert.Equal(t, b.Port(), peers[0].DialPort, "outbound dials go through the tunnel port")

	_, subs := runQuery(t, client(a), "ancestor(bill, Y)")
	assert.Equal(t, map[string]bool{"Y=mary": true, "Y=john": true}, canonSet(subs))
}

func TestClaimsAgreeAcrossNodes(t *testing.T) {
	a := startNode(t, "", "")
	b := startNode(t, ancestorRules, "")
	ctx := context.Background()
	_, err := client(a).Call(ctx, "connect", "127.0.0.1", b.Port())
	require.NoError(t, err)

	_, subsA := runQuery(t, client(a), "ancestor(bill, Y)")
	_, subsB := runQuery(t, client(b), "ancestor(bill, Y)")
	assert.Equal(t, canonSet(subsB), canonSet(subsA),
		"the same query produces the same answers regardless of the receiving node")
}

func TestLsOverRPC(t *testing.T) {
	n := startNode(t, "", "")
	ctx := context.Background()
	_, err := client(n).String(ctx, "put_file", []byte("x"), "tracked.txt")
	require.NoError(t, err)
	raw, err := client(n).String(ctx, "ls", ".")
	require.NoError(t, err)
	assert.Contains(t, raw, "untracked")
}

func TestRuleFileHotReload(t *testing.T) {
	n := startNode(t, `p(a).`, "")
	rf := n.cfg.RuleFiles[0]

	_, subs := runQuery(t, client(n), "p(X)")
	require.Len(t, subs, 1)

	require.NoError(t, os.WriteFile(rf, []byte("p(a).\np(b).\n"), 0o644))
	require.Eventually(t, func() bool {
		return n.Rules.Len() == 2
	}, 5*time.Second, 20*time.Millisecond, "watcher reloads the rule file")
}

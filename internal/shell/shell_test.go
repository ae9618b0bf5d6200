package shell_test

import (
	"bytes"
	"context"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SRI-CSL/etb/internal/config"
	"github.com/SRI-CSL/etb/internal/node"
	"github.com/SRI-CSL/etb/internal/shell"
)

func startNode(t *testing.T, ruleSrc string) *node.Node {
	t.Helper()
	workDir := t.TempDir()
	cfg := config.Default()
	cfg.Host = "127.0.0.1"
	cfg.Port = 0
	cfg.WorkDir = workDir
	cfg.Log = ""
	if ruleSrc != "" {
		rf := filepath.Join(workDir, "rules.etb")
		require.NoError(t, os.WriteFile(rf, []byte(ruleSrc), 0o644))
		cfg.RuleFiles = []string{rf}
	}
	n, err := node.New(cfg, nil)
	require.NoError(t, err)
	require.NoError(t, n.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		n.Shutdown(ctx)
	})
	return n
}

func TestEvalQueryFlow(t *testing.T) {
	n := startNode(t, "parent(bill, mary).")
	sh := shell.New("127.0.0.1", n.Port(), nil)

	qid, err := sh.Eval("query parent(bill, X)")
	require.NoError(t, err)
	require.NotEmpty(t, qid)

	out, err := sh.Eval("query_wait " + qid)
	require.NoError(t, err)
	assert.Equal(t, "done", out)

	out, err = sh.Eval("query_done " + qid)
	require.NoError(t, err)
	assert.Equal(t, "true", out)

	out, err = sh.Eval("query_answers " + qid)
	require.NoError(t, err)
	assert.Contains(t, out, "mary")
}

func TestVariableBinding(t *testing.T) {
	n := startNode(t, "parent(bill, mary).")
	sh := shell.New("127.0.0.1", n.Port(), nil)

	_, err := sh.Eval("q = query parent(bill, X)")
	require.NoError(t, err)
	out, err := sh.Eval("query_wait $q")
	require.NoError(t, err)
	assert.Equal(t, "done", out)

	_, err = sh.Eval("query_answers $unbound")
	assert.Error(t, err)
}

func TestRunScript(t *testing.T) {
	n := startNode(t, "parent(bill, mary).")
	var out bytes.Buffer
	sh := shell.New("127.0.0.1", n.Port(), &out)

	script := `
# comment lines are skipped
q = query parent(bill, X)
query_wait $q
query_answers $q
`
	require.NoError(t, sh.RunScript(strings.NewReader(script)))
	assert.Contains(t, out.String(), "mary")
}

func TestScriptAbortsOnError(t *testing.T) {
	n := startNode(t, "")
	var out bytes.Buffer
	sh := shell.New("127.0.0.1", n.Port(), &out)
	err := sh.RunScript(strings.NewReader("bogus_command\nquery p(a)\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 1")
}

func TestUnknownCommand(t *testing.T) {
	sh := shell.New("127.0.0.1", freePort(t), nil)
	_, err := sh.Eval("frobnicate")
	assert.Error(t, err)
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

// Package shell implements the interactive client REPL and its batch mode.
// The shell speaks the client API only; every command maps onto one remote
// operation. Lines of the form `name = command ...` bind the command's
// result to a variable, referenced later as $name.
package shell

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/chzyer/readline"

	"github.com/SRI-CSL/etb/internal/xmlrpc"
)

// Shell is one client session against a node.
type Shell struct {
	client *xmlrpc.Client
	vars   map[string]string
	out    io.Writer
}

// New connects a shell to the node at host:port.
func New(host string, port int, out io.Writer) *Shell {
	if out == nil {
		out = os.Stdout
	}
	return &Shell{
		client: xmlrpc.NewClient(host, port),
		vars:   make(map[string]string),
		out:    out,
	}
}

// RunInteractive reads commands until EOF or `exit`.
func (s *Shell) RunInteractive() error {
	rl, err := readline.New("etb> ")
	if err != nil {
		return err
	}
	defer rl.Close()
	for {
		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			continue
		}
		if err != nil {
			return nil
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if line == "exit" || line == "quit" {
			return nil
		}
		result, err := s.Eval(line)
		if err != nil {
			fmt.Fprintf(s.out, "error: %v\n", err)
			continue
		}
		if result != "" {
			fmt.Fprintln(s.out, result)
		}
	}
}

// RunScript executes commands line by line; `#` and `%` start comments. The
// first failing command aborts the script.
func (s *Shell) RunScript(r io.Reader) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "%") {
			continue
		}
		result, err := s.Eval(line)
		if err != nil {
			return fmt.Errorf("line %d: %w", lineNo, err)
		}
		if result != "" {
			fmt.Fprintln(s.out, result)
		}
	}
	return scanner.Err()
}

// Eval runs one command line and returns its printable result.
func (s *Shell) Eval(line string) (string, error) {
	// Variable binding: name = command ...
	if i := strings.Index(line, "="); i > 0 {
		name := strings.TrimSpace(line[:i])
		if isIdent(name) {
			result, err := s.Eval(strings.TrimSpace(line[i+1:]))
			if err != nil {
				return "", err
			}
			s.vars[name] = result
			return "", nil
		}
	}

	fields := strings.Fields(line)
	cmd, args := fields[0], fields[1:]
	for i, a := range args {
		if strings.HasPrefix(a, "$") {
			v, ok := s.vars[a[1:]]
			if !ok {
				return "", fmt.Errorf("unbound variable %s", a)
			}
			args[i] = v
		}
	}
	ctx := context.Background()

	switch cmd {
	case "help":
		return helpText, nil
	case "put_file":
		if len(args) < 1 {
			return "", fmt.Errorf("usage: put_file <local-path> [dest-path]")
		}
		data, err := os.ReadFile(args[0])
		if err != nil {
			return "", err
		}
		dest := args[0]
		if len(args) > 1 {
			dest = args[1]
		}
		return s.client.String(ctx, "put_file", data, dest)
	case "get_file":
		if len(args) < 1 {
			return "", fmt.Errorf("usage: get_file <file-ref> [local-path]")
		}
		raw, err := s.client.Call(ctx, "get_file", args[0])
		if err != nil {
			return "", err
		}
		data, ok := raw.([]byte)
		if !ok {
			return "", fmt.Errorf("unexpected get_file result %T", raw)
		}
		if len(args) > 1 {
			return "", os.WriteFile(args[1], data, 0o644)
		}
		return string(data), nil
	case "ls":
		dir := "."
		if len(args) > 0 {
			dir = args[0]
		}
		return s.client.String(ctx, "ls", dir)
	case "query":
		if len(args) < 1 {
			return "", fmt.Errorf("usage: query <goal>")
		}
		return s.client.String(ctx, "query", strings.Join(args, " "))
	case "query_wait":
		if len(args) < 1 {
			return "", fmt.Errorf("usage: query_wait <query-id>")
		}
		if _, err := s.client.Call(ctx, "query_wait", args[0]); err != nil {
			return "", err
		}
		return "done", nil
	case "query_done":
		if len(args) < 1 {
			return "", fmt.Errorf("usage: query_done <query-id>")
		}
		done, err := s.client.Bool(ctx, "query_done", args[0])
		return strconv.FormatBool(done), err
	case "query_answers":
		if len(args) < 1 {
			return "", fmt.Errorf("usage: query_answers <query-id>")
		}
		return s.client.String(ctx, "query_answers", args[0])
	case "query_claims":
		if len(args) < 1 {
			return "", fmt.Errorf("usage: query_claims <query-id>")
		}
		return s.client.String(ctx, "query_claims", args[0])
	case "query_close":
		if len(args) < 1 {
			return "", fmt.Errorf("usage: query_close <query-id>")
		}
		_, err := s.client.Call(ctx, "query_close", args[0])
		return "", err
	case "claims":
		return s.client.String(ctx, "get_all_claims")
	case "active_queries", "done_queries":
		raw, err := s.client.Call(ctx, cmd)
		if err != nil {
			return "", err
		}
		ids, _ := raw.([]any)
		var b strings.Builder
		for _, id := range ids {
			fmt.Fprintf(&b, "%v\n", id)
		}
		return strings.TrimRight(b.String(), "\n"), nil
	case "connect":
		if len(args) < 2 {
			return "", fmt.Errorf("usage: connect <host> <port>")
		}
		port, err := strconv.Atoi(args[1])
		if err != nil {
			return "", fmt.Errorf("bad port %q", args[1])
		}
		if _, err := s.client.Call(ctx, "connect", args[0], port); err != nil {
			return "", err
		}
		return "connected", nil
	case "tunnel":
		if len(args) < 2 {
			return "", fmt.Errorf("usage: tunnel <local-port> <remote-port>")
		}
		lp, err := strconv.Atoi(args[0])
		if err != nil {
			return "", fmt.Errorf("bad port %q", args[0])
		}
		rp, err := strconv.Atoi(args[1])
		if err != nil {
			return "", fmt.Errorf("bad port %q", args[1])
		}
		if _, err := s.client.Call(ctx, "tunnel", lp, rp); err != nil {
			return "", err
		}
		return "tunnel installed", nil
	default:
		return "", fmt.Errorf("unknown command %q (try help)", cmd)
	}
}

func isIdent(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r == '_':
		case r >= '0' && r <= '9':
			if i == 0 {
				return false
			}
		default:
			return false
		}
	}
	return true
}

const helpText = `commands:
  put_file <path> [dest]      upload a file, prints its reference
  get_file <ref> [path]       download a blob
  ls [dir]                    list a directory against the mirror
  query <goal>                admit a query, prints its id
  query_wait <id>             block until the query completes
  query_done <id>             completion check
  query_answers <id>          answer substitutions
  query_claims <id>           claims derived for the query
  query_close <id>            cancel a query
  claims                      all claims on the node
  active_queries              running query ids
  done_queries                completed query ids
  connect <host> <port>       join the fabric at host:port
  tunnel <local> <remote>     install a tunnel rewrite rule
  name = <command>            bind a command's result to $name
  exit`

package wrapper

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/SRI-CSL/etb/internal/term"
	"gopkg.in/ini.v1"
)

// ExecWrapper runs an external command as a predicate. Wrappers are declared
// by `.wrapper` files in the wrappers directory:
//
//	[wrapper]
//	predicate = asciidoc
//	args      = +value, +file, -file
//	command   = asciidoc -b html5 -a {1} -o {3} {2}
//	timeout   = 60s
//
// A `{N}` placeholder names argument N (1-based). Value arguments substitute
// their text, bound file arguments the staged local path of their blob, and
// output (`-`) file arguments a fresh path in the per-goal workspace. After
// a zero exit status, each output file is stored and its reference bound.
type ExecWrapper struct {
	sig     Signature
	command string
	timeout time.Duration
}

// ParseSignatureArgs parses a comma-separated argument declaration such as
// "+value, +file, -file".
func ParseSignatureArgs(spec string) ([]Arg, error) {
	if strings.TrimSpace(spec) == "" {
		return nil, nil
	}
	parts := strings.Split(spec, ",")
	args := make([]Arg, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		var a Arg
		switch {
		case strings.HasPrefix(p, "+"):
			a.Mode, p = ModePlus, p[1:]
		case strings.HasPrefix(p, "-"):
			a.Mode, p = ModeMinus, p[1:]
		case strings.HasPrefix(p, "?"):
			a.Mode, p = ModeAny, p[1:]
		}
		switch p {
		case "value", "":
			a.Kind = KindValue
		case "file":
			a.Kind = KindFile
		case "files":
			a.Kind = KindFiles
		case "handle":
			a.Kind = KindHandle
		default:
			return nil, fmt.Errorf("unknown argument kind %q", p)
		}
		args = append(args, a)
	}
	return args, nil
}

// LoadDir reads every `.wrapper` declaration in dir.
func LoadDir(dir string) ([]*ExecWrapper, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []*ExecWrapper
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".wrapper" {
			continue
		}
		w, err := loadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("wrapper %s: %w", e.Name(), err)
		}
		out = append(out, w)
	}
	return out, nil
}

func loadFile(path string) (*ExecWrapper, error) {
	f, err := ini.Load(path)
	if err != nil {
		return nil, err
	}
	sec := f.Section("wrapper")
	pred := sec.Key("predicate").String()
	if pred == "" {
		return nil, fmt.Errorf("missing predicate")
	}
	args, err := ParseSignatureArgs(sec.Key("args").String())
	if err != nil {
		return nil, err
	}
	command := sec.Key("command").String()
	if command == "" {
		return nil, fmt.Errorf("missing command")
	}
	timeout := sec.Key("timeout").MustDuration(60 * time.Second)
	return &ExecWrapper{
		sig:     Signature{Pred: pred, Args: args},
		command: command,
		timeout: timeout,
	}, nil
}

// Signature implements Wrapper.
func (w *ExecWrapper) Signature() Signature { return w.sig }

// Resolve stages input blobs, runs the command in the per-goal workspace,
// and binds output file arguments to references of the produced files.
func (w *ExecWrapper) Resolve(ctx context.Context, c *Call) Outcome {
	if w.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.timeout)
		defer cancel()
	}

	argText := make([]string, len(w.sig.Args))
	outPaths := make(map[int]string) // arg index -> workspace path
	outVars := make(map[int]string)  // arg index -> variable name
	for i, a := range w.sig.Args {
		arg := c.Goal.Args[i]
		switch {
		case a.Kind == KindFile && a.Mode == ModeMinus:
			v, ok := arg.(term.Var)
			if !ok {
				return Errors(fmt.Sprintf("%s: argument %d must be a variable", w.sig.Pred, i+1))
			}
			path := filepath.Join(c.Workdir, fmt.Sprintf("out%d", i+1))
			outPaths[i] = path
			outVars[i] = v.Name
			argText[i] = path
		case a.Kind == KindFile:
			ref, ok := arg.(term.FileRef)
			if !ok {
				return Errors(fmt.Sprintf("%s: argument %d must be a file reference", w.sig.Pred, i+1))
			}
			data, err := c.Files.ReadBlob(ref)
			if err != nil {
				return Errors(fmt.Sprintf("%s: %v", w.sig.Pred, err))
			}
			path := filepath.Join(c.Workdir, filepath.Base(ref.Path))
			if err := os.WriteFile(path, data, 0o644); err != nil {
				return Errors(fmt.Sprintf("%s: stage %s: %v", w.sig.Pred, ref.Path, err))
			}
			argText[i] = path
		default:
			argText[i] = plainText(arg)
		}
	}

	argv := strings.Fields(w.command)
	for i, word := range argv {
		argv[i] = expandPlaceholders(word, argText)
	}
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = c.Workdir
	if outBytes, err := cmd.CombinedOutput(); err != nil {
		msg := strings.TrimSpace(string(outBytes))
		if msg == "" {
			msg = err.Error()
		}
		return Errors(fmt.Sprintf("%s: %s", w.sig.Pred, msg))
	}

	if len(outPaths) == 0 {
		return Success()
	}
	sub := make(term.Subst, len(outPaths))
	for i, path := range outPaths {
		data, err := os.ReadFile(path)
		if err != nil {
			return Errors(fmt.Sprintf("%s: missing output %d: %v", w.sig.Pred, i+1, err))
		}
		ref, err := c.Files.Put(data, filepath.Base(path))
		if err != nil {
			return Errors(fmt.Sprintf("%s: store output %d: %v", w.sig.Pred, i+1, err))
		}
		sub[outVars[i]] = ref
	}
	return Substitutions(sub)
}

func expandPlaceholders(word string, args []string) string {
	for i, a := range args {
		word = strings.ReplaceAll(word, "{"+strconv.Itoa(i+1)+"}", a)
	}
	return word
}

func plainText(t term.Term) string {
	switch x := t.(type) {
	case term.Str:
		return x.Value
	case term.Sym:
		return x.Name
	case term.Int:
		return strconv.FormatInt(x.Value, 10)
	case term.Bool:
		return strconv.FormatBool(x.Value)
	default:
		return t.String()
	}
}

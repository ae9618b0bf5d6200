// Package wrapper implements tool-backed predicates: the registry of
// wrappers, their mode/kind signatures, and the tagged outcome sum a wrapper
// returns to the engine.
package wrapper

import (
	"context"
	"fmt"
	"sync"

	"github.com/SRI-CSL/etb/internal/term"
)

// Mode constrains how an argument may be instantiated at call time.
type Mode int

const (
	ModeAny   Mode = iota
	ModePlus       // must be bound
	ModeMinus      // must be an unbound variable
)

func (m Mode) String() string {
	switch m {
	case ModePlus:
		return "+"
	case ModeMinus:
		return "-"
	default:
		return "?"
	}
}

// Kind tells the engine what an argument denotes, which drives file
// synchronisation and handle validity checks.
type Kind int

const (
	KindValue Kind = iota
	KindFile
	KindFiles
	KindHandle
)

func (k Kind) String() string {
	switch k {
	case KindFile:
		return "file"
	case KindFiles:
		return "files"
	case KindHandle:
		return "handle"
	default:
		return "value"
	}
}

// Arg is one argument position of a signature.
type Arg struct {
	Mode Mode
	Kind Kind
}

// Signature describes a wrapper predicate's argument constraints.
type Signature struct {
	Pred string
	Args []Arg
}

// Key returns the registry key "pred/arity".
func (s Signature) Key() string { return fmt.Sprintf("%s/%d", s.Pred, len(s.Args)) }

// Check validates lit against the signature's modes and returns a message per
// violated argument. Violations are reported, never panicked, so the engine
// can turn them into error claims.
func (s Signature) Check(lit term.Literal) []string {
	var msgs []string
	if len(lit.Args) != len(s.Args) {
		return []string{fmt.Sprintf("%s: arity %d, want %d", s.Pred, len(lit.Args), len(s.Args))}
	}
	for i, a := range s.Args {
		_, isVar := lit.Args[i].(term.Var)
		switch a.Mode {
		case ModePlus:
			if isVar {
				msgs = append(msgs, fmt.Sprintf("%s: argument %d must be bound", s.Pred, i+1))
			}
		case ModeMinus:
			if !isVar {
				msgs = append(msgs, fmt.Sprintf("%s: argument %d must be a variable", s.Pred, i+1))
			}
		}
		if a.Kind == KindFile && !isVar {
			if _, ok := lit.Args[i].(term.FileRef); !ok {
				msgs = append(msgs, fmt.Sprintf("%s: argument %d must be a file reference", s.Pred, i+1))
			}
		}
		if a.Kind == KindFiles && !isVar {
			l, ok := lit.Args[i].(term.List)
			if !ok {
				msgs = append(msgs, fmt.Sprintf("%s: argument %d must be a list of file references", s.Pred, i+1))
				continue
			}
			for _, it := range l.Items {
				if _, ok := it.(term.FileRef); !ok {
					msgs = append(msgs, fmt.Sprintf("%s: argument %d must contain only file references", s.Pred, i+1))
					break
				}
			}
		}
	}
	return msgs
}

// FileRefs returns the file references of every file/files-kind argument, so
// the engine can ensure their blobs are local before the wrapper runs.
func (s Signature) FileRefs(lit term.Literal) []term.FileRef {
	var refs []term.FileRef
	for i, a := range s.Args {
		if i >= len(lit.Args) {
			break
		}
		switch a.Kind {
		case KindFile:
			if r, ok := lit.Args[i].(term.FileRef); ok {
				refs = append(refs, r)
			}
		case KindFiles:
			if l, ok := lit.Args[i].(term.List); ok {
				for _, it := range l.Items {
					if r, ok := it.(term.FileRef); ok {
						refs = append(refs, r)
					}
				}
			}
		}
	}
	return refs
}

// OutcomeKind discriminates the wrapper outcome sum.
type OutcomeKind int

const (
	OutSuccess OutcomeKind = iota
	OutFailure
	OutSubstitutions
	OutQueries
	OutLemmata
	OutErrors
)

// Outcome is the result of resolving a wrapper call. Exactly the fields of
// the active kind are meaningful.
type Outcome struct {
	Kind    OutcomeKind
	Substs  []term.Subst
	Queries []term.Literal   // OutQueries: one subgoal list shared across Substs
	Lemmata [][]term.Literal // OutLemmata: parallel to Substs
	Errors  []string
}

// Success reports that the literal holds as given.
func Success() Outcome { return Outcome{Kind: OutSuccess} }

// Failure reports that the literal does not hold.
func Failure() Outcome { return Outcome{Kind: OutFailure} }

// Substitutions reports one answer per substitution; each must bind only
// output variables.
func Substitutions(subs ...term.Subst) Outcome {
	return Outcome{Kind: OutSubstitutions, Substs: subs}
}

// NewQueries asks the engine to add, for each substitution, the ephemeral
// rules σ(head) :- σ(q) for every q in queries.
func NewQueries(subs []term.Subst, queries []term.Literal) Outcome {
	return Outcome{Kind: OutQueries, Substs: subs, Queries: queries}
}

// Lemmata asks the engine to add, for each σᵢ with body listᵢ, the ephemeral
// rule σᵢ(head) :- σᵢ(bodyᵢ). Lengths of subs and bodies must match.
func Lemmata(subs []term.Subst, bodies [][]term.Literal) Outcome {
	return Outcome{Kind: OutLemmata, Substs: subs, Lemmata: bodies}
}

// Errors reports wrapper-level failure messages, surfaced as error claims.
func Errors(msgs ...string) Outcome { return Outcome{Kind: OutErrors, Errors: msgs} }

// Call carries a ground-checked wrapper invocation.
type Call struct {
	Goal    term.Literal
	Workdir string // per-goal workspace for process-backed wrappers
	Files   FileService
}

// FileService is the slice of the file store a wrapper may touch.
type FileService interface {
	ReadBlob(ref term.FileRef) ([]byte, error)
	Put(data []byte, destPath string) (term.FileRef, error)
}

// Wrapper is a tool-backed predicate.
type Wrapper interface {
	Signature() Signature
	Resolve(ctx context.Context, call *Call) Outcome
}

// Registry maps predicate keys to wrappers.
type Registry struct {
	mu       sync.RWMutex
	wrappers map[string]Wrapper
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{wrappers: make(map[string]Wrapper)}
}

// Register adds a wrapper; registering the same predicate twice is an error.
func (r *Registry) Register(w Wrapper) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := w.Signature().Key()
	if _, ok := r.wrappers[key]; ok {
		return fmt.Errorf("wrapper %s already registered", key)
	}
	r.wrappers[key] = w
	return nil
}

// Lookup returns the wrapper for pred/arity, if any.
func (r *Registry) Lookup(key string) (Wrapper, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.wrappers[key]
	return w, ok
}

// Keys returns every registered pred/arity, for predicate advertisement.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.wrappers))
	for k := range r.wrappers {
		out = append(out, k)
	}
	return out
}

// Func adapts a function and signature into a Wrapper.
type Func struct {
	Sig Signature
	Fn  func(ctx context.Context, call *Call) Outcome
}

func (f Func) Signature() Signature                         { return f.Sig }
func (f Func) Resolve(ctx context.Context, c *Call) Outcome { return f.Fn(ctx, c) }

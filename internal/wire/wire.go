// Package wire defines the JSON encoding of terms, substitutions, and claims
// exchanged over the remote surface. Structured payloads travel as JSON
// strings inside XML-RPC strings, discriminated by reserved object tags:
// {"__Var": name}, {"__Sym": name}, {"__Lit": ...}, {"__Subst": [[var,
// value], ...]}, {"__Claim": ...}. File references are {"file": path,
// "sha1": hex}.
package wire

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"

	"github.com/SRI-CSL/etb/internal/claims"
	"github.com/SRI-CSL/etb/internal/term"
)

// EncodeTerm converts a term to its JSON-ready representation.
func EncodeTerm(t term.Term) any {
	switch x := t.(type) {
	case term.Var:
		return map[string]any{"__Var": x.Name}
	case term.Sym:
		return map[string]any{"__Sym": x.Name}
	case term.Str:
		return x.Value
	case term.Int:
		return x.Value
	case term.Bool:
		return x.Value
	case term.FileRef:
		return map[string]any{"file": x.Path, "sha1": x.SHA1}
	case term.List:
		items := make([]any, len(x.Items))
		for i, it := range x.Items {
			items[i] = EncodeTerm(it)
		}
		return items
	case term.Compound:
		args := make([]any, len(x.Args))
		for i, a := range x.Args {
			args[i] = EncodeTerm(a)
		}
		return map[string]any{"__Lit": map[string]any{"pred": x.Functor, "args": args}}
	}
	return nil
}

// DecodeTerm converts a decoded JSON value back into a term.
func DecodeTerm(v any) (term.Term, error) {
	switch x := v.(type) {
	case string:
		return term.Str{Value: x}, nil
	case bool:
		return term.Bool{Value: x}, nil
	case float64:
		if x != math.Trunc(x) {
			return nil, fmt.Errorf("wire: non-integer number %v", x)
		}
		return term.Int{Value: int64(x)}, nil
	case json.Number:
		n, err := x.Int64()
		if err != nil {
			return nil, fmt.Errorf("wire: bad number %q", x)
		}
		return term.Int{Value: n}, nil
	case []any:
		items := make([]term.Term, len(x))
		for i, it := range x {
			t, err := DecodeTerm(it)
			if err != nil {
				return nil, err
			}
			items[i] = t
		}
		return term.List{Items: items}, nil
	case map[string]any:
		if name, ok := x["__Var"].(string); ok {
			return term.Var{Name: name}, nil
		}
		if name, ok := x["__Sym"].(string); ok {
			return term.Sym{Name: name}, nil
		}
		if lit, ok := x["__Lit"]; ok {
			l, err := decodeLiteral(lit)
			if err != nil {
				return nil, err
			}
			return term.Compound{Functor: l.Pred, Args: l.Args}, nil
		}
		path, okP := x["file"].(string)
		hash, okH := x["sha1"].(string)
		if okP && okH {
			return term.FileRef{Path: path, SHA1: hash}, nil
		}
		return nil, fmt.Errorf("wire: unrecognised object %v", x)
	}
	return nil, fmt.Errorf("wire: unrecognised value %T", v)
}

func encodeLiteral(l term.Literal) any {
	return EncodeTerm(term.Compound{Functor: l.Pred, Args: l.Args})
}

func decodeLiteral(v any) (term.Literal, error) {
	m, ok := v.(map[string]any)
	if !ok {
		return term.Literal{}, fmt.Errorf("wire: literal is not an object")
	}
	pred, ok := m["pred"].(string)
	if !ok {
		return term.Literal{}, fmt.Errorf("wire: literal missing pred")
	}
	rawArgs, _ := m["args"].([]any)
	args := make([]term.Term, len(rawArgs))
	for i, a := range rawArgs {
		t, err := DecodeTerm(a)
		if err != nil {
			return term.Literal{}, err
		}
		args[i] = t
	}
	return term.Literal{Pred: pred, Args: args}, nil
}

// MarshalLiteral encodes a literal as a JSON string.
func MarshalLiteral(l term.Literal) (string, error) {
	b, err := json.Marshal(encodeLiteral(l))
	return string(b), err
}

// UnmarshalLiteral decodes a literal from its JSON string form.
func UnmarshalLiteral(s string) (term.Literal, error) {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return term.Literal{}, err
	}
	m, ok := v.(map[string]any)
	if !ok {
		return term.Literal{}, fmt.Errorf("wire: literal is not an object")
	}
	return decodeLiteral(m["__Lit"])
}

func encodeSubst(s term.Subst) any {
	pairs := make([][2]any, 0, len(s))
	for _, v := range sortedVars(s) {
		pairs = append(pairs, [2]any{v, EncodeTerm(s[v])})
	}
	return map[string]any{"__Subst": pairs}
}

func sortedVars(s term.Subst) []string {
	out := make([]string, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func decodeSubst(v any) (term.Subst, error) {
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("wire: substitution is not an object")
	}
	pairs, ok := m["__Subst"].([]any)
	if !ok {
		return nil, fmt.Errorf("wire: missing __Subst tag")
	}
	s := make(term.Subst, len(pairs))
	for _, p := range pairs {
		pair, ok := p.([]any)
		if !ok || len(pair) != 2 {
			return nil, fmt.Errorf("wire: bad binding %v", p)
		}
		name, ok := pair[0].(string)
		if !ok {
			return nil, fmt.Errorf("wire: binding variable is not a string")
		}
		t, err := DecodeTerm(pair[1])
		if err != nil {
			return nil, err
		}
		s[name] = t
	}
	return s, nil
}

// MarshalSubst encodes one substitution as a JSON string.
func MarshalSubst(s term.Subst) (string, error) {
	b, err := json.Marshal(encodeSubst(s))
	return string(b), err
}

// UnmarshalSubst decodes one substitution.
func UnmarshalSubst(s string) (term.Subst, error) {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil, err
	}
	return decodeSubst(v)
}

// MarshalSubsts encodes a substitution list as a JSON string.
func MarshalSubsts(subs []term.Subst) (string, error) {
	arr := make([]any, len(subs))
	for i, s := range subs {
		arr[i] = encodeSubst(s)
	}
	b, err := json.Marshal(arr)
	return string(b), err
}

// UnmarshalSubsts decodes a substitution list.
func UnmarshalSubsts(s string) ([]term.Subst, error) {
	var raw []any
	if err := json.Unmarshal([]byte(s), &raw); err != nil {
		return nil, err
	}
	out := make([]term.Subst, len(raw))
	for i, v := range raw {
		sub, err := decodeSubst(v)
		if err != nil {
			return nil, err
		}
		out[i] = sub
	}
	return out, nil
}

func encodeClaim(c *claims.Claim) any {
	body := map[string]any{
		"id":   c.ID,
		"lit":  encodeLiteral(c.Lit),
		"kind": c.Edge.Kind.String(),
	}
	switch c.Edge.Kind {
	case claims.EdgeFact:
		body["rule"] = c.Edge.RuleID
	case claims.EdgeWrapper:
		body["wrapper"] = c.Edge.Wrapper
		body["args"] = c.Edge.ArgsDigest
	case claims.EdgeRuleInstance:
		body["rule"] = c.Edge.RuleID
		body["children"] = c.Edge.Children
	case claims.EdgeRemote:
		body["peer"] = c.Edge.Peer
		body["digest"] = c.Edge.RemoteDigest
	}
	return map[string]any{"__Claim": body}
}

func decodeClaim(v any) (*claims.Claim, error) {
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("wire: claim is not an object")
	}
	body, ok := m["__Claim"].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("wire: missing __Claim tag")
	}
	litWrap, ok := body["lit"].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("wire: claim missing literal")
	}
	lit, err := decodeLiteral(litWrap["__Lit"])
	if err != nil {
		return nil, err
	}
	c := &claims.Claim{Lit: lit}
	c.ID, _ = body["id"].(string)
	switch body["kind"] {
	case "fact":
		c.Edge.Kind = claims.EdgeFact
		c.Edge.RuleID, _ = body["rule"].(string)
	case "wrapper":
		c.Edge.Kind = claims.EdgeWrapper
		c.Edge.Wrapper, _ = body["wrapper"].(string)
		c.Edge.ArgsDigest, _ = body["args"].(string)
	case "rule":
		c.Edge.Kind = claims.EdgeRuleInstance
		c.Edge.RuleID, _ = body["rule"].(string)
		if kids, ok := body["children"].([]any); ok {
			for _, k := range kids {
				if s, ok := k.(string); ok {
					c.Edge.Children = append(c.Edge.Children, s)
				}
			}
		}
	case "remote":
		c.Edge.Kind = claims.EdgeRemote
		c.Edge.Peer, _ = body["peer"].(string)
		c.Edge.RemoteDigest, _ = body["digest"].(string)
	default:
		return nil, fmt.Errorf("wire: unknown edge kind %v", body["kind"])
	}
	return c, nil
}

// MarshalClaims encodes a claim list as a JSON string.
func MarshalClaims(cs []*claims.Claim) (string, error) {
	arr := make([]any, len(cs))
	for i, c := range cs {
		arr[i] = encodeClaim(c)
	}
	b, err := json.Marshal(arr)
	return string(b), err
}

// UnmarshalClaims decodes a claim list.
func UnmarshalClaims(s string) ([]*claims.Claim, error) {
	var raw []any
	if err := json.Unmarshal([]byte(s), &raw); err != nil {
		return nil, err
	}
	out := make([]*claims.Claim, len(raw))
	for i, v := range raw {
		c, err := decodeClaim(v)
		if err != nil {
			return nil, err
		}
		out[i] = c
	}
	return out, nil
}

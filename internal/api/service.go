// Package api exposes the node's remote surface: the XML-RPC operations
// invoked by clients and peers, the router that carries remote delegations
// over the fabric, and the peer-to-peer blob fetch path. Per-goal problems
// never fault an RPC; they surface as error claims. Only transport failures
// and parse errors of the top-level call reach the client as faults.
package api

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/SRI-CSL/etb/internal/engine"
	"github.com/SRI-CSL/etb/internal/fabric"
	"github.com/SRI-CSL/etb/internal/filestore"
	"github.com/SRI-CSL/etb/internal/term"
	"github.com/SRI-CSL/etb/internal/wire"
	"github.com/SRI-CSL/etb/internal/xmlrpc"
)

// Service wires the engine, file store, and fabric into the remote surface.
type Service struct {
	engine  *engine.Engine
	store   *filestore.Store
	fabric  *fabric.Fabric
	baseDir string // working directory for ls
	log     *zap.Logger
}

// New builds the service.
func New(eng *engine.Engine, store *filestore.Store, fab *fabric.Fabric, baseDir string, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{engine: eng, store: store, fabric: fab, baseDir: baseDir, log: log.Named("api")}
}

// Register installs every method on the dispatcher.
func (s *Service) Register(srv *xmlrpc.Server) {
	// Client surface.
	srv.Handle("put_file", s.putFile)
	srv.Handle("get_file", s.getFile)
	srv.Handle("ls", s.ls)
	srv.Handle("query", s.query)
	srv.Handle("query_wait", s.queryWait)
	srv.Handle("query_done", s.queryDone)
	srv.Handle("query_answers", s.queryAnswers)
	srv.Handle("query_claims", s.queryClaims)
	srv.Handle("query_close", s.queryClose)
	srv.Handle("get_all_claims", s.getAllClaims)
	srv.Handle("active_queries", s.activeQueries)
	srv.Handle("done_queries", s.doneQueries)
	srv.Handle("connect", s.connect)
	srv.Handle("tunnel", s.tunnel)
	// Peer surface.
	srv.Handle("ping", s.ping)
	srv.Handle("offers", s.offers)
	srv.Handle("remote_query", s.remoteQuery)
	srv.Handle("deliver_answer", s.deliverAnswer)
	srv.Handle("closed", s.closed)
	srv.Handle("advertise_peers", s.advertisePeers)
	srv.Handle("has_blob", s.hasBlob)
	srv.Handle("fetch_blob", s.fetchBlob)
}

func argString(args []any, i int, name string) (string, error) {
	if i >= len(args) {
		return "", fmt.Errorf("missing argument %s", name)
	}
	s, ok := args[i].(string)
	if !ok {
		return "", fmt.Errorf("argument %s must be a string, got %T", name, args[i])
	}
	return s, nil
}

func argInt(args []any, i int, name string) (int, error) {
	if i >= len(args) {
		return 0, fmt.Errorf("missing argument %s", name)
	}
	n, ok := args[i].(int64)
	if !ok {
		return 0, fmt.Errorf("argument %s must be an integer, got %T", name, args[i])
	}
	return int(n), nil
}

func argBytes(args []any, i int, name string) ([]byte, error) {
	if i >= len(args) {
		return nil, fmt.Errorf("missing argument %s", name)
	}
	switch x := args[i].(type) {
	case []byte:
		return x, nil
	case string:
		return []byte(x), nil
	}
	return nil, fmt.Errorf("argument %s must be base64 bytes, got %T", name, args[i])
}

func fileRefJSON(ref term.FileRef) (string, error) {
	b, err := json.Marshal(map[string]string{"file": ref.Path, "sha1": ref.SHA1})
	return string(b), err
}

func parseFileRef(s string) (term.FileRef, error) {
	var raw struct {
		File string `json:"file"`
		SHA1 string `json:"sha1"`
	}
	if err := json.Unmarshal([]byte(s), &raw); err != nil {
		return term.FileRef{}, fmt.Errorf("bad file reference: %w", err)
	}
	if raw.SHA1 == "" {
		return term.FileRef{}, fmt.Errorf("file reference missing sha1")
	}
	return term.FileRef{Path: raw.File, SHA1: raw.SHA1}, nil
}

func (s *Service) putFile(args []any) (any, error) {
	data, err := argBytes(args, 0, "bytes")
	if err != nil {
		return nil, err
	}
	dest, err := argString(args, 1, "destPath")
	if err != nil {
		return nil, err
	}
	ref, err := s.store.Put(data, dest)
	if err != nil {
		return nil, err
	}
	return fileRefJSON(ref)
}

func (s *Service) getFile(args []any) (any, error) {
	refStr, err := argString(args, 0, "fileRef")
	if err != nil {
		return nil, err
	}
	ref, err := parseFileRef(refStr)
	if err != nil {
		return nil, err
	}
	data, err := s.store.Get(context.Background(), ref)
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (s *Service) ls(args []any) (any, error) {
	dir, err := argString(args, 0, "dir")
	if err != nil {
		return nil, err
	}
	listing, err := s.store.Ls(s.baseDir, dir)
	if err != nil {
		return nil, err
	}
	b, err := json.Marshal(map[string][]string{
		"dirs":      listing.Dirs,
		"in_sync":   listing.InSync,
		"outdated":  listing.Outdated,
		"untracked": listing.Untracked,
	})
	return string(b), err
}

func (s *Service) query(args []any) (any, error) {
	goalString, err := argString(args, 0, "goal")
	if err != nil {
		return nil, err
	}
	q, err := s.engine.Admit(goalString, s.fabric.SelfID())
	if err != nil {
		return nil, err
	}
	return q.ID, nil
}

func (s *Service) queryWait(args []any) (any, error) {
	id, err := argString(args, 0, "queryId")
	if err != nil {
		return nil, err
	}
	if err := s.engine.Wait(context.Background(), id); err != nil {
		return nil, err
	}
	return true, nil
}

func (s *Service) queryDone(args []any) (any, error) {
	id, err := argString(args, 0, "queryId")
	if err != nil {
		return nil, err
	}
	return s.engine.IsDone(id)
}

func (s *Service) queryAnswers(args []any) (any, error) {
	id, err := argString(args, 0, "queryId")
	if err != nil {
		return nil, err
	}
	subs, err := s.engine.Answers(id)
	if err != nil {
		return nil, err
	}
	return wire.MarshalSubsts(subs)
}

func (s *Service) queryClaims(args []any) (any, error) {
	id, err := argString(args, 0, "queryId")
	if err != nil {
		return nil, err
	}
	if _, ok := s.engine.Get(id); !ok {
		return nil, fmt.Errorf("unknown query %s", id)
	}
	return wire.MarshalClaims(s.engine.Claims().ByQuery(id))
}

func (s *Service) queryClose(args []any) (any, error) {
	id, err := argString(args, 0, "queryId")
	if err != nil {
		return nil, err
	}
	if err := s.engine.Close(id); err != nil {
		return nil, err
	}
	return true, nil
}

func (s *Service) getAllClaims(_ []any) (any, error) {
	return wire.MarshalClaims(s.engine.Claims().All())
}

func (s *Service) activeQueries(_ []any) (any, error) {
	return toAnySlice(s.engine.Active()), nil
}

func (s *Service) doneQueries(_ []any) (any, error) {
	return toAnySlice(s.engine.Completed()), nil
}

func toAnySlice(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

func (s *Service) connect(args []any) (any, error) {
	host, err := argString(args, 0, "host")
	if err != nil {
		return nil, err
	}
	port, err := argInt(args, 1, "port")
	if err != nil {
		return nil, err
	}
	ctx := context.Background()
	if err := s.fabric.Connect(ctx, host, port); err != nil {
		return nil, err
	}
	s.fabric.Advertise(ctx, s.engine.Advertisement())
	return true, nil
}

func (s *Service) tunnel(args []any) (any, error) {
	localPort, err := argInt(args, 0, "localPort")
	if err != nil {
		return nil, err
	}
	remotePort, err := argInt(args, 1, "remotePort")
	if err != nil {
		return nil, err
	}
	s.fabric.AddTunnel(localPort, remotePort)
	return true, nil
}

func (s *Service) ping(_ []any) (any, error) {
	return "pong", nil
}

func (s *Service) offers(args []any) (any, error) {
	key, err := argString(args, 0, "predicate")
	if err != nil {
		return nil, err
	}
	return s.engine.Offers(key), nil
}

// remoteQuery admits a delegated literal as a local root goal and streams
// its answers back to the requester.
func (s *Service) remoteQuery(args []any) (any, error) {
	litJSON, err := argString(args, 0, "literal")
	if err != nil {
		return nil, err
	}
	corr, err := argString(args, 1, "correlationId")
	if err != nil {
		return nil, err
	}
	requester, err := argString(args, 2, "requester")
	if err != nil {
		return nil, err
	}
	lit, err := wire.UnmarshalLiteral(litJSON)
	if err != nil {
		return nil, err
	}
	if _, ok := s.engine.Get(corr); ok {
		// Retried delegation; the original admission and subscription stand.
		return true, nil
	}
	if _, err := s.engine.AdmitLiteral(lit, requester, corr); err != nil {
		return nil, err
	}
	err = s.engine.Subscribe(corr,
		func(sub term.Subst, claimID string) { s.pushAnswer(requester, corr, sub, claimID) },
		func() { s.pushClosed(requester, corr) },
	)
	if err != nil {
		return nil, err
	}
	return true, nil
}

func (s *Service) pushAnswer(requester, corr string, sub term.Subst, claimID string) {
	client, err := s.fabric.Client(requester)
	if err != nil {
		s.log.Warn("cannot deliver answer", zap.String("peer", requester), zap.Error(err))
		return
	}
	payload, err := wire.MarshalSubst(sub)
	if err != nil {
		s.log.Error("cannot encode answer", zap.Error(err))
		return
	}
	if _, err := client.Call(context.Background(), "deliver_answer", corr, payload, claimID); err != nil {
		s.log.Warn("deliver_answer failed", zap.String("peer", requester), zap.Error(err))
		s.fabric.MarkUnreachable(requester)
	}
}

func (s *Service) pushClosed(requester, corr string) {
	client, err := s.fabric.Client(requester)
	if err != nil {
		return
	}
	if _, err := client.Call(context.Background(), "closed", corr); err != nil {
		s.log.Warn("closed notification failed", zap.String("peer", requester), zap.Error(err))
	}
}

func (s *Service) deliverAnswer(args []any) (any, error) {
	corr, err := argString(args, 0, "correlationId")
	if err != nil {
		return nil, err
	}
	payload, err := argString(args, 1, "substitution")
	if err != nil {
		return nil, err
	}
	digest, err := argString(args, 2, "claimDigest")
	if err != nil {
		return nil, err
	}
	sub, err := wire.UnmarshalSubst(payload)
	if err != nil {
		return nil, err
	}
	if err := s.engine.DeliverRemoteAnswer(corr, sub, digest); err != nil {
		return nil, err
	}
	return true, nil
}

func (s *Service) closed(args []any) (any, error) {
	corr, err := argString(args, 0, "correlationId")
	if err != nil {
		return nil, err
	}
	s.engine.RemoteClosed(corr)
	return true, nil
}

func (s *Service) advertisePeers(args []any) (any, error) {
	payload, err := argString(args, 0, "peers")
	if err != nil {
		return nil, err
	}
	return s.fabric.HandleAdvertise(context.Background(), payload)
}

func (s *Service) hasBlob(args []any) (any, error) {
	hash, err := argString(args, 0, "sha1")
	if err != nil {
		return nil, err
	}
	return s.store.Has(hash), nil
}

func (s *Service) fetchBlob(args []any) (any, error) {
	hash, err := argString(args, 0, "sha1")
	if err != nil {
		return nil, err
	}
	data, err := s.store.ReadBlob(term.FileRef{Path: hash, SHA1: hash})
	if err != nil {
		return nil, err
	}
	return data, nil
}

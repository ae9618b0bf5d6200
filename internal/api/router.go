package api

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/SRI-CSL/etb/internal/fabric"
	"github.com/SRI-CSL/etb/internal/term"
	"github.com/SRI-CSL/etb/internal/wire"
)

// Router carries remote delegations over the fabric. It implements
// engine.Router.
type Router struct {
	fabric *fabric.Fabric
	log    *zap.Logger
}

// NewRouter builds the engine's fabric router.
func NewRouter(fab *fabric.Fabric, log *zap.Logger) *Router {
	if log == nil {
		log = zap.NewNop()
	}
	return &Router{fabric: fab, log: log.Named("router")}
}

// FindProvider picks a reachable peer offering pred/arity, preferring
// advertised predicates and falling back to an offers probe.
func (r *Router) FindProvider(key string) (string, bool) {
	if peers := r.fabric.WhoOffers(key); len(peers) > 0 {
		return peers[0].ID, true
	}
	for _, p := range r.fabric.Peers() {
		if !p.Reachable {
			continue
		}
		client, err := r.fabric.Client(p.ID)
		if err != nil {
			continue
		}
		ok, err := client.Bool(context.Background(), "offers", key)
		if err != nil {
			r.log.Debug("offers probe failed", zap.String("peer", p.ID), zap.Error(err))
			continue
		}
		if ok {
			return p.ID, true
		}
	}
	return "", false
}

// RemoteQuery admits lit as a root goal on the peer under the correlation
// id; answers come back through deliver_answer and closed.
func (r *Router) RemoteQuery(ctx context.Context, peerID string, lit term.Literal, corr string) error {
	client, err := r.fabric.Client(peerID)
	if err != nil {
		return err
	}
	payload, err := wire.MarshalLiteral(lit)
	if err != nil {
		return err
	}
	ok, err := client.Bool(ctx, "remote_query", payload, corr, r.fabric.SelfID())
	if err != nil {
		r.fabric.MarkUnreachable(peerID)
		return err
	}
	if !ok {
		return fmt.Errorf("peer %s rejected delegation", peerID)
	}
	return nil
}

// CloseRemote tells the provider the delegation was cancelled.
func (r *Router) CloseRemote(peerID, corr string) {
	client, err := r.fabric.Client(peerID)
	if err != nil {
		return
	}
	if _, err := client.Call(context.Background(), "query_close", corr); err != nil {
		r.log.Debug("remote close failed", zap.String("peer", peerID), zap.Error(err))
	}
}

// BlobSource fetches blobs from fabric peers; it implements
// filestore.PeerSource. The first peer holding the hash wins.
type BlobSource struct {
	fabric *fabric.Fabric
	log    *zap.Logger
}

// NewBlobSource builds the cross-node blob fetch path.
func NewBlobSource(fab *fabric.Fabric, log *zap.Logger) *BlobSource {
	if log == nil {
		log = zap.NewNop()
	}
	return &BlobSource{fabric: fab, log: log.Named("blobs")}
}

// FetchBlob asks each reachable peer for the blob until one answers.
func (b *BlobSource) FetchBlob(ctx context.Context, sha1hex string) ([]byte, string, error) {
	for _, p := range b.fabric.Peers() {
		if !p.Reachable {
			continue
		}
		client, err := b.fabric.Client(p.ID)
		if err != nil {
			continue
		}
		has, err := client.Bool(ctx, "has_blob", sha1hex)
		if err != nil || !has {
			continue
		}
		raw, err := client.Call(ctx, "fetch_blob", sha1hex)
		if err != nil {
			b.log.Debug("blob fetch failed", zap.String("peer", p.ID), zap.Error(err))
			continue
		}
		data, ok := raw.([]byte)
		if !ok {
			continue
		}
		return data, p.ID, nil
	}
	return nil, "", fmt.Errorf("no reachable peer stores blob %s", sha1hex)
}

// Package fabric maintains the peer table: membership, health, predicate
// advertisements, and the tunnel rewriter that lets two fabrics communicate
// through a port-forwarding relay. Membership gossip is transitive, so a
// connected fabric converges to a full mesh.
package fabric

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/SRI-CSL/etb/internal/xmlrpc"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Peer is one row of the peer table.
type Peer struct {
	ID         string
	Host       string // advertised address
	Port       int
	DialHost   string // address actually dialled, after tunnel rewriting
	DialPort   int
	Predicates []string

	ReachableSince time.Time
	LastPing       time.Time
	Reachable      bool
}

// Addr returns the advertised address of the peer.
func (p *Peer) Addr() string { return fmt.Sprintf("%s:%d", p.Host, p.Port) }

// info is the wire form of a peer advertisement.
type info struct {
	ID    string   `json:"id"`
	Host  string   `json:"host"`
	Port  int      `json:"port"`
	Preds []string `json:"preds"`
}

// Tunnel is one address rewriting rule: outbound fabric traffic for peers
// learned through it dials localhost:LocalPort, and the local node advertises
// itself as reachable on RemotePort of the relay.
type Tunnel struct {
	LocalPort  int
	RemotePort int
}

// Fabric is the per-node membership state.
type Fabric struct {
	selfID   string
	selfHost string
	selfPort int
	log      *zap.Logger

	mu      sync.RWMutex
	peers   map[string]*Peer
	preds   []string // local predicate advertisements
	tunnels []Tunnel
	// viaTunnel records which tunnel (by local port) a peer was learned
	// through, so rewriting survives gossip rounds.
	viaTunnel map[string]int

	dial func(host string, port int) *xmlrpc.Client
}

// New creates the fabric state for a node listening on host:port.
func New(selfID, host string, port int, log *zap.Logger) *Fabric {
	if log == nil {
		log = zap.NewNop()
	}
	return &Fabric{
		selfID:    selfID,
		selfHost:  host,
		selfPort:  port,
		log:       log.Named("fabric"),
		peers:     make(map[string]*Peer),
		viaTunnel: make(map[string]int),
		dial:      xmlrpc.NewClient,
	}
}

// SelfID returns the node id.
func (f *Fabric) SelfID() string { return f.selfID }

// SetSelfAddr records the address the node actually bound, which differs
// from the configured one when port 0 was requested.
func (f *Fabric) SetSelfAddr(host string, port int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.selfHost = host
	f.selfPort = port
}

// SetDialer overrides the client constructor, for tests.
func (f *Fabric) SetDialer(dial func(host string, port int) *xmlrpc.Client) {
	f.dial = dial
}

// Advertise replaces the local predicate advertisement and gossips the
// change to every reachable peer.
func (f *Fabric) Advertise(ctx context.Context, preds []string) {
	sort.Strings(preds)
	f.mu.Lock()
	f.preds = preds
	f.mu.Unlock()
	f.gossip(ctx)
}

// LocalPredicates returns the current local advertisement.
func (f *Fabric) LocalPredicates() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return append([]string(nil), f.preds...)
}

func (f *Fabric) selfInfoFor(tunnelLocal int) info {
	f.mu.RLock()
	defer f.mu.RUnlock()
	self := info{ID: f.selfID, Host: f.selfHost, Port: f.selfPort, Preds: f.preds}
	if tunnelLocal != 0 {
		for _, t := range f.tunnels {
			if t.LocalPort == tunnelLocal {
				// The far side reaches us through its end of the relay.
				self.Host = "127.0.0.1"
				self.Port = t.RemotePort
			}
		}
	}
	return self
}

func (f *Fabric) table() []info {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]info, 0, len(f.peers))
	for _, p := range f.peers {
		out = append(out, info{ID: p.ID, Host: p.Host, Port: p.Port, Preds: p.Predicates})
	}
	return out
}

// AddTunnel installs a tunnel rewrite rule.
func (f *Fabric) AddTunnel(localPort, remotePort int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tunnels = append(f.tunnels, Tunnel{LocalPort: localPort, RemotePort: remotePort})
	f.log.Info("tunnel installed",
		zap.Int("local_port", localPort), zap.Int("remote_port", remotePort))
}

func (f *Fabric) tunnelFor(port int) (Tunnel, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, t := range f.tunnels {
		if t.LocalPort == port {
			return t, true
		}
	}
	return Tunnel{}, false
}

// Connect dials host:port, exchanges peer tables, then symmetrically
// contacts every newly learned peer. If a tunnel is installed on port, all
// peers learned through the call are rewritten to dial it.
func (f *Fabric) Connect(ctx context.Context, host string, port int) error {
	tunnelLocal := 0
	if _, ok := f.tunnelFor(port); ok {
		tunnelLocal = port
	}
	self := f.selfInfoFor(tunnelLocal)
	payload, err := json.Marshal(struct {
		Self  info   `json:"self"`
		Peers []info `json:"peers"`
	}{self, f.table()})
	if err != nil {
		return err
	}
	client := f.dial(host, port)
	raw, err := client.String(ctx, "advertise_peers", string(payload))
	if err != nil {
		return fmt.Errorf("connect %s:%d: %w", host, port, err)
	}
	var theirs struct {
		Self  info   `json:"self"`
		Peers []info `json:"peers"`
	}
	if err := json.Unmarshal([]byte(raw), &theirs); err != nil {
		return fmt.Errorf("connect %s:%d: bad handshake payload: %w", host, port, err)
	}

	fresh := f.merge(append(theirs.Peers, theirs.Self), tunnelLocal, host, port, theirs.Self.ID)
	// Contact each newly learned peer so the mesh closes transitively.
	g, gctx := errgroup.WithContext(ctx)
	for _, p := range fresh {
		if p.ID == theirs.Self.ID {
			continue
		}
		p := p
		g.Go(func() error {
			if err := f.Connect(gctx, p.DialHost, p.DialPort); err != nil {
				f.log.Warn("transitive connect failed",
					zap.String("peer", p.ID), zap.Error(err))
			}
			return nil
		})
	}
	return g.Wait()
}

// HandleAdvertise processes an inbound handshake or gossip payload and
// returns our own. This is the peer-only advertise_peers method.
func (f *Fabric) HandleAdvertise(ctx context.Context, payload string) (string, error) {
	var theirs struct {
		Self  info   `json:"self"`
		Peers []info `json:"peers"`
	}
	if err := json.Unmarshal([]byte(payload), &theirs); err != nil {
		return "", fmt.Errorf("bad advertisement: %w", err)
	}
	// Inbound rewrite: if the sender says it is reachable on a local relay
	// port, everything it relays is reached the same way.
	tunnelLocal := 0
	if theirs.Self.Host == "127.0.0.1" || theirs.Self.Host == "localhost" {
		if _, ok := f.tunnelFor(theirs.Self.Port); ok {
			tunnelLocal = theirs.Self.Port
		}
	}
	f.merge(append(theirs.Peers, theirs.Self), tunnelLocal, theirs.Self.Host, theirs.Self.Port, theirs.Self.ID)
	resp, err := json.Marshal(struct {
		Self  info   `json:"self"`
		Peers []info `json:"peers"`
	}{f.selfInfoFor(tunnelLocal), f.table()})
	return string(resp), err
}

// merge folds advertised peers into the table and returns copies of the
// rows that were previously unknown. directID names the peer the
// advertisement came from; its dial address is the one the exchange
// actually used.
func (f *Fabric) merge(in []info, tunnelLocal int, directHost string, directPort int, directID string) []Peer {
	now := time.Now()
	f.mu.Lock()
	defer f.mu.Unlock()
	var freshRows []*Peer
	for _, i := range in {
		if i.ID == "" || i.ID == f.selfID {
			continue
		}
		p, known := f.peers[i.ID]
		if !known {
			p = &Peer{ID: i.ID, ReachableSince: now}
			f.peers[i.ID] = p
			freshRows = append(freshRows, p)
		}
		p.Host, p.Port = i.Host, i.Port
		p.DialHost, p.DialPort = i.Host, i.Port
		if i.ID == directID && directHost != "" {
			p.DialHost, p.DialPort = directHost, directPort
		}
		if tunnelLocal != 0 {
			f.viaTunnel[i.ID] = tunnelLocal
		}
		if local, ok := f.viaTunnel[i.ID]; ok {
			p.DialHost, p.DialPort = "127.0.0.1", local
		}
		if len(i.Preds) > 0 {
			p.Predicates = i.Preds
		}
		p.Reachable = true
		p.LastPing = now
	}
	fresh := make([]Peer, len(freshRows))
	for i, p := range freshRows {
		fresh[i] = *p
	}
	return fresh
}

// gossip pushes the current table to every reachable peer.
func (f *Fabric) gossip(ctx context.Context) {
	for _, p := range f.Peers() {
		if !p.Reachable {
			continue
		}
		tunnelLocal := 0
		f.mu.RLock()
		if local, ok := f.viaTunnel[p.ID]; ok {
			tunnelLocal = local
		}
		f.mu.RUnlock()
		payload, err := json.Marshal(struct {
			Self  info   `json:"self"`
			Peers []info `json:"peers"`
		}{f.selfInfoFor(tunnelLocal), f.table()})
		if err != nil {
			continue
		}
		client := f.dial(p.DialHost, p.DialPort)
		if _, err := client.String(ctx, "advertise_peers", string(payload)); err != nil {
			f.log.Debug("gossip failed", zap.String("peer", p.ID), zap.Error(err))
		}
	}
}

// Peers returns a snapshot of the peer table.
func (f *Fabric) Peers() []*Peer {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]*Peer, 0, len(f.peers))
	for _, p := range f.peers {
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Peer returns the table row for id.
func (f *Fabric) Peer(id string) (*Peer, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	p, ok := f.peers[id]
	if !ok {
		return nil, false
	}
	cp := *p
	return &cp, true
}

// MarkUnreachable records a failed exchange with the peer.
func (f *Fabric) MarkUnreachable(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.peers[id]; ok {
		p.Reachable = false
	}
}

// WhoOffers returns the reachable peers advertising pred/arity.
func (f *Fabric) WhoOffers(key string) []*Peer {
	var out []*Peer
	for _, p := range f.Peers() {
		if !p.Reachable {
			continue
		}
		for _, k := range p.Predicates {
			if k == key {
				out = append(out, p)
				break
			}
		}
	}
	return out
}

// Client returns an RPC client for the peer, honouring tunnel rewrites.
func (f *Fabric) Client(id string) (*xmlrpc.Client, error) {
	p, ok := f.Peer(id)
	if !ok {
		return nil, fmt.Errorf("unknown peer %s", id)
	}
	return f.dial(p.DialHost, p.DialPort), nil
}

// Ping probes every peer and updates reachability.
func (f *Fabric) Ping(ctx context.Context) {
	for _, p := range f.Peers() {
		client := f.dial(p.DialHost, p.DialPort)
		cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		_, err := client.String(cctx, "ping")
		cancel()
		f.mu.Lock()
		if row, ok := f.peers[p.ID]; ok {
			row.LastPing = time.Now()
			row.Reachable = err == nil
		}
		f.mu.Unlock()
		if err != nil {
			f.log.Debug("ping failed", zap.String("peer", p.ID), zap.Error(err))
		}
	}
}

// Run pings peers at the given interval until ctx is cancelled.
func (f *Fabric) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			f.Ping(ctx)
		}
	}
}

// String renders the peer table for the shell.
func (f *Fabric) String() string {
	var b strings.Builder
	for _, p := range f.Peers() {
		state := "up"
		if !p.Reachable {
			state = "down"
		}
		fmt.Fprintf(&b, "%s %s (%s) preds=%d\n", p.ID, p.Addr(), state, len(p.Predicates))
	}
	return b.String()
}

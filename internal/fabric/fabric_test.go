package fabric

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SRI-CSL/etb/internal/xmlrpc"
)

// serveFabric exposes a Fabric's peer surface over a real loopback listener
// and returns the fabric bound to that port.
func serveFabric(t *testing.T, id string, preds []string) *Fabric {
	t.Helper()
	srv := xmlrpc.NewServer(nil)
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	u, err := url.Parse(ts.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)

	f := New(id, "127.0.0.1", port, nil)
	f.Advertise(context.Background(), preds)
	srv.Handle("advertise_peers", func(args []any) (any, error) {
		payload, _ := args[0].(string)
		return f.HandleAdvertise(context.Background(), payload)
	})
	srv.Handle("ping", func([]any) (any, error) { return "pong", nil })
	return f
}

func TestConnectHandshake(t *testing.T) {
	a := serveFabric(t, "node-a", nil)
	b := serveFabric(t, "node-b", []string{"ancestor/2"})

	bPort := portOf(t, b)
	require.NoError(t, a.Connect(context.Background(), "127.0.0.1", bPort))

	require.Len(t, a.Peers(), 1)
	require.Len(t, b.Peers(), 1)
	assert.Equal(t, "node-b", a.Peers()[0].ID)
	assert.Equal(t, "node-a", b.Peers()[0].ID)

	offers := a.WhoOffers("ancestor/2")
	require.Len(t, offers, 1)
	assert.Equal(t, "node-b", offers[0].ID)
	assert.Empty(t, a.WhoOffers("nothing/1"))
}

func TestTransitiveClosure(t *testing.T) {
	a := serveFabric(t, "node-a", nil)
	b := serveFabric(t, "node-b", nil)
	c := serveFabric(t, "node-c", nil)

	require.NoError(t, b.Connect(context.Background(), "127.0.0.1", portOf(t, c)))
	require.NoError(t, a.Connect(context.Background(), "127.0.0.1", portOf(t, b)))

	assert.Len(t, a.Peers(), 2, "joining through b also yields c")
	assert.Len(t, c.Peers(), 2)
}

func TestHandleAdvertiseRejectsGarbage(t *testing.T) {
	f := New("node-x", "127.0.0.1", 1, nil)
	_, err := f.HandleAdvertise(context.Background(), "{not json")
	assert.Error(t, err)
}

func TestMergeKeepsPredicatesOnGossip(t *testing.T) {
	f := New("node-x", "127.0.0.1", 1, nil)
	payload, _ := json.Marshal(map[string]any{
		"self": map[string]any{"id": "node-y", "host": "10.0.0.2", "port": 99, "preds": []string{"p/1"}},
	})
	_, err := f.HandleAdvertise(context.Background(), string(payload))
	require.NoError(t, err)

	// A later advertisement without predicates does not erase them.
	payload, _ = json.Marshal(map[string]any{
		"self": map[string]any{"id": "node-y", "host": "10.0.0.2", "port": 99},
	})
	_, err = f.HandleAdvertise(context.Background(), string(payload))
	require.NoError(t, err)

	p, ok := f.Peer("node-y")
	require.True(t, ok)
	assert.Equal(t, []string{"p/1"}, p.Predicates)
}

func TestTunnelRewrite(t *testing.T) {
	f := New("node-x", "127.0.0.1", 1, nil)
	f.AddTunnel(4222, 5333)

	// A peer learned through the tunnelled exchange dials the local relay
	// port, whatever address it advertises.
	fresh := f.merge([]info{{ID: "node-far", Host: "10.9.9.9", Port: 7777}}, 4222, "127.0.0.1", 4222, "node-far")
	require.Len(t, fresh, 1)

	p, ok := f.Peer("node-far")
	require.True(t, ok)
	assert.Equal(t, "10.9.9.9", p.Host, "advertised address is preserved")
	assert.Equal(t, "127.0.0.1", p.DialHost)
	assert.Equal(t, 4222, p.DialPort, "outbound calls go through the tunnel")
}

func TestSelfAdvertUsesTunnelRemotePort(t *testing.T) {
	f := New("node-x", "10.0.0.1", 8888, nil)
	f.AddTunnel(4222, 5333)
	self := f.selfInfoFor(4222)
	assert.Equal(t, "127.0.0.1", self.Host)
	assert.Equal(t, 5333, self.Port, "the far side reaches us through its relay end")

	direct := f.selfInfoFor(0)
	assert.Equal(t, "10.0.0.1", direct.Host)
	assert.Equal(t, 8888, direct.Port)
}

func TestMarkUnreachable(t *testing.T) {
	f := New("node-x", "127.0.0.1", 1, nil)
	f.merge([]info{{ID: "node-y", Host: "10.0.0.2", Port: 99}}, 0, "", 0, "")
	f.MarkUnreachable("node-y")
	p, ok := f.Peer("node-y")
	require.True(t, ok)
	assert.False(t, p.Reachable)
	assert.Empty(t, f.WhoOffers("p/1"))
}

func portOf(t *testing.T, f *Fabric) int {
	t.Helper()
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.selfPort
}

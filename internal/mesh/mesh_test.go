package mesh

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jarvis-ops/jarvis/internal/errs"
)

func newTestMesh(t *testing.T, transport Transport, id, endpoint string) *Mesh {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	m := New(Config{
		Self:        Self{ID: id, Endpoint: endpoint, Capabilities: []string{"docker"}},
		Key:         priv,
		Transport:   transport,
		SendRetries: 1,
	})
	return m
}

func serveMesh(t *testing.T, ctx context.Context, m *Mesh, addr string) {
	t.Helper()
	errCh := make(chan error, 1)
	go func() { errCh <- m.Serve(ctx, addr, DiscoveryConfig{}) }()
	t.Cleanup(func() {
		select {
		case <-errCh:
		case <-time.After(time.Second):
		}
	})
}

func TestSendDeliversAuthenticatedMessage(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	transport := newFakeTransport()
	a := newTestMesh(t, transport, "node-a", "node-a:1")
	b := newTestMesh(t, transport, "node-b", "node-b:1")
	serveMesh(t, ctx, a, "node-a:1")
	serveMesh(t, ctx, b, "node-b:1")

	a.AddDiscoveredPeer(PeerRecord{ID: "node-b", Endpoint: "node-b:1"})

	inbound, unsubscribe := b.Subscribe(Filter{Kinds: []MessageKind{KindHeartbeat}})
	defer unsubscribe()

	payload, _ := json.Marshal(map[string]string{"status": "ok"})
	require.NoError(t, a.Send(ctx, "node-b", KindHeartbeat, payload))

	select {
	case msg := <-inbound:
		assert.Equal(t, "node-a", msg.PeerID)
		assert.Equal(t, KindHeartbeat, msg.Message.Kind)
		assert.Equal(t, "node-a", msg.Message.SenderID)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}

	// node-b should now have pinned node-a's identity as a trusted peer.
	require.Eventually(t, func() bool {
		peers := b.Discover()
		for _, p := range peers {
			if p.ID == "node-a" && p.TrustLevel == TrustTrusted {
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)
}

func TestSendToUnreachablePeerFailsAfterRetries(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	transport := newFakeTransport()
	a := newTestMesh(t, transport, "node-a", "node-a:1")
	a.AddDiscoveredPeer(PeerRecord{ID: "ghost", Endpoint: "nowhere:1"})

	err := a.Send(ctx, "ghost", KindHeartbeat, nil)
	require.Error(t, err)
	assert.Equal(t, errs.PeerUnreachable, errs.KindOf(err))
}

func TestBroadcastReachesAllKnownPeers(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	transport := newFakeTransport()
	a := newTestMesh(t, transport, "node-a", "node-a:1")
	b := newTestMesh(t, transport, "node-b", "node-b:1")
	c := newTestMesh(t, transport, "node-c", "node-c:1")
	serveMesh(t, ctx, a, "node-a:1")
	serveMesh(t, ctx, b, "node-b:1")
	serveMesh(t, ctx, c, "node-c:1")

	a.AddDiscoveredPeer(PeerRecord{ID: "node-b", Endpoint: "node-b:1"})
	a.AddDiscoveredPeer(PeerRecord{ID: "node-c", Endpoint: "node-c:1"})

	bInbound, bCancel := b.Subscribe(Filter{})
	defer bCancel()
	cInbound, cCancel := c.Subscribe(Filter{})
	defer cCancel()

	a.Broadcast(ctx, KindAlert, nil)

	for _, ch := range []<-chan Inbound{bInbound, cInbound} {
		select {
		case msg := <-ch:
			assert.Equal(t, KindAlert, msg.Message.Kind)
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for broadcast")
		}
	}
}

func TestDispatchDropsDuplicateSequence(t *testing.T) {
	m := New(Config{Self: Self{ID: "node-a"}, Key: mustKey(t), Transport: newFakeTransport()})

	inbound, cancel := m.Subscribe(Filter{})
	defer cancel()

	msg := Message{Kind: KindHeartbeat, SenderID: "peer-1", Seq: 1}
	m.dispatch("peer-1", msg)
	m.dispatch("peer-1", msg) // duplicate, must be dropped

	<-inbound
	select {
	case <-inbound:
		t.Fatal("duplicate message was delivered twice")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestFilterMatchesKindAndSender(t *testing.T) {
	f := Filter{Kinds: []MessageKind{KindAlert}, From: []string{"peer-1"}}
	assert.True(t, f.match("peer-1", Message{Kind: KindAlert}))
	assert.False(t, f.match("peer-2", Message{Kind: KindAlert}))
	assert.False(t, f.match("peer-1", Message{Kind: KindHeartbeat}))
}

func mustKey(t *testing.T) ed25519.PrivateKey {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	return priv
}

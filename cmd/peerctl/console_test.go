package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/carabina/PeerConnectivity/internal/core/domain"
	"github.com/carabina/PeerConnectivity/internal/core/services"
	"github.com/carabina/PeerConnectivity/internal/infrastructure/loopback"
	"github.com/carabina/PeerConnectivity/pkg/dispatch"
)

var (
	alice = domain.Peer{ID: "alice", DisplayName: "Alice"}
	bob   = domain.Peer{ID: "bob", DisplayName: "Bob"}
)

type terminal struct {
	console   *console
	manager   *services.PeerConnectionManager
	transport *loopback.Transport
	out       *bytes.Buffer
}

func newLoopback(t *testing.T) (*loopback.Network, *dispatch.Queue) {
	t.Helper()
	q := dispatch.NewQueue()
	t.Cleanup(q.Close)
	return loopback.NewNetwork(q, loopback.WithLogger(zaptest.NewLogger(t)), loopback.WithResourceDir(t.TempDir())), q
}

func open(t *testing.T, n *loopback.Network, peer domain.Peer, ct domain.PeerConnectionType) *terminal {
	t.Helper()
	transport, err := n.Join(peer)
	require.NoError(t, err)

	m, err := services.NewPeerConnectionManager(transport, "chat",
		services.WithConnectionType(ct),
		services.WithLogger(zaptest.NewLogger(t)),
	)
	require.NoError(t, err)

	out := &bytes.Buffer{}
	c := newConsole(m, out, time.Minute)
	c.prompts = func() []invitationPrompt {
		assistant := transport.AdvertiserAssistant()
		if assistant == nil {
			return nil
		}
		var prompts []invitationPrompt
		for _, p := range assistant.Prompts() {
			prompts = append(prompts, invitationPrompt{From: p.From, Accept: p.Accept, Decline: p.Decline})
		}
		return prompts
	}
	require.NoError(t, m.Start(nil))
	return &terminal{console: c, manager: m, transport: transport, out: out}
}

func connectedIDs(m *services.PeerConnectionManager) []domain.PeerID {
	var ids []domain.PeerID
	for _, p := range m.ConnectedPeers() {
		ids = append(ids, p.ID)
	}
	return ids
}

func TestConsole_AutomaticChat(t *testing.T) {
	n, q := newLoopback(t)
	a := open(t, n, alice, domain.Automatic)
	b := open(t, n, bob, domain.Automatic)
	q.Drain()

	assert.Contains(t, a.out.String(), "* started as Alice(alice)")
	assert.Contains(t, a.out.String(), "is connected")

	require.NoError(t, a.console.Execute("hello there"))
	require.NoError(t, a.console.Execute("/data raw"))
	q.Drain()

	assert.Contains(t, b.out.String(), "<Alice> hello there")
	assert.Contains(t, b.out.String(), `<Alice> 3 bytes: "raw"`)

	b.out.Reset()
	require.NoError(t, b.console.Execute("/peers"))
	assert.Contains(t, b.out.String(), "connected (1):\n  Alice(alice)")
}

func TestConsole_CustomInviteAndAccept(t *testing.T) {
	n, q := newLoopback(t)
	a := open(t, n, alice, domain.Custom)
	b := open(t, n, bob, domain.Custom)
	q.Drain()

	require.NoError(t, a.console.Execute("/invite bob"))
	q.Drain()
	assert.Contains(t, b.out.String(), "Alice(alice) invites you")
	assert.Empty(t, a.manager.ConnectedPeers())

	require.NoError(t, b.console.Execute("/accept alice"))
	q.Drain()
	assert.Equal(t, []domain.PeerID{"bob"}, connectedIDs(a.manager))
	assert.Equal(t, []domain.PeerID{"alice"}, connectedIDs(b.manager))

	assert.Error(t, b.console.Execute("/accept alice"), "an invitation is answered once")
}

func TestConsole_CustomReject(t *testing.T) {
	n, q := newLoopback(t)
	a := open(t, n, alice, domain.Custom)
	b := open(t, n, bob, domain.Custom)
	q.Drain()

	require.NoError(t, a.console.Execute("/invite bob"))
	q.Drain()
	require.NoError(t, b.console.Execute("/reject alice"))
	q.Drain()

	assert.Empty(t, a.manager.ConnectedPeers())
	assert.Contains(t, a.out.String(), "Bob(bob) is not_connected")
}

func TestConsole_InviteOnlyPicker(t *testing.T) {
	n, q := newLoopback(t)
	a := open(t, n, alice, domain.InviteOnly)
	b := open(t, n, bob, domain.InviteOnly)
	q.Drain()

	a.out.Reset()
	require.NoError(t, a.console.Execute("/peers"))
	assert.Contains(t, a.out.String(), "found (1):\n  Bob(bob)")

	require.NoError(t, a.console.Execute("/invite bob"))
	q.Drain()
	require.NoError(t, b.console.Execute("/accept alice"))
	q.Drain()

	assert.Equal(t, []domain.PeerID{"bob"}, connectedIDs(a.manager))
}

func TestConsole_SendFile(t *testing.T) {
	n, q := newLoopback(t)
	a := open(t, n, alice, domain.Automatic)
	b := open(t, n, bob, domain.Automatic)
	q.Drain()

	path := filepath.Join(t.TempDir(), "notes.txt")
	require.NoError(t, os.WriteFile(path, []byte("meeting notes"), 0o600))

	require.NoError(t, a.console.Execute("/send "+path+" bob"))
	q.Drain()

	assert.Contains(t, a.out.String(), "* sent notes.txt")
	assert.Contains(t, b.out.String(), "* received notes.txt from Alice(alice)")
}

func TestConsole_Errors(t *testing.T) {
	n, q := newLoopback(t)
	a := open(t, n, alice, domain.Custom)
	q.Drain()

	assert.ErrorIs(t, a.console.Execute("/quit"), errQuit)
	assert.ErrorIs(t, a.console.Execute("/invite carol"), domain.ErrPeerNotFound)
	assert.ErrorIs(t, a.console.Execute("hello"), domain.ErrNoConnectedPeers)
	assert.ErrorIs(t, a.console.Execute("/send "+filepath.Join(t.TempDir(), "x")), domain.ErrNoConnectedPeers)
	assert.Error(t, a.console.Execute("/invite"))
	assert.Error(t, a.console.Execute("/accept bob"))
	assert.Error(t, a.console.Execute("/data"))
	assert.Error(t, a.console.Execute("/bogus"))
	assert.NoError(t, a.console.Execute("   "))

	a.out.Reset()
	require.NoError(t, a.console.Execute("/help"))
	assert.Contains(t, a.out.String(), "/invite <peer>")
}

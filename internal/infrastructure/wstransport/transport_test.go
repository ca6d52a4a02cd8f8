package wstransport

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/carabina/PeerConnectivity/internal/core/domain"
	"github.com/carabina/PeerConnectivity/internal/core/ports"
	"github.com/carabina/PeerConnectivity/internal/core/services"
	"github.com/carabina/PeerConnectivity/internal/infrastructure/repositories/memory"
	"github.com/carabina/PeerConnectivity/internal/infrastructure/signal"
	"github.com/carabina/PeerConnectivity/pkg/dispatch"
	"github.com/carabina/PeerConnectivity/pkg/retry"
)

var (
	alice = domain.Peer{ID: "alice", DisplayName: "Alice"}
	bob   = domain.Peer{ID: "bob", DisplayName: "Bob"}
)

func fastRetry() retry.Config {
	return retry.Config{
		Enabled:      true,
		MaxAttempts:  2,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2,
	}
}

// harness runs a rendezvous server and one queue shared by every peer.
type harness struct {
	t   *testing.T
	q   *dispatch.Queue
	url string
}

func newHarness(t *testing.T, opts ...signal.Option) *harness {
	t.Helper()
	opts = append([]signal.Option{signal.WithLogger(zaptest.NewLogger(t).Sugar())}, opts...)
	server := signal.NewWebSocketServer(memory.NewMemoryPresenceRegistry(0), opts...)
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", server.HandleWebSocket)
	srv := httptest.NewServer(mux)

	q := dispatch.NewQueue()
	ctx, cancel := context.WithCancel(context.Background())
	go q.Run(ctx)

	t.Cleanup(func() {
		server.Close()
		srv.Close()
		cancel()
		q.Close()
	})
	return &harness{t: t, q: q, url: "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"}
}

func (h *harness) dial(peer domain.Peer, opts ...Option) *Transport {
	h.t.Helper()
	opts = append([]Option{
		WithLogger(zaptest.NewLogger(h.t)),
		WithResourceDir(h.t.TempDir()),
		WithRetry(fastRetry()),
	}, opts...)
	tr, err := Dial(context.Background(), h.url, peer, h.q, opts...)
	require.NoError(h.t, err)
	h.t.Cleanup(func() { tr.Close() })
	return tr
}

// do runs fn on the queue, where every callback runs.
func (h *harness) do(fn func()) {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(h.t, h.q.Do(ctx, fn))
}

func (h *harness) eventually(cond func() bool, msg string) {
	h.t.Helper()
	assert.Eventually(h.t, func() bool {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		var ok bool
		if err := h.q.Do(ctx, func() { ok = cond() }); err != nil {
			return false
		}
		return ok
	}, 5*time.Second, 10*time.Millisecond, msg)
}

type node struct {
	transport *Transport
	manager   *services.PeerConnectionManager
	events    *recorder
}

// recorder is only touched on the queue.
type recorder struct {
	started  int
	ended    int
	events   []map[string]any
	data     [][]byte
	finished []*url.URL
}

func (r *recorder) listener() services.Listener {
	return services.Listener{
		Started:       func() { r.started++ },
		Ended:         func() { r.ended++ },
		EventReceived: func(_ domain.Peer, event map[string]any) { r.events = append(r.events, event) },
		DataReceived:  func(_ domain.Peer, data []byte) { r.data = append(r.data, data) },
		ResourceFinished: func(_ domain.Peer, _ string, location *url.URL, err error) {
			if err == nil {
				r.finished = append(r.finished, location)
			}
		},
	}
}

func (h *harness) join(peer domain.Peer, connectionType domain.PeerConnectionType) *node {
	h.t.Helper()
	tr := h.dial(peer)
	m, err := services.NewPeerConnectionManager(tr, "chat",
		services.WithConnectionType(connectionType),
		services.WithLogger(zaptest.NewLogger(h.t)),
	)
	require.NoError(h.t, err)

	r := &recorder{}
	h.do(func() { m.ListenOnKey("recorder", r.listener()) })
	return &node{transport: tr, manager: m, events: r}
}

func (h *harness) start(nodes ...*node) {
	h.t.Helper()
	for _, n := range nodes {
		var err error
		h.do(func() { err = n.manager.Start(nil) })
		require.NoError(h.t, err)
	}
}

func peerIDs(peers []domain.Peer) []domain.PeerID {
	ids := make([]domain.PeerID, 0, len(peers))
	for _, p := range peers {
		ids = append(ids, p.ID)
	}
	return ids
}

func connectedTo(n *node, id domain.PeerID) func() bool {
	return func() bool {
		ids := peerIDs(n.manager.ConnectedPeers())
		return len(ids) == 1 && ids[0] == id
	}
}

func TestDial_InvalidArguments(t *testing.T) {
	q := dispatch.NewQueue()
	defer q.Close()

	_, err := Dial(context.Background(), "http://localhost/ws", alice, q)
	assert.Error(t, err)

	_, err = Dial(context.Background(), "ws://localhost/ws", domain.Peer{ID: "not valid", DisplayName: "x"}, q)
	assert.Error(t, err)

	_, err = Dial(context.Background(), "ws://localhost/ws", domain.Peer{ID: "alice"}, q)
	assert.ErrorIs(t, err, domain.ErrInvalidDisplayName)
}

func TestDial_RetriesUnreachableServer(t *testing.T) {
	q := dispatch.NewQueue()
	defer q.Close()

	var retries atomic.Int32
	cfg := fastRetry()
	cfg.OnRetry = func(int, time.Duration, error) { retries.Add(1) }

	_, err := Dial(context.Background(), "ws://127.0.0.1:1/ws", alice, q, WithRetry(cfg))
	assert.Error(t, err)
	assert.Equal(t, int32(2), retries.Load())
}

type staticAuth map[string]domain.PeerID

func (a staticAuth) Authenticate(token string) (domain.PeerID, error) {
	if id, ok := a[token]; ok {
		return id, nil
	}
	return "", assert.AnError
}

func TestDial_RejectedIsNotRetried(t *testing.T) {
	h := newHarness(t, signal.WithAuthenticator(staticAuth{"secret": "alice"}))

	var retries atomic.Int32
	cfg := fastRetry()
	cfg.OnRetry = func(int, time.Duration, error) { retries.Add(1) }

	_, err := Dial(context.Background(), h.url, alice, h.q, WithRetry(cfg), WithToken("wrong"))
	assert.ErrorIs(t, err, ErrRejected)
	assert.Zero(t, retries.Load())

	tr := h.dial(alice, WithToken("secret"))
	assert.Equal(t, alice.ID, tr.LocalPeer().ID)
}

func TestAutomaticPairing(t *testing.T) {
	h := newHarness(t)
	a := h.join(alice, domain.Automatic)
	b := h.join(bob, domain.Automatic)
	h.start(a, b)

	h.eventually(connectedTo(a, "bob"), "alice connects to bob")
	h.eventually(connectedTo(b, "alice"), "bob connects to alice")

	h.do(func() {
		assert.Equal(t, []string{"Bob"}, a.manager.DisplayNames())
		assert.Equal(t, 1, a.events.started)
	})
}

func TestSendEventAndData(t *testing.T) {
	h := newHarness(t)
	a := h.join(alice, domain.Automatic)
	b := h.join(bob, domain.Automatic)
	h.start(a, b)
	h.eventually(connectedTo(a, "bob"), "alice connects to bob")
	h.eventually(connectedTo(b, "alice"), "bob connects to alice")

	h.do(func() {
		assert.NoError(t, a.manager.SendEvent(map[string]any{"type": "ping", "room": "lobby"}))
		assert.NoError(t, a.manager.SendData([]byte("raw bytes")))
	})

	h.eventually(func() bool { return len(b.events.events) == 1 && len(b.events.data) == 1 }, "bob receives both")
	h.do(func() {
		assert.Equal(t, "ping", b.events.events[0]["type"])
		assert.Equal(t, "lobby", b.events.events[0]["room"])
		assert.Equal(t, []byte("raw bytes"), b.events.data[0])
	})
}

func TestSendData_NotConnected(t *testing.T) {
	h := newHarness(t)
	a := h.join(alice, domain.Custom)
	h.start(a)

	h.do(func() {
		assert.ErrorIs(t, a.manager.SendData([]byte("x")), domain.ErrNoConnectedPeers)
		assert.ErrorIs(t, a.manager.SendData([]byte("x"), bob), domain.ErrPeerNotConnected)
	})
}

func TestSendResource(t *testing.T) {
	h := newHarness(t)
	a := h.join(alice, domain.Automatic)
	b := h.join(bob, domain.Automatic)
	h.start(a, b)
	h.eventually(connectedTo(a, "bob"), "alice connects to bob")
	h.eventually(connectedTo(b, "alice"), "bob connects to alice")

	path := filepath.Join(t.TempDir(), "notes.txt")
	require.NoError(t, os.WriteFile(path, []byte("meeting notes"), 0o600))

	var (
		results  []error
		progress []domain.Progress
	)
	h.do(func() {
		progress = a.manager.SendResource(&url.URL{Scheme: "file", Path: path}, "notes.txt", nil, func(err error) {
			results = append(results, err)
		})
	})
	require.Len(t, progress, 1)

	h.eventually(func() bool { return len(results) == 1 && len(b.events.finished) == 1 }, "resource delivered")
	h.do(func() {
		assert.NoError(t, results[0])
		assert.Equal(t, 1.0, progress[0].Fraction())
		content, err := os.ReadFile(b.events.finished[0].Path)
		assert.NoError(t, err)
		assert.Equal(t, "meeting notes", string(content))
	})
}

func TestSendResource_TooLarge(t *testing.T) {
	h := newHarness(t)
	ta := h.dial(alice, WithMaxMessageSize(16))
	s := ta.NewSession().(*session)
	s.addMember(bob)

	path := filepath.Join(t.TempDir(), "big.bin")
	require.NoError(t, os.WriteFile(path, make([]byte, 64), 0o600))

	var result error
	s.SendResource(&url.URL{Scheme: "file", Path: path}, "big.bin", bob, func(err error) { result = err })
	h.eventually(func() bool { return result != nil }, "send fails")
}

type browserEvents struct {
	found    []domain.Peer
	info     []map[string]string
	lost     []domain.Peer
	startErr error
}

func (b *browserEvents) FoundPeer(peer domain.Peer, info map[string]string) {
	b.found = append(b.found, peer)
	b.info = append(b.info, info)
}
func (b *browserEvents) LostPeer(peer domain.Peer)     { b.lost = append(b.lost, peer) }
func (b *browserEvents) DidNotStartBrowsing(err error) { b.startErr = err }

func TestBrowser_FoundOnceAndLost(t *testing.T) {
	h := newHarness(t)
	ta := h.dial(alice)
	tb := h.dial(bob)

	adv := ta.NewAdvertiser("chat", map[string]string{"room": "lobby"})
	adv.StartAdvertising()

	events := &browserEvents{}
	br := tb.NewBrowser("chat")
	br.SetDelegate(events)
	br.StartBrowsing()

	h.eventually(func() bool { return len(events.found) == 1 }, "bob finds alice")
	h.do(func() {
		assert.Equal(t, alice, events.found[0])
		assert.Equal(t, "lobby", events.info[0]["room"])
	})

	adv.StopAdvertising()
	h.eventually(func() bool { return len(events.lost) == 1 }, "bob loses alice")
	h.do(func() {
		assert.Len(t, events.found, 1)
		assert.Equal(t, alice.ID, events.lost[0].ID)
	})
}

func TestBrowser_DidNotStartAfterClose(t *testing.T) {
	h := newHarness(t)
	tb := h.dial(bob)
	require.NoError(t, tb.Close())
	<-tb.Done()

	events := &browserEvents{}
	br := tb.NewBrowser("chat")
	br.SetDelegate(events)
	br.StartBrowsing()

	h.eventually(func() bool { return events.startErr != nil }, "browsing fails")
	h.do(func() { assert.ErrorIs(t, events.startErr, ErrClosed) })
}

type sessionEvents struct {
	states []domain.Peer
}

func (s *sessionEvents) PeerChangedState(peer domain.Peer, _ domain.PeerState) {
	s.states = append(s.states, peer)
}
func (s *sessionEvents) ReceivedData(domain.Peer, []byte) {}
func (s *sessionEvents) ReceivedCertificate(_ domain.Peer, _ [][]byte, handler ports.CertificateHandler) {
	handler(true)
}
func (s *sessionEvents) ReceivedStream(domain.Peer, io.ReadCloser, string)              {}
func (s *sessionEvents) StartedReceivingResource(domain.Peer, string, domain.Progress)  {}
func (s *sessionEvents) FinishedReceivingResource(domain.Peer, string, *url.URL, error) {}

func (s *sessionEvents) last() (domain.Peer, bool) {
	if len(s.states) == 0 {
		return domain.Peer{}, false
	}
	return s.states[len(s.states)-1], true
}

func TestInvitation_DeclinedWithoutDelegate(t *testing.T) {
	h := newHarness(t)
	ta := h.dial(alice)
	tb := h.dial(bob)

	tb.NewAdvertiser("chat", nil).StartAdvertising()

	events := &sessionEvents{}
	sa := ta.NewSession()
	sa.SetDelegate(events)

	found := &browserEvents{}
	br := ta.NewBrowser("chat")
	br.SetDelegate(found)
	br.StartBrowsing()
	h.eventually(func() bool { return len(found.found) == 1 }, "alice finds bob")

	br.InvitePeer(bob, sa, nil, time.Second)
	h.eventually(func() bool {
		last, ok := events.last()
		return ok && last.State == domain.NotConnected
	}, "invitation declined")
	assert.Empty(t, sa.ConnectedPeers())
}

func TestAdvertiserAssistant_Prompts(t *testing.T) {
	tests := []struct {
		name   string
		accept bool
	}{
		{name: "accept", accept: true},
		{name: "decline", accept: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			ta := h.dial(alice)
			tb := h.dial(bob)

			events := &sessionEvents{}
			sa := ta.NewSession()
			sa.SetDelegate(events)
			sb := tb.NewSession()
			assistant := tb.NewAdvertiserAssistant("chat", nil, sb)
			assistant.Start()
			require.Same(t, assistant, tb.AdvertiserAssistant())

			picker := ta.NewBrowserAssistant("chat", sa).(*BrowserAssistant)
			picker.Start()
			h.eventually(func() bool { return len(picker.Peers()) == 1 }, "picker lists bob")

			picker.Invite(picker.Peers()[0], 5*time.Second)

			var prompts []*Prompt
			h.eventually(func() bool {
				prompts = append(prompts, tb.AdvertiserAssistant().Prompts()...)
				return len(prompts) == 1
			}, "bob is prompted")
			assert.Equal(t, alice.ID, prompts[0].From.ID)

			if tt.accept {
				prompts[0].Accept()
				h.eventually(func() bool { return len(sa.ConnectedPeers()) == 1 && len(sb.ConnectedPeers()) == 1 }, "paired")
				assert.Equal(t, []domain.PeerID{"bob"}, peerIDs(sa.ConnectedPeers()))
				assert.Equal(t, []domain.PeerID{"alice"}, peerIDs(sb.ConnectedPeers()))
			} else {
				prompts[0].Decline()
				h.eventually(func() bool {
					last, ok := events.last()
					return ok && last.State == domain.NotConnected
				}, "inviter told")
				assert.Empty(t, sa.ConnectedPeers())
			}
		})
	}
}

func TestInviteOnly_BrowserAssistant(t *testing.T) {
	h := newHarness(t)
	a := h.join(alice, domain.InviteOnly)
	b := h.join(bob, domain.InviteOnly)
	h.do(func() {
		b.manager.ListenOnKey("host", services.Listener{
			ReceivedInvitation: func(_ domain.Peer, _ []byte, respond func(bool)) { respond(true) },
		})
	})
	h.start(a, b)

	var picker *BrowserAssistant
	h.do(func() {
		picker, _ = a.manager.BrowserPresentationHandle().(*BrowserAssistant)
	})
	require.NotNil(t, picker)
	h.eventually(func() bool { return len(picker.Peers()) == 1 }, "picker lists bob")

	picker.Invite(picker.Peers()[0], 5*time.Second)
	h.eventually(connectedTo(a, "bob"), "alice connects to bob")

	picker.Finish()
	h.eventually(func() bool { return a.events.ended == 1 }, "picker finished")
}

func TestClose_ReportsPartnersNotConnected(t *testing.T) {
	h := newHarness(t)
	a := h.join(alice, domain.Automatic)
	b := h.join(bob, domain.Automatic)
	h.start(a, b)
	h.eventually(connectedTo(a, "bob"), "alice connects to bob")
	h.eventually(connectedTo(b, "alice"), "bob connects to alice")

	require.NoError(t, a.transport.Close())
	require.NoError(t, a.transport.Close())

	h.eventually(func() bool { return len(b.manager.ConnectedPeers()) == 0 }, "bob sees alice leave")
	h.eventually(func() bool { return len(a.manager.ConnectedPeers()) == 0 }, "alice drops bob locally")
}

func TestSession_Disconnect(t *testing.T) {
	h := newHarness(t)
	a := h.join(alice, domain.Automatic)
	b := h.join(bob, domain.Automatic)
	h.start(a, b)
	h.eventually(connectedTo(a, "bob"), "alice connects to bob")
	h.eventually(connectedTo(b, "alice"), "bob connects to alice")

	h.do(func() { a.manager.Stop() })
	h.eventually(func() bool { return len(a.manager.ConnectedPeers()) == 0 }, "alice left")
	h.eventually(func() bool { return !connectedTo(b, "alice")() }, "bob saw alice leave")
}

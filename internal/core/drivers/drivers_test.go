package drivers

import (
	"errors"
	"testing"
	"time"

	"github.com/carabina/PeerConnectivity/internal/core/domain"
	"github.com/carabina/PeerConnectivity/internal/testutil"
	"github.com/carabina/PeerConnectivity/pkg/observable"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	local  = domain.Peer{ID: "local", DisplayName: "local"}
	remote = domain.Peer{ID: "remote", DisplayName: "remote"}
)

func TestBrowser_StartAttachesProducerAndStopDetaches(t *testing.T) {
	transport := testutil.NewTransport(local)
	bus := observable.New[BrowserEvent](nil)
	var events []BrowserEvent
	bus.Subscribe(func(e BrowserEvent) { events = append(events, e) })

	session := NewSession(transport, NewSessionEventProducer(observable.New[SessionEvent](nil)))
	browser := NewBrowser(transport, session, "chat", NewBrowserEventProducer(bus))

	transport.Browser.Find(remote)
	assert.Empty(t, events, "no delegate before start")

	browser.StartBrowsing()
	assert.True(t, browser.Running())
	transport.Browser.Find(remote)
	transport.Browser.Lose(remote)

	require.Len(t, events, 2)
	assert.Equal(t, FoundPeer{Peer: remote}, events[0])
	assert.Equal(t, LostPeer{Peer: remote}, events[1])

	browser.StopBrowsing()
	assert.False(t, browser.Running())
	assert.Nil(t, transport.Browser.Delegate())
	assert.Equal(t, 1, transport.Browser.Stops)
}

func TestBrowser_InvitePeerUsesDriverSession(t *testing.T) {
	transport := testutil.NewTransport(local)
	session := NewSession(transport, NewSessionEventProducer(observable.New[SessionEvent](nil)))
	browser := NewBrowser(transport, session, "chat", NewBrowserEventProducer(observable.New[BrowserEvent](nil)))

	browser.InvitePeer(remote, []byte("hello"), 5*time.Second)

	require.Len(t, transport.Browser.Invites, 1)
	invite := transport.Browser.Invites[0]
	assert.Equal(t, remote, invite.Peer)
	assert.Same(t, transport.Session, invite.Session)
	assert.Equal(t, []byte("hello"), invite.Context)
	assert.Equal(t, 5*time.Second, invite.Timeout)
}

func TestBrowserProducer_DidNotStart(t *testing.T) {
	bus := observable.New[BrowserEvent](nil)
	producer := NewBrowserEventProducer(bus)
	boom := errors.New("radio off")

	producer.DidNotStartBrowsing(boom)

	assert.Equal(t, DidNotStartBrowsing{Err: boom}, bus.Value())
}

func TestAdvertiser_ProducerMapsInvitation(t *testing.T) {
	transport := testutil.NewTransport(local)
	bus := observable.New[AdvertiserEvent](nil)
	advertiser := NewAdvertiser(transport, "chat", map[string]string{"k": "v"}, NewAdvertiserEventProducer(bus))

	advertiser.StartAdvertising()
	answers := transport.Advertiser.Invite(remote, []byte("ctx"))

	invitation, ok := bus.Value().(ReceivedInvitation)
	require.True(t, ok)
	assert.Equal(t, remote, invitation.Peer)
	assert.Equal(t, []byte("ctx"), invitation.Context)

	invitation.Handler(true, nil)
	invitation.Handler(false, nil)
	require.Len(t, *answers, 1, "only the first answer reaches the transport")
	assert.True(t, (*answers)[0].Accept)

	assert.Equal(t, map[string]string{"k": "v"}, transport.Advertiser.Info)

	advertiser.StopAdvertising()
	assert.Nil(t, transport.Advertiser.Delegate())
	assert.False(t, advertiser.Running())
}

func TestAdvertiser_AnswerReportsWhetherItWasForwarded(t *testing.T) {
	transport := testutil.NewTransport(local)
	bus := observable.New[AdvertiserEvent](nil)
	advertiser := NewAdvertiser(transport, "chat", nil, NewAdvertiserEventProducer(bus))

	advertiser.StartAdvertising()
	answers := transport.Advertiser.Invite(remote, nil)

	invitation, ok := bus.Value().(ReceivedInvitation)
	require.True(t, ok)

	invitation.Handler(false, nil)
	assert.False(t, invitation.Answer(true, nil), "the handler already answered")
	require.Len(t, *answers, 1)
	assert.False(t, (*answers)[0].Accept)
}

func TestAdvertiser_AnswerFirstWins(t *testing.T) {
	transport := testutil.NewTransport(local)
	bus := observable.New[AdvertiserEvent](nil)
	advertiser := NewAdvertiser(transport, "chat", nil, NewAdvertiserEventProducer(bus))

	advertiser.StartAdvertising()
	answers := transport.Advertiser.Invite(remote, nil)
	invitation := bus.Value().(ReceivedInvitation)

	assert.True(t, invitation.Answer(true, nil))
	assert.False(t, invitation.Answer(false, nil))
	invitation.Handler(false, nil)
	require.Len(t, *answers, 1)
	assert.True(t, (*answers)[0].Accept)
}

func TestSession_ProducerTagsState(t *testing.T) {
	transport := testutil.NewTransport(local)
	bus := observable.New[SessionEvent](nil)
	session := NewSession(transport, NewSessionEventProducer(bus))

	session.StartSession()
	transport.Session.Connect(remote)

	changed, ok := bus.Value().(DevicesChanged)
	require.True(t, ok)
	assert.Equal(t, domain.Connected, changed.Peer.State)
	assert.Equal(t, []domain.Peer{remote.WithState(domain.Connected)}, session.ConnectedPeers())

	transport.Session.Drop(remote)
	changed = bus.Value().(DevicesChanged)
	assert.Equal(t, domain.NotConnected, changed.Peer.State)
	assert.Empty(t, session.ConnectedPeers())
}

func TestSession_StopDetachesBeforeDisconnect(t *testing.T) {
	transport := testutil.NewTransport(local)
	session := NewSession(transport, NewSessionEventProducer(observable.New[SessionEvent](nil)))

	session.StartSession()
	transport.ResetCalls()
	session.StopSession()

	assert.Equal(t, []string{"session.detach", "session.disconnect"}, transport.Calls)
	assert.False(t, session.Running())
}

func TestSession_SendDelegatesToTransport(t *testing.T) {
	transport := testutil.NewTransport(local)
	session := NewSession(transport, NewSessionEventProducer(observable.New[SessionEvent](nil)))

	require.NoError(t, session.SendData([]byte("x"), []domain.Peer{remote}))
	require.Len(t, transport.Session.Sent, 1)
	assert.Equal(t, []domain.Peer{remote}, transport.Session.Sent[0].Peers)
}

func TestAssistants_Lifecycle(t *testing.T) {
	transport := testutil.NewTransport(local)
	session := NewSession(transport, NewSessionEventProducer(observable.New[SessionEvent](nil)))

	browserBus := observable.New[BrowserAssistantEvent](nil)
	browserAssistant := NewBrowserAssistant(transport, session, "chat", NewBrowserAssistantEventProducer(browserBus))
	advertiserBus := observable.New[AdvertiserAssistantEvent](nil)
	advertiserAssistant := NewAdvertiserAssistant(transport, session, "chat", nil, NewAdvertiserAssistantEventProducer(advertiserBus))

	browserAssistant.StartBrowsingAssistant()
	advertiserAssistant.StartAdvertisingAssistant()

	transport.BrowserAssistant.Delegate().WasCancelled()
	assert.Equal(t, BrowserAssistantCancelled{}, browserBus.Value())
	transport.BrowserAssistant.Delegate().DidFinish()
	assert.Equal(t, BrowserAssistantFinished{}, browserBus.Value())

	transport.AdvertiserAssistant.Delegate().WillPresentInvitation()
	assert.Equal(t, AdvertiserAssistantWillPresent{}, advertiserBus.Value())
	transport.AdvertiserAssistant.Delegate().DidDismissInvitation()
	assert.Equal(t, AdvertiserAssistantDidDismiss{}, advertiserBus.Value())

	assert.Equal(t, "browser-ui:chat", browserAssistant.PresentationHandle())

	browserAssistant.StopBrowsingAssistant()
	advertiserAssistant.StopAdvertisingAssistant()
	assert.Nil(t, transport.BrowserAssistant.Delegate())
	assert.Nil(t, transport.AdvertiserAssistant.Delegate())
	assert.False(t, browserAssistant.Running())
	assert.False(t, advertiserAssistant.Running())
}

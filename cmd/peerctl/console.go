package main

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/carabina/PeerConnectivity/internal/core/domain"
	"github.com/carabina/PeerConnectivity/internal/core/services"
	"github.com/carabina/PeerConnectivity/pkg/utils"
)

var errQuit = errors.New("quit")

// picker is what an InviteOnly manager hands out as its browser
// presentation handle.
type picker interface {
	Peers() []domain.Peer
	Invite(peer domain.Peer, timeout time.Duration)
}

// invitationPrompt is an invitation queued by an advertiser assistant.
type invitationPrompt struct {
	From    domain.Peer
	Accept  func()
	Decline func()
}

// console turns typed lines into connection manager calls. Every method
// runs on the manager's executor.
type console struct {
	manager *services.PeerConnectionManager
	out     io.Writer
	timeout time.Duration

	// prompts drains the advertiser assistant, when there is one.
	prompts func() []invitationPrompt

	pending map[domain.PeerID]func(accept bool)
}

func newConsole(m *services.PeerConnectionManager, out io.Writer, timeout time.Duration) *console {
	c := &console{
		manager: m,
		out:     out,
		timeout: timeout,
		pending: make(map[domain.PeerID]func(bool)),
	}
	m.ListenOnKey("console", c.listener())
	return c
}

func (c *console) printf(format string, args ...any) {
	fmt.Fprintf(c.out, format+"\n", args...)
}

func (c *console) listener() services.Listener {
	return services.Listener{
		Started: func() {
			c.printf("* started as %s on %q (%s)", c.manager.LocalPeer(), c.manager.ServiceType(), c.manager.ConnectionType())
		},
		Ended: func() { c.printf("* ended") },
		FoundPeer: func(peer domain.Peer) {
			c.printf("* found %s", peer)
		},
		LostPeer: func(peer domain.Peer) {
			c.printf("* lost %s", peer)
		},
		DevicesChanged: func(peer domain.Peer, connected []domain.Peer) {
			c.printf("* %s is %s (%d connected)", peer, peer.State, len(connected))
		},
		EventReceived: func(peer domain.Peer, event map[string]any) {
			if text, ok := event["text"].(string); ok {
				c.printf("<%s> %s", peer.DisplayName, text)
				return
			}
			c.printf("<%s> event %v", peer.DisplayName, event)
		},
		DataReceived: func(peer domain.Peer, data []byte) {
			c.printf("<%s> %d bytes: %q", peer.DisplayName, len(data), utils.TruncateString(string(data), 64))
		},
		ResourceStarted: func(peer domain.Peer, name string, _ domain.Progress) {
			c.printf("* receiving %s from %s", name, peer)
		},
		ResourceFinished: func(peer domain.Peer, name string, location *url.URL, err error) {
			if err != nil {
				c.printf("* %s from %s failed: %v", name, peer, err)
				return
			}
			c.printf("* received %s from %s at %s", name, peer, location.Path)
		},
		ReceivedInvitation: func(peer domain.Peer, _ []byte, respond func(bool)) {
			c.pending[peer.ID] = respond
			c.printf("* %s invites you: /accept %s or /reject %s", peer, peer.ID, peer.ID)
		},
		Error: func(err error) {
			c.printf("! %v", err)
		},
	}
}

// Execute runs one input line. It returns errQuit for /quit.
func (c *console) Execute(line string) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	if !strings.HasPrefix(line, "/") {
		return c.manager.SendEvent(map[string]any{"text": line})
	}

	cmd, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)

	switch cmd {
	case "/quit", "/exit":
		return errQuit
	case "/help":
		c.help()
		return nil
	case "/peers":
		c.peers()
		return nil
	case "/refresh":
		return c.manager.Refresh(func() { c.printf("* refreshed") })
	case "/invite":
		return c.invite(rest)
	case "/accept":
		return c.answer(rest, true)
	case "/reject":
		return c.answer(rest, false)
	case "/data":
		if rest == "" {
			return fmt.Errorf("usage: /data <text>")
		}
		return c.manager.SendData([]byte(rest))
	case "/send":
		return c.send(rest)
	default:
		return fmt.Errorf("unknown command %s, try /help", cmd)
	}
}

func (c *console) help() {
	c.printf(`commands:
  <text>               send text to every connected peer
  /data <text>         send raw bytes to every connected peer
  /send <path> [peer]  send a file
  /peers               list connected and found peers
  /invite <peer>       invite a found peer
  /accept <peer>       accept an invitation
  /reject <peer>       decline an invitation
  /refresh             restart discovery
  /quit`)
}

func (c *console) peers() {
	connected := c.manager.ConnectedPeers()
	c.printf("connected (%d):", len(connected))
	for _, p := range connected {
		c.printf("  %s", p)
	}

	found := c.found()
	c.printf("found (%d):", len(found))
	for _, p := range found {
		c.printf("  %s", p)
	}
}

// found merges what the browser and the InviteOnly picker have seen.
func (c *console) found() []domain.Peer {
	byID := make(map[domain.PeerID]domain.Peer)
	for _, p := range c.manager.FoundPeers() {
		byID[p.ID] = p
	}
	if pk, ok := c.manager.BrowserPresentationHandle().(picker); ok {
		for _, p := range pk.Peers() {
			byID[p.ID] = p
		}
	}
	peers := make([]domain.Peer, 0, len(byID))
	for _, p := range byID {
		peers = append(peers, p)
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i].ID < peers[j].ID })
	return peers
}

func (c *console) lookup(id string) (domain.Peer, error) {
	if id == "" {
		return domain.Peer{}, fmt.Errorf("peer id required")
	}
	for _, p := range c.found() {
		if string(p.ID) == id {
			return p, nil
		}
	}
	for _, p := range c.manager.ConnectedPeers() {
		if string(p.ID) == id {
			return p, nil
		}
	}
	return domain.Peer{}, fmt.Errorf("%w: %s", domain.ErrPeerNotFound, id)
}

func (c *console) invite(id string) error {
	peer, err := c.lookup(id)
	if err != nil {
		return err
	}
	if pk, ok := c.manager.BrowserPresentationHandle().(picker); ok {
		pk.Invite(peer, c.timeout)
	} else {
		c.manager.InvitePeer(peer, nil, c.timeout)
	}
	c.printf("* invited %s, waiting %s", peer, utils.FormatDuration(c.timeout))
	return nil
}

func (c *console) answer(id string, accept bool) error {
	if id == "" {
		return fmt.Errorf("peer id required")
	}
	if c.prompts != nil {
		for _, p := range c.prompts() {
			c.pending[p.From.ID] = func(accept bool) {
				if accept {
					p.Accept()
				} else {
					p.Decline()
				}
			}
		}
	}

	respond, ok := c.pending[domain.PeerID(id)]
	if !ok {
		return fmt.Errorf("no invitation from %s", id)
	}
	delete(c.pending, domain.PeerID(id))
	respond(accept)
	return nil
}

func (c *console) send(args string) error {
	fields := strings.Fields(args)
	if len(fields) == 0 || len(fields) > 2 {
		return fmt.Errorf("usage: /send <path> [peer]")
	}

	path, err := filepath.Abs(fields[0])
	if err != nil {
		return err
	}

	var to *domain.Peer
	if len(fields) == 2 {
		peer, err := c.lookup(fields[1])
		if err != nil {
			return err
		}
		to = &peer
	}

	name := filepath.Base(path)
	progress := c.manager.SendResource(&url.URL{Scheme: "file", Path: path}, name, to, func(err error) {
		if err != nil {
			c.printf("! sending %s failed: %v", name, err)
			return
		}
		c.printf("* sent %s", name)
	})
	if len(progress) == 0 {
		return domain.ErrNoConnectedPeers
	}
	return nil
}

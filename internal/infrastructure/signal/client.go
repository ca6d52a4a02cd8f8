package signal

import (
	"sync"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/carabina/PeerConnectivity/internal/core/domain"
)

const sendBufferSize = 64

// client is one websocket attached to this instance. The connection is only
// written by writePump.
type client struct {
	peer    domain.Peer
	conn    *websocket.Conn
	send    chan SignalMessage
	limiter *rate.Limiter

	done      chan struct{}
	closeOnce sync.Once

	mu          sync.Mutex
	browsing    map[string]bool
	advertising map[string]map[string]string
	partners    map[domain.PeerID]domain.Peer
}

func newClient(peer domain.Peer, conn *websocket.Conn, limiter *rate.Limiter) *client {
	return &client{
		peer:        peer,
		conn:        conn,
		send:        make(chan SignalMessage, sendBufferSize),
		limiter:     limiter,
		done:        make(chan struct{}),
		browsing:    make(map[string]bool),
		advertising: make(map[string]map[string]string),
		partners:    make(map[domain.PeerID]domain.Peer),
	}
}

// enqueue hands msg to the writer. It reports false when the client is
// closed or too slow to keep up.
func (c *client) enqueue(msg SignalMessage) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

func (c *client) setBrowsing(serviceType string, on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if on {
		c.browsing[serviceType] = true
	} else {
		delete(c.browsing, serviceType)
	}
}

func (c *client) isBrowsing(serviceType string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.browsing[serviceType]
}

func (c *client) setAdvertising(serviceType string, info map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.advertising[serviceType] = info
}

// stopAdvertising reports whether serviceType was being advertised.
func (c *client) stopAdvertising(serviceType string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.advertising[serviceType]; !ok {
		return false
	}
	delete(c.advertising, serviceType)
	return true
}

func (c *client) advertised() map[string]map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]map[string]string, len(c.advertising))
	for st, info := range c.advertising {
		out[st] = info
	}
	return out
}

func (c *client) addPartner(peer domain.Peer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.partners[peer.ID] = peer
}

func (c *client) removePartner(id domain.PeerID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.partners, id)
}

func (c *client) hasPartner(id domain.PeerID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.partners[id]
	return ok
}

// takePartners empties the partner set and returns what it held.
func (c *client) takePartners() []domain.Peer {
	c.mu.Lock()
	defer c.mu.Unlock()
	peers := make([]domain.Peer, 0, len(c.partners))
	for _, p := range c.partners {
		peers = append(peers, p)
	}
	c.partners = make(map[domain.PeerID]domain.Peer)
	return peers
}

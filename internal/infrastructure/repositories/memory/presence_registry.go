package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/carabina/PeerConnectivity/internal/core/domain"
	"github.com/carabina/PeerConnectivity/internal/core/ports"
	"github.com/carabina/PeerConnectivity/pkg/utils"
)

// MemoryPresenceRegistry keeps presence for a single rendezvous instance.
// Entries older than ttl are skipped by ListByService; a zero ttl keeps
// them forever.
type MemoryPresenceRegistry struct {
	ttl time.Duration

	mu        sync.RWMutex
	services  map[string]map[domain.PeerID]*ports.Presence
	locations map[domain.PeerID]string
}

func NewMemoryPresenceRegistry(ttl time.Duration) *MemoryPresenceRegistry {
	return &MemoryPresenceRegistry{
		ttl:       ttl,
		services:  make(map[string]map[domain.PeerID]*ports.Presence),
		locations: make(map[domain.PeerID]string),
	}
}

func (r *MemoryPresenceRegistry) Advertise(ctx context.Context, presence *ports.Presence) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored := *presence
	stored.UpdatedAt = utils.Now()

	peers, ok := r.services[presence.ServiceType]
	if !ok {
		peers = make(map[domain.PeerID]*ports.Presence)
		r.services[presence.ServiceType] = peers
	}
	peers[presence.Peer.ID] = &stored
	return nil
}

func (r *MemoryPresenceRegistry) Withdraw(ctx context.Context, serviceType string, peerID domain.PeerID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	peers, ok := r.services[serviceType]
	if !ok {
		return nil
	}
	delete(peers, peerID)
	if len(peers) == 0 {
		delete(r.services, serviceType)
	}
	return nil
}

func (r *MemoryPresenceRegistry) WithdrawAll(ctx context.Context, peerID domain.PeerID) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var withdrawn []string
	for serviceType, peers := range r.services {
		if _, ok := peers[peerID]; !ok {
			continue
		}
		delete(peers, peerID)
		if len(peers) == 0 {
			delete(r.services, serviceType)
		}
		withdrawn = append(withdrawn, serviceType)
	}
	sort.Strings(withdrawn)
	return withdrawn, nil
}

// ListByService returns live presences ordered by peer ID.
func (r *MemoryPresenceRegistry) ListByService(ctx context.Context, serviceType string) ([]*ports.Presence, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []*ports.Presence
	for _, p := range r.services[serviceType] {
		if r.ttl > 0 && utils.IsExpired(p.UpdatedAt, r.ttl) {
			continue
		}
		copied := *p
		result = append(result, &copied)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Peer.ID < result[j].Peer.ID
	})
	return result, nil
}

func (r *MemoryPresenceRegistry) Attach(ctx context.Context, peerID domain.PeerID, instanceID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.locations[peerID] = instanceID
	return nil
}

func (r *MemoryPresenceRegistry) Detach(ctx context.Context, peerID domain.PeerID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.locations, peerID)
	return nil
}

func (r *MemoryPresenceRegistry) Locate(ctx context.Context, peerID domain.PeerID) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	instanceID, ok := r.locations[peerID]
	if !ok {
		return "", domain.ErrPeerNotFound
	}
	return instanceID, nil
}

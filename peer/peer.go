package peer

import (
	"sync"
	"time"

	"github.com/cellarsync/cellarsync/assertions"
)

type Peer struct {
	Addr             string
	LastActive       time.Time
	ConsecutiveFails int
}

// Manager tracks the replicas this node syncs with. Peers that keep failing
// or go quiet past the failure timeout are skipped when picking sync targets
// and eventually pruned.
type Manager struct {
	peers               map[string]*Peer
	mu                  sync.RWMutex
	maxConsecutiveFails int
	failureTimeout      time.Duration
}

func NewManager(maxConsecutiveFails int, failureTimeout time.Duration) *Manager {
	assertions.Assert(failureTimeout > 0, "failureTimeout must be positive")
	assertions.Assert(maxConsecutiveFails > 0, "maxConsecutiveFails must be positive")

	return &Manager{
		peers:               make(map[string]*Peer),
		maxConsecutiveFails: maxConsecutiveFails,
		failureTimeout:      failureTimeout,
	}
}

func (pm *Manager) AddPeer(addr string) {
	assertions.Assert(addr != "", "peer address cannot be empty")

	pm.mu.Lock()
	defer pm.mu.Unlock()

	if existing, exists := pm.peers[addr]; exists {
		existing.ConsecutiveFails = 0
		existing.LastActive = time.Now()
		return
	}
	pm.peers[addr] = &Peer{Addr: addr, LastActive: time.Now()}
}

func (pm *Manager) RemovePeer(addr string) {
	assertions.Assert(addr != "", "peer address cannot be empty")

	pm.mu.Lock()
	defer pm.mu.Unlock()
	delete(pm.peers, addr)
}

// GetPeers returns the addresses of peers currently considered healthy.
func (pm *Manager) GetPeers() []string {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	peers := make([]string, 0, len(pm.peers))
	for addr, peer := range pm.peers {
		if time.Since(peer.LastActive) >= pm.failureTimeout || peer.ConsecutiveFails >= pm.maxConsecutiveFails {
			continue
		}
		peers = append(peers, addr)
	}
	return peers
}

func (pm *Manager) MarkPeerActive(addr string) {
	assertions.Assert(addr != "", "peer address cannot be empty")

	pm.mu.Lock()
	defer pm.mu.Unlock()

	if peer, exists := pm.peers[addr]; exists {
		peer.ConsecutiveFails = 0
		peer.LastActive = time.Now()
	}
}

// MarkPeerFailed records a delivery failure and reports whether the peer has
// crossed the consecutive-failure threshold.
func (pm *Manager) MarkPeerFailed(addr string) bool {
	assertions.Assert(addr != "", "peer address cannot be empty")

	pm.mu.Lock()
	defer pm.mu.Unlock()

	if peer, exists := pm.peers[addr]; exists {
		peer.ConsecutiveFails++
		return peer.ConsecutiveFails >= pm.maxConsecutiveFails
	}
	return false
}

// PruneStalePeers drops peers past the failure timeout or threshold.
func (pm *Manager) PruneStalePeers() {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	for addr, peer := range pm.peers {
		if time.Since(peer.LastActive) >= pm.failureTimeout || peer.ConsecutiveFails >= pm.maxConsecutiveFails {
			delete(pm.peers, addr)
		}
	}
}

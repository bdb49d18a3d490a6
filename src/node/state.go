package node

import (
	"sync"
)

// PeerState tracks the bootstrap handshake progress with one peer:
// Discovered, Advertised, Syncing, or Merged.
type PeerState uint32

const (
	// Discovered means the peer id has been observed but not yet advertised to.
	Discovered PeerState = iota
	// Advertised means the peer has advertised itself to us.
	Advertised
	// Syncing means the peer has asked us for our chain.
	Syncing
	// Merged means we have merged the peer's chain into our own.
	Merged
)

// String ...
func (s PeerState) String() string {
	switch s {
	case Discovered:
		return "Discovered"
	case Advertised:
		return "Advertised"
	case Syncing:
		return "Syncing"
	case Merged:
		return "Merged"
	default:
		return "Unknown"
	}
}

// peerStates is a lock-protected peer id -> PeerState table. States only
// ever move forward; a repeated handshake can re-enter an earlier state,
// which is harmless since every step is idempotent.
type peerStates struct {
	sync.Mutex
	states map[string]PeerState
}

func newPeerStates() *peerStates {
	return &peerStates{
		states: make(map[string]PeerState),
	}
}

func (p *peerStates) set(peerID string, s PeerState) {
	p.Lock()
	defer p.Unlock()
	p.states[peerID] = s
}

func (p *peerStates) get(peerID string) (PeerState, bool) {
	p.Lock()
	defer p.Unlock()
	s, ok := p.states[peerID]
	return s, ok
}

func (p *peerStates) snapshot() map[string]PeerState {
	p.Lock()
	defer p.Unlock()
	res := make(map[string]PeerState, len(p.states))
	for id, s := range p.states {
		res[id] = s
	}
	return res
}

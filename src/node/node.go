package node

import (
	"strconv"
	"sync"
	"time"

	"github.com/ledgermesh/ledgermesh/src/blobs"
	"github.com/ledgermesh/ledgermesh/src/discovery"
	"github.com/ledgermesh/ledgermesh/src/ledger"
	lnet "github.com/ledgermesh/ledgermesh/src/net"
	"github.com/ledgermesh/ledgermesh/src/p2p"
	"github.com/ledgermesh/ledgermesh/src/wallet"
	"github.com/sirupsen/logrus"
)

// Node ties the ledger, the protocol manager, and the collaborators
// together: it accepts inbound connections, dials discovered peers, runs
// the heartbeat, and exposes the client surface used by the HTTP service.
type Node struct {
	id      string
	ledger  *ledger.Ledger
	manager *p2p.Manager

	trans  lnet.Transport
	disc   discovery.Discovery
	blobs  blobs.Store
	wallet *wallet.Wallet

	peerStates *peerStates

	// blobIDs maps entry id -> content identifier of the entry's bytes.
	blobLock sync.Mutex
	blobIDs  map[string]string

	controlTimer *ControlTimer
	heartbeat    time.Duration

	start        time.Time
	shutdownCh   chan struct{}
	shutdownOnce sync.Once

	logger *logrus.Entry
}

// NewNode wires a node from its collaborators. The node identity is derived
// from the wallet and is stable for the process lifetime.
func NewNode(
	w *wallet.Wallet,
	trans lnet.Transport,
	disc discovery.Discovery,
	store blobs.Store,
	heartbeat time.Duration,
	logger *logrus.Entry,
) *Node {

	id := w.NodeID()
	l := ledger.NewLedger(id)

	n := &Node{
		id:           id,
		ledger:       l,
		manager:      p2p.NewManager(id, l, logger),
		trans:        trans,
		disc:         disc,
		blobs:        store,
		wallet:       w,
		peerStates:   newPeerStates(),
		blobIDs:      make(map[string]string),
		controlTimer: NewIntervalControlTimer(),
		heartbeat:    heartbeat,
		start:        time.Now(),
		shutdownCh:   make(chan struct{}),
		logger:       logger.WithField("node_id", id),
	}

	n.registerHandlers()

	return n
}

// ID returns the node identity.
func (n *Node) ID() string {
	return n.id
}

// Run starts the transport listener, the heartbeat, and the accept and
// discovery loops. It blocks until Shutdown is called.
func (n *Node) Run() {
	go n.trans.Listen()
	go n.controlTimer.Run(n.heartbeat)
	go n.acceptLoop()
	go n.discoveryLoop()

	for {
		select {
		case <-n.controlTimer.tickCh:
			n.advertise()
		case <-n.shutdownCh:
			return
		}
	}
}

// acceptLoop registers inbound connections with the manager.
func (n *Node) acceptLoop() {
	for {
		select {
		case conn, ok := <-n.trans.Consumer():
			if !ok {
				return
			}
			n.manager.HandleConnection(conn.Conn, conn.Intro)
		case <-n.shutdownCh:
			return
		}
	}
}

// discoveryLoop consumes the discovery channel. Each produced string is a
// peer to bootstrap with: an already-connected peer id is advertised to
// directly, anything else is treated as a dialable address.
func (n *Node) discoveryLoop() {
	for {
		select {
		case target, ok := <-n.disc.Chan():
			if !ok {
				return
			}
			n.handleDiscovered(target)
		case <-n.shutdownCh:
			return
		}
	}
}

func (n *Node) handleDiscovered(target string) {
	if conn, ok := n.manager.Conn(target); ok {
		n.ledger.AddKnownNode(target)
		n.peerStates.set(target, Discovered)
		n.emit(conn, AdvertiseEvent, n.advertisePayload())
		return
	}

	if err := n.Dial(target); err != nil {
		n.logger.WithError(err).WithField("target", target).Debug("dial failed")
	}
}

// Dial connects to a peer address, registers the connection, and starts
// the handshake by advertising ourselves.
func (n *Node) Dial(addr string) error {
	conn, err := n.trans.Dial(addr, n.advertisePayload())
	if err != nil {
		return err
	}

	n.manager.HandleConnection(conn.Conn, conn.Intro)

	n.emit(conn.Conn, AdvertiseEvent, n.advertisePayload())

	return nil
}

// advertise is the heartbeat body: a liveness signal and a trigger for
// late joiners to initiate the handshake.
func (n *Node) advertise() {
	n.logger.Debug("heartbeat advertise")
	n.manager.BroadcastEvent(AdvertiseEvent, n.advertisePayload())
}

func (n *Node) advertisePayload() AdvertisePayload {
	return AdvertisePayload{
		NodeID: n.id,
		Addr:   n.trans.AdvertiseAddr(),
	}
}

// Submit creates, signs, and appends a new entry from local data, stores
// its bytes as a blob, and gossips both to all connected peers. The entry is
// signed before it is linked, so concurrent chain readers never observe a
// half-built entry and a signing failure leaves the chain unchanged.
func (n *Node) Submit(data []byte) (*ledger.Entry, error) {
	entry, err := n.ledger.SubmitSealed(data, func(e *ledger.Entry) error {
		sig, err := n.wallet.Sign([]byte(e.Hash))
		if err != nil {
			return err
		}
		e.AddSignature(n.id, sig)
		return nil
	})
	if err != nil {
		return nil, err
	}

	wire, err := entry.Marshal()
	if err != nil {
		return nil, err
	}

	digest, err := n.blobs.Put(wire)
	if err != nil {
		return nil, err
	}
	n.setBlobID(entry.ID, digest)

	n.manager.BroadcastEntry(entry)
	n.manager.BroadcastEvent(BlobAvailableEvent, BlobAvailablePayload{
		EntryID:  entry.ID,
		BlobHash: digest,
	})

	n.logger.WithFields(logrus.Fields{
		"entry_id":  entry.ID,
		"blob_hash": digest,
	}).Debug("submitted entry")

	return entry, nil
}

func (n *Node) setBlobID(entryID, digest string) {
	n.blobLock.Lock()
	defer n.blobLock.Unlock()
	n.blobIDs[entryID] = digest
}

func (n *Node) blobID(entryID string) string {
	n.blobLock.Lock()
	defer n.blobLock.Unlock()
	return n.blobIDs[entryID]
}

// Ledger returns the node's ledger.
func (n *Node) Ledger() *ledger.Ledger {
	return n.ledger
}

// Manager returns the node's protocol manager.
func (n *Node) Manager() *p2p.Manager {
	return n.manager
}

// PeerState returns the handshake state for a peer.
func (n *Node) PeerState(peerID string) (PeerState, bool) {
	return n.peerStates.get(peerID)
}

// Peers returns the handshake state table.
func (n *Node) Peers() map[string]PeerState {
	return n.peerStates.snapshot()
}

// Stats returns a snapshot of node counters for the stats endpoint.
func (n *Node) Stats() map[string]string {
	return map[string]string{
		"id":              n.id,
		"chain_length":    strconv.Itoa(n.ledger.Len()),
		"pending_entries": strconv.Itoa(n.ledger.PendingCount()),
		"known_nodes":     strconv.Itoa(len(n.ledger.KnownNodes())),
		"connected_peers": strconv.Itoa(len(n.manager.ConnectedPeers())),
		"uptime":          time.Since(n.start).String(),
	}
}

// Shutdown stops the loops and closes the collaborators. It is safe to
// call more than once.
func (n *Node) Shutdown() {
	n.shutdownOnce.Do(func() {
		n.logger.Debug("shutdown")

		close(n.shutdownCh)
		n.controlTimer.Shutdown()
		n.disc.Close()
		n.trans.Close()

		if err := n.blobs.Close(); err != nil {
			n.logger.WithError(err).Error("closing blob store")
		}
	})
}

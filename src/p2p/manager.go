package p2p

import (
	"encoding/json"
	"sync"

	"github.com/ledgermesh/ledgermesh/src/ledger"
	lnet "github.com/ledgermesh/ledgermesh/src/net"
	"github.com/sirupsen/logrus"
)

// EventHandler processes a non-protocol transport event (the bootstrap
// channel: advertise, peer_sync_request, fetch_blob, etc). Handlers are
// registered before any connection is attached.
type EventHandler func(conn lnet.Conn, payload json.RawMessage)

// Manager owns the connection table and routes protocol envelopes between
// the transport and the ledger. The connection table has its own lock,
// separate from the ledger's; neither lock is ever held across a send, and
// the two are never nested.
type Manager struct {
	nodeID string
	ledger *ledger.Ledger

	connsLock sync.Mutex
	conns     map[string]lnet.Conn

	handlersLock sync.Mutex
	handlers     map[string]EventHandler

	logger *logrus.Entry
}

// NewManager creates a manager for the given node identity and ledger. The
// identity is chosen once at process start and is stable for its lifetime.
func NewManager(nodeID string, l *ledger.Ledger, logger *logrus.Entry) *Manager {
	return &Manager{
		nodeID:   nodeID,
		ledger:   l,
		conns:    make(map[string]lnet.Conn),
		handlers: make(map[string]EventHandler),
		logger:   logger.WithField("this_id", nodeID),
	}
}

// NodeID returns the local node identity.
func (m *Manager) NodeID() string {
	return m.nodeID
}

// Ledger returns the ledger the manager routes entries into.
func (m *Manager) Ledger() *ledger.Ledger {
	return m.ledger
}

// RegisterHandler attaches a handler for a named transport event. Protocol
// envelopes (MessageEvent) are always dispatched internally.
func (m *Manager) RegisterHandler(event string, handler EventHandler) {
	m.handlersLock.Lock()
	defer m.handlersLock.Unlock()
	m.handlers[event] = handler
}

// HandleConnection registers a newly established connection. The peer ID is
// extracted from the intro payload, defaulting to the "unknown" sentinel; a
// reconnecting peer overwrites its previous table entry. The new peer is
// announced to every connected peer, including the one just inserted, and
// the message dispatcher is attached to the connection.
func (m *Manager) HandleConnection(conn lnet.Conn, intro json.RawMessage) {
	peerID := UnknownNode

	var payload NodeAnnouncePayload
	if err := json.Unmarshal(intro, &payload); err == nil && payload.NodeID != "" {
		peerID = payload.NodeID
	}

	m.logger.WithFields(logrus.Fields{
		"peer_id": peerID,
		"addr":    conn.Addr(),
	}).Debug("peer connected, establishing peering")

	m.connsLock.Lock()
	m.conns[peerID] = conn
	m.connsLock.Unlock()

	m.ledger.AddKnownNode(peerID)

	m.Broadcast(NewMessage(NodeAnnounce, m.nodeID, "", NodeAnnouncePayload{NodeID: peerID}))

	go m.serve(conn)
}

// serve dispatches inbound events from one connection until it drops.
func (m *Manager) serve(conn lnet.Conn) {
	for ev := range conn.Consumer() {
		if ev.Name == MessageEvent {
			m.handleMessage(conn, ev.Payload)
			continue
		}

		m.handlersLock.Lock()
		handler, ok := m.handlers[ev.Name]
		m.handlersLock.Unlock()

		if !ok {
			m.logger.WithField("event", ev.Name).Debug("no handler for event")
			continue
		}

		handler(conn, ev.Payload)
	}

	m.logger.WithField("addr", conn.Addr()).Debug("peer disconnected")
}

// handleMessage decodes and routes one protocol envelope. A payload that
// fails to decode is dropped and logged, never surfaced to the sender.
func (m *Manager) handleMessage(conn lnet.Conn, raw json.RawMessage) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		m.logger.WithError(err).Debug("dropping malformed message")
		return
	}

	m.logger.WithFields(logrus.Fields{
		"type":   msg.Type,
		"sender": msg.SenderID,
	}).Debug("received message")

	switch msg.Type {
	case NodeAnnounce:
		m.handleNodeAnnounce(msg)
	case NodeListRequest:
		m.handleNodeListRequest(conn, msg)
	case EntryAnnounce:
		m.handleEntryAnnounce(msg)
	case EntryRequest:
		m.handleEntryRequest(conn, msg)
	case LedgerSyncRequest:
		m.handleLedgerSyncRequest(conn, msg)
	case LedgerSyncResponse:
		m.handleLedgerSyncResponse(msg)
	default:
		m.logger.WithField("type", msg.Type).Debug("unhandled message type")
	}
}

func (m *Manager) handleNodeAnnounce(msg Message) {
	nodeID := UnknownNode

	var payload NodeAnnouncePayload
	if err := json.Unmarshal(msg.Payload, &payload); err == nil && payload.NodeID != "" {
		nodeID = payload.NodeID
	}

	m.ledger.AddKnownNode(nodeID)
}

func (m *Manager) handleNodeListRequest(conn lnet.Conn, msg Message) {
	response := NewMessage(NodeListResponse, m.nodeID, msg.SenderID,
		NodeListPayload{Nodes: m.ledger.KnownNodes()})

	m.reply(conn, response)
}

// handleEntryAnnounce stages the announced entry and drains the pending
// pool; every newly linked entry is re-broadcast, which is the gossip
// propagation mechanism.
func (m *Manager) handleEntryAnnounce(msg Message) {
	var entry ledger.Entry
	if err := json.Unmarshal(msg.Payload, &entry); err != nil {
		m.logger.WithError(err).Debug("dropping malformed entry announce")
		return
	}

	m.ledger.AddPending(&entry)

	for _, added := range m.ledger.Reconcile() {
		m.BroadcastEntry(added)
	}
}

// handleEntryRequest scans the chain for the requested entry. If the entry
// is unknown there is no reply; the protocol has no not-found signal.
func (m *Manager) handleEntryRequest(conn lnet.Conn, msg Message) {
	var payload EntryRequestPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		m.logger.WithError(err).Debug("dropping malformed entry request")
		return
	}

	entry, ok := m.ledger.GetEntry(payload.EntryID)
	if !ok {
		return
	}

	m.reply(conn, NewMessage(EntryResponse, m.nodeID, msg.SenderID, entry))
}

// handleLedgerSyncRequest replies with the full chain, unpaginated.
func (m *Manager) handleLedgerSyncRequest(conn lnet.Conn, msg Message) {
	response := NewMessage(LedgerSyncResponse, m.nodeID, msg.SenderID, m.ledger.Snapshot())

	m.reply(conn, response)
}

// handleLedgerSyncResponse merges the carried entries into the pending pool
// and drains it. Entries already linked are naturally rejected by the tip
// check, so repeated syncs are idempotent.
func (m *Manager) handleLedgerSyncResponse(msg Message) {
	var entries []*ledger.Entry
	if err := json.Unmarshal(msg.Payload, &entries); err != nil {
		m.logger.WithError(err).Debug("dropping malformed sync response")
		return
	}

	for _, entry := range entries {
		m.ledger.AddPending(entry)
	}

	for _, added := range m.ledger.Reconcile() {
		m.BroadcastEntry(added)
	}
}

func (m *Manager) reply(conn lnet.Conn, msg *Message) {
	if err := conn.Emit(MessageEvent, msg); err != nil {
		m.logger.WithError(err).WithField("type", msg.Type).Debug("reply failed")
	}
}

// Broadcast sends a message to every connected peer. The connection table is
// snapshotted under the lock and the sends happen after it is released, so a
// slow peer cannot stall other handlers; a failed send does not abort the
// remaining sends.
func (m *Manager) Broadcast(msg *Message) {
	m.connsLock.Lock()
	conns := make([]lnet.Conn, 0, len(m.conns))
	for _, conn := range m.conns {
		conns = append(conns, conn)
	}
	m.connsLock.Unlock()

	for _, conn := range conns {
		if err := conn.Emit(MessageEvent, msg); err != nil {
			m.logger.WithError(err).WithField("addr", conn.Addr()).Debug("broadcast send failed")
		}
	}
}

// BroadcastEntry announces a ledger entry to every connected peer.
func (m *Manager) BroadcastEntry(entry *ledger.Entry) {
	m.Broadcast(NewMessage(EntryAnnounce, m.nodeID, "", entry))
}

// BroadcastEvent sends a raw transport event to every connected peer. It is
// used for the bootstrap channel (advertise and friends).
func (m *Manager) BroadcastEvent(name string, payload interface{}) {
	m.connsLock.Lock()
	conns := make([]lnet.Conn, 0, len(m.conns))
	for _, conn := range m.conns {
		conns = append(conns, conn)
	}
	m.connsLock.Unlock()

	for _, conn := range conns {
		if err := conn.Emit(name, payload); err != nil {
			m.logger.WithError(err).WithField("event", name).Debug("event send failed")
		}
	}
}

// Send delivers a message to a specific peer. It returns true iff the peer
// is registered and the underlying send succeeds; the caller cannot
// distinguish an unknown peer from a transport failure.
func (m *Manager) Send(recipientID string, msg *Message) bool {
	m.connsLock.Lock()
	conn, ok := m.conns[recipientID]
	m.connsLock.Unlock()

	if !ok {
		return false
	}

	return conn.Emit(MessageEvent, msg) == nil
}

// Conn returns the registered connection for a peer, if any.
func (m *Manager) Conn(peerID string) (lnet.Conn, bool) {
	m.connsLock.Lock()
	defer m.connsLock.Unlock()

	conn, ok := m.conns[peerID]
	return conn, ok
}

// ConnectedPeers returns the IDs in the connection table.
func (m *Manager) ConnectedPeers() []string {
	m.connsLock.Lock()
	defer m.connsLock.Unlock()

	res := make([]string, 0, len(m.conns))
	for id := range m.conns {
		res = append(res, id)
	}
	return res
}

// RequestNodeList asks a peer for its known-node set. Like all request
// helpers it is fire-and-forget: the reply, if any, arrives as an ordinary
// inbound message.
func (m *Manager) RequestNodeList(recipientID string) bool {
	return m.Send(recipientID, NewMessage(NodeListRequest, m.nodeID, recipientID, struct{}{}))
}

// RequestEntry asks a peer for a single entry by ID.
func (m *Manager) RequestEntry(recipientID string, entryID string) bool {
	return m.Send(recipientID, NewMessage(EntryRequest, m.nodeID, recipientID,
		EntryRequestPayload{EntryID: entryID}))
}

// RequestLedgerSync asks a peer for its full chain.
func (m *Manager) RequestLedgerSync(recipientID string) bool {
	return m.Send(recipientID, NewMessage(LedgerSyncRequest, m.nodeID, recipientID, struct{}{}))
}

package node

import (
	"encoding/json"

	"github.com/ledgermesh/ledgermesh/src/blobs"
	"github.com/ledgermesh/ledgermesh/src/ledger"
	lnet "github.com/ledgermesh/ledgermesh/src/net"
	"github.com/sirupsen/logrus"
)

// Bootstrap-channel event names. These ride on the same transport as the
// protocol envelope but are dispatched by name rather than by message type.
const (
	AdvertiseEvent        = "advertise"
	PeerAckEvent          = "peer_ack"
	PeerSyncRequestEvent  = "peer_sync_request"
	PeerSyncResponseEvent = "peer_sync_response"
	PeerDiscoveredEvent   = "peer_discovered"
	BlobAvailableEvent    = "blob_available"
	FetchBlobEvent        = "fetch_blob"
	BlobFetchAckEvent     = "blob_fetch_ack"
)

// AdvertisePayload announces a node's identity and dialable address. It is
// used by advertise, peer_ack, peer_sync_request, and peer_discovered.
type AdvertisePayload struct {
	NodeID string `json:"node_id"`
	Addr   string `json:"addr,omitempty"`
}

// SyncResponsePayload carries the full chain, plus the content identifier
// of the tip entry's stored bytes when the responder holds it.
type SyncResponsePayload struct {
	NodeID   string          `json:"node_id"`
	Entries  []*ledger.Entry `json:"entries"`
	BlobHash string          `json:"blob_hash,omitempty"`
}

// BlobAvailablePayload advertises that an entry's bytes are retrievable.
type BlobAvailablePayload struct {
	EntryID  string `json:"entry_id"`
	BlobHash string `json:"blob_hash"`
}

// FetchBlobPayload requests a blob by content identifier.
type FetchBlobPayload struct {
	BlobHash string `json:"blob_hash"`
}

// BlobFetchAckPayload answers a fetch_blob. Status is "ok" with the blob
// bytes attached, or "error" with a reason.
type BlobFetchAckPayload struct {
	BlobHash string `json:"blob_hash"`
	Status   string `json:"status"`
	Data     []byte `json:"data,omitempty"`
	Error    string `json:"error,omitempty"`
}

// registerHandlers attaches the bootstrap-channel handlers to the manager's
// event dispatcher.
func (n *Node) registerHandlers() {
	n.manager.RegisterHandler(AdvertiseEvent, n.onAdvertise)
	n.manager.RegisterHandler(PeerAckEvent, n.onPeerAck)
	n.manager.RegisterHandler(PeerSyncRequestEvent, n.onPeerSyncRequest)
	n.manager.RegisterHandler(PeerSyncResponseEvent, n.onPeerSyncResponse)
	n.manager.RegisterHandler(PeerDiscoveredEvent, n.onPeerDiscovered)
	n.manager.RegisterHandler(BlobAvailableEvent, n.onBlobAvailable)
	n.manager.RegisterHandler(FetchBlobEvent, n.onFetchBlob)
	n.manager.RegisterHandler(BlobFetchAckEvent, n.onBlobFetchAck)
}

// onAdvertise handles a peer introducing itself: record it, acknowledge,
// and immediately ask for its chain. Repeated advertisements are not
// suppressed; the resulting duplicate sync cycles are wasted work only.
func (n *Node) onAdvertise(conn lnet.Conn, raw json.RawMessage) {
	var payload AdvertisePayload
	if err := json.Unmarshal(raw, &payload); err != nil || payload.NodeID == "" {
		n.logger.Debug("dropping malformed advertise")
		return
	}

	n.logger.WithField("peer_id", payload.NodeID).Debug("peer advertised")

	n.ledger.AddKnownNode(payload.NodeID)
	n.peerStates.set(payload.NodeID, Advertised)

	n.emit(conn, PeerAckEvent, n.advertisePayload())
	n.emit(conn, PeerSyncRequestEvent, n.advertisePayload())
}

func (n *Node) onPeerAck(conn lnet.Conn, raw json.RawMessage) {
	var payload AdvertisePayload
	if err := json.Unmarshal(raw, &payload); err != nil || payload.NodeID == "" {
		return
	}

	n.logger.WithField("peer_id", payload.NodeID).Debug("peer acked advertise")
	n.ledger.AddKnownNode(payload.NodeID)
}

// onPeerSyncRequest answers with the full chain, unpaginated, plus the
// content identifier of the tip entry's blob when we hold it.
func (n *Node) onPeerSyncRequest(conn lnet.Conn, raw json.RawMessage) {
	var payload AdvertisePayload
	if err := json.Unmarshal(raw, &payload); err == nil && payload.NodeID != "" {
		n.peerStates.set(payload.NodeID, Syncing)
	}

	chain := n.ledger.Snapshot()

	response := SyncResponsePayload{
		NodeID:  n.id,
		Entries: chain,
	}
	if len(chain) > 0 {
		response.BlobHash = n.blobID(chain[len(chain)-1].ID)
	}

	n.emit(conn, PeerSyncResponseEvent, response)
}

// onPeerSyncResponse merges the carried entries, drains the pending pool,
// re-broadcasts anything newly linked, and fetches the advertised blob if
// it is not held locally.
func (n *Node) onPeerSyncResponse(conn lnet.Conn, raw json.RawMessage) {
	var payload SyncResponsePayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		n.logger.Debug("dropping malformed sync response")
		return
	}

	for _, entry := range payload.Entries {
		n.ledger.AddPending(entry)
	}

	added := n.ledger.Reconcile()
	for _, entry := range added {
		n.manager.BroadcastEntry(entry)
	}

	if payload.NodeID != "" {
		n.peerStates.set(payload.NodeID, Merged)
	}

	n.logger.WithFields(logrus.Fields{
		"peer_id": payload.NodeID,
		"carried": len(payload.Entries),
		"linked":  len(added),
	}).Debug("merged peer chain")

	if payload.BlobHash != "" {
		if ok, _ := n.blobs.Has(payload.BlobHash); !ok {
			n.emit(conn, FetchBlobEvent, FetchBlobPayload{BlobHash: payload.BlobHash})
		}
	}
}

// onPeerDiscovered handles a peer relaying another peer's identity. We
// record it and advertise ourselves back on the same connection so the
// relay can forward our identity in turn.
func (n *Node) onPeerDiscovered(conn lnet.Conn, raw json.RawMessage) {
	var payload AdvertisePayload
	if err := json.Unmarshal(raw, &payload); err != nil || payload.NodeID == "" {
		return
	}

	n.ledger.AddKnownNode(payload.NodeID)
	n.peerStates.set(payload.NodeID, Discovered)

	n.emit(conn, AdvertiseEvent, n.advertisePayload())
}

func (n *Node) onBlobAvailable(conn lnet.Conn, raw json.RawMessage) {
	var payload BlobAvailablePayload
	if err := json.Unmarshal(raw, &payload); err != nil || payload.BlobHash == "" {
		return
	}

	n.setBlobID(payload.EntryID, payload.BlobHash)

	if ok, _ := n.blobs.Has(payload.BlobHash); !ok {
		n.emit(conn, FetchBlobEvent, FetchBlobPayload{BlobHash: payload.BlobHash})
	}
}

// onFetchBlob resolves a content identifier through the local store. An
// unknown digest produces an error ack rather than silence so the requester
// is not left waiting on a blob we will never have.
func (n *Node) onFetchBlob(conn lnet.Conn, raw json.RawMessage) {
	var payload FetchBlobPayload
	if err := json.Unmarshal(raw, &payload); err != nil || payload.BlobHash == "" {
		return
	}

	data, err := n.blobs.Get(payload.BlobHash)
	if err != nil {
		n.emit(conn, BlobFetchAckEvent, BlobFetchAckPayload{
			BlobHash: payload.BlobHash,
			Status:   "error",
			Error:    err.Error(),
		})
		return
	}

	n.emit(conn, BlobFetchAckEvent, BlobFetchAckPayload{
		BlobHash: payload.BlobHash,
		Status:   "ok",
		Data:     data,
	})
}

// onBlobFetchAck verifies the fetched bytes against the digest they were
// requested by and only then stores them; bytes that do not hash to the
// advertised identifier never touch the store.
func (n *Node) onBlobFetchAck(conn lnet.Conn, raw json.RawMessage) {
	var payload BlobFetchAckPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return
	}

	if payload.Status != "ok" {
		n.logger.WithFields(logrus.Fields{
			"blob_hash": payload.BlobHash,
			"error":     payload.Error,
		}).Debug("blob fetch failed")
		return
	}

	if digest := blobs.Digest(payload.Data); digest != payload.BlobHash {
		n.logger.WithFields(logrus.Fields{
			"expected": payload.BlobHash,
			"got":      digest,
		}).Warn("fetched blob digest mismatch")
		return
	}

	if _, err := n.blobs.Put(payload.Data); err != nil {
		n.logger.WithError(err).Error("storing fetched blob")
		return
	}

	n.logger.WithField("blob_hash", payload.BlobHash).Debug("stored fetched blob")
}

func (n *Node) emit(conn lnet.Conn, name string, payload interface{}) {
	if err := conn.Emit(name, payload); err != nil {
		n.logger.WithError(err).WithField("event", name).Debug("emit failed")
	}
}

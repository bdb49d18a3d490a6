package p2p

import (
	"encoding/json"

	"github.com/ledgermesh/ledgermesh/src/common"
)

// MessageEvent is the transport event name carrying protocol envelopes.
const MessageEvent = "p2p_message"

// UnknownNode is the sentinel peer ID used when a connection's intro payload
// does not identify the peer. Such connections are registered rather than
// rejected.
const UnknownNode = "unknown"

// MessageType tags a protocol envelope.
type MessageType string

// The protocol message types.
const (
	NodeAnnounce       MessageType = "NodeAnnounce"
	NodeListRequest    MessageType = "NodeListRequest"
	NodeListResponse   MessageType = "NodeListResponse"
	EntryAnnounce      MessageType = "EntryAnnounce"
	EntryRequest       MessageType = "EntryRequest"
	EntryResponse      MessageType = "EntryResponse"
	LedgerSyncRequest  MessageType = "LedgerSyncRequest"
	LedgerSyncResponse MessageType = "LedgerSyncResponse"
)

// Message is the envelope for all inter-node traffic. An empty RecipientID
// means broadcast. MessageID is unique per message but replies are never
// correlated back to requests; the protocol is fire-and-forget.
type Message struct {
	Type        MessageType     `json:"message_type"`
	MessageID   string          `json:"message_id"`
	SenderID    string          `json:"sender_id"`
	RecipientID string          `json:"recipient_id"`
	Payload     json.RawMessage `json:"payload"`
}

// NewMessage builds an envelope with a fresh message ID. The payload is
// encoded immediately; an unencodable payload is a programming error, so the
// payload falls back to null rather than failing the send path.
func NewMessage(t MessageType, senderID, recipientID string, payload interface{}) *Message {
	raw, err := json.Marshal(payload)
	if err != nil {
		raw = json.RawMessage("null")
	}

	return &Message{
		Type:        t,
		MessageID:   common.GenerateUUID(),
		SenderID:    senderID,
		RecipientID: recipientID,
		Payload:     raw,
	}
}

// NodeAnnouncePayload carries the ID of a node joining the network.
type NodeAnnouncePayload struct {
	NodeID string `json:"node_id"`
}

// NodeListPayload carries the responder's known-node set.
type NodeListPayload struct {
	Nodes []string `json:"nodes"`
}

// EntryRequestPayload asks for a single chain entry by ID.
type EntryRequestPayload struct {
	EntryID string `json:"entry_id"`
}

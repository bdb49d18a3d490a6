package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// GenesisHash is the previous-hash of the first entry in a chain. It is 64
// zero characters, the width of a hex-encoded sha256 digest.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Entry is a single link in the hash chain. The Hash field commits to ID,
// Timestamp, Data, PreviousHash and CreatorNodeID; Signatures are excluded
// from the digest so that peers can endorse an entry without changing its
// identity. Once linked into a chain an entry is never modified.
type Entry struct {
	ID            string            `json:"id"`
	Timestamp     time.Time         `json:"timestamp"`
	Data          json.RawMessage   `json:"data"`
	PreviousHash  string            `json:"previous_hash"`
	Hash          string            `json:"hash"`
	CreatorNodeID string            `json:"creator_node_id"`
	Signatures    map[string]string `json:"signatures"`
}

// NewEntry creates an entry linked to previousHash and computes its hash. The
// data document is stored verbatim; the ledger is agnostic to its structure.
func NewEntry(data json.RawMessage, previousHash string, creatorNodeID string) *Entry {
	timestamp := time.Now().UTC()

	entry := &Entry{
		ID:            fmt.Sprintf("%s-%d", creatorNodeID, timestamp.UnixMilli()),
		Timestamp:     timestamp,
		Data:          data,
		PreviousHash:  previousHash,
		CreatorNodeID: creatorNodeID,
		Signatures:    map[string]string{},
	}

	entry.Hash = entry.CalculateHash()

	return entry
}

// CalculateHash returns the hex-encoded sha256 digest of the entry's
// canonical fields, in declaration order. The timestamp contributes its
// RFC3339 rendering so that the digest survives a JSON round-trip.
func (e *Entry) CalculateHash() string {
	hasher := sha256.New()

	hasher.Write([]byte(e.ID))
	hasher.Write([]byte(e.Timestamp.Format(time.RFC3339Nano)))
	hasher.Write([]byte(e.Data))
	hasher.Write([]byte(e.PreviousHash))
	hasher.Write([]byte(e.CreatorNodeID))

	return hex.EncodeToString(hasher.Sum(nil))
}

// IsValid reports whether the stored hash matches the recomputed digest.
func (e *Entry) IsValid() bool {
	return e.Hash == e.CalculateHash()
}

// AddSignature records a validation signature from a node. Signatures do not
// contribute to the entry hash.
func (e *Entry) AddSignature(nodeID string, signature string) {
	if e.Signatures == nil {
		e.Signatures = map[string]string{}
	}
	e.Signatures[nodeID] = signature
}

// Marshal returns the JSON encoding of the entry, which is also its wire and
// blob form.
func (e *Entry) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Unmarshal parses a JSON encoded entry.
func (e *Entry) Unmarshal(data []byte) error {
	return json.Unmarshal(data, e)
}

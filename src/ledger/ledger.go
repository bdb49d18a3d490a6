package ledger

import (
	"encoding/json"
	"sort"
	"sync"
)

// Ledger owns the hash chain, the pool of pending entries received from
// peers, and the set of known node IDs. All access is serialized through a
// single exclusive lock; the lock is never held across network I/O, so
// callers broadcast newly linked entries only after the mutating call
// returns.
type Ledger struct {
	sync.Mutex

	nodeID string

	chain      []*Entry
	pending    map[string]*Entry
	knownNodes map[string]struct{}
}

// NewLedger returns an empty ledger. The local node ID is always a member of
// the known-node set.
func NewLedger(nodeID string) *Ledger {
	return &Ledger{
		nodeID:     nodeID,
		pending:    make(map[string]*Entry),
		knownNodes: map[string]struct{}{nodeID: {}},
	}
}

// NodeID returns the ID of the node that owns this ledger.
func (l *Ledger) NodeID() string {
	return l.nodeID
}

// tipHash returns the hash of the last entry in the chain, or GenesisHash
// when the chain is empty. Callers must hold the lock.
func (l *Ledger) tipHash() string {
	if len(l.chain) == 0 {
		return GenesisHash
	}
	return l.chain[len(l.chain)-1].Hash
}

// TipHash returns the hash the next submitted entry will link to.
func (l *Ledger) TipHash() string {
	l.Lock()
	defer l.Unlock()

	return l.tipHash()
}

// Submit creates a new entry linked to the current tip and appends it to the
// chain. Locally created entries are implicitly trusted; there is no
// validation at this point.
func (l *Ledger) Submit(data json.RawMessage) *Entry {
	entry, _ := l.SubmitSealed(data, nil)
	return entry
}

// SubmitSealed is Submit with a seal hook. The hook runs on the new entry
// while it is still private, before it is appended, so it may mutate the
// entry (attach signatures) without racing chain readers; once an entry is
// reachable from the chain it must be treated as read-only. A seal error
// leaves the chain unchanged.
func (l *Ledger) SubmitSealed(data json.RawMessage, seal func(*Entry) error) (*Entry, error) {
	l.Lock()
	defer l.Unlock()

	entry := NewEntry(data, l.tipHash(), l.nodeID)

	if seal != nil {
		if err := seal(entry); err != nil {
			return nil, err
		}
	}

	l.chain = append(l.chain, entry)

	return entry, nil
}

// AddPending stages an entry received from a peer. An entry with the same ID
// overwrites the previous one; pending entries only leave the pool when they
// are linked by Reconcile.
func (l *Ledger) AddPending(entry *Entry) {
	l.Lock()
	defer l.Unlock()

	l.pending[entry.ID] = entry
}

// Reconcile drains pending entries that link to the chain tip. The tip hash
// is captured once: entries that only become linkable because a sibling was
// linked during this same call are left for a subsequent call. Candidates are
// sorted by timestamp; when two candidates claim the same previous hash the
// first one wins and the other is stranded in the pool. Invalid entries are
// skipped and also remain in the pool.
func (l *Ledger) Reconcile() []*Entry {
	l.Lock()
	defer l.Unlock()

	tip := l.tipHash()

	candidates := []*Entry{}
	for _, entry := range l.pending {
		if entry.PreviousHash == tip {
			candidates = append(candidates, entry)
		}
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].Timestamp.Before(candidates[j].Timestamp)
	})

	added := []*Entry{}
	for _, entry := range candidates {
		// The tip moves as candidates are linked. A sibling that claimed the
		// same previous hash no longer matches and stays pending.
		if entry.PreviousHash != l.tipHash() {
			continue
		}
		if !entry.IsValid() {
			continue
		}

		l.chain = append(l.chain, entry)
		delete(l.pending, entry.ID)
		added = append(added, entry)
	}

	return added
}

// Snapshot returns the chain in order.
func (l *Ledger) Snapshot() []*Entry {
	l.Lock()
	defer l.Unlock()

	res := make([]*Entry, len(l.chain))
	copy(res, l.chain)

	return res
}

// GetEntry scans the chain for an entry by ID.
func (l *Ledger) GetEntry(id string) (*Entry, bool) {
	l.Lock()
	defer l.Unlock()

	for _, entry := range l.chain {
		if entry.ID == id {
			return entry, true
		}
	}

	return nil, false
}

// Len returns the number of linked entries.
func (l *Ledger) Len() int {
	l.Lock()
	defer l.Unlock()

	return len(l.chain)
}

// PendingCount returns the number of entries waiting in the pool.
func (l *Ledger) PendingCount() int {
	l.Lock()
	defer l.Unlock()

	return len(l.pending)
}

// AddKnownNode inserts a node ID into the known-node set. Inserting an ID
// twice is a no-op; the set never shrinks.
func (l *Ledger) AddKnownNode(nodeID string) {
	l.Lock()
	defer l.Unlock()

	l.knownNodes[nodeID] = struct{}{}
}

// KnownNodes returns the sorted list of known node IDs.
func (l *Ledger) KnownNodes() []string {
	l.Lock()
	defer l.Unlock()

	res := make([]string, 0, len(l.knownNodes))
	for id := range l.knownNodes {
		res = append(res, id)
	}

	sort.Strings(res)

	return res
}

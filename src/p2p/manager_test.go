package p2p

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/ledgermesh/ledgermesh/src/common"
	"github.com/ledgermesh/ledgermesh/src/ledger"
	lnet "github.com/ledgermesh/ledgermesh/src/net"
)

type testPeer struct {
	id      string
	ledger  *ledger.Ledger
	manager *Manager
	trans   *lnet.InmemTransport
	addr    string
}

func newTestPeer(t *testing.T, id string) *testPeer {
	addr, trans := lnet.NewInmemTransport("", NodeAnnouncePayload{NodeID: id})

	l := ledger.NewLedger(id)
	m := NewManager(id, l, common.NewTestEntry(t))

	p := &testPeer{
		id:      id,
		ledger:  l,
		manager: m,
		trans:   trans,
		addr:    addr,
	}

	go func() {
		for conn := range trans.Consumer() {
			m.HandleConnection(conn.Conn, conn.Intro)
		}
	}()

	return p
}

// connect dials from p to q and attaches both ends to their managers.
func (p *testPeer) connect(t *testing.T, q *testPeer) {
	p.trans.Connect(q.addr, q.trans)
	q.trans.Connect(p.addr, p.trans)

	conn, err := p.trans.Dial(q.addr, NodeAnnouncePayload{NodeID: p.id})
	if err != nil {
		t.Fatalf("err: %v", err)
	}

	p.manager.HandleConnection(conn.Conn, conn.Intro)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	timeout := time.After(time.Second)
	for {
		if cond() {
			return
		}
		select {
		case <-timeout:
			t.Fatalf("timed out waiting for %s", what)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestManagerRegistration(t *testing.T) {
	a := newTestPeer(t, "node-a")
	b := newTestPeer(t, "node-b")

	a.connect(t, b)

	waitFor(t, "a to register b", func() bool {
		_, ok := a.manager.Conn("node-b")
		return ok
	})
	waitFor(t, "b to register a", func() bool {
		_, ok := b.manager.Conn("node-a")
		return ok
	})

	waitFor(t, "known-node merge", func() bool {
		nodes := a.ledger.KnownNodes()
		for _, n := range nodes {
			if n == "node-b" {
				return true
			}
		}
		return false
	})
}

func TestManagerMalformedIntro(t *testing.T) {
	a := newTestPeer(t, "node-a")
	b := newTestPeer(t, "node-b")

	a.trans.Connect(b.addr, b.trans)
	b.trans.Connect(a.addr, a.trans)

	conn, err := a.trans.Dial(b.addr, NodeAnnouncePayload{NodeID: "node-a"})
	if err != nil {
		t.Fatalf("err: %v", err)
	}

	// An intro that fails to parse registers the connection under the
	// sentinel instead of rejecting it.
	a.manager.HandleConnection(conn.Conn, json.RawMessage(`"not an intro"`))

	if _, ok := a.manager.Conn(UnknownNode); !ok {
		t.Fatal("connection should be registered under the unknown sentinel")
	}

	for _, n := range a.ledger.KnownNodes() {
		if n == UnknownNode {
			return
		}
	}
	t.Fatal("sentinel should join the known-node set")
}

func TestManagerSendUnknownPeer(t *testing.T) {
	a := newTestPeer(t, "node-a")

	msg := NewMessage(NodeListRequest, "node-a", "node-z", struct{}{})
	if a.manager.Send("node-z", msg) {
		t.Fatal("send to unregistered peer should fail")
	}
}

func TestManagerGossipEntry(t *testing.T) {
	a := newTestPeer(t, "node-a")
	b := newTestPeer(t, "node-b")

	a.connect(t, b)

	waitFor(t, "peering", func() bool {
		_, ok := a.manager.Conn("node-b")
		return ok
	})

	entry := a.ledger.Submit(json.RawMessage(`{"amount":42}`))
	a.manager.BroadcastEntry(entry)

	waitFor(t, "entry to reach b", func() bool {
		return b.ledger.Len() == 1
	})

	got, ok := b.ledger.GetEntry(entry.ID)
	if !ok {
		t.Fatal("entry not found on b")
	}
	if got.Hash != entry.Hash {
		t.Fatalf("hash mismatch: %s != %s", got.Hash, entry.Hash)
	}
}

func TestManagerNodeListRequest(t *testing.T) {
	a := newTestPeer(t, "node-a")
	b := newTestPeer(t, "node-b")

	a.connect(t, b)

	waitFor(t, "peering", func() bool {
		_, ok := a.manager.Conn("node-b")
		return ok
	})

	b.ledger.AddKnownNode("node-c")

	if !a.manager.RequestNodeList("node-b") {
		t.Fatal("request send failed")
	}

	// The response is unhandled by the dispatcher, but the request must
	// widen b's knowledge of a and produce no errors.
	waitFor(t, "b to know node-a", func() bool {
		for _, n := range b.ledger.KnownNodes() {
			if n == "node-a" {
				return true
			}
		}
		return false
	})
}

func TestManagerLedgerSync(t *testing.T) {
	a := newTestPeer(t, "node-a")
	b := newTestPeer(t, "node-b")

	// entry ids embed millisecond timestamps; keep them distinct
	for _, doc := range []string{`"one"`, `"two"`, `"three"`} {
		a.ledger.Submit(json.RawMessage(doc))
		time.Sleep(2 * time.Millisecond)
	}

	a.connect(t, b)

	waitFor(t, "peering", func() bool {
		_, ok := b.manager.Conn("node-a")
		return ok
	})

	// The pending-pool drain is single-pass, so each sync round links one
	// more hop of the chain.
	for want := 1; want <= 3; want++ {
		if !b.manager.RequestLedgerSync("node-a") {
			t.Fatal("sync request send failed")
		}
		waitFor(t, "b to link the next entry", func() bool {
			return b.ledger.Len() >= want
		})
	}

	aChain := a.ledger.Snapshot()
	bChain := b.ledger.Snapshot()
	for i := range aChain {
		if aChain[i].Hash != bChain[i].Hash {
			t.Fatalf("chain mismatch at %d", i)
		}
	}
}

func TestManagerMalformedEnvelope(t *testing.T) {
	a := newTestPeer(t, "node-a")
	b := newTestPeer(t, "node-b")

	a.connect(t, b)

	waitFor(t, "peering", func() bool {
		_, ok := a.manager.Conn("node-b")
		return ok
	})

	conn, _ := a.manager.Conn("node-b")
	if err := conn.Emit(MessageEvent, json.RawMessage(`"not an envelope"`)); err != nil {
		t.Fatalf("err: %v", err)
	}

	// A garbage envelope is dropped; the connection stays usable.
	entry := a.ledger.Submit(json.RawMessage(`1`))
	a.manager.BroadcastEntry(entry)

	waitFor(t, "entry after garbage", func() bool {
		return b.ledger.Len() == 1
	})
}

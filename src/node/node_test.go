package node

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/ledgermesh/ledgermesh/src/blobs"
	"github.com/ledgermesh/ledgermesh/src/common"
	"github.com/ledgermesh/ledgermesh/src/discovery"
	lnet "github.com/ledgermesh/ledgermesh/src/net"
	"github.com/ledgermesh/ledgermesh/src/p2p"
	"github.com/ledgermesh/ledgermesh/src/wallet"
)

type testNode struct {
	node  *Node
	trans *lnet.InmemTransport
	addr  string
	store *blobs.InmemStore
	disc  *discovery.ChanDiscovery
}

func newTestNode(t *testing.T, heartbeat time.Duration) *testNode {
	w, err := wallet.Generate()
	if err != nil {
		t.Fatalf("err: %v", err)
	}

	addr, trans := lnet.NewInmemTransport("", p2p.NodeAnnouncePayload{NodeID: w.NodeID()})
	store := blobs.NewInmemStore()
	disc := discovery.NewChanDiscovery()

	n := NewNode(w, trans, disc, store, heartbeat, common.NewTestEntry(t))

	go n.Run()

	return &testNode{
		node:  n,
		trans: trans,
		addr:  addr,
		store: store,
		disc:  disc,
	}
}

func link(a, b *testNode) {
	a.trans.Connect(b.addr, b.trans)
	b.trans.Connect(a.addr, a.trans)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	timeout := time.After(3 * time.Second)
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

func TestNodeHandshake(t *testing.T) {
	a := newTestNode(t, 0)
	b := newTestNode(t, 0)
	defer a.node.Shutdown()
	defer b.node.Shutdown()

	link(a, b)

	// a discovers b through its discovery channel and dials.
	a.disc.Submit(b.addr)

	waitFor(t, "b to see a advertised", func() bool {
		s, ok := b.node.PeerState(a.node.ID())
		return ok && s >= Advertised
	})
	waitFor(t, "a to serve the sync request", func() bool {
		s, ok := a.node.PeerState(b.node.ID())
		return ok && s == Syncing
	})
	waitFor(t, "b to merge a's chain", func() bool {
		s, ok := b.node.PeerState(a.node.ID())
		return ok && s == Merged
	})
}

func TestNodeSyncTransfersChain(t *testing.T) {
	// A short heartbeat drives the repeated sync cycles needed to drain a
	// multi-hop chain through the single-pass reconcile.
	a := newTestNode(t, 50*time.Millisecond)
	b := newTestNode(t, 50*time.Millisecond)
	defer a.node.Shutdown()
	defer b.node.Shutdown()

	if _, err := a.node.Submit(json.RawMessage(`"one"`)); err != nil {
		t.Fatalf("err: %v", err)
	}
	// entry ids embed millisecond timestamps; keep them distinct
	time.Sleep(2 * time.Millisecond)
	if _, err := a.node.Submit(json.RawMessage(`"two"`)); err != nil {
		t.Fatalf("err: %v", err)
	}

	link(a, b)
	a.disc.Submit(b.addr)

	waitFor(t, "b to replicate the chain", func() bool {
		return b.node.Ledger().Len() == 2
	})

	aChain := a.node.Ledger().Snapshot()
	bChain := b.node.Ledger().Snapshot()
	for i := range aChain {
		if aChain[i].Hash != bChain[i].Hash {
			t.Fatalf("chain mismatch at %d", i)
		}
	}
}

func TestNodeGossipEntry(t *testing.T) {
	a := newTestNode(t, 0)
	b := newTestNode(t, 0)
	defer a.node.Shutdown()
	defer b.node.Shutdown()

	link(a, b)
	a.disc.Submit(b.addr)

	waitFor(t, "handshake", func() bool {
		s, ok := b.node.PeerState(a.node.ID())
		return ok && s == Merged
	})

	entry, err := a.node.Submit(json.RawMessage(`{"amount":42}`))
	if err != nil {
		t.Fatalf("err: %v", err)
	}

	waitFor(t, "entry to reach b", func() bool {
		_, ok := b.node.Ledger().GetEntry(entry.ID)
		return ok
	})
}

func TestNodeBlobFlow(t *testing.T) {
	a := newTestNode(t, 0)
	b := newTestNode(t, 0)
	defer a.node.Shutdown()
	defer b.node.Shutdown()

	link(a, b)
	a.disc.Submit(b.addr)

	waitFor(t, "handshake", func() bool {
		s, ok := b.node.PeerState(a.node.ID())
		return ok && s == Merged
	})

	entry, err := a.node.Submit(json.RawMessage(`"blob payload"`))
	if err != nil {
		t.Fatalf("err: %v", err)
	}

	wire, err := entry.Marshal()
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	digest := blobs.Digest(wire)

	waitFor(t, "b to fetch the blob", func() bool {
		ok, _ := b.store.Has(digest)
		return ok
	})

	got, err := b.store.Get(digest)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if string(got) != string(wire) {
		t.Fatal("fetched blob differs from submitted bytes")
	}
}

func TestNodeSubmitSigned(t *testing.T) {
	a := newTestNode(t, 0)
	defer a.node.Shutdown()

	entry, err := a.node.Submit(json.RawMessage(`"signed"`))
	if err != nil {
		t.Fatalf("err: %v", err)
	}

	sig, ok := entry.Signatures[a.node.ID()]
	if !ok {
		t.Fatal("entry not signed by the submitting node")
	}
	if sig == "" {
		t.Fatal("empty signature")
	}

	if !entry.IsValid() {
		t.Fatal("signature must not affect entry validity")
	}
}

// Local submissions run concurrently with sync requests that marshal the
// chain; the signature must be attached before the entry is linked.
func TestNodeConcurrentSubmitAndSnapshot(t *testing.T) {
	a := newTestNode(t, 0)
	defer a.node.Shutdown()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			if _, err := json.Marshal(a.node.Ledger().Snapshot()); err != nil {
				t.Errorf("err: %v", err)
				return
			}
		}
	}()

	for i := 0; i < 100; i++ {
		if _, err := a.node.Submit(json.RawMessage(`{}`)); err != nil {
			t.Fatalf("err: %v", err)
		}
	}

	<-done
}

func TestNodeRejectsMismatchedBlob(t *testing.T) {
	a := newTestNode(t, 0)
	defer a.node.Shutdown()

	addr, trans := lnet.NewInmemTransport("", p2p.NodeAnnouncePayload{NodeID: "mallory"})
	trans.Connect(a.addr, a.trans)
	a.trans.Connect(addr, trans)

	conn, err := trans.Dial(a.addr, p2p.NodeAnnouncePayload{NodeID: "mallory"})
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	go func() {
		for range conn.Conn.Consumer() {
		}
	}()

	forged := []byte(`"forged bytes"`)
	claimed := blobs.Digest([]byte(`"honest bytes"`))

	err = conn.Conn.Emit(BlobFetchAckEvent, BlobFetchAckPayload{
		BlobHash: claimed,
		Status:   "ok",
		Data:     forged,
	})
	if err != nil {
		t.Fatalf("err: %v", err)
	}

	// Events on one connection are handled in order, so once the advertise
	// lands the ack has been processed.
	if err := conn.Conn.Emit(AdvertiseEvent, AdvertisePayload{NodeID: "mallory"}); err != nil {
		t.Fatalf("err: %v", err)
	}
	waitFor(t, "a to process the advertise", func() bool {
		_, ok := a.node.PeerState("mallory")
		return ok
	})

	if ok, _ := a.store.Has(claimed); ok {
		t.Fatal("mismatched bytes stored under the claimed digest")
	}
	if ok, _ := a.store.Has(blobs.Digest(forged)); ok {
		t.Fatal("mismatched bytes stored under their own digest")
	}
}

func TestNodeStatsBeforeRun(t *testing.T) {
	w, err := wallet.Generate()
	if err != nil {
		t.Fatalf("err: %v", err)
	}

	_, trans := lnet.NewInmemTransport("", p2p.NodeAnnouncePayload{NodeID: w.NodeID()})
	n := NewNode(w, trans, discovery.NewChanDiscovery(), blobs.NewInmemStore(), 0,
		common.NewTestEntry(t))

	uptime, err := time.ParseDuration(n.Stats()["uptime"])
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if uptime < 0 || uptime > time.Minute {
		t.Fatalf("uptime should count from construction, got %s", uptime)
	}
}

func TestNodeStats(t *testing.T) {
	a := newTestNode(t, 0)
	defer a.node.Shutdown()

	if _, err := a.node.Submit(json.RawMessage(`1`)); err != nil {
		t.Fatalf("err: %v", err)
	}

	stats := a.node.Stats()
	if stats["chain_length"] != "1" {
		t.Fatalf("chain_length = %s, want 1", stats["chain_length"])
	}
	if stats["id"] != a.node.ID() {
		t.Fatalf("id = %s", stats["id"])
	}
}

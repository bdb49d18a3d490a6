package net

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/ledgermesh/ledgermesh/src/common"
)

type testIntro struct {
	NodeID string `json:"node_id"`
}

func TestInmemTransportDial(t *testing.T) {
	_, transA := NewInmemTransport("a", testIntro{NodeID: "node-a"})
	addrB, transB := NewInmemTransport("b", testIntro{NodeID: "node-b"})

	transA.Connect(addrB, transB)

	conn, err := transA.Dial(addrB, testIntro{NodeID: "node-a"})
	if err != nil {
		t.Fatalf("err: %v", err)
	}

	var intro testIntro
	if err := json.Unmarshal(conn.Intro, &intro); err != nil {
		t.Fatalf("err: %v", err)
	}
	if intro.NodeID != "node-b" {
		t.Fatalf("dialer should see the target's intro, got %q", intro.NodeID)
	}

	// the target sees the inbound connection with the dialer's intro
	select {
	case inbound := <-transB.Consumer():
		if err := json.Unmarshal(inbound.Intro, &intro); err != nil {
			t.Fatalf("err: %v", err)
		}
		if intro.NodeID != "node-a" {
			t.Fatalf("acceptor should see the dialer's intro, got %q", intro.NodeID)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for inbound connection")
	}
}

func TestInmemTransportEmitConsume(t *testing.T) {
	_, transA := NewInmemTransport("a", testIntro{NodeID: "node-a"})
	_, transB := NewInmemTransport("b", testIntro{NodeID: "node-b"})

	transA.Connect("b", transB)

	out, err := transA.Dial("b", testIntro{NodeID: "node-a"})
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	in := <-transB.Consumer()

	if err := out.Conn.Emit("ping", map[string]string{"v": "1"}); err != nil {
		t.Fatalf("err: %v", err)
	}

	select {
	case ev := <-in.Conn.Consumer():
		if ev.Name != "ping" {
			t.Fatalf("expected ping event, got %q", ev.Name)
		}
		var payload map[string]string
		if err := json.Unmarshal(ev.Payload, &payload); err != nil {
			t.Fatalf("err: %v", err)
		}
		if payload["v"] != "1" {
			t.Fatalf("payload corrupted: %v", payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}

	// the reply direction works too
	if err := in.Conn.Emit("pong", map[string]string{"v": "2"}); err != nil {
		t.Fatalf("err: %v", err)
	}
	select {
	case ev := <-out.Conn.Consumer():
		if ev.Name != "pong" {
			t.Fatalf("expected pong event, got %q", ev.Name)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for reply event")
	}
}

func TestInmemTransportClose(t *testing.T) {
	_, transA := NewInmemTransport("a", testIntro{NodeID: "node-a"})
	_, transB := NewInmemTransport("b", testIntro{NodeID: "node-b"})

	transA.Connect("b", transB)

	out, err := transA.Dial("b", testIntro{NodeID: "node-a"})
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	in := <-transB.Consumer()

	out.Conn.Close()

	select {
	case _, ok := <-in.Conn.Consumer():
		if ok {
			t.Fatal("consumer channel should be closed, not carry events")
		}
	case <-time.After(time.Second):
		t.Fatal("close should propagate to the other end")
	}

	if err := out.Conn.Emit("ping", nil); err == nil {
		t.Fatal("emit on a closed connection should fail")
	}
}

func TestTCPTransportIntroExchange(t *testing.T) {
	logger := common.NewTestEntry(t)

	transA, err := NewTCPTransport("127.0.0.1:0", "", time.Second, testIntro{NodeID: "node-a"}, logger)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	defer transA.Close()

	transB, err := NewTCPTransport("127.0.0.1:0", "", time.Second, testIntro{NodeID: "node-b"}, logger)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	defer transB.Close()

	go transA.Listen()
	go transB.Listen()

	conn, err := transA.Dial(transB.LocalAddr(), nil)
	if err != nil {
		t.Fatalf("err: %v", err)
	}

	var intro testIntro
	if err := json.Unmarshal(conn.Intro, &intro); err != nil {
		t.Fatalf("err: %v", err)
	}
	if intro.NodeID != "node-b" {
		t.Fatalf("expected node-b intro, got %q", intro.NodeID)
	}

	var inbound Connection
	select {
	case inbound = <-transB.Consumer():
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for inbound connection")
	}

	if err := json.Unmarshal(inbound.Intro, &intro); err != nil {
		t.Fatalf("err: %v", err)
	}
	if intro.NodeID != "node-a" {
		t.Fatalf("expected node-a intro, got %q", intro.NodeID)
	}

	// exchange one event each way over the live connection
	if err := conn.Conn.Emit("hello", map[string]int{"n": 42}); err != nil {
		t.Fatalf("err: %v", err)
	}
	select {
	case ev := <-inbound.Conn.Consumer():
		if ev.Name != "hello" {
			t.Fatalf("expected hello, got %q", ev.Name)
		}
		var payload map[string]int
		if err := json.Unmarshal(ev.Payload, &payload); err != nil {
			t.Fatalf("err: %v", err)
		}
		if payload["n"] != 42 {
			t.Fatalf("payload corrupted: %v", payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

package net

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/ledgermesh/ledgermesh/src/common"
)

// ErrConnClosed is returned when emitting on a closed connection.
var ErrConnClosed = errors.New("connection closed")

const inmemBufSize = 256

// NewInmemAddr returns a new in-memory addr with a randomly generated UUID
// as the ID.
func NewInmemAddr() string {
	return common.GenerateUUID()
}

// InmemTransport implements the Transport interface, to allow nodes to be
// tested in-memory without going over a network.
type InmemTransport struct {
	sync.RWMutex
	consumerCh chan Connection
	localAddr  string
	intro      []byte
	peers      map[string]*InmemTransport
}

// NewInmemTransport initializes a new transport with the given intro
// document, and generates a random local address if none is specified.
func NewInmemTransport(addr string, intro interface{}) (string, *InmemTransport) {
	if addr == "" {
		addr = NewInmemAddr()
	}

	introRaw, _ := json.Marshal(intro)

	trans := &InmemTransport{
		consumerCh: make(chan Connection, 16),
		localAddr:  addr,
		intro:      introRaw,
		peers:      make(map[string]*InmemTransport),
	}

	return addr, trans
}

// Listen is an empty function as there is no need to defer initialisation of
// the in-memory transport.
func (i *InmemTransport) Listen() {
}

// Consumer implements the Transport interface.
func (i *InmemTransport) Consumer() <-chan Connection {
	return i.consumerCh
}

// LocalAddr implements the Transport interface.
func (i *InmemTransport) LocalAddr() string {
	return i.localAddr
}

// AdvertiseAddr implements the Transport interface.
func (i *InmemTransport) AdvertiseAddr() string {
	return i.localAddr
}

// Dial implements the Transport interface. It builds a crossed pair of
// in-memory connections and hands the remote end to the target transport.
func (i *InmemTransport) Dial(target string, intro interface{}) (Connection, error) {
	i.RLock()
	peer, ok := i.peers[target]
	i.RUnlock()

	if !ok {
		return Connection{}, fmt.Errorf("failed to connect to peer: %v", target)
	}

	introRaw, err := json.Marshal(intro)
	if err != nil {
		return Connection{}, err
	}

	local := newInmemConn(target)
	remote := newInmemConn(i.localAddr)
	local.peer = remote
	remote.peer = local

	select {
	case peer.consumerCh <- Connection{Conn: remote, Intro: introRaw}:
	default:
		return Connection{}, fmt.Errorf("peer %v is not accepting connections", target)
	}

	return Connection{Conn: local, Intro: peer.intro}, nil
}

// Connect is used to connect this transport to another transport for a given
// peer name. This allows for local routing.
func (i *InmemTransport) Connect(peer string, t Transport) {
	trans := t.(*InmemTransport)
	i.Lock()
	defer i.Unlock()
	i.peers[peer] = trans
}

// Disconnect is used to remove the ability to route to a given peer.
func (i *InmemTransport) Disconnect(peer string) {
	i.Lock()
	defer i.Unlock()
	delete(i.peers, peer)
}

// Close is used to permanently disable the transport.
func (i *InmemTransport) Close() error {
	i.Lock()
	defer i.Unlock()
	i.peers = make(map[string]*InmemTransport)
	return nil
}

// inmemConn is one end of a crossed in-memory connection pair.
type inmemConn struct {
	remote string
	peer   *inmemConn

	lock   sync.Mutex
	in     chan Event
	closed bool
}

func newInmemConn(remote string) *inmemConn {
	return &inmemConn{
		remote: remote,
		in:     make(chan Event, inmemBufSize),
	}
}

// Emit implements the Conn interface.
func (c *inmemConn) Emit(name string, payload interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return c.peer.deliver(Event{Name: name, Payload: raw})
}

// Consumer implements the Conn interface.
func (c *inmemConn) Consumer() <-chan Event {
	return c.in
}

// Addr implements the Conn interface.
func (c *inmemConn) Addr() string {
	return c.remote
}

// Close implements the Conn interface. Both ends of the pair are torn down
// so that each side's consumer channel is closed.
func (c *inmemConn) Close() error {
	c.closeIn()
	c.peer.closeIn()
	return nil
}

func (c *inmemConn) deliver(ev Event) error {
	c.lock.Lock()
	defer c.lock.Unlock()

	if c.closed {
		return ErrConnClosed
	}

	select {
	case c.in <- ev:
		return nil
	default:
		return fmt.Errorf("connection buffer full")
	}
}

func (c *inmemConn) closeIn() {
	c.lock.Lock()
	defer c.lock.Unlock()

	if !c.closed {
		c.closed = true
		close(c.in)
	}
}

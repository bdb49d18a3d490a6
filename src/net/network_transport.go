package net

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/ugorji/go/codec"
)

const (
	// introEvent is the first frame on every connection, carrying the
	// sender's intro document.
	introEvent = "intro"

	bufSize = math.MaxUint16
)

// ErrTransportShutdown is returned when operations on a transport are
// invoked after it's been terminated.
var ErrTransportShutdown = errors.New("transport shutdown")

// jsonHandle is the codec handle used for wire framing. Raw is enabled so
// that event payloads pass through as pre-encoded JSON.
var jsonHandle = func() *codec.JsonHandle {
	h := &codec.JsonHandle{}
	h.Raw = true
	return h
}()

// wireEvent is the frame format on the wire.
type wireEvent struct {
	Name    string    `codec:"event"`
	Payload codec.Raw `codec:"payload"`
}

/*
NetworkTransport provides a network based transport that can be used to
exchange events with nodes on remote machines. It requires an underlying
stream layer to provide a stream abstraction, which can be simple TCP, QUIC,
etc.

Connections are long-lived and symmetric. Each side sends one intro frame
when the connection is established; after that, both sides emit and consume
event frames until the connection drops.
*/
type NetworkTransport struct {
	logger *logrus.Entry

	consumeCh chan Connection

	shutdown     bool
	shutdownCh   chan struct{}
	shutdownLock sync.Mutex

	stream StreamLayer

	intro   []byte
	timeout time.Duration
}

// NewNetworkTransport creates a new network transport with the given stream
// layer. The intro document is presented to every peer on connection
// establishment. The timeout applies to dials, intro exchanges, and event
// sends, so that one slow peer cannot stall a broadcast forever.
func NewNetworkTransport(
	stream StreamLayer,
	timeout time.Duration,
	intro interface{},
	logger *logrus.Entry,
) *NetworkTransport {

	if logger == nil {
		log := logrus.New()
		log.Level = logrus.DebugLevel
		logger = logrus.NewEntry(log)
	}

	introRaw, _ := json.Marshal(intro)

	return &NetworkTransport{
		logger:     logger,
		consumeCh:  make(chan Connection),
		shutdownCh: make(chan struct{}),
		stream:     stream,
		intro:      introRaw,
		timeout:    timeout,
	}
}

// NewTCPTransport returns a NetworkTransport over plain TCP, listening on
// bindAddr.
func NewTCPTransport(
	bindAddr string,
	advertiseAddr string,
	timeout time.Duration,
	intro interface{},
	logger *logrus.Entry,
) (*NetworkTransport, error) {

	list, err := net.Listen("tcp", bindAddr)
	if err != nil {
		return nil, err
	}

	stream := &TCPStreamLayer{
		advertise: advertiseAddr,
		listener:  list.(*net.TCPListener),
	}

	return NewNetworkTransport(stream, timeout, intro, logger), nil
}

// Close is used to stop the network transport.
func (n *NetworkTransport) Close() error {
	n.shutdownLock.Lock()
	defer n.shutdownLock.Unlock()

	if !n.shutdown {
		close(n.shutdownCh)
		n.stream.Close()
		n.shutdown = true
	}
	return nil
}

// IsShutdown is used to check if the transport is shutdown.
func (n *NetworkTransport) IsShutdown() bool {
	select {
	case <-n.shutdownCh:
		return true
	default:
		return false
	}
}

// Consumer implements the Transport interface.
func (n *NetworkTransport) Consumer() <-chan Connection {
	return n.consumeCh
}

// LocalAddr implements the Transport interface.
func (n *NetworkTransport) LocalAddr() string {
	addr := n.stream.Addr()

	if addr != nil {
		return addr.String()
	}

	return ""
}

// AdvertiseAddr implements the Transport interface.
func (n *NetworkTransport) AdvertiseAddr() string {
	return n.stream.AdvertiseAddr()
}

// Dial implements the Transport interface.
func (n *NetworkTransport) Dial(target string, intro interface{}) (Connection, error) {
	conn, err := n.stream.Dial(target, n.timeout)
	if err != nil {
		return Connection{}, err
	}

	nc := newNetConn(conn, n.timeout)

	introRaw := n.intro
	if intro != nil {
		if introRaw, err = json.Marshal(intro); err != nil {
			conn.Close()
			return Connection{}, err
		}
	}

	if err := nc.emitRaw(introEvent, introRaw); err != nil {
		conn.Close()
		return Connection{}, err
	}

	remoteIntro, err := nc.readIntro(n.timeout)
	if err != nil {
		conn.Close()
		return Connection{}, err
	}

	go nc.readLoop()

	return Connection{Conn: nc, Intro: remoteIntro}, nil
}

// Listen opens the stream and handles incoming connections.
func (n *NetworkTransport) Listen() {
	for {
		conn, err := n.stream.Accept()
		if err != nil {
			if n.IsShutdown() {
				return
			}
			n.logger.WithField("error", err).Error("Failed to accept connection")
			continue
		}
		n.logger.WithFields(logrus.Fields{
			"node": conn.LocalAddr(),
			"from": conn.RemoteAddr(),
		}).Debug("accepted connection")

		// Handle the connection in dedicated routine
		go n.handleConn(conn)
	}
}

// handleConn performs the intro exchange for an inbound connection and hands
// it to the consumer.
func (n *NetworkTransport) handleConn(conn net.Conn) {
	nc := newNetConn(conn, n.timeout)

	remoteIntro, err := nc.readIntro(n.timeout)
	if err != nil {
		n.logger.WithField("error", err).Error("Failed to read intro frame")
		conn.Close()
		return
	}

	if err := nc.emitRaw(introEvent, n.intro); err != nil {
		n.logger.WithField("error", err).Error("Failed to send intro frame")
		conn.Close()
		return
	}

	go nc.readLoop()

	select {
	case n.consumeCh <- Connection{Conn: nc, Intro: remoteIntro}:
	case <-n.shutdownCh:
		conn.Close()
	}
}

// netConn wraps a stream-layer connection with event framing.
type netConn struct {
	conn    net.Conn
	timeout time.Duration

	writeLock sync.Mutex
	w         *bufio.Writer
	enc       *codec.Encoder

	r   *bufio.Reader
	dec *codec.Decoder

	consumeCh chan Event
	closeOnce sync.Once
}

func newNetConn(conn net.Conn, timeout time.Duration) *netConn {
	nc := &netConn{
		conn:      conn,
		timeout:   timeout,
		w:         bufio.NewWriterSize(conn, bufSize),
		r:         bufio.NewReaderSize(conn, bufSize),
		consumeCh: make(chan Event, 16),
	}
	nc.enc = codec.NewEncoder(nc.w, jsonHandle)
	nc.dec = codec.NewDecoder(nc.r, jsonHandle)
	return nc
}

// Emit implements the Conn interface.
func (c *netConn) Emit(name string, payload interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return c.emitRaw(name, raw)
}

func (c *netConn) emitRaw(name string, payload []byte) error {
	c.writeLock.Lock()
	defer c.writeLock.Unlock()

	if c.timeout > 0 {
		c.conn.SetWriteDeadline(time.Now().Add(c.timeout))
	}

	if err := c.enc.Encode(wireEvent{Name: name, Payload: codec.Raw(payload)}); err != nil {
		c.conn.Close()
		return err
	}

	return c.w.Flush()
}

// Consumer implements the Conn interface.
func (c *netConn) Consumer() <-chan Event {
	return c.consumeCh
}

// Addr implements the Conn interface.
func (c *netConn) Addr() string {
	return c.conn.RemoteAddr().String()
}

// Close implements the Conn interface.
func (c *netConn) Close() error {
	return c.conn.Close()
}

// readIntro reads the first frame of a connection, which must be an intro.
func (c *netConn) readIntro(timeout time.Duration) (json.RawMessage, error) {
	if timeout > 0 {
		c.conn.SetReadDeadline(time.Now().Add(timeout))
		defer c.conn.SetReadDeadline(time.Time{})
	}

	var ev wireEvent
	if err := c.dec.Decode(&ev); err != nil {
		return nil, err
	}
	if ev.Name != introEvent {
		return nil, fmt.Errorf("expected intro frame, got %q", ev.Name)
	}

	return json.RawMessage(ev.Payload), nil
}

// readLoop decodes inbound frames until the connection drops, then closes
// the consumer channel to notify the reader of the disconnect.
func (c *netConn) readLoop() {
	for {
		var ev wireEvent
		if err := c.dec.Decode(&ev); err != nil {
			c.closeOnce.Do(func() { close(c.consumeCh) })
			c.conn.Close()
			return
		}
		c.consumeCh <- Event{Name: ev.Name, Payload: json.RawMessage(ev.Payload)}
	}
}

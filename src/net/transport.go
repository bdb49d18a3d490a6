package net

import "encoding/json"

// Event is a single named frame exchanged over a connection. The payload is
// an opaque JSON document; naming and decoding belong to the layer above.
type Event struct {
	Name    string
	Payload json.RawMessage
}

// Conn is an established link to a peer over which named events flow in both
// directions.
type Conn interface {

	// Emit encodes the payload as JSON and sends it under the given event
	// name. It returns an error if the link is down or the send times out.
	Emit(name string, payload interface{}) error

	// Consumer returns the channel of inbound events. The channel is closed
	// when the peer disconnects, which is the only disconnect notification a
	// consumer gets.
	Consumer() <-chan Event

	// Addr returns the remote address, for logging.
	Addr() string

	// Close tears down the link.
	Close() error
}

// Connection announces a newly established link together with the intro
// document the remote side presented when connecting.
type Connection struct {
	Conn  Conn
	Intro json.RawMessage
}

// Transport provides an interface for network transports to allow a node to
// exchange events with other nodes.
type Transport interface {

	// Listen starts accepting inbound connections.
	Listen()

	// Consumer returns the channel of inbound connections.
	Consumer() <-chan Connection

	// Dial establishes an outbound connection. Both sides present an intro
	// document; the remote's intro is returned in the Connection.
	Dial(target string, intro interface{}) (Connection, error)

	// LocalAddr is used to return our local address.
	LocalAddr() string

	// AdvertiseAddr is used to return our advertise address where other
	// peers can reach us.
	AdvertiseAddr() string

	// Close permanently closes the transport, stopping any associated
	// goroutines and freeing other resources.
	Close() error
}

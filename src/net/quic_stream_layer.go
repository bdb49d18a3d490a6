package net

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"math/big"
	"net"
	"time"

	quic "github.com/quic-go/quic-go"
	"github.com/sirupsen/logrus"
)

const quicALPN = "ledgermesh"

// NewQUICTransport returns a NetworkTransport over QUIC, listening on
// bindAddr.
func NewQUICTransport(
	bindAddr string,
	advertiseAddr string,
	timeout time.Duration,
	intro interface{},
	logger *logrus.Entry,
) (*NetworkTransport, error) {

	stream, err := NewQUICStreamLayer(bindAddr, advertiseAddr)
	if err != nil {
		return nil, err
	}

	return NewNetworkTransport(stream, timeout, intro, logger), nil
}

// QUICStreamLayer implements the StreamLayer interface over QUIC. Each
// connection carries a single bidirectional stream that is treated as the
// equivalent of a TCP connection.
//
// The TLS certificate is self-signed and generated at startup, and clients
// skip verification: peer identity comes from the intro exchange above this
// layer, not from the certificate.
type QUICStreamLayer struct {
	advertise string
	listener  *quic.Listener
	tlsClient *tls.Config
}

// NewQUICStreamLayer binds a QUIC listener on bindAddr.
func NewQUICStreamLayer(bindAddr string, advertiseAddr string) (*QUICStreamLayer, error) {
	serverTLS, err := selfSignedTLSConfig()
	if err != nil {
		return nil, err
	}

	listener, err := quic.ListenAddr(bindAddr, serverTLS, nil)
	if err != nil {
		return nil, err
	}

	return &QUICStreamLayer{
		advertise: advertiseAddr,
		listener:  listener,
		tlsClient: &tls.Config{
			InsecureSkipVerify: true,
			NextProtos:         []string{quicALPN},
		},
	}, nil
}

// Dial implements the StreamLayer interface.
func (q *QUICStreamLayer) Dial(address string, timeout time.Duration) (net.Conn, error) {
	ctx := context.Background()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	conn, err := quic.DialAddr(ctx, address, q.tlsClient, nil)
	if err != nil {
		return nil, err
	}

	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		conn.CloseWithError(0, "open stream")
		return nil, err
	}

	return &quicConn{conn: conn, stream: stream}, nil
}

// Accept implements the net.Listener interface. The stream only becomes
// visible once the dialer has written its intro frame, so Accept blocks
// until then.
func (q *QUICStreamLayer) Accept() (net.Conn, error) {
	conn, err := q.listener.Accept(context.Background())
	if err != nil {
		return nil, err
	}

	stream, err := conn.AcceptStream(context.Background())
	if err != nil {
		conn.CloseWithError(0, "accept stream")
		return nil, err
	}

	return &quicConn{conn: conn, stream: stream}, nil
}

// Close implements the net.Listener interface.
func (q *QUICStreamLayer) Close() error {
	return q.listener.Close()
}

// Addr implements the net.Listener interface.
func (q *QUICStreamLayer) Addr() net.Addr {
	return q.listener.Addr()
}

// AdvertiseAddr implements the StreamLayer interface.
func (q *QUICStreamLayer) AdvertiseAddr() string {
	if q.advertise != "" {
		return q.advertise
	}
	return q.listener.Addr().String()
}

// quicConn adapts a QUIC connection with a single stream to net.Conn.
type quicConn struct {
	conn   *quic.Conn
	stream *quic.Stream
}

func (c *quicConn) Read(p []byte) (int, error)  { return c.stream.Read(p) }
func (c *quicConn) Write(p []byte) (int, error) { return c.stream.Write(p) }

func (c *quicConn) Close() error {
	c.stream.Close()
	return c.conn.CloseWithError(0, "closed")
}

func (c *quicConn) LocalAddr() net.Addr  { return c.conn.LocalAddr() }
func (c *quicConn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

func (c *quicConn) SetDeadline(t time.Time) error      { return c.stream.SetDeadline(t) }
func (c *quicConn) SetReadDeadline(t time.Time) error  { return c.stream.SetReadDeadline(t) }
func (c *quicConn) SetWriteDeadline(t time.Time) error { return c.stream.SetWriteDeadline(t) }

func selfSignedTLSConfig() (*tls.Config, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}

	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		DNSNames:     []string{"localhost"},
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, pub, priv)
	if err != nil {
		return nil, err
	}

	return &tls.Config{
		Certificates: []tls.Certificate{{
			Certificate: [][]byte{der},
			PrivateKey:  priv,
		}},
		NextProtos: []string{quicALPN},
	}, nil
}

package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
)

// Default QUIC configuration values
const (
	DefaultMaxIdleTimeout     = 60 * time.Second
	DefaultKeepAlivePeriod    = 30 * time.Second
	DefaultMaxIncomingStreams = 10000
)

// QUICConnector implements Connector using the QUIC protocol. Each Tunnel
// it hands back wraps exactly one QUIC stream: the control stream opened
// (dial side) or accepted (listen side) at connection-establishment,
// since a mesh Tunnel never needs more than the one stream the Peer
// Connection's frame codec runs over.
type QUICConnector struct {
	mu        sync.Mutex
	listeners []*quicListener
	closed    bool
}

// NewQUICConnector creates a new QUIC connector.
func NewQUICConnector() *QUICConnector {
	return &QUICConnector{}
}

// Kind returns the transport protocol identifier.
func (c *QUICConnector) Kind() Kind {
	return KindQUIC
}

// Dial connects to a remote peer using QUIC and returns a Tunnel wrapping
// the one bidirectional stream the Peer Connection needs.
func (c *QUICConnector) Dial(ctx context.Context, addr string, opts DialOptions) (Tunnel, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, fmt.Errorf("connector closed")
	}
	c.mu.Unlock()

	tlsConfig := opts.TLSConfig
	if tlsConfig == nil {
		if !opts.InsecureSkipVerify {
			return nil, fmt.Errorf("TLS config required; set InsecureSkipVerify=true for development only")
		}
		tlsConfig = &tls.Config{
			InsecureSkipVerify: true,
			NextProtos:         []string{ALPNProtocol},
			MinVersion:         tls.VersionTLS13,
		}
	}

	quicConfig := &quic.Config{
		MaxIdleTimeout:        DefaultMaxIdleTimeout,
		KeepAlivePeriod:       DefaultKeepAlivePeriod,
		MaxIncomingStreams:    DefaultMaxIncomingStreams,
		MaxIncomingUniStreams: 0,
	}

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	conn, err := quic.DialAddr(ctx, addr, tlsConfig, quicConfig)
	if err != nil {
		return nil, fmt.Errorf("QUIC dial failed: %w", err)
	}

	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		conn.CloseWithError(0, "open control stream failed")
		return nil, fmt.Errorf("open QUIC control stream: %w", err)
	}

	return &quicTunnel{conn: conn, stream: stream, isDialer: true}, nil
}

// Listen creates a QUIC listener.
func (c *QUICConnector) Listen(addr string, opts ListenOptions) (Listener, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, fmt.Errorf("connector closed")
	}

	tlsConfig := opts.TLSConfig
	if tlsConfig == nil {
		return nil, fmt.Errorf("TLS config required for QUIC listener")
	}

	if len(tlsConfig.NextProtos) == 0 {
		tlsConfig = tlsConfig.Clone()
		tlsConfig.NextProtos = []string{ALPNProtocol}
	}

	quicConfig := &quic.Config{
		MaxIdleTimeout:        DefaultMaxIdleTimeout,
		KeepAlivePeriod:       DefaultKeepAlivePeriod,
		MaxIncomingStreams:    DefaultMaxIncomingStreams,
		MaxIncomingUniStreams: 0,
	}

	ln, err := quic.ListenAddr(addr, tlsConfig, quicConfig)
	if err != nil {
		return nil, fmt.Errorf("QUIC listen failed: %w", err)
	}

	ql := &quicListener{listener: ln}
	c.listeners = append(c.listeners, ql)

	return ql, nil
}

// Close shuts down the connector and all listeners.
func (c *QUICConnector) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	var lastErr error
	for _, l := range c.listeners {
		if err := l.Close(); err != nil {
			lastErr = err
		}
	}
	c.listeners = nil

	return lastErr
}

// quicListener implements Listener for QUIC.
type quicListener struct {
	listener *quic.Listener
	closed   bool
	mu       sync.Mutex
}

// Accept waits for the next QUIC connection and its control stream.
func (l *quicListener) Accept(ctx context.Context) (Tunnel, error) {
	conn, err := l.listener.Accept(ctx)
	if err != nil {
		return nil, err
	}

	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		conn.CloseWithError(0, "accept control stream failed")
		return nil, fmt.Errorf("accept QUIC control stream: %w", err)
	}

	return &quicTunnel{conn: conn, stream: stream, isDialer: false}, nil
}

// Addr returns the listener's address.
func (l *quicListener) Addr() net.Addr {
	return l.listener.Addr()
}

// Close stops the listener.
func (l *quicListener) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true

	return l.listener.Close()
}

// quicTunnel implements Tunnel over a single QUIC stream.
type quicTunnel struct {
	conn     quic.Connection
	stream   quic.Stream
	isDialer bool
}

// Read reads data from the control stream.
func (t *quicTunnel) Read(p []byte) (int, error) {
	return t.stream.Read(p)
}

// Write writes data to the control stream.
func (t *quicTunnel) Write(p []byte) (int, error) {
	return t.stream.Write(p)
}

// Close terminates the stream and the underlying QUIC connection.
func (t *quicTunnel) Close() error {
	t.stream.CancelRead(0)
	t.stream.Close()
	return t.conn.CloseWithError(0, "connection closed")
}

// LocalAddr returns the local address.
func (t *quicTunnel) LocalAddr() net.Addr {
	return t.conn.LocalAddr()
}

// RemoteAddr returns the remote address.
func (t *quicTunnel) RemoteAddr() net.Addr {
	return t.conn.RemoteAddr()
}

// IsDialer returns true if this side initiated the connection.
func (t *quicTunnel) IsDialer() bool {
	return t.isDialer
}

// Kind returns the transport protocol type.
func (t *quicTunnel) Kind() Kind {
	return KindQUIC
}

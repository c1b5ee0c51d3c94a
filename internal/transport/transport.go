// Package transport implements the Tunnel/Connector/Listener contract the
// Peer Connection layer builds its frame codec on top of. A Tunnel is
// already a single established duplex byte stream between this node and
// one remote — per spec §4.1, the Peer Connection wraps exactly one such
// stream per connection, so this package does not offer the general
// multi-stream multiplexing a raw QUIC/H2 connection is capable of: each
// concrete Connector picks (or opens) the one stream a Tunnel needs at
// connection-establishment time and hides the rest.
package transport

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"time"
)

// Kind identifies the concrete transport protocol a Tunnel or Connector
// runs over.
type Kind string

const (
	KindQUIC      Kind = "quic"
	KindHTTP2     Kind = "h2"
	KindWebSocket Kind = "ws"
)

// Connector dials and accepts Tunnels over one concrete transport
// protocol. It is the out-of-scope collaborator spec §1 calls "concrete
// transport implementations"; the Peer Manager only depends on this
// interface, never on a specific protocol.
type Connector interface {
	// Dial connects to a remote peer and returns the resulting Tunnel.
	Dial(ctx context.Context, addr string, opts DialOptions) (Tunnel, error)

	// Listen creates a listener for incoming connections.
	Listen(addr string, opts ListenOptions) (Listener, error)

	// Kind returns the transport protocol identifier.
	Kind() Kind

	// Close shuts down the connector and every listener it opened.
	Close() error
}

// Listener accepts incoming Tunnels.
type Listener interface {
	// Accept waits for and returns the next connection.
	Accept(ctx context.Context) (Tunnel, error)

	// Addr returns the listener's network address.
	Addr() net.Addr

	// Close stops the listener.
	Close() error
}

// Tunnel is one authenticated-at-the-transport-layer duplex connection to
// a remote peer, already reduced to the single bidirectional byte stream
// the Peer Connection's handshake and frame codec need (spec §4.1). There
// is deliberately no further stream-multiplexing surface here: a Tunnel
// is read and written directly.
type Tunnel interface {
	io.Reader
	io.Writer

	// Close terminates the connection.
	Close() error

	// LocalAddr returns the local address, or nil if the underlying
	// protocol does not expose one.
	LocalAddr() net.Addr

	// RemoteAddr returns the remote address, or nil if the underlying
	// protocol does not expose one.
	RemoteAddr() net.Addr

	// IsDialer returns true if this side initiated the connection.
	IsDialer() bool

	// Kind returns the transport protocol this Tunnel runs over.
	Kind() Kind
}

// DialOptions contains options for dialing a peer.
type DialOptions struct {
	// TLSConfig is the TLS configuration for the connection.
	TLSConfig *tls.Config

	// InsecureSkipVerify allows skipping TLS certificate verification.
	// WARNING: Only use this for development/testing. In production, always
	// provide a proper TLSConfig with certificate verification enabled.
	InsecureSkipVerify bool

	// StrictVerify requires the WebSocket connector to validate the
	// remote's certificate against the system (or TLSConfig's) root
	// pool instead of skipping verification. The mesh's end-to-end
	// packet encryption makes transport-level verification optional
	// rather than load-bearing, so the default is false.
	StrictVerify bool

	// Timeout is the connection timeout.
	Timeout time.Duration

	// ProxyURL is the HTTP proxy URL (for the WebSocket connector).
	ProxyURL string

	// ProxyUsername is the proxy authentication username.
	ProxyUsername string

	// ProxyPassword is the proxy authentication password.
	ProxyPassword string

	// WSSubprotocol overrides the WebSocket subprotocol negotiated at
	// handshake. Empty means DefaultWSSubprotocol.
	WSSubprotocol string
}

// ListenOptions contains options for creating a listener.
type ListenOptions struct {
	// TLSConfig is the TLS configuration for the listener.
	TLSConfig *tls.Config

	// Path is the HTTP path (for the HTTP/2 and WebSocket connectors).
	Path string

	// PlainText allows a WebSocket listener to accept without TLS, for
	// use behind a TLS-terminating reverse proxy.
	PlainText bool
}

// DefaultDialOptions returns DialOptions with sensible defaults.
func DefaultDialOptions() DialOptions {
	return DialOptions{
		Timeout: 30 * time.Second,
	}
}

// DefaultListenOptions returns ListenOptions with sensible defaults.
func DefaultListenOptions() ListenOptions {
	return ListenOptions{}
}

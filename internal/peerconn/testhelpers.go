package peerconn

import (
	"net"

	"github.com/netspan/meshcore/internal/identity"
	"github.com/netspan/meshcore/internal/transport"
)

// testTunnel is a transport.Tunnel that discards writes and never yields a
// read, used to back connections created purely for unit tests of
// components that depend on *Connection but do not exercise its wire I/O.
type testTunnel struct{ isDialer bool }

func (testTunnel) Read([]byte) (int, error)    { return 0, net.ErrClosed }
func (testTunnel) Write(p []byte) (int, error) { return len(p), nil }
func (testTunnel) Close() error                { return nil }
func (testTunnel) LocalAddr() net.Addr         { return testAddr("local") }
func (testTunnel) RemoteAddr() net.Addr        { return testAddr("remote") }
func (t testTunnel) IsDialer() bool            { return t.isDialer }
func (testTunnel) Kind() transport.Kind        { return "test" }

type testAddr string

func (a testAddr) Network() string { return "test" }
func (a testAddr) String() string  { return string(a) }

// NewTestConnection builds a *Connection with no backing transport, for
// tests of peermap/peermanager/route logic that need a Connection to
// index and reap but never drive actual wire traffic. Its Start/Send are
// safe to call; reads never deliver and writes are discarded.
func NewTestConnection(remotePeerID identity.PeerID, isDialer bool) *Connection {
	return NewTestConnectionWithIdentity(remotePeerID, isDialer, identity.NetworkIdentity{})
}

// NewTestConnectionWithIdentity is NewTestConnection with an explicit
// RemoteIdentity, for tests exercising local-vs-foreign routing decisions.
func NewTestConnectionWithIdentity(remotePeerID identity.PeerID, isDialer bool, remoteIdentity identity.NetworkIdentity) *Connection {
	return newConnection(testTunnel{isDialer: isDialer}, remotePeerID, identity.NewNodeID(), remoteIdentity, Config{})
}

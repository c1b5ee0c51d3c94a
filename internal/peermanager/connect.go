package peermanager

import (
	"context"
	"fmt"

	"github.com/netspan/meshcore/internal/packet"
	"github.com/netspan/meshcore/internal/peerconn"
	"github.com/netspan/meshcore/internal/transport"
)

// Connector is the subset of transport.Connector the Peer Manager needs
// to establish a new connection: dialing out as a client, or finishing
// the handshake on a connection a listener already accepted. Accepting
// the raw connection off the wire (transport.Listener.Accept) is the
// caller's job; the Peer Manager only takes over once a transport.Tunnel
// exists.
type Connector interface {
	Dial(ctx context.Context, addr string, opts transport.DialOptions) (transport.Tunnel, error)
}

// TryConnect dials addr over t, completes the handshake, and admits the
// resulting connection. It mirrors the admission decision every other
// entry point makes: a name-matching remote joins the local Peer Map, a
// differently-named one is bridged into the foreign network manager.
func (m *Manager) TryConnect(ctx context.Context, t Connector, addr string) (*peerconn.Connection, error) {
	conn, err := t.Dial(ctx, addr, transport.DefaultDialOptions())
	if err != nil {
		return nil, fmt.Errorf("peermanager: dial %s: %w", addr, err)
	}
	return m.AddClientTunnel(ctx, conn)
}

// AddClientTunnel completes the handshake as the dialing side on an
// already-established transport connection and admits the result.
func (m *Manager) AddClientTunnel(ctx context.Context, conn transport.Tunnel) (*peerconn.Connection, error) {
	pc, err := peerconn.HandshakeAsClient(ctx, conn, m.myPeerID, m.myNodeID, m.identity, m.connConfig())
	if err != nil {
		conn.Close()
		return nil, err
	}
	m.registerConn(pc)
	return pc, nil
}

// AddTunnelAsServer completes the handshake as the accepting side on a
// connection a Listener has already handed back and admits the result.
func (m *Manager) AddTunnelAsServer(ctx context.Context, conn transport.Tunnel) (*peerconn.Connection, error) {
	pc, err := peerconn.HandshakeAsServer(ctx, conn, m.myPeerID, m.myNodeID, m.identity, m.connConfig())
	if err != nil {
		conn.Close()
		return nil, err
	}
	m.registerConn(pc)
	return pc, nil
}

func (m *Manager) connConfig() peerconn.Config {
	return peerconn.Config{
		OnPacket: m.onConnPacket,
		OnClose:  m.onConnClose,
		Logger:   m.logger,
	}
}

// registerConn decides, from the handshake-negotiated RemoteIdentity,
// whether the new connection joins the local Peer Map or gets bridged
// into a foreign network table, then starts its pumps. A name match
// against our own identity means local; anything else is foreign,
// keyed by whatever name the remote presented.
func (m *Manager) registerConn(pc *peerconn.Connection) {
	if pc.RemoteIdentity.Name == m.identity.Name {
		m.peerMap.AddNewPeerConn(pc)
	} else {
		m.foreignMgr.AddForeignConn(pc.RemoteIdentity.Name, pc)
	}
	pc.Start()
	if m.metrics != nil {
		direction := "inbound"
		if pc.IsDialer() {
			direction = "outbound"
		}
		m.metrics.RecordPeerConnect("overlay", direction)
	}
}

// onConnPacket is every Connection's read-pump delivery callback: it
// deposits the inbound frame onto the shared channel the receive loop
// drains, dropping it if that channel is saturated rather than block
// the connection's read pump.
func (m *Manager) onConnPacket(pc *peerconn.Connection, pkt *packet.ZCPacket) {
	select {
	case m.inbound <- pkt:
	default:
		m.logger.Warn("peermanager: inbound channel full, dropping frame", "from", pc.RemotePeerID.String())
	}
}

// onConnClose records a closed connection for metrics; actual table
// cleanup happens in the reaper rather than here, since a peer may have
// other live connections this close does not affect.
func (m *Manager) onConnClose(_ *peerconn.Connection, err error) {
	if m.metrics != nil {
		reason := "closed"
		if err != nil {
			reason = "error"
		}
		m.metrics.RecordPeerDisconnect(reason)
	}
}

// Package peerconn implements the lifecycle of a single connection to one
// peer: handshake-gated admission, an unbounded outbound queue, and
// independent read/write pumps so a slow remote never blocks senders.
package peerconn

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/netspan/meshcore/internal/identity"
	"github.com/netspan/meshcore/internal/logging"
	"github.com/netspan/meshcore/internal/packet"
	"github.com/netspan/meshcore/internal/recovery"
	"github.com/netspan/meshcore/internal/transport"
)

// State is the lifecycle stage of a Connection.
type State int32

const (
	StateHandshaking State = iota
	StateConnected
	StateClosed
)

// String renders the state for logs.
func (s State) String() string {
	switch s {
	case StateHandshaking:
		return "HANDSHAKING"
	case StateConnected:
		return "CONNECTED"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Connection is one established, handshake-verified link to a remote peer.
// Send enqueues onto an unbounded outbound queue and returns immediately;
// a dedicated write-pump goroutine drains it onto the wire. A dedicated
// read-pump goroutine delivers inbound packets to OnPacket in the order
// they arrive.
type Connection struct {
	// ConnID identifies this specific connection, distinct from the
	// peer it connects to: a peer may have several live connections at
	// once, each with its own ConnID, per spec §3's Peer Map invariant
	// that a peer id maps to a *set* of connections.
	ConnID uuid.UUID

	RemotePeerID identity.PeerID
	RemoteNodeID identity.NodeID

	// RemoteIdentity is the NetworkIdentity the remote presented at
	// handshake. It is frozen once the handshake completes; the owning
	// Peer Manager (not this package) decides whether a name match
	// against the local identity means "join the local mesh" or
	// whether, on a name mismatch, the connection belongs to a
	// foreign network bridge instead.
	RemoteIdentity identity.NetworkIdentity

	tunnel   transport.Tunnel
	isDialer bool

	state atomic.Int32

	outbound  *packetQueue
	onPacket  func(*Connection, *packet.ZCPacket)
	onClose   func(*Connection, error)

	lastActivity atomic.Int64
	rtt          atomic.Int64

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	closed    chan struct{}

	logger *logging.Logger
}

// Config supplies the callbacks and identity a Connection is built with.
type Config struct {
	OnPacket func(*Connection, *packet.ZCPacket)
	OnClose  func(*Connection, error)
	Logger   *logging.Logger
}

func newConnection(tunnel transport.Tunnel, remotePeerID identity.PeerID, remoteNodeID identity.NodeID, remoteIdentity identity.NetworkIdentity, cfg Config) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	c := &Connection{
		ConnID:         uuid.New(),
		RemotePeerID:   remotePeerID,
		RemoteNodeID:   remoteNodeID,
		RemoteIdentity: remoteIdentity,
		tunnel:         tunnel,
		isDialer:       tunnel.IsDialer(),
		outbound:       newPacketQueue(),
		onPacket:       cfg.OnPacket,
		onClose:        cfg.OnClose,
		ctx:            ctx,
		cancel:         cancel,
		closed:         make(chan struct{}),
		logger:         logger,
	}
	c.state.Store(int32(StateConnected))
	c.touch()
	return c
}

// Start launches the read and write pumps. Call once, after handshake.
func (c *Connection) Start() {
	go recovery.RunSupervised(c.logger, "peerconn.readPump", c.readPump)
	go recovery.RunSupervised(c.logger, "peerconn.writePump", c.writePump)
}

// State returns the connection's current lifecycle stage.
func (c *Connection) State() State {
	return State(c.state.Load())
}

// IsDialer reports whether this side initiated the connection.
func (c *Connection) IsDialer() bool {
	return c.isDialer
}

// Send enqueues p for delivery; it never blocks the caller. p should have
// been built via CloneForMutation or Build so the queue owns its buffer.
func (c *Connection) Send(p *packet.ZCPacket) {
	c.outbound.push(encodeWireMessage(wirePacket, p.Bytes()))
}

// QueueDepth returns the number of packets waiting to be written, for
// metrics and tests.
func (c *Connection) QueueDepth() int {
	return c.outbound.len()
}

// LastActivity returns the time of the most recent read or write.
func (c *Connection) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

// RTT returns the last measured round-trip time via keepalive.
func (c *Connection) RTT() time.Duration {
	return time.Duration(c.rtt.Load())
}

func (c *Connection) touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

// SendKeepalive enqueues a liveness probe.
func (c *Connection) SendKeepalive() {
	c.outbound.push(encodeWireMessage(wireKeepalive, encodeKeepalive(uint64(time.Now().UnixNano()))))
}

func (c *Connection) readPump() {
	for {
		kind, body, err := readWireMessage(c.tunnel)
		if err != nil {
			c.fail(err)
			return
		}
		c.touch()
		switch kind {
		case wirePacket:
			c.touch()
			if c.onPacket != nil {
				c.onPacket(c, packet.New(body))
			}
		case wireKeepalive:
			ts, err := decodeKeepalive(body)
			if err == nil {
				c.outbound.push(encodeWireMessage(wireKeepaliveAck, encodeKeepalive(ts)))
			}
		case wireKeepaliveAck:
			ts, err := decodeKeepalive(body)
			if err == nil {
				now := uint64(time.Now().UnixNano())
				if now > ts {
					c.rtt.Store(int64(now - ts))
				}
			}
		default:
			c.logger.Warn("peerconn: unexpected wire message kind on established connection", "kind", kind)
		}
	}
}

func (c *Connection) writePump() {
	for {
		msg, ok := c.outbound.pop()
		if !ok {
			return
		}
		if _, err := c.tunnel.Write(msg); err != nil {
			c.fail(fmt.Errorf("write pump: %w", err))
			return
		}
		c.touch()
	}
}

func (c *Connection) fail(err error) {
	closeErr := c.Close()
	if err == nil {
		err = closeErr
	}
	if c.onClose != nil {
		c.onClose(c, err)
	}
}

// Close tears down the connection; safe to call multiple times and from
// any goroutine.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		c.state.Store(int32(StateClosed))
		c.outbound.close()
		err = c.tunnel.Close()
		close(c.closed)
	})
	return err
}

// Done is closed once the connection has shut down.
func (c *Connection) Done() <-chan struct{} {
	return c.closed
}

func (c *Connection) String() string {
	return fmt.Sprintf("Connection{peer=%s, state=%s}", c.RemotePeerID, c.State())
}

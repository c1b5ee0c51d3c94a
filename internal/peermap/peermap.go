// Package peermap holds the multi-connection table keyed by remote peer
// id, the derived next-hop and IPv4 routing tables, and the reaper that
// keeps both consistent as connections come and go.
package peermap

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"

	"github.com/netspan/meshcore/internal/identity"
	"github.com/netspan/meshcore/internal/packet"
	"github.com/netspan/meshcore/internal/peerconn"
)

// ErrNoRoute is returned when a destination peer cannot be reached with
// the current routing tables.
var ErrNoRoute = errors.New("peermap: no route to destination")

// ErrNotDirect is returned by SendMsgDirectly when no direct connection to
// the destination peer exists.
var ErrNotDirect = errors.New("peermap: no direct connection to peer")

// Map is the single-writer/many-reader table of live peer connections and
// the routes derived from them. Structural mutations (add, reap,
// next-hop publish) serialize on mu; readers of the published next-hop
// and ipv4 tables never block behind them because those tables are
// replaced wholesale, never mutated in place.
type Map struct {
	myPeerID identity.PeerID

	mu    sync.RWMutex
	peers map[identity.PeerID][]*peerconn.Connection
	rr    map[identity.PeerID]*uint64 // round-robin counters, one per peer

	// nextHop and ipv4ToPeer are published wholesale on every structural
	// change; readers load the current map without taking mu.
	nextHop    atomic.Pointer[map[identity.PeerID]identity.PeerID]
	ipv4ToPeer atomic.Pointer[map[uint32]identity.PeerID]
}

// New creates an empty Map for a Peer Manager identified by myPeerID.
func New(myPeerID identity.PeerID) *Map {
	m := &Map{
		myPeerID: myPeerID,
		peers:    make(map[identity.PeerID][]*peerconn.Connection),
		rr:       make(map[identity.PeerID]*uint64),
	}
	empty1 := map[identity.PeerID]identity.PeerID{myPeerID: myPeerID}
	empty2 := map[uint32]identity.PeerID{}
	m.nextHop.Store(&empty1)
	m.ipv4ToPeer.Store(&empty2)
	return m
}

// AddNewPeerConn indexes conn under its RemotePeerID and republishes the
// direct-route entry for that peer.
func (m *Map) AddNewPeerConn(conn *peerconn.Connection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := conn.RemotePeerID
	m.peers[id] = append(m.peers[id], conn)
	if _, ok := m.rr[id]; !ok {
		var n uint64
		m.rr[id] = &n
	}
	m.publishNextHopLocked()
}

// SendMsgDirectly sends p only if a direct connection to peerID exists.
// Among multiple connections to the same peer, ties are broken round-robin.
func (m *Map) SendMsgDirectly(p *packet.ZCPacket, peerID identity.PeerID) error {
	conn := m.pickDirectConn(peerID)
	if conn == nil {
		return ErrNotDirect
	}
	conn.Send(p)
	return nil
}

func (m *Map) pickDirectConn(peerID identity.PeerID) *peerconn.Connection {
	m.mu.Lock()
	defer m.mu.Unlock()
	conns := m.peers[peerID]
	if len(conns) == 0 {
		return nil
	}
	counter := m.rr[peerID]
	idx := *counter % uint64(len(conns))
	*counter++
	return conns[idx]
}

// SendMsg routes p to dst: loopback if dst is myPeerID, direct send to the
// next hop gateway otherwise. Returns ErrNoRoute if dst is unreachable.
// loopback is returned true when dst is myPeerID and the caller should
// deliver the packet locally instead of calling SendMsgDirectly.
func (m *Map) SendMsg(p *packet.ZCPacket, dst identity.PeerID) (loopback bool, err error) {
	if dst == m.myPeerID {
		return true, nil
	}
	gateway, ok := m.nextHopFor(dst)
	if !ok {
		return false, ErrNoRoute
	}
	return false, m.SendMsgDirectly(p, gateway)
}

// GetGatewayPeerID returns the directly connected peer through which dst
// is reachable, or false if dst is loopback or unreachable.
func (m *Map) GetGatewayPeerID(dst identity.PeerID) (identity.PeerID, bool) {
	if dst == m.myPeerID {
		return 0, false
	}
	return m.nextHopFor(dst)
}

func (m *Map) nextHopFor(dst identity.PeerID) (identity.PeerID, bool) {
	table := *m.nextHop.Load()
	gw, ok := table[dst]
	return gw, ok
}

// GetPeerIDByIPv4 looks up the peer id that owns addr, if any path exists.
func (m *Map) GetPeerIDByIPv4(addr net.IP) (identity.PeerID, bool) {
	v4 := addr.To4()
	if v4 == nil {
		return 0, false
	}
	key := ipv4Key(v4)
	table := *m.ipv4ToPeer.Load()
	id, ok := table[key]
	return id, ok
}

// SetIPv4Route publishes that addr is reachable via peer id. Called by the
// active route variant as it learns reachability; a zero-value id removes
// the entry.
func (m *Map) SetIPv4Route(addr net.IP, id identity.PeerID) {
	v4 := addr.To4()
	if v4 == nil {
		return
	}
	key := ipv4Key(v4)

	m.mu.Lock()
	defer m.mu.Unlock()
	old := *m.ipv4ToPeer.Load()
	next := make(map[uint32]identity.PeerID, len(old)+1)
	for k, v := range old {
		next[k] = v
	}
	if id.IsZero() {
		delete(next, key)
	} else {
		next[key] = id
	}
	m.ipv4ToPeer.Store(&next)
}

// SetNextHop publishes that dst is reachable via gateway. Called by the
// active route variant when it computes a new next-hop table entry. A
// zero-value gateway removes the entry, except that the entry of a
// directly connected dst is kept. The direct-connection invariant
// (next_hop[p] == p iff a direct connection to p exists) is maintained by
// publishNextHopLocked on every AddNewPeerConn/clean call; route-variant
// entries for indirect destinations are layered on top of it here.
func (m *Map) SetNextHop(dst, gateway identity.PeerID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	old := *m.nextHop.Load()
	next := make(map[identity.PeerID]identity.PeerID, len(old)+1)
	for k, v := range old {
		next[k] = v
	}
	if gateway.IsZero() {
		if _, direct := m.peers[dst]; !direct {
			delete(next, dst)
		}
	} else {
		next[dst] = gateway
	}
	m.nextHop.Store(&next)
}

// publishNextHopLocked republishes the next-hop table with a direct entry
// (next_hop[p] = p) for every peer that currently has at least one live
// connection, preserving any indirect entries a route variant has set for
// peers without a direct connection. Callers must hold mu.
func (m *Map) publishNextHopLocked() {
	old := *m.nextHop.Load()
	next := make(map[identity.PeerID]identity.PeerID, len(old)+len(m.peers)+1)
	for k, v := range old {
		next[k] = v
	}
	next[m.myPeerID] = m.myPeerID
	for id, conns := range m.peers {
		if len(conns) > 0 {
			next[id] = id
		}
	}
	m.nextHop.Store(&next)
}

// ListPeersWithConn returns every peer id with at least one live
// connection.
func (m *Map) ListPeersWithConn() []identity.PeerID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]identity.PeerID, 0, len(m.peers))
	for id, conns := range m.peers {
		if len(conns) > 0 {
			ids = append(ids, id)
		}
	}
	return ids
}

// ListRoutes returns every destination peer id currently reachable
// (directly or indirectly), excluding ourselves.
func (m *Map) ListRoutes() []identity.PeerID {
	table := *m.nextHop.Load()
	ids := make([]identity.PeerID, 0, len(table))
	for dst := range table {
		if dst != m.myPeerID {
			ids = append(ids, dst)
		}
	}
	return ids
}

// CleanPeerWithoutConn removes connections whose underlying transport has
// closed, drops peer entries left with an empty connection set, and
// republishes the next-hop table so any such peer's direct entry (and any
// route-variant entries that resolved only through it) go away.
func (m *Map) CleanPeerWithoutConn() {
	m.mu.Lock()
	defer m.mu.Unlock()

	changed := false
	for id, conns := range m.peers {
		alive := conns[:0]
		for _, c := range conns {
			select {
			case <-c.Done():
				changed = true
			default:
				alive = append(alive, c)
			}
		}
		if len(alive) == 0 {
			delete(m.peers, id)
			delete(m.rr, id)
			changed = true
		} else {
			m.peers[id] = alive
		}
	}
	if !changed {
		return
	}

	old := *m.nextHop.Load()
	next := make(map[identity.PeerID]identity.PeerID, len(old))
	next[m.myPeerID] = m.myPeerID
	for dst, gw := range old {
		if dst == m.myPeerID {
			continue
		}
		if _, directGW := m.peers[gw]; directGW || gw == m.myPeerID {
			next[dst] = gw
		}
		// else: gateway vanished; drop the entry until the route
		// variant republishes a surviving path.
	}
	for id, conns := range m.peers {
		if len(conns) > 0 {
			next[id] = id
		}
	}
	m.nextHop.Store(&next)
}

// CloseAll closes every live connection and resets the table to bare
// loopback, for use when the owning Peer Manager is torn down.
func (m *Map) CloseAll() {
	m.mu.Lock()
	conns := m.peers
	m.peers = make(map[identity.PeerID][]*peerconn.Connection)
	m.rr = make(map[identity.PeerID]*uint64)
	m.mu.Unlock()

	for _, cs := range conns {
		for _, c := range cs {
			c.Close()
		}
	}

	empty := map[identity.PeerID]identity.PeerID{m.myPeerID: m.myPeerID}
	m.nextHop.Store(&empty)
	emptyIPv4 := map[uint32]identity.PeerID{}
	m.ipv4ToPeer.Store(&emptyIPv4)
}

// Len returns the number of peers with a live connection, for tests.
func (m *Map) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, conns := range m.peers {
		if len(conns) > 0 {
			n++
		}
	}
	return n
}

func ipv4Key(v4 net.IP) uint32 {
	return uint32(v4[0])<<24 | uint32(v4[1])<<16 | uint32(v4[2])<<8 | uint32(v4[3])
}

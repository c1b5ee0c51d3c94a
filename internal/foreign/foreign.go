// Package foreign bridges peers that belong to a differently-named
// network: instead of merging them into the local Peer Map, each remote
// network name gets its own table, and a Client facade lets the rest of
// the Peer Manager ask "is dst reachable across some bridge" without
// knowing which named network answers yes.
package foreign

import (
	"sync"

	"github.com/netspan/meshcore/internal/identity"
	"github.com/netspan/meshcore/internal/packet"
	"github.com/netspan/meshcore/internal/peerconn"
	"github.com/netspan/meshcore/internal/peermap"
)

// Manager owns one Peer-Map-shaped table per foreign network name. A
// connection whose NetworkIdentity differs from the local one is routed
// here instead of into the local Peer Map, keyed by that identity's name.
type Manager struct {
	myPeerID identity.PeerID

	mu       sync.RWMutex
	networks map[string]*peermap.Map
}

// NewManager creates an empty Manager for a Peer Manager identified by
// myPeerID (used to seed each per-network Map's loopback entry).
func NewManager(myPeerID identity.PeerID) *Manager {
	return &Manager{
		myPeerID: myPeerID,
		networks: make(map[string]*peermap.Map),
	}
}

// AddForeignConn indexes conn under the network name carried by its
// handshake-negotiated identity, creating that network's table on first
// sight.
func (m *Manager) AddForeignConn(networkName string, conn *peerconn.Connection) {
	m.mu.Lock()
	pm, ok := m.networks[networkName]
	if !ok {
		pm = peermap.New(m.myPeerID)
		m.networks[networkName] = pm
	}
	m.mu.Unlock()
	pm.AddNewPeerConn(conn)
}

// NetworkNames returns every foreign network name with at least one peer.
func (m *Manager) NetworkNames() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.networks))
	for name := range m.networks {
		names = append(names, name)
	}
	return names
}

// Network returns the per-network table for name, if any peers have
// joined under it.
func (m *Manager) Network(name string) (*peermap.Map, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pm, ok := m.networks[name]
	return pm, ok
}

// ListPeers returns every peer id reachable across any bridged network,
// for RouteInterface.ListPeers' union with direct local peers.
func (m *Manager) ListPeers() []identity.PeerID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var ids []identity.PeerID
	for _, pm := range m.networks {
		ids = append(ids, pm.ListPeersWithConn()...)
	}
	return ids
}

// CleanPeersWithoutConn reaps every bridged network's table and drops any
// network left with no peers at all.
func (m *Manager) CleanPeersWithoutConn() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for name, pm := range m.networks {
		pm.CleanPeerWithoutConn()
		if pm.Len() == 0 {
			delete(m.networks, name)
		}
	}
}

// CloseAll closes every peer connection across every bridged network and
// drops all network tables, for use when the owning Peer Manager is torn
// down.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	networks := m.networks
	m.networks = make(map[string]*peermap.Map)
	m.mu.Unlock()
	for _, pm := range networks {
		pm.CloseAll()
	}
}

// Client is the read path the rest of the Peer Manager uses: "does some
// bridged network have a next hop for dst" without caring which one.
type Client struct {
	mgr *Manager
}

// NewClient wraps mgr as a Client facade.
func NewClient(mgr *Manager) *Client {
	return &Client{mgr: mgr}
}

// GetNextHop searches every bridged network for a gateway to dst,
// returning the first match along with the network name it was found
// under.
func (c *Client) GetNextHop(dst identity.PeerID) (gateway identity.PeerID, networkName string, ok bool) {
	c.mgr.mu.RLock()
	defer c.mgr.mu.RUnlock()
	for name, pm := range c.mgr.networks {
		if gw, found := pm.GetGatewayPeerID(dst); found {
			return gw, name, true
		}
	}
	return 0, "", false
}

// HasNextHop reports whether some bridged network can reach dst.
func (c *Client) HasNextHop(dst identity.PeerID) bool {
	_, _, ok := c.GetNextHop(dst)
	return ok
}

// ListPeers returns every peer id reachable across any bridged network.
func (c *Client) ListPeers() []identity.PeerID {
	return c.mgr.ListPeers()
}

// SendMsg sends p to dst via whichever bridged network has a next hop.
// It returns coreerr-compatible peermap.ErrNoRoute if none does.
func (c *Client) SendMsg(p *packet.ZCPacket, dst identity.PeerID) error {
	gateway, networkName, ok := c.GetNextHop(dst)
	if !ok {
		return peermap.ErrNoRoute
	}
	pm, _ := c.mgr.Network(networkName)
	return pm.SendMsgDirectly(p, gateway)
}

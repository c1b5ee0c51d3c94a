// Package route implements the pluggable route algorithm slot: exactly
// one variant (Rip, Ospf, or None) is chosen when a Peer Manager is
// constructed and drives the next-hop table for the lifetime of the
// process. Each variant reaches its collaborators only through an
// Interface, which carries weak back-references so a variant never
// keeps the Peer Manager (or its Peer Map) alive past its own lifetime.
package route

import (
	"github.com/netspan/meshcore/internal/coreerr"
	"github.com/netspan/meshcore/internal/foreign"
	"github.com/netspan/meshcore/internal/identity"
	"github.com/netspan/meshcore/internal/packet"
	"github.com/netspan/meshcore/internal/peermap"
	"github.com/netspan/meshcore/internal/weakref"
)

// Kind selects which route variant a Peer Manager runs.
type Kind int

const (
	// Rip is a basic distance-vector variant: periodic full-table
	// advertisement to direct neighbors.
	Rip Kind = iota
	// Ospf is a link-state variant: flooded neighbor-set advertisements,
	// next hops recomputed by shortest-path search over the resulting
	// topology graph.
	Ospf
	// None installs no route control traffic; only directly connected
	// peers are ever reachable.
	None
)

func (k Kind) String() string {
	switch k {
	case Rip:
		return "rip"
	case Ospf:
		return "ospf"
	case None:
		return "none"
	default:
		return "unknown"
	}
}

// Filter matches the Peer Manager's filter pipeline contract: it
// inspects (and may mutate or replace) pkt, then either consumes it —
// returning (nil, false), meaning "stop, no further filter sees this
// packet" — or passes it to the next filter by returning (pkt, true).
type Filter func(pkt *packet.ZCPacket) (*packet.ZCPacket, bool)

// Variant is the capability every route algorithm implements so the
// Peer Manager can install it uniformly.
type Variant interface {
	// Open wires the variant to its Interface and starts any background
	// advertisement task, returning an opaque route id used by callers
	// of SendRoutePacket that need to disambiguate multiple concurrently
	// open route control channels.
	Open(iface *Interface) (routeID uint8, err error)
	// ListRoutes returns every destination this variant believes is
	// reachable, direct or indirect.
	ListRoutes() []identity.PeerID
	// Filter returns the peer-side pipeline filter that recognizes and
	// consumes this variant's Route-typed control frames.
	Filter() Filter
	// Close stops the variant's background task, if any.
	Close()
}

// Interface is the capability object handed to a route variant's Open
// method: everything it needs to list peers, publish next hops, and
// exchange route-control packets, without holding a strong reference to
// the Peer Manager that owns it.
type Interface struct {
	myPeerID      identity.PeerID
	peerMap       weakref.Ref[peermap.Map]
	foreignClient weakref.Ref[foreign.Client]
}

// NewInterface builds the capability object a route variant receives
// from Open. peerMap and foreignClient are captured weakly; both must
// outlive the variant via the Peer Manager's own strong ownership.
func NewInterface(myPeerID identity.PeerID, peerMap *peermap.Map, foreignClient *foreign.Client) *Interface {
	return &Interface{
		myPeerID:      myPeerID,
		peerMap:       weakref.Make(peerMap),
		foreignClient: weakref.Make(foreignClient),
	}
}

// MyPeerID returns the local peer id.
func (i *Interface) MyPeerID() identity.PeerID {
	return i.myPeerID
}

// ListPeers returns the union of directly connected peers and peers
// reachable through a bridged foreign network.
func (i *Interface) ListPeers() ([]identity.PeerID, error) {
	pm, err := i.peerMap.Resolve()
	if err != nil {
		return nil, coreerr.ErrUnknown
	}
	peers := pm.ListPeersWithConn()
	if fc, err := i.foreignClient.Resolve(); err == nil {
		peers = append(peers, fc.ListPeers()...)
	}
	return peers, nil
}

// SendRoutePacket wraps payload with a Route-typed header tagged with
// routeID in the reserved field, then routes it through the
// foreign-network client if it has a next hop to dst, else directly
// through the Peer Map.
func (i *Interface) SendRoutePacket(payload []byte, routeID uint8, dst identity.PeerID) error {
	header := packet.Header{
		From:     i.myPeerID,
		To:       dst,
		Type:     packet.TypeRoute,
		Reserved: uint16(routeID),
	}
	pkt := packet.Build(header, payload)

	if fc, err := i.foreignClient.Resolve(); err == nil {
		if _, _, ok := fc.GetNextHop(dst); ok {
			return fc.SendMsg(pkt, dst)
		}
	}

	pm, err := i.peerMap.Resolve()
	if err != nil {
		return coreerr.ErrUnknown
	}
	return pm.SendMsgDirectly(pkt, dst)
}

// PublishNextHop installs dst -> gateway in the Peer Map's published
// next-hop table. A zero-value gateway withdraws the route.
func (i *Interface) PublishNextHop(dst, gateway identity.PeerID) error {
	pm, err := i.peerMap.Resolve()
	if err != nil {
		return coreerr.ErrUnknown
	}
	pm.SetNextHop(dst, gateway)
	return nil
}

// DirectPeers returns the peers the local Peer Map has a live
// connection to, used by both variants to seed their neighbor sets.
func (i *Interface) DirectPeers() ([]identity.PeerID, error) {
	pm, err := i.peerMap.Resolve()
	if err != nil {
		return nil, coreerr.ErrUnknown
	}
	return pm.ListPeersWithConn(), nil
}

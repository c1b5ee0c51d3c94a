package route

import (
	"testing"

	"github.com/netspan/meshcore/internal/foreign"
	"github.com/netspan/meshcore/internal/identity"
	"github.com/netspan/meshcore/internal/packet"
	"github.com/netspan/meshcore/internal/peerconn"
	"github.com/netspan/meshcore/internal/peermap"
)

func TestInterface_ListPeers_UnionsDirectAndForeign(t *testing.T) {
	pm := peermap.New(identity.PeerID(1))
	pm.AddNewPeerConn(peerconn.NewTestConnection(identity.PeerID(2), true))

	fm := foreign.NewManager(identity.PeerID(1))
	fm.AddForeignConn("net-a", peerconn.NewTestConnection(identity.PeerID(3), true))
	fc := foreign.NewClient(fm)

	iface := NewInterface(identity.PeerID(1), pm, fc)
	peers, err := iface.ListPeers()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(peers) != 2 {
		t.Fatalf("ListPeers() = %v, want 2 entries", peers)
	}
}

func TestInterface_SendRoutePacket_DirectWhenNoForeignHop(t *testing.T) {
	pm := peermap.New(identity.PeerID(1))
	pm.AddNewPeerConn(peerconn.NewTestConnection(identity.PeerID(2), true))
	fc := foreign.NewClient(foreign.NewManager(identity.PeerID(1)))

	iface := NewInterface(identity.PeerID(1), pm, fc)
	if err := iface.SendRoutePacket([]byte("hi"), 1, identity.PeerID(2)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestInterface_SendRoutePacket_NoRoute(t *testing.T) {
	pm := peermap.New(identity.PeerID(1))
	fc := foreign.NewClient(foreign.NewManager(identity.PeerID(1)))
	iface := NewInterface(identity.PeerID(1), pm, fc)

	err := iface.SendRoutePacket([]byte("hi"), 1, identity.PeerID(99))
	if err != peermap.ErrNotDirect {
		t.Errorf("err = %v, want ErrNotDirect", err)
	}
}

func buildRoutePacket(from, to identity.PeerID, routeID uint8, body []byte) *packet.ZCPacket {
	return packet.Build(packet.Header{From: from, To: to, Type: packet.TypeRoute, Reserved: uint16(routeID)}, body)
}

func TestNoneVariant_FilterConsumesRouteFrames(t *testing.T) {
	v := NewNone()
	pm := peermap.New(identity.PeerID(1))
	pm.AddNewPeerConn(peerconn.NewTestConnection(identity.PeerID(2), true))
	fc := foreign.NewClient(foreign.NewManager(identity.PeerID(1)))
	if _, err := v.Open(NewInterface(identity.PeerID(1), pm, fc)); err != nil {
		t.Fatalf("Open: %v", err)
	}

	routePkt := packet.Build(packet.Header{From: 2, To: 1, Type: packet.TypeRoute}, nil)
	if _, pass := v.Filter()(routePkt); pass {
		t.Error("expected Route-typed frame to be consumed")
	}

	dataPkt := packet.Build(packet.Header{From: 2, To: 1, Type: packet.TypeData}, nil)
	if out, pass := v.Filter()(dataPkt); !pass || out != dataPkt {
		t.Error("expected Data-typed frame to pass through unchanged")
	}

	routes := v.ListRoutes()
	if len(routes) != 1 || routes[0] != identity.PeerID(2) {
		t.Fatalf("ListRoutes() = %v, want [2]", routes)
	}
}

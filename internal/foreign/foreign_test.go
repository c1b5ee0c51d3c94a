package foreign

import (
	"testing"

	"github.com/netspan/meshcore/internal/identity"
	"github.com/netspan/meshcore/internal/packet"
	"github.com/netspan/meshcore/internal/peerconn"
	"github.com/netspan/meshcore/internal/peermap"
)

func TestAddForeignConn_CreatesNetworkOnFirstSight(t *testing.T) {
	mgr := NewManager(identity.PeerID(1))
	conn := peerconn.NewTestConnection(identity.PeerID(2), true)
	mgr.AddForeignConn("partner-net", conn)

	names := mgr.NetworkNames()
	if len(names) != 1 || names[0] != "partner-net" {
		t.Fatalf("NetworkNames() = %v, want [partner-net]", names)
	}

	pm, ok := mgr.Network("partner-net")
	if !ok {
		t.Fatal("expected partner-net to exist")
	}
	if _, ok := pm.GetGatewayPeerID(identity.PeerID(2)); !ok {
		t.Error("expected direct route to peer 2 within partner-net")
	}
}

func TestClient_GetNextHop_FindsAcrossNetworks(t *testing.T) {
	mgr := NewManager(identity.PeerID(1))
	mgr.AddForeignConn("net-a", peerconn.NewTestConnection(identity.PeerID(2), true))
	mgr.AddForeignConn("net-b", peerconn.NewTestConnection(identity.PeerID(3), true))

	client := NewClient(mgr)

	gw, name, ok := client.GetNextHop(identity.PeerID(3))
	if !ok || gw != identity.PeerID(3) || name != "net-b" {
		t.Fatalf("GetNextHop(3) = (%v, %v, %v), want (3, net-b, true)", gw, name, ok)
	}

	if client.HasNextHop(identity.PeerID(99)) {
		t.Error("expected no route to unknown peer")
	}
}

func TestClient_SendMsg_NoRoute(t *testing.T) {
	mgr := NewManager(identity.PeerID(1))
	client := NewClient(mgr)

	p := packet.Build(packet.Header{From: 1, To: 2, Type: packet.TypeData}, nil)
	if err := client.SendMsg(p, identity.PeerID(2)); err != peermap.ErrNoRoute {
		t.Errorf("err = %v, want ErrNoRoute", err)
	}
}

func TestClient_SendMsg_RoutesThroughBridgedNetwork(t *testing.T) {
	mgr := NewManager(identity.PeerID(1))
	mgr.AddForeignConn("net-a", peerconn.NewTestConnection(identity.PeerID(2), true))
	client := NewClient(mgr)

	p := packet.Build(packet.Header{From: 1, To: 2, Type: packet.TypeData}, nil)
	if err := client.SendMsg(p, identity.PeerID(2)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestManager_CleanPeersWithoutConn_DropsEmptyNetworks(t *testing.T) {
	mgr := NewManager(identity.PeerID(1))
	conn := peerconn.NewTestConnection(identity.PeerID(2), true)
	mgr.AddForeignConn("net-a", conn)

	conn.Close()
	mgr.CleanPeersWithoutConn()

	if len(mgr.NetworkNames()) != 0 {
		t.Errorf("NetworkNames() = %v, want empty after reaping", mgr.NetworkNames())
	}
}

func TestManager_ListPeers(t *testing.T) {
	mgr := NewManager(identity.PeerID(1))
	mgr.AddForeignConn("net-a", peerconn.NewTestConnection(identity.PeerID(2), true))
	mgr.AddForeignConn("net-b", peerconn.NewTestConnection(identity.PeerID(3), true))

	peers := mgr.ListPeers()
	if len(peers) != 2 {
		t.Fatalf("ListPeers() = %v, want 2 entries", peers)
	}
}

package peermap

import (
	"net"
	"testing"

	"github.com/netspan/meshcore/internal/identity"
	"github.com/netspan/meshcore/internal/packet"
	"github.com/netspan/meshcore/internal/peerconn"
)

func TestAddNewPeerConn_DirectRoute(t *testing.T) {
	m := New(identity.PeerID(1))
	conn := peerconn.NewTestConnection(identity.PeerID(2), true)
	m.AddNewPeerConn(conn)

	gw, ok := m.GetGatewayPeerID(identity.PeerID(2))
	if !ok || gw != identity.PeerID(2) {
		t.Fatalf("GetGatewayPeerID(2) = (%v, %v), want (2, true)", gw, ok)
	}
}

func TestSendMsgDirectly_NoConnection(t *testing.T) {
	m := New(identity.PeerID(1))
	p := packet.Build(packet.Header{From: 1, To: 2, Type: packet.TypeData}, nil)
	if err := m.SendMsgDirectly(p, identity.PeerID(99)); err != ErrNotDirect {
		t.Errorf("err = %v, want ErrNotDirect", err)
	}
}

func TestSendMsg_Loopback(t *testing.T) {
	m := New(identity.PeerID(1))
	p := packet.Build(packet.Header{From: 1, To: 1, Type: packet.TypeData}, nil)
	loopback, err := m.SendMsg(p, identity.PeerID(1))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !loopback {
		t.Error("expected loopback = true for send to self")
	}
}

func TestSendMsg_NoRoute(t *testing.T) {
	m := New(identity.PeerID(1))
	p := packet.Build(packet.Header{From: 1, To: 2, Type: packet.TypeData}, nil)
	_, err := m.SendMsg(p, identity.PeerID(2))
	if err != ErrNoRoute {
		t.Errorf("err = %v, want ErrNoRoute", err)
	}
}

func TestSendMsg_MultiHopViaNextHop(t *testing.T) {
	m := New(identity.PeerID(1))
	gateway := peerconn.NewTestConnection(identity.PeerID(2), true)
	m.AddNewPeerConn(gateway)
	m.SetNextHop(identity.PeerID(3), identity.PeerID(2))

	p := packet.Build(packet.Header{From: 1, To: 3, Type: packet.TypeData}, nil)
	loopback, err := m.SendMsg(p, identity.PeerID(3))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if loopback {
		t.Error("expected loopback = false for multi-hop destination")
	}
}

func TestRoundRobin_AcrossMultipleConnsToSamePeer(t *testing.T) {
	m := New(identity.PeerID(1))
	connA := peerconn.NewTestConnection(identity.PeerID(2), true)
	connB := peerconn.NewTestConnection(identity.PeerID(2), false)
	m.AddNewPeerConn(connA)
	m.AddNewPeerConn(connB)

	first := m.pickDirectConn(identity.PeerID(2))
	second := m.pickDirectConn(identity.PeerID(2))
	if first == second {
		t.Error("expected round-robin to alternate between the two connections")
	}
	third := m.pickDirectConn(identity.PeerID(2))
	if third != first {
		t.Error("expected round-robin to cycle back to the first connection")
	}
}

func TestGetPeerIDByIPv4(t *testing.T) {
	m := New(identity.PeerID(1))
	addr := net.ParseIP("10.0.0.2")
	m.SetIPv4Route(addr, identity.PeerID(5))

	id, ok := m.GetPeerIDByIPv4(addr)
	if !ok || id != identity.PeerID(5) {
		t.Fatalf("GetPeerIDByIPv4 = (%v, %v), want (5, true)", id, ok)
	}

	_, ok = m.GetPeerIDByIPv4(net.ParseIP("10.0.0.3"))
	if ok {
		t.Error("expected no route for unregistered address")
	}
}

func TestCleanPeerWithoutConn_RemovesClosedConnAndReapsNextHop(t *testing.T) {
	m := New(identity.PeerID(1))
	conn := peerconn.NewTestConnection(identity.PeerID(2), true)
	m.AddNewPeerConn(conn)
	m.SetNextHop(identity.PeerID(3), identity.PeerID(2))

	if m.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", m.Len())
	}

	conn.Close()
	m.CleanPeerWithoutConn()

	if m.Len() != 0 {
		t.Errorf("Len() = %d, want 0 after reaping", m.Len())
	}
	if _, ok := m.GetGatewayPeerID(identity.PeerID(2)); ok {
		t.Error("expected direct route to 2 to be gone after reaping")
	}
	if _, ok := m.GetGatewayPeerID(identity.PeerID(3)); ok {
		t.Error("expected indirect route to 3 to be gone once its gateway vanished")
	}
}

func TestListPeersWithConn(t *testing.T) {
	m := New(identity.PeerID(1))
	m.AddNewPeerConn(peerconn.NewTestConnection(identity.PeerID(2), true))
	m.AddNewPeerConn(peerconn.NewTestConnection(identity.PeerID(3), true))

	peers := m.ListPeersWithConn()
	if len(peers) != 2 {
		t.Fatalf("ListPeersWithConn() = %v, want 2 entries", peers)
	}
}

func TestListRoutes_ExcludesSelf(t *testing.T) {
	m := New(identity.PeerID(1))
	m.AddNewPeerConn(peerconn.NewTestConnection(identity.PeerID(2), true))

	for _, r := range m.ListRoutes() {
		if r == identity.PeerID(1) {
			t.Error("ListRoutes() should not include self")
		}
	}
}

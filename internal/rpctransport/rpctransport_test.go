package rpctransport

import (
	"context"
	"testing"
	"time"

	"github.com/netspan/meshcore/internal/coreerr"
	"github.com/netspan/meshcore/internal/foreign"
	"github.com/netspan/meshcore/internal/identity"
	"github.com/netspan/meshcore/internal/packet"
	"github.com/netspan/meshcore/internal/peerconn"
	"github.com/netspan/meshcore/internal/peermap"
)

func TestSend_DirectGateway(t *testing.T) {
	pm := peermap.New(identity.PeerID(1))
	pm.AddNewPeerConn(peerconn.NewTestConnection(identity.PeerID(2), true))
	tr := New(identity.PeerID(1), pm, nil)

	if err := tr.Send([]byte("hello"), identity.PeerID(2)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestSend_NoRouteWithoutForeignClient(t *testing.T) {
	pm := peermap.New(identity.PeerID(1))
	tr := New(identity.PeerID(1), pm, nil)

	err := tr.Send([]byte("hello"), identity.PeerID(2))
	if _, ok := err.(*coreerr.RouteError); !ok {
		t.Fatalf("err = %v (%T), want *coreerr.RouteError", err, err)
	}
}

func TestSend_ViaForeignBridge(t *testing.T) {
	pm := peermap.New(identity.PeerID(1))
	tr := New(identity.PeerID(1), pm, nil)

	mgr := foreign.NewManager(identity.PeerID(1))
	mgr.AddForeignConn("partner", peerconn.NewTestConnection(identity.PeerID(9), true))
	tr.PublishForeignClient(foreign.NewClient(mgr))

	if err := tr.Send([]byte("hello"), identity.PeerID(9)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestSend_PublicRelaySkipsEncryption(t *testing.T) {
	pm := peermap.New(identity.PeerID(1))
	tr := New(identity.PeerID(1), pm, nil)

	mgr := foreign.NewManager(identity.PeerID(1))
	mgr.AddForeignConn("partner", peerconn.NewTestConnection(identity.PeerID(9), true))
	tr.PublishForeignClient(foreign.NewClient(mgr))
	tr.MarkPublicRelay(identity.PeerID(9))

	pkt, err := tr.buildFrame(identity.PeerID(9), []byte("hello"), !tr.IsPublicRelay(identity.PeerID(9)))
	if err != nil {
		t.Fatalf("buildFrame: %v", err)
	}
	h, err := pkt.Header()
	if err != nil {
		t.Fatalf("Header: %v", err)
	}
	if h.HasFlag(packet.FlagEncrypted) {
		t.Error("expected frame addressed to a public relay to be unencrypted")
	}
}

func TestPublishForeignClient_OnlyFirstCallTakesEffect(t *testing.T) {
	pm := peermap.New(identity.PeerID(1))
	tr := New(identity.PeerID(1), pm, nil)

	mgrA := foreign.NewManager(identity.PeerID(1))
	mgrA.AddForeignConn("a", peerconn.NewTestConnection(identity.PeerID(5), true))
	tr.PublishForeignClient(foreign.NewClient(mgrA))

	mgrB := foreign.NewManager(identity.PeerID(1))
	mgrB.AddForeignConn("b", peerconn.NewTestConnection(identity.PeerID(6), true))
	tr.PublishForeignClient(foreign.NewClient(mgrB))

	if err := tr.Send([]byte("x"), identity.PeerID(6)); err == nil {
		t.Error("expected second PublishForeignClient call to be ignored")
	}
}

func TestDepositAndRecv(t *testing.T) {
	pm := peermap.New(identity.PeerID(1))
	tr := New(identity.PeerID(1), pm, nil)

	pkt := packet.Build(packet.Header{From: 2, To: 1, Type: packet.TypeRPC}, []byte("payload"))
	if ok := tr.Deposit(pkt); !ok {
		t.Fatal("expected Deposit to succeed")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	got, err := tr.Recv(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(got.Payload()) != "payload" {
		t.Errorf("Payload() = %q, want %q", got.Payload(), "payload")
	}
}

func TestRecv_CancelledContext(t *testing.T) {
	pm := peermap.New(identity.PeerID(1))
	tr := New(identity.PeerID(1), pm, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := tr.Recv(ctx); err == nil {
		t.Error("expected Recv to return an error for a cancelled context")
	}
}

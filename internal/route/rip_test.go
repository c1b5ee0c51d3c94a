package route

import (
	"reflect"
	"testing"

	"github.com/netspan/meshcore/internal/foreign"
	"github.com/netspan/meshcore/internal/identity"
	"github.com/netspan/meshcore/internal/peerconn"
	"github.com/netspan/meshcore/internal/peermap"
)

func TestRipAdvert_EncodeDecodeRoundTrip(t *testing.T) {
	entries := []ripEntry{{Dst: identity.PeerID(2), Metric: 0}, {Dst: identity.PeerID(3), Metric: 1}}
	buf := encodeRipAdvert(identity.PeerID(1), entries)

	sender, got, err := decodeRipAdvert(buf)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if sender != identity.PeerID(1) {
		t.Errorf("sender = %v, want 1", sender)
	}
	if !reflect.DeepEqual(got, entries) {
		t.Errorf("entries = %v, want %v", got, entries)
	}
}

func TestRipAdvert_DecodeTooShort(t *testing.T) {
	if _, _, err := decodeRipAdvert([]byte{1, 2, 3}); err == nil {
		t.Error("expected error decoding truncated advertisement")
	}
}

func newRipHarness(t *testing.T) (*RipVariant, *peermap.Map) {
	t.Helper()
	pm := peermap.New(identity.PeerID(1))
	pm.AddNewPeerConn(peerconn.NewTestConnection(identity.PeerID(2), true))
	fc := foreign.NewClient(foreign.NewManager(identity.PeerID(1)))

	v := NewRip(nil)
	v.iface = NewInterface(identity.PeerID(1), pm, fc)
	return v, pm
}

func TestRipVariant_HandleAdvert_InstallsIndirectRoute(t *testing.T) {
	v, pm := newRipHarness(t)

	// Peer 2 advertises that it can reach peer 3 at metric 0 (direct for it).
	body := encodeRipAdvert(identity.PeerID(2), []ripEntry{{Dst: identity.PeerID(3), Metric: 0}})
	v.handleAdvert(body)

	gw, ok := pm.GetGatewayPeerID(identity.PeerID(3))
	if !ok || gw != identity.PeerID(2) {
		t.Fatalf("GetGatewayPeerID(3) = (%v, %v), want (2, true)", gw, ok)
	}
}

func TestRipVariant_HandleAdvert_IgnoresInfiniteMetric(t *testing.T) {
	v, pm := newRipHarness(t)

	body := encodeRipAdvert(identity.PeerID(2), []ripEntry{{Dst: identity.PeerID(3), Metric: ripInfinity}})
	v.handleAdvert(body)

	if _, ok := pm.GetGatewayPeerID(identity.PeerID(3)); ok {
		t.Error("expected no route installed for an infinite-metric advertisement")
	}
}

func TestRipVariant_HandleAdvert_WithdrawsOnInfinity(t *testing.T) {
	v, pm := newRipHarness(t)

	v.handleAdvert(encodeRipAdvert(identity.PeerID(2), []ripEntry{{Dst: identity.PeerID(3), Metric: 1}}))
	if _, ok := pm.GetGatewayPeerID(identity.PeerID(3)); !ok {
		t.Fatal("expected route to be installed before withdrawal")
	}

	v.handleAdvert(encodeRipAdvert(identity.PeerID(2), []ripEntry{{Dst: identity.PeerID(3), Metric: ripInfinity}}))
	if _, ok := pm.GetGatewayPeerID(identity.PeerID(3)); ok {
		t.Error("expected route to be withdrawn once its advertising gateway reports it unreachable")
	}
}

func TestRipVariant_Filter_ConsumesTaggedFrames(t *testing.T) {
	v, _ := newRipHarness(t)
	body := encodeRipAdvert(identity.PeerID(2), nil)
	pkt := buildRoutePacket(identity.PeerID(2), identity.PeerID(1), ripRouteID, body)

	if _, pass := v.Filter()(pkt); pass {
		t.Error("expected rip-tagged route frame to be consumed")
	}
}

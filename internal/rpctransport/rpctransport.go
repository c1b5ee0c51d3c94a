// Package rpctransport implements the RPC Transport: the outbound path
// that wraps RPC payloads in the overlay header and routes them either
// directly or across a bridged foreign network, and the inbound path
// that the RPC-demux filter feeds frames into.
//
// It reaches the Peer Map and Foreign Network Client only through weak
// back-references, breaking the ownership cycle Peer Manager -> RPC
// Manager -> RPC Transport -> Peer Map -> (send callbacks) -> Peer
// Manager: once the Peer Manager that owns those components is torn
// down, an in-flight Send sees them as gone instead of keeping them
// alive.
package rpctransport

import (
	"context"
	"sync"

	"github.com/netspan/meshcore/internal/coreerr"
	"github.com/netspan/meshcore/internal/foreign"
	"github.com/netspan/meshcore/internal/identity"
	"github.com/netspan/meshcore/internal/packet"
	"github.com/netspan/meshcore/internal/peermap"
	"github.com/netspan/meshcore/internal/weakref"
)

// inboundBuffer is the depth of the channel the RPC-demux filter
// deposits frames into; Recv drains it.
const inboundBuffer = 256

// Transport is the RPC Transport described by the core: outbound send
// with gateway/foreign-bridge fallback, inbound recv fed by the
// filter pipeline.
type Transport struct {
	myPeerID  identity.PeerID
	encryptor packet.Encryptor

	peerMap       weakref.Ref[peermap.Map]
	foreignClient weakref.Ref[foreign.Client]
	publishOnce   sync.Once

	mu           sync.RWMutex
	publicRelays map[identity.PeerID]bool

	inbound chan *packet.ZCPacket
}

// New constructs a Transport whose weak reference to peerMap is bound
// immediately; the foreign-network client reference is published
// separately, once, via PublishForeignClient.
func New(myPeerID identity.PeerID, peerMap *peermap.Map, encryptor packet.Encryptor) *Transport {
	if encryptor == nil {
		encryptor = packet.NullEncryptor{}
	}
	return &Transport{
		myPeerID:     myPeerID,
		encryptor:    encryptor,
		peerMap:      weakref.Make(peerMap),
		publicRelays: make(map[identity.PeerID]bool),
		inbound:      make(chan *packet.ZCPacket, inboundBuffer),
	}
}

// PublishForeignClient installs the weak reference to the foreign
// network client. It is a one-shot: only the first call takes effect,
// matching the core's "published once at run() start" contract.
func (t *Transport) PublishForeignClient(fc *foreign.Client) {
	t.publishOnce.Do(func() {
		t.foreignClient = weakref.Make(fc)
	})
}

// MarkPublicRelay records id as a declared public relay: control
// frames addressed directly to it travel unencrypted across a foreign
// bridge, since relays forward payloads they cannot decrypt but must
// still be able to read frames targeting them as a control endpoint.
func (t *Transport) MarkPublicRelay(id identity.PeerID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.publicRelays[id] = true
}

// IsPublicRelay reports whether id has been declared a public relay.
func (t *Transport) IsPublicRelay(id identity.PeerID) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.publicRelays[id]
}

// Send routes msg to dst: directly to a known gateway if the Peer Map
// has one, otherwise across a bridged foreign network if one has a
// next hop, otherwise a RouteError. The payload is encrypted unless
// it's addressed to a declared public relay over the foreign path.
func (t *Transport) Send(msg []byte, dst identity.PeerID) error {
	pm, err := t.peerMap.Resolve()
	if err != nil {
		return coreerr.ErrUnknown
	}

	if gateway, ok := pm.GetGatewayPeerID(dst); ok {
		pkt, err := t.buildFrame(dst, msg, true)
		if err != nil {
			return err
		}
		return pm.SendMsgDirectly(pkt, gateway)
	}

	fc, err := t.foreignClient.Resolve()
	if err != nil {
		return coreerr.NewRouteError(dst, "no direct gateway and no foreign-network client published")
	}
	if _, _, ok := fc.GetNextHop(dst); !ok {
		return coreerr.NewRouteError(dst, "no direct gateway and no foreign next hop")
	}

	pkt, err := t.buildFrame(dst, msg, !t.IsPublicRelay(dst))
	if err != nil {
		return err
	}
	return fc.SendMsg(pkt, dst)
}

func (t *Transport) buildFrame(dst identity.PeerID, msg []byte, encrypt bool) (*packet.ZCPacket, error) {
	header := packet.Header{From: t.myPeerID, To: dst, Type: packet.TypeRPC}
	pkt := packet.Build(header, msg)
	if !encrypt {
		return pkt, nil
	}
	if err := t.encryptor.Encrypt(pkt); err != nil {
		return nil, err
	}
	return pkt, nil
}

// Deposit hands an inbound frame to the transport, as the RPC-demux
// filter does for every packet_type == TaRpc frame. It drops the frame
// and returns false if the inbound buffer is full, rather than block
// the receive loop.
func (t *Transport) Deposit(pkt *packet.ZCPacket) bool {
	select {
	case t.inbound <- pkt:
		return true
	default:
		return false
	}
}

// Recv blocks until a frame is deposited or ctx is cancelled.
func (t *Transport) Recv(ctx context.Context) (*packet.ZCPacket, error) {
	select {
	case pkt, ok := <-t.inbound:
		if !ok {
			return nil, coreerr.ErrUnknown
		}
		return pkt, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops further delivery to Recv; Deposit after Close panics, so
// callers must stop depositing before closing.
func (t *Transport) Close() {
	close(t.inbound)
}

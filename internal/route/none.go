package route

import (
	"github.com/netspan/meshcore/internal/identity"
	"github.com/netspan/meshcore/internal/packet"
)

// NoneVariant runs no route control traffic at all; only directly
// connected peers are ever reachable, and ListRoutes mirrors the Peer
// Map's direct-connection set.
type NoneVariant struct {
	iface *Interface
}

// NewNone constructs the no-op route variant.
func NewNone() *NoneVariant {
	return &NoneVariant{}
}

func (v *NoneVariant) Open(iface *Interface) (uint8, error) {
	v.iface = iface
	return 0, nil
}

func (v *NoneVariant) ListRoutes() []identity.PeerID {
	if v.iface == nil {
		return nil
	}
	peers, err := v.iface.DirectPeers()
	if err != nil {
		return nil
	}
	return peers
}

// Filter consumes any stray Route-typed frame (none should ever arrive,
// since this variant never sends one) and passes everything else
// through.
func (v *NoneVariant) Filter() Filter {
	return func(pkt *packet.ZCPacket) (*packet.ZCPacket, bool) {
		h, err := pkt.Header()
		if err != nil || h.Type != packet.TypeRoute {
			return pkt, true
		}
		return nil, false
	}
}

func (v *NoneVariant) Close() {}

package peermanager

import (
	"fmt"
	"net"
	"strings"

	"github.com/netspan/meshcore/internal/coreerr"
	"github.com/netspan/meshcore/internal/identity"
	"github.com/netspan/meshcore/internal/packet"
)

// SendIPv4Error aggregates the per-destination failures SendMsgIPv4 hits
// while fanning a frame out to more than one peer; a fan-out with zero
// failures returns a nil error rather than an empty SendIPv4Error.
type SendIPv4Error struct {
	Failures map[identity.PeerID]error
}

func (e *SendIPv4Error) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for id, err := range e.Failures {
		parts = append(parts, fmt.Sprintf("%s: %v", id, err))
	}
	return fmt.Sprintf("peermanager: send_msg_ipv4 failed for %d destination(s): %s", len(e.Failures), strings.Join(parts, "; "))
}

// SendMsg sends payload as a Data frame directly to dst: a direct
// connection if the Peer Map has a gateway for it, otherwise a bridge
// through the foreign-network client, otherwise a RouteError.
func (m *Manager) SendMsg(payload []byte, dst identity.PeerID) error {
	header := packet.Header{From: m.myPeerID, To: dst, Type: packet.TypeData}
	pkt := packet.Build(header, payload)
	if err := m.encryptor.Encrypt(pkt); err != nil {
		return fmt.Errorf("peermanager: encrypt outbound frame: %w", err)
	}
	return m.deliverToPeer(pkt, dst)
}

func (m *Manager) deliverToPeer(pkt *packet.ZCPacket, dst identity.PeerID) error {
	if gw, ok := m.peerMap.GetGatewayPeerID(dst); ok {
		if err := m.peerMap.SendMsgDirectly(pkt, gw); err != nil {
			return err
		}
		if m.metrics != nil {
			m.metrics.RecordFrameSent(packet.TypeData.String())
		}
		return nil
	}
	if _, _, ok := m.foreignClient.GetNextHop(dst); ok {
		if err := m.foreignClient.SendMsg(pkt, dst); err != nil {
			return err
		}
		if m.metrics != nil {
			m.metrics.RecordFrameSent(packet.TypeData.String())
		}
		return nil
	}
	return coreerr.NewRouteError(dst, "no gateway and no foreign next hop")
}

// SendMsgIPv4 implements spec §4.6: resolve the destination peer set
// (broadcast/multicast/directed-broadcast fans out to every known route,
// a unicast address resolves through the Peer Map's IPv4 table), run the
// NIC-side filter pipeline once, encrypt once, then clone per
// destination and deliver. Fan-out is not atomic: it returns a
// SendIPv4Error aggregating every destination that failed, or nil if all
// (or zero) destinations succeeded.
func (m *Manager) SendMsgIPv4(payload []byte, addr net.IP) error {
	dests := m.resolveIPv4Destinations(addr)
	if len(dests) == 0 {
		m.logger.Debug("peermanager: send_msg_ipv4 resolved to no destinations", "addr", addr.String())
		return nil
	}

	header := packet.Header{From: m.myPeerID, To: 0, Type: packet.TypeData}
	pkt := packet.Build(header, payload)

	if filtered, keep := m.runNICFilters(pkt); keep {
		pkt = filtered
	} else {
		return nil
	}

	if err := m.encryptor.Encrypt(pkt); err != nil {
		return fmt.Errorf("peermanager: encrypt outbound frame: %w", err)
	}

	failures := make(map[identity.PeerID]error)
	for _, dst := range dests {
		clone := pkt.CloneForMutation()
		h, err := clone.Header()
		if err != nil {
			failures[dst] = err
			continue
		}
		h.To = dst
		if err := clone.SetHeader(h); err != nil {
			failures[dst] = err
			continue
		}
		if err := m.deliverToPeer(clone, dst); err != nil {
			failures[dst] = err
		}
	}

	if len(failures) == 0 {
		return nil
	}
	return &SendIPv4Error{Failures: failures}
}

// resolveIPv4Destinations implements the broadcast/multicast/directed-
// broadcast/unicast resolution rules of spec §4.6. Directed-broadcast
// detection is hard-coded to the original implementation's /24
// assumption: only the address's final octet is consulted, regardless of
// any configured netmask.
func (m *Manager) resolveIPv4Destinations(addr net.IP) []identity.PeerID {
	v4 := addr.To4()
	if v4 == nil {
		return nil
	}
	if v4.Equal(net.IPv4bcast) || v4.IsMulticast() || v4[3] == 255 {
		return m.peerMap.ListRoutes()
	}
	if id, ok := m.peerMap.GetPeerIDByIPv4(v4); ok {
		return []identity.PeerID{id}
	}
	return nil
}

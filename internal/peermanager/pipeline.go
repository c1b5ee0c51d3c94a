package peermanager

import (
	"fmt"

	"github.com/netspan/meshcore/internal/identity"
	"github.com/netspan/meshcore/internal/packet"
	"github.com/netspan/meshcore/internal/route"
)

// AddPacketProcessPipeline installs filter ahead of every filter
// installed before it: the pipeline runs last-registered-first, so a
// late registration can intercept frames an earlier one would otherwise
// have consumed.
func (m *Manager) AddPacketProcessPipeline(filter route.Filter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.peerFilters = append([]route.Filter{filter}, m.peerFilters...)
}

// AddNICPacketProcessPipeline installs filter on the outbound NIC-side
// pipeline, run by SendMsgIPv4 before a Data frame is ever encrypted or
// sent, with the same prepend (last-registered-first-run) ordering as
// AddPacketProcessPipeline.
func (m *Manager) AddNICPacketProcessPipeline(filter route.Filter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nicFilters = append([]route.Filter{filter}, m.nicFilters...)
}

// AddRoute opens variant against a freshly built Interface and installs
// its peer-side filter, letting more than one route variant run at once
// (e.g. while migrating between algorithms) even though Config only
// selects one at construction.
func (m *Manager) AddRoute(variant route.Variant) (uint8, error) {
	iface := route.NewInterface(m.myPeerID, m.peerMap, m.foreignClient)
	routeID, err := variant.Open(iface)
	if err != nil {
		return 0, fmt.Errorf("peermanager: open route variant: %w", err)
	}
	m.AddPacketProcessPipeline(variant.Filter())
	return routeID, nil
}

// runPeerFilters runs the peer-side pipeline over pkt, returning the
// surviving packet and whether anything downstream should still see it.
func (m *Manager) runPeerFilters(pkt *packet.ZCPacket) (*packet.ZCPacket, bool) {
	m.mu.RLock()
	filters := m.peerFilters
	m.mu.RUnlock()

	keep := true
	for _, f := range filters {
		pkt, keep = f(pkt)
		if !keep {
			return nil, false
		}
	}
	return pkt, true
}

// runNICFilters runs the NIC-side pipeline over pkt before it is sent,
// with the same consume-or-pass contract as the peer-side pipeline.
func (m *Manager) runNICFilters(pkt *packet.ZCPacket) (*packet.ZCPacket, bool) {
	m.mu.RLock()
	filters := m.nicFilters
	m.mu.RUnlock()

	keep := true
	for _, f := range filters {
		pkt, keep = f(pkt)
		if !keep {
			return nil, false
		}
	}
	return pkt, true
}

// nicDeliveryFilter is the fixed filter that hands any surviving
// Data-typed frame to the NIC-out channel, consuming it so no later
// (earlier-registered) filter sees it. Run installs it after the
// configured route variant's filter and before rpcDemuxFilter, so it
// runs ahead of that route filter; a variant added later through
// AddRoute runs ahead of it.
func (m *Manager) nicDeliveryFilter() route.Filter {
	return func(pkt *packet.ZCPacket) (*packet.ZCPacket, bool) {
		h, err := pkt.Header()
		if err != nil || h.Type != packet.TypeData {
			return pkt, true
		}
		select {
		case m.nicOut <- pkt.Payload():
		case <-m.ctx.Done():
		}
		if m.metrics != nil {
			m.metrics.RecordFrameReceived(h.Type.String())
		}
		return nil, false
	}
}

// rpcDemuxFilter is the fixed filter that deposits any surviving
// TaRpc-typed frame into the RPC transport's inbound queue, consuming
// it. Installed alongside nicDeliveryFilter in Run.
func (m *Manager) rpcDemuxFilter() route.Filter {
	return func(pkt *packet.ZCPacket) (*packet.ZCPacket, bool) {
		h, err := pkt.Header()
		if err != nil || h.Type != packet.TypeRPC {
			return pkt, true
		}
		if !m.rpcTransport.Deposit(pkt) {
			if m.metrics != nil {
				m.metrics.RecordFrameDropped("rpc_inbound_full")
			}
		} else if m.metrics != nil {
			m.metrics.RecordFrameReceived(h.Type.String())
		}
		return nil, false
	}
}

// receiveLoop drains the shared inbound channel every Connection's
// OnPacket callback feeds, dispatching each frame to handleInboundPacket
// until the Manager's context is cancelled.
func (m *Manager) receiveLoop() {
	for {
		select {
		case <-m.ctx.Done():
			return
		case pkt := <-m.inbound:
			m.handleInboundPacket(pkt)
		}
	}
}

// handleInboundPacket implements spec §4.8's receive-side dispatch: a
// malformed header is dropped; a frame not addressed to us is forwarded
// one hop closer (falling back to the foreign-network bridge); a frame
// addressed to us is decrypted and run through the peer-side filter
// pipeline.
func (m *Manager) handleInboundPacket(pkt *packet.ZCPacket) {
	h, err := pkt.Header()
	if err != nil {
		if m.metrics != nil {
			m.metrics.RecordFrameDropped("malformed_header")
		}
		m.logger.Warn("peermanager: dropping frame with malformed header", "error", err)
		return
	}

	if h.To != m.myPeerID {
		m.forwardPacket(pkt, h)
		return
	}

	mutable := pkt.CloneForMutation()
	if err := m.encryptor.Decrypt(mutable); err != nil {
		if m.metrics != nil {
			m.metrics.RecordFrameDropped("decrypt_failed")
		}
		m.logger.Warn("peermanager: frame failed to decrypt, running filters on raw bytes", "from", h.From.String(), "error", err)
	}

	if _, keep := m.runPeerFilters(mutable); keep {
		if m.metrics != nil {
			m.metrics.RecordFrameDropped("unhandled_packet_type")
		}
		m.logger.Debug("peermanager: inbound frame reached end of pipeline unconsumed", "type", h.Type.String())
	}
}

// forwardPacket relays a frame not addressed to us: first via a direct
// or routed next hop through the local Peer Map, then, if no local
// route exists, via the foreign-network bridge. Called only when
// h.To != m.myPeerID, so the loopback case SendMsg also handles never
// triggers here.
func (m *Manager) forwardPacket(pkt *packet.ZCPacket, h packet.Header) {
	_, err := m.peerMap.SendMsg(pkt, h.To)
	if err == nil {
		return
	}

	if m.foreignClient.HasNextHop(h.To) {
		if sendErr := m.foreignClient.SendMsg(pkt, h.To); sendErr != nil {
			m.recordForwardFailure(h.To, sendErr)
		}
		return
	}

	m.recordForwardFailure(h.To, err)
}

func (m *Manager) recordForwardFailure(dst identity.PeerID, err error) {
	if m.metrics != nil {
		m.metrics.RecordFrameDropped("no_route")
	}
	m.logger.Debug("peermanager: no route to forward frame", "to", dst.String(), "error", err)
}

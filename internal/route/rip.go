package route

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/netspan/meshcore/internal/identity"
	"github.com/netspan/meshcore/internal/logging"
	"github.com/netspan/meshcore/internal/packet"
	"github.com/netspan/meshcore/internal/recovery"
)

// ripRouteID tags every frame this variant sends so a node running Rip
// never mistakes an Ospf neighbor's stray control frame for its own.
const ripRouteID uint8 = 1

// ripInfinity is the distance treated as unreachable, matching classic
// RIP's loop-breaking convention: a route whose advertised metric plus
// the one hop to the advertising neighbor reaches this value is not
// installed, and an existing route through that neighbor is withdrawn.
const ripInfinity = 16

// ripAdvertiseInterval is how often a node floods its current distance
// vector to each directly connected neighbor.
const ripAdvertiseInterval = 5 * time.Second

type ripRoute struct {
	metric  uint32
	gateway identity.PeerID
}

// RipVariant is a basic distance-vector route algorithm: every node
// periodically sends its full routing table to each direct neighbor;
// neighbors merge in any entry that improves on what they already know.
type RipVariant struct {
	iface *Interface

	mu    sync.RWMutex
	table map[identity.PeerID]ripRoute

	stop   chan struct{}
	logger *logging.Logger
}

// NewRip constructs a Rip variant. A nil logger discards log output.
func NewRip(logger *logging.Logger) *RipVariant {
	if logger == nil {
		logger = logging.Nop()
	}
	return &RipVariant{
		table:  make(map[identity.PeerID]ripRoute),
		stop:   make(chan struct{}),
		logger: logger,
	}
}

func (v *RipVariant) Open(iface *Interface) (uint8, error) {
	v.iface = iface
	go recovery.RunSupervised(v.logger, "route.rip.advertise", v.advertiseLoop)
	return ripRouteID, nil
}

func (v *RipVariant) advertiseLoop() {
	ticker := time.NewTicker(ripAdvertiseInterval)
	defer ticker.Stop()
	for {
		select {
		case <-v.stop:
			return
		case <-ticker.C:
			v.advertiseOnce()
		}
	}
}

func (v *RipVariant) advertiseOnce() {
	peers, err := v.iface.DirectPeers()
	if err != nil {
		return
	}
	entries := v.snapshotVector()
	body := encodeRipAdvert(v.iface.MyPeerID(), entries)
	for _, p := range peers {
		if err := v.iface.SendRoutePacket(body, ripRouteID, p); err != nil {
			v.logger.Debug("rip advertise failed", "peer", p.String(), "error", err)
		}
	}
}

// snapshotVector returns this node's own distance vector: 0 for itself,
// the learned metric for every other known destination.
func (v *RipVariant) snapshotVector() []ripEntry {
	v.mu.RLock()
	defer v.mu.RUnlock()
	entries := make([]ripEntry, 0, len(v.table)+1)
	entries = append(entries, ripEntry{Dst: v.iface.MyPeerID(), Metric: 0})
	for dst, r := range v.table {
		entries = append(entries, ripEntry{Dst: dst, Metric: r.metric})
	}
	return entries
}

func (v *RipVariant) ListRoutes() []identity.PeerID {
	v.mu.RLock()
	defer v.mu.RUnlock()
	ids := make([]identity.PeerID, 0, len(v.table))
	for dst := range v.table {
		ids = append(ids, dst)
	}
	return ids
}

// Filter recognizes Route-typed frames tagged with this variant's route
// id, merges the advertised vector into the local table, and consumes
// the frame. Anything else passes through.
func (v *RipVariant) Filter() Filter {
	return func(pkt *packet.ZCPacket) (*packet.ZCPacket, bool) {
		h, err := pkt.Header()
		if err != nil || h.Type != packet.TypeRoute || uint8(h.Reserved) != ripRouteID {
			return pkt, true
		}
		v.handleAdvert(pkt.Payload())
		return nil, false
	}
}

func (v *RipVariant) handleAdvert(body []byte) {
	sender, entries, err := decodeRipAdvert(body)
	if err != nil {
		v.logger.Warn("rip: malformed advertisement", "error", err)
		return
	}

	myID := v.iface.MyPeerID()
	v.mu.Lock()
	changed := false
	var withdrawn []identity.PeerID
	for _, e := range entries {
		if e.Dst == myID {
			continue
		}
		metric := e.Metric + 1
		existing, ok := v.table[e.Dst]
		if metric >= ripInfinity {
			if ok && existing.gateway == sender {
				delete(v.table, e.Dst)
				withdrawn = append(withdrawn, e.Dst)
				changed = true
			}
			continue
		}
		shouldUpdate := !ok || metric < existing.metric || existing.gateway == sender
		if shouldUpdate && (!ok || existing.metric != metric || existing.gateway != sender) {
			v.table[e.Dst] = ripRoute{metric: metric, gateway: sender}
			changed = true
		}
	}
	v.mu.Unlock()

	for _, dst := range withdrawn {
		if err := v.iface.PublishNextHop(dst, 0); err != nil {
			return
		}
	}
	if changed {
		v.publish()
	}
}

func (v *RipVariant) publish() {
	v.mu.RLock()
	snapshot := make(map[identity.PeerID]identity.PeerID, len(v.table))
	for dst, r := range v.table {
		snapshot[dst] = r.gateway
	}
	v.mu.RUnlock()

	for dst, gw := range snapshot {
		if err := v.iface.PublishNextHop(dst, gw); err != nil {
			return
		}
	}
}

func (v *RipVariant) Close() {
	select {
	case <-v.stop:
	default:
		close(v.stop)
	}
}

type ripEntry struct {
	Dst    identity.PeerID
	Metric uint32
}

// encodeRipAdvert lays out a distance-vector frame as:
// sender_peer_id u32, entry_count u32, then entry_count * (dst u32, metric u32).
func encodeRipAdvert(sender identity.PeerID, entries []ripEntry) []byte {
	buf := make([]byte, 8+len(entries)*8)
	binary.BigEndian.PutUint32(buf[0:4], uint32(sender))
	binary.BigEndian.PutUint32(buf[4:8], uint32(len(entries)))
	off := 8
	for _, e := range entries {
		binary.BigEndian.PutUint32(buf[off:off+4], uint32(e.Dst))
		binary.BigEndian.PutUint32(buf[off+4:off+8], e.Metric)
		off += 8
	}
	return buf
}

func decodeRipAdvert(buf []byte) (identity.PeerID, []ripEntry, error) {
	if len(buf) < 8 {
		return 0, nil, fmt.Errorf("rip: advert too short: %d bytes", len(buf))
	}
	sender := identity.PeerID(binary.BigEndian.Uint32(buf[0:4]))
	count := binary.BigEndian.Uint32(buf[4:8])
	want := 8 + int(count)*8
	if len(buf) < want {
		return 0, nil, fmt.Errorf("rip: advert declares %d entries, too short for them", count)
	}
	entries := make([]ripEntry, count)
	off := 8
	for i := range entries {
		entries[i] = ripEntry{
			Dst:    identity.PeerID(binary.BigEndian.Uint32(buf[off : off+4])),
			Metric: binary.BigEndian.Uint32(buf[off+4 : off+8]),
		}
		off += 8
	}
	return sender, entries, nil
}

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

// ospfRouteID tags every frame this variant sends, distinguishing it
// from Rip control traffic carried over the same Route packet type.
const ospfRouteID uint8 = 2

// ospfFloodInterval is how often a node re-floods its own neighbor-set
// advertisement, refreshing its entry in every node's link-state database.
const ospfFloodInterval = 5 * time.Second

type ospfLSA struct {
	origin    identity.PeerID
	seq       uint32
	neighbors []identity.PeerID
}

// OspfVariant is a simplified link-state route algorithm: every node
// floods its direct-neighbor set tagged with a monotonic sequence
// number; each node keeps the newest advertisement per origin and
// recomputes shortest-path next hops over the resulting graph by
// breadth-first search.
type OspfVariant struct {
	iface *Interface

	mu      sync.RWMutex
	mySeq   uint32
	db      map[identity.PeerID]ospfLSA
	nextHop map[identity.PeerID]identity.PeerID

	stop   chan struct{}
	logger *logging.Logger
}

// NewOspf constructs an Ospf variant. A nil logger discards log output.
func NewOspf(logger *logging.Logger) *OspfVariant {
	if logger == nil {
		logger = logging.Nop()
	}
	return &OspfVariant{
		db:      make(map[identity.PeerID]ospfLSA),
		nextHop: make(map[identity.PeerID]identity.PeerID),
		stop:    make(chan struct{}),
		logger:  logger,
	}
}

func (v *OspfVariant) Open(iface *Interface) (uint8, error) {
	v.iface = iface
	go recovery.RunSupervised(v.logger, "route.ospf.flood", v.floodLoop)
	return ospfRouteID, nil
}

func (v *OspfVariant) floodLoop() {
	ticker := time.NewTicker(ospfFloodInterval)
	defer ticker.Stop()
	for {
		select {
		case <-v.stop:
			return
		case <-ticker.C:
			v.floodOwnLSA()
		}
	}
}

func (v *OspfVariant) floodOwnLSA() {
	peers, err := v.iface.DirectPeers()
	if err != nil {
		return
	}

	v.mu.Lock()
	v.mySeq++
	own := ospfLSA{origin: v.iface.MyPeerID(), seq: v.mySeq, neighbors: peers}
	v.db[own.origin] = own
	v.mu.Unlock()

	v.recompute()
	v.floodTo(own, peers, identity.PeerID(0))
}

func (v *OspfVariant) floodTo(l ospfLSA, peers []identity.PeerID, exclude identity.PeerID) {
	body := encodeOspfLSA(l)
	for _, p := range peers {
		if p == exclude {
			continue
		}
		if err := v.iface.SendRoutePacket(body, ospfRouteID, p); err != nil {
			v.logger.Debug("ospf flood failed", "peer", p.String(), "error", err)
		}
	}
}

func (v *OspfVariant) ListRoutes() []identity.PeerID {
	v.mu.RLock()
	defer v.mu.RUnlock()
	ids := make([]identity.PeerID, 0, len(v.nextHop))
	for dst := range v.nextHop {
		ids = append(ids, dst)
	}
	return ids
}

// Filter recognizes Route-typed frames tagged with this variant's route
// id, merges a newer LSA into the link-state database, recomputes
// routes on change, and re-floods the advertisement to every direct
// peer except the one it arrived from. Anything else passes through.
func (v *OspfVariant) Filter() Filter {
	return func(pkt *packet.ZCPacket) (*packet.ZCPacket, bool) {
		h, err := pkt.Header()
		if err != nil || h.Type != packet.TypeRoute || uint8(h.Reserved) != ospfRouteID {
			return pkt, true
		}
		v.handleLSA(h.From, pkt.Payload())
		return nil, false
	}
}

func (v *OspfVariant) handleLSA(from identity.PeerID, body []byte) {
	l, err := decodeOspfLSA(body)
	if err != nil {
		v.logger.Warn("ospf: malformed advertisement", "error", err)
		return
	}
	if l.origin == v.iface.MyPeerID() {
		return
	}

	v.mu.Lock()
	existing, known := v.db[l.origin]
	if known && existing.seq >= l.seq {
		v.mu.Unlock()
		return
	}
	v.db[l.origin] = l
	v.mu.Unlock()

	v.recompute()

	peers, err := v.iface.DirectPeers()
	if err != nil {
		return
	}
	v.floodTo(l, peers, from)
}

// recompute runs a breadth-first search from the local peer id over the
// link-state database's neighbor lists and publishes the first hop on
// the shortest path to every reachable destination.
func (v *OspfVariant) recompute() {
	myID := v.iface.MyPeerID()

	v.mu.RLock()
	graph := make(map[identity.PeerID][]identity.PeerID, len(v.db)+1)
	if peers, err := v.iface.DirectPeers(); err == nil {
		graph[myID] = peers
	}
	for origin, l := range v.db {
		graph[origin] = l.neighbors
	}
	v.mu.RUnlock()

	firstHop := map[identity.PeerID]identity.PeerID{}
	visited := map[identity.PeerID]bool{myID: true}
	queue := []identity.PeerID{myID}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range graph[cur] {
			if visited[next] {
				continue
			}
			visited[next] = true
			if cur == myID {
				firstHop[next] = next
			} else {
				firstHop[next] = firstHop[cur]
			}
			queue = append(queue, next)
		}
	}

	v.mu.Lock()
	changed := false
	for dst, gw := range firstHop {
		if v.nextHop[dst] != gw {
			v.nextHop[dst] = gw
			changed = true
		}
	}
	for dst := range v.nextHop {
		if !visited[dst] {
			delete(v.nextHop, dst)
			changed = true
		}
	}
	snapshot := make(map[identity.PeerID]identity.PeerID, len(v.nextHop))
	for dst, gw := range v.nextHop {
		snapshot[dst] = gw
	}
	v.mu.Unlock()

	if !changed {
		return
	}
	for dst, gw := range snapshot {
		if err := v.iface.PublishNextHop(dst, gw); err != nil {
			return
		}
	}
}

func (v *OspfVariant) Close() {
	select {
	case <-v.stop:
	default:
		close(v.stop)
	}
}

// encodeOspfLSA lays out an advertisement as:
// origin u32, seq u32, neighbor_count u32, then neighbor_count * peer_id u32.
func encodeOspfLSA(l ospfLSA) []byte {
	buf := make([]byte, 12+len(l.neighbors)*4)
	binary.BigEndian.PutUint32(buf[0:4], uint32(l.origin))
	binary.BigEndian.PutUint32(buf[4:8], l.seq)
	binary.BigEndian.PutUint32(buf[8:12], uint32(len(l.neighbors)))
	off := 12
	for _, n := range l.neighbors {
		binary.BigEndian.PutUint32(buf[off:off+4], uint32(n))
		off += 4
	}
	return buf
}

func decodeOspfLSA(buf []byte) (ospfLSA, error) {
	if len(buf) < 12 {
		return ospfLSA{}, fmt.Errorf("ospf: lsa too short: %d bytes", len(buf))
	}
	origin := identity.PeerID(binary.BigEndian.Uint32(buf[0:4]))
	seq := binary.BigEndian.Uint32(buf[4:8])
	count := binary.BigEndian.Uint32(buf[8:12])
	want := 12 + int(count)*4
	if len(buf) < want {
		return ospfLSA{}, fmt.Errorf("ospf: lsa declares %d neighbors, too short for them", count)
	}
	neighbors := make([]identity.PeerID, count)
	off := 12
	for i := range neighbors {
		neighbors[i] = identity.PeerID(binary.BigEndian.Uint32(buf[off : off+4]))
		off += 4
	}
	return ospfLSA{origin: origin, seq: seq, neighbors: neighbors}, nil
}

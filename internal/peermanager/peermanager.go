// Package peermanager implements the orchestrator described by the core:
// it owns the Peer Map, both foreign-network components, the RPC
// transport and manager, the chosen route variant, and the encryptor,
// and wires them together behind the filter pipeline and receive loop
// that decide where every frame goes. Everything else in this module is
// a collaborator Manager drives; this is where ownership, lifecycle, and
// the dispatch pipeline actually live.
package peermanager

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/netspan/meshcore/internal/foreign"
	"github.com/netspan/meshcore/internal/identity"
	"github.com/netspan/meshcore/internal/logging"
	"github.com/netspan/meshcore/internal/metrics"
	"github.com/netspan/meshcore/internal/packet"
	"github.com/netspan/meshcore/internal/peermap"
	"github.com/netspan/meshcore/internal/recovery"
	"github.com/netspan/meshcore/internal/route"
	"github.com/netspan/meshcore/internal/rpcmgr"
	"github.com/netspan/meshcore/internal/rpctransport"
)

// inboundBuffer sizes the channel a connection's OnPacket callback feeds
// and the receive loop drains. It stands in for spec §4.1's "shared
// inbound channel provided by the owning Peer Map": in this port the
// Peer Manager itself owns it, since Connections are handed their
// callback at construction rather than discovering a channel through
// the Peer Map.
const inboundBuffer = 1024

// reapInterval is how often the periodic reaper cleans both the local
// Peer Map and every foreign network's table, per spec §4.8 run() step 6.
const reapInterval = 3 * time.Second

// Config supplies everything needed to construct a Manager. The zero
// value is not usable: NetworkIdentity must name a real network, and
// NICOut must be a channel the caller is prepared to drain.
type Config struct {
	// RouteAlgo selects which route variant the Manager runs; the zero
	// value (route.Rip) requires an explicit choice from the caller in
	// practice, so callers should always set this field.
	RouteAlgo route.Kind
	// NetworkIdentity gates which remote peers join the local mesh
	// versus get bridged to a foreign network table.
	NetworkIdentity identity.NetworkIdentity
	// EnableEncryption selects ChaChaEncryptor over NullEncryptor for
	// the payload of every overlay frame. EncryptionSecret must be set
	// when true.
	EnableEncryption bool
	EncryptionSecret [16]byte
	// NICOut is the bounded, in-order sender the Manager delivers
	// Data-typed frames to once decrypted and filtered. Per spec §5 it
	// should be sized to 100 slots; the Manager blocks on send to
	// provide backpressure rather than drop.
	NICOut chan<- []byte
	// PublicRelays declares peer ids the RPC Transport must reach
	// without encryption when routed across a foreign bridge, per spec
	// §4.7's "public relay" exception.
	PublicRelays []identity.PeerID
	Logger       *logging.Logger
	Metrics      *metrics.Metrics
}

// Manager is the orchestrator: it strongly owns the Peer Map, both
// foreign-network components, the RPC transport and manager, the chosen
// route variant, and the encryptor, and runs the background tasks that
// tie them together. Constructing one does not start anything; call Run.
type Manager struct {
	myPeerID identity.PeerID
	myNodeID identity.NodeID
	identity identity.NetworkIdentity

	encryptor packet.Encryptor
	logger    *logging.Logger
	metrics   *metrics.Metrics

	peerMap       *peermap.Map
	foreignMgr    *foreign.Manager
	foreignClient *foreign.Client
	rpcTransport  *rpctransport.Transport
	rpcManager    *rpcmgr.Manager

	routeVariant route.Variant
	ripVariant   *route.RipVariant // non-nil only when RouteAlgo == route.Rip

	nicOut  chan<- []byte
	inbound chan *packet.ZCPacket

	mu          sync.RWMutex
	peerFilters []route.Filter
	nicFilters  []route.Filter

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	runOnce sync.Once
}

// New constructs a Manager. It generates a fresh random PeerID and a
// process-lifetime NodeID, selects the encryptor, and builds (but does
// not start) every owned collaborator.
func New(cfg Config) (*Manager, error) {
	myPeerID, err := identity.NewPeerID()
	if err != nil {
		return nil, fmt.Errorf("peermanager: generate peer id: %w", err)
	}
	myNodeID := identity.NewNodeID()

	logger := cfg.Logger
	if logger == nil {
		logger = logging.Nop()
	}

	var enc packet.Encryptor = packet.NullEncryptor{}
	if cfg.EnableEncryption {
		e, err := packet.NewChaChaEncryptor(cfg.EncryptionSecret)
		if err != nil {
			return nil, fmt.Errorf("peermanager: construct encryptor: %w", err)
		}
		enc = e
	}

	pm := peermap.New(myPeerID)
	foreignMgr := foreign.NewManager(myPeerID)
	foreignClient := foreign.NewClient(foreignMgr)
	rpcTransport := rpctransport.New(myPeerID, pm, enc)
	for _, relay := range cfg.PublicRelays {
		rpcTransport.MarkPublicRelay(relay)
	}
	rpcManager := rpcmgr.New(rpcTransport, logger)

	ctx, cancel := context.WithCancel(context.Background())

	m := &Manager{
		myPeerID:      myPeerID,
		myNodeID:      myNodeID,
		identity:      cfg.NetworkIdentity,
		encryptor:     enc,
		logger:        logger,
		metrics:       cfg.Metrics,
		peerMap:       pm,
		foreignMgr:    foreignMgr,
		foreignClient: foreignClient,
		rpcTransport:  rpcTransport,
		rpcManager:    rpcManager,
		nicOut:        cfg.NICOut,
		inbound:       make(chan *packet.ZCPacket, inboundBuffer),
		ctx:           ctx,
		cancel:        cancel,
	}

	switch cfg.RouteAlgo {
	case route.Rip:
		rip := route.NewRip(logger)
		m.routeVariant = rip
		m.ripVariant = rip
	case route.Ospf:
		m.routeVariant = route.NewOspf(logger)
	default:
		m.routeVariant = route.NewNone()
	}

	return m, nil
}

// Run performs the orchestrator's startup sequence (spec §4.8): publish
// the foreign-network client into the RPC transport, install the route
// variant and the two fixed filters, then start the RPC manager, the
// receive loop, and the reaper. It is idempotent and returns once setup
// completes; the spawned tasks keep running in the background.
func (m *Manager) Run() {
	m.runOnce.Do(func() {
		m.rpcTransport.PublishForeignClient(m.foreignClient)

		if m.routeVariant != nil {
			if _, err := m.AddRoute(m.routeVariant); err != nil {
				m.logger.Error("peermanager: failed to open route variant", "error", err)
			}
		}
		m.AddPacketProcessPipeline(m.nicDeliveryFilter())
		m.AddPacketProcessPipeline(m.rpcDemuxFilter())

		m.rpcManager.Start(m.ctx)

		m.wg.Add(1)
		go recovery.RunSupervised(m.logger, "peermanager.receiveLoop", func() {
			defer m.wg.Done()
			m.receiveLoop()
		})

		m.wg.Add(1)
		go recovery.RunSupervised(m.logger, "peermanager.reaper", func() {
			defer m.wg.Done()
			m.reapLoop()
		})

		// Foreign network manager/client own no background task of
		// their own in this port (no listener loop belongs at this
		// layer, per spec §1's transport non-goal); they operate
		// reactively off AddTunnelAsServer/AddClientTunnel and are
		// swept by the same reaper as the local Peer Map.
	})
}

// Close tears down every spawned task and closes every connection, local
// and foreign. Safe to call without ever having called Run.
func (m *Manager) Close() error {
	m.cancel()
	if m.routeVariant != nil {
		m.routeVariant.Close()
	}
	m.rpcManager.Stop()
	m.wg.Wait()
	m.peerMap.CloseAll()
	m.foreignMgr.CloseAll()
	return nil
}

// MyPeerID returns the local peer id generated at construction.
func (m *Manager) MyPeerID() identity.PeerID { return m.myPeerID }

// NodeID returns the process-lifetime node id.
func (m *Manager) NodeID() identity.NodeID { return m.myNodeID }

// NetworkIdentity returns the local network identity new connections are
// gated against.
func (m *Manager) NetworkIdentity() identity.NetworkIdentity { return m.identity }

// Context returns the Manager's background context, cancelled by Close.
// It stands in for the "global context" accessor named in spec §6; a
// full global-context type would additionally carry config and
// namespace concerns that are out of scope for the core.
func (m *Manager) Context() context.Context { return m.ctx }

// PeerMap returns the owned Peer Map.
func (m *Manager) PeerMap() *peermap.Map { return m.peerMap }

// RPCManager returns the owned RPC manager.
func (m *Manager) RPCManager() *rpcmgr.Manager { return m.rpcManager }

// ForeignNetworkManager returns the owned foreign-network manager.
func (m *Manager) ForeignNetworkManager() *foreign.Manager { return m.foreignMgr }

// ForeignNetworkClient returns the owned foreign-network client.
func (m *Manager) ForeignNetworkClient() *foreign.Client { return m.foreignClient }

// BasicRoute returns the Rip route variant if the Manager was
// constructed with route.Rip, or nil otherwise — the accessor spec §6
// names specifically for Rip.
func (m *Manager) BasicRoute() *route.RipVariant { return m.ripVariant }

// NICChannel returns the sender side of the NIC-out channel supplied at
// construction.
func (m *Manager) NICChannel() chan<- []byte { return m.nicOut }

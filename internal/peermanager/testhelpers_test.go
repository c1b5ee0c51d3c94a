package peermanager

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/netspan/meshcore/internal/transport"
)

// pipeTunnel is a transport.Tunnel backed directly by one side of a
// net.Pipe, sufficient for a handshake plus the steady-state frame
// traffic the Peer Manager drives over a Tunnel.
type pipeTunnel struct {
	net.Conn
	isDialer bool
	closed   chan struct{}
	once     sync.Once
}

func newPipePair() (transport.Tunnel, transport.Tunnel) {
	a, b := net.Pipe()
	dialer := &pipeTunnel{Conn: a, isDialer: true, closed: make(chan struct{})}
	listener := &pipeTunnel{Conn: b, isDialer: false, closed: make(chan struct{})}
	return dialer, listener
}

func (p *pipeTunnel) Close() error {
	p.once.Do(func() { close(p.closed) })
	return p.Conn.Close()
}
func (p *pipeTunnel) LocalAddr() net.Addr  { return fakeAddr("local") }
func (p *pipeTunnel) RemoteAddr() net.Addr { return fakeAddr("remote") }
func (p *pipeTunnel) IsDialer() bool       { return p.isDialer }
func (p *pipeTunnel) Kind() transport.Kind { return transport.Kind("pipe") }

type fakeAddr string

func (a fakeAddr) Network() string { return "pipe" }
func (a fakeAddr) String() string  { return string(a) }

// connectPair runs a's AddClientTunnel against b's AddTunnelAsServer over
// an in-memory pipe, returning once both sides finish admission. It
// blocks forever on a handshake that never completes, so callers that
// expect failure on one side must still expect the other to return too.
func connectPair(a, b *Manager) (errA, errB error) {
	dialer, listener := newPipePair()
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_, errA = a.AddClientTunnel(ctx, dialer)
	}()
	go func() {
		defer wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_, errB = b.AddTunnelAsServer(ctx, listener)
	}()
	wg.Wait()
	return errA, errB
}

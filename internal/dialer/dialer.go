// Package dialer keeps a configured peer connection alive, redialing on
// failure at a bounded rate so a flapping or unreachable peer cannot
// spin the reconnect loop.
package dialer

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"github.com/netspan/meshcore/internal/logging"
	"github.com/netspan/meshcore/internal/peerconn"
	"github.com/netspan/meshcore/internal/transport"
)

// minInterval is the smallest allowed gap between dial attempts,
// regardless of a caller-supplied interval of zero.
const minInterval = time.Second

// Target is one outbound peer to keep connected.
type Target struct {
	Transport Connector
	Addr      string
	Options   transport.DialOptions
	// Interval is the steady-state gap between redial attempts after a
	// failure. Dialing never exceeds this rate even if failures happen
	// back-to-back.
	Interval time.Duration
}

// Connector is the subset of transport.Connector the dialer needs.
type Connector interface {
	Dial(ctx context.Context, addr string, opts transport.DialOptions) (transport.Tunnel, error)
}

// Admitter is what the dialer hands a freshly dialed connection to. It
// mirrors peermanager.Manager.AddClientTunnel's signature so callers can
// pass that method directly.
type Admitter func(ctx context.Context, conn transport.Tunnel) (*peerconn.Connection, error)

// Run keeps target connected for as long as ctx is alive: it dials,
// admits, waits for the resulting connection to close, then redials, at
// a rate bounded by target.Interval even if failures happen back to
// back. It returns only when ctx is done.
func Run(ctx context.Context, logger *logging.Logger, target Target, admit Admitter) {
	interval := target.Interval
	if interval < minInterval {
		interval = minInterval
	}
	limiter := rate.NewLimiter(rate.Every(interval), 1)

	for {
		if err := limiter.Wait(ctx); err != nil {
			return
		}

		conn, err := target.Transport.Dial(ctx, target.Addr, target.Options)
		if err != nil {
			logger.Warn("dialer: dial failed, will retry", "addr", target.Addr, "error", err)
			continue
		}
		pc, err := admit(ctx, conn)
		if err != nil {
			logger.Warn("dialer: connection rejected, will retry", "addr", target.Addr, "error", err)
			continue
		}

		select {
		case <-pc.Done():
			logger.Info("dialer: connection closed, will redial", "addr", target.Addr, "peer", pc.RemotePeerID.String())
		case <-ctx.Done():
			return
		}
	}
}

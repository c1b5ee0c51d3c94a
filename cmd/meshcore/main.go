// Package main provides the CLI entry point for the mesh overlay node.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/netspan/meshcore/internal/config"
	"github.com/netspan/meshcore/internal/dialer"
	"github.com/netspan/meshcore/internal/identity"
	"github.com/netspan/meshcore/internal/logging"
	"github.com/netspan/meshcore/internal/metrics"
	"github.com/netspan/meshcore/internal/peerconn"
	"github.com/netspan/meshcore/internal/peermanager"
	"github.com/netspan/meshcore/internal/transport"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:     "meshcore",
		Short:   "Overlay mesh peer manager node",
		Version: Version,
	}

	rootCmd.AddCommand(runCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a mesh node from a configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNode(configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./meshcore.yaml", "Path to configuration file")
	return cmd
}

func runNode(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format)

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.NewMetrics()
		ln, err := net.Listen("tcp", cfg.Metrics.Addr)
		if err != nil {
			return fmt.Errorf("start metrics server: %w", err)
		}
		go http.Serve(ln, promhttp.Handler())
	}

	secret, err := cfg.Network.Secret()
	if err != nil {
		return err
	}
	encKey, err := cfg.Routing.EncryptionKey()
	if err != nil {
		return err
	}

	nicOut := make(chan []byte, 100)
	mgr, err := peermanager.New(peermanager.Config{
		RouteAlgo:        cfg.Routing.Kind(),
		NetworkIdentity:  newNetworkIdentity(cfg),
		EnableEncryption: cfg.Routing.EnableEncryption,
		EncryptionSecret: encKey,
		NICOut:           nicOut,
		Logger:           logger,
		Metrics:          m,
	})
	if err != nil {
		return fmt.Errorf("construct peer manager: %w", err)
	}
	_ = secret // consumed by newNetworkIdentity below
	mgr.Run()
	logger.Info("meshcore: node started", "peer_id", mgr.MyPeerID().String(), "network", cfg.Network.Name)

	go discardNIC(mgr.Context(), nicOut)

	ctx, cancel := context.WithCancel(mgr.Context())
	defer cancel()

	listeners, err := startListeners(ctx, cfg, mgr, logger)
	if err != nil {
		return err
	}
	defer func() {
		for _, l := range listeners {
			l.Close()
		}
	}()

	startDialers(ctx, cfg, mgr, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("meshcore: received signal, shutting down", "signal", sig.String())

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = shutdownCtx

	return mgr.Close()
}

func newNetworkIdentity(cfg config.Config) identity.NetworkIdentity {
	secret, _ := cfg.Network.Secret()
	return identity.NewNetworkIdentity(cfg.Network.Name, secret)
}

func discardNIC(ctx context.Context, nicOut <-chan []byte) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-nicOut:
			// A real deployment hands this to a TUN device; this port has
			// no NIC driver (spec non-goal), so delivered frames are
			// simply drained to keep the channel from blocking senders.
		}
	}
}

func startListeners(ctx context.Context, cfg config.Config, mgr *peermanager.Manager, logger *logging.Logger) ([]transport.Listener, error) {
	var listeners []transport.Listener
	for _, lc := range cfg.Listen {
		tr, err := config.NewTransport(lc.Transport)
		if err != nil {
			return listeners, err
		}
		tlsConfig, err := cfg.TLS.ServerTLSConfig()
		if err != nil {
			return listeners, fmt.Errorf("listen[%s]: %w", lc.Addr, err)
		}
		l, err := tr.Listen(lc.Addr, transport.ListenOptions{TLSConfig: tlsConfig})
		if err != nil {
			return listeners, fmt.Errorf("listen on %s: %w", lc.Addr, err)
		}
		listeners = append(listeners, l)
		go acceptLoop(ctx, l, mgr, logger)
		logger.Info("meshcore: listening", "transport", lc.Transport, "addr", lc.Addr)
	}
	return listeners, nil
}

func acceptLoop(ctx context.Context, l transport.Listener, mgr *peermanager.Manager, logger *logging.Logger) {
	for {
		conn, err := l.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("meshcore: accept failed", "error", err)
			continue
		}
		go func() {
			if _, err := mgr.AddTunnelAsServer(ctx, conn); err != nil {
				logger.Warn("meshcore: inbound handshake failed", "remote", conn.RemoteAddr().String(), "error", err)
			}
		}()
	}
}

func startDialers(ctx context.Context, cfg config.Config, mgr *peermanager.Manager, logger *logging.Logger) {
	for _, pc := range cfg.Peers {
		tr, err := config.NewTransport(pc.Transport)
		if err != nil {
			logger.Error("meshcore: skipping peer with unknown transport", "transport", pc.Transport, "addr", pc.Addr)
			continue
		}
		tlsConfig, err := cfg.TLS.ClientTLSConfig()
		if err != nil {
			logger.Error("meshcore: skipping peer, bad TLS config", "addr", pc.Addr, "error", err)
			continue
		}
		target := dialer.Target{
			Transport: tr,
			Addr:      pc.Addr,
			Options:   transport.DialOptions{TLSConfig: tlsConfig, InsecureSkipVerify: cfg.TLS.InsecureSkipVerify},
			Interval:  pc.ReconnectInterval,
		}
		go dialer.Run(ctx, logger, target, func(ctx context.Context, conn transport.Tunnel) (*peerconn.Connection, error) {
			return mgr.AddClientTunnel(ctx, conn)
		})
	}
}

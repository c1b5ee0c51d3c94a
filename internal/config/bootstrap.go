package config

import (
	"crypto/tls"
	"fmt"

	"github.com/netspan/meshcore/internal/transport"
)

// NewTransport constructs the named Connector. It mirrors the
// ListenConfig/PeerConfig "transport" field values: "quic", "h2", or "ws".
func NewTransport(name string) (transport.Connector, error) {
	switch name {
	case "quic":
		return transport.NewQUICConnector(), nil
	case "h2":
		return transport.NewH2Connector(), nil
	case "ws":
		return transport.NewWebSocketConnector(), nil
	default:
		return nil, fmt.Errorf("config: unknown transport %q", name)
	}
}

// ServerTLSConfig builds the TLS configuration a listener uses from the
// configured certificate and optional client-CA material.
func (c TLSConfig) ServerTLSConfig() (*tls.Config, error) {
	if c.CertFile == "" || c.KeyFile == "" {
		return nil, fmt.Errorf("config: tls.cert_file and tls.key_file are required for a listener")
	}
	if c.CAFile != "" {
		return transport.LoadMutualTLSConfig(c.CertFile, c.KeyFile, c.CAFile)
	}
	return transport.LoadTLSConfig(c.CertFile, c.KeyFile)
}

// ClientTLSConfig builds the TLS configuration a dial uses. Verification
// is skipped unless a CA file is configured and InsecureSkipVerify is
// false, matching the overlay's reliance on its own encryption layer
// rather than transport-level trust.
func (c TLSConfig) ClientTLSConfig() (*tls.Config, error) {
	strict := c.CAFile != "" && !c.InsecureSkipVerify
	return transport.LoadClientTLSConfig(c.CAFile, strict)
}

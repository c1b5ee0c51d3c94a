package peerconn

import (
	"context"
	"fmt"

	"github.com/netspan/meshcore/internal/identity"
	"github.com/netspan/meshcore/internal/transport"
)

// HandshakeAsClient exchanges hellos with the remote on tunnel: ours is
// written while the remote's is read, so neither side waits for the
// other to speak first. It fails with ErrSecretKey when the remote presents
// our own network name with a different secret (an impostor on our
// network), or an *ErrHandshake for any other protocol failure. A
// remote presenting a genuinely different network name succeeds the
// handshake unconditionally: the resulting Connection's RemoteIdentity
// lets the caller (the Peer Manager) route it to the foreign-network
// bridge instead of the local Peer Map.
func HandshakeAsClient(ctx context.Context, tunnel transport.Tunnel, myPeerID identity.PeerID, myNodeID identity.NodeID, myIdentity identity.NetworkIdentity, cfg Config) (*Connection, error) {
	remotePeerID, remoteNodeID, remoteIdentity, err := exchangeHello(tunnel, myPeerID, myNodeID, myIdentity)
	if err != nil {
		tunnel.Close()
		return nil, err
	}
	c := newConnection(tunnel, remotePeerID, remoteNodeID, remoteIdentity, cfg)
	return c, nil
}

// HandshakeAsServer mirrors HandshakeAsClient for the accept side, with
// the same concurrent hello exchange.
func HandshakeAsServer(ctx context.Context, tunnel transport.Tunnel, myPeerID identity.PeerID, myNodeID identity.NodeID, myIdentity identity.NetworkIdentity, cfg Config) (*Connection, error) {
	remotePeerID, remoteNodeID, remoteIdentity, err := exchangeHello(tunnel, myPeerID, myNodeID, myIdentity)
	if err != nil {
		tunnel.Close()
		return nil, err
	}
	c := newConnection(tunnel, remotePeerID, remoteNodeID, remoteIdentity, cfg)
	return c, nil
}

// exchangeHello performs the two-way hello exchange. Each side writes its
// own hello on a separate goroutine so that neither side's send blocks on
// the other side's read being posted first — real tunnels offer no
// ordering guarantee about which end writes first, and an identity
// mismatch must not leave the other side blocked forever waiting for a
// hello that an early return would otherwise skip.
func exchangeHello(tunnel transport.Tunnel, myPeerID identity.PeerID, myNodeID identity.NodeID, myIdentity identity.NetworkIdentity) (identity.PeerID, identity.NodeID, identity.NetworkIdentity, error) {
	mine := helloMessage{
		PeerID:      myPeerID,
		NodeID:      myNodeID,
		NetworkName: myIdentity.Name,
		Secret:      myIdentity.Secret,
	}

	writeDone := make(chan error, 1)
	go func() {
		writeDone <- writeWireMessage(tunnel, wireHello, encodeHello(mine))
	}()

	kind, body, err := readWireMessage(tunnel)
	if err != nil {
		<-writeDone
		return 0, identity.NodeID{}, identity.NetworkIdentity{}, &ErrHandshake{Detail: "read hello", Err: err}
	}
	if kind != wireHello {
		<-writeDone
		return 0, identity.NodeID{}, identity.NetworkIdentity{}, &ErrHandshake{Detail: fmt.Sprintf("unexpected message kind %d, want hello", kind)}
	}
	remote, err := decodeHello(body)
	if err != nil {
		<-writeDone
		return 0, identity.NodeID{}, identity.NetworkIdentity{}, &ErrHandshake{Detail: "decode hello", Err: err}
	}

	if err := <-writeDone; err != nil {
		return 0, identity.NodeID{}, identity.NetworkIdentity{}, &ErrHandshake{Detail: "write hello", Err: err}
	}

	remoteIdentity := identity.NewNetworkIdentity(remote.NetworkName, remote.Secret)
	// Only a same-named remote is held to our secret: a genuinely
	// different network name is a foreign-network peer, not an
	// impostor, and is let through for the Peer Manager to bridge.
	if remoteIdentity.Name == myIdentity.Name && !myIdentity.Matches(remoteIdentity) {
		return 0, identity.NodeID{}, identity.NetworkIdentity{}, ErrSecretKey
	}

	return remote.PeerID, remote.NodeID, remoteIdentity, nil
}

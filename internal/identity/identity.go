// Package identity provides the peer and node identifiers used to address
// and authenticate participants of the overlay mesh.
package identity

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrZeroPeerID is returned when a PeerID of 0 is rejected; 0 is reserved
// to mean "unassigned" and must never identify a live peer.
var ErrZeroPeerID = errors.New("identity: peer id 0 is reserved")

// PeerID is the 32-bit identifier a peer presents on the wire. It is
// assigned randomly at startup; 0 is reserved and never a valid peer id.
type PeerID uint32

// NewPeerID draws a random, non-zero PeerID.
func NewPeerID() (PeerID, error) {
	var buf [4]byte
	for {
		if _, err := rand.Read(buf[:]); err != nil {
			return 0, fmt.Errorf("generate peer id: %w", err)
		}
		id := PeerID(binary.LittleEndian.Uint32(buf[:]))
		if id != 0 {
			return id, nil
		}
	}
}

// IsZero reports whether id is the reserved zero value.
func (id PeerID) IsZero() bool {
	return id == 0
}

// String renders the PeerID as an 8-digit hex string.
func (id PeerID) String() string {
	return fmt.Sprintf("%08x", uint32(id))
}

// NodeID is a process-lifetime identifier carried alongside PeerID for
// operational correlation (logs, metrics labels) across PeerID churn, e.g.
// across restarts where the random wire id changes but the node does not.
type NodeID uuid.UUID

// NewNodeID generates a fresh random NodeID.
func NewNodeID() NodeID {
	return NodeID(uuid.New())
}

// String renders the NodeID in canonical UUID form.
func (id NodeID) String() string {
	return uuid.UUID(id).String()
}

// IsZero reports whether id is the all-zero UUID.
func (id NodeID) IsZero() bool {
	return id == NodeID{}
}

// NetworkIdentity is the shared (name, secret) pair that gates whether two
// peers are permitted to form a connection. Peers that present the same
// name but a different secret are rejected during handshake.
type NetworkIdentity struct {
	Name   string
	Secret []byte
}

// NewNetworkIdentity builds a NetworkIdentity from a name and secret.
func NewNetworkIdentity(name string, secret []byte) NetworkIdentity {
	cp := make([]byte, len(secret))
	copy(cp, secret)
	return NetworkIdentity{Name: name, Secret: cp}
}

// Matches reports whether other shares this identity's name and secret.
// The secret comparison is constant-time to avoid leaking timing
// information about how much of the secret an impostor guessed correctly.
func (n NetworkIdentity) Matches(other NetworkIdentity) bool {
	if n.Name != other.Name {
		return false
	}
	if len(n.Secret) != len(other.Secret) {
		return false
	}
	return subtle.ConstantTimeCompare(n.Secret, other.Secret) == 1
}

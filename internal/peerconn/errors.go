package peerconn

import "errors"

// ErrSecretKey is returned when a peer's network identity does not match
// ours during handshake: same network name, different secret. A peer
// with a different network name is not rejected with it. This gates
// admission into the mesh.
var ErrSecretKey = errors.New("peerconn: network identity mismatch")

// ErrHandshake wraps any other handshake-time failure (malformed message,
// unexpected message kind, timeout, transport error before identity is
// even checked).
type ErrHandshake struct {
	Detail string
	Err    error
}

func (e *ErrHandshake) Error() string {
	if e.Err != nil {
		return "peerconn: handshake failed: " + e.Detail + ": " + e.Err.Error()
	}
	return "peerconn: handshake failed: " + e.Detail
}

func (e *ErrHandshake) Unwrap() error {
	return e.Err
}

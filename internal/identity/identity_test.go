package identity

import "testing"

func TestNewPeerIDNeverZero(t *testing.T) {
	for i := 0; i < 1000; i++ {
		id, err := NewPeerID()
		if err != nil {
			t.Fatalf("NewPeerID() error = %v", err)
		}
		if id.IsZero() {
			t.Fatal("NewPeerID() returned reserved zero value")
		}
	}
}

func TestPeerIDString(t *testing.T) {
	id := PeerID(0x0000002a)
	if got, want := id.String(), "0000002a"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}

func TestNodeIDRoundTrip(t *testing.T) {
	a := NewNodeID()
	b := NewNodeID()
	if a == b {
		t.Fatal("two generated node ids are identical")
	}
	if a.IsZero() {
		t.Error("generated node id is zero")
	}
	if (NodeID{}).IsZero() == false {
		t.Error("zero value node id not reported as zero")
	}
}

func TestNetworkIdentityMatches(t *testing.T) {
	a := NewNetworkIdentity("mesh-1", []byte("correct-horse-battery-staple"))
	b := NewNetworkIdentity("mesh-1", []byte("correct-horse-battery-staple"))
	if !a.Matches(b) {
		t.Error("identical network identities did not match")
	}

	wrongSecret := NewNetworkIdentity("mesh-1", []byte("wrong-secret"))
	if a.Matches(wrongSecret) {
		t.Error("identities with different secrets matched")
	}

	wrongName := NewNetworkIdentity("mesh-2", []byte("correct-horse-battery-staple"))
	if a.Matches(wrongName) {
		t.Error("identities with different names matched")
	}
}

func TestNetworkIdentitySecretIsolation(t *testing.T) {
	secret := []byte("mutable")
	id := NewNetworkIdentity("mesh-1", secret)
	secret[0] = 'X'
	if id.Secret[0] == 'X' {
		t.Error("NetworkIdentity aliased caller's secret slice")
	}
}

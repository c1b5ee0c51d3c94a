package rpcmgr

import (
	"context"
	"testing"
	"time"

	"github.com/netspan/meshcore/internal/identity"
	"github.com/netspan/meshcore/internal/peermap"
	"github.com/netspan/meshcore/internal/rpctransport"
)

func TestEnvelope_RoundTrips(t *testing.T) {
	in := envelope{serviceID: 100, requestID: 42, kind: kindRequest, payload: []byte("hello")}
	out, err := decodeEnvelope(encodeEnvelope(in))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.serviceID != in.serviceID || out.requestID != in.requestID || out.kind != in.kind || string(out.payload) != string(in.payload) {
		t.Errorf("round trip = %+v, want %+v", out, in)
	}
}

func TestEnvelope_RoundTrips_Response(t *testing.T) {
	in := envelope{serviceID: 7, requestID: 9, kind: kindResponse, failed: true, payload: []byte("boom")}
	out, err := decodeEnvelope(encodeEnvelope(in))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !out.failed || string(out.payload) != "boom" {
		t.Errorf("round trip = %+v, want failed=true payload=boom", out)
	}
}

// TestManager_Call_NoRoute exercises the Call path's error propagation
// when the transport itself cannot reach the destination: no dispatch
// loop, no registered service, just Call -> transport.Send -> RouteError.
// The full request/response round trip over real wire connections is
// exercised end-to-end by the multi-hop RPC test in the peermanager
// package, which is where the Peer Manager's receive loop and RPC-demux
// filter actually feed a Manager's inbound channel.
func TestManager_Call_NoRoute(t *testing.T) {
	aID, bID := identity.PeerID(1), identity.PeerID(2)
	pmA := peermap.New(aID)
	trA := rpctransport.New(aID, pmA, nil)
	mgrA := New(trA, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if _, err := mgrA.Call(ctx, bID, 100, []byte("x")); err == nil {
		t.Fatal("expected error calling an unreachable peer")
	}
}

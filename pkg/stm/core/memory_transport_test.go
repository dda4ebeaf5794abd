package core

import (
	"errors"
	"testing"

	"github.com/liuxfiu/gostm/pkg/stm/types"
)

func TestMemoryCommunicator_SendRecvRoundTrip(t *testing.T) {
	world := NewMemoryWorld(2)
	from := world.Communicator(0)
	to := world.Communicator(1)

	if err := from.Send(1, types.Shutdown{SourceRank: 0}); err != nil {
		t.Fatalf("send: %v", err)
	}
	msg, err := to.IRecv().Wait()
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if _, ok := msg.(types.Shutdown); !ok {
		t.Fatalf("expected the raw Shutdown message to come back unwrapped, found %#v", msg)
	}
}

// TestUnwrapEnvelope_RejectsNewerProtocolVersion exercises the version check
// wrapEnvelope/unwrapEnvelope implement, grounded on the teacher's
// checkRPCHeader: a message stamped with a protocol version newer than this
// build understands must be rejected, not silently misinterpreted.
func TestUnwrapEnvelope_RejectsNewerProtocolVersion(t *testing.T) {
	future := types.Envelope{Version: types.LatestProtocolVersion + 1, Body: types.Shutdown{SourceRank: 0}}
	_, err := unwrapEnvelope(future)
	if !errors.Is(err, ErrUnsupportedProtocol) {
		t.Fatalf("expected ErrUnsupportedProtocol, found %v", err)
	}
}

func TestUnwrapEnvelope_AcceptsCurrentProtocolVersion(t *testing.T) {
	wrapped := wrapEnvelope(types.Shutdown{SourceRank: 2})
	body, err := unwrapEnvelope(wrapped)
	if err != nil {
		t.Fatalf("unwrap: %v", err)
	}
	sd, ok := body.(types.Shutdown)
	if !ok || sd.SourceRank != 2 {
		t.Fatalf("expected Shutdown{SourceRank: 2}, found %#v", body)
	}
}

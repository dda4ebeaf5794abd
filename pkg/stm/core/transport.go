// Package core implements the per-rank STM plumbing: the home-side channel
// state machine, reader/writer client handles, the keyed min-heap, and the
// Communicator transport abstraction (the timed-data stores live in package
// store). It mirrors
// the layout of the teacher's pkg/mcast/core package (Peer, Transport,
// Deliver) with the GM-Cast-specific consensus/ordering logic replaced by
// STM's simpler home-rank-authoritative protocol.
package core

import (
	"errors"

	"github.com/liuxfiu/gostm/pkg/stm/types"
)

// ErrUnsupportedProtocol is returned when a received Envelope carries a
// protocol version newer than this build understands, mirroring the
// teacher's ErrUnsupportedProtocol/checkRPCHeader in pkg/mcast/protocol.go.
var ErrUnsupportedProtocol = errors.New("stm: protocol version not supported")

// SendHandle is returned by an asynchronous send; Wait blocks until the
// underlying transport has accepted the message for delivery.
type SendHandle interface {
	Wait() error
	Probe() bool
}

// RecvHandle is returned by an asynchronous receive; Wait blocks until a
// message arrives.
type RecvHandle interface {
	Wait() (types.Message, error)
	Probe() bool
}

// Communicator is the group-communication transport the STM runtime is
// built on: point-to-point send/receive plus the two collectives the
// builder's bootstrap needs (all-gather for channel discovery, all-to-all
// for reader/writer attachment exchange). Spec.md §6/§1 treats the
// underlying transport as an external collaborator ("point-to-point
// send/receive, all-gather, all-to-all, process rank and size is assumed");
// this interface is that assumed contract, made concrete for Go.
type Communicator interface {
	// Rank returns this process's id, 0..Size()-1.
	Rank() int

	// Size returns the number of ranks in the job.
	Size() int

	// Send blocks until msg has been handed to the transport for delivery
	// to dest.
	Send(dest int, msg types.Message) error

	// ISend is the non-blocking counterpart of Send.
	ISend(dest int, msg types.Message) SendHandle

	// IRecv returns a handle that resolves to the next message addressed to
	// this rank under the STM tag.
	IRecv() RecvHandle

	// AllGather exchanges one value per rank; the result is ordered by
	// rank id and includes this rank's own contribution.
	AllGather(value types.Message) ([]types.Message, error)

	// AllToAll exchanges a personalized value per destination rank; values
	// must have length Size(). The result is ordered by source rank id and
	// includes this rank's own contribution to itself.
	AllToAll(values []types.Message) ([]types.Message, error)

	// Close releases transport resources. Safe to call once the runtime has
	// fully shut down.
	Close() error
}

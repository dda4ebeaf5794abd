package stm

import (
	"errors"

	"github.com/liuxfiu/gostm/pkg/stm/core"
)

// Sentinel errors for every configuration-error condition spec.md §7 names.
// Monotonicity violations and absent-timestamp lookups are deliberately not
// among these: spec.md §7 requires those to stay silent no-ops.
var (
	// ErrDuplicateChannel is returned by Builder.Build when two ranks both
	// claim the same channel name during bootstrap's channel-discovery
	// all-gather.
	ErrDuplicateChannel = errors.New("stm: duplicate channel name")

	// ErrUnknownChannel is returned when a reader or writer declaration (or
	// a ChannelPut arriving at dispatch) names a channel with no home rank.
	ErrUnknownChannel = errors.New("stm: unknown channel")

	// ErrBuilderReused is returned by any Builder method called after
	// Build has already consumed it.
	ErrBuilderReused = errors.New("stm: builder already consumed")

	// ErrInvalidListenMode is returned by Start for any mode other than
	// types.ThreadMode or types.ManualMode.
	ErrInvalidListenMode = errors.New("stm: invalid listen mode")

	// ErrAlreadyStarted is returned by a second call to Start.
	ErrAlreadyStarted = errors.New("stm: runtime already started")

	// ErrUnsupportedProtocol re-exports core.ErrUnsupportedProtocol, which
	// every Communicator implementation's receive path returns when an
	// incoming Envelope's Version is newer than this build understands,
	// mirroring the teacher's ErrUnsupportedProtocol/checkRPCHeader pair in
	// pkg/mcast/protocol.go.
	ErrUnsupportedProtocol = core.ErrUnsupportedProtocol
)

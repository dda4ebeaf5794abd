package core

import (
	"errors"
	"sync"

	"github.com/liuxfiu/gostm/pkg/stm/types"
)

// ErrCommunicatorClosed is returned by Send/IRecv once a MemoryWorld rank's
// inbox has been closed.
var ErrCommunicatorClosed = errors.New("stm: communicator closed")

// wrapEnvelope stamps msg with this build's protocol version before it enters
// an inbox, mirroring the teacher's getRPCHeader.
func wrapEnvelope(msg types.Message) types.Message {
	return types.Envelope{Version: types.LatestProtocolVersion, Body: msg}
}

// unwrapEnvelope validates and strips an Envelope, per the teacher's
// checkRPCHeader: a version newer than this build understands is rejected
// rather than guessed at. Non-Envelope messages pass through unchanged (only
// reachable if a future Communicator implementation forgets to wrap, so this
// stays permissive rather than erroring).
func unwrapEnvelope(msg types.Message) (types.Message, error) {
	env, ok := msg.(types.Envelope)
	if !ok {
		return msg, nil
	}
	if env.Version > types.LatestProtocolVersion {
		return nil, ErrUnsupportedProtocol
	}
	return env.Body, nil
}

// MemoryWorld is a fixed-size set of in-process inboxes, one per simulated
// rank, used to run the STM protocol inside a single process for tests and
// single-process demos (spec.md §8 scenario S4). Grounded on the teacher's
// test.TestInvoker/UnityCluster in-memory wiring in test/testing.go.
type MemoryWorld struct {
	inboxes []chan types.Message
	closed  []bool
	mu      sync.Mutex
}

// NewMemoryWorld creates a world with size ranks, each with its own
// buffered inbox.
func NewMemoryWorld(size int) *MemoryWorld {
	w := &MemoryWorld{
		inboxes: make([]chan types.Message, size),
		closed:  make([]bool, size),
	}
	for i := range w.inboxes {
		w.inboxes[i] = make(chan types.Message, 1024)
	}
	return w
}

// Communicator returns the Communicator view of this world for rank.
func (w *MemoryWorld) Communicator(rank int) Communicator {
	return newMemoryCommunicator(w, rank)
}

// Close closes every rank's inbox. Safe to call once all ranks have stopped
// reading.
func (w *MemoryWorld) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for i, ch := range w.inboxes {
		if !w.closed[i] {
			w.closed[i] = true
			close(ch)
		}
	}
}

// sendJob is one queued outgoing message, serialized through a single
// per-communicator sender goroutine so that ISend preserves the FIFO
// point-to-point ordering spec.md §5 requires of the underlying transport
// ("a writer's sequence of ChannelPuts arriving at home in program order";
// "a home channel's successive Data and Advance messages... arriving in the
// order the home emitted them"). Spawning an independent goroutine per
// ISend call (as a naive implementation might) would let the Go scheduler
// reorder two sends issued back to back by the same caller; routing every
// ISend through one ordered queue closes that gap.
type sendJob struct {
	dest int
	msg  types.Message
	done chan error
}

// MemoryCommunicator is the Communicator implementation over a MemoryWorld.
type MemoryCommunicator struct {
	world *MemoryWorld
	rank  int

	outbox     chan sendJob
	closeOnce  sync.Once
	closedDone chan struct{}
}

func newMemoryCommunicator(world *MemoryWorld, rank int) *MemoryCommunicator {
	c := &MemoryCommunicator{
		world:      world,
		rank:       rank,
		outbox:     make(chan sendJob, 4096),
		closedDone: make(chan struct{}),
	}
	go c.senderLoop()
	return c
}

func (c *MemoryCommunicator) senderLoop() {
	defer close(c.closedDone)
	for job := range c.outbox {
		job.done <- c.sendNow(job.dest, job.msg)
	}
}

func (c *MemoryCommunicator) Rank() int { return c.rank }
func (c *MemoryCommunicator) Size() int { return len(c.world.inboxes) }

func (c *MemoryCommunicator) sendNow(dest int, msg types.Message) error {
	c.world.mu.Lock()
	closed := c.world.closed[dest]
	c.world.mu.Unlock()
	if closed {
		return ErrCommunicatorClosed
	}
	c.world.inboxes[dest] <- wrapEnvelope(msg)
	return nil
}

// Send blocks until msg has been handed to dest's inbox. Sent directly
// (not through the ordered outbox), matching the blocking contract of
// Communicator.Send.
func (c *MemoryCommunicator) Send(dest int, msg types.Message) error {
	return c.sendNow(dest, msg)
}

func (c *MemoryCommunicator) ISend(dest int, msg types.Message) SendHandle {
	done := make(chan error, 1)
	c.outbox <- sendJob{dest: dest, msg: msg, done: done}
	return &memorySendHandle{done: done}
}

func (c *MemoryCommunicator) IRecv() RecvHandle {
	return &memoryRecvHandle{inbox: c.world.inboxes[c.rank]}
}

func (c *MemoryCommunicator) AllGather(value types.Message) ([]types.Message, error) {
	return GenericAllGather(c, value)
}

func (c *MemoryCommunicator) AllToAll(values []types.Message) ([]types.Message, error) {
	return GenericAllToAll(c, values)
}

// Close stops this communicator's sender goroutine. Safe to call once no
// further ISend calls will be made.
func (c *MemoryCommunicator) Close() error {
	c.closeOnce.Do(func() { close(c.outbox) })
	<-c.closedDone
	return nil
}

type memorySendHandle struct {
	done   chan error
	waited bool
	err    error
}

func (h *memorySendHandle) Wait() error {
	if !h.waited {
		h.err = <-h.done
		h.waited = true
	}
	return h.err
}

func (h *memorySendHandle) Probe() bool {
	if h.waited {
		return true
	}
	select {
	case h.err = <-h.done:
		h.waited = true
		return true
	default:
		return false
	}
}

type memoryRecvHandle struct {
	inbox      chan types.Message
	fetched    types.Message
	hasFetched bool
}

func (h *memoryRecvHandle) Wait() (types.Message, error) {
	if h.hasFetched {
		h.hasFetched = false
		return unwrapEnvelope(h.fetched)
	}
	m, ok := <-h.inbox
	if !ok {
		return nil, ErrCommunicatorClosed
	}
	return unwrapEnvelope(m)
}

func (h *memoryRecvHandle) Probe() bool {
	if h.hasFetched {
		return true
	}
	select {
	case m, ok := <-h.inbox:
		if !ok {
			return false
		}
		h.fetched = m
		h.hasFetched = true
		return true
	default:
		return false
	}
}

package core

import (
	"sync"

	"github.com/liuxfiu/gostm/pkg/stm/types"
)

// maxOutstandingPuts bounds how many in-flight Put sends a single Writer
// will buffer before applying backpressure, addressing spec.md §9's note
// that the reference "does not track outstanding request handles; a burst
// of puts may exceed transport buffering."
const maxOutstandingPuts = 64

// Writer is a client handle bound to (writer-name, channel-name,
// channel-home-rank), grounded on original_source/stm/connection.py's
// _Writer.
type Writer struct {
	mu sync.Mutex

	name        string
	channelName string
	channelRank int
	advancetime types.Timestamp

	comm    Communicator
	invoker Invoker
	log     types.Logger

	pending []SendHandle
}

// NewWriter builds a writer handle.
func NewWriter(name, channelName string, channelRank int, comm Communicator, invoker Invoker, log types.Logger) *Writer {
	return &Writer{
		name:        name,
		channelName: channelName,
		channelRank: channelRank,
		comm:        comm,
		invoker:     invoker,
		log:         log,
	}
}

// Name returns the writer's declared name.
func (w *Writer) Name() string { return w.name }

// Put publishes item at ts to the channel's home rank, per spec.md §4.4.
// The writer does not need to live on the home rank: the home's dispatcher
// routes ChannelPut to Channel.PublishData regardless of where it
// originated.
func (w *Writer) Put(ts types.Timestamp, item types.Item) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.reapCompletedLocked()
	if len(w.pending) >= maxOutstandingPuts {
		oldest := w.pending[0]
		w.pending = w.pending[1:]
		if err := oldest.Wait(); err != nil {
			w.log.Errorf("writer %s: outstanding put failed: %v", w.name, err)
		}
	}

	msg := types.ChannelPut{Ts: ts, Item: item, SourceRank: w.comm.Rank(), Channel: w.channelName}
	w.pending = append(w.pending, w.comm.ISend(w.channelRank, msg))
}

// reapCompletedLocked drops any outstanding put whose send has already
// completed, keeping the pending ring from growing unboundedly under light
// load while still bounding memory under a sustained burst.
func (w *Writer) reapCompletedLocked() {
	live := w.pending[:0]
	for _, h := range w.pending {
		if h.Probe() {
			if err := h.Wait(); err != nil {
				w.log.Errorf("writer %s: put failed: %v", w.name, err)
			}
			continue
		}
		live = append(live, h)
	}
	w.pending = live
}

// AdvanceUntil declares that no future Put from this writer will ever
// target a timestamp at or below t, per spec.md §4.4. Backwards/equal
// requests are a silent no-op (I3).
func (w *Writer) AdvanceUntil(t types.Timestamp) {
	w.mu.Lock()
	if t <= w.advancetime {
		w.mu.Unlock()
		return
	}
	w.advancetime = t
	w.mu.Unlock()

	msg := types.WriterAdvance{Until: t, Writer: w.name, Channel: w.channelName}
	handle := w.comm.ISend(w.channelRank, msg)
	w.invoker.Spawn(func() {
		if err := handle.Wait(); err != nil {
			w.log.Errorf("writer %s failed sending advance(%d): %v", w.name, t, err)
		}
	})
}

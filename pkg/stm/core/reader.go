package core

import (
	"sync"

	"github.com/liuxfiu/gostm/pkg/stm/store"
	"github.com/liuxfiu/gostm/pkg/stm/types"
)

// Reader is a client handle bound to (reader-name, channel-name,
// channel-home-rank), grounded on original_source/stm/connection.py's
// _Reader and the teacher's per-handle mutex discipline in
// pkg/mcast/core/peer.go.
type Reader struct {
	mu sync.Mutex

	name        string
	channelName string
	channelRank int

	data               store.TimedStore
	keeptime           types.Timestamp
	channelAdvanceTime types.Timestamp

	comm    Communicator
	invoker Invoker
	log     types.Logger
}

// NewReader builds a reader handle. data is the reader's local replica
// store; pass store.NewMemoryStore() for the default in-memory behavior.
func NewReader(name, channelName string, channelRank int, data store.TimedStore, comm Communicator, invoker Invoker, log types.Logger) *Reader {
	return &Reader{
		name:        name,
		channelName: channelName,
		channelRank: channelRank,
		data:        data,
		comm:        comm,
		invoker:     invoker,
		log:         log,
	}
}

// Name returns the reader's declared name.
func (r *Reader) Name() string { return r.name }

// ChannelName returns the channel this reader is attached to.
func (r *Reader) ChannelName() string { return r.channelName }

// Get implements spec.md §4.3's three-valued retrieval.
func (r *Reader) Get(ts types.Timestamp) (types.Item, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if ts <= r.keeptime {
		return nil, false
	}
	item, _ := r.data.Get(ts)
	if ts < r.channelAdvanceTime {
		return item, false
	}
	return item, true
}

// ConsumeUntil advances the reader's keep-time, garbage collecting its local
// replica up to t and notifying the channel's home rank, per spec.md §4.3.
// Backwards requests are a silent no-op (I2).
func (r *Reader) ConsumeUntil(t types.Timestamp) {
	r.mu.Lock()
	if t < r.keeptime {
		r.mu.Unlock()
		return
	}
	for ts := r.keeptime; ts <= t; ts++ {
		_ = r.data.Delete(ts)
	}
	r.keeptime = t
	r.mu.Unlock()

	msg := types.ReaderConsume{Until: t, Reader: r.name, Channel: r.channelName}
	handle := r.comm.ISend(r.channelRank, msg)
	r.invoker.Spawn(func() {
		if err := handle.Wait(); err != nil {
			r.log.Errorf("reader %s failed sending consume(%d): %v", r.name, t, err)
		}
	})
}

// SetData installs an item received for ts into the reader's local replica.
// Called by the dispatcher when a Data message arrives, and directly by a
// channel's PublishData for readers colocated with their channel's home.
func (r *Reader) SetData(ts types.Timestamp, item types.Item) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_ = r.data.Set(ts, item)
}

// AdvanceChannelTime raises the reader's channel_advancetime floor to at
// least t, per spec.md §4.2/§4.5 (the floor is monotone, so this is always
// a max, never a plain assignment).
func (r *Reader) AdvanceChannelTime(t types.Timestamp) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t > r.channelAdvanceTime {
		r.channelAdvanceTime = t
	}
}

package core

import (
	"sync"

	"github.com/liuxfiu/gostm/pkg/stm/store"
	"github.com/liuxfiu/gostm/pkg/stm/types"
)

// Channel is the home-side state for a single named channel: the
// authoritative timed store, the reader keep-time and writer advance-time
// priority dictionaries, and the set of remote ranks hosting attached
// readers. Grounded on original_source/stm/channel.py's _Channel and, for
// the mutex discipline, the teacher's per-Peer *sync.Mutex in
// pkg/mcast/core/peer.go.
type Channel struct {
	mu sync.Mutex

	name string
	data store.TimedStore

	readerKeeptimes    *PQDict
	writerAdvanceTimes *PQDict

	localReaders map[string]*Reader
	readerRanks  map[int]struct{}

	comm    Communicator
	invoker Invoker
	log     types.Logger
}

// NewChannel builds the home-side state for a channel. data is the
// authoritative timed store; pass store.NewMemoryStore() for the default
// in-memory behavior.
func NewChannel(name string, data store.TimedStore, comm Communicator, invoker Invoker, log types.Logger) *Channel {
	return &Channel{
		name:               name,
		data:               data,
		readerKeeptimes:    NewPQDict(),
		writerAdvanceTimes: NewPQDict(),
		localReaders:       make(map[string]*Reader),
		readerRanks:        make(map[int]struct{}),
		comm:               comm,
		invoker:            invoker,
		log:                log,
	}
}

// Name returns the channel's name.
func (c *Channel) Name() string { return c.name }

// Data returns the channel's authoritative timed store.
func (c *Channel) Data() store.TimedStore { return c.data }

// AddLocalReader wires a reader that lives on this channel's home rank
// directly into the fan-out path of PublishData, bypassing the network.
func (c *Channel) AddLocalReader(r *Reader) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.localReaders[r.Name()] = r
	c.readerKeeptimes.Set(r.Name(), 0)
}

// AddReaderRank records that rank hosts at least one remote reader attached
// to this channel, and initializes that reader's keep-time entry to 0.
// Invariant I5.
func (c *Channel) AddReaderRank(rank int, readerName string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readerRanks[rank] = struct{}{}
	c.readerKeeptimes.Set(readerName, 0)
}

// AddWriter initializes writer's advance-time entry to 0, invariant I5.
func (c *Channel) AddWriter(writerName string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writerAdvanceTimes.Set(writerName, 0)
}

func (c *Channel) keeptimeLocked() types.Timestamp {
	_, ts := c.readerKeeptimes.Peek()
	return ts
}

func (c *Channel) advancetimeLocked() types.Timestamp {
	_, ts := c.writerAdvanceTimes.Peek()
	return ts
}

// PublishData stores item at ts, fans it out to every local reader and,
// asynchronously, to every rank hosting a remote reader — awaiting
// completion of the outgoing sends before returning, to bound buffering,
// per spec.md §4.2.
func (c *Channel) PublishData(ts types.Timestamp, item types.Item) error {
	c.mu.Lock()
	_ = c.data.Set(ts, item)
	for _, r := range c.localReaders {
		r.SetData(ts, item)
	}
	msg := types.Data{Ts: ts, Item: item, Channel: c.name}
	handles := make([]SendHandle, 0, len(c.readerRanks))
	for rank := range c.readerRanks {
		handles = append(handles, c.comm.ISend(rank, msg))
	}
	c.mu.Unlock()

	var firstErr error
	for _, h := range handles {
		if err := h.Wait(); err != nil {
			c.log.Errorf("channel %s: failed publishing ts=%d: %v", c.name, ts, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// HandleConsumeUntil processes a reader's new keep-time: it is a purely
// local GC hint, never fanned out, per spec.md §4.2.
func (c *Channel) HandleConsumeUntil(readerName string, t types.Timestamp) {
	c.mu.Lock()
	defer c.mu.Unlock()

	prev := c.keeptimeLocked()
	c.readerKeeptimes.Set(readerName, t)
	next := c.keeptimeLocked()

	for ts := prev + 1; ts <= next; ts++ {
		_ = c.data.Delete(ts)
	}
}

// HandleAdvanceUntil processes a writer's new advance-time declaration. If
// the channel-wide minimum advance-time moves forward, the new floor is
// propagated to every local reader and fanned out (queued, not awaited —
// spec.md §9's redesign note) to every rank hosting a remote reader.
func (c *Channel) HandleAdvanceUntil(writerName string, t types.Timestamp) {
	c.mu.Lock()
	defer c.mu.Unlock()

	prev := c.advancetimeLocked()
	current, _ := c.writerAdvanceTimes.Get(writerName)
	if t > current {
		c.writerAdvanceTimes.Set(writerName, t)
	}
	next := c.advancetimeLocked()
	if next <= prev {
		return
	}

	for _, r := range c.localReaders {
		r.AdvanceChannelTime(next)
	}

	msg := types.WriterAdvance{Until: next, Writer: writerName, Channel: c.name}
	for rank := range c.readerRanks {
		handle := c.comm.ISend(rank, msg)
		c.invoker.Spawn(func() {
			if err := handle.Wait(); err != nil {
				c.log.Errorf("channel %s: failed fanning out advance(%d): %v", c.name, next, err)
			}
		})
	}
}

package stm

import (
	"fmt"

	"github.com/liuxfiu/gostm/pkg/stm/core"
	"github.com/liuxfiu/gostm/pkg/stm/definition"
	"github.com/liuxfiu/gostm/pkg/stm/store"
	"github.com/liuxfiu/gostm/pkg/stm/types"
)

type readerDecl struct{ channel, name string }
type writerDecl struct{ channel, name string }

// Builder stages channel/reader/writer declarations for a single rank and
// runs the two-phase bootstrap exchange spec.md §4.1 describes (channel
// discovery via all-gather, then one all-to-all pass for reader attachment
// and one for writer attachment) to produce a frozen STM runtime. A Builder
// is single-use: Build consumes it, per spec.md §9's "builder-then-freeze"
// lifecycle. Grounded on original_source/stm/builder.py's three-phase
// _distribute_* exchange, re-expressed as explicit AllGather/AllToAll calls
// instead of mpi4py collectives, and on the teacher's NewUnity/BootstrapGroup
// split between local construction and collective bootstrap.
type Builder struct {
	comm    core.Communicator
	invoker core.Invoker
	log     types.Logger
	config  *types.RuntimeConfiguration

	ownChannels []string
	readers     []readerDecl
	writers     []writerDecl

	consumed bool
}

// NewBuilder starts a fresh Builder bound to comm. If config or
// config.Logger is nil, a definition.DefaultLogger is installed, mirroring
// the teacher's DefaultConfiguration helper.
func NewBuilder(comm core.Communicator, config *types.RuntimeConfiguration) *Builder {
	if config == nil {
		config = types.DefaultConfiguration(fmt.Sprintf("rank-%d", comm.Rank()))
	}
	if config.Logger == nil {
		config.Logger = definition.NewDefaultLogger()
	}
	return &Builder{
		comm:    comm,
		invoker: core.NewGoroutineInvoker(),
		log:     config.Logger,
		config:  config,
	}
}

// CreateChannels marks this rank as home of every named channel. Declaring
// the same name twice on one rank is harmless locally; a name claimed by
// two different ranks is only caught once Build runs the discovery
// all-gather (spec.md §4.1).
func (b *Builder) CreateChannels(names ...string) error {
	if b.consumed {
		return ErrBuilderReused
	}
	b.ownChannels = append(b.ownChannels, names...)
	return nil
}

// CreateReader stages a reader named readerName attached to channel. Which
// rank ends up hosting channel is resolved during Build; if it turns out to
// be this rank the reader is wired directly, otherwise it is attached to
// the remote home via the attachment exchange (spec.md §4.1).
func (b *Builder) CreateReader(channel, readerName string) error {
	if b.consumed {
		return ErrBuilderReused
	}
	b.readers = append(b.readers, readerDecl{channel: channel, name: readerName})
	return nil
}

// CreateWriter stages a writer named writerName attached to channel,
// symmetric to CreateReader.
func (b *Builder) CreateWriter(channel, writerName string) error {
	if b.consumed {
		return ErrBuilderReused
	}
	b.writers = append(b.writers, writerDecl{channel: channel, name: writerName})
	return nil
}

// Build runs the two collective exchanges and returns a frozen STM runtime.
// After Build, the Builder is spent: no further declarations are accepted
// and a second Build call returns ErrBuilderReused.
func (b *Builder) Build() (*STM, error) {
	if b.consumed {
		return nil, ErrBuilderReused
	}
	b.consumed = true

	rank := b.comm.Rank()
	size := b.comm.Size()

	channelHomes, err := b.discoverChannels(rank)
	if err != nil {
		return nil, err
	}

	localChannels := make(map[string]*core.Channel, len(b.ownChannels))
	for _, name := range b.ownChannels {
		localChannels[name] = core.NewChannel(name, store.NewMemoryStore(), b.comm, b.invoker, b.log)
	}

	readers, readersByChannel, err := b.attachReaders(rank, size, channelHomes, localChannels)
	if err != nil {
		return nil, err
	}

	writers, err := b.attachWriters(rank, size, channelHomes, localChannels)
	if err != nil {
		return nil, err
	}

	return newSTM(b.comm, b.invoker, b.config, channelHomes, localChannels, readers, writers, readersByChannel), nil
}

// discoverChannels runs the channel-discovery all-gather: every rank
// contributes its own home-channel names, and the union (checked for
// duplicate claims) becomes the full channel->home-rank map every rank
// carries for the runtime's lifetime (spec.md §4.1, invariant I5's
// precondition).
func (b *Builder) discoverChannels(rank int) (map[string]int, error) {
	init := types.ChannelsInit{Channels: append([]string(nil), b.ownChannels...), SourceRank: rank}
	gathered, err := b.comm.AllGather(init)
	if err != nil {
		return nil, fmt.Errorf("stm: channel discovery: %w", err)
	}

	channelHomes := make(map[string]int)
	for _, msg := range gathered {
		ci, ok := msg.(types.ChannelsInit)
		if !ok {
			continue
		}
		for _, name := range ci.Channels {
			if owner, dup := channelHomes[name]; dup && owner != ci.SourceRank {
				return nil, fmt.Errorf("%w: %q claimed by rank %d and rank %d", ErrDuplicateChannel, name, owner, ci.SourceRank)
			}
			channelHomes[name] = ci.SourceRank
		}
	}
	return channelHomes, nil
}

// attachReaders wires every staged reader declaration: readers whose
// channel is homed on this rank are added directly via
// Channel.AddLocalReader (no network involved, ever); readers whose channel
// is homed elsewhere are batched into the reader-attachment all-to-all so
// the remote home learns about reader_ranks and initializes the reader's
// keep-time entry at priority 0 (invariant I5).
func (b *Builder) attachReaders(rank, size int, channelHomes map[string]int, localChannels map[string]*core.Channel) (map[string]*core.Reader, map[string][]*core.Reader, error) {
	readers := make(map[string]*core.Reader, len(b.readers))
	readersByChannel := make(map[string][]*core.Reader)
	entriesByDest := make([][]types.ReaderAttachEntry, size)

	for _, decl := range b.readers {
		home, ok := channelHomes[decl.channel]
		if !ok {
			return nil, nil, fmt.Errorf("%w: reader %q on channel %q", ErrUnknownChannel, decl.name, decl.channel)
		}
		if _, dup := readers[decl.name]; dup {
			return nil, nil, fmt.Errorf("stm: duplicate reader name %q", decl.name)
		}

		r := core.NewReader(decl.name, decl.channel, home, store.NewMemoryStore(), b.comm, b.invoker, b.log)
		readers[decl.name] = r
		readersByChannel[decl.channel] = append(readersByChannel[decl.channel], r)

		if home == rank {
			localChannels[decl.channel].AddLocalReader(r)
		} else {
			entriesByDest[home] = append(entriesByDest[home], types.ReaderAttachEntry{Channel: decl.channel, Reader: decl.name})
		}
	}

	values := make([]types.Message, size)
	for dest := range values {
		values[dest] = types.ReaderAttachBatch{Entries: entriesByDest[dest], SourceRank: rank}
	}
	results, err := b.comm.AllToAll(values)
	if err != nil {
		return nil, nil, fmt.Errorf("stm: reader attachment exchange: %w", err)
	}
	for srcRank, msg := range results {
		batch, ok := msg.(types.ReaderAttachBatch)
		if !ok {
			continue
		}
		for _, entry := range batch.Entries {
			ch, ok := localChannels[entry.Channel]
			if !ok {
				return nil, nil, fmt.Errorf("%w: reader attachment for %q targets non-local channel %q", ErrUnknownChannel, entry.Reader, entry.Channel)
			}
			ch.AddReaderRank(srcRank, entry.Reader)
		}
	}

	return readers, readersByChannel, nil
}

// attachWriters is symmetric to attachReaders. Unlike readers, a writer's
// locality never changes the channel's internal structure (Channel has no
// writer_ranks set to maintain, only writer_advancetimes), so every writer
// declaration is routed through the same attachment all-to-all regardless
// of whether its channel happens to be homed on this rank: self-addressed
// entries are resolved by AllToAll without an actual network hop.
func (b *Builder) attachWriters(rank, size int, channelHomes map[string]int, localChannels map[string]*core.Channel) (map[string]*core.Writer, error) {
	writers := make(map[string]*core.Writer, len(b.writers))
	entriesByDest := make([][]types.WriterAttachEntry, size)

	for _, decl := range b.writers {
		home, ok := channelHomes[decl.channel]
		if !ok {
			return nil, fmt.Errorf("%w: writer %q on channel %q", ErrUnknownChannel, decl.name, decl.channel)
		}
		if _, dup := writers[decl.name]; dup {
			return nil, fmt.Errorf("stm: duplicate writer name %q", decl.name)
		}

		writers[decl.name] = core.NewWriter(decl.name, decl.channel, home, b.comm, b.invoker, b.log)
		entriesByDest[home] = append(entriesByDest[home], types.WriterAttachEntry{Channel: decl.channel, Writer: decl.name})
	}

	values := make([]types.Message, size)
	for dest := range values {
		values[dest] = types.WriterAttachBatch{Entries: entriesByDest[dest], SourceRank: rank}
	}
	results, err := b.comm.AllToAll(values)
	if err != nil {
		return nil, fmt.Errorf("stm: writer attachment exchange: %w", err)
	}
	for _, msg := range results {
		batch, ok := msg.(types.WriterAttachBatch)
		if !ok {
			continue
		}
		for _, entry := range batch.Entries {
			ch, ok := localChannels[entry.Channel]
			if !ok {
				return nil, fmt.Errorf("%w: writer attachment for %q targets non-local channel %q", ErrUnknownChannel, entry.Writer, entry.Channel)
			}
			ch.AddWriter(entry.Writer)
		}
	}

	return writers, nil
}

package types

// Timestamp is the non-negative integer ordering coordinate used to key
// items inside a channel. 0 is the initial keep-time/advance-time for every
// reader and writer.
type Timestamp = int64

// Item is the opaque payload carried alongside a Timestamp. The core treats
// it as a transparent blob; callers own the encoding.
type Item = []byte

// STMTag names the single STM message tag, mirroring the teacher's STM_DATA /
// STM_Tag convention. The shipped communicators carry no tag, so nothing
// sends or checks it.
const STMTag = "stm.data"

// Message is the marker interface implemented by every wire message kind.
// Positional/semantic fields only, matching spec.md's wire contract table.
type Message interface {
	isSTMMessage()
}

// ChannelsInit is the all-gather payload exchanged during bootstrap: the
// channel names a rank is home to, and that rank's id.
type ChannelsInit struct {
	Channels   []string
	SourceRank int
}

func (ChannelsInit) isSTMMessage() {}

// ChannelPut carries a writer's published item to a channel's home rank.
type ChannelPut struct {
	Ts         Timestamp
	Item       Item
	SourceRank int
	Channel    string
}

func (ChannelPut) isSTMMessage() {}

// Data fans a published item out from a channel's home rank to every rank
// hosting an attached reader.
type Data struct {
	Ts      Timestamp
	Item    Item
	Channel string
}

func (Data) isSTMMessage() {}

// ReaderConsume reports a reader's new keep-time to the channel's home rank.
type ReaderConsume struct {
	Until   Timestamp
	Reader  string
	Channel string
}

func (ReaderConsume) isSTMMessage() {}

// WriterAdvance reports a writer's new advance-time, first to the channel's
// home rank and, once the channel-wide minimum moves, fanned out from the
// home rank to every reader-holding rank.
type WriterAdvance struct {
	Until   Timestamp
	Writer  string
	Channel string
}

func (WriterAdvance) isSTMMessage() {}

// Shutdown announces that SourceRank has entered its shutdown sequence.
type Shutdown struct {
	SourceRank int
}

func (Shutdown) isSTMMessage() {}

// Envelope attaches versioning to a Message, so a rank running a newer or
// older protocol revision can reject it cleanly instead of misinterpreting
// the payload. Grounded on the teacher's RPCHeader/checkRPCHeader pattern
// in pkg/mcast/protocol.go. Every Communicator implementation wraps outgoing
// messages in an Envelope and unwraps (validating Version) on receive, so
// callers above core.Communicator never see it directly.
type Envelope struct {
	Version uint32
	Body    Message
}

func (Envelope) isSTMMessage() {}

// LatestProtocolVersion is the newest wire version this module understands.
const LatestProtocolVersion uint32 = 1

// ReaderAttachEntry declares that Reader should be attached to Channel, a
// channel this batch's destination rank is home to.
type ReaderAttachEntry struct {
	Channel string
	Reader  string
}

// ReaderAttachBatch is one rank's half of the reader-attachment all-to-all
// pass during bootstrap: every entry destined for a single recipient rank,
// batched into one message.
type ReaderAttachBatch struct {
	Entries    []ReaderAttachEntry
	SourceRank int
}

func (ReaderAttachBatch) isSTMMessage() {}

// WriterAttachEntry declares that Writer publishes onto Channel, a channel
// this batch's destination rank is home to.
type WriterAttachEntry struct {
	Channel string
	Writer  string
}

// WriterAttachBatch is one rank's half of the writer-attachment all-to-all
// pass during bootstrap.
type WriterAttachBatch struct {
	Entries    []WriterAttachEntry
	SourceRank int
}

func (WriterAttachBatch) isSTMMessage() {}

// CollectiveEnvelope wraps a single rank's contribution to an AllGather or
// AllToAll collective, so a communicator whose only primitives are
// point-to-point send/receive can still identify which rank a payload came
// from once it arrives out of order.
type CollectiveEnvelope struct {
	Source  int
	Payload Message
}

func (CollectiveEnvelope) isSTMMessage() {}

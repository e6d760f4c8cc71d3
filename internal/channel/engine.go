// Package channel declares the reliable channel engine interface the
// endpoint drives (spec §6) and ships an in-memory reference engine used to
// exercise the endpoint loop in tests. The real engine — framing,
// ACK/retransmit, flow control — is explicitly out of scope per spec §1;
// this reference engine implements only enough of that contract to make
// forward progress over a lossless transport.
package channel

import (
	"time"

	"github.com/kuuji/carrier/internal/noise"
	"github.com/kuuji/carrier/internal/wire"
)

// ErrAntiReplay is a non-fatal duplicate-packet condition.
var ErrAntiReplay = &antiReplayError{}

type antiReplayError struct{}

func (*antiReplayError) Error() string { return "channel: anti-replay: duplicate packet" }

// ProgressKind discriminates the variants of ChannelProgress (spec §4.5).
type ProgressKind int

const (
	// Later means there is no work right now; wait at least Duration.
	Later ProgressKind = iota
	// SendPacket carries ciphertext ready to go out on the wire.
	SendPacket
	// ReceiveHeader carries a stream's first frame payload.
	ReceiveHeader
	// ReceiveStream carries a subsequent data chunk for an existing stream.
	ReceiveStream
	// Close reports a stream half-closed by the peer.
	Close
	// Disconnect reports the channel itself is gone.
	Disconnect
)

// Progress is one unit of work the endpoint must react to, as produced by
// Engine.Progress. Exactly the fields relevant to Kind are populated.
type Progress struct {
	Kind     ProgressKind
	Duration time.Duration // Later
	Bytes    []byte        // SendPacket, ReceiveHeader, ReceiveStream
	Stream   uint32        // ReceiveHeader, ReceiveStream, Close
}

// Engine is the reliable channel engine interface consumed by the endpoint
// (spec §6): framing, acknowledgement and retransmission of frames over one
// channel, exposed as a progress iterator the endpoint drains to a fixed
// point on every wake-up.
type Engine interface {
	// Open allocates a fresh stream id and enqueues its header frame.
	// isRequest distinguishes a locally initiated stream (carries a
	// request Headers block) from a reply to a peer-opened one.
	Open(headerBytes []byte, isRequest bool) uint32
	// Stream enqueues an outbound payload chunk on an existing stream.
	Stream(streamID uint32, payload []byte)
	// CloseStream half-closes a stream at its next sequence position.
	CloseStream(streamID uint32)
	// Recv feeds an inbound outer packet (still ciphertext) into the
	// engine, which owns the Noise transport and performs the decryption
	// itself (spec §6: "new(transport, debug_id) -> Channel"). ErrAntiReplay
	// is non-fatal; any other error should be logged and the datagram
	// dropped.
	Recv(packet wire.EncryptedPacket) error
	// Progress returns the next unit of work. The endpoint calls this
	// repeatedly until it returns Later, driving the channel to a fixed
	// point on every wake-up (spec §4.5 step 5).
	Progress() Progress
	// DebugID is a short string for log correlation, of the form
	// "identity::route" in the original.
	DebugID() string
}

// NewReference constructs an in-memory reference Engine bound to transport,
// sending as localDirection (whichever side of the handshake this endpoint
// played), and labeled debugID for logs. It assumes a lossless transport:
// no retransmission, no real RTT-based backoff — Later is returned with a
// small fixed interval whenever there is no queued work.
func NewReference(transport noise.Transport, localDirection wire.Direction, debugID string) Engine {
	return &refEngine{
		transport:      transport,
		localDirection: localDirection,
		debugID:        debugID,
		streams:        make(map[uint32]*refStream),
		seenCounters:   make(map[uint64]bool),
		nextStreamID:   1,
	}
}

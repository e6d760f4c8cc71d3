package channel

import (
	"bytes"
	"fmt"
	"time"

	"github.com/kuuji/carrier/internal/noise"
	"github.com/kuuji/carrier/internal/wire"
)

// idleInterval is the Later duration the reference engine reports when it
// has no queued send work. A production engine would instead compute a
// real RTO/keepalive schedule.
const idleInterval = 2 * time.Second

type refStream struct {
	nextSendOrder uint64
	closed        bool
}

// refEngine is the in-memory reference Engine. It frames every outbound
// chunk as its own StreamFrame/HeaderFrame/CloseFrame inside one packet,
// seals the packet with its Noise transport, and treats every received
// packet's counter as a replay-detection key.
type refEngine struct {
	transport      noise.Transport
	localDirection wire.Direction
	debugID        string

	streams      map[uint32]*refStream
	nextStreamID uint32

	sendCounter  uint64
	seenCounters map[uint64]bool

	outboundFrames []wire.Frame
	pending        []Progress
}

func (e *refEngine) DebugID() string { return e.debugID }

func (e *refEngine) Open(headerBytes []byte, isRequest bool) uint32 {
	_ = isRequest // reserved for a real engine's distinct request/response stream numbering
	id := e.nextStreamID
	e.nextStreamID++
	e.streams[id] = &refStream{nextSendOrder: 2}
	e.outboundFrames = append(e.outboundFrames, wire.HeaderFrame{Stream: id, Payload: headerBytes})
	e.flushOutbound()
	return id
}

func (e *refEngine) Stream(streamID uint32, payload []byte) {
	st, ok := e.streams[streamID]
	if !ok {
		return
	}
	e.outboundFrames = append(e.outboundFrames, wire.StreamFrame{
		Stream: streamID,
		Order_: st.nextSendOrder,
		Payload: payload,
	})
	st.nextSendOrder++
	e.flushOutbound()
}

func (e *refEngine) CloseStream(streamID uint32) {
	st, ok := e.streams[streamID]
	if !ok || st.closed {
		return
	}
	st.closed = true
	e.outboundFrames = append(e.outboundFrames, wire.CloseFrame{Stream: streamID, Order_: st.nextSendOrder})
	st.nextSendOrder++
	e.flushOutbound()
}

// flushOutbound packs every currently queued outbound frame into a single
// sealed packet and appends a SendPacket progress item. Real engines batch
// by MTU and retransmission state; the reference engine just sends
// everything queued since the last flush.
func (e *refEngine) flushOutbound() {
	if len(e.outboundFrames) == 0 {
		return
	}
	var buf bytes.Buffer
	for _, f := range e.outboundFrames {
		if err := f.Encode(&buf); err != nil {
			// Encoding a well-formed frame should never fail; drop it
			// rather than corrupt the packet for the frames after it.
			continue
		}
	}
	e.outboundFrames = e.outboundFrames[:0]

	counter := e.sendCounter
	e.sendCounter++

	sealed, err := e.transport.Seal(e.localDirection, counter, buf.Bytes())
	if err != nil {
		return
	}
	outer := wire.EncryptedPacket{
		Route:     e.transport.Route(),
		Direction: e.localDirection,
		Counter:   counter,
		Payload:   sealed,
	}
	e.pending = append(e.pending, Progress{Kind: SendPacket, Bytes: outer.Encode()})
}

func (e *refEngine) Recv(packet wire.EncryptedPacket) error {
	if e.seenCounters[packet.Counter] {
		return ErrAntiReplay
	}
	e.seenCounters[packet.Counter] = true

	plaintext, err := e.transport.Open(packet.Direction, packet.Counter, packet.Payload)
	if err != nil {
		return fmt.Errorf("channel %s: opening packet: %w", e.debugID, err)
	}

	frames, err := wire.DecodeFrames(plaintext)
	if err != nil {
		return fmt.Errorf("channel %s: decoding frames: %w", e.debugID, err)
	}

	for _, f := range frames {
		switch fr := f.(type) {
		case wire.HeaderFrame:
			e.pending = append(e.pending, Progress{Kind: ReceiveHeader, Stream: fr.Stream, Bytes: fr.Payload})
			if _, ok := e.streams[fr.Stream]; !ok {
				e.streams[fr.Stream] = &refStream{nextSendOrder: 2}
			}
		case wire.StreamFrame:
			e.pending = append(e.pending, Progress{Kind: ReceiveStream, Stream: fr.Stream, Bytes: fr.Payload})
		case wire.CloseFrame:
			e.pending = append(e.pending, Progress{Kind: Close, Stream: fr.Stream})
		case wire.DisconnectFrame:
			e.pending = append(e.pending, Progress{Kind: Disconnect})
		case wire.PingFrame, wire.AckFrame:
			// The reference engine has no retransmission or RTT state to
			// feed these into; a real engine consumes them here.
		}
	}
	return nil
}

func (e *refEngine) Progress() Progress {
	if len(e.pending) == 0 {
		return Progress{Kind: Later, Duration: idleInterval}
	}
	next := e.pending[0]
	e.pending = e.pending[1:]
	return next
}

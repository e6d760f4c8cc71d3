// Package stream implements the application-facing ordered byte-stream
// facade described in spec §4.3: raw sends, small structured messages sent
// as a single chunk, and length-prefixed chunked messages, read back
// through a single-slot inbox.
package stream

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/kuuji/carrier/internal/channel"
	"github.com/kuuji/carrier/internal/wire"
)

// ChunkSize is the size Message uses to split a serialized body
// (SmallMessage always sends its body as one chunk). Spec §9 notes this
// is not a protocol invariant: receivers rely only
// on ProtoHeader's declared length, never on chunk boundaries.
const ChunkSize = 600

// ProtoHeader is the length-prefix envelope Message sends ahead of a
// chunked body.
type ProtoHeader struct {
	Len uint64
}

// Encode serializes h as its own small frame payload: an 8-byte big-endian
// length.
func (h ProtoHeader) Encode() []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], h.Len)
	return b[:]
}

// DecodeProtoHeader parses a ProtoHeader from its encoded form.
func DecodeProtoHeader(b []byte) (ProtoHeader, error) {
	if len(b) != 8 {
		return ProtoHeader{}, fmt.Errorf("stream: invalid ProtoHeader length: %d", len(b))
	}
	return ProtoHeader{Len: binary.BigEndian.Uint64(b)}, nil
}

// enqueuer is the capability a Stream holds to push outbound frames,
// matching spec §9's guidance: the facade carries (route, stream id) plus a
// capability to enqueue, never an owning reference to the channel.
type enqueuer interface {
	Stream(streamID uint32, payload []byte)
	CloseStream(streamID uint32)
}

var _ enqueuer = channel.Engine(nil)

// Stream is the application view of one multiplexed byte stream within a
// channel (spec §3 "Stream (application view)").
type Stream struct {
	route wire.RoutingKey
	id    uint32
	eng   enqueuer

	mu      sync.Mutex
	slot    []byte
	hasSlot bool
	wake    chan struct{}
	closed  bool
}

// New wraps a stream id already opened on a channel's engine into the
// application-facing facade. eng need only satisfy enqueuer; callers
// typically pass a channel.Engine.
func New(route wire.RoutingKey, id uint32, eng enqueuer) *Stream {
	return &Stream{
		route: route,
		id:    id,
		eng:   eng,
		wake:  make(chan struct{}, 1),
	}
}

// ID returns the multiplexed stream identifier.
func (s *Stream) ID() uint32 { return s.id }

// Route returns the owning channel's RoutingKey.
func (s *Stream) Route() wire.RoutingKey { return s.route }

// Send enqueues raw bytes onto the underlying reliable channel under this
// stream id. No framing is added.
func (s *Stream) Send(b []byte) {
	s.eng.Stream(s.id, b)
}

// SmallMessage serializes m and enqueues it as a single send. Intended for
// payloads of roughly ChunkSize bytes or less; larger payloads should use
// Message instead.
func (s *Stream) SmallMessage(m any) error {
	b, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("stream: marshaling small message: %w", err)
	}
	s.Send(b)
	return nil
}

// Message serializes m, sends a ProtoHeader announcing its length, then
// chunks the body into ChunkSize pieces, each sent separately. Receivers
// must reassemble using ReceiveMessage, which relies on the header's
// declared length rather than on chunk boundaries.
func (s *Stream) Message(m any) error {
	body, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("stream: marshaling message: %w", err)
	}

	header := ProtoHeader{Len: uint64(len(body))}
	s.Send(header.Encode())

	for off := 0; off < len(body); off += ChunkSize {
		end := off + ChunkSize
		if end > len(body) {
			end = len(body)
		}
		s.Send(body[off:end])
	}
	return nil
}

// Close half-closes this stream at its next sequence position.
func (s *Stream) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	s.eng.CloseStream(s.id)
}

// Deliver places a newly received frame's payload into the single-slot
// inbox, replacing whatever was there, and wakes any pending Recv. The
// channel engine is expected to provide back-pressure so a consumer drains
// before the next frame arrives; Deliver does not block either way.
func (s *Stream) Deliver(payload []byte) {
	s.mu.Lock()
	s.slot = payload
	s.hasSlot = true
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// TryRecv drains the inbox without blocking, reporting false if it was
// empty. Intended for Handler.Poll implementations, which must never block
// the endpoint loop.
func (s *Stream) TryRecv() ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.hasSlot {
		return nil, false
	}
	v := s.slot
	s.slot = nil
	s.hasSlot = false
	return v, true
}

// Recv blocks until a frame has been delivered to the inbox (or ctx is
// done), then drains and returns it.
func (s *Stream) Recv(ctx context.Context) ([]byte, error) {
	for {
		s.mu.Lock()
		if s.hasSlot {
			v := s.slot
			s.slot = nil
			s.hasSlot = false
			s.mu.Unlock()
			return v, nil
		}
		s.mu.Unlock()

		select {
		case <-s.wake:
			continue
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// ReceiveMessage reads a ProtoHeader-prefixed, chunked message sent via
// Message and unmarshals it into out.
func (s *Stream) ReceiveMessage(ctx context.Context, out any) error {
	headerBytes, err := s.Recv(ctx)
	if err != nil {
		return err
	}
	header, err := DecodeProtoHeader(headerBytes)
	if err != nil {
		return err
	}

	body := make([]byte, 0, header.Len)
	for uint64(len(body)) < header.Len {
		chunk, err := s.Recv(ctx)
		if err != nil {
			return err
		}
		body = append(body, chunk...)
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("stream: unmarshaling message body: %w", err)
	}
	return nil
}

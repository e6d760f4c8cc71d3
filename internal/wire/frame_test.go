package wire

import (
	"bytes"
	"testing"
)

func encode(t *testing.T, f Frame) []byte {
	t.Helper()
	b, err := EncodeFrame(f)
	if err != nil {
		t.Fatalf("EncodeFrame: %v", err)
	}
	if len(b) != f.EncodedLen() {
		t.Fatalf("EncodedLen() = %d, actual encoded length = %d", f.EncodedLen(), len(b))
	}
	return b
}

func TestConfigFrames(t *testing.T) {
	f := ConfigFrame{Timeout: nil, Sleeping: false}
	got := encode(t, f)
	want := []byte{0x07, 0x00, 0x00, 0x00}
	if !bytes.Equal(got, want) {
		t.Fatalf("got %x, want %x", got, want)
	}

	frames, err := DecodeFrames(got)
	if err != nil {
		t.Fatalf("DecodeFrames: %v", err)
	}
	if len(frames) != 1 {
		t.Fatalf("got %d frames, want 1", len(frames))
	}
	c, ok := frames[0].(ConfigFrame)
	if !ok || c.Timeout != nil || c.Sleeping {
		t.Fatalf("decoded = %+v, want Config{timeout:None, sleeping:false}", frames[0])
	}

	timeout := uint16(1292)
	f2 := ConfigFrame{Timeout: &timeout, Sleeping: true}
	got2 := encode(t, f2)
	want2 := []byte{0x07, 0b11000000, 0x00, 0x02, 0x05, 0x0C}
	if !bytes.Equal(got2, want2) {
		t.Fatalf("got %x, want %x", got2, want2)
	}

	frames2, err := DecodeFrames(got2)
	if err != nil {
		t.Fatalf("DecodeFrames: %v", err)
	}
	if len(frames2) != 1 {
		t.Fatalf("got %d frames, want 1", len(frames2))
	}
	c2, ok := frames2[0].(ConfigFrame)
	if !ok || c2.Timeout == nil || *c2.Timeout != 1292 || !c2.Sleeping {
		t.Fatalf("decoded = %+v, want Config{timeout:Some(1292), sleeping:true}", frames2[0])
	}
}

func TestEncodeStreamFrame(t *testing.T) {
	f := StreamFrame{Stream: 0x63, Order_: 0x1223, Payload: []byte("hello")}
	got := encode(t, f)
	want := []byte{
		0x05, 0x00, 0x00, 0x00, 0x63,
		0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x12, 0x23,
		0x00, 0x05, 'h', 'e', 'l', 'l', 'o',
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("got %x, want %x", got, want)
	}
}

func TestEncodeAckFrame(t *testing.T) {
	f := AckFrame{Delay: 1, Acked: []uint64{0x872}}
	got := encode(t, f)
	want := []byte{0x01, 0x00, 0x01, 0x00, 0x01, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x08, 0x72}
	if !bytes.Equal(got, want) {
		t.Fatalf("got %x, want %x", got, want)
	}
}

func TestDecodeFrame(t *testing.T) {
	r := []byte{
		0x00, 0x00, 0x00,
		0x05, 0x00, 0x00, 0x00, 0x63, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x12,
		0x23, 0x00, 0x05, 'h', 'e', 'l', 'l', 'o', 0x00,
		0x01, 0x00, 0x05, 0x00, 0x02, 0x00,
		0x00, 0x00, 0x00, 0x00, 0x00, 0x12, 0x24, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x12, 0x23,
		0x00, 0x00, 0x00,
	}

	frames, err := DecodeFrames(r)
	if err != nil {
		t.Fatalf("DecodeFrames: %v", err)
	}
	if len(frames) != 2 {
		t.Fatalf("got %d frames, want 2", len(frames))
	}

	sf, ok := frames[0].(StreamFrame)
	if !ok {
		t.Fatalf("frames[0] = %T, want StreamFrame", frames[0])
	}
	if sf.Order_ != 0x1223 || !bytes.Equal(sf.Payload, []byte("hello")) || sf.Stream != 0x63 {
		t.Fatalf("unexpected stream frame: %+v", sf)
	}

	af, ok := frames[1].(AckFrame)
	if !ok {
		t.Fatalf("frames[1] = %T, want AckFrame", frames[1])
	}
	if af.Delay != 0x05 {
		t.Fatalf("delay = %d, want 5", af.Delay)
	}
	if len(af.Acked) != 2 || af.Acked[0] != 0x1224 || af.Acked[1] != 0x1223 {
		t.Fatalf("acked = %v, want [0x1224, 0x1223]", af.Acked)
	}
}

func TestDecodeFramesInvalidTag(t *testing.T) {
	_, err := DecodeFrames([]byte{0xAB})
	var target InvalidFrameTypeError
	if err == nil {
		t.Fatal("expected an error for an unknown frame tag")
	}
	if !errorsAs(err, &target) {
		t.Fatalf("error %v is not an InvalidFrameTypeError", err)
	}
	if target.Type != 0xAB {
		t.Fatalf("Type = %#x, want 0xab", target.Type)
	}
}

func TestFrameOrder(t *testing.T) {
	h := HeaderFrame{Stream: 1}
	if h.Order() != 1 {
		t.Fatalf("HeaderFrame.Order() = %d, want 1", h.Order())
	}
	s := StreamFrame{Order_: 99}
	if s.Order() != 99 {
		t.Fatalf("StreamFrame.Order() = %d, want 99", s.Order())
	}
	c := CloseFrame{Order_: 42}
	if c.Order() != 42 {
		t.Fatalf("CloseFrame.Order() = %d, want 42", c.Order())
	}
}

func TestFrameOrderPanicsOnUnordered(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic calling Order() on PingFrame")
		}
	}()
	PingFrame{}.Order()
}

func errorsAs(err error, target *InvalidFrameTypeError) bool {
	if e, ok := err.(InvalidFrameTypeError); ok {
		*target = e
		return true
	}
	return false
}

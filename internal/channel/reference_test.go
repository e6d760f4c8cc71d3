package channel

import (
	"bytes"
	"testing"

	"github.com/kuuji/carrier/internal/identity"
	"github.com/kuuji/carrier/internal/noise"
	"github.com/kuuji/carrier/internal/wire"
)

func handshake(t *testing.T) (noise.Transport, noise.Transport) {
	t.Helper()
	initSecret, err := identity.GenerateSecret()
	if err != nil {
		t.Fatalf("GenerateSecret: %v", err)
	}
	respSecret, err := identity.GenerateSecret()
	if err != nil {
		t.Fatalf("GenerateSecret: %v", err)
	}

	requester, hello, err := noise.Initiate(nil, initSecret, 1)
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	responder, _, _, err := noise.Respond(nil, hello)
	if err != nil {
		t.Fatalf("Respond: %v", err)
	}
	respTransport, response, err := responder.SendResponse(0xA11CE, respSecret)
	if err != nil {
		t.Fatalf("SendResponse: %v", err)
	}
	if _, err := requester.RecvResponse(response); err != nil {
		t.Fatalf("RecvResponse: %v", err)
	}
	reqTransport, err := requester.IntoTransport()
	if err != nil {
		t.Fatalf("IntoTransport: %v", err)
	}
	return reqTransport, respTransport
}

func TestReferenceEngineHeaderThenStreamThenClose(t *testing.T) {
	initTransport, respTransport := handshake(t)

	initEngine := NewReference(initTransport, wire.Initiator2Responder, "initiator")
	respEngine := NewReference(respTransport, wire.Initiator2Responder, "responder")

	streamID := initEngine.Open([]byte("/carrier.broker.v1/broker/connect"), true)

	progress := initEngine.Progress()
	if progress.Kind != SendPacket {
		t.Fatalf("expected SendPacket after Open, got %v", progress.Kind)
	}
	packet, err := wire.Decode(progress.Bytes)
	if err != nil {
		t.Fatalf("decoding outer packet: %v", err)
	}

	if err := respEngine.Recv(packet); err != nil {
		t.Fatalf("Recv: %v", err)
	}

	hdr := respEngine.Progress()
	if hdr.Kind != ReceiveHeader || hdr.Stream != streamID {
		t.Fatalf("expected ReceiveHeader for stream %d, got %+v", streamID, hdr)
	}
	if !bytes.Equal(hdr.Bytes, []byte("/carrier.broker.v1/broker/connect")) {
		t.Fatalf("header payload = %q", hdr.Bytes)
	}

	initEngine.Stream(streamID, []byte("payload one"))
	sendProgress := initEngine.Progress()
	if sendProgress.Kind != SendPacket {
		t.Fatalf("expected SendPacket after Stream, got %v", sendProgress.Kind)
	}
	p2, err := wire.Decode(sendProgress.Bytes)
	if err != nil {
		t.Fatalf("decoding outer packet: %v", err)
	}
	if err := respEngine.Recv(p2); err != nil {
		t.Fatalf("Recv: %v", err)
	}
	streamProgress := respEngine.Progress()
	if streamProgress.Kind != ReceiveStream || streamProgress.Stream != streamID {
		t.Fatalf("expected ReceiveStream, got %+v", streamProgress)
	}
	if !bytes.Equal(streamProgress.Bytes, []byte("payload one")) {
		t.Fatalf("stream payload = %q", streamProgress.Bytes)
	}

	initEngine.CloseStream(streamID)
	closeSend := initEngine.Progress()
	if closeSend.Kind != SendPacket {
		t.Fatalf("expected SendPacket after CloseStream, got %v", closeSend.Kind)
	}
	p3, err := wire.Decode(closeSend.Bytes)
	if err != nil {
		t.Fatalf("decoding outer packet: %v", err)
	}
	if err := respEngine.Recv(p3); err != nil {
		t.Fatalf("Recv: %v", err)
	}
	closeProgress := respEngine.Progress()
	if closeProgress.Kind != Close || closeProgress.Stream != streamID {
		t.Fatalf("expected Close, got %+v", closeProgress)
	}

	if final := respEngine.Progress(); final.Kind != Later {
		t.Fatalf("expected Later once drained, got %v", final.Kind)
	}
}

func TestReferenceEngineAntiReplay(t *testing.T) {
	initTransport, respTransport := handshake(t)
	initEngine := NewReference(initTransport, wire.Initiator2Responder, "initiator")
	respEngine := NewReference(respTransport, wire.Initiator2Responder, "responder")

	initEngine.Open([]byte("hello"), true)
	progress := initEngine.Progress()
	packet, err := wire.Decode(progress.Bytes)
	if err != nil {
		t.Fatalf("decoding outer packet: %v", err)
	}

	if err := respEngine.Recv(packet); err != nil {
		t.Fatalf("first Recv: %v", err)
	}
	if err := respEngine.Recv(packet); err != ErrAntiReplay {
		t.Fatalf("second Recv = %v, want ErrAntiReplay", err)
	}
}

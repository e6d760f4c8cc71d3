package endpoint

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/kuuji/carrier/internal/headers"
	"github.com/kuuji/carrier/internal/identity"
	"github.com/kuuji/carrier/internal/noise"
	"github.com/kuuji/carrier/internal/path"
	"github.com/kuuji/carrier/internal/stream"
	"github.com/kuuji/carrier/internal/wire"
)

// echoHandler replies on its stream with whatever it receives, once.
type echoHandler struct {
	s    *stream.Stream
	done bool
}

func (h *echoHandler) Poll() HandlerResult {
	if h.done {
		return HandlerResult{Done: true}
	}
	if payload, ok := h.s.TryRecv(); ok {
		h.s.Send(payload)
		h.done = true
		return HandlerResult{Done: true}
	}
	return HandlerResult{Wait: time.Millisecond}
}

// pairedEndpoints builds two Endpoints with their channel already
// established over real loopback UDP sockets, as if the external Noise
// handshake between them had already completed (exactly the precondition
// New documents). This exercises the whole receive/drain/dispatch loop
// over an actual socket instead of an in-process fake.
func pairedEndpoints(t *testing.T) (a, b *Endpoint, closeFn func()) {
	t.Helper()

	secretA, err := identity.GenerateSecret()
	if err != nil {
		t.Fatalf("GenerateSecret a: %v", err)
	}
	secretB, err := identity.GenerateSecret()
	if err != nil {
		t.Fatalf("GenerateSecret b: %v", err)
	}

	connA, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen a: %v", err)
	}
	connB, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen b: %v", err)
	}

	req, hello, err := noise.Initiate(nil, secretA, time.Now().Unix())
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	responder, peerIdentityB, _, err := noise.Respond(nil, hello)
	if err != nil {
		t.Fatalf("Respond: %v", err)
	}
	if peerIdentityB != secretA.Identity() {
		t.Fatal("responder recovered the wrong initiator identity")
	}

	route, err := randomRoute()
	if err != nil {
		t.Fatalf("randomRoute: %v", err)
	}
	transportB, respPacket, err := responder.SendResponse(route, secretB)
	if err != nil {
		t.Fatalf("SendResponse: %v", err)
	}
	peerIdentityA, err := req.RecvResponse(respPacket)
	if err != nil {
		t.Fatalf("RecvResponse: %v", err)
	}
	if peerIdentityA != secretB.Identity() {
		t.Fatal("initiator recovered the wrong responder identity")
	}
	transportA, err := req.IntoTransport()
	if err != nil {
		t.Fatalf("IntoTransport: %v", err)
	}

	a = New(connA, transportA, wire.Initiator2Responder, secretB.Identity(), connB.LocalAddr().(*net.UDPAddr), secretA, nil)
	b = New(connB, transportB, wire.Responder2Initiator, secretA.Identity(), connA.LocalAddr().(*net.UDPAddr), secretB, nil)

	return a, b, func() {
		connA.Close()
		connB.Close()
	}
}

// pairedAppChannel establishes a second channel between a and b, exactly as
// addChannel would after a real connect exchange completed, so tests of
// generic stream/Factory dispatch don't have to route application traffic
// through the reserved broker channel (which now intercepts every path of
// its own, spec §4.5's "unknown paths on the broker channel receive 404").
// addrA/addrB are each side's real socket address, already known to this
// test harness, so discovery settles immediately exactly as New does for
// the initial broker channel.
func pairedAppChannel(t *testing.T, a, b *Endpoint, addrA, addrB *net.UDPAddr) wire.RoutingKey {
	t.Helper()

	secretA, err := identity.GenerateSecret()
	if err != nil {
		t.Fatalf("GenerateSecret a: %v", err)
	}
	secretB, err := identity.GenerateSecret()
	if err != nil {
		t.Fatalf("GenerateSecret b: %v", err)
	}

	req, hello, err := noise.Initiate(nil, secretA, time.Now().Unix())
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	responder, _, _, err := noise.Respond(nil, hello)
	if err != nil {
		t.Fatalf("Respond: %v", err)
	}
	route, err := randomRoute()
	if err != nil {
		t.Fatalf("randomRoute: %v", err)
	}
	transportB, respPacket, err := responder.SendResponse(route, secretB)
	if err != nil {
		t.Fatalf("SendResponse: %v", err)
	}
	if _, err := req.RecvResponse(respPacket); err != nil {
		t.Fatalf("RecvResponse: %v", err)
	}
	transportA, err := req.IntoTransport()
	if err != nil {
		t.Fatalf("IntoTransport: %v", err)
	}

	chA := a.addChannel(secretB.Identity(), transportA, wire.Initiator2Responder, nil, true)
	chB := b.addChannel(secretA.Identity(), transportB, wire.Responder2Initiator, nil, false)

	chA.addrs = path.NewDiscovering(nil, addrB)
	chB.addrs = path.NewDiscovering(nil, addrA)
	for i := 0; i < path.SettleThreshold; i++ {
		chA.addrs.Observe(addrB)
		chB.addrs.Observe(addrA)
	}

	return transportA.Route()
}

// pumpUntil polls both endpoints in lockstep until cond reports true or the
// deadline passes.
func pumpUntil(t *testing.T, a, b *Endpoint, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := a.Poll(); err != nil {
			t.Fatalf("a.Poll: %v", err)
		}
		if _, err := b.Poll(); err != nil {
			t.Fatalf("b.Poll: %v", err)
		}
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition never became true within deadline")
}

func TestLoopbackStreamEcho(t *testing.T) {
	a, b, closeFn := pairedEndpoints(t)
	defer closeFn()
	route := pairedAppChannel(t, a, b, a.conn.LocalAddr().(*net.UDPAddr), b.conn.LocalAddr().(*net.UDPAddr))

	var gotHandler *echoHandler
	if err := b.AcceptIncoming(route, FactoryFunc(func(h *headers.Headers, s *stream.Stream) Handler {
		p, _ := h.Path()
		if p != "/echo" {
			return nil
		}
		gotHandler = &echoHandler{s: s}
		return gotHandler
	})); err != nil {
		t.Fatalf("AcceptIncoming: %v", err)
	}

	var received []byte

	s, err := a.Open(route, headers.WithPath("/echo"), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	s.Send([]byte("hello carrier"))

	pumpUntil(t, a, b, func() bool {
		if payload, ok := s.TryRecv(); ok {
			received = payload
			return true
		}
		return false
	})

	if string(received) != "hello carrier" {
		t.Fatalf("received = %q, want %q", received, "hello carrier")
	}
	if gotHandler == nil || !gotHandler.done {
		t.Fatal("echo handler on b never ran to completion")
	}
}

func TestLoopbackStreamBlockingRecv(t *testing.T) {
	a, b, closeFn := pairedEndpoints(t)
	defer closeFn()
	route := pairedAppChannel(t, a, b, a.conn.LocalAddr().(*net.UDPAddr), b.conn.LocalAddr().(*net.UDPAddr))

	if err := b.AcceptIncoming(route, FactoryFunc(func(h *headers.Headers, s *stream.Stream) Handler {
		return &echoHandler{s: s}
	})); err != nil {
		t.Fatalf("AcceptIncoming: %v", err)
	}

	s, err := a.Open(route, headers.WithPath("/echo"), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	s.Send([]byte("ping"))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	recvDone := make(chan []byte, 1)
	go func() {
		b, err := s.Recv(ctx)
		if err != nil {
			return
		}
		recvDone <- b
	}()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := a.Poll(); err != nil {
			t.Fatalf("a.Poll: %v", err)
		}
		if _, err := b.Poll(); err != nil {
			t.Fatalf("b.Poll: %v", err)
		}
		select {
		case got := <-recvDone:
			if string(got) != "ping" {
				t.Fatalf("received = %q, want %q", got, "ping")
			}
			return
		default:
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("blocking Recv never observed the echoed reply")
}

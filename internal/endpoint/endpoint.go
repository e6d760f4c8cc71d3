// Package endpoint implements carrier's multiplexer: the UDP socket owner
// that dispatches encrypted datagrams among peer channels, tracks
// broker-mediated connect state, and drives every channel and its stream
// handlers to a fixed point on each Poll (spec §4.5).
package endpoint

import (
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/kuuji/carrier/internal/broker"
	"github.com/kuuji/carrier/internal/channel"
	"github.com/kuuji/carrier/internal/headers"
	"github.com/kuuji/carrier/internal/identity"
	"github.com/kuuji/carrier/internal/noise"
	"github.com/kuuji/carrier/internal/path"
	"github.com/kuuji/carrier/internal/stream"
	"github.com/kuuji/carrier/internal/wire"
)

// maxPacketSize bounds a single recv_from buffer.
const maxPacketSize = 2048

// maxLater is the cap the endpoint's returned timer is clamped to.
const maxLater = 600 * time.Second

// HandlerResult is what a stream Handler's Poll reports: either the
// handler has finished (Done) or it wants to be polled again no later than
// Wait from now (spec §9's "state-machine object... returns either Done or
// WaitingUntil(timer)").
type HandlerResult struct {
	Done bool
	Wait time.Duration
}

// Handler is a stream's application-level driver, polled to a fixed point
// alongside its channel on every Endpoint.Poll call.
type Handler interface {
	Poll() HandlerResult
}

// Factory manufactures a Handler for a stream a peer opened, given the
// decoded request Headers and the stream facade (spec §9's "dynamic
// dispatch for stream factories"). Returning nil rejects the stream,
// causing it to be closed immediately.
type Factory interface {
	New(h *headers.Headers, s *stream.Stream) Handler
}

// FactoryFunc adapts a plain function to Factory.
type FactoryFunc func(h *headers.Headers, s *stream.Stream) Handler

func (f FactoryFunc) New(h *headers.Headers, s *stream.Stream) Handler { return f(h, s) }

type registeredStream struct {
	stream  *stream.Stream
	handler Handler
	// controlPath is set for streams opened against a reserved broker
	// control path so Poll can dispatch their payloads to the connect
	// protocol instead of the generic stream facade.
	controlPath string
}

// channelState is one connected peer, owned by the Endpoint and keyed by
// RoutingKey (spec §3 "Channel").
type channelState struct {
	identity identity.Identity
	engine   channel.Engine
	addrs    *path.Mode
	streams  map[uint32]*registeredStream
	factory  Factory
}

// outgoingStage is the two-state machine spec §4.4 describes for a pending
// outgoing connect.
type outgoingStage int

const (
	stageWaitingForHeaders outgoingStage = iota
	stageWaitingForResponse
)

type outgoingConnect struct {
	stage    outgoingStage
	identity identity.Identity
	noise    noise.HandshakeRequester
}

// incomingConnect is a validated but not-yet-decided incoming connect
// relayed by the broker (spec §4.4 "Incoming connect"): the handshake
// response is held, not sent, until the application calls
// AcceptIncomingConnect or RejectIncomingConnect.
type incomingConnect struct {
	stream    *stream.Stream
	responder noise.HandshakeResponder
	identity  identity.Identity
	paths     []broker.PathCandidate
}

// IncomingConnectRequest is a peer connect relayed by the broker, validated
// and awaiting an application decision. Call Endpoint.AcceptIncomingConnect
// to complete the handshake and establish the channel, or
// Endpoint.RejectIncomingConnect to answer negatively; until one of those is
// called the request occupies a slot in the endpoint's incoming-pending set.
type IncomingConnectRequest struct {
	StreamID uint32
	Identity identity.Identity
}

// Endpoint multiplexes encrypted datagrams for multiple peer channels over
// one UDP socket (spec §2 "Endpoint loop").
type Endpoint struct {
	log  *slog.Logger
	conn *net.UDPConn

	brokerRoute wire.RoutingKey
	secret      identity.Secret
	channels    map[wire.RoutingKey]*channelState

	incomingPending map[uint32]*incomingConnect
	outgoingPending map[uint32]*outgoingConnect

	publishSecret *identity.AddressSecret

	// reflexive is this socket's server-reflexive address as discovered by
	// a STUN binding request during Builder.Dial, if one succeeded. Added
	// as an Internet-category path candidate alongside Local ones.
	reflexive *net.UDPAddr

	// onChannel, if set, is called whenever addChannel establishes a new
	// channel (either side of a connect exchange), letting the caller
	// register a Factory for it via AcceptIncoming. Without this hook the
	// caller has no way to learn a new channel's RoutingKey, since
	// AcceptOutgoing/AcceptIncomingConnect run internally from Poll.
	onChannel func(route wire.RoutingKey, peer identity.Identity, outgoing bool)

	// onIncomingConnect, if set, is called with each validated incoming
	// connect relayed by the broker, before any response is sent, so the
	// application can decide whether to accept it (spec §4.4 "Incoming
	// connect"). If unset, incoming connects are rejected.
	onIncomingConnect func(req IncomingConnectRequest)

	// onOutgoingConnectFailed, if set, is called when an outstanding
	// outgoing connect's broker stream closes before the second frame
	// arrives (spec §4.5 Close handling / §8 "Connect state machine").
	onOutgoingConnectFailed func(target identity.Identity, err error)
}

// OnChannel registers fn to be called whenever a new channel is
// established, whether this endpoint initiated the connect (outgoing) or
// accepted one relayed by the broker (incoming).
func (e *Endpoint) OnChannel(fn func(route wire.RoutingKey, peer identity.Identity, outgoing bool)) {
	e.onChannel = fn
}

// OnIncomingConnect registers fn to be called with each validated incoming
// connect relayed by the broker, before any response is sent back. fn must
// eventually call AcceptIncomingConnect or RejectIncomingConnect on the
// request's StreamID.
func (e *Endpoint) OnIncomingConnect(fn func(req IncomingConnectRequest)) {
	e.onIncomingConnect = fn
}

// OnOutgoingConnectFailed registers fn to be called when an outstanding
// outgoing connect fails because the broker closed its stream before
// relaying a response.
func (e *Endpoint) OnOutgoingConnectFailed(fn func(target identity.Identity, err error)) {
	e.onOutgoingConnectFailed = fn
}

// SetReflexiveAddr records addr as this endpoint's server-reflexive
// address, to be offered as an Internet-category path candidate on
// subsequent connect exchanges.
func (e *Endpoint) SetReflexiveAddr(addr *net.UDPAddr) {
	e.reflexive = addr
}

// New constructs an Endpoint whose broker channel is already established
// at addr (the external handshake has already completed by the time an
// Endpoint exists, per spec §4.4: "established by the external handshake
// during endpoint construction").
func New(conn *net.UDPConn, transport noise.Transport, localDirection wire.Direction, brokerIdentity identity.Identity, addr *net.UDPAddr, secret identity.Secret, log *slog.Logger) *Endpoint {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "endpoint")

	route := transport.Route()
	debugID := fmt.Sprintf("%s::%d", brokerIdentity, route)

	channels := map[wire.RoutingKey]*channelState{
		route: {
			identity: brokerIdentity,
			engine:   channel.NewReference(transport, localDirection, debugID),
			addrs:    path.NewDiscovering(nil, addr),
			streams:  make(map[uint32]*registeredStream),
		},
	}
	// The broker channel's address is already known, not discovered: seed
	// and immediately settle it.
	channels[route].addrs.Observe(addr)
	for i := 1; i < path.SettleThreshold; i++ {
		channels[route].addrs.Observe(addr)
	}

	return &Endpoint{
		log:             log,
		conn:            conn,
		brokerRoute:     route,
		secret:          secret,
		channels:        channels,
		incomingPending: make(map[uint32]*incomingConnect),
		outgoingPending: make(map[uint32]*outgoingConnect),
	}
}

// Broker returns the RoutingKey of the broker channel.
func (e *Endpoint) Broker() wire.RoutingKey { return e.brokerRoute }

// Identity returns this endpoint's own long-term public identity.
func (e *Endpoint) Identity() identity.Identity { return e.secret.Identity() }

// Open opens a new locally initiated stream on route's channel, registers
// handler to drive it, and returns the application-facing Stream facade.
func (e *Endpoint) Open(route wire.RoutingKey, h *headers.Headers, handler Handler) (*stream.Stream, error) {
	ch, ok := e.channels[route]
	if !ok {
		return nil, ErrUnknownRoute
	}
	encoded, err := h.Encode()
	if err != nil {
		return nil, fmt.Errorf("endpoint: encoding headers: %w", err)
	}
	id := ch.engine.Open(encoded, true)
	s := stream.New(route, id, ch.engine)
	ch.streams[id] = &registeredStream{stream: s, handler: handler}
	return s, nil
}

// localAddrs enumerates this socket's local addresses, matching
// local_addrs::get(port) in the original: used to attach Local-category
// path candidates to an outgoing connect or incoming-connect response.
func (e *Endpoint) localAddrs() []string {
	port := e.conn.LocalAddr().(*net.UDPAddr).Port

	var out []string
	ifaces, err := net.InterfaceAddrs()
	if err != nil {
		return out
	}
	for _, a := range ifaces {
		ipNet, ok := a.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() || ipNet.IP.To4() == nil && ipNet.IP.To16() == nil {
			continue
		}
		out = append(out, (&net.UDPAddr{IP: ipNet.IP, Port: port}).String())
	}
	return out
}

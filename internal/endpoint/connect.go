package endpoint

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"

	"github.com/kuuji/carrier/internal/broker"
	"github.com/kuuji/carrier/internal/channel"
	"github.com/kuuji/carrier/internal/headers"
	"github.com/kuuji/carrier/internal/identity"
	"github.com/kuuji/carrier/internal/noise"
	"github.com/kuuji/carrier/internal/path"
	"github.com/kuuji/carrier/internal/stream"
	"github.com/kuuji/carrier/internal/wire"
)

// brokerCandidates turns this socket's local addresses, plus ch's currently
// known address candidates, into the wire shape carried alongside a connect
// exchange.
func (e *Endpoint) brokerCandidates(ch *channelState) []broker.PathCandidate {
	var out []broker.PathCandidate
	for _, addr := range e.localAddrs() {
		out = append(out, broker.PathCandidate{Addr: addr, Category: path.Local})
	}
	if ch != nil {
		for _, c := range ch.addrs.Candidates() {
			out = append(out, broker.PathCandidate{Addr: c.String(), Category: path.Internet})
		}
	}
	if e.reflexive != nil {
		out = append(out, broker.PathCandidate{Addr: e.reflexive.String(), Category: path.Internet})
	}
	return out
}

// randomRoute draws a fresh RoutingKey for a newly established channel. The
// direction bit (spec §3) is cleared here; wire.Decode/Encode apply it per
// packet from the transport's own Direction, not from the stored route.
func randomRoute() (wire.RoutingKey, error) {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, fmt.Errorf("endpoint: generating route: %w", err)
	}
	b[7] &^= 1
	return wire.RoutingKey(binary.BigEndian.Uint64(b[:])), nil
}

// addChannel registers a newly established channel under transport's route,
// seeding its address discovery from the candidates the peer relayed.
// outgoing distinguishes which side of the connect exchange this endpoint
// played, passed through to the OnChannel hook.
func (e *Endpoint) addChannel(peerIdentity identity.Identity, transport noise.Transport, localDirection wire.Direction, candidates []broker.PathCandidate, outgoing bool) *channelState {
	seeds := make(map[string]path.Category, len(candidates))
	for _, c := range candidates {
		seeds[c.Addr] = c.Category
	}
	debugID := fmt.Sprintf("%s::%d", peerIdentity, transport.Route())
	ch := &channelState{
		identity: peerIdentity,
		engine:   channel.NewReference(transport, localDirection, debugID),
		addrs:    path.NewDiscovering(seeds, nil),
		streams:  make(map[uint32]*registeredStream),
	}
	route := transport.Route()
	e.channels[route] = ch
	if e.onChannel != nil {
		e.onChannel(route, peerIdentity, outgoing)
	}
	return ch
}

// Publish advertises xaddr under shadow on the broker's publish stream
// (spec §4.4).
func (e *Endpoint) Publish(shadow string, xaddr identity.SignedAddress) error {
	s, err := e.Open(e.brokerRoute, headers.WithPath(broker.PathPublish), nil)
	if err != nil {
		return err
	}
	msg, err := broker.Marshal(broker.PublishRequest{XAddr: xaddr, Shadow: shadow})
	if err != nil {
		return err
	}
	s.Send(msg)
	return nil
}

// Connect begins an outgoing connect to target: it runs the first step of
// an external handshake, opens a stream on the broker channel's reserved
// connect path, and relays the hello packet plus our known path candidates
// for the broker to forward (spec §4.4 step 1, "WaitingForHeaders"). The
// returned stream is the broker connect stream. Poll consumes the broker's
// replies on it itself, calling AcceptOutgoing when the ConnectResponse
// arrives; the new channel is reported through OnChannel, and a stream
// closed before a response through OnOutgoingConnectFailed.
func (e *Endpoint) Connect(target identity.Identity, timestamp int64) (*stream.Stream, error) {
	ch, ok := e.channels[e.brokerRoute]
	if !ok {
		return nil, ErrUnknownRoute
	}

	req, hello, err := noise.Initiate(nil, e.secret, timestamp)
	if err != nil {
		return nil, fmt.Errorf("endpoint: initiating handshake: %w", err)
	}

	s, err := e.Open(e.brokerRoute, headers.WithPath(broker.PathConnect), nil)
	if err != nil {
		return nil, err
	}

	msg, err := broker.Marshal(broker.ConnectRequest{
		Identity:  target,
		Timestamp: timestamp,
		Handshake: hello,
		Paths:     e.brokerCandidates(ch),
	})
	if err != nil {
		return nil, err
	}
	s.Send(msg)

	e.outgoingPending[s.ID()] = &outgoingConnect{
		stage:    stageWaitingForHeaders,
		identity: target,
		noise:    req,
	}
	return s, nil
}

// advanceOutgoing drives a pending outgoing connect's two-stage state
// machine (spec §4.4 steps 3-4, §8 "Connect state machine"): the first
// inbound frame on the connect stream is the broker's own Headers::ok()
// acknowledgement of the stream it just opened and only flips the stage;
// the second frame is the actual ConnectResponse, decoded and completed by
// AcceptOutgoing. done reports whether this call produced a terminal
// outcome (route/err both meaningful only when done is true).
func (e *Endpoint) advanceOutgoing(streamID uint32, payload []byte) (route wire.RoutingKey, done bool, err error) {
	pending, ok := e.outgoingPending[streamID]
	if !ok {
		return 0, true, fmt.Errorf("endpoint: no pending outgoing connect for stream %d", streamID)
	}

	if pending.stage == stageWaitingForHeaders {
		if _, err := headers.Decode(payload); err != nil {
			return 0, false, fmt.Errorf("endpoint: decoding connect stream headers: %w", err)
		}
		pending.stage = stageWaitingForResponse
		return 0, false, nil
	}

	route, err = e.AcceptOutgoing(streamID, payload)
	return route, true, err
}

// AcceptOutgoing consumes the broker's reply to a pending outgoing connect
// on streamID, completing the handshake into a new established channel
// (spec §4.4 step 2). It returns the new channel's RoutingKey.
func (e *Endpoint) AcceptOutgoing(streamID uint32, payload []byte) (wire.RoutingKey, error) {
	pending, ok := e.outgoingPending[streamID]
	if !ok {
		return 0, fmt.Errorf("endpoint: no pending outgoing connect for stream %d", streamID)
	}

	m, err := broker.Unmarshal(payload)
	if err != nil {
		return 0, err
	}
	resp, ok := m.(*broker.ConnectResponse)
	if !ok {
		return 0, fmt.Errorf("endpoint: expected connect_response, got %T", m)
	}
	delete(e.outgoingPending, streamID)
	if !resp.OK {
		return 0, &OutgoingConnectFailedError{Identity: pending.identity.String(), Reason: "rejected by peer or broker"}
	}

	peerIdentity, err := pending.noise.RecvResponse(resp.Handshake)
	if err != nil {
		return 0, err
	}
	if peerIdentity != pending.identity {
		return 0, fmt.Errorf("%w: connect response identity does not match requested target", ErrSecurityViolation)
	}
	transport, err := pending.noise.IntoTransport()
	if err != nil {
		return 0, err
	}
	// Internal bug, not a remote-triggerable condition: the route a
	// completed transport derives from the handshake transcript must
	// agree with the route the broker relayed alongside it.
	if got := transport.Route(); got != wire.RoutingKey(resp.Route) {
		panic(fmt.Sprintf("endpoint: completed transport route %d disagrees with connect response route %d", got, resp.Route))
	}

	e.addChannel(peerIdentity, transport, wire.Initiator2Responder, resp.Paths, true)
	return transport.Route(), nil
}

// peerConnectRequest validates an incoming connect relayed by the broker on
// /carrier.broker.v1/peer/connect and stashes its in-progress handshake
// responder, without yet answering it or establishing a channel: spec §4.4
// treats accept/reject as the application's decision, surfaced through
// OnIncomingConnect rather than committed to inline here.
func (e *Endpoint) peerConnectRequest(streamID uint32, controlStream *stream.Stream, payload []byte) (identity.Identity, error) {
	m, err := broker.Unmarshal(payload)
	if err != nil {
		return identity.Identity{}, err
	}
	req, ok := m.(*broker.PeerConnectRequest)
	if !ok {
		return identity.Identity{}, fmt.Errorf("endpoint: expected peer_connect_request, got %T", m)
	}

	responder, peerIdentity, timestamp, err := noise.Respond(nil, req.Handshake)
	if err != nil {
		return identity.Identity{}, err
	}
	if peerIdentity != req.Identity {
		return identity.Identity{}, fmt.Errorf("%w: peer connect identity does not match claimed handshake identity", ErrSecurityViolation)
	}
	if timestamp != req.Timestamp {
		return identity.Identity{}, fmt.Errorf("%w: peer connect timestamp does not match handshake timestamp", ErrSecurityViolation)
	}

	e.incomingPending[streamID] = &incomingConnect{
		stream:    controlStream,
		responder: responder,
		identity:  peerIdentity,
		paths:     req.Paths,
	}
	return peerIdentity, nil
}

// Reject answers an incoming connect negatively, without establishing a
// channel.
func (e *Endpoint) Reject() ([]byte, error) {
	return broker.Marshal(broker.PeerConnectResponse{OK: false})
}

// AcceptIncomingConnect completes the handshake for the pending incoming
// connect on streamID, establishes the channel with factory as its stream
// source, and answers the broker positively (spec §4.4 "Incoming connect").
// It returns the new channel's RoutingKey.
func (e *Endpoint) AcceptIncomingConnect(streamID uint32, factory Factory) (wire.RoutingKey, error) {
	pending, ok := e.incomingPending[streamID]
	if !ok {
		return 0, fmt.Errorf("endpoint: no pending incoming connect for stream %d", streamID)
	}
	delete(e.incomingPending, streamID)

	route, err := randomRoute()
	if err != nil {
		return 0, err
	}
	transport, respPacket, err := pending.responder.SendResponse(route, e.secret)
	if err != nil {
		return 0, err
	}

	ch := e.addChannel(pending.identity, transport, wire.Responder2Initiator, pending.paths, false)
	ch.factory = factory

	resp, err := broker.Marshal(broker.PeerConnectResponse{
		OK:        true,
		Handshake: respPacket,
		Paths:     e.brokerCandidates(ch),
	})
	if err != nil {
		return 0, err
	}
	pending.stream.Send(resp)
	return transport.Route(), nil
}

// RejectIncomingConnect answers the pending incoming connect on streamID
// negatively, without establishing a channel.
func (e *Endpoint) RejectIncomingConnect(streamID uint32) error {
	pending, ok := e.incomingPending[streamID]
	if !ok {
		return fmt.Errorf("endpoint: no pending incoming connect for stream %d", streamID)
	}
	delete(e.incomingPending, streamID)

	resp, err := e.Reject()
	if err != nil {
		return err
	}
	pending.stream.Send(resp)
	return nil
}

// AcceptIncoming registers factory as the handler source for every stream a
// peer subsequently opens on route, an already established channel (for
// example one added by AcceptIncomingConnect or AcceptOutgoing).
func (e *Endpoint) AcceptIncoming(route wire.RoutingKey, factory Factory) error {
	ch, ok := e.channels[route]
	if !ok {
		return ErrUnknownRoute
	}
	ch.factory = factory
	return nil
}

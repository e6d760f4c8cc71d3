package endpoint

import (
	"errors"
	"log/slog"
	"net"
	"time"

	"github.com/kuuji/carrier/internal/broker"
	"github.com/kuuji/carrier/internal/channel"
	"github.com/kuuji/carrier/internal/headers"
	"github.com/kuuji/carrier/internal/stream"
	"github.com/kuuji/carrier/internal/wire"
)

// Poll drives the endpoint through one iteration of the loop described in
// spec §4.5: receive at most one datagram without blocking, update the
// owning channel's address state, feed the datagram to its engine, drive
// every channel and its stream handlers to a fixed point, then return how
// long the caller may wait before calling Poll again.
func (e *Endpoint) Poll() (time.Duration, error) {
	if err := e.recvOne(); err != nil {
		return 0, err
	}

	wait := maxLater
	for {
		progressed := false

		for route, ch := range e.channels {
			w, did := e.drainChannel(route, ch)
			if did {
				progressed = true
			}
			if w < wait {
				wait = w
			}
		}

		for _, ch := range e.channels {
			for id, rs := range ch.streams {
				if rs.handler == nil {
					continue
				}
				result := rs.handler.Poll()
				if result.Done {
					rs.stream.Close()
					delete(ch.streams, id)
					progressed = true
					continue
				}
				if result.Wait > 0 && result.Wait < wait {
					wait = result.Wait
				}
			}
		}

		if !progressed {
			return wait, nil
		}
	}
}

// recvOne reads at most one datagram from the socket without blocking
// (spec §4.5 step 1: implemented idiomatically via a read deadline of
// time.Now() rather than a literal non-blocking socket flag), routes it to
// its owning channel by the outer packet's route field, updates that
// channel's address discovery state, and feeds it to the channel engine.
func (e *Endpoint) recvOne() error {
	buf := make([]byte, maxPacketSize)
	if err := e.conn.SetReadDeadline(time.Now()); err != nil {
		return err
	}
	n, src, err := e.conn.ReadFromUDP(buf)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil
		}
		return err
	}

	packet, err := wire.Decode(buf[:n])
	if err != nil {
		e.log.Warn("dropping malformed packet", "from", src, "err", err)
		return nil
	}

	ch, ok := e.channels[packet.Route]
	if !ok {
		e.log.Warn("dropping packet for unknown route", "from", src, "route", packet.Route)
		return nil
	}

	if !ch.addrs.Observe(src) {
		ch.addrs.Migrate(src)
	}

	if err := ch.engine.Recv(packet); err != nil {
		if errors.Is(err, channel.ErrAntiReplay) {
			e.log.Debug("dropping replayed packet", "route", packet.Route, "counter", packet.Counter)
			return nil
		}
		e.log.Warn("dropping packet the channel engine rejected", "route", packet.Route, "err", err)
	}
	return nil
}

// drainChannel repeatedly calls ch.engine.Progress until it reports Later,
// dispatching each unit of work, and returns the Later duration it
// ultimately reported plus whether any work was actually dispatched (spec
// §4.5 step 6: Poll repeats its drain/handler cycle until no channel
// progresses).
func (e *Endpoint) drainChannel(route wire.RoutingKey, ch *channelState) (time.Duration, bool) {
	did := false
	for {
		p := ch.engine.Progress()
		switch p.Kind {
		case channel.Later:
			return p.Duration, did
		case channel.SendPacket:
			e.sendTo(ch, p.Bytes)
			did = true
		case channel.ReceiveHeader:
			e.dispatchHeader(route, ch, p.Stream, p.Bytes)
			did = true
		case channel.ReceiveStream:
			e.dispatchStream(route, ch, p.Stream, p.Bytes)
			did = true
		case channel.Close:
			e.handleClose(route, ch, p.Stream)
			did = true
		case channel.Disconnect:
			delete(e.channels, route)
			return maxLater, true
		}
	}
}

// handleClose reacts to a stream closing on ch. When it is the broker
// channel and the stream was an outstanding outgoing or incoming connect,
// the close means the broker gave up before relaying a response (spec §4.5
// Close handling, §8 "a Close frame before the second data frame produces
// Event::OutgoingConnect with cr = None, requester = None"): the pending
// entry must not leak, and the failure must be surfaced rather than
// silently swallowed.
func (e *Endpoint) handleClose(route wire.RoutingKey, ch *channelState, id uint32) {
	if route == e.brokerRoute {
		if pending, ok := e.outgoingPending[id]; ok {
			delete(e.outgoingPending, id)
			err := &OutgoingConnectFailedError{Identity: pending.identity.String(), Reason: "broker closed connect stream before a response arrived"}
			e.log.Warn("outgoing connect failed", "stream", id, "identity", pending.identity, "err", err)
			if e.onOutgoingConnectFailed != nil {
				e.onOutgoingConnectFailed(pending.identity, err)
			}
		}
		delete(e.incomingPending, id)
	}

	if rs, ok := ch.streams[id]; ok {
		rs.stream.Close()
	}
}

func (e *Endpoint) sendTo(ch *channelState, payload []byte) {
	addr := ch.addrs.Chosen()
	if addr == nil {
		// Still discovering: broadcast to every known candidate, matching
		// the original's behavior before a channel settles.
		for _, cand := range ch.addrs.Candidates() {
			if _, err := e.conn.WriteToUDP(payload, cand); err != nil {
				e.log.Warn("write failed during discovery broadcast", "to", cand, "err", err)
			}
		}
		return
	}
	if _, err := e.conn.WriteToUDP(payload, addr); err != nil {
		e.log.Warn("write failed", "to", addr, "err", err)
	}
}

// dispatchHeader handles a peer opening a new stream: it decodes the
// header block and either routes it into the reserved broker connect
// protocol (when this is the broker channel and the path is one of the
// reserved ones) or hands it to the channel's registered Factory.
func (e *Endpoint) dispatchHeader(route wire.RoutingKey, ch *channelState, id uint32, headerBytes []byte) {
	h, err := headers.Decode(headerBytes)
	if err != nil {
		e.log.Warn("dropping stream with malformed headers", "stream", id, "err", err)
		return
	}

	facade := stream.New(route, id, ch.engine)

	if route == e.brokerRoute {
		p, ok := h.Path()
		if ok && p == broker.PathPeerConnect {
			ch.streams[id] = &registeredStream{stream: facade, controlPath: p}
			e.replyHeaders(facade, headers.Ok())
			return
		}
		e.log.Warn("unknown path on broker channel", "stream", id, "path", p)
		e.replyHeaders(facade, headers.WithError(404, "not found"))
		facade.Close()
		return
	}

	if ch.factory == nil {
		facade.Close()
		return
	}
	handler := ch.factory.New(h, facade)
	if handler == nil {
		facade.Close()
		return
	}
	ch.streams[id] = &registeredStream{stream: facade, handler: handler}
}

// replyHeaders encodes h and sends it back on facade's stream id, the only
// way to answer a just-opened stream's header block: the channel engine has
// no notion of replying with a fresh HeaderFrame on an existing id, so an
// acknowledgement or error response travels as an ordinary stream frame
// (spec §4.4/§4.5's Headers::ok()/Headers::with_error(404) replies).
func (e *Endpoint) replyHeaders(facade *stream.Stream, h *headers.Headers) {
	encoded, err := h.Encode()
	if err != nil {
		e.log.Warn("encoding header reply", "stream", facade.ID(), "err", err)
		return
	}
	facade.Send(encoded)
}

// dispatchStream delivers a data frame to its stream's inbox, driving the
// reserved broker connect protocol inline when the stream is a broker
// control stream this endpoint is tracking. The pending-connect checks are
// scoped to the broker channel so a stream id on some other channel can
// never collide with one the broker protocol is tracking.
func (e *Endpoint) dispatchStream(route wire.RoutingKey, ch *channelState, id uint32, payload []byte) {
	rs, ok := ch.streams[id]
	if !ok {
		e.log.Warn("dropping frame for unregistered stream", "stream", id)
		return
	}

	if route == e.brokerRoute {
		if _, pending := e.outgoingPending[id]; pending {
			newRoute, done, err := e.advanceOutgoing(id, payload)
			if err != nil {
				e.log.Warn("outgoing connect failed", "stream", id, "err", err)
			} else if done {
				e.log.Info("outgoing connect established", "route", newRoute)
			}
			return
		}

		if rs.controlPath == broker.PathPeerConnect {
			peerIdentity, err := e.peerConnectRequest(id, rs.stream, payload)
			if err != nil {
				e.log.Warn("rejecting malformed peer connect", "stream", id, "err", err)
				if resp, rejErr := e.Reject(); rejErr == nil {
					rs.stream.Send(resp)
				}
				return
			}
			if e.onIncomingConnect == nil {
				e.log.Warn("no incoming connect handler registered, rejecting", "stream", id, "identity", peerIdentity)
				if err := e.RejectIncomingConnect(id); err != nil {
					e.log.Warn("rejecting incoming connect", "stream", id, "err", err)
				}
				return
			}
			e.onIncomingConnect(IncomingConnectRequest{StreamID: id, Identity: peerIdentity})
			return
		}
	}

	rs.stream.Deliver(payload)
}

package endpoint

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kuuji/carrier/internal/broker"
	"github.com/kuuji/carrier/internal/headers"
	"github.com/kuuji/carrier/internal/identity"
	"github.com/kuuji/carrier/internal/stream"
)

// ErrSuperseded is delivered to a Subscriber's poll loop (and logged) when
// the broker reports another subscriber has taken over the watched shadow
// (spec §4.4, broker subscribe change kind "supersede"); the subscription
// ends at that point. Lives in package endpoint rather than package broker
// because it wraps an *Endpoint-opened stream, and broker cannot import
// endpoint without a cycle.
var ErrSuperseded = errors.New("endpoint: subscription superseded by another subscriber")

// Subscriber watches a shadow's publish/unpublish activity relayed over the
// broker's reserved subscribe stream, grounded on subscriber.rs's
// SubscriberBuilder.
type Subscriber struct {
	OnPublish   func(identity.Identity)
	OnUnpublish func(identity.Identity)

	log    *slog.Logger
	stream *stream.Stream
	done   bool
	err    error
}

// Subscribe opens the broker's reserved subscribe stream for shadow and
// returns a Subscriber. The Subscriber is registered as that stream's
// Handler, so ep.Poll drives its Poll method.
func Subscribe(ep *Endpoint, shadow string, onPublish, onUnpublish func(identity.Identity)) (*Subscriber, error) {
	sub := &Subscriber{
		OnPublish:   onPublish,
		OnUnpublish: onUnpublish,
		log:         ep.log.With("shadow", shadow),
	}
	s, err := ep.Open(ep.Broker(), headers.WithPath(broker.PathSubscribe), sub)
	if err != nil {
		return nil, err
	}
	sub.stream = s

	msg, err := broker.Marshal(broker.SubscribeRequest{Shadow: shadow})
	if err != nil {
		return nil, err
	}
	s.Send(msg)
	return sub, nil
}

// Poll implements Handler: it drains any subscribe-change notifications
// that have arrived since the last call without blocking the endpoint
// loop, invoking the matching callback for each.
func (sub *Subscriber) Poll() HandlerResult {
	if sub.done {
		return HandlerResult{Done: true}
	}

	for {
		payload, ok := sub.stream.TryRecv()
		if !ok {
			return HandlerResult{Wait: 2 * time.Second}
		}

		m, err := broker.Unmarshal(payload)
		if err != nil {
			sub.log.Warn("discarding malformed subscribe change", "err", err)
			continue
		}
		change, ok := m.(*broker.SubscribeChange)
		if !ok {
			sub.log.Warn("discarding unexpected subscribe stream message", "type", fmt.Sprintf("%T", m))
			continue
		}

		switch change.Kind {
		case broker.ChangePublish:
			if sub.OnPublish != nil {
				sub.OnPublish(change.XAddr.Identity)
			}
		case broker.ChangeUnpublish:
			if sub.OnUnpublish != nil {
				sub.OnUnpublish(change.XAddr.Identity)
			}
		case broker.ChangeSupersede:
			sub.log.Warn("subscription superseded")
			sub.done = true
			sub.err = ErrSuperseded
			return HandlerResult{Done: true}
		}
	}
}

// Err returns the reason the subscription ended, if it has.
func (sub *Subscriber) Err() error { return sub.err }

// Package broker implements the typed control messages carried over the
// reserved broker stream paths of spec §4.4: publish, subscribe and connect
// requests/responses, encoded as JSON with a type discriminator envelope.
package broker

import (
	"encoding/json"
	"fmt"

	"github.com/kuuji/carrier/internal/identity"
	"github.com/kuuji/carrier/internal/path"
)

// Reserved broker stream paths (spec §4.4).
const (
	PathPublish     = "/carrier.broker.v1/broker/publish"
	PathSubscribe   = "/carrier.broker.v1/broker/subscribe"
	PathConnect     = "/carrier.broker.v1/broker/connect"
	PathPeerConnect = "/carrier.broker.v1/peer/connect"
)

// PathCandidate is one address candidate relayed alongside a connect
// exchange, paired with the category the relaying side observed it under.
type PathCandidate struct {
	Addr     string        `json:"addr"`
	Category path.Category `json:"category"`
}

// Message is any broker control message that can travel wrapped in an
// envelope carrying its type discriminator.
type Message interface {
	messageType() string
}

// PublishRequest advertises a signed address under a shadow.
type PublishRequest struct {
	XAddr  identity.SignedAddress `json:"xaddr"`
	Shadow string                 `json:"shadow"`
}

func (PublishRequest) messageType() string { return "publish_request" }

// SubscribeRequest asks the broker to relay publish/unpublish activity
// under shadows matching Filter.
type SubscribeRequest struct {
	Shadow string `json:"shadow"`
	Filter string `json:"filter"`
}

func (SubscribeRequest) messageType() string { return "subscribe_request" }

// ConnectRequest asks the broker to relay an outgoing connect attempt to
// Identity.
type ConnectRequest struct {
	Identity  identity.Identity `json:"identity"`
	Timestamp int64             `json:"timestamp"`
	Handshake []byte            `json:"handshake"`
	Paths     []PathCandidate   `json:"paths"`
}

func (ConnectRequest) messageType() string { return "connect_request" }

// ConnectResponse is the broker's relayed answer to a ConnectRequest.
type ConnectResponse struct {
	OK        bool            `json:"ok"`
	Route     uint64          `json:"route"`
	Handshake []byte          `json:"handshake"`
	Paths     []PathCandidate `json:"paths"`
}

func (ConnectResponse) messageType() string { return "connect_response" }

// PeerConnectRequest is what the broker relays to the target of someone
// else's ConnectRequest.
type PeerConnectRequest struct {
	Identity  identity.Identity `json:"identity"`
	Timestamp int64             `json:"timestamp"`
	Handshake []byte            `json:"handshake"`
	Paths     []PathCandidate   `json:"paths"`
}

func (PeerConnectRequest) messageType() string { return "peer_connect_request" }

// PeerConnectResponse is the target's answer to a PeerConnectRequest.
type PeerConnectResponse struct {
	OK        bool            `json:"ok"`
	Handshake []byte          `json:"handshake"`
	Paths     []PathCandidate `json:"paths"`
}

func (PeerConnectResponse) messageType() string { return "peer_connect_response" }

// SubscribeChangeKind discriminates the kinds of change a subscribe stream
// can deliver.
type SubscribeChangeKind string

const (
	ChangePublish   SubscribeChangeKind = "publish"
	ChangeUnpublish SubscribeChangeKind = "unpublish"
	// ChangeSupersede means another subscriber took over this shadow; it
	// ends the subscription (see endpoint.Subscriber / ErrSuperseded).
	ChangeSupersede SubscribeChangeKind = "supersede"
)

// SubscribeChange is one update delivered on a /broker/subscribe stream.
type SubscribeChange struct {
	Kind   SubscribeChangeKind    `json:"kind"`
	Shadow string                 `json:"shadow"`
	XAddr  identity.SignedAddress `json:"xaddr,omitempty"`
}

func (SubscribeChange) messageType() string { return "subscribe_change" }

type envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

var constructors = map[string]func() Message{
	"publish_request":       func() Message { return &PublishRequest{} },
	"subscribe_request":     func() Message { return &SubscribeRequest{} },
	"connect_request":       func() Message { return &ConnectRequest{} },
	"connect_response":      func() Message { return &ConnectResponse{} },
	"peer_connect_request":  func() Message { return &PeerConnectRequest{} },
	"peer_connect_response": func() Message { return &PeerConnectResponse{} },
	"subscribe_change":      func() Message { return &SubscribeChange{} },
}

func typeOf(m Message) string {
	switch m.(type) {
	case *PublishRequest, PublishRequest:
		return "publish_request"
	case *SubscribeRequest, SubscribeRequest:
		return "subscribe_request"
	case *ConnectRequest, ConnectRequest:
		return "connect_request"
	case *ConnectResponse, ConnectResponse:
		return "connect_response"
	case *PeerConnectRequest, PeerConnectRequest:
		return "peer_connect_request"
	case *PeerConnectResponse, PeerConnectResponse:
		return "peer_connect_response"
	case *SubscribeChange, SubscribeChange:
		return "subscribe_change"
	default:
		return ""
	}
}

// Marshal wraps m in a {type, payload} envelope and serializes it.
func Marshal(m Message) ([]byte, error) {
	typ := typeOf(m)
	if typ == "" {
		return nil, fmt.Errorf("broker: unregistered message type %T", m)
	}
	payload, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("broker: marshaling %s payload: %w", typ, err)
	}
	return json.Marshal(envelope{Type: typ, Payload: payload})
}

// Unmarshal decodes an enveloped message, dispatching on its type
// discriminator.
func Unmarshal(b []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, fmt.Errorf("broker: decoding envelope: %w", err)
	}
	ctor, ok := constructors[env.Type]
	if !ok {
		return nil, fmt.Errorf("broker: unknown message type %q", env.Type)
	}
	m := ctor()
	if err := json.Unmarshal(env.Payload, m); err != nil {
		return nil, fmt.Errorf("broker: decoding %s payload: %w", env.Type, err)
	}
	return m, nil
}

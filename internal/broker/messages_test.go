package broker

import (
	"testing"

	"github.com/kuuji/carrier/internal/identity"
	"github.com/kuuji/carrier/internal/path"
)

func TestMarshalUnmarshalRoundTrip(t *testing.T) {
	secret, err := identity.GenerateSecret()
	if err != nil {
		t.Fatalf("GenerateSecret: %v", err)
	}
	addrSecret, err := identity.GenerateAddressSecret()
	if err != nil {
		t.Fatalf("GenerateAddressSecret: %v", err)
	}
	signed := identity.Sign(secret, addrSecret.Address())

	cases := []Message{
		&PublishRequest{XAddr: signed, Shadow: "shadow-1"},
		&SubscribeRequest{Shadow: "shadow-1", Filter: "*"},
		&ConnectRequest{
			Identity:  secret.Identity(),
			Timestamp: 42,
			Handshake: []byte{0x01, 0x02},
			Paths:     []PathCandidate{{Addr: "10.0.0.1:9000", Category: path.Local}},
		},
		&ConnectResponse{OK: true, Route: 7, Handshake: []byte{0xAA}},
		&PeerConnectRequest{Identity: secret.Identity(), Timestamp: 99},
		&PeerConnectResponse{OK: false},
		&SubscribeChange{Kind: ChangeSupersede, Shadow: "shadow-1"},
	}

	for _, m := range cases {
		b, err := Marshal(m)
		if err != nil {
			t.Fatalf("Marshal(%T): %v", m, err)
		}
		decoded, err := Unmarshal(b)
		if err != nil {
			t.Fatalf("Unmarshal(%T): %v", m, err)
		}
		if typeOf(decoded) != typeOf(m) {
			t.Fatalf("round trip type mismatch: got %T, want %T", decoded, m)
		}
	}
}

func TestUnmarshalUnknownType(t *testing.T) {
	_, err := Unmarshal([]byte(`{"type":"bogus","payload":{}}`))
	if err == nil {
		t.Fatal("expected an error for an unknown message type")
	}
}

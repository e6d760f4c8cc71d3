// Package noise declares the external handshake interface the endpoint
// drives (spec §6) and ships a reference implementation used only so the
// endpoint and stream facade can be exercised end to end in tests. It is
// not a conformant Noise Protocol Framework implementation and must never
// be used to secure real traffic; a production deployment plugs in the
// real handshake behind these same interfaces.
package noise

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"

	"github.com/kuuji/carrier/internal/identity"
	"github.com/kuuji/carrier/internal/wire"
)

// ErrSecurityViolation is returned when a handshake message fails to
// authenticate against the identity it claims to speak for.
var ErrSecurityViolation = errors.New("noise: security violation")

// HandshakeRequester is the initiator side of a handshake, held between
// sending the initial packet and receiving the response.
type HandshakeRequester interface {
	// RecvResponse consumes the responder's reply and returns the peer
	// identity the response authenticated itself as.
	RecvResponse(packet []byte) (identity.Identity, error)
	// IntoTransport finalizes the handshake into a Transport. Only valid
	// after a successful RecvResponse.
	IntoTransport() (Transport, error)
}

// HandshakeResponder is the responder side of a handshake, held between
// receiving the initial packet and sending the response.
type HandshakeResponder interface {
	// SendResponse completes the handshake for route and returns the
	// resulting Transport plus the response packet to send back.
	SendResponse(route wire.RoutingKey, ourSecret identity.Secret) (Transport, []byte, error)
}

// Transport is a completed handshake's symmetric session: it knows its
// RoutingKey and can seal/open datagram payloads keyed by direction and
// counter.
type Transport interface {
	Route() wire.RoutingKey
	Seal(direction wire.Direction, counter uint64, plaintext []byte) ([]byte, error)
	Open(direction wire.Direction, counter uint64, ciphertext []byte) ([]byte, error)
}

// Initiate begins a handshake as the initiator. peerStatic, if non-nil,
// pins the expected responder identity's address; carrier's outgoing
// connect (spec §4.4 step 1) calls this with peerStatic == nil, since the
// broker — not the caller — knows the target's address.
func Initiate(peerStatic *identity.Address, ourSecret identity.Secret, timestamp int64) (HandshakeRequester, []byte, error) {
	ephemeralSecret, err := identity.GenerateAddressSecret()
	if err != nil {
		return nil, nil, fmt.Errorf("noise: generating ephemeral key: %w", err)
	}
	ephemeralPublic := ephemeralSecret.Address()

	signed := identity.Sign(ourSecret, ephemeralPublic)

	packet := encodeHello(signed, timestamp)

	req := &requester{
		ourIdentity:     ourSecret.Identity(),
		ephemeralSecret: ephemeralSecret,
		peerStaticPin:   peerStatic,
		timestamp:       timestamp,
	}
	return req, packet, nil
}

// Respond begins a handshake as the responder, decoding the initiator's
// hello message. ourStatic is accepted for interface symmetry with spec §6
// but the reference implementation derives its session key purely from the
// per-handshake ephemeral exchange.
func Respond(ourStatic *identity.AddressSecret, initialPacket []byte) (HandshakeResponder, identity.Identity, int64, error) {
	signed, timestamp, err := decodeHello(initialPacket)
	if err != nil {
		return nil, identity.Identity{}, 0, err
	}
	if !signed.Verify() {
		return nil, identity.Identity{}, 0, fmt.Errorf("%w: hello signature does not match claimed identity", ErrSecurityViolation)
	}

	resp := &responder{
		peerIdentity:  signed.Identity,
		peerEphemeral: signed.Address,
		timestamp:     timestamp,
	}
	return resp, signed.Identity, timestamp, nil
}

type requester struct {
	ourIdentity     identity.Identity
	ephemeralSecret identity.AddressSecret
	peerStaticPin   *identity.Address
	timestamp       int64

	transport *transport
}

func (r *requester) RecvResponse(packet []byte) (identity.Identity, error) {
	signed, route, err := decodeResponse(packet)
	if err != nil {
		return identity.Identity{}, err
	}
	if !signed.Verify() {
		return identity.Identity{}, fmt.Errorf("%w: response signature does not match claimed identity", ErrSecurityViolation)
	}
	if r.peerStaticPin != nil && signed.Address != *r.peerStaticPin {
		return identity.Identity{}, fmt.Errorf("%w: response address does not match pinned peer static", ErrSecurityViolation)
	}

	shared, err := curve25519.X25519(r.ephemeralSecret[:], signed.Address[:])
	if err != nil {
		return identity.Identity{}, fmt.Errorf("noise: computing shared secret: %w", err)
	}
	tp, err := newTransport(route, shared)
	if err != nil {
		return identity.Identity{}, err
	}
	r.transport = tp
	return signed.Identity, nil
}

func (r *requester) IntoTransport() (Transport, error) {
	if r.transport == nil {
		return nil, errors.New("noise: IntoTransport called before a successful RecvResponse")
	}
	return r.transport, nil
}

type responder struct {
	peerIdentity  identity.Identity
	peerEphemeral identity.Address
	timestamp     int64
}

func (r *responder) SendResponse(route wire.RoutingKey, ourSecret identity.Secret) (Transport, []byte, error) {
	ephemeralSecret, err := identity.GenerateAddressSecret()
	if err != nil {
		return nil, nil, fmt.Errorf("noise: generating ephemeral key: %w", err)
	}
	ephemeralPublic := ephemeralSecret.Address()

	shared, err := curve25519.X25519(ephemeralSecret[:], r.peerEphemeral[:])
	if err != nil {
		return nil, nil, fmt.Errorf("noise: computing shared secret: %w", err)
	}
	tp, err := newTransport(route, shared)
	if err != nil {
		return nil, nil, err
	}

	signed := identity.Sign(ourSecret, ephemeralPublic)
	packet := encodeResponse(signed, route)
	return tp, packet, nil
}

// transport derives one AEAD key per direction from the raw X25519 shared
// secret. Both handshake participants derive the same two keys, so a
// direction's key — not which side is speaking — determines which cipher
// seals or opens a given datagram.
type transport struct {
	route    wire.RoutingKey
	keyI2R   chacha20poly1305.AEAD
	keyR2I   chacha20poly1305.AEAD
}

func newTransport(route wire.RoutingKey, shared []byte) (*transport, error) {
	i2r := deriveKey(shared, "initiator2responder")
	r2i := deriveKey(shared, "responder2initiator")

	i2rAEAD, err := chacha20poly1305.New(i2r)
	if err != nil {
		return nil, fmt.Errorf("noise: constructing aead: %w", err)
	}
	r2iAEAD, err := chacha20poly1305.New(r2i)
	if err != nil {
		return nil, fmt.Errorf("noise: constructing aead: %w", err)
	}

	return &transport{route: route, keyI2R: i2rAEAD, keyR2I: r2iAEAD}, nil
}

func (t *transport) Route() wire.RoutingKey { return t.route }

func (t *transport) Seal(direction wire.Direction, counter uint64, plaintext []byte) ([]byte, error) {
	return t.aeadFor(direction).Seal(nil, nonceFor(counter), plaintext, nil), nil
}

func (t *transport) Open(direction wire.Direction, counter uint64, ciphertext []byte) ([]byte, error) {
	pt, err := t.aeadFor(direction).Open(nil, nonceFor(counter), ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("noise: opening sealed payload: %w", err)
	}
	return pt, nil
}

func (t *transport) aeadFor(direction wire.Direction) chacha20poly1305.AEAD {
	if direction == wire.Initiator2Responder {
		return t.keyI2R
	}
	return t.keyR2I
}

func deriveKey(shared []byte, label string) []byte {
	h := sha256.New()
	h.Write(shared)
	h.Write([]byte(label))
	return h.Sum(nil)
}

func nonceFor(counter uint64) []byte {
	nonce := make([]byte, chacha20poly1305.NonceSize)
	binary.BigEndian.PutUint64(nonce[4:], counter)
	return nonce
}

func encodeHello(signed identity.SignedAddress, timestamp int64) []byte {
	return encodeSignedAddress(signed, uint64(timestamp), 0)
}

func decodeHello(packet []byte) (identity.SignedAddress, int64, error) {
	signed, ts, _, err := decodeSignedAddress(packet)
	return signed, int64(ts), err
}

func encodeResponse(signed identity.SignedAddress, route wire.RoutingKey) []byte {
	return encodeSignedAddress(signed, 0, uint64(route))
}

func decodeResponse(packet []byte) (identity.SignedAddress, wire.RoutingKey, error) {
	signed, _, route, err := decodeSignedAddress(packet)
	return signed, wire.RoutingKey(route), err
}

// encodeSignedAddress lays out a SignedAddress plus one trailing u64 (the
// hello's timestamp, or the response's route) in a fixed, self-describing
// layout: identity | address | sig-len(u16) | sig | trailing(u64).
func encodeSignedAddress(signed identity.SignedAddress, trailingA, trailingB uint64) []byte {
	trailing := trailingA | trailingB // exactly one of the two callers is non-zero
	out := make([]byte, 0, identity.IdentitySize+identity.AddressSize+2+len(signed.Signature)+8)
	out = append(out, signed.Identity[:]...)
	out = append(out, signed.Address[:]...)
	var sigLen [2]byte
	binary.BigEndian.PutUint16(sigLen[:], uint16(len(signed.Signature)))
	out = append(out, sigLen[:]...)
	out = append(out, signed.Signature...)
	var trail [8]byte
	binary.BigEndian.PutUint64(trail[:], trailing)
	out = append(out, trail[:]...)
	return out
}

func decodeSignedAddress(b []byte) (identity.SignedAddress, uint64, uint64, error) {
	min := identity.IdentitySize + identity.AddressSize + 2 + 8
	if len(b) < min {
		return identity.SignedAddress{}, 0, 0, fmt.Errorf("noise: handshake message too short: %d bytes", len(b))
	}
	var signed identity.SignedAddress
	off := 0
	copy(signed.Identity[:], b[off:off+identity.IdentitySize])
	off += identity.IdentitySize
	copy(signed.Address[:], b[off:off+identity.AddressSize])
	off += identity.AddressSize
	sigLen := int(binary.BigEndian.Uint16(b[off : off+2]))
	off += 2
	if len(b) < off+sigLen+8 {
		return identity.SignedAddress{}, 0, 0, fmt.Errorf("noise: handshake message truncated")
	}
	signed.Signature = append([]byte(nil), b[off:off+sigLen]...)
	off += sigLen
	trailing := binary.BigEndian.Uint64(b[off : off+8])
	return signed, trailing, trailing, nil
}

// randomTimestamp is unused by the reference implementation but kept
// available for callers that want a quick nonce-like value in tests.
func randomTimestamp() (int64, error) {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, err
	}
	return int64(binary.BigEndian.Uint64(b[:])), nil
}

// Package identity implements the ed25519-derived identities and
// x25519-derived addresses carrier uses to authenticate peers and to sign
// the address candidates exchanged during the broker-mediated connect
// protocol.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

// IdentitySize is the length in bytes of an Identity (an ed25519 public key).
const IdentitySize = ed25519.PublicKeySize

// AddressSize is the length in bytes of an Address (an x25519 public key).
const AddressSize = 32

// Identity is a peer's long-term public identity: an ed25519 public key.
type Identity [IdentitySize]byte

// Secret is a peer's long-term private identity: an ed25519 seed.
type Secret [ed25519.SeedSize]byte

// GenerateSecret produces a new random long-term identity secret.
func GenerateSecret() (Secret, error) {
	var s Secret
	if _, err := rand.Read(s[:]); err != nil {
		return Secret{}, fmt.Errorf("generating identity secret: %w", err)
	}
	return s, nil
}

// Identity derives the public Identity corresponding to this Secret.
func (s Secret) Identity() Identity {
	priv := ed25519.NewKeyFromSeed(s[:])
	var id Identity
	copy(id[:], priv[ed25519.SeedSize:])
	return id
}

// Sign signs msg with this Secret's derived ed25519 private key.
func (s Secret) Sign(msg []byte) []byte {
	priv := ed25519.NewKeyFromSeed(s[:])
	return ed25519.Sign(priv, msg)
}

// IsZero reports whether s is the all-zero value, i.e. never generated.
func (s Secret) IsZero() bool {
	return s == Secret{}
}

// MarshalText implements encoding.TextMarshaler, letting a Secret be stored
// directly as a TOML string field.
func (s Secret) MarshalText() ([]byte, error) {
	return []byte(base64.StdEncoding.EncodeToString(s[:])), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Secret) UnmarshalText(text []byte) error {
	b, err := base64.StdEncoding.DecodeString(string(text))
	if err != nil {
		return fmt.Errorf("decoding identity secret: %w", err)
	}
	if len(b) != ed25519.SeedSize {
		return fmt.Errorf("invalid identity secret length: got %d, want %d", len(b), ed25519.SeedSize)
	}
	copy(s[:], b)
	return nil
}

// Verify reports whether sig is a valid ed25519 signature over msg made by id.
func (id Identity) Verify(msg, sig []byte) bool {
	return ed25519.Verify(ed25519.PublicKey(id[:]), msg, sig)
}

func (id Identity) String() string {
	return base64.StdEncoding.EncodeToString(id[:])
}

// MarshalText implements encoding.TextMarshaler.
func (id Identity) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *Identity) UnmarshalText(text []byte) error {
	b, err := base64.StdEncoding.DecodeString(string(text))
	if err != nil {
		return fmt.Errorf("decoding identity: %w", err)
	}
	if len(b) != IdentitySize {
		return fmt.Errorf("invalid identity length: got %d, want %d", len(b), IdentitySize)
	}
	copy(id[:], b)
	return nil
}

// Address is an x25519 public key used as a Diffie-Hellman address for the
// Noise handshake's initial exchange.
type Address [AddressSize]byte

// AddressSecret is the private scalar backing an Address.
type AddressSecret [AddressSize]byte

// GenerateAddressSecret produces a new random, clamped x25519 scalar.
func GenerateAddressSecret() (AddressSecret, error) {
	var s AddressSecret
	if _, err := rand.Read(s[:]); err != nil {
		return AddressSecret{}, fmt.Errorf("generating address secret: %w", err)
	}
	clampScalar(&s)
	return s, nil
}

// Address derives the public Address corresponding to this AddressSecret.
func (s AddressSecret) Address() Address {
	var a Address
	curve25519.ScalarBaseMult((*[32]byte)(&a), (*[32]byte)(&s))
	return a
}

func (a Address) String() string {
	return base64.StdEncoding.EncodeToString(a[:])
}

// MarshalText implements encoding.TextMarshaler.
func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Address) UnmarshalText(text []byte) error {
	b, err := base64.StdEncoding.DecodeString(string(text))
	if err != nil {
		return fmt.Errorf("decoding address: %w", err)
	}
	if len(b) != AddressSize {
		return fmt.Errorf("invalid address length: got %d, want %d", len(b), AddressSize)
	}
	copy(a[:], b)
	return nil
}

func clampScalar(s *AddressSecret) {
	s[0] &= 248
	s[31] &= 127
	s[31] |= 64
}

// SignedAddress bundles an x25519 Address with the ed25519 signature an
// Identity made over it, letting a receiver verify the address candidate was
// actually vouched for by the claimed identity before trusting it as a path.
type SignedAddress struct {
	Identity  Identity
	Address   Address
	Signature []byte
}

// Sign produces a SignedAddress binding addr to id using secret.
func Sign(secret Secret, addr Address) SignedAddress {
	return SignedAddress{
		Identity:  secret.Identity(),
		Address:   addr,
		Signature: secret.Sign(addr[:]),
	}
}

// Verify reports whether the signature actually matches the embedded
// Identity and Address.
func (sa SignedAddress) Verify() bool {
	return sa.Identity.Verify(sa.Address[:], sa.Signature)
}

// Package dns implements the endpoint builder's DNS bootstrap: resolving
// well-known TXT records into signed broker address records, shuffling
// them, and handing them out one at a time for the exponential-backoff
// dial loop in internal/endpoint (spec §5, §6).
package dns

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"math/rand/v2"
	"net"

	"github.com/kuuji/carrier/internal/identity"
)

// DefaultNames are the well-known bootstrap TXT record names spec §6 gives
// as an example.
var DefaultNames = []string{
	"x.carrier.devguard.io",
	"3.carrier.devguard.io",
}

// SeedRecord is one parsed, signed broker address record.
type SeedRecord struct {
	BrokerKey identity.Address
	Addr      string
	Timestamp int64
	Signer    identity.Identity
	Signature []byte
}

// signedPayload is what the signature in a SeedRecord covers.
func signedPayload(key identity.Address, addr string, timestamp int64) []byte {
	buf := make([]byte, 0, identity.AddressSize+8+len(addr))
	buf = append(buf, key[:]...)
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(timestamp))
	buf = append(buf, ts[:]...)
	buf = append(buf, []byte(addr)...)
	return buf
}

// Verify reports whether the record's signature actually matches its
// signer identity over (BrokerKey, Addr, Timestamp).
func (r SeedRecord) Verify() bool {
	return r.Signer.Verify(signedPayload(r.BrokerKey, r.Addr, r.Timestamp), r.Signature)
}

// EncodeSignedRecord produces the base64 TXT value for a record, signing it
// with signer. Used by bootstrap tooling and tests; production deployment
// publishes these values as TXT records out of band.
func EncodeSignedRecord(signer identity.Secret, key identity.Address, addr string, timestamp int64) string {
	sig := signer.Sign(signedPayload(key, addr, timestamp))
	pub := signer.Identity()

	out := make([]byte, 0, identity.IdentitySize+identity.AddressSize+8+2+len(addr)+2+len(sig))
	out = append(out, pub[:]...)
	out = append(out, key[:]...)
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(timestamp))
	out = append(out, ts[:]...)
	var addrLen [2]byte
	binary.BigEndian.PutUint16(addrLen[:], uint16(len(addr)))
	out = append(out, addrLen[:]...)
	out = append(out, []byte(addr)...)
	var sigLen [2]byte
	binary.BigEndian.PutUint16(sigLen[:], uint16(len(sig)))
	out = append(out, sigLen[:]...)
	out = append(out, sig...)

	return base64.StdEncoding.EncodeToString(out)
}

// ParseSignedRecord decodes a single TXT value into a SeedRecord.
func ParseSignedRecord(txt string) (SeedRecord, error) {
	raw, err := base64.StdEncoding.DecodeString(txt)
	if err != nil {
		return SeedRecord{}, fmt.Errorf("dns: decoding record: %w", err)
	}

	min := identity.IdentitySize + identity.AddressSize + 8 + 2
	if len(raw) < min {
		return SeedRecord{}, fmt.Errorf("dns: record too short: %d bytes", len(raw))
	}

	var rec SeedRecord
	off := 0
	copy(rec.Signer[:], raw[off:off+identity.IdentitySize])
	off += identity.IdentitySize
	copy(rec.BrokerKey[:], raw[off:off+identity.AddressSize])
	off += identity.AddressSize
	rec.Timestamp = int64(binary.BigEndian.Uint64(raw[off : off+8]))
	off += 8
	addrLen := int(binary.BigEndian.Uint16(raw[off : off+2]))
	off += 2
	if len(raw) < off+addrLen+2 {
		return SeedRecord{}, fmt.Errorf("dns: record truncated in address")
	}
	rec.Addr = string(raw[off : off+addrLen])
	off += addrLen
	sigLen := int(binary.BigEndian.Uint16(raw[off : off+2]))
	off += 2
	if len(raw) < off+sigLen {
		return SeedRecord{}, fmt.Errorf("dns: record truncated in signature")
	}
	rec.Signature = append([]byte(nil), raw[off:off+sigLen]...)

	if !rec.Verify() {
		return SeedRecord{}, fmt.Errorf("dns: record signature does not match its embedded signer")
	}
	return rec, nil
}

// Resolve looks up the TXT records for each name, parses every value as a
// signed record (silently skipping values that don't parse — a name may
// carry unrelated TXT data), and returns the valid records shuffled.
func Resolve(ctx context.Context, resolver *net.Resolver, names []string) ([]SeedRecord, error) {
	if resolver == nil {
		resolver = net.DefaultResolver
	}

	var records []SeedRecord
	for _, name := range names {
		txts, err := resolver.LookupTXT(ctx, name)
		if err != nil {
			continue
		}
		for _, txt := range txts {
			rec, err := ParseSignedRecord(txt)
			if err != nil {
				continue
			}
			records = append(records, rec)
		}
	}

	rand.Shuffle(len(records), func(i, j int) { records[i], records[j] = records[j], records[i] })
	return records, nil
}

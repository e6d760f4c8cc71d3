package endpoint

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/kuuji/carrier/internal/dns"
	"github.com/kuuji/carrier/internal/identity"
	"github.com/kuuji/carrier/internal/noise"
	"github.com/kuuji/carrier/internal/wire"
)

// maxDialAttempts bounds how many times a single bootstrap record is
// retried before moving on to the next one (spec §6).
const maxDialAttempts = 4

// defaultStunServer is used to discover a server-reflexive address when
// Builder.StunServer is left empty.
const defaultStunServer = "stun.l.google.com:19302"

// Builder holds what's needed to dial a broker and produce an Endpoint:
// this device's identity secret, plus optional overrides for tests.
type Builder struct {
	Secret     identity.Secret
	Resolver   *net.Resolver
	Names      []string
	StunServer string
	Log        *slog.Logger
}

// Dial resolves the DNS bootstrap records, and tries each in turn (in
// random order, per Resolve) until a handshake completes, retrying a given
// record up to maxDialAttempts times with exponential backoff before
// falling through to the next one (spec §6). It returns ErrOutOfOptions
// once every candidate is exhausted.
func (b *Builder) Dial(ctx context.Context) (*Endpoint, error) {
	log := b.Log
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "endpoint-builder")
	log.Info("my identity", "identity", b.Secret.Identity())

	names := b.Names
	if len(names) == 0 {
		names = dns.DefaultNames
	}
	records, err := dns.Resolve(ctx, b.Resolver, names)
	if err != nil {
		return nil, fmt.Errorf("endpoint: resolving bootstrap records: %w", err)
	}

	for _, record := range records {
		log.Info("attempting connection", "addr", record.Addr)
		ep, err := b.dialRecord(ctx, log, record)
		if err != nil {
			log.Warn("bootstrap record failed", "addr", record.Addr, "err", err)
			continue
		}
		return ep, nil
	}
	return nil, ErrOutOfOptions
}

func (b *Builder) dialRecord(ctx context.Context, log *slog.Logger, record dns.SeedRecord) (*Endpoint, error) {
	target := record.BrokerKey
	timestamp := time.Now().Unix()

	req, hello, err := noise.Initiate(&target, b.Secret, timestamp)
	if err != nil {
		return nil, fmt.Errorf("endpoint: initiating handshake: %w", err)
	}

	addr, err := net.ResolveUDPAddr("udp", record.Addr)
	if err != nil {
		return nil, fmt.Errorf("endpoint: resolving broker address %q: %w", record.Addr, err)
	}
	conn, err := net.ListenUDP("udp", &net.UDPAddr{})
	if err != nil {
		return nil, fmt.Errorf("endpoint: opening socket: %w", err)
	}

	buf := make([]byte, maxPacketSize)
	for attempt := 1; attempt <= maxDialAttempts; attempt++ {
		if _, err := conn.WriteToUDP(hello, addr); err != nil {
			conn.Close()
			return nil, fmt.Errorf("endpoint: sending hello: %w", err)
		}

		backoff := time.Duration(uint64(1)<<uint(attempt)) * 200 * time.Millisecond
		deadline := time.Now().Add(backoff)
		if err := conn.SetReadDeadline(deadline); err != nil {
			conn.Close()
			return nil, err
		}

		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			continue // timeout or transient read error: retry with backoff
		}

		peerIdentity, err := req.RecvResponse(buf[:n])
		if err != nil {
			log.Warn("waiting for handshake response", "err", err)
			continue
		}
		transport, err := req.IntoTransport()
		if err != nil {
			conn.Close()
			return nil, err
		}

		log.Info("established connection", "identity", peerIdentity, "route", transport.Route())
		ep := New(conn, transport, wire.Initiator2Responder, peerIdentity, addr, b.Secret, log)

		stunServer := b.StunServer
		if stunServer == "" {
			stunServer = defaultStunServer
		}
		if reflexive, err := reflexiveAddr(conn, stunServer); err != nil {
			log.Debug("stun reflexive address discovery failed", "err", err)
		} else {
			log.Info("discovered reflexive address", "addr", reflexive)
			ep.SetReflexiveAddr(reflexive)
		}

		return ep, nil
	}

	conn.Close()
	return nil, fmt.Errorf("endpoint: exhausted %d attempts against %s", maxDialAttempts, record.Addr)
}

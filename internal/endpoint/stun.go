package endpoint

import (
	"fmt"
	"net"
	"time"

	"github.com/pion/stun/v3"
)

// stunTimeout bounds how long reflexiveAddr waits for a STUN server's
// response before giving up; a failed lookup simply means no Internet
// category candidate is added, never a fatal error (spec's path discovery
// treats Internet-category candidates as optional extras alongside Local
// and BrokerOrigin ones).
const stunTimeout = 500 * time.Millisecond

// reflexiveAddr performs a single STUN binding request over conn against
// server, returning this socket's server-reflexive address as observed
// from outside any NAT. Used by Builder.Dial to add an Internet-category
// path candidate beyond the Local ones interface enumeration finds.
func reflexiveAddr(conn *net.UDPConn, server string) (*net.UDPAddr, error) {
	serverAddr, err := net.ResolveUDPAddr("udp", server)
	if err != nil {
		return nil, fmt.Errorf("endpoint: resolving stun server %q: %w", server, err)
	}

	msg, err := stun.Build(stun.TransactionID, stun.BindingRequest)
	if err != nil {
		return nil, fmt.Errorf("endpoint: building stun request: %w", err)
	}
	if _, err := conn.WriteToUDP(msg.Raw, serverAddr); err != nil {
		return nil, fmt.Errorf("endpoint: sending stun request: %w", err)
	}

	if err := conn.SetReadDeadline(time.Now().Add(stunTimeout)); err != nil {
		return nil, err
	}
	defer conn.SetReadDeadline(time.Time{})

	buf := make([]byte, maxPacketSize)
	n, _, err := conn.ReadFromUDP(buf)
	if err != nil {
		return nil, fmt.Errorf("endpoint: reading stun response: %w", err)
	}

	reply := &stun.Message{Raw: buf[:n]}
	if err := reply.Decode(); err != nil {
		return nil, fmt.Errorf("endpoint: decoding stun response: %w", err)
	}

	var xor stun.XORMappedAddress
	if err := xor.GetFrom(reply); err != nil {
		return nil, fmt.Errorf("endpoint: reading XOR-MAPPED-ADDRESS: %w", err)
	}
	return &net.UDPAddr{IP: xor.IP, Port: xor.Port}, nil
}

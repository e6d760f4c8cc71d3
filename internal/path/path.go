// Package path implements per-channel address discovery and migration: the
// settle-once-one-candidate-proves-itself policy of spec §4.2, and the
// category-based migration rule applied after settling.
package path

import "net"

// Category is a path cost tier. Lower is preferred.
type Category int

const (
	Local Category = iota
	Internet
	BrokerOrigin
)

func (c Category) String() string {
	switch c {
	case Local:
		return "local"
	case Internet:
		return "internet"
	case BrokerOrigin:
		return "broker-origin"
	default:
		return "unknown"
	}
}

// SettleThreshold is the number of inbound datagrams from a single address
// required before a channel settles on it.
const SettleThreshold = 5

type candidate struct {
	addr     *net.UDPAddr
	category Category
	count    int
}

// Mode tracks a channel's address state: either still Discovering among
// several candidates, or Established on one chosen address with the prior
// candidates retained for migration decisions.
type Mode struct {
	established bool
	chosen      *net.UDPAddr
	candidates  map[string]*candidate
}

// NewDiscovering seeds a Mode with the broker-relayed candidate paths plus
// the broker's own observed source address under category BrokerOrigin.
func NewDiscovering(seeds map[string]Category, brokerOrigin *net.UDPAddr) *Mode {
	m := &Mode{candidates: make(map[string]*candidate, len(seeds)+1)}
	for key, cat := range seeds {
		addr, err := net.ResolveUDPAddr("udp", key)
		if err != nil {
			continue
		}
		m.candidates[key] = &candidate{addr: addr, category: cat}
	}
	if brokerOrigin != nil {
		key := brokerOrigin.String()
		if _, exists := m.candidates[key]; !exists {
			m.candidates[key] = &candidate{addr: brokerOrigin, category: BrokerOrigin}
		}
	}
	return m
}

// Established reports whether the channel has settled on a chosen address.
func (m *Mode) Established() bool { return m.established }

// Chosen returns the established address, or nil while still Discovering.
func (m *Mode) Chosen() *net.UDPAddr { return m.chosen }

// Candidates returns every candidate address currently known, for use when
// broadcasting while Discovering.
func (m *Mode) Candidates() []*net.UDPAddr {
	out := make([]*net.UDPAddr, 0, len(m.candidates))
	for _, c := range m.candidates {
		out = append(out, c.addr)
	}
	return out
}

// Observe records an inbound datagram from addr and, while Discovering,
// settles the channel once any single candidate's count reaches
// SettleThreshold. It returns true the instant settling happens.
func (m *Mode) Observe(addr *net.UDPAddr) bool {
	if m.established {
		return false
	}

	key := addr.String()
	c, ok := m.candidates[key]
	if !ok {
		c = &candidate{addr: addr, category: Internet}
		m.candidates[key] = c
	}
	c.count++

	if c.count < SettleThreshold {
		return false
	}

	m.settle()
	return true
}

// settle picks, among candidates with count >= 1, the one with the lowest
// category (ties broken by Go's unspecified map iteration order per
// spec §9 — any lowest-category candidate is an acceptable choice).
func (m *Mode) settle() {
	var best *candidate
	for _, c := range m.candidates {
		if c.count < 1 {
			continue
		}
		if best == nil || c.category < best.category {
			best = c
		}
	}
	if best == nil {
		return
	}
	m.established = true
	m.chosen = best.addr
}

// ChosenCategory returns the settled address's category, for status
// reporting. Returns false while still Discovering.
func (m *Mode) ChosenCategory() (Category, bool) {
	if !m.established || m.chosen == nil {
		return 0, false
	}
	return m.categoryOf(m.chosen), true
}

// categoryOf returns the known category for addr, defaulting to Internet if
// it's not (yet) a recorded candidate, matching the original's default.
func (m *Mode) categoryOf(addr *net.UDPAddr) Category {
	if c, ok := m.candidates[addr.String()]; ok {
		return c.category
	}
	return Internet
}

// Migrate applies the migration rule: a datagram from an address other than
// the established one, whose category (Internet if it is not a recorded
// candidate) is no worse than the established address's, migrates the
// established address to it. Returns true if the chosen address actually
// changed.
func (m *Mode) Migrate(from *net.UDPAddr) bool {
	if !m.established || m.chosen == nil {
		return false
	}
	if from.String() == m.chosen.String() {
		return false
	}

	currentCat := m.categoryOf(m.chosen)
	migrateCat := m.categoryOf(from)
	if currentCat < migrateCat {
		return false
	}

	// Record the new address as a candidate too, so later migrations back
	// to the previously-chosen address still have its category on file.
	key := from.String()
	if _, ok := m.candidates[key]; !ok {
		m.candidates[key] = &candidate{addr: from, category: migrateCat}
	}

	m.chosen = from
	return true
}

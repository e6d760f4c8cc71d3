package path

import (
	"net"
	"testing"
)

func udpAddr(t *testing.T, s string) *net.UDPAddr {
	t.Helper()
	a, err := net.ResolveUDPAddr("udp", s)
	if err != nil {
		t.Fatalf("ResolveUDPAddr(%q): %v", s, err)
	}
	return a
}

func TestSettleAfterFive(t *testing.T) {
	seeds := map[string]Category{
		"10.0.0.1:100": Local,
		"10.0.0.2:200": Internet,
		"10.0.0.3:300": Internet,
	}
	m := NewDiscovering(seeds, nil)

	b := udpAddr(t, "10.0.0.2:200")
	for i := 0; i < 4; i++ {
		if m.Observe(b) {
			t.Fatalf("settled early after %d observations", i+1)
		}
	}
	if m.Established() {
		t.Fatal("should not be established after 4 observations")
	}

	if !m.Observe(b) {
		t.Fatal("expected settle on the 5th observation")
	}
	if !m.Established() {
		t.Fatal("expected Established() true after settling")
	}
	if m.Chosen() == nil {
		t.Fatal("Chosen() is nil after settling")
	}
}

func TestSettlePicksLowestCategory(t *testing.T) {
	seeds := map[string]Category{
		"10.0.0.1:100": Local,
		"10.0.0.2:200": Internet,
	}
	m := NewDiscovering(seeds, nil)

	b := udpAddr(t, "10.0.0.2:200")
	for i := 0; i < SettleThreshold; i++ {
		m.Observe(b)
	}

	if !m.Established() {
		t.Fatal("expected settled")
	}
	chosen := m.Chosen()
	key := chosen.String()
	cat, ok := seeds[key]
	if !ok {
		t.Fatalf("chosen address %s is not one of the seeded candidates", key)
	}
	if cat > Internet {
		t.Fatalf("chosen category %v is worse than the best available (Local)", cat)
	}
}

func TestChosenCategory(t *testing.T) {
	seeds := map[string]Category{
		"10.0.0.1:100": Local,
	}
	m := NewDiscovering(seeds, nil)

	if _, ok := m.ChosenCategory(); ok {
		t.Fatal("ChosenCategory() should report false before settling")
	}

	a := udpAddr(t, "10.0.0.1:100")
	for i := 0; i < SettleThreshold; i++ {
		m.Observe(a)
	}

	cat, ok := m.ChosenCategory()
	if !ok {
		t.Fatal("ChosenCategory() should report true after settling")
	}
	if cat != Local {
		t.Fatalf("ChosenCategory() = %v, want Local", cat)
	}
}

func TestMigration(t *testing.T) {
	seeds := map[string]Category{
		"10.0.0.1:100": Local,
		"10.0.0.2:200": Internet,
	}
	m := NewDiscovering(seeds, nil)

	b := udpAddr(t, "10.0.0.2:200")
	for i := 0; i < SettleThreshold; i++ {
		m.Observe(b)
	}
	if m.Chosen().String() != b.String() {
		t.Fatalf("expected established at B, got %s", m.Chosen())
	}

	a := udpAddr(t, "10.0.0.1:100")
	if !m.Migrate(a) {
		t.Fatal("expected migration from Internet to Local")
	}
	if m.Chosen().String() != a.String() {
		t.Fatalf("chosen = %s, want %s", m.Chosen(), a)
	}
}

func TestMigrationRefusesWorseCategory(t *testing.T) {
	seeds := map[string]Category{
		"10.0.0.1:100": Local,
		"10.0.0.2:200": Internet,
	}
	m := NewDiscovering(seeds, nil)

	a := udpAddr(t, "10.0.0.1:100")
	for i := 0; i < SettleThreshold; i++ {
		m.Observe(a)
	}
	if m.Chosen().String() != a.String() {
		t.Fatalf("expected established at A, got %s", m.Chosen())
	}

	b := udpAddr(t, "10.0.0.2:200")
	if m.Migrate(b) {
		t.Fatal("migration from a better (Local) to a worse (Internet) category should not happen")
	}
	if m.Chosen().String() != a.String() {
		t.Fatalf("chosen changed unexpectedly to %s", m.Chosen())
	}
}

package dns

import (
	"testing"

	"github.com/kuuji/carrier/internal/identity"
)

func testSecret(t *testing.T) identity.Secret {
	t.Helper()
	s, err := identity.GenerateSecret()
	if err != nil {
		t.Fatalf("GenerateSecret: %v", err)
	}
	return s
}

func testAddressSecret(t *testing.T) identity.AddressSecret {
	t.Helper()
	s, err := identity.GenerateAddressSecret()
	if err != nil {
		t.Fatalf("GenerateAddressSecret: %v", err)
	}
	return s
}

package identity

import "testing"

func TestSecretIdentityRoundTrip(t *testing.T) {
	secret, err := GenerateSecret()
	if err != nil {
		t.Fatalf("GenerateSecret: %v", err)
	}
	id := secret.Identity()

	msg := []byte("hello carrier")
	sig := secret.Sign(msg)
	if !id.Verify(msg, sig) {
		t.Fatal("Verify failed for a signature produced by the matching secret")
	}
	if id.Verify([]byte("tampered"), sig) {
		t.Fatal("Verify succeeded for a tampered message")
	}
}

func TestIdentityMarshalText(t *testing.T) {
	secret, err := GenerateSecret()
	if err != nil {
		t.Fatalf("GenerateSecret: %v", err)
	}
	id := secret.Identity()

	text, err := id.MarshalText()
	if err != nil {
		t.Fatalf("MarshalText: %v", err)
	}
	var decoded Identity
	if err := decoded.UnmarshalText(text); err != nil {
		t.Fatalf("UnmarshalText: %v", err)
	}
	if decoded != id {
		t.Fatalf("round trip mismatch: got %v, want %v", decoded, id)
	}
}

func TestSecretMarshalTextRoundTrip(t *testing.T) {
	secret, err := GenerateSecret()
	if err != nil {
		t.Fatalf("GenerateSecret: %v", err)
	}

	text, err := secret.MarshalText()
	if err != nil {
		t.Fatalf("MarshalText: %v", err)
	}
	var decoded Secret
	if err := decoded.UnmarshalText(text); err != nil {
		t.Fatalf("UnmarshalText: %v", err)
	}
	if decoded != secret {
		t.Fatal("round trip mismatch")
	}
	if decoded.Identity() != secret.Identity() {
		t.Fatal("round-tripped secret derives a different identity")
	}
}

func TestUnmarshalTextRejectsWrongLength(t *testing.T) {
	var id Identity
	if err := id.UnmarshalText([]byte("AAAA")); err == nil {
		t.Fatal("expected an error for a too-short identity")
	}
}

func TestAddressSecretDerivation(t *testing.T) {
	s1, err := GenerateAddressSecret()
	if err != nil {
		t.Fatalf("GenerateAddressSecret: %v", err)
	}
	s2, err := GenerateAddressSecret()
	if err != nil {
		t.Fatalf("GenerateAddressSecret: %v", err)
	}
	if s1 == s2 {
		t.Fatal("two independently generated secrets collided")
	}
	if s1.Address() == s2.Address() {
		t.Fatal("two independently generated addresses collided")
	}
}

func TestSignedAddressVerify(t *testing.T) {
	secret, err := GenerateSecret()
	if err != nil {
		t.Fatalf("GenerateSecret: %v", err)
	}
	addrSecret, err := GenerateAddressSecret()
	if err != nil {
		t.Fatalf("GenerateAddressSecret: %v", err)
	}
	addr := addrSecret.Address()

	sa := Sign(secret, addr)
	if !sa.Verify() {
		t.Fatal("a freshly signed address should verify")
	}

	sa.Address[0] ^= 0xFF
	if sa.Verify() {
		t.Fatal("a tampered address should not verify")
	}
}

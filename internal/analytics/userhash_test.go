package analytics

import "testing"

func TestUserHasherStable(t *testing.T) {
	h := NewUserHasher("salt-1")

	first := h.Hash("user-42")
	second := h.Hash("user-42")
	if first != second {
		t.Error("hash must be stable for the same user and salt")
	}
	if len(first) != 64 {
		t.Errorf("hash length = %d, want 64 hex chars", len(first))
	}
}

func TestUserHasherDistinguishesUsers(t *testing.T) {
	h := NewUserHasher("salt-1")

	if h.Hash("user-1") == h.Hash("user-2") {
		t.Error("different users must hash differently")
	}
}

func TestUserHasherSaltChangesHash(t *testing.T) {
	a := NewUserHasher("salt-a")
	b := NewUserHasher("salt-b")

	if a.Hash("user-1") == b.Hash("user-1") {
		t.Error("different salts must produce different pseudonyms")
	}
}

func TestUserHasherNotPlainSHA(t *testing.T) {
	h := NewUserHasher("salt")

	// The pseudonym must never equal the raw id or contain it
	if h.Hash("alice") == "alice" {
		t.Error("hash must not be the identity")
	}
}

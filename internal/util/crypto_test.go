package util

import "testing"

func TestKeyringRoundTrip(t *testing.T) {
	k := NewKeyring("a_sufficiently_long_passphrase_123")
	sealed, err := k.Seal("shift-signing-secret")
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if sealed == "shift-signing-secret" {
		t.Fatalf("sealed value equals plaintext")
	}
	plain, err := k.Open(sealed)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if plain != "shift-signing-secret" {
		t.Fatalf("round trip mismatch: %q", plain)
	}
}

func TestKeyringWrongPassphraseFails(t *testing.T) {
	sealed, err := NewKeyring("passphrase-one-that-is-long").Seal("secret")
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if _, err := NewKeyring("passphrase-two-that-is-long").Open(sealed); err == nil {
		t.Fatalf("expected open with wrong passphrase to fail")
	}
}

func TestKeyringOpenRejectsGarbage(t *testing.T) {
	k := NewKeyring("a_sufficiently_long_passphrase_123")
	for _, sealed := range []string{"", "shorty", "not base64 at all!!"} {
		if _, err := k.Open(sealed); err == nil {
			t.Fatalf("expected open of %q to fail", sealed)
		}
	}
}

package ncrypto

import (
	"bytes"
	"testing"
)

func testAEAD(t *testing.T) *AEAD {
	t.Helper()
	var key [KeySize]byte
	for i := range key {
		key[i] = byte(i)
	}
	a, err := New(key)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a
}

func TestAEADRoundTrip(t *testing.T) {
	a := testAEAD(t)
	var nonce [NonceSize]byte
	nonce[0] = 7

	plaintext := []byte("the quick brown fox jumps over the lazy dog")
	ad := []byte("associated-data")

	ct := a.Seal(nil, nonce, plaintext, ad)
	pt, err := a.Open(nil, nonce, ct, ad)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if !bytes.Equal(pt, plaintext) {
		t.Fatalf("got %q, want %q", pt, plaintext)
	}
}

func TestAEADTamperFails(t *testing.T) {
	a := testAEAD(t)
	var nonce [NonceSize]byte
	nonce[3] = 9
	plaintext := []byte("message")
	ad := []byte("header")

	ct := a.Seal(nil, nonce, plaintext, ad)

	t.Run("ciphertext", func(t *testing.T) {
		bad := append([]byte(nil), ct...)
		bad[0] ^= 1
		if _, err := a.Open(nil, nonce, bad, ad); err == nil {
			t.Error("expected failure on tampered ciphertext")
		}
	})
	t.Run("tag", func(t *testing.T) {
		bad := append([]byte(nil), ct...)
		bad[len(bad)-1] ^= 1
		if _, err := a.Open(nil, nonce, bad, ad); err == nil {
			t.Error("expected failure on tampered tag")
		}
	})
	t.Run("nonce", func(t *testing.T) {
		badNonce := nonce
		badNonce[0] ^= 1
		if _, err := a.Open(nil, badNonce, ct, ad); err == nil {
			t.Error("expected failure on wrong nonce")
		}
	})
	t.Run("associated data", func(t *testing.T) {
		if _, err := a.Open(nil, nonce, ct, []byte("different-header")); err == nil {
			t.Error("expected failure on tampered associated data")
		}
	})
}

func TestDeriveAEADKeyDeterministic(t *testing.T) {
	var secret [32]byte
	for i := range secret {
		secret[i] = byte(i * 3)
	}
	k1, err := DeriveAEADKey(secret)
	if err != nil {
		t.Fatalf("DeriveAEADKey: %v", err)
	}
	k2, err := DeriveAEADKey(secret)
	if err != nil {
		t.Fatalf("DeriveAEADKey: %v", err)
	}
	if k1 != k2 {
		t.Error("DeriveAEADKey should be deterministic for the same input")
	}
}

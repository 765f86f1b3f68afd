package ncrypto

import (
	"crypto/rand"
	"testing"
)

func TestX25519KeyAgreement(t *testing.T) {
	a, err := GenerateX25519KeyPair(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateX25519KeyPair: %v", err)
	}
	b, err := GenerateX25519KeyPair(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateX25519KeyPair: %v", err)
	}

	sa, err := a.SharedSecret(b.Public)
	if err != nil {
		t.Fatalf("a.SharedSecret: %v", err)
	}
	sb, err := b.SharedSecret(a.Public)
	if err != nil {
		t.Fatalf("b.SharedSecret: %v", err)
	}
	if sa != sb {
		t.Fatal("shared secrets do not match")
	}
}

func TestEd25519SignVerify(t *testing.T) {
	kp, err := GenerateEd25519KeyPair()
	if err != nil {
		t.Fatalf("GenerateEd25519KeyPair: %v", err)
	}
	msg := []byte("short-term-pub-a||short-term-pub-b")
	sig := kp.Sign(msg)
	if !Verify(kp.Public, msg, sig) {
		t.Fatal("valid signature failed to verify")
	}
	tampered := append([]byte(nil), msg...)
	tampered[0] ^= 1
	if Verify(kp.Public, tampered, sig) {
		t.Fatal("signature verified over tampered message")
	}
}

func TestHashChallengeDeterministic(t *testing.T) {
	challenge := make([]byte, 32)
	for i := range challenge {
		challenge[i] = byte(i)
	}
	a := HashChallenge(challenge, 1024)
	b := HashChallenge(challenge, 1024)
	if a != b {
		t.Fatal("HashChallenge should be deterministic")
	}
	c := HashChallenge(challenge, 1023)
	if a == c {
		t.Fatal("different repetition counts should (almost always) differ")
	}
}

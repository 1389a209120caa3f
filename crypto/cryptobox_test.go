package crypto

import (
	"bytes"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestSharedSecretSymmetry(t *testing.T) {
	alice, err := GeneratePrivateKey()
	if err != nil {
		t.Fatalf("GeneratePrivateKey failed: %v", err)
	}
	bob, err := GeneratePrivateKey()
	if err != nil {
		t.Fatalf("GeneratePrivateKey failed: %v", err)
	}

	alicePub, err := MarshalPublicKey(alice.PublicKey())
	if err != nil {
		t.Fatalf("MarshalPublicKey failed: %v", err)
	}
	bobPub, err := MarshalPublicKey(bob.PublicKey())
	if err != nil {
		t.Fatalf("MarshalPublicKey failed: %v", err)
	}

	secretA, err := SharedSecret(alice, bobPub)
	if err != nil {
		t.Fatalf("SharedSecret (alice) failed: %v", err)
	}
	secretB, err := SharedSecret(bob, alicePub)
	if err != nil {
		t.Fatalf("SharedSecret (bob) failed: %v", err)
	}

	if !bytes.Equal(secretA, secretB) {
		t.Fatalf("shared secrets differ")
	}
	if len(secretA) != SharedSecretSize {
		t.Fatalf("secret size = %d, want %d", len(secretA), SharedSecretSize)
	}
}

func TestSignVerifyRoundTrip(t *testing.T) {
	secret := []byte("0123456789abcdef0123456789abcdef")
	message := "GET|/api/ping|1700000000000"

	signature := Sign(secret, message)
	if len(signature) != 64 {
		t.Fatalf("signature length = %d, want 64 hex chars", len(signature))
	}
	if signature != strings.ToLower(signature) {
		t.Fatalf("signature is not lowercase hex: %q", signature)
	}

	if !Verify(secret, message, signature) {
		t.Fatalf("Verify rejected a valid signature")
	}
	if Verify(secret, message+"x", signature) {
		t.Fatalf("Verify accepted a signature over a different message")
	}

	tampered := []byte(signature)
	if tampered[0] == 'a' {
		tampered[0] = 'b'
	} else {
		tampered[0] = 'a'
	}
	if Verify(secret, message, string(tampered)) {
		t.Fatalf("Verify accepted a tampered signature")
	}
	if Verify(secret, message, "not-hex") {
		t.Fatalf("Verify accepted a non-hex signature")
	}
}

func TestConfirmCodeSymmetry(t *testing.T) {
	alice, _ := GeneratePrivateKey()
	bob, _ := GeneratePrivateKey()
	alicePub, _ := MarshalPublicKey(alice.PublicKey())
	bobPub, _ := MarshalPublicKey(bob.PublicKey())

	codeAB := ConfirmCode(alicePub, bobPub)
	codeBA := ConfirmCode(bobPub, alicePub)

	if codeAB != codeBA {
		t.Fatalf("confirm codes differ: %q vs %q", codeAB, codeBA)
	}
	if len(codeAB) != 6 {
		t.Fatalf("confirm code length = %d, want 6", len(codeAB))
	}
	for _, r := range codeAB {
		if r < '0' || r > '9' {
			t.Fatalf("confirm code contains non-digit: %q", codeAB)
		}
	}
}

func TestConfirmCodeDistinguishesKeys(t *testing.T) {
	alice, _ := GeneratePrivateKey()
	bob, _ := GeneratePrivateKey()
	eve, _ := GeneratePrivateKey()
	alicePub, _ := MarshalPublicKey(alice.PublicKey())
	bobPub, _ := MarshalPublicKey(bob.PublicKey())
	evePub, _ := MarshalPublicKey(eve.PublicKey())

	// Codes for distinct key pairs should (nearly always) differ; equal codes
	// across two independent random pairs indicate a derivation bug, not a
	// one-in-a-million collision.
	if ConfirmCode(alicePub, bobPub) == ConfirmCode(alicePub, evePub) &&
		ConfirmCode(alicePub, bobPub) == ConfirmCode(bobPub, evePub) {
		t.Fatalf("confirm code does not depend on key material")
	}
}

func TestEnsureKeyPairPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "device_key.pem")

	first, err := EnsureKeyPair(path)
	if err != nil {
		t.Fatalf("EnsureKeyPair (generate) failed: %v", err)
	}
	second, err := EnsureKeyPair(path)
	if err != nil {
		t.Fatalf("EnsureKeyPair (reload) failed: %v", err)
	}

	if !bytes.Equal(first.Bytes(), second.Bytes()) {
		t.Fatalf("reloaded key differs from generated key")
	}
}

func TestPrivateKeyFileIsSEC1PEM(t *testing.T) {
	path := filepath.Join(t.TempDir(), "device_key.pem")

	key, err := EnsureKeyPair(path)
	if err != nil {
		t.Fatalf("EnsureKeyPair failed: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read key file: %v", err)
	}
	block, _ := pem.Decode(raw)
	if block == nil || block.Type != "EC PRIVATE KEY" {
		t.Fatalf("key file is not an EC PRIVATE KEY PEM block")
	}

	// The block body is SEC1 ASN.1 DER that stock x509 tooling can parse.
	parsed, err := x509.ParseECPrivateKey(block.Bytes)
	if err != nil {
		t.Fatalf("key file body is not SEC1 DER: %v", err)
	}
	roundTrip, err := parsed.ECDH()
	if err != nil {
		t.Fatalf("ECDH conversion failed: %v", err)
	}
	if !bytes.Equal(roundTrip.Bytes(), key.Bytes()) {
		t.Fatalf("SEC1 round trip changed the key")
	}
}

func TestParsePublicKeyRejectsGarbage(t *testing.T) {
	if _, err := ParsePublicKey([]byte("not a key")); err == nil {
		t.Fatalf("ParsePublicKey accepted garbage input")
	}
}

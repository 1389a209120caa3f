// Package crypto implements the pairing and session primitives: P-256 ECDH key
// agreement, HMAC-SHA256 request signatures, and the human-comparable
// confirmation code derived from both public keys.
package crypto

import (
	"bytes"
	"crypto/ecdh"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"
)

// SharedSecretSize is the length of a derived pairing secret in bytes.
const SharedSecretSize = sha256.Size

const confirmCodeModulus = 1_000_000

// SharedSecret performs ECDH between the local private key and a peer's SPKI
// public key and returns SHA-256 of the raw agreement. Both sides derive the
// same 32 bytes.
func SharedSecret(privateKey *ecdh.PrivateKey, peerPublicDER []byte) ([]byte, error) {
	peerKey, err := ParsePublicKey(peerPublicDER)
	if err != nil {
		return nil, err
	}

	agreement, err := privateKey.ECDH(peerKey)
	if err != nil {
		return nil, fmt.Errorf("ECDH key agreement: %w", err)
	}

	secret := sha256.Sum256(agreement)
	return secret[:], nil
}

// Sign computes the lowercase hex HMAC-SHA256 of message under secret.
func Sign(secret []byte, message string) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(message))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a hex HMAC-SHA256 signature in constant time.
func Verify(secret []byte, message, signature string) bool {
	provided, err := hex.DecodeString(strings.TrimSpace(signature))
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(message))
	return hmac.Equal(provided, mac.Sum(nil))
}

// ConfirmCode derives the 6-digit pairing confirmation code from two SPKI
// public keys. The keys are canonicalized by lexicographic byte order so both
// devices compute the same code regardless of who initiated.
func ConfirmCode(publicA, publicB []byte) string {
	first, second := publicA, publicB
	if bytes.Compare(first, second) > 0 {
		first, second = second, first
	}

	h := sha256.New()
	h.Write(first)
	h.Write([]byte("|"))
	h.Write(second)
	sum := h.Sum(nil)

	code := binary.BigEndian.Uint32(sum[:4]) % confirmCodeModulus
	return fmt.Sprintf("%06d", code)
}

// Fingerprint returns the truncated SHA-256 hex fingerprint of an SPKI public key.
func Fingerprint(publicDER []byte) string {
	sum := sha256.Sum256(publicDER)
	return hex.EncodeToString(sum[:16])
}

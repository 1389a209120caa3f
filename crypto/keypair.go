package crypto

import (
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"math/big"
	"os"
)

const ecPrivatePEMType = "EC PRIVATE KEY"

var p256Curve = ecdh.P256()

// EnsureKeyPair loads the device P-256 private key from disk, generating it on first run.
func EnsureKeyPair(path string) (*ecdh.PrivateKey, error) {
	privateKey, err := LoadPrivateKey(path)
	if err == nil {
		return privateKey, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	privateKey, err = GeneratePrivateKey()
	if err != nil {
		return nil, err
	}
	if err := SavePrivateKey(path, privateKey); err != nil {
		return nil, err
	}

	return privateKey, nil
}

// GeneratePrivateKey creates a new P-256 private key.
func GeneratePrivateKey() (*ecdh.PrivateKey, error) {
	privateKey, err := p256Curve.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate P-256 private key: %w", err)
	}
	return privateKey, nil
}

// MarshalPrivateKey encodes a private key as SEC1 ASN.1 DER.
func MarshalPrivateKey(key *ecdh.PrivateKey) ([]byte, error) {
	ecKey, err := ecdsaFromECDH(key)
	if err != nil {
		return nil, err
	}

	der, err := x509.MarshalECPrivateKey(ecKey)
	if err != nil {
		return nil, fmt.Errorf("marshal P-256 private key: %w", err)
	}
	return der, nil
}

// ParsePrivateKey decodes a SEC1 ASN.1 DER private key and checks it is on P-256.
func ParsePrivateKey(der []byte) (*ecdh.PrivateKey, error) {
	ecKey, err := x509.ParseECPrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("parse P-256 private key: %w", err)
	}
	if ecKey.Curve != elliptic.P256() {
		return nil, errors.New("parse P-256 private key: not a P-256 key")
	}

	key, err := ecKey.ECDH()
	if err != nil {
		return nil, fmt.Errorf("parse P-256 private key: %w", err)
	}
	return key, nil
}

// LoadPrivateKey reads a P-256 private key from a SEC1 PEM file.
func LoadPrivateKey(path string) (*ecdh.PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read P-256 private key: %w", err)
	}

	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("decode P-256 PEM: no PEM block")
	}
	if block.Type != ecPrivatePEMType {
		return nil, fmt.Errorf("decode P-256 PEM: unexpected type %q", block.Type)
	}

	return ParsePrivateKey(block.Bytes)
}

// SavePrivateKey writes a P-256 private key SEC1 PEM file with 0600 permissions.
func SavePrivateKey(path string, key *ecdh.PrivateKey) error {
	der, err := MarshalPrivateKey(key)
	if err != nil {
		return err
	}

	block := &pem.Block{
		Type:  ecPrivatePEMType,
		Bytes: der,
	}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		return fmt.Errorf("write P-256 private key: %w", err)
	}

	return nil
}

// ecdsaFromECDH rebuilds the ecdsa form x509 marshals; ecdh keys only expose
// raw scalar and point bytes.
func ecdsaFromECDH(key *ecdh.PrivateKey) (*ecdsa.PrivateKey, error) {
	point := key.PublicKey().Bytes()
	if len(point) != 65 || point[0] != 4 {
		return nil, errors.New("convert P-256 key: unexpected public point encoding")
	}

	return &ecdsa.PrivateKey{
		PublicKey: ecdsa.PublicKey{
			Curve: elliptic.P256(),
			X:     new(big.Int).SetBytes(point[1:33]),
			Y:     new(big.Int).SetBytes(point[33:65]),
		},
		D: new(big.Int).SetBytes(key.Bytes()),
	}, nil
}

// MarshalPublicKey encodes a public key as X.509 SPKI DER, the wire encoding
// exchanged during pairing.
func MarshalPublicKey(key *ecdh.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(key)
	if err != nil {
		return nil, fmt.Errorf("marshal public key: %w", err)
	}
	return der, nil
}

// ParsePublicKey decodes an X.509 SPKI DER public key and checks it is on P-256.
func ParsePublicKey(der []byte) (*ecdh.PublicKey, error) {
	parsed, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}

	ecKey, ok := parsed.(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("parse public key: not an EC key (%T)", parsed)
	}

	key, err := ecKey.ECDH()
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	if key.Curve() != p256Curve {
		return nil, errors.New("parse public key: not a P-256 key")
	}

	return key, nil
}

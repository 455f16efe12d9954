// Package keygen generates SSH key pairs for backends that accept an
// uploaded public key instead of minting key pairs themselves.
package keygen

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"

	"golang.org/x/crypto/ssh"
)

// DefaultBits is the RSA key size used by Generate
const DefaultBits = 4096

// KeyPair holds an RSA key pair in ready-to-use formats.
type KeyPair struct {
	// PrivateKey is the RSA private key in PEM-encoded PKCS#1 format.
	PrivateKey []byte
	// PublicKey is the public key in OpenSSH authorized_keys format.
	PublicKey []byte
	// Fingerprint is the MD5 fingerprint of the public key, as most
	// providers display it.
	Fingerprint string
}

// Generate creates a DefaultBits RSA key pair
func Generate() (*KeyPair, error) {
	return GenerateRSAKeyPair(DefaultBits)
}

// GenerateRSAKeyPair generates a new RSA key pair with the specified bit size.
func GenerateRSAKeyPair(bits int) (*KeyPair, error) {
	privateKey, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, fmt.Errorf("failed to generate RSA private key: %w", err)
	}

	privBlock := pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(privateKey),
	}

	publicKey, err := ssh.NewPublicKey(&privateKey.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create SSH public key: %w", err)
	}

	return &KeyPair{
		PrivateKey:  pem.EncodeToMemory(&privBlock),
		PublicKey:   ssh.MarshalAuthorizedKey(publicKey),
		Fingerprint: ssh.FingerprintLegacyMD5(publicKey),
	}, nil
}

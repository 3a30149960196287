package data

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
)

const (
	privateKeyType  = "EC PRIVATE KEY"
	publicKeyType   = "PUBLIC KEY"
	certificateType = "CERTIFICATE"
)

var (
	ErrUnknownSigner = errors.New("no public key for producer")
	ErrBadSignature  = errors.New("publication signature does not verify")
)

// GeneratePrivateKey returns a new P-256 key.
func GeneratePrivateKey() (*ecdsa.PrivateKey, error) {
	return ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
}

func WritePrivateKeyFile(key *ecdsa.PrivateKey, path string) error {
	b, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return fmt.Errorf("marshal private key: %w", err)
	}
	return os.WriteFile(path, pem.EncodeToMemory(&pem.Block{Type: privateKeyType, Bytes: b}), 0o600)
}

func ReadPrivateKeyFile(path string) (*ecdsa.PrivateKey, error) {
	b, err := readPEM(path, privateKeyType)
	if err != nil {
		return nil, err
	}
	key, err := x509.ParseECPrivateKey(b)
	if err != nil {
		return nil, fmt.Errorf("parse private key %s: %w", path, err)
	}
	return key, nil
}

func WritePublicKeyFile(key *ecdsa.PublicKey, path string) error {
	b, err := x509.MarshalPKIXPublicKey(key)
	if err != nil {
		return fmt.Errorf("marshal public key: %w", err)
	}
	return os.WriteFile(path, pem.EncodeToMemory(&pem.Block{Type: publicKeyType, Bytes: b}), 0o644)
}

func ReadPublicKeyFile(path string) (*ecdsa.PublicKey, error) {
	b, err := readPEM(path, publicKeyType)
	if err != nil {
		return nil, err
	}
	k, err := x509.ParsePKIXPublicKey(b)
	if err != nil {
		return nil, fmt.Errorf("parse public key %s: %w", path, err)
	}
	key, ok := k.(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("public key %s is not an ECDSA key", path)
	}
	return key, nil
}

// ReadCertFile returns the PEM encoded certificate stored at path.
func ReadCertFile(path string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(raw)
	if block == nil || block.Type != certificateType {
		return nil, fmt.Errorf("%s: no %s block", path, certificateType)
	}
	return raw, nil
}

func readPEM(path, typ string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(raw)
	if block == nil || block.Type != typ {
		return nil, fmt.Errorf("%s: no %s block", path, typ)
	}
	return block.Bytes, nil
}

// ECDSASigner signs local publications and verifies fetched ones against
// the producers' public keys.
type ECDSASigner struct {
	priv *ecdsa.PrivateKey
	keys map[NodeID]*ecdsa.PublicKey
}

func NewECDSASigner(priv *ecdsa.PrivateKey, keys map[NodeID]*ecdsa.PublicKey) *ECDSASigner {
	return &ECDSASigner{priv: priv, keys: keys}
}

func (s *ECDSASigner) Sign(p *Publication) error {
	h := p.Digest()
	sig, err := ecdsa.SignASN1(rand.Reader, s.priv, h[:])
	if err != nil {
		return fmt.Errorf("sign %s: %w", p.Name(), err)
	}
	p.Signature = sig
	return nil
}

func (s *ECDSASigner) Verify(p *Publication) error {
	key, ok := s.keys[p.Producer]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSigner, p.Producer)
	}
	h := p.Digest()
	if !ecdsa.VerifyASN1(key, h[:], p.Signature) {
		return fmt.Errorf("%w: %s", ErrBadSignature, p.Name())
	}
	return nil
}

package token

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
)

// ErrConfig marks unusable key material. It is fatal: the delivery path
// cannot run unauthenticated, so callers should abort rather than retry.
var ErrConfig = errors.New("provider key configuration")

// FileSigner signs with a P-256 private key kept in a PEM file on disk.
//
// The key file is read on every signing event rather than held in memory.
// Signing happens at most once per token lifetime, so the extra read is
// cheap and a rotated key file is picked up without a restart.
type FileSigner struct {
	path string
}

// NewFileSigner returns a signer reading its key from path. The file is
// not touched until the first signing event.
func NewFileSigner(path string) *FileSigner {
	return &FileSigner{path: path}
}

// SignDigest signs the SHA-256 digest and returns the DER signature.
func (s *FileSigner) SignDigest(_ context.Context, digest []byte) ([]byte, error) {
	key, err := s.load()
	if err != nil {
		return nil, err
	}
	return ecdsa.SignASN1(rand.Reader, key, digest)
}

func (s *FileSigner) load() (*ecdsa.PrivateKey, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %v", ErrConfig, s.path, err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("%w: %s is not PEM", ErrConfig, s.path)
	}
	key, err := parseECKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: parsing %s: %v", ErrConfig, s.path, err)
	}
	if key.Curve != elliptic.P256() {
		return nil, fmt.Errorf("%w: key in %s must be P-256", ErrConfig, s.path)
	}
	return key, nil
}

// parseECKey accepts PKCS#8, the format Apple ships .p8 keys in, and
// falls back to SEC 1 for keys generated with openssl ecparam.
func parseECKey(der []byte) (*ecdsa.PrivateKey, error) {
	if key, err := x509.ParsePKCS8PrivateKey(der); err == nil {
		ec, ok := key.(*ecdsa.PrivateKey)
		if !ok {
			return nil, errors.New("key is not ECDSA")
		}
		return ec, nil
	}
	return x509.ParseECPrivateKey(der)
}

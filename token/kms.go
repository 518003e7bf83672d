package token

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/x509"
	"encoding/pem"
	"fmt"

	kms "cloud.google.com/go/kms/apiv1"
	"cloud.google.com/go/kms/apiv1/kmspb"
)

// KMSSigner signs provider tokens with a P-256 key held in Google Cloud
// KMS. The private key never leaves KMS; AsymmetricSign returns a DER
// signature that goes through the same raw conversion as local ones.
type KMSSigner struct {
	client  *kms.KeyManagementClient
	keyName string
}

// NewKMSSigner creates a KMS-backed signer. keyName should be in the
// format:
// projects/{project}/locations/{location}/keyRings/{keyRing}/cryptoKeys/{key}/cryptoKeyVersions/{version}
func NewKMSSigner(ctx context.Context, keyName string) (*KMSSigner, error) {
	client, err := kms.NewKeyManagementClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("creating KMS client: %w", err)
	}

	// Verify the key is a P-256 signing key now, not at the first
	// delivery.
	resp, err := client.GetPublicKey(ctx, &kmspb.GetPublicKeyRequest{
		Name: keyName,
	})
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: getting public key %s: %v", ErrConfig, keyName, err)
	}
	block, _ := pem.Decode([]byte(resp.Pem))
	if block == nil {
		client.Close()
		return nil, fmt.Errorf("%w: KMS public key is not PEM", ErrConfig)
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: parsing KMS public key: %v", ErrConfig, err)
	}
	ec, ok := pub.(*ecdsa.PublicKey)
	if !ok || ec.Curve != elliptic.P256() {
		client.Close()
		return nil, fmt.Errorf("%w: KMS key must be ECDSA P-256", ErrConfig)
	}

	return &KMSSigner{client: client, keyName: keyName}, nil
}

// SignDigest signs the SHA-256 digest with KMS and returns the DER
// signature.
func (s *KMSSigner) SignDigest(ctx context.Context, digest []byte) ([]byte, error) {
	resp, err := s.client.AsymmetricSign(ctx, &kmspb.AsymmetricSignRequest{
		Name: s.keyName,
		Digest: &kmspb.Digest{
			Digest: &kmspb.Digest_Sha256{
				Sha256: digest,
			},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("signing with KMS: %w", err)
	}
	return resp.Signature, nil
}

// Close closes the underlying KMS client.
func (s *KMSSigner) Close() error {
	return s.client.Close()
}

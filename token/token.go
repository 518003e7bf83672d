// Package token issues the ES256 provider tokens that APNs requires for
// token-based authentication, and converts ECDSA signatures into the raw
// fixed-width form the token's signature field uses.
package token

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// Signer produces a DER-encoded ECDSA P-256 signature over a SHA-256
// digest.
type Signer interface {
	SignDigest(ctx context.Context, digest []byte) ([]byte, error)
}

const (
	// Lifetime is how long an issued token stays valid. APNs rejects
	// provider tokens older than an hour.
	Lifetime = time.Hour

	// refreshMargin is how long before expiry a cached token is
	// considered stale and reissued.
	refreshMargin = 10 * time.Minute
)

// Issuer builds signed provider tokens and caches the current one so that
// signing happens roughly once per token lifetime, not once per delivery.
type Issuer struct {
	signer Signer
	keyID  string
	teamID string

	now func() time.Time

	mu        sync.RWMutex
	token     string
	expiresAt time.Time
}

// NewIssuer returns an issuer signing with the given key identifier and
// team identifier, both from the Apple developer account.
func NewIssuer(signer Signer, keyID, teamID string) *Issuer {
	return &Issuer{
		signer: signer,
		keyID:  keyID,
		teamID: teamID,
		now:    time.Now,
	}
}

// Bearer returns a provider token that stays valid for at least the
// refresh margin. The cached token is reused without any signing or key
// I/O until it nears expiry.
func (i *Issuer) Bearer(ctx context.Context) (string, error) {
	now := i.now()
	i.mu.RLock()
	token, expires := i.token, i.expiresAt
	i.mu.RUnlock()
	if token != "" && now.Before(expires.Add(-refreshMargin)) {
		return token, nil
	}
	return i.issue(ctx)
}

func (i *Issuer) issue(ctx context.Context) (string, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	// Another caller may have reissued while we waited for the lock.
	now := i.now()
	if i.token != "" && now.Before(i.expiresAt.Add(-refreshMargin)) {
		return i.token, nil
	}

	header, err := json.Marshal(struct {
		Alg string `json:"alg"`
		Kid string `json:"kid"`
	}{"ES256", i.keyID})
	if err != nil {
		return "", fmt.Errorf("marshaling token header: %w", err)
	}
	claims, err := json.Marshal(struct {
		Iss string `json:"iss"`
		Iat int64  `json:"iat"`
	}{i.teamID, now.Unix()})
	if err != nil {
		return "", fmt.Errorf("marshaling token claims: %w", err)
	}

	signing := base64.RawURLEncoding.EncodeToString(header) + "." +
		base64.RawURLEncoding.EncodeToString(claims)
	digest := sha256.Sum256([]byte(signing))
	der, err := i.signer.SignDigest(ctx, digest[:])
	if err != nil {
		return "", fmt.Errorf("signing provider token: %w", err)
	}
	raw, err := rawSignature(der)
	if err != nil {
		return "", fmt.Errorf("encoding provider token signature: %w", err)
	}

	i.token = signing + "." + base64.RawURLEncoding.EncodeToString(raw)
	i.expiresAt = now.Add(Lifetime)
	return i.token, nil
}

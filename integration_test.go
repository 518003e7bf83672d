package apns_test

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pushgate/apns"
	"github.com/pushgate/apns/registry"
	"github.com/pushgate/apns/token"
)

// TestIntegration_FullFlow exercises the whole dispatch path: a PEM key
// on disk, token issuance, device registration, delivery against a mock
// provider that verifies the ES256 token, and the rejection-driven
// unregistration pattern.
func TestIntegration_FullFlow(t *testing.T) {
	ctx := context.Background()

	// 1. Provider key on disk.
	privKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	der, err := x509.MarshalPKCS8PrivateKey(privKey)
	if err != nil {
		t.Fatalf("MarshalPKCS8PrivateKey() error = %v", err)
	}
	keyPath := filepath.Join(t.TempDir(), "AuthKey_ABC123DEFG.p8")
	pemData := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
	if err := os.WriteFile(keyPath, pemData, 0600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	issuer := token.NewIssuer(token.NewFileSigner(keyPath), "ABC123DEFG", "DEF123GHIJ")

	// 2. Mock provider that checks the provider token signature before
	// accepting anything.
	var gone atomic.Bool
	server := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := strings.TrimPrefix(r.Header.Get("authorization"), "bearer ")
		parts := strings.Split(auth, ".")
		if len(parts) != 3 {
			t.Errorf("provider token has %d segments, want 3", len(parts))
			w.WriteHeader(http.StatusForbidden)
			return
		}
		sig, err := base64.RawURLEncoding.DecodeString(parts[2])
		if err != nil || len(sig) != 64 {
			t.Errorf("provider token signature undecodable: %v (len %d)", err, len(sig))
			w.WriteHeader(http.StatusForbidden)
			return
		}
		digest := sha256.Sum256([]byte(parts[0] + "." + parts[1]))
		r1 := new(big.Int).SetBytes(sig[:32])
		s1 := new(big.Int).SetBytes(sig[32:])
		if !ecdsa.Verify(&privKey.PublicKey, digest[:], r1, s1) {
			t.Error("provider token signature did not verify")
			w.WriteHeader(http.StatusForbidden)
			return
		}
		if gone.Load() {
			w.WriteHeader(http.StatusGone)
			fmt.Fprint(w, `{"reason":"Unregistered","timestamp":1700000000000}`)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	server.EnableHTTP2 = true
	server.StartTLS()
	defer server.Close()

	// 3. Registry and client.
	store := registry.NewMemory()
	if err := store.Register(ctx, "abc123", &registry.Info{Label: "test device"}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	client := apns.NewClient(issuer, store, apns.Config{Topic: "com.example.app", Sandbox: true}).
		WithHTTPClient(server.Client()).
		WithHost(server.URL)
	defer client.Close()

	// 4. Deliver and observe the registry update.
	before := time.Now()
	res := client.Send(ctx, "abc123", &apns.Notification{Title: "Hi", Body: "There"})
	if res.Err != nil {
		t.Fatalf("Send() failed: %v", res.Err)
	}
	device, err := store.Get(ctx, "abc123")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if device.LastSeenAt.Before(before) {
		t.Errorf("LastSeenAt = %v, want >= %v", device.LastSeenAt, before)
	}

	// 5. The provider declares the token gone; the embedder reacts by
	// unregistering it.
	gone.Store(true)
	res = client.Send(ctx, "abc123", &apns.Notification{Title: "Hi", Body: "Again"})
	if res.Err == nil {
		t.Fatal("Send() succeeded after the provider declared the token gone")
	}
	if !res.Err.Unregistered() {
		t.Fatalf("Send() error = %v, want an unregistered signal", res.Err)
	}
	if removed, err := store.Unregister(ctx, res.Device); err != nil || !removed {
		t.Errorf("Unregister() = %v, %v; want true, nil", removed, err)
	}
	if n, _ := store.Count(ctx); n != 0 {
		t.Errorf("Count() = %d, want 0 after cleanup", n)
	}
}

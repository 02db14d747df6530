package coinbase

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus/hooks/test"
)

func TestJWTAuthenticatorSignsRequest(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	der, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatal(err)
	}
	pemKey := string(pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der}))

	auth, err := NewJWTAuthenticator("organizations/o/apiKeys/k", pemKey)
	if err != nil {
		t.Fatalf("NewJWTAuthenticator: %v", err)
	}

	req, _ := http.NewRequest(http.MethodGet, "https://api.coinbase.com/api/v3/brokerage/orders", nil)
	if err := auth.AddAuthHeaders(req, http.MethodGet, "/api/v3/brokerage/orders", ""); err != nil {
		t.Fatalf("AddAuthHeaders: %v", err)
	}

	raw := strings.TrimPrefix(req.Header.Get("Authorization"), "Bearer ")
	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(tok *jwt.Token) (interface{}, error) {
		return &key.PublicKey, nil
	})
	if err != nil || !token.Valid {
		t.Fatalf("token did not verify: %v", err)
	}
	if claims["uri"] != "GET api.coinbase.com/api/v3/brokerage/orders" {
		t.Errorf("uri claim = %v", claims["uri"])
	}
	if token.Header["kid"] != "organizations/o/apiKeys/k" {
		t.Errorf("kid = %v", token.Header["kid"])
	}

	wsToken, err := auth.WebSocketJWT()
	if err != nil || wsToken == "" {
		t.Fatalf("WebSocketJWT: %q %v", wsToken, err)
	}
}

func TestNewJWTAuthenticatorRejectsGarbage(t *testing.T) {
	if _, err := NewJWTAuthenticator("k", "not pem"); err == nil {
		t.Fatal("expected error for invalid PEM")
	}
}

func TestBearerRefreshIsShared(t *testing.T) {
	logger, _ := test.NewNullLogger()
	var calls int32
	release := make(chan struct{})
	auth := NewBearerAuthenticator("old", func(ctx context.Context) (string, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return "new", nil
	}, logger)

	var wg sync.WaitGroup
	errs := make(chan error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- auth.Refresh(context.Background())
		}()
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Errorf("Refresh: %v", err)
		}
	}
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Errorf("refresh callback ran %d times, want 1", n)
	}
	if auth.Token() != "new" {
		t.Errorf("token = %q", auth.Token())
	}
}

func TestBearerWithoutToken(t *testing.T) {
	logger, _ := test.NewNullLogger()
	auth := NewBearerAuthenticator("", nil, logger)
	req, _ := http.NewRequest(http.MethodGet, "https://example.com", nil)
	if err := auth.AddAuthHeaders(req, "GET", "/", ""); !errors.Is(err, ErrNoCredential) {
		t.Errorf("AddAuthHeaders err = %v", err)
	}
	if err := auth.Refresh(context.Background()); !errors.Is(err, ErrNoCredential) {
		t.Errorf("Refresh err = %v", err)
	}
}

package coinbase

import (
	"context"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// AuthType represents the authentication method
type AuthType string

const (
	AuthTypeJWT   AuthType = "jwt"
	AuthTypeOAuth AuthType = "oauth"
)

// Authenticator interface for different auth methods
type Authenticator interface {
	AddAuthHeaders(req *http.Request, method, path, body string) error
	Refresh(ctx context.Context) error
}

// JWTAuthenticator signs every request with a short-lived ES256 JWT built
// from a CDP API key.
type JWTAuthenticator struct {
	apiKeyName string
	privateKey *ecdsa.PrivateKey
	now        func() time.Time
}

func NewJWTAuthenticator(apiKeyName, privateKeyPEM string) (*JWTAuthenticator, error) {
	// Parse the private key
	block, _ := pem.Decode([]byte(privateKeyPEM))
	if block == nil {
		return nil, fmt.Errorf("failed to parse PEM block containing the private key")
	}

	privateKey, err := x509.ParseECPrivateKey(block.Bytes)
	if err != nil {
		// Try PKCS8 format
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse EC private key: %w", err)
		}
		var ok bool
		privateKey, ok = key.(*ecdsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("not an EC private key")
		}
	}

	return &JWTAuthenticator{
		apiKeyName: apiKeyName,
		privateKey: privateKey,
		now:        time.Now,
	}, nil
}

func (j *JWTAuthenticator) AddAuthHeaders(req *http.Request, method, path, body string) error {
	token, err := j.generateJWT(method + " " + req.URL.Host + path)
	if err != nil {
		return fmt.Errorf("failed to generate JWT: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+token)
	return nil
}

// Refresh is a no-op: a fresh JWT is minted for every request.
func (j *JWTAuthenticator) Refresh(ctx context.Context) error {
	return nil
}

// WebSocketJWT returns a token for the feed subscribe message, which carries
// no request URI.
func (j *JWTAuthenticator) WebSocketJWT() (string, error) {
	return j.generateJWT("")
}

func (j *JWTAuthenticator) generateJWT(uri string) (string, error) {
	nonce, err := generateNonce()
	if err != nil {
		return "", err
	}

	now := j.now()
	claims := jwt.MapClaims{
		"sub": j.apiKeyName,
		"iss": "cdp",
		"nbf": now.Unix(),
		"exp": now.Add(2 * time.Minute).Unix(),
	}
	if uri != "" {
		claims["uri"] = uri
	}

	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	token.Header["kid"] = j.apiKeyName
	token.Header["nonce"] = nonce

	tokenString, err := token.SignedString(j.privateKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}

	return tokenString, nil
}

func generateNonce() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// TokenRefresher obtains a fresh OAuth access token. Acquisition and storage
// of tokens live outside this package.
type TokenRefresher func(ctx context.Context) (string, error)

// BearerAuthenticator attaches an OAuth access token. Concurrent Refresh
// calls share a single in-flight refresh.
type BearerAuthenticator struct {
	mu      sync.RWMutex
	token   string
	refresh TokenRefresher
	group   singleflight.Group
	logger  *logrus.Entry
}

func NewBearerAuthenticator(token string, refresh TokenRefresher, logger *logrus.Logger) *BearerAuthenticator {
	return &BearerAuthenticator{
		token:   token,
		refresh: refresh,
		logger:  logger.WithField("component", "bearer_auth"),
	}
}

func (b *BearerAuthenticator) Token() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.token
}

func (b *BearerAuthenticator) AddAuthHeaders(req *http.Request, method, path, body string) error {
	token := b.Token()
	if token == "" {
		return ErrNoCredential
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return nil
}

func (b *BearerAuthenticator) Refresh(ctx context.Context) error {
	if b.refresh == nil {
		return fmt.Errorf("refresh token: %w", ErrNoCredential)
	}

	ch := b.group.DoChan("refresh", func() (interface{}, error) {
		token, err := b.refresh(ctx)
		if err != nil {
			return nil, err
		}
		if token == "" {
			return nil, ErrNoCredential
		}
		b.mu.Lock()
		b.token = token
		b.mu.Unlock()
		b.logger.Info("Access token refreshed")
		return token, nil
	})

	select {
	case <-ctx.Done():
		return ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return fmt.Errorf("refresh token: %w", res.Err)
		}
		return nil
	}
}

package auth

import (
	"context"
	"crypto/rsa"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/google/uuid"
)

const assertionLifetime = 5 * time.Minute

// PrivateKeyJWTProvider signs a short-lived JWT assertion with an RSA
// private key loaded from disk and presents it as a bearer token,
// re-signing once the cached assertion is within a minute of expiry.
type PrivateKeyJWTProvider struct {
	issuer   string
	audience string
	keyID    string
	key      *rsa.PrivateKey

	mu        sync.Mutex
	cached    string
	expiresAt time.Time
}

// NewPrivateKeyJWTProvider loads the PEM-encoded RSA private key at
// keyPath and returns a provider that signs assertions with it.
func NewPrivateKeyJWTProvider(issuer, audience, keyPath, keyID string) (*PrivateKeyJWTProvider, error) {
	raw, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("reading private key %s: %w", keyPath, err)
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM(raw)
	if err != nil {
		return nil, fmt.Errorf("parsing private key %s: %w", keyPath, err)
	}
	return &PrivateKeyJWTProvider{issuer: issuer, audience: audience, keyID: keyID, key: key}, nil
}

// Authenticate implements Provider.
func (p *PrivateKeyJWTProvider) Authenticate(_ context.Context, req *http.Request) error {
	token, err := p.assertion()
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return nil
}

func (p *PrivateKeyJWTProvider) assertion() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cached != "" && time.Until(p.expiresAt) > time.Minute {
		return p.cached, nil
	}

	now := time.Now()
	expiresAt := now.Add(assertionLifetime)
	claims := jwt.RegisteredClaims{
		Issuer:    p.issuer,
		Subject:   p.issuer,
		Audience:  jwt.ClaimStrings{p.audience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
		ID:        uuid.NewString(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	if p.keyID != "" {
		token.Header["kid"] = p.keyID
	}

	signed, err := token.SignedString(p.key)
	if err != nil {
		return "", fmt.Errorf("signing private_key_jwt assertion: %w", err)
	}

	p.cached = signed
	p.expiresAt = expiresAt
	return signed, nil
}

// StaticPrivateKeyJWTProvider presents a pre-issued JWT assertion as-is,
// for backends that were handed a long-lived signed token out of band.
type StaticPrivateKeyJWTProvider struct {
	Token string
}

// Authenticate implements Provider.
func (p *StaticPrivateKeyJWTProvider) Authenticate(_ context.Context, req *http.Request) error {
	req.Header.Set("Authorization", "Bearer "+p.Token)
	return nil
}

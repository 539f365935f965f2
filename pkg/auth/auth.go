// Package auth implements outgoing authentication for downstream HTTP and
// SSE backends: one Provider per auth kind declared in a spell file, each
// resolving ${VAR} placeholders through the shared .env store rather than
// ever holding a raw secret in a spell file.
package auth

import (
	"context"
	"fmt"
	"net/http"

	"github.com/stacklok/mcp-grimoire/pkg/spell"
)

// Resolver resolves a spell-file value that may be a literal or a ${VAR}
// placeholder. pkg/paths.EnvStore satisfies this.
type Resolver interface {
	ResolvePlaceholder(value string) (string, error)
}

// Provider authenticates an outgoing HTTP request to a downstream backend.
type Provider interface {
	Authenticate(ctx context.Context, req *http.Request) error
}

// New builds the concrete Provider for a as declared by a spell's auth
// block, using resolver to expand any ${VAR} placeholders up front.
func New(a *spell.Auth, resolver Resolver) (Provider, error) {
	if a == nil {
		return noopProvider{}, nil
	}

	switch a.Kind {
	case spell.AuthBearer:
		token, err := resolver.ResolvePlaceholder(a.Token)
		if err != nil {
			return nil, fmt.Errorf("resolving bearer token: %w", err)
		}
		return &BearerProvider{Token: token}, nil

	case spell.AuthBasic:
		username, err := resolver.ResolvePlaceholder(a.Username)
		if err != nil {
			return nil, fmt.Errorf("resolving basic auth username: %w", err)
		}
		password, err := resolver.ResolvePlaceholder(a.Password)
		if err != nil {
			return nil, fmt.Errorf("resolving basic auth password: %w", err)
		}
		return &BasicProvider{Username: username, Password: password}, nil

	case spell.AuthClientCredentials:
		clientID, err := resolver.ResolvePlaceholder(a.ClientID)
		if err != nil {
			return nil, fmt.Errorf("resolving client_id: %w", err)
		}
		clientSecret, err := resolver.ResolvePlaceholder(a.ClientSecret)
		if err != nil {
			return nil, fmt.Errorf("resolving client_secret: %w", err)
		}
		return NewClientCredentialsProvider(a.TokenURL, clientID, clientSecret, a.Scopes), nil

	case spell.AuthPrivateKeyJWT:
		keyPath, err := resolver.ResolvePlaceholder(a.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("resolving private_key_path: %w", err)
		}
		return NewPrivateKeyJWTProvider(a.Issuer, a.Audience, keyPath, a.KeyID)

	case spell.AuthStaticPrivateKeyJWT:
		token, err := resolver.ResolvePlaceholder(a.StaticToken)
		if err != nil {
			return nil, fmt.Errorf("resolving static_token: %w", err)
		}
		return &StaticPrivateKeyJWTProvider{Token: token}, nil

	default:
		return nil, fmt.Errorf("unknown auth kind %q", a.Kind)
	}
}

type noopProvider struct{}

func (noopProvider) Authenticate(context.Context, *http.Request) error { return nil }

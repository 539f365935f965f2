package auth

import (
	"context"
	"net/http"
)

// BearerProvider sets a static Authorization: Bearer header.
type BearerProvider struct {
	Token string
}

// Authenticate implements Provider.
func (p *BearerProvider) Authenticate(_ context.Context, req *http.Request) error {
	req.Header.Set("Authorization", "Bearer "+p.Token)
	return nil
}

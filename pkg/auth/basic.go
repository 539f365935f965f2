package auth

import (
	"context"
	"net/http"
)

// BasicProvider sets HTTP Basic authentication credentials.
type BasicProvider struct {
	Username string
	Password string
}

// Authenticate implements Provider.
func (p *BasicProvider) Authenticate(_ context.Context, req *http.Request) error {
	req.SetBasicAuth(p.Username, p.Password)
	return nil
}

package mcpbackend

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

type fakeProvider struct {
	called bool
}

func (f *fakeProvider) Authenticate(_ context.Context, req *http.Request) error {
	f.called = true
	req.Header.Set("Authorization", "Bearer injected")
	return nil
}

func TestAuthRoundTripper_InjectsHeadersAndAuth(t *testing.T) {
	var gotAuth, gotCustom string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotCustom = r.Header.Get("X-Custom")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	provider := &fakeProvider{}
	rt := &authRoundTripper{provider: provider, headers: map[string]string{"X-Custom": "v1"}}
	httpClient := &http.Client{Transport: rt}

	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	resp, err := httpClient.Do(req)
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	defer resp.Body.Close()

	if !provider.called {
		t.Error("expected provider.Authenticate to be called")
	}
	if gotAuth != "Bearer injected" {
		t.Errorf("Authorization header = %q, want Bearer injected", gotAuth)
	}
	if gotCustom != "v1" {
		t.Errorf("X-Custom header = %q, want v1", gotCustom)
	}
}

func TestAuthRoundTripper_NoProviderStillSendsStaticHeaders(t *testing.T) {
	var gotCustom string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotCustom = r.Header.Get("X-Custom")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	rt := &authRoundTripper{headers: map[string]string{"X-Custom": "v2"}}
	httpClient := &http.Client{Transport: rt}

	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	resp, err := httpClient.Do(req)
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	defer resp.Body.Close()

	if gotCustom != "v2" {
		t.Errorf("X-Custom header = %q, want v2", gotCustom)
	}
}

var (
	_ Backend = (*StdioBackend)(nil)
	_ Backend = (*HTTPBackend)(nil)
	_ Backend = (*SSEBackend)(nil)
)

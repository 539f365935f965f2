// Package spell defines the Spell configuration model and the on-disk
// discovery that keeps a live map of spells in sync with a directory of
// spell files.
package spell

import (
	"fmt"
	"regexp"

	"gopkg.in/yaml.v3"
)

var namePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]*$`)

// Transport identifies which of the three backend transports a spell uses.
type Transport string

// Supported transports.
const (
	TransportStdio Transport = "stdio"
	TransportHTTP  Transport = "http"
	TransportSSE   Transport = "sse"
)

// AuthKind identifies which authentication scheme an HTTP/SSE spell uses.
type AuthKind string

// Supported auth kinds.
const (
	AuthBearer                AuthKind = "bearer"
	AuthBasic                 AuthKind = "basic"
	AuthClientCredentials     AuthKind = "client_credentials"
	AuthPrivateKeyJWT         AuthKind = "private_key_jwt"
	AuthStaticPrivateKeyJWT   AuthKind = "static_private_key_jwt"
)

// Auth is a tagged union over the five supported authentication schemes.
// Only the fields for Kind are populated; the parser enforces this at
// unmarshal time so downstream code never type-switches on strings.
type Auth struct {
	Kind AuthKind

	// bearer
	Token string

	// basic
	Username string
	Password string

	// client_credentials
	TokenURL     string
	ClientID     string
	ClientSecret string
	Scopes       []string

	// private_key_jwt / static_private_key_jwt
	Issuer         string
	Audience       string
	PrivateKeyPath string
	KeyID          string
	StaticToken    string // static_private_key_jwt only: a pre-issued assertion
}

// Server is a tagged union over the three supported backend transports.
type Server struct {
	Transport Transport

	// stdio
	Command string
	Args    []string
	Env     map[string]string

	// http / sse
	URL     string
	Headers map[string]string
	Auth    *Auth
}

// Spell is the unit of gateway configuration, loaded from one file.
type Spell struct {
	Name        string   `yaml:"name"`
	Version     string   `yaml:"version"`
	Description string   `yaml:"description"`
	Keywords    []string `yaml:"keywords"`
	Steering    string   `yaml:"steering,omitempty"`
	Server      Server   `yaml:"-"`

	// sourcePath and modTime are populated by discovery, not parsed from
	// the file itself.
	sourcePath string
	modTime    int64
}

// yamlSpell mirrors the on-disk shape before the Server/Auth tagged unions
// are resolved and validated.
type yamlSpell struct {
	Name        string            `yaml:"name"`
	Version     string            `yaml:"version"`
	Description string            `yaml:"description"`
	Keywords    []string          `yaml:"keywords"`
	Steering    string            `yaml:"steering"`
	ServerBlock yamlServer        `yaml:"server"`
}

type yamlServer struct {
	Transport string            `yaml:"transport"`
	Command   string            `yaml:"command"`
	Args      []string          `yaml:"args"`
	Env       map[string]string `yaml:"env"`
	URL       string            `yaml:"url"`
	Headers   map[string]string `yaml:"headers"`
	Auth      *yamlAuth         `yaml:"auth"`
}

type yamlAuth struct {
	Kind string `yaml:"kind"`

	Token string `yaml:"token"`

	Username string `yaml:"username"`
	Password string `yaml:"password"`

	TokenURL     string   `yaml:"token_url"`
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	Scopes       []string `yaml:"scopes"`

	Issuer         string `yaml:"issuer"`
	Audience       string `yaml:"audience"`
	PrivateKeyPath string `yaml:"private_key_path"`
	KeyID          string `yaml:"key_id"`
	StaticToken    string `yaml:"static_token"`
}

// Parse parses and validates a spell file's contents.
func Parse(data []byte) (*Spell, error) {
	var raw yamlSpell
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing spell yaml: %w", err)
	}

	s := &Spell{
		Name:        raw.Name,
		Version:     raw.Version,
		Description: raw.Description,
		Keywords:    raw.Keywords,
		Steering:    raw.Steering,
	}

	if err := s.validateScalars(); err != nil {
		return nil, err
	}

	server, err := buildServer(raw.ServerBlock)
	if err != nil {
		return nil, fmt.Errorf("spell %q: %w", s.Name, err)
	}
	s.Server = server

	return s, nil
}

func (s *Spell) validateScalars() error {
	if !namePattern.MatchString(s.Name) {
		return fmt.Errorf("invalid spell name %q: must match %s", s.Name, namePattern.String())
	}
	if len(s.Keywords) < 3 {
		return fmt.Errorf("spell %q: must declare at least 3 keywords", s.Name)
	}
	return nil
}

func buildServer(raw yamlServer) (Server, error) {
	transport := Transport(raw.Transport)
	switch transport {
	case TransportStdio:
		if raw.Command == "" {
			return Server{}, fmt.Errorf("stdio server requires command")
		}
		return Server{
			Transport: transport,
			Command:   raw.Command,
			Args:      raw.Args,
			Env:       raw.Env,
		}, nil
	case TransportHTTP, TransportSSE:
		if raw.URL == "" {
			return Server{}, fmt.Errorf("%s server requires url", transport)
		}
		auth, err := buildAuth(raw.Auth)
		if err != nil {
			return Server{}, err
		}
		return Server{
			Transport: transport,
			URL:       raw.URL,
			Headers:   raw.Headers,
			Auth:      auth,
		}, nil
	default:
		return Server{}, fmt.Errorf("unknown transport %q", raw.Transport)
	}
}

func buildAuth(raw *yamlAuth) (*Auth, error) {
	if raw == nil {
		return nil, nil
	}
	kind := AuthKind(raw.Kind)
	switch kind {
	case AuthBearer:
		if raw.Token == "" {
			return nil, fmt.Errorf("bearer auth requires token")
		}
		return &Auth{Kind: kind, Token: raw.Token}, nil
	case AuthBasic:
		if raw.Username == "" || raw.Password == "" {
			return nil, fmt.Errorf("basic auth requires username and password")
		}
		return &Auth{Kind: kind, Username: raw.Username, Password: raw.Password}, nil
	case AuthClientCredentials:
		if raw.TokenURL == "" || raw.ClientID == "" || raw.ClientSecret == "" {
			return nil, fmt.Errorf("client_credentials auth requires token_url, client_id, client_secret")
		}
		return &Auth{
			Kind:         kind,
			TokenURL:     raw.TokenURL,
			ClientID:     raw.ClientID,
			ClientSecret: raw.ClientSecret,
			Scopes:       raw.Scopes,
		}, nil
	case AuthPrivateKeyJWT:
		if raw.Issuer == "" || raw.PrivateKeyPath == "" {
			return nil, fmt.Errorf("private_key_jwt auth requires issuer and private_key_path")
		}
		return &Auth{
			Kind:           kind,
			Issuer:         raw.Issuer,
			Audience:       raw.Audience,
			PrivateKeyPath: raw.PrivateKeyPath,
			KeyID:          raw.KeyID,
		}, nil
	case AuthStaticPrivateKeyJWT:
		if raw.StaticToken == "" {
			return nil, fmt.Errorf("static_private_key_jwt auth requires static_token")
		}
		return &Auth{Kind: kind, StaticToken: raw.StaticToken}, nil
	default:
		return nil, fmt.Errorf("unknown auth kind %q", raw.Kind)
	}
}

// IndexedText is the concatenation used to key the embedding store:
// name, keywords, description, and (per the steering open-question
// resolution) steering text.
func (s *Spell) IndexedText() string {
	text := s.Name + " "
	for i, kw := range s.Keywords {
		if i > 0 {
			text += " "
		}
		text += kw
	}
	text += " " + s.Description
	if s.Steering != "" {
		text += " " + s.Steering
	}
	return text
}

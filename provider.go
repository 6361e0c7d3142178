package siwa

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"golang.org/x/oauth2"
)

const (
	defaultSecretTTL = 24 * time.Hour
	// Apple rejects client secrets valid for longer than six months.
	maxSecretTTL = 15777000 * time.Second
)

// SecretFactory allows callers to override how client secrets are minted.
type SecretFactory func(context.Context, string, SecretParams) (oauth2.TokenSource, error)

// ClientSecretConfig describes the developer key used to sign client secrets.
type ClientSecretConfig struct {
	TeamID        string
	KeyID         string
	PrivateKeyPEM []byte
	TTL           time.Duration
	SecretFactory SecretFactory
}

// SecretParams are the inputs for minting one client secret.
type SecretParams struct {
	TeamID string
	KeyID  string
	TTL    time.Duration

	signingKey jwk.Key
}

// SecretOption customizes the behaviour for a single ClientSecret call.
type SecretOption func(*SecretParams)

// WithSecretTTL overrides how long the minted secret stays valid.
func WithSecretTTL(ttl time.Duration) SecretOption {
	return func(p *SecretParams) {
		p.TTL = ttl
	}
}

// ClientSecretProvider mints the ES256 client secrets Apple's token endpoint
// expects. Secrets are cached per (client ID, TTL) and re-minted on expiry.
type ClientSecretProvider struct {
	mu       sync.RWMutex
	factory  SecretFactory
	entries  map[secretKey]*secretSourceEntry
	defaults SecretParams
}

type secretKey struct {
	ClientID string
	TTL      time.Duration
}

type secretSourceEntry struct {
	source oauth2.TokenSource
}

// NewClientSecretProvider constructs a provider from the developer key.
func NewClientSecretProvider(cfg ClientSecretConfig) (*ClientSecretProvider, error) {
	factory := cfg.SecretFactory
	defaults := SecretParams{
		TeamID: cfg.TeamID,
		KeyID:  cfg.KeyID,
		TTL:    cfg.TTL,
	}
	if defaults.TTL <= 0 {
		defaults.TTL = defaultSecretTTL
	}
	if factory == nil {
		switch {
		case cfg.TeamID == "":
			return nil, errors.New("team id is required")
		case cfg.KeyID == "":
			return nil, errors.New("key id is required")
		case len(cfg.PrivateKeyPEM) == 0:
			return nil, errors.New("private key is required")
		}
		key, err := jwk.ParseKey(cfg.PrivateKeyPEM, jwk.WithPEM(true))
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		if key.KeyType() != jwa.EC {
			return nil, fmt.Errorf("private key must be an EC key, got %s", key.KeyType())
		}
		if err := key.Set(jwk.KeyIDKey, cfg.KeyID); err != nil {
			return nil, fmt.Errorf("set kid: %w", err)
		}
		defaults.signingKey = key
		factory = defaultSecretFactory
	}
	return &ClientSecretProvider{
		factory:  factory,
		entries:  make(map[secretKey]*secretSourceEntry),
		defaults: defaults,
	}, nil
}

// ClientSecret returns a signed client secret for clientID.
func (p *ClientSecretProvider) ClientSecret(ctx context.Context, clientID string, opts ...SecretOption) (string, error) {
	if strings.TrimSpace(clientID) == "" {
		return "", errors.New("client id is required")
	}

	params := p.defaults
	for _, opt := range opts {
		opt(&params)
	}
	if params.TTL <= 0 || params.TTL > maxSecretTTL {
		return "", fmt.Errorf("secret ttl %s outside (0, %s]", params.TTL, maxSecretTTL)
	}

	key := secretKey{ClientID: clientID, TTL: params.TTL}
	entry, err := p.getOrCreate(ctx, key, params)
	if err != nil {
		return "", err
	}

	tok, err := entry.source.Token()
	if err != nil {
		return "", fmt.Errorf("mint client secret: %w", err)
	}
	if tok.AccessToken == "" {
		return "", errors.New("empty client secret returned")
	}
	return tok.AccessToken, nil
}

func (p *ClientSecretProvider) getOrCreate(ctx context.Context, key secretKey, params SecretParams) (*secretSourceEntry, error) {
	p.mu.RLock()
	entry, ok := p.entries[key]
	p.mu.RUnlock()
	if ok {
		return entry, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if entry, ok = p.entries[key]; ok {
		return entry, nil
	}

	ts, err := p.factory(ctx, key.ClientID, params)
	if err != nil {
		return nil, err
	}
	entry = &secretSourceEntry{source: oauth2.ReuseTokenSource(nil, ts)}
	p.entries[key] = entry
	return entry, nil
}

func defaultSecretFactory(_ context.Context, clientID string, params SecretParams) (oauth2.TokenSource, error) {
	if params.signingKey == nil {
		return nil, errors.New("no signing key configured")
	}
	return &secretSource{clientID: clientID, params: params, now: time.Now}, nil
}

type secretSource struct {
	clientID string
	params   SecretParams
	now      func() time.Time
}

func (s *secretSource) Token() (*oauth2.Token, error) {
	now := s.now().UTC()
	expiry := now.Add(s.params.TTL)
	tok, err := jwt.NewBuilder().
		Issuer(s.params.TeamID).
		Subject(s.clientID).
		Audience([]string{AppleIssuer}).
		IssuedAt(now).
		Expiration(expiry).
		Build()
	if err != nil {
		return nil, fmt.Errorf("build client secret: %w", err)
	}
	tok.Options().Enable(jwt.FlattenAudience)

	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.ES256, s.params.signingKey))
	if err != nil {
		return nil, fmt.Errorf("sign client secret: %w", err)
	}
	return &oauth2.Token{
		AccessToken: string(signed),
		TokenType:   "client_secret",
		Expiry:      expiry,
	}, nil
}

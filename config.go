package siwa

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	// AppleIssuer is the only issuer accepted for identity tokens.
	AppleIssuer = "https://appleid.apple.com"
	// AppleKeysURL is the published key directory.
	AppleKeysURL = "https://appleid.apple.com/auth/keys"
	// AppleTokenURL is the authorization code exchange endpoint.
	AppleTokenURL = "https://appleid.apple.com/auth/token"
	// AppleAuthURL is the authorization endpoint.
	AppleAuthURL = "https://appleid.apple.com/auth/authorize"

	defaultClockSkew   = 30 * time.Second
	defaultHTTPTimeout = 5 * time.Second
)

// HTTPDoer is the HTTP capability used to reach Apple.
type HTTPDoer interface {
	Do(*http.Request) (*http.Response, error)
}

// Config controls how tokens are verified.
type Config struct {
	// KeysURL overrides the key directory endpoint. Defaults to AppleKeysURL.
	KeysURL string
	// ClockSkew is tolerated when checking exp, nbf and iat.
	ClockSkew time.Duration
	// HTTPTimeout bounds a single key directory fetch.
	HTTPTimeout time.Duration
	// HTTPClient replaces the default instrumented client.
	HTTPClient HTTPDoer
	// AllowedAlgorithms lists the header algorithms accepted for signature
	// verification. Defaults to RS256, the only algorithm Apple publishes.
	AllowedAlgorithms []jwa.SignatureAlgorithm
	// Logger receives debug output. Defaults to a no-op logger.
	Logger *zerolog.Logger
}

// normalize sets default values for optional fields.
func (c *Config) normalize() {
	if c.KeysURL == "" {
		c.KeysURL = AppleKeysURL
	}
	if c.ClockSkew <= 0 {
		c.ClockSkew = defaultClockSkew
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = defaultHTTPTimeout
	}
	if c.HTTPClient == nil {
		c.HTTPClient = newHTTPClient(c.HTTPTimeout)
	}
	if len(c.AllowedAlgorithms) == 0 {
		c.AllowedAlgorithms = []jwa.SignatureAlgorithm{jwa.RS256}
	}
	if c.Logger == nil {
		nop := zerolog.Nop()
		c.Logger = &nop
	}
}

// validate ensures the configuration is usable.
func (c Config) validate() error {
	u, err := url.Parse(c.KeysURL)
	if err != nil {
		return fmt.Errorf("keys url: %w", err)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return fmt.Errorf("keys url %q must be http(s)", c.KeysURL)
	}
	for _, alg := range c.AllowedAlgorithms {
		if alg == "" || alg == jwa.NoSignature {
			return errors.New("allowed algorithms must not contain an empty or none algorithm")
		}
	}
	return nil
}

func (c Config) algorithmAllowed(alg jwa.SignatureAlgorithm) bool {
	for _, allowed := range c.AllowedAlgorithms {
		if allowed == alg {
			return true
		}
	}
	return false
}

func newHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: otelhttp.NewTransport(&http.Transport{
			Proxy: http.ProxyFromEnvironment,
		}),
	}
}

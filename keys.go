package siwa

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/goccy/go-json"
	"github.com/lestrrat-go/jwx/v2/jwk"
)

const maxKeyDirectoryBytes = 1 << 20

// KeySetEntry is one published signing key.
type KeySetEntry struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Use string `json:"use,omitempty"`
	Alg string `json:"alg,omitempty"`
	N   string `json:"n"`
	E   string `json:"e"`
}

// PublicKey converts the entry into a key usable for signature verification.
func (k KeySetEntry) PublicKey() (jwk.Key, error) {
	raw, err := json.Marshal(k)
	if err != nil {
		return nil, fmt.Errorf("encode key %q: %w", k.Kid, err)
	}
	key, err := jwk.ParseKey(raw)
	if err != nil {
		return nil, fmt.Errorf("parse key %q: %w", k.Kid, err)
	}
	return key, nil
}

// KeyDirectory maps key identifiers to published keys.
type KeyDirectory map[string]KeySetEntry

type keyDirectoryDocument struct {
	Keys *[]KeySetEntry `json:"keys"`
}

// FetchKeys downloads the current key directory. Every call hits the network.
// A non-2xx response is reported as ErrCodeTransport without reading the body.
func (v *Verifier) FetchKeys(ctx context.Context) (KeyDirectory, error) {
	log := v.cfg.Logger.With().Str("url", v.cfg.KeysURL).Logger()

	fetchCtx, cancel := context.WithTimeout(ctx, v.cfg.HTTPTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(fetchCtx, http.MethodGet, v.cfg.KeysURL, nil)
	if err != nil {
		return nil, newError(ErrCodeTransport, fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Accept", "application/json")

	resp, err := v.cfg.HTTPClient.Do(req)
	if err != nil {
		log.Debug().Err(err).Msg("key directory request failed")
		return nil, newError(ErrCodeTransport, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		log.Debug().Int("status", resp.StatusCode).Msg("key directory returned error status")
		return nil, newError(ErrCodeTransport, fmt.Errorf("unexpected status %d", resp.StatusCode))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxKeyDirectoryBytes))
	if err != nil {
		return nil, newError(ErrCodeTransport, fmt.Errorf("read body: %w", err))
	}

	var doc keyDirectoryDocument
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, newError(ErrCodePayloadDecode, fmt.Errorf("decode key directory: %w", err))
	}
	if doc.Keys == nil {
		return nil, newError(ErrCodeKeyDirectoryUnavailable, errors.New(`response has no "keys" field`))
	}

	directory := make(KeyDirectory, len(*doc.Keys))
	for _, entry := range *doc.Keys {
		directory[entry.Kid] = entry
	}
	log.Debug().Int("keys", len(directory)).Msg("fetched key directory")
	return directory, nil
}

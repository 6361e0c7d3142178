package siwa

import (
	"context"
	"errors"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jws"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// DecodeToken verifies token against the current Apple key directory and
// decodes its payload into C. When ignoreExpiry is true no time based claims
// are checked.
func DecodeToken[C ClaimsShape](ctx context.Context, v *Verifier, token string, ignoreExpiry bool) (*VerifiedToken[C], error) {
	if token == "" {
		return nil, newError(ErrCodeSignatureOrClaims, errors.New("token is empty"))
	}

	if _, _, _, err := jws.SplitCompact([]byte(token)); err != nil {
		return nil, newError(ErrCodeSignatureOrClaims, fmt.Errorf("token is not in compact form: %w", err))
	}
	msg, err := jws.Parse([]byte(token))
	if err != nil {
		return nil, newError(ErrCodeSignatureOrClaims, fmt.Errorf("parse header: %w", err))
	}
	sigs := msg.Signatures()
	if len(sigs) != 1 {
		return nil, newError(ErrCodeSignatureOrClaims, fmt.Errorf("expected one signature, got %d", len(sigs)))
	}
	protected := sigs[0].ProtectedHeaders()
	header := Header{
		Algorithm: protected.Algorithm(),
		KeyID:     protected.KeyID(),
	}

	if header.Algorithm == "" || header.Algorithm == jwa.NoSignature {
		return nil, newError(ErrCodeHeaderAlgorithmUnspecified, nil)
	}
	if header.KeyID == "" {
		return nil, newError(ErrCodeKeyIDMissing, nil)
	}

	log := v.cfg.Logger.With().Str("kid", header.KeyID).Str("alg", header.Algorithm.String()).Logger()

	directory, err := v.FetchKeys(ctx)
	if err != nil {
		return nil, err
	}
	entry, ok := directory[header.KeyID]
	if !ok {
		log.Debug().Msg("key id not in directory")
		return nil, newError(ErrCodeKeyNotFound, fmt.Errorf("kid %q", header.KeyID))
	}

	if !v.cfg.algorithmAllowed(header.Algorithm) {
		return nil, newError(ErrCodeSignatureOrClaims, fmt.Errorf("algorithm %s not allowed", header.Algorithm))
	}
	if entry.Alg != "" && entry.Alg != header.Algorithm.String() {
		return nil, newError(ErrCodeSignatureOrClaims, fmt.Errorf("algorithm %s does not match published key algorithm %s", header.Algorithm, entry.Alg))
	}

	key, err := entry.PublicKey()
	if err != nil {
		return nil, newError(ErrCodeSignatureOrClaims, err)
	}

	parsed, err := jwt.Parse([]byte(token), jwt.WithKey(header.Algorithm, key), jwt.WithValidate(false))
	if err != nil {
		log.Debug().Err(err).Msg("signature verification failed")
		return nil, newError(ErrCodeSignatureOrClaims, err)
	}
	if !ignoreExpiry {
		if err := jwt.Validate(parsed, jwt.WithAcceptableSkew(v.cfg.ClockSkew)); err != nil {
			log.Debug().Err(err).Msg("claim validation failed")
			return nil, newError(ErrCodeSignatureOrClaims, err)
		}
	}

	var claims C
	if err := json.Unmarshal(msg.Payload(), &claims); err != nil {
		return nil, newError(ErrCodePayloadDecode, err)
	}

	return &VerifiedToken[C]{Header: header, Claims: claims}, nil
}

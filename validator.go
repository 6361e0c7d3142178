package siwa

import (
	"context"
	"fmt"
)

// Verifier checks Sign in with Apple tokens. It holds configuration only; the
// key directory is fetched on every verification.
type Verifier struct {
	cfg Config
}

// NewVerifier builds a verifier from the given configuration.
func NewVerifier(cfg Config) (*Verifier, error) {
	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg.AllowedAlgorithms = append(cfg.AllowedAlgorithms[:0:0], cfg.AllowedAlgorithms...)
	return &Verifier{cfg: cfg}, nil
}

// Validate verifies an identity token and checks that it was issued by Apple
// to clientID.
//
// The client check compares the token subject, not its audience, with
// clientID.
func (v *Verifier) Validate(ctx context.Context, clientID, token string, ignoreExpiry bool) (*VerifiedToken[IdentityClaims], error) {
	verified, err := DecodeToken[IdentityClaims](ctx, v, token, ignoreExpiry)
	if err != nil {
		return nil, err
	}
	if err := checkIssuer(verified.Claims.Iss); err != nil {
		return nil, err
	}
	if verified.Claims.Sub != clientID {
		return nil, newError(ErrCodeAudienceMismatch, fmt.Errorf("subject %q does not match client id %q", verified.Claims.Sub, clientID))
	}
	return verified, nil
}

// DecodeNotification verifies a server-to-server notification token. Issuer
// and audience policy is left to the caller.
func (v *Verifier) DecodeNotification(ctx context.Context, token string, ignoreExpiry bool) (*VerifiedToken[ServerNotificationClaims], error) {
	return DecodeToken[ServerNotificationClaims](ctx, v, token, ignoreExpiry)
}

func checkIssuer(iss string) error {
	if iss != AppleIssuer {
		return newError(ErrCodeIssuerMismatch, fmt.Errorf("issuer mismatch: got %s, want %s", iss, AppleIssuer))
	}
	return nil
}

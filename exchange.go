package siwa

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"golang.org/x/oauth2"
)

// ExchangeConfig wires the pieces needed to redeem authorization codes.
type ExchangeConfig struct {
	Verifier *Verifier
	Secrets  *ClientSecretProvider
	// TokenURL overrides the token endpoint. Defaults to AppleTokenURL.
	TokenURL string
	// Scopes requested by AuthCodeURL. Defaults to name and email.
	Scopes     []string
	HTTPClient *http.Client
}

// CodeExchanger redeems authorization codes for tokens and verifies the
// returned identity token.
type CodeExchanger struct {
	verifier   *Verifier
	secrets    *ClientSecretProvider
	endpoint   oauth2.Endpoint
	scopes     []string
	httpClient *http.Client
}

// ExchangeResult holds the raw token response and the verified identity.
type ExchangeResult struct {
	Token    *oauth2.Token
	Identity *VerifiedToken[IdentityClaims]
}

// NewCodeExchanger validates cfg and returns an exchanger.
func NewCodeExchanger(cfg ExchangeConfig) (*CodeExchanger, error) {
	if cfg.Verifier == nil {
		return nil, errors.New("verifier is required")
	}
	if cfg.Secrets == nil {
		return nil, errors.New("client secret provider is required")
	}
	tokenURL := cfg.TokenURL
	if tokenURL == "" {
		tokenURL = AppleTokenURL
	}
	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = []string{"name", "email"}
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = newHTTPClient(cfg.Verifier.cfg.HTTPTimeout)
	}
	return &CodeExchanger{
		verifier: cfg.Verifier,
		secrets:  cfg.Secrets,
		endpoint: oauth2.Endpoint{
			AuthURL:   AppleAuthURL,
			TokenURL:  tokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
		scopes:     append([]string(nil), scopes...),
		httpClient: httpClient,
	}, nil
}

// AuthCodeURL builds the authorization URL the user is redirected to. Apple
// requires form_post whenever name or email scopes are requested.
func (e *CodeExchanger) AuthCodeURL(clientID, redirectURL, state string) string {
	cfg := e.oauthConfig(clientID, "", redirectURL)
	return cfg.AuthCodeURL(state, oauth2.SetAuthURLParam("response_mode", "form_post"))
}

// Exchange redeems code and verifies the id_token in the response. Unlike
// Validate, the returned token must carry clientID as its audience.
func (e *CodeExchanger) Exchange(ctx context.Context, clientID, code, redirectURL string) (*ExchangeResult, error) {
	if code == "" {
		return nil, errors.New("authorization code is required")
	}
	secret, err := e.secrets.ClientSecret(ctx, clientID)
	if err != nil {
		return nil, err
	}

	cfg := e.oauthConfig(clientID, secret, redirectURL)
	tok, err := cfg.Exchange(context.WithValue(ctx, oauth2.HTTPClient, e.httpClient), code)
	if err != nil {
		e.verifier.cfg.Logger.Debug().Err(err).Str("client_id", clientID).Msg("code exchange failed")
		return nil, newError(ErrCodeTransport, err)
	}

	rawIDToken, _ := tok.Extra("id_token").(string)
	if rawIDToken == "" {
		return nil, newError(ErrCodeSignatureOrClaims, errors.New("token response has no id_token"))
	}

	identity, err := DecodeToken[IdentityClaims](ctx, e.verifier, rawIDToken, false)
	if err != nil {
		return nil, err
	}
	if err := checkIssuer(identity.Claims.Iss); err != nil {
		return nil, err
	}
	if identity.Claims.Aud != clientID {
		return nil, newError(ErrCodeAudienceMismatch, fmt.Errorf("audience %q does not match client id %q", identity.Claims.Aud, clientID))
	}

	return &ExchangeResult{Token: tok, Identity: identity}, nil
}

func (e *CodeExchanger) oauthConfig(clientID, secret, redirectURL string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: secret,
		Endpoint:     e.endpoint,
		RedirectURL:  redirectURL,
		Scopes:       e.scopes,
	}
}

package siwa

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jws"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"golang.org/x/oauth2"
)

type fakeSecretFactory struct {
	count int32
	err   error
}

func (f *fakeSecretFactory) call(_ context.Context, clientID string, params SecretParams) (oauth2.TokenSource, error) {
	if f.err != nil {
		return nil, f.err
	}
	atomic.AddInt32(&f.count, 1)
	tok := &oauth2.Token{AccessToken: clientID + ":" + params.TTL.String(), Expiry: time.Now().Add(time.Hour)}
	return oauth2.StaticTokenSource(tok), nil
}

func TestClientSecretCaching(t *testing.T) {
	factory := &fakeSecretFactory{}
	provider, err := NewClientSecretProvider(ClientSecretConfig{TTL: time.Hour, SecretFactory: factory.call})
	if err != nil {
		t.Fatalf("NewClientSecretProvider: %v", err)
	}

	ctx := context.Background()
	secret, err := provider.ClientSecret(ctx, "com.example.app4")
	if err != nil {
		t.Fatalf("ClientSecret error: %v", err)
	}
	if secret != "com.example.app4:1h0m0s" {
		t.Fatalf("unexpected secret: %s", secret)
	}

	if _, err := provider.ClientSecret(ctx, "com.example.app4"); err != nil {
		t.Fatalf("ClientSecret second call: %v", err)
	}
	if got := atomic.LoadInt32(&factory.count); got != 1 {
		t.Fatalf("expected factory invoked once, got %d", got)
	}

	// A different TTL gets its own entry.
	secret, err = provider.ClientSecret(ctx, "com.example.app4", WithSecretTTL(2*time.Hour))
	if err != nil {
		t.Fatalf("ClientSecret with ttl: %v", err)
	}
	if secret != "com.example.app4:2h0m0s" {
		t.Fatalf("unexpected secret: %s", secret)
	}
	if got := atomic.LoadInt32(&factory.count); got != 2 {
		t.Fatalf("expected factory invoked twice, got %d", got)
	}
}

func TestClientSecretFactoryError(t *testing.T) {
	expected := errors.New("no key")
	factory := &fakeSecretFactory{err: expected}
	provider, err := NewClientSecretProvider(ClientSecretConfig{SecretFactory: factory.call})
	if err != nil {
		t.Fatalf("NewClientSecretProvider: %v", err)
	}

	_, err = provider.ClientSecret(context.Background(), "com.example.app4")
	if !errors.Is(err, expected) {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestClientSecretArguments(t *testing.T) {
	provider, err := NewClientSecretProvider(ClientSecretConfig{SecretFactory: (&fakeSecretFactory{}).call})
	if err != nil {
		t.Fatalf("NewClientSecretProvider: %v", err)
	}
	if _, err := provider.ClientSecret(context.Background(), "  "); err == nil {
		t.Fatal("expected error for empty client id")
	}
	if _, err := provider.ClientSecret(context.Background(), "com.example.app4", WithSecretTTL(200*24*time.Hour)); err == nil {
		t.Fatal("expected error for ttl beyond six months")
	}

	if _, err := NewClientSecretProvider(ClientSecretConfig{KeyID: "ABC123DEFG", PrivateKeyPEM: []byte("x")}); err == nil {
		t.Fatal("expected error without team id")
	}
	if _, err := NewClientSecretProvider(ClientSecretConfig{TeamID: "TEAM", KeyID: "ABC123DEFG", PrivateKeyPEM: []byte("garbage")}); err == nil {
		t.Fatal("expected error for unparsable key")
	}
}

func TestClientSecretSignedWithDeveloperKey(t *testing.T) {
	key, pemBytes := newDeveloperKey(t)
	provider, err := NewClientSecretProvider(ClientSecretConfig{
		TeamID:        "TEAM123456",
		KeyID:         "ABC123DEFG",
		PrivateKeyPEM: pemBytes,
		TTL:           time.Hour,
	})
	if err != nil {
		t.Fatalf("NewClientSecretProvider: %v", err)
	}

	secret, err := provider.ClientSecret(context.Background(), "com.example.app4")
	if err != nil {
		t.Fatalf("ClientSecret: %v", err)
	}

	msg, err := jws.Parse([]byte(secret))
	if err != nil {
		t.Fatalf("parse secret: %v", err)
	}
	headers := msg.Signatures()[0].ProtectedHeaders()
	if headers.KeyID() != "ABC123DEFG" || headers.Algorithm() != jwa.ES256 {
		t.Fatalf("unexpected header kid=%s alg=%s", headers.KeyID(), headers.Algorithm())
	}

	parsed, err := jwt.Parse([]byte(secret), jwt.WithKey(jwa.ES256, &key.PublicKey))
	if err != nil {
		t.Fatalf("verify secret: %v", err)
	}
	if parsed.Issuer() != "TEAM123456" || parsed.Subject() != "com.example.app4" {
		t.Fatalf("unexpected iss/sub: %s/%s", parsed.Issuer(), parsed.Subject())
	}
	if aud := parsed.Audience(); len(aud) != 1 || aud[0] != AppleIssuer {
		t.Fatalf("unexpected audience: %v", aud)
	}
	if lifetime := parsed.Expiration().Sub(parsed.IssuedAt()); lifetime != time.Hour {
		t.Fatalf("unexpected lifetime: %s", lifetime)
	}

	again, err := provider.ClientSecret(context.Background(), "com.example.app4")
	if err != nil {
		t.Fatalf("ClientSecret second call: %v", err)
	}
	if again != secret {
		t.Fatal("expected cached secret to be reused")
	}
}

func newDeveloperKey(t *testing.T) (*ecdsa.PrivateKey, []byte) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}
	return key, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
}

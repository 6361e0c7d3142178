package siwa

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

const (
	testKID      = "test-key"
	testSubject  = "001026.16112b36378440d995af22b268f00984.1744"
	testAudience = "com.example.app4"
)

type keyServer struct {
	URL     string
	fetches int32
}

func (s *keyServer) Fetches() int {
	return int(atomic.LoadInt32(&s.fetches))
}

// newKeyServer serves body as the key directory and counts requests.
func newKeyServer(t *testing.T, body []byte) *keyServer {
	t.Helper()
	ks := &keyServer{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&ks.fetches, 1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(body)
	}))
	t.Cleanup(server.Close)
	ks.URL = server.URL
	return ks
}

// newJWKS publishes a fresh RS256 key under testKID.
func newJWKS(t *testing.T) (*rsa.PrivateKey, *keyServer) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	pub, err := jwk.PublicKeyOf(key)
	if err != nil {
		t.Fatalf("public key: %v", err)
	}
	if err := pub.Set(jwk.KeyIDKey, testKID); err != nil {
		t.Fatalf("set kid: %v", err)
	}
	if err := pub.Set(jwk.AlgorithmKey, jwa.RS256); err != nil {
		t.Fatalf("set alg: %v", err)
	}
	if err := pub.Set(jwk.KeyUsageKey, "sig"); err != nil {
		t.Fatalf("set use: %v", err)
	}

	set := jwk.NewSet()
	if err := set.AddKey(pub); err != nil {
		t.Fatalf("add key: %v", err)
	}
	payload, err := json.Marshal(set)
	if err != nil {
		t.Fatalf("marshal jwks: %v", err)
	}
	return key, newKeyServer(t, payload)
}

func newTestVerifier(t *testing.T, keysURL string) *Verifier {
	t.Helper()
	v, err := NewVerifier(Config{
		KeysURL:     keysURL,
		ClockSkew:   time.Second,
		HTTPTimeout: time.Second,
	})
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}
	return v
}

func sign(t *testing.T, builder *jwt.Builder, key *rsa.PrivateKey, kid string) string {
	t.Helper()
	return signWith(t, builder, key, kid, jwa.RS256)
}

func signWith(t *testing.T, builder *jwt.Builder, key *rsa.PrivateKey, kid string, alg jwa.SignatureAlgorithm) string {
	t.Helper()
	token, err := builder.Build()
	if err != nil {
		t.Fatalf("build token: %v", err)
	}
	// Apple sends aud as a plain string.
	token.Options().Enable(jwt.FlattenAudience)

	jwkPriv, err := jwk.FromRaw(key)
	if err != nil {
		t.Fatalf("private key jwk: %v", err)
	}
	if err := jwkPriv.Set(jwk.AlgorithmKey, alg); err != nil {
		t.Fatalf("set alg: %v", err)
	}
	if kid != "" {
		if err := jwkPriv.Set(jwk.KeyIDKey, kid); err != nil {
			t.Fatalf("set kid: %v", err)
		}
	}
	signed, err := jwt.Sign(token, jwt.WithKey(alg, jwkPriv))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return string(signed)
}

// identityBuilder mirrors the claims Apple puts in a sign-in token.
func identityBuilder(iat, exp time.Time) *jwt.Builder {
	return jwt.NewBuilder().
		Issuer(AppleIssuer).
		Audience([]string{testAudience}).
		Subject(testSubject).
		IssuedAt(iat).
		Expiration(exp).
		Claim("c_hash", "M5UCunFu1J67auQ6-q-kOw").
		Claim("email", "zdfu7jtuus@privaterelay.appleid.com").
		Claim("email_verified", "true").
		Claim("is_private_email", "true").
		Claim("auth_time", iat.Unix()).
		Claim("nonce_supported", true)
}

const testEventsJSON = `{"type":"email-disabled","sub":"001026.16112b36378440d995af22b268f00984.1744","event_time":1630085403648,"email":"zdfu7jtuus@privaterelay.appleid.com","is_private_email":"true"}`

func notificationBuilder(iat, exp time.Time, events any) *jwt.Builder {
	return jwt.NewBuilder().
		Issuer(AppleIssuer).
		Audience([]string{testAudience}).
		IssuedAt(iat).
		Expiration(exp).
		JwtID("B94OdD03pFsaYaN-Ftv7mA").
		Claim("events", events)
}

// rawToken assembles a compact token from literal header and payload JSON.
func rawToken(header, payload string) string {
	enc := base64.RawURLEncoding
	return enc.EncodeToString([]byte(header)) + "." +
		enc.EncodeToString([]byte(payload)) + "." +
		enc.EncodeToString([]byte("signature"))
}

func requireCode(t *testing.T, err error, want ErrorCode) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s error, got nil", want)
	}
	if got := CodeOf(err); got != want {
		t.Fatalf("expected code %s, got %q (%v)", want, got, err)
	}
}

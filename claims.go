package siwa

import (
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/lestrrat-go/jwx/v2/jwa"
)

// Event types Apple sends in server-to-server notifications.
const (
	EventEmailDisabled  = "email-disabled"
	EventEmailEnabled   = "email-enabled"
	EventConsentRevoked = "consent-revoked"
	EventAccountDelete  = "account-delete"
)

// ClaimsShape is the closed set of payloads DecodeToken can produce.
type ClaimsShape interface {
	IdentityClaims | ServerNotificationClaims
}

// Header carries the protected header fields used to select the signing key.
type Header struct {
	Algorithm jwa.SignatureAlgorithm
	KeyID     string
}

// VerifiedToken is a token whose signature has been checked and whose payload
// has been decoded into C.
type VerifiedToken[C ClaimsShape] struct {
	Header Header
	Claims C
}

// IdentityClaims is the payload of an end-user identity token.
type IdentityClaims struct {
	Iss      string `json:"iss"`
	Aud      string `json:"aud"`
	Exp      int64  `json:"exp"`
	Iat      int64  `json:"iat"`
	Sub      string `json:"sub"`
	CHash    string `json:"c_hash"`
	Email    string `json:"email"`
	AuthTime int64  `json:"auth_time"`

	// Apple encodes these booleans as "true"/"false" strings.
	EmailVerified  string `json:"email_verified"`
	IsPrivateEmail string `json:"is_private_email,omitempty"`

	Nonce          string `json:"nonce,omitempty"`
	NonceSupported bool   `json:"nonce_supported,omitempty"`
}

// ExpiresAt returns exp as a UTC time.
func (c IdentityClaims) ExpiresAt() time.Time {
	return time.Unix(c.Exp, 0).UTC()
}

// IssuedAt returns iat as a UTC time.
func (c IdentityClaims) IssuedAt() time.Time {
	return time.Unix(c.Iat, 0).UTC()
}

// AuthenticatedAt returns auth_time as a UTC time.
func (c IdentityClaims) AuthenticatedAt() time.Time {
	return time.Unix(c.AuthTime, 0).UTC()
}

// IsEmailVerified interprets the string-typed email_verified claim.
func (c IdentityClaims) IsEmailVerified() bool {
	return c.EmailVerified == "true"
}

// IsPrivateRelay reports whether the email is an Apple private relay address.
func (c IdentityClaims) IsPrivateRelay() bool {
	return c.IsPrivateEmail == "true"
}

// ServerNotificationClaims is the payload of a server-to-server notification.
//
// Apple documents events as a JSON object but transmits it as a JSON-encoded
// string, so the field is decoded in two passes.
type ServerNotificationClaims struct {
	Iss    string `json:"iss"`
	Aud    string `json:"aud"`
	Exp    int64  `json:"exp"`
	Iat    int64  `json:"iat"`
	Jti    string `json:"jti"`
	Events Event  `json:"events"`
}

type notificationWire struct {
	Iss    string `json:"iss"`
	Aud    string `json:"aud"`
	Exp    int64  `json:"exp"`
	Iat    int64  `json:"iat"`
	Jti    string `json:"jti"`
	Events string `json:"events"`
}

// UnmarshalJSON decodes the outer claims and then re-parses the events string.
func (c *ServerNotificationClaims) UnmarshalJSON(data []byte) error {
	var wire notificationWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return fmt.Errorf("decode notification claims: %w", err)
	}
	event, err := ParseEvent(wire.Events)
	if err != nil {
		return err
	}
	*c = ServerNotificationClaims{
		Iss:    wire.Iss,
		Aud:    wire.Aud,
		Exp:    wire.Exp,
		Iat:    wire.Iat,
		Jti:    wire.Jti,
		Events: event,
	}
	return nil
}

// MarshalJSON writes events back as a JSON-encoded string.
func (c ServerNotificationClaims) MarshalJSON() ([]byte, error) {
	events, err := json.Marshal(c.Events)
	if err != nil {
		return nil, fmt.Errorf("encode events: %w", err)
	}
	return json.Marshal(notificationWire{
		Iss:    c.Iss,
		Aud:    c.Aud,
		Exp:    c.Exp,
		Iat:    c.Iat,
		Jti:    c.Jti,
		Events: string(events),
	})
}

// ExpiresAt returns exp as a UTC time.
func (c ServerNotificationClaims) ExpiresAt() time.Time {
	return time.Unix(c.Exp, 0).UTC()
}

// IssuedAt returns iat as a UTC time.
func (c ServerNotificationClaims) IssuedAt() time.Time {
	return time.Unix(c.Iat, 0).UTC()
}

// Event describes an account-level change pushed by Apple.
type Event struct {
	Type string `json:"type"`
	Sub  string `json:"sub"`
	// EventTime is in milliseconds since the epoch.
	EventTime      int64   `json:"event_time"`
	Email          *string `json:"email,omitempty"`
	IsPrivateEmail *string `json:"is_private_email,omitempty"`
}

// OccurredAt converts the millisecond event_time into a UTC time.
func (e Event) OccurredAt() time.Time {
	return time.UnixMilli(e.EventTime).UTC()
}

// ParseEvent decodes the JSON string carried in the events claim. type, sub
// and event_time are required.
func ParseEvent(raw string) (Event, error) {
	if raw == "" {
		return Event{}, errors.New("events claim is empty")
	}
	var event Event
	if err := json.Unmarshal([]byte(raw), &event); err != nil {
		return Event{}, fmt.Errorf("decode events: %w", err)
	}
	switch {
	case event.Type == "":
		return Event{}, errors.New("events claim missing type")
	case event.Sub == "":
		return Event{}, errors.New("events claim missing sub")
	case event.EventTime == 0:
		return Event{}, errors.New("events claim missing event_time")
	}
	return event, nil
}

package siwa

import (
	"errors"
	"fmt"

	"github.com/lestrrat-go/jwx/v2/jwt"
)

// ErrorCode represents verification error categories.
type ErrorCode string

const (
	ErrCodeHeaderAlgorithmUnspecified ErrorCode = "header_algorithm_unspecified"
	ErrCodeKeyDirectoryUnavailable    ErrorCode = "key_directory_unavailable"
	ErrCodeKeyIDMissing               ErrorCode = "key_id_missing"
	ErrCodeKeyNotFound                ErrorCode = "key_not_found"
	ErrCodeIssuerMismatch             ErrorCode = "issuer_mismatch"
	ErrCodeAudienceMismatch           ErrorCode = "audience_mismatch"
	ErrCodeSignatureOrClaims          ErrorCode = "signature_or_claims"
	ErrCodePayloadDecode              ErrorCode = "payload_decode"
	ErrCodeTransport                  ErrorCode = "transport"
)

var errorMessages = map[ErrorCode]string{
	ErrCodeHeaderAlgorithmUnspecified: "Header algorithm unspecified",
	ErrCodeKeyDirectoryUnavailable:    "Apple key directory unavailable",
	ErrCodeKeyIDMissing:               "Key ID missing",
	ErrCodeKeyNotFound:                "Key not found",
	ErrCodeIssuerMismatch:             "Issuer mismatch",
	ErrCodeAudienceMismatch:           "Client ID mismatch",
	ErrCodeSignatureOrClaims:          "Invalid signature or claims",
	ErrCodePayloadDecode:              "Payload decode error",
	ErrCodeTransport:                  "Transport error",
}

// Error wraps verification errors with a stable code and message.
type Error struct {
	Code    ErrorCode
	Message string
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	base := e.Message
	if base == "" {
		base = string(e.Code)
	}
	if e.Err == nil {
		return base
	}
	return fmt.Sprintf("%s: %v", base, e.Err)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

func newError(code ErrorCode, err error) error {
	msg, ok := errorMessages[code]
	if !ok {
		msg = string(code)
	}
	return &Error{Code: code, Message: msg, Err: err}
}

// CodeOf returns the code carried by err, or an empty code when err was not
// produced by this package.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsExpired reports whether err was caused by an expired token.
func IsExpired(err error) bool {
	return errors.Is(err, jwt.ErrTokenExpired())
}

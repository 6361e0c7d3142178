package siwa

import (
	"fmt"
	"io"
	"net/http"

	"github.com/goccy/go-json"
)

const maxNotificationBodyBytes = 64 << 10

// NotificationOption customizes NotificationHandler.
type NotificationOption func(*notificationOptions)

type notificationOptions struct {
	audience string
}

// WithNotificationAudience requires notifications to be issued by Apple for
// the given client id.
func WithNotificationAudience(clientID string) NotificationOption {
	return func(o *notificationOptions) {
		o.audience = clientID
	}
}

type notificationBody struct {
	Payload string `json:"payload"`
}

type errorBody struct {
	Error ErrorCode `json:"error"`
}

// NotificationHandler verifies the {"payload": "<jwt>"} body Apple posts for
// server-to-server notifications, binds the result into the request context
// and calls next.
func (v *Verifier) NotificationHandler(next http.Handler, opts ...NotificationOption) http.Handler {
	var o notificationOptions
	for _, opt := range opts {
		opt(&o)
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
			return
		}

		raw, err := io.ReadAll(io.LimitReader(r.Body, maxNotificationBodyBytes))
		if err != nil {
			writeError(w, http.StatusBadRequest, ErrCodePayloadDecode)
			return
		}
		var body notificationBody
		if err := json.Unmarshal(raw, &body); err != nil || body.Payload == "" {
			writeError(w, http.StatusBadRequest, ErrCodePayloadDecode)
			return
		}

		verified, err := v.DecodeNotification(r.Context(), body.Payload, false)
		if err == nil && o.audience != "" {
			err = checkNotificationAudience(verified.Claims, o.audience)
		}
		if err != nil {
			code := CodeOf(err)
			v.cfg.Logger.Warn().Err(err).Str("code", string(code)).Msg("rejected server notification")
			writeError(w, statusFor(code), code)
			return
		}

		v.cfg.Logger.Debug().
			Str("type", verified.Claims.Events.Type).
			Str("jti", verified.Claims.Jti).
			Msg("accepted server notification")
		next.ServeHTTP(w, r.WithContext(BindNotification(r.Context(), verified)))
	})
}

func checkNotificationAudience(claims ServerNotificationClaims, clientID string) error {
	if err := checkIssuer(claims.Iss); err != nil {
		return err
	}
	if claims.Aud != clientID {
		return newError(ErrCodeAudienceMismatch, fmt.Errorf("audience %q does not match client id %q", claims.Aud, clientID))
	}
	return nil
}

func statusFor(code ErrorCode) int {
	switch code {
	case ErrCodePayloadDecode:
		return http.StatusBadRequest
	case ErrCodeTransport, ErrCodeKeyDirectoryUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusUnauthorized
	}
}

func writeError(w http.ResponseWriter, status int, code ErrorCode) {
	if code == "" {
		code = "internal_error"
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody{Error: code})
}

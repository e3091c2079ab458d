package tokens

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// ErrInvalidState is returned when an OAuth state blob fails authentication,
// is malformed, or has expired.
var ErrInvalidState = errors.New("invalid oauth state")

// OAuthState is the payload round-tripped through an OAuth provider's state
// parameter. The encoded form is HMAC-authenticated so the callback handler
// can trust it without server-side storage.
type OAuthState struct {
	Provider      string    `json:"provider"`
	UserAccountID string    `json:"user_account_id"`
	RedirectURI   string    `json:"redirect_uri,omitempty"`
	Nonce         string    `json:"nonce"`
	ExpiresAt     time.Time `json:"expires_at"`
}

// EncodeOAuthState serializes and signs state with the given secret. The
// output is "<base64url(json)>.<base64url(hmac-sha256)>".
func EncodeOAuthState(state OAuthState, secret []byte) (string, error) {
	body, err := json.Marshal(state)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	sig := mac.Sum(nil)
	return base64.RawURLEncoding.EncodeToString(body) + "." + base64.RawURLEncoding.EncodeToString(sig), nil
}

// DecodeOAuthState authenticates and deserializes a state blob. It returns
// ErrInvalidState for a tampered blob, a wrong secret, or an expired state.
func DecodeOAuthState(blob string, secret []byte) (*OAuthState, error) {
	parts := strings.Split(blob, ".")
	if len(parts) != 2 {
		return nil, ErrInvalidState
	}
	body, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, ErrInvalidState
	}
	sig, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, ErrInvalidState
	}

	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	if !hmac.Equal(sig, mac.Sum(nil)) {
		return nil, ErrInvalidState
	}

	var state OAuthState
	if err := json.Unmarshal(body, &state); err != nil {
		return nil, ErrInvalidState
	}
	if !state.ExpiresAt.IsZero() && time.Now().After(state.ExpiresAt) {
		return nil, ErrInvalidState
	}
	return &state, nil
}

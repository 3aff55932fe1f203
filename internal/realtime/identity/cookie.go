// Package identity resolves the user and permissions context for a realtime
// connection from the HTTP upgrade request, independent of how that
// request was authenticated.
package identity

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"strings"
)

// ErrInvalidCookieSignature indicates the signed cookie's signature did not
// match, or the cookie was malformed.
var ErrInvalidCookieSignature = errors.New("identity: invalid cookie signature")

// CookieSignatureValidator verifies a signed session cookie value and
// returns the unsigned payload (the bare session ID).
type CookieSignatureValidator interface {
	Verify(signedValue string) (sessionID string, err error)
}

// hmacCookieValidator implements the Express `cookie-signature` module's
// format: "<value>.<base64url-no-pad sha256-hmac of value, secret>". This
// is the format HEDGEDOC's own session middleware produces, independent of
// the bearer-JWT session flow used by this codebase's own REST surface
// (internal/auth); the realtime gateway accepts only this cookie.
type hmacCookieValidator struct {
	secret []byte
}

// NewHMACCookieValidator constructs a validator keyed by secret.
func NewHMACCookieValidator(secret []byte) CookieSignatureValidator {
	return &hmacCookieValidator{secret: append([]byte(nil), secret...)}
}

func (v *hmacCookieValidator) Verify(signedValue string) (string, error) {
	// The cookie-signature format prefixes the signed value with "s:" when
	// stored in an Express cookie; callers may pass either the raw
	// "value.signature" pair or the full "s:value.signature" cookie
	// content, so strip the prefix if present.
	trimmed := strings.TrimPrefix(signedValue, "s:")

	lastDot := strings.LastIndex(trimmed, ".")
	if lastDot <= 0 || lastDot == len(trimmed)-1 {
		return "", ErrInvalidCookieSignature
	}
	value := trimmed[:lastDot]
	signature := trimmed[lastDot+1:]

	expected := v.sign(value)
	if !hmac.Equal([]byte(signature), []byte(expected)) {
		return "", ErrInvalidCookieSignature
	}
	return value, nil
}

func (v *hmacCookieValidator) sign(value string) string {
	mac := hmac.New(sha256.New, v.secret)
	mac.Write([]byte(value))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

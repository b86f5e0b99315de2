package collab

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TicketClaims is the payload of a collab ticket: a short-lived HMAC token
// minted by the form application after it authorizes the user for a form.
// The engine trusts the ticket; it never talks to the application's user
// store.
type TicketClaims struct {
	DisplayName string `json:"name"`
	Color       string `json:"color"`
	FormID      string `json:"form_id"`
	jwt.RegisteredClaims
}

// TicketVerifier validates collab tickets presented at WebSocket upgrade.
type TicketVerifier struct {
	secret []byte
	maxAge time.Duration
}

// NewTicketVerifier builds a verifier with the shared ticket secret.
func NewTicketVerifier(secret string, maxAge time.Duration) *TicketVerifier {
	return &TicketVerifier{secret: []byte(secret), maxAge: maxAge}
}

// Verify checks the ticket's signature, expiry, and form binding, and
// returns the editor's identity. All failures map to ErrAuthRejected so
// callers surface a single fatal error code.
func (v *TicketVerifier) Verify(ticket, formID string) (Identity, error) {
	claims := &TicketClaims{}
	token, err := jwt.ParseWithClaims(ticket, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}))
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrAuthRejected, err)
	}
	if !token.Valid {
		return Identity{}, fmt.Errorf("%w: invalid token", ErrAuthRejected)
	}
	if claims.Subject == "" {
		return Identity{}, fmt.Errorf("%w: missing subject", ErrAuthRejected)
	}
	if claims.FormID != formID {
		return Identity{}, fmt.Errorf("%w: ticket is for a different form", ErrAuthRejected)
	}
	if claims.IssuedAt == nil {
		return Identity{}, fmt.Errorf("%w: missing issued-at", ErrAuthRejected)
	}
	if v.maxAge > 0 && time.Since(claims.IssuedAt.Time) > v.maxAge {
		return Identity{}, fmt.Errorf("%w: ticket too old", ErrAuthRejected)
	}

	return Identity{
		UserID:      claims.Subject,
		DisplayName: claims.DisplayName,
		Color:       claims.Color,
	}, nil
}

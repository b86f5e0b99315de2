package collab

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testTicketSecret = "test-ticket-secret"

func mintTicket(t *testing.T, secret, formID string, issuedAt time.Time) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, TicketClaims{
		DisplayName: "Alice",
		Color:       "#e91e63",
		FormID:      formID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-alice",
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(issuedAt.Add(5 * time.Minute)),
		},
	})
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func TestTicketVerify(t *testing.T) {
	v := NewTicketVerifier(testTicketSecret, 5*time.Minute)

	identity, err := v.Verify(mintTicket(t, testTicketSecret, "form-1", time.Now()), "form-1")
	require.NoError(t, err)
	assert.Equal(t, "user-alice", identity.UserID)
	assert.Equal(t, "Alice", identity.DisplayName)
	assert.Equal(t, "#e91e63", identity.Color)
}

func TestTicketVerifyWrongForm(t *testing.T) {
	v := NewTicketVerifier(testTicketSecret, 5*time.Minute)

	_, err := v.Verify(mintTicket(t, testTicketSecret, "form-1", time.Now()), "form-2")
	assert.ErrorIs(t, err, ErrAuthRejected)
}

func TestTicketVerifyBadSignature(t *testing.T) {
	v := NewTicketVerifier(testTicketSecret, 5*time.Minute)

	_, err := v.Verify(mintTicket(t, "different-secret", "form-1", time.Now()), "form-1")
	assert.ErrorIs(t, err, ErrAuthRejected)
}

func TestTicketVerifyTooOld(t *testing.T) {
	v := NewTicketVerifier(testTicketSecret, time.Minute)

	ticket := mintTicket(t, testTicketSecret, "form-1", time.Now().Add(-2*time.Minute))
	_, err := v.Verify(ticket, "form-1")
	assert.ErrorIs(t, err, ErrAuthRejected)
}

func TestTicketVerifyGarbage(t *testing.T) {
	v := NewTicketVerifier(testTicketSecret, time.Minute)

	_, err := v.Verify("", "form-1")
	assert.ErrorIs(t, err, ErrAuthRejected)

	_, err = v.Verify("not.a.jwt", "form-1")
	assert.ErrorIs(t, err, ErrAuthRejected)
}

func TestTicketVerifyRejectsUnsignedAlg(t *testing.T) {
	v := NewTicketVerifier(testTicketSecret, time.Minute)

	token := jwt.NewWithClaims(jwt.SigningMethodNone, TicketClaims{
		FormID: "form-1",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  "user-alice",
			IssuedAt: jwt.NewNumericDate(time.Now()),
		},
	})
	signed, err := token.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = v.Verify(signed, "form-1")
	assert.ErrorIs(t, err, ErrAuthRejected)
}

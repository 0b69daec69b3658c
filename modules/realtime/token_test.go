package realtime

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueAndVerify(t *testing.T) {
	i := NewIssuer("secret", time.Minute)

	tok, err := i.Issue(PurposeGeneration, "entry-1")
	require.NoError(t, err)

	claims, err := i.Verify(tok)
	require.NoError(t, err)
	assert.Equal(t, PurposeGeneration, claims.Purpose)
	assert.Equal(t, "entry-1", claims.Subject)
	assert.Equal(t, "generation:entry-1", Room(claims.Purpose, claims.Subject))
}

func TestIssue_Rejects(t *testing.T) {
	i := NewIssuer("secret", time.Minute)

	_, err := i.Issue("feed", "x")
	assert.Error(t, err)
	_, err = i.Issue(PurposeNotification, "")
	assert.Error(t, err)
}

func TestVerify_Failures(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	i := NewIssuer("secret", time.Minute)
	i.now = func() time.Time { return now }

	valid, err := i.Issue(PurposeNotification, "u1")
	require.NoError(t, err)

	t.Run("empty", func(t *testing.T) {
		_, err := i.Verify("")
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("wrong secret", func(t *testing.T) {
		other := NewIssuer("other", time.Minute)
		other.now = i.now
		_, err := other.Verify(valid)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("expired", func(t *testing.T) {
		later := NewIssuer("secret", time.Minute)
		later.now = func() time.Time { return now.Add(2 * time.Minute) }
		_, err := later.Verify(valid)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("unknown purpose", func(t *testing.T) {
		claims := Claims{
			Purpose: "admin",
			RegisteredClaims: jwt.RegisteredClaims{
				Subject:   "u1",
				ExpiresAt: jwt.NewNumericDate(now.Add(time.Minute)),
			},
		}
		tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("secret"))
		require.NoError(t, err)
		_, err = i.Verify(tok)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("missing expiry", func(t *testing.T) {
		claims := Claims{Purpose: PurposeGeneration, RegisteredClaims: jwt.RegisteredClaims{Subject: "e1"}}
		tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("secret"))
		require.NoError(t, err)
		_, err = i.Verify(tok)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})
}

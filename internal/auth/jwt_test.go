package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestGenerateAndVerifyToken(t *testing.T) {
	t.Parallel()

	signed, expiresAt, err := GenerateToken("tui", "secret", time.Hour)
	require.NoError(t, err)
	require.NotEmpty(t, signed)
	require.True(t, expiresAt.After(time.Now()))

	subject, err := VerifyToken(signed, "secret")
	require.NoError(t, err)
	require.Equal(t, "tui", subject)
}

func TestVerifyTokenRejectsWrongSecret(t *testing.T) {
	t.Parallel()

	signed, _, err := GenerateToken("tui", "secret", time.Hour)
	require.NoError(t, err)

	_, err = VerifyToken(signed, "other")
	require.Error(t, err)
}

func TestGenerateTokenValidation(t *testing.T) {
	t.Parallel()

	_, _, err := GenerateToken("", "secret", time.Hour)
	require.Error(t, err)
	_, _, err = GenerateToken("tui", "", time.Hour)
	require.Error(t, err)
	_, _, err = GenerateToken("tui", "secret", 0)
	require.Error(t, err)
}

func TestVerifyTokenRejectsExpired(t *testing.T) {
	t.Parallel()

	signed, _, err := GenerateToken("tui", "secret", time.Millisecond)
	require.NoError(t, err)
	time.Sleep(10 * time.Millisecond)

	_, err = VerifyToken(signed, "secret")
	require.Error(t, err)
}

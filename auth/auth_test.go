package auth_test

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/nrwiersma/jobcluster/auth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_EmptySecret(t *testing.T) {
	_, err := auth.New("", time.Hour)

	assert.ErrorIs(t, err, auth.ErrEmptySecret)
}

func TestAuthenticator_AgentCredential(t *testing.T) {
	a, err := auth.New("secret", time.Hour)
	require.NoError(t, err)

	token, err := a.MintAgent("acme")
	require.NoError(t, err)

	client, err := a.ValidateAgent(token)
	require.NoError(t, err)
	assert.Equal(t, "acme", client)
}

func TestAuthenticator_ExecTokenIsNotAgentCredential(t *testing.T) {
	a, err := auth.New("secret", time.Hour)
	require.NoError(t, err)

	token, err := a.MintExec("acme", "bob", "job-1")
	require.NoError(t, err)

	claims, err := a.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, "acme", claims.Client)
	assert.Equal(t, "bob", claims.User)
	assert.Equal(t, "job-1", claims.Job)
	require.NotNil(t, claims.ExpiresAt)

	_, err = a.ValidateAgent(token)
	assert.ErrorIs(t, err, auth.ErrInvalidToken)
}

func TestAuthenticator_ValidateErrors(t *testing.T) {
	a, err := auth.New("secret", time.Hour)
	require.NoError(t, err)
	other, err := auth.New("other", time.Hour)
	require.NoError(t, err)
	foreign, err := other.MintAgent("acme")
	require.NoError(t, err)
	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, auth.Claims{Client: "acme"}).
		SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	tests := []struct {
		name  string
		token string
	}{
		{name: "Garbage", token: "not-a-token"},
		{name: "Wrong Secret", token: foreign},
		{name: "None Algorithm", token: none},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := a.Validate(tt.token)

			assert.ErrorIs(t, err, auth.ErrInvalidToken)
		})
	}
}

func TestGenerateSecret(t *testing.T) {
	s1, err := auth.GenerateSecret(32)
	require.NoError(t, err)
	s2, err := auth.GenerateSecret(32)
	require.NoError(t, err)

	assert.Len(t, s1, 44)
	assert.NotEqual(t, s1, s2)
}

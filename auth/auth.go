// Package auth validates agent credentials and mints execution tokens.
package auth

import (
	"crypto/rand"
	"encoding/base64"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
)

const issuer = "jobcluster"

// Token subjects.
const (
	SubjectAgent = "agent"
	SubjectExec  = "exec"
)

// Auth errors.
var (
	ErrInvalidToken = errors.New("auth: invalid token")
	ErrEmptySecret  = errors.New("auth: secret cannot be empty")
)

// Claims are the claims carried by agent and execution tokens.
type Claims struct {
	Client string `json:"client"`
	User   string `json:"user,omitempty"`
	Job    string `json:"job,omitempty"`
	jwt.RegisteredClaims
}

// Authenticator signs and validates tokens with a shared secret.
type Authenticator struct {
	secret  []byte
	execTTL time.Duration

	now func() time.Time
}

// New returns an authenticator. Execution tokens expire after execTTL;
// a ttl of zero or less mints tokens that do not expire.
func New(secret string, execTTL time.Duration) (*Authenticator, error) {
	if secret == "" {
		return nil, ErrEmptySecret
	}

	return &Authenticator{
		secret:  []byte(secret),
		execTTL: execTTL,
		now:     time.Now,
	}, nil
}

// MintAgent returns an agent credential for the client.
func (a *Authenticator) MintAgent(client string) (string, error) {
	return a.sign(Claims{
		Client: client,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject: SubjectAgent,
		},
	}, 0)
}

// MintExec returns the api token handed to an agent executing a job on
// behalf of the client and user.
func (a *Authenticator) MintExec(client, user, job string) (string, error) {
	return a.sign(Claims{
		Client: client,
		User:   user,
		Job:    job,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject: SubjectExec,
		},
	}, a.execTTL)
}

func (a *Authenticator) sign(claims Claims, ttl time.Duration) (string, error) {
	now := a.now()
	claims.Issuer = issuer
	claims.IssuedAt = jwt.NewNumericDate(now)
	claims.NotBefore = jwt.NewNumericDate(now)
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	s, err := token.SignedString(a.secret)
	if err != nil {
		return "", errors.Wrap(err, "auth: error signing token")
	}
	return s, nil
}

// Validate parses the token and returns its claims.
func (a *Authenticator) Validate(token string) (*Claims, error) {
	claims := &Claims{}
	t, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.secret, nil
	},
		jwt.WithIssuer(issuer),
		jwt.WithTimeFunc(a.now),
	)
	if err != nil {
		return nil, errors.Wrap(ErrInvalidToken, err.Error())
	}
	if !t.Valid || claims.Client == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// ValidateAgent validates an agent credential and returns the client it
// was issued for.
func (a *Authenticator) ValidateAgent(token string) (string, error) {
	claims, err := a.Validate(token)
	if err != nil {
		return "", err
	}
	if claims.Subject != SubjectAgent {
		return "", errors.Wrap(ErrInvalidToken, "not an agent credential")
	}
	return claims.Client, nil
}

// GenerateSecret returns a random secret of n bytes, base64 encoded.
func GenerateSecret(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", errors.Wrap(err, "auth: error generating secret")
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

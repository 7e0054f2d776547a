package auth

import (
	"crypto/rand"
	"errors"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token has expired")
)

const (
	tokenIssuer        = "yolopipe"
	defaultTokenExpiry = 24 * time.Hour
)

// Claims identify the operator and the detection sources the token may read
type Claims struct {
	Username string   `json:"username"`
	Sources  []string `json:"sources,omitempty"` // Empty grants every source
	jwt.RegisteredClaims
}

// AllowsSource reports whether the token may read detections from source.
// The "*" subscription is only granted to unrestricted tokens.
func (c *Claims) AllowsSource(source string) bool {
	if len(c.Sources) == 0 {
		return true
	}
	if source == "*" {
		return false
	}
	return slices.Contains(c.Sources, source)
}

// tokenSigner issues and verifies HS256 session tokens
type tokenSigner struct {
	key    []byte
	expiry time.Duration
}

// newTokenSigner uses a random key when secret is empty, so sessions end
// with the process.
func newTokenSigner(secret string, expiry time.Duration) (*tokenSigner, error) {
	key := []byte(secret)
	if len(key) == 0 {
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, err
		}
	}
	if expiry <= 0 {
		expiry = defaultTokenExpiry
	}
	return &tokenSigner{key: key, expiry: expiry}, nil
}

func (s *tokenSigner) issue(username string, sources []string, now time.Time) (string, time.Time, error) {
	expiresAt := now.Add(s.expiry)
	claims := &Claims{
		Username: username,
		Sources:  sources,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   username,
			Issuer:    tokenIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.key)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

func (s *tokenSigner) verify(token string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return s.key, nil
	}, jwt.WithIssuer(tokenIssuer), jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))

	switch {
	case err == nil:
		return claims, nil
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, ErrExpiredToken
	default:
		return nil, ErrInvalidToken
	}
}

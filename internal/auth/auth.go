package auth

import (
	"errors"
	"time"

	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrAuthDisabled       = errors.New("authentication is disabled")
)

// Config holds the single-user credentials guarding the detection outputs
type Config struct {
	Enabled   bool
	Username  string
	Password  string // Plaintext or bcrypt hash
	JWTSecret string // Random per process when empty
	JWTExpiry time.Duration
	Sources   []string // Sources the issued tokens may read, empty for all
}

// Authenticator handles user authentication
type Authenticator struct {
	enabled      bool
	username     string
	passwordHash []byte
	sources      []string
	signer       *tokenSigner
}

// NewAuthenticator creates an authenticator. A plaintext password is hashed
// once here so comparisons always go through bcrypt.
func NewAuthenticator(cfg Config) (*Authenticator, error) {
	username := cfg.Username
	if username == "" {
		username = "admin"
	}

	var passwordHash []byte
	if cfg.Enabled {
		if cfg.Password == "" {
			return nil, errors.New("password is required when authentication is enabled")
		}
		if isBcryptHash(cfg.Password) {
			passwordHash = []byte(cfg.Password)
		} else {
			hash, err := bcrypt.GenerateFromPassword([]byte(cfg.Password), bcrypt.DefaultCost)
			if err != nil {
				return nil, err
			}
			passwordHash = hash
		}
	}

	signer, err := newTokenSigner(cfg.JWTSecret, cfg.JWTExpiry)
	if err != nil {
		return nil, err
	}

	return &Authenticator{
		enabled:      cfg.Enabled,
		username:     username,
		passwordHash: passwordHash,
		sources:      cfg.Sources,
		signer:       signer,
	}, nil
}

func isBcryptHash(s string) bool {
	_, err := bcrypt.Cost([]byte(s))
	return len(s) == 60 && s[0] == '$' && err == nil
}

// IsEnabled returns whether authentication is enabled
func (a *Authenticator) IsEnabled() bool {
	return a.enabled
}

// Authenticate validates credentials and returns a JWT token and its expiry
func (a *Authenticator) Authenticate(username, password string) (string, int64, error) {
	if !a.enabled {
		return "", 0, ErrAuthDisabled
	}

	if username != a.username {
		return "", 0, ErrInvalidCredentials
	}

	if err := bcrypt.CompareHashAndPassword(a.passwordHash, []byte(password)); err != nil {
		return "", 0, ErrInvalidCredentials
	}

	token, expiresAt, err := a.signer.issue(username, a.sources, time.Now())
	if err != nil {
		return "", 0, err
	}

	return token, expiresAt.Unix(), nil
}

// ValidateToken validates a JWT token
func (a *Authenticator) ValidateToken(token string) (*Claims, error) {
	return a.signer.verify(token)
}

// HashPassword creates a bcrypt hash of a password
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

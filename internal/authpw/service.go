// Package authpw guards the privileged settings write with a single admin
// credential whose password is stored as a bcrypt hash.
package authpw

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

var (
	ErrMissingCredentials = errors.New("missing credentials")
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// Service verifies admin credentials. A nil *Service or one built from an
// empty user allows every request.
type Service struct {
	user         string
	passwordHash []byte
}

// NewService builds a verifier from a user name and a bcrypt hash. The hash is
// validated up front so a typo in configuration fails at startup.
func NewService(user, passwordHash string) (*Service, error) {
	user = strings.TrimSpace(user)
	passwordHash = strings.TrimSpace(passwordHash)
	if user == "" && passwordHash == "" {
		return nil, nil
	}
	if user == "" || passwordHash == "" {
		return nil, errors.New("admin user and password hash must be set together")
	}
	if _, err := bcrypt.Cost([]byte(passwordHash)); err != nil {
		return nil, fmt.Errorf("parse admin password hash: %w", err)
	}
	return &Service{user: user, passwordHash: []byte(passwordHash)}, nil
}

// HashPassword returns a bcrypt hash suitable for ADMIN_PASSWORD_HASH.
func HashPassword(password string) (string, error) {
	if len(password) < 8 {
		return "", errors.New("password must be at least 8 characters")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

func (s *Service) Enabled() bool {
	return s != nil && s.user != ""
}

// Verify checks a user name and password pair.
func (s *Service) Verify(user, password string) error {
	if !s.Enabled() {
		return nil
	}
	if user == "" && password == "" {
		return ErrMissingCredentials
	}
	userOK := subtle.ConstantTimeCompare([]byte(user), []byte(s.user)) == 1
	if err := bcrypt.CompareHashAndPassword(s.passwordHash, []byte(password)); err != nil || !userOK {
		return ErrInvalidCredentials
	}
	return nil
}

// VerifyRequest checks the Basic credentials carried by r.
func (s *Service) VerifyRequest(r *http.Request) error {
	if !s.Enabled() {
		return nil
	}
	user, password, ok := r.BasicAuth()
	if !ok {
		return ErrMissingCredentials
	}
	return s.Verify(user, password)
}

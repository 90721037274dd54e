package server

import (
	"context"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// UserAuthenticator validates resource owner credentials on the login page.
// Implementations return ErrLoginFailed for unknown users and wrong
// passwords, and any other error for backend failures.
type UserAuthenticator interface {
	Authenticate(ctx context.Context, username, password string) (userID string, err error)
}

// User is a statically configured resource owner.
type User struct {
	// ID is the stable subject put in tokens. Defaults to the username.
	ID string

	// PasswordHash is a bcrypt hash (see HashPassword)
	PasswordHash string
}

// StaticUsers authenticates against a fixed set of bcrypt hashed users.
type StaticUsers struct {
	users map[string]User
}

// Compile-time interface check
var _ UserAuthenticator = (*StaticUsers)(nil)

// NewStaticUsers validates the hashes and returns the authenticator.
func NewStaticUsers(users map[string]User) (*StaticUsers, error) {
	out := make(map[string]User, len(users))
	for name, u := range users {
		if name == "" {
			return nil, fmt.Errorf("username must not be empty")
		}
		if _, err := bcrypt.Cost([]byte(u.PasswordHash)); err != nil {
			return nil, fmt.Errorf("user %q: password hash is not a bcrypt hash: %w", name, err)
		}
		if u.ID == "" {
			u.ID = name
		}
		out[name] = u
	}
	return &StaticUsers{users: out}, nil
}

// Authenticate checks a username and password.
func (s *StaticUsers) Authenticate(_ context.Context, username, password string) (string, error) {
	u, ok := s.users[username]
	if !ok {
		_ = bcrypt.CompareHashAndPassword(dummySecretHash, []byte(password))
		return "", ErrLoginFailed
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		return "", ErrLoginFailed
	}
	return u.ID, nil
}

// HashPassword returns a bcrypt hash suitable for User.PasswordHash and
// client secret seeding.
func HashPassword(password string) (string, error) {
	if password == "" {
		return "", fmt.Errorf("password must not be empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hash), nil
}

package server

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func TestStaticUsers(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("secret"), bcrypt.MinCost)
	require.NoError(t, err)

	users, err := NewStaticUsers(map[string]User{
		"alice": {ID: "user-1", PasswordHash: string(hash)},
		"bob":   {PasswordHash: string(hash)},
	})
	require.NoError(t, err)

	tests := []struct {
		name     string
		username string
		password string
		wantID   string
		wantErr  bool
	}{
		{"valid", "alice", "secret", "user-1", false},
		{"id defaults to username", "bob", "secret", "bob", false},
		{"wrong password", "alice", "nope", "", true},
		{"unknown user", "carol", "secret", "", true},
		{"empty password", "alice", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := users.Authenticate(context.Background(), tt.username, tt.password)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrLoginFailed)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantID, id)
		})
	}
}

func TestNewStaticUsers_RejectsPlaintext(t *testing.T) {
	_, err := NewStaticUsers(map[string]User{"alice": {PasswordHash: "secret"}})
	assert.Error(t, err)

	_, err = NewStaticUsers(map[string]User{"": {PasswordHash: "$2a$04$abc"}})
	assert.Error(t, err)
}

func TestHashPassword(t *testing.T) {
	hash, err := HashPassword("secret")
	require.NoError(t, err)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(hash), []byte("secret")))

	_, err = HashPassword("")
	assert.Error(t, err)
}

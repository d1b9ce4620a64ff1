package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"txopito/backend/internal/config"
	"txopito/backend/internal/domain"
)

func TestService_Authenticate(t *testing.T) {
	svc, err := NewService(&config.AdminConfig{
		Username: "admin",
		Password: "secret123",
	}, zap.NewNop())
	require.NoError(t, err)

	role, err := svc.Authenticate("admin", "secret123")
	require.NoError(t, err)
	assert.Equal(t, domain.RoleViewerAdmin, role)
}

func TestService_Authenticate_WrongPassword(t *testing.T) {
	svc, err := NewService(&config.AdminConfig{
		Username: "admin",
		Password: "secret123",
	}, zap.NewNop())
	require.NoError(t, err)

	_, err = svc.Authenticate("admin", "wrong")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestService_Authenticate_WrongUsername(t *testing.T) {
	svc, err := NewService(&config.AdminConfig{
		Username: "admin",
		Password: "secret123",
	}, zap.NewNop())
	require.NoError(t, err)

	_, err = svc.Authenticate("root", "secret123")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestService_Authenticate_NotConfigured(t *testing.T) {
	svc, err := NewService(&config.AdminConfig{Username: "admin"}, zap.NewNop())
	require.NoError(t, err)

	_, err = svc.Authenticate("admin", "anything")
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestService_Authenticate_PasswordHashPreferred(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("hashed-pass"), bcrypt.MinCost)
	require.NoError(t, err)

	svc, err := NewService(&config.AdminConfig{
		Username:     "admin",
		PasswordHash: string(hash),
		Password:     "ignored-plaintext",
	}, zap.NewNop())
	require.NoError(t, err)

	_, err = svc.Authenticate("admin", "ignored-plaintext")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	role, err := svc.Authenticate("admin", "hashed-pass")
	require.NoError(t, err)
	assert.Equal(t, domain.RoleViewerAdmin, role)
}

func TestService_Authenticate_CreatorRole(t *testing.T) {
	svc, err := NewService(&config.AdminConfig{
		Username:    "iker",
		Password:    "secret123",
		CreatorName: "iker",
	}, zap.NewNop())
	require.NoError(t, err)

	role, err := svc.Authenticate("iker", "secret123")
	require.NoError(t, err)
	assert.Equal(t, domain.RoleViewerCreator, role)
}

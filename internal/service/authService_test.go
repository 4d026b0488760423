package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/aman-churiwal/tier-gate/internal/models"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memoryUsers struct {
	mu      sync.Mutex
	byEmail map[string]*models.User
	touched map[string]time.Time
}

func newMemoryUsers() *memoryUsers {
	return &memoryUsers{byEmail: map[string]*models.User{}, touched: map[string]time.Time{}}
}

func (m *memoryUsers) Create(_ context.Context, user *models.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if user.ID == uuid.Nil {
		user.ID = uuid.New()
	}
	m.byEmail[user.Email] = user
	return nil
}

func (m *memoryUsers) FindByEmail(_ context.Context, email string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.byEmail[email], nil
}

func (m *memoryUsers) FindByID(_ context.Context, id string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.byEmail {
		if u.ID.String() == id {
			return u, nil
		}
	}
	return nil, nil
}

func (m *memoryUsers) TouchLastLogin(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.touched[id] = at
	return nil
}

func TestAuthService_RegisterAndLogin(t *testing.T) {
	users := newMemoryUsers()
	svc := NewAuthService(users, "secret", 1, nil)
	ctx := context.Background()

	user, err := svc.Register(ctx, "ops@example.com", "hunter22", "Ops", models.RoleAdmin)
	require.NoError(t, err)

	_, err = svc.Register(ctx, "ops@example.com", "other", "Ops", models.RoleAdmin)
	assert.ErrorIs(t, err, ErrUserExists)

	_, err = svc.Login(ctx, "ops@example.com", "wrong")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = svc.Login(ctx, "nobody@example.com", "hunter22")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	token, err := svc.Login(ctx, "ops@example.com", "hunter22")
	require.NoError(t, err)

	claims, err := svc.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, user.ID.String(), claims.UserID)
	assert.Equal(t, models.RoleAdmin, claims.Role)
	assert.Contains(t, users.touched, user.ID.String())
}

func TestAuthService_RegisterRejectsUnknownRole(t *testing.T) {
	svc := NewAuthService(newMemoryUsers(), "secret", 1, nil)
	_, err := svc.Register(context.Background(), "a@example.com", "pw", "A", "root")
	assert.Error(t, err)
}

func TestAuthService_CallerToken(t *testing.T) {
	svc := NewAuthService(newMemoryUsers(), "secret", 1, nil)

	token, err := svc.IssueToken(Claims{Wallet: "0xabc", Tier: "premium"})
	require.NoError(t, err)

	claims, err := svc.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "0xabc", claims.Wallet)
	assert.Equal(t, "premium", claims.Tier)
	assert.Empty(t, claims.Role)
}

func TestAuthService_ValidateTokenRejects(t *testing.T) {
	svc := NewAuthService(newMemoryUsers(), "secret", 1, nil)
	token, err := svc.IssueToken(Claims{Wallet: "0xabc"})
	require.NoError(t, err)

	other := NewAuthService(newMemoryUsers(), "different", 1, nil)
	_, err = other.ValidateToken(token)
	assert.ErrorIs(t, err, ErrInvalidToken)

	svc.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	_, err = svc.ValidateToken(token)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = svc.ValidateToken("not-a-token")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

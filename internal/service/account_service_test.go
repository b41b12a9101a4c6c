package service_test

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/spec-kit/account-service/internal/config"
	"github.com/spec-kit/account-service/internal/domain"
	"github.com/spec-kit/account-service/internal/events"
	"github.com/spec-kit/account-service/internal/repository"
	"github.com/spec-kit/account-service/internal/service"
	apperrors "github.com/spec-kit/account-service/pkg/util"
)

func newTestService() (*service.AccountService, repository.UserRepository) {
	users := repository.NewMemoryUserRepository()
	cfg := config.AuthConfig{
		JWTSecret:             "test-secret",
		AccessTokenTTLMinutes: 60,
		BcryptCost:            bcrypt.MinCost,
	}
	return service.NewAccountService(cfg, users, events.NewInMemoryDispatcher()), users
}

func errorCode(t *testing.T, err error) string {
	t.Helper()
	require.Error(t, err)
	return apperrors.ToDomainError(err).Code
}

func TestRegisterDefaults(t *testing.T) {
	svc, _ := newTestService()

	user, token, _, err := svc.Register(context.Background(), "Nguyen Van A", "a@x.com", "", "secret1")
	require.NoError(t, err)

	assert.Equal(t, domain.RoleUser, user.Role)
	assert.Equal(t, "a@x.com", user.Email)
	assert.True(t, user.Preferences.Newsletter)
	assert.True(t, user.Preferences.Notifications)
	assert.False(t, user.EmailVerified)
	assert.Nil(t, user.LastLoginAt)
	assert.NotEmpty(t, user.PasswordHash)
	assert.NotEqual(t, "secret1", user.PasswordHash)

	claims, err := svc.TokenManager().Verify(token)
	require.NoError(t, err)
	assert.Equal(t, user.ID, claims.Subject)
}

func TestRegisterFoldsEmailCase(t *testing.T) {
	svc, _ := newTestService()

	user, _, _, err := svc.Register(context.Background(), "Nguyen Van A", "  A@X.Com ", "", "secret1")
	require.NoError(t, err)
	assert.Equal(t, "a@x.com", user.Email)
}

func TestRegisterValidation(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	cases := []struct {
		name     string
		fullName string
		email    string
		phone    string
		password string
		code     string
	}{
		{"short name", "A", "a@x.com", "", "secret1", "VALIDATION_FAILED"},
		{"long name", strings.Repeat("a", 51), "a@x.com", "", "secret1", "VALIDATION_FAILED"},
		{"bad email", "Nguyen Van A", "not-an-email", "", "secret1", "VALIDATION_FAILED"},
		{"short password", "Nguyen Van A", "a@x.com", "", "five5", "VALIDATION_FAILED"},
		{"bad phone", "Nguyen Van A", "a@x.com", "12ab", "secret1", "VALIDATION_FAILED"},
		{"short phone", "Nguyen Van A", "a@x.com", "123456789", "secret1", "VALIDATION_FAILED"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, _, err := svc.Register(ctx, tc.fullName, tc.email, tc.phone, tc.password)
			assert.Equal(t, tc.code, errorCode(t, err))
		})
	}
}

func TestRegisterDuplicateEmail(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	_, _, _, err := svc.Register(ctx, "Nguyen Van A", "a@x.com", "", "secret1")
	require.NoError(t, err)

	_, _, _, err = svc.Register(ctx, "Nguyen Van B", "a@x.com", "", "secret2")
	assert.Equal(t, "DUPLICATE_EMAIL", errorCode(t, err))
}

func TestPublicProjectionOmitsHash(t *testing.T) {
	svc, _ := newTestService()

	user, _, _, err := svc.Register(context.Background(), "Nguyen Van A", "a@x.com", "", "secret1")
	require.NoError(t, err)

	raw, err := json.Marshal(user.Public())
	require.NoError(t, err)

	serialized := string(raw)
	assert.NotContains(t, serialized, "password")
	assert.NotContains(t, serialized, user.PasswordHash)
}

func TestLoginSuccess(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	registered, _, _, err := svc.Register(ctx, "Nguyen Van A", "a@x.com", "", "secret1")
	require.NoError(t, err)

	user, token, _, err := svc.Login(ctx, "a@x.com", "secret1")
	require.NoError(t, err)
	assert.Equal(t, registered.ID, user.ID)
	assert.NotEmpty(t, token)
	assert.NotNil(t, user.LastLoginAt)
}

func TestLoginWrongPasswordTwice(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	_, _, _, err := svc.Register(ctx, "Nguyen Van A", "a@x.com", "", "secret1")
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, _, _, err := svc.Login(ctx, "a@x.com", "wrong-password")
		assert.Equal(t, "INVALID_CREDENTIALS", errorCode(t, err))
	}
}

func TestLoginUnknownEmailIndistinguishable(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	_, _, _, err := svc.Register(ctx, "Nguyen Van A", "a@x.com", "", "secret1")
	require.NoError(t, err)

	_, _, _, unknownErr := svc.Login(ctx, "nobody@x.com", "secret1")
	_, _, _, wrongErr := svc.Login(ctx, "a@x.com", "wrong")

	assert.Equal(t, errorCode(t, unknownErr), errorCode(t, wrongErr))
	assert.Equal(t, apperrors.ToDomainError(unknownErr).Message, apperrors.ToDomainError(wrongErr).Message)
}

func TestUpdateProfileDoesNotRehash(t *testing.T) {
	svc, users := newTestService()
	ctx := context.Background()

	user, _, _, err := svc.Register(ctx, "Nguyen Van A", "a@x.com", "", "secret1")
	require.NoError(t, err)
	originalHash := user.PasswordHash

	newName := "Nguyen Van B"
	newPhone := "0123456789"
	updated, err := svc.UpdateProfile(ctx, user.ID, service.ProfileUpdate{FullName: &newName, Phone: &newPhone})
	require.NoError(t, err)
	assert.Equal(t, "Nguyen Van B", updated.FullName)
	require.NotNil(t, updated.Phone)
	assert.Equal(t, "0123456789", *updated.Phone)

	stored, err := users.GetByID(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, originalHash, stored.PasswordHash, "profile update must not touch the hash")
}

func TestUpdateProfileValidatesPhone(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	user, _, _, err := svc.Register(ctx, "Nguyen Van A", "a@x.com", "", "secret1")
	require.NoError(t, err)

	badPhone := "abc"
	_, err = svc.UpdateProfile(ctx, user.ID, service.ProfileUpdate{Phone: &badPhone})
	assert.Equal(t, "VALIDATION_FAILED", errorCode(t, err))
}

func TestChangePassword(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	user, _, _, err := svc.Register(ctx, "Nguyen Van A", "a@x.com", "", "secret1")
	require.NoError(t, err)

	err = svc.ChangePassword(ctx, user.ID, "wrong", "new-secret")
	assert.Equal(t, "INVALID_CREDENTIALS", errorCode(t, err))

	err = svc.ChangePassword(ctx, user.ID, "secret1", "short")
	assert.Equal(t, "VALIDATION_FAILED", errorCode(t, err))

	require.NoError(t, svc.ChangePassword(ctx, user.ID, "secret1", "new-secret"))

	_, _, _, err = svc.Login(ctx, "a@x.com", "secret1")
	assert.Equal(t, "INVALID_CREDENTIALS", errorCode(t, err))

	_, _, _, err = svc.Login(ctx, "a@x.com", "new-secret")
	assert.NoError(t, err)
}

func TestListUsersRecencyOrder(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	_, _, _, err := svc.Register(ctx, "Nguyen Van A", "a@x.com", "", "secret1")
	require.NoError(t, err)
	_, _, _, err = svc.Register(ctx, "Nguyen Van B", "b@x.com", "", "secret1")
	require.NoError(t, err)

	users, err := svc.ListUsers(ctx, 10)
	require.NoError(t, err)
	require.Len(t, users, 2)
	assert.False(t, users[0].CreatedAt.Before(users[1].CreatedAt))
}

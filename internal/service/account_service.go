package service

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/spec-kit/account-service/internal/auth"
	"github.com/spec-kit/account-service/internal/config"
	"github.com/spec-kit/account-service/internal/domain"
	"github.com/spec-kit/account-service/internal/events"
	"github.com/spec-kit/account-service/internal/repository"
	apperrors "github.com/spec-kit/account-service/pkg/util"
)

// Validation shapes for registration and profile updates.
var (
	emailPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)
	phonePattern = regexp.MustCompile(`^[0-9]{10,11}$`)
)

const (
	minPasswordLen = 6
	minNameLen     = 2
	maxNameLen     = 50
)

// ProfileUpdate carries the mutable profile fields; nil means "leave as is".
type ProfileUpdate struct {
	FullName *string
	Phone    *string
}

// AccountService coordinates registration, login and profile flows. It owns
// the hashing boundary: plaintext passwords enter here and only hashes leave.
type AccountService struct {
	users      repository.UserRepository
	tokens     *auth.TokenManager
	dispatcher events.Dispatcher
	bcryptCost int
}

// NewAccountService builds the service.
func NewAccountService(cfg config.AuthConfig, users repository.UserRepository, dispatcher events.Dispatcher) *AccountService {
	return &AccountService{
		users:      users,
		tokens:     auth.NewTokenManager(cfg.JWTSecret, cfg.AccessTokenTTL()),
		dispatcher: dispatcher,
		bcryptCost: cfg.BcryptCost,
	}
}

// Register creates a new account and issues its first session token.
func (s *AccountService) Register(ctx context.Context, fullName, email, phone, password string) (*domain.User, string, time.Time, error) {
	fullName = strings.TrimSpace(fullName)
	email = normalizeEmail(email)
	phone = strings.TrimSpace(phone)

	if err := validateFullName(fullName); err != nil {
		return nil, "", time.Time{}, err
	}
	if !emailPattern.MatchString(email) {
		return nil, "", time.Time{}, apperrors.NewValidationError("invalid email", map[string]any{"field": "email"})
	}
	if len(password) < minPasswordLen {
		return nil, "", time.Time{}, apperrors.NewValidationError("password must be at least 6 characters", map[string]any{"field": "password"})
	}
	if phone != "" && !phonePattern.MatchString(phone) {
		return nil, "", time.Time{}, apperrors.NewValidationError("invalid phone number", map[string]any{"field": "phone"})
	}

	hash, err := auth.HashPassword(password, s.bcryptCost)
	if err != nil {
		return nil, "", time.Time{}, err
	}

	user := &domain.User{
		FullName:     fullName,
		Email:        email,
		PasswordHash: hash,
		Role:         domain.RoleUser,
		Preferences:  domain.Preferences{Newsletter: true, Notifications: true},
	}
	if phone != "" {
		user.Phone = &phone
	}

	if err := s.users.Create(ctx, user); err != nil {
		if errors.Is(err, repository.ErrDuplicateEmail) {
			return nil, "", time.Time{}, apperrors.NewDuplicateEmail()
		}
		return nil, "", time.Time{}, err
	}

	token, exp, err := s.tokens.Issue(user)
	if err != nil {
		return nil, "", time.Time{}, err
	}

	s.publish(ctx, events.EventUserRegistered, user.ID, events.UserRegisteredPayload{Email: user.Email, FullName: user.FullName})
	return user, token, exp, nil
}

// Login authenticates by email and password. Unknown email and wrong
// password are deliberately indistinguishable to the caller.
func (s *AccountService) Login(ctx context.Context, email, password string) (*domain.User, string, time.Time, error) {
	email = normalizeEmail(email)

	user, err := s.users.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, "", time.Time{}, apperrors.NewInvalidCredentials()
		}
		return nil, "", time.Time{}, err
	}
	if err := auth.ComparePassword(user.PasswordHash, password); err != nil {
		return nil, "", time.Time{}, apperrors.NewInvalidCredentials()
	}

	token, exp, err := s.tokens.Issue(user)
	if err != nil {
		return nil, "", time.Time{}, err
	}

	// a failed timestamp touch must not fail an otherwise valid login
	if err := s.users.TouchLastLogin(ctx, user.ID); err == nil {
		now := time.Now()
		user.LastLoginAt = &now
	}

	s.publish(ctx, events.EventUserLoggedIn, user.ID, events.UserLoggedInPayload{Email: user.Email})
	return user, token, exp, nil
}

// GetUser resolves an identity by id.
func (s *AccountService) GetUser(ctx context.Context, id string) (*domain.User, error) {
	user, err := s.users.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apperrors.NewNotFound("user", nil)
		}
		return nil, err
	}
	return user, nil
}

// UpdateProfile mutates name and phone only. The password hash is untouched;
// no re-hash happens here.
func (s *AccountService) UpdateProfile(ctx context.Context, id string, update ProfileUpdate) (*domain.User, error) {
	user, err := s.GetUser(ctx, id)
	if err != nil {
		return nil, err
	}

	var changed []string
	if update.FullName != nil {
		name := strings.TrimSpace(*update.FullName)
		if err := validateFullName(name); err != nil {
			return nil, err
		}
		user.FullName = name
		changed = append(changed, "full_name")
	}
	if update.Phone != nil {
		phone := strings.TrimSpace(*update.Phone)
		if phone == "" {
			user.Phone = nil
		} else {
			if !phonePattern.MatchString(phone) {
				return nil, apperrors.NewValidationError("invalid phone number", map[string]any{"field": "phone"})
			}
			user.Phone = &phone
		}
		changed = append(changed, "phone")
	}

	if len(changed) == 0 {
		return user, nil
	}
	if err := s.users.Update(ctx, user); err != nil {
		return nil, err
	}

	s.publish(ctx, events.EventProfileUpdated, user.ID, events.ProfileUpdatedPayload{Fields: changed})
	return user, nil
}

// ChangePassword verifies the current password before re-hashing the new one.
func (s *AccountService) ChangePassword(ctx context.Context, id, currentPassword, newPassword string) error {
	if len(newPassword) < minPasswordLen {
		return apperrors.NewValidationError("password must be at least 6 characters", map[string]any{"field": "new_password"})
	}

	user, err := s.GetUser(ctx, id)
	if err != nil {
		return err
	}
	if err := auth.ComparePassword(user.PasswordHash, currentPassword); err != nil {
		return apperrors.NewInvalidCredentials()
	}

	hash, err := auth.HashPassword(newPassword, s.bcryptCost)
	if err != nil {
		return err
	}
	user.PasswordHash = hash
	if err := s.users.Update(ctx, user); err != nil {
		return err
	}

	s.publish(ctx, events.EventPasswordChanged, user.ID, events.PasswordChangedPayload{Email: user.Email})
	return nil
}

// ListUsers returns the most recently created accounts (admin view).
func (s *AccountService) ListUsers(ctx context.Context, limit int) ([]*domain.User, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	return s.users.ListRecent(ctx, limit)
}

// TokenManager exposes the underlying token manager for middleware usage.
func (s *AccountService) TokenManager() *auth.TokenManager {
	return s.tokens
}

func (s *AccountService) publish(ctx context.Context, eventType events.EventType, userID string, payload interface{}) {
	if s.dispatcher == nil {
		return
	}
	_ = s.dispatcher.Publish(ctx, events.Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		UserID:    userID,
		Timestamp: time.Now(),
		Payload:   payload,
	})
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func validateFullName(name string) error {
	if length := len([]rune(name)); length < minNameLen || length > maxNameLen {
		return apperrors.NewValidationError("full name must be 2-50 characters", map[string]any{"field": "full_name"})
	}
	return nil
}

// Package session owns the client's view of who is logged in. All state
// lives in one Manager guarded by a mutex; every transition goes through an
// explicit method and reads go through Current().
package session

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/spec-kit/account-service/internal/api/dto"
	"github.com/spec-kit/account-service/internal/client/api"
	"github.com/spec-kit/account-service/internal/client/storage"
	"github.com/spec-kit/account-service/internal/domain"
)

// Mode tags the session variant. A Demo session holds no token, is never
// persisted and is never presented to the authority as identity evidence.
type Mode string

const (
	ModeAnonymous     Mode = "anonymous"
	ModeAuthenticated Mode = "authenticated"
	ModeDemo          Mode = "demo"
)

var (
	// ErrNotAuthenticated rejects protected calls in Anonymous or Demo mode
	// before anything touches the network.
	ErrNotAuthenticated = errors.New("not authenticated")

	// ErrSuperseded marks a response that arrived after a logout or a newer
	// attempt and was therefore discarded.
	ErrSuperseded = errors.New("session attempt superseded")
)

// Session is a read-only snapshot of the manager's state.
type Session struct {
	Mode  Mode
	Token string
	User  *domain.PublicUser
}

// Authenticated reports whether the session is authority-backed.
func (s Session) Authenticated() bool {
	return s.Mode == ModeAuthenticated
}

// Storage is the durable keeper of the session token and cached profile.
// *storage.Store satisfies it.
type Storage interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Clear(ctx context.Context) error
}

// Manager holds the current session and its durable copy. The attempt
// counter serializes commits: a network response only lands if no logout or
// newer attempt happened while it was in flight.
type Manager struct {
	api    *api.Client
	store  Storage
	logger *zap.Logger

	mu      sync.Mutex
	session Session
	attempt uint64
}

// NewManager builds a manager starting in Anonymous mode.
func NewManager(client *api.Client, store Storage, logger *zap.Logger) *Manager {
	return &Manager{
		api:     client,
		store:   store,
		logger:  logger,
		session: Session{Mode: ModeAnonymous},
	}
}

// Current returns a snapshot of the session.
func (m *Manager) Current() Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session
}

// Login authenticates against the authority. If the connectivity probe fails
// the manager degrades to a Demo session fabricated from the form fields:
// no token, nothing persisted, gone on restart.
func (m *Manager) Login(ctx context.Context, email, password string) (Session, error) {
	attempt := m.begin()

	if err := m.api.Ping(ctx); err != nil {
		if errors.Is(err, api.ErrAuthorityUnreachable) {
			return m.commitDemo(attempt, "", email)
		}
		return m.Current(), err
	}

	data, err := m.api.Login(ctx, email, password)
	if err != nil {
		return m.Current(), err
	}
	return m.commitAuthenticated(ctx, attempt, data.Auth.Token, data.User)
}

// Register creates an account and logs in with the returned token. The same
// connectivity fallback applies.
func (m *Manager) Register(ctx context.Context, fullName, email, phone, password string) (Session, error) {
	attempt := m.begin()

	if err := m.api.Ping(ctx); err != nil {
		if errors.Is(err, api.ErrAuthorityUnreachable) {
			return m.commitDemo(attempt, fullName, email)
		}
		return m.Current(), err
	}

	data, err := m.api.Register(ctx, dto.RegisterRequest{
		FullName: fullName,
		Email:    email,
		Phone:    phone,
		Password: password,
	})
	if err != nil {
		return m.Current(), err
	}
	return m.commitAuthenticated(ctx, attempt, data.Auth.Token, data.User)
}

// Logout discards token and identity unconditionally and clears durable
// storage. It takes effect locally with no server round-trip; any in-flight
// login response arriving afterwards is discarded.
func (m *Manager) Logout() {
	m.mu.Lock()
	m.attempt++
	m.session = Session{Mode: ModeAnonymous}
	m.mu.Unlock()

	if err := m.store.Clear(context.Background()); err != nil {
		m.logger.Warn("failed to clear session storage", zap.Error(err))
	}
}

// RestoreOnStartup reconciles the durable token with the authority. Any
// failure to validate it is treated as a full logout so a rejected token can
// never poison the next attempt.
func (m *Manager) RestoreOnStartup(ctx context.Context) (Session, error) {
	attempt := m.begin()

	token, err := m.store.Get(ctx, storage.KeyAuthToken)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			m.logger.Warn("failed to read stored token", zap.Error(err))
		}
		return m.Current(), nil
	}

	data, err := m.api.Me(ctx, token)
	if err != nil {
		m.logger.Info("stored session rejected, clearing", zap.Error(err))
		m.Logout()
		return m.Current(), nil
	}
	return m.commitAuthenticated(ctx, attempt, token, data.User)
}

// Me refreshes the profile from the authority.
func (m *Manager) Me(ctx context.Context) (domain.PublicUser, error) {
	token, err := m.bearerToken()
	if err != nil {
		return domain.PublicUser{}, err
	}

	data, err := m.api.Me(ctx, token)
	if err != nil {
		return domain.PublicUser{}, m.handleUnauthenticated(err)
	}
	m.rememberUser(ctx, data.User)
	return data.User, nil
}

// UpdateProfile mutates name and phone on the authority and refreshes the
// local snapshot.
func (m *Manager) UpdateProfile(ctx context.Context, fullName, phone *string) (domain.PublicUser, error) {
	token, err := m.bearerToken()
	if err != nil {
		return domain.PublicUser{}, err
	}

	data, err := m.api.UpdateProfile(ctx, token, dto.UpdateProfileRequest{FullName: fullName, Phone: phone})
	if err != nil {
		return domain.PublicUser{}, m.handleUnauthenticated(err)
	}
	m.rememberUser(ctx, data.User)
	return data.User, nil
}

// ChangePassword rotates the password; the session token stays valid.
func (m *Manager) ChangePassword(ctx context.Context, currentPassword, newPassword string) error {
	token, err := m.bearerToken()
	if err != nil {
		return err
	}
	if err := m.api.ChangePassword(ctx, token, currentPassword, newPassword); err != nil {
		return m.handleUnauthenticated(err)
	}
	return nil
}

// begin opens a new attempt and invalidates any in-flight commit.
func (m *Manager) begin() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempt++
	return m.attempt
}

// commitAuthenticated lands a network response. The durable writes happen
// under the same lock as the in-memory commit: a logout serializes either
// fully before (the commit is superseded) or fully after (the store is
// cleared again), so a cleared store is never repopulated by a stale token.
func (m *Manager) commitAuthenticated(ctx context.Context, attempt uint64, token string, user domain.PublicUser) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.attempt != attempt {
		return m.session, ErrSuperseded
	}
	m.session = Session{Mode: ModeAuthenticated, Token: token, User: &user}

	if err := m.store.Set(ctx, storage.KeyAuthToken, token); err != nil {
		m.logger.Warn("failed to persist token", zap.Error(err))
	}
	if raw, err := json.Marshal(user); err == nil {
		if err := m.store.Set(ctx, storage.KeyProfile, string(raw)); err != nil {
			m.logger.Warn("failed to persist profile", zap.Error(err))
		}
	}
	return m.session, nil
}

func (m *Manager) commitDemo(attempt uint64, fullName, email string) (Session, error) {
	user := demoUser(fullName, email)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.attempt != attempt {
		return m.session, ErrSuperseded
	}
	m.session = Session{Mode: ModeDemo, User: &user}
	return m.session, nil
}

// bearerToken returns the current token, or ErrNotAuthenticated for
// Anonymous and Demo sessions. A demo session never reaches the wire.
func (m *Manager) bearerToken() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session.Mode != ModeAuthenticated {
		return "", ErrNotAuthenticated
	}
	return m.session.Token, nil
}

// handleUnauthenticated converts a server 401 into a local logout so the
// rejected token is not kept around, then passes the error through.
func (m *Manager) handleUnauthenticated(err error) error {
	var apiErr *api.Error
	if errors.As(err, &apiErr) && apiErr.IsUnauthenticated() && apiErr.Code == "UNAUTHENTICATED" {
		m.Logout()
	}
	return err
}

// rememberUser refreshes the profile snapshot. A response that outlives a
// logout updates nothing: neither the in-memory user nor the durable copy.
func (m *Manager) rememberUser(ctx context.Context, user domain.PublicUser) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session.Mode != ModeAuthenticated {
		return
	}
	m.session.User = &user

	if raw, err := json.Marshal(user); err == nil {
		if err := m.store.Set(ctx, storage.KeyProfile, string(raw)); err != nil {
			m.logger.Warn("failed to persist profile", zap.Error(err))
		}
	}
}

// demoUser fabricates a local-only identity from the submitted form fields.
// The login form has no name field, so the email local-part stands in.
func demoUser(fullName, email string) domain.PublicUser {
	if fullName == "" {
		fullName = email
		if at := strings.Index(email, "@"); at > 0 {
			fullName = email[:at]
		}
	}
	return domain.PublicUser{
		FullName: fullName,
		Email:    email,
		Role:     domain.RoleUser,
	}
}

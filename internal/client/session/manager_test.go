package session_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/spec-kit/account-service/internal/api/dto"
	"github.com/spec-kit/account-service/internal/client/api"
	"github.com/spec-kit/account-service/internal/client/session"
	"github.com/spec-kit/account-service/internal/client/storage"
	"github.com/spec-kit/account-service/internal/domain"
)

const (
	testToken    = "tok-123"
	testEmail    = "a@x.com"
	testPassword = "secret1"
)

// fakeAuthority is a minimal stand-in for the account server speaking its
// JSON envelope.
type fakeAuthority struct {
	srv *httptest.Server

	loginStarted chan struct{}
	loginGate    chan struct{}
	meStarted    chan struct{}
	meGate       chan struct{}
}

func newFakeAuthority(t *testing.T) *fakeAuthority {
	t.Helper()

	f := &fakeAuthority{}
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	})

	mux.HandleFunc("/auth/login", func(w http.ResponseWriter, r *http.Request) {
		if f.loginStarted != nil {
			f.loginStarted <- struct{}{}
		}
		if f.loginGate != nil {
			<-f.loginGate
		}

		var req dto.LoginRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.Email != testEmail || req.Password != testPassword {
			writeError(w, http.StatusUnauthorized, "INVALID_CREDENTIALS", "invalid email or password", nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"data": dto.AuthData{
			User: testUser(),
			Auth: dto.AuthResponse{Token: testToken, ExpiresAt: time.Now().Add(time.Hour)},
		}})
	})

	mux.HandleFunc("/auth/register", func(w http.ResponseWriter, r *http.Request) {
		var req dto.RegisterRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		user := testUser()
		user.FullName = req.FullName
		user.Email = req.Email
		writeJSON(w, http.StatusCreated, map[string]any{"data": dto.AuthData{
			User: user,
			Auth: dto.AuthResponse{Token: testToken, ExpiresAt: time.Now().Add(time.Hour)},
		}})
	})

	mux.HandleFunc("/auth/me", func(w http.ResponseWriter, r *http.Request) {
		if f.meStarted != nil {
			f.meStarted <- struct{}{}
		}
		if f.meGate != nil {
			<-f.meGate
		}
		if r.Header.Get("Authorization") != "Bearer "+testToken {
			writeError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "invalid token", map[string]any{"reason": "invalid"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"data": dto.UserData{User: testUser()}})
	})

	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func testUser() domain.PublicUser {
	return domain.PublicUser{
		ID:       "user-1",
		FullName: "Nguyen Van A",
		Email:    testEmail,
		Role:     domain.RoleUser,
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, code, message string, details map[string]any) {
	payload := map[string]any{"code": code, "message": message}
	if details != nil {
		payload["details"] = details
	}
	writeJSON(w, status, map[string]any{"error": payload})
}

func newManager(t *testing.T, serverURL string) (*session.Manager, *storage.Store) {
	t.Helper()

	store, err := storage.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	client := api.New(serverURL, 5*time.Second, 500*time.Millisecond)
	return session.NewManager(client, store, zap.NewNop()), store
}

// gatedStore wraps the SQLite store and lets a test hold one write open.
type gatedStore struct {
	*storage.Store
	key     string
	started chan struct{}
	gate    chan struct{}
}

func (g *gatedStore) Set(ctx context.Context, key, value string) error {
	if key == g.key {
		g.started <- struct{}{}
		<-g.gate
	}
	return g.Store.Set(ctx, key, value)
}

// unreachableURL points at a server that has already been shut down.
func unreachableURL(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()
	return url
}

func TestLoginAuthenticated(t *testing.T) {
	authority := newFakeAuthority(t)
	manager, store := newManager(t, authority.srv.URL)
	ctx := context.Background()

	current, err := manager.Login(ctx, testEmail, testPassword)
	require.NoError(t, err)

	assert.Equal(t, session.ModeAuthenticated, current.Mode)
	assert.Equal(t, testToken, current.Token)
	require.NotNil(t, current.User)
	assert.Equal(t, domain.RoleUser, current.User.Role)

	stored, err := store.Get(ctx, storage.KeyAuthToken)
	require.NoError(t, err)
	assert.Equal(t, testToken, stored)
}

func TestLoginWrongPasswordKeepsAnonymous(t *testing.T) {
	authority := newFakeAuthority(t)
	manager, store := newManager(t, authority.srv.URL)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := manager.Login(ctx, testEmail, "wrong-password")
		require.Error(t, err)

		var apiErr *api.Error
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, "INVALID_CREDENTIALS", apiErr.Code)
	}

	assert.Equal(t, session.ModeAnonymous, manager.Current().Mode)
	_, err := store.Get(ctx, storage.KeyAuthToken)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestLoginFallsBackToDemo(t *testing.T) {
	manager, store := newManager(t, unreachableURL(t))
	ctx := context.Background()

	current, err := manager.Login(ctx, "demo@x.com", "whatever")
	require.NoError(t, err)

	assert.Equal(t, session.ModeDemo, current.Mode)
	assert.Empty(t, current.Token, "a demo session never holds a token")
	require.NotNil(t, current.User)
	assert.Equal(t, "demo", current.User.FullName)
	assert.Equal(t, "demo@x.com", current.User.Email)

	// nothing durable: a restart comes up anonymous
	_, err = store.Get(ctx, storage.KeyAuthToken)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestRegisterFallsBackToDemoKeepsName(t *testing.T) {
	manager, store := newManager(t, unreachableURL(t))
	ctx := context.Background()

	current, err := manager.Register(ctx, "Nguyen Van A", "a@x.com", "", "secret1")
	require.NoError(t, err)

	assert.Equal(t, session.ModeDemo, current.Mode)
	assert.Empty(t, current.Token)
	require.NotNil(t, current.User)

	// the register form carries a name, so the demo identity keeps it
	assert.Equal(t, "Nguyen Van A", current.User.FullName)
	assert.Equal(t, "a@x.com", current.User.Email)

	_, err = store.Get(ctx, storage.KeyAuthToken)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestDemoSessionRejectsProtectedCalls(t *testing.T) {
	manager, _ := newManager(t, unreachableURL(t))
	ctx := context.Background()

	_, err := manager.Login(ctx, "demo@x.com", "whatever")
	require.NoError(t, err)
	require.Equal(t, session.ModeDemo, manager.Current().Mode)

	_, err = manager.Me(ctx)
	assert.ErrorIs(t, err, session.ErrNotAuthenticated)

	name := "New Name"
	_, err = manager.UpdateProfile(ctx, &name, nil)
	assert.ErrorIs(t, err, session.ErrNotAuthenticated)
}

func TestRegisterAuthenticated(t *testing.T) {
	authority := newFakeAuthority(t)
	manager, store := newManager(t, authority.srv.URL)
	ctx := context.Background()

	current, err := manager.Register(ctx, "Nguyen Van A", testEmail, "", testPassword)
	require.NoError(t, err)

	assert.Equal(t, session.ModeAuthenticated, current.Mode)
	require.NotNil(t, current.User)
	assert.Equal(t, domain.RoleUser, current.User.Role)

	stored, err := store.Get(ctx, storage.KeyAuthToken)
	require.NoError(t, err)
	assert.Equal(t, testToken, stored)
}

func TestRestoreOnStartupNoToken(t *testing.T) {
	authority := newFakeAuthority(t)
	manager, _ := newManager(t, authority.srv.URL)

	current, err := manager.RestoreOnStartup(context.Background())
	require.NoError(t, err)
	assert.Equal(t, session.ModeAnonymous, current.Mode)
}

func TestRestoreOnStartupValidToken(t *testing.T) {
	authority := newFakeAuthority(t)
	manager, store := newManager(t, authority.srv.URL)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, storage.KeyAuthToken, testToken))

	current, err := manager.RestoreOnStartup(ctx)
	require.NoError(t, err)
	assert.Equal(t, session.ModeAuthenticated, current.Mode)
	assert.Equal(t, testToken, current.Token)
}

func TestRestoreOnStartupRejectedTokenClears(t *testing.T) {
	authority := newFakeAuthority(t)
	manager, store := newManager(t, authority.srv.URL)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, storage.KeyAuthToken, "stale-token"))

	current, err := manager.RestoreOnStartup(ctx)
	require.NoError(t, err)
	assert.Equal(t, session.ModeAnonymous, current.Mode)

	_, err = store.Get(ctx, storage.KeyAuthToken)
	assert.ErrorIs(t, err, storage.ErrNotFound, "a rejected token must not poison the next attempt")
}

func TestRestoreOnStartupUnreachableClears(t *testing.T) {
	manager, store := newManager(t, unreachableURL(t))
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, storage.KeyAuthToken, testToken))

	current, err := manager.RestoreOnStartup(ctx)
	require.NoError(t, err)
	assert.Equal(t, session.ModeAnonymous, current.Mode)

	_, err = store.Get(ctx, storage.KeyAuthToken)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestLogoutClearsStorage(t *testing.T) {
	authority := newFakeAuthority(t)
	manager, store := newManager(t, authority.srv.URL)
	ctx := context.Background()

	_, err := manager.Login(ctx, testEmail, testPassword)
	require.NoError(t, err)

	manager.Logout()

	assert.Equal(t, session.ModeAnonymous, manager.Current().Mode)
	_, err = store.Get(ctx, storage.KeyAuthToken)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestLogoutDiscardsInFlightLogin(t *testing.T) {
	authority := newFakeAuthority(t)
	authority.loginStarted = make(chan struct{}, 1)
	authority.loginGate = make(chan struct{})

	manager, store := newManager(t, authority.srv.URL)
	ctx := context.Background()

	results := make(chan error, 1)
	go func() {
		_, err := manager.Login(ctx, testEmail, testPassword)
		results <- err
	}()

	// wait until the login request is in flight, then log out before the
	// response can land
	<-authority.loginStarted
	manager.Logout()
	close(authority.loginGate)

	err := <-results
	assert.ErrorIs(t, err, session.ErrSuperseded)
	assert.Equal(t, session.ModeAnonymous, manager.Current().Mode)

	_, err = store.Get(ctx, storage.KeyAuthToken)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestLogoutDuringPersistLeavesStoreEmpty(t *testing.T) {
	authority := newFakeAuthority(t)

	store, err := storage.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	gated := &gatedStore{
		Store:   store,
		key:     storage.KeyAuthToken,
		started: make(chan struct{}, 1),
		gate:    make(chan struct{}),
	}
	client := api.New(authority.srv.URL, 5*time.Second, 500*time.Millisecond)
	manager := session.NewManager(client, gated, zap.NewNop())
	ctx := context.Background()

	loginDone := make(chan error, 1)
	go func() {
		_, err := manager.Login(ctx, testEmail, testPassword)
		loginDone <- err
	}()

	// logout lands while the token write is still open; it must serialize
	// after the commit and leave the store cleared
	<-gated.started
	logoutDone := make(chan struct{})
	go func() {
		manager.Logout()
		close(logoutDone)
	}()
	close(gated.gate)

	require.NoError(t, <-loginDone)
	<-logoutDone

	assert.Equal(t, session.ModeAnonymous, manager.Current().Mode)
	_, err = store.Get(ctx, storage.KeyAuthToken)
	assert.ErrorIs(t, err, storage.ErrNotFound, "logout must win over an overlapping token write")
	_, err = store.Get(ctx, storage.KeyProfile)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestLogoutDuringProfileRefreshSkipsPersist(t *testing.T) {
	authority := newFakeAuthority(t)
	manager, store := newManager(t, authority.srv.URL)
	ctx := context.Background()

	_, err := manager.Login(ctx, testEmail, testPassword)
	require.NoError(t, err)

	authority.meStarted = make(chan struct{}, 1)
	authority.meGate = make(chan struct{})

	type meResult struct {
		user domain.PublicUser
		err  error
	}
	results := make(chan meResult, 1)
	go func() {
		user, err := manager.Me(ctx)
		results <- meResult{user: user, err: err}
	}()

	<-authority.meStarted
	manager.Logout()
	close(authority.meGate)

	res := <-results
	require.NoError(t, res.err)

	// the late profile response must not rewrite what logout cleared
	assert.Equal(t, session.ModeAnonymous, manager.Current().Mode)
	_, err = store.Get(ctx, storage.KeyProfile)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = store.Get(ctx, storage.KeyAuthToken)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestMeRefreshesProfile(t *testing.T) {
	authority := newFakeAuthority(t)
	manager, _ := newManager(t, authority.srv.URL)
	ctx := context.Background()

	_, err := manager.Login(ctx, testEmail, testPassword)
	require.NoError(t, err)

	user, err := manager.Me(ctx)
	require.NoError(t, err)
	assert.Equal(t, testEmail, user.Email)
}

func TestMeAnonymous(t *testing.T) {
	authority := newFakeAuthority(t)
	manager, _ := newManager(t, authority.srv.URL)

	_, err := manager.Me(context.Background())
	assert.True(t, errors.Is(err, session.ErrNotAuthenticated))
}

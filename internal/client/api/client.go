// Package api is the client-side transport for the account service. It wraps
// net/http with the server's JSON envelope and keeps bearer attachment
// explicit: a request carries a token only when the caller hands one in.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spec-kit/account-service/internal/api/dto"
)

// ErrAuthorityUnreachable signals that the connectivity probe failed. It
// triggers the demo-mode fallback, never a fatal error.
var ErrAuthorityUnreachable = errors.New("authority unreachable")

// Error is a decoded server-side error envelope.
type Error struct {
	Status  int
	Code    string
	Reason  string
	Message string
}

func (e *Error) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s (%s): %s", e.Code, e.Reason, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// IsUnauthenticated reports a 401 of any flavor.
func (e *Error) IsUnauthenticated() bool {
	return e.Status == http.StatusUnauthorized
}

// Client is a thin JSON/HTTP client for the account authority.
type Client struct {
	baseURL      string
	http         *http.Client
	probeTimeout time.Duration
}

// New builds a client for the given base URL.
func New(baseURL string, requestTimeout, probeTimeout time.Duration) *Client {
	return &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		http:         &http.Client{Timeout: requestTimeout},
		probeTimeout: probeTimeout,
	}
}

// Ping probes GET /health with its own short timeout so the fallback
// decision is made promptly. Any transport failure or non-200 maps to
// ErrAuthorityUnreachable.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return ErrAuthorityUnreachable
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return ErrAuthorityUnreachable
	}
	return nil
}

// Login exchanges credentials for a session token.
func (c *Client) Login(ctx context.Context, email, password string) (*dto.AuthData, error) {
	var data dto.AuthData
	err := c.do(ctx, http.MethodPost, "/auth/login", "", dto.LoginRequest{Email: email, Password: password}, &data)
	if err != nil {
		return nil, err
	}
	return &data, nil
}

// Register creates an account and returns its first session token.
func (c *Client) Register(ctx context.Context, req dto.RegisterRequest) (*dto.AuthData, error) {
	var data dto.AuthData
	if err := c.do(ctx, http.MethodPost, "/auth/register", "", req, &data); err != nil {
		return nil, err
	}
	return &data, nil
}

// Me resolves the identity behind a token.
func (c *Client) Me(ctx context.Context, token string) (*dto.UserData, error) {
	var data dto.UserData
	if err := c.do(ctx, http.MethodGet, "/auth/me", token, nil, &data); err != nil {
		return nil, err
	}
	return &data, nil
}

// UpdateProfile mutates name and phone on the caller's account.
func (c *Client) UpdateProfile(ctx context.Context, token string, req dto.UpdateProfileRequest) (*dto.UserData, error) {
	var data dto.UserData
	if err := c.do(ctx, http.MethodPut, "/user/profile", token, req, &data); err != nil {
		return nil, err
	}
	return &data, nil
}

// ChangePassword rotates the caller's password.
func (c *Client) ChangePassword(ctx context.Context, token, currentPassword, newPassword string) error {
	return c.do(ctx, http.MethodPut, "/auth/change-password", token, dto.ChangePasswordRequest{
		CurrentPassword: currentPassword,
		NewPassword:     newPassword,
	}, nil)
}

type envelope struct {
	Data  json.RawMessage `json:"data"`
	Error *struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

func (c *Client) do(ctx context.Context, method, path, token string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode >= 400 {
		return decodeError(resp.StatusCode, raw)
	}
	if out == nil || len(raw) == 0 {
		return nil
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return json.Unmarshal(env.Data, out)
}

func decodeError(status int, raw []byte) error {
	apiErr := &Error{Status: status, Code: "UNKNOWN", Message: http.StatusText(status)}

	var env envelope
	if err := json.Unmarshal(raw, &env); err == nil && env.Error != nil {
		apiErr.Code = env.Error.Code
		apiErr.Message = env.Error.Message
		if reason, ok := env.Error.Details["reason"].(string); ok {
			apiErr.Reason = reason
		}
	}
	return apiErr
}

// Package auth implements the HTTP authentication client consumed by the
// session controller.
package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/marketdeck/marketdeck/session"
)

// ErrInvalidCredentials is returned when the server rejects a login.
var ErrInvalidCredentials = errors.New("invalid credentials")

const defaultTimeout = 10 * time.Second

// Config holds configuration for creating a new auth Client.
type Config struct {
	BaseURL string         // required: auth backend base URL, no trailing slash
	Store   *session.Store // required: supplies the bearer credential
	Logger  *slog.Logger   // required
	HTTP    *http.Client   // optional
}

// Client talks to the auth backend. It satisfies session.AuthClient.
type Client struct {
	baseURL string
	store   *session.Store
	logger  *slog.Logger
	http    *http.Client
}

var _ session.AuthClient = (*Client)(nil)

// NewClient creates an auth client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("base URL is required")
	}
	if cfg.Store == nil {
		return nil, errors.New("store is required")
	}
	if cfg.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if cfg.HTTP == nil {
		cfg.HTTP = &http.Client{Timeout: defaultTimeout}
	}
	return &Client{
		baseURL: cfg.BaseURL,
		store:   cfg.Store,
		logger:  cfg.Logger,
		http:    cfg.HTTP,
	}, nil
}

type loginResponse struct {
	Token string           `json:"token"`
	User  session.UserInfo `json:"user"`
	Error string           `json:"error,omitempty"`
}

// Login exchanges credentials for an identity and a streaming token.
func (c *Client) Login(ctx context.Context, creds session.Credentials) (*session.LoginResult, error) {
	body, err := json.Marshal(creds)
	if err != nil {
		return nil, fmt.Errorf("encode credentials: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/auth/login", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("login request: %w", err)
	}
	defer resp.Body.Close()

	var parsed loginResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&parsed); err != nil && resp.StatusCode == http.StatusOK {
		return nil, fmt.Errorf("decode login response: %w", err)
	}

	switch resp.StatusCode {
	case http.StatusOK:
		return &session.LoginResult{User: parsed.User, Token: parsed.Token}, nil
	case http.StatusUnauthorized, http.StatusForbidden:
		if parsed.Error != "" {
			return nil, fmt.Errorf("%w: %s", ErrInvalidCredentials, parsed.Error)
		}
		return nil, ErrInvalidCredentials
	default:
		return nil, fmt.Errorf("login failed with status %d", resp.StatusCode)
	}
}

// Logout invalidates the server-side session. Callers treat failures as
// best-effort.
func (c *Client) Logout(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/auth/logout", nil)
	if err != nil {
		return fmt.Errorf("build logout request: %w", err)
	}
	c.setBearer(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("logout request: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 400 {
		return fmt.Errorf("logout failed with status %d", resp.StatusCode)
	}
	return nil
}

// GetSystemStatus checks that the stored credential is still accepted
// server-side. Any non-2xx response counts as a failed validation.
func (c *Client) GetSystemStatus(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/system/status", nil)
	if err != nil {
		return fmt.Errorf("build status request: %w", err)
	}
	c.setBearer(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("status request: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status check failed with status %d", resp.StatusCode)
	}
	return nil
}

// IsAuthenticated is a local credential presence check only; no network call.
func (c *Client) IsAuthenticated() bool {
	_, ok := c.store.Token()
	return ok
}

func (c *Client) setBearer(req *http.Request) {
	if token, ok := c.store.Token(); ok {
		req.Header.Set("Authorization", "Bearer "+token)
	}
}

// Package authclient talks to the auth service and adapts it to the
// authgate provider interfaces.
package authclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"whatsgonow/pkg/domain"
)

// APIError represents an auth service error response.
type APIError struct {
	Status  int
	Message string
	Code    string
}

func (e *APIError) Error() string {
	return e.Message
}

// IsUnauthorized reports whether err is a 401 from the auth service.
func IsUnauthorized(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusUnauthorized
}

// Grant is the token pair plus identity returned by login and refresh.
type Grant struct {
	Token        string         `json:"token"`
	RefreshToken string         `json:"refreshToken"`
	ExpiresAt    time.Time      `json:"expiresAt"`
	User         domain.User    `json:"user"`
	Profile      domain.Profile `json:"profile"`
}

// Client calls the auth service over HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *Client) Login(ctx context.Context, email, password string) (Grant, error) {
	var g Grant
	err := c.postJSON(ctx, "/auth/login", "", map[string]string{"email": email, "password": password}, &g)
	return g, err
}

func (c *Client) Refresh(ctx context.Context, refreshToken string) (Grant, error) {
	var g Grant
	err := c.postJSON(ctx, "/auth/refresh", "", map[string]string{"refreshToken": refreshToken}, &g)
	return g, err
}

// Logout revokes the access token and, when given, the refresh token.
func (c *Client) Logout(ctx context.Context, accessToken, refreshToken string) error {
	var body any
	if refreshToken != "" {
		body = map[string]string{"refreshToken": refreshToken}
	}
	return c.postJSON(ctx, "/auth/logout", accessToken, body, nil)
}

// Me validates the bearer token and returns the current user.
func (c *Client) Me(ctx context.Context, token string) (domain.User, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/auth/me", nil)
	if err != nil {
		return domain.User{}, err
	}
	addAuthHeader(req, token)
	var user domain.User
	if err := c.do(req, &user); err != nil {
		return domain.User{}, err
	}
	return user, nil
}

func (c *Client) Profile(ctx context.Context, token, userID string) (domain.Profile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/auth/profiles/"+url.PathEscape(userID), nil)
	if err != nil {
		return domain.Profile{}, err
	}
	addAuthHeader(req, token)
	var p domain.Profile
	if err := c.do(req, &p); err != nil {
		return domain.Profile{}, err
	}
	return p, nil
}

func (c *Client) postJSON(ctx context.Context, path, token string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	addAuthHeader(req, token)
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		var errResp struct {
			Error string `json:"error"`
			Code  string `json:"code"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&errResp)
		msg := errResp.Error
		if msg == "" {
			msg = resp.Status
		}
		return &APIError{Status: resp.StatusCode, Message: msg, Code: strings.TrimSpace(errResp.Code)}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func addAuthHeader(req *http.Request, token string) {
	if strings.TrimSpace(token) == "" {
		return
	}
	req.Header.Set("Authorization", "Bearer "+token)
}

// Package sessionclient talks to the sessions service.
package sessionclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"whatsgonow/pkg/domain"
)

// APIError represents a sessions service error response.
type APIError struct {
	Status  int
	Message string
	Code    string
}

func (e *APIError) Error() string {
	return e.Message
}

// IsStatus reports whether err is an *APIError with the given status.
func IsStatus(err error, status int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == status
}

// Client calls the sessions service over HTTP. It satisfies
// uploadsession.Fetcher.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// FetchSessionByID returns found=false when the service answers 404.
func (c *Client) FetchSessionByID(ctx context.Context, id string) (domain.UploadSession, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.sessionURL(id), nil)
	if err != nil {
		return domain.UploadSession{}, false, err
	}
	var row domain.UploadSession
	if err := c.do(req, &row); err != nil {
		if IsStatus(err, http.StatusNotFound) {
			return domain.UploadSession{}, false, nil
		}
		return domain.UploadSession{}, false, err
	}
	if row.UploadedFiles == nil {
		row.UploadedFiles = []string{}
	}
	return row, true, nil
}

// Create opens a session for target. A zero ttl lets the service pick.
func (c *Client) Create(ctx context.Context, token, target string, ttl time.Duration) (domain.UploadSession, error) {
	payload := map[string]string{"target": target}
	if ttl > 0 {
		payload["ttl"] = ttl.String()
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return domain.UploadSession{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/sessions", bytes.NewReader(body))
	if err != nil {
		return domain.UploadSession{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	addAuthHeader(req, token)
	var row domain.UploadSession
	if err := c.do(req, &row); err != nil {
		return domain.UploadSession{}, err
	}
	return row, nil
}

// Upload sends one file and returns its storage key.
func (c *Client) Upload(ctx context.Context, sessionID, filename string, r io.Reader) (string, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, err := writer.CreateFormFile("file", filename)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(part, r); err != nil {
		return "", err
	}
	if err := writer.Close(); err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.sessionURL(sessionID)+"/files", body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	var resp struct {
		Key string `json:"key"`
	}
	if err := c.do(req, &resp); err != nil {
		return "", err
	}
	return resp.Key, nil
}

func (c *Client) Complete(ctx context.Context, sessionID string) (domain.UploadSession, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.sessionURL(sessionID)+"/complete", nil)
	if err != nil {
		return domain.UploadSession{}, err
	}
	var row domain.UploadSession
	if err := c.do(req, &row); err != nil {
		return domain.UploadSession{}, err
	}
	return row, nil
}

// FileURL asks for a presigned download URL. Only the owner's token works.
func (c *Client) FileURL(ctx context.Context, token, sessionID, fileName string) (string, error) {
	endpoint := c.sessionURL(sessionID) + "/files/" + url.PathEscape(fileName) + "/url"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", err
	}
	addAuthHeader(req, token)
	var resp struct {
		URL string `json:"url"`
	}
	if err := c.do(req, &resp); err != nil {
		return "", err
	}
	return resp.URL, nil
}

func (c *Client) sessionURL(id string) string {
	return c.baseURL + "/sessions/" + url.PathEscape(id)
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
	if out == nil {
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

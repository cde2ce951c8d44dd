package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/terra-clan/matrix-engine/internal/models"
)

// IdentityHeader carries the caller identity on every /api/v1 request
const IdentityHeader = "X-Caller-Identity"

// APIError is a non-success response from matrix-engine
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error %d: %s - %s", e.Status, e.Code, e.Message)
}

// IsCode reports whether err is an APIError with code
func IsCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

// Client is a Go SDK for the matrix-engine API
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// Option configures the client
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.httpClient = client
	}
}

// WithTimeout sets the client timeout
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		c.httpClient.Timeout = timeout
	}
}

// NewClient creates a new matrix-engine client
func NewClient(baseURL, apiKey string, opts ...Option) *Client {
	c := &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// GetProgress returns the progress of identity
func (c *Client) GetProgress(ctx context.Context, identity string) (*models.ProgressView, error) {
	var view models.ProgressView
	if err := c.doRequest(ctx, http.MethodGet, "/api/v1/progress", identity, nil, &view); err != nil {
		return nil, err
	}
	return &view, nil
}

// SolveLevel submits a passcode for the current level of identity
func (c *Client) SolveLevel(ctx context.Context, identity, passcode string) (*models.SolveLevelResponse, error) {
	var resp models.SolveLevelResponse
	req := models.SolveLevelRequest{Passcode: passcode}
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/levels/solve", identity, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// DiscoverSecret submits a secret phrase
func (c *Client) DiscoverSecret(ctx context.Context, identity, phrase string) (*models.DiscoverSecretResponse, error) {
	var resp models.DiscoverSecretResponse
	req := models.DiscoverSecretRequest{Phrase: phrase}
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/secrets/discover", identity, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Reset takes the blue pill. Without confirmation the server answers confirmation_required.
func (c *Client) Reset(ctx context.Context, identity string, confirmed bool) (*models.ProgressView, error) {
	var view models.ProgressView
	req := models.ResetRequest{Confirmed: confirmed}
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/reset", identity, req, &view); err != nil {
		return nil, err
	}
	return &view, nil
}

// GetConfig returns the global config
func (c *Client) GetConfig(ctx context.Context, identity string) (*models.GlobalConfig, error) {
	var gc models.GlobalConfig
	if err := c.doRequest(ctx, http.MethodGet, "/api/v1/admin/config", identity, nil, &gc); err != nil {
		return nil, err
	}
	return &gc, nil
}

// LinkCollaborator links the reward minting collaborator
func (c *Client) LinkCollaborator(ctx context.Context, admin, address string) (*models.GlobalConfig, error) {
	var gc models.GlobalConfig
	req := models.LinkCollaboratorRequest{Address: address}
	if err := c.doJSON(ctx, http.MethodPut, "/api/v1/admin/collaborator", admin, req, &gc); err != nil {
		return nil, err
	}
	return &gc, nil
}

// SetMinting enables or disables milestone minting
func (c *Client) SetMinting(ctx context.Context, admin string, enabled bool) (*models.GlobalConfig, error) {
	var gc models.GlobalConfig
	req := models.SetMintingRequest{Enabled: enabled}
	if err := c.doJSON(ctx, http.MethodPut, "/api/v1/admin/minting", admin, req, &gc); err != nil {
		return nil, err
	}
	return &gc, nil
}

// PublishLevels publishes a YAML or JSON level manifest
func (c *Client) PublishLevels(ctx context.Context, admin string, manifest []byte) error {
	return c.doRequest(ctx, http.MethodPost, "/api/v1/admin/levels", admin, bytes.NewReader(manifest), nil)
}

// Health checks if the service is healthy
func (c *Client) Health(ctx context.Context) error {
	return c.doRequest(ctx, http.MethodGet, "/health", "", nil, nil)
}

// Ready checks if the service can serve traffic
func (c *Client) Ready(ctx context.Context) error {
	return c.doRequest(ctx, http.MethodGet, "/ready", "", nil, nil)
}

// doJSON marshals in as the request body and decodes the response into out
func (c *Client) doJSON(ctx context.Context, method, path, identity string, in, out interface{}) error {
	data, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	return c.doRequest(ctx, method, path, identity, bytes.NewReader(data), out)
}

// doRequest performs an HTTP request and decodes the response envelope into out
func (c *Client) doRequest(ctx context.Context, method, path, identity string, body io.Reader, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if identity != "" {
		req.Header.Set(IdentityHeader, identity)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	var result struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
		Error   *struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}

	if err := json.Unmarshal(respBody, &result); err != nil {
		if resp.StatusCode >= 400 {
			return &APIError{Status: resp.StatusCode, Code: "http_error", Message: string(respBody)}
		}
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}

	if !result.Success || resp.StatusCode >= 400 {
		apiErr := &APIError{Status: resp.StatusCode, Code: "unknown_error"}
		if result.Error != nil {
			apiErr.Code = result.Error.Code
			apiErr.Message = result.Error.Message
		}
		return apiErr
	}

	if out != nil && len(result.Data) > 0 {
		if err := json.Unmarshal(result.Data, out); err != nil {
			return fmt.Errorf("failed to unmarshal response data: %w", err)
		}
	}

	return nil
}

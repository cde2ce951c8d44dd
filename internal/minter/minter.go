// Package minter talks to the external collaborator that mints milestone tokens.
package minter

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

	"github.com/google/uuid"
)

// ErrRejected is returned when the collaborator answered with a non-2xx status
var ErrRejected = errors.New("mint rejected")

// Minter mints one milestone token for an identity at the collaborator address
type Minter interface {
	Mint(ctx context.Context, address, identity string) error
}

// requestNamespace scopes milestone request IDs
var requestNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("urn:matrix-engine:milestone"))

// RequestID returns the idempotency key for an identity's milestone mint. It is
// the same on every attempt, so a collaborator that already minted can ignore a retry.
func RequestID(identity string) string {
	return uuid.NewSHA1(requestNamespace, []byte(strings.ToLower(identity))).String()
}

// MintRequest is the body sent to the collaborator
type MintRequest struct {
	To        string `json:"to"`
	RequestID string `json:"request_id"`
}

// HTTPMinter calls POST <address>/mint
type HTTPMinter struct {
	apiKey     string
	httpClient *http.Client
}

// Option configures the minter
type Option func(*HTTPMinter)

// WithHTTPClient sets a custom HTTP client
func WithHTTPClient(client *http.Client) Option {
	return func(m *HTTPMinter) {
		m.httpClient = client
	}
}

// WithTimeout sets the request timeout
func WithTimeout(timeout time.Duration) Option {
	return func(m *HTTPMinter) {
		if timeout > 0 {
			m.httpClient.Timeout = timeout
		}
	}
}

// NewHTTPMinter creates a minter authenticating with apiKey
func NewHTTPMinter(apiKey string, opts ...Option) *HTTPMinter {
	m := &HTTPMinter{
		apiKey: apiKey,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// Mint sends a single mint request. Retries for the same identity carry the same
// request ID, also sent as the Idempotency-Key header.
func (m *HTTPMinter) Mint(ctx context.Context, address, identity string) error {
	requestID := RequestID(identity)
	body, err := json.Marshal(MintRequest{
		To:        identity,
		RequestID: requestID,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal mint request: %w", err)
	}

	url := strings.TrimRight(address, "/") + "/mint"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", requestID)
	if m.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+m.apiKey)
	}

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("mint request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: HTTP %d: %s", ErrRejected, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	// Drain so the connection can be reused
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

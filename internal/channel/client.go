// Package channel talks to the external message provider. It is the only
// place that knows the provider's wire format.
package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Sender is the outbound surface the dispatcher depends on. Send returns
// the provider's message id on success.
type Sender interface {
	Send(ctx context.Context, address, text string) (string, error)
}

// APIError is a non-2xx response from the provider.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("provider api error: status %d: %s", e.StatusCode, e.Body)
}

// Transient reports whether an error should be retried: rate limits,
// server errors, and network failures (including timeouts) are transient;
// any other 4xx is a permanent rejection.
func Transient(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= 500
	}
	// Anything that never produced an HTTP status is a network-level
	// failure: timeout, refused connection, DNS.
	return true
}

// Client is the HTTP client for the provider's send endpoint.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// NewClient builds a provider client. The timeout bounds the whole
// request; a timed-out call surfaces as a transient error and lands in
// the retry path.
func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: timeout},
	}
}

type sendRequest struct {
	Address string `json:"address"`
	Text    string `json:"text"`
}

type sendResponse struct {
	MessageID string `json:"message_id"`
}

// Send posts one message and returns the provider message id.
func (c *Client) Send(ctx context.Context, address, text string) (string, error) {
	payload, err := json.Marshal(sendRequest{Address: address, Text: text})
	if err != nil {
		return "", fmt.Errorf("failed to marshal send request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/messages", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("failed to build send request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("provider request failed: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &APIError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	var out sendResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("failed to decode provider response: %w", err)
	}
	if out.MessageID == "" {
		return "", fmt.Errorf("provider response is missing message_id")
	}
	return out.MessageID, nil
}

var _ Sender = (*Client)(nil)

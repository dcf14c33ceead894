// Package profile is the client for the external profile HTTP API.
//
//	GET  {base}/profile   -> {"name","email","phoneNumber"}
//	POST {base}/profile   <- {"name","email","phoneNumber"}
//
// Both calls carry "Authorization: Bearer <ID token>". A non-2xx answer is
// returned as *APIError; its Message is the body's "message" field when the
// server sent one.
package profile

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

	"github.com/sakif/phone-profile/internal/model"
)

// Fallback messages used when the server gives no reason.
const (
	FetchFailedMessage   = "Failed to fetch profile"
	PersistFailedMessage = "Failed to save profile"
)

const defaultTimeout = 10 * time.Second

// maxBodyBytes caps how much of a response is read.
const maxBodyBytes = 1 << 20

// APIError is a non-2xx response from the profile API.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("profile api: %d: %s", e.Status, e.Message)
}

// Client talks to the profile API.
type Client struct {
	baseURL string
	http    *http.Client
}

// New returns a Client for baseURL. A nil httpClient gets a client with a
// 10 second overall timeout.
func New(baseURL string, httpClient *http.Client) (*Client, error) {
	if baseURL == "" {
		return nil, errors.New("profile: base URL is required")
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: httpClient}, nil
}

// Fetch loads the caller's profile.
func (c *Client) Fetch(ctx context.Context, token string) (*model.Profile, error) {
	raw, err := c.do(ctx, http.MethodGet, token, nil, FetchFailedMessage)
	if err != nil {
		return nil, err
	}

	var p model.Profile
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("profile: decoding response: %w", err)
	}
	return &p, nil
}

// Persist saves name, email and phone number. Any 2xx response is taken as
// the acknowledgement; its body is not interpreted.
func (c *Client) Persist(ctx context.Context, token string, p model.Profile) error {
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("profile: encoding request: %w", err)
	}
	_, err = c.do(ctx, http.MethodPost, token, body, PersistFailedMessage)
	return err
}

func (c *Client) do(ctx context.Context, method, token string, body []byte, fallback string) ([]byte, error) {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+"/profile", r)
	if err != nil {
		return nil, fmt.Errorf("profile: building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("profile: %s /profile: %w", method, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("profile: reading response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &APIError{Status: resp.StatusCode, Message: serverMessage(raw, fallback)}
	}
	return raw, nil
}

// serverMessage extracts {"message": "..."} from an error body.
func serverMessage(raw []byte, fallback string) string {
	var body struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return fallback
	}
	if msg := strings.TrimSpace(body.Message); msg != "" {
		return msg
	}
	return fallback
}

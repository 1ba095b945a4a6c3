package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"strings"
	"time"
)

// ErrUnauthorized is returned when the server rejects the credential, either
// with a 401 or with the error-envelope convention of the auth endpoints.
var ErrUnauthorized = errors.New("unauthorized")

// Client talks to the session endpoints over HTTP. The refresh cookie lives
// in the cookie jar and is never readable by callers; access tokens travel
// only in the Authorization header. It implements API.
type Client struct {
	base string
	http *http.Client
}

// errEnvelope is the 200-with-errors payload the auth endpoints use for
// validation and credential failures.
type errEnvelope struct {
	Errors struct {
		Msg string `json:"msg"`
	} `json:"errors"`
}

func NewClient(base string) (*Client, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	return &Client{
		base: strings.TrimRight(base, "/"),
		http: &http.Client{Jar: jar, Timeout: 15 * time.Second},
	}, nil
}

// Login authenticates with username/password/captcha. On success the server
// answers 200 "success" and the refresh cookie lands in the jar. A 200 with
// an error envelope is surfaced as an error carrying the server's message.
func (c *Client) Login(ctx context.Context, username, password, captchaToken string, remember bool) error {
	payload, err := json.Marshal(map[string]any{
		"username": username,
		"password": password,
		"captcha":  captchaToken,
		"remember": remember,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/login", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("login: unexpected status %d", res.StatusCode)
	}
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return err
	}
	var env errEnvelope
	if err := json.Unmarshal(body, &env); err == nil && env.Errors.Msg != "" {
		return fmt.Errorf("login: %s: %w", env.Errors.Msg, ErrUnauthorized)
	}
	return nil
}

// Refresh exchanges the refresh cookie for exactly one new access token.
// The response body is the bare token as a JSON string; no cookie comes back.
func (c *Client) Refresh(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/refresh_token", nil)
	if err != nil {
		return "", err
	}
	res, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer res.Body.Close()
	if res.StatusCode == http.StatusUnauthorized {
		return "", ErrUnauthorized
	}
	if res.StatusCode != http.StatusOK {
		return "", fmt.Errorf("refresh: unexpected status %d", res.StatusCode)
	}
	var token string
	if err := json.NewDecoder(res.Body).Decode(&token); err != nil {
		return "", fmt.Errorf("refresh: decode token: %w", err)
	}
	return token, nil
}

// Logout asks the server to clear the refresh cookie and drops it from the
// local jar as well.
func (c *Client) Logout(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/logout", nil)
	if err != nil {
		return err
	}
	res, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("logout: unexpected status %d", res.StatusCode)
	}
	return nil
}

// AuthorizedGet performs a GET with the Bearer token and decodes the JSON
// response into out. Every non-2xx answer is treated as unauthorized — even
// when the true cause is a transient server error — so callers can route it
// straight into Controller.HandleUnauthorized.
func (c *Client) AuthorizedGet(ctx context.Context, path, accessToken string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	res, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode > 299 {
		return ErrUnauthorized
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(res.Body).Decode(out)
}

// Package captcha verifies captcha response tokens against an external
// verification service (hCaptcha).
package captcha

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Verifier checks a client-supplied captcha response token.
type Verifier interface {
	Verify(ctx context.Context, response, remoteIP string) (bool, error)
}

const defaultVerifyURL = "https://hcaptcha.com/siteverify"

// HCaptcha verifies tokens against the hCaptcha siteverify endpoint.
type HCaptcha struct {
	secret    string
	verifyURL string
	client    *http.Client
}

// Option configures an HCaptcha verifier.
type Option func(*HCaptcha)

// WithVerifyURL overrides the siteverify endpoint. Tests point it at a stub.
func WithVerifyURL(u string) Option {
	return func(h *HCaptcha) { h.verifyURL = u }
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(h *HCaptcha) { h.client = c }
}

func NewHCaptcha(secret string, opts ...Option) *HCaptcha {
	h := &HCaptcha{
		secret:    secret,
		verifyURL: defaultVerifyURL,
		client:    &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Verify posts the response token to siteverify. An empty response token is
// rejected without a round trip.
func (h *HCaptcha) Verify(ctx context.Context, response, remoteIP string) (bool, error) {
	if response == "" {
		return false, nil
	}
	form := url.Values{}
	form.Set("secret", h.secret)
	form.Set("response", response)
	if remoteIP != "" {
		form.Set("remoteip", remoteIP)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.verifyURL, strings.NewReader(form.Encode()))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	res, err := h.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("captcha verify request: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return false, fmt.Errorf("captcha verify: unexpected status %d", res.StatusCode)
	}
	var body struct {
		Success bool `json:"success"`
	}
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		return false, fmt.Errorf("captcha verify decode: %w", err)
	}
	return body.Success, nil
}

// Package deviceflow encapsulates the HTTP calls to the external control
// plane: activation-code issuance, status polling, and advisory tunnel
// registration. The control plane is treated as an opaque verifier; the
// in-memory registry remains authoritative.
package deviceflow

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"

	"github.com/burrowhq/burrow/log"
)

// Status is the verification state reported by the control plane for an
// activation code.
type Status string

const (
	StatusPending  Status = "pending"
	StatusVerified Status = "verified"
	StatusExpired  Status = "expired"
	StatusNotFound Status = "not_found"
)

var (
	// ErrCodeExpired indicates the activation code reached its expiry
	// before the user authorized it.
	ErrCodeExpired = errors.New("activation code expired")

	// ErrCodeNotFound indicates the control plane has no record of the code.
	ErrCodeNotFound = errors.New("activation code not found")

	// ErrAuthorizationTimeout indicates the polling window elapsed without
	// a verdict.
	ErrAuthorizationTimeout = errors.New("timed out waiting for authorization")
)

type Config struct {
	// BaseURL is the control plane root, e.g. http://localhost:3000.
	BaseURL string

	// Secret is sent as X-Internal-Secret on every call.
	Secret string

	// Timeout bounds each individual HTTP call.
	Timeout time.Duration
}

type Client struct {
	baseURL string
	secret  string
	http    *http.Client
	logger  *log.Logger
}

func New(config Config, logger *log.Logger) *Client {
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		baseURL: config.BaseURL,
		secret:  config.Secret,
		http:    &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

type generateCodeRequest struct {
	Code      string `json:"code"`
	SessionID string `json:"sessionId"`
	ExpiresAt string `json:"expiresAt"`
}

type checkCodeResponse struct {
	Status   Status `json:"status"`
	UserID   string `json:"userId,omitempty"`
	UserName string `json:"userName,omitempty"`
	Error    string `json:"error,omitempty"`
}

// RegisterTunnelRequest mirrors the control plane's tunnel upsert schema.
type RegisterTunnelRequest struct {
	Subdomain     string `json:"subdomain"`
	UserID        string `json:"user_id"`
	SessionID     string `json:"session_id"`
	RequestedAddr string `json:"requested_address"`
	RequestedPort uint32 `json:"requested_port"`
	ServerPort    uint32 `json:"server_port"`
	ClientIP      string `json:"client_ip"`
}

type unregisterTunnelRequest struct {
	Subdomain string `json:"subdomain"`
}

// VerifiedUser is the identity a successful device flow resolves to.
type VerifiedUser struct {
	UserID   string
	UserName string
}

// GenerateCode registers a new activation code with the control plane.
func (c *Client) GenerateCode(ctx context.Context, code, sessionID string, expiresAt time.Time) error {
	return c.post(ctx, "/api/internal/generate-code", generateCodeRequest{
		Code:      code,
		SessionID: sessionID,
		ExpiresAt: expiresAt.UTC().Format(time.RFC3339),
	})
}

// CheckCode asks the control plane for the verification status of a code.
func (c *Client) CheckCode(ctx context.Context, code string) (Status, VerifiedUser, error) {
	ctx, cancel := context.WithTimeout(ctx, c.http.Timeout)
	defer cancel()

	endpoint := fmt.Sprintf("%s/api/internal/check-code?code=%s", c.baseURL, url.QueryEscape(code))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", VerifiedUser{}, errors.Wrap(err, "build request")
	}
	req.Header.Set("X-Internal-Secret", c.secret)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", VerifiedUser{}, errors.Wrap(err, "check code")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", VerifiedUser{}, errors.Errorf("check code: unexpected status %d: %s", resp.StatusCode, body)
	}

	var parsed checkCodeResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", VerifiedUser{}, errors.Wrap(err, "decode response")
	}

	return parsed.Status, VerifiedUser{UserID: parsed.UserID, UserName: parsed.UserName}, nil
}

// RegisterTunnel upserts a tunnel record with the control plane. Failures
// are advisory; callers log and continue.
func (c *Client) RegisterTunnel(ctx context.Context, req RegisterTunnelRequest) error {
	return c.post(ctx, "/api/internal/register-tunnel", req)
}

// UnregisterTunnel removes a tunnel record from the control plane.
func (c *Client) UnregisterTunnel(ctx context.Context, subdomain string) error {
	return c.post(ctx, "/api/internal/unregister-tunnel", unregisterTunnelRequest{Subdomain: subdomain})
}

// ActivationURL is the browser URL presented to the user alongside the code.
func (c *Client) ActivationURL(code string) string {
	return fmt.Sprintf("%s/activate?code=%s", c.baseURL, url.QueryEscape(code))
}

// PollUntilVerified polls CheckCode every interval until the code is
// verified, rejected, or expiresAt passes. Transport errors are retried
// with capped exponential backoff inside the expiry window. A code whose
// expiry lands exactly on a polling instant counts as expired.
func (c *Client) PollUntilVerified(ctx context.Context, code string, interval time.Duration, expiresAt time.Time) (VerifiedUser, error) {
	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = 2 * time.Second
	retry.MaxInterval = 8 * time.Second
	retry.Multiplier = 2
	retry.RandomizationFactor = 0
	retry.MaxElapsedTime = 0

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	wait := ticker.C

	for {
		select {
		case <-ctx.Done():
			return VerifiedUser{}, ctx.Err()
		case <-wait:
		}

		if !time.Now().Before(expiresAt) {
			return VerifiedUser{}, ErrCodeExpired
		}

		status, user, err := c.CheckCode(ctx, code)
		if err != nil {
			if ctx.Err() != nil {
				return VerifiedUser{}, ctx.Err()
			}
			// Control plane unreachable; back off and keep trying until
			// the code expires.
			delay := retry.NextBackOff()
			c.logger.With("code", code, "retry_in", delay.String()).Warnw("Control plane unavailable", "error", err.Error())
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return VerifiedUser{}, ctx.Err()
			case <-timer.C:
			}
			continue
		}
		retry.Reset()

		switch status {
		case StatusVerified:
			return user, nil
		case StatusExpired:
			return VerifiedUser{}, ErrCodeExpired
		case StatusNotFound:
			return VerifiedUser{}, ErrCodeNotFound
		case StatusPending:
		default:
			c.logger.With("status", string(status)).Warn("Unknown code status")
		}
	}
}

func (c *Client) post(ctx context.Context, path string, payload interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, c.http.Timeout)
	defer cancel()

	body, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrap(err, "marshal request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Internal-Secret", c.secret)

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrapf(err, "POST %s", path)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return errors.Errorf("POST %s: unexpected status %d: %s", path, resp.StatusCode, msg)
	}
	return nil
}

// codeAlphabet deliberately omits characters that read ambiguously when a
// human retypes them (I, L, O, 0, 1).
const codeAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"

// GenerateActivationCode returns a human-typable code of two groups of
// four, e.g. "AB3F-9XKQ".
func GenerateActivationCode() string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failing means the process is in much deeper trouble
		// than code generation.
		panic(err)
	}

	out := make([]byte, 0, 9)
	for i, b := range buf {
		if i == 4 {
			out = append(out, '-')
		}
		out = append(out, codeAlphabet[int(b)%len(codeAlphabet)])
	}
	return string(out)
}

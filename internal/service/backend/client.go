package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/HumanbiOS/HumanBios-WebSocket/internal/model/chat"
)

// Identity is the process-wide instance credentials the backend hands out at
// registration. It is immutable; every forwarded envelope carries it.
type Identity struct {
	Token string
	Name  string
}

// Client talks to the backend's setup and processing endpoints.
type Client struct {
	baseURL string
	httpc   *http.Client
	timeout time.Duration
	retries int
}

// NewClient builds a client for the backend at baseURL. timeout bounds each
// individual attempt; retries is how many additional attempts a failed
// forward gets.
func NewClient(baseURL string, timeout time.Duration, retries int) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if retries < 0 {
		retries = 0
	}
	return &Client{
		baseURL: baseURL,
		httpc:   &http.Client{},
		timeout: timeout,
		retries: retries,
	}
}

type registerRequest struct {
	SecurityToken string `json:"security_token"`
	URL           string `json:"url"`
}

type registerResponse struct {
	Status int    `json:"status"`
	Token  string `json:"token"`
	Name   string `json:"name"`
}

// Register performs the one-time setup handshake: it announces the callback
// URL and exchanges the shared security token for this instance's identity.
// Nothing may be forwarded before it succeeds.
func (c *Client) Register(ctx context.Context, securityToken, callbackURL string) (Identity, error) {
	payload := registerRequest{
		SecurityToken: securityToken,
		URL:           callbackURL,
	}

	var resp registerResponse
	if err := c.post(ctx, "/api/setup", payload, &resp); err != nil {
		return Identity{}, errors.Wrap(err, "backend setup")
	}
	if resp.Status != http.StatusOK {
		return Identity{}, errors.Errorf("backend setup rejected: status %d", resp.Status)
	}
	if resp.Token == "" || resp.Name == "" {
		return Identity{}, errors.New("backend setup returned empty identity")
	}
	return Identity{Token: resp.Token, Name: resp.Name}, nil
}

// Forward submits one envelope to the processing endpoint. Each attempt is
// bounded by the client timeout; transient failures are retried with
// exponential backoff up to the configured budget.
func (c *Client) Forward(ctx context.Context, env chat.Envelope) error {
	var lastErr error
	for attempt := 0; attempt <= c.retries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<uint(attempt-1)) * 500 * time.Millisecond
			log.Debug().
				Str("chat", env.Chat.ChatID).
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Msg("retrying backend forward")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}

		err := c.post(ctx, "/api/process_message", env, nil)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retryable(err) {
			break
		}
	}
	return errors.Wrap(lastErr, "backend forward")
}

// statusError marks HTTP responses outside the 2xx range.
type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return http.StatusText(e.code)
}

func (c *Client) post(ctx context.Context, path string, payload, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrap(err, "encode request")
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &statusError{code: resp.StatusCode}
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return errors.Wrap(err, "decode response")
		}
	}
	return nil
}

// retryable reports whether an attempt failed in a way another attempt could
// fix: connection-level failures, timeouts, and throttling or server-side
// status codes.
func retryable(err error) bool {
	var se *statusError
	if errors.As(err, &se) {
		switch se.code {
		case http.StatusRequestTimeout, http.StatusTooManyRequests,
			http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout,
			http.StatusInternalServerError:
			return true
		}
		return false
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	// url.Error wrapping a timeout or EOF lands here.
	return true
}

package tes

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	// defaultRetries is the transient-failure budget per request.
	defaultRetries = 2

	// retryBackoff grows linearly per attempt.
	retryBackoff = 500 * time.Millisecond

	requestTimeout = 30 * time.Second
)

// client is a minimal TES v1 HTTP client with auth headers and a counted
// retry budget for transient failures.
type client struct {
	base    string
	http    *http.Client
	auth    string
	retries int
	logger  *slog.Logger
}

func newClient(cfg *Config, logger *slog.Logger) (*client, error) {
	base, err := url.Parse(cfg.URL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid service URL %q", cfg.URL)
	}

	retries := cfg.MaxRetries
	if retries < 0 {
		retries = 0
	}
	if cfg.MaxRetries == 0 {
		retries = defaultRetries
	}

	c := &client{
		base:    strings.TrimRight(base.String(), "/"),
		http:    &http.Client{Timeout: requestTimeout},
		retries: retries,
		logger:  logger,
	}
	switch {
	case cfg.Token != "":
		c.auth = "Bearer " + cfg.Token
	case cfg.Username != "":
		c.auth = "Basic " + basicAuth(cfg.Username, cfg.Password)
	}
	return c, nil
}

func (c *client) serviceInfo(ctx context.Context) (*ServiceInfo, error) {
	var info ServiceInfo
	if err := c.do(ctx, http.MethodGet, "/service-info", nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func (c *client) createTask(ctx context.Context, t *Task) (string, error) {
	var resp struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, http.MethodPost, "/tasks", t, &resp); err != nil {
		return "", err
	}
	if resp.ID == "" {
		return "", fmt.Errorf("service accepted the task but returned no id")
	}
	return resp.ID, nil
}

func (c *client) getTask(ctx context.Context, id, view string) (*Task, error) {
	var t Task
	path := fmt.Sprintf("/tasks/%s?view=%s", url.PathEscape(id), view)
	if err := c.do(ctx, http.MethodGet, path, nil, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (c *client) cancelTask(ctx context.Context, id string) error {
	path := fmt.Sprintf("/tasks/%s:cancel", url.PathEscape(id))
	return c.do(ctx, http.MethodPost, path, struct{}{}, nil)
}

// do performs one API call, retrying transport errors and 5xx/429 responses
// up to the retry budget.
func (c *client) do(ctx context.Context, method, path string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
	}

	var lastErr error
	for attempt := 0; attempt <= c.retries; attempt++ {
		if attempt > 0 {
			wait := time.Duration(attempt) * retryBackoff
			c.logger.Debug("retrying TES request", "method", method, "path", path, "attempt", attempt, "wait", wait)
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		var retryable bool
		retryable, lastErr = c.once(ctx, method, path, payload, out)
		if lastErr == nil {
			return nil
		}
		if !retryable || ctx.Err() != nil {
			return lastErr
		}
	}
	return lastErr
}

func (c *client) once(ctx context.Context, method, path string, payload []byte, out any) (retryable bool, err error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return false, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.auth != "" {
		req.Header.Set("Authorization", c.auth)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return true, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		err := fmt.Errorf("%s %s: %s: %s", method, path, resp.Status, bytes.TrimSpace(detail))
		return resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests, err
	}

	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return false, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return false, fmt.Errorf("%s %s: decoding response: %w", method, path, err)
	}
	return false, nil
}

func basicAuth(username, password string) string {
	return base64.StdEncoding.EncodeToString([]byte(username + ":" + password))
}

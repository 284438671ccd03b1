// Package telegram is a minimal Bot API client for posting digest messages.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/TobiSchelling/newsposter/internal/config"
)

// ErrUnauthorized means the bot token was rejected. Retrying cannot help.
var ErrUnauthorized = errors.New("telegram rejected the bot token")

// maxRetryAfter caps how long a rate-limit response may stall a run.
const maxRetryAfter = 5 * time.Minute

// APIError is a non-success Bot API response.
type APIError struct {
	Method      string
	StatusCode  int
	Description string
	RetryAfter  time.Duration
}

func (e *APIError) Error() string {
	msg := fmt.Sprintf("telegram %s: %d", e.Method, e.StatusCode)
	if e.Description != "" {
		msg += " " + e.Description
	}
	return msg
}

// User is the subset of the getMe result we use.
type User struct {
	ID       int64  `json:"id"`
	IsBot    bool   `json:"is_bot"`
	Username string `json:"username"`
}

type response struct {
	OK          bool            `json:"ok"`
	Description string          `json:"description"`
	Result      json.RawMessage `json:"result"`
	Parameters  *struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`
}

// Client sends messages to one chat.
type Client struct {
	baseURL        string
	token          string
	chatID         string
	disablePreview bool
	maxAttempts    int
	http           *http.Client
	newBackOff     func() backoff.BackOff
}

// New creates a client from the telegram settings. The token and chat id
// must already be resolved.
func New(cfg config.Telegram) *Client {
	timeout := cfg.Timeout.Std()
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	attempts := cfg.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	return &Client{
		baseURL:        strings.TrimRight(cfg.APIURL, "/"),
		token:          cfg.BotToken,
		chatID:         cfg.ChatID,
		disablePreview: cfg.DisablePreview,
		maxAttempts:    attempts,
		http:           &http.Client{Timeout: timeout},
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = time.Second
			b.MaxInterval = 30 * time.Second
			return b
		},
	}
}

// GetMe validates the bot token.
func (c *Client) GetMe(ctx context.Context) (User, error) {
	var u User
	raw, err := c.call(ctx, "getMe", nil)
	if err != nil {
		return u, err
	}
	if err := json.Unmarshal(raw, &u); err != nil {
		return u, fmt.Errorf("decoding getMe result: %w", err)
	}
	return u, nil
}

// Send posts text to the configured chat using legacy Markdown.
func (c *Client) Send(ctx context.Context, text string) error {
	payload := map[string]any{
		"chat_id":                  c.chatID,
		"text":                     text,
		"parse_mode":               "Markdown",
		"disable_web_page_preview": c.disablePreview,
	}
	_, err := c.call(ctx, "sendMessage", payload)
	return err
}

// call performs one API method with retries. Network errors, 5xx and 429
// are retried; 401/404 map to ErrUnauthorized; other failures are final.
func (c *Client) call(ctx context.Context, method string, payload any) (json.RawMessage, error) {
	var body []byte
	if payload != nil {
		var err error
		if body, err = json.Marshal(payload); err != nil {
			return nil, fmt.Errorf("encoding %s: %w", method, err)
		}
	}

	var last error
	op := func() (json.RawMessage, error) {
		res, err := c.do(ctx, method, body)
		if err == nil {
			return res, nil
		}
		last = err

		var apiErr *APIError
		if !errors.As(err, &apiErr) {
			return nil, err
		}
		switch {
		case apiErr.StatusCode == http.StatusUnauthorized || apiErr.StatusCode == http.StatusNotFound:
			return nil, backoff.Permanent(fmt.Errorf("%w: %s", ErrUnauthorized, apiErr.Description))
		case apiErr.StatusCode == http.StatusTooManyRequests:
			if apiErr.RetryAfter > maxRetryAfter {
				return nil, backoff.Permanent(err)
			}
			if apiErr.RetryAfter > 0 {
				return nil, backoff.RetryAfter(int(apiErr.RetryAfter / time.Second))
			}
			return nil, err
		case apiErr.StatusCode >= 500:
			return nil, err
		default:
			return nil, backoff.Permanent(err)
		}
	}

	res, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(c.newBackOff()),
		backoff.WithMaxTries(uint(c.maxAttempts)),
		backoff.WithNotify(func(err error, next time.Duration) {
			slog.Warn("telegram call failed, retrying", "method", method, "err", last, "retry_in", next)
		}),
	)
	if err != nil {
		var ra *backoff.RetryAfterError
		if errors.As(err, &ra) && last != nil {
			return nil, last
		}
		return nil, err
	}
	return res, nil
}

func (c *Client) do(ctx context.Context, method string, body []byte) (json.RawMessage, error) {
	endpoint := c.baseURL + "/bot" + c.token + "/" + method

	var reader io.Reader
	httpMethod := http.MethodGet
	if body != nil {
		reader = bytes.NewReader(body)
		httpMethod = http.MethodPost
	}
	req, err := http.NewRequestWithContext(ctx, httpMethod, endpoint, reader)
	if err != nil {
		return nil, fmt.Errorf("telegram %s: %w", method, c.redact(err))
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("telegram %s: %w", method, c.redact(err))
	}
	defer resp.Body.Close()

	var r response
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("telegram %s: reading response: %w", method, err)
	}
	if jerr := json.Unmarshal(data, &r); jerr != nil && resp.StatusCode == http.StatusOK {
		return nil, fmt.Errorf("telegram %s: decoding response: %w", method, jerr)
	}

	if resp.StatusCode == http.StatusOK && r.OK {
		return r.Result, nil
	}

	apiErr := &APIError{Method: method, StatusCode: resp.StatusCode, Description: r.Description}
	if apiErr.Description == "" {
		apiErr.Description = http.StatusText(resp.StatusCode)
	}
	if r.Parameters != nil && r.Parameters.RetryAfter > 0 {
		apiErr.RetryAfter = time.Duration(r.Parameters.RetryAfter) * time.Second
	}
	return nil, apiErr
}

// redact keeps the bot token out of transport errors, which embed the URL.
func (c *Client) redact(err error) error {
	var ue *url.Error
	if c.token != "" && errors.As(err, &ue) {
		ue.URL = strings.ReplaceAll(ue.URL, c.token, "<token>")
	}
	return err
}

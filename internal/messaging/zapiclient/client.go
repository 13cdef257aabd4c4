package zapiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/wolfman30/whatsapp-scheduler/internal/messaging"
	"github.com/wolfman30/whatsapp-scheduler/pkg/logging"
)

const (
	defaultBaseURL      = "https://api.z-api.io"
	defaultUserAgent    = "whatsapp-scheduler/0.1"
	defaultDelaySeconds = 2
)

// Config controls how the Z-API client behaves.
type Config struct {
	BaseURL     string
	InstanceID  string
	Token       string
	ClientToken string
	// DelaySeconds is forwarded as delayMessage so replies look typed.
	DelaySeconds int
	Timeout      time.Duration
	MaxRetries   int
	Backoff      time.Duration
	HTTPClient   *http.Client
	Logger       *logging.Logger
}

// Client wraps the Z-API endpoints used to answer patients.
type Client struct {
	instanceURL  string
	clientToken  string
	delaySeconds int
	httpClient   *http.Client
	maxRetries   int
	backoff      time.Duration
	logger       *logging.Logger
}

// SendTextResponse is returned by send-text.
type SendTextResponse struct {
	ZaapID    string `json:"zaapId"`
	MessageID string `json:"messageId"`
	ID        string `json:"id"`
}

// New creates a configured Client with sane defaults.
func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.InstanceID) == "" || strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("zapiclient: instance id and token are required")
	}
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	maxRetries := cfg.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	backoff := cfg.Backoff
	if backoff <= 0 {
		backoff = 250 * time.Millisecond
	}
	delay := cfg.DelaySeconds
	if delay < 0 {
		delay = 0
	} else if delay == 0 {
		delay = defaultDelaySeconds
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}
	return &Client{
		instanceURL:  fmt.Sprintf("%s/instances/%s/token/%s", baseURL, cfg.InstanceID, cfg.Token),
		clientToken:  cfg.ClientToken,
		delaySeconds: delay,
		httpClient:   httpClient,
		maxRetries:   maxRetries,
		backoff:      backoff,
		logger:       logger,
	}, nil
}

// SendText delivers a plain text message.
func (c *Client) SendText(ctx context.Context, phone, text string) error {
	_, err := c.SendTextMessage(ctx, phone, text)
	return err
}

// SendTextMessage delivers a plain text message and returns Z-API's ids.
func (c *Client) SendTextMessage(ctx context.Context, phone, text string) (*SendTextResponse, error) {
	recipient := messaging.FormatWhatsAppRecipient(phone)
	if recipient == "" {
		return nil, errors.New("zapiclient: phone required")
	}
	if strings.TrimSpace(text) == "" {
		return nil, errors.New("zapiclient: message required")
	}
	body, err := json.Marshal(struct {
		Phone        string `json:"phone"`
		Message      string `json:"message"`
		DelayMessage int    `json:"delayMessage,omitempty"`
	}{
		Phone:        recipient,
		Message:      text,
		DelayMessage: c.delaySeconds,
	})
	if err != nil {
		return nil, fmt.Errorf("zapiclient: marshal send body: %w", err)
	}
	data, err := c.invoke(ctx, "/send-text", body)
	if err != nil {
		return nil, err
	}
	var resp SendTextResponse
	if len(data) > 0 {
		if err := json.Unmarshal(data, &resp); err != nil {
			return nil, fmt.Errorf("zapiclient: decode send response: %w", err)
		}
	}
	c.logger.Debug("zapi message sent", "phone", recipient, "message_id", resp.MessageID)
	return &resp, nil
}

// MarkRead marks an inbound message as read.
func (c *Client) MarkRead(ctx context.Context, phone, messageID string) error {
	recipient := messaging.FormatWhatsAppRecipient(phone)
	if recipient == "" || strings.TrimSpace(messageID) == "" {
		return errors.New("zapiclient: phone and message id required")
	}
	body, err := json.Marshal(map[string]string{
		"phone":     recipient,
		"messageId": messageID,
	})
	if err != nil {
		return fmt.Errorf("zapiclient: marshal read body: %w", err)
	}
	_, err = c.invoke(ctx, "/read-message", body)
	return err
}

func (c *Client) invoke(ctx context.Context, path string, body []byte) ([]byte, error) {
	fullURL := c.instanceURL + "/" + strings.TrimLeft(path, "/")
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, fullURL, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("zapiclient: build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", defaultUserAgent)
		if c.clientToken != "" {
			req.Header.Set("Client-Token", c.clientToken)
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if !shouldRetry(0, err) || attempt == c.maxRetries {
				return nil, fmt.Errorf("zapiclient: http error: %w", err)
			}
			lastErr = err
			c.logRetry(path, attempt, 0, err)
			if sleepErr := c.sleep(ctx, attempt); sleepErr != nil {
				return nil, sleepErr
			}
			continue
		}
		data, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			return nil, fmt.Errorf("zapiclient: read response: %w", readErr)
		}
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return data, nil
		}
		apiErr := decodeAPIError(resp.StatusCode, data)
		if attempt < c.maxRetries && shouldRetry(resp.StatusCode, nil) {
			lastErr = apiErr
			c.logRetry(path, attempt, resp.StatusCode, apiErr)
			if sleepErr := c.sleep(ctx, attempt); sleepErr != nil {
				return nil, sleepErr
			}
			continue
		}
		return nil, apiErr
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return nil, errors.New("zapiclient: request failed without response")
}

func (c *Client) sleep(ctx context.Context, attempt int) error {
	delay := c.backoff * time.Duration(1<<attempt)
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (c *Client) logRetry(path string, attempt int, status int, err error) {
	c.logger.Warn("zapi retry",
		"path", path,
		"attempt", attempt+1,
		"status", status,
		"error", err,
	)
}

func shouldRetry(status int, err error) bool {
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return true
		}
		return !errors.Is(err, context.Canceled)
	}
	if status == http.StatusTooManyRequests {
		return true
	}
	return status >= 500 && status <= 599
}

// APIError is returned for non-2xx responses.
type APIError struct {
	StatusCode int    `json:"-"`
	Message    string `json:"message,omitempty"`
	Detail     string `json:"error,omitempty"`
}

func (e *APIError) Error() string {
	switch {
	case e.Message != "":
		return fmt.Sprintf("zapiclient: %s (status=%d)", e.Message, e.StatusCode)
	case e.Detail != "":
		return fmt.Sprintf("zapiclient: %s (status=%d)", e.Detail, e.StatusCode)
	default:
		return fmt.Sprintf("zapiclient: http status %d", e.StatusCode)
	}
}

func decodeAPIError(status int, body []byte) error {
	var parsed APIError
	if err := json.Unmarshal(body, &parsed); err != nil {
		return &APIError{StatusCode: status, Detail: strings.TrimSpace(string(body))}
	}
	parsed.StatusCode = status
	return &parsed
}

package lark

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

const (
	defaultBaseURL = "https://open.larksuite.com"

	// Refresh the tenant token a little before Lark expires it so in-flight
	// replies never race the expiry.
	tokenExpirySkew = 5 * time.Minute
)

// apiResponse is the common Lark Open API response envelope.
type apiResponse struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// tokenResponse is the tenant_access_token endpoint response.
type tokenResponse struct {
	Code              int    `json:"code"`
	Msg               string `json:"msg"`
	TenantAccessToken string `json:"tenant_access_token"`
	Expire            int    `json:"expire"`
}

// replyRequest is the message reply payload; Content is itself a
// JSON-encoded string per the platform contract.
type replyRequest struct {
	MsgType string `json:"msg_type"`
	Content string `json:"content"`
}

type textContent struct {
	Text string `json:"text"`
}

// Client is a minimal Lark Open API client for replying to messages.
type Client struct {
	baseURL    string
	appID      string
	appSecret  string
	httpClient *http.Client

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

type Option func(*Client)

// WithBaseURL points the client at a different API host (e.g. the Feishu
// domain, or a test server).
func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// NewClient creates a Client authenticated with the given app credentials.
func NewClient(appID, appSecret string, opts ...Option) (*Client, error) {
	if strings.TrimSpace(appID) == "" {
		return nil, errors.New("lark: app id must not be empty")
	}
	if strings.TrimSpace(appSecret) == "" {
		return nil, errors.New("lark: app secret must not be empty")
	}
	c := &Client{
		baseURL:    defaultBaseURL,
		appID:      appID,
		appSecret:  appSecret,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Reply sends a text reply into the thread of the given message.
func (c *Client) Reply(ctx context.Context, messageID, text string) error {
	if strings.TrimSpace(messageID) == "" {
		return errors.New("lark: message id must not be empty")
	}

	token, err := c.tenantToken(ctx)
	if err != nil {
		return err
	}

	content, err := json.Marshal(textContent{Text: text})
	if err != nil {
		return fmt.Errorf("lark: marshal reply content: %w", err)
	}
	body, err := json.Marshal(replyRequest{MsgType: "text", Content: string(content)})
	if err != nil {
		return fmt.Errorf("lark: marshal reply request: %w", err)
	}

	replyURL := c.baseURL + "/open-apis/im/v1/messages/" + url.PathEscape(messageID) + "/reply"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, replyURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("lark: create reply request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	raw, err := c.doJSONRequest(req, replyURL)
	if err != nil {
		return fmt.Errorf("lark: reply request failed: %w", err)
	}

	var payload apiResponse
	if decErr := json.Unmarshal(raw, &payload); decErr != nil {
		return fmt.Errorf("lark: decode reply response: %w", decErr)
	}
	if payload.Code != 0 {
		return fmt.Errorf("lark: reply rejected: code %d: %s", payload.Code, payload.Msg)
	}
	return nil
}

// tenantToken returns a cached tenant access token, fetching a fresh one
// once the cached token is near expiry.
func (c *Client) tenantToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && time.Now().Before(c.tokenExpiry) {
		return c.token, nil
	}

	body, err := json.Marshal(map[string]string{
		"app_id":     c.appID,
		"app_secret": c.appSecret,
	})
	if err != nil {
		return "", fmt.Errorf("lark: marshal token request: %w", err)
	}

	tokenURL := c.baseURL + "/open-apis/auth/v3/tenant_access_token/internal"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("lark: create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	raw, err := c.doJSONRequest(req, tokenURL)
	if err != nil {
		return "", fmt.Errorf("lark: token request failed: %w", err)
	}

	var payload tokenResponse
	if decErr := json.Unmarshal(raw, &payload); decErr != nil {
		return "", fmt.Errorf("lark: decode token response: %w", decErr)
	}
	if payload.Code != 0 {
		return "", fmt.Errorf("lark: token rejected: code %d: %s", payload.Code, payload.Msg)
	}
	if payload.TenantAccessToken == "" {
		return "", errors.New("lark: empty tenant access token")
	}

	c.token = payload.TenantAccessToken
	c.tokenExpiry = time.Now().Add(time.Duration(payload.Expire)*time.Second - tokenExpirySkew)
	return c.token, nil
}

func (c *Client) doJSONRequest(req *http.Request, url string) ([]byte, error) {
	res, doErr := c.httpClient.Do(req)
	if doErr != nil {
		return nil, doErr
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return nil, fmt.Errorf("lark: unexpected status %d from %s: %s", res.StatusCode, url, string(buf))
	}

	buf, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	return buf, nil
}

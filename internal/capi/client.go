package capi

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
)

const (
	DefaultGraphBaseURL = "https://graph.facebook.com"
	DefaultVersion      = "v23.0"
	maxResponseBytes    = 1 << 20
)

var (
	ErrMissingToken   = errors.New("capi: FACEBOOK_ACCESS_TOKEN is not configured")
	ErrMissingPixelID = errors.New("capi: pixel id is not configured")
)

// UpstreamError is a non-2xx answer from the Graph API.
type UpstreamError struct {
	Status int
	Body   json.RawMessage
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("graph api status %d: %s", e.Status, truncate(string(e.Body), 300))
}

// Message extracts error.message from a Graph API error body.
func (e *UpstreamError) Message() string {
	var body struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(e.Body, &body) == nil && body.Error.Message != "" {
		return body.Error.Message
	}
	return http.StatusText(e.Status)
}

// Client talks to the Graph API. Calls are never retried.
type Client struct {
	BaseURL string
	Version string
	Token   string
	HTTP    *http.Client
	Logger  *slog.Logger
}

func NewClient(baseURL, version, token string, logger *slog.Logger) *Client {
	if baseURL == "" {
		baseURL = DefaultGraphBaseURL
	}
	if version == "" {
		version = DefaultVersion
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Version: version,
		Token:   token,
		HTTP:    &http.Client{Timeout: 10 * time.Second},
		Logger:  logger,
	}
}

func (c *Client) endpoint(parts ...string) string {
	return c.BaseURL + "/" + c.Version + "/" + strings.Join(parts, "/")
}

// Send posts payload to /<pixelID>/events and returns the upstream body.
func (c *Client) Send(ctx context.Context, pixelID string, p Payload) (json.RawMessage, error) {
	return c.send(ctx, c.Token, pixelID, p)
}

func (c *Client) send(ctx context.Context, token, pixelID string, p Payload) (json.RawMessage, error) {
	if token == "" {
		return nil, ErrMissingToken
	}
	if pixelID == "" {
		return nil, ErrMissingPixelID
	}
	body, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	u := c.endpoint(url.PathEscape(pixelID), "events") + "?access_token=" + url.QueryEscape(token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req)
}

func (c *Client) do(req *http.Request) (json.RawMessage, error) {
	resp, err := c.HTTP.Do(req)
	if err != nil {
		// the URL carries the token; do not let it reach logs
		var uerr *url.Error
		if errors.As(err, &uerr) {
			err = uerr.Err
		}
		return nil, fmt.Errorf("graph api request: %w", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read graph api response: %w", err)
	}
	if !json.Valid(raw) {
		quoted, _ := json.Marshal(string(raw))
		raw = quoted
	}
	if resp.StatusCode/100 != 2 {
		return nil, &UpstreamError{Status: resp.StatusCode, Body: raw}
	}
	return raw, nil
}

// TokenTest is the outcome of validating credentials.
type TokenTest struct {
	PixelInfo json.RawMessage `json:"pixelInfo"`
	EventTest json.RawMessage `json:"eventTest"`
}

// TestToken reads the pixel with token and sends one test event to it.
func (c *Client) TestToken(ctx context.Context, token, pixelID, testCode string, now time.Time) (TokenTest, error) {
	var out TokenTest
	if token == "" {
		return out, ErrMissingToken
	}
	if pixelID == "" {
		return out, ErrMissingPixelID
	}
	q := url.Values{}
	q.Set("fields", "id,name,last_fired_time")
	q.Set("access_token", token)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(url.PathEscape(pixelID))+"?"+q.Encode(), nil)
	if err != nil {
		return out, fmt.Errorf("build request: %w", err)
	}
	info, err := c.do(req)
	if err != nil {
		return out, fmt.Errorf("pixel lookup: %w", err)
	}
	out.PixelInfo = info

	if testCode == "" {
		testCode = "TEST_TOKEN"
	}
	p := BuildPayload(RelayRequest{
		EventName: "PageView",
		EventID:   fmt.Sprintf("token_test_%d", now.UnixMilli()),
		PixelID:   pixelID,
	}, now, testCode)
	res, err := c.send(ctx, token, pixelID, p)
	if err != nil {
		return out, fmt.Errorf("test event: %w", err)
	}
	out.EventTest = res
	return out, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

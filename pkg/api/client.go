// Package api is the REST client for the chatdf backend: conversation
// snapshots, usage counters, prompt submission and dataset management.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/rajeee/chatdf/pkg/chatsync"
)

const defaultTimeout = 30 * time.Second

type Client struct {
	baseURL string
	http    *http.Client
}

type Option func(*Client)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

func New(baseURL string, opts ...Option) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("api client base url is empty")
	}
	c := &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// GetConversation fetches the conversation detail snapshot (messages plus
// datasets) used for reconciliation.
func (c *Client) GetConversation(ctx context.Context, id string) (*chatsync.ConversationSnapshot, error) {
	if strings.TrimSpace(id) == "" {
		return nil, errors.New("missing conversation id")
	}
	var snap chatsync.ConversationSnapshot
	if err := c.do(ctx, http.MethodGet, "/api/conversations/"+id, nil, nil, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// GetUsage fetches the polled token/limit counters.
func (c *Client) GetUsage(ctx context.Context) (*chatsync.Usage, error) {
	var u chatsync.Usage
	if err := c.do(ctx, http.MethodGet, "/api/usage", nil, nil, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

// SubmitResult acknowledges a prompt submission; streaming output arrives on
// the event stream, not in this response.
type SubmitResult struct {
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
}

// SubmitPrompt sends one user prompt. An Idempotency-Key header guards
// against duplicate turns on retried requests.
func (c *Client) SubmitPrompt(ctx context.Context, convID, prompt string) (*SubmitResult, error) {
	if strings.TrimSpace(prompt) == "" {
		return nil, errors.New("empty prompt")
	}
	body := map[string]any{
		"conversation_id": convID,
		"prompt":          prompt,
	}
	headers := map[string]string{"Idempotency-Key": uuid.NewString()}
	var res SubmitResult
	if err := c.do(ctx, http.MethodPost, "/api/chat", headers, body, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// AttachDataset asks the server to load a tabular source into a
// conversation. Progress arrives as dataset_status events, possibly before
// this call returns.
func (c *Client) AttachDataset(ctx context.Context, convID, sourceURL, name string) (*chatsync.Dataset, error) {
	if strings.TrimSpace(sourceURL) == "" {
		return nil, errors.New("empty dataset source url")
	}
	body := map[string]any{
		"conversation_id": convID,
		"source_url":      sourceURL,
		"name":            name,
	}
	var ds chatsync.Dataset
	if err := c.do(ctx, http.MethodPost, "/api/datasets", nil, body, &ds); err != nil {
		return nil, err
	}
	return &ds, nil
}

// RetryDataset re-enters loading for a failed dataset. This is the
// user-initiated retry path; failed loads are never retried automatically.
func (c *Client) RetryDataset(ctx context.Context, id string) error {
	if strings.TrimSpace(id) == "" {
		return errors.New("missing dataset id")
	}
	return c.do(ctx, http.MethodPost, "/api/datasets/"+id+"/retry", nil, nil, nil)
}

type apiError struct {
	Err struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) do(ctx context.Context, method, path string, headers map[string]string, body, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "marshal request body")
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrapf(err, "%s %s", method, path)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return errors.Wrap(err, "read response body")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var ae apiError
		if jsonErr := json.Unmarshal(data, &ae); jsonErr == nil && ae.Err.Message != "" {
			return errors.Errorf("%s %s: %s (%s)", method, path, ae.Err.Message, ae.Err.Code)
		}
		return errors.Errorf("%s %s: unexpected status %s", method, path, resp.Status)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return errors.Wrapf(err, "decode %s response", path)
	}
	return nil
}

var _ chatsync.ConversationFetcher = &Client{}
var _ chatsync.UsageFetcher = &Client{}

// String implements fmt.Stringer for log fields.
func (c *Client) String() string {
	if c == nil {
		return "<nil api client>"
	}
	return fmt.Sprintf("api.Client(%s)", c.baseURL)
}

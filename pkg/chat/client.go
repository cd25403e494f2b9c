// Package chat is a client for OpenAI-compatible chat completion endpoints,
// including self-hosted model servers.
package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/sells-group/datapipe/internal/resilience"
)

const completionsPath = "/chat/completions"

// Client performs chat completions.
type Client interface {
	Complete(ctx context.Context, req Request) (*Response, error)
}

// Request is the request body for POST /chat/completions.
type Request struct {
	Model          string          `json:"model"`
	Messages       []Message       `json:"messages"`
	ResponseFormat *ResponseFormat `json:"response_format,omitempty"`
	Temperature    *float64        `json:"temperature,omitempty"`
}

// Message represents a single message in the conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ResponseFormat asks the server for a structured reply.
type ResponseFormat struct {
	Type string `json:"type"`
}

// JSONObject requests a JSON object reply.
var JSONObject = &ResponseFormat{Type: "json_object"}

// Response is the decoded reply. Raw keeps the full body for servers that
// answer with the payload itself instead of a choices envelope.
type Response struct {
	ID      string   `json:"id"`
	Choices []Choice `json:"choices"`
	Usage   Usage    `json:"usage"`
	Raw     []byte   `json:"-"`
}

// Choice is a single completion choice.
type Choice struct {
	Index   int     `json:"index"`
	Message Message `json:"message"`
}

// Usage reports token consumption.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// Content returns the first choice's message content, or the raw body when
// the reply has no choices.
func (r *Response) Content() string {
	if len(r.Choices) > 0 {
		return r.Choices[0].Message.Content
	}
	return string(r.Raw)
}

// StatusError reports a non-2xx reply.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("chat: unexpected status %d: %s", e.StatusCode, e.Body)
}

// Option configures the client.
type Option func(*httpClient)

// WithHTTPClient overrides the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

// WithRateLimit throttles requests to rps per second with the given burst.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *httpClient) {
		if rps > 0 {
			if burst < 1 {
				burst = 1
			}
			c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
		}
	}
}

// WithLimiter shares an existing limiter across clients.
func WithLimiter(l *rate.Limiter) Option {
	return func(c *httpClient) {
		c.limiter = l
	}
}

type httpClient struct {
	endpoint string
	apiKey   string
	http     *http.Client
	limiter  *rate.Limiter
}

// NewClient creates a client for the server at baseURL. The bearer header is
// only sent when apiKey is non-empty.
func NewClient(baseURL, apiKey string, opts ...Option) Client {
	c := &httpClient{
		endpoint: Endpoint(baseURL),
		apiKey:   apiKey,
		http: &http.Client{
			Timeout: 120 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Endpoint appends /chat/completions to baseURL unless already present.
func Endpoint(baseURL string) string {
	u := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if strings.HasSuffix(u, completionsPath) {
		return u
	}
	return u + completionsPath
}

func (c *httpClient) Complete(ctx context.Context, req Request) (*Response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "chat: rate limit wait")
		}
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, eris.Wrap(err, "chat: marshal request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, eris.Wrap(err, "chat: create request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, eris.Wrap(err, "chat: send request")
	}
	defer resp.Body.Close() //nolint:errcheck

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "chat: read response")
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, resilience.ForStatus(&StatusError{StatusCode: resp.StatusCode, Body: string(respBody)}, resp.StatusCode)
	}

	var result Response
	if err := json.Unmarshal(respBody, &result); err != nil {
		// Some servers reply with bare text; keep it for the caller to parse.
		return &Response{Raw: respBody}, nil //nolint:nilerr
	}
	result.Raw = respBody
	return &result, nil
}

package annotate

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/sells-group/datapipe/internal/model"
	"github.com/sells-group/datapipe/internal/resilience"
	"github.com/sells-group/datapipe/pkg/anthropic"
	"github.com/sells-group/datapipe/pkg/chat"
)

const (
	jsonSystemPrompt = "Return only valid JSON."
	defaultMaxTokens = 4096
)

// Transport sends one prompt to a model and returns the textual reply.
// Failures are reported as *model.TransportError.
type Transport interface {
	Complete(ctx context.Context, m model.Model, prompt string) (string, error)
}

// TransportOption configures a ProviderTransport.
type TransportOption func(*ProviderTransport)

// WithHTTPClient overrides the http.Client shared by OpenAI-compatible calls.
func WithHTTPClient(hc *http.Client) TransportOption {
	return func(t *ProviderTransport) {
		t.http = hc
	}
}

// WithRequestsPerSecond throttles every call made through the transport.
func WithRequestsPerSecond(rps float64) TransportOption {
	return func(t *ProviderTransport) {
		if rps > 0 {
			t.limiter = rate.NewLimiter(rate.Limit(rps), 1)
		}
	}
}

// WithMaxTokens sets the completion budget for Anthropic calls.
func WithMaxTokens(n int64) TransportOption {
	return func(t *ProviderTransport) {
		if n > 0 {
			t.maxTokens = n
		}
	}
}

// ProviderTransport routes calls by model provider: OpenAI-compatible chat
// completions or the Anthropic Messages API.
type ProviderTransport struct {
	http      *http.Client
	limiter   *rate.Limiter
	maxTokens int64

	mu         sync.Mutex
	anthropics map[string]anthropic.Client
}

// NewTransport creates a ProviderTransport.
func NewTransport(opts ...TransportOption) *ProviderTransport {
	t := &ProviderTransport{
		http: &http.Client{
			Timeout: 120 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		maxTokens:  defaultMaxTokens,
		anthropics: make(map[string]anthropic.Client),
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Complete implements Transport.
func (t *ProviderTransport) Complete(ctx context.Context, m model.Model, prompt string) (string, error) {
	var (
		content string
		err     error
	)
	switch m.ProviderName() {
	case model.ProviderAnthropic:
		content, err = t.completeAnthropic(ctx, m, prompt)
	case model.ProviderOpenAI:
		content, err = t.completeChat(ctx, m, prompt)
	default:
		err = eris.Errorf("annotate: unknown provider %q", m.Data.Provider)
	}
	if err != nil {
		return "", &model.TransportError{ModelUID: m.UID, StatusCode: statusOf(err), Err: err}
	}
	return content, nil
}

func (t *ProviderTransport) completeChat(ctx context.Context, m model.Model, prompt string) (string, error) {
	opts := []chat.Option{chat.WithHTTPClient(t.http)}
	if t.limiter != nil {
		opts = append(opts, chat.WithLimiter(t.limiter))
	}
	client := chat.NewClient(m.Data.BaseURL, m.Data.APIKey, opts...)

	resp, err := client.Complete(ctx, chat.Request{
		Model:          m.Data.Model,
		Messages:       []chat.Message{{Role: "user", Content: prompt}},
		ResponseFormat: chat.JSONObject,
	})
	if err != nil {
		return "", err
	}
	return resp.Content(), nil
}

func (t *ProviderTransport) completeAnthropic(ctx context.Context, m model.Model, prompt string) (string, error) {
	if t.limiter != nil {
		if err := t.limiter.Wait(ctx); err != nil {
			return "", eris.Wrap(err, "annotate: rate limit wait")
		}
	}

	resp, err := t.anthropicClient(m).CreateMessage(ctx, anthropic.MessageRequest{
		Model:     m.Data.Model,
		MaxTokens: t.maxTokens,
		System:    jsonSystemPrompt,
		Messages:  []anthropic.Message{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return "", err
	}
	resp.Usage.Log(m.Data.Model, DatasetIDFrom(ctx))
	return resp.Text(), nil
}

func (t *ProviderTransport) anthropicClient(m model.Model) anthropic.Client {
	t.mu.Lock()
	defer t.mu.Unlock()
	if c, ok := t.anthropics[m.UID]; ok {
		return c
	}
	var opts []anthropic.Option
	if m.Data.BaseURL != "" {
		opts = append(opts, anthropic.WithBaseURL(m.Data.BaseURL))
	}
	c := anthropic.NewClient(m.Data.APIKey, opts...)
	t.anthropics[m.UID] = c
	return c
}

func statusOf(err error) int {
	var se *chat.StatusError
	if errors.As(err, &se) {
		return se.StatusCode
	}
	var te *resilience.TransientError
	if errors.As(err, &te) {
		return te.StatusCode
	}
	return 0
}

// Package llm is the provider-facing call layer. It resolves a call
// purpose to a provider/model route, borrows an API key from the pool,
// issues an OpenAI-compatible chat completion in JSON mode, and parses
// the result leniently into a structured map.
//
// Retriable failures (rate limits, transient network errors) rotate to
// the next key and try again; there is no fixed retry cap — termination
// comes from ErrProviderExhausted or the caller's context deadline.
package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"golang.org/x/sync/semaphore"

	"github.com/tedlearn/shadowwriter/pkg/keypool"
	"github.com/tedlearn/shadowwriter/pkg/monitor"
)

// DefaultPurpose is the purpose every route table must contain; it is
// the fallback for call sites without an explicit mapping.
const DefaultPurpose = "default"

// Defaults for outbound call behavior.
const (
	DefaultCallTimeout   = 30 * time.Second
	DefaultMaxConcurrent = 3
	DefaultMaxTokens     = 4096
)

// quotaHeaderNames are the provider rate-limit headers forwarded to the
// telemetry registry when present.
var quotaHeaderNames = []string{
	"x-ratelimit-remaining-requests",
	"x-ratelimit-remaining-tokens",
}

// ProviderSettings describes one OpenAI-compatible backend.
type ProviderSettings struct {
	Name    string
	BaseURL string // empty = api.openai.com
	Model   string // default model for probes and unrouted calls
}

// Route maps a call purpose to a concrete provider/model/temperature.
type Route struct {
	Provider    string
	Model       string
	Temperature float32
}

// Client multiplexes structured LLM calls over the key pools.
type Client struct {
	providers map[string]ProviderSettings
	routes    map[string]Route
	pools     *keypool.Manager
	registry  *monitor.Registry

	sem         *semaphore.Weighted
	httpClient  *http.Client
	callTimeout time.Duration
	maxTokens   int
	log         *slog.Logger
}

// Option configures the client.
type Option func(*Client)

// WithCallTimeout bounds each HTTP round trip.
func WithCallTimeout(d time.Duration) Option {
	return func(c *Client) { c.callTimeout = d }
}

// WithMaxConcurrent caps simultaneous outbound requests process-wide.
func WithMaxConcurrent(n int) Option {
	return func(c *Client) { c.sem = semaphore.NewWeighted(int64(n)) }
}

// WithMaxTokens sets the completion token ceiling.
func WithMaxTokens(n int) Option {
	return func(c *Client) { c.maxTokens = n }
}

// WithHTTPClient overrides the shared HTTP client (tests).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// NewClient validates the routing table and returns a ready client.
// A "default" route must exist and every route's provider must have a
// key pool.
func NewClient(providers map[string]ProviderSettings, routes map[string]Route, pools *keypool.Manager, opts ...Option) (*Client, error) {
	if _, ok := routes[DefaultPurpose]; !ok {
		return nil, fmt.Errorf("purpose map must contain %q", DefaultPurpose)
	}
	for purpose, r := range routes {
		if _, ok := providers[r.Provider]; !ok {
			return nil, fmt.Errorf("purpose %q routes to unknown provider %q", purpose, r.Provider)
		}
		if _, err := pools.Pool(r.Provider); err != nil {
			return nil, fmt.Errorf("purpose %q: %w", purpose, err)
		}
	}

	c := &Client{
		providers:   providers,
		routes:      routes,
		pools:       pools,
		registry:    pools.Registry(),
		sem:         semaphore.NewWeighted(DefaultMaxConcurrent),
		callTimeout: DefaultCallTimeout,
		maxTokens:   DefaultMaxTokens,
		log:         slog.With("component", "llm"),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.httpClient == nil {
		c.httpClient = newHTTPClient()
	}
	return c, nil
}

// newHTTPClient builds the shared keep-alive transport. Per-request
// deadlines come from context, not a client-wide timeout.
func newHTTPClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   10 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:        20,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
	}
}

// Resolve returns the route for a purpose, falling back to default.
func (c *Client) Resolve(purpose string) Route {
	if r, ok := c.routes[purpose]; ok {
		return r
	}
	return c.routes[DefaultPurpose]
}

// Call issues one structured LLM call and returns the parsed object.
//
// The rotation loop: acquire a key, issue the request, and on a
// retriable failure mark the key failed (which applies its cooldown and
// rotates) and loop. Content-level failures — empty output, irreparable
// JSON, schema violations — are surfaced immediately; retrying them on
// another key would burn quota without changing the outcome.
func (c *Client) Call(ctx context.Context, purpose, prompt string, schema Schema) (map[string]any, error) {
	route := c.Resolve(purpose)
	settings := c.providers[route.Provider]
	pool, err := c.pools.Pool(route.Provider)
	if err != nil {
		return nil, err
	}
	model := route.Model
	if model == "" {
		model = settings.Model
	}

	for {
		key, err := pool.Acquire(ctx)
		if err != nil {
			if errors.Is(err, keypool.ErrAllKeysExhausted) {
				return nil, fmt.Errorf("%w (provider %q)", ErrProviderExhausted, route.Provider)
			}
			return nil, err
		}

		start := time.Now()
		content, callErr := c.invoke(ctx, settings, key, model, route.Temperature, prompt, true)
		if callErr != nil {
			class := pool.MarkFailure(key, callErr)
			if class.Retriable() && ctx.Err() == nil {
				c.log.Warn("Retriable LLM error, rotating key",
					"provider", route.Provider, "purpose", purpose,
					"key", key.Masked(), "class", class.String(),
					"error", truncate(callErr.Error(), 120))
				continue
			}
			return nil, fmt.Errorf("LLM call failed (purpose %q, provider %q): %w", purpose, route.Provider, callErr)
		}
		pool.MarkSuccess(key, time.Since(start))

		parsed, err := parseLoose(content)
		if err != nil {
			return nil, fmt.Errorf("purpose %q: %w", purpose, err)
		}
		result := normalize(parsed, content)
		if schema != nil {
			if err := schema.Validate(result); err != nil {
				return nil, fmt.Errorf("purpose %q: %w", purpose, err)
			}
		}
		return result, nil
	}
}

// invoke performs a single HTTP round trip with one key, holding a
// slot on the outbound concurrency limiter for its duration.
func (c *Client) invoke(ctx context.Context, settings ProviderSettings, key keypool.Key, model string, temperature float32, prompt string, jsonMode bool) (string, error) {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return "", err
	}
	defer c.sem.Release(1)

	callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	cli := c.apiClient(settings, key)
	req := openai.ChatCompletionRequest{
		Model:       model,
		Temperature: temperature,
		MaxTokens:   c.maxTokens,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	}
	if jsonMode {
		req.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}

	resp, err := cli.CreateChatCompletion(callCtx, req)
	if err != nil && jsonMode && isResponseFormatError(err) {
		// Some OpenAI-compatible backends reject response_format
		// entirely; retry the same key without it.
		req.ResponseFormat = nil
		resp, err = cli.CreateChatCompletion(callCtx, req)
	}
	if err != nil {
		return "", normalizeAPIError(err)
	}

	c.recordQuota(key, resp)
	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		return "", ErrEmptyResponse
	}
	return resp.Choices[0].Message.Content, nil
}

// Probe issues a minimal one-token call with the given key. Used by the
// startup health check to weed out dead keys before any task runs.
func (c *Client) Probe(ctx context.Context, key keypool.Key) error {
	settings, ok := c.providers[key.Provider]
	if !ok {
		return fmt.Errorf("unknown provider %q", key.Provider)
	}

	callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	cli := c.apiClient(settings, key)
	_, err := cli.CreateChatCompletion(callCtx, openai.ChatCompletionRequest{
		Model:     settings.Model,
		MaxTokens: 1,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: "ping"},
		},
	})
	if err != nil {
		return normalizeAPIError(err)
	}
	return nil
}

func (c *Client) apiClient(settings ProviderSettings, key keypool.Key) *openai.Client {
	cfg := openai.DefaultConfig(key.Secret)
	if settings.BaseURL != "" {
		cfg.BaseURL = settings.BaseURL
	}
	cfg.HTTPClient = c.httpClient
	return openai.NewClientWithConfig(cfg)
}

func (c *Client) recordQuota(key keypool.Key, resp openai.ChatCompletionResponse) {
	if c.registry == nil {
		return
	}
	headers := make(map[string]string)
	for _, h := range quotaHeaderNames {
		if v := resp.Header().Get(h); v != "" {
			headers[h] = v
		}
	}
	c.registry.RecordQuotaHeaders(key.ID, headers)
}

// normalizeAPIError folds the SDK error types into messages that carry
// the HTTP status, so classification can see 429/5xx regardless of how
// the backend phrased its error body.
func normalizeAPIError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return fmt.Errorf("provider error (status %d): %w", apiErr.HTTPStatusCode, err)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return fmt.Errorf("provider error (status %d): %w", reqErr.HTTPStatusCode, err)
	}
	return err
}

func isResponseFormatError(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "response_format")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

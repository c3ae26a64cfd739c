// Package llm is the provider-agnostic completion client used for failure
// enrichment. Providers register behind a uniform adapter interface; the
// client adds validation, retry with deterministic backoff, and the typed
// error hierarchy.
package llm

import (
	"context"
	"fmt"
	"strings"
	"time"
)

type Request struct {
	Provider    string
	Model       string
	System      string
	Prompt      string
	MaxTokens   int
	Temperature float64
}

func (r Request) Validate() error {
	if strings.TrimSpace(r.Model) == "" {
		return &ConfigurationError{Message: "model is required"}
	}
	if strings.TrimSpace(r.Prompt) == "" {
		return &ConfigurationError{Message: "prompt is required"}
	}
	return nil
}

type Usage struct {
	PromptTokens     int
	CompletionTokens int
}

type Response struct {
	Text  string
	Model string
	Usage Usage
}

// ProviderAdapter is one completion backend.
type ProviderAdapter interface {
	Name() string
	Complete(ctx context.Context, req Request) (Response, error)
}

type Client struct {
	providers       map[string]ProviderAdapter
	defaultProvider string
	maxRetries      int
	sleep           func(context.Context, time.Duration) error
}

func NewClient() *Client {
	return &Client{
		providers:  map[string]ProviderAdapter{},
		maxRetries: 2,
		sleep:      sleepCtx,
	}
}

func (c *Client) Register(adapter ProviderAdapter) {
	if c.providers == nil {
		c.providers = map[string]ProviderAdapter{}
	}
	c.providers[normalizeProviderName(adapter.Name())] = adapter
	if c.defaultProvider == "" {
		c.defaultProvider = normalizeProviderName(adapter.Name())
	}
}

func (c *Client) SetDefaultProvider(name string) {
	c.defaultProvider = normalizeProviderName(name)
}

func (c *Client) ProviderNames() []string {
	if c == nil || len(c.providers) == 0 {
		return nil
	}
	out := make([]string, 0, len(c.providers))
	for k := range c.providers {
		out = append(out, k)
	}
	return out
}

// Complete resolves the provider and runs the request with retries.
// Retryable provider errors back off deterministically; the Retry-After
// hint wins over the computed delay when present.
func (c *Client) Complete(ctx context.Context, req Request) (Response, error) {
	if err := req.Validate(); err != nil {
		return Response{}, err
	}
	prov := normalizeProviderName(req.Provider)
	if prov == "" {
		prov = c.defaultProvider
	}
	if prov == "" {
		return Response{}, &ConfigurationError{Message: "no provider specified and no default provider configured"}
	}
	adapter, ok := c.providers[prov]
	if !ok {
		return Response{}, &ConfigurationError{Message: fmt.Sprintf("unknown provider: %s", prov)}
	}
	req.Provider = prov

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			delay := retryDelay(lastErr, prov, req.Model, attempt)
			if err := c.sleep(ctx, delay); err != nil {
				return Response{}, err
			}
		}
		resp, err := adapter.Complete(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !isRetryable(err) || ctx.Err() != nil {
			break
		}
	}
	return Response{}, lastErr
}

func retryDelay(err error, provider, model string, attempt int) time.Duration {
	if typed, ok := err.(Error); ok {
		if ra := typed.RetryAfter(); ra != nil {
			return *ra
		}
	}
	seed := fmt.Sprintf("%s:%s:%d", provider, model, attempt)
	return DelayForAttempt(attempt, defaultBackoff(), seed)
}

func isRetryable(err error) bool {
	typed, ok := err.(Error)
	return ok && typed.Retryable()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func normalizeProviderName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

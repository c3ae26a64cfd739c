package llm

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakeAdapter struct {
	name  string
	calls int
	errs  []error
	resp  Response
}

func (f *fakeAdapter) Name() string { return f.name }

func (f *fakeAdapter) Complete(ctx context.Context, req Request) (Response, error) {
	f.calls++
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return Response{}, err
		}
	}
	return f.resp, nil
}

func newTestClient(adapters ...*fakeAdapter) *Client {
	c := NewClient()
	c.sleep = func(context.Context, time.Duration) error { return nil }
	for _, a := range adapters {
		c.Register(a)
	}
	return c
}

func TestCompleteValidates(t *testing.T) {
	c := newTestClient(&fakeAdapter{name: "fake"})
	var cfgErr *ConfigurationError
	if _, err := c.Complete(context.Background(), Request{Prompt: "p"}); !errors.As(err, &cfgErr) {
		t.Fatalf("missing model: got %v", err)
	}
	if _, err := c.Complete(context.Background(), Request{Model: "m"}); !errors.As(err, &cfgErr) {
		t.Fatalf("missing prompt: got %v", err)
	}
}

func TestCompleteDefaultProvider(t *testing.T) {
	fake := &fakeAdapter{name: "fake", resp: Response{Text: "ok"}}
	c := newTestClient(fake)
	resp, err := c.Complete(context.Background(), Request{Model: "m", Prompt: "p"})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Text != "ok" || fake.calls != 1 {
		t.Fatalf("resp=%+v calls=%d", resp, fake.calls)
	}
}

func TestCompleteUnknownProvider(t *testing.T) {
	c := newTestClient(&fakeAdapter{name: "fake"})
	var cfgErr *ConfigurationError
	if _, err := c.Complete(context.Background(), Request{Provider: "other", Model: "m", Prompt: "p"}); !errors.As(err, &cfgErr) {
		t.Fatalf("got %v", err)
	}
}

func TestCompleteRetriesRetryable(t *testing.T) {
	fake := &fakeAdapter{
		name: "fake",
		errs: []error{
			ErrorFromHTTPStatus("fake", 503, "down", nil),
			ErrorFromHTTPStatus("fake", 429, "busy", nil),
			nil,
		},
		resp: Response{Text: "recovered"},
	}
	c := newTestClient(fake)
	resp, err := c.Complete(context.Background(), Request{Model: "m", Prompt: "p"})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Text != "recovered" || fake.calls != 3 {
		t.Fatalf("resp=%+v calls=%d", resp, fake.calls)
	}
}

func TestCompleteStopsOnNonRetryable(t *testing.T) {
	fake := &fakeAdapter{
		name: "fake",
		errs: []error{ErrorFromHTTPStatus("fake", 401, "bad key", nil)},
	}
	c := newTestClient(fake)
	_, err := c.Complete(context.Background(), Request{Model: "m", Prompt: "p"})
	if !IsAuthenticationError(err) {
		t.Fatalf("got %v", err)
	}
	if fake.calls != 1 {
		t.Fatalf("auth errors must not be retried: %d calls", fake.calls)
	}
}

func TestCompleteExhaustsRetries(t *testing.T) {
	fake := &fakeAdapter{
		name: "fake",
		errs: []error{
			ErrorFromHTTPStatus("fake", 500, "a", nil),
			ErrorFromHTTPStatus("fake", 500, "b", nil),
			ErrorFromHTTPStatus("fake", 500, "c", nil),
		},
	}
	c := newTestClient(fake)
	_, err := c.Complete(context.Background(), Request{Model: "m", Prompt: "p"})
	var srvErr *ServerError
	if !errors.As(err, &srvErr) {
		t.Fatalf("got %v", err)
	}
	if fake.calls != 3 {
		t.Fatalf("want 1 try + 2 retries, got %d calls", fake.calls)
	}
}

func TestRetryDelayHonorsRetryAfter(t *testing.T) {
	hint := 4 * time.Second
	err := ErrorFromHTTPStatus("fake", 429, "busy", &hint)
	if d := retryDelay(err, "fake", "m", 1); d != hint {
		t.Fatalf("got %v, want %v", d, hint)
	}
}

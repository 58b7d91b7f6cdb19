package reasoning

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestCallTimeoutDiscardsLateResult(t *testing.T) {
	release := make(chan struct{})
	slow := ClientFunc(func(ctx context.Context, req Request) (string, error) {
		<-release
		return "late", nil
	})

	_, err := Call(context.Background(), slow, Request{}, 20*time.Millisecond)
	close(release)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestCallEmptyResponse(t *testing.T) {
	blank := ClientFunc(func(ctx context.Context, req Request) (string, error) {
		return "   \n", nil
	})
	if _, err := Call(context.Background(), blank, Request{}, time.Second); !errors.Is(err, ErrEmptyResponse) {
		t.Fatalf("expected ErrEmptyResponse, got %v", err)
	}
}

func TestCallNilClient(t *testing.T) {
	if _, err := Call(context.Background(), nil, Request{}, time.Second); !errors.Is(err, ErrDisabled) {
		t.Fatalf("expected ErrDisabled, got %v", err)
	}
}

func TestExtractJSON(t *testing.T) {
	cases := map[string]struct {
		in   string
		want string
		ok   bool
	}{
		"bare":   {in: `{"a":1}`, want: `{"a":1}`, ok: true},
		"fenced": {in: "```json\n{\"a\":1}\n```", want: `{"a":1}`, ok: true},
		"prose":  {in: "Sure! {\"a\":{\"b\":2}} done", want: `{"a":{"b":2}}`, ok: true},
		"none":   {in: "no json here", ok: false},
	}
	for name, tc := range cases {
		got, ok := ExtractJSON(tc.in)
		if ok != tc.ok || got != tc.want {
			t.Fatalf("%s: got (%q, %v), want (%q, %v)", name, got, ok, tc.want, tc.ok)
		}
	}
}

func TestAnthropicSuccess(t *testing.T) {
	var received messagesRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != messagesPath {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("x-api-key") != "key" || r.Header.Get("anthropic-version") != defaultVersion {
			t.Fatalf("missing auth headers: %v", r.Header)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"content": []map[string]string{{"type": "text", "text": "  hello  "}},
		})
	}))
	defer srv.Close()

	client := NewAnthropic(AnthropicOptions{BaseURL: srv.URL, APIKey: "key", Model: "m", Timeout: time.Second}, zerolog.Nop())
	text, err := client.Complete(context.Background(), Request{System: "sys", User: "hi", MaxTokens: 50})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if text != "hello" {
		t.Fatalf("expected trimmed text, got %q", text)
	}
	if received.System != "sys" || received.MaxTokens != 50 || len(received.Messages) != 1 || received.Messages[0].Content != "hi" {
		t.Fatalf("unexpected wire request: %+v", received)
	}
}

func TestAnthropicHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]string{"type": "rate_limit_error", "message": "slow down"},
		})
	}))
	defer srv.Close()

	client := NewAnthropic(AnthropicOptions{BaseURL: srv.URL, APIKey: "key", Timeout: time.Second}, zerolog.Nop())
	_, err := client.Complete(context.Background(), Request{User: "hi"})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if !apiErr.IsRateLimited() || apiErr.Message != "slow down" {
		t.Fatalf("unexpected api error: %+v", apiErr)
	}
}

func TestAnthropicWithoutKey(t *testing.T) {
	client := NewAnthropic(AnthropicOptions{}, zerolog.Nop())
	if _, err := client.Complete(context.Background(), Request{}); !errors.Is(err, ErrDisabled) {
		t.Fatalf("expected ErrDisabled, got %v", err)
	}
}

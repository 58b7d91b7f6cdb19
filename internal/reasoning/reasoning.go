// Package reasoning talks to the external assisted-reasoning service. The
// service is a black box: an instruction and a payload go in, raw text comes
// out. Callers own all parsing and validation of that text.
package reasoning

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrDisabled is returned when no reasoning backend is configured.
	ErrDisabled = errors.New("reasoning: disabled")
	// ErrEmptyResponse is returned when the service answers with no text.
	ErrEmptyResponse = errors.New("reasoning: empty response")
)

// Request is one role instruction plus user payload.
type Request struct {
	System    string
	User      string
	MaxTokens int
}

// Client completes a request and returns the raw response text.
type Client interface {
	Complete(ctx context.Context, req Request) (string, error)
}

// Call runs req against client under an explicit timeout. The call races the
// deadline in its own goroutine; if the deadline wins the late result is
// dropped on a buffered channel and nothing is left blocked.
func Call(ctx context.Context, client Client, req Request, timeout time.Duration) (string, error) {
	if client == nil {
		return "", ErrDisabled
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	type outcome struct {
		text string
		err  error
	}
	done := make(chan outcome, 1)
	go func() {
		text, err := client.Complete(ctx, req)
		done <- outcome{text: text, err: err}
	}()

	select {
	case <-ctx.Done():
		return "", fmt.Errorf("reasoning call: %w", ctx.Err())
	case res := <-done:
		if res.err != nil {
			return "", res.err
		}
		text := strings.TrimSpace(res.text)
		if text == "" {
			return "", ErrEmptyResponse
		}
		return text, nil
	}
}

// ExtractJSON returns the outermost JSON object embedded in text. Models
// often wrap JSON in code fences or a sentence; anything without a balanced
// object yields false.
func ExtractJSON(text string) (string, bool) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return "", false
	}
	return text[start : end+1], true
}

// ClientFunc adapts a function to Client.
type ClientFunc func(ctx context.Context, req Request) (string, error)

// Complete calls f.
func (f ClientFunc) Complete(ctx context.Context, req Request) (string, error) {
	return f(ctx, req)
}

// Provenance records which path produced a stage output.
type Provenance struct {
	UsedAssisted bool `json:"used_assisted"`
	FailedOver   bool `json:"failed_over"`
}

var (
	// Deterministic marks output from the rule path with assistance disabled.
	Deterministic = Provenance{}
	// Assisted marks output taken from the reasoning service.
	Assisted = Provenance{UsedAssisted: true}
	// FailedOver marks rule output produced after an assisted attempt failed.
	FailedOver = Provenance{UsedAssisted: true, FailedOver: true}
)

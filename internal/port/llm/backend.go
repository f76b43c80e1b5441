// Package llm defines the language-model backend port used by the gateway.
package llm

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Role is the author of a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one chat turn.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Request is a single non-streaming chat completion request.
type Request struct {
	Model       string
	Messages    []Message
	Temperature float64
	MaxTokens   int
	// JSON asks the backend to constrain output to a JSON object when it
	// supports that.
	JSON bool
}

// Response is the backend's reply.
type Response struct {
	Content          string
	Model            string
	PromptTokens     int
	CompletionTokens int
}

// Config carries the connection settings a backend factory needs.
type Config struct {
	URL     string
	APIKey  string
	Model   string
	Timeout time.Duration
}

// Backend is the port interface for a chat-completion provider.
type Backend interface {
	// Name returns the registered provider name.
	Name() string

	// Chat sends one request and returns the model's reply. Non-2xx
	// responses are returned as *StatusError.
	Chat(ctx context.Context, req Request) (*Response, error)

	// Ping checks that the provider is reachable.
	Ping(ctx context.Context) error
}

// StatusError is a non-2xx response from a backend.
type StatusError struct {
	Provider   string
	StatusCode int
	Body       string
	RetryAfter time.Duration // zero when the provider sent no hint
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: status %d: %s", e.Provider, e.StatusCode, e.Body)
}

// RateLimited reports whether the provider asked the caller to slow down.
func (e *StatusError) RateLimited() bool {
	return e.StatusCode == http.StatusTooManyRequests
}

// Transient reports whether a retry may succeed: rate limits, request
// timeouts and server-side failures. Other 4xx responses are client errors.
func (e *StatusError) Transient() bool {
	return e.StatusCode == http.StatusTooManyRequests ||
		e.StatusCode == http.StatusRequestTimeout ||
		e.StatusCode >= 500
}

// maxBodyExcerpt bounds the response body kept on a StatusError.
const maxBodyExcerpt = 512

// NewStatusError builds a StatusError from an HTTP response and its body.
func NewStatusError(provider string, resp *http.Response, body []byte) *StatusError {
	excerpt := strings.TrimSpace(string(body))
	if len(excerpt) > maxBodyExcerpt {
		excerpt = excerpt[:maxBodyExcerpt] + "..."
	}
	return &StatusError{
		Provider:   provider,
		StatusCode: resp.StatusCode,
		Body:       excerpt,
		RetryAfter: ParseRetryAfter(resp.Header.Get("Retry-After"), time.Now()),
	}
}

// ParseRetryAfter interprets a Retry-After header given as delta-seconds or
// an HTTP date. It returns zero for missing or unparsable values.
func ParseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs * float64(time.Second))
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"
)

// ErrInvalidRequest marks a request an adapter rejected before dispatching
// anything upstream. These failures are the caller's fault and must not be
// retried or counted against upstream health.
var ErrInvalidRequest = errors.New("invalid upstream request")

// Provider names as they appear in routing tags and usage records.
const (
	NameOpenAI    = "openai"
	NameAnthropic = "anthropic"
	NameUnknown   = "unknown"
)

// Response formats a caller may request. Only the OpenAI upstream honors
// json natively; the Anthropic upstream relies on prompt discipline.
const (
	FormatText = "text"
	FormatJSON = "json"
)

type Message struct {
	Role    string // "system", "user", "assistant"
	Content string
}

type Request struct {
	Model          string
	Messages       []Message
	MaxTokens      int
	Temperature    *float64
	ResponseFormat string
	RequestID      string
}

type Response struct {
	Provider     string
	Model        string
	Content      string
	InputTokens  int
	OutputTokens int
	FinishReason string
}

type Provider interface {
	Complete(ctx context.Context, req *Request) (*Response, error)
	Name() string
	SupportedModels() []string
	DefaultModel() string
}

// UpstreamError carries the upstream HTTP status so the caller can decide
// between retrying and surfacing the failure.
type UpstreamError struct {
	Provider string
	Status   int
	Body     string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s api error (status %d): %s", e.Provider, e.Status, e.Body)
}

// Retryable reports whether another attempt could plausibly succeed.
func (e *UpstreamError) Retryable() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= 500
}

// NewHTTPClient builds the client shared by all upstream adapters. Response
// headers must arrive within 30 seconds; the overall body deadline is the
// per-attempt context set by the router.
func NewHTTPClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   10 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			ResponseHeaderTimeout: 30 * time.Second,
			MaxIdleConnsPerHost:   16,
			IdleConnTimeout:       90 * time.Second,
		},
	}
}

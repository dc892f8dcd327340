package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/vnmchuo/llm-broker/internal/provider"
)

const (
	defaultBaseURL   = "https://api.anthropic.com/v1"
	apiVersion       = "2023-06-01"
	defaultMaxTokens = 4096
)

// ErrMultipleSystemMessages is returned when more than one system message is
// supplied; the upstream accepts a single system field. It wraps
// provider.ErrInvalidRequest so the router fails it without retrying.
var ErrMultipleSystemMessages = fmt.Errorf("%w: anthropic upstream accepts at most one system message", provider.ErrInvalidRequest)

type AnthropicProvider struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	MaxTokens   int                `json:"max_tokens"`
	System      string             `json:"system,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
	Temperature *float64           `json:"temperature,omitempty"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicResponse struct {
	ID         string             `json:"id"`
	Content    []anthropicContent `json:"content"`
	Model      string             `json:"model"`
	StopReason string             `json:"stop_reason"`
	Usage      anthropicUsage     `json:"usage"`
}

type anthropicContent struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

func New(apiKey, baseURL string, client *http.Client) provider.Provider {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if client == nil {
		client = provider.NewHTTPClient()
	}
	return &AnthropicProvider{apiKey: apiKey, baseURL: baseURL, client: client}
}

func (p *AnthropicProvider) Complete(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	mapped, err := p.mapRequest(req)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(mapped)
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/messages", p.baseURL)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", p.apiKey)
	httpReq.Header.Set("anthropic-version", apiVersion)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &provider.UpstreamError{Provider: p.Name(), Status: resp.StatusCode, Body: string(respBody)}
	}

	var anthropicResp anthropicResponse
	if err := json.NewDecoder(resp.Body).Decode(&anthropicResp); err != nil {
		return nil, fmt.Errorf("decode anthropic response: %w", err)
	}

	out := &provider.Response{
		Provider:     p.Name(),
		Model:        anthropicResp.Model,
		InputTokens:  anthropicResp.Usage.InputTokens,
		OutputTokens: anthropicResp.Usage.OutputTokens,
		FinishReason: "unknown",
	}
	if anthropicResp.StopReason != "" {
		out.FinishReason = anthropicResp.StopReason
	}
	for _, c := range anthropicResp.Content {
		if c.Type == "text" {
			out.Content = c.Text
			break
		}
	}
	return out, nil
}

func (p *AnthropicProvider) mapRequest(req *provider.Request) (anthropicRequest, error) {
	var system string
	var sawSystem bool
	var messages []anthropicMessage

	for _, m := range req.Messages {
		if m.Role == "system" {
			if sawSystem {
				return anthropicRequest{}, ErrMultipleSystemMessages
			}
			system = m.Content
			sawSystem = true
			continue
		}
		messages = append(messages, anthropicMessage{Role: m.Role, Content: m.Content})
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = defaultMaxTokens
	}

	return anthropicRequest{
		Model:       req.Model,
		MaxTokens:   maxTokens,
		System:      system,
		Messages:    messages,
		Temperature: req.Temperature,
	}, nil
}

func (p *AnthropicProvider) Name() string {
	return provider.NameAnthropic
}

func (p *AnthropicProvider) SupportedModels() []string {
	return []string{
		"claude-3-5-sonnet-20241022",
		"claude-3-5-haiku-20241022",
		"claude-3-opus-20240229",
		"claude-3-sonnet-20240229",
		"claude-3-haiku-20240307",
	}
}

func (p *AnthropicProvider) DefaultModel() string {
	return "claude-3-5-haiku-20241022"
}

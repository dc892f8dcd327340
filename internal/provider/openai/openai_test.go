package openai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/vnmchuo/llm-broker/internal/provider"
)

func TestCompleteSuccess(t *testing.T) {
	var captured openAIRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("unexpected auth header %q", got)
		}
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		json.NewEncoder(w).Encode(openAIResponse{
			ID:    "chatcmpl-1",
			Model: "gpt-4o-mini",
			Choices: []openAIChoice{{
				Message:      openAIMessage{Role: "assistant", Content: "hello there"},
				FinishReason: "stop",
			}},
			Usage: openAIUsage{PromptTokens: 12, CompletionTokens: 5},
		})
	}))
	defer srv.Close()

	p := New("test-key", srv.URL, srv.Client())
	resp, err := p.Complete(context.Background(), &provider.Request{
		Model: "gpt-4o-mini",
		Messages: []provider.Message{
			{Role: "system", Content: "be brief"},
			{Role: "user", Content: "hi"},
		},
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}

	if resp.Provider != provider.NameOpenAI {
		t.Errorf("provider = %q", resp.Provider)
	}
	if resp.Content != "hello there" {
		t.Errorf("content = %q", resp.Content)
	}
	if resp.InputTokens != 12 || resp.OutputTokens != 5 {
		t.Errorf("usage = %d/%d", resp.InputTokens, resp.OutputTokens)
	}
	if resp.FinishReason != "stop" {
		t.Errorf("finish reason = %q", resp.FinishReason)
	}
	if len(captured.Messages) != 2 || captured.Messages[0].Role != "system" {
		t.Errorf("upstream messages = %+v", captured.Messages)
	}
}

func TestCompleteJSONFormat(t *testing.T) {
	var captured openAIRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&captured)
		json.NewEncoder(w).Encode(openAIResponse{Model: "gpt-4o"})
	}))
	defer srv.Close()

	p := New("k", srv.URL, srv.Client())
	_, err := p.Complete(context.Background(), &provider.Request{
		Model:          "gpt-4o",
		Messages:       []provider.Message{{Role: "user", Content: "hi"}},
		ResponseFormat: provider.FormatJSON,
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if captured.ResponseFormat == nil || captured.ResponseFormat.Type != "json_object" {
		t.Errorf("response_format = %+v", captured.ResponseFormat)
	}
}

func TestCompleteTextFormatOmitted(t *testing.T) {
	var captured openAIRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&captured)
		json.NewEncoder(w).Encode(openAIResponse{Model: "gpt-4o"})
	}))
	defer srv.Close()

	p := New("k", srv.URL, srv.Client())
	_, err := p.Complete(context.Background(), &provider.Request{
		Model:          "gpt-4o",
		Messages:       []provider.Message{{Role: "user", Content: "hi"}},
		ResponseFormat: provider.FormatText,
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if captured.ResponseFormat != nil {
		t.Errorf("response_format should be omitted, got %+v", captured.ResponseFormat)
	}
}

func TestCompleteUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":{"message":"rate limited"}}`))
	}))
	defer srv.Close()

	p := New("k", srv.URL, srv.Client())
	_, err := p.Complete(context.Background(), &provider.Request{
		Model:    "gpt-4o",
		Messages: []provider.Message{{Role: "user", Content: "hi"}},
	})

	var upstream *provider.UpstreamError
	if !errors.As(err, &upstream) {
		t.Fatalf("want UpstreamError, got %v", err)
	}
	if upstream.Status != http.StatusTooManyRequests {
		t.Errorf("status = %d", upstream.Status)
	}
	if !upstream.Retryable() {
		t.Error("429 should be retryable")
	}
}

func TestCompleteNonRetryableError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	p := New("bad-key", srv.URL, srv.Client())
	_, err := p.Complete(context.Background(), &provider.Request{
		Model:    "gpt-4o",
		Messages: []provider.Message{{Role: "user", Content: "hi"}},
	})

	var upstream *provider.UpstreamError
	if !errors.As(err, &upstream) {
		t.Fatalf("want UpstreamError, got %v", err)
	}
	if upstream.Retryable() {
		t.Error("401 must not be retryable")
	}
}

func TestCompleteMissingFinishReason(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(openAIResponse{
			Model:   "gpt-4o",
			Choices: []openAIChoice{{Message: openAIMessage{Content: "x"}}},
		})
	}))
	defer srv.Close()

	p := New("k", srv.URL, srv.Client())
	resp, err := p.Complete(context.Background(), &provider.Request{
		Model:    "gpt-4o",
		Messages: []provider.Message{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.FinishReason != "unknown" {
		t.Errorf("finish reason = %q", resp.FinishReason)
	}
}

func TestDefaults(t *testing.T) {
	p := New("k", "", nil)
	if p.Name() != provider.NameOpenAI {
		t.Errorf("name = %q", p.Name())
	}
	if p.DefaultModel() != "gpt-4o-mini" {
		t.Errorf("default model = %q", p.DefaultModel())
	}
	if len(p.SupportedModels()) == 0 {
		t.Error("no supported models")
	}
}

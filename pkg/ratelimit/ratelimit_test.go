package ratelimit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestAllowUntilWindowExhausted(t *testing.T) {
	l := NewLimiter(3, time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := l.Allow(ctx, "ip:10.0.0.1")
		if err != nil {
			t.Fatalf("Allow: %v", err)
		}
		if !ok {
			t.Fatalf("request %d refused inside limit", i+1)
		}
	}

	ok, err := l.Allow(ctx, "ip:10.0.0.1")
	if err != nil {
		t.Fatalf("Allow: %v", err)
	}
	if ok {
		t.Error("fourth request should be refused")
	}
}

func TestIdentitiesAreIsolated(t *testing.T) {
	l := NewLimiter(1, time.Minute)
	ctx := context.Background()

	if ok, _ := l.Allow(ctx, "ip:10.0.0.1"); !ok {
		t.Fatal("first identity refused")
	}
	if ok, _ := l.Allow(ctx, "ip:10.0.0.2"); !ok {
		t.Error("second identity must have its own budget")
	}
}

func TestIdentityFromBearerToken(t *testing.T) {
	token := "llmg_" + strings.Repeat("a", 43)
	req := httptest.NewRequest(http.MethodPost, "/v1/llm/complete", nil)
	req.Header.Set("Authorization", "Bearer "+token)

	got := Identity(req, "llmg_", 12)
	if got != "key:"+token[:12] {
		t.Errorf("identity = %q", got)
	}
}

func TestIdentityFallsBackToIP(t *testing.T) {
	cases := []struct {
		name   string
		header string
	}{
		{"no header", ""},
		{"wrong scheme", "Basic abc"},
		{"foreign prefix", "Bearer sk-whatever"},
		{"too short", "Bearer llmg_ab"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/", nil)
			req.RemoteAddr = "192.0.2.7:51234"
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			if got := Identity(req, "llmg_", 12); got != "ip:192.0.2.7" {
				t.Errorf("identity = %q", got)
			}
		})
	}
}

func TestIdentityBareRemoteAddr(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.RemoteAddr = "192.0.2.7"
	if got := Identity(req, "llmg_", 12); got != "ip:192.0.2.7" {
		t.Errorf("identity = %q", got)
	}
}

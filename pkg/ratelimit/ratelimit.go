// Package ratelimit provides the global admission rate limit applied ahead
// of authentication and quota checks.
package ratelimit

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
)

// Limiter is a thin wrapper around ulule/limiter with an in-process store.
type Limiter struct {
	limiter *limiter.Limiter
}

// NewLimiter allows max requests per identity per window.
func NewLimiter(max int64, window time.Duration) *Limiter {
	return &Limiter{
		limiter: limiter.New(memory.NewStore(), limiter.Rate{
			Period: window,
			Limit:  max,
		}),
	}
}

func (l *Limiter) Allow(ctx context.Context, identity string) (bool, error) {
	res, err := l.limiter.Get(ctx, "admission:"+identity)
	if err != nil {
		return false, err
	}
	return !res.Reached, nil
}

// Identity scopes the limit by the bearer token's stored prefix when one is
// present, else by source IP. The prefix is taken from the raw header shape
// only; verification happens later in the pipeline.
func Identity(r *http.Request, tokenPrefix string, prefixLen int) string {
	header := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(header, "Bearer "); ok {
		if strings.HasPrefix(token, tokenPrefix) && len(token) >= prefixLen {
			return "key:" + token[:prefixLen]
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "ip:" + host
}

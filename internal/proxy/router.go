package proxy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sony/gobreaker"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"

	"github.com/vnmchuo/llm-broker/internal/logging"
	"github.com/vnmchuo/llm-broker/internal/provider"
)

// ErrNoProvider is returned when no configured upstream can serve the
// request's provider tag.
var ErrNoProvider = errors.New("no provider available")

// ModelNotAllowedError rejects a model absent from the selected provider's
// allowlist.
type ModelNotAllowedError struct {
	Provider string
	Model    string
}

func (e *ModelNotAllowedError) Error() string {
	return fmt.Sprintf("model %q is not available on provider %q", e.Model, e.Provider)
}

// errUpstreamThrottled signals that the process-local upstream token bucket
// is empty; the retry loop backs off and tries again.
var errUpstreamThrottled = errors.New("upstream rate limit reached")

const (
	maxAttempts    = 3
	attemptTimeout = 2 * time.Minute
)

// selectionOrder is the auto-routing preference when no provider tag is
// given.
var selectionOrder = []string{provider.NameOpenAI, provider.NameAnthropic}

// Router owns the configured upstream adapters plus the per-provider
// circuit breakers and the process-wide upstream token bucket.
type Router struct {
	providers map[string]provider.Provider
	breakers  map[string]*gobreaker.CircuitBreaker
	upstream  *limiter.Limiter
}

// NewRouter wires breakers and the token bucket around the given adapters.
// upstreamRPS bounds calls per provider per second; zero disables the
// bucket.
func NewRouter(providers []provider.Provider, upstreamRPS int64) *Router {
	byName := make(map[string]provider.Provider, len(providers))
	breakers := make(map[string]*gobreaker.CircuitBreaker, len(providers))
	for _, p := range providers {
		byName[p.Name()] = p
		breakers[p.Name()] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        p.Name(),
			MaxRequests: 3,
			Interval:    5 * time.Second,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
			// Requests the adapter refused before dispatch say nothing
			// about upstream health and must not trip the breaker.
			IsSuccessful: func(err error) bool {
				return err == nil || errors.Is(err, provider.ErrInvalidRequest)
			},
		})
	}

	r := &Router{providers: byName, breakers: breakers}
	if upstreamRPS > 0 {
		r.upstream = limiter.New(memory.NewStore(), limiter.Rate{
			Period: time.Second,
			Limit:  upstreamRPS,
		})
	}
	return r
}

// Select resolves the provider tag and model to a concrete adapter and a
// concrete model name. Tag "" and "auto" pick the first configured upstream
// in preference order; an empty model resolves to the provider's default.
func (r *Router) Select(tag, model string) (provider.Provider, string, error) {
	var p provider.Provider
	switch tag {
	case "", "auto":
		for _, name := range selectionOrder {
			if candidate, ok := r.providers[name]; ok {
				p = candidate
				break
			}
		}
	default:
		p = r.providers[tag]
	}
	if p == nil {
		return nil, "", ErrNoProvider
	}

	if model == "" {
		return p, p.DefaultModel(), nil
	}
	for _, m := range p.SupportedModels() {
		if m == model {
			return p, model, nil
		}
	}
	return nil, "", &ModelNotAllowedError{Provider: p.Name(), Model: model}
}

// Complete calls the upstream with bounded retries. 429 and 5xx responses
// and transport errors are retried with exponential backoff; other 4xx
// responses and breaker rejections fail immediately.
func (r *Router) Complete(ctx context.Context, p provider.Provider, req *provider.Request) (*provider.Response, error) {
	log := logging.FromContext(ctx)
	cb := r.breakers[p.Name()]

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = time.Second
	expo.MaxInterval = 30 * time.Second

	attempt := 0
	operation := func() (*provider.Response, error) {
		attempt++

		if r.upstream != nil {
			lctx, err := r.upstream.Get(ctx, p.Name())
			if err != nil {
				return nil, backoff.Permanent(fmt.Errorf("upstream limiter: %w", err))
			}
			if lctx.Reached {
				return nil, errUpstreamThrottled
			}
		}

		attemptCtx, cancel := context.WithTimeout(ctx, attemptTimeout)
		defer cancel()

		result, err := cb.Execute(func() (interface{}, error) {
			return p.Complete(attemptCtx, req)
		})
		if err != nil {
			switch {
			case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
				return nil, backoff.Permanent(err)
			case ctx.Err() != nil:
				return nil, backoff.Permanent(ctx.Err())
			case errors.Is(err, provider.ErrInvalidRequest):
				return nil, backoff.Permanent(err)
			}
			var ue *provider.UpstreamError
			if errors.As(err, &ue) && !ue.Retryable() {
				return nil, backoff.Permanent(err)
			}
			log.Warn("upstream attempt failed",
				"provider", p.Name(), "attempt", attempt, "error", err)
			return nil, err
		}
		return result.(*provider.Response), nil
	}

	return backoff.Retry(ctx, operation,
		backoff.WithBackOff(expo),
		backoff.WithMaxTries(maxAttempts),
	)
}

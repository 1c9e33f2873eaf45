package fetcher

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/pubstats/internal/resilience"
)

// HTTPSource downloads over HTTP(S) with per-host rate limiting and retry
// on transient failures.
type HTTPSource struct {
	client *http.Client
	opts   Options

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewHTTPSource creates an HTTPSource, filling in defaults for zero options.
func NewHTTPSource(opts Options) *HTTPSource {
	if opts.Timeout == 0 {
		opts.Timeout = 60 * time.Second
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "pubstats/1.0"
	}
	if opts.RatePerSec <= 0 {
		opts.RatePerSec = 2
	}
	if opts.Burst <= 0 {
		opts.Burst = 1
	}
	if opts.Retry.OnRetry == nil {
		opts.Retry.OnRetry = resilience.RetryLogger("fetcher", "http_get")
	}
	return &HTTPSource{
		client: &http.Client{
			Timeout: opts.Timeout,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		opts:     opts,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (s *HTTPSource) limiterFor(host string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	lim, ok := s.limiters[host]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(s.opts.RatePerSec), s.opts.Burst)
		s.limiters[host] = lim
	}
	return lim
}

// Open issues a GET for ref and returns the response body. 408, 429 and 5xx
// responses and network errors are retried; other non-200 statuses are not.
func (s *HTTPSource) Open(ctx context.Context, ref string) (io.ReadCloser, error) {
	u, err := url.Parse(ref)
	if err != nil {
		return nil, eris.Wrap(err, "fetcher: parse http url")
	}
	lim := s.limiterFor(u.Host)

	body, err := resilience.DoVal(ctx, s.opts.Retry, func(attemptCtx context.Context) (io.ReadCloser, error) {
		if err := lim.Wait(attemptCtx); err != nil {
			return nil, eris.Wrap(err, "rate limiter wait")
		}

		// The body outlives the attempt; client.Timeout bounds the request.
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
		if err != nil {
			return nil, eris.Wrap(err, "create request")
		}
		req.Header.Set("User-Agent", s.opts.UserAgent)

		resp, err := s.client.Do(req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode == http.StatusOK {
			return resp.Body, nil
		}

		_ = resp.Body.Close()
		statusErr := eris.Errorf("http %d from %s", resp.StatusCode, redact(ref))
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return nil, resilience.NewTransientError(statusErr, resp.StatusCode)
		}
		return nil, statusErr
	})
	if err != nil {
		return nil, eris.Wrapf(err, "fetcher: download %s", redact(ref))
	}

	zap.L().Debug("fetcher: downloading", zap.String("url", redact(ref)))
	return body, nil
}

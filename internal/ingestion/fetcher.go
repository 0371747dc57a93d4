package ingestion

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// DefaultUserAgent identifies the crawler to remote sites.
const DefaultUserAgent = "civicwire-ingest/1.0 (+https://civicwire.org/bot)"

// ErrBodyTooLarge reports a response body over FetcherConfig.MaxBodyBytes.
var ErrBodyTooLarge = errors.New("response body too large")

// FetchError is a transport failure: a network error or a non-2xx response.
type FetchError struct {
	URL        string
	StatusCode int // zero for network errors
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch %s: unexpected status %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// Response is a fully read HTTP response body.
type Response struct {
	URL         string
	StatusCode  int
	ContentType string
	Body        []byte
	FetchedAt   time.Time
}

// Fetcher retrieves remote documents.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string, headers map[string]string) (*Response, error)
}

// FetcherConfig configures HTTPFetcher.
type FetcherConfig struct {
	Timeout       time.Duration // per attempt
	Retry         RetryPolicy
	RatePerSecond float64 // per host; zero disables limiting
	Burst         int
	UserAgent     string
	MaxBodyBytes  int64
}

// DefaultFetcherConfig returns conservative crawl settings.
func DefaultFetcherConfig() FetcherConfig {
	return FetcherConfig{
		Timeout:       30 * time.Second,
		Retry:         DefaultRetryPolicy(),
		RatePerSecond: 1,
		Burst:         2,
		UserAgent:     DefaultUserAgent,
		MaxBodyBytes:  50 << 20,
	}
}

// HTTPFetcher fetches with a bounded timeout, bounded retries on network and
// 5xx failures, and a per-host rate limit.
type HTTPFetcher struct {
	client *http.Client
	cfg    FetcherConfig
	logger *slog.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewHTTPFetcher creates a fetcher. A nil client uses a fresh http.Client.
func NewHTTPFetcher(cfg FetcherConfig, client *http.Client, logger *slog.Logger) *HTTPFetcher {
	if client == nil {
		client = &http.Client{}
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	return &HTTPFetcher{
		client:   client,
		cfg:      cfg,
		logger:   logger.With("component", "fetcher"),
		limiters: make(map[string]*rate.Limiter),
	}
}

// Fetch performs a GET and returns the body of a 2xx response.
func (f *HTTPFetcher) Fetch(ctx context.Context, rawURL string, headers map[string]string) (*Response, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return nil, &FetchError{URL: rawURL, Err: fmt.Errorf("invalid url")}
	}

	var resp *Response
	err = f.cfg.Retry.Do(ctx, func(ctx context.Context, attempt int) error {
		if err := f.wait(ctx, u.Host); err != nil {
			return err
		}
		r, err := f.attempt(ctx, rawURL, headers)
		if err != nil {
			f.logger.Debug("fetch attempt failed", "url", rawURL, "attempt", attempt+1, "error", err)
			return err
		}
		resp = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (f *HTTPFetcher) attempt(ctx context.Context, rawURL string, headers map[string]string) (*Response, error) {
	if f.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.cfg.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, &FetchError{URL: rawURL, Err: err}
	}
	req.Header.Set("User-Agent", f.cfg.UserAgent)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	res, err := f.client.Do(req)
	if err != nil {
		ferr := &FetchError{URL: rawURL, Err: err}
		if errors.Is(err, context.Canceled) {
			return nil, ferr
		}
		return nil, Retryable(ferr, 0)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 64<<10))
		ferr := &FetchError{URL: rawURL, StatusCode: res.StatusCode}
		if res.StatusCode >= 500 || res.StatusCode == http.StatusTooManyRequests {
			return nil, Retryable(ferr, retryAfter(res.Header, time.Now()))
		}
		return nil, ferr
	}

	reader := io.Reader(res.Body)
	if f.cfg.MaxBodyBytes > 0 {
		reader = io.LimitReader(res.Body, f.cfg.MaxBodyBytes+1)
	}
	body, err := io.ReadAll(reader)
	if err != nil {
		return nil, Retryable(&FetchError{URL: rawURL, Err: fmt.Errorf("read body: %w", err)}, 0)
	}
	if f.cfg.MaxBodyBytes > 0 && int64(len(body)) > f.cfg.MaxBodyBytes {
		return nil, &FetchError{URL: rawURL, Err: fmt.Errorf("%w: over %d bytes", ErrBodyTooLarge, f.cfg.MaxBodyBytes)}
	}

	return &Response{
		URL:         res.Request.URL.String(),
		StatusCode:  res.StatusCode,
		ContentType: res.Header.Get("Content-Type"),
		Body:        body,
		FetchedAt:   time.Now().UTC(),
	}, nil
}

func (f *HTTPFetcher) wait(ctx context.Context, host string) error {
	if f.cfg.RatePerSecond <= 0 {
		return nil
	}
	f.mu.Lock()
	lim, ok := f.limiters[host]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(f.cfg.RatePerSecond), f.cfg.Burst)
		f.limiters[host] = lim
	}
	f.mu.Unlock()
	return lim.Wait(ctx)
}

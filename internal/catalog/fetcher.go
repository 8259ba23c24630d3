// Package catalog retrieves exchange instrument catalogs over REST.
package catalog

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"bookfeed/internal/symbols"
	"bookfeed/logger"
)

const maxBodyBytes = 16 << 20

// Fetcher issues rate-limited GET requests for catalog documents.
type Fetcher struct {
	client  *http.Client
	limiter *rate.Limiter
	log     *logger.Entry
}

// NewFetcher allows requestsPerSecond requests (burst 1). A non-positive
// rate disables limiting.
func NewFetcher(userAgent string, requestsPerSecond float64, timeout time.Duration) *Fetcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	limit := rate.Inf
	if requestsPerSecond > 0 {
		limit = rate.Limit(requestsPerSecond)
	}
	return &Fetcher{
		client: &http.Client{
			Timeout:   timeout,
			Transport: userAgentTransport{agent: userAgent, base: http.DefaultTransport},
		},
		limiter: rate.NewLimiter(limit, 1),
		log:     logger.GetLogger().WithComponent("catalog"),
	}
}

// Fetch returns the body of url. Non-2xx responses are errors.
func (f *Fetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}

	start := time.Now()
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", url, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", url, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("fetch %s: unexpected status %d", url, resp.StatusCode)
	}

	f.log.WithFields(logger.Fields{
		"url":         url,
		"bytes":       len(body),
		"duration_ms": time.Since(start).Milliseconds(),
	}).Debug("fetched catalog")
	return body, nil
}

// Parser turns a catalog body into a symbol mapper.
type Parser func(body []byte) (*symbols.Mapper, error)

// Load fetches url and parses it. Parse failures keep their
// models.ErrCatalogParse kind.
func (f *Fetcher) Load(ctx context.Context, url string, parse Parser) (*symbols.Mapper, error) {
	body, err := f.Fetch(ctx, url)
	if err != nil {
		return nil, err
	}
	m, err := parse(body)
	if err != nil {
		return nil, err
	}
	f.log.WithFields(logger.Fields{
		"exchange": m.Exchange(),
		"markets":  m.Len(),
	}).Info("loaded catalog")
	return m, nil
}
